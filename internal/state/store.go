package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"spot-trading-core/internal/logging"
)

// CorruptionError reports a persisted state file that could not be read.
// The store has already reset itself to defaults when this is returned.
type CorruptionError struct {
	Path        string
	RelocatedTo string
	Err         error
}

func (e *CorruptionError) Error() string {
	if e.RelocatedTo != "" {
		return fmt.Sprintf("state file %s is corrupt (moved to %s): %v", e.Path, e.RelocatedTo, e.Err)
	}
	return fmt.Sprintf("state file %s is corrupt: %v", e.Path, e.Err)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

// Mirror receives every committed document, e.g. for a standby instance.
type Mirror interface {
	MirrorState(ctx context.Context, doc Document) error
}

// Store owns the persisted state document. All mutations go through Update,
// which holds the write lock for the whole read-modify-write-rename.
type Store struct {
	mu         sync.RWMutex
	path       string
	doc        Document
	mirror     Mirror
	corruption *CorruptionError
	logger     *logging.Logger
}

// Open loads the document at path. A missing file yields defaults; an
// unreadable one is relocated to <path>.corrupt-<unix> and replaced by
// defaults, with the CorruptionError available through Corruption().
func Open(path string, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.Default()
	}
	s := &Store{
		path:   path,
		doc:    NewDocument(),
		logger: logger.WithComponent("state"),
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.logger.Info("No state file, starting from defaults", "path", path)
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read state %s: %w", path, err)
	}

	doc, err := decodeDocument(data)
	if err != nil {
		s.corruption = s.relocate(err)
		s.logger.Warn("State file corrupt, reset to defaults",
			"path", path,
			"relocated_to", s.corruption.RelocatedTo,
			"error", err)
		return s, nil
	}

	s.doc = doc
	s.logger.Info("State loaded",
		"path", path,
		"stops", len(doc.Trading.Stops),
		"positions", len(doc.Trading.Positions))
	return s, nil
}

func (s *Store) relocate(cause error) *CorruptionError {
	ce := &CorruptionError{Path: s.path, Err: cause}
	target := fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().Unix())
	if err := os.Rename(s.path, target); err != nil {
		s.logger.Error("Failed to relocate corrupt state file", "path", s.path, "error", err)
		return ce
	}
	ce.RelocatedTo = target
	return ce
}

// Corruption returns the error recorded at Open, or nil.
func (s *Store) Corruption() *CorruptionError {
	return s.corruption
}

// SetMirror attaches a mirror that receives committed documents.
func (s *Store) SetMirror(m Mirror) {
	s.mu.Lock()
	s.mirror = m
	s.mu.Unlock()
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Snapshot returns a deep copy of the current document.
func (s *Store) Snapshot() Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Clone()
}

// Update applies fn to a copy of the document and commits it atomically.
// If fn or the write fails, the in-memory document is unchanged.
func (s *Store) Update(ctx context.Context, fn func(*Document) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	next := s.doc.Clone()
	if err := fn(&next); err != nil {
		s.mu.Unlock()
		return err
	}
	next.SchemaVersion = CurrentSchemaVersion
	next.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("encode state: %w", err)
	}
	if err := WriteFileAtomic(s.path, data, 0644); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("persist state: %w", err)
	}
	s.doc = next
	mirror := s.mirror
	committed := next.Clone()
	s.mu.Unlock()

	if mirror != nil {
		if err := mirror.MirrorState(ctx, committed); err != nil {
			s.logger.Warn("State mirror failed", "error", err)
		}
	}
	return nil
}

// SaveStop upserts a trailing stop record.
func (s *Store) SaveStop(ctx context.Context, rec StopRecord) error {
	return s.Update(ctx, func(d *Document) error {
		d.Trading.Stops[rec.Symbol] = rec
		return nil
	})
}

// DeleteStop removes the record for symbol.
func (s *Store) DeleteStop(ctx context.Context, symbol string) error {
	return s.Update(ctx, func(d *Document) error {
		delete(d.Trading.Stops, symbol)
		return nil
	})
}

// Stops returns the persisted stop records ordered by symbol.
func (s *Store) Stops() []StopRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]StopRecord, 0, len(s.doc.Trading.Stops))
	for _, rec := range s.doc.Trading.Stops {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
