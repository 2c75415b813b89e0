package params

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"spot-trading-core/internal/logging"
	"spot-trading-core/internal/state"
)

// Publisher fans a newly published parameter set out to other instances.
type Publisher interface {
	PublishParameters(ctx context.Context, ps ParameterSet) error
}

// Handle is the single source of the current ParameterSet. Readers get a
// copy; Publish is the only writer and is serialized.
type Handle struct {
	writeMu     sync.Mutex
	current     atomic.Pointer[ParameterSet]
	path        string
	publisher   Publisher
	subMu       sync.RWMutex
	subscribers []func(ParameterSet)
	logger      *logging.Logger
}

// NewHandle loads the persisted set at path, or starts from Defaults when
// the file does not exist. An empty path disables persistence.
func NewHandle(path string, logger *logging.Logger) (*Handle, error) {
	if logger == nil {
		logger = logging.Default()
	}
	h := &Handle{
		path:   path,
		logger: logger.WithComponent("params"),
	}

	initial := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read parameters %s: %w", path, err)
		default:
			var ps ParameterSet
			if err := json.Unmarshal(data, &ps); err != nil {
				h.logger.Warn("Parameter file unreadable, using defaults", "path", path, "error", err)
			} else if err := ps.Validate(); err != nil {
				h.logger.Warn("Persisted parameters invalid, using defaults", "path", path, "error", err)
			} else {
				initial = ps
			}
		}
	}

	h.current.Store(&initial)
	h.logger.Info("Parameters loaded", "version", initial.Version, "source", initial.Source)
	return h, nil
}

// SetPublisher attaches a fan-out publisher.
func (h *Handle) SetPublisher(p Publisher) {
	h.writeMu.Lock()
	h.publisher = p
	h.writeMu.Unlock()
}

// Current returns a copy of the current parameter set. Callers should read
// it once per cycle and pass the copy along.
func (h *Handle) Current() ParameterSet {
	return *h.current.Load()
}

// Subscribe registers fn to be called with every newly published set.
func (h *Handle) Subscribe(fn func(ParameterSet)) {
	h.subMu.Lock()
	h.subscribers = append(h.subscribers, fn)
	h.subMu.Unlock()
}

// Publish validates ps, stamps it with the next version and a fresh ID,
// persists it and makes it current. The published copy is returned.
func (h *Handle) Publish(ctx context.Context, ps ParameterSet, source string) (ParameterSet, error) {
	if err := ps.Validate(); err != nil {
		return ParameterSet{}, fmt.Errorf("invalid parameter set: %w", err)
	}

	h.writeMu.Lock()
	prev := h.current.Load()
	ps.Version = prev.Version + 1
	ps.ID = uuid.NewString()
	ps.Source = source
	ps.CreatedAt = time.Now().UTC()

	if h.path != "" {
		data, err := json.MarshalIndent(ps, "", "  ")
		if err != nil {
			h.writeMu.Unlock()
			return ParameterSet{}, fmt.Errorf("encode parameters: %w", err)
		}
		if err := state.WriteFileAtomic(h.path, data, 0644); err != nil {
			h.writeMu.Unlock()
			return ParameterSet{}, fmt.Errorf("persist parameters: %w", err)
		}
	}
	published := ps
	h.current.Store(&published)
	publisher := h.publisher
	h.writeMu.Unlock()

	h.logger.Info("Parameters published",
		"version", ps.Version,
		"id", ps.ID,
		"source", source,
		"previous_version", prev.Version)

	h.subMu.RLock()
	subs := append([]func(ParameterSet){}, h.subscribers...)
	h.subMu.RUnlock()
	for _, fn := range subs {
		fn(ps)
	}

	if publisher != nil {
		if err := publisher.PublishParameters(ctx, ps); err != nil {
			h.logger.Warn("Parameter fan-out failed", "version", ps.Version, "error", err)
		}
	}
	return ps, nil
}

// Adopt installs a set published by another instance. Sets that are not
// newer than the current version are ignored. Returns true when adopted.
func (h *Handle) Adopt(ps ParameterSet) (bool, error) {
	if err := ps.Validate(); err != nil {
		return false, fmt.Errorf("invalid parameter set: %w", err)
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if ps.Version <= h.current.Load().Version {
		return false, nil
	}
	adopted := ps
	h.current.Store(&adopted)
	h.logger.Info("Adopted remote parameters", "version", ps.Version, "id", ps.ID, "source", ps.Source)
	return true, nil
}
