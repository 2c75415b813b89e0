package ledger

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"spot-trading-core/internal/logging"
)

// FileLedger appends one JSON object per line and fsyncs every write. A
// torn last line left by a crash is skipped on read.
type FileLedger struct {
	mu     sync.Mutex
	path   string
	ids    map[string]bool
	logger *logging.Logger
}

// NewFileLedger opens (or creates) the ledger at path.
func NewFileLedger(path string, logger *logging.Logger) (*FileLedger, error) {
	if logger == nil {
		logger = logging.Default()
	}
	if path == "" {
		return nil, errors.New("file ledger: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("file ledger: %w", err)
	}
	l := &FileLedger{path: path, ids: make(map[string]bool), logger: logger.WithComponent("ledger")}
	existing, err := l.read()
	if err != nil {
		return nil, err
	}
	for _, o := range existing {
		l.ids[o.ID] = true
	}
	l.logger.Info("Trade ledger opened", "path", path, "trades", len(existing))
	return l, nil
}

func (l *FileLedger) Append(_ context.Context, outcome TradeOutcome) error {
	if err := outcome.validate(); err != nil {
		return err
	}
	line, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ids[outcome.ID] {
		return fmt.Errorf("%s: %w", outcome.ID, ErrDuplicate)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append ledger: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync ledger: %w", err)
	}
	l.ids[outcome.ID] = true
	return nil
}

func (l *FileLedger) All(_ context.Context) ([]TradeOutcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out, err := l.read()
	if err != nil {
		return nil, err
	}
	return sortByExit(out), nil
}

func (l *FileLedger) Since(ctx context.Context, t time.Time) ([]TradeOutcome, error) {
	all, err := l.All(ctx)
	if err != nil {
		return nil, err
	}
	return filterSince(all, t), nil
}

func (l *FileLedger) Close() error { return nil }

func (l *FileLedger) read() ([]TradeOutcome, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}

	var out []TradeOutcome
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var o TradeOutcome
		if err := json.Unmarshal(line, &o); err != nil {
			l.logger.Warn("Skipping unreadable ledger line", "path", l.path, "line", lineNo, "error", err)
			continue
		}
		out = append(out, o)
	}
	return out, scanner.Err()
}
