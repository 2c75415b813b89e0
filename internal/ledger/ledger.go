// Package ledger is the append-only record of completed trades. The
// optimizer reads it out-of-band; the cycle runner and the stop manager
// append to it.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"spot-trading-core/internal/logging"
)

// ErrDuplicate is returned when an outcome with the same ID was already
// appended.
var ErrDuplicate = errors.New("trade outcome already recorded")

// Exit reasons written by the trading core.
const (
	ExitSignal   = "SIGNAL"
	ExitStop     = "TRAILING_STOP"
	ExitRiskExit = "RISK_EXIT"
	ExitManual   = "MANUAL"
)

// TradeOutcome is one completed round trip.
type TradeOutcome struct {
	ID         string        `json:"id"`
	Symbol     string        `json:"symbol"`
	EntryTime  time.Time     `json:"entry_time"`
	ExitTime   time.Time     `json:"exit_time"`
	EntryPrice float64       `json:"entry_price"`
	ExitPrice  float64       `json:"exit_price"`
	Quantity   float64       `json:"quantity"`
	PnLPct     float64       `json:"pnl_pct"` // percent, net of costs
	HoldTime   time.Duration `json:"hold_time"`
	ExitReason string        `json:"exit_reason"`
}

// NewTradeOutcome builds an outcome with a fresh ID. cost is the
// proportional transaction cost charged on each side.
func NewTradeOutcome(symbol string, entryTime, exitTime time.Time, entryPrice, exitPrice, quantity, cost float64, reason string) TradeOutcome {
	pnl := 0.0
	if entryPrice > 0 {
		pnl = ((exitPrice*(1-cost))/(entryPrice*(1+cost)) - 1) * 100
	}
	return TradeOutcome{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		EntryTime:  entryTime,
		ExitTime:   exitTime,
		EntryPrice: entryPrice,
		ExitPrice:  exitPrice,
		Quantity:   quantity,
		PnLPct:     pnl,
		HoldTime:   exitTime.Sub(entryTime),
		ExitReason: reason,
	}
}

// Win reports whether the trade made money after costs.
func (t TradeOutcome) Win() bool { return t.PnLPct > 0 }

func (t TradeOutcome) validate() error {
	if t.ID == "" {
		return fmt.Errorf("trade outcome: missing id")
	}
	if t.Symbol == "" {
		return fmt.Errorf("trade outcome %s: missing symbol", t.ID)
	}
	if t.ExitTime.Before(t.EntryTime) {
		return fmt.Errorf("trade outcome %s: exit before entry", t.ID)
	}
	return nil
}

// Ledger stores trade outcomes. Implementations only ever append.
type Ledger interface {
	Append(ctx context.Context, outcome TradeOutcome) error
	All(ctx context.Context) ([]TradeOutcome, error)
	Since(ctx context.Context, t time.Time) ([]TradeOutcome, error)
	Close() error
}

// Open builds the ledger named by driver: memory, file or postgres.
func Open(ctx context.Context, driver, path, dsn string, logger *logging.Logger) (Ledger, error) {
	switch driver {
	case "", "memory":
		return NewMemoryLedger(), nil
	case "file":
		return NewFileLedger(path, logger)
	case "postgres":
		return NewPostgresLedger(ctx, dsn, logger)
	}
	return nil, fmt.Errorf("unknown ledger driver %q", driver)
}

// MemoryLedger keeps outcomes in process. Used in tests and dry runs.
type MemoryLedger struct {
	mu       sync.RWMutex
	outcomes []TradeOutcome
	ids      map[string]bool
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{ids: make(map[string]bool)}
}

func (m *MemoryLedger) Append(_ context.Context, outcome TradeOutcome) error {
	if err := outcome.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ids[outcome.ID] {
		return fmt.Errorf("%s: %w", outcome.ID, ErrDuplicate)
	}
	m.ids[outcome.ID] = true
	m.outcomes = append(m.outcomes, outcome)
	return nil
}

func (m *MemoryLedger) All(_ context.Context) ([]TradeOutcome, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortByExit(append([]TradeOutcome(nil), m.outcomes...)), nil
}

func (m *MemoryLedger) Since(ctx context.Context, t time.Time) ([]TradeOutcome, error) {
	all, _ := m.All(ctx)
	return filterSince(all, t), nil
}

func (m *MemoryLedger) Close() error { return nil }

func sortByExit(out []TradeOutcome) []TradeOutcome {
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExitTime.Before(out[j].ExitTime) })
	return out
}

func filterSince(all []TradeOutcome, t time.Time) []TradeOutcome {
	out := make([]TradeOutcome, 0, len(all))
	for _, o := range all {
		if o.ExitTime.After(t) {
			out = append(out, o)
		}
	}
	return out
}

// Summary aggregates a set of outcomes.
type Summary struct {
	Trades       int           `json:"trades"`
	Wins         int           `json:"wins"`
	Losses       int           `json:"losses"`
	WinRate      float64       `json:"win_rate"`
	TotalPnLPct  float64       `json:"total_pnl_pct"`
	AvgPnLPct    float64       `json:"avg_pnl_pct"`
	ProfitFactor float64       `json:"profit_factor"`
	AvgHoldTime  time.Duration `json:"avg_hold_time"`
	LastExit     time.Time     `json:"last_exit"`
}

// Summarize computes win rate, profit factor and averages. Profit factor is
// capped at 10 when there are no losing trades.
func Summarize(outcomes []TradeOutcome) Summary {
	var s Summary
	s.Trades = len(outcomes)
	if s.Trades == 0 {
		return s
	}
	var gains, losses float64
	var hold time.Duration
	for _, o := range outcomes {
		s.TotalPnLPct += o.PnLPct
		hold += o.HoldTime
		if o.Win() {
			s.Wins++
			gains += o.PnLPct
		} else {
			s.Losses++
			losses += -o.PnLPct
		}
		if o.ExitTime.After(s.LastExit) {
			s.LastExit = o.ExitTime
		}
	}
	s.WinRate = float64(s.Wins) / float64(s.Trades)
	s.AvgPnLPct = s.TotalPnLPct / float64(s.Trades)
	s.AvgHoldTime = hold / time.Duration(s.Trades)
	switch {
	case losses > 0:
		s.ProfitFactor = math.Min(gains/losses, 10)
	case gains > 0:
		s.ProfitFactor = 10
	}
	return s
}
