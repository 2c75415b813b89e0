// Package circuit halts new entries after a run of losing trades or too
// much loss in one day.
package circuit

import (
	"fmt"
	"math"
	"sync"
	"time"

	"spot-trading-core/internal/events"
	"spot-trading-core/internal/logging"
)

// State of the breaker.
type State string

const (
	StateClosed   State = "closed"    // trading allowed
	StateOpen     State = "open"      // halted until cooldown ends
	StateHalfOpen State = "half_open" // one winner closes it again
)

// Config holds the trip limits. Loss figures are percent.
type Config struct {
	Enabled              bool
	MaxConsecutiveLosses int
	MaxDailyLoss         float64
	MaxDailyTrades       int
	Cooldown             time.Duration
}

// DefaultConfig trips after 5 straight losses or 5% in a day.
func DefaultConfig() Config {
	return Config{
		Enabled:              true,
		MaxConsecutiveLosses: 5,
		MaxDailyLoss:         5.0,
		MaxDailyTrades:       100,
		Cooldown:             30 * time.Minute,
	}
}

// Stats is a snapshot of the breaker counters.
type Stats struct {
	State             State     `json:"state"`
	ConsecutiveLosses int       `json:"consecutive_losses"`
	DailyLoss         float64   `json:"daily_loss"`
	DailyTrades       int       `json:"daily_trades"`
	TripReason        string    `json:"trip_reason,omitempty"`
	LastTrip          time.Time `json:"last_trip,omitempty"`
}

// Breaker is safe for concurrent use.
type Breaker struct {
	mu                sync.Mutex
	cfg               Config
	state             State
	consecutiveLosses int
	dailyLoss         float64
	dailyTrades       int
	dayStart          time.Time
	lastTrip          time.Time
	tripReason        string

	now    func() time.Time
	bus    *events.EventBus
	logger *logging.Logger
}

// New creates a closed breaker.
func New(cfg Config, bus *events.EventBus, logger *logging.Logger) *Breaker {
	if logger == nil {
		logger = logging.Default()
	}
	b := &Breaker{
		cfg:    cfg,
		state:  StateClosed,
		now:    time.Now,
		bus:    bus,
		logger: logger.WithComponent("circuit-breaker"),
	}
	b.dayStart = startOfDay(b.now())
	return b
}

func startOfDay(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

// Allow reports whether a new position may be opened, and why not.
func (b *Breaker) Allow() (bool, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.cfg.Enabled {
		return true, ""
	}
	b.rollDay()

	if b.state == StateOpen {
		if elapsed := b.now().Sub(b.lastTrip); elapsed < b.cfg.Cooldown {
			return false, fmt.Sprintf("circuit breaker open for another %v (%s)",
				(b.cfg.Cooldown - elapsed).Round(time.Second), b.tripReason)
		}
		b.state = StateHalfOpen
		b.logger.Info("Cooldown over, breaker half-open", "reason", b.tripReason)
		b.bus.PublishCircuitBreaker(string(StateHalfOpen), "cooldown_elapsed", b.tripReason)
	}

	if b.cfg.MaxDailyLoss > 0 && b.dailyLoss >= b.cfg.MaxDailyLoss {
		return false, fmt.Sprintf("daily loss limit reached: %.2f%% >= %.2f%%", b.dailyLoss, b.cfg.MaxDailyLoss)
	}
	if b.cfg.MaxDailyTrades > 0 && b.dailyTrades >= b.cfg.MaxDailyTrades {
		return false, fmt.Sprintf("daily trade limit reached: %d trades", b.dailyTrades)
	}
	return true, ""
}

// Record feeds a completed trade's PnL percent into the counters.
func (b *Breaker) Record(pnlPct float64) {
	if math.IsNaN(pnlPct) || math.IsInf(pnlPct, 0) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.cfg.Enabled {
		return
	}
	b.rollDay()
	b.dailyTrades++

	if pnlPct >= 0 {
		b.consecutiveLosses = 0
		if b.state == StateHalfOpen {
			b.state = StateClosed
			b.tripReason = ""
			b.logger.Info("Breaker closed after a winning trade")
			b.bus.PublishCircuitBreaker(string(StateClosed), "recovered", "winning_trade_after_cooldown")
		}
		return
	}

	b.consecutiveLosses++
	b.dailyLoss -= pnlPct

	switch {
	case b.state == StateHalfOpen:
		b.trip(fmt.Sprintf("loss while half-open: %.2f%%", pnlPct))
	case b.cfg.MaxConsecutiveLosses > 0 && b.consecutiveLosses >= b.cfg.MaxConsecutiveLosses:
		b.trip(fmt.Sprintf("consecutive losses: %d", b.consecutiveLosses))
	case b.cfg.MaxDailyLoss > 0 && b.dailyLoss >= b.cfg.MaxDailyLoss:
		b.trip(fmt.Sprintf("daily loss: %.2f%%", b.dailyLoss))
	}
}

func (b *Breaker) trip(reason string) {
	b.state = StateOpen
	b.lastTrip = b.now()
	b.tripReason = reason
	b.logger.Warn("Circuit breaker tripped",
		"reason", reason,
		"consecutive_losses", b.consecutiveLosses,
		"daily_loss", b.dailyLoss)
	b.bus.PublishCircuitBreaker(string(StateOpen), "tripped", reason)
}

func (b *Breaker) rollDay() {
	if today := startOfDay(b.now()); today.After(b.dayStart) {
		b.dayStart = today
		b.dailyLoss = 0
		b.dailyTrades = 0
	}
}

// Reset closes the breaker and clears the loss streak.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.consecutiveLosses = 0
	b.tripReason = ""
	b.logger.Info("Circuit breaker reset manually")
	b.bus.PublishCircuitBreaker(string(StateClosed), "reset", "manual_reset")
}

// Stats returns the current counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:             b.state,
		ConsecutiveLosses: b.consecutiveLosses,
		DailyLoss:         b.dailyLoss,
		DailyTrades:       b.dailyTrades,
		TripReason:        b.tripReason,
		LastTrip:          b.lastTrip,
	}
}
