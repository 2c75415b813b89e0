package feed

import (
	"context"
	"sync"
	"time"

	"spot-trading-core/internal/market"
)

// CandleBuilder aggregates ticks of one symbol into fixed-interval candles.
// Volume counts ticks, since the price stream carries no quantities.
type CandleBuilder struct {
	symbol   string
	interval time.Duration
	limit    int
	now      func() time.Time

	mu      sync.Mutex
	closed  []market.Candle
	current *market.Candle
}

// NewCandleBuilder keeps at most limit candles for symbol.
func NewCandleBuilder(symbol string, interval time.Duration, limit int) *CandleBuilder {
	if interval <= 0 {
		interval = time.Minute
	}
	if limit <= 0 {
		limit = 500
	}
	return &CandleBuilder{symbol: symbol, interval: interval, limit: limit, now: time.Now}
}

// Seed replaces the history, typically with candles loaded at startup.
func (b *CandleBuilder) Seed(candles []market.Candle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = append([]market.Candle(nil), candles...)
	b.current = nil
	b.trim()
}

// Add folds a price observed at at into the candle of its bucket. Ticks
// older than the open candle are ignored.
func (b *CandleBuilder) Add(price float64, at time.Time) {
	if price <= 0 {
		return
	}
	open := at.Truncate(b.interval)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current != nil && open.Before(b.current.OpenTime) {
		return
	}
	if b.current == nil || open.After(b.current.OpenTime) {
		if b.current != nil {
			b.closed = append(b.closed, *b.current)
		}
		if n := len(b.closed); n > 0 && !open.After(b.closed[n-1].OpenTime) {
			return
		}
		b.current = &market.Candle{OpenTime: open, Open: price, High: price, Low: price, Close: price}
		b.trim()
	}
	c := b.current
	if price > c.High {
		c.High = price
	}
	if price < c.Low {
		c.Low = price
	}
	c.Close = price
	c.Volume++
}

// trim drops the oldest closed candles. Caller holds mu.
func (b *CandleBuilder) trim() {
	keep := b.limit
	if b.current != nil {
		keep--
	}
	if over := len(b.closed) - keep; over > 0 {
		b.closed = append(b.closed[:0], b.closed[over:]...)
	}
}

// Candles returns the closed candles followed by the open one.
func (b *CandleBuilder) Candles(context.Context) ([]market.Candle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]market.Candle, 0, len(b.closed)+1)
	out = append(out, b.closed...)
	if b.current != nil {
		out = append(out, *b.current)
	}
	return out, nil
}

// Handle is a Handler; ticks for other symbols are ignored.
func (b *CandleBuilder) Handle(_ context.Context, symbol string, price float64) {
	if symbol != b.symbol {
		return
	}
	b.Add(price, b.now())
}
