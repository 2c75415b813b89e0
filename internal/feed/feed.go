// Package feed streams live prices from a WebSocket into the trailing stop
// manager.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"spot-trading-core/internal/logging"
)

// Tick is one trade or ticker message: {"s": "SOLUSDT", "p": "15.21"}.
type Tick struct {
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	EventTime int64  `json:"E,omitempty"`
}

// Handler receives every decoded price.
type Handler func(ctx context.Context, symbol string, price float64)

// Stats describe the feed connection.
type Stats struct {
	Connected  bool      `json:"connected"`
	Reconnects int       `json:"reconnects"`
	Ticks      int64     `json:"ticks"`
	LastTick   time.Time `json:"last_tick"`
}

// PriceFeed keeps a WebSocket connection open and reconnects with
// exponential backoff until its context ends.
type PriceFeed struct {
	url     string
	handler Handler
	symbols map[string]bool
	dialer  *websocket.Dialer
	logger  *logging.Logger

	InitialInterval time.Duration
	MaxInterval     time.Duration

	mu    sync.RWMutex
	stats Stats
}

// New creates a feed. With no symbols every tick is delivered.
func New(url string, handler Handler, logger *logging.Logger, symbols ...string) *PriceFeed {
	if logger == nil {
		logger = logging.Default()
	}
	f := &PriceFeed{
		url:             url,
		handler:         handler,
		symbols:         make(map[string]bool),
		dialer:          &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:          logging.WebSocketContext(logger.WithComponent("price-feed"), url),
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
	}
	for _, s := range symbols {
		f.symbols[strings.ToUpper(s)] = true
	}
	return f
}

// Stats returns a snapshot of the connection counters.
func (f *PriceFeed) Stats() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.stats
}

func (f *PriceFeed) setConnected(v bool) {
	f.mu.Lock()
	f.stats.Connected = v
	if !v {
		f.stats.Reconnects++
	}
	f.mu.Unlock()
}

// Run connects and reads until ctx is cancelled, then returns ctx.Err().
func (f *PriceFeed) Run(ctx context.Context) error {
	for {
		conn, err := f.dial(ctx)
		if err != nil {
			return err
		}
		f.setConnected(true)
		f.logger.Info("Price feed connected")

		err = f.readLoop(ctx, conn)
		f.setConnected(false)
		if ctx.Err() != nil {
			f.logger.Info("Price feed stopped")
			return ctx.Err()
		}
		f.logger.Warn("Price feed connection lost, reconnecting", "error", err)
	}
}

func (f *PriceFeed) dial(ctx context.Context) (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.InitialInterval
	b.MaxInterval = f.MaxInterval
	b.MaxElapsedTime = 0

	attempt := func() (*websocket.Conn, error) {
		conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
		if err != nil && ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return conn, err
	}
	notify := func(err error, wait time.Duration) {
		f.logger.Warn("Price feed dial failed", "error", err, "retry_in", wait.String())
	}
	return backoff.RetryNotifyWithData(attempt, backoff.WithContext(b, ctx), notify)
}

func (f *PriceFeed) readLoop(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()
	defer conn.Close()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return fmt.Errorf("closed by server: %w", err)
			}
			return err
		}
		f.handleMessage(ctx, message)
	}
}

// handleMessage accepts a single tick or an array of ticks.
func (f *PriceFeed) handleMessage(ctx context.Context, message []byte) {
	var ticks []Tick
	trimmed := strings.TrimSpace(string(message))
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(message, &ticks); err != nil {
			f.logger.Debug("Unparseable price message", "error", err)
			return
		}
	} else {
		var t Tick
		if err := json.Unmarshal(message, &t); err != nil {
			f.logger.Debug("Unparseable price message", "error", err)
			return
		}
		ticks = []Tick{t}
	}

	for _, t := range ticks {
		symbol := strings.ToUpper(t.Symbol)
		if symbol == "" || (len(f.symbols) > 0 && !f.symbols[symbol]) {
			continue
		}
		price, err := strconv.ParseFloat(t.Price, 64)
		if err != nil || price <= 0 {
			f.logger.Debug("Invalid price in tick", "symbol", symbol, "price", t.Price)
			continue
		}
		f.mu.Lock()
		f.stats.Ticks++
		f.stats.LastTick = time.Now()
		f.mu.Unlock()
		f.handler(ctx, symbol, price)
	}
}
