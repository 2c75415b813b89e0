package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"spot-trading-core/internal/logging"
	"spot-trading-core/internal/metrics"
)

// RetryConfig bounds every venue call.
type RetryConfig struct {
	CallTimeout     time.Duration
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig returns conservative bounds.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		CallTimeout:     10 * time.Second,
		MaxRetries:      3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// Retrying wraps an Exchange so that every call carries a timeout and
// transient failures are retried with exponential backoff a bounded number
// of times. Rejections and other errors are returned immediately.
type Retrying struct {
	inner  Exchange
	cfg    RetryConfig
	logger *logging.Logger
}

var _ Exchange = (*Retrying)(nil)

func NewRetrying(inner Exchange, cfg RetryConfig, logger *logging.Logger) *Retrying {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultRetryConfig().CallTimeout
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = DefaultRetryConfig().InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = DefaultRetryConfig().MaxInterval
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Retrying{inner: inner, cfg: cfg, logger: logger.WithComponent("exchange")}
}

func (r *Retrying) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.MaxInterval = r.cfg.MaxInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.cfg.MaxRetries)), ctx)
}

func do[T any](r *Retrying, ctx context.Context, op string, call func(ctx context.Context) (T, error)) (T, error) {
	attempt := func() (T, error) {
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		defer cancel()

		out, err := call(callCtx)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return out, backoff.Permanent(ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = &TransientError{Op: op, Err: err}
		}
		if !IsTransient(err) {
			return out, backoff.Permanent(err)
		}
		return out, err
	}

	notify := func(err error, wait time.Duration) {
		metrics.VenueRetries.WithLabelValues(op).Inc()
		r.logger.Warn("Transient venue error, retrying", "op", op, "wait", wait.String(), "error", err)
	}

	return backoff.RetryNotifyWithData(attempt, r.policy(ctx), notify)
}

func (r *Retrying) GetTicker(ctx context.Context, symbol string) (float64, error) {
	return do(r, ctx, "get_ticker", func(ctx context.Context) (float64, error) {
		return r.inner.GetTicker(ctx, symbol)
	})
}

func (r *Retrying) GetOrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error) {
	return do(r, ctx, "get_orderbook", func(ctx context.Context) (*OrderBook, error) {
		return r.inner.GetOrderBook(ctx, symbol, depth)
	})
}

// PlaceOrder is retried only on errors the venue classifies as transient,
// i.e. the order was not accepted.
func (r *Retrying) PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	return do(r, ctx, "place_order", func(ctx context.Context) (*Order, error) {
		return r.inner.PlaceOrder(ctx, req)
	})
}

func (r *Retrying) CancelOrder(ctx context.Context, symbol, orderID string) error {
	_, err := do(r, ctx, "cancel_order", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.inner.CancelOrder(ctx, symbol, orderID)
	})
	return err
}

func (r *Retrying) ListOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	return do(r, ctx, "list_open_orders", func(ctx context.Context) ([]Order, error) {
		return r.inner.ListOpenOrders(ctx, symbol)
	})
}

func (r *Retrying) GetBalances(ctx context.Context) (map[string]Balance, error) {
	return do(r, ctx, "get_balances", func(ctx context.Context) (map[string]Balance, error) {
		return r.inner.GetBalances(ctx)
	})
}
