package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"
)

type contextKey string

const (
	loggerKey  contextKey = "logger"
	traceIDKey contextKey = "trace_id"
)

// GenerateTraceID generates a new trace ID
func GenerateTraceID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// FromContext retrieves the logger from context
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return Default()
}

// NewContext creates a new context with the logger
func NewContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// TraceID returns the trace ID stored in ctx, if any.
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey).(string)
	return id
}

// WithTraceContext adds a trace ID to the context and returns a logger with it
func WithTraceContext(ctx context.Context, base *Logger) (context.Context, *Logger) {
	if base == nil {
		base = Default()
	}
	traceID := GenerateTraceID()
	l := base.WithTraceID(traceID)
	newCtx := context.WithValue(ctx, traceIDKey, traceID)
	newCtx = context.WithValue(newCtx, loggerKey, l)
	return newCtx, l
}

// OrderContext creates a logger context for order operations
func OrderContext(base *Logger, orderID, symbol, side, orderType string) *Logger {
	return base.WithFields(map[string]interface{}{
		"order_id":   orderID,
		"symbol":     symbol,
		"side":       side,
		"order_type": orderType,
	})
}

// PositionContext creates a logger context for position operations
func PositionContext(base *Logger, symbol string, entryPrice, quantity float64) *Logger {
	return base.WithFields(map[string]interface{}{
		"symbol":      symbol,
		"entry_price": entryPrice,
		"quantity":    quantity,
	})
}

// SignalContext creates a logger context for trading signals
func SignalContext(base *Logger, symbol, action string, confidence float64) *Logger {
	return base.WithFields(map[string]interface{}{
		"symbol":     symbol,
		"action":     action,
		"confidence": confidence,
	})
}

// BacktestContext creates a logger context for backtesting
func BacktestContext(base *Logger, method string, startDate, endDate time.Time) *Logger {
	return base.WithFields(map[string]interface{}{
		"method":     method,
		"start_date": startDate.Format("2006-01-02"),
		"end_date":   endDate.Format("2006-01-02"),
	})
}

// RiskContext creates a logger context for risk management
func RiskContext(base *Logger, symbol string, portfolioValue, confidence float64) *Logger {
	return base.WithFields(map[string]interface{}{
		"symbol":          symbol,
		"portfolio_value": portfolioValue,
		"confidence":      confidence,
	})
}

// APIContext creates a logger context for API operations
func APIContext(base *Logger, method, path string, statusCode int) *Logger {
	return base.WithFields(map[string]interface{}{
		"method":      method,
		"path":        path,
		"status_code": statusCode,
	})
}

// WebSocketContext creates a logger context for WebSocket operations
func WebSocketContext(base *Logger, url string) *Logger {
	return base.WithFields(map[string]interface{}{
		"stream": url,
	})
}
