package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"spot-trading-core/internal/logging"
)

// Redis keys for mirrored state
const (
	// StateDocumentKey holds the latest committed document as JSON.
	StateDocumentKey = "spotcore:state:document"

	// StopKeyPrefix is the prefix for per-symbol stop records.
	// Format: spotcore:stop:{symbol}
	StopKeyPrefix = "spotcore:stop"

	// StopListKey is the set of symbols that currently have a stop record.
	StopListKey = "spotcore:stops:list"

	// MirrorTTL bounds how long a mirrored document survives without updates.
	MirrorTTL = 7 * 24 * time.Hour
)

// RedisMirror copies committed state documents to Redis so a standby
// instance can inspect stops and positions. When Redis is unavailable it
// keeps the last document in memory and retries on the next commit.
type RedisMirror struct {
	client         *redis.Client
	last           *Document
	cacheMu        sync.RWMutex
	redisAvailable atomic.Bool
	logger         *logging.Logger
}

// NewRedisMirror creates a mirror. If client is nil, the mirror operates in
// memory-only mode.
func NewRedisMirror(client *redis.Client, logger *logging.Logger) *RedisMirror {
	if logger == nil {
		logger = logging.Default()
	}
	m := &RedisMirror{
		client: client,
		logger: logger.WithComponent("redis-mirror"),
	}

	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			m.logger.Warn("Redis unavailable at startup, mirroring to memory only", "error", err)
			m.redisAvailable.Store(false)
		} else {
			m.logger.Info("Redis connected")
			m.redisAvailable.Store(true)
		}
	} else {
		m.logger.Info("No Redis client provided, mirroring to memory only")
	}

	return m
}

func stopKey(symbol string) string {
	return fmt.Sprintf("%s:%s", StopKeyPrefix, symbol)
}

// MirrorState implements Mirror. Redis failures mark the mirror unavailable
// and are not returned; the in-memory copy is always updated.
func (m *RedisMirror) MirrorState(ctx context.Context, doc Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal state document: %w", err)
	}

	m.cacheMu.Lock()
	prev := m.last
	cp := doc.Clone()
	m.last = &cp
	m.cacheMu.Unlock()

	if m.client == nil || !m.redisAvailable.Load() {
		return nil
	}

	pipe := m.client.TxPipeline()
	pipe.Set(ctx, StateDocumentKey, data, MirrorTTL)
	for symbol, rec := range doc.Trading.Stops {
		recData, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal stop %s: %w", symbol, err)
		}
		pipe.Set(ctx, stopKey(symbol), recData, MirrorTTL)
		pipe.SAdd(ctx, StopListKey, symbol)
	}
	if prev != nil {
		for symbol := range prev.Trading.Stops {
			if _, ok := doc.Trading.Stops[symbol]; !ok {
				pipe.Del(ctx, stopKey(symbol))
				pipe.SRem(ctx, StopListKey, symbol)
			}
		}
	}
	pipe.Expire(ctx, StopListKey, MirrorTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		m.logger.Warn("Failed to mirror state to Redis, keeping in-memory copy", "error", err)
		m.redisAvailable.Store(false)
		return nil
	}
	return nil
}

// Load returns the mirrored document, preferring Redis and falling back to
// the in-memory copy. Returns nil when nothing has been mirrored.
func (m *RedisMirror) Load(ctx context.Context) (*Document, error) {
	if m.client != nil && m.redisAvailable.Load() {
		data, err := m.client.Get(ctx, StateDocumentKey).Result()
		if err != nil {
			if err != redis.Nil {
				m.logger.Warn("Redis read error, using in-memory copy", "error", err)
				m.redisAvailable.Store(false)
			}
			return m.cached(), nil
		}

		doc, err := decodeDocument([]byte(data))
		if err != nil {
			return nil, fmt.Errorf("failed to decode mirrored state: %w", err)
		}
		return &doc, nil
	}
	return m.cached(), nil
}

func (m *RedisMirror) cached() *Document {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	if m.last == nil {
		return nil
	}
	cp := m.last.Clone()
	return &cp
}

// IsRedisAvailable returns whether Redis is currently available.
func (m *RedisMirror) IsRedisAvailable() bool {
	return m.redisAvailable.Load()
}

// CheckRedisConnection performs a health check and updates availability status.
func (m *RedisMirror) CheckRedisConnection(ctx context.Context) error {
	if m.client == nil {
		return fmt.Errorf("no Redis client configured")
	}

	if err := m.client.Ping(ctx).Err(); err != nil {
		m.redisAvailable.Store(false)
		return fmt.Errorf("redis ping failed: %w", err)
	}

	if !m.redisAvailable.Swap(true) {
		m.logger.Info("Redis connection recovered")
	}
	return nil
}
