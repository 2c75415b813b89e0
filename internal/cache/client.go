// Package cache connects the optional Redis instance used to mirror state
// and fan parameter sets out to other processes.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"spot-trading-core/config"
	"spot-trading-core/internal/logging"
)

// ErrDisabled is returned when Redis is switched off in configuration.
var ErrDisabled = errors.New("redis is not enabled in configuration")

// Connect creates a client for cfg and verifies connectivity. On a failed
// ping the client is closed and the error returned; callers carry on
// without Redis.
func Connect(ctx context.Context, cfg config.RedisConfig, logger *logging.Logger) (*redis.Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if logger == nil {
		logger = logging.Default()
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     poolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	// Verify connection
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Address, err)
	}

	logger.WithComponent("cache").Info("Redis connected", "address", cfg.Address, "db", cfg.DB)
	return client, nil
}
