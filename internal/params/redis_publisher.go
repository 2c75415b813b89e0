package params

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"spot-trading-core/internal/logging"
)

const (
	// CurrentParametersKey holds the latest published set as JSON.
	CurrentParametersKey = "spotcore:params:current"
	// ParametersChannel carries every published set.
	ParametersChannel = "spotcore:params:updates"
)

// RedisPublisher stores the current set under a key and announces it on a
// pub/sub channel so standby instances can follow.
type RedisPublisher struct {
	client         *redis.Client
	redisAvailable atomic.Bool
	logger         *logging.Logger
}

func NewRedisPublisher(client *redis.Client, logger *logging.Logger) *RedisPublisher {
	if logger == nil {
		logger = logging.Default()
	}
	p := &RedisPublisher{client: client, logger: logger.WithComponent("params-redis")}
	p.redisAvailable.Store(client != nil)
	return p
}

// PublishParameters implements Publisher.
func (p *RedisPublisher) PublishParameters(ctx context.Context, ps ParameterSet) error {
	if p.client == nil {
		return fmt.Errorf("no Redis client configured")
	}
	data, err := json.Marshal(ps)
	if err != nil {
		return fmt.Errorf("failed to marshal parameters: %w", err)
	}

	pipe := p.client.TxPipeline()
	pipe.Set(ctx, CurrentParametersKey, data, 0)
	pipe.Publish(ctx, ParametersChannel, data)
	if _, err := pipe.Exec(ctx); err != nil {
		p.redisAvailable.Store(false)
		return fmt.Errorf("redis publish: %w", err)
	}
	p.redisAvailable.Store(true)
	return nil
}

// Latest reads the most recently published set. Returns nil when none exists.
func (p *RedisPublisher) Latest(ctx context.Context) (*ParameterSet, error) {
	if p.client == nil {
		return nil, fmt.Errorf("no Redis client configured")
	}
	data, err := p.client.Get(ctx, CurrentParametersKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		p.redisAvailable.Store(false)
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var ps ParameterSet
	if err := json.Unmarshal(data, &ps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal parameters: %w", err)
	}
	return &ps, nil
}

// Follow subscribes to the update channel and calls fn for each valid set
// until ctx ends. Used by standby instances.
func (p *RedisPublisher) Follow(ctx context.Context, fn func(ParameterSet)) error {
	if p.client == nil {
		return fmt.Errorf("no Redis client configured")
	}
	sub := p.client.Subscribe(ctx, ParametersChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ps ParameterSet
			if err := json.Unmarshal([]byte(msg.Payload), &ps); err != nil {
				p.logger.Warn("Ignoring malformed parameter update", "error", err)
				continue
			}
			if err := ps.Validate(); err != nil {
				p.logger.Warn("Ignoring invalid parameter update", "version", ps.Version, "error", err)
				continue
			}
			fn(ps)
		}
	}
}

// IsRedisAvailable reports the outcome of the last Redis call.
func (p *RedisPublisher) IsRedisAvailable() bool {
	return p.redisAvailable.Load()
}
