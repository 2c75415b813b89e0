package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"spot-trading-core/config"
	"spot-trading-core/internal/logging"
)

func TestConnect(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.RedisConfig
		wantErr error
	}{
		{"disabled", config.RedisConfig{Address: "localhost:6379"}, ErrDisabled},
		{"unreachable", config.RedisConfig{Enabled: true, Address: "127.0.0.1:1"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			client, err := Connect(ctx, tt.cfg, logging.Nop())
			if err == nil || client != nil {
				t.Fatalf("client = %v err = %v", client, err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
