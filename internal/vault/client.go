// Package vault reads deployment secrets from HashiCorp Vault so they can
// stay out of config files and the environment.
package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"spot-trading-core/config"
)

// ErrNotFound is returned when the secret path holds nothing.
var ErrNotFound = errors.New("vault secret not found")

// Secrets are the settings that may be kept in Vault.
type Secrets struct {
	JWTSecret            string `json:"jwt_secret"`
	DatabaseURL          string `json:"database_url"`
	RedisPassword        string `json:"redis_password"`
	OperatorPasswordHash string `json:"operator_password_hash"`
}

// Client wraps the HashiCorp Vault client
type Client struct {
	client *api.Client
	config config.VaultConfig

	mu    sync.RWMutex
	cache *Secrets
}

// NewClient creates a new Vault client. A disabled config yields a client
// whose reads return empty secrets.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{config: cfg}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{
			CACert: cfg.CACert,
		}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &Client{client: client, config: cfg}, nil
}

// IsEnabled returns whether Vault is enabled
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// Health checks the Vault connection
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}
	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

// Secrets reads the KV v2 secret once and caches it.
func (c *Client) Secrets(ctx context.Context) (*Secrets, error) {
	c.mu.RLock()
	cached := c.cache
	c.mu.RUnlock()
	if cached != nil {
		out := *cached
		return &out, nil
	}
	if !c.config.Enabled {
		return &Secrets{}, nil
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath())
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%s: %w", c.secretPath(), ErrNotFound)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format at %s", c.secretPath())
	}

	s := &Secrets{
		JWTSecret:            getString(data, "jwt_secret"),
		DatabaseURL:          getString(data, "database_url"),
		RedisPassword:        getString(data, "redis_password"),
		OperatorPasswordHash: getString(data, "operator_password_hash"),
	}
	c.mu.Lock()
	c.cache = s
	c.mu.Unlock()

	out := *s
	return &out, nil
}

// Apply fills settings that cfg leaves empty and returns the names of the
// ones it set. Values already configured win.
func (c *Client) Apply(ctx context.Context, cfg *config.Config) ([]string, error) {
	if !c.config.Enabled {
		return nil, nil
	}
	s, err := c.Secrets(ctx)
	if err != nil {
		return nil, err
	}

	var applied []string
	fill := func(name string, dst *string, v string) {
		if *dst == "" && v != "" {
			*dst = v
			applied = append(applied, name)
		}
	}
	fill("jwt_secret", &cfg.ServerConfig.JWTSecret, s.JWTSecret)
	fill("database_url", &cfg.LedgerConfig.DSN, s.DatabaseURL)
	fill("redis_password", &cfg.RedisConfig.Password, s.RedisPassword)
	fill("operator_password_hash", &cfg.ServerConfig.OperatorPasswordHash, s.OperatorPasswordHash)
	return applied, nil
}

// ClearCache forces the next read to go to Vault.
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.cache = nil
	c.mu.Unlock()
}

// secretPath returns the KV v2 data path
func (c *Client) secretPath() string {
	return fmt.Sprintf("%s/data/%s", c.config.MountPath, c.config.SecretPath)
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
