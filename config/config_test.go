package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ExchangeConfig.QuoteAsset != "USDT" {
		t.Errorf("quote asset = %q, want USDT", cfg.ExchangeConfig.QuoteAsset)
	}
	if !cfg.ExchangeConfig.DryRun {
		t.Error("dry run should default to true")
	}
	if cfg.LedgerConfig.Driver != "file" {
		t.Errorf("ledger driver = %q", cfg.LedgerConfig.Driver)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"trading": {"symbols": ["ETHUSDT"], "cycle_interval": 30000000000, "candle_limit": 100},
	          "ledger": {"driver": "memory"}}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TRADING_SYMBOLS", "BTCUSDT, SOLUSDT")
	t.Setenv("EXCHANGE_MAX_RETRIES", "7")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.TradingConfig.Symbols; len(got) != 2 || got[0] != "BTCUSDT" || got[1] != "SOLUSDT" {
		t.Errorf("symbols = %v", got)
	}
	if cfg.TradingConfig.CycleInterval != 30*time.Second {
		t.Errorf("cycle interval = %v", cfg.TradingConfig.CycleInterval)
	}
	if cfg.ExchangeConfig.MaxRetries != 7 {
		t.Errorf("max retries = %d", cfg.ExchangeConfig.MaxRetries)
	}
	if cfg.LedgerConfig.Driver != "memory" {
		t.Errorf("driver = %q", cfg.LedgerConfig.Driver)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"no symbols", func(c *Config) { c.TradingConfig.Symbols = nil }, true},
		{"bad ledger driver", func(c *Config) { c.LedgerConfig.Driver = "sqlite" }, true},
		{"postgres without dsn", func(c *Config) { c.LedgerConfig.Driver = "postgres" }, true},
		{"unknown method", func(c *Config) { c.OptimizerConfig.Method = "annealing" }, true},
		{"no stop order types", func(c *Config) { c.ExchangeConfig.StopOrderTypes = nil }, true},
		{"zero optimizer interval", func(c *Config) { c.OptimizerConfig.Interval = 0 }, true},
		{"loss probability out of range", func(c *Config) { c.OptimizerConfig.MaxLossProb = 1.5 }, true},
		{"vault without token", func(c *Config) { c.VaultConfig.Enabled = true }, true},
		{"vault with token", func(c *Config) {
			c.VaultConfig.Enabled = true
			c.VaultConfig.Token = "s.dev"
		}, false},
		{"postgres dsn left to vault", func(c *Config) {
			c.LedgerConfig.Driver = "postgres"
			c.VaultConfig.Enabled = true
			c.VaultConfig.Token = "s.dev"
		}, false},
		{"redis mirror without address", func(c *Config) {
			c.StateConfig.RedisMirror = true
			c.RedisConfig.Address = ""
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGenerateSampleConfigRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.json")
	if err := GenerateSampleConfig(path); err != nil {
		t.Fatalf("GenerateSampleConfig: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load(sample): %v", err)
	}
	if cfg.OptimizerConfig.Method != "guided" {
		t.Errorf("method = %q", cfg.OptimizerConfig.Method)
	}
}
