package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	LoggingConfig        LoggingConfig        `json:"logging"`
	ExchangeConfig       ExchangeConfig       `json:"exchange"`
	TradingConfig        TradingConfig        `json:"trading"`
	StateConfig          StateConfig          `json:"state"`
	LedgerConfig         LedgerConfig         `json:"ledger"`
	RedisConfig          RedisConfig          `json:"redis"`
	ServerConfig         ServerConfig         `json:"server"`
	OptimizerConfig      OptimizerConfig      `json:"optimizer"`
	FeedConfig           FeedConfig           `json:"feed"`
	CircuitBreakerConfig CircuitBreakerConfig `json:"circuit_breaker"`
	VaultConfig          VaultConfig          `json:"vault"`
}

type LoggingConfig struct {
	Level       string `json:"level"`        // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output"`       // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format"`  // Output as JSON
	IncludeFile bool   `json:"include_file"` // Include file and line number
}

// ExchangeConfig describes the spot venue the core trades against.
type ExchangeConfig struct {
	QuoteAsset      string        `json:"quote_asset"`
	DryRun          bool          `json:"dry_run"` // paper venue instead of the live adapter
	PaperBalance    float64       `json:"paper_balance"`
	CallTimeout     time.Duration `json:"call_timeout"`
	MaxRetries      int           `json:"max_retries"`
	StopOrderTypes  []string      `json:"stop_order_types"` // preference order
	PriceTick       float64       `json:"price_tick"`
	QuantityStep    float64       `json:"quantity_step"`
	MonitorInterval time.Duration `json:"monitor_interval"`
}

type TradingConfig struct {
	Symbols       []string      `json:"symbols"`
	CycleInterval time.Duration `json:"cycle_interval"`
	CandleLimit   int           `json:"candle_limit"`
}

type StateConfig struct {
	Path        string `json:"path"`
	ParamsPath  string `json:"params_path"`
	RedisMirror bool   `json:"redis_mirror"`
}

type LedgerConfig struct {
	Driver string `json:"driver"` // memory, file, postgres
	Path   string `json:"path"`
	DSN    string `json:"dsn"`
}

// RedisConfig holds Redis configuration for state mirroring and parameter fan-out
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Enabled         bool   `json:"enabled"`
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"` // CORS allowed origins, comma separated
	JWTSecret       string `json:"jwt_secret"`
	TokenTTL        int    `json:"token_ttl"`     // Minutes
	ReadTimeout     int    `json:"read_timeout"`  // Seconds
	WriteTimeout    int    `json:"write_timeout"` // Seconds
	ShutdownTimeout int    `json:"shutdown_timeout"`

	// Operator login. The hash is bcrypt; empty disables /api/auth/login.
	OperatorUser         string `json:"operator_user"`
	OperatorPasswordHash string `json:"operator_password_hash"`
}

// OptimizerConfig controls the out-of-band parameter search.
type OptimizerConfig struct {
	Enabled          bool          `json:"enabled"`
	Interval         time.Duration `json:"interval"`
	Method           string        `json:"method"` // grid, random, genetic, guided
	Budget           int           `json:"budget"`
	Workers          int           `json:"workers"`
	Seed             int64         `json:"seed"`
	SpaceFile        string        `json:"space_file"`
	CandlesFile      string        `json:"candles_file"`
	MinNewTrades     int           `json:"min_new_trades"`
	WalkForwardTrain int           `json:"walk_forward_train"`
	WalkForwardTest  int           `json:"walk_forward_test"`
	MonteCarloRuns   int           `json:"monte_carlo_runs"`
	MaxLossProb      float64       `json:"max_loss_probability"`
}

// FeedConfig points the trailing stop monitor at a live price stream.
type FeedConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Enabled              bool    `json:"enabled"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"` // Max losing trades in a row
	CooldownMinutes      int     `json:"cooldown_minutes"`       // Cooldown after trip
	MaxDailyLoss         float64 `json:"max_daily_loss"`         // Max daily loss %
	MaxDailyTrades       int     `json:"max_daily_trades"`       // Max trades per day
}

// VaultConfig holds HashiCorp Vault configuration. Secrets read from the KV
// v2 path fill settings left empty by the file and environment.
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`  // KV secrets engine mount path
	SecretPath string `json:"secret_path"` // secret holding jwt_secret, database_url, ...
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// Load reads an optional .env file, then the JSON config file at path, then
// applies environment overrides. A missing config file yields defaults.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	if path == "" {
		path = getEnvOrDefault("CONFIG_FILE", "config.json")
	}

	cfg := Defaults()
	if err := loadFromFile(path, cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	// Apply environment variable overrides (these take precedence)
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Defaults returns the configuration used when no file is present.
func Defaults() *Config {
	return &Config{
		LoggingConfig: LoggingConfig{
			Level:      "INFO",
			Output:     "stdout",
			JSONFormat: true,
		},
		ExchangeConfig: ExchangeConfig{
			QuoteAsset:      "USDT",
			DryRun:          true,
			PaperBalance:    100,
			CallTimeout:     10 * time.Second,
			MaxRetries:      3,
			StopOrderTypes:  []string{"STOP_LOSS_LIMIT", "STOP_LOSS"},
			PriceTick:       0.0001,
			QuantityStep:    0.0001,
			MonitorInterval: 5 * time.Second,
		},
		TradingConfig: TradingConfig{
			Symbols:       []string{"BTCUSDT"},
			CycleInterval: time.Minute,
			CandleLimit:   200,
		},
		StateConfig: StateConfig{
			Path:       "data/state.json",
			ParamsPath: "data/parameters.json",
		},
		LedgerConfig: LedgerConfig{
			Driver: "file",
			Path:   "data/trades.jsonl",
		},
		RedisConfig: RedisConfig{
			Address:  "localhost:6379",
			PoolSize: 10,
		},
		ServerConfig: ServerConfig{
			Enabled:         true,
			Port:            8080,
			Host:            "0.0.0.0",
			AllowedOrigins:  "*",
			TokenTTL:        720,
			OperatorUser:    "operator",
			ReadTimeout:     30,
			WriteTimeout:    30,
			ShutdownTimeout: 10,
		},
		OptimizerConfig: OptimizerConfig{
			Enabled:          false,
			Interval:         24 * time.Hour,
			Method:           "guided",
			Budget:           200,
			Workers:          0,
			Seed:             42,
			MinNewTrades:     20,
			WalkForwardTrain: 500,
			WalkForwardTest:  100,
			MonteCarloRuns:   200,
			MaxLossProb:      0.4,
		},
		CircuitBreakerConfig: CircuitBreakerConfig{
			Enabled:              true,
			MaxConsecutiveLosses: 5,
			CooldownMinutes:      30,
			MaxDailyLoss:         5.0,
			MaxDailyTrades:       100,
		},
		VaultConfig: VaultConfig{
			Address:    "http://127.0.0.1:8200",
			MountPath:  "secret",
			SecretPath: "spot-trading-core",
		},
	}
}

// Validate returns the first invalid setting.
func (c *Config) Validate() error {
	if len(c.TradingConfig.Symbols) == 0 {
		return fmt.Errorf("trading.symbols must not be empty")
	}
	if c.TradingConfig.CycleInterval <= 0 {
		return fmt.Errorf("trading.cycle_interval must be positive")
	}
	if c.ExchangeConfig.CallTimeout <= 0 {
		return fmt.Errorf("exchange.call_timeout must be positive")
	}
	if c.ExchangeConfig.MaxRetries < 0 {
		return fmt.Errorf("exchange.max_retries must be >= 0")
	}
	if len(c.ExchangeConfig.StopOrderTypes) == 0 {
		return fmt.Errorf("exchange.stop_order_types must list at least one order type")
	}
	if c.StateConfig.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	switch c.LedgerConfig.Driver {
	case "memory":
	case "file":
		if c.LedgerConfig.Path == "" {
			return fmt.Errorf("ledger.path is required for the file driver")
		}
	case "postgres":
		// The DSN may come from Vault after load.
		if c.LedgerConfig.DSN == "" && !c.VaultConfig.Enabled {
			return fmt.Errorf("ledger.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("ledger.driver %q is not one of memory, file, postgres", c.LedgerConfig.Driver)
	}
	switch c.OptimizerConfig.Method {
	case "grid", "random", "genetic", "guided":
	default:
		return fmt.Errorf("optimizer.method %q is not one of grid, random, genetic, guided", c.OptimizerConfig.Method)
	}
	if c.OptimizerConfig.Interval <= 0 {
		return fmt.Errorf("optimizer.interval must be positive")
	}
	if c.OptimizerConfig.Budget <= 0 {
		return fmt.Errorf("optimizer.budget must be positive")
	}
	if c.OptimizerConfig.MaxLossProb <= 0 || c.OptimizerConfig.MaxLossProb > 1 {
		return fmt.Errorf("optimizer.max_loss_probability must be in (0, 1]")
	}
	if c.ServerConfig.Enabled && (c.ServerConfig.Port <= 0 || c.ServerConfig.Port > 65535) {
		return fmt.Errorf("server.port %d out of range", c.ServerConfig.Port)
	}
	if c.VaultConfig.Enabled && (c.VaultConfig.Address == "" || c.VaultConfig.Token == "") {
		return fmt.Errorf("vault.address and vault.token are required when vault is enabled")
	}
	if (c.StateConfig.RedisMirror || c.RedisConfig.Enabled) && c.RedisConfig.Address == "" {
		return fmt.Errorf("redis.address is required when redis is enabled")
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Venue credentials are never read here.
func applyEnvOverrides(cfg *Config) {
	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.LoggingConfig.JSONFormat)
	cfg.LoggingConfig.IncludeFile = getEnvBoolOrDefault("LOG_INCLUDE_FILE", cfg.LoggingConfig.IncludeFile)

	// Exchange config
	cfg.ExchangeConfig.QuoteAsset = getEnvOrDefault("EXCHANGE_QUOTE_ASSET", cfg.ExchangeConfig.QuoteAsset)
	cfg.ExchangeConfig.DryRun = getEnvBoolOrDefault("TRADING_DRY_RUN", cfg.ExchangeConfig.DryRun)
	cfg.ExchangeConfig.PaperBalance = getEnvFloatOrDefault("PAPER_BALANCE", cfg.ExchangeConfig.PaperBalance)
	cfg.ExchangeConfig.CallTimeout = getEnvDurationOrDefault("EXCHANGE_CALL_TIMEOUT", cfg.ExchangeConfig.CallTimeout)
	cfg.ExchangeConfig.MaxRetries = getEnvIntOrDefault("EXCHANGE_MAX_RETRIES", cfg.ExchangeConfig.MaxRetries)
	cfg.ExchangeConfig.MonitorInterval = getEnvDurationOrDefault("STOP_MONITOR_INTERVAL", cfg.ExchangeConfig.MonitorInterval)

	// Trading config
	if symbols := getEnvOrDefault("TRADING_SYMBOLS", ""); symbols != "" {
		cfg.TradingConfig.Symbols = splitList(symbols)
	}
	cfg.TradingConfig.CycleInterval = getEnvDurationOrDefault("TRADING_CYCLE_INTERVAL", cfg.TradingConfig.CycleInterval)

	// State and ledger
	cfg.StateConfig.Path = getEnvOrDefault("STATE_PATH", cfg.StateConfig.Path)
	cfg.StateConfig.ParamsPath = getEnvOrDefault("PARAMS_PATH", cfg.StateConfig.ParamsPath)
	cfg.StateConfig.RedisMirror = getEnvBoolOrDefault("STATE_REDIS_MIRROR", cfg.StateConfig.RedisMirror)
	cfg.LedgerConfig.Driver = getEnvOrDefault("LEDGER_DRIVER", cfg.LedgerConfig.Driver)
	cfg.LedgerConfig.Path = getEnvOrDefault("LEDGER_PATH", cfg.LedgerConfig.Path)
	cfg.LedgerConfig.DSN = getEnvOrDefault("DATABASE_URL", cfg.LedgerConfig.DSN)

	// Redis config
	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)

	// Server config
	cfg.ServerConfig.Enabled = getEnvBoolOrDefault("WEB_ENABLED", cfg.ServerConfig.Enabled)
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", cfg.ServerConfig.AllowedOrigins)
	cfg.ServerConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.ServerConfig.JWTSecret)
	cfg.ServerConfig.TokenTTL = getEnvIntOrDefault("AUTH_TOKEN_TTL_MINUTES", cfg.ServerConfig.TokenTTL)
	cfg.ServerConfig.OperatorUser = getEnvOrDefault("AUTH_OPERATOR_USER", cfg.ServerConfig.OperatorUser)
	cfg.ServerConfig.OperatorPasswordHash = getEnvOrDefault("AUTH_OPERATOR_PASSWORD_HASH", cfg.ServerConfig.OperatorPasswordHash)

	// Optimizer config
	cfg.OptimizerConfig.Enabled = getEnvBoolOrDefault("OPTIMIZER_ENABLED", cfg.OptimizerConfig.Enabled)
	cfg.OptimizerConfig.Interval = getEnvDurationOrDefault("OPTIMIZER_INTERVAL", cfg.OptimizerConfig.Interval)
	cfg.OptimizerConfig.Method = getEnvOrDefault("OPTIMIZER_METHOD", cfg.OptimizerConfig.Method)
	cfg.OptimizerConfig.Budget = getEnvIntOrDefault("OPTIMIZER_BUDGET", cfg.OptimizerConfig.Budget)
	cfg.OptimizerConfig.Workers = getEnvIntOrDefault("OPTIMIZER_WORKERS", cfg.OptimizerConfig.Workers)
	cfg.OptimizerConfig.CandlesFile = getEnvOrDefault("OPTIMIZER_CANDLES_FILE", cfg.OptimizerConfig.CandlesFile)

	// Feed config
	cfg.FeedConfig.Enabled = getEnvBoolOrDefault("FEED_ENABLED", cfg.FeedConfig.Enabled)
	cfg.FeedConfig.URL = getEnvOrDefault("FEED_URL", cfg.FeedConfig.URL)

	// Circuit breaker config
	cfg.CircuitBreakerConfig.Enabled = getEnvBoolOrDefault("CIRCUIT_BREAKER_ENABLED", cfg.CircuitBreakerConfig.Enabled)
	cfg.CircuitBreakerConfig.MaxConsecutiveLosses = getEnvIntOrDefault("CIRCUIT_MAX_CONSECUTIVE_LOSSES", cfg.CircuitBreakerConfig.MaxConsecutiveLosses)
	cfg.CircuitBreakerConfig.CooldownMinutes = getEnvIntOrDefault("CIRCUIT_COOLDOWN_MINUTES", cfg.CircuitBreakerConfig.CooldownMinutes)
	cfg.CircuitBreakerConfig.MaxDailyLoss = getEnvFloatOrDefault("CIRCUIT_MAX_DAILY_LOSS", cfg.CircuitBreakerConfig.MaxDailyLoss)

	// Vault config
	cfg.VaultConfig.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.VaultConfig.Enabled)
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)
	cfg.VaultConfig.TLSEnabled = getEnvBoolOrDefault("VAULT_TLS_ENABLED", cfg.VaultConfig.TLSEnabled)
	cfg.VaultConfig.CACert = getEnvOrDefault("VAULT_CACERT", cfg.VaultConfig.CACert)
}

func loadFromFile(filename string, cfg *Config) error {
	file, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}

	if err := json.Unmarshal(file, cfg); err != nil {
		return fmt.Errorf("error parsing config file: %w", err)
	}

	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// GenerateSampleConfig creates a sample configuration file
func GenerateSampleConfig(filename string) error {
	data, err := json.MarshalIndent(Defaults(), "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
