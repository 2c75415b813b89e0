package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"spot-trading-core/config"
	"spot-trading-core/internal/api"
	"spot-trading-core/internal/backtest"
	"spot-trading-core/internal/bot"
	"spot-trading-core/internal/cache"
	"spot-trading-core/internal/circuit"
	"spot-trading-core/internal/events"
	"spot-trading-core/internal/exchange"
	"spot-trading-core/internal/feed"
	"spot-trading-core/internal/indicators"
	"spot-trading-core/internal/ledger"
	"spot-trading-core/internal/logging"
	"spot-trading-core/internal/market"
	"spot-trading-core/internal/metrics"
	"spot-trading-core/internal/optimizer"
	"spot-trading-core/internal/params"
	"spot-trading-core/internal/risk"
	tradesignal "spot-trading-core/internal/signal"
	"spot-trading-core/internal/state"
	"spot-trading-core/internal/vault"
)

func main() {
	// Load configuration
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(&logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
		IncludeFile: cfg.LoggingConfig.IncludeFile,
		Component:   "main",
	})
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Fill secrets the config leaves empty from Vault
	if cfg.VaultConfig.Enabled {
		if err := loadSecrets(ctx, cfg, logger); err != nil {
			logger.Error("Failed to load secrets from Vault", "error", err)
			os.Exit(1)
		}
	}

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Trading core stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Trading core stopped")
}

func loadSecrets(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	client, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		return err
	}
	readCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Health(readCtx); err != nil {
		return err
	}
	applied, err := client.Apply(readCtx, cfg)
	if err != nil {
		return err
	}
	logger.Info("Secrets loaded from Vault", "address", cfg.VaultConfig.Address, "applied", applied)
	return nil
}

func run(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	// Initialize event bus
	eventBus := events.NewEventBus()
	eventBus.SubscribeAll(func(e events.Event) {
		if e.Urgent() {
			logger.Error("Operator attention required", "event", e.Type, "data", e.Data)
		}
	})

	// Optional Redis, for state mirroring and parameter fan-out
	var redisClient *redis.Client
	if cfg.RedisConfig.Enabled || cfg.StateConfig.RedisMirror {
		rc := cfg.RedisConfig
		rc.Enabled = true
		client, err := cache.Connect(ctx, rc, logger)
		if err != nil {
			logger.Warn("Redis unavailable, continuing without it", "error", err)
		} else {
			redisClient = client
			defer redisClient.Close()
		}
	}

	// Initialize state store
	store, err := state.Open(cfg.StateConfig.Path, logger)
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	if corrupt := store.Corruption(); corrupt != nil {
		eventBus.Publish(events.Event{
			Type: events.EventStateCorruption,
			Data: map[string]interface{}{"path": store.Path(), "error": corrupt.Error()},
		})
	}
	if cfg.StateConfig.RedisMirror && redisClient != nil {
		store.SetMirror(state.NewRedisMirror(redisClient, logger))
		logger.Info("State mirrored to Redis")
	}

	// Initialize parameter handle
	handle, err := params.NewHandle(cfg.StateConfig.ParamsPath, logger)
	if err != nil {
		return fmt.Errorf("load parameters: %w", err)
	}
	if redisClient != nil {
		publisher := params.NewRedisPublisher(redisClient, logger)
		handle.SetPublisher(publisher)
		if latest, err := publisher.Latest(ctx); err == nil && latest != nil {
			if _, err := handle.Adopt(*latest); err != nil {
				logger.Warn("Ignoring shared parameter set", "error", err)
			}
		}
		go func() {
			err := publisher.Follow(ctx, func(ps params.ParameterSet) {
				if adopted, err := handle.Adopt(ps); err != nil {
					logger.Warn("Ignoring shared parameter set", "version", ps.Version, "error", err)
				} else if adopted {
					metrics.ParameterVersion.Set(float64(ps.Version))
				}
			})
			if err != nil && ctx.Err() == nil {
				logger.Warn("Parameter follower stopped", "error", err)
			}
		}()
	}
	current := handle.Current()
	metrics.ParameterVersion.Set(float64(current.Version))
	logger.Info("Parameters loaded", "version", current.Version, "source", current.Source)

	// Initialize venue
	if !cfg.ExchangeConfig.DryRun {
		return errors.New("no live venue adapter is configured; set exchange.dry_run")
	}
	paper := exchange.NewPaperExchange(cfg.ExchangeConfig.QuoteAsset, cfg.ExchangeConfig.PaperBalance)
	paper.SetPrecision(cfg.ExchangeConfig.QuantityStep, cfg.ExchangeConfig.PriceTick)
	retryCfg := exchange.DefaultRetryConfig()
	retryCfg.CallTimeout = cfg.ExchangeConfig.CallTimeout
	retryCfg.MaxRetries = cfg.ExchangeConfig.MaxRetries
	venue := exchange.NewRetrying(paper, retryCfg, logger)
	logger.Info("Paper venue initialized", "quote", cfg.ExchangeConfig.QuoteAsset, "balance", cfg.ExchangeConfig.PaperBalance)

	// Initialize trailing stop manager
	stopBase := risk.DefaultTrailingConfig()
	stopBase.QuoteAsset = cfg.ExchangeConfig.QuoteAsset
	stopBase.PriceTick = cfg.ExchangeConfig.PriceTick
	stopBase.QuantityStep = cfg.ExchangeConfig.QuantityStep
	stopBase.OrderTypes = nil
	for _, t := range cfg.ExchangeConfig.StopOrderTypes {
		stopBase.OrderTypes = append(stopBase.OrderTypes, exchange.OrderType(t))
	}
	stops := risk.NewTrailingStopManager(venue, store, risk.TrailingConfigFromParams(current.Risk, stopBase), eventBus, logger)
	if err := stops.Reconcile(ctx); err != nil {
		logger.Warn("Stop reconciliation incomplete", "error", err)
	}

	// Initialize circuit breaker
	breaker := circuit.New(circuit.Config{
		Enabled:              cfg.CircuitBreakerConfig.Enabled,
		MaxConsecutiveLosses: cfg.CircuitBreakerConfig.MaxConsecutiveLosses,
		MaxDailyLoss:         cfg.CircuitBreakerConfig.MaxDailyLoss,
		MaxDailyTrades:       cfg.CircuitBreakerConfig.MaxDailyTrades,
		Cooldown:             time.Duration(cfg.CircuitBreakerConfig.CooldownMinutes) * time.Minute,
	}, eventBus, logger)

	// Initialize trade ledger
	trades, err := ledger.Open(ctx, cfg.LedgerConfig.Driver, cfg.LedgerConfig.Path, cfg.LedgerConfig.DSN, logger)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer trades.Close()

	provider := indicators.NewProvider()
	runner := bot.NewRunner(bot.Deps{
		Venue:      venue,
		Filter:     tradesignal.NewConfirmationFilter(nil, logger),
		Sizer:      risk.NewPositionSizer(logger),
		Stops:      stops,
		Params:     handle,
		Store:      store,
		Ledger:     trades,
		Breaker:    breaker,
		Provider:   provider,
		Bus:        eventBus,
		QuoteAsset: cfg.ExchangeConfig.QuoteAsset,
		StopBase:   stopBase,
	}, logger)

	// Candles per symbol, seeded from the optimizer's history when present
	markets := make([]bot.Market, 0, len(cfg.TradingConfig.Symbols))
	builders := make([]*feed.CandleBuilder, 0, len(cfg.TradingConfig.Symbols))
	var seed []market.Candle
	if cfg.OptimizerConfig.CandlesFile != "" {
		if history, err := (optimizer.CSVSource{Path: cfg.OptimizerConfig.CandlesFile}).Candles(ctx); err != nil {
			logger.Warn("Failed to load candle history", "file", cfg.OptimizerConfig.CandlesFile, "error", err)
		} else {
			seed = history
		}
	}
	for _, symbol := range cfg.TradingConfig.Symbols {
		b := feed.NewCandleBuilder(symbol, cfg.TradingConfig.CycleInterval, cfg.TradingConfig.CandleLimit)
		if len(cfg.TradingConfig.Symbols) == 1 && len(seed) > 0 {
			b.Seed(seed)
			paper.SetPrice(symbol, seed[len(seed)-1].Close)
		}
		builders = append(builders, b)
		markets = append(markets, bot.Market{Symbol: symbol, Source: b})
	}

	onPrice := func(ctx context.Context, symbol string, price float64) {
		paper.SetPrice(symbol, price)
		for _, b := range builders {
			b.Handle(ctx, symbol, price)
		}
		if _, err := stops.OnPrice(ctx, symbol, price); err != nil {
			logger.Warn("Stop update failed", "symbol", symbol, "error", err)
		}
	}

	// Out-of-band parameter search
	var (
		opt *optimizer.Optimizer
		svc *optimizer.Service
	)
	if cfg.OptimizerConfig.CandlesFile != "" {
		if opt, err = newOptimizer(cfg.OptimizerConfig, logger); err != nil {
			return err
		}
	}
	if cfg.OptimizerConfig.Enabled {
		if opt == nil {
			return errors.New("optimizer.candles_file is required when the optimizer is enabled")
		}
		svc = newOptimizerService(cfg.OptimizerConfig, opt, trades, handle, eventBus, provider, logger)
	}

	g, ctx := errgroup.WithContext(ctx)

	var priceFeed *feed.PriceFeed
	if cfg.FeedConfig.Enabled && cfg.FeedConfig.URL != "" {
		priceFeed = feed.New(cfg.FeedConfig.URL, onPrice, logger, cfg.TradingConfig.Symbols...)
		g.Go(func() error { return priceFeed.Run(ctx) })
	}

	g.Go(func() error { return stops.Monitor(ctx, cfg.ExchangeConfig.MonitorInterval) })
	g.Go(func() error {
		return runner.Run(ctx, cfg.TradingConfig.CycleInterval, markets, backtest.RSIReversion)
	})

	if svc != nil {
		g.Go(func() error { return svc.Run(ctx, cfg.OptimizerConfig.Interval) })
	}

	// Operator API
	if cfg.ServerConfig.Enabled {
		deps := api.Deps{
			Params:  handle,
			Stops:   stops,
			Store:   store,
			Ledger:  trades,
			Breaker: breaker,
			Bus:     eventBus,
		}
		if priceFeed != nil {
			deps.Feed = priceFeed
		}
		if opt != nil {
			deps.Optimizer = opt
			deps.Candles = optimizer.CSVSource{Path: cfg.OptimizerConfig.CandlesFile}
		}
		if svc != nil {
			deps.Tuner = svc
		}
		server := api.NewServer(api.ServerConfig{
			Host:            cfg.ServerConfig.Host,
			Port:            cfg.ServerConfig.Port,
			AllowedOrigins:  api.ParseOrigins(cfg.ServerConfig.AllowedOrigins),
			JWTSecret:       cfg.ServerConfig.JWTSecret,
			ReadTimeout:     time.Duration(cfg.ServerConfig.ReadTimeout) * time.Second,
			WriteTimeout:    time.Duration(cfg.ServerConfig.WriteTimeout) * time.Second,
			ShutdownTimeout: time.Duration(cfg.ServerConfig.ShutdownTimeout) * time.Second,
			ProductionMode:  cfg.LoggingConfig.JSONFormat,

			OperatorUser:         cfg.ServerConfig.OperatorUser,
			OperatorPasswordHash: cfg.ServerConfig.OperatorPasswordHash,
			TokenTTL:             time.Duration(cfg.ServerConfig.TokenTTL) * time.Minute,
		}, deps, logger)
		if cfg.ServerConfig.JWTSecret == "" {
			logger.Warn("AUTH_JWT_SECRET is not set; operator endpoints are disabled")
		}
		g.Go(func() error { return server.Start(ctx) })
	}

	logger.Info("Trading core started",
		"symbols", cfg.TradingConfig.Symbols,
		"cycle_interval", cfg.TradingConfig.CycleInterval.String(),
		"dry_run", cfg.ExchangeConfig.DryRun)
	return g.Wait()
}

func newOptimizer(cfg config.OptimizerConfig, logger *logging.Logger) (*optimizer.Optimizer, error) {
	space := optimizer.DefaultSpace()
	if cfg.SpaceFile != "" {
		var err error
		if space, err = optimizer.LoadSpaceFile(cfg.SpaceFile); err != nil {
			return nil, err
		}
	}
	optCfg := optimizer.DefaultConfig()
	optCfg.Seed = cfg.Seed
	if cfg.Workers > 0 {
		optCfg.Workers = cfg.Workers
	}
	engine := backtest.NewEngine(backtest.DefaultConfig(), backtest.RSIReversion)
	return optimizer.New(engine, space, optCfg, logger), nil
}

func newOptimizerService(cfg config.OptimizerConfig, opt *optimizer.Optimizer, trades ledger.Ledger, handle *params.Handle, bus *events.EventBus, provider *indicators.Provider, logger *logging.Logger) *optimizer.Service {
	// Validate has already accepted the method.
	method, _ := optimizer.ParseMethod(cfg.Method)

	mc := optimizer.DefaultMonteCarloConfig()
	mc.Runs = cfg.MonteCarloRuns
	mc.Seed = cfg.Seed
	mc.MaxLossProbability = cfg.MaxLossProb
	mc.Provider = provider

	return optimizer.NewService(opt, trades, optimizer.CSVSource{Path: cfg.CandlesFile}, handle, bus, optimizer.ServiceConfig{
		Method:       method,
		Budget:       cfg.Budget,
		MinNewTrades: cfg.MinNewTrades,
		WalkForward: optimizer.WalkForwardConfig{
			Train:  cfg.WalkForwardTrain,
			Test:   cfg.WalkForwardTest,
			Method: method,
			Budget: cfg.Budget,
		},
		MonteCarlo: mc,
		Provider:   provider,
	}, logger)
}
