// Package api exposes the operator surface: health, parameters, stops,
// trades, a live event stream and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"spot-trading-core/internal/circuit"
	"spot-trading-core/internal/events"
	"spot-trading-core/internal/feed"
	"spot-trading-core/internal/ledger"
	"spot-trading-core/internal/logging"
	"spot-trading-core/internal/optimizer"
	"spot-trading-core/internal/params"
	"spot-trading-core/internal/risk"
	"spot-trading-core/internal/state"
)

// RateLimiter provides simple in-memory rate limiting per key
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int           // max requests
	window   time.Duration // time window
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow checks if a request is allowed for the given key
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}
	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}
	r.requests[key] = append(recent, now)
	return true
}

// FeedStatus is implemented by feed.PriceFeed.
type FeedStatus interface {
	Stats() feed.Stats
}

// Deps are the components the API reads and drives. Everything past Bus
// may be nil.
type Deps struct {
	Params *params.Handle
	Stops  *risk.TrailingStopManager
	Store  *state.Store
	Bus    *events.EventBus

	Ledger    ledger.Ledger
	Breaker   *circuit.Breaker
	Feed      FeedStatus
	Optimizer *optimizer.Optimizer
	Candles   optimizer.CandleSource
	Tuner     Tuner
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host            string
	Port            int
	AllowedOrigins  []string
	JWTSecret       string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	ProductionMode  bool
	// WriteLimit caps operator writes per minute.
	WriteLimit int

	OperatorUser         string
	OperatorPasswordHash string
	TokenTTL             time.Duration
}

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	config      ServerConfig
	deps        Deps
	tokens      *TokenManager
	rateLimiter *RateLimiter
	hub         *WSHub
	started     time.Time
	logger      *logging.Logger
}

// NewServer creates a new API server
func NewServer(config ServerConfig, deps Deps, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}
	if config.WriteLimit <= 0 {
		config.WriteLimit = 30
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 10 * time.Second
	}
	if config.TokenTTL <= 0 {
		config.TokenTTL = 12 * time.Hour
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(config.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = config.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "PUT", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:      router,
		config:      config,
		deps:        deps,
		tokens:      NewTokenManager(config.JWTSecret),
		rateLimiter: NewRateLimiter(config.WriteLimit, time.Minute),
		hub:         NewWSHub(logger),
		started:     time.Now(),
		logger:      logger.WithComponent("api"),
	}
	router.Use(s.requestLogger())
	s.setupRoutes()
	if deps.Bus != nil {
		deps.Bus.SubscribeAll(s.hub.BroadcastEvent)
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Tokens returns the token manager, nil when auth is unconfigured.
func (s *Server) Tokens() *TokenManager {
	return s.tokens
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		log := logging.APIContext(s.logger, c.Request.Method, c.Request.URL.Path, c.Writer.Status()).
			WithDuration(time.Since(started))
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Warn("Request failed", "errors", c.Errors.String())
			return
		}
		log.Debug("Request served")
	}
}

// rateLimitMiddleware limits writes per route.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if !s.rateLimiter.Allow(path) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limited",
				"message": "too many requests to this endpoint",
				"path":    path,
			})
			return
		}
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/ws/events", s.handleEvents)

	api := s.router.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/params", s.handleGetParams)
	api.GET("/stops", s.handleGetStops)
	api.GET("/positions", s.handleGetPositions)
	api.GET("/trades", s.handleGetTrades)
	api.POST("/auth/login", s.rateLimitMiddleware(), s.handleLogin)

	operator := api.Group("", RequireRole(s.tokens, RoleOperator), s.rateLimitMiddleware())
	operator.PUT("/params", s.handlePutParams)
	operator.POST("/breaker/reset", s.handleResetBreaker)
	operator.POST("/backtest", s.handleRunBacktest)
	operator.POST("/optimizer/run", s.handleRunOptimizer)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server listening", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.hub.CloseAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown api: %w", err)
	}
	s.logger.Info("API server stopped")
	return nil
}

// ParseOrigins splits a comma separated origin list.
func ParseOrigins(list string) []string {
	var out []string
	for _, o := range strings.Split(list, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
