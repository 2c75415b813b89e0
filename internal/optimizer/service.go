package optimizer

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"spot-trading-core/internal/backtest"
	"spot-trading-core/internal/events"
	"spot-trading-core/internal/ledger"
	"spot-trading-core/internal/logging"
	"spot-trading-core/internal/market"
	"spot-trading-core/internal/metrics"
	"spot-trading-core/internal/params"
)

// CandleSource supplies the history the optimizer trains on.
type CandleSource interface {
	Candles(ctx context.Context) ([]market.Candle, error)
}

// CSVSource reads candles from a CSV file on every call.
type CSVSource struct {
	Path string
}

func (s CSVSource) Candles(_ context.Context) ([]market.Candle, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("open candles: %w", err)
	}
	defer f.Close()
	return market.LoadCandlesCSV(f)
}

// ServiceConfig drives the periodic optimization.
type ServiceConfig struct {
	Method       Method
	Budget       int
	MinNewTrades int               // completed trades required since the last run
	WalkForward  WalkForwardConfig // Train == 0 skips walk-forward
	MonteCarlo   MonteCarloConfig
	Provider     market.IndicatorProvider
}

// Report describes what one service run did.
type Report struct {
	Skipped     bool                 `json:"skipped"`
	Reason      string               `json:"reason,omitempty"`
	NewTrades   int                  `json:"new_trades"`
	Search      *Result              `json:"search,omitempty"`
	WalkForward *WalkForwardResult   `json:"walk_forward,omitempty"`
	MonteCarlo  *MonteCarloResult    `json:"monte_carlo,omitempty"`
	Candidate   params.Values        `json:"candidate,omitempty"`
	Published   *params.ParameterSet `json:"published,omitempty"`
}

// Service consumes the trade ledger out of band and publishes tuned
// parameters through the handle. Readers take a copy of the current set
// once per cycle, so a publish never changes an in-flight decision.
type Service struct {
	opt    *Optimizer
	ledger ledger.Ledger
	source CandleSource
	handle *params.Handle
	bus    *events.EventBus
	cfg    ServiceConfig
	logger *logging.Logger

	mu       sync.Mutex
	lastExit time.Time
}

// NewService wires an optimizer to its inputs and output.
func NewService(opt *Optimizer, l ledger.Ledger, source CandleSource, handle *params.Handle, bus *events.EventBus, cfg ServiceConfig, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.Method == "" {
		cfg.Method = MethodGuided
	}
	if cfg.Budget <= 0 {
		cfg.Budget = 200
	}
	return &Service{
		opt:    opt,
		ledger: l,
		source: source,
		handle: handle,
		bus:    bus,
		cfg:    cfg,
		logger: logger.WithComponent("optimizer-service"),
	}
}

// RunOnce performs one gated optimize, validate, publish pass. Runs are
// serialized.
func (s *Service) RunOnce(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report, err := s.runOnce(ctx)
	switch {
	case err != nil:
		metrics.OptimizerRuns.WithLabelValues("error").Inc()
		s.bus.PublishError("optimizer", "optimizer run failed", err)
	case report.Published != nil:
		metrics.OptimizerRuns.WithLabelValues("published").Inc()
	case report.MonteCarlo != nil && report.MonteCarlo.Fragile:
		metrics.OptimizerRuns.WithLabelValues("fragile").Inc()
	default:
		metrics.OptimizerRuns.WithLabelValues("skipped").Inc()
	}
	return report, err
}

func (s *Service) runOnce(ctx context.Context) (*Report, error) {
	trades, err := s.ledger.Since(ctx, s.lastExit)
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	report := &Report{NewTrades: len(trades)}
	if len(trades) < s.cfg.MinNewTrades {
		report.Skipped = true
		report.Reason = fmt.Sprintf("%d new trades, need %d", len(trades), s.cfg.MinNewTrades)
		s.logger.Debug("Optimization skipped", "reason", report.Reason)
		return report, nil
	}

	candles, err := s.source.Candles(ctx)
	if err != nil {
		return nil, fmt.Errorf("load candles: %w", err)
	}
	ds, err := backtest.NewDataset(candles, s.cfg.Provider)
	if err != nil {
		return nil, err
	}

	search, err := s.opt.Optimize(ctx, ds, s.cfg.Method, s.cfg.Budget)
	if err != nil {
		return nil, err
	}
	report.Search = search
	report.Candidate = search.Best.Values

	if s.cfg.WalkForward.Train > 0 {
		wf := s.cfg.WalkForward
		if wf.Method == "" {
			wf.Method = s.cfg.Method
		}
		if wf.Budget <= 0 {
			wf.Budget = s.cfg.Budget
		}
		res, err := s.opt.WalkForward(ctx, ds, wf)
		if err != nil {
			return nil, fmt.Errorf("walk-forward: %w", err)
		}
		report.WalkForward = res
		report.Candidate = res.Recommended
	}

	mc := s.cfg.MonteCarlo
	if mc.Provider == nil {
		mc.Provider = s.cfg.Provider
	}
	check, err := s.opt.MonteCarlo(ctx, ds, report.Candidate, mc)
	if err != nil {
		return nil, fmt.Errorf("monte carlo: %w", err)
	}
	report.MonteCarlo = check
	s.advance(trades)

	if check.Fragile {
		report.Reason = fmt.Sprintf("candidate fragile: loss probability %.2f", check.ProbabilityOfLoss)
		s.logger.Warn("Optimized parameters rejected", "reason", report.Reason, "candidate", report.Candidate.Key())
		return report, nil
	}

	next, err := s.handle.Current().WithValues(report.Candidate)
	if err != nil {
		return nil, err
	}
	published, err := s.handle.Publish(ctx, next, "optimizer")
	if err != nil {
		return nil, err
	}
	report.Published = &published
	metrics.ParameterVersion.Set(float64(published.Version))
	s.bus.PublishParameters(published.ID, published.Version, published.Source)
	return report, nil
}

// advance moves the ledger cursor past trades.
func (s *Service) advance(trades []ledger.TradeOutcome) {
	for _, t := range trades {
		if t.ExitTime.After(s.lastExit) {
			s.lastExit = t.ExitTime
		}
	}
}

// Run calls RunOnce every interval until ctx ends. Errors are logged and
// the loop continues.
func (s *Service) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("optimizer interval must be positive, got %v", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.logger.Info("Optimizer service started", "interval", interval, "method", s.cfg.Method, "budget", s.cfg.Budget)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Optimizer service stopped")
			return ctx.Err()
		case <-ticker.C:
			report, err := s.RunOnce(ctx)
			if err != nil {
				s.logger.Error("Optimizer run failed", "error", err)
				continue
			}
			if report.Published != nil {
				s.logger.Info("Optimizer published parameters", "version", report.Published.Version, "candidate", report.Candidate.Key())
			}
		}
	}
}
