package optimizer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"golang.org/x/sync/errgroup"

	"spot-trading-core/internal/backtest"
	"spot-trading-core/internal/indicators"
	"spot-trading-core/internal/market"
	"spot-trading-core/internal/params"
)

// MonteCarloConfig controls the bootstrap.
type MonteCarloConfig struct {
	Runs     int
	Seed     int64
	Provider market.IndicatorProvider // recomputes indicators on synthetic paths
	// MaxLossProbability above which the parameters are flagged fragile.
	MaxLossProbability float64
}

// DefaultMonteCarloConfig runs 200 paths and flags a loss probability
// above 40%.
func DefaultMonteCarloConfig() MonteCarloConfig {
	return MonteCarloConfig{Runs: 200, Seed: 1, MaxLossProbability: 0.4}
}

// Distribution summarizes one metric across paths.
type Distribution struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	P5   float64 `json:"p5"`
	P50  float64 `json:"p50"`
	P95  float64 `json:"p95"`
}

// MonteCarloResult is the outcome of a bootstrap check.
type MonteCarloResult struct {
	Runs              int          `json:"runs"`
	Return            Distribution `json:"return"`
	Sharpe            Distribution `json:"sharpe"`
	Drawdown          Distribution `json:"drawdown"`
	VaR5              float64      `json:"var_5"` // 5th percentile return
	ProbabilityOfLoss float64      `json:"probability_of_loss"`
	Fragile           bool         `json:"fragile"`
}

// MonteCarlo resamples the close-to-close returns of ds with replacement
// into synthetic price paths and backtests values on each.
func (o *Optimizer) MonteCarlo(ctx context.Context, ds backtest.Dataset, values params.Values, cfg MonteCarloConfig) (*MonteCarloResult, error) {
	def := DefaultMonteCarloConfig()
	if cfg.Runs <= 0 {
		cfg.Runs = def.Runs
	}
	if cfg.MaxLossProbability <= 0 {
		cfg.MaxLossProbability = def.MaxLossProbability
	}
	if cfg.Provider == nil {
		cfg.Provider = indicators.NewProvider()
	}
	if ds.Len() < 2 {
		return nil, errors.New("monte carlo needs at least two candles")
	}

	returns := market.Returns(ds.Candles)
	type sample struct{ ret, sharpe, dd float64 }
	samples := make([]sample, cfg.Runs)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Workers)
	for i := 0; i < cfg.Runs; i++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rng := rand.New(rand.NewSource(cfg.Seed + int64(i)))
			path, err := backtest.NewDataset(bootstrapPath(ds.Candles, returns, rng), cfg.Provider)
			if err != nil {
				return fmt.Errorf("path %d: %w", i, err)
			}
			m, _, err := o.engine.Evaluate(path, values)
			if err != nil {
				return fmt.Errorf("path %d: %w", i, err)
			}
			samples[i] = sample{ret: m.TotalReturn, sharpe: m.SharpeRatio, dd: m.MaxDrawdown}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	rets := make([]float64, cfg.Runs)
	sharpes := make([]float64, cfg.Runs)
	dds := make([]float64, cfg.Runs)
	losses := 0
	for i, s := range samples {
		rets[i], sharpes[i], dds[i] = s.ret, s.sharpe, s.dd
		if s.ret < 0 {
			losses++
		}
	}
	res := &MonteCarloResult{
		Runs:              cfg.Runs,
		Return:            distribution(rets),
		Sharpe:            distribution(sharpes),
		Drawdown:          distribution(dds),
		ProbabilityOfLoss: float64(losses) / float64(cfg.Runs),
	}
	res.VaR5 = res.Return.P5
	res.Fragile = res.ProbabilityOfLoss > cfg.MaxLossProbability

	o.logger.Info("Monte Carlo check complete",
		"runs", res.Runs,
		"mean_return", res.Return.Mean,
		"var_5", res.VaR5,
		"p_loss", res.ProbabilityOfLoss,
		"fragile", res.Fragile)
	return res, nil
}

// bootstrapPath builds a synthetic series of the same length as src.
// Each step draws a historical candle and reuses its return and its high
// and low relative to the close.
func bootstrapPath(src []market.Candle, returns []float64, rng *rand.Rand) []market.Candle {
	out := make([]market.Candle, len(src))
	out[0] = src[0]
	prev := src[0].Close
	for i := 1; i < len(src); i++ {
		j := rng.Intn(len(returns))
		donor := src[j+1]
		closePx := prev * (1 + returns[j])
		if closePx <= 0 {
			closePx = prev
		}
		high := math.Max(prev, closePx*donor.High/donor.Close)
		low := math.Min(prev, closePx*donor.Low/donor.Close)
		out[i] = market.Candle{
			OpenTime: src[i].OpenTime,
			Open:     prev,
			High:     math.Max(high, closePx),
			Low:      math.Min(low, closePx),
			Close:    closePx,
			Volume:   donor.Volume,
		}
		prev = closePx
	}
	return out
}

func distribution(v []float64) Distribution {
	if len(v) == 0 {
		return Distribution{}
	}
	sorted := append([]float64(nil), v...)
	sort.Float64s(sorted)
	mean := 0.0
	for _, x := range sorted {
		mean += x
	}
	mean /= float64(len(sorted))
	ss := 0.0
	for _, x := range sorted {
		ss += (x - mean) * (x - mean)
	}
	std := 0.0
	if len(sorted) > 1 {
		std = math.Sqrt(ss / float64(len(sorted)-1))
	}
	return Distribution{
		Mean: mean,
		Std:  std,
		P5:   percentile(sorted, 0.05),
		P50:  percentile(sorted, 0.50),
		P95:  percentile(sorted, 0.95),
	}
}

// percentile interpolates linearly between the closest ranks of sorted.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := p * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}
