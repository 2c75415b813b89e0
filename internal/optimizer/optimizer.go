package optimizer

import (
	"context"
	"fmt"
	"math/rand"
	"runtime"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"spot-trading-core/internal/backtest"
	"spot-trading-core/internal/logging"
	"spot-trading-core/internal/metrics"
	"spot-trading-core/internal/params"
)

// Method selects a search strategy.
type Method string

const (
	MethodGrid    Method = "grid"
	MethodRandom  Method = "random"
	MethodGenetic Method = "genetic"
	MethodGuided  Method = "guided"
)

// ParseMethod validates a method name.
func ParseMethod(s string) (Method, error) {
	switch m := Method(s); m {
	case MethodGrid, MethodRandom, MethodGenetic, MethodGuided:
		return m, nil
	}
	return "", fmt.Errorf("unknown search method %q", s)
}

// maxGridPoints bounds exhaustive searches.
const maxGridPoints = 100000

// Config tunes the searches.
type Config struct {
	Workers        int     // parallel backtests, default GOMAXPROCS
	Seed           int64   // same seed, same result
	PopulationSize int     // genetic
	MutationRate   float64 // genetic, per gene
	ExploreShare   float64 // guided: share of budget spent on random exploration
	NudgeProb      float64 // guided: per-dimension chance of moving to an adjacent value
	BatchSize      int     // guided: candidates generated per round
}

// DefaultConfig returns the stock search settings.
func DefaultConfig() Config {
	return Config{
		Workers:        runtime.GOMAXPROCS(0),
		Seed:           1,
		PopulationSize: 20,
		MutationRate:   0.1,
		ExploreShare:   0.2,
		NudgeProb:      0.7,
		BatchSize:      8,
	}
}

// Evaluation is one scored parameter point.
type Evaluation struct {
	Values  params.Values    `json:"values"`
	Metrics backtest.Metrics `json:"metrics"`
	Score   float64          `json:"score"`
}

// Result summarizes a search.
type Result struct {
	Method      Method        `json:"method"`
	Best        Evaluation    `json:"best"`
	Evaluations int           `json:"evaluations"`
	Duration    time.Duration `json:"duration"`
}

// Optimizer runs parameter searches. It holds no per-run state and may be
// shared.
type Optimizer struct {
	engine  *backtest.Engine
	space   *Space
	sampler Sampler
	cfg     Config
	logger  *logging.Logger
}

// New creates an optimizer over space. A nil space uses DefaultSpace.
func New(engine *backtest.Engine, space *Space, cfg Config, logger *logging.Logger) *Optimizer {
	if logger == nil {
		logger = logging.Default()
	}
	if space == nil {
		space = DefaultSpace()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PopulationSize < 2 {
		cfg.PopulationSize = def.PopulationSize
	}
	if cfg.MutationRate < 0 || cfg.MutationRate > 1 {
		cfg.MutationRate = def.MutationRate
	}
	if cfg.ExploreShare <= 0 || cfg.ExploreShare > 1 {
		cfg.ExploreShare = def.ExploreShare
	}
	if cfg.NudgeProb <= 0 || cfg.NudgeProb > 1 {
		cfg.NudgeProb = def.NudgeProb
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	return &Optimizer{
		engine:  engine,
		space:   space,
		sampler: UniformSampler{},
		cfg:     cfg,
		logger:  logger.WithComponent("optimizer"),
	}
}

// SetSampler replaces the sampler used for random draws.
func (o *Optimizer) SetSampler(s Sampler) {
	if s != nil {
		o.sampler = s
	}
}

// Space returns the searched space.
func (o *Optimizer) Space() *Space { return o.space }

// Engine returns the backtest engine.
func (o *Optimizer) Engine() *backtest.Engine { return o.engine }

// Backtest runs a single backtest of values on ds.
func (o *Optimizer) Backtest(ds backtest.Dataset, values params.Values) (*backtest.Result, error) {
	return o.engine.Run(ds, values)
}

// Optimize searches for the best-scoring point with method. budget is the
// number of candidates drawn by random, genetic and guided searches; grid
// evaluates the whole space.
func (o *Optimizer) Optimize(ctx context.Context, ds backtest.Dataset, method Method, budget int) (*Result, error) {
	started := time.Now()
	r := &run{opt: o, ds: ds, cache: make(map[string]Evaluation)}
	rng := rand.New(rand.NewSource(o.cfg.Seed))

	var err error
	switch method {
	case MethodGrid:
		err = r.grid(ctx)
	case MethodRandom:
		err = r.random(ctx, rng, budget)
	case MethodGenetic:
		err = r.genetic(ctx, rng, budget)
	case MethodGuided:
		err = r.guided(ctx, rng, budget)
	default:
		return nil, fmt.Errorf("unknown search method %q", method)
	}
	if err != nil {
		return nil, err
	}
	if r.best == nil {
		return nil, fmt.Errorf("%s search evaluated nothing (budget %d)", method, budget)
	}

	res := &Result{Method: method, Best: *r.best, Evaluations: len(r.cache), Duration: time.Since(started)}
	metrics.OptimizerBestScore.Set(res.Best.Score)
	log := o.logger
	if n := ds.Len(); n > 0 {
		log = logging.BacktestContext(log, string(method), ds.Candles[0].OpenTime, ds.Candles[n-1].OpenTime)
	}
	log.Info("Search complete",
		"evaluations", res.Evaluations,
		"best_score", res.Best.Score,
		"best", res.Best.Values.Key(),
		"duration", res.Duration)
	return res, nil
}

// run is the state of one search.
type run struct {
	opt   *Optimizer
	ds    backtest.Dataset
	cache map[string]Evaluation
	best  *Evaluation
}

// evaluate scores batch in parallel and returns the evaluations in batch
// order. Points already scored in this run are not re-run.
func (r *run) evaluate(ctx context.Context, batch []params.Values) ([]Evaluation, error) {
	out := make([]Evaluation, len(batch))
	pending := make(map[string][]int)
	var order []string
	for i, v := range batch {
		k := v.Key()
		if e, ok := r.cache[k]; ok {
			out[i] = e
			continue
		}
		if _, queued := pending[k]; !queued {
			order = append(order, k)
		}
		pending[k] = append(pending[k], i)
	}
	if len(order) == 0 {
		return out, nil
	}

	results := make([]Evaluation, len(order))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opt.cfg.Workers)
	for j, k := range order {
		v := batch[pending[k][0]]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			m, score, err := r.opt.engine.Evaluate(r.ds, v)
			if err != nil {
				return fmt.Errorf("evaluate %s: %w", k, err)
			}
			results[j] = Evaluation{Values: v, Metrics: m, Score: score}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	metrics.OptimizerEvaluations.Add(float64(len(order)))

	for j, k := range order {
		e := results[j]
		r.cache[k] = e
		for _, i := range pending[k] {
			out[i] = e
		}
		if r.best == nil || e.Score > r.best.Score {
			best := e
			r.best = &best
		}
	}
	return out, nil
}

func (r *run) grid(ctx context.Context) error {
	size := r.opt.space.Size()
	if size > maxGridPoints {
		return fmt.Errorf("grid of %d points exceeds limit %d", size, maxGridPoints)
	}
	const chunk = 512
	for startAt := 0; startAt < size; startAt += chunk {
		end := startAt + chunk
		if end > size {
			end = size
		}
		batch := make([]params.Values, 0, end-startAt)
		for i := startAt; i < end; i++ {
			batch = append(batch, r.opt.space.At(i))
		}
		if _, err := r.evaluate(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) random(ctx context.Context, rng *rand.Rand, budget int) error {
	batch := make([]params.Values, budget)
	for i := range batch {
		batch[i] = r.opt.sampler.Sample(rng, r.opt.space)
	}
	_, err := r.evaluate(ctx, batch)
	return err
}

// genetic keeps the top half of each generation and refills it with
// uniform-crossover children whose genes mutate with MutationRate.
func (r *run) genetic(ctx context.Context, rng *rand.Rand, budget int) error {
	size := r.opt.cfg.PopulationSize
	if budget < size {
		size = budget
	}
	if size < 2 {
		return r.random(ctx, rng, budget)
	}
	generations := budget / size
	dims := r.opt.space.dims

	pop := make([]params.Values, size)
	for i := range pop {
		pop[i] = r.opt.sampler.Sample(rng, r.opt.space)
	}

	for gen := 0; gen < generations; gen++ {
		evals, err := r.evaluate(ctx, pop)
		if err != nil {
			return err
		}
		if gen == generations-1 {
			break
		}
		pop = breed(rng, dims, pop, evals, r.opt.cfg.MutationRate)

		r.opt.logger.Debug("Generation evaluated", "generation", gen, "best_score", r.best.Score)
	}
	return nil
}

// breed ranks pop by score, keeps the top half in rank order and fills the
// rest with uniform-crossover children of survivors. Each child gene is
// redrawn from its dimension with probability mutationRate.
func breed(rng *rand.Rand, dims []Dimension, pop []params.Values, evals []Evaluation, mutationRate float64) []params.Values {
	size := len(pop)
	ranked := make([]int, size)
	for i := range ranked {
		ranked[i] = i
	}
	sort.SliceStable(ranked, func(a, b int) bool {
		return evals[ranked[a]].Score > evals[ranked[b]].Score
	})
	survivors := (size + 1) / 2

	next := make([]params.Values, 0, size)
	for _, idx := range ranked[:survivors] {
		next = append(next, pop[idx])
	}
	for len(next) < size {
		a := pop[ranked[rng.Intn(survivors)]]
		b := pop[ranked[rng.Intn(survivors)]]
		child := make(params.Values, len(dims))
		for _, d := range dims {
			if rng.Float64() < 0.5 {
				child[d.Name] = a[d.Name]
			} else {
				child[d.Name] = b[d.Name]
			}
			if rng.Float64() < mutationRate {
				child[d.Name] = d.draw(rng)
			}
		}
		next = append(next, child)
	}
	return next
}

// guided explores randomly for the first ExploreShare of the budget, then
// perturbs the best point found so far.
func (r *run) guided(ctx context.Context, rng *rand.Rand, budget int) error {
	if budget <= 0 {
		return nil
	}
	explore := int(float64(budget) * r.opt.cfg.ExploreShare)
	if explore < 1 {
		explore = 1
	}
	if err := r.random(ctx, rng, explore); err != nil {
		return err
	}

	dims := r.opt.space.dims
	for drawn := explore; drawn < budget; {
		n := r.opt.cfg.BatchSize
		if budget-drawn < n {
			n = budget - drawn
		}
		batch := make([]params.Values, n)
		for i := range batch {
			cand := r.best.Values.Clone()
			for d := range dims {
				if rng.Float64() < r.opt.cfg.NudgeProb {
					step := 1
					if rng.Intn(2) == 0 {
						step = -1
					}
					pos := dims[d].nearest(cand[dims[d].Name])
					if pos+step < 0 || pos+step >= len(dims[d].Values) {
						step = -step
					}
					cand = r.opt.space.Neighbor(cand, d, step)
				} else {
					cand[dims[d].Name] = dims[d].draw(rng)
				}
			}
			batch[i] = cand
		}
		if _, err := r.evaluate(ctx, batch); err != nil {
			return err
		}
		drawn += n
	}
	return nil
}
