package optimizer

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"testing"
	"time"

	"spot-trading-core/internal/backtest"
	"spot-trading-core/internal/indicators"
	"spot-trading-core/internal/logging"
	"spot-trading-core/internal/market"
	"spot-trading-core/internal/params"
)

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func wave(n int) []market.Candle {
	out := make([]market.Candle, n)
	for i := range out {
		p := 100 + 10*math.Sin(float64(i)/6) + 3*math.Sin(float64(i)/1.7)
		out[i] = market.Candle{
			OpenTime: start.Add(time.Duration(i) * time.Hour),
			Open:     p - 0.2,
			High:     p + 1,
			Low:      p - 1,
			Close:    p,
			Volume:   1000,
		}
	}
	return out
}

// trend moves the close by step (a fraction) every candle.
func trend(n int, step float64) []market.Candle {
	out := make([]market.Candle, n)
	p := 100.0
	for i := range out {
		next := p * (1 + step)
		out[i] = market.Candle{
			OpenTime: start.Add(time.Duration(i) * time.Hour),
			Open:     p,
			High:     math.Max(p, next) * 1.001,
			Low:      math.Min(p, next) * 0.999,
			Close:    next,
			Volume:   1000,
		}
		p = next
	}
	return out
}

func waveDataset(t *testing.T, n int) backtest.Dataset {
	t.Helper()
	ds, err := backtest.NewDataset(wave(n), indicators.NewProvider())
	if err != nil {
		t.Fatal(err)
	}
	return ds
}

func smallSpace(t *testing.T) *Space {
	t.Helper()
	s, err := NewSpace(
		Dimension{Name: params.RSIOversold, Values: []float64{35, 25, 30}},
		Dimension{Name: params.RSIOverbought, Values: []float64{65, 70, 75}},
		Dimension{Name: params.ConfidenceThreshold, Values: []float64{0.5, 0.6}},
	)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func newOptimizer(t *testing.T, space *Space) *Optimizer {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Workers = 4
	cfg.Seed = 7
	return New(backtest.NewEngine(backtest.DefaultConfig(), nil), space, cfg, logging.Nop())
}

func TestSpaceIndexing(t *testing.T) {
	s := smallSpace(t)
	if s.Size() != 18 {
		t.Fatalf("size = %d, want 18", s.Size())
	}
	seen := make(map[string]bool)
	for i := 0; i < s.Size(); i++ {
		v := s.At(i)
		if j, ok := s.IndexOf(v); !ok || j != i {
			t.Errorf("IndexOf(At(%d)) = %d, %v", i, j, ok)
		}
		seen[v.Key()] = true
	}
	if len(seen) != 18 {
		t.Errorf("distinct points = %d", len(seen))
	}
	// Values are sorted, so the first point takes every minimum.
	first := s.At(0)
	if first[params.RSIOversold] != 25 || first[params.ConfidenceThreshold] != 0.5 {
		t.Errorf("At(0) = %v", first)
	}
	if _, ok := s.IndexOf(params.Values{params.RSIOversold: 27, params.RSIOverbought: 70, params.ConfidenceThreshold: 0.5}); ok {
		t.Error("off-grid value indexed")
	}
}

func TestSpaceNeighbor(t *testing.T) {
	s := smallSpace(t)
	v := params.Values{params.RSIOversold: 30, params.RSIOverbought: 75, params.ConfidenceThreshold: 0.5}

	tests := []struct {
		name string
		dim  int
		step int
		key  string
		want float64
	}{
		{"down", 0, -1, params.RSIOversold, 25},
		{"up", 0, 1, params.RSIOversold, 35},
		{"clamped at top", 1, 1, params.RSIOverbought, 75},
		{"clamped at bottom", 2, -1, params.ConfidenceThreshold, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Neighbor(v, tt.dim, tt.step)
			if got[tt.key] != tt.want {
				t.Errorf("%s = %v, want %v", tt.key, got[tt.key], tt.want)
			}
		})
	}
	if v[params.RSIOversold] != 30 {
		t.Error("Neighbor mutated its input")
	}
}

func TestNewSpaceRejects(t *testing.T) {
	tests := []struct {
		name string
		dims []Dimension
	}{
		{"no dimensions", nil},
		{"unknown name", []Dimension{{Name: "lunar_phase", Values: []float64{1}}}},
		{"duplicate", []Dimension{{Name: params.RSIOversold, Values: []float64{20}}, {Name: params.RSIOversold, Values: []float64{30}}}},
		{"no values", []Dimension{{Name: params.RSIOversold}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSpace(tt.dims...); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadSpace(t *testing.T) {
	doc := `
dimensions:
  - name: stop_loss_pct
    values: [0.03, 0.01, 0.02]
  - name: take_profit_pct
    values: [0.04]
`
	s, err := LoadSpace(strings.NewReader(doc))
	if err != nil {
		t.Fatal(err)
	}
	dims := s.Dimensions()
	if len(dims) != 2 || dims[0].Values[0] != 0.01 || s.Size() != 3 {
		t.Errorf("dims = %+v", dims)
	}
	if _, err := LoadSpace(strings.NewReader("dimensions: [")); err == nil {
		t.Error("malformed yaml accepted")
	}
}

func TestDefaultSpaceIsPublishable(t *testing.T) {
	s := DefaultSpace()
	base := params.Defaults()
	for _, i := range []int{0, s.Size() / 2, s.Size() - 1} {
		ps, err := base.WithValues(s.At(i))
		if err != nil {
			t.Fatal(err)
		}
		if err := ps.Validate(); err != nil {
			t.Errorf("point %d invalid: %v", i, err)
		}
	}
}

func TestUniformSamplerStaysInSpace(t *testing.T) {
	s := smallSpace(t)
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 200; i++ {
		if _, ok := s.IndexOf(UniformSampler{}.Sample(rng, s)); !ok {
			t.Fatal("sample outside the space")
		}
	}
}

func TestGridFindsBest(t *testing.T) {
	ds := waveDataset(t, 300)
	opt := newOptimizer(t, smallSpace(t))

	res, err := opt.Optimize(context.Background(), ds, MethodGrid, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Evaluations != 18 {
		t.Errorf("evaluations = %d, want 18", res.Evaluations)
	}
	want := math.Inf(-1)
	for i := 0; i < opt.Space().Size(); i++ {
		_, score, err := opt.Engine().Evaluate(ds, opt.Space().At(i))
		if err != nil {
			t.Fatal(err)
		}
		want = math.Max(want, score)
	}
	if res.Best.Score != want {
		t.Errorf("grid best = %v, want %v", res.Best.Score, want)
	}
}

func TestSearchesAreDeterministic(t *testing.T) {
	ds := waveDataset(t, 300)
	space := smallSpace(t)

	for _, method := range []Method{MethodRandom, MethodGenetic, MethodGuided} {
		t.Run(string(method), func(t *testing.T) {
			a, err := newOptimizer(t, space).Optimize(context.Background(), ds, method, 30)
			if err != nil {
				t.Fatal(err)
			}
			b, err := newOptimizer(t, space).Optimize(context.Background(), ds, method, 30)
			if err != nil {
				t.Fatal(err)
			}
			if a.Best.Values.Key() != b.Best.Values.Key() || a.Best.Score != b.Best.Score {
				t.Errorf("runs differ: %s (%v) vs %s (%v)", a.Best.Values.Key(), a.Best.Score, b.Best.Values.Key(), b.Best.Score)
			}
			if _, ok := space.IndexOf(a.Best.Values); !ok {
				t.Errorf("best %s outside the space", a.Best.Values.Key())
			}
			if a.Evaluations > 30 || a.Evaluations > space.Size() {
				t.Errorf("evaluations = %d", a.Evaluations)
			}
		})
	}
}

func TestOptimizeRejectsUnknownMethod(t *testing.T) {
	if _, err := ParseMethod("annealing"); err == nil {
		t.Error("ParseMethod accepted unknown method")
	}
	_, err := newOptimizer(t, smallSpace(t)).Optimize(context.Background(), waveDataset(t, 100), Method("annealing"), 10)
	if err == nil {
		t.Error("Optimize accepted unknown method")
	}
}

func TestOptimizeHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newOptimizer(t, smallSpace(t)).Optimize(ctx, waveDataset(t, 300), MethodRandom, 10)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestWalkForwardRecommendsObservedValues(t *testing.T) {
	ds := waveDataset(t, 400)
	opt := newOptimizer(t, smallSpace(t))

	res, err := opt.WalkForward(context.Background(), ds, WalkForwardConfig{Train: 150, Test: 60, Method: MethodRandom, Budget: 6})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Windows) != 4 {
		t.Fatalf("windows = %d, want 4", len(res.Windows))
	}
	for _, d := range opt.Space().Dimensions() {
		rec := res.Recommended[d.Name]
		observed := false
		for _, w := range res.Windows {
			if w.Best.Values[d.Name] == rec {
				observed = true
			}
		}
		if !observed {
			t.Errorf("%s recommended %v never chosen by a window", d.Name, rec)
		}
		if st := res.Stability[d.Name]; st < 0.25 || st > 1 {
			t.Errorf("%s stability = %v", d.Name, st)
		}
		if res.Frequency[d.Name][0].Value != rec {
			t.Errorf("%s frequency head %v != recommended %v", d.Name, res.Frequency[d.Name][0].Value, rec)
		}
	}
}

func TestWalkForwardNeedsData(t *testing.T) {
	opt := newOptimizer(t, smallSpace(t))
	_, err := opt.WalkForward(context.Background(), waveDataset(t, 100), WalkForwardConfig{Train: 80, Test: 40})
	if !errors.Is(err, ErrNoWindows) {
		t.Errorf("err = %v, want ErrNoWindows", err)
	}
}

func TestMonteCarlo(t *testing.T) {
	ds := waveDataset(t, 250)
	opt := newOptimizer(t, smallSpace(t))
	values := params.Values{params.RSIOversold: 35, params.RSIOverbought: 65, params.ConfidenceThreshold: 0.5}
	cfg := MonteCarloConfig{Runs: 40, Seed: 11}

	a, err := opt.MonteCarlo(context.Background(), ds, values, cfg)
	if err != nil {
		t.Fatal(err)
	}
	b, err := opt.MonteCarlo(context.Background(), ds, values, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if a.Return != b.Return || a.ProbabilityOfLoss != b.ProbabilityOfLoss {
		t.Error("same seed produced different distributions")
	}
	for name, d := range map[string]Distribution{"return": a.Return, "sharpe": a.Sharpe, "drawdown": a.Drawdown} {
		if d.P5 > d.P50 || d.P50 > d.P95 {
			t.Errorf("%s percentiles unordered: %+v", name, d)
		}
	}
	if a.VaR5 != a.Return.P5 || a.ProbabilityOfLoss < 0 || a.ProbabilityOfLoss > 1 {
		t.Errorf("result = %+v", a)
	}
	if a.Fragile != (a.ProbabilityOfLoss > 0.4) {
		t.Errorf("fragile = %v with p_loss %v", a.Fragile, a.ProbabilityOfLoss)
	}
}

func TestBootstrapPathIsValidSeries(t *testing.T) {
	src := wave(120)
	path := bootstrapPath(src, market.Returns(src), rand.New(rand.NewSource(5)))
	if len(path) != len(src) {
		t.Fatalf("len = %d", len(path))
	}
	if err := market.ValidateSeries(path); err != nil {
		t.Fatal(err)
	}
	for i, c := range path {
		if c.High < c.Close || c.Low > c.Close || c.High < c.Open || c.Low > c.Open {
			t.Fatalf("candle %d inconsistent: %+v", i, c)
		}
	}
}

func TestPercentile(t *testing.T) {
	sorted := []float64{1, 2, 3, 4, 5}
	tests := []struct {
		p    float64
		want float64
	}{
		{0, 1},
		{0.5, 3},
		{1, 5},
		{0.05, 1.2},
		{0.95, 4.8},
	}
	for _, tt := range tests {
		if got := percentile(sorted, tt.p); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("percentile(%v) = %v, want %v", tt.p, got, tt.want)
		}
	}
}

// countingSampler counts the draws it serves.
type countingSampler struct {
	calls int
}

func (c *countingSampler) Sample(rng *rand.Rand, s *Space) params.Values {
	c.calls++
	return UniformSampler{}.Sample(rng, s)
}

func rankedPopulation(dims []Dimension, scores []float64, gene func(i int) float64) ([]params.Values, []Evaluation) {
	pop := make([]params.Values, len(scores))
	evals := make([]Evaluation, len(scores))
	for i, score := range scores {
		v := make(params.Values, len(dims))
		for _, d := range dims {
			v[d.Name] = gene(i)
		}
		pop[i] = v
		evals[i] = Evaluation{Values: v, Score: score}
	}
	return pop, evals
}

func TestBreedKeepsTopHalf(t *testing.T) {
	dims := smallSpace(t).Dimensions()
	scores := []float64{0.1, 0.9, 0.3, 0.7, 0.5}
	pop, evals := rankedPopulation(dims, scores, func(i int) float64 { return float64(100 + i) })

	next := breed(rand.New(rand.NewSource(5)), dims, pop, evals, 0)
	if len(next) != len(pop) {
		t.Fatalf("population = %d, want %d", len(next), len(pop))
	}
	// 0.9, 0.7, 0.5 survive in rank order.
	for i, want := range []int{1, 3, 4} {
		if next[i].Key() != pop[want].Key() {
			t.Errorf("survivor %d = %s, want %s", i, next[i].Key(), pop[want].Key())
		}
	}
	survivorGenes := map[float64]bool{101: true, 103: true, 104: true}
	for _, child := range next[3:] {
		for _, d := range dims {
			if !survivorGenes[child[d.Name]] {
				t.Errorf("child gene %s = %v not inherited from a survivor", d.Name, child[d.Name])
			}
		}
	}
}

func TestBreedMutationDrawsFromDimension(t *testing.T) {
	dims := smallSpace(t).Dimensions()
	// Parent genes lie outside every dimension, so any in-range gene is a mutation.
	pop, evals := rankedPopulation(dims, []float64{1, 2, 3, 4, 5, 6, 7, 8}, func(i int) float64 { return -1 })

	rng := rand.New(rand.NewSource(11))
	for round := 0; round < 20; round++ {
		next := breed(rng, dims, pop, evals, 1)
		for _, child := range next[4:] {
			for _, d := range dims {
				if d.position(child[d.Name]) < 0 {
					t.Fatalf("mutated gene %s = %v not among %v", d.Name, child[d.Name], d.Values)
				}
			}
		}
	}

	next := breed(rng, dims, pop, evals, 0)
	for _, child := range next[4:] {
		for _, d := range dims {
			if child[d.Name] != -1 {
				t.Errorf("gene %s = %v mutated with rate 0", d.Name, child[d.Name])
			}
		}
	}
}

func TestGuidedExploresFirstFifthOfBudget(t *testing.T) {
	ds := waveDataset(t, 300)
	tests := []struct {
		budget int
		want   int
	}{
		{10, 2},
		{30, 6},
		{3, 1},
	}
	for _, tt := range tests {
		opt := newOptimizer(t, smallSpace(t))
		sampler := &countingSampler{}
		opt.SetSampler(sampler)
		if _, err := opt.Optimize(context.Background(), ds, MethodGuided, tt.budget); err != nil {
			t.Fatal(err)
		}
		if sampler.calls != tt.want {
			t.Errorf("budget %d: random draws = %d, want %d", tt.budget, sampler.calls, tt.want)
		}
	}
}
