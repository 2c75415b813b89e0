package optimizer

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"spot-trading-core/internal/backtest"
	"spot-trading-core/internal/params"
)

// ErrNoWindows is returned when the data cannot hold one train/test pair.
var ErrNoWindows = errors.New("not enough candles for a walk-forward window")

// WalkForwardConfig sizes the sliding windows in candles.
type WalkForwardConfig struct {
	Train  int
	Test   int
	Step   int // defaults to Test
	Method Method
	Budget int
}

// Window is one train/test pair. Indices are candle positions in the full
// dataset, end exclusive.
type Window struct {
	TrainStart int              `json:"train_start"`
	TrainEnd   int              `json:"train_end"`
	TestEnd    int              `json:"test_end"`
	Best       Evaluation       `json:"best"`
	Test       backtest.Metrics `json:"test"`
	TestScore  float64          `json:"test_score"`
}

// ValueCount is how many windows chose a value.
type ValueCount struct {
	Value float64 `json:"value"`
	Count int     `json:"count"`
}

// WalkForwardResult aggregates every window.
type WalkForwardResult struct {
	Windows      []Window                `json:"windows"`
	Frequency    map[string][]ValueCount `json:"frequency"`
	Stability    map[string]float64      `json:"stability"` // modal count / windows
	Recommended  params.Values           `json:"recommended"`
	AvgTestScore float64                 `json:"avg_test_score"`
}

// WalkForward optimizes on each training window, scores the winner on the
// unseen window that follows, and recommends for every dimension the
// value chosen most often. Ties go to the value whose windows tested
// better, then to the smaller value.
func (o *Optimizer) WalkForward(ctx context.Context, ds backtest.Dataset, cfg WalkForwardConfig) (*WalkForwardResult, error) {
	if cfg.Train <= 0 || cfg.Test <= 0 {
		return nil, fmt.Errorf("walk-forward train %d and test %d must be positive", cfg.Train, cfg.Test)
	}
	if cfg.Step <= 0 {
		cfg.Step = cfg.Test
	}
	if cfg.Method == "" {
		cfg.Method = MethodRandom
	}
	warmup := o.engine.Config().Warmup
	n := ds.Len()

	res := &WalkForwardResult{
		Frequency: make(map[string][]ValueCount),
		Stability: make(map[string]float64),
	}
	for s := 0; s+cfg.Train+cfg.Test <= n; s += cfg.Step {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		trainEnd := s + cfg.Train
		testEnd := trainEnd + cfg.Test

		best, err := o.Optimize(ctx, ds.Slice(s, trainEnd), cfg.Method, cfg.Budget)
		if err != nil {
			return nil, fmt.Errorf("window at %d: %w", s, err)
		}
		// The test slice reaches back by the warm-up so the first decision
		// falls on the first unseen candle.
		testStart := trainEnd - warmup
		if testStart < 0 {
			testStart = 0
		}
		m, score, err := o.engine.Evaluate(ds.Slice(testStart, testEnd), best.Best.Values)
		if err != nil {
			return nil, fmt.Errorf("window at %d test: %w", s, err)
		}
		res.Windows = append(res.Windows, Window{
			TrainStart: s,
			TrainEnd:   trainEnd,
			TestEnd:    testEnd,
			Best:       best.Best,
			Test:       m,
			TestScore:  score,
		})
		o.logger.Info("Walk-forward window done",
			"train_start", s,
			"train_score", best.Best.Score,
			"test_score", score)
	}
	if len(res.Windows) == 0 {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrNoWindows, n, cfg.Train+cfg.Test)
	}

	total := 0.0
	for _, w := range res.Windows {
		total += w.TestScore
	}
	res.AvgTestScore = total / float64(len(res.Windows))
	res.Recommended = make(params.Values)

	for _, d := range o.space.dims {
		counts := make(map[float64]int)
		scoreSum := make(map[float64]float64)
		for _, w := range res.Windows {
			v := w.Best.Values[d.Name]
			counts[v]++
			scoreSum[v] += w.TestScore
		}
		freq := make([]ValueCount, 0, len(counts))
		for v, c := range counts {
			freq = append(freq, ValueCount{Value: v, Count: c})
		}
		sort.Slice(freq, func(a, b int) bool {
			if freq[a].Count != freq[b].Count {
				return freq[a].Count > freq[b].Count
			}
			ma := scoreSum[freq[a].Value] / float64(freq[a].Count)
			mb := scoreSum[freq[b].Value] / float64(freq[b].Count)
			if ma != mb {
				return ma > mb
			}
			return freq[a].Value < freq[b].Value
		})
		res.Frequency[d.Name] = freq
		res.Stability[d.Name] = float64(freq[0].Count) / float64(len(res.Windows))
		res.Recommended[d.Name] = freq[0].Value
	}
	return res, nil
}
