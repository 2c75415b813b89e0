package signal

import (
	"math"
	"math/rand"
	"strings"
	"testing"
	"time"

	"spot-trading-core/internal/indicators"
	"spot-trading-core/internal/logging"
	"spot-trading-core/internal/market"
)

func fixed(score float64) subFilter {
	return func(*input) Outcome { return Ok(score, "fixed") }
}

func filterWith(scores [7]float64, adj Adjuster) *ConfirmationFilter {
	f := NewConfirmationFilter(adj, logging.Nop())
	for i, s := range scores {
		f.filters[i] = fixed(s)
	}
	return f
}

func walk(n int, seed int64) []market.Candle {
	rng := rand.New(rand.NewSource(seed))
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]market.Candle, n)
	price := 100.0
	for i := range out {
		open := price
		price *= 1 + (rng.Float64()-0.5)*0.04
		hi := math.Max(open, price) * (1 + rng.Float64()*0.01)
		lo := math.Min(open, price) * (1 - rng.Float64()*0.01)
		out[i] = market.Candle{
			OpenTime: base.Add(time.Duration(i) * time.Hour),
			Open:     open, High: hi, Low: lo, Close: price,
			Volume: 100 + rng.Float64()*100,
		}
	}
	return out
}

func TestCompositeScenario(t *testing.T) {
	var filters [7]SubFilterResult
	scores := map[string]float64{
		FilterTrend:             0.9,
		FilterMomentum:          0.8,
		FilterVolume:            0.7,
		FilterSupportResistance: 0.6,
		FilterStructure:         0.5,
		FilterVolatility:        1.0,
		FilterRiskReward:        0.8,
	}
	for i, name := range FilterNames {
		filters[i] = SubFilterResult{Name: name, Score: scores[name]}
	}
	got := Composite(filters, DefaultWeights())
	if math.Abs(got-0.77) > 1e-9 {
		t.Errorf("composite = %v, want 0.77", got)
	}
	if got < DefaultConfig().MinConfirmationScore {
		t.Error("scenario should pass the default threshold")
	}
}

func TestRejectionIsExplained(t *testing.T) {
	f := filterWith([7]float64{0.2, 0.3, 0.4, 0.1, 0.2, 0.3, 0.3}, nil)
	draft := DraftSignal{Symbol: "BTCUSDT", Action: ActionBuy, Confidence: 0.9}
	res := f.Apply(draft, walk(60, 1), nil, market.MarketConditions{}, DefaultConfig())

	if res.Action != ActionHold || res.Confidence != 0 || res.Passed {
		t.Fatalf("rejected result = %+v", res)
	}
	if len(res.Reasons) != 8 {
		t.Fatalf("want threshold line plus seven reasons, got %d: %v", len(res.Reasons), res.Reasons)
	}
	for i, name := range FilterNames {
		if !strings.HasPrefix(res.Reasons[i+1], name) {
			t.Errorf("reason %d = %q, want prefix %q", i+1, res.Reasons[i+1], name)
		}
	}
}

func TestPassCapsConfidence(t *testing.T) {
	f := filterWith([7]float64{1, 1, 1, 1, 1, 1, 1}, nil)
	res := f.Apply(DraftSignal{Action: ActionSell, Confidence: 1}, walk(60, 2), nil, market.MarketConditions{}, DefaultConfig())
	if !res.Passed || res.Action != ActionSell {
		t.Fatalf("expected pass, got %+v", res)
	}
	if res.Confidence != 0.95 {
		t.Errorf("confidence = %v, want cap 0.95", res.Confidence)
	}

	f = filterWith([7]float64{0.8, 0.8, 0.8, 0.8, 0.8, 0.8, 0.8}, nil)
	res = f.Apply(DraftSignal{Action: ActionBuy, Confidence: 0.5}, walk(60, 2), nil, market.MarketConditions{}, DefaultConfig())
	if math.Abs(res.Confidence-0.4) > 1e-9 {
		t.Errorf("confidence = %v, want 0.5*0.8", res.Confidence)
	}
}

func TestAdjusterCanOnlyLower(t *testing.T) {
	lower := AdjusterFunc(func(_ DraftSignal, r *FilterResult) {
		r.Confidence *= 0.5
		r.Adjustments = append(r.Adjustments, "sentiment halved")
	})
	f := filterWith([7]float64{1, 1, 1, 1, 1, 1, 1}, lower)
	res := f.Apply(DraftSignal{Action: ActionBuy, Confidence: 0.8}, walk(60, 3), nil, market.MarketConditions{}, DefaultConfig())
	if math.Abs(res.Confidence-0.4) > 1e-9 || len(res.Adjustments) != 1 {
		t.Errorf("lowered result = %+v", res)
	}

	raise := AdjusterFunc(func(_ DraftSignal, r *FilterResult) {
		r.Confidence = 1
		r.Action = ActionHold
	})
	f = filterWith([7]float64{1, 1, 1, 1, 1, 1, 1}, raise)
	res = f.Apply(DraftSignal{Action: ActionBuy, Confidence: 0.8}, walk(60, 3), nil, market.MarketConditions{}, DefaultConfig())
	if res.Confidence != 0.8 || res.Action != ActionBuy {
		t.Errorf("raise should be discarded, got %+v", res)
	}
}

func TestPanickingSubFilterDegrades(t *testing.T) {
	f := filterWith([7]float64{1, 1, 1, 1, 1, 1, 1}, nil)
	f.filters[2] = func(*input) Outcome { panic("index out of range") }
	res := f.Apply(DraftSignal{Action: ActionBuy, Confidence: 0.9}, walk(60, 4), nil, market.MarketConditions{}, DefaultConfig())

	vol := res.Filters[2]
	if !vol.Degraded || vol.Score != NeutralScore || !vol.Passed {
		t.Fatalf("panicking filter = %+v", vol)
	}
	if !strings.Contains(vol.Details, "internal fault") {
		t.Errorf("details = %q", vol.Details)
	}
}

func TestInsufficientDataDegrades(t *testing.T) {
	f := NewConfirmationFilter(nil, logging.Nop())
	candles := walk(8, 5)
	res := f.Apply(DraftSignal{Action: ActionBuy, Confidence: 0.9}, candles, &market.IndicatorSnapshot{}, market.MarketConditions{}, DefaultConfig())

	for _, sub := range res.Filters {
		if !sub.Degraded {
			t.Errorf("%s should degrade with 8 candles and no indicators: %+v", sub.Name, sub)
		}
	}
	if res.ConfirmationScore != NeutralScore {
		t.Errorf("all-neutral composite = %v", res.ConfirmationScore)
	}
	if res.Action != ActionHold {
		t.Error("neutral composite is below threshold and must hold")
	}

	res = f.Apply(DraftSignal{Action: ActionBuy, Confidence: 0.9}, nil, nil, market.MarketConditions{}, DefaultConfig())
	if len(res.Filters) != 7 || !res.Filters[0].Degraded {
		t.Error("empty candles must still yield seven degraded entries")
	}
}

func TestHoldDraftPassesThrough(t *testing.T) {
	f := filterWith([7]float64{1, 1, 1, 1, 1, 1, 1}, nil)
	res := f.Apply(DraftSignal{Action: ActionHold, Confidence: 0.9}, walk(60, 6), nil, market.MarketConditions{}, DefaultConfig())
	if res.Action != ActionHold || res.Passed || res.Confidence != 0 {
		t.Errorf("hold result = %+v", res)
	}
}

func TestTrendFilterDirection(t *testing.T) {
	candles := walk(5, 7)
	candles[4].Close = 110
	ind := &market.IndicatorSnapshot{
		EMAFast:   []float64{0, 0, 0, 0, 105},
		EMAMedium: []float64{0, 0, 0, 0, 100},
		EMASlow:   []float64{0, 0, 0, 0, 95},
	}
	buy := trendFilter(&input{candles: candles, ind: ind, last: 4, dir: 1})
	if buy.Score() != 1 {
		t.Errorf("aligned BUY trend = %v", buy.Score())
	}
	sell := trendFilter(&input{candles: candles, ind: ind, last: 4, dir: -1})
	if sell.Score() != 0 {
		t.Errorf("SELL against uptrend = %v", sell.Score())
	}
}

func TestVolatilityFilterTable(t *testing.T) {
	candles := walk(30, 8)
	tests := []struct {
		vol, rng, want float64
	}{
		{0.06, 0.01, 0.3},
		{0.04, 0.01, 0.6},
		{0.001, 0.01, 0.5},
		{0.01, 0.01, 1.0},
		{0.01, 0.08, 0.7},
	}
	for _, tt := range tests {
		in := &input{candles: candles, last: len(candles) - 1, dir: 1,
			conditions: market.MarketConditions{Volatility: tt.vol, VolatilityRange: tt.rng}}
		if got := volatilityFilter(in).Score(); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("vol=%v range=%v score=%v want %v", tt.vol, tt.rng, got, tt.want)
		}
	}
}

func TestVolumeFilterSurge(t *testing.T) {
	candles := walk(30, 9)
	for i := range candles {
		candles[i].Volume = 100
	}
	for i := len(candles) - 5; i < len(candles); i++ {
		candles[i].Volume = 400
	}
	out := volumeFilter(&input{candles: candles, last: len(candles) - 1, dir: 1})
	if math.Abs(out.Score()-1.0) > 1e-9 {
		t.Errorf("surge score = %v (%s)", out.Score(), out.details)
	}
}

func TestRiskRewardFilterScores(t *testing.T) {
	candles := walk(30, 10)
	last := len(candles) - 1
	atr := make([]float64, len(candles))
	for i := range atr {
		atr[i] = 1
	}
	// Price at the 20-bar high: no overhead resistance, full 2x target.
	price := candles[last].Close
	candles[last].High = price
	for i := last - 19; i < last; i++ {
		if candles[i].High > price {
			candles[i].High = price
		}
	}
	out := riskRewardFilter(&input{candles: candles, ind: &market.IndicatorSnapshot{ATR: atr}, last: last, dir: 1})
	if out.Score() != 1.0 {
		t.Errorf("breakout rr score = %v (%s)", out.Score(), out.details)
	}
}

func TestPropertyScoreBoundsAndGating(t *testing.T) {
	f := NewConfirmationFilter(nil, logging.Nop())
	provider := indicators.NewProvider()
	cfg := DefaultConfig()
	for seed := int64(0); seed < 50; seed++ {
		candles := walk(80, seed)
		ind, err := provider.Compute(candles)
		if err != nil {
			t.Fatal(err)
		}
		action := ActionBuy
		if seed%2 == 1 {
			action = ActionSell
		}
		res := f.Apply(DraftSignal{Action: action, Confidence: 0.8}, candles, ind, market.MarketConditions{}, cfg)
		if res.ConfirmationScore < 0 || res.ConfirmationScore > 1 {
			t.Fatalf("seed %d: score %v out of [0,1]", seed, res.ConfirmationScore)
		}
		if res.ConfirmationScore < cfg.MinConfirmationScore && res.Action != ActionHold {
			t.Fatalf("seed %d: score %v below threshold but action %s", seed, res.ConfirmationScore, res.Action)
		}
		for _, sub := range res.Filters {
			if sub.Score < 0 || sub.Score > 1 {
				t.Fatalf("seed %d: %s score %v", seed, sub.Name, sub.Score)
			}
		}
	}
}
