package signal

import (
	"math"
	"testing"

	"spot-trading-core/internal/market"
)

func trendingCloses(n int, step float64) []market.Candle {
	out := make([]market.Candle, n)
	for i := range out {
		p := 100 + step*float64(i)
		out[i] = market.Candle{Open: p, High: p + 0.5, Low: p - 0.5, Close: p, Volume: 100}
	}
	return out
}

func rsiAt(n int, prev, last float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	out[n-1-rsiSlopeLookback] = prev
	out[n-1] = last
	return out
}

func TestMomentumFilterTable(t *testing.T) {
	tests := []struct {
		name      string
		dir       float64
		step      float64 // close change per bar
		prev, rsi float64
		want      float64
	}{
		{"buy in band rising", 1, 0.5, 30, 35, 1.0},
		{"buy band edge", 1, -0.5, 30, 25, 0.4},
		{"buy above band", 1, 0.5, 40, 50, 0.6},
		{"buy falling slope and price", 1, -0.5, 40, 35, 0.4},
		{"sell in band falling", -1, -0.5, 70, 65, 1.0},
		{"sell below band", -1, -0.5, 40, 35, 0.6},
		{"sell against rising market", -1, 0.5, 60, 65, 0.4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			candles := trendingCloses(20, tt.step)
			in := &input{candles: candles, ind: &market.IndicatorSnapshot{RSI: rsiAt(20, tt.prev, tt.rsi)}, last: 19, dir: tt.dir}
			out := momentumFilter(in)
			if out.IsDegraded() || math.Abs(out.Score()-tt.want) > 1e-9 {
				t.Errorf("score = %v (%s), want %v", out.Score(), out.details, tt.want)
			}
		})
	}

	t.Run("no rsi", func(t *testing.T) {
		candles := trendingCloses(20, 0.5)
		if out := momentumFilter(&input{candles: candles, ind: &market.IndicatorSnapshot{}, last: 19, dir: 1}); !out.IsDegraded() {
			t.Errorf("missing RSI not degraded: %+v", out)
		}
	})
}

// rangeCandles spans [low, high] for twenty bars and closes every bar at price.
func rangeCandles(low, high, price float64) []market.Candle {
	out := make([]market.Candle, rangeLookback)
	for i := range out {
		out[i] = market.Candle{Open: price, High: high, Low: low, Close: price, Volume: 100}
	}
	return out
}

func TestSupportResistanceFilterTable(t *testing.T) {
	tests := []struct {
		name             string
		dir              float64
		low, high, price float64
		want             float64
	}{
		{"buy near support with room", 1, 100, 110, 101, 1.0},
		{"buy near support in a tight range", 1, 100, 101.5, 100.5, 0.5},
		{"buy mid range", 1, 100, 110, 105, 0.3},
		{"buy under resistance", 1, 100, 110, 109.5, 0.1},
		{"sell near resistance with room", -1, 100, 110, 109, 1.0},
		{"sell mid range", -1, 100, 110, 102, 0.3},
		{"sell on support", -1, 100, 110, 100.5, 0.1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			candles := rangeCandles(tt.low, tt.high, tt.price)
			out := supportResistanceFilter(&input{candles: candles, last: len(candles) - 1, dir: tt.dir})
			if out.IsDegraded() || math.Abs(out.Score()-tt.want) > 1e-9 {
				t.Errorf("score = %v (%s), want %v", out.Score(), out.details, tt.want)
			}
		})
	}

	t.Run("flat range", func(t *testing.T) {
		candles := rangeCandles(100, 100, 100)
		if out := supportResistanceFilter(&input{candles: candles, last: len(candles) - 1, dir: 1}); !out.IsDegraded() {
			t.Errorf("flat range not degraded: %+v", out)
		}
	})
}

func structureCandles(prev []market.Candle, last market.Candle) []market.Candle {
	out := make([]market.Candle, 0, rangeLookback)
	for len(out) < rangeLookback-len(prev)-1 {
		out = append(out, market.Candle{Open: 100, High: 101, Low: 99, Close: 100, Volume: 100})
	}
	out = append(out, prev...)
	return append(out, last)
}

func TestStructureFilterTable(t *testing.T) {
	up := market.Candle{Open: 100, High: 100.6, Low: 99.9, Close: 100.5}
	down := market.Candle{Open: 100.5, High: 100.6, Low: 99.9, Close: 100}
	fall := market.Candle{Open: 100, High: 100.1, Low: 99.4, Close: 99.5}
	breakout := market.Candle{Open: 100, High: 102, Low: 99.9, Close: 101.9}

	tests := []struct {
		name string
		dir  float64
		prev []market.Candle
		last market.Candle
		want float64
	}{
		{"buy breakout", 1, []market.Candle{up, up, up, up}, breakout, 1.0},
		{"buy three of five", 1, []market.Candle{up, down, up, down}, breakout, 0.7},
		{"buy small body", 1, []market.Candle{up, up, up, up},
			market.Candle{Open: 101, High: 102, Low: 99.5, Close: 101.5}, 0.6},
		{"buy mid range", 1, []market.Candle{up, up, up, up},
			market.Candle{Open: 99.8, High: 100.5, Low: 99.7, Close: 100.4}, 0.7},
		{"sell breakdown", -1, []market.Candle{fall, fall, fall, fall},
			market.Candle{Open: 100, High: 100.1, Low: 98, Close: 98.1}, 1.0},
		{"sell into a bullish breakout", -1, []market.Candle{up, up, up, up}, breakout, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			candles := structureCandles(tt.prev, tt.last)
			out := structureFilter(&input{candles: candles, last: len(candles) - 1, dir: tt.dir})
			if out.IsDegraded() || math.Abs(out.Score()-tt.want) > 1e-9 {
				t.Errorf("score = %v (%s), want %v", out.Score(), out.details, tt.want)
			}
		})
	}
}
