package indicators

import (
	"fmt"
	"math"

	"spot-trading-core/internal/market"
)

// Provider computes full indicator series for a candle slice. It is the
// reference market.IndicatorProvider used by the optimizer CLI and the
// Monte Carlo check; live deployments may plug in their own feed.
type Provider struct {
	FastPeriod   int
	MediumPeriod int
	SlowPeriod   int
	RSIPeriod    int
	BBPeriod     int
	BBStdDev     float64
	ATRPeriod    int
	MACDFast     int
	MACDSlow     int
	MACDSignal   int
}

// NewProvider returns a provider with the usual periods.
func NewProvider() *Provider {
	return &Provider{
		FastPeriod:   9,
		MediumPeriod: 21,
		SlowPeriod:   50,
		RSIPeriod:    14,
		BBPeriod:     20,
		BBStdDev:     2,
		ATRPeriod:    14,
		MACDFast:     12,
		MACDSlow:     26,
		MACDSignal:   9,
	}
}

// Compute implements market.IndicatorProvider.
func (p *Provider) Compute(candles []market.Candle) (*market.IndicatorSnapshot, error) {
	if len(candles) == 0 {
		return nil, fmt.Errorf("no candles")
	}
	closes := market.Closes(candles)

	macd, signal := MACDSeries(closes, p.MACDFast, p.MACDSlow, p.MACDSignal)
	upper, middle, lower := BollingerSeries(closes, p.BBPeriod, p.BBStdDev)

	return &market.IndicatorSnapshot{
		EMAFast:    EMASeries(closes, p.FastPeriod),
		EMAMedium:  EMASeries(closes, p.MediumPeriod),
		EMASlow:    EMASeries(closes, p.SlowPeriod),
		RSI:        RSISeries(closes, p.RSIPeriod),
		MACD:       macd,
		MACDSignal: signal,
		BBUpper:    upper,
		BBMiddle:   middle,
		BBLower:    lower,
		ATR:        ATRSeries(candles, p.ATRPeriod),
	}, nil
}

// ============================================================================
// MOVING AVERAGES
// ============================================================================

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// SMASeries calculates a simple moving average for every index.
func SMASeries(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// EMASeries calculates an exponential moving average seeded with the SMA of
// the first period values.
func EMASeries(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	if period <= 0 || len(values) < period {
		return out
	}

	sma := 0.0
	for i := 0; i < period; i++ {
		sma += values[i]
	}
	ema := sma / float64(period)
	out[period-1] = ema

	multiplier := 2.0 / float64(period+1)
	for i := period; i < len(values); i++ {
		ema = (values[i] * multiplier) + (ema * (1 - multiplier))
		out[i] = ema
	}
	return out
}

// ============================================================================
// RSI (Relative Strength Index)
// ============================================================================

// RSISeries calculates Wilder's RSI.
func RSISeries(closes []float64, period int) []float64 {
	out := nanSeries(len(closes))
	if period <= 0 || len(closes) < period+1 {
		return out
	}

	gains, losses := 0.0, 0.0
	for i := 1; i <= period; i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	out[period] = rsiValue(avgGain, avgLoss)

	for i := period + 1; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50.0
		}
		return 100.0
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// ============================================================================
// MACD (Moving Average Convergence Divergence)
// ============================================================================

// MACDSeries returns the MACD line and its signal line.
func MACDSeries(closes []float64, fastPeriod, slowPeriod, signalPeriod int) (macd, signal []float64) {
	fast := EMASeries(closes, fastPeriod)
	slow := EMASeries(closes, slowPeriod)
	macd = nanSeries(len(closes))
	start := -1
	for i := range closes {
		if !math.IsNaN(fast[i]) && !math.IsNaN(slow[i]) {
			macd[i] = fast[i] - slow[i]
			if start < 0 {
				start = i
			}
		}
	}

	signal = nanSeries(len(closes))
	if start < 0 {
		return macd, signal
	}
	tail := EMASeries(macd[start:], signalPeriod)
	copy(signal[start:], tail)
	return macd, signal
}

// ============================================================================
// BOLLINGER BANDS
// ============================================================================

// BollingerSeries calculates upper, middle and lower bands.
func BollingerSeries(closes []float64, period int, stdDevMultiplier float64) (upper, middle, lower []float64) {
	middle = SMASeries(closes, period)
	upper = nanSeries(len(closes))
	lower = nanSeries(len(closes))
	for i := period - 1; i < len(closes) && period > 0; i++ {
		if math.IsNaN(middle[i]) {
			continue
		}
		variance := 0.0
		for j := i - period + 1; j <= i; j++ {
			diff := closes[j] - middle[i]
			variance += diff * diff
		}
		stdDev := math.Sqrt(variance / float64(period))
		upper[i] = middle[i] + stdDev*stdDevMultiplier
		lower[i] = middle[i] - stdDev*stdDevMultiplier
	}
	return upper, middle, lower
}

// ============================================================================
// ATR (Average True Range)
// ============================================================================

// TrueRange of candle i relative to the previous close.
func TrueRange(candles []market.Candle, i int) float64 {
	c := candles[i]
	if i == 0 {
		return c.High - c.Low
	}
	prevClose := candles[i-1].Close
	return math.Max(
		c.High-c.Low,
		math.Max(
			math.Abs(c.High-prevClose),
			math.Abs(c.Low-prevClose),
		),
	)
}

// ATRSeries calculates Wilder's average true range.
func ATRSeries(candles []market.Candle, period int) []float64 {
	out := nanSeries(len(candles))
	if period <= 0 || len(candles) < period+1 {
		return out
	}
	trSum := 0.0
	for i := 1; i <= period; i++ {
		trSum += TrueRange(candles, i)
	}
	atr := trSum / float64(period)
	out[period] = atr
	for i := period + 1; i < len(candles); i++ {
		atr = (atr*float64(period-1) + TrueRange(candles, i)) / float64(period)
		out[i] = atr
	}
	return out
}
