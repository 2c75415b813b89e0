package signal

import (
	"fmt"
	"math"

	"spot-trading-core/internal/market"
)

// Lookbacks and thresholds used by the sub-filters.
const (
	rangeLookback     = 20   // rolling support/resistance and structure range
	volumeBaseline    = 20   // baseline volume average
	volumeShort       = 5    // short-term surge window
	volumeSustained   = 10   // sustained-volume window
	surgeRatio        = 1.5  // short vs baseline volume for a surge
	momentumLookback  = 10   // close change for momentum
	rsiSlopeLookback  = 3    // RSI[t] - RSI[t-3]
	atrFallbackBars   = 14   // mean true range when ATR is missing
	volVeryHigh       = 0.05 // stdev of returns
	volHigh           = 0.03
	volVeryLow        = 0.005
	rangePenaltyLevel = 0.05 // volatility range as a fraction of price
	rangePenalty      = 0.7
	srNear            = 0.02 // within 2% of support/resistance
	srBuffer          = 0.01 // at least 1% from the opposite level
	bodyDominance     = 0.6
	breakoutZone      = 0.2 // top/bottom 20% of the range
	stopATRMultiple   = 1.5
	targetMultiple    = 2.0
)

// input is everything a sub-filter may look at.
type input struct {
	draft      DraftSignal
	candles    []market.Candle
	ind        *market.IndicatorSnapshot
	conditions market.MarketConditions
	last       int
	dir        float64 // +1 BUY, -1 SELL
}

func (in *input) price() float64 {
	return in.candles[in.last].Close
}

func (in *input) need(bars int) bool {
	return len(in.candles) >= bars
}

func (in *input) window(n int) []market.Candle {
	if n > len(in.candles) {
		n = len(in.candles)
	}
	return in.candles[len(in.candles)-n:]
}

func (in *input) extremes(n int) (low, high float64) {
	w := in.window(n)
	low, high = math.Inf(1), math.Inf(-1)
	for _, c := range w {
		low = math.Min(low, c.Low)
		high = math.Max(high, c.High)
	}
	return low, high
}

type subFilter func(in *input) Outcome

// trendFilter scores EMA alignment in the signal's direction:
// price vs fast 0.3, fast vs medium 0.3, medium vs slow 0.4.
func trendFilter(in *input) Outcome {
	fast, ok1 := in.ind.At(market.EMAFast, in.last)
	medium, ok2 := in.ind.At(market.EMAMedium, in.last)
	slow, ok3 := in.ind.At(market.EMASlow, in.last)
	if !ok1 || !ok2 || !ok3 {
		return degradedf("%v: EMA series not available at last candle", ErrInsufficientData)
	}

	price := in.price()
	score := 0.0
	if in.dir*(price-fast) > 0 {
		score += 0.3
	}
	if in.dir*(fast-medium) > 0 {
		score += 0.3
	}
	if in.dir*(medium-slow) > 0 {
		score += 0.4
	}
	return Ok(score, fmt.Sprintf("price=%.6g ema_fast=%.6g ema_medium=%.6g ema_slow=%.6g", price, fast, medium, slow))
}

// volatilityFilter maps volatility to a score and penalises wide ranges.
func volatilityFilter(in *input) Outcome {
	vol := in.conditions.Volatility
	if vol <= 0 {
		if !in.need(volumeBaseline + 1) {
			return degradedf("%v: need %d candles for volatility", ErrInsufficientData, volumeBaseline+1)
		}
		vol = stdev(market.Returns(in.window(volumeBaseline + 1)))
	}

	var score float64
	var band string
	switch {
	case vol > volVeryHigh:
		score, band = 0.3, "very high"
	case vol > volHigh:
		score, band = 0.6, "high"
	case vol < volVeryLow:
		score, band = 0.5, "very low"
	default:
		score, band = 1.0, "normal"
	}

	rng := in.conditions.VolatilityRange
	if rng <= 0 {
		price := in.price()
		if upper, ok := in.ind.At(market.BBUpper, in.last); ok {
			if lower, ok := in.ind.At(market.BBLower, in.last); ok && price > 0 {
				rng = (upper - lower) / price
			}
		}
		if rng <= 0 && in.need(2) && price > 0 {
			low, high := in.extremes(rangeLookback)
			rng = (high - low) / price
		}
	}
	details := fmt.Sprintf("volatility=%.4f (%s) range=%.4f", vol, band, rng)
	if rng > rangePenaltyLevel {
		score *= rangePenalty
		details += " range penalty applied"
	}
	return Ok(score, details)
}

// volumeFilter: up to 0.4 for a short-term surge, 0.3 for sustained
// above-baseline volume, 0.3 for three consecutive above-baseline bars.
func volumeFilter(in *input) Outcome {
	if !in.need(volumeBaseline) {
		return degradedf("%v: need %d candles for volume", ErrInsufficientData, volumeBaseline)
	}
	baseline := meanVolume(in.window(volumeBaseline))
	if baseline <= 0 {
		return Degraded("no volume reported")
	}

	score := 0.0
	ratio := meanVolume(in.window(volumeShort)) / baseline
	switch {
	case ratio >= surgeRatio:
		score += 0.4
	case ratio > 1:
		score += 0.4 * (ratio - 1) / (surgeRatio - 1)
	}

	sustained := meanVolume(in.window(volumeSustained)) > baseline
	if sustained {
		score += 0.3
	}

	consistent := true
	for _, c := range in.window(3) {
		if c.Volume <= baseline {
			consistent = false
			break
		}
	}
	if consistent {
		score += 0.3
	}
	return Ok(score, fmt.Sprintf("surge_ratio=%.2f sustained=%t consistent=%t", ratio, sustained, consistent))
}

// momentumFilter: RSI in the recovering band 0.4, 10-bar momentum in the
// signal direction 0.3, RSI slope in the signal direction 0.3.
func momentumFilter(in *input) Outcome {
	rsi, ok := in.ind.At(market.RSI, in.last)
	if !ok {
		return degradedf("%v: RSI not available", ErrInsufficientData)
	}
	if !in.need(momentumLookback + 1) {
		return degradedf("%v: need %d candles for momentum", ErrInsufficientData, momentumLookback+1)
	}
	prevRSI, ok := in.ind.At(market.RSI, in.last-rsiSlopeLookback)
	if !ok {
		return degradedf("%v: RSI history too short for slope", ErrInsufficientData)
	}

	lo, hi := 25.0, 45.0
	if in.dir < 0 {
		lo, hi = 55.0, 75.0
	}

	score := 0.0
	inBand := rsi >= lo && rsi <= hi
	if inBand {
		score += 0.4
	}
	past := in.candles[in.last-momentumLookback].Close
	momentum := 0.0
	if past > 0 {
		momentum = (in.price() - past) / past
	}
	if in.dir*momentum > 0 {
		score += 0.3
	}
	slope := rsi - prevRSI
	if in.dir*slope > 0 {
		score += 0.3
	}
	return Ok(score, fmt.Sprintf("rsi=%.1f band=[%.0f,%.0f] in_band=%t momentum=%.4f rsi_slope=%.2f", rsi, lo, hi, inBand, momentum, slope))
}

// supportResistanceFilter rewards entries near the rolling support (BUY) or
// resistance (SELL) that keep a buffer from the opposite level.
func supportResistanceFilter(in *input) Outcome {
	if !in.need(rangeLookback) {
		return degradedf("%v: need %d candles for support/resistance", ErrInsufficientData, rangeLookback)
	}
	support, resistance := in.extremes(rangeLookback)
	price := in.price()
	if price <= 0 || resistance <= support {
		return Degraded("flat range")
	}

	var dist, buffer float64
	if in.dir > 0 {
		dist = (price - support) / price
		buffer = (resistance - price) / price
	} else {
		dist = (resistance - price) / price
		buffer = (price - support) / price
	}
	near := dist <= srNear
	buffered := buffer >= srBuffer

	var score float64
	switch {
	case near && buffered:
		score = 1.0
	case near:
		score = 0.5
	case buffered:
		score = 0.3
	default:
		score = 0.1
	}
	return Ok(score, fmt.Sprintf("support=%.6g resistance=%.6g distance=%.4f buffer=%.4f", support, resistance, dist, buffer))
}

// structureFilter: body dominance 0.4, directional consistency over the last
// five candles 0.3, breakout-consistent position in the 20-bar range 0.3.
func structureFilter(in *input) Outcome {
	if !in.need(rangeLookback) {
		return degradedf("%v: need %d candles for structure", ErrInsufficientData, rangeLookback)
	}
	last := in.candles[in.last]
	score := 0.0

	bodyRatio := 0.0
	if r := last.Range(); r > 0 {
		bodyRatio = last.Body() / r
	}
	directional := (in.dir > 0 && last.Bullish()) || (in.dir < 0 && last.Close < last.Open)
	if bodyRatio > bodyDominance && directional {
		score += 0.4
	}

	agree := 0
	for _, c := range in.window(5) {
		if (in.dir > 0 && c.Bullish()) || (in.dir < 0 && c.Close < c.Open) {
			agree++
		}
	}
	if agree >= 4 {
		score += 0.3
	}

	low, high := in.extremes(rangeLookback)
	position := 0.5
	if high > low {
		position = (last.Close - low) / (high - low)
	}
	if (in.dir > 0 && position >= 1-breakoutZone) || (in.dir < 0 && position <= breakoutZone) {
		score += 0.3
	}
	return Ok(score, fmt.Sprintf("body_ratio=%.2f directional_bars=%d/5 range_position=%.2f", bodyRatio, agree, position))
}

// riskRewardFilter derives a 1.5×ATR stop and a 2× target, caps the reward
// by the opposing 20-bar extreme unless price has broken through it, and
// scores the ratio.
func riskRewardFilter(in *input) Outcome {
	atr, ok := in.ind.At(market.ATR, in.last)
	if !ok {
		if !in.need(atrFallbackBars + 1) {
			return degradedf("%v: no ATR and fewer than %d candles", ErrInsufficientData, atrFallbackBars+1)
		}
		atr = meanTrueRange(in.window(atrFallbackBars + 1))
	}
	risk := stopATRMultiple * atr
	if risk <= 0 {
		return Degraded("zero ATR")
	}
	reward := targetMultiple * risk

	price := in.price()
	if in.need(rangeLookback) {
		support, resistance := in.extremes(rangeLookback)
		if in.dir > 0 && resistance > price {
			reward = math.Min(reward, resistance-price)
		}
		if in.dir < 0 && support < price {
			reward = math.Min(reward, price-support)
		}
	}

	ratio := reward / risk
	var score float64
	switch {
	case ratio >= 2.0:
		score = 1.0
	case ratio >= 1.5:
		score = 0.8
	case ratio >= 1.0:
		score = 0.6
	default:
		score = 0.3
	}
	return Ok(score, fmt.Sprintf("atr=%.6g risk=%.6g reward=%.6g ratio=%.2f", atr, risk, reward, ratio))
}

func meanVolume(candles []market.Candle) float64 {
	if len(candles) == 0 {
		return 0
	}
	sum := 0.0
	for _, c := range candles {
		sum += c.Volume
	}
	return sum / float64(len(candles))
}

func meanTrueRange(candles []market.Candle) float64 {
	if len(candles) < 2 {
		return 0
	}
	sum := 0.0
	for i := 1; i < len(candles); i++ {
		c, prev := candles[i], candles[i-1].Close
		sum += math.Max(c.High-c.Low, math.Max(math.Abs(c.High-prev), math.Abs(c.Low-prev)))
	}
	return sum / float64(len(candles)-1)
}

func stdev(vals []float64) float64 {
	if len(vals) < 2 {
		return 0
	}
	mean := 0.0
	for _, v := range vals {
		mean += v
	}
	mean /= float64(len(vals))
	ss := 0.0
	for _, v := range vals {
		ss += (v - mean) * (v - mean)
	}
	return math.Sqrt(ss / float64(len(vals)-1))
}
