package market

import (
	"fmt"
	"math"
)

// Series names an indicator column of an IndicatorSnapshot.
type Series int

const (
	EMAFast Series = iota
	EMAMedium
	EMASlow
	RSI
	MACD
	MACDSignal
	BBUpper
	BBMiddle
	BBLower
	ATR
)

// IndicatorSnapshot holds precomputed indicator series aligned index for
// index with a candle slice. Values before an indicator's warm-up are NaN.
type IndicatorSnapshot struct {
	EMAFast    []float64 `json:"ema_fast"`
	EMAMedium  []float64 `json:"ema_medium"`
	EMASlow    []float64 `json:"ema_slow"`
	RSI        []float64 `json:"rsi"`
	MACD       []float64 `json:"macd"`
	MACDSignal []float64 `json:"macd_signal"`
	BBUpper    []float64 `json:"bb_upper"`
	BBMiddle   []float64 `json:"bb_middle"`
	BBLower    []float64 `json:"bb_lower"`
	ATR        []float64 `json:"atr"`
}

// IndicatorProvider supplies indicator series for a candle slice.
type IndicatorProvider interface {
	Compute(candles []Candle) (*IndicatorSnapshot, error)
}

// MarketConditions carries externally measured context. Zero values mean
// "derive from candles".
type MarketConditions struct {
	Volatility      float64 `json:"volatility"`
	VolatilityRange float64 `json:"volatility_range"`
}

func (s *IndicatorSnapshot) series(name Series) []float64 {
	if s == nil {
		return nil
	}
	switch name {
	case EMAFast:
		return s.EMAFast
	case EMAMedium:
		return s.EMAMedium
	case EMASlow:
		return s.EMASlow
	case RSI:
		return s.RSI
	case MACD:
		return s.MACD
	case MACDSignal:
		return s.MACDSignal
	case BBUpper:
		return s.BBUpper
	case BBMiddle:
		return s.BBMiddle
	case BBLower:
		return s.BBLower
	case ATR:
		return s.ATR
	}
	return nil
}

// At returns the value of a series at index i. ok is false when the series
// is missing, i is out of range, or the value is NaN.
func (s *IndicatorSnapshot) At(name Series, i int) (float64, bool) {
	vals := s.series(name)
	if i < 0 || i >= len(vals) {
		return 0, false
	}
	v := vals[i]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// Len returns the length of the longest series.
func (s *IndicatorSnapshot) Len() int {
	if s == nil {
		return 0
	}
	n := 0
	for name := EMAFast; name <= ATR; name++ {
		if l := len(s.series(name)); l > n {
			n = l
		}
	}
	return n
}

// Slice returns a snapshot restricted to [start, end). Series shorter than
// end are truncated to what they have.
func (s *IndicatorSnapshot) Slice(start, end int) *IndicatorSnapshot {
	if s == nil {
		return nil
	}
	cut := func(v []float64) []float64 {
		if start >= len(v) {
			return nil
		}
		e := end
		if e > len(v) {
			e = len(v)
		}
		return v[start:e]
	}
	return &IndicatorSnapshot{
		EMAFast:    cut(s.EMAFast),
		EMAMedium:  cut(s.EMAMedium),
		EMASlow:    cut(s.EMASlow),
		RSI:        cut(s.RSI),
		MACD:       cut(s.MACD),
		MACDSignal: cut(s.MACDSignal),
		BBUpper:    cut(s.BBUpper),
		BBMiddle:   cut(s.BBMiddle),
		BBLower:    cut(s.BBLower),
		ATR:        cut(s.ATR),
	}
}

// CheckAligned verifies every non-empty series matches the candle count.
func (s *IndicatorSnapshot) CheckAligned(candles int) error {
	for name := EMAFast; name <= ATR; name++ {
		if l := len(s.series(name)); l != 0 && l != candles {
			return fmt.Errorf("indicator series %d has %d values for %d candles", name, l, candles)
		}
	}
	return nil
}
