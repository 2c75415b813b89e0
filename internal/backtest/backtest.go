// Package backtest replays historical candles through a parameterized
// strategy and scores the result.
package backtest

import (
	"fmt"
	"math"

	"spot-trading-core/internal/market"
	"spot-trading-core/internal/params"
	"spot-trading-core/internal/signal"
)

// Dataset is a candle series with its aligned indicators.
type Dataset struct {
	Candles    []market.Candle
	Indicators *market.IndicatorSnapshot
}

// NewDataset validates candles and computes indicators with provider.
func NewDataset(candles []market.Candle, provider market.IndicatorProvider) (Dataset, error) {
	if err := market.ValidateSeries(candles); err != nil {
		return Dataset{}, err
	}
	ds := Dataset{Candles: candles}
	if provider != nil {
		ind, err := provider.Compute(candles)
		if err != nil {
			return Dataset{}, fmt.Errorf("compute indicators: %w", err)
		}
		ds.Indicators = ind
	}
	return ds, nil
}

// Len returns the number of candles.
func (d Dataset) Len() int { return len(d.Candles) }

// Slice returns the candles and indicators in [start, end).
func (d Dataset) Slice(start, end int) Dataset {
	if start < 0 {
		start = 0
	}
	if end > len(d.Candles) {
		end = len(d.Candles)
	}
	if start >= end {
		return Dataset{}
	}
	return Dataset{Candles: d.Candles[start:end], Indicators: d.Indicators.Slice(start, end)}
}

// SignalFunc produces the draft signal at candle i. It must only look at
// data up to and including i.
type SignalFunc func(ds Dataset, i int, v params.Values) signal.DraftSignal

// RSIReversion buys when RSI is below the oversold level and sells when it
// is above the overbought level. Confidence grows with the distance past
// the level.
func RSIReversion(ds Dataset, i int, v params.Values) signal.DraftSignal {
	draft := signal.DraftSignal{Action: signal.ActionHold}
	rsi, ok := ds.Indicators.At(market.RSI, i)
	if !ok {
		return draft
	}
	oversold := v.Get(params.RSIOversold, 30)
	overbought := v.Get(params.RSIOverbought, 70)

	switch {
	case rsi < oversold && oversold > 0:
		draft.Action = signal.ActionBuy
		draft.Confidence = 0.5 + 0.5*math.Min((oversold-rsi)/oversold, 1)
		draft.Rationale = fmt.Sprintf("rsi %.1f below %.0f", rsi, oversold)
	case rsi > overbought && overbought < 100:
		draft.Action = signal.ActionSell
		draft.Confidence = 0.5 + 0.5*math.Min((rsi-overbought)/(100-overbought), 1)
		draft.Rationale = fmt.Sprintf("rsi %.1f above %.0f", rsi, overbought)
	}
	return draft
}
