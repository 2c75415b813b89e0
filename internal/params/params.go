package params

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// FilterWeights are the relative weights of the seven confirmation
// sub-filters. They must sum to 1.
type FilterWeights struct {
	Trend             float64 `json:"trend"`
	Momentum          float64 `json:"momentum"`
	Volume            float64 `json:"volume"`
	SupportResistance float64 `json:"support_resistance"`
	Structure         float64 `json:"structure"`
	Volatility        float64 `json:"volatility"`
	RiskReward        float64 `json:"risk_reward"`
}

// DefaultFilterWeights returns the stock weight table.
func DefaultFilterWeights() FilterWeights {
	return FilterWeights{
		Trend:             0.25,
		Momentum:          0.20,
		Volume:            0.15,
		SupportResistance: 0.15,
		Structure:         0.10,
		Volatility:        0.10,
		RiskReward:        0.05,
	}
}

// Sum returns the total weight.
func (w FilterWeights) Sum() float64 {
	return w.Trend + w.Momentum + w.Volume + w.SupportResistance + w.Structure + w.Volatility + w.RiskReward
}

// StrategyParameters tune signal generation and confirmation.
type StrategyParameters struct {
	ConfidenceThreshold  float64       `json:"confidence_threshold"`
	MinConfirmationScore float64       `json:"min_confirmation_score"`
	MaxConfidence        float64       `json:"max_confidence"`
	RSIOversold          float64       `json:"rsi_oversold"`
	RSIOverbought        float64       `json:"rsi_overbought"`
	Weights              FilterWeights `json:"weights"`
}

// RiskParameters tune exits and the trailing stop.
type RiskParameters struct {
	StopLossPct       float64 `json:"stop_loss_pct"`
	TakeProfitPct     float64 `json:"take_profit_pct"`
	TrailingPercent   float64 `json:"trailing_percent"`
	MinImprovementPct float64 `json:"min_improvement_pct"`
	LimitOffsetPct    float64 `json:"limit_offset_pct"`
	TransactionCost   float64 `json:"transaction_cost"`
}

// PositionParameters tune the position sizer.
type PositionParameters struct {
	SmallAccountCeiling     float64 `json:"small_account_ceiling"`
	BasePositionPct         float64 `json:"base_position_pct"`
	MinPositionPct          float64 `json:"min_position_pct"`
	MaxPositionPct          float64 `json:"max_position_pct"`
	HighVolatilityThreshold float64 `json:"high_volatility_threshold"`
	MinOrderNotional        float64 `json:"min_order_notional"`
	QuantityStep            float64 `json:"quantity_step"`
	BacktestPositionPct     float64 `json:"backtest_position_pct"`
}

// ParameterSet is a versioned bundle of every tunable the core reads.
// It holds only value fields, so a plain copy is a deep copy.
type ParameterSet struct {
	ID        string             `json:"id"`
	Version   int                `json:"version"`
	Source    string             `json:"source"`
	CreatedAt time.Time          `json:"created_at"`
	Strategy  StrategyParameters `json:"strategy"`
	Risk      RiskParameters     `json:"risk"`
	Position  PositionParameters `json:"position"`
}

// Defaults returns the stock parameter set (version 0).
func Defaults() ParameterSet {
	return ParameterSet{
		Source: "defaults",
		Strategy: StrategyParameters{
			ConfidenceThreshold:  0.6,
			MinConfirmationScore: 0.7,
			MaxConfidence:        0.95,
			RSIOversold:          30,
			RSIOverbought:        70,
			Weights:              DefaultFilterWeights(),
		},
		Risk: RiskParameters{
			StopLossPct:       0.02,
			TakeProfitPct:     0.04,
			TrailingPercent:   0.005,
			MinImprovementPct: 0.001,
			LimitOffsetPct:    0.002,
			TransactionCost:   0.001,
		},
		Position: PositionParameters{
			SmallAccountCeiling:     100,
			BasePositionPct:         0.10,
			MinPositionPct:          0.01,
			MaxPositionPct:          0.60,
			HighVolatilityThreshold: 0.03,
			MinOrderNotional:        5,
			QuantityStep:            0,
			BacktestPositionPct:     0.95,
		},
	}
}

// Validate reports the first out-of-range field.
func (p ParameterSet) Validate() error {
	inRange := func(name string, v, lo, hi float64) error {
		if math.IsNaN(v) || v < lo || v > hi {
			return fmt.Errorf("%s = %v outside [%v, %v]", name, v, lo, hi)
		}
		return nil
	}
	checks := []error{
		inRange("strategy.confidence_threshold", p.Strategy.ConfidenceThreshold, 0, 1),
		inRange("strategy.min_confirmation_score", p.Strategy.MinConfirmationScore, 0, 1),
		inRange("strategy.max_confidence", p.Strategy.MaxConfidence, 0, 1),
		inRange("strategy.rsi_oversold", p.Strategy.RSIOversold, 0, 100),
		inRange("strategy.rsi_overbought", p.Strategy.RSIOverbought, 0, 100),
		inRange("risk.stop_loss_pct", p.Risk.StopLossPct, 0, 1),
		inRange("risk.take_profit_pct", p.Risk.TakeProfitPct, 0, 10),
		inRange("risk.trailing_percent", p.Risk.TrailingPercent, 0.0001, 0.5),
		inRange("risk.min_improvement_pct", p.Risk.MinImprovementPct, 0, 0.5),
		inRange("risk.limit_offset_pct", p.Risk.LimitOffsetPct, 0, 0.5),
		inRange("risk.transaction_cost", p.Risk.TransactionCost, 0, 0.1),
		inRange("position.base_position_pct", p.Position.BasePositionPct, 0, 1),
		inRange("position.min_position_pct", p.Position.MinPositionPct, 0, 1),
		inRange("position.max_position_pct", p.Position.MaxPositionPct, 0, 1),
		inRange("position.backtest_position_pct", p.Position.BacktestPositionPct, 0, 1),
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}
	if p.Strategy.RSIOversold >= p.Strategy.RSIOverbought {
		return fmt.Errorf("strategy.rsi_oversold %v must be below rsi_overbought %v", p.Strategy.RSIOversold, p.Strategy.RSIOverbought)
	}
	if p.Position.MinPositionPct > p.Position.MaxPositionPct {
		return fmt.Errorf("position.min_position_pct %v exceeds max_position_pct %v", p.Position.MinPositionPct, p.Position.MaxPositionPct)
	}
	if p.Position.SmallAccountCeiling < 0 || p.Position.MinOrderNotional < 0 || p.Position.QuantityStep < 0 {
		return fmt.Errorf("position amounts must be non-negative")
	}
	if s := p.Strategy.Weights.Sum(); math.Abs(s-1) > 1e-6 {
		return fmt.Errorf("strategy.weights sum to %v, want 1", s)
	}
	return nil
}

// Values maps tunable names to their current values. These names are the
// dimensions an optimizer may search over.
type Values map[string]float64

// Tunable names.
const (
	ConfidenceThreshold  = "confidence_threshold"
	MinConfirmationScore = "min_confirmation_score"
	RSIOversold          = "rsi_oversold"
	RSIOverbought        = "rsi_overbought"
	StopLossPct          = "stop_loss_pct"
	TakeProfitPct        = "take_profit_pct"
	TrailingPercent      = "trailing_percent"
	PositionSizePct      = "position_size_pct"
)

func (p *ParameterSet) fields() map[string]*float64 {
	return map[string]*float64{
		ConfidenceThreshold:  &p.Strategy.ConfidenceThreshold,
		MinConfirmationScore: &p.Strategy.MinConfirmationScore,
		RSIOversold:          &p.Strategy.RSIOversold,
		RSIOverbought:        &p.Strategy.RSIOverbought,
		StopLossPct:          &p.Risk.StopLossPct,
		TakeProfitPct:        &p.Risk.TakeProfitPct,
		TrailingPercent:      &p.Risk.TrailingPercent,
		PositionSizePct:      &p.Position.BacktestPositionPct,
	}
}

// TunableNames lists every name accepted by WithValues, sorted.
func TunableNames() []string {
	var p ParameterSet
	names := make([]string, 0, 8)
	for name := range p.fields() {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Values returns the named tunables of p.
func (p ParameterSet) Values() Values {
	out := make(Values)
	for name, ptr := range p.fields() {
		out[name] = *ptr
	}
	return out
}

// WithValues returns a copy of p with the named tunables replaced.
// Unknown names are an error.
func (p ParameterSet) WithValues(v Values) (ParameterSet, error) {
	out := p
	fields := out.fields()
	for name, val := range v {
		ptr, ok := fields[name]
		if !ok {
			return p, fmt.Errorf("unknown parameter %q", name)
		}
		*ptr = val
	}
	return out, nil
}

// Clone returns a copy of v.
func (v Values) Clone() Values {
	out := make(Values, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// Get returns v[name] or def when absent.
func (v Values) Get(name string, def float64) float64 {
	if val, ok := v[name]; ok {
		return val
	}
	return def
}

// Key renders v deterministically, for caching and frequency counting.
func (v Values) Key() string {
	names := make([]string, 0, len(v))
	for k := range v {
		names = append(names, k)
	}
	sort.Strings(names)
	out := ""
	for i, k := range names {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("%s=%g", k, v[k])
	}
	return out
}
