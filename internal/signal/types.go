package signal

import (
	"errors"
	"fmt"
	"math"

	"spot-trading-core/internal/params"
)

// Action is the trading direction of a signal.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// DraftSignal is produced by upstream strategy logic.
type DraftSignal struct {
	Symbol     string  `json:"symbol"`
	Action     Action  `json:"action"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// Sub-filter names, in FilterResult.Filters order.
const (
	FilterTrend             = "trend"
	FilterVolatility        = "volatility"
	FilterVolume            = "volume"
	FilterMomentum          = "momentum"
	FilterSupportResistance = "support_resistance"
	FilterStructure         = "structure"
	FilterRiskReward        = "risk_reward"
)

// FilterNames lists the seven sub-filters in result order.
var FilterNames = [7]string{
	FilterTrend,
	FilterVolatility,
	FilterVolume,
	FilterMomentum,
	FilterSupportResistance,
	FilterStructure,
	FilterRiskReward,
}

// ErrInsufficientData marks a sub-filter that lacks candles or indicators.
var ErrInsufficientData = errors.New("insufficient data")

// Outcome is what a sub-filter returns: either a computed score or a
// degraded marker that scores neutral.
type Outcome struct {
	score    float64
	details  string
	degraded bool
}

// Ok is a computed sub-filter score.
func Ok(score float64, details string) Outcome {
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return Degraded("score not finite: " + details)
	}
	return Outcome{score: clamp01(score), details: details}
}

// Degraded is a sub-filter that could not compute. It scores neutral and
// counts as passed.
func Degraded(reason string) Outcome {
	return Outcome{score: NeutralScore, details: reason, degraded: true}
}

func degradedf(format string, args ...interface{}) Outcome {
	return Degraded(fmt.Sprintf(format, args...))
}

// IsDegraded reports whether the outcome is the neutral fallback.
func (o Outcome) IsDegraded() bool { return o.degraded }

// Score returns the sub-filter score in [0,1].
func (o Outcome) Score() float64 { return o.score }

const (
	// NeutralScore is assigned to degraded sub-filters.
	NeutralScore = 0.5
	// passScore is the per-filter score at or above which a sub-filter passes.
	passScore = 0.5
)

// SubFilterResult is one entry of the per-filter breakdown.
type SubFilterResult struct {
	Name     string  `json:"name"`
	Score    float64 `json:"score"`
	Passed   bool    `json:"passed"`
	Details  string  `json:"details"`
	Degraded bool    `json:"degraded"`
}

func (o Outcome) result(name string) SubFilterResult {
	return SubFilterResult{
		Name:     name,
		Score:    o.score,
		Passed:   o.degraded || o.score >= passScore,
		Details:  o.details,
		Degraded: o.degraded,
	}
}

// Reason renders the sub-filter for logs and rejection explanations.
func (r SubFilterResult) Reason() string {
	status := "pass"
	if r.Degraded {
		status = "degraded"
	} else if !r.Passed {
		status = "fail"
	}
	return fmt.Sprintf("%s %.2f (%s): %s", r.Name, r.Score, status, r.Details)
}

// FilterResult is the gated, confidence-adjusted outcome of a draft signal.
// Filters always carries all seven sub-filters.
type FilterResult struct {
	Symbol            string             `json:"symbol"`
	Action            Action             `json:"action"`
	Confidence        float64            `json:"confidence"`
	ConfirmationScore float64            `json:"confirmation_score"`
	Filters           [7]SubFilterResult `json:"filters"`
	Passed            bool               `json:"passed"`
	Reasons           []string           `json:"reasons,omitempty"`
	Adjustments       []string           `json:"adjustments,omitempty"`
}

// Filter returns the named sub-filter result.
func (r FilterResult) Filter(name string) (SubFilterResult, bool) {
	for _, f := range r.Filters {
		if f.Name == name {
			return f, true
		}
	}
	return SubFilterResult{}, false
}

// Weights of the seven sub-filters.
type Weights = params.FilterWeights

// DefaultWeights returns the stock weight table.
func DefaultWeights() Weights {
	return params.DefaultFilterWeights()
}

func weightOf(w Weights, name string) float64 {
	switch name {
	case FilterTrend:
		return w.Trend
	case FilterVolatility:
		return w.Volatility
	case FilterVolume:
		return w.Volume
	case FilterMomentum:
		return w.Momentum
	case FilterSupportResistance:
		return w.SupportResistance
	case FilterStructure:
		return w.Structure
	case FilterRiskReward:
		return w.RiskReward
	}
	return 0
}

// Config controls gating.
type Config struct {
	MinConfirmationScore float64
	MaxConfidence        float64
	MinCandles           int
	Weights              Weights
}

// DefaultConfig returns threshold 0.7, cap 0.95, 50 candles.
func DefaultConfig() Config {
	return Config{
		MinConfirmationScore: 0.7,
		MaxConfidence:        0.95,
		MinCandles:           50,
		Weights:              DefaultWeights(),
	}
}

// ConfigFromParams derives the filter config from strategy parameters.
func ConfigFromParams(sp params.StrategyParameters) Config {
	cfg := DefaultConfig()
	if sp.MinConfirmationScore > 0 {
		cfg.MinConfirmationScore = sp.MinConfirmationScore
	}
	if sp.MaxConfidence > 0 {
		cfg.MaxConfidence = sp.MaxConfidence
	}
	if sp.Weights.Sum() > 0 {
		cfg.Weights = sp.Weights
	}
	return cfg
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
