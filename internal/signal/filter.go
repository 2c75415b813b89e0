package signal

import (
	"fmt"

	"spot-trading-core/internal/logging"
	"spot-trading-core/internal/market"
	"spot-trading-core/internal/metrics"
)

// Adjuster is an optional hook run on passed results after the composite
// is computed, e.g. to fold in an external sentiment feed. It may only
// lower the confidence; raises are discarded.
type Adjuster interface {
	Adjust(draft DraftSignal, result *FilterResult)
}

// AdjusterFunc adapts a function to Adjuster.
type AdjusterFunc func(draft DraftSignal, result *FilterResult)

func (f AdjusterFunc) Adjust(draft DraftSignal, result *FilterResult) { f(draft, result) }

// ConfirmationFilter gates draft signals through seven weighted sub-filters.
type ConfirmationFilter struct {
	filters  [7]subFilter
	adjuster Adjuster
	logger   *logging.Logger
}

// NewConfirmationFilter creates a filter. adjuster may be nil.
func NewConfirmationFilter(adjuster Adjuster, logger *logging.Logger) *ConfirmationFilter {
	if logger == nil {
		logger = logging.Default()
	}
	return &ConfirmationFilter{
		filters: [7]subFilter{
			trendFilter,
			volatilityFilter,
			volumeFilter,
			momentumFilter,
			supportResistanceFilter,
			structureFilter,
			riskRewardFilter,
		},
		adjuster: adjuster,
		logger:   logger.WithComponent("signal-filter"),
	}
}

// Apply scores draft against candles and indicators. It never fails: a
// sub-filter that cannot compute is recorded as degraded.
func (f *ConfirmationFilter) Apply(draft DraftSignal, candles []market.Candle, ind *market.IndicatorSnapshot, conditions market.MarketConditions, cfg Config) FilterResult {
	result := FilterResult{Symbol: draft.Symbol, Action: ActionHold}
	log := logging.SignalContext(f.logger, draft.Symbol, string(draft.Action), draft.Confidence)

	in := &input{
		draft:      draft,
		candles:    candles,
		ind:        ind,
		conditions: conditions,
		last:       len(candles) - 1,
	}
	switch draft.Action {
	case ActionBuy:
		in.dir = 1
	case ActionSell:
		in.dir = -1
	}

	lowSample := len(candles) < cfg.MinCandles
	for i, sf := range f.filters {
		result.Filters[i] = f.run(FilterNames[i], sf, in).result(FilterNames[i])
		if lowSample && !result.Filters[i].Degraded {
			result.Filters[i].Details += fmt.Sprintf(" [low sample: %d of %d candles]", len(candles), cfg.MinCandles)
		}
		if result.Filters[i].Degraded {
			metrics.DegradedFilters.WithLabelValues(FilterNames[i]).Inc()
		}
	}
	result.ConfirmationScore = Composite(result.Filters, cfg.Weights)
	metrics.ConfirmationScore.Observe(result.ConfirmationScore)

	if in.dir == 0 {
		result.Reasons = []string{fmt.Sprintf("draft action %q carries no direction", draft.Action)}
		metrics.FilterDecisions.WithLabelValues("hold").Inc()
		return result
	}

	if result.ConfirmationScore < cfg.MinConfirmationScore {
		result.Confidence = 0
		result.Reasons = make([]string, 0, len(result.Filters)+1)
		result.Reasons = append(result.Reasons, fmt.Sprintf("confirmation %.3f below threshold %.3f", result.ConfirmationScore, cfg.MinConfirmationScore))
		for _, sub := range result.Filters {
			result.Reasons = append(result.Reasons, sub.Reason())
		}
		metrics.FilterDecisions.WithLabelValues("rejected").Inc()
		log.Info("Signal rejected",
			"score", result.ConfirmationScore,
			"threshold", cfg.MinConfirmationScore,
			"reasons", result.Reasons)
		return result
	}

	result.Action = draft.Action
	result.Passed = true
	result.Confidence = draft.Confidence * result.ConfirmationScore
	if result.Confidence > cfg.MaxConfidence {
		result.Confidence = cfg.MaxConfidence
	}

	if f.adjuster != nil {
		before := result.Confidence
		f.adjuster.Adjust(draft, &result)
		if result.Confidence > before {
			result.Adjustments = append(result.Adjustments, fmt.Sprintf("raise to %.3f discarded", result.Confidence))
			result.Confidence = before
		}
		if result.Confidence < 0 {
			result.Confidence = 0
		}
		// Adjusters cannot change the gated decision.
		result.Action = draft.Action
		result.Passed = true
	}

	metrics.FilterDecisions.WithLabelValues("passed").Inc()
	log.Debug("Signal confirmed",
		"score", result.ConfirmationScore,
		"confidence", result.Confidence)
	return result
}

// run calls one sub-filter, turning a panic into a degraded outcome.
func (f *ConfirmationFilter) run(name string, sf subFilter, in *input) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Warn("Sub-filter fault, scoring neutral", "filter", name, "panic", fmt.Sprint(r))
			out = degradedf("internal fault: %v", r)
		}
	}()
	if len(in.candles) == 0 {
		return degradedf("%v: no candles", ErrInsufficientData)
	}
	return sf(in)
}

// Composite is the weighted average of the sub-filter scores.
func Composite(filters [7]SubFilterResult, w Weights) float64 {
	total, weighted := 0.0, 0.0
	for _, sub := range filters {
		wt := weightOf(w, sub.Name)
		total += wt
		weighted += wt * sub.Score
	}
	if total <= 0 {
		return 0
	}
	return clamp01(weighted / total)
}
