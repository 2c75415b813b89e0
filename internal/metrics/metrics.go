package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	FilterDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotcore_filter_decisions_total",
			Help: "Signal confirmation outcomes (passed, rejected, hold).",
		},
		[]string{"outcome"},
	)

	ConfirmationScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "spotcore_confirmation_score",
			Help:    "Composite confirmation score of evaluated signals.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	DegradedFilters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotcore_filter_degraded_total",
			Help: "Sub-filters that could not compute and scored neutral.",
		},
		[]string{"filter"},
	)

	SizingDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotcore_sizing_decisions_total",
			Help: "Position sizing decisions by mode.",
		},
		[]string{"mode"},
	)

	StopReplacements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotcore_stop_replacements_total",
			Help: "Trailing stop replacement attempts by result.",
		},
		[]string{"result"},
	)

	UnprotectedPositions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spotcore_unprotected_positions_total",
			Help: "Positions left without a protective order after all fallbacks.",
		},
	)

	ActiveStops = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "spotcore_active_stops",
			Help: "Trailing stops currently protecting a position.",
		},
	)

	VenueRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotcore_venue_retries_total",
			Help: "Retries of exchange calls after transient failures.",
		},
		[]string{"op"},
	)

	CycleOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotcore_cycle_outcomes_total",
			Help: "Trading cycle results.",
		},
		[]string{"outcome"},
	)

	TradesRecorded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spotcore_trades_recorded_total",
			Help: "Completed trades appended to the ledger.",
		},
	)

	OptimizerRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotcore_optimizer_runs_total",
			Help: "Optimizer service runs by result.",
		},
		[]string{"result"},
	)

	OptimizerEvaluations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spotcore_optimizer_evaluations_total",
			Help: "Backtests evaluated by parameter searches.",
		},
	)

	OptimizerBestScore = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "spotcore_optimizer_best_score",
			Help: "Composite score of the last optimizer winner.",
		},
	)

	ParameterVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "spotcore_parameter_version",
			Help: "Version of the parameter set in use.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		FilterDecisions,
		ConfirmationScore,
		DegradedFilters,
		SizingDecisions,
		StopReplacements,
		UnprotectedPositions,
		ActiveStops,
		VenueRetries,
		CycleOutcomes,
		TradesRecorded,
		OptimizerRuns,
		OptimizerEvaluations,
		OptimizerBestScore,
		ParameterVersion,
	)
}
