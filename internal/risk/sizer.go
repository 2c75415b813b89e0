package risk

import (
	"fmt"
	"math"

	"spot-trading-core/internal/exchange"
	"spot-trading-core/internal/logging"
	"spot-trading-core/internal/metrics"
	"spot-trading-core/internal/params"
	"spot-trading-core/internal/signal"
)

// Sizing modes reported in Decision.Mode.
const (
	ModeTiered        = "tiered"
	ModeInstitutional = "institutional"
	ModeSkipped       = "skipped"
)

// SizeRequest is everything the sizer needs for one decision.
type SizeRequest struct {
	Signal         signal.FilterResult
	PortfolioValue float64 // quote units
	Confidence     float64
	Volatility     float64 // stdev of returns, fraction
	Price          float64 // used only to derive BaseQuantity
}

// Decision is the sized order. NotionalAmount is zero when skipped and
// Rationale always says why.
type Decision struct {
	NotionalAmount   float64 `json:"notional_amount"`
	BaseQuantity     float64 `json:"base_quantity"`
	SafetyCapApplied bool    `json:"safety_cap_applied"`
	Mode             string  `json:"mode"`
	RiskMultiplier   float64 `json:"risk_multiplier"`
	Rationale        string  `json:"rationale"`
}

// Skipped reports whether the decision places no order.
func (d Decision) Skipped() bool { return d.NotionalAmount <= 0 }

// PositionSizer turns a confirmed signal into an order size for
// small-to-mid capital accounts.
type PositionSizer struct {
	logger *logging.Logger
}

// NewPositionSizer creates a sizer.
func NewPositionSizer(logger *logging.Logger) *PositionSizer {
	if logger == nil {
		logger = logging.Default()
	}
	return &PositionSizer{logger: logger.WithComponent("position-sizer")}
}

// tieredTarget is the fixed quote amount for small accounts.
func tieredTarget(portfolio float64) float64 {
	switch {
	case portfolio >= 100:
		return 20
	case portfolio >= 75:
		return 18.75
	case portfolio >= 50:
		return 15
	case portfolio >= 25:
		return 12.5
	default:
		return math.Max(10, 0.5*portfolio)
	}
}

// SafetyCap is the dominant, shrink-only cap on a single position for a
// portfolio of the given size.
func SafetyCap(portfolio float64) float64 {
	var pct float64
	switch {
	case portfolio <= 25:
		pct = 0.60
	case portfolio <= 50:
		pct = 0.55
	case portfolio < 100:
		pct = 0.35
	case portfolio < 1000:
		pct = 0.25
	default:
		pct = 0.20
	}
	return portfolio * pct
}

func volatilityFactor(volatility, threshold float64) float64 {
	if volatility > threshold {
		return 0.75
	}
	return 1.0
}

func confidenceFactor(confidence float64) float64 {
	return math.Min(math.Max(confidence*1.2, 0.7), 1.3)
}

// Size computes the order size. It never returns an error: every way of
// not trading is a zero-size decision with a rationale.
func (s *PositionSizer) Size(req SizeRequest, cfg params.PositionParameters) Decision {
	d := s.size(req, cfg)
	metrics.SizingDecisions.WithLabelValues(d.Mode).Inc()
	s.logger.Debug("Position sized",
		"symbol", req.Signal.Symbol,
		"portfolio", req.PortfolioValue,
		"mode", d.Mode,
		"notional", d.NotionalAmount,
		"quantity", d.BaseQuantity,
		"safety_cap", d.SafetyCapApplied,
		"rationale", d.Rationale)
	return d
}

func (s *PositionSizer) size(req SizeRequest, cfg params.PositionParameters) Decision {
	if req.Signal.Action == signal.ActionHold || req.Signal.Action == "" {
		return Decision{Mode: ModeSkipped, Rationale: "skipped: signal is HOLD"}
	}
	portfolio := req.PortfolioValue
	if portfolio <= 0 || math.IsNaN(portfolio) {
		return Decision{Mode: ModeSkipped, Rationale: fmt.Sprintf("skipped: portfolio value %.2f", portfolio)}
	}

	vf := volatilityFactor(req.Volatility, cfg.HighVolatilityThreshold)
	cf := confidenceFactor(req.Confidence)
	d := Decision{RiskMultiplier: 1}

	var size float64
	var why string
	if portfolio <= cfg.SmallAccountCeiling {
		d.Mode = ModeTiered
		size = tieredTarget(portfolio)
		why = fmt.Sprintf("tiered target %.2f", size)
		// Risk reduction only shrinks the target.
		if m := math.Min(vf, cf); m < 0.8 {
			d.RiskMultiplier = m
			size *= m
			why += fmt.Sprintf(" x risk %.2f", m)
		}
	} else {
		d.Mode = ModeInstitutional
		d.RiskMultiplier = vf * cf
		size = cfg.BasePositionPct * vf * cf * portfolio
		why = fmt.Sprintf("base %.1f%% x vol %.2f x conf %.2f", cfg.BasePositionPct*100, vf, cf)
	}

	lo, hi := cfg.MinPositionPct*portfolio, cfg.MaxPositionPct*portfolio
	if size < lo {
		size = lo
		why += fmt.Sprintf(", raised to min %.1f%%", cfg.MinPositionPct*100)
	}
	if size > hi {
		size = hi
		why += fmt.Sprintf(", clamped to max %.1f%%", cfg.MaxPositionPct*100)
	}

	capAmt := SafetyCap(portfolio)
	if size > capAmt {
		size = capAmt
		d.SafetyCapApplied = true
		why += fmt.Sprintf(", safety cap %.2f", capAmt)
	}

	if size < cfg.MinOrderNotional {
		affordable := math.Min(capAmt, hi)
		if cfg.MinOrderNotional > affordable {
			return Decision{
				Mode:           ModeSkipped,
				RiskMultiplier: d.RiskMultiplier,
				Rationale: fmt.Sprintf("skipped: below minimum (%.2f < %.2f, at most %.2f allowed)",
					size, cfg.MinOrderNotional, affordable),
			}
		}
		size = cfg.MinOrderNotional
		why += fmt.Sprintf(", rounded up to venue minimum %.2f", cfg.MinOrderNotional)
	}

	d.NotionalAmount = size
	if req.Price > 0 {
		d.BaseQuantity = exchange.RoundDown(size/req.Price, cfg.QuantityStep)
	}
	d.Rationale = why
	return d
}
