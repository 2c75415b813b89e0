package backtest

import (
	"math"
)

// annualization factor for step returns
const periodsPerYear = 252

// minTrades below which the composite score is penalized.
const minTrades = 10

// Metrics are the performance measures of one run. Returns and drawdown
// are fractions.
type Metrics struct {
	TotalReturn    float64 `json:"total_return"`
	SharpeRatio    float64 `json:"sharpe_ratio"`
	MaxDrawdown    float64 `json:"max_drawdown"`
	WinRate        float64 `json:"win_rate"`
	ProfitFactor   float64 `json:"profit_factor"`
	TotalTrades    int     `json:"total_trades"`
	AvgTradeReturn float64 `json:"avg_trade_return"`
	Volatility     float64 `json:"volatility"`
}

func computeMetrics(initial float64, res *Result) Metrics {
	var m Metrics
	if initial > 0 {
		m.TotalReturn = res.FinalEquity/initial - 1
	}

	steps := make([]float64, 0, len(res.EquityCurve))
	prev := initial
	for _, p := range res.EquityCurve {
		if prev > 0 {
			steps = append(steps, p.Equity/prev-1)
		}
		prev = p.Equity
		if p.Drawdown > m.MaxDrawdown {
			m.MaxDrawdown = p.Drawdown
		}
	}
	mean, std := meanStd(steps)
	if std > 0 {
		m.SharpeRatio = mean / std * math.Sqrt(periodsPerYear)
	}
	m.Volatility = std * math.Sqrt(periodsPerYear)

	m.TotalTrades = len(res.Trades)
	var gains, losses, sumReturn float64
	wins := 0
	for _, t := range res.Trades {
		sumReturn += t.Return
		if t.PnL > 0 {
			wins++
			gains += t.PnL
		} else {
			losses -= t.PnL
		}
	}
	if m.TotalTrades > 0 {
		m.WinRate = float64(wins) / float64(m.TotalTrades)
		m.AvgTradeReturn = sumReturn / float64(m.TotalTrades)
	}
	switch {
	case losses > 0:
		m.ProfitFactor = math.Min(gains/losses, 10)
	case gains > 0:
		m.ProfitFactor = 10
	}
	return m
}

func meanStd(v []float64) (mean, std float64) {
	if len(v) == 0 {
		return 0, 0
	}
	for _, x := range v {
		mean += x
	}
	mean /= float64(len(v))
	if len(v) < 2 {
		return mean, 0
	}
	ss := 0.0
	for _, x := range v {
		ss += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(ss / float64(len(v)-1))
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

// CompositeScore combines normalized metrics: return .30, Sharpe .25,
// drawdown -.20, win rate .15, profit factor .10. Runs with fewer than ten
// trades are pushed down by half the score's magnitude: a positive score is
// halved and a negative one grows 1.5 times more negative.
func CompositeScore(m Metrics) float64 {
	r := clamp(m.TotalReturn, -1, 1)
	s := clamp(m.SharpeRatio/3, -1, 1)
	d := clamp(m.MaxDrawdown, 0, 1)
	w := clamp(m.WinRate, 0, 1)
	pf := clamp(m.ProfitFactor/3, 0, 1)

	score := 0.30*r + 0.25*s - 0.20*d + 0.15*w + 0.10*pf
	if m.TotalTrades < minTrades {
		score -= 0.5 * math.Abs(score)
	}
	return score
}
