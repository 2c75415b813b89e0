package backtest

import (
	"errors"
	"fmt"
	"time"

	"spot-trading-core/internal/params"
	"spot-trading-core/internal/signal"
)

// Exit reasons of simulated trades.
const (
	ExitSignal   = "SIGNAL"
	ExitRiskStop = "RISK_EXIT"
	ExitEnd      = "BACKTEST_END"
)

// ErrNoData is returned when the dataset is shorter than the warm-up.
var ErrNoData = errors.New("not enough candles to backtest")

// Config holds the non-tunable settings of a run.
type Config struct {
	InitialBalance  float64
	TransactionCost float64 // proportional, charged on entry and exit
	Warmup          int     // candles skipped before the first decision
	Defaults        params.Values
}

// DefaultConfig starts from 10,000 quote units with a 0.1% cost and a
// 50-candle warm-up.
func DefaultConfig() Config {
	ps := params.Defaults()
	return Config{
		InitialBalance:  10000,
		TransactionCost: ps.Risk.TransactionCost,
		Warmup:          50,
		Defaults:        ps.Values(),
	}
}

// Trade represents a single backtest trade
type Trade struct {
	EntryIndex int       `json:"entry_index"`
	ExitIndex  int       `json:"exit_index"`
	EntryTime  time.Time `json:"entry_time"`
	ExitTime   time.Time `json:"exit_time"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	Quantity   float64   `json:"quantity"`
	Cost       float64   `json:"cost"` // quote spent including fees
	PnL        float64   `json:"pnl"`
	Return     float64   `json:"return"` // PnL / Cost
	ExitReason string    `json:"exit_reason"`
}

// EquityPoint represents account balance at a point in time
type EquityPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Equity    float64   `json:"equity"`
	Drawdown  float64   `json:"drawdown"`
}

// Result is the full record of one run.
type Result struct {
	Trades      []Trade       `json:"trades"`
	EquityCurve []EquityPoint `json:"equity_curve"`
	FinalEquity float64       `json:"final_equity"`
	PeakEquity  float64       `json:"peak_equity"`
	Metrics     Metrics       `json:"metrics"`
	Score       float64       `json:"score"`
}

// Engine replays candles through a signal function. A run is a pure
// function of the dataset and the values, so an Engine is safe for
// concurrent use.
type Engine struct {
	cfg      Config
	strategy SignalFunc
}

// NewEngine creates an engine. A nil strategy uses RSIReversion.
func NewEngine(cfg Config, strategy SignalFunc) *Engine {
	if strategy == nil {
		strategy = RSIReversion
	}
	if cfg.Defaults == nil {
		cfg.Defaults = params.Defaults().Values()
	}
	if cfg.Warmup < 1 {
		cfg.Warmup = 1
	}
	return &Engine{cfg: cfg, strategy: strategy}
}

// Config returns the engine settings.
func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) resolve(values params.Values) params.Values {
	v := e.cfg.Defaults.Clone()
	for k, val := range values {
		v[k] = val
	}
	return v
}

type position struct {
	index int
	time  time.Time
	price float64
	qty   float64
	cost  float64
}

// Run executes one long-only backtest. Stop-loss and take-profit are
// checked against every candle's low and high before the strategy is
// consulted; such exits are tagged RISK_EXIT.
func (e *Engine) Run(ds Dataset, values params.Values) (*Result, error) {
	n := len(ds.Candles)
	if n <= e.cfg.Warmup {
		return nil, fmt.Errorf("%w: %d candles, warm-up %d", ErrNoData, n, e.cfg.Warmup)
	}
	if ds.Indicators != nil {
		if err := ds.Indicators.CheckAligned(n); err != nil {
			return nil, err
		}
	}

	v := e.resolve(values)
	threshold := v.Get(params.ConfidenceThreshold, 0.6)
	stopLoss := v.Get(params.StopLossPct, 0.02)
	takeProfit := v.Get(params.TakeProfitPct, 0.04)
	sizePct := v.Get(params.PositionSizePct, 0.95)
	fee := e.cfg.TransactionCost

	res := &Result{
		EquityCurve: make([]EquityPoint, 0, n-e.cfg.Warmup),
		PeakEquity:  e.cfg.InitialBalance,
	}
	cash := e.cfg.InitialBalance
	var open *position

	closeAt := func(i int, price float64, reason string) {
		proceeds := open.qty * price * (1 - fee)
		cash += proceeds
		pnl := proceeds - open.cost
		res.Trades = append(res.Trades, Trade{
			EntryIndex: open.index,
			ExitIndex:  i,
			EntryTime:  open.time,
			ExitTime:   ds.Candles[i].OpenTime,
			EntryPrice: open.price,
			ExitPrice:  price,
			Quantity:   open.qty,
			Cost:       open.cost,
			PnL:        pnl,
			Return:     pnl / open.cost,
			ExitReason: reason,
		})
		open = nil
	}

	for i := e.cfg.Warmup; i < n; i++ {
		c := ds.Candles[i]

		if open != nil {
			stop := open.price * (1 - stopLoss)
			target := open.price * (1 + takeProfit)
			switch {
			case stopLoss > 0 && c.Low <= stop:
				// A gap through the stop fills at the open.
				closeAt(i, minf(stop, c.Open), ExitRiskStop)
			case takeProfit > 0 && c.High >= target:
				closeAt(i, maxf(target, c.Open), ExitRiskStop)
			}
		}

		draft := e.strategy(ds, i, v)
		if draft.Confidence >= threshold {
			switch {
			case draft.Action == signal.ActionBuy && open == nil && c.Close > 0:
				spend := cash * sizePct
				if spend > 0 {
					open = &position{
						index: i,
						time:  c.OpenTime,
						price: c.Close,
						qty:   spend * (1 - fee) / c.Close,
						cost:  spend,
					}
					cash -= spend
				}
			case draft.Action == signal.ActionSell && open != nil && open.index != i:
				closeAt(i, c.Close, ExitSignal)
			}
		}

		equity := cash
		if open != nil {
			equity += open.qty * c.Close
		}
		if equity > res.PeakEquity {
			res.PeakEquity = equity
		}
		dd := 0.0
		if res.PeakEquity > 0 {
			dd = (res.PeakEquity - equity) / res.PeakEquity
		}
		res.EquityCurve = append(res.EquityCurve, EquityPoint{Timestamp: c.OpenTime, Equity: equity, Drawdown: dd})
	}

	if open != nil {
		closeAt(n-1, ds.Candles[n-1].Close, ExitEnd)
	}
	res.FinalEquity = cash
	res.Metrics = computeMetrics(e.cfg.InitialBalance, res)
	res.Score = CompositeScore(res.Metrics)
	return res, nil
}

// Evaluate runs a backtest and returns only its metrics and score.
func (e *Engine) Evaluate(ds Dataset, values params.Values) (Metrics, float64, error) {
	res, err := e.Run(ds, values)
	if err != nil {
		return Metrics{}, 0, err
	}
	return res.Metrics, res.Score, nil
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
