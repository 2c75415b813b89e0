// Package bot runs the trading cycle: confirm a draft signal, size it,
// execute the entry and hand the position to the trailing stop manager.
package bot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"spot-trading-core/internal/backtest"
	"spot-trading-core/internal/circuit"
	"spot-trading-core/internal/events"
	"spot-trading-core/internal/exchange"
	"spot-trading-core/internal/ledger"
	"spot-trading-core/internal/logging"
	"spot-trading-core/internal/market"
	"spot-trading-core/internal/metrics"
	"spot-trading-core/internal/params"
	"spot-trading-core/internal/risk"
	"spot-trading-core/internal/signal"
	"spot-trading-core/internal/state"
)

// Cycle outcomes.
const (
	OutcomeSkipped     = "skipped"
	OutcomeHold        = "hold"
	OutcomeRejected    = "rejected"
	OutcomeBlocked     = "blocked"
	OutcomeSizeSkipped = "size_skipped"
	OutcomeOpened      = "opened"
	OutcomeClosed      = "closed"
	OutcomeNoPosition  = "no_position"
	OutcomeAlreadyOpen = "already_open"
	OutcomeFailed      = "failed"
)

// CycleOutcome reports what one cycle did.
type CycleOutcome struct {
	Symbol           string               `json:"symbol"`
	Outcome          string               `json:"outcome"`
	ParameterVersion int                  `json:"parameter_version"`
	Filter           *signal.FilterResult `json:"filter,omitempty"`
	Decision         *risk.Decision       `json:"decision,omitempty"`
	Entry            *exchange.Order      `json:"entry,omitempty"`
	Stop             *state.StopRecord    `json:"stop,omitempty"`
	Closed           *ledger.TradeOutcome `json:"closed,omitempty"`
	Reason           string               `json:"reason,omitempty"`
}

// Deps are the collaborators of a Runner. Breaker and Bus may be nil.
type Deps struct {
	Venue      exchange.Exchange
	Filter     *signal.ConfirmationFilter
	Sizer      *risk.PositionSizer
	Stops      *risk.TrailingStopManager
	Params     *params.Handle
	Store      *state.Store
	Ledger     ledger.Ledger
	Breaker    *circuit.Breaker
	Provider   market.IndicatorProvider
	Bus        *events.EventBus
	QuoteAsset string
	// StopBase carries venue precision and order types; the tunable
	// percentages come from the current parameter set.
	StopBase risk.TrailingConfig
}

// Runner executes trading cycles one at a time.
type Runner struct {
	venue    exchange.Exchange
	filter   *signal.ConfirmationFilter
	sizer    *risk.PositionSizer
	stops    *risk.TrailingStopManager
	params   *params.Handle
	store    *state.Store
	ledger   ledger.Ledger
	breaker  *circuit.Breaker
	provider market.IndicatorProvider
	bus      *events.EventBus
	quote    string
	stopBase risk.TrailingConfig
	logger   *logging.Logger
	now      func() time.Time

	busy sync.Mutex
}

// NewRunner wires a runner and registers the stop-close hook that records
// positions closed by their protective order.
func NewRunner(d Deps, logger *logging.Logger) *Runner {
	if logger == nil {
		logger = logging.Default()
	}
	if d.QuoteAsset == "" {
		d.QuoteAsset = "USDT"
	}
	if d.StopBase.QuoteAsset == "" {
		d.StopBase.QuoteAsset = d.QuoteAsset
	}
	r := &Runner{
		venue:    d.Venue,
		filter:   d.Filter,
		sizer:    d.Sizer,
		stops:    d.Stops,
		params:   d.Params,
		store:    d.Store,
		ledger:   d.Ledger,
		breaker:  d.Breaker,
		provider: d.Provider,
		bus:      d.Bus,
		quote:    d.QuoteAsset,
		stopBase: d.StopBase,
		logger:   logger.WithComponent("cycle-runner"),
		now:      time.Now,
	}
	r.stops.OnClosed(r.onStopClosed)
	return r
}

// RunCycle processes one draft signal for symbol. A cycle already in
// flight makes the call return OutcomeSkipped immediately.
func (r *Runner) RunCycle(ctx context.Context, symbol string, draft signal.DraftSignal, candles []market.Candle) (CycleOutcome, error) {
	var ind *market.IndicatorSnapshot
	if r.provider != nil && len(candles) > 0 {
		var err error
		if ind, err = r.provider.Compute(candles); err != nil {
			r.logger.Warn("Indicators unavailable, filters will degrade", "symbol", symbol, "error", err)
			ind = nil
		}
	}
	return r.cycle(ctx, symbol, draft, candles, ind)
}

func (r *Runner) cycle(ctx context.Context, symbol string, draft signal.DraftSignal, candles []market.Candle, ind *market.IndicatorSnapshot) (CycleOutcome, error) {
	out := CycleOutcome{Symbol: symbol}
	if !r.busy.TryLock() {
		out.Outcome = OutcomeSkipped
		out.Reason = "previous cycle still running"
		metrics.CycleOutcomes.WithLabelValues(out.Outcome).Inc()
		return out, nil
	}
	defer r.busy.Unlock()

	ctx, log := logging.WithTraceContext(ctx, r.logger)
	log = logging.SignalContext(log, symbol, string(draft.Action), draft.Confidence)

	out, err := r.decide(ctx, log, symbol, draft, candles, ind)
	if err != nil && out.Outcome == "" {
		out.Outcome = OutcomeFailed
	}
	metrics.CycleOutcomes.WithLabelValues(out.Outcome).Inc()
	if err != nil {
		log.Error("Cycle failed", "outcome", out.Outcome, "error", err)
		r.bus.PublishError("cycle_runner", fmt.Sprintf("%s cycle failed", symbol), err)
	} else {
		log.Info("Cycle complete", "outcome", out.Outcome, "reason", out.Reason)
	}
	return out, err
}

func (r *Runner) decide(ctx context.Context, log *logging.Logger, symbol string, draft signal.DraftSignal, candles []market.Candle, ind *market.IndicatorSnapshot) (CycleOutcome, error) {
	// One snapshot for the whole cycle.
	ps := r.params.Current()
	r.stops.SetConfig(risk.TrailingConfigFromParams(ps.Risk, r.stopBase))
	out := CycleOutcome{Symbol: symbol, ParameterVersion: ps.Version}
	draft.Symbol = symbol

	if draft.Action != signal.ActionBuy && draft.Action != signal.ActionSell {
		out.Outcome = OutcomeHold
		out.Reason = "draft signal is HOLD"
		return out, nil
	}

	pos, hasPos := r.store.Snapshot().Trading.Positions[symbol]
	switch draft.Action {
	case signal.ActionBuy:
		if hasPos {
			out.Outcome = OutcomeAlreadyOpen
			out.Reason = fmt.Sprintf("position of %.8f already open", pos.Quantity)
			return out, nil
		}
		// The stop record is authoritative even when the position entry is missing.
		if rec, ok := r.stops.Get(symbol); ok {
			out.Outcome = OutcomeAlreadyOpen
			out.Reason = fmt.Sprintf("protected position of %.8f already open", rec.Quantity)
			return out, nil
		}
		if r.breaker != nil {
			if ok, why := r.breaker.Allow(); !ok {
				out.Outcome = OutcomeBlocked
				out.Reason = why
				return out, nil
			}
		}
	case signal.ActionSell:
		if !hasPos {
			if _, ok := r.stops.Get(symbol); !ok {
				out.Outcome = OutcomeNoPosition
				out.Reason = "nothing to sell"
				return out, nil
			}
		}
	}

	result := r.filter.Apply(draft, candles, ind, market.MarketConditions{}, signal.ConfigFromParams(ps.Strategy))
	out.Filter = &result
	if !result.Passed {
		out.Outcome = OutcomeRejected
		if len(result.Reasons) > 0 {
			out.Reason = result.Reasons[0]
		}
		r.bus.PublishSignalRejected(symbol, result.ConfirmationScore, result.Reasons)
		return out, nil
	}

	if draft.Action == signal.ActionBuy {
		return r.enter(ctx, log, out, ps, result, candles)
	}
	return r.exit(ctx, log, out, ps, pos, hasPos, candles)
}

func (r *Runner) enter(ctx context.Context, log *logging.Logger, out CycleOutcome, ps params.ParameterSet, result signal.FilterResult, candles []market.Candle) (CycleOutcome, error) {
	symbol := out.Symbol
	price, err := r.venue.GetTicker(ctx, symbol)
	if err != nil {
		return out, fmt.Errorf("ticker %s: %w", symbol, err)
	}
	balances, err := r.venue.GetBalances(ctx)
	if err != nil {
		return out, fmt.Errorf("balances: %w", err)
	}
	portfolio := balances[r.quote].Total() + balances[exchange.BaseAsset(symbol, r.quote)].Total()*price

	decision := r.sizer.Size(risk.SizeRequest{
		Signal:         result,
		PortfolioValue: portfolio,
		Confidence:     result.Confidence,
		Volatility:     volatility(candles),
		Price:          price,
	}, ps.Position)
	out.Decision = &decision
	if decision.Skipped() || decision.BaseQuantity <= 0 {
		out.Outcome = OutcomeSizeSkipped
		out.Reason = decision.Rationale
		return out, nil
	}
	logging.RiskContext(log, symbol, portfolio, result.Confidence).Info("Entering position",
		"notional", decision.NotionalAmount,
		"quantity", decision.BaseQuantity,
		"mode", decision.Mode)

	order, err := r.venue.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:   symbol,
		Side:     exchange.SideBuy,
		Type:     exchange.OrderTypeMarket,
		Quantity: decision.BaseQuantity,
	})
	if err != nil {
		return out, fmt.Errorf("entry order %s: %w", symbol, err)
	}
	out.Entry = order
	fill := order.FilledPrice
	if fill <= 0 {
		fill = price
	}

	entered := r.now()
	if err := r.store.Update(ctx, func(d *state.Document) error {
		d.Trading.Positions[symbol] = state.PositionRecord{
			Symbol:       symbol,
			Quantity:     order.Quantity,
			EntryPrice:   fill,
			EntryTime:    entered,
			EntryOrderID: order.ID,
		}
		d.Trading.ParameterVersion = ps.Version
		return nil
	}); err != nil {
		// The buy filled; protection still goes on before reporting.
		log.Error("Position not persisted", "order_id", order.ID, "error", err)
	}
	r.bus.PublishTradeOpened(symbol, fill, order.Quantity, fill*order.Quantity)

	rec, err := r.stops.Open(ctx, risk.Entry{
		Symbol:       symbol,
		Quantity:     order.Quantity,
		EntryPrice:   fill,
		CurrentPrice: price,
	})
	out.Stop = &rec
	out.Outcome = OutcomeOpened
	if err != nil {
		if risk.IsUnprotected(err) {
			log.Error("POSITION UNPROTECTED after entry", "quantity", order.Quantity, "error", err)
		}
		return out, fmt.Errorf("protect %s: %w", symbol, err)
	}
	out.Reason = decision.Rationale
	return out, nil
}

func (r *Runner) exit(ctx context.Context, log *logging.Logger, out CycleOutcome, ps params.ParameterSet, pos state.PositionRecord, hasPos bool, candles []market.Candle) (CycleOutcome, error) {
	symbol := out.Symbol
	rec, err := r.stops.Release(ctx, symbol)
	switch {
	case errors.Is(err, risk.ErrStopFilled):
		// The close hook already recorded the trade.
		out.Outcome = OutcomeClosed
		out.Reason = "protective stop had already filled"
		return out, nil
	case errors.Is(err, risk.ErrNoStop):
		rec = state.StopRecord{}
	case err != nil:
		out.Outcome = OutcomeFailed
		return out, err
	}

	qty := pos.Quantity
	if rec.Quantity > 0 {
		qty = rec.Quantity
	}
	if !hasPos {
		pos = positionFromStop(rec)
	}
	if qty <= 0 {
		out.Outcome = OutcomeNoPosition
		out.Reason = "position has no quantity"
		return out, nil
	}

	order, err := r.venue.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:   symbol,
		Side:     exchange.SideSell,
		Type:     exchange.OrderTypeMarket,
		Quantity: qty,
	})
	if err != nil {
		out.Outcome = OutcomeFailed
		if rec.Symbol != "" {
			// Still holding the asset, so put the trailed stop back.
			if _, perr := r.stops.Restore(ctx, rec); perr != nil {
				err = errors.Join(err, perr)
			}
		}
		return out, fmt.Errorf("exit order %s: %w", symbol, err)
	}
	out.Entry = order
	exitPrice := order.FilledPrice
	if exitPrice <= 0 {
		exitPrice = r.marketPrice(ctx, log, symbol, candles)
	}
	if exitPrice <= 0 {
		log.Warn("No exit price available, recording at entry", "order_id", order.ID)
		exitPrice = pos.EntryPrice
	}

	outcome, err := r.recordClose(ctx, pos, qty, exitPrice, ledger.ExitSignal, ps)
	out.Outcome = OutcomeClosed
	out.Closed = &outcome
	log.Info("Position exited on signal", "exit_price", exitPrice, "pnl_pct", outcome.PnLPct)
	return out, err
}

// marketPrice is the exit price used when the venue reports no fill price:
// the ticker, else the last candle close. Zero when neither is available.
func (r *Runner) marketPrice(ctx context.Context, log *logging.Logger, symbol string, candles []market.Candle) float64 {
	price, err := r.venue.GetTicker(ctx, symbol)
	if err == nil && price > 0 {
		return price
	}
	log.Warn("Ticker unavailable for exit price", "error", err)
	if n := len(candles); n > 0 {
		return candles[n-1].Close
	}
	return 0
}

func positionFromStop(rec state.StopRecord) state.PositionRecord {
	return state.PositionRecord{
		Symbol:     rec.Symbol,
		Quantity:   rec.Quantity,
		EntryPrice: rec.EntryPrice,
		EntryTime:  rec.CreatedAt,
	}
}

// onStopClosed records a position that ended through its protective order.
func (r *Runner) onStopClosed(c risk.ClosedPosition) {
	ctx := context.Background()
	pos, ok := r.store.Snapshot().Trading.Positions[c.Record.Symbol]
	if !ok {
		pos = positionFromStop(c.Record)
	}
	reason := ledger.ExitStop
	if c.Reason == risk.ReasonManual {
		reason = ledger.ExitManual
	}
	qty := c.Record.Quantity
	if qty <= 0 {
		qty = pos.Quantity
	}
	if _, err := r.recordClose(ctx, pos, qty, c.ExitPrice, reason, r.params.Current()); err != nil {
		r.logger.Error("Failed to record stop exit", "symbol", c.Record.Symbol, "error", err)
	}
}

// recordClose appends the outcome, feeds the breaker and updates the
// performance and risk sections of the state document.
func (r *Runner) recordClose(ctx context.Context, pos state.PositionRecord, qty, exitPrice float64, reason string, ps params.ParameterSet) (ledger.TradeOutcome, error) {
	exitTime := r.now()
	entryTime := pos.EntryTime
	if entryTime.IsZero() || entryTime.After(exitTime) {
		entryTime = exitTime
	}
	outcome := ledger.NewTradeOutcome(pos.Symbol, entryTime, exitTime, pos.EntryPrice, exitPrice, qty, ps.Risk.TransactionCost, reason)

	var errs []error
	if err := r.ledger.Append(ctx, outcome); err != nil {
		errs = append(errs, fmt.Errorf("append outcome: %w", err))
	} else {
		metrics.TradesRecorded.Inc()
	}
	if r.breaker != nil {
		r.breaker.Record(outcome.PnLPct)
	}

	if err := r.store.Update(ctx, func(d *state.Document) error {
		delete(d.Trading.Positions, pos.Symbol)

		day := exitTime.UTC().Truncate(24 * time.Hour)
		if d.Risk.DailyResetAt.Before(day) {
			d.Risk.DailyResetAt = day
			d.Risk.DailyPnLPct = 0
			d.Risk.DailyTrades = 0
		}
		d.Risk.DailyTrades++
		d.Risk.DailyPnLPct += outcome.PnLPct

		perf := &d.Performance
		perf.Trades++
		if outcome.Win() {
			perf.Wins++
			d.Risk.ConsecutiveLosses = 0
		} else {
			perf.Losses++
			d.Risk.ConsecutiveLosses++
		}
		perf.CumulativeReturnPct = ((1+perf.CumulativeReturnPct/100)*(1+outcome.PnLPct/100) - 1) * 100
		perf.LastTradeAt = exitTime
		return nil
	}); err != nil {
		errs = append(errs, fmt.Errorf("update state: %w", err))
	}

	r.bus.PublishTradeClosed(pos.Symbol, pos.EntryPrice, exitPrice, qty, outcome.PnLPct, reason)
	logging.PositionContext(r.logger, pos.Symbol, pos.EntryPrice, qty).Info("Trade recorded",
		"exit_price", exitPrice,
		"pnl_pct", outcome.PnLPct,
		"reason", reason,
		"hold_time", outcome.HoldTime.String())
	return outcome, errors.Join(errs...)
}

// volatility is the sample standard deviation of close-to-close returns.
func volatility(candles []market.Candle) float64 {
	rets := market.Returns(candles)
	if len(rets) < 2 {
		return 0
	}
	var sum float64
	for _, v := range rets {
		sum += v
	}
	mean := sum / float64(len(rets))
	var ss float64
	for _, v := range rets {
		ss += (v - mean) * (v - mean)
	}
	return math.Sqrt(ss / float64(len(rets)-1))
}

// CandleSource supplies the recent candles of one symbol.
type CandleSource interface {
	Candles(ctx context.Context) ([]market.Candle, error)
}

// Market pairs a traded symbol with its candle source.
type Market struct {
	Symbol string
	Source CandleSource
}

// Run fetches candles for every market each interval, asks strategy for a
// draft at the latest candle and runs the cycles one after another. It
// returns when ctx ends.
func (r *Runner) Run(ctx context.Context, interval time.Duration, markets []Market, strategy backtest.SignalFunc) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("Trading loop started", "markets", len(markets), "interval", interval.String())
	for {
		for _, m := range markets {
			if ctx.Err() != nil {
				break
			}
			if err := r.step(ctx, m, strategy); err != nil && ctx.Err() == nil {
				r.logger.Warn("Trading step failed", "symbol", m.Symbol, "error", err)
			}
		}
		select {
		case <-ctx.Done():
			r.logger.Info("Trading loop stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Runner) step(ctx context.Context, m Market, strategy backtest.SignalFunc) error {
	candles, err := m.Source.Candles(ctx)
	if err != nil {
		return fmt.Errorf("candles: %w", err)
	}
	if len(candles) == 0 {
		return nil
	}
	ds, err := backtest.NewDataset(candles, r.provider)
	if err != nil {
		return err
	}
	draft := strategy(ds, ds.Len()-1, r.params.Current().Values())
	_, err = r.cycle(ctx, m.Symbol, draft, ds.Candles, ds.Indicators)
	return err
}
