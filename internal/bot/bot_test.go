package bot

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"spot-trading-core/internal/backtest"
	"spot-trading-core/internal/circuit"
	"spot-trading-core/internal/events"
	"spot-trading-core/internal/exchange"
	"spot-trading-core/internal/indicators"
	"spot-trading-core/internal/ledger"
	"spot-trading-core/internal/logging"
	"spot-trading-core/internal/market"
	"spot-trading-core/internal/params"
	"spot-trading-core/internal/risk"
	"spot-trading-core/internal/signal"
	"spot-trading-core/internal/state"
)

const sym = "SOLUSDT"

var start = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func calmCandles(n int) []market.Candle {
	out := make([]market.Candle, n)
	for i := range out {
		p := 100 + 0.5*math.Sin(float64(i)/4) + 0.01*float64(i)
		out[i] = market.Candle{
			OpenTime: start.Add(time.Duration(i) * time.Hour),
			Open:     p - 0.05,
			High:     p + 0.2,
			Low:      p - 0.2,
			Close:    p,
			Volume:   500 + float64(i%7)*20,
		}
	}
	return out
}

type harness struct {
	runner  *Runner
	venue   *exchange.PaperExchange
	store   *state.Store
	stops   *risk.TrailingStopManager
	ledger  *ledger.MemoryLedger
	handle  *params.Handle
	breaker *circuit.Breaker
	bus     *events.EventBus
}

type harnessOpts struct {
	quote        float64
	minScore     float64
	breakerLimit int
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	if o.quote == 0 {
		o.quote = 1000
	}
	if o.minScore == 0 {
		o.minScore = 1e-6
	}
	store, err := state.Open(filepath.Join(t.TempDir(), "state.json"), logging.Nop())
	if err != nil {
		t.Fatal(err)
	}
	handle, err := params.NewHandle("", logging.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ps := params.Defaults()
	ps.Strategy.MinConfirmationScore = o.minScore
	if _, err := handle.Publish(context.Background(), ps, "test"); err != nil {
		t.Fatal(err)
	}

	venue := exchange.NewPaperExchange("USDT", o.quote)
	venue.SetPrice(sym, 100)
	bus := events.NewEventBus()
	stops := risk.NewTrailingStopManager(venue, store, risk.DefaultTrailingConfig(), bus, logging.Nop())
	bcfg := circuit.DefaultConfig()
	if o.breakerLimit > 0 {
		bcfg.MaxConsecutiveLosses = o.breakerLimit
		bcfg.Cooldown = time.Hour
	}

	h := &harness{
		venue:   venue,
		store:   store,
		stops:   stops,
		ledger:  ledger.NewMemoryLedger(),
		handle:  handle,
		breaker: circuit.New(bcfg, bus, logging.Nop()),
		bus:     bus,
	}
	h.runner = NewRunner(Deps{
		Venue:    venue,
		Filter:   signal.NewConfirmationFilter(nil, logging.Nop()),
		Sizer:    risk.NewPositionSizer(logging.Nop()),
		Stops:    stops,
		Params:   handle,
		Store:    store,
		Ledger:   h.ledger,
		Breaker:  h.breaker,
		Provider: indicators.NewProvider(),
		Bus:      bus,
		StopBase: risk.DefaultTrailingConfig(),
	}, logging.Nop())
	return h
}

func (h *harness) cycle(t *testing.T, action signal.Action) CycleOutcome {
	t.Helper()
	out, err := h.runner.RunCycle(context.Background(), sym, signal.DraftSignal{Action: action, Confidence: 0.9}, calmCandles(80))
	if err != nil {
		t.Fatalf("%s cycle: %v", action, err)
	}
	return out
}

func (h *harness) buy(t *testing.T) CycleOutcome {
	t.Helper()
	out := h.cycle(t, signal.ActionBuy)
	if out.Outcome != OutcomeOpened {
		t.Fatalf("buy outcome = %s (%s)", out.Outcome, out.Reason)
	}
	return out
}

func TestRunnerOpensAndProtects(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	out := h.buy(t)

	if out.Entry == nil || out.Entry.Quantity <= 0 || out.Decision == nil {
		t.Fatalf("outcome = %+v", out)
	}
	doc := h.store.Snapshot()
	pos, ok := doc.Trading.Positions[sym]
	if !ok || pos.Quantity != out.Entry.Quantity || pos.EntryPrice != 100 {
		t.Errorf("position = %+v", pos)
	}
	if doc.Trading.ParameterVersion != 1 || out.ParameterVersion != 1 {
		t.Errorf("parameter version = %d / %d", doc.Trading.ParameterVersion, out.ParameterVersion)
	}
	rec, ok := h.stops.Get(sym)
	if !ok || rec.Quantity != out.Entry.Quantity || rec.CurrentStopPrice >= 100 {
		t.Errorf("stop = %+v", rec)
	}

	again := h.cycle(t, signal.ActionBuy)
	if again.Outcome != OutcomeAlreadyOpen {
		t.Errorf("second buy = %s", again.Outcome)
	}
}

func TestRunnerExitsOnSell(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	entry := h.buy(t)
	h.venue.SetPrice(sym, 105)

	out := h.cycle(t, signal.ActionSell)
	if out.Outcome != OutcomeClosed || out.Closed == nil {
		t.Fatalf("sell = %s (%s)", out.Outcome, out.Reason)
	}
	if out.Closed.ExitReason != ledger.ExitSignal || out.Closed.PnLPct <= 0 || out.Closed.Quantity != entry.Entry.Quantity {
		t.Errorf("closed = %+v", out.Closed)
	}

	all, _ := h.ledger.All(context.Background())
	if len(all) != 1 {
		t.Fatalf("ledger has %d outcomes", len(all))
	}
	doc := h.store.Snapshot()
	if len(doc.Trading.Positions) != 0 {
		t.Errorf("positions left: %+v", doc.Trading.Positions)
	}
	if doc.Performance.Trades != 1 || doc.Performance.Wins != 1 || doc.Risk.DailyTrades != 1 {
		t.Errorf("performance = %+v risk = %+v", doc.Performance, doc.Risk)
	}
	if _, ok := h.stops.Get(sym); ok {
		t.Error("stop still active after exit")
	}
	balances, _ := h.venue.GetBalances(context.Background())
	if b := balances["SOL"]; b.Total() > 1e-9 {
		t.Errorf("SOL balance left: %+v", b)
	}
}

func TestRunnerRecordsStopFill(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.buy(t)
	closed := make(chan events.Event, 1)
	h.bus.Subscribe(events.EventTradeClosed, func(e events.Event) { closed <- e })

	if fills := h.venue.SetPrice(sym, 99); len(fills) != 1 {
		t.Fatalf("fills = %+v", fills)
	}
	update, err := h.stops.OnPrice(context.Background(), sym, 99)
	if err != nil || update == nil || !update.Closed {
		t.Fatalf("update = %+v err = %v", update, err)
	}

	all, _ := h.ledger.All(context.Background())
	if len(all) != 1 || all[0].ExitReason != ledger.ExitStop || all[0].PnLPct >= 0 {
		t.Fatalf("ledger = %+v", all)
	}
	doc := h.store.Snapshot()
	if len(doc.Trading.Positions) != 0 || doc.Performance.Losses != 1 || doc.Risk.ConsecutiveLosses != 1 {
		t.Errorf("doc = %+v", doc)
	}
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Error("no trade closed event")
	}

	// Nothing left to sell.
	if out := h.cycle(t, signal.ActionSell); out.Outcome != OutcomeNoPosition {
		t.Errorf("sell after stop = %s", out.Outcome)
	}
}

func TestRunnerGates(t *testing.T) {
	tests := []struct {
		name   string
		opts   harnessOpts
		prep   func(h *harness)
		action signal.Action
		want   string
	}{
		{"hold", harnessOpts{}, nil, signal.ActionHold, OutcomeHold},
		{"sell without position", harnessOpts{}, nil, signal.ActionSell, OutcomeNoPosition},
		{"breaker open", harnessOpts{breakerLimit: 1}, func(h *harness) { h.breaker.Record(-1) }, signal.ActionBuy, OutcomeBlocked},
		{"filter rejects", harnessOpts{minScore: 1}, nil, signal.ActionBuy, OutcomeRejected},
		{"too small to trade", harnessOpts{quote: 3}, nil, signal.ActionBuy, OutcomeSizeSkipped},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.opts)
			if tt.prep != nil {
				tt.prep(h)
			}
			out := h.cycle(t, tt.action)
			if out.Outcome != tt.want {
				t.Errorf("outcome = %s (%s), want %s", out.Outcome, out.Reason, tt.want)
			}
			if out.Outcome != OutcomeHold && out.Reason == "" {
				t.Error("gate gave no reason")
			}
			if len(h.venue.Placed()) != 0 {
				t.Errorf("orders placed: %+v", h.venue.Placed())
			}
		})
	}
}

func TestRunnerSkipsWhileBusy(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.runner.busy.Lock()
	out := h.cycle(t, signal.ActionBuy)
	h.runner.busy.Unlock()
	if out.Outcome != OutcomeSkipped {
		t.Errorf("outcome = %s", out.Outcome)
	}
	if len(h.venue.Placed()) != 0 {
		t.Error("skipped cycle placed orders")
	}
}

func TestRunnerEntryFailure(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.venue.FailPlacements(errors.New("venue down"))

	out, err := h.runner.RunCycle(context.Background(), sym, signal.DraftSignal{Action: signal.ActionBuy, Confidence: 0.9}, calmCandles(80))
	if err == nil || out.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %s err = %v", out.Outcome, err)
	}
	if len(h.store.Snapshot().Trading.Positions) != 0 {
		t.Error("position recorded for a failed entry")
	}
}

type staticSource []market.Candle

func (s staticSource) Candles(context.Context) ([]market.Candle, error) { return s, nil }

func TestRunnerLoop(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	strategy := func(ds backtest.Dataset, i int, v params.Values) signal.DraftSignal {
		return signal.DraftSignal{Action: signal.ActionBuy, Confidence: 0.9}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	err := h.runner.Run(ctx, 10*time.Millisecond, []Market{{Symbol: sym, Source: staticSource(calmCandles(80))}}, strategy)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run returned %v", err)
	}
	if _, ok := h.store.Snapshot().Trading.Positions[sym]; !ok {
		t.Error("loop did not open a position")
	}
	// Later ticks see the open position and place nothing new.
	if n := len(h.venue.Fills()); n != 1 {
		t.Errorf("fills = %d, want 1", n)
	}
}

func TestFailedExitKeepsTrailedStop(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.buy(t)
	h.venue.SetPrice(sym, 110)
	if update, err := h.stops.OnPrice(context.Background(), sym, 110); err != nil || update == nil || !update.Replaced {
		t.Fatalf("update = %+v err = %v", update, err)
	}
	trailed, _ := h.stops.Get(sym)

	h.venue.FailPlacements(errors.New("venue down"))
	out, err := h.runner.RunCycle(context.Background(), sym, signal.DraftSignal{Action: signal.ActionSell, Confidence: 0.9}, calmCandles(80))
	if err == nil || out.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %s err = %v", out.Outcome, err)
	}

	rec, ok := h.stops.Get(sym)
	if !ok || rec.Unprotected || rec.OrderID == "" {
		t.Fatalf("stop after failed exit = %+v", rec)
	}
	if rec.CurrentStopPrice != trailed.CurrentStopPrice || rec.HighestPriceSeen != trailed.HighestPriceSeen {
		t.Errorf("stop moved from %.4f (high %.4f) to %.4f (high %.4f)",
			trailed.CurrentStopPrice, trailed.HighestPriceSeen, rec.CurrentStopPrice, rec.HighestPriceSeen)
	}
	if all, _ := h.ledger.All(context.Background()); len(all) != 0 {
		t.Errorf("ledger = %+v", all)
	}
}

func TestBuyGatedByActiveStop(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.buy(t)
	if err := h.store.Update(context.Background(), func(d *state.Document) error {
		delete(d.Trading.Positions, sym)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	out := h.cycle(t, signal.ActionBuy)
	if out.Outcome != OutcomeAlreadyOpen {
		t.Errorf("outcome = %s (%s)", out.Outcome, out.Reason)
	}
	if n := len(h.venue.Fills()); n != 1 {
		t.Errorf("fills = %d, want 1", n)
	}
}

// unpricedVenue reports fills without a price.
type unpricedVenue struct {
	*exchange.PaperExchange
}

func (v unpricedVenue) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.Order, error) {
	o, err := v.PaperExchange.PlaceOrder(ctx, req)
	if o == nil {
		return o, err
	}
	c := *o
	c.FilledPrice = 0
	return &c, err
}

func TestExitWithoutFillPriceUsesTicker(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.buy(t)
	h.venue.SetPrice(sym, 105)
	h.runner.venue = unpricedVenue{h.venue}

	out := h.cycle(t, signal.ActionSell)
	if out.Outcome != OutcomeClosed || out.Closed == nil {
		t.Fatalf("sell = %s (%s)", out.Outcome, out.Reason)
	}
	if out.Closed.ExitPrice != 105 || out.Closed.PnLPct <= 0 {
		t.Errorf("closed = %+v", out.Closed)
	}
}
