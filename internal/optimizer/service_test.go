package optimizer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"spot-trading-core/internal/backtest"
	"spot-trading-core/internal/events"
	"spot-trading-core/internal/indicators"
	"spot-trading-core/internal/ledger"
	"spot-trading-core/internal/logging"
	"spot-trading-core/internal/market"
	"spot-trading-core/internal/params"
	"spot-trading-core/internal/signal"
)

type staticSource []market.Candle

func (s staticSource) Candles(context.Context) ([]market.Candle, error) { return s, nil }

type failingSource struct{}

func (failingSource) Candles(context.Context) ([]market.Candle, error) {
	return nil, errors.New("exchange history unavailable")
}

func alwaysBuy(ds backtest.Dataset, i int, v params.Values) signal.DraftSignal {
	return signal.DraftSignal{Action: signal.ActionBuy, Confidence: 0.9}
}

func exitSpace(t *testing.T) *Space {
	t.Helper()
	s, err := NewSpace(
		Dimension{Name: params.StopLossPct, Values: []float64{0.01, 0.02}},
		Dimension{Name: params.TakeProfitPct, Values: []float64{0.02, 0.04}},
	)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

type serviceHarness struct {
	svc    *Service
	path   string
	ledger *ledger.MemoryLedger
	handle *params.Handle
	bus    *events.EventBus
}

func newServiceHarness(t *testing.T, candles []market.Candle, source CandleSource) *serviceHarness {
	t.Helper()
	cfg := backtest.Config{InitialBalance: 1000, TransactionCost: 0.001, Warmup: 10}
	opt := New(backtest.NewEngine(cfg, alwaysBuy), exitSpace(t), Config{Workers: 2, Seed: 3}, logging.Nop())

	path := filepath.Join(t.TempDir(), "params.json")
	handle, err := params.NewHandle(path, logging.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if source == nil {
		source = staticSource(candles)
	}
	h := &serviceHarness{path: path, ledger: ledger.NewMemoryLedger(), handle: handle, bus: events.NewEventBus()}
	h.svc = NewService(opt, h.ledger, source, handle, h.bus, ServiceConfig{
		Method:       MethodGrid,
		MinNewTrades: 2,
		MonteCarlo:   MonteCarloConfig{Runs: 20, Seed: 5},
		Provider:     indicators.NewProvider(),
	}, logging.Nop())
	return h
}

func (h *serviceHarness) addTrade(t *testing.T, exit time.Time) {
	t.Helper()
	o := ledger.NewTradeOutcome("SOLUSDT", exit.Add(-time.Hour), exit, 100, 101, 1, 0.001, ledger.ExitSignal)
	if err := h.ledger.Append(context.Background(), o); err != nil {
		t.Fatal(err)
	}
}

func TestServiceWaitsForNewTrades(t *testing.T) {
	h := newServiceHarness(t, trend(120, 0.005), nil)
	h.addTrade(t, start)

	report, err := h.svc.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !report.Skipped || report.NewTrades != 1 || report.Published != nil {
		t.Errorf("report = %+v", report)
	}
	if h.handle.Current().Version != 0 {
		t.Error("parameters published without enough trades")
	}
}

func TestServicePublishesRobustParameters(t *testing.T) {
	h := newServiceHarness(t, trend(120, 0.005), nil)
	published := make(chan events.Event, 1)
	h.bus.Subscribe(events.EventParametersPublished, func(e events.Event) { published <- e })
	h.addTrade(t, start)
	h.addTrade(t, start.Add(time.Hour))

	report, err := h.svc.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Published == nil {
		t.Fatalf("nothing published: %+v", report)
	}
	if report.MonteCarlo.Fragile || report.MonteCarlo.ProbabilityOfLoss != 0 {
		t.Errorf("uptrend judged fragile: %+v", report.MonteCarlo)
	}
	cur := h.handle.Current()
	if cur.Version != 1 || cur.Source != "optimizer" {
		t.Errorf("current = v%d from %s", cur.Version, cur.Source)
	}
	if cur.Risk.StopLossPct != report.Candidate[params.StopLossPct] || cur.Risk.TakeProfitPct != report.Candidate[params.TakeProfitPct] {
		t.Errorf("published %+v, candidate %v", cur.Risk, report.Candidate)
	}
	if _, err := os.Stat(h.path); err != nil {
		t.Errorf("parameters not persisted: %v", err)
	}

	select {
	case e := <-published:
		if e.Data["version"] != 1 {
			t.Errorf("event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Error("no parameters event")
	}

	// The same trades do not trigger another run.
	again, err := h.svc.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !again.Skipped || again.NewTrades != 0 {
		t.Errorf("second run = %+v", again)
	}
}

func TestServiceRejectsFragileParameters(t *testing.T) {
	h := newServiceHarness(t, trend(120, -0.005), nil)
	h.addTrade(t, start)
	h.addTrade(t, start.Add(time.Hour))

	report, err := h.svc.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Published != nil || !report.MonteCarlo.Fragile {
		t.Errorf("downtrend candidate published: %+v", report)
	}
	if h.handle.Current().Version != 0 {
		t.Error("fragile parameters reached the handle")
	}
}

func TestServiceSourceFailure(t *testing.T) {
	h := newServiceHarness(t, nil, failingSource{})
	h.addTrade(t, start)
	h.addTrade(t, start.Add(time.Hour))

	if _, err := h.svc.RunOnce(context.Background()); err == nil {
		t.Error("expected error from candle source")
	}
	if h.handle.Current().Version != 0 {
		t.Error("parameters published after a failed run")
	}
}

func TestServiceRunRejectsZeroInterval(t *testing.T) {
	h := newServiceHarness(t, nil, failingSource{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.svc.Run(ctx, 0); err == nil || errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run(0) = %v, want interval error", err)
	}
}

func TestServiceWalkForwardCandidate(t *testing.T) {
	h := newServiceHarness(t, trend(200, 0.004), nil)
	h.svc.cfg.WalkForward = WalkForwardConfig{Train: 80, Test: 40}
	h.addTrade(t, start)
	h.addTrade(t, start.Add(time.Hour))

	report, err := h.svc.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.WalkForward == nil || len(report.WalkForward.Windows) != 3 {
		t.Fatalf("walk-forward = %+v", report.WalkForward)
	}
	for name, v := range report.Candidate {
		if report.WalkForward.Recommended[name] != v {
			t.Errorf("candidate %s = %v, recommended %v", name, v, report.WalkForward.Recommended[name])
		}
	}
}

func TestCSVSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "candles.csv")
	data := "timestamp,open,high,low,close,volume\n" +
		"1704067200000,100,101,99,100.5,10\n" +
		"1704070800000,100.5,102,100,101.5,12\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	candles, err := CSVSource{Path: path}.Candles(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(candles) != 2 || candles[1].Close != 101.5 {
		t.Errorf("candles = %+v", candles)
	}
	if _, err := (CSVSource{Path: filepath.Join(t.TempDir(), "missing.csv")}).Candles(context.Background()); err == nil {
		t.Error("missing file accepted")
	}
}
