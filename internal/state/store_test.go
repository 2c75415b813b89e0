package state

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"spot-trading-core/internal/logging"
)

func TestOpenMissingFileUsesDefaults(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "state.json"), logging.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	doc := s.Snapshot()
	if doc.SchemaVersion != CurrentSchemaVersion {
		t.Errorf("schema = %d", doc.SchemaVersion)
	}
	if doc.Trading.Stops == nil || len(doc.Trading.Stops) != 0 {
		t.Errorf("expected empty stop map, got %v", doc.Trading.Stops)
	}
	if s.Corruption() != nil {
		t.Error("missing file is not corruption")
	}
}

func TestUpdatePersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	s, err := Open(path, logging.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	rec := StopRecord{Symbol: "BTCUSDT", OrderID: "o-1", Quantity: 0.01, CurrentStopPrice: 99, State: StopActive, Active: true}
	if err := s.SaveStop(ctx, rec); err != nil {
		t.Fatalf("SaveStop: %v", err)
	}
	if err := s.Update(ctx, func(d *Document) error {
		d.Performance.Trades = 3
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(path, logging.Nop())
	if err != nil {
		t.Fatal(err)
	}
	doc := reopened.Snapshot()
	if got := doc.Trading.Stops["BTCUSDT"]; got.OrderID != "o-1" || !got.Active {
		t.Errorf("reloaded stop = %+v", got)
	}
	if doc.Performance.Trades != 3 {
		t.Errorf("trades = %d", doc.Performance.Trades)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestFailedUpdateLeavesDocumentUnchanged(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "state.json"), logging.Nop())
	if err != nil {
		t.Fatal(err)
	}
	boom := errors.New("boom")
	err = s.Update(context.Background(), func(d *Document) error {
		d.Trading.Stops["ETHUSDT"] = StopRecord{Symbol: "ETHUSDT"}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if len(s.Snapshot().Trading.Stops) != 0 {
		t.Error("aborted update leaked into the document")
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	s, _ := Open(filepath.Join(t.TempDir(), "state.json"), logging.Nop())
	_ = s.SaveStop(context.Background(), StopRecord{Symbol: "BTCUSDT", CurrentStopPrice: 1})
	snap := s.Snapshot()
	snap.Trading.Stops["BTCUSDT"] = StopRecord{Symbol: "BTCUSDT", CurrentStopPrice: 999}
	if s.Snapshot().Trading.Stops["BTCUSDT"].CurrentStopPrice != 1 {
		t.Error("mutating a snapshot changed the store")
	}
}

func TestCorruptFileIsRelocated(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	if err := os.WriteFile(path, []byte("{\"schema_version\": 2, \"trading_state\": "), 0644); err != nil {
		t.Fatal(err)
	}

	s, err := Open(path, logging.Nop())
	if err != nil {
		t.Fatalf("Open should recover, got %v", err)
	}
	ce := s.Corruption()
	if ce == nil {
		t.Fatal("expected corruption to be recorded")
	}
	var target *CorruptionError
	if !errors.As(error(ce), &target) {
		t.Fatal("corruption is not a *CorruptionError")
	}
	if _, err := os.Stat(ce.RelocatedTo); err != nil {
		t.Errorf("relocated file missing: %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Error("corrupt file should have been moved away")
	}
	if len(s.Snapshot().Trading.Stops) != 0 {
		t.Error("expected defaults after corruption")
	}
}

func TestMigrateV1(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	v1 := `{"version": 1, "saved_at": "2024-01-01T00:00:00Z",
	        "trailing_stops": {"BTCUSDT": {"order_id": "abc", "quantity": 0.5, "current_stop_price": 100, "active": true}}}`
	if err := os.WriteFile(path, []byte(v1), 0644); err != nil {
		t.Fatal(err)
	}
	s, err := Open(path, logging.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if s.Corruption() != nil {
		t.Fatalf("v1 document treated as corrupt: %v", s.Corruption())
	}
	rec, ok := s.Snapshot().Trading.Stops["BTCUSDT"]
	if !ok {
		t.Fatal("migrated stop missing")
	}
	if rec.Symbol != "BTCUSDT" || rec.State != StopActive || rec.OrderID != "abc" {
		t.Errorf("migrated record = %+v", rec)
	}
}

func TestNewerSchemaIsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	_ = os.WriteFile(path, []byte(`{"schema_version": 99}`), 0644)
	s, err := Open(path, logging.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if s.Corruption() == nil {
		t.Error("unknown future schema should not be silently accepted")
	}
}

type recordingMirror struct {
	mu   sync.Mutex
	docs []Document
}

func (m *recordingMirror) MirrorState(_ context.Context, doc Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs = append(m.docs, doc)
	return nil
}

func TestMirrorReceivesCommits(t *testing.T) {
	s, _ := Open(filepath.Join(t.TempDir(), "state.json"), logging.Nop())
	m := &recordingMirror{}
	s.SetMirror(m)
	_ = s.SaveStop(context.Background(), StopRecord{Symbol: "BTCUSDT"})
	_ = s.DeleteStop(context.Background(), "BTCUSDT")
	if len(m.docs) != 2 {
		t.Fatalf("mirror saw %d commits", len(m.docs))
	}
	if len(m.docs[1].Trading.Stops) != 0 {
		t.Error("second commit should have no stops")
	}
}

func TestRedisMirrorMemoryOnly(t *testing.T) {
	m := NewRedisMirror(nil, logging.Nop())
	ctx := context.Background()
	if doc, err := m.Load(ctx); err != nil || doc != nil {
		t.Fatalf("empty mirror Load = %v, %v", doc, err)
	}
	doc := NewDocument()
	doc.Trading.Stops["BTCUSDT"] = StopRecord{Symbol: "BTCUSDT", OrderID: "x"}
	if err := m.MirrorState(ctx, doc); err != nil {
		t.Fatal(err)
	}
	got, err := m.Load(ctx)
	if err != nil || got == nil {
		t.Fatalf("Load = %v, %v", got, err)
	}
	if got.Trading.Stops["BTCUSDT"].OrderID != "x" {
		t.Errorf("mirrored stop = %+v", got.Trading.Stops["BTCUSDT"])
	}
	if m.IsRedisAvailable() {
		t.Error("nil client must report unavailable")
	}
	if err := m.CheckRedisConnection(ctx); err == nil {
		t.Error("expected error without client")
	}
}
