package feed

import (
	"context"
	"testing"
	"time"

	"spot-trading-core/internal/market"
)

func TestCandleBuilderBuckets(t *testing.T) {
	base := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	b := NewCandleBuilder("SOLUSDT", time.Minute, 10)

	b.Add(10, base.Add(5*time.Second))
	b.Add(12, base.Add(20*time.Second))
	b.Add(9, base.Add(40*time.Second))
	b.Add(11, base.Add(70*time.Second))
	b.Add(50, base.Add(30*time.Second)) // late tick for a closed bucket

	got, _ := b.Candles(context.Background())
	if len(got) != 2 {
		t.Fatalf("candles = %+v", got)
	}
	first := got[0]
	if first.Open != 10 || first.High != 12 || first.Low != 9 || first.Close != 9 || first.Volume != 3 {
		t.Errorf("first = %+v", first)
	}
	if !got[1].OpenTime.Equal(base.Add(time.Minute)) || got[1].Close != 11 {
		t.Errorf("second = %+v", got[1])
	}
	if err := market.ValidateSeries(got); err != nil {
		t.Errorf("series invalid: %v", err)
	}
}

func TestCandleBuilderSeedAndLimit(t *testing.T) {
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	seed := make([]market.Candle, 5)
	for i := range seed {
		p := 100 + float64(i)
		seed[i] = market.Candle{OpenTime: base.Add(time.Duration(i) * time.Hour), Open: p, High: p + 1, Low: p - 1, Close: p, Volume: 1}
	}
	b := NewCandleBuilder("SOLUSDT", time.Hour, 4)
	b.Seed(seed)
	if got, _ := b.Candles(context.Background()); len(got) != 4 || got[0].Open != 101 {
		t.Fatalf("seeded = %+v", got)
	}

	// Older than the seeded history.
	b.Add(1, base.Add(2*time.Hour))
	b.now = func() time.Time { return base.Add(5*time.Hour + time.Minute) }
	b.Handle(context.Background(), "BTCUSDT", 60000)
	b.Handle(context.Background(), "SOLUSDT", 106)

	got, _ := b.Candles(context.Background())
	if len(got) != 4 {
		t.Fatalf("len = %d", len(got))
	}
	last := got[3]
	if last.Close != 106 || last.Volume != 1 || !last.OpenTime.Equal(base.Add(5*time.Hour)) {
		t.Errorf("last = %+v", last)
	}
	if got[0].Open != 102 {
		t.Errorf("oldest = %+v", got[0])
	}
}
