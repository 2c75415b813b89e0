package events

import (
	"errors"
	"testing"
	"time"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestPublishReachesTypedAndAllSubscribers(t *testing.T) {
	bus := NewEventBus()
	typed := make(chan Event, 1)
	all := make(chan Event, 4)
	bus.Subscribe(EventUnprotectedPosition, func(e Event) { typed <- e })
	bus.SubscribeAll(func(e Event) { all <- e })

	bus.PublishUnprotected("BTCUSDT", 0.5, 14.9, errors.New("venue down"))

	e := receive(t, typed)
	if !e.Urgent() || e.Data["symbol"] != "BTCUSDT" || e.Data["error"] != "venue down" {
		t.Errorf("typed event = %+v", e)
	}
	if e.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
	if got := receive(t, all); got.Type != EventUnprotectedPosition {
		t.Errorf("all-subscriber got %s", got.Type)
	}
}

func TestTypedSubscriberIgnoresOtherEvents(t *testing.T) {
	bus := NewEventBus()
	typed := make(chan Event, 1)
	bus.Subscribe(EventTradeClosed, func(e Event) { typed <- e })

	bus.PublishParameters("id", 3, "optimizer")

	select {
	case e := <-typed:
		t.Fatalf("unexpected delivery %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNilBusDropsEvents(t *testing.T) {
	var bus *EventBus
	bus.PublishError("test", "ignored", nil)
}
