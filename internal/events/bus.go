package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventTradeOpened         EventType = "TRADE_OPENED"
	EventTradeClosed         EventType = "TRADE_CLOSED"
	EventSignalRejected      EventType = "SIGNAL_REJECTED"
	EventStopPlaced          EventType = "STOP_PLACED"
	EventStopReplaced        EventType = "STOP_REPLACED"
	EventStopClosed          EventType = "STOP_CLOSED"
	EventUnprotectedPosition EventType = "UNPROTECTED_POSITION"
	EventPositionReprotected EventType = "POSITION_REPROTECTED"
	EventParametersPublished EventType = "PARAMETERS_PUBLISHED"
	EventCircuitBreaker      EventType = "CIRCUIT_BREAKER_UPDATE"
	EventStateCorruption     EventType = "STATE_CORRUPTION"
	EventError               EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Urgent reports whether the event needs an operator now.
func (e Event) Urgent() bool {
	return e.Type == EventUnprotectedPosition || e.Type == EventStateCorruption
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions. Subscribers run on
// their own goroutine so a slow consumer never blocks a publisher.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers. A nil bus drops the event.
func (eb *EventBus) Publish(event Event) {
	if eb == nil {
		return
	}
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	for _, sub := range eb.subscribers[event.Type] {
		go sub(event)
	}
	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishTradeOpened publishes a trade opened event
func (eb *EventBus) PublishTradeOpened(symbol string, entryPrice, quantity, notional float64) {
	eb.Publish(Event{
		Type: EventTradeOpened,
		Data: map[string]interface{}{
			"symbol":      symbol,
			"entry_price": entryPrice,
			"quantity":    quantity,
			"notional":    notional,
		},
	})
}

// PublishTradeClosed publishes a trade closed event
func (eb *EventBus) PublishTradeClosed(symbol string, entryPrice, exitPrice, quantity, pnlPercent float64, reason string) {
	eb.Publish(Event{
		Type: EventTradeClosed,
		Data: map[string]interface{}{
			"symbol":      symbol,
			"entry_price": entryPrice,
			"exit_price":  exitPrice,
			"quantity":    quantity,
			"pnl_percent": pnlPercent,
			"reason":      reason,
		},
	})
}

// PublishSignalRejected publishes the explanation of a filter rejection
func (eb *EventBus) PublishSignalRejected(symbol string, score float64, reasons []string) {
	eb.Publish(Event{
		Type: EventSignalRejected,
		Data: map[string]interface{}{
			"symbol":  symbol,
			"score":   score,
			"reasons": reasons,
		},
	})
}

// PublishStop publishes a stop lifecycle event (placed, replaced, closed)
func (eb *EventBus) PublishStop(eventType EventType, symbol, orderID string, oldStop, newStop float64) {
	eb.Publish(Event{
		Type: eventType,
		Data: map[string]interface{}{
			"symbol":   symbol,
			"order_id": orderID,
			"old_stop": oldStop,
			"new_stop": newStop,
		},
	})
}

// PublishUnprotected raises the urgent alert for a position left without
// a protective order.
func (eb *EventBus) PublishUnprotected(symbol string, quantity, stopPrice float64, err error) {
	data := map[string]interface{}{
		"symbol":     symbol,
		"quantity":   quantity,
		"stop_price": stopPrice,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{Type: EventUnprotectedPosition, Data: data})
}

// PublishParameters publishes a new parameter set version
func (eb *EventBus) PublishParameters(id string, version int, source string) {
	eb.Publish(Event{
		Type: EventParametersPublished,
		Data: map[string]interface{}{
			"id":      id,
			"version": version,
			"source":  source,
		},
	})
}

// PublishCircuitBreaker publishes a breaker state change
func (eb *EventBus) PublishCircuitBreaker(state, action, reason string) {
	eb.Publish(Event{
		Type: EventCircuitBreaker,
		Data: map[string]interface{}{
			"state":  state,
			"action": action,
			"reason": reason,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
