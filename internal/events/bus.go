// Package events provides an in-process pub/sub bus for trade lifecycle and
// risk notifications.
package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventTradeOpened      EventType = "TRADE_OPENED"
	EventTradeScaledOut   EventType = "TRADE_SCALED_OUT"
	EventTradeClosed      EventType = "TRADE_CLOSED"
	EventStopMoved        EventType = "STOP_MOVED"
	EventGuardRejected    EventType = "GUARD_REJECTED"
	EventRiskLevelChanged EventType = "RISK_LEVEL_CHANGED"
	EventPriceUpdate      EventType = "PRICE_UPDATE"
	EventReconcileAnomaly EventType = "RECONCILE_ANOMALY"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// Bus manages event publishing and subscriptions
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Subscriber),
	}
}

// Subscribe registers a subscriber for a specific event type
func (b *Bus) Subscribe(eventType EventType, subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (b *Bus) SubscribeAll(subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, subscriber)
}

// Publish sends an event to all subscribers. Delivery is asynchronous so a
// slow subscriber never blocks the trading path.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers[event.Type] {
		go sub(event)
	}
	for _, sub := range b.allSubs {
		go sub(event)
	}
}

// PublishTradeOpened publishes a trade opened event
func (b *Bus) PublishTradeOpened(symbol, side string, entryPrice, quantity float64, tradeID int64) {
	b.Publish(Event{
		Type: EventTradeOpened,
		Data: map[string]interface{}{
			"symbol":      symbol,
			"side":        side,
			"entry_price": entryPrice,
			"quantity":    quantity,
			"trade_id":    tradeID,
		},
	})
}

// PublishTradeScaledOut publishes a partial exit event
func (b *Bus) PublishTradeScaledOut(symbol string, qty, price, rMultiple float64) {
	b.Publish(Event{
		Type: EventTradeScaledOut,
		Data: map[string]interface{}{
			"symbol":     symbol,
			"qty":        qty,
			"price":      price,
			"r_multiple": rMultiple,
		},
	})
}

// PublishTradeClosed publishes a trade closed event
func (b *Bus) PublishTradeClosed(symbol string, exitPrice, pnlPct float64, tradeID int64) {
	b.Publish(Event{
		Type: EventTradeClosed,
		Data: map[string]interface{}{
			"symbol":     symbol,
			"exit_price": exitPrice,
			"pnl_pct":    pnlPct,
			"trade_id":   tradeID,
		},
	})
}

// PublishGuardRejected publishes a guard rejection event
func (b *Bus) PublishGuardRejected(guard, symbol, reason string) {
	b.Publish(Event{
		Type: EventGuardRejected,
		Data: map[string]interface{}{
			"guard":  guard,
			"symbol": symbol,
			"reason": reason,
		},
	})
}

// PublishRiskLevelChanged publishes a risk level transition
func (b *Bus) PublishRiskLevelChanged(from, to, reason string) {
	b.Publish(Event{
		Type: EventRiskLevelChanged,
		Data: map[string]interface{}{
			"from":   from,
			"to":     to,
			"reason": reason,
		},
	})
}
