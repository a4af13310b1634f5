package events

import (
	"sync"
	"testing"
	"time"
)

func TestSubscribeReceivesMatchingType(t *testing.T) {
	bus := NewBus()

	got := make(chan Event, 1)
	bus.Subscribe(EventTradeOpened, func(e Event) {
		got <- e
	})

	bus.PublishTradeOpened("BTCUSDT", "BUY", 50000, 0.5, 7)

	select {
	case e := <-got:
		if e.Type != EventTradeOpened {
			t.Errorf("type = %s, want %s", e.Type, EventTradeOpened)
		}
		if e.Data["symbol"] != "BTCUSDT" {
			t.Errorf("symbol = %v, want BTCUSDT", e.Data["symbol"])
		}
		if e.Data["trade_id"] != int64(7) {
			t.Errorf("trade_id = %v, want 7", e.Data["trade_id"])
		}
		if e.Timestamp.IsZero() {
			t.Error("timestamp not set on publish")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received event")
	}
}

func TestSubscriberOnlySeesItsType(t *testing.T) {
	bus := NewBus()

	got := make(chan Event, 2)
	bus.Subscribe(EventTradeClosed, func(e Event) {
		got <- e
	})

	bus.PublishGuardRejected("halt", "ETHUSDT", "halt flag set")
	bus.PublishTradeClosed("ETHUSDT", 3100, 2.5, 3)

	select {
	case e := <-got:
		if e.Type != EventTradeClosed {
			t.Errorf("received %s, want only %s", e.Type, EventTradeClosed)
		}
	case <-time.After(time.Second):
		t.Fatal("close subscriber never received event")
	}

	select {
	case e := <-got:
		t.Errorf("unexpected second event: %s", e.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeAllReceivesEverything(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	seen := make(map[EventType]int)
	var wg sync.WaitGroup
	wg.Add(3)
	bus.SubscribeAll(func(e Event) {
		mu.Lock()
		seen[e.Type]++
		mu.Unlock()
		wg.Done()
	})

	bus.PublishTradeOpened("BTCUSDT", "BUY", 50000, 0.5, 1)
	bus.PublishTradeScaledOut("BTCUSDT", 0.25, 51000, 1.0)
	bus.PublishRiskLevelChanged("NORMAL", "WARNING", "daily loss")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("wildcard subscriber did not receive all events")
	}

	mu.Lock()
	defer mu.Unlock()
	for _, typ := range []EventType{EventTradeOpened, EventTradeScaledOut, EventRiskLevelChanged} {
		if seen[typ] != 1 {
			t.Errorf("seen[%s] = %d, want 1", typ, seen[typ])
		}
	}
}
