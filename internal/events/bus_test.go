package events

import (
	"testing"
	"time"
)

func recv(t *testing.T, ch <-chan Alert) Alert {
	t.Helper()
	select {
	case a := <-ch:
		return a
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for alert")
		return Alert{}
	}
}

func TestSubscribeFiltersTopics(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	fills, unsub := bus.Subscribe(4, EventOrderFilled)
	defer unsub()
	all, unsubAll := bus.Subscribe(4)
	defer unsubAll()

	bus.Publish(EventOrderSubmitted, "o-1")
	bus.Publish(EventOrderFilled, "o-1")

	got := recv(t, fills)
	if got.Event != EventOrderFilled {
		t.Fatalf("filtered subscriber got %s, want %s", got.Event, EventOrderFilled)
	}
	if got.Time.IsZero() {
		t.Fatal("alert missing publish time")
	}

	first := recv(t, all)
	second := recv(t, all)
	if first.Event != EventOrderSubmitted || second.Event != EventOrderFilled {
		t.Fatalf("all-topics subscriber got %s, %s", first.Event, second.Event)
	}

	select {
	case a := <-fills:
		t.Fatalf("unexpected alert on filtered channel: %s", a.Event)
	default:
	}
}

func TestPublishDropsWhenSubscriberIsFull(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, unsub := bus.Subscribe(1, EventPriceTick)
	defer unsub()

	bus.Publish(EventPriceTick, 1.0)
	bus.Publish(EventPriceTick, 2.0)
	bus.Publish(EventPriceTick, 3.0)

	if got := bus.Dropped(); got != 2 {
		t.Fatalf("Dropped() = %d, want 2", got)
	}
	if a := recv(t, ch); a.Payload != 1.0 {
		t.Fatalf("kept alert payload = %v, want 1.0", a.Payload)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, unsub := bus.Subscribe(4, EventRiskAlert)
	unsub()

	bus.Publish(EventRiskAlert, RiskAlertPayload{Symbol: "BTCUSDT", Reason: "test"})

	if _, open := <-ch; open {
		t.Fatal("channel still open after unsubscribe")
	}
	if got := bus.Dropped(); got != 0 {
		t.Fatalf("Dropped() = %d after unsubscribe, want 0", got)
	}
}

func TestCloseClosesSubscribersAndDiscardsPublishes(t *testing.T) {
	bus := NewBus()

	ch, _ := bus.Subscribe(4)
	bus.Close()
	bus.Close() // idempotent

	if _, open := <-ch; open {
		t.Fatal("channel still open after Close")
	}

	bus.Publish(EventOrderFilled, "late")
	late, _ := bus.Subscribe(1)
	if _, open := <-late; open {
		t.Fatal("subscription after Close returned an open channel")
	}
}
