package events

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestBus_TopicFiltering(t *testing.T) {
	bus := NewBus(quietLogger())

	trades := bus.Subscribe(TopicTradeSuccess)
	both := bus.Subscribe(TopicTradeSuccess, TopicMarketSelected)

	bus.Publish(Event{Topic: TopicMarketSelected, MarketID: "mkt-A", Payload: MarketSelected{MarketID: "mkt-A"}})
	bus.Publish(Event{Topic: TopicTradeSuccess, MarketID: "mkt-A", Payload: TradeSuccess{MarketID: "mkt-A"}})

	select {
	case ev := <-trades:
		if ev.Topic != TopicTradeSuccess {
			t.Fatalf("trade subscriber got %s", ev.Topic)
		}
		if _, ok := ev.Payload.(TradeSuccess); !ok {
			t.Fatalf("unexpected payload type %T", ev.Payload)
		}
		if ev.At.IsZero() {
			t.Fatal("publish should stamp the event time")
		}
	case <-time.After(time.Second):
		t.Fatal("trade subscriber timed out")
	}

	select {
	case ev := <-trades:
		t.Fatalf("trade subscriber received unexpected %s", ev.Topic)
	default:
	}

	for i := 0; i < 2; i++ {
		select {
		case <-both:
		case <-time.After(time.Second):
			t.Fatalf("multi-topic subscriber missing event %d", i+1)
		}
	}
}

func TestBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus(quietLogger())

	slow := make(chan Event, 1)
	bus.mu.Lock()
	bus.subs[TopicSessionState] = append(bus.subs[TopicSessionState], slow)
	bus.mu.Unlock()
	fast := bus.Subscribe(TopicSessionState)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(Event{Topic: TopicSessionState, MarketID: "mkt-1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}
	if len(fast) != 10 {
		t.Fatalf("fast subscriber got %d events, want 10", len(fast))
	}
}

func TestBus_CloseClosesSubscribers(t *testing.T) {
	bus := NewBus(quietLogger())
	ch := bus.Subscribe(TopicTradeSuccess, TopicSessionState)

	bus.Close()
	bus.Close()
	bus.Publish(Event{Topic: TopicTradeSuccess})

	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	if _, ok := <-bus.Subscribe(TopicTradeSuccess); ok {
		t.Fatal("subscribe after close should return a closed channel")
	}
}
