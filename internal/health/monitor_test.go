package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/soundbet/bookstream/internal/events"
	"github.com/soundbet/bookstream/internal/stream"
)

// fakeClock provides a controllable time source for tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (fc *fakeClock) Now() time.Time {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.now
}

func (fc *fakeClock) Advance(d time.Duration) {
	fc.mu.Lock()
	fc.now = fc.now.Add(d)
	fc.mu.Unlock()
}

func newTestMonitor(clock *fakeClock) *Monitor {
	m := NewMonitor(Config{StaleThreshold: time.Second, CoolOff: 2 * time.Second})
	m.nowFunc = clock.Now
	return m
}

func TestMonitor_UnknownMarketIsNotFresh(t *testing.T) {
	m := newTestMonitor(newFakeClock(time.Now()))
	if m.Fresh("nope") {
		t.Fatal("expected unknown market to be stale")
	}
}

func TestMonitor_Staleness(t *testing.T) {
	clock := newFakeClock(time.Now())
	m := newTestMonitor(clock)

	m.record(stream.State{MarketID: "m1", Status: stream.StatusEstablished, LastUpdate: clock.Now()})
	if !m.Fresh("m1") {
		t.Fatalf("expected fresh, got %+v", m.Report("m1"))
	}

	clock.Advance(1500 * time.Millisecond)
	r := m.Report("m1")
	if r.Fresh || r.Reason != "data is stale" {
		t.Fatalf("expected stale report, got %+v", r)
	}

	// A heartbeat refreshes it.
	m.record(stream.State{MarketID: "m1", Status: stream.StatusEstablished, LastUpdate: clock.Now()})
	if !m.Fresh("m1") {
		t.Fatal("heartbeat should make the market fresh again")
	}
}

func TestMonitor_CoolOffAfterReconnect(t *testing.T) {
	clock := newFakeClock(time.Now())
	m := newTestMonitor(clock)

	m.record(stream.State{MarketID: "m1", Status: stream.StatusEstablished, LastUpdate: clock.Now()})
	m.record(stream.State{MarketID: "m1", Status: stream.StatusError, Attempts: 1})
	if r := m.Report("m1"); r.Fresh || r.Reason != "disconnected" {
		t.Fatalf("expected disconnected, got %+v", r)
	}

	clock.Advance(100 * time.Millisecond)
	m.record(stream.State{MarketID: "m1", Status: stream.StatusConnected, LastUpdate: clock.Now()})
	if r := m.Report("m1"); r.Reason != "recovering" {
		t.Fatalf("expected cool-off, got %+v", r)
	}

	clock.Advance(2 * time.Second)
	m.record(stream.State{MarketID: "m1", Status: stream.StatusEstablished, LastUpdate: clock.Now()})
	if !m.Fresh("m1") {
		t.Fatalf("expected fresh after cool-off, got %+v", m.Report("m1"))
	}
}

func TestMonitor_Terminal(t *testing.T) {
	clock := newFakeClock(time.Now())
	m := newTestMonitor(clock)

	m.record(stream.State{MarketID: "m1", Status: stream.StatusError, Terminal: true, LastUpdate: clock.Now()})
	if r := m.Report("m1"); r.Fresh || r.Reason != "reconnection attempts exhausted" {
		t.Fatalf("expected terminal report, got %+v", r)
	}
}

func TestMonitor_RunConsumesBus(t *testing.T) {
	clock := newFakeClock(time.Now())
	m := newTestMonitor(clock)

	feed := make(chan events.Event, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		m.Run(ctx, feed)
		close(done)
	}()

	feed <- events.Event{Topic: events.TopicSessionState, Payload: stream.State{
		MarketID: "b", Status: stream.StatusEstablished, LastUpdate: clock.Now(),
	}}
	feed <- events.Event{Topic: events.TopicSessionState, Payload: stream.State{
		MarketID: "a", Status: stream.StatusConnecting,
	}}
	close(feed)
	<-done

	reports := m.Reports()
	if len(reports) != 2 || reports[0].MarketID != "a" || reports[1].MarketID != "b" {
		t.Fatalf("unexpected reports %+v", reports)
	}
	if !reports[1].Fresh || reports[0].Fresh {
		t.Fatalf("unexpected freshness %+v", reports)
	}
}

func TestMonitor_FirstConnectionHasNoCoolOff(t *testing.T) {
	clock := newFakeClock(time.Now())
	m := newTestMonitor(clock)

	m.record(stream.State{MarketID: "m1", Status: stream.StatusConnecting})
	clock.Advance(50 * time.Millisecond)
	m.record(stream.State{MarketID: "m1", Status: stream.StatusConnected})
	m.record(stream.State{MarketID: "m1", Status: stream.StatusEstablished, LastUpdate: clock.Now()})

	if r := m.Report("m1"); !r.Fresh {
		t.Fatalf("first connection should be fresh at once, got %+v", r)
	}
}

func TestMonitor_StoppedSessionIsForgotten(t *testing.T) {
	clock := newFakeClock(time.Now())
	m := newTestMonitor(clock)

	m.record(stream.State{MarketID: "m1", Status: stream.StatusEstablished, LastUpdate: clock.Now()})
	m.record(stream.State{MarketID: "m2", Status: stream.StatusEstablished, LastUpdate: clock.Now()})
	m.record(stream.State{MarketID: "m1", Status: stream.StatusIdle, LastUpdate: clock.Now()})

	reports := m.Reports()
	if len(reports) != 1 || reports[0].MarketID != "m2" {
		t.Fatalf("expected only m2 after m1 stopped, got %+v", reports)
	}
	if r := m.Report("m1"); r.Fresh || r.Reason != "no data received" {
		t.Fatalf("stopped market should read as unknown, got %+v", r)
	}
}
