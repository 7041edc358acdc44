package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/soundbet/bookstream/internal/book"
	"github.com/soundbet/bookstream/internal/events"
)

// fakeBackend points the session at an httptest server and serves snapshots
// from a function.
type fakeBackend struct {
	url   string
	fetch func() (book.Snapshot, error)

	mu      sync.Mutex
	fetches int
}

func (f *fakeBackend) StreamURL(_ context.Context, marketID string) (string, error) {
	return f.url + "?market_id=" + marketID, nil
}

func (f *fakeBackend) FetchOrderBook(_ context.Context, _, _, _ string) (book.Snapshot, error) {
	f.mu.Lock()
	f.fetches++
	f.mu.Unlock()
	if f.fetch == nil {
		return book.Snapshot{}, errors.New("offline")
	}
	return f.fetch()
}

func (f *fakeBackend) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testPolicy() Policy {
	return Policy{
		ReconnectDelay:       5 * time.Millisecond,
		MaxReconnectAttempts: 5,
		DebounceWindow:       10 * time.Millisecond,
	}
}

// sseHandler writes frames then holds the connection until the client goes
// away.
func sseHandler(frames ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for _, f := range frames {
			fmt.Fprint(w, f)
			flusher.Flush()
		}
		<-r.Context().Done()
	}
}

func waitFor(t *testing.T, s *Session, what string, pred func(State) bool) State {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		st := s.State()
		if pred(st) {
			return st
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s; last state %+v", what, s.State())
	return State{}
}

const updateFrame = `data: {"type":"orderbook_update","data":{"orderbook":{"Yes":[[60,5]],"No":[[35,3]]}}}` + "\n\n"

func TestSession_StreamsDerivedBook(t *testing.T) {
	srv := httptest.NewServer(sseHandler(
		`data: {"type":"connection_established"}`+"\n\n",
		updateFrame,
	))
	defer srv.Close()

	s := NewSession(Identity{MarketID: "m1", Side1: "Yes", Side2: "No"},
		&fakeBackend{url: srv.URL},
		Options{Policy: testPolicy(), Logger: quietLogger()})
	s.Start(context.Background())
	defer s.Close()

	st := waitFor(t, s, "book", func(st State) bool { return st.HasBook })

	asks := st.Snapshot.OrderBook["Yes"].Asks
	if len(asks) != 1 || asks[0].Price != 65 {
		t.Fatalf("Yes asks = %+v, want [65]", asks)
	}
	if st.IsLoading {
		t.Fatal("loading should clear once a book is shown")
	}
	waitFor(t, s, "established", func(st State) bool { return st.Status == StatusEstablished })
}

func TestSession_HeartbeatEstablishes(t *testing.T) {
	srv := httptest.NewServer(sseHandler("event: heartbeat\ndata: 1700000000\n\n"))
	defer srv.Close()

	s := NewSession(Identity{MarketID: "m1", Side1: "Yes", Side2: "No"},
		&fakeBackend{url: srv.URL},
		Options{Policy: testPolicy(), Logger: quietLogger()})
	s.Start(context.Background())
	defer s.Close()

	st := waitFor(t, s, "heartbeat", func(st State) bool { return st.Status == StatusEstablished })
	if st.LastUpdate.IsZero() {
		t.Fatal("heartbeat should stamp LastUpdate")
	}
}

func TestSession_ReconnectsAfterFailure(t *testing.T) {
	var conns atomic.Int32
	ok := sseHandler(updateFrame)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if conns.Add(1) == 1 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		ok(w, r)
	}))
	defer srv.Close()

	s := NewSession(Identity{MarketID: "m1", Side1: "Yes", Side2: "No"},
		&fakeBackend{url: srv.URL},
		Options{Policy: testPolicy(), Logger: quietLogger()})
	s.Start(context.Background())
	defer s.Close()

	st := waitFor(t, s, "recovered book", func(st State) bool {
		return st.HasBook && st.Attempts == 0 && st.Status == StatusConnected
	})
	if st.Err != "" {
		t.Fatalf("error should clear after recovery, got %q", st.Err)
	}
	if got := conns.Load(); got != 2 {
		t.Fatalf("connections = %d, want 2", got)
	}
}

func TestSession_GivesUpAfterMaxAttempts(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conns.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	p := testPolicy()
	p.MaxReconnectAttempts = 2

	s := NewSession(Identity{MarketID: "m1", Side1: "Yes", Side2: "No"},
		&fakeBackend{url: srv.URL},
		Options{Policy: p, Logger: quietLogger()})
	s.Start(context.Background())
	defer s.Close()

	st := waitFor(t, s, "terminal", func(st State) bool { return st.Terminal })
	if st.Status != StatusError {
		t.Fatalf("status = %s, want error", st.Status)
	}

	// No further attempts once terminal.
	time.Sleep(50 * time.Millisecond)
	if got := conns.Load(); got != 3 {
		t.Fatalf("connections = %d, want 3 (initial + 2 retries)", got)
	}
}

func TestSession_CloseTearsDownTransport(t *testing.T) {
	gone := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		close(gone)
	}))
	defer srv.Close()

	s := NewSession(Identity{MarketID: "m1", Side1: "Yes", Side2: "No"},
		&fakeBackend{url: srv.URL},
		Options{Policy: testPolicy(), Logger: quietLogger()})
	s.Start(context.Background())

	waitFor(t, s, "connected", func(st State) bool { return st.Status == StatusConnected })

	s.Close()
	s.Close() // idempotent

	select {
	case <-gone:
	case <-time.After(3 * time.Second):
		t.Fatal("server never saw the client disconnect")
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("Done should be closed after Close")
	}
}

func TestSession_RefreshRefetchesSnapshot(t *testing.T) {
	srv := httptest.NewServer(sseHandler())
	defer srv.Close()

	snap := book.TransformStreamUpdate(book.RawBook{
		"Yes": {{Price: 60}},
	}, "Yes", "No")
	backend := &fakeBackend{url: srv.URL, fetch: func() (book.Snapshot, error) { return snap, nil }}

	s := NewSession(Identity{MarketID: "m1", Side1: "Yes", Side2: "No"}, backend,
		Options{Policy: testPolicy(), Logger: quietLogger()})
	s.Start(context.Background())
	defer s.Close()

	waitFor(t, s, "REST book", func(st State) bool { return st.HasBook })

	s.Refresh()

	deadline := time.Now().Add(3 * time.Second)
	for backend.fetchCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("fetches = %d, want 2", backend.fetchCount())
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestSession_PublishesOnBus(t *testing.T) {
	srv := httptest.NewServer(sseHandler(updateFrame))
	defer srv.Close()

	bus := events.NewBus(quietLogger())
	defer bus.Close()
	sub := bus.Subscribe(events.TopicSessionState)

	s := NewSession(Identity{MarketID: "m1", Side1: "Yes", Side2: "No"},
		&fakeBackend{url: srv.URL},
		Options{Policy: testPolicy(), Logger: quietLogger(), Bus: bus})
	s.Start(context.Background())
	defer s.Close()

	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-sub:
			st, ok := ev.Payload.(State)
			if !ok {
				t.Fatalf("payload type %T, want State", ev.Payload)
			}
			if ev.MarketID != "m1" {
				t.Fatalf("market = %q", ev.MarketID)
			}
			if st.HasBook {
				return
			}
		case <-timeout:
			t.Fatal("no state with a book was published")
		}
	}
}

func TestSession_CloseWithoutStart(t *testing.T) {
	s := NewSession(Identity{MarketID: "m1"}, &fakeBackend{}, Options{Logger: quietLogger()})
	s.Close()
	s.Refresh() // must not block
}

// paddedFrame is an orderbook_update whose JSON is at least size bytes.
func paddedFrame(size int) string {
	return `data: {"type":"orderbook_update","data":{"orderbook":{"Yes":[[48,2]],"No":[[50,1]]},"pad":"` +
		strings.Repeat("x", size) + `"}}` + "\n\n"
}

func TestSession_LargeBookIsShown(t *testing.T) {
	var conns atomic.Int32
	ok := sseHandler(paddedFrame(1650000))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conns.Add(1)
		ok(w, r)
	}))
	defer srv.Close()

	s := NewSession(Identity{MarketID: "m1", Side1: "Yes", Side2: "No"},
		&fakeBackend{url: srv.URL},
		Options{Policy: testPolicy(), Logger: quietLogger()})
	s.Start(context.Background())
	defer s.Close()

	st := waitFor(t, s, "large book", func(st State) bool { return st.HasBook })
	if *st.Snapshot.MarketPrices["Yes"].BestBid != 48 {
		t.Fatalf("unexpected book %+v", st.Snapshot.MarketPrices)
	}
	if st.Attempts != 0 || conns.Load() != 1 {
		t.Fatalf("large frame caused a reconnect: attempts=%d conns=%d", st.Attempts, conns.Load())
	}
}

func TestSession_OversizedUpdateKeepsStream(t *testing.T) {
	var conns atomic.Int32
	ok := sseHandler(paddedFrame(2048), updateFrame)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conns.Add(1)
		ok(w, r)
	}))
	defer srv.Close()

	s := NewSession(Identity{MarketID: "m1", Side1: "Yes", Side2: "No"},
		&fakeBackend{url: srv.URL},
		Options{Policy: testPolicy(), Logger: quietLogger(), MaxEventBytes: 1024})
	updates := s.Updates()
	s.Start(context.Background())
	defer s.Close()

	sawErr := false
	timeout := time.After(3 * time.Second)
	for {
		select {
		case st := <-updates:
			if strings.Contains(st.Err, "too large") {
				sawErr = true
				if st.Status == StatusError || st.Reconnecting() {
					t.Fatalf("oversized update dropped the connection: %+v", st)
				}
			}
			if !st.HasBook {
				continue
			}
			if !sawErr {
				t.Fatal("book shown before the oversized update was reported")
			}
			if *st.Snapshot.MarketPrices["Yes"].BestBid != 60 {
				t.Fatalf("unexpected book %+v", st.Snapshot.MarketPrices)
			}
			if st.Attempts != 0 || conns.Load() != 1 {
				t.Fatalf("stream reconnected: attempts=%d conns=%d", st.Attempts, conns.Load())
			}
			return
		case <-timeout:
			t.Fatalf("no book after oversized update; last state %+v", s.State())
		}
	}
}

func TestSession_CloseLeavesIdleState(t *testing.T) {
	srv := httptest.NewServer(sseHandler(updateFrame))
	defer srv.Close()

	bus := events.NewBus(quietLogger())
	defer bus.Close()
	sub := bus.Subscribe(events.TopicSessionState)

	s := NewSession(Identity{MarketID: "m1", Side1: "Yes", Side2: "No"},
		&fakeBackend{url: srv.URL},
		Options{Policy: testPolicy(), Logger: quietLogger(), Bus: bus})
	s.Start(context.Background())
	waitFor(t, s, "book", func(st State) bool { return st.HasBook })
	s.Close()

	var last State
	for {
		select {
		case ev := <-sub:
			last = ev.Payload.(State)
			continue
		default:
		}
		break
	}
	if last.Status != StatusIdle || last.MarketID != "m1" {
		t.Fatalf("final published state = %s for %q, want idle for m1", last.Status, last.MarketID)
	}
}
