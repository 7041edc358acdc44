package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/soundbet/bookstream/internal/book"
	"github.com/soundbet/bookstream/internal/events"
)

// errStreamEnded is reported when the server closes the stream cleanly.
var errStreamEnded = errors.New("stream: server closed the connection")

// DefaultMaxEventBytes is the largest payload handed to the state machine.
const DefaultMaxEventBytes = 16 << 20

// Backend is the remote side of a subscription. Satisfied by *api.Client.
type Backend interface {
	StreamURL(ctx context.Context, marketID string) (string, error)
	FetchOrderBook(ctx context.Context, marketID, side1, side2 string) (book.Snapshot, error)
}

// Identity is the tuple a Session is bound to. Side labels are part of the
// derivation, so any change requires a new Session.
type Identity struct {
	MarketID string `json:"marketId"`
	Side1    string `json:"side1"`
	Side2    string `json:"side2"`
}

// Options configures a Session.
type Options struct {
	Policy Policy

	// HTTPClient performs the long-lived stream request. It must not carry
	// an overall Timeout.
	HTTPClient *http.Client

	// Bus, when set, receives a TopicSessionState event per transition.
	Bus *events.Bus

	// MaxEventBytes caps one default-channel payload. Larger ones are
	// dropped and reported without closing the stream. Frames beyond four
	// times this size cannot be buffered and end the connection.
	MaxEventBytes int

	Logger logrus.FieldLogger
}

// source tags inbound events so the loop can discard ones belonging to a
// connection, timer or fetch that has since been replaced.
type source uint8

const (
	sourceControl source = iota
	sourceConn
	sourceReconnect
	sourceDebounce
	sourceFetch
	numSources
)

type inbound struct {
	ev  Event
	src source
	gen uint64
}

// Session is one live order book subscription. A single goroutine owns the
// State and performs every effect, so transitions are strictly ordered.
type Session struct {
	id     string
	ident  Identity
	opts   Options
	remote Backend
	log    logrus.FieldLogger

	inbox chan inbound

	mu    sync.RWMutex
	state State

	subMu sync.Mutex
	subs  []chan State

	// Loop-owned; never touched outside run.
	gens           [numSources]uint64
	connCancel     context.CancelFunc
	reconnectTimer *time.Timer
	debounceTimer  *time.Timer
	wg             sync.WaitGroup

	cancel    context.CancelFunc
	quit      chan struct{} // closed when the loop stops accepting events
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once

	nowFunc func() time.Time
}

// NewSession creates a Session. Call Start to begin streaming.
func NewSession(ident Identity, remote Backend, opts Options) *Session {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Policy == (Policy{}) {
		opts.Policy = DefaultPolicy()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.MaxEventBytes <= 0 {
		opts.MaxEventBytes = DefaultMaxEventBytes
	}

	id := uuid.NewString()
	return &Session{
		id:     id,
		ident:  ident,
		opts:   opts,
		remote: remote,
		log: opts.Logger.WithFields(logrus.Fields{
			"session_id": id,
			"market_id":  ident.MarketID,
		}),
		inbox:   make(chan inbound, 64),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		nowFunc: time.Now,
	}
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// Identity returns the tuple this session is bound to.
func (s *Session) Identity() Identity { return s.ident }

// Start launches the session loop. ctx bounds the session's lifetime;
// cancelling it is equivalent to Close.
func (s *Session) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)
		go s.run(ctx)
	})
}

// Close tears the session down: transport closed, reconnect and debounce
// timers cancelled. It blocks until the loop has exited and is safe to call
// more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.startOnce.Do(func() { // never started
			close(s.quit)
			close(s.done)
		})
		if s.cancel != nil {
			s.cancel()
		}
		<-s.done

		s.subMu.Lock()
		for _, ch := range s.subs {
			close(ch)
		}
		s.subs = nil
		s.subMu.Unlock()
	})
}

// Done is closed once the session loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns a copy of the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneState(s.state)
}

// Updates returns a channel receiving a copy of the state after every
// transition. The caller must drain it; slow readers miss intermediate
// states but never block the session.
func (s *Session) Updates() <-chan State {
	ch := make(chan State, 64)
	s.subMu.Lock()
	s.subs = append(s.subs, ch)
	s.subMu.Unlock()
	return ch
}

// Refresh asks the session to reload the REST snapshot.
func (s *Session) Refresh() {
	s.post(inbound{ev: Refresh{}, src: sourceControl})
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	s.dispatch(ctx, Start{MarketID: s.ident.MarketID, Side1: s.ident.Side1, Side2: s.ident.Side2})

	for {
		select {
		case <-ctx.Done():
			s.dispatch(ctx, Stop{})
			close(s.quit)
			s.wg.Wait()
			return
		case in := <-s.inbox:
			if in.src != sourceControl && in.gen != s.gens[in.src] {
				continue // superseded connection, timer or fetch
			}
			s.dispatch(ctx, in.ev)
		}
	}
}

func (s *Session) post(in inbound) {
	select {
	case s.inbox <- in:
	case <-s.quit:
	}
}

func (s *Session) dispatch(ctx context.Context, ev Event) {
	s.mu.Lock()
	prev := s.state
	next, effects := Step(s.opts.Policy, prev, ev, s.nowFunc())
	s.state = next
	s.mu.Unlock()

	s.logTransition(prev, next, ev)

	for _, eff := range effects {
		s.execute(ctx, eff)
	}

	s.publish(next)
}

func (s *Session) execute(ctx context.Context, eff Effect) {
	switch eff.Kind {
	case EffectCloseTransport:
		s.gens[sourceConn]++
		if s.connCancel != nil {
			s.connCancel()
			s.connCancel = nil
		}

	case EffectConnect:
		s.gens[sourceConn]++
		gen := s.gens[sourceConn]
		connCtx, cancel := context.WithCancel(ctx)
		s.connCancel = cancel
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.stream(connCtx, gen)
		}()

	case EffectScheduleReconnect:
		s.reconnectTimer = s.schedule(s.reconnectTimer, sourceReconnect, eff.Delay, ReconnectDue{})

	case EffectCancelReconnect:
		s.reconnectTimer = s.cancelTimer(s.reconnectTimer, sourceReconnect)

	case EffectScheduleDebounce:
		s.debounceTimer = s.schedule(s.debounceTimer, sourceDebounce, eff.Delay, DebounceDue{})

	case EffectCancelDebounce:
		s.debounceTimer = s.cancelTimer(s.debounceTimer, sourceDebounce)

	case EffectFetchSnapshot:
		s.gens[sourceFetch]++
		gen := s.gens[sourceFetch]
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.fetch(ctx, gen)
		}()
	}
}

func (s *Session) schedule(prev *time.Timer, src source, delay time.Duration, ev Event) *time.Timer {
	s.cancelTimer(prev, src)
	gen := s.gens[src]
	return time.AfterFunc(delay, func() {
		s.post(inbound{ev: ev, src: src, gen: gen})
	})
}

func (s *Session) cancelTimer(t *time.Timer, src source) *time.Timer {
	s.gens[src]++
	if t != nil {
		t.Stop()
	}
	return nil
}

func (s *Session) fetch(ctx context.Context, gen uint64) {
	snap, err := s.remote.FetchOrderBook(ctx, s.ident.MarketID, s.ident.Side1, s.ident.Side2)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		s.log.WithError(err).Warn("stream: snapshot fetch failed")
		s.post(inbound{ev: SnapshotFailed{Err: err}, src: sourceFetch, gen: gen})
		return
	}
	s.post(inbound{ev: SnapshotLoaded{Snapshot: snap}, src: sourceFetch, gen: gen})
}

// stream runs one connection attempt until it fails or is cancelled.
func (s *Session) stream(ctx context.Context, gen uint64) {
	err := s.consume(ctx, gen)
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		err = errStreamEnded
	}
	s.post(inbound{ev: TransportError{Err: err}, src: sourceConn, gen: gen})
}

func (s *Session) consume(ctx context.Context, gen uint64) error {
	target, err := s.remote.StreamURL(ctx, s.ident.MarketID)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("stream: build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("stream: connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream: unexpected status %d", resp.StatusCode)
	}

	s.post(inbound{ev: Opened{}, src: sourceConn, gen: gen})

	dec := NewDecoder(resp.Body, 4*s.opts.MaxEventBytes)
	for {
		ev, err := dec.Next()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		switch ev.Name {
		case "heartbeat":
			s.post(inbound{ev: Heartbeat{Data: ev.Data}, src: sourceConn, gen: gen})
		case "message":
			if n := len(ev.Data); n > s.opts.MaxEventBytes {
				s.log.WithField("bytes", n).Warn("stream: dropping oversized update")
				s.post(inbound{ev: Oversized{Size: n}, src: sourceConn, gen: gen})
				continue
			}
			s.post(inbound{ev: Message{Data: []byte(ev.Data)}, src: sourceConn, gen: gen})
		default:
			s.log.WithField("event", ev.Name).Debug("stream: ignoring unknown event")
		}
	}
}

func (s *Session) publish(st State) {
	s.subMu.Lock()
	for _, ch := range s.subs {
		select {
		case ch <- cloneState(st):
		default:
			// Slow consumer: it will catch up on the next transition.
		}
	}
	s.subMu.Unlock()

	if s.opts.Bus != nil {
		s.opts.Bus.Publish(events.Event{
			Topic:    events.TopicSessionState,
			MarketID: s.ident.MarketID,
			Payload:  cloneState(st),
		})
	}
}

func (s *Session) logTransition(prev, next State, ev Event) {
	if prev.Status != next.Status {
		s.log.WithFields(logrus.Fields{
			"from":     prev.Status,
			"to":       next.Status,
			"attempts": next.Attempts,
		}).Info("stream: status changed")
	}
	if next.Err != "" && next.Err != prev.Err {
		entry := s.log.WithField("event", fmt.Sprintf("%T", ev))
		if te, ok := ev.(TransportError); ok {
			entry = entry.WithError(te.Err)
		}
		if next.Terminal {
			entry.Error("stream: " + next.Err)
		} else {
			entry.Warn("stream: " + next.Err)
		}
	}
}

func cloneState(st State) State {
	st.Snapshot = st.Snapshot.Clone()
	st.pending = nil
	return st
}
