package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/soundbet/bookstream/internal/book"
)

// Status is the connection health exposed to consumers.
type Status string

const (
	StatusIdle        Status = "idle"        // no market selected, or stopped
	StatusConnecting  Status = "connecting"  // attempt in flight
	StatusConnected   Status = "connected"   // transport open, no ack yet
	StatusEstablished Status = "established" // ack or heartbeat seen
	StatusError       Status = "error"
)

// Policy holds the timing constants of the state machine.
type Policy struct {
	// ReconnectDelay is the base of the exponential backoff: the n-th retry
	// waits ReconnectDelay * 2^(n-1).
	ReconnectDelay time.Duration

	// MaxReconnectAttempts is the number of consecutive retries before the
	// session gives up.
	MaxReconnectAttempts int

	// DebounceWindow is how long a differing update is buffered before it
	// is displayed.
	DebounceWindow time.Duration
}

// DefaultPolicy returns the production timing.
func DefaultPolicy() Policy {
	return Policy{
		ReconnectDelay:       3 * time.Second,
		MaxReconnectAttempts: 5,
		DebounceWindow:       100 * time.Millisecond,
	}
}

// Backoff returns the wait before retry number attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.ReconnectDelay * time.Duration(1<<(attempt-1))
}

// State is everything a consumer renders for one subscription.
type State struct {
	MarketID string
	Side1    string
	Side2    string

	Status     Status
	Snapshot   book.Snapshot
	HasBook    bool
	IsLoading  bool
	IsUpdating bool
	Err        string
	LastUpdate time.Time

	// Attempts counts consecutive reconnects since the last successful open.
	Attempts int
	// Terminal is set once reconnects are exhausted.
	Terminal bool

	pending        *book.Snapshot
	streamBook     bool // a stream update has been offered
	refreshWanted  bool // next REST snapshot was asked for explicitly
	reconnectArmed bool
	debounceArmed  bool
	stopped        bool
}

// Reconnecting reports whether a retry is scheduled.
func (s State) Reconnecting() bool { return s.reconnectArmed }

// Event is an input to Step.
type Event interface{ event() }

type (
	// Start begins a subscription for the given identity.
	Start struct{ MarketID, Side1, Side2 string }
	// Opened is the transport handshake succeeding.
	Opened struct{}
	// Message is a default-channel payload.
	Message struct{ Data []byte }
	// Oversized is a default-channel payload dropped for exceeding the
	// event size limit. The connection stays open.
	Oversized struct{ Size int }
	// Heartbeat is a liveness event carrying a timestamp.
	Heartbeat struct{ Data string }
	// TransportError is a connection failure or drop.
	TransportError struct{ Err error }
	// ReconnectDue fires when the backoff timer elapses.
	ReconnectDue struct{}
	// DebounceDue fires when the quiet window elapses.
	DebounceDue struct{}
	// SnapshotLoaded carries a REST-fetched book.
	SnapshotLoaded struct{ Snapshot book.Snapshot }
	// SnapshotFailed reports a REST fetch error.
	SnapshotFailed struct{ Err error }
	// Refresh requests a new REST snapshot, e.g. after a trade.
	Refresh struct{}
	// Stop disposes the subscription.
	Stop struct{}
)

func (Start) event()          {}
func (Opened) event()         {}
func (Message) event()        {}
func (Oversized) event()      {}
func (Heartbeat) event()      {}
func (TransportError) event() {}
func (ReconnectDue) event()   {}
func (DebounceDue) event()    {}
func (SnapshotLoaded) event() {}
func (SnapshotFailed) event() {}
func (Refresh) event()        {}
func (Stop) event()           {}

// EffectKind names a side effect the runtime must perform.
type EffectKind uint8

const (
	EffectConnect EffectKind = iota + 1
	EffectCloseTransport
	EffectScheduleReconnect
	EffectCancelReconnect
	EffectScheduleDebounce
	EffectCancelDebounce
	EffectFetchSnapshot
)

func (k EffectKind) String() string {
	switch k {
	case EffectConnect:
		return "connect"
	case EffectCloseTransport:
		return "close-transport"
	case EffectScheduleReconnect:
		return "schedule-reconnect"
	case EffectCancelReconnect:
		return "cancel-reconnect"
	case EffectScheduleDebounce:
		return "schedule-debounce"
	case EffectCancelDebounce:
		return "cancel-debounce"
	case EffectFetchSnapshot:
		return "fetch-snapshot"
	default:
		return "unknown"
	}
}

// Effect is an instruction emitted by Step. Delay is set for the schedule
// kinds only.
type Effect struct {
	Kind  EffectKind
	Delay time.Duration
}

// Messages surfaced through State.Err.
const (
	errInvalidBook   = "Invalid order book data received"
	errUnparseable   = "Failed to parse order book update"
	errOversized     = "Order book update too large (%d bytes)"
	errTerminalRetry = "Live order book connection lost after %d reconnection attempts. Please refresh the page."
	errReconnecting  = "Connection lost. Reconnecting in %s (attempt %d/%d)"
)

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type updatePayload struct {
	Orderbook json.RawMessage `json:"orderbook"`
}

// Step is the single transition function of the streaming client. It is
// pure: timers and I/O are requested through the returned effects.
func Step(p Policy, st State, ev Event, now time.Time) (State, []Effect) {
	if st.stopped {
		return st, nil
	}

	switch e := ev.(type) {
	case Start:
		return start(e)

	case Stop:
		st.stopped = true
		st.Status = StatusIdle
		st.IsLoading = false
		st.pending = nil
		st.IsUpdating = false
		st.reconnectArmed = false
		st.debounceArmed = false
		return st, []Effect{
			{Kind: EffectCloseTransport},
			{Kind: EffectCancelReconnect},
			{Kind: EffectCancelDebounce},
		}
	}

	if st.Status == StatusIdle || st.Terminal {
		return st, nil
	}

	switch e := ev.(type) {
	case Opened:
		st.Status = StatusConnected
		st.Attempts = 0
		st.Err = ""
		st.reconnectArmed = false
		return st, []Effect{{Kind: EffectCancelReconnect}}

	case Message:
		return onMessage(p, st, e.Data, now)

	case Oversized:
		st.Err = fmt.Sprintf(errOversized, e.Size)
		return st, nil

	case Heartbeat:
		st.LastUpdate = now
		st.Status = StatusEstablished
		return st, nil

	case TransportError:
		return onTransportError(p, st)

	case ReconnectDue:
		if !st.reconnectArmed {
			return st, nil
		}
		st.reconnectArmed = false
		st.Status = StatusConnecting
		return st, []Effect{
			{Kind: EffectCloseTransport},
			{Kind: EffectConnect},
		}

	case DebounceDue:
		if !st.debounceArmed || st.pending == nil {
			st.debounceArmed = false
			return st, nil
		}
		st = apply(st, *st.pending)
		st.pending = nil
		st.debounceArmed = false
		st.IsUpdating = false
		return st, nil

	case SnapshotLoaded:
		// The stream is authoritative once it has delivered a book; only an
		// explicit refresh may replace it with a REST snapshot.
		if st.streamBook && !st.refreshWanted {
			st.IsLoading = false
			return st, nil
		}
		st.refreshWanted = false
		return offer(p, st, e.Snapshot, now)

	case SnapshotFailed:
		st.refreshWanted = false
		if !st.HasBook {
			st.IsLoading = false
			st.Err = fmt.Sprintf("Failed to load order book: %v", e.Err)
		}
		return st, nil

	case Refresh:
		st.refreshWanted = true
		return st, []Effect{{Kind: EffectFetchSnapshot}}
	}

	return st, nil
}

func start(e Start) (State, []Effect) {
	st := State{MarketID: e.MarketID, Side1: e.Side1, Side2: e.Side2}
	if e.MarketID == "" {
		st.Status = StatusIdle
		return st, nil
	}
	st.Status = StatusConnecting
	st.IsLoading = true
	return st, []Effect{
		{Kind: EffectCloseTransport},
		{Kind: EffectCancelReconnect},
		{Kind: EffectCancelDebounce},
		{Kind: EffectConnect},
		{Kind: EffectFetchSnapshot},
	}
}

func onMessage(p Policy, st State, data []byte, now time.Time) (State, []Effect) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		st.Err = errUnparseable
		return st, nil
	}

	switch env.Type {
	case "connection_established":
		st.Status = StatusEstablished
		return st, nil

	case "orderbook_update":
		var payload updatePayload
		if err := json.Unmarshal(env.Data, &payload); err != nil || !isPresent(payload.Orderbook) {
			st.Err = errInvalidBook
			return st, nil
		}
		raw := book.ParseRawBook(payload.Orderbook)
		st.streamBook = true
		return offer(p, st, book.TransformStreamUpdate(raw, st.Side1, st.Side2), now)
	}

	return st, nil
}

func onTransportError(p Policy, st State) (State, []Effect) {
	st.Status = StatusError
	effects := []Effect{{Kind: EffectCloseTransport}}

	if st.Attempts >= p.MaxReconnectAttempts {
		st.Terminal = true
		st.IsLoading = false
		st.reconnectArmed = false
		st.Err = fmt.Sprintf(errTerminalRetry, p.MaxReconnectAttempts)
		return st, append(effects, Effect{Kind: EffectCancelReconnect})
	}

	st.Attempts++
	delay := p.Backoff(st.Attempts)
	st.reconnectArmed = true
	st.Err = fmt.Sprintf(errReconnecting, delay, st.Attempts, p.MaxReconnectAttempts)
	return st, append(effects,
		Effect{Kind: EffectCancelReconnect},
		Effect{Kind: EffectScheduleReconnect, Delay: delay},
	)
}

// offer routes a derived snapshot through the debounce. The first book is
// shown at once; later ones are shown only after the quiet window, and only
// if they differ from what is on screen.
func offer(p Policy, st State, snap book.Snapshot, now time.Time) (State, []Effect) {
	st.LastUpdate = now

	if !st.HasBook {
		return apply(st, snap), nil
	}

	if snap.OrderBook.Equal(st.Snapshot.OrderBook) {
		if snap.MarketInfo != nil {
			st.Snapshot.MarketInfo = snap.MarketInfo
		}
		if st.debounceArmed {
			st.pending = nil
			st.debounceArmed = false
			st.IsUpdating = false
			return st, []Effect{{Kind: EffectCancelDebounce}}
		}
		return st, nil
	}

	st.pending = &snap
	st.IsUpdating = true
	if st.debounceArmed {
		return st, nil
	}
	st.debounceArmed = true
	return st, []Effect{{Kind: EffectScheduleDebounce, Delay: p.DebounceWindow}}
}

func apply(st State, snap book.Snapshot) State {
	if snap.MarketInfo == nil {
		snap.MarketInfo = st.Snapshot.MarketInfo
	}
	st.Snapshot = snap
	st.HasBook = true
	st.IsLoading = false
	if !st.reconnectArmed {
		st.Err = ""
	}
	return st
}

func isPresent(v json.RawMessage) bool {
	return len(v) > 0 && string(v) != "null"
}
