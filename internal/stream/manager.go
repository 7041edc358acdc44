package stream

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/soundbet/bookstream/internal/book"
	"github.com/soundbet/bookstream/internal/cache"
	"github.com/soundbet/bookstream/internal/events"
)

// Manager owns the single active Session. Any change to the identity tuple
// closes the current session before the next one opens; there is no partial
// reuse across side labels.
type Manager struct {
	remote Backend
	opts   Options
	log    logrus.FieldLogger

	snapshots *cache.TTL[Identity, book.Snapshot]

	mu      sync.Mutex
	current *Session
}

// NewManager creates a Manager. REST snapshots are cached per identity for
// snapshotTTL; zero disables the cache.
func NewManager(remote Backend, opts Options, snapshotTTL time.Duration) *Manager {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	m := &Manager{
		opts:      opts,
		log:       opts.Logger,
		snapshots: cache.New[Identity, book.Snapshot](snapshotTTL),
	}
	m.remote = cachedBackend{Backend: remote, snapshots: m.snapshots}
	return m
}

// Select makes ident the active subscription. Selecting the identity that is
// already active is a no-op. ctx bounds the lifetime of a newly started
// session.
func (m *Manager) Select(ctx context.Context, ident Identity) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		if m.current.Identity() == ident {
			return m.current
		}
		m.current.Close()
		m.log.WithFields(logrus.Fields{
			"from": m.current.Identity().MarketID,
			"to":   ident.MarketID,
		}).Info("stream: switching market")
	}

	s := NewSession(ident, m.remote, m.opts)
	s.Start(ctx)
	m.current = s
	return s
}

// Current returns the active session, or nil.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Refresh drops the cached snapshot for marketID and asks the active session
// to refetch if it is subscribed to that market. An empty marketID matches
// any market.
func (m *Manager) Refresh(marketID string) {
	s := m.Current()
	if s == nil {
		return
	}
	ident := s.Identity()
	if marketID != "" && marketID != ident.MarketID {
		return
	}
	m.snapshots.Invalidate(ident)
	s.Refresh()
}

// Close tears down the active session.
func (m *Manager) Close() {
	m.mu.Lock()
	s := m.current
	m.current = nil
	m.mu.Unlock()

	if s != nil {
		s.Close()
	}
}

// Run reacts to market selection and trade notifications on bus until ctx is
// cancelled, then closes the active session.
func (m *Manager) Run(ctx context.Context, bus *events.Bus) error {
	sub := bus.Subscribe(events.TopicMarketSelected, events.TopicTradeSuccess)
	defer m.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub:
			if !ok {
				return nil
			}
			switch p := ev.Payload.(type) {
			case events.MarketSelected:
				m.Select(ctx, Identity{MarketID: p.MarketID, Side1: p.Side1, Side2: p.Side2})
			case events.TradeSuccess:
				m.log.WithField("market_id", p.MarketID).Debug("stream: trade settled, refreshing book")
				m.Refresh(p.MarketID)
			}
		}
	}
}

// cachedBackend serves REST snapshots from the manager's cache. Streaming
// URLs are never cached since they embed a timestamp.
type cachedBackend struct {
	Backend
	snapshots *cache.TTL[Identity, book.Snapshot]
}

func (c cachedBackend) FetchOrderBook(ctx context.Context, marketID, side1, side2 string) (book.Snapshot, error) {
	key := Identity{MarketID: marketID, Side1: side1, Side2: side2}
	snap, err := c.snapshots.GetOrLoad(ctx, key, func(ctx context.Context) (book.Snapshot, error) {
		return c.Backend.FetchOrderBook(ctx, marketID, side1, side2)
	})
	if err != nil {
		return book.Snapshot{}, err
	}
	return snap.Clone(), nil
}
