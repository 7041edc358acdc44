package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/soundbet/bookstream/internal/events"
	"github.com/soundbet/bookstream/internal/stream"
)

// Config holds tunable parameters for the Monitor.
type Config struct {
	// StaleThreshold is the maximum age of the last update or heartbeat
	// before a market's data is considered stale. Default: 30s.
	StaleThreshold time.Duration

	// CoolOff is how long a market must stay connected after recovering
	// before it is reported fresh again. Default: 2s.
	CoolOff time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		StaleThreshold: 30 * time.Second,
		CoolOff:        2 * time.Second,
	}
}

// Report is the health of one market as seen by the monitor.
type Report struct {
	MarketID   string        `json:"marketId"`
	Status     stream.Status `json:"status"`
	LastUpdate time.Time     `json:"lastUpdate"`
	Fresh      bool          `json:"fresh"`
	Reason     string        `json:"reason,omitempty"`
}

type marketState struct {
	status      stream.Status
	terminal    bool
	lastUpdate  time.Time
	recoveredAt time.Time
	healthy     bool
	seenHealthy bool
}

// Monitor derives per-market freshness from session state events. It backs
// the stale-data banner: a market is fresh only while connected, recently
// updated and past its cool-off.
type Monitor struct {
	cfg Config

	mu      sync.RWMutex
	markets map[string]*marketState

	nowFunc func() time.Time // injectable clock for testing
}

// NewMonitor creates a Monitor.
func NewMonitor(cfg Config) *Monitor {
	return &Monitor{
		cfg:     cfg,
		markets: make(map[string]*marketState),
		nowFunc: time.Now,
	}
}

// Fresh reports whether marketID's data can be shown without a stale
// warning.
func (m *Monitor) Fresh(marketID string) bool {
	return m.Report(marketID).Fresh
}

// Report returns the health of marketID. Unknown markets are never fresh.
func (m *Monitor) Report(marketID string) Report {
	m.mu.RLock()
	ms, ok := m.markets[marketID]
	var cp marketState
	if ok {
		cp = *ms
	}
	m.mu.RUnlock()

	if !ok {
		return Report{MarketID: marketID, Status: stream.StatusIdle, Reason: "no data received"}
	}
	return m.evaluate(marketID, cp)
}

// Reports returns the health of every market seen, sorted by id.
func (m *Monitor) Reports() []Report {
	m.mu.RLock()
	out := make([]Report, 0, len(m.markets))
	for id, ms := range m.markets {
		out = append(out, m.evaluate(id, *ms))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].MarketID < out[j].MarketID })
	return out
}

func (m *Monitor) evaluate(marketID string, ms marketState) Report {
	r := Report{MarketID: marketID, Status: ms.status, LastUpdate: ms.lastUpdate}
	now := m.nowFunc()

	switch {
	case ms.terminal:
		r.Reason = "reconnection attempts exhausted"
	case !ms.healthy:
		r.Reason = "disconnected"
	case ms.lastUpdate.IsZero():
		r.Reason = "no data received"
	case now.Sub(ms.lastUpdate) > m.cfg.StaleThreshold:
		r.Reason = "data is stale"
	case !ms.recoveredAt.IsZero() && now.Sub(ms.recoveredAt) < m.cfg.CoolOff:
		r.Reason = "recovering"
	default:
		r.Fresh = true
	}
	return r
}

// Run consumes session state events until ctx is cancelled or feed closes.
func (m *Monitor) Run(ctx context.Context, feed <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-feed:
			if !ok {
				return
			}
			if st, ok := ev.Payload.(stream.State); ok {
				m.record(st)
			}
		}
	}
}

func (m *Monitor) record(st stream.State) {
	if st.MarketID == "" {
		return
	}
	now := m.nowFunc()

	m.mu.Lock()
	defer m.mu.Unlock()

	// A stopped session leaves nothing to monitor.
	if st.Status == stream.StatusIdle {
		delete(m.markets, st.MarketID)
		return
	}

	ms, ok := m.markets[st.MarketID]
	if !ok {
		ms = &marketState{}
		m.markets[st.MarketID] = ms
	}

	wasHealthy := ms.healthy
	ms.status = st.Status
	ms.terminal = st.Terminal
	ms.healthy = st.Status == stream.StatusConnected || st.Status == stream.StatusEstablished
	if !st.LastUpdate.IsZero() {
		ms.lastUpdate = st.LastUpdate
	}

	// First connection does not need a cool-off; reconnects do.
	if ms.seenHealthy && !wasHealthy && ms.healthy {
		ms.recoveredAt = now
	}
	if ms.healthy {
		ms.seenHealthy = true
	}
}
