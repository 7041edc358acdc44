package relay

import (
	"time"

	"github.com/soundbet/bookstream/internal/book"
	"github.com/soundbet/bookstream/internal/health"
	"github.com/soundbet/bookstream/internal/stream"
)

// StateView is the wire form of a session's state pushed to UI clients.
type StateView struct {
	MarketID string        `json:"marketId"`
	Side1    string        `json:"side1"`
	Side2    string        `json:"side2"`
	Status   stream.Status `json:"connectionStatus"`

	book.Snapshot

	HasBook           bool           `json:"hasBook"`
	IsLoading         bool           `json:"isLoading"`
	IsUpdating        bool           `json:"isUpdating"`
	Error             *string        `json:"error"`
	LastUpdate        *time.Time     `json:"lastUpdate"`
	ReconnectAttempts int            `json:"reconnectAttempts"`
	Reconnecting      bool           `json:"reconnecting"`
	Terminal          bool           `json:"terminal"`
	Health            *health.Report `json:"health,omitempty"`
}

func viewOf(st stream.State, monitor *health.Monitor) StateView {
	v := StateView{
		MarketID:          st.MarketID,
		Side1:             st.Side1,
		Side2:             st.Side2,
		Status:            st.Status,
		Snapshot:          st.Snapshot,
		HasBook:           st.HasBook,
		IsLoading:         st.IsLoading,
		IsUpdating:        st.IsUpdating,
		ReconnectAttempts: st.Attempts,
		Reconnecting:      st.Reconnecting(),
		Terminal:          st.Terminal,
	}
	if v.Status == "" {
		v.Status = stream.StatusIdle
	}
	if st.Err != "" {
		msg := st.Err
		v.Error = &msg
	}
	if !st.LastUpdate.IsZero() {
		ts := st.LastUpdate
		v.LastUpdate = &ts
	}
	if monitor != nil && st.MarketID != "" {
		r := monitor.Report(st.MarketID)
		v.Health = &r
	}
	return v
}
