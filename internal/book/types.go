package book

import (
	"encoding/json"
	"strconv"

	"github.com/shopspring/decimal"
)

// MaxPrice is the payout of a winning share in cents. A bid at p on one
// outcome is economically an offer at MaxPrice-p on the other.
const MaxPrice = 100

// Level is a single resting order at a price, in cents, for one outcome side.
type Level struct {
	Price  int             `json:"price"`
	Shares decimal.Decimal `json:"shares"`
}

// MarshalJSON writes shares as a bare JSON number rather than decimal's
// default quoted string.
func (l Level) MarshalJSON() ([]byte, error) {
	return []byte(`{"price":` + strconv.Itoa(l.Price) + `,"shares":` + l.Shares.String() + `}`), nil
}

// SideBook is the two-sided book for one outcome. Asks are always derived
// from the opposite outcome's bids and never observed directly.
type SideBook struct {
	Bids []Level `json:"bids"`
	Asks []Level `json:"asks"`
}

// OrderBook maps an outcome label (e.g. "Yes", or a team name) to its book.
type OrderBook map[string]SideBook

// PriceSummary holds the best prices for one side. Nil means no source
// orders exist.
type PriceSummary struct {
	BestBid *int `json:"bestBid"`
	BestAsk *int `json:"bestAsk"`
}

// MarketPrices maps an outcome label to its best prices.
type MarketPrices map[string]PriceSummary

// Spreads maps an outcome label to bestAsk-bestBid, nil when either side of
// that book is empty.
type Spreads map[string]*int

// Snapshot is the normalized shape handed to consumers. The REST and
// streaming paths both produce it.
type Snapshot struct {
	OrderBook    OrderBook       `json:"orderBook"`
	Spreads      Spreads         `json:"spreads"`
	MarketPrices MarketPrices    `json:"marketPrices"`
	MarketInfo   json.RawMessage `json:"marketInfo,omitempty"`
}

// Clone returns a deep copy of s.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		OrderBook:    make(OrderBook, len(s.OrderBook)),
		Spreads:      make(Spreads, len(s.Spreads)),
		MarketPrices: make(MarketPrices, len(s.MarketPrices)),
	}
	for label, sb := range s.OrderBook {
		out.OrderBook[label] = SideBook{
			Bids: append([]Level{}, sb.Bids...),
			Asks: append([]Level{}, sb.Asks...),
		}
	}
	for label, v := range s.Spreads {
		out.Spreads[label] = copyInt(v)
	}
	for label, ps := range s.MarketPrices {
		out.MarketPrices[label] = PriceSummary{
			BestBid: copyInt(ps.BestBid),
			BestAsk: copyInt(ps.BestAsk),
		}
	}
	if s.MarketInfo != nil {
		out.MarketInfo = append(json.RawMessage{}, s.MarketInfo...)
	}
	return out
}

// Equal reports whether two books hold the same levels in the same order.
func (ob OrderBook) Equal(other OrderBook) bool {
	if len(ob) != len(other) {
		return false
	}
	for label, sb := range ob {
		osb, ok := other[label]
		if !ok {
			return false
		}
		if !levelsEqual(sb.Bids, osb.Bids) || !levelsEqual(sb.Asks, osb.Asks) {
			return false
		}
	}
	return true
}

func levelsEqual(a, b []Level) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Price != b[i].Price || !a[i].Shares.Equal(b[i].Shares) {
			return false
		}
	}
	return true
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}
