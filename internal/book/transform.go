package book

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// RawBook is the unilateral feed sent by the backend: for every outcome label,
// a list of resting bids. It carries no asks.
type RawBook map[string][]Level

// UnmarshalJSON decodes {"Yes": [[price, shares], ...], ...}. It never fails
// on the contents: non-array sides become empty and malformed tuples are
// skipped.
func (r *RawBook) UnmarshalJSON(data []byte) error {
	*r = ParseRawBook(data)
	return nil
}

// ParseRawBook is the tolerant decoder behind RawBook.UnmarshalJSON. Anything
// that is not a JSON object yields an empty book.
func ParseRawBook(data []byte) RawBook {
	var sides map[string]json.RawMessage
	if err := json.Unmarshal(data, &sides); err != nil {
		return RawBook{}
	}
	out := make(RawBook, len(sides))
	for label, v := range sides {
		out[label] = parseTuples(v)
	}
	return out
}

func parseTuples(data json.RawMessage) []Level {
	var entries []json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return []Level{}
	}
	levels := make([]Level, 0, len(entries))
	for _, e := range entries {
		var tuple []json.RawMessage
		if err := json.Unmarshal(e, &tuple); err != nil || len(tuple) < 2 {
			continue
		}
		if !present(tuple[0]) || !present(tuple[1]) {
			continue
		}
		var price, shares decimal.Decimal
		if err := price.UnmarshalJSON(tuple[0]); err != nil || !price.IsInteger() {
			continue
		}
		if err := shares.UnmarshalJSON(tuple[1]); err != nil {
			continue
		}
		levels = append(levels, Level{Price: int(price.IntPart()), Shares: shares})
	}
	return levels
}

// TransformOrderBook derives a bilateral book from a bid-only feed. Each
// side keeps its own bids in feed order; its asks are the opposite side's
// bids at the complementary price. Both labels are always present.
func TransformOrderBook(raw RawBook, side1, side2 string) OrderBook {
	bids1 := copyLevels(raw[side1])
	bids2 := copyLevels(raw[side2])

	return OrderBook{
		side1: {Bids: bids1, Asks: complement(bids2)},
		side2: {Bids: bids2, Asks: complement(bids1)},
	}
}

func copyLevels(levels []Level) []Level {
	out := make([]Level, len(levels))
	copy(out, levels)
	return out
}

func complement(bids []Level) []Level {
	asks := make([]Level, len(bids))
	for i, b := range bids {
		asks[i] = Level{Price: MaxPrice - b.Price, Shares: b.Shares}
	}
	return asks
}

// BestPrices returns the highest bid and the lowest ask.
func BestPrices(bids, asks []Level) PriceSummary {
	return PriceSummary{
		BestBid: bestHigh(bids),
		BestAsk: bestLow(asks),
	}
}

// ComputeSpreads returns bestAsk-bestBid per side. Crossed books produce a
// negative value and are reported as-is.
func ComputeSpreads(ob OrderBook, side1, side2 string) Spreads {
	out := make(Spreads, 2)
	for _, label := range []string{side1, side2} {
		sb := ob[label]
		if len(sb.Bids) == 0 || len(sb.Asks) == 0 {
			out[label] = nil
			continue
		}
		spread := *bestLow(sb.Asks) - *bestHigh(sb.Bids)
		out[label] = &spread
	}
	return out
}

// ComputeMarketPrices applies BestPrices to each side independently.
func ComputeMarketPrices(ob OrderBook, side1, side2 string) MarketPrices {
	out := make(MarketPrices, 2)
	for _, label := range []string{side1, side2} {
		sb := ob[label]
		out[label] = BestPrices(sb.Bids, sb.Asks)
	}
	return out
}

// TransformStreamUpdate runs the full derivation for one payload.
func TransformStreamUpdate(raw RawBook, side1, side2 string) Snapshot {
	ob := TransformOrderBook(raw, side1, side2)
	return Snapshot{
		OrderBook:    ob,
		Spreads:      ComputeSpreads(ob, side1, side2),
		MarketPrices: ComputeMarketPrices(ob, side1, side2),
	}
}

// Empty returns the all-empty snapshot for the two labels.
func Empty(side1, side2 string) Snapshot {
	return TransformStreamUpdate(nil, side1, side2)
}

// DecodeResponse normalizes a REST order book body. The current format
// wraps the raw feed in "orderbook"; the legacy format already carries a
// derived "orderBook" and is passed through with missing pieces filled in.
// A body with neither wrapper yields the empty snapshot. Only a body that is
// not a JSON object is an error.
func DecodeResponse(body []byte, side1, side2 string) (Snapshot, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return Snapshot{}, fmt.Errorf("book: decode response: %w", err)
	}

	var snap Snapshot
	switch {
	case present(fields["orderbook"]):
		snap = TransformStreamUpdate(ParseRawBook(fields["orderbook"]), side1, side2)
	case present(fields["orderBook"]):
		snap = decodeLegacy(fields, side1, side2)
	default:
		snap = Empty(side1, side2)
	}

	if present(fields["marketInfo"]) {
		snap.MarketInfo = append(json.RawMessage{}, fields["marketInfo"]...)
	}
	return snap, nil
}

func decodeLegacy(fields map[string]json.RawMessage, side1, side2 string) Snapshot {
	var ob OrderBook
	if err := json.Unmarshal(fields["orderBook"], &ob); err != nil || ob == nil {
		ob = OrderBook{}
	}
	for _, label := range []string{side1, side2} {
		sb := ob[label]
		if sb.Bids == nil {
			sb.Bids = []Level{}
		}
		if sb.Asks == nil {
			sb.Asks = []Level{}
		}
		ob[label] = sb
	}

	snap := Snapshot{OrderBook: ob}
	spreads := ComputeSpreads(ob, side1, side2)
	prices := ComputeMarketPrices(ob, side1, side2)
	if err := json.Unmarshal(fields["spreads"], &snap.Spreads); err != nil || snap.Spreads == nil {
		snap.Spreads = spreads
	}
	if err := json.Unmarshal(fields["marketPrices"], &snap.MarketPrices); err != nil || snap.MarketPrices == nil {
		snap.MarketPrices = prices
	}

	// Sides the server left out are derived from the book.
	for _, label := range []string{side1, side2} {
		if _, ok := snap.Spreads[label]; !ok {
			snap.Spreads[label] = spreads[label]
		}
		if _, ok := snap.MarketPrices[label]; !ok {
			snap.MarketPrices[label] = prices[label]
		}
	}
	return snap
}

func present(v json.RawMessage) bool {
	return len(v) > 0 && !bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

// bestHigh returns the highest price from a set of bids.
func bestHigh(levels []Level) *int {
	if len(levels) == 0 {
		return nil
	}
	best := levels[0].Price
	for _, l := range levels[1:] {
		if l.Price > best {
			best = l.Price
		}
	}
	return &best
}

// bestLow returns the lowest price from a set of asks.
func bestLow(levels []Level) *int {
	if len(levels) == 0 {
		return nil
	}
	best := levels[0].Price
	for _, l := range levels[1:] {
		if l.Price < best {
			best = l.Price
		}
	}
	return &best
}
