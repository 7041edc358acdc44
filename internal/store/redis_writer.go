package store

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/soundbet/bookstream/internal/events"
	"github.com/soundbet/bookstream/internal/stream"
)

// RedisClient abstracts the Redis operations used by Writer.
// In production this is satisfied by *Redis; in tests by a mock.
type RedisClient interface {
	HSet(ctx context.Context, key string, values ...any) error
}

// sideRecord is the last-written summary for one side, kept to skip
// duplicate writes.
type sideRecord struct {
	Bid, Ask, Spread string
}

// Writer persists the best prices and spread of every displayed side into
// Redis using the schema:
//
//	Key:    book:{market_id}:{side}
//	Fields: bid, ask, spread, ts
//
// Missing values are written as empty strings. Writes are buffered and
// flushed by a dedicated goroutine so the bus is never blocked.
type Writer struct {
	client RedisClient
	feed   <-chan events.Event
	buf    chan stream.State
	log    logrus.FieldLogger

	mu   sync.Mutex
	last map[string]sideRecord // keyed by Redis key
}

// NewWriter creates a Writer reading session state events from feed.
func NewWriter(client RedisClient, feed <-chan events.Event, log logrus.FieldLogger) *Writer {
	return &Writer{
		client: client,
		feed:   feed,
		buf:    make(chan stream.State, 1024),
		log:    log,
		last:   make(map[string]sideRecord),
	}
}

// Run drains the feed and flushes to Redis until ctx is cancelled.
func (w *Writer) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.feed:
				if !ok {
					return
				}
				st, ok := ev.Payload.(stream.State)
				if !ok || !st.HasBook {
					continue
				}
				select {
				case w.buf <- st:
				default:
					w.log.WithField("market_id", st.MarketID).Warn("store: buffer full, dropping state")
				}
			}
		}
	}()

	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case st := <-w.buf:
				w.write(ctx, st)
			}
		}
	}()

	wg.Wait()
}

func (w *Writer) write(ctx context.Context, st stream.State) {
	ts := strconv.FormatInt(st.LastUpdate.UnixMilli(), 10)

	for _, side := range []string{st.Side1, st.Side2} {
		prices := st.Snapshot.MarketPrices[side]
		rec := sideRecord{
			Bid:    formatPrice(prices.BestBid),
			Ask:    formatPrice(prices.BestAsk),
			Spread: formatPrice(st.Snapshot.Spreads[side]),
		}
		key := Key(st.MarketID, side)

		w.mu.Lock()
		prev, exists := w.last[key]
		if exists && prev == rec {
			w.mu.Unlock()
			continue
		}
		w.last[key] = rec
		w.mu.Unlock()

		err := w.client.HSet(ctx, key, "bid", rec.Bid, "ask", rec.Ask, "spread", rec.Spread, "ts", ts)
		if err != nil {
			w.log.WithError(err).WithField("key", key).Warn("store: hset failed")
			// Forget it so the next update retries.
			w.mu.Lock()
			delete(w.last, key)
			w.mu.Unlock()
		}
	}
}

// Key returns the Redis hash key for one side of a market.
func Key(marketID, side string) string {
	return fmt.Sprintf("book:%s:%s", marketID, side)
}

func formatPrice(p *int) string {
	if p == nil {
		return ""
	}
	return strconv.Itoa(*p)
}

