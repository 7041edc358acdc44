package events

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Topic names a class of notification on the Bus.
type Topic string

const (
	// TopicSessionState carries a stream.State after every transition.
	TopicSessionState Topic = "session.state"
	// TopicTradeSuccess carries a TradeSuccess after an order fills.
	TopicTradeSuccess Topic = "trade.success"
	// TopicMarketSelected carries a MarketSelected when the viewed market changes.
	TopicMarketSelected Topic = "market.selected"
)

// Event is a single notification. Payload's concrete type is fixed per topic.
type Event struct {
	Topic    Topic
	MarketID string
	Payload  any
	At       time.Time
}

// TradeSuccess is the payload of TopicTradeSuccess.
type TradeSuccess struct {
	MarketID string `json:"marketId"`
	Side     string `json:"side,omitempty"`
}

// MarketSelected is the payload of TopicMarketSelected.
type MarketSelected struct {
	MarketID string `json:"marketId"`
	Side1    string `json:"side1"`
	Side2    string `json:"side2"`
}

// Bus is an in-process publish/subscribe hub with typed topics. Publishers
// and subscribers only share the Bus value they were handed; there is no
// package-level dispatch.
type Bus struct {
	log logrus.FieldLogger

	mu     sync.RWMutex
	subs   map[Topic][]chan Event
	closed bool
}

// NewBus creates an empty Bus.
func NewBus(log logrus.FieldLogger) *Bus {
	return &Bus{
		log:  log,
		subs: make(map[Topic][]chan Event),
	}
}

// Subscribe returns a buffered channel receiving events for the given
// topics. The caller must drain it; a full channel drops events rather than
// blocking publishers.
func (b *Bus) Subscribe(topics ...Topic) <-chan Event {
	ch := make(chan Event, 256)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	for _, t := range topics {
		b.subs[t] = append(b.subs[t], ch)
	}
	return ch
}

// Publish delivers ev to every subscriber of its topic without blocking.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs[ev.Topic] {
		select {
		case ch <- ev:
		default:
			b.log.WithFields(logrus.Fields{
				"topic":     ev.Topic,
				"market_id": ev.MarketID,
			}).Warn("bus: dropping event for slow subscriber")
		}
	}
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	seen := make(map[chan Event]bool)
	for _, chans := range b.subs {
		for _, ch := range chans {
			if !seen[ch] {
				seen[ch] = true
				close(ch)
			}
		}
	}
	b.subs = nil
}
