/*
Package events provides the process-wide notification bus.

PURPOSE:
  Components never talk to each other through globals. The Runtime owns one
  Bus and hands it to the queue, the sync engine and the reconciler. Anything
  that wants to react (live balance, Kafka forwarding, the API) subscribes.

DELIVERY:
  Publish is synchronous and runs handlers in subscription order on the
  caller's goroutine. A panicking handler is logged and skipped; it never
  breaks the publisher or the remaining handlers.

TOPICS:
  queue.changed                  any add/update/remove on the queue store
  queue.flushed                  an item applied remotely and was removed
  queue.frozen                   an item exhausted its attempts
  ledger.changed                 ledger rows for owner+date changed
  ledger.chain_anchor_missing    day walk-back hit its lookback cap
  platform.connectivity          connectivity restored
  platform.foreground            app returned to foreground
*/
package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Topic names a class of event.
type Topic string

const (
	TopicQueueChanged       Topic = "queue.changed"
	TopicItemFlushed        Topic = "queue.flushed"
	TopicItemFrozen         Topic = "queue.frozen"
	TopicLedgerChanged      Topic = "ledger.changed"
	TopicChainAnchorMissing Topic = "ledger.chain_anchor_missing"
	TopicConnectivity       Topic = "platform.connectivity"
	TopicForeground         Topic = "platform.foreground"
)

// Event is the single envelope carried on the bus. Fields not relevant to a
// topic are left empty.
type Event struct {
	Topic    Topic     `json:"topic"`
	ItemID   string    `json:"item_id,omitempty"`
	Kind     string    `json:"kind,omitempty"`
	OwnerID  string    `json:"owner_id,omitempty"`
	Date     string    `json:"date,omitempty"`
	Attempts int       `json:"attempts,omitempty"`
	Message  string    `json:"message,omitempty"`
	Origin   string    `json:"origin,omitempty"`
	At       time.Time `json:"at"`
}

// Handler reacts to an event.
type Handler func(ctx context.Context, e Event)

type subscription struct {
	id      uint64
	topic   Topic // empty = all topics
	handler Handler
}

// Bus is an in-memory pub/sub hub.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	logger *zap.Logger
}

// NewBus creates an empty bus. A nil logger is replaced with a no-op logger.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{logger: logger.Named("bus")}
}

// Subscribe registers h for one topic and returns a function that removes it.
func (b *Bus) Subscribe(topic Topic, h Handler) func() {
	return b.add(topic, h)
}

// SubscribeAll registers h for every topic.
func (b *Bus) SubscribeAll(h Handler) func() {
	return b.add("", h)
}

func (b *Bus) add(topic Topic, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, topic: topic, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers e to every matching handler.
// A nil bus drops events.
func (b *Bus) Publish(ctx context.Context, e Event) {
	if b == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.mu.RLock()
	matching := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.topic == "" || s.topic == e.Topic {
			matching = append(matching, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range matching {
		b.dispatch(ctx, s.handler, e)
	}
}

func (b *Bus) dispatch(ctx context.Context, h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handler panicked",
				zap.String("topic", string(e.Topic)),
				zap.Any("panic", r),
			)
		}
	}()
	h(ctx, e)
}
