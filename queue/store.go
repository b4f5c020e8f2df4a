package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/fieldcash/cash"
	"github.com/warp/fieldcash/events"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrDuplicate is returned when an item of the same kind already targets
	// the same subject.
	ErrDuplicate = errors.New("duplicate queue item")

	// ErrItemNotFound is returned for unknown item ids.
	ErrItemNotFound = errors.New("queue item not found")

	// ErrItemBusy is returned when a manual action targets an item the
	// engine is currently applying.
	ErrItemBusy = errors.New("queue item is being processed")
)

// DuplicateError names the item that blocks an enqueue.
type DuplicateError struct {
	Kind       Kind
	Subject    string
	ExistingID string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%s for %s already queued as %s", e.Kind, e.Subject, e.ExistingID)
}

func (e *DuplicateError) Unwrap() error {
	return ErrDuplicate
}

// =============================================================================
// PERSISTER
// =============================================================================

// Persister loads and saves the whole queue record.
type Persister interface {
	Load(ctx context.Context) ([]Item, error)
	Save(ctx context.Context, items []Item) error
}

// MemoryPersister keeps the encoded record in memory. It round-trips through
// the wire format so tests see exactly what a device would store.
type MemoryPersister struct {
	mu     sync.Mutex
	record []byte
}

func (p *MemoryPersister) Load(_ context.Context) ([]Item, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return DecodeList(p.record)
}

func (p *MemoryPersister) Save(_ context.Context, items []Item) error {
	data, err := EncodeList(items)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record = data
	return nil
}

// =============================================================================
// STORE
// =============================================================================

// Store is the queue's single writer.
type Store struct {
	mu        sync.Mutex
	persister Persister
	bus       *events.Bus
	clock     cash.Clock
	logger    *zap.Logger
	newID     func() (string, error)
}

// Option configures a Store.
type Option func(*Store)

func WithClock(c cash.Clock) Option { return func(s *Store) { s.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(s *Store) { s.logger = l.Named("queue") } }

// WithIDGenerator replaces UUIDv7 ids, for tests.
func WithIDGenerator(f func() (string, error)) Option { return func(s *Store) { s.newID = f } }

func NewStore(p Persister, bus *events.Bus, opts ...Option) *Store {
	s := &Store{
		persister: p,
		bus:       bus,
		clock:     cash.SystemClock{},
		logger:    zap.NewNop(),
		newID: func() (string, error) {
			id, err := uuid.NewV7()
			if err != nil {
				return "", err
			}
			return id.String(), nil
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue validates payload and appends a new pending item.
func (s *Store) Enqueue(ctx context.Context, payload Payload) (Item, error) {
	if err := Validate(payload); err != nil {
		return Item{}, err
	}

	id, err := s.newID()
	if err != nil {
		return Item{}, fmt.Errorf("generate item id: %w", err)
	}
	item := Item{
		ID:        id,
		Kind:      payload.Kind(),
		Payload:   payload,
		CreatedAt: s.clock.Now(),
		Status:    StatusPending,
	}

	err = s.mutate(ctx, func(items []Item) ([]Item, error) {
		if subject := payload.Subject(); subject != "" {
			for _, existing := range items {
				if !existing.blocksDuplicate() {
					continue
				}
				if existing.Kind == item.Kind && existing.Payload != nil && existing.Payload.Subject() == subject {
					return nil, &DuplicateError{Kind: item.Kind, Subject: subject, ExistingID: existing.ID}
				}
			}
		}
		return append(items, item), nil
	})
	if err != nil {
		return Item{}, err
	}

	s.logger.Info("item enqueued",
		zap.String("id", item.ID),
		zap.String("kind", string(item.Kind)),
	)
	s.publish(ctx, item, "enqueued")
	return item, nil
}

// List returns all items in insertion order.
func (s *Store) List(ctx context.Context) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persister.Load(ctx)
}

// Get returns one item.
func (s *Store) Get(ctx context.Context, id string) (Item, error) {
	items, err := s.List(ctx)
	if err != nil {
		return Item{}, err
	}
	for _, it := range items {
		if it.ID == id {
			return it, nil
		}
	}
	return Item{}, fmt.Errorf("%w: %s", ErrItemNotFound, id)
}

// Update replaces the stored item with the same id.
func (s *Store) Update(ctx context.Context, item Item) error {
	err := s.mutate(ctx, func(items []Item) ([]Item, error) {
		i := indexOf(items, item.ID)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrItemNotFound, item.ID)
		}
		items[i] = item
		return items, nil
	})
	if err != nil {
		return err
	}
	s.publish(ctx, item, "updated")
	return nil
}

// Remove deletes an item after a successful apply.
func (s *Store) Remove(ctx context.Context, id string) error {
	var removed Item
	err := s.mutate(ctx, func(items []Item) ([]Item, error) {
		i := indexOf(items, id)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrItemNotFound, id)
		}
		removed = items[i]
		return append(items[:i], items[i+1:]...), nil
	})
	if err != nil {
		return err
	}
	s.publish(ctx, removed, "removed")
	return nil
}

// Retry resets a failed item so the engine picks it up immediately.
func (s *Store) Retry(ctx context.Context, id string) (Item, error) {
	var reset Item
	err := s.mutate(ctx, func(items []Item) ([]Item, error) {
		i := indexOf(items, id)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrItemNotFound, id)
		}
		if items[i].Status == StatusProcessing {
			return nil, fmt.Errorf("%w: %s", ErrItemBusy, id)
		}
		items[i].Attempts = 0
		items[i].Status = StatusPending
		items[i].NextRetryAt = nil
		items[i].LastError = ""
		reset = items[i]
		return items, nil
	})
	if err != nil {
		return Item{}, err
	}
	s.logger.Info("item reset for retry", zap.String("id", id))
	s.publish(ctx, reset, "retry")
	return reset, nil
}

// Delete discards an item on user request.
func (s *Store) Delete(ctx context.Context, id string) error {
	var deleted Item
	err := s.mutate(ctx, func(items []Item) ([]Item, error) {
		i := indexOf(items, id)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrItemNotFound, id)
		}
		if items[i].Status == StatusProcessing {
			return nil, fmt.Errorf("%w: %s", ErrItemBusy, id)
		}
		deleted = items[i]
		return append(items[:i], items[i+1:]...), nil
	})
	if err != nil {
		return err
	}
	s.logger.Warn("item deleted by user",
		zap.String("id", id),
		zap.String("kind", string(deleted.Kind)),
		zap.Int("attempts", deleted.Attempts),
	)
	s.publish(ctx, deleted, "deleted")
	return nil
}

// RecoverProcessing returns items stuck in processing to pending. Called once
// at startup, when no apply can be in flight.
func (s *Store) RecoverProcessing(ctx context.Context) (int, error) {
	recovered := 0
	err := s.mutate(ctx, func(items []Item) ([]Item, error) {
		for i := range items {
			if items[i].Status == StatusProcessing {
				items[i].Status = StatusPending
				items[i].ProcessingSince = nil
				recovered++
			}
		}
		return items, nil
	})
	if err != nil {
		return 0, err
	}
	if recovered > 0 {
		s.logger.Info("recovered interrupted items", zap.Int("count", recovered))
		s.bus.Publish(ctx, events.Event{Topic: events.TopicQueueChanged, Message: "recovered"})
	}
	return recovered, nil
}

// ClaimEligible marks up to limit eligible items as processing and returns
// them in queue order.
func (s *Store) ClaimEligible(ctx context.Context, limit int, policy Policy, staleAfter time.Duration) ([]Item, error) {
	now := s.clock.Now()
	var claimed []Item
	err := s.mutate(ctx, func(items []Item) ([]Item, error) {
		for i := range items {
			if limit > 0 && len(claimed) >= limit {
				break
			}
			if !items[i].Eligible(now, policy.MaxAttempts, staleAfter) {
				continue
			}
			items[i].Status = StatusProcessing
			items[i].ProcessingSince = &now
			claimed = append(claimed, items[i])
		}
		return items, nil
	})
	if err != nil {
		return nil, err
	}
	if len(claimed) > 0 {
		s.bus.Publish(ctx, events.Event{Topic: events.TopicQueueChanged, Message: "claimed"})
	}
	return claimed, nil
}

// Claim marks a single item as processing regardless of its retry timer.
// Frozen items must be reset with Retry first.
func (s *Store) Claim(ctx context.Context, id string) (Item, error) {
	now := s.clock.Now()
	var claimed Item
	err := s.mutate(ctx, func(items []Item) ([]Item, error) {
		i := indexOf(items, id)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrItemNotFound, id)
		}
		if items[i].Status == StatusProcessing {
			return nil, fmt.Errorf("%w: %s", ErrItemBusy, id)
		}
		items[i].Status = StatusProcessing
		items[i].ProcessingSince = &now
		claimed = items[i]
		return items, nil
	})
	if err != nil {
		return Item{}, err
	}
	s.publish(ctx, claimed, "claimed")
	return claimed, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// mutate is the single read-modify-write path.
func (s *Store) mutate(ctx context.Context, fn func([]Item) ([]Item, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := s.persister.Load(ctx)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	next, err := fn(items)
	if err != nil {
		return err
	}
	if err := s.persister.Save(ctx, next); err != nil {
		return fmt.Errorf("save queue: %w", err)
	}
	return nil
}

func (s *Store) publish(ctx context.Context, it Item, what string) {
	s.bus.Publish(ctx, events.Event{
		Topic:    events.TopicQueueChanged,
		ItemID:   it.ID,
		Kind:     string(it.Kind),
		Attempts: it.Attempts,
		Message:  what,
	})
}

func indexOf(items []Item, id string) int {
	for i := range items {
		if items[i].ID == id {
			return i
		}
	}
	return -1
}
