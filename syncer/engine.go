/*
Package syncer drains the offline queue into the remote store.

PURPOSE:
  The Engine picks eligible queue items, applies them one at a time and
  records the outcome on the item. The Scheduler decides when the Engine
  runs.

STATE MACHINE (per item):
  pending ─► processing ─┬─► removed                  success
                         ├─► error, nextRetryAt set   transient failure
                         └─► error, frozen            attempts >= max, or permanent

ORDERING:
  Items are applied sequentially in queue order. Concurrency would let two
  payments against the same loan race on its balance.

SEE ALSO:
  - apply.go: per-kind appliers
  - scheduler.go: debounce + safety pulse
  - queue: item model and backoff policy
*/
package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/fieldcash/cash"
	"github.com/warp/fieldcash/events"
	"github.com/warp/fieldcash/queue"
)

// DefaultStaleProcessing is how long a processing item may sit before it
// becomes eligible again.
const DefaultStaleProcessing = 10 * time.Minute

// ItemApplier applies one queue item remotely.
type ItemApplier interface {
	Apply(ctx context.Context, item queue.Item) (Outcome, error)
}

// BatchResult summarizes one ProcessBatch run.
type BatchResult struct {
	Attempted int `json:"attempted"`
	Flushed   int `json:"flushed"`
	Failed    int `json:"failed"`
	Frozen    int `json:"frozen"`
}

// Engine owns the per-item state machine.
type Engine struct {
	Queue           *queue.Store
	Applier         ItemApplier
	Bus             *events.Bus
	Clock           cash.Clock
	Policy          queue.Policy
	StaleProcessing time.Duration
	Logger          *zap.Logger

	// run serializes batches so appliers never overlap.
	run sync.Mutex
}

func NewEngine(q *queue.Store, applier ItemApplier, bus *events.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		Queue:           q,
		Applier:         applier,
		Bus:             bus,
		Clock:           cash.SystemClock{},
		Policy:          queue.DefaultPolicy,
		StaleProcessing: DefaultStaleProcessing,
		Logger:          logger.Named("engine"),
	}
}

// ProcessBatch applies up to maxItems eligible items (all when maxItems <= 0).
func (e *Engine) ProcessBatch(ctx context.Context, maxItems int) (BatchResult, error) {
	e.run.Lock()
	defer e.run.Unlock()

	var res BatchResult
	items, err := e.Queue.ClaimEligible(ctx, maxItems, e.Policy, e.StaleProcessing)
	if err != nil {
		return res, err
	}

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			// release what we claimed but did not attempt
			e.release(context.WithoutCancel(ctx), item)
			continue
		}
		res.Attempted++
		switch e.processClaimed(ctx, item) {
		case resultFlushed:
			res.Flushed++
		case resultFrozen:
			res.Frozen++
			res.Failed++
		case resultFailed:
			res.Failed++
		}
	}

	if res.Attempted > 0 {
		e.Logger.Info("batch processed",
			zap.Int("attempted", res.Attempted),
			zap.Int("flushed", res.Flushed),
			zap.Int("failed", res.Failed),
			zap.Int("frozen", res.Frozen),
		)
	}
	return res, ctx.Err()
}

// ProcessOne applies a single item now, ignoring its retry timer. Frozen
// items must be reset with queue.Store.Retry first.
func (e *Engine) ProcessOne(ctx context.Context, id string) (queue.Item, error) {
	e.run.Lock()
	defer e.run.Unlock()

	current, err := e.Queue.Get(ctx, id)
	if err != nil {
		return queue.Item{}, err
	}
	if current.Status == queue.StatusError && e.Policy.Exhausted(current.Attempts) {
		return current, nil
	}

	item, err := e.Queue.Claim(ctx, id)
	if err != nil {
		return queue.Item{}, err
	}

	if e.processClaimed(ctx, item) == resultFlushed {
		return queue.Item{}, nil
	}
	return e.Queue.Get(ctx, id)
}

type itemResult int

const (
	resultFlushed itemResult = iota
	resultFailed
	resultFrozen
)

func (e *Engine) processClaimed(ctx context.Context, item queue.Item) itemResult {
	log := e.Logger.With(
		zap.String("item_id", item.ID),
		zap.String("kind", string(item.Kind)),
	)

	out, applyErr := e.Applier.Apply(ctx, item)
	if applyErr == nil {
		if err := e.Queue.Remove(ctx, item.ID); err != nil {
			// The remote write is done; the next run replays it as a no-op.
			log.Error("applied item not removed", zap.Error(err))
			return resultFailed
		}
		log.Info("item flushed",
			zap.String("remote_id", out.RemoteID),
			zap.Bool("replayed", out.Replayed),
		)
		e.Bus.Publish(ctx, events.Event{
			Topic:    events.TopicItemFlushed,
			ItemID:   item.ID,
			Kind:     string(item.Kind),
			OwnerID:  string(out.OwnerID),
			Date:     string(out.Date),
			Attempts: item.Attempts + 1,
		})
		return resultFlushed
	}

	item.Attempts++
	item.LastError = applyErr.Error()
	item.Status = queue.StatusError
	item.ProcessingSince = nil

	frozen := cash.IsPermanent(applyErr) || e.Policy.Exhausted(item.Attempts)
	if frozen {
		if item.Attempts < e.Policy.MaxAttempts {
			item.Attempts = e.Policy.MaxAttempts
		}
		item.NextRetryAt = nil
	} else {
		next := e.Clock.Now().Add(e.Policy.Backoff(item.Attempts))
		item.NextRetryAt = &next
	}

	if err := e.Queue.Update(ctx, item); err != nil {
		log.Error("failed item not updated", zap.Error(err))
		return resultFailed
	}

	if frozen {
		log.Warn("item frozen",
			zap.Int("attempts", item.Attempts),
			zap.Bool("permanent", cash.IsPermanent(applyErr)),
			zap.Error(applyErr),
		)
		e.Bus.Publish(ctx, events.Event{
			Topic:    events.TopicItemFrozen,
			ItemID:   item.ID,
			Kind:     string(item.Kind),
			Attempts: item.Attempts,
			Message:  item.LastError,
		})
		return resultFrozen
	}

	log.Info("item apply failed, will retry",
		zap.Int("attempts", item.Attempts),
		zap.Time("next_retry_at", *item.NextRetryAt),
		zap.Bool("conflict", errors.Is(applyErr, cash.ErrConcurrentModification)),
		zap.Error(applyErr),
	)
	return resultFailed
}

func (e *Engine) release(ctx context.Context, item queue.Item) {
	item.Status = queue.StatusPending
	item.ProcessingSince = nil
	if item.Attempts > 0 {
		item.Status = queue.StatusError
		next := e.Clock.Now()
		item.NextRetryAt = &next
	}
	if err := e.Queue.Update(ctx, item); err != nil {
		e.Logger.Warn("claimed item not released", zap.String("item_id", item.ID), zap.Error(err))
	}
}
