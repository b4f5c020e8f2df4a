/*
Package queue is the offline mutation queue (outbox).

PURPOSE:
  Every financial intent captured on the device becomes a queue Item before
  anything touches the remote store. The sync engine drains the queue; an
  item is removed on success, never marked "done".

ITEM LIFECYCLE:
  enqueue ──► pending ──► processing ──┬─► (removed)           success
                  ▲                    ├─► error + nextRetryAt transient failure
                  └──── retry ◄────────┴─► error, frozen       attempts exhausted
                                                               or permanent failure

PERSISTENCE:
  The whole list lives in one device record and is rewritten on every
  change (read-modify-write under one mutex). Retry timers are stored as
  wall-clock milliseconds so they survive restarts.

SEE ALSO:
  - payload.go: closed payload sum type
  - store.go: Store operations
  - syncer: the engine that drains the queue
*/
package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the state of a queued item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusError      Status = "error"
)

// Item is one queued intent.
type Item struct {
	ID        string
	Kind      Kind
	Payload   Payload
	CreatedAt time.Time
	Attempts  int
	Status    Status
	LastError string

	// NextRetryAt is nil when the item is pending or frozen.
	NextRetryAt *time.Time

	// ProcessingSince is set while Status is processing.
	ProcessingSince *time.Time
}

// blocksDuplicate reports whether a same-subject enqueue is refused while
// this item exists. Claimed items are on their way to the remote.
func (it Item) blocksDuplicate() bool {
	return it.Status == StatusPending || it.Status == StatusError
}

// Frozen reports whether the item will no longer be retried automatically.
func (it Item) Frozen() bool {
	return it.Status == StatusError && it.NextRetryAt == nil
}

// Eligible reports whether the engine may pick the item at now. Processing
// items become eligible again once older than staleAfter (zero disables).
func (it Item) Eligible(now time.Time, maxAttempts int, staleAfter time.Duration) bool {
	switch it.Status {
	case StatusPending:
		return true
	case StatusError:
		if it.Attempts >= maxAttempts || it.NextRetryAt == nil {
			return false
		}
		return !now.Before(*it.NextRetryAt)
	case StatusProcessing:
		if staleAfter <= 0 || it.ProcessingSince == nil {
			return false
		}
		return now.Sub(*it.ProcessingSince) >= staleAfter
	}
	return false
}

// =============================================================================
// WIRE FORMAT
// =============================================================================

type wireItem struct {
	ID                string          `json:"id"`
	Kind              Kind            `json:"kind"`
	Payload           json.RawMessage `json:"payload"`
	CreatedAtMs       int64           `json:"createdAtMs"`
	Attempts          int             `json:"attempts"`
	Status            Status          `json:"status"`
	LastError         string          `json:"lastError,omitempty"`
	NextRetryAt       *int64          `json:"nextRetryAt,omitempty"`
	ProcessingSinceMs *int64          `json:"processingSinceMs,omitempty"`
}

func (it Item) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(it.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload of %s: %w", it.ID, err)
	}
	return json.Marshal(wireItem{
		ID:                it.ID,
		Kind:              it.Kind,
		Payload:           payload,
		CreatedAtMs:       it.CreatedAt.UnixMilli(),
		Attempts:          it.Attempts,
		Status:            it.Status,
		LastError:         it.LastError,
		NextRetryAt:       toMillis(it.NextRetryAt),
		ProcessingSinceMs: toMillis(it.ProcessingSince),
	})
}

func (it *Item) UnmarshalJSON(data []byte) error {
	var w wireItem
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	payload, err := DecodePayload(w.Kind, w.Payload)
	if err != nil {
		// keep the item visible; the applier freezes it
		payload = OtherPayload{Type: string(w.Kind), Data: w.Payload}
	}
	*it = Item{
		ID:              w.ID,
		Kind:            w.Kind,
		Payload:         payload,
		CreatedAt:       time.UnixMilli(w.CreatedAtMs),
		Attempts:        w.Attempts,
		Status:          w.Status,
		LastError:       w.LastError,
		NextRetryAt:     fromMillis(w.NextRetryAt),
		ProcessingSince: fromMillis(w.ProcessingSinceMs),
	}
	return nil
}

// EncodeList serializes the queue record.
func EncodeList(items []Item) ([]byte, error) {
	if items == nil {
		items = []Item{}
	}
	return json.Marshal(items)
}

// DecodeList parses a queue record. Empty input is an empty queue.
func DecodeList(data []byte) ([]Item, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var items []Item
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decode queue record: %w", err)
	}
	return items, nil
}

func toMillis(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func fromMillis(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms)
	return &t
}
