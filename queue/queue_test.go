package queue_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/fieldcash/cash"
	"github.com/warp/fieldcash/events"
	"github.com/warp/fieldcash/queue"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var now = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func newStore(t *testing.T, bus *events.Bus) (*queue.Store, *queue.MemoryPersister) {
	t.Helper()
	p := &queue.MemoryPersister{}
	seq := 0
	s := queue.NewStore(p, bus,
		queue.WithClock(cash.ClockFunc(func() time.Time { return now })),
		queue.WithIDGenerator(func() (string, error) {
			seq++
			return fmt.Sprintf("item-%d", seq), nil
		}),
	)
	return s, p
}

func payment(loanID string, amount int64) queue.PaymentPayload {
	return queue.PaymentPayload{
		LoanID:          loanID,
		OwnerID:         "agent-7",
		Amount:          decimal.NewFromInt(amount),
		OperationalDate: "2025-03-10",
		Timezone:        "UTC",
	}
}

// =============================================================================
// ENQUEUE
// =============================================================================

func TestEnqueue_AppendsPendingItemAndEmitsChange(t *testing.T) {
	bus := events.NewBus(nil)
	var changes []events.Event
	bus.Subscribe(events.TopicQueueChanged, func(_ context.Context, e events.Event) { changes = append(changes, e) })
	s, _ := newStore(t, bus)

	item, err := s.Enqueue(context.Background(), payment("loan-1", 30))

	require.NoError(t, err)
	assert.Equal(t, "item-1", item.ID)
	assert.Equal(t, queue.KindPayment, item.Kind)
	assert.Equal(t, queue.StatusPending, item.Status)
	assert.Equal(t, 0, item.Attempts)
	assert.Equal(t, now, item.CreatedAt)
	require.Len(t, changes, 1)
	assert.Equal(t, "item-1", changes[0].ItemID)
}

func TestEnqueue_RejectsDuplicateSubject(t *testing.T) {
	// GIVEN: a payment queued for loan-1
	ctx := context.Background()
	s, _ := newStore(t, nil)
	first, err := s.Enqueue(ctx, payment("loan-1", 30))
	require.NoError(t, err)

	// WHEN: a second payment for the same loan is enqueued
	_, err = s.Enqueue(ctx, payment("loan-1", 30))

	// THEN: DuplicateError naming the blocking item; nothing appended
	var dup *queue.DuplicateError
	require.ErrorAs(t, err, &dup)
	assert.ErrorIs(t, err, queue.ErrDuplicate)
	assert.Equal(t, first.ID, dup.ExistingID)
	assert.Equal(t, "loan:loan-1", dup.Subject)

	items, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 1)

	// a different loan and a movement are never blocked
	_, err = s.Enqueue(ctx, payment("loan-2", 30))
	require.NoError(t, err)
	mv := queue.MovementPayload{Subkind: cash.EntryInflow, OwnerID: "agent-7", Amount: decimal.NewFromInt(5), OperationalDate: "2025-03-10"}
	_, err = s.Enqueue(ctx, mv)
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, mv)
	require.NoError(t, err)
}

func TestEnqueue_ErrorItemStillBlocks(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t, nil)
	item, err := s.Enqueue(ctx, payment("loan-1", 30))
	require.NoError(t, err)

	item.Status = queue.StatusError
	item.Attempts = 8
	require.NoError(t, s.Update(ctx, item))

	_, err = s.Enqueue(ctx, payment("loan-1", 10))
	assert.ErrorIs(t, err, queue.ErrDuplicate)
}

func TestEnqueue_ClaimedItemDoesNotBlock(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t, nil)

	// GIVEN: a payment already claimed by a running batch
	first, err := s.Enqueue(ctx, payment("loan-1", 30))
	require.NoError(t, err)
	claimed, err := s.Claim(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusProcessing, claimed.Status)

	// WHEN: another payment for the same loan is queued
	second, err := s.Enqueue(ctx, payment("loan-1", 10))

	// THEN: it is accepted next to the in-flight one
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	items, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	// AND: a third is refused because the second is still pending
	_, err = s.Enqueue(ctx, payment("loan-1", 5))
	assert.ErrorIs(t, err, queue.ErrDuplicate)
}

func TestEnqueue_ValidatesShape(t *testing.T) {
	cases := []struct {
		name    string
		payload queue.Payload
		field   string
	}{
		{"missing loan", payment("", 10), "loanId"},
		{"negative amount", payment("loan-1", -5), "amount"},
		{"zero amount", payment("loan-1", 0), "amount"},
		{"bad date", queue.AbsencePayload{LoanID: "l", OwnerID: "o", OperationalDate: "2025/03/10"}, "operationalDate"},
		{"bad subkind", queue.MovementPayload{Subkind: cash.EntryOpen, OwnerID: "o", Amount: decimal.NewFromInt(1), OperationalDate: "2025-03-10"}, "subkind"},
		{"sale without installments", queue.SalePayload{
			ClientID: "c", OwnerID: "o", Principal: decimal.NewFromInt(100), InstallmentAmount: decimal.NewFromInt(10),
			StartDate: "2025-03-10", OperationalDate: "2025-03-10",
		}, "installmentCount"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, _ := newStore(t, nil)

			_, err := s.Enqueue(context.Background(), tc.payload)

			var verr *cash.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
			assert.True(t, cash.IsPermanent(err))
		})
	}
}

// =============================================================================
// PERSISTENCE
// =============================================================================

func TestPersistence_WireFormatRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, p := newStore(t, nil)
	item, err := s.Enqueue(ctx, payment("loan-1", 30))
	require.NoError(t, err)

	retryAt := now.Add(4 * time.Second)
	item.Status = queue.StatusError
	item.Attempts = 3
	item.LastError = "connection reset"
	item.NextRetryAt = &retryAt
	require.NoError(t, s.Update(ctx, item))

	raw, err := p.Load(ctx)
	require.NoError(t, err)
	encoded, err := queue.EncodeList(raw)
	require.NoError(t, err)

	var wire []map[string]any
	require.NoError(t, json.Unmarshal(encoded, &wire))
	require.Len(t, wire, 1)
	assert.Equal(t, float64(now.UnixMilli()), wire[0]["createdAtMs"])
	assert.Equal(t, float64(retryAt.UnixMilli()), wire[0]["nextRetryAt"])
	assert.Equal(t, "error", wire[0]["status"])
	assert.Equal(t, "connection reset", wire[0]["lastError"])

	// A fresh store over the same record sees the same item
	reopened := queue.NewStore(p, nil)
	got, err := reopened.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Attempts)
	require.NotNil(t, got.NextRetryAt)
	assert.True(t, got.NextRetryAt.Equal(retryAt))
	pp, ok := got.Payload.(queue.PaymentPayload)
	require.True(t, ok)
	assert.True(t, pp.Amount.Equal(decimal.NewFromInt(30)))
}

func TestDecodeList_UnknownKindKeptAsOther(t *testing.T) {
	record := []byte(`[{"id":"x","kind":"refund","payload":{"amount":"3"},"createdAtMs":0,"attempts":0,"status":"pending"}]`)

	items, err := queue.DecodeList(record)

	require.NoError(t, err)
	require.Len(t, items, 1)
	other, ok := items[0].Payload.(queue.OtherPayload)
	require.True(t, ok)
	assert.Equal(t, "refund", other.Type)
}

// =============================================================================
// BACKOFF / ELIGIBILITY
// =============================================================================

func TestBackoff_NonDecreasingAndCapped(t *testing.T) {
	p := queue.DefaultPolicy
	want := []time.Duration{1, 2, 4, 8, 16, 32, 60, 60}

	prev := time.Duration(0)
	for attempts := 1; attempts <= 8; attempts++ {
		d := p.Backoff(attempts)
		assert.Equal(t, want[attempts-1]*time.Second, d, "attempt %d", attempts)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, 60*time.Second)
		prev = d
	}
	assert.Equal(t, 60*time.Second, p.Backoff(50))
	assert.False(t, p.Exhausted(7))
	assert.True(t, p.Exhausted(8))
}

func TestItemEligible(t *testing.T) {
	past := now.Add(-time.Second)
	future := now.Add(time.Minute)
	longAgo := now.Add(-time.Hour)
	recent := now.Add(-time.Minute)

	cases := []struct {
		name string
		item queue.Item
		want bool
	}{
		{"pending", queue.Item{Status: queue.StatusPending}, true},
		{"error due", queue.Item{Status: queue.StatusError, Attempts: 2, NextRetryAt: &past}, true},
		{"error waiting", queue.Item{Status: queue.StatusError, Attempts: 2, NextRetryAt: &future}, false},
		{"frozen", queue.Item{Status: queue.StatusError, Attempts: 8}, false},
		{"stale processing", queue.Item{Status: queue.StatusProcessing, ProcessingSince: &longAgo}, true},
		{"fresh processing", queue.Item{Status: queue.StatusProcessing, ProcessingSince: &recent}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.item.Eligible(now, 8, 10*time.Minute))
		})
	}
}

// =============================================================================
// MANUAL CONTROLS / RECOVERY
// =============================================================================

func TestRetry_ResetsFrozenItem(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t, nil)
	item, err := s.Enqueue(ctx, payment("loan-1", 30))
	require.NoError(t, err)
	item.Status = queue.StatusError
	item.Attempts = 8
	item.LastError = "boom"
	require.NoError(t, s.Update(ctx, item))

	got, err := s.Retry(ctx, item.ID)

	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Empty(t, got.LastError)
	assert.Nil(t, got.NextRetryAt)
}

func TestDelete_RemovesItemButNotWhileProcessing(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t, nil)
	a, err := s.Enqueue(ctx, payment("loan-1", 30))
	require.NoError(t, err)
	b, err := s.Enqueue(ctx, payment("loan-2", 30))
	require.NoError(t, err)

	_, err = s.Claim(ctx, b.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, s.Delete(ctx, b.ID), queue.ErrItemBusy)

	require.NoError(t, s.Delete(ctx, a.ID))
	assert.ErrorIs(t, s.Delete(ctx, a.ID), queue.ErrItemNotFound)

	items, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, b.ID, items[0].ID)
}

func TestRecoverProcessing(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t, nil)
	a, err := s.Enqueue(ctx, payment("loan-1", 30))
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, payment("loan-2", 30))
	require.NoError(t, err)

	claimed, err := s.ClaimEligible(ctx, 1, queue.DefaultPolicy, 0)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, a.ID, claimed[0].ID)

	n, err := s.RecoverProcessing(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, got.Status)
	assert.Nil(t, got.ProcessingSince)
}
