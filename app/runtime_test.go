package app_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/fieldcash/app"
	"github.com/warp/fieldcash/audit"
	"github.com/warp/fieldcash/cash"
	"github.com/warp/fieldcash/cash/store"
	"github.com/warp/fieldcash/queue"
)

const (
	owner   cash.OwnerID = "agent-7"
	timeout              = 2 * time.Second
	tick                 = 5 * time.Millisecond
)

var (
	today     = cash.MustDate("2025-03-10")
	yesterday = cash.MustDate("2025-03-09")
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

type fixture struct {
	rt     *app.Runtime
	remote *store.Memory
	clock  *testClock
	audit  *audit.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		remote: store.NewMemory(),
		clock:  &testClock{t: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)},
		audit:  &audit.Recorder{},
	}
	f.rt = app.Assemble(app.Deps{
		Session:     cash.Session{OwnerID: owner, TenantID: "acme"},
		DeviceID:    "device-a",
		Timezone:    "UTC",
		Remote:      f.remote,
		CashState:   f.remote,
		QueueRecord: &queue.MemoryPersister{},
		Audit:       f.audit,
		Clock:       f.clock,
		Debounce:    10 * time.Millisecond,
		// keep the pulse out of the way; tests call CheckDateBoundary directly
		PulseInterval: time.Hour,
	})
	t.Cleanup(func() { _ = f.rt.Stop() })
	return f
}

func (f *fixture) put(t *testing.T, e cash.LedgerEntry) {
	t.Helper()
	if e.OwnerID == "" {
		e.OwnerID = owner
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = e.OperationalDate.Time().Add(8 * time.Hour)
	}
	_, err := f.remote.PutEntryIfAbsent(context.Background(), e)
	require.NoError(t, err)
}

func (f *fixture) entry(t *testing.T, id string) *cash.LedgerEntry {
	t.Helper()
	e, err := f.remote.GetEntry(context.Background(), id)
	require.NoError(t, err)
	return e
}

func TestStart_ClosesYesterdayAndOpensToday(t *testing.T) {
	f := newFixture(t)

	// GIVEN: yesterday was opened and had activity but never closed
	f.put(t, cash.LedgerEntry{ID: "y-open", Type: cash.EntryOpen, Amount: dec(100), OperationalDate: yesterday})
	f.put(t, cash.LedgerEntry{ID: "y-in", Type: cash.EntryInflow, Amount: dec(20), OperationalDate: yesterday})

	// WHEN
	require.NoError(t, f.rt.Start(context.Background()))

	// THEN: yesterday closes at 120 and today opens from it
	closeEntry := f.entry(t, cash.DayEntryID(cash.PrefixClose, owner, yesterday))
	require.NotNil(t, closeEntry)
	assert.True(t, dec(120).Equal(closeEntry.Amount))

	openEntry := f.entry(t, cash.DayEntryID(cash.PrefixOpen, owner, today))
	require.NotNil(t, openEntry)
	assert.True(t, dec(120).Equal(openEntry.Amount))

	state, err := f.remote.GetCashState(context.Background(), owner)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, yesterday, state.LastCloseDate)
}

func TestStart_RecoversAndFlushesInterruptedItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.remote.CreateLoanIfAbsent(ctx, cash.Loan{
		ID:                 "loan-1",
		OwnerID:            owner,
		ClientID:           "client-1",
		Principal:          dec(500),
		OutstandingBalance: dec(500),
		InstallmentAmount:  dec(50),
		InstallmentCount:   10,
		StartDate:          yesterday,
	})
	require.NoError(t, err)

	// GIVEN: an item left in processing by a previous crash
	item, err := f.rt.Queue.Enqueue(ctx, queue.PaymentPayload{
		LoanID:          "loan-1",
		OwnerID:         owner,
		Amount:          dec(50),
		OperationalDate: today,
	})
	require.NoError(t, err)
	_, err = f.rt.Queue.Claim(ctx, item.ID)
	require.NoError(t, err)

	// WHEN
	require.NoError(t, f.rt.Start(ctx))

	// THEN: the first scheduled flush applies it
	require.Eventually(t, func() bool {
		items, err := f.rt.Queue.List(ctx)
		return err == nil && len(items) == 0
	}, timeout, tick)

	loan, err := f.remote.GetLoan(ctx, "loan-1")
	require.NoError(t, err)
	assert.True(t, dec(450).Equal(loan.OutstandingBalance))
	assert.NotNil(t, f.entry(t, cash.PaymentID(item.ID)))
}

func TestCheckDateBoundary_RollsWhenDateMoves(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.rt.Start(ctx))

	// same day: nothing to do
	moved, err := f.rt.CheckDateBoundary(ctx)
	require.NoError(t, err)
	assert.False(t, moved)

	// GIVEN: activity today, then midnight passes
	f.put(t, cash.LedgerEntry{ID: "t-in", Type: cash.EntryInflow, Amount: dec(40), OperationalDate: today})
	f.clock.Advance(16 * time.Hour)

	// WHEN
	moved, err = f.rt.CheckDateBoundary(ctx)

	// THEN: today is closed and tomorrow opens from it
	require.NoError(t, err)
	assert.True(t, moved)

	tomorrow := today.AddDays(1)
	closeEntry := f.entry(t, cash.DayEntryID(cash.PrefixClose, owner, today))
	require.NotNil(t, closeEntry)
	assert.True(t, dec(40).Equal(closeEntry.Amount))

	openEntry := f.entry(t, cash.DayEntryID(cash.PrefixOpen, owner, tomorrow))
	require.NotNil(t, openEntry)
	assert.True(t, dec(40).Equal(openEntry.Amount))
}

func (f *fixture) seedLoan(t *testing.T, id string, balance int64) {
	t.Helper()
	_, err := f.remote.CreateLoanIfAbsent(context.Background(), cash.Loan{
		ID:                 id,
		OwnerID:            owner,
		ClientID:           "client-1",
		Principal:          dec(balance),
		OutstandingBalance: dec(balance),
		InstallmentAmount:  dec(50),
		InstallmentCount:   10,
		StartDate:          yesterday,
	})
	require.NoError(t, err)
}

func TestCheckDateBoundary_AppliesQueuedItemsBeforeClosing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedLoan(t, "loan-1", 500)

	// GIVEN: today is open with an inflow and a payment still queued for today
	_, err := f.rt.Rollover(ctx)
	require.NoError(t, err)
	f.put(t, cash.LedgerEntry{ID: "t-in", Type: cash.EntryInflow, Amount: dec(100), OperationalDate: today})
	item, err := f.rt.Queue.Enqueue(ctx, queue.PaymentPayload{
		LoanID:          "loan-1",
		OwnerID:         owner,
		Amount:          dec(30),
		OperationalDate: today,
	})
	require.NoError(t, err)

	// WHEN: midnight passes before any flush ran
	f.clock.Advance(24 * time.Hour)
	moved, err := f.rt.CheckDateBoundary(ctx)

	// THEN: the payment landed first and today's close includes it
	require.NoError(t, err)
	assert.True(t, moved)
	assert.NotNil(t, f.entry(t, cash.PaymentID(item.ID)))

	closeEntry := f.entry(t, cash.DayEntryID(cash.PrefixClose, owner, today))
	require.NotNil(t, closeEntry)
	assert.True(t, dec(130).Equal(closeEntry.Amount), "close was %s", closeEntry.Amount)

	openEntry := f.entry(t, cash.DayEntryID(cash.PrefixOpen, owner, today.AddDays(1)))
	require.NotNil(t, openEntry)
	assert.True(t, dec(130).Equal(openEntry.Amount))

	// AND: nothing is left behind
	items, err := f.rt.Queue.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
	loan, err := f.remote.GetLoan(ctx, "loan-1")
	require.NoError(t, err)
	assert.True(t, dec(470).Equal(loan.OutstandingBalance))
}

func TestStart_AppliesQueuedItemsBeforeClosingYesterday(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedLoan(t, "loan-1", 500)

	// GIVEN: yesterday was opened and a payment for it never left the device
	f.put(t, cash.LedgerEntry{ID: "y-open", Type: cash.EntryOpen, Amount: dec(100), OperationalDate: yesterday})
	_, err := f.rt.Queue.Enqueue(ctx, queue.PaymentPayload{
		LoanID:          "loan-1",
		OwnerID:         owner,
		Amount:          dec(30),
		OperationalDate: yesterday,
	})
	require.NoError(t, err)

	// WHEN
	require.NoError(t, f.rt.Start(ctx))

	// THEN: yesterday closes with the payment and today opens from it
	closeEntry := f.entry(t, cash.DayEntryID(cash.PrefixClose, owner, yesterday))
	require.NotNil(t, closeEntry)
	assert.True(t, dec(130).Equal(closeEntry.Amount), "close was %s", closeEntry.Amount)

	openEntry := f.entry(t, cash.DayEntryID(cash.PrefixOpen, owner, today))
	require.NotNil(t, openEntry)
	assert.True(t, dec(130).Equal(openEntry.Amount))
}

func TestRecordMovement_IdempotentAndRefreshesLiveBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.put(t, cash.LedgerEntry{ID: "y-close", Type: cash.EntryClose, Amount: dec(200), OperationalDate: yesterday})
	require.NoError(t, f.rt.Start(ctx))

	// WHEN: the same client key is submitted twice
	first, written, err := f.rt.RecordMovement(ctx, cash.EntryAdminExpense, "k-1", dec(30), "fuel", "user-1")
	require.NoError(t, err)
	assert.True(t, written)

	second, written, err := f.rt.RecordMovement(ctx, cash.EntryAdminExpense, "k-1", dec(30), "fuel", "user-1")
	require.NoError(t, err)
	assert.False(t, written)

	// THEN: one entry, one audit record
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, cash.ManualMovementID(cash.EntryAdminExpense, "k-1"), first.ID)
	require.Len(t, f.audit.Records(), 1)
	assert.Equal(t, "user-1", f.audit.Records()[0].UserID)

	// AND: the live estimate converges to 200 - 30
	require.Eventually(t, func() bool {
		state, err := f.remote.GetCashState(ctx, owner)
		return err == nil && state != nil && state.LiveDate == today && state.LiveBalance.Equal(dec(170))
	}, timeout, tick)

	state, err := f.remote.GetCashState(ctx, owner)
	require.NoError(t, err)
	assert.True(t, dec(200).Equal(state.RunningBalance), "live refresh must not move the running balance")
}

func TestRecordMovement_RejectsNonMovementTypes(t *testing.T) {
	f := newFixture(t)

	for _, typ := range []cash.EntryType{cash.EntryOpen, cash.EntryClose, cash.EntryPayment} {
		t.Run(string(typ), func(t *testing.T) {
			_, _, err := f.rt.RecordMovement(context.Background(), typ, "k", dec(1), "", "u")
			assert.ErrorIs(t, err, cash.ErrInvalidPayload)
		})
	}
}

func TestEnqueue_TriggersFlush(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.rt.Start(ctx))

	// WHEN: a movement is queued while online
	item, err := f.rt.Enqueue(ctx, queue.MovementPayload{
		Subkind:         "inflow",
		OwnerID:         owner,
		Amount:          dec(15),
		OperationalDate: today,
	})
	require.NoError(t, err)

	// THEN
	id := cash.MovementID(cash.EntryInflow, item.ID)
	require.Eventually(t, func() bool {
		e, err := f.remote.GetEntry(ctx, id)
		return err == nil && e != nil
	}, timeout, tick, fmt.Sprintf("entry %s never written", id))
}
