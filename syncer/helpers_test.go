package syncer_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/fieldcash/audit"
	"github.com/warp/fieldcash/cash"
	"github.com/warp/fieldcash/cash/store"
	"github.com/warp/fieldcash/events"
	"github.com/warp/fieldcash/queue"
	"github.com/warp/fieldcash/syncer"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const owner cash.OwnerID = "agent-7"

var today = cash.MustDate("2025-03-10")

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *testClock {
	return &testClock{t: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
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

// harness wires a queue, an applier and an engine over an in-memory remote.
type harness struct {
	clock   *testClock
	remote  *store.Memory
	bus     *events.Bus
	queue   *queue.Store
	applier *syncer.Applier
	engine  *syncer.Engine
	audit   *audit.Recorder

	mu      sync.Mutex
	flushed []events.Event
	frozen  []events.Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:  newClock(),
		remote: store.NewMemory(),
		bus:    events.NewBus(nil),
		audit:  &audit.Recorder{},
	}
	seq := 0
	h.queue = queue.NewStore(&queue.MemoryPersister{}, h.bus,
		queue.WithClock(h.clock),
		queue.WithIDGenerator(func() (string, error) {
			seq++
			return fmt.Sprintf("item-%d", seq), nil
		}),
	)
	h.applier = syncer.NewApplier(h.remote, h.bus, h.audit, nil)
	h.applier.Clock = h.clock
	h.engine = syncer.NewEngine(h.queue, h.applier, h.bus, nil)
	h.engine.Clock = h.clock

	h.bus.Subscribe(events.TopicItemFlushed, func(_ context.Context, e events.Event) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.flushed = append(h.flushed, e)
	})
	h.bus.Subscribe(events.TopicItemFrozen, func(_ context.Context, e events.Event) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.frozen = append(h.frozen, e)
	})
	return h
}

func (h *harness) flushedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.flushed)
}

func (h *harness) seedLoan(t *testing.T, id string, outstanding int64) {
	t.Helper()
	created, err := h.remote.CreateLoanIfAbsent(context.Background(), cash.Loan{
		ID:                 id,
		OwnerID:            owner,
		ClientID:           "client-" + id,
		Principal:          dec(outstanding),
		OutstandingBalance: dec(outstanding),
		InstallmentAmount:  dec(10),
		InstallmentCount:   10,
		StartDate:          today.AddDays(-7),
	})
	require.NoError(t, err)
	require.True(t, created)
}

func (h *harness) loanBalance(t *testing.T, id string) decimal.Decimal {
	t.Helper()
	loan, err := h.remote.GetLoan(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, loan)
	return loan.OutstandingBalance
}

func (h *harness) entries(t *testing.T) []cash.LedgerEntry {
	t.Helper()
	entries, err := h.remote.EntriesForDay(context.Background(), owner, today)
	require.NoError(t, err)
	return entries
}

func paymentPayload(loanID string, amount int64) queue.PaymentPayload {
	return queue.PaymentPayload{
		LoanID:          loanID,
		OwnerID:         owner,
		Amount:          dec(amount),
		OperationalDate: today,
		Timezone:        "UTC",
	}
}

// flakyLedger fails ledger entry writes while failEntries > 0.
type flakyLedger struct {
	*store.Memory
	mu          sync.Mutex
	failEntries int
}

var errNetwork = errors.New("network unreachable")

func (f *flakyLedger) PutEntryIfAbsent(ctx context.Context, e cash.LedgerEntry) (bool, error) {
	f.mu.Lock()
	if f.failEntries > 0 {
		f.failEntries--
		f.mu.Unlock()
		return false, errNetwork
	}
	f.mu.Unlock()
	return f.Memory.PutEntryIfAbsent(ctx, e)
}

// failingApplier always fails with err.
type failingApplier struct {
	err   error
	calls int
}

func (f *failingApplier) Apply(context.Context, queue.Item) (syncer.Outcome, error) {
	f.calls++
	return syncer.Outcome{}, f.err
}
