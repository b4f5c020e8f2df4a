package syncer_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/fieldcash/arrears"
	"github.com/warp/fieldcash/cash"
	"github.com/warp/fieldcash/queue"
	"github.com/warp/fieldcash/syncer"
)

func TestApplyPayment_ExactlyOnceBalanceEffect(t *testing.T) {
	// GIVEN: loan outstanding=100 and a queued payment of 30
	ctx := context.Background()
	h := newHarness(t)
	h.seedLoan(t, "loan-1", 100)
	item, err := h.queue.Enqueue(ctx, paymentPayload("loan-1", 30))
	require.NoError(t, err)

	// WHEN: the batch runs
	res, err := h.engine.ProcessBatch(ctx, 10)
	require.NoError(t, err)

	// THEN: outstanding=70, one payment entry, item removed
	assert.Equal(t, 1, res.Flushed)
	assert.True(t, h.loanBalance(t, "loan-1").Equal(dec(70)))
	entries := h.entries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, cash.PaymentID(item.ID), entries[0].ID)
	assert.Equal(t, cash.EntryPayment, entries[0].Type)
	assert.Equal(t, cash.SourceQueue, entries[0].Source)

	payment, err := h.remote.GetPayment(ctx, cash.PaymentID(item.ID))
	require.NoError(t, err)
	require.NotNil(t, payment)
	assert.True(t, payment.BalanceBefore.Equal(dec(100)))
	assert.True(t, payment.BalanceAfter.Equal(dec(70)))

	// WHEN: the batch runs again
	res, err = h.engine.ProcessBatch(ctx, 10)

	// THEN: nothing happens
	require.NoError(t, err)
	assert.Equal(t, 0, res.Attempted)
	assert.True(t, h.loanBalance(t, "loan-1").Equal(dec(70)))
	assert.Len(t, h.entries(t), 1)
}

func TestApplyPayment_ReplayAfterCrashIsNoop(t *testing.T) {
	// GIVEN: a payment applied remotely, but the device died before removing it
	ctx := context.Background()
	h := newHarness(t)
	h.seedLoan(t, "loan-1", 100)
	item, err := h.queue.Enqueue(ctx, paymentPayload("loan-1", 30))
	require.NoError(t, err)

	first, err := h.applier.Apply(ctx, item)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	// WHEN: the same item is applied again
	second, err := h.applier.Apply(ctx, item)

	// THEN: exactly one ledger entry and one balance change
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.True(t, h.loanBalance(t, "loan-1").Equal(dec(70)))
	assert.Len(t, h.entries(t), 1)

	payments, err := h.remote.PaymentsForLoan(ctx, "loan-1")
	require.NoError(t, err)
	assert.Len(t, payments, 1)
	assert.Len(t, h.audit.Records(), 1, "replays are not audited")
}

func TestApplyPayment_SideEntryHealsOnReplay(t *testing.T) {
	// GIVEN: the ledger side entry fails after the balance transaction commits
	ctx := context.Background()
	h := newHarness(t)
	h.seedLoan(t, "loan-1", 100)
	flaky := &flakyLedger{Memory: h.remote, failEntries: 1}
	applier := syncer.NewApplier(flaky, h.bus, nil, nil)
	item, err := h.queue.Enqueue(ctx, paymentPayload("loan-1", 30))
	require.NoError(t, err)

	// WHEN: applied once
	_, err = applier.Apply(ctx, item)

	// THEN: the committed balance change stands, the entry is missing
	require.NoError(t, err)
	assert.True(t, h.loanBalance(t, "loan-1").Equal(dec(70)))
	assert.Empty(t, h.entries(t))

	// WHEN: replayed
	out, err := applier.Apply(ctx, item)

	// THEN: the entry is written, balance untouched
	require.NoError(t, err)
	assert.True(t, out.Replayed)
	assert.True(t, h.loanBalance(t, "loan-1").Equal(dec(70)))
	assert.Len(t, h.entries(t), 1)
}

func TestApplyPayment_OverpaymentClampsAtZero(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedLoan(t, "loan-1", 20)
	item, err := h.queue.Enqueue(ctx, paymentPayload("loan-1", 50))
	require.NoError(t, err)

	_, err = h.applier.Apply(ctx, item)

	require.NoError(t, err)
	assert.True(t, h.loanBalance(t, "loan-1").IsZero())
	entries := h.entries(t)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Amount.Equal(dec(50)), "the ledger records the cash actually collected")
}

func TestApplyPayment_ErrorClassification(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedLoan(t, "settled", 0)
	foreign := cash.Loan{ID: "foreign", OwnerID: "agent-9", OutstandingBalance: dec(50), InstallmentAmount: dec(10), InstallmentCount: 5}
	_, err := h.remote.CreateLoanIfAbsent(ctx, foreign)
	require.NoError(t, err)

	cases := []struct {
		name      string
		loanID    string
		permanent bool
	}{
		{"missing loan is retryable", "nope", false},
		{"settled loan is permanent", "settled", true},
		{"other owner's loan is permanent", "foreign", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			item := queue.Item{ID: "x-" + tc.loanID, Kind: queue.KindPayment, Payload: paymentPayload(tc.loanID, 10)}

			_, err := h.applier.Apply(ctx, item)

			require.Error(t, err)
			assert.Equal(t, tc.permanent, cash.IsPermanent(err))
			if !tc.permanent {
				assert.ErrorIs(t, err, cash.ErrLoanNotFound)
			}
		})
	}

	// nothing was written for any of them
	payments, err := h.remote.PaymentsForLoan(ctx, "settled")
	require.NoError(t, err)
	assert.Empty(t, payments)
}

func TestApplyPayment_RecomputesArrears(t *testing.T) {
	// GIVEN: daily loan started on Monday 2025-03-03, 10 per day, Mon..Sat
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.remote.CreateLoanIfAbsent(ctx, cash.Loan{
		ID:                 "loan-a",
		OwnerID:            owner,
		OutstandingBalance: dec(100),
		InstallmentAmount:  dec(10),
		InstallmentCount:   10,
		StartDate:          cash.MustDate("2025-03-03"),
		Arrears:            arrears.Config{Mode: arrears.ModeDaily},
	})
	require.NoError(t, err)
	item, err := h.queue.Enqueue(ctx, paymentPayload("loan-a", 20))
	require.NoError(t, err)

	// WHEN: paying 20 on 2025-03-10
	_, err = h.applier.Apply(ctx, item)
	require.NoError(t, err)

	// THEN: Mar 4..8 and Mar 10 are due (6), two are paid
	loan, err := h.remote.GetLoan(ctx, "loan-a")
	require.NoError(t, err)
	assert.Equal(t, 6, loan.ArrearsState.ExpectedInstallments)
	assert.Equal(t, 2, loan.ArrearsState.PaidInstallments)
	assert.Equal(t, 4, loan.ArrearsState.InstallmentsLate)
	assert.Equal(t, "2025-03-10", loan.ArrearsState.AsOf)
}

func TestApplySale_CreatesLoanAndDisbursementOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	item, err := h.queue.Enqueue(ctx, queue.SalePayload{
		ClientID:          "client-1",
		OwnerID:           owner,
		Principal:         dec(500),
		InstallmentAmount: dec(60),
		InstallmentCount:  10,
		StartDate:         today,
		OperationalDate:   today,
	})
	require.NoError(t, err)

	first, err := h.applier.Apply(ctx, item)
	require.NoError(t, err)
	second, err := h.applier.Apply(ctx, item)
	require.NoError(t, err)

	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)
	assert.Equal(t, cash.SaleLoanID(item.ID), first.RemoteID)

	loan, err := h.remote.GetLoan(ctx, cash.SaleLoanID(item.ID))
	require.NoError(t, err)
	require.NotNil(t, loan)
	assert.True(t, loan.OutstandingBalance.Equal(dec(600)))

	entries := h.entries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, cash.EntryDisbursement, entries[0].Type)
	assert.True(t, entries[0].Amount.Equal(dec(500)))
}

func TestApplyAbsence_RequiresLoanAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	item := queue.Item{ID: "abs-1", Kind: queue.KindAbsence, Payload: queue.AbsencePayload{
		LoanID: "loan-1", OwnerID: owner, OperationalDate: today, Reason: "door closed",
	}}

	_, err := h.applier.Apply(ctx, item)
	assert.ErrorIs(t, err, cash.ErrLoanNotFound)
	assert.True(t, cash.IsRetryable(err))

	h.seedLoan(t, "loan-1", 100)
	out, err := h.applier.Apply(ctx, item)
	require.NoError(t, err)
	assert.False(t, out.Replayed)

	out, err = h.applier.Apply(ctx, item)
	require.NoError(t, err)
	assert.True(t, out.Replayed)

	absence, err := h.remote.GetAbsence(ctx, cash.AbsenceID("abs-1"))
	require.NoError(t, err)
	require.NotNil(t, absence)
	assert.Equal(t, "door closed", absence.Reason)
}

func TestApplyMovement_DeterministicID(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	item := queue.Item{ID: "mv-1", Kind: queue.KindMovement, Payload: queue.MovementPayload{
		Subkind: cash.EntryAdminExpense, OwnerID: owner, Amount: dec(15), OperationalDate: today, Concept: "fuel",
	}}

	out, err := h.applier.Apply(ctx, item)
	require.NoError(t, err)
	_, err = h.applier.Apply(ctx, item)
	require.NoError(t, err)

	assert.Equal(t, "oxmov_admin_expense_mv-1", out.RemoteID)
	entries := h.entries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, "fuel", entries[0].Concept)
}

func TestApply_OtherKindIsUnsupported(t *testing.T) {
	h := newHarness(t)
	item := queue.Item{ID: "o-1", Kind: queue.KindOther, Payload: queue.OtherPayload{Type: "refund"}}

	_, err := h.applier.Apply(context.Background(), item)

	assert.ErrorIs(t, err, cash.ErrUnsupportedKind)
	assert.True(t, cash.IsPermanent(err))
}

func TestApply_MalformedPayloadFailsBeforeWrite(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedLoan(t, "loan-1", 100)
	item := queue.Item{ID: "bad", Kind: queue.KindPayment, Payload: paymentPayload("loan-1", -3)}

	_, err := h.applier.Apply(ctx, item)

	assert.ErrorIs(t, err, cash.ErrInvalidPayload)
	assert.True(t, h.loanBalance(t, "loan-1").Equal(dec(100)))
}

var _ cash.TxRemoteStore = (*flakyLedger)(nil)
