/*
apply.go - Idempotent remote appliers

PURPOSE:
  Turns one queue item into remote writes exactly once, however many times
  it is retried. Every variant derives its remote id from the local item id:

    payment   ox_<id>                  payment record + payment ledger entry
    sale      oxsale_<id>              loan + disbursement ledger entry
    absence   oxabs_<id>               absence record
    movement  oxmov_<subkind>_<id>     ledger entry

PAYMENT FLOW:
  1. WithTx: payment record exists? -> already applied, no balance change
             else loan balance -= amount (never below zero), write payment
  2. After commit, best effort: recompute arrears from the full payment
     history, then ensure the ledger entry (write if absent). Both steps run
     on replays too, so a crash between commit and step 2 heals on retry.

ERRORS:
  Malformed payloads fail before any write and are permanent. A missing
  loan is retryable (the sale creating it may still be queued). Store
  conflicts surface unchanged for the engine to back off.
*/
package syncer

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/fieldcash/arrears"
	"github.com/warp/fieldcash/audit"
	"github.com/warp/fieldcash/cash"
	"github.com/warp/fieldcash/events"
	"github.com/warp/fieldcash/queue"
)

// Outcome describes what an apply did.
type Outcome struct {
	RemoteID string
	OwnerID  cash.OwnerID
	Date     cash.Date

	// Replayed is true when the primary record already existed.
	Replayed bool
}

// Applier writes queue items to the remote store.
type Applier struct {
	Remote cash.TxRemoteStore
	Bus    *events.Bus
	Audit  audit.Sink
	Clock  cash.Clock
	Logger *zap.Logger
}

func NewApplier(remote cash.TxRemoteStore, bus *events.Bus, sink audit.Sink, logger *zap.Logger) *Applier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = audit.Nop{}
	}
	return &Applier{
		Remote: remote,
		Bus:    bus,
		Audit:  sink,
		Clock:  cash.SystemClock{},
		Logger: logger.Named("applier"),
	}
}

// Apply dispatches on the payload variant.
func (a *Applier) Apply(ctx context.Context, item queue.Item) (Outcome, error) {
	if err := queue.Validate(item.Payload); err != nil {
		return Outcome{}, err
	}

	switch p := item.Payload.(type) {
	case queue.PaymentPayload:
		return a.applyPayment(ctx, item, p)
	case queue.SalePayload:
		return a.applySale(ctx, item, p)
	case queue.AbsencePayload:
		return a.applyAbsence(ctx, item, p)
	case queue.MovementPayload:
		return a.applyMovement(ctx, item, p)
	case queue.OtherPayload:
		return Outcome{}, fmt.Errorf("%w: %s", cash.ErrUnsupportedKind, p.Type)
	default:
		return Outcome{}, fmt.Errorf("%w: %T", cash.ErrUnsupportedKind, p)
	}
}

// =============================================================================
// PAYMENT
// =============================================================================

func (a *Applier) applyPayment(ctx context.Context, item queue.Item, p queue.PaymentPayload) (Outcome, error) {
	paymentID := cash.PaymentID(item.ID)
	now := a.Clock.Now()
	out := Outcome{RemoteID: paymentID, OwnerID: p.OwnerID, Date: p.OperationalDate}

	var recorded cash.Payment
	err := a.Remote.WithTx(ctx, func(tx cash.RemoteStore) error {
		existing, err := tx.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if existing != nil {
			out.Replayed = true
			recorded = *existing
			return nil
		}

		loan, err := tx.GetLoan(ctx, p.LoanID)
		if err != nil {
			return err
		}
		if loan == nil {
			return fmt.Errorf("%w: %s", cash.ErrLoanNotFound, p.LoanID)
		}
		if loan.OwnerID != "" && loan.OwnerID != p.OwnerID {
			return cash.Invalid("loanId", "loan belongs to another owner")
		}
		if !loan.OutstandingBalance.IsPositive() {
			return cash.Invalid("loanId", "loan is already settled")
		}

		before := loan.OutstandingBalance
		after := before.Sub(p.Amount)
		if after.IsNegative() {
			after = decimal.Zero
		}
		if err := tx.UpdateLoanBalance(ctx, loan.ID, after, now); err != nil {
			return err
		}

		recorded = cash.Payment{
			ID:              paymentID,
			LoanID:          loan.ID,
			OwnerID:         p.OwnerID,
			Amount:          p.Amount,
			BalanceBefore:   before,
			BalanceAfter:    after,
			OperationalDate: p.OperationalDate,
			Timezone:        p.Timezone,
			QueueItemID:     item.ID,
			CreatedAt:       now,
		}
		_, err = tx.PutPaymentIfAbsent(ctx, recorded)
		return err
	})
	if err != nil {
		return Outcome{}, err
	}

	if !out.Replayed {
		a.Audit.Record(ctx, audit.Record{
			UserID: string(p.OwnerID),
			Action: "payment.applied",
			Path:   "loans/" + p.LoanID + "/payments/" + paymentID,
			Before: map[string]string{"outstanding_balance": recorded.BalanceBefore.String()},
			After:  map[string]string{"outstanding_balance": recorded.BalanceAfter.String()},
			At:     now,
		})
	}

	a.recomputeArrears(ctx, p.LoanID, p.OperationalDate)
	a.ensureEntry(ctx, cash.MovementInput{
		ID:          paymentID,
		OwnerID:     p.OwnerID,
		TenantID:    p.TenantID,
		Type:        cash.EntryPayment,
		Amount:      p.Amount,
		Date:        p.OperationalDate,
		Timezone:    p.Timezone,
		Source:      cash.SourceQueue,
		Concept:     p.Note,
		LoanID:      p.LoanID,
		PaymentID:   paymentID,
		QueueItemID: item.ID,
		CreatedAt:   now,
	})
	return out, nil
}

// recomputeArrears is best effort: failures are logged, never returned.
func (a *Applier) recomputeArrears(ctx context.Context, loanID string, asOf cash.Date) {
	log := a.Logger.With(zap.String("loan_id", loanID))

	loan, err := a.Remote.GetLoan(ctx, loanID)
	if err != nil || loan == nil {
		log.Warn("arrears recompute skipped: loan unreadable", zap.Error(err))
		return
	}
	payments, err := a.Remote.PaymentsForLoan(ctx, loanID)
	if err != nil {
		log.Warn("arrears recompute skipped: payments unreadable", zap.Error(err))
		return
	}

	total := decimal.Zero
	for _, pay := range payments {
		total = total.Add(pay.Amount)
	}

	state := arrears.Compute(arrears.Input{
		Config:            loan.Arrears,
		StartDate:         loan.StartDate.Time(),
		InstallmentAmount: loan.InstallmentAmount,
		InstallmentCount:  loan.InstallmentCount,
		TotalPaid:         total,
		AsOf:              asOf.Time(),
	})
	if err := a.Remote.UpdateLoanArrears(ctx, loanID, state, a.Clock.Now()); err != nil {
		log.Warn("arrears recompute not saved", zap.Error(err))
	}
}

// =============================================================================
// SALE
// =============================================================================

func (a *Applier) applySale(ctx context.Context, item queue.Item, p queue.SalePayload) (Outcome, error) {
	loanID := cash.SaleLoanID(item.ID)
	now := a.Clock.Now()

	loan := cash.Loan{
		ID:                 loanID,
		OwnerID:            p.OwnerID,
		TenantID:           p.TenantID,
		ClientID:           p.ClientID,
		Principal:          p.Principal,
		OutstandingBalance: p.InstallmentAmount.Mul(decimal.NewFromInt(int64(p.InstallmentCount))),
		InstallmentAmount:  p.InstallmentAmount,
		InstallmentCount:   p.InstallmentCount,
		StartDate:          p.StartDate,
		Arrears:            p.Arrears,
		QueueItemID:        item.ID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	created, err := a.Remote.CreateLoanIfAbsent(ctx, loan)
	if err != nil {
		return Outcome{}, err
	}

	if created {
		a.Audit.Record(ctx, audit.Record{
			UserID: string(p.OwnerID),
			Action: "sale.applied",
			Path:   "loans/" + loanID,
			After:  map[string]string{"principal": p.Principal.String(), "outstanding_balance": loan.OutstandingBalance.String()},
			At:     now,
		})
	}

	a.ensureEntry(ctx, cash.MovementInput{
		ID:          loanID,
		OwnerID:     p.OwnerID,
		TenantID:    p.TenantID,
		Type:        cash.EntryDisbursement,
		Amount:      p.Principal,
		Date:        p.OperationalDate,
		Timezone:    p.Timezone,
		Source:      cash.SourceQueue,
		Concept:     "disbursement to " + p.ClientID,
		LoanID:      loanID,
		QueueItemID: item.ID,
		CreatedAt:   now,
	})
	return Outcome{RemoteID: loanID, OwnerID: p.OwnerID, Date: p.OperationalDate, Replayed: !created}, nil
}

// =============================================================================
// ABSENCE
// =============================================================================

func (a *Applier) applyAbsence(ctx context.Context, item queue.Item, p queue.AbsencePayload) (Outcome, error) {
	absenceID := cash.AbsenceID(item.ID)
	out := Outcome{RemoteID: absenceID, OwnerID: p.OwnerID, Date: p.OperationalDate}

	existing, err := a.Remote.GetAbsence(ctx, absenceID)
	if err != nil {
		return Outcome{}, err
	}
	if existing != nil {
		out.Replayed = true
		return out, nil
	}

	loan, err := a.Remote.GetLoan(ctx, p.LoanID)
	if err != nil {
		return Outcome{}, err
	}
	if loan == nil {
		return Outcome{}, fmt.Errorf("%w: %s", cash.ErrLoanNotFound, p.LoanID)
	}

	now := a.Clock.Now()
	written, err := a.Remote.PutAbsenceIfAbsent(ctx, cash.Absence{
		ID:              absenceID,
		LoanID:          p.LoanID,
		OwnerID:         p.OwnerID,
		OperationalDate: p.OperationalDate,
		Reason:          p.Reason,
		QueueItemID:     item.ID,
		CreatedAt:       now,
	})
	if err != nil {
		return Outcome{}, err
	}
	out.Replayed = !written

	if written {
		a.Audit.Record(ctx, audit.Record{
			UserID: string(p.OwnerID),
			Action: "absence.applied",
			Path:   "loans/" + p.LoanID + "/absences/" + absenceID,
			After:  map[string]string{"date": string(p.OperationalDate), "reason": p.Reason},
			At:     now,
		})
	}
	return out, nil
}

// =============================================================================
// MOVEMENT
// =============================================================================

func (a *Applier) applyMovement(ctx context.Context, item queue.Item, p queue.MovementPayload) (Outcome, error) {
	id := cash.MovementID(p.Subkind, item.ID)
	now := a.Clock.Now()

	entry, written, err := cash.WriteMovement(ctx, a.Remote, cash.MovementInput{
		ID:          id,
		OwnerID:     p.OwnerID,
		TenantID:    p.TenantID,
		Type:        p.Subkind,
		Amount:      p.Amount,
		Date:        p.OperationalDate,
		Timezone:    p.Timezone,
		Source:      cash.SourceQueue,
		Concept:     p.Concept,
		QueueItemID: item.ID,
		CreatedAt:   now,
	})
	if err != nil {
		return Outcome{}, err
	}

	if written {
		a.Audit.Record(ctx, audit.Record{
			UserID: string(p.OwnerID),
			Action: "movement.applied",
			Path:   "ledger/" + id,
			After:  entry,
			At:     now,
		})
		a.publishChanged(ctx, p.OwnerID, p.OperationalDate)
	}
	return Outcome{RemoteID: id, OwnerID: p.OwnerID, Date: p.OperationalDate, Replayed: !written}, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// ensureEntry writes a secondary ledger entry, best effort.
func (a *Applier) ensureEntry(ctx context.Context, in cash.MovementInput) {
	_, written, err := cash.WriteMovement(ctx, a.Remote, in)
	if err != nil {
		a.Logger.Error("ledger side entry not written",
			zap.String("entry_id", in.ID),
			zap.String("type", string(in.Type)),
			zap.Error(err),
		)
		return
	}
	if written {
		a.publishChanged(ctx, in.OwnerID, in.Date)
	}
}

func (a *Applier) publishChanged(ctx context.Context, owner cash.OwnerID, date cash.Date) {
	a.Bus.Publish(ctx, events.Event{
		Topic:   events.TopicLedgerChanged,
		OwnerID: string(owner),
		Date:    string(date),
		Origin:  "applier",
	})
}
