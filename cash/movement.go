package cash

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MovementInput describes a cash movement to record exactly once.
type MovementInput struct {
	ID       string
	OwnerID  OwnerID
	TenantID string
	Type     EntryType
	Amount   decimal.Decimal
	Date     Date
	Timezone string
	Source   Source
	Concept  string

	LoanID      string
	PaymentID   string
	QueueItemID string

	CreatedAt time.Time
}

// IsMovementType reports whether t may be written as a free-standing
// movement. Open/close belong to the reconciler, payments and disbursements
// to their appliers.
func IsMovementType(t EntryType) bool {
	switch t {
	case EntryInflow, EntryOutflow, EntryAdminExpense, EntryCollectorExpense:
		return true
	}
	return false
}

// WriteMovement is the shared idempotent movement primitive used by queue
// appliers and the online manual-entry path. It writes the entry unless one
// with in.ID already exists and returns the stored entry either way.
func WriteMovement(ctx context.Context, ledger LedgerStore, in MovementInput) (LedgerEntry, bool, error) {
	if err := in.validate(); err != nil {
		return LedgerEntry{}, false, err
	}

	entry := LedgerEntry{
		ID:              in.ID,
		OwnerID:         in.OwnerID,
		TenantID:        in.TenantID,
		Type:            in.Type,
		Amount:          in.Amount,
		OperationalDate: in.Date,
		Timezone:        in.Timezone,
		CreatedAt:       in.CreatedAt,
		Source:          in.Source,
		Concept:         in.Concept,
		LoanID:          in.LoanID,
		PaymentID:       in.PaymentID,
		QueueItemID:     in.QueueItemID,
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	written, err := ledger.PutEntryIfAbsent(ctx, entry)
	if err != nil {
		return LedgerEntry{}, false, fmt.Errorf("write movement %s: %w", in.ID, err)
	}
	if written {
		return entry, true, nil
	}

	existing, err := ledger.GetEntry(ctx, in.ID)
	if err != nil {
		return LedgerEntry{}, false, fmt.Errorf("read movement %s: %w", in.ID, err)
	}
	if existing == nil {
		return entry, false, nil
	}
	return *existing, false, nil
}

func (in MovementInput) validate() error {
	switch {
	case in.ID == "":
		return Invalid("id", "required")
	case in.OwnerID == "":
		return Invalid("owner_id", "required")
	case !in.Date.Valid():
		return Invalid("operational_date", fmt.Sprintf("%q is not YYYY-MM-DD", in.Date))
	case !in.Amount.IsPositive():
		return Invalid("amount", "must be positive")
	}
	switch in.Type {
	case EntryInflow, EntryOutflow, EntryAdminExpense, EntryCollectorExpense, EntryPayment, EntryDisbursement:
		return nil
	}
	return Invalid("type", fmt.Sprintf("%q is not a movement type", in.Type))
}
