/*
store.go - Remote store contracts

PURPOSE:
  The remote store is the shared system of record: ledger entries, loans,
  payments and absence reports. Appliers and the reconciler only depend on
  these interfaces; implementations live in cash/store (memory) and
  store/sqlstore (sqlite/postgres).

WRITE-IF-ABSENT:
  Every Put*IfAbsent is the idempotency primitive. It writes the record
  unless one with the same id exists and reports whether it wrote. Callers
  derive ids deterministically, so a duplicate retry is a no-op.

ATOMIC TRANSACTIONS:
  Balance changes go through TxRemoteStore.WithTx. If fn returns an error
  nothing inside it is visible afterwards.
*/
package cash

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/fieldcash/arrears"
)

// LedgerReader reads ledger entries.
type LedgerReader interface {
	// GetEntry returns the entry with id, or (nil, nil) if absent.
	GetEntry(ctx context.Context, id string) (*LedgerEntry, error)

	// EntriesForDay returns all entries for owner+date ordered by CreatedAt.
	EntriesForDay(ctx context.Context, owner OwnerID, date Date) ([]LedgerEntry, error)
}

// LedgerWriter appends ledger entries. There is no update or delete.
type LedgerWriter interface {
	PutEntryIfAbsent(ctx context.Context, e LedgerEntry) (bool, error)
}

type LedgerStore interface {
	LedgerReader
	LedgerWriter
}

// LoanStore persists the loan side.
type LoanStore interface {
	GetLoan(ctx context.Context, id string) (*Loan, error)
	CreateLoanIfAbsent(ctx context.Context, loan Loan) (bool, error)
	UpdateLoanBalance(ctx context.Context, id string, balance decimal.Decimal, at time.Time) error
	UpdateLoanArrears(ctx context.Context, id string, state arrears.Result, at time.Time) error

	GetPayment(ctx context.Context, id string) (*Payment, error)
	PutPaymentIfAbsent(ctx context.Context, p Payment) (bool, error)
	PaymentsForLoan(ctx context.Context, loanID string) ([]Payment, error)

	GetAbsence(ctx context.Context, id string) (*Absence, error)
	PutAbsenceIfAbsent(ctx context.Context, a Absence) (bool, error)
}

// RemoteStore is everything appliers read and write.
type RemoteStore interface {
	LedgerStore
	LoanStore
}

// TxRemoteStore adds multi-record transactions.
type TxRemoteStore interface {
	RemoteStore

	// WithTx executes fn within a transaction. If fn returns an error the
	// transaction is rolled back, otherwise it is committed.
	WithTx(ctx context.Context, fn func(RemoteStore) error) error
}

// CashStateStore persists the per-owner balance cache.
type CashStateStore interface {
	// GetCashState returns the state for owner, or (nil, nil) if none.
	GetCashState(ctx context.Context, owner OwnerID) (*CashState, error)

	// PutCashState replaces the stored state wholesale.
	PutCashState(ctx context.Context, state CashState) error
}
