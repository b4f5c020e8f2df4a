/*
Package cash provides the ledger core of the field-collection system.

PURPOSE:
  Field agents collect installment payments, sell new loans and move cash
  while offline. Every financial event ends up as an immutable LedgerEntry
  in a shared remote store, scoped to an owner (the agent) and an
  operational date. This package holds the domain types, the remote store
  contracts, the KPI aggregator and the day rollover reconciler.

KEY CONCEPTS IN THIS FILE (types.go):
  - Date: canonical operational date ("2006-01-02")
  - LedgerEntry: immutable record of one financial event
  - Loan / Payment / Absence: loan-side records written by queue appliers
  - CashState: per-owner running balance, always overwritten wholesale
  - Session: who is operating the device

DESIGN PRINCIPLES:
  1. Immutability: ledger entries are written once, never updated
  2. Deterministic identity: a logical event maps to exactly one entry id,
     so "write if absent" defeats duplicate retries
  3. Precision: decimal.Decimal for every amount
  4. Convergence: cached balances are recomputed and replaced, never incremented

SEE ALSO:
  - ids.go: deterministic id patterns
  - kpi.go: day KPIs and closing balance
  - rollover.go: open/close of operational days
*/
package cash

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/fieldcash/arrears"
)

// =============================================================================
// DATE - Operational date in canonical form
// =============================================================================

// DateLayout is the canonical operational date format.
const DateLayout = "2006-01-02"

// Date is a calendar date under which financial events are recorded.
// Canonical dates compare correctly as strings.
type Date string

// ParseDate validates s and returns it as a Date.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return "", fmt.Errorf("invalid operational date %q: %w", s, err)
	}
	return Date(t.Format(DateLayout)), nil
}

// MustDate parses s and panics on failure. Intended for tests and constants.
func MustDate(s string) Date {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

// DateOf returns the operational date of t in loc.
func DateOf(t time.Time, loc *time.Location) Date {
	if loc == nil {
		loc = time.UTC
	}
	return Date(t.In(loc).Format(DateLayout))
}

func (d Date) Valid() bool {
	_, err := time.Parse(DateLayout, string(d))
	return err == nil
}

// Time returns midnight UTC of d. Invalid dates yield the zero time.
func (d Date) Time() time.Time {
	t, _ := time.Parse(DateLayout, string(d))
	return t
}

func (d Date) AddDays(n int) Date       { return Date(d.Time().AddDate(0, 0, n).Format(DateLayout)) }
func (d Date) Before(other Date) bool   { return d < other }
func (d Date) After(other Date) bool    { return d > other }
func (d Date) Weekday() time.Weekday    { return d.Time().Weekday() }
func (d Date) String() string           { return string(d) }

// DaysBetween returns the number of days from a to b (negative if b < a).
func DaysBetween(a, b Date) int {
	return int(b.Time().Sub(a.Time()).Hours() / 24)
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type OwnerID string

// Session is the operating context supplied by authentication.
type Session struct {
	OwnerID  OwnerID `json:"owner_id"`
	TenantID string  `json:"tenant_id"`
	Role     string  `json:"role"`
	RouteID  string  `json:"route_id"`
}

// =============================================================================
// LEDGER ENTRY
// =============================================================================

// EntryType is the canonical type of a ledger entry. Stored rows may carry
// aliases; see CanonicalType.
type EntryType string

const (
	EntryOpen             EntryType = "open"
	EntryClose            EntryType = "close"
	EntryPayment          EntryType = "payment"
	EntryInflow           EntryType = "inflow"
	EntryOutflow          EntryType = "outflow"
	EntryAdminExpense     EntryType = "admin_expense"
	EntryCollectorExpense EntryType = "collector_expense"
	EntryDisbursement     EntryType = "disbursement"
)

// Source records which path produced an entry.
type Source string

const (
	SourceRollover Source = "rollover"
	SourceQueue    Source = "offline_queue"
	SourceManual   Source = "manual"
)

// LedgerEntry is immutable once written.
type LedgerEntry struct {
	ID              string          `json:"id"`
	OwnerID         OwnerID         `json:"owner_id"`
	TenantID        string          `json:"tenant_id,omitempty"`
	Type            EntryType       `json:"type"`
	Amount          decimal.Decimal `json:"amount"`
	OperationalDate Date            `json:"operational_date"`
	Timezone        string          `json:"timezone"`
	CreatedAt       time.Time       `json:"created_at"`
	Source          Source          `json:"source"`
	Concept         string          `json:"concept,omitempty"`

	// Cross references
	LoanID      string `json:"loan_id,omitempty"`
	PaymentID   string `json:"payment_id,omitempty"`
	QueueItemID string `json:"queue_item_id,omitempty"`
}

// =============================================================================
// LOAN SIDE
// =============================================================================

// Loan is the consumed loan entity. OutstandingBalance changes only inside
// the payment applier's transaction.
type Loan struct {
	ID                 string          `json:"id"`
	OwnerID            OwnerID         `json:"owner_id"`
	TenantID           string          `json:"tenant_id,omitempty"`
	ClientID           string          `json:"client_id"`
	Principal          decimal.Decimal `json:"principal"`
	OutstandingBalance decimal.Decimal `json:"outstanding_balance"`
	InstallmentAmount  decimal.Decimal `json:"installment_amount"`
	InstallmentCount   int             `json:"installment_count"`
	StartDate          Date            `json:"start_date"`
	Arrears            arrears.Config  `json:"arrears"`
	ArrearsState       arrears.Result  `json:"arrears_state"`
	QueueItemID        string          `json:"queue_item_id,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Payment is the loan-side record of a collected installment.
type Payment struct {
	ID              string          `json:"id"`
	LoanID          string          `json:"loan_id"`
	OwnerID         OwnerID         `json:"owner_id"`
	Amount          decimal.Decimal `json:"amount"`
	BalanceBefore   decimal.Decimal `json:"balance_before"`
	BalanceAfter    decimal.Decimal `json:"balance_after"`
	OperationalDate Date            `json:"operational_date"`
	Timezone        string          `json:"timezone"`
	QueueItemID     string          `json:"queue_item_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Absence records that the client was not found on a visit.
type Absence struct {
	ID              string    `json:"id"`
	LoanID          string    `json:"loan_id"`
	OwnerID         OwnerID   `json:"owner_id"`
	OperationalDate Date      `json:"operational_date"`
	Reason          string    `json:"reason,omitempty"`
	QueueItemID     string    `json:"queue_item_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// =============================================================================
// CASH STATE
// =============================================================================

// CashState is the per-owner balance cache. Writers always replace the
// whole value with a freshly computed one.
type CashState struct {
	OwnerID        OwnerID         `json:"owner_id"`
	RunningBalance decimal.Decimal `json:"running_balance"`
	LastCloseDate  Date            `json:"last_close_date,omitempty"`

	// Live* is the non-final estimate of today's closing balance. It never
	// feeds an opening base.
	LiveBalance decimal.Decimal `json:"live_balance"`
	LiveDate    Date            `json:"live_date,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}
