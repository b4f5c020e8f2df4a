package cash

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// DAY KPIs
// =============================================================================

// DayKPIs is the reduction of one owner's entries for one operational date.
type DayKPIs struct {
	OwnerID OwnerID `json:"owner_id"`
	Date    Date    `json:"date"`

	Opening    decimal.Decimal `json:"opening"`
	HasOpening bool            `json:"has_opening"`

	Collected          decimal.Decimal `json:"collected"`
	Inflows            decimal.Decimal `json:"inflows"`
	Outflows           decimal.Decimal `json:"outflows"`
	AdminExpenses      decimal.Decimal `json:"admin_expenses"`
	CollectorExpenses  decimal.Decimal `json:"collector_expenses"`
	DisbursedPrincipal decimal.Decimal `json:"disbursed_principal"`

	// ActivityCount counts financial entries (everything except open/close).
	ActivityCount int `json:"activity_count"`

	// Unrecognized counts entries whose type matched no alias. They do not
	// contribute to any KPI.
	Unrecognized int `json:"unrecognized"`
}

// ClosingBalance = opening + inflows + collected - outflows - disbursed - admin.
// Collector expenses are tracked but excluded by policy.
func (k DayKPIs) ClosingBalance() decimal.Decimal {
	return k.Opening.
		Add(k.Inflows).
		Add(k.Collected).
		Sub(k.Outflows).
		Sub(k.DisbursedPrincipal).
		Sub(k.AdminExpenses)
}

// HasActivity reports whether the day had any financial movement.
func (k DayKPIs) HasActivity() bool {
	return k.ActivityCount > 0
}

// ReduceKPIs folds entries into KPIs. Entries need not be ordered; the
// opening is the open entry with the latest CreatedAt.
func ReduceKPIs(entries []LedgerEntry) DayKPIs {
	var k DayKPIs
	var openingSeen LedgerEntry

	for _, e := range entries {
		t, ok := CanonicalType(string(e.Type))
		if !ok {
			k.Unrecognized++
			continue
		}

		switch t {
		case EntryOpen:
			if !k.HasOpening || e.CreatedAt.After(openingSeen.CreatedAt) {
				openingSeen = e
				k.Opening = e.Amount
				k.HasOpening = true
			}
		case EntryClose:
			// closes describe the day, they are not part of it
		case EntryPayment:
			k.Collected = k.Collected.Add(e.Amount)
			k.ActivityCount++
		case EntryInflow:
			k.Inflows = k.Inflows.Add(e.Amount)
			k.ActivityCount++
		case EntryOutflow:
			k.Outflows = k.Outflows.Add(e.Amount)
			k.ActivityCount++
		case EntryAdminExpense:
			k.AdminExpenses = k.AdminExpenses.Add(e.Amount)
			k.ActivityCount++
		case EntryCollectorExpense:
			k.CollectorExpenses = k.CollectorExpenses.Add(e.Amount)
			k.ActivityCount++
		case EntryDisbursement:
			k.DisbursedPrincipal = k.DisbursedPrincipal.Add(e.Amount)
			k.ActivityCount++
		}
	}
	return k
}

// =============================================================================
// AGGREGATOR
// =============================================================================

// Aggregator computes KPIs from the remote ledger.
type Aggregator struct {
	Ledger LedgerReader
}

func NewAggregator(ledger LedgerReader) *Aggregator {
	return &Aggregator{Ledger: ledger}
}

// KPIsForDay fetches every entry for owner+date and reduces them.
func (a *Aggregator) KPIsForDay(ctx context.Context, owner OwnerID, date Date) (DayKPIs, error) {
	entries, err := a.Ledger.EntriesForDay(ctx, owner, date)
	if err != nil {
		return DayKPIs{}, fmt.Errorf("load entries for %s/%s: %w", owner, date, err)
	}
	k := ReduceKPIs(entries)
	k.OwnerID = owner
	k.Date = date
	return k, nil
}
