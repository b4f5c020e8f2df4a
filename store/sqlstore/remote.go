package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/fieldcash/arrears"
	"github.com/warp/fieldcash/cash"
)

// =============================================================================
// LEDGER ENTRIES
// =============================================================================

const entryColumns = `id, owner_id, tenant_id, entry_type, amount, operational_date, timezone,
	source, concept, loan_id, payment_id, queue_item_id, created_at`

func (x queries) GetEntry(ctx context.Context, id string) (*cash.LedgerEntry, error) {
	rows, err := x.query(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get entry: %w", err)
	}
	entries, err := scanEntries(rows)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[0], nil
}

func (x queries) EntriesForDay(ctx context.Context, owner cash.OwnerID, date cash.Date) ([]cash.LedgerEntry, error) {
	rows, err := x.query(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE owner_id = ? AND operational_date = ?
		ORDER BY created_at ASC, id ASC
	`, string(owner), string(date))
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	return scanEntries(rows)
}

func (x queries) PutEntryIfAbsent(ctx context.Context, e cash.LedgerEntry) (bool, error) {
	written, err := x.insertIfAbsent(ctx, `
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`,
		e.ID,
		string(e.OwnerID),
		e.TenantID,
		string(e.Type),
		e.Amount.String(),
		string(e.OperationalDate),
		e.Timezone,
		string(e.Source),
		e.Concept,
		e.LoanID,
		e.PaymentID,
		e.QueueItemID,
		formatTime(e.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to write entry %s: %w", e.ID, err)
	}
	return written, nil
}

func scanEntries(rows *sql.Rows) ([]cash.LedgerEntry, error) {
	defer rows.Close()

	var result []cash.LedgerEntry
	for rows.Next() {
		var (
			e                                  cash.LedgerEntry
			owner, typ, amount, date, src, ts string
		)
		if err := rows.Scan(&e.ID, &owner, &e.TenantID, &typ, &amount, &date, &e.Timezone,
			&src, &e.Concept, &e.LoanID, &e.PaymentID, &e.QueueItemID, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		e.OwnerID = cash.OwnerID(owner)
		e.Type = cash.EntryType(typ)
		e.Amount = parseDecimal(amount)
		e.OperationalDate = cash.Date(date)
		e.Source = cash.Source(src)
		e.CreatedAt = parseTime(ts)
		result = append(result, e)
	}
	return result, mapError(rows.Err())
}

// =============================================================================
// LOANS
// =============================================================================

const loanColumns = `id, owner_id, tenant_id, client_id, principal, outstanding_balance,
	installment_amount, installment_count, start_date, arrears_config_json, arrears_state_json,
	queue_item_id, created_at, updated_at`

func (x queries) GetLoan(ctx context.Context, id string) (*cash.Loan, error) {
	var (
		l                                     cash.Loan
		owner, principal, outstanding, inst   string
		start, cfgJSON, stateJSON, created, u string
	)
	err := x.queryRow(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = ?`+x.lockClause(), id).Scan(
		&l.ID, &owner, &l.TenantID, &l.ClientID, &principal, &outstanding,
		&inst, &l.InstallmentCount, &start, &cfgJSON, &stateJSON,
		&l.QueueItemID, &created, &u,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get loan: %w", mapError(err))
	}

	l.OwnerID = cash.OwnerID(owner)
	l.Principal = parseDecimal(principal)
	l.OutstandingBalance = parseDecimal(outstanding)
	l.InstallmentAmount = parseDecimal(inst)
	l.StartDate = cash.Date(start)
	if err := json.Unmarshal([]byte(cfgJSON), &l.Arrears); err != nil {
		return nil, fmt.Errorf("failed to decode arrears config of loan %s: %w", l.ID, err)
	}
	if err := json.Unmarshal([]byte(stateJSON), &l.ArrearsState); err != nil {
		return nil, fmt.Errorf("failed to decode arrears state of loan %s: %w", l.ID, err)
	}
	l.CreatedAt = parseTime(created)
	l.UpdatedAt = parseTime(u)
	return &l, nil
}

func (x queries) CreateLoanIfAbsent(ctx context.Context, l cash.Loan) (bool, error) {
	cfgJSON, err := json.Marshal(l.Arrears)
	if err != nil {
		return false, err
	}
	stateJSON, err := json.Marshal(l.ArrearsState)
	if err != nil {
		return false, err
	}

	written, err := x.insertIfAbsent(ctx, `
		INSERT INTO loans (`+loanColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`,
		l.ID,
		string(l.OwnerID),
		l.TenantID,
		l.ClientID,
		l.Principal.String(),
		l.OutstandingBalance.String(),
		l.InstallmentAmount.String(),
		l.InstallmentCount,
		string(l.StartDate),
		string(cfgJSON),
		string(stateJSON),
		l.QueueItemID,
		formatTime(l.CreatedAt),
		formatTime(l.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to create loan %s: %w", l.ID, err)
	}
	return written, nil
}

func (x queries) UpdateLoanBalance(ctx context.Context, id string, balance decimal.Decimal, at time.Time) error {
	return x.updateLoan(ctx, `UPDATE loans SET outstanding_balance = ?, updated_at = ? WHERE id = ?`,
		id, balance.String(), formatTime(at), id)
}

func (x queries) UpdateLoanArrears(ctx context.Context, id string, state arrears.Result, at time.Time) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return x.updateLoan(ctx, `UPDATE loans SET arrears_state_json = ?, updated_at = ? WHERE id = ?`,
		id, string(stateJSON), formatTime(at), id)
}

func (x queries) updateLoan(ctx context.Context, query, id string, args ...any) error {
	res, err := x.exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update loan %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", cash.ErrLoanNotFound, id)
	}
	return nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

const paymentColumns = `id, loan_id, owner_id, amount, balance_before, balance_after,
	operational_date, timezone, queue_item_id, created_at`

func (x queries) GetPayment(ctx context.Context, id string) (*cash.Payment, error) {
	rows, err := x.query(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	payments, err := scanPayments(rows)
	if err != nil || len(payments) == 0 {
		return nil, err
	}
	return &payments[0], nil
}

func (x queries) PutPaymentIfAbsent(ctx context.Context, p cash.Payment) (bool, error) {
	written, err := x.insertIfAbsent(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`,
		p.ID,
		p.LoanID,
		string(p.OwnerID),
		p.Amount.String(),
		p.BalanceBefore.String(),
		p.BalanceAfter.String(),
		string(p.OperationalDate),
		p.Timezone,
		p.QueueItemID,
		formatTime(p.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to write payment %s: %w", p.ID, err)
	}
	return written, nil
}

func (x queries) PaymentsForLoan(ctx context.Context, loanID string) ([]cash.Payment, error) {
	rows, err := x.query(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE loan_id = ?
		ORDER BY created_at ASC, id ASC
	`, loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	return scanPayments(rows)
}

func scanPayments(rows *sql.Rows) ([]cash.Payment, error) {
	defer rows.Close()

	var result []cash.Payment
	for rows.Next() {
		var (
			p                                  cash.Payment
			owner, amount, before, after, date string
			ts                                 string
		)
		if err := rows.Scan(&p.ID, &p.LoanID, &owner, &amount, &before, &after,
			&date, &p.Timezone, &p.QueueItemID, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		p.OwnerID = cash.OwnerID(owner)
		p.Amount = parseDecimal(amount)
		p.BalanceBefore = parseDecimal(before)
		p.BalanceAfter = parseDecimal(after)
		p.OperationalDate = cash.Date(date)
		p.CreatedAt = parseTime(ts)
		result = append(result, p)
	}
	return result, mapError(rows.Err())
}

// =============================================================================
// ABSENCES
// =============================================================================

func (x queries) GetAbsence(ctx context.Context, id string) (*cash.Absence, error) {
	var (
		a                 cash.Absence
		owner, date, ts   string
	)
	err := x.queryRow(ctx, `
		SELECT id, loan_id, owner_id, operational_date, reason, queue_item_id, created_at
		FROM absences WHERE id = ?
	`, id).Scan(&a.ID, &a.LoanID, &owner, &date, &a.Reason, &a.QueueItemID, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get absence: %w", mapError(err))
	}
	a.OwnerID = cash.OwnerID(owner)
	a.OperationalDate = cash.Date(date)
	a.CreatedAt = parseTime(ts)
	return &a, nil
}

func (x queries) PutAbsenceIfAbsent(ctx context.Context, a cash.Absence) (bool, error) {
	written, err := x.insertIfAbsent(ctx, `
		INSERT INTO absences (id, loan_id, owner_id, operational_date, reason, queue_item_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`,
		a.ID,
		a.LoanID,
		string(a.OwnerID),
		string(a.OperationalDate),
		a.Reason,
		a.QueueItemID,
		formatTime(a.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to write absence %s: %w", a.ID, err)
	}
	return written, nil
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
