// Package store provides an in-memory remote store.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/fieldcash/arrears"
	"github.com/warp/fieldcash/cash"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

var (
	_ cash.TxRemoteStore  = (*Memory)(nil)
	_ cash.CashStateStore = (*Memory)(nil)
	_ cash.RemoteStore    = (*txView)(nil)
)

// Memory implements cash.TxRemoteStore and cash.CashStateStore.
type Memory struct {
	mu     sync.RWMutex
	t      *tables
	states map[cash.OwnerID]cash.CashState
}

type dayKey struct {
	Owner cash.OwnerID
	Date  cash.Date
}

type tables struct {
	entries  map[string]cash.LedgerEntry
	byDay    map[dayKey][]string
	loans    map[string]cash.Loan
	payments map[string]cash.Payment
	absences map[string]cash.Absence
}

func newTables() *tables {
	return &tables{
		entries:  make(map[string]cash.LedgerEntry),
		byDay:    make(map[dayKey][]string),
		loans:    make(map[string]cash.Loan),
		payments: make(map[string]cash.Payment),
		absences: make(map[string]cash.Absence),
	}
}

func NewMemory() *Memory {
	return &Memory{
		t:      newTables(),
		states: make(map[cash.OwnerID]cash.CashState),
	}
}

// ---- ledger ----

func (m *Memory) GetEntry(_ context.Context, id string) (*cash.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.getEntry(id), nil
}

func (m *Memory) EntriesForDay(_ context.Context, owner cash.OwnerID, date cash.Date) ([]cash.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.entriesForDay(owner, date), nil
}

func (m *Memory) PutEntryIfAbsent(_ context.Context, e cash.LedgerEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t.putEntry(e), nil
}

// ---- loans ----

func (m *Memory) GetLoan(_ context.Context, id string) (*cash.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.getLoan(id), nil
}

func (m *Memory) CreateLoanIfAbsent(_ context.Context, loan cash.Loan) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t.createLoan(loan), nil
}

func (m *Memory) UpdateLoanBalance(_ context.Context, id string, balance decimal.Decimal, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t.updateBalance(id, balance, at)
}

func (m *Memory) UpdateLoanArrears(_ context.Context, id string, state arrears.Result, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t.updateArrears(id, state, at)
}

// ---- payments / absences ----

func (m *Memory) GetPayment(_ context.Context, id string) (*cash.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.getPayment(id), nil
}

func (m *Memory) PutPaymentIfAbsent(_ context.Context, p cash.Payment) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t.putPayment(p), nil
}

func (m *Memory) PaymentsForLoan(_ context.Context, loanID string) ([]cash.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.paymentsForLoan(loanID), nil
}

func (m *Memory) GetAbsence(_ context.Context, id string) (*cash.Absence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.getAbsence(id), nil
}

func (m *Memory) PutAbsenceIfAbsent(_ context.Context, a cash.Absence) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t.putAbsence(a), nil
}

// ---- cash state ----

func (m *Memory) GetCashState(_ context.Context, owner cash.OwnerID) (*cash.CashState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[owner]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *Memory) PutCashState(_ context.Context, s cash.CashState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[s.OwnerID] = s
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(_ context.Context, fn func(cash.RemoteStore) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.t.clone()
	if err := fn(&txView{t: m.t}); err != nil {
		m.t = snapshot
		return err
	}
	return nil
}

// txView runs under the parent's write lock.
type txView struct {
	t *tables
}

func (v *txView) GetEntry(_ context.Context, id string) (*cash.LedgerEntry, error) {
	return v.t.getEntry(id), nil
}

func (v *txView) EntriesForDay(_ context.Context, owner cash.OwnerID, date cash.Date) ([]cash.LedgerEntry, error) {
	return v.t.entriesForDay(owner, date), nil
}

func (v *txView) PutEntryIfAbsent(_ context.Context, e cash.LedgerEntry) (bool, error) {
	return v.t.putEntry(e), nil
}

func (v *txView) GetLoan(_ context.Context, id string) (*cash.Loan, error) {
	return v.t.getLoan(id), nil
}

func (v *txView) CreateLoanIfAbsent(_ context.Context, loan cash.Loan) (bool, error) {
	return v.t.createLoan(loan), nil
}

func (v *txView) UpdateLoanBalance(_ context.Context, id string, balance decimal.Decimal, at time.Time) error {
	return v.t.updateBalance(id, balance, at)
}

func (v *txView) UpdateLoanArrears(_ context.Context, id string, state arrears.Result, at time.Time) error {
	return v.t.updateArrears(id, state, at)
}

func (v *txView) GetPayment(_ context.Context, id string) (*cash.Payment, error) {
	return v.t.getPayment(id), nil
}

func (v *txView) PutPaymentIfAbsent(_ context.Context, p cash.Payment) (bool, error) {
	return v.t.putPayment(p), nil
}

func (v *txView) PaymentsForLoan(_ context.Context, loanID string) ([]cash.Payment, error) {
	return v.t.paymentsForLoan(loanID), nil
}

func (v *txView) GetAbsence(_ context.Context, id string) (*cash.Absence, error) {
	return v.t.getAbsence(id), nil
}

func (v *txView) PutAbsenceIfAbsent(_ context.Context, a cash.Absence) (bool, error) {
	return v.t.putAbsence(a), nil
}

// =============================================================================
// TABLES - unlocked primitives shared by Memory and txView
// =============================================================================

func (t *tables) clone() *tables {
	c := newTables()
	for k, v := range t.entries {
		c.entries[k] = v
	}
	for k, v := range t.byDay {
		c.byDay[k] = append([]string{}, v...)
	}
	for k, v := range t.loans {
		c.loans[k] = v
	}
	for k, v := range t.payments {
		c.payments[k] = v
	}
	for k, v := range t.absences {
		c.absences[k] = v
	}
	return c
}

func (t *tables) getEntry(id string) *cash.LedgerEntry {
	e, ok := t.entries[id]
	if !ok {
		return nil
	}
	return &e
}

func (t *tables) putEntry(e cash.LedgerEntry) bool {
	if _, exists := t.entries[e.ID]; exists {
		return false
	}
	t.entries[e.ID] = e
	k := dayKey{Owner: e.OwnerID, Date: e.OperationalDate}
	t.byDay[k] = append(t.byDay[k], e.ID)
	return true
}

func (t *tables) entriesForDay(owner cash.OwnerID, date cash.Date) []cash.LedgerEntry {
	ids := t.byDay[dayKey{Owner: owner, Date: date}]
	result := make([]cash.LedgerEntry, 0, len(ids))
	for _, id := range ids {
		result = append(result, t.entries[id])
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

func (t *tables) getLoan(id string) *cash.Loan {
	l, ok := t.loans[id]
	if !ok {
		return nil
	}
	return &l
}

func (t *tables) createLoan(loan cash.Loan) bool {
	if _, exists := t.loans[loan.ID]; exists {
		return false
	}
	t.loans[loan.ID] = loan
	return true
}

func (t *tables) updateBalance(id string, balance decimal.Decimal, at time.Time) error {
	l, ok := t.loans[id]
	if !ok {
		return cash.ErrLoanNotFound
	}
	l.OutstandingBalance = balance
	l.UpdatedAt = at
	t.loans[id] = l
	return nil
}

func (t *tables) updateArrears(id string, state arrears.Result, at time.Time) error {
	l, ok := t.loans[id]
	if !ok {
		return cash.ErrLoanNotFound
	}
	l.ArrearsState = state
	l.UpdatedAt = at
	t.loans[id] = l
	return nil
}

func (t *tables) getPayment(id string) *cash.Payment {
	p, ok := t.payments[id]
	if !ok {
		return nil
	}
	return &p
}

func (t *tables) putPayment(p cash.Payment) bool {
	if _, exists := t.payments[p.ID]; exists {
		return false
	}
	t.payments[p.ID] = p
	return true
}

func (t *tables) paymentsForLoan(loanID string) []cash.Payment {
	var result []cash.Payment
	for _, p := range t.payments {
		if p.LoanID == loanID {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

func (t *tables) getAbsence(id string) *cash.Absence {
	a, ok := t.absences[id]
	if !ok {
		return nil
	}
	return &a
}

func (t *tables) putAbsence(a cash.Absence) bool {
	if _, exists := t.absences[a.ID]; exists {
		return false
	}
	t.absences[a.ID] = a
	return true
}
