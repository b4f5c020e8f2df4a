/*
rollover.go - Day Rollover Reconciler

PURPOSE:
  Keeps the chain of operational days consistent per owner: every day with
  activity ends with exactly one deterministic close entry, and every day
  the device is used starts with exactly one open entry whose amount is the
  previous close.

DAY CHAIN:
  D-3 close ──► D-2 (no activity, skipped) ──► D-1 close ──► D open
  OpeningBase(D) walks backward from D-1 until it finds a close. A skipped
  day carries its predecessor's balance forward untouched.

INVOCATION ORDER:
  cold start / date boundary:  CloseMissingDays, then EnsureOpeningForToday
  ledger change / reconnect:   UpdateLiveBalance

IDEMPOTENCY:
  Open and close entries use deterministic ids (open_<owner>_<date>,
  close_<owner>_<date>) and are written with PutEntryIfAbsent. Running any
  operation twice is a no-op apart from re-propagating the cached balance.

SEE ALSO:
  - kpi.go: closing balance formula
  - ids.go: deterministic id patterns
*/
package cash

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/fieldcash/events"
)

// DefaultLookbackDays bounds the backward walk when no close is found.
const DefaultLookbackDays = 30

// OpeningSource says where an opening base came from.
type OpeningSource string

const (
	OpeningFromClose        OpeningSource = "close"
	OpeningFromManualClose  OpeningSource = "manual_close"
	OpeningFromIdleDay      OpeningSource = "idle_day_open"
	OpeningFromRunningCache OpeningSource = "running_balance"
	OpeningFromZero         OpeningSource = "zero"
)

// Opening is a resolved opening base.
type Opening struct {
	Amount decimal.Decimal `json:"amount"`
	Source OpeningSource   `json:"source"`

	// AnchorDate is the day the amount was taken from, if any.
	AnchorDate Date `json:"anchor_date,omitempty"`
}

// RolloverSummary reports what CloseMissingDays did.
type RolloverSummary struct {
	OwnerID       OwnerID `json:"owner_id"`
	Today         Date    `json:"today"`
	Anchor        Date    `json:"anchor,omitempty"`
	AnchorMissing bool    `json:"anchor_missing"`
	Closed        []Date  `json:"closed"`
	Skipped       []Date  `json:"skipped"`
}

// Reconciler runs the day state machine.
type Reconciler struct {
	Ledger        LedgerStore
	CashState     CashStateStore
	Aggregator    *Aggregator
	Clock         Clock
	Bus           *events.Bus
	Logger        *zap.Logger
	LookbackLimit int
}

// NewReconciler wires a reconciler with defaults for the optional parts.
func NewReconciler(ledger LedgerStore, state CashStateStore, bus *events.Bus, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		Ledger:        ledger,
		CashState:     state,
		Aggregator:    NewAggregator(ledger),
		Clock:         SystemClock{},
		Bus:           bus,
		Logger:        logger.Named("rollover"),
		LookbackLimit: DefaultLookbackDays,
	}
}

func (r *Reconciler) lookback() int {
	if r.LookbackLimit <= 0 {
		return DefaultLookbackDays
	}
	return r.LookbackLimit
}

// =============================================================================
// OPENING BASE
// =============================================================================

// OpeningBase resolves the balance a day starts with. For each earlier day,
// newest first: the deterministic close, else the latest other close entry,
// else the opening of a day that had no activity. Past the lookback limit it
// falls back to the cached running balance when positive, else zero.
func (r *Reconciler) OpeningBase(ctx context.Context, owner OwnerID, date Date) (Opening, error) {
	for i := 1; i <= r.lookback(); i++ {
		day := date.AddDays(-i)
		opening, found, err := r.closingOf(ctx, owner, day)
		if err != nil {
			return Opening{}, err
		}
		if found {
			return opening, nil
		}
	}

	state, err := r.CashState.GetCashState(ctx, owner)
	if err != nil {
		return Opening{}, fmt.Errorf("read cash state for %s: %w", owner, err)
	}
	if state != nil && state.RunningBalance.IsPositive() {
		return Opening{Amount: state.RunningBalance, Source: OpeningFromRunningCache}, nil
	}
	return Opening{Amount: decimal.Zero, Source: OpeningFromZero}, nil
}

// closingOf looks for a closing balance recorded for day.
func (r *Reconciler) closingOf(ctx context.Context, owner OwnerID, day Date) (Opening, bool, error) {
	det, err := r.Ledger.GetEntry(ctx, DayEntryID(PrefixClose, owner, day))
	if err != nil {
		return Opening{}, false, fmt.Errorf("read close for %s: %w", day, err)
	}
	if det != nil {
		return Opening{Amount: det.Amount, Source: OpeningFromClose, AnchorDate: day}, true, nil
	}

	entries, err := r.Ledger.EntriesForDay(ctx, owner, day)
	if err != nil {
		return Opening{}, false, fmt.Errorf("load entries for %s: %w", day, err)
	}

	if closeEntry := latestOfType(entries, EntryClose); closeEntry != nil {
		return Opening{Amount: closeEntry.Amount, Source: OpeningFromManualClose, AnchorDate: day}, true, nil
	}

	k := ReduceKPIs(entries)
	if k.HasOpening && !k.HasActivity() {
		return Opening{Amount: k.Opening, Source: OpeningFromIdleDay, AnchorDate: day}, true, nil
	}
	return Opening{}, false, nil
}

func latestOfType(entries []LedgerEntry, want EntryType) *LedgerEntry {
	var latest *LedgerEntry
	for i := range entries {
		t, ok := CanonicalType(string(entries[i].Type))
		if !ok || t != want {
			continue
		}
		if latest == nil || entries[i].CreatedAt.After(latest.CreatedAt) {
			latest = &entries[i]
		}
	}
	return latest
}

// =============================================================================
// OPEN / CLOSE
// =============================================================================

// EnsureOpeningForToday writes today's deterministic open entry unless any
// open entry already exists for today. It returns the opening in effect.
func (r *Reconciler) EnsureOpeningForToday(ctx context.Context, owner OwnerID, today Date, tz string) (LedgerEntry, bool, error) {
	entries, err := r.Ledger.EntriesForDay(ctx, owner, today)
	if err != nil {
		return LedgerEntry{}, false, fmt.Errorf("load entries for %s: %w", today, err)
	}
	if existing := latestOfType(entries, EntryOpen); existing != nil {
		return *existing, false, nil
	}

	base, err := r.OpeningBase(ctx, owner, today)
	if err != nil {
		return LedgerEntry{}, false, err
	}

	entry := LedgerEntry{
		ID:              DayEntryID(PrefixOpen, owner, today),
		OwnerID:         owner,
		Type:            EntryOpen,
		Amount:          base.Amount,
		OperationalDate: today,
		Timezone:        tz,
		CreatedAt:       r.Clock.Now(),
		Source:          SourceRollover,
		Concept:         "opening base: " + string(base.Source),
	}
	written, err := r.Ledger.PutEntryIfAbsent(ctx, entry)
	if err != nil {
		return LedgerEntry{}, false, fmt.Errorf("write open for %s: %w", today, err)
	}
	if !written {
		stored, err := r.Ledger.GetEntry(ctx, entry.ID)
		if err != nil {
			return LedgerEntry{}, false, fmt.Errorf("read open for %s: %w", today, err)
		}
		if stored != nil {
			entry = *stored
		}
	}

	if err := r.propagate(ctx, owner, entry.Amount, ""); err != nil {
		return LedgerEntry{}, false, err
	}

	if written {
		r.Logger.Info("day opened",
			zap.String("owner", string(owner)),
			zap.String("date", string(today)),
			zap.String("amount", entry.Amount.String()),
			zap.String("source", string(base.Source)),
		)
		r.publishChanged(ctx, owner, today)
	}
	return entry, written, nil
}

// CloseDay writes the deterministic close entry for date. If it already
// exists the stored balance is re-propagated into the cache and nothing is
// written.
func (r *Reconciler) CloseDay(ctx context.Context, owner OwnerID, date Date, tz string) (LedgerEntry, bool, error) {
	id := DayEntryID(PrefixClose, owner, date)

	existing, err := r.Ledger.GetEntry(ctx, id)
	if err != nil {
		return LedgerEntry{}, false, fmt.Errorf("read close for %s: %w", date, err)
	}
	if existing != nil {
		if err := r.propagate(ctx, owner, existing.Amount, date); err != nil {
			return LedgerEntry{}, false, err
		}
		return *existing, false, nil
	}

	k, err := r.Aggregator.KPIsForDay(ctx, owner, date)
	if err != nil {
		return LedgerEntry{}, false, err
	}
	if !k.HasOpening {
		base, err := r.OpeningBase(ctx, owner, date)
		if err != nil {
			return LedgerEntry{}, false, err
		}
		k.Opening = base.Amount
	}

	entry := LedgerEntry{
		ID:              id,
		OwnerID:         owner,
		Type:            EntryClose,
		Amount:          k.ClosingBalance(),
		OperationalDate: date,
		Timezone:        tz,
		CreatedAt:       r.Clock.Now(),
		Source:          SourceRollover,
	}
	written, err := r.Ledger.PutEntryIfAbsent(ctx, entry)
	if err != nil {
		return LedgerEntry{}, false, fmt.Errorf("write close for %s: %w", date, err)
	}
	if !written {
		// another device closed the day between our read and write
		stored, err := r.Ledger.GetEntry(ctx, id)
		if err != nil {
			return LedgerEntry{}, false, fmt.Errorf("read close for %s: %w", date, err)
		}
		if stored != nil {
			entry = *stored
		}
	}

	if err := r.propagate(ctx, owner, entry.Amount, date); err != nil {
		return LedgerEntry{}, false, err
	}

	if written {
		r.Logger.Info("day closed",
			zap.String("owner", string(owner)),
			zap.String("date", string(date)),
			zap.String("closing", entry.Amount.String()),
			zap.Int("activity", k.ActivityCount),
		)
		r.publishChanged(ctx, owner, date)
	}
	return entry, written, nil
}

// CloseMissingDays closes every unclosed day with activity between the last
// closed day and yesterday, oldest first. Days without activity are skipped.
func (r *Reconciler) CloseMissingDays(ctx context.Context, owner OwnerID, today Date, tz string) (RolloverSummary, error) {
	summary := RolloverSummary{OwnerID: owner, Today: today}

	var pending []Date
	for i := 1; i <= r.lookback(); i++ {
		day := today.AddDays(-i)
		entries, err := r.Ledger.EntriesForDay(ctx, owner, day)
		if err != nil {
			return summary, fmt.Errorf("load entries for %s: %w", day, err)
		}
		if latestOfType(entries, EntryClose) != nil {
			summary.Anchor = day
			break
		}
		pending = append(pending, day)
	}

	if summary.Anchor == "" && len(pending) > 0 {
		state, err := r.CashState.GetCashState(ctx, owner)
		if err != nil {
			return summary, fmt.Errorf("read cash state for %s: %w", owner, err)
		}
		if state != nil && state.LastCloseDate != "" {
			summary.AnchorMissing = true
			r.anchorMissing(ctx, owner, today)
		}
	}

	for i := len(pending) - 1; i >= 0; i-- {
		day := pending[i]
		k, err := r.Aggregator.KPIsForDay(ctx, owner, day)
		if err != nil {
			return summary, err
		}
		if !k.HasActivity() {
			summary.Skipped = append(summary.Skipped, day)
			continue
		}
		if _, _, err := r.CloseDay(ctx, owner, day, tz); err != nil {
			return summary, err
		}
		summary.Closed = append(summary.Closed, day)
	}

	if len(summary.Closed) > 0 {
		r.Logger.Info("missing days closed",
			zap.String("owner", string(owner)),
			zap.Int("closed", len(summary.Closed)),
			zap.Int("skipped", len(summary.Skipped)),
		)
	}
	return summary, nil
}

// Roll runs the cold-start pair: close missing days, then open today.
func (r *Reconciler) Roll(ctx context.Context, owner OwnerID, today Date, tz string) (RolloverSummary, error) {
	summary, err := r.CloseMissingDays(ctx, owner, today, tz)
	if err != nil {
		return summary, err
	}
	if _, _, err := r.EnsureOpeningForToday(ctx, owner, today, tz); err != nil {
		return summary, err
	}
	return summary, nil
}

// =============================================================================
// LIVE BALANCE
// =============================================================================

// UpdateLiveBalance recomputes today's non-final closing estimate and stores
// it in the Live fields of the cash state. It never writes a ledger entry.
func (r *Reconciler) UpdateLiveBalance(ctx context.Context, owner OwnerID, today Date) (DayKPIs, error) {
	k, err := r.Aggregator.KPIsForDay(ctx, owner, today)
	if err != nil {
		return DayKPIs{}, err
	}
	if !k.HasOpening {
		base, err := r.OpeningBase(ctx, owner, today)
		if err != nil {
			return DayKPIs{}, err
		}
		k.Opening = base.Amount
	}

	state, err := r.currentState(ctx, owner)
	if err != nil {
		return DayKPIs{}, err
	}
	state.LiveBalance = k.ClosingBalance()
	state.LiveDate = today
	state.UpdatedAt = r.Clock.Now()

	if err := r.CashState.PutCashState(ctx, state); err != nil {
		return DayKPIs{}, fmt.Errorf("write live balance for %s: %w", owner, err)
	}
	return k, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (r *Reconciler) currentState(ctx context.Context, owner OwnerID) (CashState, error) {
	state, err := r.CashState.GetCashState(ctx, owner)
	if err != nil {
		return CashState{}, fmt.Errorf("read cash state for %s: %w", owner, err)
	}
	if state == nil {
		return CashState{OwnerID: owner}, nil
	}
	return *state, nil
}

// propagate replaces the running balance. closeDate is empty for openings.
// A close older than the last recorded one never rewinds the cache.
func (r *Reconciler) propagate(ctx context.Context, owner OwnerID, balance decimal.Decimal, closeDate Date) error {
	state, err := r.currentState(ctx, owner)
	if err != nil {
		return err
	}
	if closeDate != "" {
		if state.LastCloseDate.After(closeDate) {
			return nil
		}
		state.LastCloseDate = closeDate
	}
	state.RunningBalance = balance
	state.UpdatedAt = r.Clock.Now()

	if err := r.CashState.PutCashState(ctx, state); err != nil {
		return fmt.Errorf("write cash state for %s: %w", owner, err)
	}
	return nil
}

func (r *Reconciler) anchorMissing(ctx context.Context, owner OwnerID, date Date) {
	r.Logger.Warn("no close entry within lookback",
		zap.String("owner", string(owner)),
		zap.String("date", string(date)),
		zap.Int("lookback_days", r.lookback()),
	)
	r.Bus.Publish(ctx, events.Event{
		Topic:   events.TopicChainAnchorMissing,
		OwnerID: string(owner),
		Date:    string(date),
		Message: fmt.Sprintf("no close entry in the %d days before %s", r.lookback(), date),
	})
}

func (r *Reconciler) publishChanged(ctx context.Context, owner OwnerID, date Date) {
	r.Bus.Publish(ctx, events.Event{
		Topic:   events.TopicLedgerChanged,
		OwnerID: string(owner),
		Date:    string(date),
		Origin:  "rollover",
	})
}
