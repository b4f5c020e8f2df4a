package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warp/fieldcash/cash"
	"github.com/warp/fieldcash/queue"
)

// =============================================================================
// CASH STATE
// =============================================================================

func (s *Store) GetCashState(ctx context.Context, owner cash.OwnerID) (*cash.CashState, error) {
	var (
		st                                  cash.CashState
		running, lastClose, live, liveDate  string
		updated                             string
	)
	err := s.queryRow(ctx, `
		SELECT running_balance, last_close_date, live_balance, live_date, updated_at
		FROM cash_state WHERE owner_id = ?
	`, string(owner)).Scan(&running, &lastClose, &live, &liveDate, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cash state: %w", mapError(err))
	}

	st.OwnerID = owner
	st.RunningBalance = parseDecimal(running)
	st.LastCloseDate = cash.Date(lastClose)
	st.LiveBalance = parseDecimal(live)
	st.LiveDate = cash.Date(liveDate)
	st.UpdatedAt = parseTime(updated)
	return &st, nil
}

func (s *Store) PutCashState(ctx context.Context, st cash.CashState) error {
	_, err := s.exec(ctx, `
		INSERT INTO cash_state (owner_id, running_balance, last_close_date, live_balance, live_date, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner_id) DO UPDATE SET
			running_balance = excluded.running_balance,
			last_close_date = excluded.last_close_date,
			live_balance = excluded.live_balance,
			live_date = excluded.live_date,
			updated_at = excluded.updated_at
	`,
		string(st.OwnerID),
		st.RunningBalance.String(),
		string(st.LastCloseDate),
		st.LiveBalance.String(),
		string(st.LiveDate),
		formatTime(st.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to put cash state for %s: %w", st.OwnerID, err)
	}
	return nil
}

// =============================================================================
// DEVICE RECORDS
// =============================================================================

// QueueRecord returns a queue.Persister that keeps the whole queue list as
// one JSON value under key.
func (s *Store) QueueRecord(key string) queue.Persister {
	return &record{store: s, key: key}
}

type record struct {
	store *Store
	key   string
}

func (r *record) Load(ctx context.Context) ([]queue.Item, error) {
	var value string
	err := r.store.queryRow(ctx, `SELECT value FROM device_records WHERE record_key = ?`, r.key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load record %s: %w", r.key, mapError(err))
	}
	return queue.DecodeList([]byte(value))
}

func (r *record) Save(ctx context.Context, items []queue.Item) error {
	data, err := queue.EncodeList(items)
	if err != nil {
		return err
	}
	_, err = r.store.exec(ctx, `
		INSERT INTO device_records (record_key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (record_key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, r.key, string(data), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save record %s: %w", r.key, err)
	}
	return nil
}
