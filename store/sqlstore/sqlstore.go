/*
Package sqlstore provides the database/sql implementation of the storage
interfaces, for SQLite and PostgreSQL.

PURPOSE:
  One implementation serves both roles in a deployment:
  - the remote system of record (ledger entries, loans, payments, absences)
  - the device database (the queue record and the cash-state cache)
  Each role is usually a separate database; nothing prevents sharing one.

INTERFACES IMPLEMENTED:
  cash.TxRemoteStore:  ledger + loan side, with transactions
  cash.CashStateStore: per-owner balance cache
  queue.Persister:     via Store.QueueRecord(key)

WRITE-IF-ABSENT:
  Every Put*IfAbsent is INSERT ... ON CONFLICT (id) DO NOTHING and reports
  RowsAffected() == 1. Both dialects support the syntax.

DIALECTS:
  Queries are written with ? placeholders and rebound to $n for postgres.
  Amounts are stored as decimal strings, timestamps as fixed-width UTC text
  so they order lexically.

ERROR MAPPING:
  SQLITE_BUSY / SQLITE_LOCKED and postgres 40001 (serialization failure) /
  40P01 (deadlock) become cash.ErrConcurrentModification, which the sync
  engine retries with backoff.

MIGRATION:
  Open() applies the schema. New() wraps an existing *sql.DB as-is (tests
  with sqlmock, externally migrated databases).

SEE ALSO:
  - cash/store.go: interface definitions
  - cash/store/memory.go: in-memory implementation
*/
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/warp/fieldcash/cash"
)

// Dialect selects placeholder style and driver.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "postgres"
)

// timeLayout is fixed width so text comparison matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

var (
	_ cash.TxRemoteStore  = (*Store)(nil)
	_ cash.CashStateStore = (*Store)(nil)
)

// Store implements the remote and device storage interfaces.
type Store struct {
	queries
	db *sql.DB
}

// Open connects with driver ("sqlite3" or "postgres") and migrates.
// Use ":memory:" as the sqlite DSN for a throwaway database.
func Open(driver, dsn string) (*Store, error) {
	dialect := Dialect(driver)
	switch dialect {
	case DialectSQLite:
		dsn = withParams(dsn, "_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	case DialectPostgres:
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dialect == DialectSQLite {
		// one writer; also keeps a :memory: database on a single connection
		db.SetMaxOpenConns(1)
	}

	s := New(db, dialect)
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// New wraps db without touching its schema.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{queries: queries{q: db, d: dialect}, db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(cash.RemoteStore) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapError(err))
	}
	defer sqlTx.Rollback()

	if err := fn(queries{q: sqlTx, d: s.d, inTx: true}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", mapError(err))
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	-- Ledger (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL DEFAULT '',
		entry_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		operational_date TEXT NOT NULL,
		timezone TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT '',
		concept TEXT NOT NULL DEFAULT '',
		loan_id TEXT NOT NULL DEFAULT '',
		payment_id TEXT NOT NULL DEFAULT '',
		queue_item_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	-- Hot path: KPIs and rollover read one owner-day at a time
	CREATE INDEX IF NOT EXISTS idx_ledger_owner_date
		ON ledger_entries(owner_id, operational_date, created_at);

	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL DEFAULT '',
		client_id TEXT NOT NULL DEFAULT '',
		principal TEXT NOT NULL,
		outstanding_balance TEXT NOT NULL,
		installment_amount TEXT NOT NULL,
		installment_count INTEGER NOT NULL,
		start_date TEXT NOT NULL,
		arrears_config_json TEXT NOT NULL DEFAULT '{}',
		arrears_state_json TEXT NOT NULL DEFAULT '{}',
		queue_item_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_loans_owner ON loans(owner_id);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL REFERENCES loans(id),
		owner_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		balance_before TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		operational_date TEXT NOT NULL,
		timezone TEXT NOT NULL DEFAULT '',
		queue_item_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_loan ON payments(loan_id, created_at);

	CREATE TABLE IF NOT EXISTS absences (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL REFERENCES loans(id),
		owner_id TEXT NOT NULL,
		operational_date TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		queue_item_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	-- Device side
	CREATE TABLE IF NOT EXISTS cash_state (
		owner_id TEXT PRIMARY KEY,
		running_balance TEXT NOT NULL,
		last_close_date TEXT NOT NULL DEFAULT '',
		live_balance TEXT NOT NULL DEFAULT '0',
		live_date TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS device_records (
		record_key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`

	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stripComments(stmt)) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// QUERY PLUMBING
// =============================================================================

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries carries every statement; Store runs it on the pool, WithTx on a
// transaction.
type queries struct {
	q    querier
	d    Dialect
	inTx bool
}

// lockClause row-locks a read that precedes a computed write. sqlite already
// serializes writers on its single connection.
func (x queries) lockClause() string {
	if x.inTx && x.d == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

func (x queries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := x.q.ExecContext(ctx, x.d.rebind(query), args...)
	return res, mapError(err)
}

func (x queries) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := x.q.QueryContext(ctx, x.d.rebind(query), args...)
	return rows, mapError(err)
}

func (x queries) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return x.q.QueryRowContext(ctx, x.d.rebind(query), args...)
}

// insertIfAbsent runs an INSERT ... ON CONFLICT DO NOTHING.
func (x queries) insertIfAbsent(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := x.exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// rebind converts ? placeholders to $1..$n for postgres.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// mapError translates driver conflict errors to cash.ErrConcurrentModification.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %v", cash.ErrConcurrentModification, err)
	}

	var pe *pq.Error
	if errors.As(err, &pe) && (pe.Code == "40001" || pe.Code == "40P01") {
		return fmt.Errorf("%w: %v", cash.ErrConcurrentModification, err)
	}
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func withParams(dsn, params string) string {
	if strings.Contains(dsn, "?") {
		return dsn + "&" + params
	}
	return dsn + "?" + params
}

func stripComments(stmt string) string {
	var kept []string
	for _, line := range strings.Split(stmt, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}
