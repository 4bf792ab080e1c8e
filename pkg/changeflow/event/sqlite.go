package event

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/randalmurphal/changeflow/pkg/changeflow/tenant"
)

// SQLiteStore persists events to SQLite.
// It is suitable for single-node deployments.
//
// The store uses a single connection, so a transaction opened by WithTx
// serializes with every other call. Inside WithTx use only the Tx.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY,
	event_type TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id INTEGER NOT NULL,
	action TEXT NOT NULL,
	previous_state TEXT NOT NULL,
	current_state TEXT NOT NULL,
	changed_fields TEXT NOT NULL,
	performed_by INTEGER,
	tenant TEXT NOT NULL,
	status TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	handler_results TEXT NOT NULL,
	claims INTEGER NOT NULL DEFAULT 0,
	claimed_at TEXT,
	created_at TEXT NOT NULL,
	processed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_status_tenant ON events(status, tenant);
CREATE INDEX IF NOT EXISTS idx_events_entity ON events(entity_type, entity_id);
`

const sqliteColumns = `id, event_type, entity_type, entity_id, action, previous_state,
	current_state, changed_fields, performed_by, tenant, status, retry_count,
	max_retries, error_message, handler_results, claims, claimed_at,
	created_at, processed_at`

// NewSQLiteStore creates a new SQLite event store.
// The path should be a file path (e.g., "./events.db") or ":memory:" for testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// DB returns the underlying database so companion tables (notifications,
// activity records) can live in the same file.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// SQLiteTx is the transaction handed to WithTx callbacks. The record store
// can write its own rows through SQL so they commit atomically with the
// events.
type SQLiteTx struct {
	tx    *sql.Tx
	hooks hooks
}

// SQL returns the underlying database transaction.
func (t *SQLiteTx) SQL() *sql.Tx { return t.tx }

// Create implements Tx.
func (t *SQLiteTx) Create(ctx context.Context, ev *Event) (int64, error) {
	if err := prepare(ev, time.Now()); err != nil {
		return 0, err
	}
	enc, err := encode(ev)
	if err != nil {
		return 0, err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO events (`+sqliteColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ev.ID, ev.Type, ev.EntityType, ev.EntityID, string(ev.Action),
		string(enc.previous), string(enc.current), string(enc.changed),
		nullInt64(ev.PerformedBy), string(ev.Tenant), string(ev.Status),
		ev.RetryCount, ev.MaxRetries, ev.ErrorMessage, string(enc.results),
		ev.Claims, nullTime(ev.ClaimedAt),
		formatTime(ev.CreatedAt), nullTime(ev.ProcessedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	return ev.ID, nil
}

// AfterCommit implements Tx.
func (t *SQLiteTx) AfterCommit(fn func()) {
	t.hooks.add(fn)
}

// WithTx implements Store.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.commit(ctx, fn)
	if err != nil {
		return err
	}
	tx.hooks.run()
	return nil
}

func (s *SQLiteStore) commit(ctx context.Context, fn func(tx Tx) error) (*SQLiteTx, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	tx := &SQLiteTx{tx: sqlTx}
	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return nil, err
	}
	if err := sqlTx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return tx, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, id int64) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.get(ctx, id)
}

func (s *SQLiteStore) get(ctx context.Context, id int64) (*Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM events WHERE id = ?`, id)
	ev, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load event: %w", err)
	}
	return ev, nil
}

// Claim implements Store.
func (s *SQLiteStore) Claim(ctx context.Context, id int64) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE events SET status = ?, claims = claims + 1, claimed_at = ?
		WHERE id = ? AND status = ?
	`, string(StatusProcessing), formatTime(time.Now()), id, string(StatusPending))
	if err != nil {
		return nil, fmt.Errorf("claim event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim event: %w", err)
	}
	if n == 0 {
		if _, err := s.get(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrNotClaimable
	}
	return s.get(ctx, id)
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, ev *Event, expect Status) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}

	enc, err := encode(ev)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE events SET
			status = ?, retry_count = ?, error_message = ?,
			handler_results = ?, processed_at = ?
		WHERE id = ? AND status = ? AND claims = ?
	`,
		string(ev.Status), ev.RetryCount, ev.ErrorMessage,
		string(enc.results), nullTime(ev.ProcessedAt),
		ev.ID, string(expect), ev.Claims,
	)
	if err != nil {
		return fmt.Errorf("save event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save event: %w", err)
	}
	if n == 0 {
		if _, err := s.get(ctx, ev.ID); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

// ListUnfinished implements Store.
func (s *SQLiteStore) ListUnfinished(ctx context.Context, t tenant.Handle, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	query := `SELECT ` + sqliteColumns + ` FROM events WHERE status IN (?, ?)`
	args := []any{string(StatusPending), string(StatusProcessing)}
	if t != tenant.None {
		query += ` AND tenant = ?`
		args = append(args, string(t))
	}
	query += ` ORDER BY id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		ev, err := scanSQLite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// Tenants implements Store.
func (s *SQLiteStore) Tenants(ctx context.Context) ([]tenant.Handle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT tenant FROM events WHERE status IN (?, ?) ORDER BY tenant
	`, string(StatusPending), string(StatusProcessing))
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var out []tenant.Handle
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		out = append(out, tenant.Handle(h))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tenants: %w", err)
	}
	return out, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row rowScanner) (*Event, error) {
	var (
		ev          Event
		action      string
		tenantName  string
		status      string
		performedBy sql.NullInt64
		createdAt   string
		processedAt sql.NullString
		claimedAt   sql.NullString
		enc         encoded
		previous    string
		current     string
		changed     string
		results     string
	)
	if err := row.Scan(
		&ev.ID, &ev.Type, &ev.EntityType, &ev.EntityID, &action,
		&previous, &current, &changed, &performedBy, &tenantName, &status,
		&ev.RetryCount, &ev.MaxRetries, &ev.ErrorMessage, &results,
		&ev.Claims, &claimedAt, &createdAt, &processedAt,
	); err != nil {
		return nil, err
	}

	ev.Action = Action(action)
	ev.Tenant = tenant.Handle(tenantName)
	ev.Status = Status(status)
	if performedBy.Valid {
		v := performedBy.Int64
		ev.PerformedBy = &v
	}
	ev.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	ev.ProcessedAt = parseNullTime(processedAt)
	ev.ClaimedAt = parseNullTime(claimedAt)

	enc.previous = []byte(previous)
	enc.current = []byte(current)
	enc.changed = []byte(changed)
	enc.results = []byte(results)
	if err := enc.decodeInto(&ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(v sql.NullString) *time.Time {
	if !v.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
