package event

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/randalmurphal/changeflow/pkg/changeflow/tenant"
)

// PostgresConfig configures NewPostgresStore.
type PostgresConfig struct {
	DSN      string
	MaxConns int32
	MinConns int32
}

// PostgresStore persists events to PostgreSQL through a pgx pool.
// Claims and saves are conditional updates, so several dispatcher processes
// can share one table.
type PostgresStore struct {
	pool *pgxpool.Pool
	own  bool
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS events (
	id BIGINT PRIMARY KEY,
	event_type TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id BIGINT NOT NULL,
	action TEXT NOT NULL,
	previous_state JSONB NOT NULL,
	current_state JSONB NOT NULL,
	changed_fields JSONB NOT NULL,
	performed_by BIGINT,
	tenant TEXT NOT NULL,
	status TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	handler_results JSONB NOT NULL,
	claims INTEGER NOT NULL DEFAULT 0,
	claimed_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	processed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_events_status_tenant ON events(status, tenant);
CREATE INDEX IF NOT EXISTS idx_events_entity ON events(entity_type, entity_id);
`

const postgresColumns = `id, event_type, entity_type, entity_id, action, previous_state,
	current_state, changed_fields, performed_by, tenant, status, retry_count,
	max_retries, error_message, handler_results, claims, claimed_at,
	created_at, processed_at`

// NewPostgresStore connects to PostgreSQL and ensures the events table exists.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := &PostgresStore{pool: pool, own: true}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStoreFromPool wraps an existing pool, typically the record
// store's, so events and mutations can share transactions. Close does not
// close a borrowed pool.
func NewPostgresStoreFromPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying connection pool.
func (s *PostgresStore) Pool() *pgxpool.Pool { return s.pool }

// Migrate creates the events table and indexes if they are missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// PostgresTx is the transaction handed to WithTx callbacks.
type PostgresTx struct {
	tx    pgx.Tx
	hooks hooks
}

// PGX returns the underlying transaction so the record store can write
// through it.
func (t *PostgresTx) PGX() pgx.Tx { return t.tx }

// Create implements Tx.
func (t *PostgresTx) Create(ctx context.Context, ev *Event) (int64, error) {
	if err := prepare(ev, time.Now()); err != nil {
		return 0, err
	}
	enc, err := encode(ev)
	if err != nil {
		return 0, err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO events (`+postgresColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`,
		ev.ID, ev.Type, ev.EntityType, ev.EntityID, string(ev.Action),
		enc.previous, enc.current, enc.changed,
		ev.PerformedBy, string(ev.Tenant), string(ev.Status),
		ev.RetryCount, ev.MaxRetries, ev.ErrorMessage, enc.results,
		ev.Claims, ev.ClaimedAt,
		ev.CreatedAt, ev.ProcessedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	return ev.ID, nil
}

// AfterCommit implements Tx.
func (t *PostgresTx) AfterCommit(fn func()) {
	t.hooks.add(fn)
}

// WithTx implements Store.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if s.pool == nil {
		return ErrStoreClosed
	}
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		// Rollback after a successful commit is a no-op.
		_ = pgTx.Rollback(ctx)
	}()

	tx := &PostgresTx{tx: pgTx}
	if err := fn(tx); err != nil {
		return err
	}
	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	tx.hooks.run()
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id int64) (*Event, error) {
	if s.pool == nil {
		return nil, ErrStoreClosed
	}
	row := s.pool.QueryRow(ctx, `SELECT `+postgresColumns+` FROM events WHERE id = $1`, id)
	ev, err := scanPostgres(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load event: %w", err)
	}
	return ev, nil
}

// Claim implements Store.
func (s *PostgresStore) Claim(ctx context.Context, id int64) (*Event, error) {
	if s.pool == nil {
		return nil, ErrStoreClosed
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE events SET status = $1, claims = claims + 1, claimed_at = now()
		WHERE id = $2 AND status = $3
		RETURNING `+postgresColumns,
		string(StatusProcessing), id, string(StatusPending))
	ev, err := scanPostgres(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, err := s.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrNotClaimable
	}
	if err != nil {
		return nil, fmt.Errorf("claim event: %w", err)
	}
	return ev, nil
}

// Save implements Store.
func (s *PostgresStore) Save(ctx context.Context, ev *Event, expect Status) error {
	if s.pool == nil {
		return ErrStoreClosed
	}
	enc, err := encode(ev)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE events SET
			status = $1, retry_count = $2, error_message = $3,
			handler_results = $4, processed_at = $5
		WHERE id = $6 AND status = $7 AND claims = $8
	`,
		string(ev.Status), ev.RetryCount, ev.ErrorMessage,
		enc.results, ev.ProcessedAt, ev.ID, string(expect), ev.Claims,
	)
	if err != nil {
		return fmt.Errorf("save event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, ev.ID); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

// ListUnfinished implements Store.
func (s *PostgresStore) ListUnfinished(ctx context.Context, t tenant.Handle, limit int) ([]*Event, error) {
	if s.pool == nil {
		return nil, ErrStoreClosed
	}

	query := `SELECT ` + postgresColumns + ` FROM events WHERE status IN ($1, $2)`
	args := []any{string(StatusPending), string(StatusProcessing)}
	if t != tenant.None {
		args = append(args, string(t))
		query += fmt.Sprintf(` AND tenant = $%d`, len(args))
	}
	query += ` ORDER BY id`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		ev, err := scanPostgres(rows)
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
func (s *PostgresStore) Tenants(ctx context.Context) ([]tenant.Handle, error) {
	if s.pool == nil {
		return nil, ErrStoreClosed
	}
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT tenant FROM events WHERE status IN ($1, $2) ORDER BY tenant
	`, string(StatusPending), string(StatusProcessing))
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	handles, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (tenant.Handle, error) {
		var h string
		err := row.Scan(&h)
		return tenant.Handle(h), err
	})
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	return handles, nil
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	if s.pool != nil && s.own {
		s.pool.Close()
	}
	s.pool = nil
	return nil
}

func scanPostgres(row pgx.Row) (*Event, error) {
	var (
		ev         Event
		action     string
		tenantName string
		status     string
		enc        encoded
	)
	if err := row.Scan(
		&ev.ID, &ev.Type, &ev.EntityType, &ev.EntityID, &action,
		&enc.previous, &enc.current, &enc.changed, &ev.PerformedBy, &tenantName, &status,
		&ev.RetryCount, &ev.MaxRetries, &ev.ErrorMessage, &enc.results,
		&ev.Claims, &ev.ClaimedAt, &ev.CreatedAt, &ev.ProcessedAt,
	); err != nil {
		return nil, err
	}
	ev.Action = Action(action)
	ev.Tenant = tenant.Handle(tenantName)
	ev.Status = Status(status)
	if err := enc.decodeInto(&ev); err != nil {
		return nil, err
	}
	return &ev, nil
}
