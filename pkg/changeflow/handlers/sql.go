package handlers

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS client_activities (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	client_id INTEGER NOT NULL,
	activity_type TEXT NOT NULL,
	description TEXT NOT NULL,
	event_id INTEGER NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id INTEGER NOT NULL,
	performed_by INTEGER,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_client_activities_client ON client_activities(client_id, created_at);
CREATE TABLE IF NOT EXISTS follow_up_tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	title TEXT NOT NULL,
	assignee_id INTEGER,
	due_at TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id INTEGER NOT NULL,
	event_id INTEGER NOT NULL
);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS client_activities (
	id BIGSERIAL PRIMARY KEY,
	client_id BIGINT NOT NULL,
	activity_type TEXT NOT NULL,
	description TEXT NOT NULL,
	event_id BIGINT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id BIGINT NOT NULL,
	performed_by BIGINT,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_client_activities_client ON client_activities(client_id, created_at);
CREATE TABLE IF NOT EXISTS follow_up_tasks (
	id BIGSERIAL PRIMARY KEY,
	title TEXT NOT NULL,
	assignee_id BIGINT,
	due_at TIMESTAMPTZ NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id BIGINT NOT NULL,
	event_id BIGINT NOT NULL
);
`

// SQLiteWriter stores activities and follow-up tasks in SQLite.
type SQLiteWriter struct {
	db *sql.DB
}

// Compile-time interface checks.
var (
	_ ActivityWriter = (*SQLiteWriter)(nil)
	_ TaskWriter     = (*SQLiteWriter)(nil)
)

// NewSQLiteWriter creates the activity and task tables in db if needed.
func NewSQLiteWriter(ctx context.Context, db *sql.DB) (*SQLiteWriter, error) {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("create handler schema: %w", err)
	}
	return &SQLiteWriter{db: db}, nil
}

// WriteActivity implements ActivityWriter.
func (w *SQLiteWriter) WriteActivity(ctx context.Context, rec ActivityRecord) error {
	_, err := w.db.ExecContext(ctx,
		`INSERT INTO client_activities
		 (client_id, activity_type, description, event_id, entity_type, entity_id, performed_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ClientID, rec.Type, rec.Description, rec.EventID, rec.EntityType, rec.EntityID,
		nullableID(rec.PerformedBy), rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// CreateTask implements TaskWriter.
func (w *SQLiteWriter) CreateTask(ctx context.Context, t Task) (int64, error) {
	res, err := w.db.ExecContext(ctx,
		`INSERT INTO follow_up_tasks (title, assignee_id, due_at, entity_type, entity_id, event_id)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.Title, nullableID(t.AssigneeID), t.DueAt.UTC().Format(time.RFC3339Nano),
		t.EntityType, t.EntityID, t.EventID,
	)
	if err != nil {
		return 0, fmt.Errorf("insert task: %w", err)
	}
	return res.LastInsertId()
}

// PostgresWriter stores activities and follow-up tasks through a pgx pool.
type PostgresWriter struct {
	pool *pgxpool.Pool
}

// Compile-time interface checks.
var (
	_ ActivityWriter = (*PostgresWriter)(nil)
	_ TaskWriter     = (*PostgresWriter)(nil)
)

// NewPostgresWriter creates the activity and task tables if needed.
func NewPostgresWriter(ctx context.Context, pool *pgxpool.Pool) (*PostgresWriter, error) {
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("create handler schema: %w", err)
	}
	return &PostgresWriter{pool: pool}, nil
}

// WriteActivity implements ActivityWriter.
func (w *PostgresWriter) WriteActivity(ctx context.Context, rec ActivityRecord) error {
	_, err := w.pool.Exec(ctx,
		`INSERT INTO client_activities
		 (client_id, activity_type, description, event_id, entity_type, entity_id, performed_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ClientID, rec.Type, rec.Description, rec.EventID, rec.EntityType, rec.EntityID,
		rec.PerformedBy, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// CreateTask implements TaskWriter.
func (w *PostgresWriter) CreateTask(ctx context.Context, t Task) (int64, error) {
	var id int64
	err := w.pool.QueryRow(ctx,
		`INSERT INTO follow_up_tasks (title, assignee_id, due_at, entity_type, entity_id, event_id)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		t.Title, t.AssigneeID, t.DueAt, t.EntityType, t.EntityID, t.EventID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert task: %w", err)
	}
	return id, nil
}

func nullableID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}
