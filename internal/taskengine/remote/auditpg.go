package remote

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// AuditSink records a durable copy of work-item history. The core engine
// (package taskengine) holds no AuditSink and records nothing through one.
// Like LifecycleSink, this never makes
// the core itself durable (spec.md §1's non-goal) — it gives an external
// subscriber its own archive.
type AuditSink interface {
	Record(ctx context.Context, rec AuditRecord) error
}

// AuditRecord is one row per completed or cancelled work item.
type AuditRecord struct {
	ID          string
	Workqueue   string
	Color       uint8
	QueuedAt    time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Err         string
}

// PostgresAuditSink appends AuditRecords to Postgres, grounded on the
// teacher's internal/engine/persistence.go PostgresExecutionRepository
// (database/sql with parameterized queries over a lib/pq-registered
// driver), repointed at a single narrow "executions" analogue —
// taskengine_audit — instead of the teacher's full execution-record shape.
type PostgresAuditSink struct {
	db *sql.DB
}

// NewPostgresAuditSink opens dsn via lib/pq and verifies connectivity.
func NewPostgresAuditSink(dsn string) (*PostgresAuditSink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("remote: open postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("remote: ping postgres: %w", err)
	}
	return &PostgresAuditSink{db: db}, nil
}

const createAuditTableSQL = `
CREATE TABLE IF NOT EXISTS taskengine_audit (
	id           TEXT PRIMARY KEY,
	workqueue    TEXT NOT NULL,
	color        SMALLINT NOT NULL,
	queued_at    TIMESTAMPTZ NOT NULL,
	started_at   TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	error        TEXT NOT NULL DEFAULT ''
)`

// EnsureSchema creates the audit table if it does not already exist.
func (s *PostgresAuditSink) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, createAuditTableSQL)
	return err
}

func (s *PostgresAuditSink) Record(ctx context.Context, rec AuditRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	const query = `
		INSERT INTO taskengine_audit (
			id, workqueue, color, queued_at, started_at, completed_at, error
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			error = EXCLUDED.error`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.Workqueue, rec.Color, rec.QueuedAt, rec.StartedAt, rec.CompletedAt, rec.Err)
	return err
}

func (s *PostgresAuditSink) Close() error {
	return s.db.Close()
}
