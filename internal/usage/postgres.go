package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlUsage = `
CREATE TABLE IF NOT EXISTS usage_sessions (
    id            BIGSERIAL         PRIMARY KEY,
    subject_id    TEXT              NOT NULL,
    started_at    TIMESTAMPTZ       NOT NULL,
    ended_at      TIMESTAMPTZ       NOT NULL,
    duration_ns   BIGINT            NOT NULL,
    input_units   BIGINT            NOT NULL,
    output_units  BIGINT            NOT NULL,
    total_units   BIGINT            NOT NULL,
    cost_usd      DOUBLE PRECISION  NOT NULL,
    week_bucket   TEXT              NOT NULL,
    month_bucket  TEXT              NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_usage_sessions_subject
    ON usage_sessions (subject_id);

CREATE INDEX IF NOT EXISTS idx_usage_sessions_week
    ON usage_sessions (subject_id, week_bucket);

CREATE TABLE IF NOT EXISTS usage_buckets (
    subject_id    TEXT              NOT NULL,
    bucket        TEXT              NOT NULL,
    sessions      BIGINT            NOT NULL DEFAULT 0,
    duration_ns   BIGINT            NOT NULL DEFAULT 0,
    input_units   BIGINT            NOT NULL DEFAULT 0,
    output_units  BIGINT            NOT NULL DEFAULT 0,
    cost_usd      DOUBLE PRECISION  NOT NULL DEFAULT 0,
    PRIMARY KEY (subject_id, bucket)
);
`

// Store is the PostgreSQL-backed [Ledger]. Session rows are kept for audit
// while quota reads hit only the usage_buckets roll-up table.
//
// All operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store, establishes a connection pool to the PostgreSQL
// database at dsn, and runs [Migrate] to ensure the required tables exist.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("usage store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("usage store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("usage store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("usage store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Migrate creates or ensures the usage tables exist. It is idempotent and
// safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlUsage); err != nil {
		return fmt.Errorf("usage migrate: %w", err)
	}
	return nil
}

// Append implements [Ledger]. The session row and both bucket roll-ups are
// written in one transaction so a crash cannot leave them out of step.
func (s *Store) Append(ctx context.Context, rec SessionRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("usage store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertSession = `
		INSERT INTO usage_sessions
		    (subject_id, started_at, ended_at, duration_ns,
		     input_units, output_units, total_units, cost_usd,
		     week_bucket, month_bucket)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err = tx.Exec(ctx, insertSession,
		rec.SubjectID,
		rec.StartedAt,
		rec.EndedAt,
		rec.Duration.Nanoseconds(),
		rec.InputUnits,
		rec.OutputUnits,
		rec.TotalUnits,
		rec.CostUSD,
		rec.WeekBucket,
		rec.MonthBucket,
	)
	if err != nil {
		return fmt.Errorf("usage store: insert session: %w", err)
	}

	const upsertBucket = `
		INSERT INTO usage_buckets
		    (subject_id, bucket, sessions, duration_ns, input_units, output_units, cost_usd)
		VALUES ($1, $2, 1, $3, $4, $5, $6)
		ON CONFLICT (subject_id, bucket) DO UPDATE SET
		    sessions     = usage_buckets.sessions + 1,
		    duration_ns  = usage_buckets.duration_ns + EXCLUDED.duration_ns,
		    input_units  = usage_buckets.input_units + EXCLUDED.input_units,
		    output_units = usage_buckets.output_units + EXCLUDED.output_units,
		    cost_usd     = usage_buckets.cost_usd + EXCLUDED.cost_usd`

	for _, bucket := range []string{rec.WeekBucket, rec.MonthBucket} {
		_, err = tx.Exec(ctx, upsertBucket,
			rec.SubjectID,
			bucket,
			rec.Duration.Nanoseconds(),
			rec.InputUnits,
			rec.OutputUnits,
			rec.CostUSD,
		)
		if err != nil {
			return fmt.Errorf("usage store: upsert bucket %q: %w", bucket, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("usage store: commit: %w", err)
	}
	return nil
}

// TotalsFor implements [Ledger]. An untouched bucket returns zero totals.
func (s *Store) TotalsFor(ctx context.Context, subjectID, bucket string) (Totals, error) {
	const q = `
		SELECT sessions, duration_ns, input_units, output_units, cost_usd
		FROM   usage_buckets
		WHERE  subject_id = $1 AND bucket = $2`

	var (
		t          Totals
		durationNS int64
	)
	err := s.pool.QueryRow(ctx, q, subjectID, bucket).Scan(
		&t.Sessions, &durationNS, &t.InputUnits, &t.OutputUnits, &t.CostUSD,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Totals{}, nil
		}
		return Totals{}, fmt.Errorf("usage store: totals: %w", err)
	}
	t.Duration = time.Duration(durationNS)
	return t, nil
}

// Ping verifies database connectivity. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}
