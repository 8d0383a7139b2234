package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/jasonheron/VideoForgeBot/internal/jobs"
)

// Registry implements jobs.Registry backed by PostgreSQL.
type Registry struct {
	db *sql.DB
}

// New opens a PostgreSQL-backed job registry using the provided DSN.
func New(dsn string, maxOpen, maxIdle int) (*Registry, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}

	r := &Registry{db: db}
	if err := r.initSchema(); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS generation_jobs (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	model TEXT NOT NULL,
	prompt TEXT NOT NULL,
	image_ref TEXT,
	debit_id TEXT NOT NULL,
	cost BIGINT NOT NULL DEFAULT 1 CHECK(cost > 0),
	status TEXT NOT NULL CHECK(status IN ('pending','succeeded','failed','expired')),
	result_ref TEXT,
	fail_reason TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	resolved_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_generation_jobs_status_created ON generation_jobs(status, created_at);
CREATE INDEX IF NOT EXISTS idx_generation_jobs_account ON generation_jobs(account_id, created_at DESC);
`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Create registers a pending job.
func (r *Registry) Create(ctx context.Context, job jobs.Job) error {
	if job.ID == "" {
		return errors.New("job id required")
	}
	if job.AccountID == "" {
		return errors.New("job requires account id")
	}
	if job.DebitID == "" {
		return errors.New("job requires debit id")
	}
	created := job.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	cost := job.Cost
	if cost <= 0 {
		cost = 1
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO generation_jobs(id, account_id, model, prompt, image_ref, debit_id, cost, status, created_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.ID, job.AccountID, job.Model, job.Prompt, job.ImageRef, job.DebitID, cost, string(jobs.StatusPending), created,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return jobs.ErrDuplicateJob
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Resolve transitions a pending job to a terminal outcome.
func (r *Registry) Resolve(ctx context.Context, jobID string, outcome jobs.Outcome) (jobs.Job, error) {
	if jobID == "" {
		return jobs.Job{}, errors.New("job id required")
	}
	if !outcome.Status.Terminal() {
		return jobs.Job{}, fmt.Errorf("outcome status %q is not terminal", outcome.Status)
	}

	res, err := r.db.ExecContext(ctx, `
UPDATE generation_jobs
SET status = $1, result_ref = $2, fail_reason = $3, resolved_at = NOW()
WHERE id = $4 AND status = 'pending'`,
		string(outcome.Status), outcome.ResultRef, outcome.Reason, jobID,
	)
	if err != nil {
		return jobs.Job{}, fmt.Errorf("resolve job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return jobs.Job{}, fmt.Errorf("rows affected: %w", err)
	}
	job, getErr := r.Get(ctx, jobID)
	if getErr != nil {
		return jobs.Job{}, getErr
	}
	if n == 0 {
		return job, jobs.ErrAlreadyResolved
	}
	return job, nil
}

// Get returns the stored job or jobs.ErrUnknownJob.
func (r *Registry) Get(ctx context.Context, jobID string) (jobs.Job, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, account_id, model, prompt, COALESCE(image_ref, ''), debit_id, cost, status,
	COALESCE(result_ref, ''), COALESCE(fail_reason, ''), created_at, resolved_at
FROM generation_jobs
WHERE id = $1`, jobID)

	var j jobs.Job
	var status string
	var resolvedAt sql.NullTime
	err := row.Scan(&j.ID, &j.AccountID, &j.Model, &j.Prompt, &j.ImageRef, &j.DebitID, &j.Cost, &status,
		&j.ResultRef, &j.FailReason, &j.CreatedAt, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return jobs.Job{}, jobs.ErrUnknownJob
	}
	if err != nil {
		return jobs.Job{}, err
	}
	j.Status = jobs.Status(status)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		j.ResolvedAt = &t
	}
	return j, nil
}

// Expire marks pending jobs created before cutoff as expired and returns them.
func (r *Registry) Expire(ctx context.Context, cutoff time.Time) ([]jobs.Job, error) {
	rows, err := r.db.QueryContext(ctx, `
UPDATE generation_jobs
SET status = 'expired', resolved_at = NOW()
WHERE status = 'pending' AND created_at < $1
RETURNING id, account_id, model, prompt, COALESCE(image_ref, ''), debit_id, cost, status,
	COALESCE(result_ref, ''), COALESCE(fail_reason, ''), created_at, resolved_at`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("expire jobs: %w", err)
	}
	defer rows.Close()

	var expired []jobs.Job
	for rows.Next() {
		var j jobs.Job
		var status string
		var resolvedAt sql.NullTime
		if err := rows.Scan(&j.ID, &j.AccountID, &j.Model, &j.Prompt, &j.ImageRef, &j.DebitID, &j.Cost, &status,
			&j.ResultRef, &j.FailReason, &j.CreatedAt, &resolvedAt); err != nil {
			return nil, err
		}
		j.Status = jobs.Status(status)
		if resolvedAt.Valid {
			t := resolvedAt.Time
			j.ResolvedAt = &t
		}
		expired = append(expired, j)
	}
	return expired, rows.Err()
}

// EvictTerminal deletes terminal jobs resolved before cutoff.
func (r *Registry) EvictTerminal(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
DELETE FROM generation_jobs
WHERE status IN ('succeeded','failed','expired') AND resolved_at IS NOT NULL AND resolved_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("evict terminal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// PendingCount reports how many jobs are still pending.
func (r *Registry) PendingCount(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM generation_jobs WHERE status = 'pending'`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
