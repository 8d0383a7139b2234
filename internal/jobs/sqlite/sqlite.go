package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/jasonheron/VideoForgeBot/internal/jobs"
)

// Registry implements jobs.Registry backed by SQLite.
type Registry struct {
	db *sql.DB
}

// New opens (or creates) a SQLite job registry at the given path.
func New(path string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create jobs directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
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
	cost INTEGER NOT NULL DEFAULT 1 CHECK(cost > 0),
	status TEXT NOT NULL CHECK(status IN ('pending','succeeded','failed','expired')),
	result_ref TEXT,
	fail_reason TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	resolved_at TIMESTAMP
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
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.AccountID, job.Model, job.Prompt, job.ImageRef, job.DebitID, cost, string(jobs.StatusPending), created,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return jobs.ErrDuplicateJob
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Resolve transitions a pending job to a terminal outcome. The guarded
// UPDATE makes the transition exactly-once even under concurrent callbacks.
func (r *Registry) Resolve(ctx context.Context, jobID string, outcome jobs.Outcome) (jobs.Job, error) {
	if jobID == "" {
		return jobs.Job{}, errors.New("job id required")
	}
	if !outcome.Status.Terminal() {
		return jobs.Job{}, fmt.Errorf("outcome status %q is not terminal", outcome.Status)
	}

	resolved := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
UPDATE generation_jobs
SET status = ?, result_ref = ?, fail_reason = ?, resolved_at = ?
WHERE id = ? AND status = 'pending'`,
		string(outcome.Status), outcome.ResultRef, outcome.Reason, resolved, jobID,
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
WHERE id = ?`, jobID)
	return scanJob(row)
}

// Expire marks pending jobs created before cutoff as expired and returns
// them for refund processing.
func (r *Registry) Expire(ctx context.Context, cutoff time.Time) ([]jobs.Job, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
SELECT id FROM generation_jobs WHERE status = 'pending' AND created_at < ?`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("select expirable: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	resolved := time.Now().UTC()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
UPDATE generation_jobs SET status = 'expired', resolved_at = ? WHERE id = ? AND status = 'pending'`, resolved, id); err != nil {
			return nil, fmt.Errorf("expire job %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	expired := make([]jobs.Job, 0, len(ids))
	for _, id := range ids {
		job, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		expired = append(expired, job)
	}
	return expired, nil
}

// EvictTerminal deletes terminal jobs resolved before cutoff.
func (r *Registry) EvictTerminal(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
DELETE FROM generation_jobs
WHERE status IN ('succeeded','failed','expired') AND resolved_at IS NOT NULL AND resolved_at < ?`, cutoff.UTC())
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (jobs.Job, error) {
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

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed")
}
