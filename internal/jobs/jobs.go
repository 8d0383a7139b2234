package jobs

import (
	"context"
	"errors"
	"time"
)

// Status tracks a job's lifecycle. A job moves from StatusPending to exactly
// one terminal value and is never resolved twice.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// Terminal reports whether the status is a final one.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusExpired
}

var (
	// ErrDuplicateJob is returned when a job id is already registered.
	ErrDuplicateJob = errors.New("job already registered")
	// ErrUnknownJob is returned when a job id is not registered.
	ErrUnknownJob = errors.New("unknown job")
	// ErrAlreadyResolved is returned when a job is already terminal. Resolve
	// still hands back the stored terminal job so duplicate provider
	// callbacks stay idempotent.
	ErrAlreadyResolved = errors.New("job already resolved")
)

// Job correlates one external generation request with the account that paid
// for it. DebitID links back to the ledger debit for refund processing, and
// Cost records the amount of that debit so a refund repays exactly what was
// charged even if the model's catalog price changes while the job is in
// flight.
type Job struct {
	ID         string     `json:"id"`
	AccountID  string     `json:"account_id"`
	Model      string     `json:"model"`
	Prompt     string     `json:"prompt"`
	ImageRef   string     `json:"image_ref,omitempty"`
	DebitID    string     `json:"debit_id"`
	Cost       int64      `json:"cost"`
	Status     Status     `json:"status"`
	ResultRef  string     `json:"result_ref,omitempty"`
	FailReason string     `json:"fail_reason,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Outcome describes the terminal state a callback reports for a job.
type Outcome struct {
	Status    Status
	ResultRef string
	Reason    string
}

// Succeeded builds a success outcome carrying the result reference.
func Succeeded(resultRef string) Outcome {
	return Outcome{Status: StatusSucceeded, ResultRef: resultRef}
}

// Failed builds a failure outcome carrying the provider's reason.
func Failed(reason string) Outcome {
	return Outcome{Status: StatusFailed, Reason: reason}
}

// Registry persists pending generation jobs across restarts and guarantees
// each job resolves at most once.
type Registry interface {
	// Create registers a pending job; fails with ErrDuplicateJob when the
	// provider-assigned id is already known.
	Create(ctx context.Context, job Job) error
	// Resolve transitions a pending job to the given terminal outcome.
	// Returns ErrUnknownJob for unregistered ids and ErrAlreadyResolved
	// (with the stored terminal job) for repeated resolution.
	Resolve(ctx context.Context, jobID string, outcome Outcome) (Job, error)
	// Get returns the stored job or ErrUnknownJob.
	Get(ctx context.Context, jobID string) (Job, error)
	// Expire transitions pending jobs created before cutoff to expired and
	// returns them for refund processing.
	Expire(ctx context.Context, cutoff time.Time) ([]Job, error)
	// EvictTerminal deletes terminal jobs resolved before cutoff, bounding
	// retention, and reports how many were removed.
	EvictTerminal(ctx context.Context, cutoff time.Time) (int, error)
	// PendingCount reports how many jobs are still pending.
	PendingCount(ctx context.Context) (int, error)
	Close() error
}
