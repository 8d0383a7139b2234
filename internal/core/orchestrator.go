package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jasonheron/VideoForgeBot/internal/callback"
	"github.com/jasonheron/VideoForgeBot/internal/conversation"
	"github.com/jasonheron/VideoForgeBot/internal/jobs"
	"github.com/jasonheron/VideoForgeBot/internal/ledger"
	"github.com/jasonheron/VideoForgeBot/internal/modelmeta"
	"github.com/jasonheron/VideoForgeBot/internal/provider"
)

var (
	// ErrInvalidSignature marks a callback that failed HMAC verification.
	// The HTTP layer maps it to one generic rejection without detail.
	ErrInvalidSignature = errors.New("invalid callback signature")
	// ErrSubmissionFailed marks a provider submission error after which the
	// debit has already been refunded.
	ErrSubmissionFailed = errors.New("generation submission failed")
)

// Config wires the orchestrator's collaborators.
type Config struct {
	Ledger    ledger.Store
	Jobs      jobs.Registry
	Verifier  *callback.Verifier
	Submitter provider.Submitter
	Deliverer provider.Deliverer
	Catalog   *modelmeta.Catalog
	// Retention bounds how long a pending job may wait for its callback and
	// how long a terminal job is kept for duplicate-callback idempotency.
	Retention time.Duration
}

// Orchestrator composes the ledger, job registry and callback verifier: it
// debits credit on submission and delivers or refunds on verified callback.
type Orchestrator struct {
	ledger    ledger.Store
	jobs      jobs.Registry
	verifier  *callback.Verifier
	submitter provider.Submitter
	deliverer provider.Deliverer
	catalog   *modelmeta.Catalog
	retention time.Duration
	logger    *log.Logger
}

// New creates an Orchestrator from the given configuration.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("orchestrator requires a ledger store")
	}
	if cfg.Jobs == nil {
		return nil, errors.New("orchestrator requires a job registry")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("orchestrator requires a callback verifier")
	}
	if cfg.Submitter == nil {
		return nil, errors.New("orchestrator requires a submitter")
	}
	if cfg.Deliverer == nil {
		return nil, errors.New("orchestrator requires a deliverer")
	}
	catalog := cfg.Catalog
	if catalog == nil {
		catalog = modelmeta.Defaults()
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = time.Hour
	}
	return &Orchestrator{
		ledger:    cfg.Ledger,
		jobs:      cfg.Jobs,
		verifier:  cfg.Verifier,
		submitter: cfg.Submitter,
		deliverer: cfg.Deliverer,
		catalog:   catalog,
		retention: retention,
		logger:    log.New(log.Writer(), "[forge/core] ", log.LstdFlags|log.Lmicroseconds),
	}, nil
}

// SetLogger overrides the default logger; nil keeps the current logger.
func (o *Orchestrator) SetLogger(logger *log.Logger) {
	if logger != nil {
		o.logger = logger
	}
}

func (o *Orchestrator) logf(format string, args ...any) {
	if o.logger != nil {
		o.logger.Printf(format, args...)
	}
}

// Submit debits the model's cost, asks the provider to start generation and
// registers the pending job. A failure after the debit refunds it before the
// error surfaces, so money is never lost on a submission that went nowhere.
func (o *Orchestrator) Submit(ctx context.Context, req provider.Request) (string, error) {
	entry, ok := o.catalog.Lookup(req.Model)
	if !ok {
		return "", fmt.Errorf("model %q not in catalog", req.Model)
	}
	cost := entry.CostCredits

	debitID, err := o.ledger.Debit(ctx, req.AccountID, cost, "generation:"+entry.ID)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			o.logf("submit rejected account=%s model=%s: insufficient credits", req.AccountID, entry.ID)
		}
		return "", err
	}
	o.logf("submit start account=%s model=%s debit=%s", req.AccountID, entry.ID, debitID)

	jobID, err := o.submitter.SubmitGeneration(ctx, req)
	if err != nil {
		o.refundDebit(ctx, req.AccountID, cost, debitID, "submission failed")
		o.logf("submit error account=%s model=%s: %v", req.AccountID, entry.ID, err)
		return "", fmt.Errorf("%w: %v", ErrSubmissionFailed, err)
	}

	job := jobs.Job{
		ID:        jobID,
		AccountID: req.AccountID,
		Model:     entry.ID,
		Prompt:    req.Prompt,
		ImageRef:  req.ImageRef,
		DebitID:   debitID,
		Cost:      cost,
	}
	if err := o.jobs.Create(ctx, job); err != nil {
		// The provider accepted the work but we cannot track it, so the
		// outcome can never be delivered. Refund and surface the error.
		o.refundDebit(ctx, req.AccountID, cost, debitID, "job registration failed")
		o.logf("submit register error account=%s job=%s: %v", req.AccountID, jobID, err)
		return "", fmt.Errorf("%w: register job: %v", ErrSubmissionFailed, err)
	}

	o.logf("submit success account=%s model=%s job=%s", req.AccountID, entry.ID, jobID)
	return jobID, nil
}

// SubmitConversation submits a conversation that reached the ready state and
// resets it on success. On failure the conversation stays ready so the user
// can retry or cancel.
func (o *Orchestrator) SubmitConversation(ctx context.Context, c *conversation.Conversation) (string, error) {
	if !c.Ready() {
		return "", conversation.ErrInvalidEvent
	}
	jobID, err := o.Submit(ctx, provider.Request{
		AccountID: c.AccountID,
		Model:     c.Model.ID,
		Prompt:    c.Prompt,
		ImageRef:  c.ImageRef,
	})
	if err != nil {
		return "", err
	}
	_ = c.Submitted()
	return jobID, nil
}

func (o *Orchestrator) refundDebit(ctx context.Context, accountID string, amount int64, debitID, reason string) {
	if _, err := o.ledger.Refund(ctx, accountID, amount, reason, debitID); err != nil {
		if errors.Is(err, ledger.ErrDuplicateRefund) {
			o.logf("refund skipped account=%s debit=%s: already refunded", accountID, debitID)
			return
		}
		o.logf("refund error account=%s debit=%s: %v", accountID, debitID, err)
	}
}

// HandleCallback authenticates and applies one provider completion notice.
// Unverifiable callbacks return ErrInvalidSignature and change nothing; all
// other classes (unknown job, duplicate, success, failure) are acknowledged
// with a nil error so the provider stops retrying.
func (o *Orchestrator) HandleCallback(ctx context.Context, raw []byte, signature string) error {
	if !o.verifier.Verify(raw, signature) {
		o.logf("callback dropped: signature verification failed")
		return ErrInvalidSignature
	}

	payload, err := callback.ParsePayload(raw)
	if err != nil {
		o.logf("callback dropped: %v", err)
		return nil
	}

	outcome := jobs.Failed(payload.Error)
	if payload.Succeeded() {
		outcome = jobs.Succeeded(payload.ResultURL)
	}

	job, err := o.jobs.Resolve(ctx, payload.JobID, outcome)
	switch {
	case errors.Is(err, jobs.ErrUnknownJob):
		// Misrouted, or a retry after the job was evicted.
		o.logf("callback ignored job=%s: unknown job", payload.JobID)
		return nil
	case errors.Is(err, jobs.ErrAlreadyResolved):
		o.logf("callback duplicate job=%s status=%s", job.ID, job.Status)
		return nil
	case err != nil:
		return fmt.Errorf("resolve job %s: %w", payload.JobID, err)
	}

	if job.Status == jobs.StatusSucceeded {
		o.logf("callback success job=%s account=%s", job.ID, job.AccountID)
		if err := o.deliverer.DeliverResult(ctx, job.AccountID, job.ResultRef); err != nil {
			o.logf("delivery error job=%s account=%s: %v", job.ID, job.AccountID, err)
		}
		return nil
	}

	o.logf("callback failure job=%s account=%s reason=%q", job.ID, job.AccountID, job.FailReason)
	o.refundDebit(ctx, job.AccountID, jobCost(job), job.DebitID, "generation failed")
	if err := o.deliverer.NotifyFailure(ctx, job.AccountID, job.FailReason); err != nil {
		o.logf("failure notice error job=%s account=%s: %v", job.ID, job.AccountID, err)
	}
	return nil
}

// jobCost returns the amount that was debited for the job. The refund must
// repay exactly that amount, not the model's current catalog price, which
// may have changed while the job was in flight. Rows written before the
// cost was recorded fall back to the catalog's base cost of 1.
func jobCost(job jobs.Job) int64 {
	if job.Cost > 0 {
		return job.Cost
	}
	return 1
}

// RecordPurchase credits an account after a completed payment and returns
// the new balance.
func (o *Orchestrator) RecordPurchase(ctx context.Context, accountID string, credits int64, ref string) (int64, error) {
	reason := "purchase"
	if ref != "" {
		reason = "purchase:" + ref
	}
	if _, err := o.ledger.Credit(ctx, accountID, credits, reason); err != nil {
		return 0, err
	}
	o.logf("purchase recorded account=%s credits=%d", accountID, credits)
	return o.ledger.Balance(ctx, accountID)
}

// SweepExpired expires pending jobs past the retention window, refunds each
// exactly once, notifies the owner, and evicts old terminal jobs. Returns
// how many jobs expired in this sweep.
func (o *Orchestrator) SweepExpired(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-o.retention)
	expired, err := o.jobs.Expire(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expire jobs: %w", err)
	}
	for _, job := range expired {
		o.logf("job expired job=%s account=%s", job.ID, job.AccountID)
		o.refundDebit(ctx, job.AccountID, jobCost(job), job.DebitID, "generation expired")
		if err := o.deliverer.NotifyFailure(ctx, job.AccountID, "generation timed out"); err != nil {
			o.logf("failure notice error job=%s account=%s: %v", job.ID, job.AccountID, err)
		}
	}

	evicted, err := o.jobs.EvictTerminal(ctx, cutoff)
	if err != nil {
		return len(expired), fmt.Errorf("evict terminal jobs: %w", err)
	}
	if evicted > 0 {
		o.logf("evicted %d terminal jobs", evicted)
	}
	return len(expired), nil
}

// RunSweeper runs the periodic expiry sweep until the context is cancelled.
// It is the only scheduled background activity.
func (o *Orchestrator) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.SweepExpired(ctx); err != nil {
				o.logf("sweep error: %v", err)
			}
		}
	}
}
