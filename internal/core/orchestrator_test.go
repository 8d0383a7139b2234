package core

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jasonheron/VideoForgeBot/internal/callback"
	"github.com/jasonheron/VideoForgeBot/internal/conversation"
	"github.com/jasonheron/VideoForgeBot/internal/jobs"
	jobssqlite "github.com/jasonheron/VideoForgeBot/internal/jobs/sqlite"
	"github.com/jasonheron/VideoForgeBot/internal/ledger"
	ledgersqlite "github.com/jasonheron/VideoForgeBot/internal/ledger/sqlite"
	"github.com/jasonheron/VideoForgeBot/internal/provider"
	"github.com/jasonheron/VideoForgeBot/internal/provider/loopback"
)

type fakeSubmitter struct {
	id    string
	err   error
	calls int
}

func (f *fakeSubmitter) SubmitGeneration(ctx context.Context, req provider.Request) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.id, nil
}

type harness struct {
	orch      *Orchestrator
	ledger    ledger.Store
	jobs      jobs.Registry
	deliverer *loopback.Provider
	verifier  *callback.Verifier
}

func newHarness(t *testing.T, submitter provider.Submitter, retention time.Duration) *harness {
	t.Helper()
	dir := t.TempDir()
	store, err := ledgersqlite.New(filepath.Join(dir, "ledger.db"))
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	registry, err := jobssqlite.New(filepath.Join(dir, "jobs.db"))
	if err != nil {
		t.Fatalf("jobs: %v", err)
	}
	t.Cleanup(func() { _ = registry.Close() })

	deliverer := loopback.New()
	verifier := callback.NewVerifier("test-secret")
	orch, err := New(Config{
		Ledger:    store,
		Jobs:      registry,
		Verifier:  verifier,
		Submitter: submitter,
		Deliverer: deliverer,
		Retention: retention,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	orch.SetLogger(log.New(io.Discard, "", 0))
	return &harness{orch: orch, ledger: store, jobs: registry, deliverer: deliverer, verifier: verifier}
}

func (h *harness) callback(t *testing.T, body string) error {
	t.Helper()
	raw := []byte(body)
	return h.orch.HandleCallback(context.Background(), raw, h.verifier.Sign(raw))
}

func TestSubmitDebitsAndRegisters(t *testing.T) {
	h := newHarness(t, &fakeSubmitter{id: "gen-1"}, time.Hour)
	ctx := context.Background()

	if _, err := h.ledger.Credit(ctx, "u1", 3, "purchase"); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	jobID, err := h.orch.Submit(ctx, provider.Request{AccountID: "u1", Model: "veo3_fast", Prompt: "a fox"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if jobID != "gen-1" {
		t.Fatalf("unexpected job id %q", jobID)
	}
	if balance, _ := h.ledger.Balance(ctx, "u1"); balance != 2 {
		t.Fatalf("expected balance 2, got %d", balance)
	}
	job, err := h.jobs.Get(ctx, "gen-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Status != jobs.StatusPending || job.AccountID != "u1" || job.DebitID == "" {
		t.Fatalf("unexpected job %+v", job)
	}
}

func TestSubmitInsufficientCredits(t *testing.T) {
	sub := &fakeSubmitter{id: "gen-1"}
	h := newHarness(t, sub, time.Hour)

	_, err := h.orch.Submit(context.Background(), provider.Request{AccountID: "poor", Model: "veo3_fast", Prompt: "a fox"})
	if !errors.Is(err, ledger.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if sub.calls != 0 {
		t.Fatalf("provider must not be called without credit")
	}
}

func TestSubmitUnknownModel(t *testing.T) {
	h := newHarness(t, &fakeSubmitter{id: "gen-1"}, time.Hour)
	if _, err := h.orch.Submit(context.Background(), provider.Request{AccountID: "u1", Model: "nope", Prompt: "a fox"}); err == nil {
		t.Fatalf("expected error for unknown model")
	}
}

func TestSubmissionFailureRefunds(t *testing.T) {
	h := newHarness(t, &fakeSubmitter{err: errors.New("api down")}, time.Hour)
	ctx := context.Background()

	if _, err := h.ledger.Credit(ctx, "u1", 1, "purchase"); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	_, err := h.orch.Submit(ctx, provider.Request{AccountID: "u1", Model: "veo3_fast", Prompt: "a fox"})
	if !errors.Is(err, ErrSubmissionFailed) {
		t.Fatalf("expected ErrSubmissionFailed, got %v", err)
	}
	if balance, _ := h.ledger.Balance(ctx, "u1"); balance != 1 {
		t.Fatalf("failed submission must refund the debit, balance=%d", balance)
	}
}

// The worked ledger example: balance 3, debit 1 on submit, failed callback
// refunds it, and a duplicate failed callback is a no-op.
func TestFailedCallbackRefundsOnce(t *testing.T) {
	h := newHarness(t, &fakeSubmitter{id: "J1"}, time.Hour)
	ctx := context.Background()

	if _, err := h.ledger.Credit(ctx, "U1", 3, "purchase"); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if _, err := h.orch.Submit(ctx, provider.Request{AccountID: "U1", Model: "veo3_fast", Prompt: "a fox"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if balance, _ := h.ledger.Balance(ctx, "U1"); balance != 2 {
		t.Fatalf("expected balance 2 after debit, got %d", balance)
	}

	body := `{"generation_id":"J1","status":"failed","error":"capacity"}`
	if err := h.callback(t, body); err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	if balance, _ := h.ledger.Balance(ctx, "U1"); balance != 3 {
		t.Fatalf("expected refund to restore balance 3, got %d", balance)
	}

	if err := h.callback(t, body); err != nil {
		t.Fatalf("duplicate HandleCallback: %v", err)
	}
	if balance, _ := h.ledger.Balance(ctx, "U1"); balance != 3 {
		t.Fatalf("duplicate callback must not refund again, got %d", balance)
	}
	if n := len(h.deliverer.Failures("U1")); n != 1 {
		t.Fatalf("expected exactly 1 failure notice, got %d", n)
	}
}

// A catalog price change while a job is in flight must not change the
// refund: the amount debited at submit is the amount repaid on failure.
func TestFailedCallbackRefundsDebitedAmountAfterPriceChange(t *testing.T) {
	h := newHarness(t, &fakeSubmitter{id: "gen-p"}, time.Hour)
	ctx := context.Background()

	if _, err := h.ledger.Credit(ctx, "u1", 3, "purchase"); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if _, err := h.orch.Submit(ctx, provider.Request{AccountID: "u1", Model: "veo3_fast", Prompt: "a fox"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if balance, _ := h.ledger.Balance(ctx, "u1"); balance != 2 {
		t.Fatalf("expected balance 2 after debit, got %d", balance)
	}

	path := filepath.Join(t.TempDir(), "models.yaml")
	const raised = `models:
  - id: veo3_fast
    display_name: Veo 3 Fast
    accepts_image: true
    cost_credits: 5
`
	if err := os.WriteFile(path, []byte(raised), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := h.orch.catalog.LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if err := h.callback(t, `{"generation_id":"gen-p","status":"failed","error":"capacity"}`); err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	if balance, _ := h.ledger.Balance(ctx, "u1"); balance != 3 {
		t.Fatalf("refund must repay the debited 1 credit, not the new price, balance=%d", balance)
	}
}

func TestSuccessCallbackDeliversOnce(t *testing.T) {
	h := newHarness(t, &fakeSubmitter{id: "gen-ok"}, time.Hour)
	ctx := context.Background()

	if _, err := h.ledger.Credit(ctx, "u1", 1, "purchase"); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if _, err := h.orch.Submit(ctx, provider.Request{AccountID: "u1", Model: "kling_v2.1", Prompt: "a fox"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	body := `{"generation_id":"gen-ok","status":"completed","video_url":"https://cdn.example/v.mp4"}`
	if err := h.callback(t, body); err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	if err := h.callback(t, body); err != nil {
		t.Fatalf("duplicate HandleCallback: %v", err)
	}

	if got := h.deliverer.Deliveries("u1"); len(got) != 1 || got[0] != "https://cdn.example/v.mp4" {
		t.Fatalf("expected exactly one delivery, got %v", got)
	}
	if balance, _ := h.ledger.Balance(ctx, "u1"); balance != 0 {
		t.Fatalf("successful generation must keep the debit, balance=%d", balance)
	}
}

func TestTamperedCallbackChangesNothing(t *testing.T) {
	h := newHarness(t, &fakeSubmitter{id: "gen-1"}, time.Hour)
	ctx := context.Background()

	if _, err := h.ledger.Credit(ctx, "u1", 1, "purchase"); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if _, err := h.orch.Submit(ctx, provider.Request{AccountID: "u1", Model: "veo3_fast", Prompt: "a fox"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	raw := []byte(`{"generation_id":"gen-1","status":"completed","video_url":"https://cdn.example/v.mp4"}`)
	wrong := callback.NewVerifier("attacker-secret").Sign(raw)
	if err := h.orch.HandleCallback(ctx, raw, wrong); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	job, err := h.jobs.Get(ctx, "gen-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Status != jobs.StatusPending {
		t.Fatalf("tampered callback must not resolve the job, got %s", job.Status)
	}
	if len(h.deliverer.Deliveries("u1")) != 0 {
		t.Fatalf("tampered callback must not deliver")
	}
}

func TestUnknownJobCallbackAcknowledged(t *testing.T) {
	h := newHarness(t, &fakeSubmitter{id: "gen-1"}, time.Hour)

	if err := h.callback(t, `{"generation_id":"ghost","status":"failed","error":"x"}`); err != nil {
		t.Fatalf("unknown job callback should be acknowledged, got %v", err)
	}
}

func TestSweepExpiredRefundsExactlyOnce(t *testing.T) {
	h := newHarness(t, &fakeSubmitter{id: "unused"}, time.Minute)
	ctx := context.Background()

	if _, err := h.ledger.Credit(ctx, "u1", 2, "purchase"); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	debitID, err := h.ledger.Debit(ctx, "u1", 1, "generation:veo3_fast")
	if err != nil {
		t.Fatalf("Debit: %v", err)
	}
	stale := jobs.Job{
		ID:        "stale",
		AccountID: "u1",
		Model:     "veo3_fast",
		Prompt:    "a fox",
		DebitID:   debitID,
		CreatedAt: time.Now().UTC().Add(-10 * time.Minute),
	}
	if err := h.jobs.Create(ctx, stale); err != nil {
		t.Fatalf("Create: %v", err)
	}

	n, err := h.orch.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired job, got %d", n)
	}
	if balance, _ := h.ledger.Balance(ctx, "u1"); balance != 2 {
		t.Fatalf("expiry must refund the debit, balance=%d", balance)
	}

	if n, err = h.orch.SweepExpired(ctx); err != nil || n != 0 {
		t.Fatalf("second sweep should be empty, n=%d err=%v", n, err)
	}
	if balance, _ := h.ledger.Balance(ctx, "u1"); balance != 2 {
		t.Fatalf("second sweep must not refund again, balance=%d", balance)
	}
}

func TestSubmitConversationResetsOnSuccess(t *testing.T) {
	h := newHarness(t, &fakeSubmitter{id: "gen-c"}, time.Hour)
	ctx := context.Background()

	if _, err := h.ledger.Credit(ctx, "u1", 1, "purchase"); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	manager := conversation.NewManager()
	c := manager.Begin("u1")
	if err := c.ChooseModel(h.orch.catalog, "veo3_fast"); err != nil {
		t.Fatalf("ChooseModel: %v", err)
	}
	if err := c.SetPrompt("a fox"); err != nil {
		t.Fatalf("SetPrompt: %v", err)
	}
	if err := c.SkipImage(); err != nil {
		t.Fatalf("SkipImage: %v", err)
	}

	if _, err := h.orch.SubmitConversation(ctx, c); err != nil {
		t.Fatalf("SubmitConversation: %v", err)
	}
	if c.State != conversation.StateIdle {
		t.Fatalf("conversation should reset after submit, got %s", c.State)
	}
}

func TestSubmitConversationStaysReadyOnFailure(t *testing.T) {
	h := newHarness(t, &fakeSubmitter{id: "gen-c"}, time.Hour)
	ctx := context.Background()

	manager := conversation.NewManager()
	c := manager.Begin("broke")
	if err := c.ChooseModel(h.orch.catalog, "veo3_fast"); err != nil {
		t.Fatalf("ChooseModel: %v", err)
	}
	if err := c.SetPrompt("a fox"); err != nil {
		t.Fatalf("SetPrompt: %v", err)
	}
	if err := c.SkipImage(); err != nil {
		t.Fatalf("SkipImage: %v", err)
	}

	if _, err := h.orch.SubmitConversation(ctx, c); !errors.Is(err, ledger.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if c.State != conversation.StateReadyToSubmit {
		t.Fatalf("conversation should stay ready for retry, got %s", c.State)
	}
}

func TestRecordPurchase(t *testing.T) {
	h := newHarness(t, &fakeSubmitter{id: "gen-1"}, time.Hour)

	balance, err := h.orch.RecordPurchase(context.Background(), "u1", 5, "stars-invoice-1")
	if err != nil {
		t.Fatalf("RecordPurchase: %v", err)
	}
	if balance != 5 {
		t.Fatalf("expected balance 5, got %d", balance)
	}
}
