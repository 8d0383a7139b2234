package loopback

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/jasonheron/VideoForgeBot/internal/provider"
)

// Ensure Provider implements both collaborator contracts.
var (
	_ provider.Submitter = (*Provider)(nil)
	_ provider.Deliverer = (*Provider)(nil)
)

// Provider is an in-process stand-in for the generation service and the
// chat delivery channel, used for local development and tests.
type Provider struct {
	mu         sync.Mutex
	submitted  []provider.Request
	jobIDs     []string
	deliveries map[string][]string
	failures   map[string][]string
}

// New creates an empty loopback provider.
func New() *Provider {
	return &Provider{
		deliveries: make(map[string][]string),
		failures:   make(map[string][]string),
	}
}

// SubmitGeneration fabricates a provider job id without leaving the process.
func (p *Provider) SubmitGeneration(ctx context.Context, req provider.Request) (string, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return "", errors.New("no prompt provided")
	}
	id := "loopback-" + uuid.NewString()
	p.mu.Lock()
	p.submitted = append(p.submitted, req)
	p.jobIDs = append(p.jobIDs, id)
	p.mu.Unlock()
	return id, nil
}

// DeliverResult records the delivery for later inspection.
func (p *Provider) DeliverResult(ctx context.Context, accountID, resultRef string) error {
	p.mu.Lock()
	p.deliveries[accountID] = append(p.deliveries[accountID], resultRef)
	p.mu.Unlock()
	return nil
}

// NotifyFailure records the failure notice for later inspection.
func (p *Provider) NotifyFailure(ctx context.Context, accountID, reason string) error {
	p.mu.Lock()
	p.failures[accountID] = append(p.failures[accountID], reason)
	p.mu.Unlock()
	return nil
}

// Submitted returns a copy of the requests seen so far.
func (p *Provider) Submitted() []provider.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]provider.Request, len(p.submitted))
	copy(out, p.submitted)
	return out
}

// Deliveries returns the result refs delivered to an account.
func (p *Provider) Deliveries(accountID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.deliveries[accountID]))
	copy(out, p.deliveries[accountID])
	return out
}

// Failures returns the failure notices sent to an account.
func (p *Provider) Failures(accountID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.failures[accountID]))
	copy(out, p.failures[accountID])
	return out
}
