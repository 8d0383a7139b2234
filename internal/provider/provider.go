// Package provider holds the contracts and clients for the external video
// generation service. The orchestrator only sees the interfaces; the chat
// platform and the provider API stay behind them.
package provider

import "context"

// Request carries everything the generation provider needs for one job.
type Request struct {
	AccountID string `json:"-"`
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	ImageRef  string `json:"image,omitempty"`
}

// Submitter starts a generation and returns the provider-assigned job id.
type Submitter interface {
	SubmitGeneration(ctx context.Context, req Request) (string, error)
}

// Deliverer hands a finished result (or a failure notice) to the user on
// the chat platform.
type Deliverer interface {
	DeliverResult(ctx context.Context, accountID, resultRef string) error
	NotifyFailure(ctx context.Context, accountID, reason string) error
}
