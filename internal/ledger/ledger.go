package ledger

import (
	"context"
	"errors"
	"time"
)

// Kind classifies a ledger transaction.
type Kind string

const (
	KindDebit  Kind = "debit"
	KindCredit Kind = "credit"
	KindRefund Kind = "refund"
)

var (
	// ErrInsufficientCredits is returned when a debit exceeds the account balance.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrDuplicateRefund is returned when a debit has already been refunded.
	ErrDuplicateRefund = errors.New("debit already refunded")
	// ErrUnknownDebit is returned when a refund references a debit that does
	// not exist for the account.
	ErrUnknownDebit = errors.New("unknown debit")
)

// Transaction is an immutable, append-only ledger record. A refund carries
// the id of the debit it reverses in RefundOf.
type Transaction struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	Kind      Kind      `json:"kind"`
	Amount    int64     `json:"amount"`
	Reason    string    `json:"reason"`
	JobID     string    `json:"job_id,omitempty"`
	RefundOf  string    `json:"refund_of,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store defines persistence behaviour for the credit ledger. Mutations are
// durable before they return, and operations on the same account are
// serialized so a balance never goes negative or loses an update.
type Store interface {
	// Balance returns the current balance; unknown accounts report zero.
	Balance(ctx context.Context, accountID string) (int64, error)
	// Debit atomically decrements the balance and appends a debit record,
	// returning its id for later refund correlation. Fails with
	// ErrInsufficientCredits when the balance is too low.
	Debit(ctx context.Context, accountID string, amount int64, reason string) (string, error)
	// Credit atomically increments the balance and appends a credit record.
	Credit(ctx context.Context, accountID string, amount int64, reason string) (string, error)
	// Refund increments the balance and appends a refund record referencing
	// the original debit. Fails with ErrUnknownDebit when no such debit
	// exists for the account and ErrDuplicateRefund when it has already
	// been refunded.
	Refund(ctx context.Context, accountID string, amount int64, reason, relatedDebitID string) (string, error)
	// History returns the most recent transactions for an account.
	History(ctx context.Context, accountID string, limit int) ([]Transaction, error)
	Close() error
}
