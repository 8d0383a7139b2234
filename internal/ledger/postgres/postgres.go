package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/jasonheron/VideoForgeBot/internal/ledger"
)

// Store implements ledger.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL-backed ledger store using the provided DSN and
// connection pool settings.
func New(dsn string, maxOpen, maxIdle, lifetimeMinutes, idleTimeMinutes int) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if lifetimeMinutes > 0 {
		db.SetConnMaxLifetime(time.Duration(lifetimeMinutes) * time.Minute)
	}
	if idleTimeMinutes > 0 {
		db.SetConnMaxIdleTime(time.Duration(idleTimeMinutes) * time.Minute)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	balance BIGINT NOT NULL DEFAULT 0 CHECK(balance >= 0),
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS transactions (
	id UUID PRIMARY KEY,
	account_id TEXT NOT NULL REFERENCES accounts(id),
	kind TEXT NOT NULL CHECK(kind IN ('debit','credit','refund')),
	amount BIGINT NOT NULL CHECK(amount > 0),
	reason TEXT,
	job_id TEXT,
	refund_of UUID,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_transactions_account_created ON transactions(account_id, created_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_refund_of ON transactions(refund_of) WHERE refund_of IS NOT NULL;
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Balance returns the current balance for the account, zero when unknown.
func (s *Store) Balance(ctx context.Context, accountID string) (int64, error) {
	if accountID == "" {
		return 0, errors.New("account id required")
	}
	var balance int64
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = $1`, accountID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// Debit decrements the balance and appends a debit transaction.
func (s *Store) Debit(ctx context.Context, accountID string, amount int64, reason string) (string, error) {
	return s.apply(ctx, accountID, ledger.Transaction{
		AccountID: accountID,
		Kind:      ledger.KindDebit,
		Amount:    amount,
		Reason:    reason,
	})
}

// Credit increments the balance and appends a credit transaction.
func (s *Store) Credit(ctx context.Context, accountID string, amount int64, reason string) (string, error) {
	return s.apply(ctx, accountID, ledger.Transaction{
		AccountID: accountID,
		Kind:      ledger.KindCredit,
		Amount:    amount,
		Reason:    reason,
	})
}

// Refund increments the balance and appends a refund transaction referencing
// the original debit.
func (s *Store) Refund(ctx context.Context, accountID string, amount int64, reason, relatedDebitID string) (string, error) {
	if relatedDebitID == "" {
		return "", errors.New("refund requires related debit id")
	}
	return s.apply(ctx, accountID, ledger.Transaction{
		AccountID: accountID,
		Kind:      ledger.KindRefund,
		Amount:    amount,
		Reason:    reason,
		RefundOf:  relatedDebitID,
	})
}

// apply serializes same-account mutations with a row lock so the balance
// check and the update cannot interleave across connections.
func (s *Store) apply(ctx context.Context, accountID string, tr ledger.Transaction) (string, error) {
	if accountID == "" {
		return "", errors.New("account id required")
	}
	if tr.Amount <= 0 {
		return "", fmt.Errorf("amount must be positive, got %d", tr.Amount)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT INTO accounts(id, balance) VALUES($1, 0) ON CONFLICT (id) DO NOTHING`, accountID); err != nil {
		return "", fmt.Errorf("ensure account: %w", err)
	}

	var balance int64
	if err := tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = $1 FOR UPDATE`, accountID).Scan(&balance); err != nil {
		return "", fmt.Errorf("lock account: %w", err)
	}

	delta := tr.Amount
	if tr.Kind == ledger.KindDebit {
		if balance < tr.Amount {
			return "", ledger.ErrInsufficientCredits
		}
		delta = -tr.Amount
	}

	if tr.RefundOf != "" {
		// id::text keeps a malformed debit id from failing the UUID cast.
		var kind string
		err := tx.QueryRowContext(ctx, `SELECT kind FROM transactions WHERE id::text = $1 AND account_id = $2`, tr.RefundOf, accountID).Scan(&kind)
		if errors.Is(err, sql.ErrNoRows) {
			return "", ledger.ErrUnknownDebit
		}
		if err != nil {
			return "", fmt.Errorf("check debit: %w", err)
		}
		if kind != string(ledger.KindDebit) {
			return "", ledger.ErrUnknownDebit
		}
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM transactions WHERE refund_of::text = $1`, tr.RefundOf).Scan(&n); err != nil {
			return "", fmt.Errorf("check refund: %w", err)
		}
		if n > 0 {
			return "", ledger.ErrDuplicateRefund
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET balance = balance + $1 WHERE id = $2`, delta, accountID); err != nil {
		return "", fmt.Errorf("update balance: %w", err)
	}

	id := uuid.NewString()
	created := tr.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	var refundOf any
	if tr.RefundOf != "" {
		refundOf = tr.RefundOf
	}
	var jobID any
	if tr.JobID != "" {
		jobID = tr.JobID
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO transactions(id, account_id, kind, amount, reason, job_id, refund_of, created_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, accountID, string(tr.Kind), tr.Amount, tr.Reason, jobID, refundOf, created,
	); err != nil {
		return "", fmt.Errorf("append transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

// History returns the latest transactions for an account.
func (s *Store) History(ctx context.Context, accountID string, limit int) ([]ledger.Transaction, error) {
	if accountID == "" {
		return nil, errors.New("account id required")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, account_id, kind, amount, COALESCE(reason, ''), COALESCE(job_id, ''), COALESCE(refund_of::text, ''), created_at
FROM transactions
WHERE account_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ledger.Transaction
	for rows.Next() {
		var t ledger.Transaction
		var kind string
		if err := rows.Scan(&t.ID, &t.AccountID, &kind, &t.Amount, &t.Reason, &t.JobID, &t.RefundOf, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Kind = ledger.Kind(kind)
		entries = append(entries, t)
	}
	return entries, rows.Err()
}
