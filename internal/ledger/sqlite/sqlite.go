package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/jasonheron/VideoForgeBot/internal/ledger"
)

// Store implements ledger.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite ledger store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
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
	balance INTEGER NOT NULL DEFAULT 0 CHECK(balance >= 0),
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS transactions (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL REFERENCES accounts(id),
	kind TEXT NOT NULL CHECK(kind IN ('debit','credit','refund')),
	amount INTEGER NOT NULL CHECK(amount > 0),
	reason TEXT,
	job_id TEXT,
	refund_of TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
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
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = ?`, accountID).Scan(&balance)
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

// apply runs a single balance mutation plus its transaction append in one
// database transaction. SQLite serializes writers, so same-account races
// cannot interleave between the balance check and the update.
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

	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO accounts(id, balance) VALUES(?, 0)`, accountID); err != nil {
		return "", fmt.Errorf("ensure account: %w", err)
	}

	var balance int64
	if err := tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = ?`, accountID).Scan(&balance); err != nil {
		return "", fmt.Errorf("read balance: %w", err)
	}

	delta := tr.Amount
	if tr.Kind == ledger.KindDebit {
		if balance < tr.Amount {
			return "", ledger.ErrInsufficientCredits
		}
		delta = -tr.Amount
	}

	if tr.RefundOf != "" {
		var kind string
		err := tx.QueryRowContext(ctx, `SELECT kind FROM transactions WHERE id = ? AND account_id = ?`, tr.RefundOf, accountID).Scan(&kind)
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
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM transactions WHERE refund_of = ?`, tr.RefundOf).Scan(&n); err != nil {
			return "", fmt.Errorf("check refund: %w", err)
		}
		if n > 0 {
			return "", ledger.ErrDuplicateRefund
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET balance = balance + ? WHERE id = ?`, delta, accountID); err != nil {
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
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
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
SELECT id, account_id, kind, amount, COALESCE(reason, ''), COALESCE(job_id, ''), COALESCE(refund_of, ''), created_at
FROM transactions
WHERE account_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?`, accountID, limit)
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
