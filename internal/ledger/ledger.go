// Package ledger implements the credits ledger: per-user balances and a
// transaction history, with every debit/credit applied as a single SQL
// transaction so a crash can never leave a job with a debit that was never
// matched by a balance change (one *sql.Tx covering both the business write
// and its transaction record, an outbox-style discipline). The cost-per-unit
// framing of a transaction is trimmed down from a multi-tenant budget/
// forecast/enforcement model to a flat balance+history.
package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrInsufficientBalance is returned by Debit when an account cannot cover a charge.
var ErrInsufficientBalance = errors.New("ledger: insufficient balance")

// TxKind labels a ledger transaction's direction.
type TxKind string

const (
	TxDebit  TxKind = "debit"
	TxCredit TxKind = "credit"
)

// Transaction is one row of ledger history.
type Transaction struct {
	ID        int64
	UserID    string
	JobID     string
	Kind      TxKind
	Amount    int64
	Balance   int64 // account balance immediately after this transaction
	Reason    string
	CreatedAt time.Time
}

// Ledger manages per-user credit balances backed by a shared *sql.DB (the
// same handle the Job Store uses), so a job's debit and its store row can,
// if ever needed, be committed together.
type Ledger struct {
	db              *sql.DB
	startingBalance int64
}

func New(db *sql.DB, startingBalance int64) (*Ledger, error) {
	l := &Ledger{db: db, startingBalance: startingBalance}
	if err := l.migrate(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS credit_accounts (
			user_id TEXT PRIMARY KEY,
			balance INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS credit_transactions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			job_id TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL CHECK(kind IN ('debit','credit')),
			amount INTEGER NOT NULL,
			balance INTEGER NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credit_tx_user ON credit_transactions(user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_credit_tx_job ON credit_transactions(job_id)`,
	}
	for _, stmt := range stmts {
		if _, err := l.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate ledger: %w", err)
		}
	}
	return nil
}

// ensureAccount creates a user's account with the configured starting
// balance if it doesn't exist yet, within tx.
func ensureAccount(tx *sql.Tx, userID string, startingBalance int64) error {
	_, err := tx.Exec(`
		INSERT INTO credit_accounts (user_id, balance, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO NOTHING
	`, userID, startingBalance, time.Now().UTC().Unix())
	return err
}

// Balance returns a user's current balance, creating the account at the
// configured starting balance on first read.
func (l *Ledger) Balance(userID string) (int64, error) {
	tx, err := l.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	if err := ensureAccount(tx, userID, l.startingBalance); err != nil {
		return 0, err
	}
	var bal int64
	if err := tx.QueryRow(`SELECT balance FROM credit_accounts WHERE user_id=?`, userID).Scan(&bal); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return bal, nil
}

// Debit atomically checks and deducts amount from userID's balance for jobID,
// recording one transaction row, all within a single *sql.Tx. Returns
// ErrInsufficientBalance without side effects if the balance can't cover it.
func (l *Ledger) Debit(userID, jobID string, amount int64, reason string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("ledger: debit amount must be positive, got %d", amount)
	}
	tx, err := l.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if err := ensureAccount(tx, userID, l.startingBalance); err != nil {
		return 0, err
	}
	var bal int64
	if err := tx.QueryRow(`SELECT balance FROM credit_accounts WHERE user_id=?`, userID).Scan(&bal); err != nil {
		return 0, err
	}
	if bal < amount {
		return 0, ErrInsufficientBalance
	}
	newBal := bal - amount
	if _, err := tx.Exec(`UPDATE credit_accounts SET balance=?, updated_at=? WHERE user_id=?`, newBal, time.Now().UTC().Unix(), userID); err != nil {
		return 0, err
	}
	if _, err := tx.Exec(`
		INSERT INTO credit_transactions (user_id, job_id, kind, amount, balance, reason, created_at)
		VALUES (?, ?, 'debit', ?, ?, ?, ?)
	`, userID, jobID, amount, newBal, reason, time.Now().UTC().Unix()); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return newBal, nil
}

// Credit atomically adds amount back to userID's balance for jobID (a
// refund), recording one transaction row in the same transaction.
func (l *Ledger) Credit(userID, jobID string, amount int64, reason string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("ledger: credit amount must be positive, got %d", amount)
	}
	tx, err := l.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if err := ensureAccount(tx, userID, l.startingBalance); err != nil {
		return 0, err
	}
	var bal int64
	if err := tx.QueryRow(`SELECT balance FROM credit_accounts WHERE user_id=?`, userID).Scan(&bal); err != nil {
		return 0, err
	}
	newBal := bal + amount
	if _, err := tx.Exec(`UPDATE credit_accounts SET balance=?, updated_at=? WHERE user_id=?`, newBal, time.Now().UTC().Unix(), userID); err != nil {
		return 0, err
	}
	if _, err := tx.Exec(`
		INSERT INTO credit_transactions (user_id, job_id, kind, amount, balance, reason, created_at)
		VALUES (?, ?, 'credit', ?, ?, ?, ?)
	`, userID, jobID, amount, newBal, reason, time.Now().UTC().Unix()); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return newBal, nil
}

// History returns a user's most recent transactions, newest first.
func (l *Ledger) History(userID string, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.Query(`
		SELECT id, user_id, job_id, kind, amount, balance, reason, created_at
		FROM credit_transactions WHERE user_id=? ORDER BY created_at DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Transaction
	for rows.Next() {
		var t Transaction
		var created int64
		var kind string
		if err := rows.Scan(&t.ID, &t.UserID, &t.JobID, &kind, &t.Amount, &t.Balance, &t.Reason, &created); err != nil {
			return nil, err
		}
		t.Kind = TxKind(kind)
		t.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

// DebitForJob returns the single debit transaction recorded for a job, if any.
// Used by the reconciliation sweep to detect a debit with no matching refund
// left behind by a crash between marking a job "error" and issuing its refund.
func (l *Ledger) DebitForJob(jobID string) (Transaction, bool, error) {
	row := l.db.QueryRow(`
		SELECT id, user_id, job_id, kind, amount, balance, reason, created_at
		FROM credit_transactions WHERE job_id=? AND kind='debit' ORDER BY created_at ASC LIMIT 1`, jobID)
	var t Transaction
	var created int64
	var kind string
	if err := row.Scan(&t.ID, &t.UserID, &t.JobID, &kind, &t.Amount, &t.Balance, &t.Reason, &created); err != nil {
		if err == sql.ErrNoRows {
			return Transaction{}, false, nil
		}
		return Transaction{}, false, err
	}
	t.Kind = TxKind(kind)
	t.CreatedAt = time.Unix(created, 0).UTC()
	return t, true, nil
}

// HasRefund reports whether a job already has a recorded credit (refund) transaction.
func (l *Ledger) HasRefund(jobID string) (bool, error) {
	var n int
	err := l.db.QueryRow(`SELECT COUNT(1) FROM credit_transactions WHERE job_id=? AND kind='credit'`, jobID).Scan(&n)
	return n > 0, err
}
