package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avu-1/CREDORA/internal/domain"
	xerrors "github.com/avu-1/CREDORA/pkg/utils/errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type PGAccountStore struct {
	db               *pgxpool.Pool
	lockTimeout      time.Duration
	statementTimeout time.Duration
}

// NewPGAccountStore creates the postgres-backed account store. lockTimeout
// bounds the wait for a contended row; statementTimeout bounds each statement
// inside a transfer.
func NewPGAccountStore(db *pgxpool.Pool, lockTimeout, statementTimeout time.Duration) *PGAccountStore {
	return &PGAccountStore{db: db, lockTimeout: lockTimeout, statementTimeout: statementTimeout}
}

const (
	accountColumns = `id, account_number, user_id, account_type, balance::text, currency, status, created_at, updated_at`

	transactionColumns = `t.id, t.from_account_id, t.to_account_id, fa.account_number, ta.account_number,
		t.transaction_type, t.amount::text, t.currency, t.status, COALESCE(t.description, ''),
		t.reference_number, t.balance_after::text, t.idempotency_key, t.initiated_by, t.created_at, t.completed_at`

	transactionFrom = `FROM transactions t
		JOIN accounts fa ON fa.id = t.from_account_id
		JOIN accounts ta ON ta.id = t.to_account_id`
)

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var a domain.Account
	var balance string
	err := row.Scan(
		&a.ID, &a.AccountNumber, &a.OwnerUserID, &a.AccountType, &balance,
		&a.Currency, &a.Status, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, xerrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	if a.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("failed to parse balance %q: %w", balance, err)
	}
	return &a, nil
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var t domain.Transaction
	var amount, balanceAfter string
	err := row.Scan(
		&t.ID, &t.FromAccountID, &t.ToAccountID, &t.FromAccountNumber, &t.ToAccountNumber,
		&t.TransactionType, &amount, &t.Currency, &t.Status, &t.Description,
		&t.ReferenceNumber, &balanceAfter, &t.IdempotencyKey, &t.InitiatedBy, &t.CreatedAt, &t.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, xerrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("failed to parse amount %q: %w", amount, err)
	}
	if t.BalanceAfter, err = decimal.NewFromString(balanceAfter); err != nil {
		return nil, fmt.Errorf("failed to parse balance_after %q: %w", balanceAfter, err)
	}
	return &t, nil
}

func (r *PGAccountStore) GetByID(ctx context.Context, accountID string) (*domain.Account, error) {
	q := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return scanAccount(r.db.QueryRow(ctx, q, accountID))
}

func (r *PGAccountStore) GetByNumber(ctx context.Context, accountNumber string) (*domain.Account, error) {
	q := `SELECT ` + accountColumns + ` FROM accounts WHERE account_number = $1`
	return scanAccount(r.db.QueryRow(ctx, q, accountNumber))
}

func (r *PGAccountStore) ListByUser(ctx context.Context, userID string) ([]*domain.Account, error) {
	q := `SELECT ` + accountColumns + ` FROM accounts WHERE user_id = $1 ORDER BY created_at DESC`
	rows, err := r.db.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var out []*domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *PGAccountStore) Create(ctx context.Context, a *domain.Account) error {
	return insertAccount(ctx, r.db, a)
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertAccount(ctx context.Context, db rowQuerier, a *domain.Account) error {
	q := `
		INSERT INTO accounts (id, account_number, user_id, account_type, balance, currency, status)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7)
		RETURNING created_at, updated_at`
	err := db.QueryRow(ctx, q,
		a.ID, a.AccountNumber, a.OwnerUserID, a.AccountType, a.Balance.String(), a.Currency, a.Status,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (r *PGAccountStore) History(ctx context.Context, hq domain.HistoryQuery) ([]*domain.Transaction, error) {
	hq.Clamp()
	q := `SELECT ` + transactionColumns + ` ` + transactionFrom + `
		WHERE t.from_account_id = $1 OR t.to_account_id = $1
		ORDER BY t.created_at DESC, t.id DESC
		LIMIT $2 OFFSET $3`
	rows, err := r.db.Query(ctx, q, hq.AccountID, hq.Limit, hq.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.Transaction, 0, hq.Limit)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *PGAccountStore) FindByIdempotencyKey(ctx context.Context, userID, key string) (*domain.Transaction, error) {
	q := `SELECT ` + transactionColumns + ` ` + transactionFrom + `
		WHERE t.initiated_by = $1 AND t.idempotency_key = $2`
	return scanTransaction(r.db.QueryRow(ctx, q, userID, key))
}

// WithinTx opens a read-committed transaction with bounded lock and statement
// waits. Store errors are translated with xerrors.FromPG.
func (r *PGAccountStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx AccountTx) error) (err error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return xerrors.FromPG(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() {
		if err != nil {
			// the rollback must run even when ctx is already done
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if r.lockTimeout > 0 {
		if _, err = tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())); err != nil {
			return xerrors.FromPG(err)
		}
	}
	if r.statementTimeout > 0 {
		if _, err = tx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = '%dms'", r.statementTimeout.Milliseconds())); err != nil {
			return xerrors.FromPG(err)
		}
	}

	if err = fn(ctx, &pgAccountTx{tx: tx}); err != nil {
		return xerrors.FromPG(err)
	}
	if err = tx.Commit(ctx); err != nil {
		return xerrors.FromPG(fmt.Errorf("failed to commit transfer: %w", err))
	}
	return nil
}

type pgAccountTx struct {
	tx pgx.Tx
}

func (t *pgAccountTx) LockAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	q := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1 FOR UPDATE`
	return scanAccount(t.tx.QueryRow(ctx, q, accountID))
}

func (t *pgAccountTx) ApplyTransfer(ctx context.Context, fromID, toID string, amount decimal.Decimal) (decimal.Decimal, error) {
	q := `
		UPDATE accounts
		SET balance = CASE WHEN id = $1 THEN balance - $3::numeric ELSE balance + $3::numeric END,
		    updated_at = NOW()
		WHERE id IN ($1, $2)
		  AND status = 'active'
		  AND (id <> $1 OR balance >= $3::numeric)
		RETURNING id, balance::text`
	rows, err := t.tx.Query(ctx, q, fromID, toID, amount.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to apply transfer: %w", err)
	}
	defer rows.Close()

	var (
		affected      int
		senderBalance decimal.Decimal
	)
	for rows.Next() {
		var id, balance string
		if err := rows.Scan(&id, &balance); err != nil {
			return decimal.Zero, fmt.Errorf("failed to scan balance: %w", err)
		}
		affected++
		if id == fromID {
			if senderBalance, err = decimal.NewFromString(balance); err != nil {
				return decimal.Zero, err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return decimal.Zero, fmt.Errorf("failed to apply transfer: %w", err)
	}
	if affected != 2 {
		return decimal.Zero, xerrors.ErrConcurrentModification
	}
	return senderBalance, nil
}

func (t *pgAccountTx) InsertTransaction(ctx context.Context, tr *domain.Transaction) error {
	q := `
		INSERT INTO transactions (
			id, from_account_id, to_account_id, transaction_type, amount, currency, status,
			description, reference_number, balance_after, idempotency_key, initiated_by, completed_at
		) VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, NULLIF($8, ''), $9, $10::numeric, $11, $12, $13)
		RETURNING created_at`
	err := t.tx.QueryRow(ctx, q,
		tr.ID, tr.FromAccountID, tr.ToAccountID, tr.TransactionType, tr.Amount.String(), tr.Currency, tr.Status,
		tr.Description, tr.ReferenceNumber, tr.BalanceAfter.String(), tr.IdempotencyKey, tr.InitiatedBy, tr.CompletedAt,
	).Scan(&tr.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}
