package repository

import (
	"context"

	"github.com/avu-1/CREDORA/internal/domain"

	"github.com/shopspring/decimal"
)

// AccountStore is the durable home of accounts and transactions.
type AccountStore interface {
	GetByID(ctx context.Context, accountID string) (*domain.Account, error)
	GetByNumber(ctx context.Context, accountNumber string) (*domain.Account, error)
	ListByUser(ctx context.Context, userID string) ([]*domain.Account, error)
	Create(ctx context.Context, account *domain.Account) error

	// History returns committed transactions touching the account, newest first.
	History(ctx context.Context, q domain.HistoryQuery) ([]*domain.Transaction, error)
	FindByIdempotencyKey(ctx context.Context, userID, key string) (*domain.Transaction, error)

	// WithinTx runs fn in one atomic unit. Row locks taken through the AccountTx
	// are held until fn returns; a non-nil error from fn rolls everything back.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx AccountTx) error) error
}

// AccountTx is the set of operations available inside a transfer's critical
// section.
type AccountTx interface {
	// LockAccount takes an exclusive lock on the account row and returns its
	// current state. Callers lock several rows in ascending id order.
	LockAccount(ctx context.Context, accountID string) (*domain.Account, error)

	// ApplyTransfer debits from and credits to in a single conditional write.
	// It fails with ErrConcurrentModification unless both rows are still
	// active and the sender still covers amount.
	ApplyTransfer(ctx context.Context, fromID, toID string, amount decimal.Decimal) (senderBalance decimal.Decimal, err error)

	InsertTransaction(ctx context.Context, t *domain.Transaction) error
}

type UserStore interface {
	// CreateWithAccount stores the user and its opening account atomically.
	CreateWithAccount(ctx context.Context, user *domain.User, account *domain.Account) error
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	GetByID(ctx context.Context, userID string) (*domain.User, error)
}

type AuditStore interface {
	Insert(ctx context.Context, entry *domain.AuditEntry) error
}
