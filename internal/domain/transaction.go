package domain

import (
	"strings"
	"time"
	"unicode/utf8"

	xerrors "github.com/avu-1/CREDORA/pkg/utils/errors"

	"github.com/shopspring/decimal"
)

type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxCompleted TransactionStatus = "completed"
	TxFailed    TransactionStatus = "failed"
	// TxReversed is only reachable through a compensating transfer.
	TxReversed TransactionStatus = "reversed"
)

const TransactionTypeTransfer = "transfer"

const (
	MinAccountNumberLen  = 10
	MaxAccountNumberLen  = 20
	MaxDescriptionLen    = 200
	MaxIdempotencyKeyLen = 128
)

var MinTransferAmount = decimal.RequireFromString("0.01")

// Transaction is the immutable record of one committed transfer.
type Transaction struct {
	ID                string            `json:"id"`
	FromAccountID     string            `json:"from_account_id"`
	ToAccountID       string            `json:"to_account_id"`
	FromAccountNumber string            `json:"from_account_number,omitempty"`
	ToAccountNumber   string            `json:"to_account_number,omitempty"`
	TransactionType   string            `json:"transaction_type"`
	Amount            decimal.Decimal   `json:"amount"`
	Currency          string            `json:"currency"`
	Status            TransactionStatus `json:"status"`
	Description       string            `json:"description,omitempty"`
	ReferenceNumber   string            `json:"reference_number"`
	BalanceAfter      decimal.Decimal   `json:"balance_after"`
	IdempotencyKey    *string           `json:"-"`
	InitiatedBy       string            `json:"-"`
	CreatedAt         time.Time         `json:"created_at"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`
}

type TransferRequest struct {
	FromAccountID    string
	ToAccountNumber  string
	Amount           decimal.Decimal
	Description      string
	RequestingUserID string
	// IdempotencyKey is optional; a repeat with the same key replays the
	// first result instead of moving funds again.
	IdempotencyKey string

	// audit context
	RequestID string
	IPAddress string
	UserAgent string
}

func (r *TransferRequest) Normalize() {
	r.FromAccountID = strings.TrimSpace(r.FromAccountID)
	r.ToAccountNumber = strings.TrimSpace(r.ToAccountNumber)
	r.Description = strings.TrimSpace(r.Description)
	r.IdempotencyKey = strings.TrimSpace(r.IdempotencyKey)
}

// Validate checks the request shape before any store access.
func (r *TransferRequest) Validate() error {
	if r.Amount.LessThan(MinTransferAmount) {
		return xerrors.ErrInvalidAmount
	}
	if !r.Amount.Equal(r.Amount.Truncate(2)) {
		return xerrors.ErrInvalidAmount
	}
	if r.FromAccountID == "" || r.RequestingUserID == "" {
		return xerrors.ErrInvalidRequest
	}
	if n := utf8.RuneCountInString(r.ToAccountNumber); n < MinAccountNumberLen || n > MaxAccountNumberLen {
		return xerrors.ErrInvalidAccountNumber
	}
	if utf8.RuneCountInString(r.Description) > MaxDescriptionLen {
		return xerrors.ErrDescriptionTooLong
	}
	if utf8.RuneCountInString(r.IdempotencyKey) > MaxIdempotencyKeyLen {
		return xerrors.ErrIdempotencyKeyTooLong
	}
	return nil
}

type TransferResult struct {
	TransactionID   string          `json:"transactionId"`
	ReferenceNumber string          `json:"referenceNumber"`
	Amount          decimal.Decimal `json:"amount"`
	BalanceAfter    decimal.Decimal `json:"balanceAfter"`
	Timestamp       time.Time       `json:"timestamp"`
	// Replayed is set when an idempotency key matched an earlier transfer.
	Replayed bool `json:"replayed,omitempty"`
}

func ResultFromTransaction(tx *Transaction) *TransferResult {
	return &TransferResult{
		TransactionID:   tx.ID,
		ReferenceNumber: tx.ReferenceNumber,
		Amount:          tx.Amount,
		BalanceAfter:    tx.BalanceAfter,
		Timestamp:       tx.CreatedAt,
	}
}

// TransferError carries the reference number generated for a failed attempt so
// clients can correlate retries.
type TransferError struct {
	ReferenceNumber string
	Err             error
}

func (e *TransferError) Error() string {
	return "transfer " + e.ReferenceNumber + ": " + e.Err.Error()
}

func (e *TransferError) Unwrap() error { return e.Err }

type HistoryQuery struct {
	AccountID string
	Limit     int
	Offset    int
}

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 100
)

func (q *HistoryQuery) Clamp() {
	if q.Limit <= 0 {
		q.Limit = DefaultHistoryLimit
	}
	if q.Limit > MaxHistoryLimit {
		q.Limit = MaxHistoryLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
}
