package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type AccountStatus string

const (
	AccountActive AccountStatus = "active"
	AccountFrozen AccountStatus = "frozen"
	AccountClosed AccountStatus = "closed"
)

type AccountType string

const (
	AccountSavings  AccountType = "savings"
	AccountChecking AccountType = "checking"
	AccountBusiness AccountType = "business"
)

// Account is the authoritative balance row. Balance is never negative in any
// committed state and only changes through a committed transfer or the
// opening seed.
type Account struct {
	ID            string          `json:"id"`
	AccountNumber string          `json:"account_number"`
	OwnerUserID   string          `json:"user_id"`
	AccountType   AccountType     `json:"account_type"`
	Balance       decimal.Decimal `json:"balance"`
	Currency      string          `json:"currency"`
	Status        AccountStatus   `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (a *Account) IsActive() bool {
	return a != nil && a.Status == AccountActive
}

// Balance is the cached read model served to clients.
type Balance struct {
	AccountID     string          `json:"account_id"`
	AccountNumber string          `json:"account_number"`
	Balance       decimal.Decimal `json:"balance"`
	Currency      string          `json:"currency"`
}
