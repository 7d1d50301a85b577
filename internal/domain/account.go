package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type AccountStatus string

const (
	AccountStatusActive   AccountStatus = "ACTIVE"
	AccountStatusInactive AccountStatus = "INACTIVE"
	AccountStatusClosed   AccountStatus = "CLOSED"
)

type AccountType string

const (
	AccountTypeSavings AccountType = "SAVINGS"
	AccountTypeCurrent AccountType = "CURRENT"
)

// BalanceSnapshot is a canonical balance together with the last account-updated sequence
// it already reflects.
type BalanceSnapshot struct {
	Balance  decimal.Decimal
	Sequence int64
}

// Account is the canonical ledger row. Its balance is the source of truth.
type Account struct {
	AccountID  string          `json:"account_id"`
	CustomerID string          `json:"customer_id"`
	Type       AccountType     `json:"type"`
	Balance    decimal.Decimal `json:"balance"`
	Currency   string          `json:"currency"`
	Status     AccountStatus   `json:"status"`
	IsDeleted  bool            `json:"is_deleted"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

func (a *Account) IsActive() bool {
	return a.Status == AccountStatusActive && !a.IsDeleted
}

// NewAccountID returns a business key such as "KEY1A2B3C4D".
func NewAccountID() string {
	return "KEY" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// NewUpdateID returns a saga correlation id such as "UPD1A2B3C4D".
func NewUpdateID() string {
	return "UPD" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}
