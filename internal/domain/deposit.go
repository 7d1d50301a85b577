package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type DepositType string

const (
	DepositTypeChecking DepositType = "CHECKING"
	DepositTypeSavings  DepositType = "SAVINGS"
)

type DepositStatus string

const (
	DepositStatusActive DepositStatus = "ACTIVE"
	DepositStatusClosed DepositStatus = "CLOSED"
)

// DepositAccount mirrors a canonical account on the deposit side.
// Balance - AvailableBalance always equals the sum of active holds.
type DepositAccount struct {
	ID               uuid.UUID       `json:"id"`
	AccountID        string          `json:"account_id"`
	Balance          decimal.Decimal `json:"balance"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	Type             DepositType     `json:"type"`
	Status           DepositStatus   `json:"status"`
	Currency         string          `json:"currency"`
	IsDeleted        bool            `json:"is_deleted"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// NewDepositAccount returns an empty ACTIVE checking mirror for accountID.
func NewDepositAccount(accountID, currency string, opening decimal.Decimal) *DepositAccount {
	opening = RoundMoney(opening)
	return &DepositAccount{
		ID:               uuid.New(),
		AccountID:        accountID,
		Balance:          opening,
		AvailableBalance: opening,
		Type:             DepositTypeChecking,
		Status:           DepositStatusActive,
		Currency:         currency,
	}
}

// Apply moves both balances by delta, keeping the hold gap between them intact.
func (a *DepositAccount) Apply(delta decimal.Decimal) {
	delta = RoundMoney(delta)
	a.Balance = RoundMoney(a.Balance.Add(delta))
	a.AvailableBalance = RoundMoney(a.AvailableBalance.Add(delta))
}

// Reserve moves amount out of the available balance only.
func (a *DepositAccount) Reserve(amount decimal.Decimal) {
	a.AvailableBalance = RoundMoney(a.AvailableBalance.Sub(amount))
}

// Unreserve returns a held amount to the available balance, never above Balance.
func (a *DepositAccount) Unreserve(amount decimal.Decimal) {
	a.AvailableBalance = decimal.Min(RoundMoney(a.AvailableBalance.Add(amount)), a.Balance)
}

func (a *DepositAccount) CanSpend(amount decimal.Decimal) bool {
	return a.AvailableBalance.GreaterThanOrEqual(amount)
}
