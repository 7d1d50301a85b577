package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TransactionTypeCredit TransactionType = "CREDIT"
	TransactionTypeDebit  TransactionType = "DEBIT"
)

type TransactionStatus string

const (
	TransactionStatusPending TransactionStatus = "PENDING"
	TransactionStatusPosted  TransactionStatus = "POSTED"
	TransactionStatusFailed  TransactionStatus = "FAILED"
)

// DepositTransaction is an append-only ledger line. Debits carry a negative Amount.
type DepositTransaction struct {
	ID          uuid.UUID         `json:"id"`
	AccountID   string            `json:"account_id"`
	Amount      decimal.Decimal   `json:"amount"`
	Type        TransactionType   `json:"type"`
	Description string            `json:"description,omitempty"`
	ReferenceID string            `json:"reference_id,omitempty"`
	Status      TransactionStatus `json:"status"`
	PostedAt    time.Time         `json:"posted_at"`
}

// NewPostedTransaction builds a POSTED line; the sign of amount follows txType.
func NewPostedTransaction(accountID string, txType TransactionType, amount decimal.Decimal, description, referenceID string) *DepositTransaction {
	amount = RoundMoney(amount.Abs())
	if txType == TransactionTypeDebit {
		amount = amount.Neg()
	}
	return &DepositTransaction{
		ID:          uuid.New(),
		AccountID:   accountID,
		Amount:      amount,
		Type:        txType,
		Description: description,
		ReferenceID: referenceID,
		Status:      TransactionStatusPosted,
		PostedAt:    time.Now().UTC(),
	}
}
