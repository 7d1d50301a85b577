package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type HoldStatus string

const (
	HoldStatusActive   HoldStatus = "ACTIVE"
	HoldStatusReleased HoldStatus = "RELEASED"
	HoldStatusExpired  HoldStatus = "EXPIRED"
)

type HoldReason string

const (
	HoldReasonPendingDebit HoldReason = "PENDING_DEBIT"
	HoldReasonLegal        HoldReason = "LEGAL"
	HoldReasonRisk         HoldReason = "RISK"
)

// DepositHold reserves part of a deposit account's balance until released or expired.
type DepositHold struct {
	ID        uuid.UUID       `json:"id"`
	AccountID string          `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"`
	Reason    HoldReason      `json:"reason"`
	ExpiresAt time.Time       `json:"expires_at"`
	Status    HoldStatus      `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

func (h *DepositHold) IsActive() bool {
	return h.Status == HoldStatusActive
}

func (h *DepositHold) Expired(now time.Time) bool {
	return h.IsActive() && !h.ExpiresAt.After(now)
}

func ValidHoldReason(r HoldReason) bool {
	switch r {
	case HoldReasonPendingDebit, HoldReasonLegal, HoldReasonRisk:
		return true
	}
	return false
}
