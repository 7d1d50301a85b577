package domain

import "time"

// Channels.
const (
	ChannelAccountUpdated  = "account-updated"
	ChannelAccountRollback = "account-rollback"
	ChannelDepositCredited = "deposit-credited"
	ChannelDepositDebited  = "deposit-debited"
	ChannelDepositRollback = "deposit-rollback"
)

type AccountEventType string

const (
	AccountEventCreated AccountEventType = "CREATED"
	AccountEventUpdated AccountEventType = "UPDATED"
	AccountEventClosed  AccountEventType = "CLOSED"
)

type DepositEventType string

const (
	DepositEventCredited       DepositEventType = "CREDITED"
	DepositEventDebited        DepositEventType = "DEBITED"
	DepositEventRollbackCredit DepositEventType = "ROLLBACK_CREDIT"
)

// Amounts are fixed two-digit decimal strings ("-40.00") so no precision is lost in JSON.

type AccountUpdated struct {
	UpdateID  string           `json:"updateId,omitempty"`
	AccountID string           `json:"accountId"`
	Type      AccountEventType `json:"type"`
	Balance   string           `json:"balance"`
	Delta     string           `json:"delta"`
	Currency  string           `json:"currency"`
	Timestamp time.Time        `json:"timestamp"`
}

type AccountRollback struct {
	UpdateID  string    `json:"updateId"`
	AccountID string    `json:"accountId"`
	Balance   string    `json:"balance"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

type DepositCredited struct {
	AccountID   string           `json:"accountId"`
	Amount      string           `json:"amount"`
	Type        DepositEventType `json:"type"`
	Currency    string           `json:"currency"`
	ReferenceID string           `json:"referenceId,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
}

type DepositDebited struct {
	AccountID   string           `json:"accountId"`
	Amount      string           `json:"amount"`
	Type        DepositEventType `json:"type"`
	Currency    string           `json:"currency"`
	ReferenceID string           `json:"referenceId,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
}

type DepositRollback struct {
	AccountID   string           `json:"accountId"`
	Amount      string           `json:"amount"`
	Type        DepositEventType `json:"type"`
	ReferenceID string           `json:"referenceId"`
	TTLSeconds  int64            `json:"ttl"`
	Timestamp   time.Time        `json:"timestamp"`
}

// Expired reports whether the rollback request outlived its TTL at now.
func (r DepositRollback) Expired(now time.Time) bool {
	if r.TTLSeconds <= 0 {
		return false
	}
	return r.Timestamp.Add(time.Duration(r.TTLSeconds) * time.Second).Before(now)
}
