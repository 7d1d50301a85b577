package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type AccountRepository interface {
	Create(ctx context.Context, account *Account) error
	GetByID(ctx context.Context, accountID string) (*Account, error)
	GetForUpdate(ctx context.Context, accountID string) (*Account, error)
	UpdateBalance(ctx context.Context, accountID string, balance decimal.Decimal) error
	SoftDelete(ctx context.Context, accountID string) error
}

type SagaRepository interface {
	Create(ctx context.Context, saga *Saga) error
	Get(ctx context.Context, updateID string) (*Saga, error)
	GetForUpdate(ctx context.Context, updateID string) (*Saga, error)
	Update(ctx context.Context, saga *Saga) error
}

type DepositAccountRepository interface {
	Create(ctx context.Context, account *DepositAccount) error
	GetByAccountID(ctx context.Context, accountID string) (*DepositAccount, error)
	GetForUpdate(ctx context.Context, accountID string) (*DepositAccount, error)
	UpdateBalances(ctx context.Context, account *DepositAccount) error
	SoftDelete(ctx context.Context, accountID string) error
	// IsClosed reports whether accountID had a mirror that was soft deleted.
	IsClosed(ctx context.Context, accountID string) (bool, error)
}

type DepositTransactionRepository interface {
	Create(ctx context.Context, tx *DepositTransaction) error
	ListByAccount(ctx context.Context, accountID string, limit int) ([]*DepositTransaction, error)
	FindPostedByReference(ctx context.Context, accountID, referenceID string, txType TransactionType) (*DepositTransaction, error)
}

type HoldRepository interface {
	Create(ctx context.Context, hold *DepositHold) error
	GetForUpdate(ctx context.Context, id uuid.UUID) (*DepositHold, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status HoldStatus) error
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*DepositHold, error)
	SumActive(ctx context.Context, accountID string) (decimal.Decimal, error)
}

type OutboxRepository interface {
	Create(ctx context.Context, event *OutboxEvent) error
	ListPending(ctx context.Context, limit int) ([]*OutboxEvent, error)
	// GetForUpdate locks a PENDING row; it returns nil, nil when the row is gone or locked elsewhere.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*OutboxEvent, error)
	// HasPendingBefore reports whether an older PENDING row exists for the same channel and account.
	HasPendingBefore(ctx context.Context, channel, accountID string, sequence int64) (bool, error)
	MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error
	RecordFailure(ctx context.Context, id uuid.UUID, attempts int, lastErr string, status OutboxStatus) error
}

// SequenceRepository hands out per (channel, account) sequences on the producer side
// and tracks per-consumer offsets on the consumer side.
type SequenceRepository interface {
	Next(ctx context.Context, channel, accountID string) (int64, error)
	// Current returns the last sequence handed out, 0 when none was.
	Current(ctx context.Context, channel, accountID string) (int64, error)
	Offset(ctx context.Context, consumer, channel, accountID string) (int64, error)
	Advance(ctx context.Context, consumer, channel, accountID string, sequence int64) error
}

// Store groups the repositories behind one transaction boundary.
type Store interface {
	Accounts() AccountRepository
	Sagas() SagaRepository
	DepositAccounts() DepositAccountRepository
	DepositTransactions() DepositTransactionRepository
	Holds() HoldRepository
	Outbox() OutboxRepository
	Sequences() SequenceRepository
	WithTransaction(ctx context.Context, fn func(Store) error) error
}
