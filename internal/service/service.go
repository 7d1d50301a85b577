package service

import (
	"context"

	"ledger-saga/internal/domain"
)

// BalanceValidator reads the canonical balance of an account. Implementations must return
// errors.ErrAccountNotFound for unknown accounts, errors.ErrValidationTimeout when the
// call runs out of time and errors.ErrValidationUnavailable when the account side is down.
type BalanceValidator interface {
	GetBalance(ctx context.Context, accountID string) (domain.BalanceSnapshot, error)
}

// OutboxFlusher publishes freshly committed outbox rows.
type OutboxFlusher interface {
	Flush(ctx context.Context, rows ...*domain.OutboxEvent) error
}
