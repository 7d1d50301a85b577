package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"ledger-saga/internal/domain"
	"ledger-saga/internal/errors"
	"ledger-saga/internal/outbox"
	"ledger-saga/internal/task"
)

// SagaOrchestrator applies a signed delta to a canonical balance and announces it. Every
// attempt is recorded as a saga keyed by its update id; on failure the saga compensates by
// reversing whatever it applied and emitting an account-rollback event.
type SagaOrchestrator struct {
	store  domain.Store
	outbox OutboxFlusher
	logger *slog.Logger
}

func NewSagaOrchestrator(store domain.Store, flusher OutboxFlusher, logger *slog.Logger) *SagaOrchestrator {
	return &SagaOrchestrator{store: store, outbox: flusher, logger: logger}
}

// UpdateBalance runs the saga for updateID. An empty updateID gets a generated one.
// Re-submitting an updateID returns the recorded outcome instead of applying twice.
func (o *SagaOrchestrator) UpdateBalance(ctx context.Context, updateID, accountID string, delta decimal.Decimal) (decimal.Decimal, error) {
	if accountID == "" {
		return decimal.Zero, errors.ErrInvalidAccountID
	}
	if updateID == "" {
		updateID = domain.NewUpdateID()
	}
	delta = domain.RoundMoney(delta)

	o.logger.Info("Starting balance update saga", "update_id", updateID, "account_id", accountID, "delta", domain.FormatMoney(delta))

	var (
		newBalance decimal.Decimal
		forward    *domain.OutboxEvent
	)
	// The saga row commits together with the mutation, so an attempt that never commits
	// leaves nothing behind that a retry could mistake for work in progress.
	err := o.store.WithTransaction(ctx, func(tx domain.Store) error {
		saga := domain.NewSaga(updateID, accountID, delta)
		if err := tx.Sagas().Create(ctx, saga); err != nil {
			return err
		}

		account, err := tx.Accounts().GetForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		if !account.IsActive() {
			return errors.ErrAccountInactive
		}

		newBalance = domain.RoundMoney(account.Balance.Add(delta))
		if newBalance.IsNegative() {
			return errors.ErrNegativeBalance.WithDetails(fmt.Sprintf("balance %s, delta %s",
				domain.FormatMoney(account.Balance), domain.FormatMoney(delta)))
		}

		if err := tx.Accounts().UpdateBalance(ctx, accountID, newBalance); err != nil {
			return err
		}

		saga.NewBalance = newBalance
		if err := saga.Transition(domain.SagaStatusApplied); err != nil {
			return err
		}
		if err := tx.Sagas().Update(ctx, saga); err != nil {
			return err
		}

		forward, err = outbox.Append(ctx, tx, domain.ChannelAccountUpdated, accountID, domain.AccountUpdated{
			UpdateID:  updateID,
			AccountID: accountID,
			Type:      domain.AccountEventUpdated,
			Balance:   domain.FormatMoney(newBalance),
			Delta:     domain.FormatMoney(delta),
			Currency:  account.Currency,
			Timestamp: time.Now().UTC(),
		}, updateID)
		return err
	})
	if errors.HasCode(err, errors.SagaConflict) {
		return o.replay(ctx, updateID, accountID, delta)
	}
	if err != nil {
		o.logger.Warn("Balance update failed, compensating", "update_id", updateID, "account_id", accountID, "error", err)
		o.recordRollback(ctx, updateID, accountID, delta, err.Error())
		return decimal.Zero, err
	}

	if err := o.outbox.Flush(ctx, forward); err != nil {
		o.logger.Warn("Event publish deferred to outbox relay", "update_id", updateID, "error", err)
	}

	o.logger.Info("Balance update applied", "update_id", updateID, "account_id", accountID, "new_balance", domain.FormatMoney(newBalance))
	return newBalance, nil
}

// UpdateBalanceAsync runs UpdateBalance on its own goroutine.
func (o *SagaOrchestrator) UpdateBalanceAsync(ctx context.Context, updateID, accountID string, delta decimal.Decimal) *task.Future[decimal.Decimal] {
	return task.Go(ctx, func(ctx context.Context) (decimal.Decimal, error) {
		return o.UpdateBalance(ctx, updateID, accountID, delta)
	})
}

func (o *SagaOrchestrator) replay(ctx context.Context, updateID, accountID string, delta decimal.Decimal) (decimal.Decimal, error) {
	saga, err := o.store.Sagas().Get(ctx, updateID)
	if err != nil {
		return decimal.Zero, err
	}
	if saga.AccountID != accountID || !saga.Delta.Equal(delta) {
		return decimal.Zero, errors.ErrSagaConflict.WithDetails(updateID)
	}

	o.logger.Info("Returning recorded saga outcome", "update_id", updateID, "status", saga.Status)
	switch saga.Status {
	case domain.SagaStatusApplied, domain.SagaStatusPublished:
		return saga.NewBalance, nil
	case domain.SagaStatusCompensated, domain.SagaStatusFailed:
		return decimal.Zero, errors.NewAppError(errors.SagaConflict, "update was rolled back").WithDetails(saga.Reason)
	default:
		return decimal.Zero, errors.NewAppError(errors.SagaConflict, "update is still in progress").WithDetails(updateID)
	}
}

// recordRollback stores a saga whose mutation never committed, already COMPENSATED, along
// with its account-rollback event. When that write fails the saga is stored as FAILED.
func (o *SagaOrchestrator) recordRollback(ctx context.Context, updateID, accountID string, delta decimal.Decimal, reason string) {
	var rollback *domain.OutboxEvent
	err := o.store.WithTransaction(ctx, func(tx domain.Store) error {
		saga := domain.NewSaga(updateID, accountID, delta)
		saga.Reason = reason
		if err := saga.Transition(domain.SagaStatusCompensating); err != nil {
			return err
		}
		var err error
		if rollback, err = appendRollback(ctx, tx, saga); err != nil {
			return err
		}
		if err := saga.Transition(domain.SagaStatusCompensated); err != nil {
			return err
		}
		return tx.Sagas().Create(ctx, saga)
	})
	if errors.HasCode(err, errors.SagaConflict) {
		o.logger.Warn("Saga recorded concurrently, keeping that outcome", "update_id", updateID)
		return
	}
	if err != nil {
		o.logger.Error("Compensation failed", "update_id", updateID, "account_id", accountID, "error", err)
		failed := domain.NewSaga(updateID, accountID, delta)
		_ = failed.Transition(domain.SagaStatusCompensating)
		_ = failed.Transition(domain.SagaStatusFailed)
		failed.Reason = fmt.Sprintf("%s; compensation failed: %v", reason, err)
		if err := o.store.Sagas().Create(ctx, failed); err != nil {
			o.logger.Error("Failed to record FAILED saga", "update_id", updateID, "error", err)
		}
		return
	}

	if err := o.outbox.Flush(ctx, rollback); err != nil {
		o.logger.Warn("Rollback publish deferred to outbox relay", "update_id", updateID, "error", err)
	}
	o.logger.Info("Saga compensated", "update_id", updateID, "reversed", false)
}

// Compensate rolls back the saga for updateID. If the forward mutation was applied, the
// original delta is subtracted from the current balance. An account-rollback event is
// emitted either way. The whole compensation is one transaction; one that cannot complete
// leaves the saga FAILED.
func (o *SagaOrchestrator) Compensate(ctx context.Context, updateID, reason string) error {
	var (
		applied  bool
		rollback *domain.OutboxEvent
	)
	err := o.store.WithTransaction(ctx, func(tx domain.Store) error {
		saga, err := tx.Sagas().GetForUpdate(ctx, updateID)
		if err != nil {
			return err
		}
		applied = saga.Applied()
		if err := saga.Transition(domain.SagaStatusCompensating); err != nil {
			return errors.ErrSagaConflict.WithDetails(err.Error())
		}
		saga.Reason = reason

		if applied {
			account, err := tx.Accounts().GetForUpdate(ctx, saga.AccountID)
			if err != nil {
				return err
			}
			reversed := domain.RoundMoney(account.Balance.Sub(saga.Delta))
			if reversed.IsNegative() {
				o.logger.Warn("Compensation drives balance negative",
					"update_id", updateID, "account_id", saga.AccountID, "balance", domain.FormatMoney(reversed))
			}
			if err := tx.Accounts().UpdateBalance(ctx, saga.AccountID, reversed); err != nil {
				return err
			}
		}

		if rollback, err = appendRollback(ctx, tx, saga); err != nil {
			return err
		}
		if err := saga.Transition(domain.SagaStatusCompensated); err != nil {
			return err
		}
		return tx.Sagas().Update(ctx, saga)
	})
	if errors.HasCode(err, errors.SagaConflict) || errors.HasCode(err, errors.SagaNotFound) {
		return err
	}
	if err != nil {
		o.markFailed(ctx, updateID, reason, err)
		return err
	}

	if err := o.outbox.Flush(ctx, rollback); err != nil {
		o.logger.Warn("Rollback publish deferred to outbox relay", "update_id", updateID, "error", err)
	}
	o.logger.Info("Saga compensated", "update_id", updateID, "reversed", applied)
	return nil
}

func appendRollback(ctx context.Context, tx domain.Store, saga *domain.Saga) (*domain.OutboxEvent, error) {
	return outbox.Append(ctx, tx, domain.ChannelAccountRollback, saga.AccountID, domain.AccountRollback{
		UpdateID:  saga.UpdateID,
		AccountID: saga.AccountID,
		Balance:   domain.FormatMoney(saga.Delta.Neg()),
		Reason:    saga.Reason,
		Timestamp: time.Now().UTC(),
	}, saga.UpdateID)
}

func (o *SagaOrchestrator) markFailed(ctx context.Context, updateID, reason string, cause error) {
	err := o.store.WithTransaction(ctx, func(tx domain.Store) error {
		saga, err := tx.Sagas().GetForUpdate(ctx, updateID)
		if err != nil {
			return err
		}
		if saga.Status != domain.SagaStatusCompensating {
			if err := saga.Transition(domain.SagaStatusCompensating); err != nil {
				return err
			}
		}
		if err := saga.Transition(domain.SagaStatusFailed); err != nil {
			return err
		}
		saga.Reason = fmt.Sprintf("%s; compensation failed: %v", reason, cause)
		return tx.Sagas().Update(ctx, saga)
	})
	if err != nil {
		o.logger.Error("Failed to mark saga FAILED", "update_id", updateID, "error", err)
	}
}

// GetSaga returns the recorded state of one update.
func (o *SagaOrchestrator) GetSaga(ctx context.Context, updateID string) (*domain.Saga, error) {
	return o.store.Sagas().Get(ctx, updateID)
}

// OnOutboxPublished moves an APPLIED saga to PUBLISHED once its account-updated event is out.
func (o *SagaOrchestrator) OnOutboxPublished(ctx context.Context, event domain.OutboxEvent) {
	if event.SagaID == "" || event.Channel != domain.ChannelAccountUpdated {
		return
	}
	err := o.store.WithTransaction(ctx, func(tx domain.Store) error {
		saga, err := tx.Sagas().GetForUpdate(ctx, event.SagaID)
		if err != nil {
			return err
		}
		if saga.Status != domain.SagaStatusApplied {
			return nil
		}
		if err := saga.Transition(domain.SagaStatusPublished); err != nil {
			return err
		}
		return tx.Sagas().Update(ctx, saga)
	})
	if err != nil {
		o.logger.Error("Failed to mark saga published", "update_id", event.SagaID, "error", err)
	}
}

// OnOutboxGiveUp compensates a saga whose account-updated event could never be published.
func (o *SagaOrchestrator) OnOutboxGiveUp(ctx context.Context, event domain.OutboxEvent, cause error) {
	if event.SagaID == "" || event.Channel != domain.ChannelAccountUpdated {
		return
	}
	reason := "account-updated event could not be published"
	if cause != nil {
		reason = fmt.Sprintf("%s: %v", reason, cause)
	}
	if err := o.Compensate(ctx, event.SagaID, reason); err != nil {
		o.logger.Error("Compensation after publish give-up failed", "update_id", event.SagaID, "error", err)
	}
}
