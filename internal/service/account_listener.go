package service

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"ledger-saga/internal/domain"
	"ledger-saga/internal/errors"
	"ledger-saga/internal/events"
)

// AccountListener projects deposit-side events onto the canonical ledger and watches
// account-rollback events for sagas that did not finish compensating.
type AccountListener struct {
	store  domain.Store
	logger *slog.Logger
}

func NewAccountListener(store domain.Store, logger *slog.Logger) *AccountListener {
	return &AccountListener{store: store, logger: logger}
}

func (l *AccountListener) Register(bus events.Bus) {
	bus.Subscribe(GroupAccountProjection, domain.ChannelDepositCredited, l.HandleDepositCredited)
	bus.Subscribe(GroupAccountProjection, domain.ChannelDepositDebited, l.HandleDepositDebited)
	bus.Subscribe(GroupAccountRollbackMonitor, domain.ChannelAccountRollback, l.HandleAccountRollback)
}

func (l *AccountListener) HandleDepositCredited(ctx context.Context, env events.Envelope) error {
	event, err := events.Decode[domain.DepositCredited](env)
	if err != nil {
		return err
	}
	amount, err := domain.ParseMoney(event.Amount)
	if err != nil {
		return events.Permanent(err)
	}
	return l.apply(ctx, env, event.AccountID, amount.Abs())
}

func (l *AccountListener) HandleDepositDebited(ctx context.Context, env events.Envelope) error {
	event, err := events.Decode[domain.DepositDebited](env)
	if err != nil {
		return err
	}
	amount, err := domain.ParseMoney(event.Amount)
	if err != nil {
		return events.Permanent(err)
	}
	return l.apply(ctx, env, event.AccountID, amount.Abs().Neg())
}

func (l *AccountListener) apply(ctx context.Context, env events.Envelope, accountID string, delta decimal.Decimal) error {
	_, err := applyInOrder(ctx, l.store, GroupAccountProjection, env, l.logger, func(tx domain.Store) error {
		account, err := tx.Accounts().GetForUpdate(ctx, accountID)
		if errors.HasCode(err, errors.AccountNotFound) {
			l.logger.Warn("Ignoring deposit event for unknown account", "account_id", accountID, "channel", env.Channel)
			return nil
		}
		if err != nil {
			return err
		}

		newBalance := domain.RoundMoney(account.Balance.Add(delta))
		if newBalance.IsNegative() {
			l.logger.Warn("Projected canonical balance is negative", "account_id", accountID, "balance", domain.FormatMoney(newBalance))
		}
		return tx.Accounts().UpdateBalance(ctx, accountID, newBalance)
	})
	if err != nil && !events.IsDeferred(err) {
		l.logger.Error("Failed to project deposit event", "account_id", accountID, "channel", env.Channel, "error", err)
	}
	return err
}

// HandleAccountRollback checks that the saga behind a rollback event reached COMPENSATED.
func (l *AccountListener) HandleAccountRollback(ctx context.Context, env events.Envelope) error {
	event, err := events.Decode[domain.AccountRollback](env)
	if err != nil {
		return err
	}

	saga, err := l.store.Sagas().Get(ctx, event.UpdateID)
	if errors.HasCode(err, errors.SagaNotFound) {
		l.logger.Warn("Rollback event for unknown saga", "update_id", event.UpdateID, "account_id", event.AccountID)
		return nil
	}
	if err != nil {
		return err
	}

	if saga.Status != domain.SagaStatusCompensated {
		l.logger.Warn("Rollback event without completed compensation",
			"update_id", event.UpdateID,
			"account_id", event.AccountID,
			"saga_status", saga.Status,
			"reason", saga.Reason,
		)
		return nil
	}
	l.logger.Info("Rollback confirmed", "update_id", event.UpdateID, "account_id", event.AccountID, "reversal", event.Balance)
	return nil
}
