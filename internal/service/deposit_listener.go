package service

import (
	"context"
	"log/slog"
	"time"

	"ledger-saga/internal/domain"
	"ledger-saga/internal/errors"
	"ledger-saga/internal/events"
	"ledger-saga/internal/outbox"
)

// DepositListener keeps the deposit mirror in step with the canonical ledger and applies
// credit rollbacks requested by the deposit service itself.
type DepositListener struct {
	store    domain.Store
	outbox   OutboxFlusher
	currency string
	logger   *slog.Logger
	now      func() time.Time
}

func NewDepositListener(store domain.Store, flusher OutboxFlusher, currency string, logger *slog.Logger) *DepositListener {
	return &DepositListener{
		store:    store,
		outbox:   flusher,
		currency: currency,
		logger:   logger,
		now:      time.Now,
	}
}

func (l *DepositListener) Register(bus events.Bus) {
	bus.Subscribe(GroupDepositProjection, domain.ChannelAccountUpdated, l.HandleAccountUpdated)
	bus.Subscribe(GroupDepositProjection, domain.ChannelDepositRollback, l.HandleDepositRollback)
}

func (l *DepositListener) HandleAccountUpdated(ctx context.Context, env events.Envelope) error {
	event, err := events.Decode[domain.AccountUpdated](env)
	if err != nil {
		return err
	}
	balance, err := domain.ParseMoney(event.Balance)
	if err != nil {
		return events.Permanent(err)
	}
	delta, err := domain.ParseMoney(event.Delta)
	if err != nil {
		return events.Permanent(err)
	}
	currency := event.Currency
	if currency == "" {
		currency = l.currency
	}

	_, err = applyInOrder(ctx, l.store, GroupDepositProjection, env, l.logger, func(tx domain.Store) error {
		mirror, err := tx.DepositAccounts().GetForUpdate(ctx, event.AccountID)
		missing := errors.HasCode(err, errors.AccountNotFound)
		if err != nil && !missing {
			return err
		}

		switch event.Type {
		case domain.AccountEventCreated:
			if !missing {
				return nil
			}
			return tx.DepositAccounts().Create(ctx, domain.NewDepositAccount(event.AccountID, currency, balance))

		case domain.AccountEventUpdated:
			if missing {
				l.logger.Info("Creating deposit mirror from update", "account_id", event.AccountID, "balance", event.Balance)
				return tx.DepositAccounts().Create(ctx, domain.NewDepositAccount(event.AccountID, currency, balance))
			}
			mirror.Apply(delta)
			return tx.DepositAccounts().UpdateBalances(ctx, mirror)

		case domain.AccountEventClosed:
			if missing {
				return nil
			}
			return tx.DepositAccounts().SoftDelete(ctx, event.AccountID)

		default:
			l.logger.Warn("Ignoring account event with unknown type", "account_id", event.AccountID, "type", event.Type)
			return nil
		}
	})
	if err != nil && !events.IsDeferred(err) {
		l.logger.Error("Failed to project account event", "account_id", event.AccountID, "type", event.Type, "error", err)
	}
	return err
}

// HandleDepositRollback reverses an earlier credit carrying the same reference id. It only
// acts when that credit was posted no later than the rollback request, has not been
// reversed yet, and the request is still within its TTL.
func (l *DepositListener) HandleDepositRollback(ctx context.Context, env events.Envelope) error {
	event, err := events.Decode[domain.DepositRollback](env)
	if err != nil {
		return err
	}
	amount, err := domain.ParseMoney(event.Amount)
	if err != nil {
		return events.Permanent(err)
	}
	reversal := amount.Abs().Neg()

	var debited *domain.OutboxEvent
	_, err = applyInOrder(ctx, l.store, GroupDepositProjection, env, l.logger, func(tx domain.Store) error {
		if event.Expired(l.now()) {
			l.logger.Info("Rollback request expired", "account_id", event.AccountID, "reference_id", event.ReferenceID)
			return nil
		}
		if event.ReferenceID == "" {
			l.logger.Info("Rollback without reference, nothing to reverse", "account_id", event.AccountID)
			return nil
		}

		credit, err := tx.DepositTransactions().FindPostedByReference(ctx, event.AccountID, event.ReferenceID, domain.TransactionTypeCredit)
		if err != nil {
			return err
		}
		if credit == nil || credit.PostedAt.After(event.Timestamp) {
			l.logger.Info("Nothing to reverse for rollback", "account_id", event.AccountID, "reference_id", event.ReferenceID)
			return nil
		}
		prior, err := tx.DepositTransactions().FindPostedByReference(ctx, event.AccountID, event.ReferenceID, domain.TransactionTypeDebit)
		if err != nil {
			return err
		}
		if prior != nil {
			l.logger.Info("Credit already reversed", "account_id", event.AccountID, "reference_id", event.ReferenceID)
			return nil
		}

		mirror, err := tx.DepositAccounts().GetForUpdate(ctx, event.AccountID)
		if errors.HasCode(err, errors.AccountNotFound) {
			l.logger.Warn("Rollback for unknown deposit account", "account_id", event.AccountID)
			return nil
		}
		if err != nil {
			return err
		}

		mirror.Apply(reversal)
		if err := tx.DepositAccounts().UpdateBalances(ctx, mirror); err != nil {
			return err
		}
		line := domain.NewPostedTransaction(event.AccountID, domain.TransactionTypeDebit, reversal,
			"rollback of credit "+event.ReferenceID, event.ReferenceID)
		if err := tx.DepositTransactions().Create(ctx, line); err != nil {
			return err
		}

		debited, err = outbox.Append(ctx, tx, domain.ChannelDepositDebited, event.AccountID, domain.DepositDebited{
			AccountID:   event.AccountID,
			Amount:      domain.FormatMoney(reversal),
			Type:        domain.DepositEventDebited,
			Currency:    mirror.Currency,
			ReferenceID: event.ReferenceID,
			Timestamp:   time.Now().UTC(),
		}, "")
		return err
	})
	if err != nil {
		if !events.IsDeferred(err) {
			l.logger.Error("Failed to apply deposit rollback", "account_id", event.AccountID, "reference_id", event.ReferenceID, "error", err)
		}
		return err
	}

	if debited != nil {
		l.logger.Info("Credit reversed", "account_id", event.AccountID, "reference_id", event.ReferenceID, "amount", domain.FormatMoney(reversal))
		if err := l.outbox.Flush(ctx, debited); err != nil {
			l.logger.Warn("Event publish deferred to outbox relay", "account_id", event.AccountID, "error", err)
		}
	}
	return nil
}
