package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ledger-saga/internal/domain"
	"ledger-saga/internal/errors"
	"ledger-saga/internal/outbox"
	"ledger-saga/internal/task"
)

const (
	DefaultHistoryLimit = 10
	MaxHistoryLimit     = 100
)

type DepositConfig struct {
	Currency    string
	RollbackTTL time.Duration
}

// DepositService owns the derived ledger: credits, debits, holds and history.
type DepositService struct {
	store     domain.Store
	validator BalanceValidator
	outbox    OutboxFlusher
	cfg       DepositConfig
	logger    *slog.Logger
}

func NewDepositService(store domain.Store, validator BalanceValidator, flusher OutboxFlusher, cfg DepositConfig, logger *slog.Logger) *DepositService {
	if cfg.RollbackTTL <= 0 {
		cfg.RollbackTTL = 24 * time.Hour
	}
	return &DepositService{
		store:     store,
		validator: validator,
		outbox:    flusher,
		cfg:       cfg,
		logger:    logger,
	}
}

// Credit adds amount to the mirror of accountID after checking the canonical balance.
// When the canonical side cannot answer in time, it emits a deposit-rollback event and
// returns a zero balance without error.
func (s *DepositService) Credit(ctx context.Context, accountID string, amount decimal.Decimal, description, referenceID string) (decimal.Decimal, error) {
	if strings.TrimSpace(accountID) == "" {
		return decimal.Zero, errors.ErrInvalidAccountID
	}
	amount, err := domain.PositiveMoney(amount)
	if err != nil {
		return decimal.Zero, err
	}
	if referenceID == "" {
		referenceID = uuid.NewString()
	}

	s.logger.Info("Processing credit", "account_id", accountID, "amount", domain.FormatMoney(amount), "reference_id", referenceID)

	canonical, err := s.validator.GetBalance(ctx, accountID)
	switch {
	case err == nil:
	case errors.HasCode(err, errors.AccountNotFound):
		s.logger.Info("Canonical account missing, bootstrapping mirror", "account_id", accountID)
		canonical = domain.BalanceSnapshot{}
	case errors.HasCode(err, errors.ValidationTimeout), errors.HasCode(err, errors.ValidationUnavailable):
		s.logger.Warn("Account validation failed, requesting credit rollback", "account_id", accountID, "reference_id", referenceID, "error", err)
		return decimal.Zero, s.requestRollback(ctx, accountID, amount, referenceID)
	default:
		return decimal.Zero, err
	}

	if canonical.Balance.IsNegative() {
		return decimal.Zero, errors.ErrInvalidAccountBalance.WithDetails("canonical balance " + domain.FormatMoney(canonical.Balance))
	}

	var (
		mirror *domain.DepositAccount
		event  *domain.OutboxEvent
	)
	err = s.store.WithTransaction(ctx, func(tx domain.Store) error {
		var err error
		mirror, err = tx.DepositAccounts().GetForUpdate(ctx, accountID)
		switch {
		case errors.HasCode(err, errors.AccountNotFound):
			closed, err := tx.DepositAccounts().IsClosed(ctx, accountID)
			if err != nil {
				return err
			}
			if closed {
				return errors.ErrAccountInactive.WithDetails("deposit account is closed")
			}
			// The mirror starts from the canonical snapshot, and the account-updated events
			// that snapshot already includes are marked as applied.
			mirror = domain.NewDepositAccount(accountID, s.cfg.Currency, canonical.Balance)
			mirror.Apply(amount)
			if err := tx.DepositAccounts().Create(ctx, mirror); err != nil {
				return err
			}
			if canonical.Sequence > 0 {
				if err := tx.Sequences().Advance(ctx, GroupDepositProjection, domain.ChannelAccountUpdated, accountID, canonical.Sequence); err != nil {
					return err
				}
			}
		case err != nil:
			return err
		default:
			mirror.Apply(amount)
			if err := tx.DepositAccounts().UpdateBalances(ctx, mirror); err != nil {
				return err
			}
		}

		line := domain.NewPostedTransaction(accountID, domain.TransactionTypeCredit, amount, description, referenceID)
		if err := tx.DepositTransactions().Create(ctx, line); err != nil {
			return err
		}

		event, err = outbox.Append(ctx, tx, domain.ChannelDepositCredited, accountID, domain.DepositCredited{
			AccountID:   accountID,
			Amount:      domain.FormatMoney(amount),
			Type:        domain.DepositEventCredited,
			Currency:    mirror.Currency,
			ReferenceID: referenceID,
			Timestamp:   time.Now().UTC(),
		}, "")
		return err
	})
	if err != nil {
		s.logger.Error("Credit failed", "account_id", accountID, "error", err)
		return decimal.Zero, err
	}

	s.flush(ctx, event)
	s.logger.Info("Credit posted", "account_id", accountID, "balance", domain.FormatMoney(mirror.Balance))
	return mirror.Balance, nil
}

func (s *DepositService) requestRollback(ctx context.Context, accountID string, amount decimal.Decimal, referenceID string) error {
	var event *domain.OutboxEvent
	err := s.store.WithTransaction(ctx, func(tx domain.Store) error {
		var err error
		event, err = outbox.Append(ctx, tx, domain.ChannelDepositRollback, accountID, domain.DepositRollback{
			AccountID:   accountID,
			Amount:      domain.FormatMoney(amount.Neg()),
			Type:        domain.DepositEventRollbackCredit,
			ReferenceID: referenceID,
			TTLSeconds:  int64(s.cfg.RollbackTTL / time.Second),
			Timestamp:   time.Now().UTC(),
		}, "")
		return err
	})
	if err != nil {
		s.logger.Error("Failed to record credit rollback", "account_id", accountID, "reference_id", referenceID, "error", err)
		return err
	}
	s.flush(ctx, event)
	return nil
}

// Debit subtracts amount from the mirror. A rejected debit changes nothing and emits nothing.
func (s *DepositService) Debit(ctx context.Context, accountID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if strings.TrimSpace(accountID) == "" {
		return decimal.Zero, errors.ErrInvalidAccountID
	}
	amount, err := domain.PositiveMoney(amount)
	if err != nil {
		return decimal.Zero, err
	}

	s.logger.Info("Processing debit", "account_id", accountID, "amount", domain.FormatMoney(amount))

	var (
		mirror *domain.DepositAccount
		event  *domain.OutboxEvent
	)
	err = s.store.WithTransaction(ctx, func(tx domain.Store) error {
		var err error
		mirror, err = tx.DepositAccounts().GetForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		if !mirror.CanSpend(amount) {
			return errors.ErrInsufficientBalance.WithDetails("available " + domain.FormatMoney(mirror.AvailableBalance))
		}

		mirror.Apply(amount.Neg())
		if err := tx.DepositAccounts().UpdateBalances(ctx, mirror); err != nil {
			return err
		}

		line := domain.NewPostedTransaction(accountID, domain.TransactionTypeDebit, amount, "", "")
		if err := tx.DepositTransactions().Create(ctx, line); err != nil {
			return err
		}

		event, err = outbox.Append(ctx, tx, domain.ChannelDepositDebited, accountID, domain.DepositDebited{
			AccountID: accountID,
			Amount:    domain.FormatMoney(amount.Neg()),
			Type:      domain.DepositEventDebited,
			Currency:  mirror.Currency,
			Timestamp: time.Now().UTC(),
		}, "")
		return err
	})
	if err != nil {
		s.logger.Warn("Debit rejected", "account_id", accountID, "error", err)
		return decimal.Zero, err
	}

	s.flush(ctx, event)
	s.logger.Info("Debit posted", "account_id", accountID, "balance", domain.FormatMoney(mirror.Balance))
	return mirror.Balance, nil
}

func (s *DepositService) CreditAsync(ctx context.Context, accountID string, amount decimal.Decimal, description, referenceID string) *task.Future[decimal.Decimal] {
	return task.Go(ctx, func(ctx context.Context) (decimal.Decimal, error) {
		return s.Credit(ctx, accountID, amount, description, referenceID)
	})
}

func (s *DepositService) DebitAsync(ctx context.Context, accountID string, amount decimal.Decimal) *task.Future[decimal.Decimal] {
	return task.Go(ctx, func(ctx context.Context) (decimal.Decimal, error) {
		return s.Debit(ctx, accountID, amount)
	})
}

func (s *DepositService) GetAccount(ctx context.Context, accountID string) (*domain.DepositAccount, error) {
	if accountID == "" {
		return nil, errors.ErrInvalidAccountID
	}
	return s.store.DepositAccounts().GetByAccountID(ctx, accountID)
}

// GetAvailableBalance is the balance minus active holds.
func (s *DepositService) GetAvailableBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	account, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return account.AvailableBalance, nil
}

// GetHeldAmount sums the active holds on accountID.
func (s *DepositService) GetHeldAmount(ctx context.Context, accountID string) (decimal.Decimal, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return decimal.Zero, err
	}
	return s.store.Holds().SumActive(ctx, accountID)
}

// GetTransactionHistory returns the newest transactions first.
func (s *DepositService) GetTransactionHistory(ctx context.Context, accountID string, limit int) ([]*domain.DepositTransaction, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	txs, err := s.store.DepositTransactions().ListByAccount(ctx, accountID, limit)
	if err != nil {
		return nil, err
	}
	if txs == nil {
		txs = []*domain.DepositTransaction{}
	}
	return txs, nil
}

// PlaceHold reserves amount from the available balance until ttl elapses or it is released.
func (s *DepositService) PlaceHold(ctx context.Context, accountID string, amount decimal.Decimal, reason domain.HoldReason, ttl time.Duration) (*domain.DepositHold, error) {
	amount, err := domain.PositiveMoney(amount)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		return nil, errors.NewAppError(errors.InvalidInput, "hold ttl must be positive")
	}
	if reason == "" {
		reason = domain.HoldReasonPendingDebit
	}
	if !domain.ValidHoldReason(reason) {
		return nil, errors.NewAppErrorf(errors.InvalidInput, "unsupported hold reason %q", reason)
	}

	now := time.Now().UTC()
	hold := &domain.DepositHold{
		ID:        uuid.New(),
		AccountID: accountID,
		Amount:    amount,
		Reason:    reason,
		ExpiresAt: now.Add(ttl),
		Status:    domain.HoldStatusActive,
		CreatedAt: now,
	}

	err = s.store.WithTransaction(ctx, func(tx domain.Store) error {
		mirror, err := tx.DepositAccounts().GetForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		if !mirror.CanSpend(amount) {
			return errors.ErrInsufficientBalance.WithDetails("available " + domain.FormatMoney(mirror.AvailableBalance))
		}
		mirror.Reserve(amount)
		if err := tx.DepositAccounts().UpdateBalances(ctx, mirror); err != nil {
			return err
		}
		return tx.Holds().Create(ctx, hold)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Hold placed", "hold_id", hold.ID, "account_id", accountID, "amount", domain.FormatMoney(amount), "expires_at", hold.ExpiresAt)
	return hold, nil
}

// ReleaseHold returns an active hold's amount to the available balance.
func (s *DepositService) ReleaseHold(ctx context.Context, accountID string, holdID uuid.UUID) error {
	err := s.store.WithTransaction(ctx, func(tx domain.Store) error {
		return s.endHold(ctx, tx, holdID, accountID, domain.HoldStatusReleased)
	})
	if err != nil {
		return err
	}
	s.logger.Info("Hold released", "hold_id", holdID, "account_id", accountID)
	return nil
}

// ExpireHolds ends every active hold whose expiry is at or before now.
func (s *DepositService) ExpireHolds(ctx context.Context, now time.Time) (int, error) {
	holds, err := s.store.Holds().ListExpired(ctx, now, MaxHistoryLimit)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, h := range holds {
		err := s.store.WithTransaction(ctx, func(tx domain.Store) error {
			return s.endHold(ctx, tx, h.ID, "", domain.HoldStatusExpired)
		})
		if err != nil {
			s.logger.Error("Failed to expire hold", "hold_id", h.ID, "account_id", h.AccountID, "error", err)
			continue
		}
		expired++
	}
	if expired > 0 {
		s.logger.Info("Expired holds", "count", expired)
	}
	return expired, nil
}

// RunHoldSweeper calls ExpireHolds every interval until ctx is done.
func (s *DepositService) RunHoldSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if _, err := s.ExpireHolds(ctx, now); err != nil && ctx.Err() == nil {
				s.logger.Error("Hold sweep failed", "error", err)
			}
		}
	}
}

// endHold moves an active hold to status and restores the available balance. An empty
// accountID skips the ownership check.
func (s *DepositService) endHold(ctx context.Context, tx domain.Store, holdID uuid.UUID, accountID string, status domain.HoldStatus) error {
	hold, err := tx.Holds().GetForUpdate(ctx, holdID)
	if err != nil {
		return err
	}
	if accountID != "" && hold.AccountID != accountID {
		return errors.ErrHoldNotFound
	}
	if !hold.IsActive() {
		return errors.NewAppErrorf(errors.InvalidInput, "hold is already %s", hold.Status)
	}

	mirror, err := tx.DepositAccounts().GetForUpdate(ctx, hold.AccountID)
	switch {
	case errors.HasCode(err, errors.AccountNotFound):
	case err != nil:
		return err
	default:
		mirror.Unreserve(hold.Amount)
		if err := tx.DepositAccounts().UpdateBalances(ctx, mirror); err != nil {
			return err
		}
	}
	return tx.Holds().UpdateStatus(ctx, holdID, status)
}

func (s *DepositService) flush(ctx context.Context, event *domain.OutboxEvent) {
	if err := s.outbox.Flush(ctx, event); err != nil {
		s.logger.Warn("Event publish deferred to outbox relay", "channel", event.Channel, "account_id", event.AccountID, "error", err)
	}
}
