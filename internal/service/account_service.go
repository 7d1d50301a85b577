package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ledger-saga/internal/domain"
	"ledger-saga/internal/errors"
	"ledger-saga/internal/outbox"
)

type AccountService struct {
	store    domain.Store
	outbox   OutboxFlusher
	currency string
	logger   *slog.Logger
}

func NewAccountService(store domain.Store, flusher OutboxFlusher, currency string, logger *slog.Logger) *AccountService {
	return &AccountService{
		store:    store,
		outbox:   flusher,
		currency: currency,
		logger:   logger,
	}
}

type CreateAccountRequest struct {
	CustomerID     string
	Type           domain.AccountType
	InitialBalance decimal.Decimal
	Currency       string
}

func (s *AccountService) CreateAccount(ctx context.Context, req CreateAccountRequest) (*domain.Account, error) {
	s.logger.Info("Creating account", "customer_id", req.CustomerID, "type", req.Type, "initial_balance", req.InitialBalance)

	if strings.TrimSpace(req.CustomerID) == "" {
		return nil, errors.NewAppError(errors.InvalidInput, "customer id is required")
	}
	if req.Type == "" {
		req.Type = domain.AccountTypeSavings
	}
	if req.Type != domain.AccountTypeSavings && req.Type != domain.AccountTypeCurrent {
		return nil, errors.NewAppErrorf(errors.InvalidInput, "unsupported account type %q", req.Type)
	}

	initial := domain.RoundMoney(req.InitialBalance)
	if initial.IsNegative() {
		return nil, errors.ErrInvalidAmount.WithDetails("initial balance cannot be negative")
	}

	// Validate reasonable limits
	maxInitialBalance := decimal.NewFromInt(10_000_000_000)
	if initial.GreaterThan(maxInitialBalance) {
		return nil, errors.NewAppError(errors.InvalidAmount, "initial balance exceeds maximum limit")
	}

	currency := req.Currency
	if currency == "" {
		currency = s.currency
	}

	account := &domain.Account{
		AccountID:  domain.NewAccountID(),
		CustomerID: req.CustomerID,
		Type:       req.Type,
		Balance:    initial,
		Currency:   currency,
		Status:     domain.AccountStatusActive,
	}

	var event *domain.OutboxEvent
	err := s.store.WithTransaction(ctx, func(tx domain.Store) error {
		if err := tx.Accounts().Create(ctx, account); err != nil {
			return err
		}
		var err error
		event, err = outbox.Append(ctx, tx, domain.ChannelAccountUpdated, account.AccountID, domain.AccountUpdated{
			AccountID: account.AccountID,
			Type:      domain.AccountEventCreated,
			Balance:   domain.FormatMoney(initial),
			Delta:     domain.FormatMoney(initial),
			Currency:  currency,
			Timestamp: time.Now().UTC(),
		}, "")
		return err
	})
	if err != nil {
		return nil, err
	}

	s.flush(ctx, event)
	s.logger.Info("Account created successfully", "account_id", account.AccountID)
	return account, nil
}

func (s *AccountService) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	if accountID == "" {
		return nil, errors.ErrInvalidAccountID
	}
	return s.store.Accounts().GetByID(ctx, accountID)
}

// GetBalance serves the synchronous balance lookup the deposit side validates against.
// The account row lock keeps the balance and its account-updated sequence consistent.
func (s *AccountService) GetBalance(ctx context.Context, accountID string) (domain.BalanceSnapshot, error) {
	if accountID == "" {
		return domain.BalanceSnapshot{}, errors.ErrInvalidAccountID
	}
	var snapshot domain.BalanceSnapshot
	err := s.store.WithTransaction(ctx, func(tx domain.Store) error {
		account, err := tx.Accounts().GetForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		seq, err := tx.Sequences().Current(ctx, domain.ChannelAccountUpdated, accountID)
		if err != nil {
			return err
		}
		snapshot = domain.BalanceSnapshot{Balance: account.Balance, Sequence: seq}
		return nil
	})
	return snapshot, err
}

// CloseAccount marks the account CLOSED, soft-deletes it and tells the deposit side.
func (s *AccountService) CloseAccount(ctx context.Context, accountID string) error {
	s.logger.Info("Closing account", "account_id", accountID)

	var event *domain.OutboxEvent
	err := s.store.WithTransaction(ctx, func(tx domain.Store) error {
		account, err := tx.Accounts().GetForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		if err := tx.Accounts().SoftDelete(ctx, accountID); err != nil {
			return err
		}
		event, err = outbox.Append(ctx, tx, domain.ChannelAccountUpdated, accountID, domain.AccountUpdated{
			AccountID: accountID,
			Type:      domain.AccountEventClosed,
			Balance:   domain.FormatMoney(account.Balance),
			Delta:     domain.FormatMoney(decimal.Zero),
			Currency:  account.Currency,
			Timestamp: time.Now().UTC(),
		}, "")
		return err
	})
	if err != nil {
		return err
	}

	s.flush(ctx, event)
	return nil
}

func (s *AccountService) flush(ctx context.Context, event *domain.OutboxEvent) {
	if err := s.outbox.Flush(ctx, event); err != nil {
		s.logger.Warn("Event publish deferred to outbox relay", "channel", event.Channel, "account_id", event.AccountID, "error", err)
	}
}
