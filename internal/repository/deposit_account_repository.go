package repository

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"ledger-saga/internal/domain"
	"ledger-saga/internal/errors"
)

type depositAccountRepository struct {
	db     SQLExecutor
	logger *slog.Logger
}

func NewDepositAccountRepository(db SQLExecutor, logger *slog.Logger) domain.DepositAccountRepository {
	return &depositAccountRepository{db: db, logger: logger}
}

const depositAccountColumns = `id, account_id, balance, available_balance, type, status, currency, is_deleted, created_at, updated_at`

func (r *depositAccountRepository) Create(ctx context.Context, account *domain.DepositAccount) error {
	query := `
		INSERT INTO deposit_accounts (` + depositAccountColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8, $9)
	`

	now := time.Now().UTC()
	account.CreatedAt, account.UpdatedAt = now, now
	_, err := r.db.ExecContext(ctx, query,
		account.ID,
		account.AccountID,
		domain.FormatMoney(account.Balance),
		domain.FormatMoney(account.AvailableBalance),
		account.Type,
		account.Status,
		account.Currency,
		now,
		now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			r.logger.Warn("Duplicate deposit account creation attempt", "account_id", account.AccountID)
			return errors.ErrDuplicateAccount
		}
		r.logger.Error("Failed to create deposit account", "account_id", account.AccountID, "error", err)
		return errors.NewAppError(errors.InternalError, "failed to create deposit account").WithDetails(err.Error())
	}

	r.logger.Info("Deposit account created", "account_id", account.AccountID, "balance", domain.FormatMoney(account.Balance))
	return nil
}

func (r *depositAccountRepository) GetByAccountID(ctx context.Context, accountID string) (*domain.DepositAccount, error) {
	query := `SELECT ` + depositAccountColumns + ` FROM deposit_accounts WHERE account_id = $1 AND NOT is_deleted`
	return r.scan(ctx, query, accountID)
}

func (r *depositAccountRepository) GetForUpdate(ctx context.Context, accountID string) (*domain.DepositAccount, error) {
	query := `SELECT ` + depositAccountColumns + ` FROM deposit_accounts WHERE account_id = $1 AND NOT is_deleted FOR UPDATE`
	return r.scan(ctx, query, accountID)
}

func (r *depositAccountRepository) IsClosed(ctx context.Context, accountID string) (bool, error) {
	query := `SELECT is_deleted FROM deposit_accounts WHERE account_id = $1`

	var deleted bool
	err := r.db.QueryRowContext(ctx, query, accountID).Scan(&deleted)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		r.logger.Error("Failed to read deposit account state", "account_id", accountID, "error", err)
		return false, errors.NewAppError(errors.InternalError, "failed to read deposit account").WithDetails(err.Error())
	}
	return deleted, nil
}

func (r *depositAccountRepository) scan(ctx context.Context, query, accountID string) (*domain.DepositAccount, error) {
	var account domain.DepositAccount
	var balance, available string

	err := r.db.QueryRowContext(ctx, query, accountID).Scan(
		&account.ID,
		&account.AccountID,
		&balance,
		&available,
		&account.Type,
		&account.Status,
		&account.Currency,
		&account.IsDeleted,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrAccountNotFound
		}
		r.logger.Error("Failed to get deposit account", "account_id", accountID, "error", err)
		return nil, errors.NewAppError(errors.InternalError, "failed to get deposit account").WithDetails(err.Error())
	}

	if account.Balance, err = parseMoneyColumn(balance); err != nil {
		return nil, err
	}
	if account.AvailableBalance, err = parseMoneyColumn(available); err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *depositAccountRepository) UpdateBalances(ctx context.Context, account *domain.DepositAccount) error {
	query := `
		UPDATE deposit_accounts
		SET balance = $1, available_balance = $2, updated_at = $3
		WHERE account_id = $4 AND NOT is_deleted
	`

	account.UpdatedAt = time.Now().UTC()
	result, err := r.db.ExecContext(ctx, query,
		domain.FormatMoney(account.Balance),
		domain.FormatMoney(account.AvailableBalance),
		account.UpdatedAt,
		account.AccountID,
	)
	if err != nil {
		r.logger.Error("Failed to update deposit balances", "account_id", account.AccountID, "error", err)
		return errors.NewAppError(errors.InternalError, "failed to update deposit balances").WithDetails(err.Error())
	}
	if err := expectOneRow(result, errors.ErrAccountNotFound); err != nil {
		return err
	}

	r.logger.Info("Deposit balances updated",
		"account_id", account.AccountID,
		"balance", domain.FormatMoney(account.Balance),
		"available_balance", domain.FormatMoney(account.AvailableBalance),
	)
	return nil
}

func (r *depositAccountRepository) SoftDelete(ctx context.Context, accountID string) error {
	query := `
		UPDATE deposit_accounts
		SET status = $1, is_deleted = TRUE, updated_at = $2
		WHERE account_id = $3 AND NOT is_deleted
	`

	result, err := r.db.ExecContext(ctx, query, domain.DepositStatusClosed, time.Now().UTC(), accountID)
	if err != nil {
		r.logger.Error("Failed to close deposit account", "account_id", accountID, "error", err)
		return errors.NewAppError(errors.InternalError, "failed to close deposit account").WithDetails(err.Error())
	}
	return expectOneRow(result, errors.ErrAccountNotFound)
}
