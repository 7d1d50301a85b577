package repository

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"ledger-saga/internal/domain"
	"ledger-saga/internal/errors"
)

type accountRepository struct {
	db     SQLExecutor
	logger *slog.Logger
}

func NewAccountRepository(db SQLExecutor, logger *slog.Logger) domain.AccountRepository {
	return &accountRepository{
		db:     db,
		logger: logger,
	}
}

const accountColumns = `account_id, customer_id, type, balance, currency, status, is_deleted, created_at, updated_at`

func (r *accountRepository) Create(ctx context.Context, account *domain.Account) error {
	query := `
		INSERT INTO accounts (` + accountColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7, $8)
	`

	now := time.Now().UTC()
	account.CreatedAt, account.UpdatedAt = now, now
	_, err := r.db.ExecContext(ctx,
		query,
		account.AccountID,
		account.CustomerID,
		account.Type,
		domain.FormatMoney(account.Balance),
		account.Currency,
		account.Status,
		now,
		now,
	)

	if err != nil {
		if isUniqueViolation(err) {
			r.logger.Warn("Duplicate account creation attempt", "account_id", account.AccountID)
			return errors.ErrDuplicateAccount
		}
		r.logger.Error("Failed to create account", "account_id", account.AccountID, "error", err)
		return errors.NewAppError(errors.InternalError, "failed to create account").WithDetails(err.Error())
	}

	r.logger.Info("Account created successfully", "account_id", account.AccountID)
	return nil
}

func (r *accountRepository) GetByID(ctx context.Context, accountID string) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE account_id = $1 AND NOT is_deleted`
	return r.scanAccount(ctx, query, accountID)
}

func (r *accountRepository) GetForUpdate(ctx context.Context, accountID string) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE account_id = $1 AND NOT is_deleted FOR UPDATE`
	return r.scanAccount(ctx, query, accountID)
}

func (r *accountRepository) scanAccount(ctx context.Context, query string, accountID string) (*domain.Account, error) {
	var account domain.Account
	var balanceStr string

	err := r.db.QueryRowContext(ctx, query, accountID).Scan(
		&account.AccountID,
		&account.CustomerID,
		&account.Type,
		&balanceStr,
		&account.Currency,
		&account.Status,
		&account.IsDeleted,
		&account.CreatedAt,
		&account.UpdatedAt,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			r.logger.Warn("Account not found", "account_id", accountID)
			return nil, errors.ErrAccountNotFound
		}
		r.logger.Error("Failed to get account", "account_id", accountID, "error", err)
		return nil, errors.NewAppError(errors.InternalError, "failed to get account").WithDetails(err.Error())
	}

	balance, err := decimal.NewFromString(balanceStr)
	if err != nil {
		r.logger.Error("Failed to parse balance", "account_id", accountID, "balance_str", balanceStr, "error", err)
		return nil, errors.NewAppError(errors.InternalError, "failed to parse balance").WithDetails(err.Error())
	}

	account.Balance = balance
	return &account, nil
}

func (r *accountRepository) UpdateBalance(ctx context.Context, accountID string, balance decimal.Decimal) error {
	query := `
		UPDATE accounts
		SET balance = $1, updated_at = $2
		WHERE account_id = $3 AND NOT is_deleted
	`

	result, err := r.db.ExecContext(ctx, query, domain.FormatMoney(balance), time.Now().UTC(), accountID)
	if err != nil {
		r.logger.Error("Failed to update account balance", "account_id", accountID, "error", err)
		return errors.NewAppError(errors.InternalError, "failed to update account balance").WithDetails(err.Error())
	}

	if err := expectOneRow(result, errors.ErrAccountNotFound); err != nil {
		r.logger.Warn("No account found to update", "account_id", accountID)
		return err
	}

	r.logger.Info("Account balance updated", "account_id", accountID, "new_balance", domain.FormatMoney(balance))
	return nil
}

func (r *accountRepository) SoftDelete(ctx context.Context, accountID string) error {
	query := `
		UPDATE accounts
		SET status = $1, is_deleted = TRUE, updated_at = $2
		WHERE account_id = $3 AND NOT is_deleted
	`

	result, err := r.db.ExecContext(ctx, query, domain.AccountStatusClosed, time.Now().UTC(), accountID)
	if err != nil {
		r.logger.Error("Failed to close account", "account_id", accountID, "error", err)
		return errors.NewAppError(errors.InternalError, "failed to close account").WithDetails(err.Error())
	}
	if err := expectOneRow(result, errors.ErrAccountNotFound); err != nil {
		return err
	}

	r.logger.Info("Account closed", "account_id", accountID)
	return nil
}

func expectOneRow(result sql.Result, notFound error) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.NewAppError(errors.InternalError, "failed to get rows affected").WithDetails(err.Error())
	}
	if rowsAffected == 0 {
		return notFound
	}
	return nil
}

func parseMoneyColumn(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, errors.NewAppError(errors.InternalError, "failed to parse amount").WithDetails(err.Error())
	}
	return d, nil
}
