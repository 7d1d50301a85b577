package repository

import (
	"context"
	"database/sql"
	"log/slog"

	"ledger-saga/internal/domain"
	"ledger-saga/internal/errors"
)

type depositTransactionRepository struct {
	db     SQLExecutor
	logger *slog.Logger
}

func NewDepositTransactionRepository(db SQLExecutor, logger *slog.Logger) domain.DepositTransactionRepository {
	return &depositTransactionRepository{db: db, logger: logger}
}

const depositTransactionColumns = `id, account_id, amount, type, description, reference_id, status, posted_at`

func (r *depositTransactionRepository) Create(ctx context.Context, tx *domain.DepositTransaction) error {
	query := `INSERT INTO deposit_transactions (` + depositTransactionColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.db.ExecContext(ctx, query,
		tx.ID,
		tx.AccountID,
		domain.FormatMoney(tx.Amount),
		tx.Type,
		tx.Description,
		tx.ReferenceID,
		tx.Status,
		tx.PostedAt,
	)
	if err != nil {
		r.logger.Error("Failed to create deposit transaction", "account_id", tx.AccountID, "type", tx.Type, "error", err)
		return errors.NewAppError(errors.InternalError, "failed to create transaction").WithDetails(err.Error())
	}

	r.logger.Info("Deposit transaction created",
		"transaction_id", tx.ID,
		"account_id", tx.AccountID,
		"type", tx.Type,
		"amount", domain.FormatMoney(tx.Amount),
	)
	return nil
}

func (r *depositTransactionRepository) ListByAccount(ctx context.Context, accountID string, limit int) ([]*domain.DepositTransaction, error) {
	query := `
		SELECT ` + depositTransactionColumns + `
		FROM deposit_transactions
		WHERE account_id = $1
		ORDER BY posted_at DESC, id DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, accountID, limit)
	if err != nil {
		r.logger.Error("Failed to list deposit transactions", "account_id", accountID, "error", err)
		return nil, errors.NewAppError(errors.InternalError, "failed to list transactions").WithDetails(err.Error())
	}
	defer rows.Close()

	var txs []*domain.DepositTransaction
	for rows.Next() {
		tx, err := scanDepositTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewAppError(errors.InternalError, "failed to list transactions").WithDetails(err.Error())
	}
	return txs, nil
}

func (r *depositTransactionRepository) FindPostedByReference(ctx context.Context, accountID, referenceID string, txType domain.TransactionType) (*domain.DepositTransaction, error) {
	query := `
		SELECT ` + depositTransactionColumns + `
		FROM deposit_transactions
		WHERE account_id = $1 AND reference_id = $2 AND type = $3 AND status = $4
		ORDER BY posted_at ASC
		LIMIT 1
	`

	tx, err := scanDepositTransaction(r.db.QueryRowContext(ctx, query, accountID, referenceID, txType, domain.TransactionStatusPosted))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return tx, err
}

func scanDepositTransaction(row rowScanner) (*domain.DepositTransaction, error) {
	var tx domain.DepositTransaction
	var amount string

	err := row.Scan(
		&tx.ID,
		&tx.AccountID,
		&amount,
		&tx.Type,
		&tx.Description,
		&tx.ReferenceID,
		&tx.Status,
		&tx.PostedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, errors.NewAppError(errors.InternalError, "failed to scan transaction").WithDetails(err.Error())
	}

	if tx.Amount, err = parseMoneyColumn(amount); err != nil {
		return nil, err
	}
	return &tx, nil
}
