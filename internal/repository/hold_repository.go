package repository

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ledger-saga/internal/domain"
	"ledger-saga/internal/errors"
)

type holdRepository struct {
	db     SQLExecutor
	logger *slog.Logger
}

func NewHoldRepository(db SQLExecutor, logger *slog.Logger) domain.HoldRepository {
	return &holdRepository{db: db, logger: logger}
}

const holdColumns = `id, account_id, amount, reason, expires_at, status, created_at`

func (r *holdRepository) Create(ctx context.Context, hold *domain.DepositHold) error {
	query := `INSERT INTO deposit_holds (` + holdColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.db.ExecContext(ctx, query,
		hold.ID,
		hold.AccountID,
		domain.FormatMoney(hold.Amount),
		hold.Reason,
		hold.ExpiresAt,
		hold.Status,
		hold.CreatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to create hold", "account_id", hold.AccountID, "error", err)
		return errors.NewAppError(errors.InternalError, "failed to create hold").WithDetails(err.Error())
	}

	r.logger.Info("Hold placed", "hold_id", hold.ID, "account_id", hold.AccountID, "amount", domain.FormatMoney(hold.Amount))
	return nil
}

func (r *holdRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.DepositHold, error) {
	query := `SELECT ` + holdColumns + ` FROM deposit_holds WHERE id = $1 FOR UPDATE`

	hold, err := scanHold(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, errors.ErrHoldNotFound
	}
	return hold, err
}

func (r *holdRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.HoldStatus) error {
	result, err := r.db.ExecContext(ctx, `UPDATE deposit_holds SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		r.logger.Error("Failed to update hold", "hold_id", id, "error", err)
		return errors.NewAppError(errors.InternalError, "failed to update hold").WithDetails(err.Error())
	}
	return expectOneRow(result, errors.ErrHoldNotFound)
}

func (r *holdRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.DepositHold, error) {
	query := `
		SELECT ` + holdColumns + `
		FROM deposit_holds
		WHERE status = $1 AND expires_at <= $2
		ORDER BY expires_at ASC
		LIMIT $3
	`

	rows, err := r.db.QueryContext(ctx, query, domain.HoldStatusActive, now, limit)
	if err != nil {
		r.logger.Error("Failed to list expired holds", "error", err)
		return nil, errors.NewAppError(errors.InternalError, "failed to list expired holds").WithDetails(err.Error())
	}
	defer rows.Close()

	var holds []*domain.DepositHold
	for rows.Next() {
		hold, err := scanHold(rows)
		if err != nil {
			return nil, err
		}
		holds = append(holds, hold)
	}
	return holds, rows.Err()
}

func (r *holdRepository) SumActive(ctx context.Context, accountID string) (decimal.Decimal, error) {
	var total string
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0)::TEXT FROM deposit_holds WHERE account_id = $1 AND status = $2`,
		accountID, domain.HoldStatusActive,
	).Scan(&total)
	if err != nil {
		return decimal.Zero, errors.NewAppError(errors.InternalError, "failed to sum holds").WithDetails(err.Error())
	}
	return parseMoneyColumn(total)
}

func scanHold(row rowScanner) (*domain.DepositHold, error) {
	var hold domain.DepositHold
	var amount string

	err := row.Scan(
		&hold.ID,
		&hold.AccountID,
		&amount,
		&hold.Reason,
		&hold.ExpiresAt,
		&hold.Status,
		&hold.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, errors.NewAppError(errors.InternalError, "failed to scan hold").WithDetails(err.Error())
	}

	if hold.Amount, err = parseMoneyColumn(amount); err != nil {
		return nil, err
	}
	return &hold, nil
}
