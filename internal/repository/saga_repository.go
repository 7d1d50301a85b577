package repository

import (
	"context"
	"database/sql"
	"log/slog"

	"ledger-saga/internal/domain"
	"ledger-saga/internal/errors"
)

type sagaRepository struct {
	db     SQLExecutor
	logger *slog.Logger
}

func NewSagaRepository(db SQLExecutor, logger *slog.Logger) domain.SagaRepository {
	return &sagaRepository{db: db, logger: logger}
}

const sagaColumns = `update_id, account_id, delta, new_balance, status, reason, created_at, updated_at`

func (r *sagaRepository) Create(ctx context.Context, saga *domain.Saga) error {
	query := `INSERT INTO sagas (` + sagaColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.db.ExecContext(ctx, query,
		saga.UpdateID,
		saga.AccountID,
		domain.FormatMoney(saga.Delta),
		domain.FormatMoney(saga.NewBalance),
		saga.Status,
		saga.Reason,
		saga.CreatedAt,
		saga.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.ErrSagaConflict.WithDetails(saga.UpdateID)
		}
		r.logger.Error("Failed to create saga", "update_id", saga.UpdateID, "error", err)
		return errors.NewAppError(errors.InternalError, "failed to create saga").WithDetails(err.Error())
	}
	return nil
}

func (r *sagaRepository) Get(ctx context.Context, updateID string) (*domain.Saga, error) {
	return r.scanSaga(ctx, `SELECT `+sagaColumns+` FROM sagas WHERE update_id = $1`, updateID)
}

func (r *sagaRepository) GetForUpdate(ctx context.Context, updateID string) (*domain.Saga, error) {
	return r.scanSaga(ctx, `SELECT `+sagaColumns+` FROM sagas WHERE update_id = $1 FOR UPDATE`, updateID)
}

func (r *sagaRepository) scanSaga(ctx context.Context, query, updateID string) (*domain.Saga, error) {
	var saga domain.Saga
	var delta, newBalance string

	err := r.db.QueryRowContext(ctx, query, updateID).Scan(
		&saga.UpdateID,
		&saga.AccountID,
		&delta,
		&newBalance,
		&saga.Status,
		&saga.Reason,
		&saga.CreatedAt,
		&saga.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrSagaNotFound
		}
		r.logger.Error("Failed to get saga", "update_id", updateID, "error", err)
		return nil, errors.NewAppError(errors.InternalError, "failed to get saga").WithDetails(err.Error())
	}

	if saga.Delta, err = parseMoneyColumn(delta); err != nil {
		return nil, err
	}
	if saga.NewBalance, err = parseMoneyColumn(newBalance); err != nil {
		return nil, err
	}
	return &saga, nil
}

func (r *sagaRepository) Update(ctx context.Context, saga *domain.Saga) error {
	query := `
		UPDATE sagas
		SET new_balance = $1, status = $2, reason = $3, updated_at = $4
		WHERE update_id = $5
	`

	result, err := r.db.ExecContext(ctx, query,
		domain.FormatMoney(saga.NewBalance), saga.Status, saga.Reason, saga.UpdatedAt, saga.UpdateID)
	if err != nil {
		r.logger.Error("Failed to update saga", "update_id", saga.UpdateID, "error", err)
		return errors.NewAppError(errors.InternalError, "failed to update saga").WithDetails(err.Error())
	}
	if err := expectOneRow(result, errors.ErrSagaNotFound); err != nil {
		return err
	}

	r.logger.Debug("Saga updated", "update_id", saga.UpdateID, "status", saga.Status)
	return nil
}
