package repository

import (
	"context"
	"database/sql"
	"log/slog"

	"ledger-saga/internal/domain"
	"ledger-saga/internal/errors"
)

type sequenceRepository struct {
	db     SQLExecutor
	logger *slog.Logger
}

func NewSequenceRepository(db SQLExecutor, logger *slog.Logger) domain.SequenceRepository {
	return &sequenceRepository{db: db, logger: logger}
}

func (r *sequenceRepository) Next(ctx context.Context, channel, accountID string) (int64, error) {
	query := `
		INSERT INTO event_sequences (channel, account_id, last_sequence)
		VALUES ($1, $2, 1)
		ON CONFLICT (channel, account_id)
		DO UPDATE SET last_sequence = event_sequences.last_sequence + 1
		RETURNING last_sequence
	`

	var seq int64
	if err := r.db.QueryRowContext(ctx, query, channel, accountID).Scan(&seq); err != nil {
		r.logger.Error("Failed to allocate event sequence", "channel", channel, "account_id", accountID, "error", err)
		return 0, errors.NewAppError(errors.InternalError, "failed to allocate sequence").WithDetails(err.Error())
	}
	return seq, nil
}

func (r *sequenceRepository) Current(ctx context.Context, channel, accountID string) (int64, error) {
	query := `SELECT last_sequence FROM event_sequences WHERE channel = $1 AND account_id = $2`

	var seq int64
	err := r.db.QueryRowContext(ctx, query, channel, accountID).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		r.logger.Error("Failed to read event sequence", "channel", channel, "account_id", accountID, "error", err)
		return 0, errors.NewAppError(errors.InternalError, "failed to read sequence").WithDetails(err.Error())
	}
	return seq, nil
}

func (r *sequenceRepository) Offset(ctx context.Context, consumer, channel, accountID string) (int64, error) {
	query := `
		SELECT last_sequence FROM consumer_offsets
		WHERE consumer = $1 AND channel = $2 AND account_id = $3
		FOR UPDATE
	`

	var seq int64
	err := r.db.QueryRowContext(ctx, query, consumer, channel, accountID).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		r.logger.Error("Failed to read consumer offset", "consumer", consumer, "channel", channel, "account_id", accountID, "error", err)
		return 0, errors.NewAppError(errors.InternalError, "failed to read consumer offset").WithDetails(err.Error())
	}
	return seq, nil
}

func (r *sequenceRepository) Advance(ctx context.Context, consumer, channel, accountID string, sequence int64) error {
	query := `
		INSERT INTO consumer_offsets (consumer, channel, account_id, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (consumer, channel, account_id)
		DO UPDATE SET last_sequence = GREATEST(consumer_offsets.last_sequence, EXCLUDED.last_sequence), updated_at = NOW()
	`

	if _, err := r.db.ExecContext(ctx, query, consumer, channel, accountID, sequence); err != nil {
		r.logger.Error("Failed to advance consumer offset", "consumer", consumer, "channel", channel, "account_id", accountID, "error", err)
		return errors.NewAppError(errors.InternalError, "failed to advance consumer offset").WithDetails(err.Error())
	}
	return nil
}
