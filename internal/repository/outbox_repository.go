package repository

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"ledger-saga/internal/domain"
	"ledger-saga/internal/errors"
)

type outboxRepository struct {
	db     SQLExecutor
	logger *slog.Logger
}

func NewOutboxRepository(db SQLExecutor, logger *slog.Logger) domain.OutboxRepository {
	return &outboxRepository{db: db, logger: logger}
}

const outboxColumns = `id, channel, account_id, sequence, payload, saga_id, status, attempts, last_error, created_at, published_at`

func (r *outboxRepository) Create(ctx context.Context, event *domain.OutboxEvent) error {
	query := `
		INSERT INTO outbox_events (id, channel, account_id, sequence, payload, saga_id, status, attempts, last_error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, '', $8)
	`

	_, err := r.db.ExecContext(ctx, query,
		event.ID,
		event.Channel,
		event.AccountID,
		event.Sequence,
		string(event.Payload),
		event.SagaID,
		event.Status,
		event.CreatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to write outbox event", "channel", event.Channel, "account_id", event.AccountID, "error", err)
		return errors.NewAppError(errors.InternalError, "failed to write outbox event").WithDetails(err.Error())
	}
	return nil
}

func (r *outboxRepository) ListPending(ctx context.Context, limit int) ([]*domain.OutboxEvent, error) {
	query := `
		SELECT ` + outboxColumns + `
		FROM outbox_events
		WHERE status = $1
		ORDER BY created_at ASC, sequence ASC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, domain.OutboxStatusPending, limit)
	if err != nil {
		r.logger.Error("Failed to list pending outbox events", "error", err)
		return nil, errors.NewAppError(errors.InternalError, "failed to list outbox events").WithDetails(err.Error())
	}
	defer rows.Close()

	var events []*domain.OutboxEvent
	for rows.Next() {
		event, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (r *outboxRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.OutboxEvent, error) {
	query := `SELECT ` + outboxColumns + ` FROM outbox_events WHERE id = $1 AND status = $2 FOR UPDATE SKIP LOCKED`

	event, err := scanOutboxEvent(r.db.QueryRowContext(ctx, query, id, domain.OutboxStatusPending))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return event, err
}

func (r *outboxRepository) HasPendingBefore(ctx context.Context, channel, accountID string, sequence int64) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM outbox_events
			WHERE channel = $1 AND account_id = $2 AND sequence < $3 AND status = $4
		)
	`

	var exists bool
	if err := r.db.QueryRowContext(ctx, query, channel, accountID, sequence, domain.OutboxStatusPending).Scan(&exists); err != nil {
		return false, errors.NewAppError(errors.InternalError, "failed to check outbox ordering").WithDetails(err.Error())
	}
	return exists, nil
}

func (r *outboxRepository) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE outbox_events SET status = $1, published_at = $2 WHERE id = $3`,
		domain.OutboxStatusPublished, at, id,
	)
	if err != nil {
		r.logger.Error("Failed to mark outbox event published", "event_id", id, "error", err)
		return errors.NewAppError(errors.InternalError, "failed to mark outbox event").WithDetails(err.Error())
	}
	return nil
}

func (r *outboxRepository) RecordFailure(ctx context.Context, id uuid.UUID, attempts int, lastErr string, status domain.OutboxStatus) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE outbox_events SET attempts = $1, last_error = $2, status = $3 WHERE id = $4`,
		attempts, lastErr, status, id,
	)
	if err != nil {
		r.logger.Error("Failed to record outbox failure", "event_id", id, "error", err)
		return errors.NewAppError(errors.InternalError, "failed to record outbox failure").WithDetails(err.Error())
	}
	return nil
}

func scanOutboxEvent(row rowScanner) (*domain.OutboxEvent, error) {
	var event domain.OutboxEvent
	var publishedAt sql.NullTime

	err := row.Scan(
		&event.ID,
		&event.Channel,
		&event.AccountID,
		&event.Sequence,
		&event.Payload,
		&event.SagaID,
		&event.Status,
		&event.Attempts,
		&event.LastError,
		&event.CreatedAt,
		&publishedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, errors.NewAppError(errors.InternalError, "failed to scan outbox event").WithDetails(err.Error())
	}
	if publishedAt.Valid {
		event.PublishedAt = &publishedAt.Time
	}
	return &event, nil
}
