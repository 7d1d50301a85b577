// Package outbox publishes events that were written to the outbox table in the same
// transaction as the state change they describe.
package outbox

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"ledger-saga/internal/domain"
	"ledger-saga/internal/events"
)

// errRowBusy means another relay holds the row lock, or the row left PENDING after it was listed.
var errRowBusy = stderrors.New("outbox row busy")

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
}

// Hooks are invoked after the publishing transaction commits.
type Hooks struct {
	OnPublished func(ctx context.Context, event domain.OutboxEvent)
	// OnGiveUp fires once, when a row reaches MaxAttempts and is marked FAILED.
	OnGiveUp func(ctx context.Context, event domain.OutboxEvent, err error)
}

// Relay moves PENDING outbox rows onto the bus.
type Relay struct {
	store  domain.Store
	bus    events.Bus
	cfg    Config
	logger *slog.Logger
	hooks  Hooks
}

func NewRelay(store domain.Store, bus events.Bus, cfg Config, logger *slog.Logger) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	return &Relay{store: store, bus: bus, cfg: cfg, logger: logger}
}

// SetHooks must be called before Run or Flush.
func (r *Relay) SetHooks(h Hooks) {
	r.hooks = h
}

// Append allocates the next (channel, account) sequence and writes a PENDING row through tx.
func Append(ctx context.Context, tx domain.Store, channel, accountID string, payload any, sagaID string) (*domain.OutboxEvent, error) {
	seq, err := tx.Sequences().Next(ctx, channel, accountID)
	if err != nil {
		return nil, err
	}
	event, err := domain.NewOutboxEvent(channel, accountID, seq, payload, sagaID)
	if err != nil {
		return nil, err
	}
	if err := tx.Outbox().Create(ctx, event); err != nil {
		return nil, err
	}
	return event, nil
}

// Flush publishes the given rows right away. Failures are left PENDING for Run.
func (r *Relay) Flush(ctx context.Context, rows ...*domain.OutboxEvent) error {
	var errs []error
	for _, row := range rows {
		if row == nil {
			continue
		}
		blocked, err := r.store.Outbox().HasPendingBefore(ctx, row.Channel, row.AccountID, row.Sequence)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if blocked {
			// An older event for this account is still queued; the relay publishes in order.
			r.logger.Info("Deferring outbox event behind older pending event",
				"event_id", row.ID, "channel", row.Channel, "account_id", row.AccountID, "sequence", row.Sequence)
			continue
		}
		if err := r.publish(ctx, row.ID); err != nil && !stderrors.Is(err, errRowBusy) {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// DispatchOnce publishes up to BatchSize pending rows and returns how many were published.
func (r *Relay) DispatchOnce(ctx context.Context) (int, error) {
	rows, err := r.store.Outbox().ListPending(ctx, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	published := 0
	blocked := make(map[string]bool)
	for _, row := range rows {
		key := row.Channel + "|" + row.AccountID
		if blocked[key] {
			continue
		}
		// Later rows of a key wait for this pass whenever an earlier one was not published,
		// including rows another relay instance currently holds.
		if err := r.publish(ctx, row.ID); err != nil {
			blocked[key] = true
			continue
		}
		published++
	}
	return published, nil
}

// Run dispatches on every poll tick until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("Outbox relay started", "poll_interval", r.cfg.PollInterval, "batch_size", r.cfg.BatchSize)
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Outbox relay stopping")
			return nil
		case <-ticker.C:
			n, err := r.DispatchOnce(ctx)
			if err != nil && ctx.Err() == nil {
				r.logger.Error("Outbox dispatch failed", "error", err)
			}
			if n > 0 {
				r.logger.Debug("Outbox events published", "count", n)
			}
		}
	}
}

// publish locks one row, hands it to the bus and records the outcome in the same transaction.
func (r *Relay) publish(ctx context.Context, id uuid.UUID) error {
	var (
		published *domain.OutboxEvent
		gaveUp    *domain.OutboxEvent
		pubErr    error
		busy      bool
	)

	err := r.store.WithTransaction(ctx, func(tx domain.Store) error {
		event, err := tx.Outbox().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if event == nil {
			busy = true
			return nil
		}

		pubErr = r.bus.Publish(ctx, events.Message{
			Channel:  event.Channel,
			Key:      event.AccountID,
			Sequence: event.Sequence,
			Payload:  event.Payload,
		})
		if pubErr == nil {
			published = event
			return tx.Outbox().MarkPublished(ctx, id, time.Now().UTC())
		}

		event.Attempts++
		status := domain.OutboxStatusPending
		if event.Attempts >= r.cfg.MaxAttempts {
			status = domain.OutboxStatusFailed
			gaveUp = event
		}
		r.logger.Warn("Failed to publish outbox event",
			"event_id", id,
			"channel", event.Channel,
			"account_id", event.AccountID,
			"attempts", event.Attempts,
			"error", pubErr,
		)
		return tx.Outbox().RecordFailure(ctx, id, event.Attempts, pubErr.Error(), status)
	})
	if err != nil {
		r.logger.Error("Outbox publish transaction failed", "event_id", id, "error", err)
		return err
	}
	if busy {
		return errRowBusy
	}

	if published != nil && r.hooks.OnPublished != nil {
		r.hooks.OnPublished(ctx, *published)
	}
	if gaveUp != nil {
		r.logger.Error("Giving up on outbox event", "event_id", id, "channel", gaveUp.Channel, "account_id", gaveUp.AccountID)
		if r.hooks.OnGiveUp != nil {
			r.hooks.OnGiveUp(ctx, *gaveUp, pubErr)
		}
	}
	return pubErr
}
