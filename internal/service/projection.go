package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ledger-saga/internal/domain"
	"ledger-saga/internal/events"
)

// Consumer groups.
const (
	GroupAccountProjection      = "account-projection"
	GroupAccountRollbackMonitor = "account-rollback-monitor"
	GroupDepositProjection      = "deposit-projection"
)

// SequenceGapTimeout is how long an event waits for the sequences before it. After that the
// missing events are presumed lost (e.g. a dead-lettered publish) and the event is applied.
const SequenceGapTimeout = 2 * time.Minute

// applyInOrder runs fn in a transaction only when env is the next event consumer expects
// for the event's channel and account, and records the new offset in the same transaction.
// Duplicates and stale redeliveries are skipped. An event that arrives ahead of a missing
// sequence is handed back to the bus with events.Defer until the gap fills or times out.
func applyInOrder(ctx context.Context, store domain.Store, consumer string, env events.Envelope, logger *slog.Logger, fn func(tx domain.Store) error) (bool, error) {
	var (
		applied bool
		ahead   bool
		last    int64
	)
	err := store.WithTransaction(ctx, func(tx domain.Store) error {
		var err error
		last, err = tx.Sequences().Offset(ctx, consumer, env.Channel, env.Key)
		if err != nil {
			return err
		}
		if env.Sequence <= last {
			logger.Info("Skipping stale or duplicate event",
				"consumer", consumer,
				"channel", env.Channel,
				"account_id", env.Key,
				"sequence", env.Sequence,
				"last_applied", last,
			)
			return nil
		}
		if env.Sequence > last+1 {
			if time.Since(env.Timestamp) < SequenceGapTimeout {
				ahead = true
				return nil
			}
			logger.Warn("Applying event past a sequence gap",
				"consumer", consumer,
				"channel", env.Channel,
				"account_id", env.Key,
				"sequence", env.Sequence,
				"last_applied", last,
			)
		}
		if err := fn(tx); err != nil {
			return err
		}
		applied = true
		return tx.Sequences().Advance(ctx, consumer, env.Channel, env.Key, env.Sequence)
	})
	if err == nil && ahead {
		logger.Info("Holding back event until earlier sequences arrive",
			"consumer", consumer,
			"channel", env.Channel,
			"account_id", env.Key,
			"sequence", env.Sequence,
			"last_applied", last,
		)
		return false, events.Defer(fmt.Errorf("%s %s sequence %d waits for %d", env.Channel, env.Key, env.Sequence, last+1))
	}
	return applied, err
}
