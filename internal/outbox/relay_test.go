package outbox

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledger-saga/internal/domain"
	"ledger-saga/internal/events"
	"ledger-saga/internal/repository/memory"
)

func newRelay(maxAttempts int) (*Relay, *memory.Store, *events.MemoryBus) {
	store := memory.NewStore()
	bus := events.NewMemoryBus()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRelay(store, bus, Config{MaxAttempts: maxAttempts}, logger), store, bus
}

func appendEvent(t *testing.T, store *memory.Store, channel, accountID, sagaID string) *domain.OutboxEvent {
	t.Helper()
	var event *domain.OutboxEvent
	err := store.WithTransaction(context.Background(), func(tx domain.Store) error {
		var err error
		event, err = Append(context.Background(), tx, channel, accountID, map[string]string{"accountId": accountID}, sagaID)
		return err
	})
	require.NoError(t, err)
	return event
}

func statusOf(store *memory.Store, event *domain.OutboxEvent) domain.OutboxStatus {
	for _, e := range store.OutboxEvents() {
		if e.ID == event.ID {
			return e.Status
		}
	}
	return ""
}

func TestAppend_AllocatesSequencesPerChannelAndAccount(t *testing.T) {
	_, store, _ := newRelay(3)

	a1 := appendEvent(t, store, domain.ChannelAccountUpdated, "KEY00000001", "")
	a2 := appendEvent(t, store, domain.ChannelAccountUpdated, "KEY00000001", "")
	b1 := appendEvent(t, store, domain.ChannelAccountUpdated, "KEY00000002", "")
	r1 := appendEvent(t, store, domain.ChannelAccountRollback, "KEY00000001", "")

	assert.Equal(t, int64(1), a1.Sequence)
	assert.Equal(t, int64(2), a2.Sequence)
	assert.Equal(t, int64(1), b1.Sequence)
	assert.Equal(t, int64(1), r1.Sequence)
}

func TestFlush_PublishesAndFiresHook(t *testing.T) {
	relay, store, bus := newRelay(3)
	var hooked []string
	relay.SetHooks(Hooks{OnPublished: func(_ context.Context, e domain.OutboxEvent) {
		hooked = append(hooked, e.SagaID)
	}})

	event := appendEvent(t, store, domain.ChannelAccountUpdated, "KEY00000001", "UPD00000001")
	require.NoError(t, relay.Flush(context.Background(), event))

	assert.Equal(t, domain.OutboxStatusPublished, statusOf(store, event))
	require.Len(t, bus.Published(domain.ChannelAccountUpdated), 1)
	assert.Equal(t, int64(1), bus.Published(domain.ChannelAccountUpdated)[0].Sequence)
	assert.Equal(t, []string{"UPD00000001"}, hooked)

	// A second flush of the same row is a no-op.
	require.NoError(t, relay.Flush(context.Background(), event))
	assert.Len(t, bus.Published(domain.ChannelAccountUpdated), 1)
}

func TestFlush_FailureLeavesRowPendingForRelay(t *testing.T) {
	relay, store, bus := newRelay(3)
	event := appendEvent(t, store, domain.ChannelDepositCredited, "KEY00000001", "")

	bus.FailNext(stderrors.New("broker down"))
	require.Error(t, relay.Flush(context.Background(), event))
	assert.Equal(t, domain.OutboxStatusPending, statusOf(store, event))

	n, err := relay.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.OutboxStatusPublished, statusOf(store, event))
}

func TestFlush_DefersBehindOlderPendingEvent(t *testing.T) {
	relay, store, bus := newRelay(5)
	first := appendEvent(t, store, domain.ChannelAccountUpdated, "KEY00000001", "")
	bus.FailNext(stderrors.New("broker down"))
	require.Error(t, relay.Flush(context.Background(), first))

	second := appendEvent(t, store, domain.ChannelAccountUpdated, "KEY00000001", "")
	require.NoError(t, relay.Flush(context.Background(), second))
	assert.Empty(t, bus.Published(domain.ChannelAccountUpdated))

	_, err := relay.DispatchOnce(context.Background())
	require.NoError(t, err)
	published := bus.Published(domain.ChannelAccountUpdated)
	require.Len(t, published, 2)
	assert.Equal(t, int64(1), published[0].Sequence)
	assert.Equal(t, int64(2), published[1].Sequence)
}

func TestDispatchOnce_GivesUpAfterMaxAttempts(t *testing.T) {
	relay, store, bus := newRelay(2)
	var gaveUp []domain.OutboxEvent
	relay.SetHooks(Hooks{OnGiveUp: func(_ context.Context, e domain.OutboxEvent, _ error) {
		gaveUp = append(gaveUp, e)
	}})

	event := appendEvent(t, store, domain.ChannelAccountUpdated, "KEY00000001", "UPD00000001")
	boom := stderrors.New("broker down")

	bus.FailNext(boom)
	_, _ = relay.DispatchOnce(context.Background())
	assert.Equal(t, domain.OutboxStatusPending, statusOf(store, event))
	assert.Empty(t, gaveUp)

	bus.FailNext(boom)
	_, _ = relay.DispatchOnce(context.Background())
	assert.Equal(t, domain.OutboxStatusFailed, statusOf(store, event))
	require.Len(t, gaveUp, 1)
	assert.Equal(t, "UPD00000001", gaveUp[0].SagaID)

	// FAILED rows are never retried.
	n, err := relay.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, bus.Published(domain.ChannelAccountUpdated))
}

func TestDispatchOnce_LockedRowBlocksLaterRowsOfTheSameKey(t *testing.T) {
	relay, store, bus := newRelay(5)
	first := appendEvent(t, store, domain.ChannelAccountUpdated, "KEY00000001", "")
	second := appendEvent(t, store, domain.ChannelAccountUpdated, "KEY00000001", "")
	other := appendEvent(t, store, domain.ChannelAccountUpdated, "KEY00000002", "")

	release := store.LockOutboxRow(first.ID)
	n, err := relay.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.OutboxStatusPending, statusOf(store, first))
	assert.Equal(t, domain.OutboxStatusPending, statusOf(store, second))
	assert.Equal(t, domain.OutboxStatusPublished, statusOf(store, other))

	// Flush does not report a locked row as a failure, nor jump the queue behind it.
	require.NoError(t, relay.Flush(context.Background(), first, second))
	assert.Equal(t, domain.OutboxStatusPending, statusOf(store, second))

	release()
	n, err = relay.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var seqs []int64
	for _, env := range bus.Published(domain.ChannelAccountUpdated) {
		if env.Key == "KEY00000001" {
			seqs = append(seqs, env.Sequence)
		}
	}
	assert.Equal(t, []int64{1, 2}, seqs)
}
