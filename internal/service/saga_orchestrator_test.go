package service

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledger-saga/internal/domain"
	"ledger-saga/internal/errors"
)

func TestUpdateBalance_Success(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	accountID := h.openAccount(t, "100.00")

	balance, err := h.saga.UpdateBalance(ctx, "UPD00000001", accountID, money("50"))
	require.NoError(t, err)
	assert.Equal(t, "150.00", domain.FormatMoney(balance))
	assert.Equal(t, "150.00", domain.FormatMoney(h.canonical(t, accountID)))

	updates := decodeAll[domain.AccountUpdated](t, h.bus.Published(domain.ChannelAccountUpdated))
	require.Len(t, updates, 2)
	assert.Equal(t, domain.AccountEventCreated, updates[0].Type)
	assert.Equal(t, domain.AccountEventUpdated, updates[1].Type)
	assert.Equal(t, "UPD00000001", updates[1].UpdateID)
	assert.Equal(t, "150.00", updates[1].Balance)
	assert.Equal(t, "50.00", updates[1].Delta)
	assert.Empty(t, h.bus.Published(domain.ChannelAccountRollback))

	saga, err := h.saga.GetSaga(ctx, "UPD00000001")
	require.NoError(t, err)
	assert.Equal(t, domain.SagaStatusPublished, saga.Status)

	h.drain(t)
	assert.Equal(t, "150.00", domain.FormatMoney(h.mirror(t, accountID).Balance))
}

func TestUpdateBalance_GeneratesUpdateID(t *testing.T) {
	h := newHarness(t)
	accountID := h.openAccount(t, "10.00")

	_, err := h.saga.UpdateBalance(context.Background(), "", accountID, money("1"))
	require.NoError(t, err)

	updates := decodeAll[domain.AccountUpdated](t, h.bus.Published(domain.ChannelAccountUpdated))
	require.Len(t, updates, 2)
	assert.Regexp(t, `^UPD[0-9A-F]{8}$`, updates[1].UpdateID)
}

func TestUpdateBalance_NegativeResultIsRolledBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	accountID := h.openAccount(t, "100.00")

	_, err := h.saga.UpdateBalance(ctx, "UPD00000002", accountID, money("-150"))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.NegativeBalance))
	assert.Equal(t, "100.00", domain.FormatMoney(h.canonical(t, accountID)))

	assert.Len(t, h.bus.Published(domain.ChannelAccountUpdated), 1)
	rollbacks := decodeAll[domain.AccountRollback](t, h.bus.Published(domain.ChannelAccountRollback))
	require.Len(t, rollbacks, 1)
	assert.Equal(t, "UPD00000002", rollbacks[0].UpdateID)
	assert.Equal(t, accountID, rollbacks[0].AccountID)
	assert.Equal(t, "150.00", rollbacks[0].Balance)

	saga, err := h.saga.GetSaga(ctx, "UPD00000002")
	require.NoError(t, err)
	assert.Equal(t, domain.SagaStatusCompensated, saga.Status)
	assert.NotEmpty(t, saga.Reason)

	h.drain(t)
	assert.Equal(t, "100.00", domain.FormatMoney(h.mirror(t, accountID).Balance))
}

func TestUpdateBalance_InactiveAccount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Accounts().Create(ctx, &domain.Account{
		AccountID:  "KEY0000000A",
		CustomerID: "CUST-2",
		Type:       domain.AccountTypeSavings,
		Balance:    money("40"),
		Currency:   "INR",
		Status:     domain.AccountStatusInactive,
	}))

	_, err := h.saga.UpdateBalance(ctx, "UPD00000003", "KEY0000000A", money("5"))
	assert.True(t, errors.HasCode(err, errors.AccountInactive))
	assert.Equal(t, "40.00", domain.FormatMoney(h.canonical(t, "KEY0000000A")))
	assert.Len(t, h.bus.Published(domain.ChannelAccountRollback), 1)
	assert.Empty(t, h.bus.Published(domain.ChannelAccountUpdated))
}

func TestUpdateBalance_UnknownAccount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.saga.UpdateBalance(ctx, "UPD00000004", "KEY0000FFFF", money("5"))
	assert.True(t, errors.HasCode(err, errors.AccountNotFound))

	saga, err := h.saga.GetSaga(ctx, "UPD00000004")
	require.NoError(t, err)
	assert.Equal(t, domain.SagaStatusCompensated, saga.Status)
	assert.Len(t, h.bus.Published(domain.ChannelAccountRollback), 1)
}

func TestUpdateBalance_ReplayReturnsRecordedOutcome(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	accountID := h.openAccount(t, "100.00")

	first, err := h.saga.UpdateBalance(ctx, "UPD00000005", accountID, money("25"))
	require.NoError(t, err)
	second, err := h.saga.UpdateBalance(ctx, "UPD00000005", accountID, money("25"))
	require.NoError(t, err)

	assert.True(t, first.Equal(second))
	assert.Equal(t, "125.00", domain.FormatMoney(h.canonical(t, accountID)))
	assert.Len(t, h.bus.Published(domain.ChannelAccountUpdated), 2)

	_, err = h.saga.UpdateBalance(ctx, "UPD00000005", accountID, money("30"))
	assert.True(t, errors.HasCode(err, errors.SagaConflict))
}

func TestUpdateBalance_ReplayOfRolledBackUpdate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	accountID := h.openAccount(t, "10.00")

	_, err := h.saga.UpdateBalance(ctx, "UPD00000006", accountID, money("-20"))
	require.Error(t, err)

	_, err = h.saga.UpdateBalance(ctx, "UPD00000006", accountID, money("-20"))
	assert.True(t, errors.HasCode(err, errors.SagaConflict))
	assert.Len(t, h.bus.Published(domain.ChannelAccountRollback), 1)
}

func TestUpdateBalance_CompensationFailureMarksSagaFailed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	accountID := h.openAccount(t, "10.00")
	h.store.Fail("outbox.Create", stderrors.New("disk full"), 1)

	_, err := h.saga.UpdateBalance(ctx, "UPD00000007", accountID, money("-20"))
	assert.True(t, errors.HasCode(err, errors.NegativeBalance))

	saga, err := h.saga.GetSaga(ctx, "UPD00000007")
	require.NoError(t, err)
	assert.Equal(t, domain.SagaStatusFailed, saga.Status)
	assert.Contains(t, saga.Reason, "compensation failed")
	assert.Empty(t, h.bus.Published(domain.ChannelAccountRollback))
	assert.Equal(t, "10.00", domain.FormatMoney(h.canonical(t, accountID)))
}

func TestUpdateBalance_PublishFailureIsRetriedByRelay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	accountID := h.openAccount(t, "100.00")
	h.bus.FailNext(stderrors.New("broker down"))

	balance, err := h.saga.UpdateBalance(ctx, "UPD00000008", accountID, money("5"))
	require.NoError(t, err)
	assert.Equal(t, "105.00", domain.FormatMoney(balance))

	saga, err := h.saga.GetSaga(ctx, "UPD00000008")
	require.NoError(t, err)
	assert.Equal(t, domain.SagaStatusApplied, saga.Status)

	n, err := h.relay.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	saga, err = h.saga.GetSaga(ctx, "UPD00000008")
	require.NoError(t, err)
	assert.Equal(t, domain.SagaStatusPublished, saga.Status)
}

func TestUpdateBalance_PublishGiveUpCompensates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	accountID := h.openAccount(t, "100.00")
	for i := 0; i < 3; i++ {
		h.bus.FailNext(stderrors.New("broker down"))
	}

	_, err := h.saga.UpdateBalance(ctx, "UPD00000009", accountID, money("50"))
	require.NoError(t, err)
	assert.Equal(t, "150.00", domain.FormatMoney(h.canonical(t, accountID)))

	for i := 0; i < 2; i++ {
		_, err := h.relay.DispatchOnce(ctx)
		require.NoError(t, err)
	}

	saga, err := h.saga.GetSaga(ctx, "UPD00000009")
	require.NoError(t, err)
	assert.Equal(t, domain.SagaStatusCompensated, saga.Status)
	assert.Equal(t, "100.00", domain.FormatMoney(h.canonical(t, accountID)))

	rollbacks := decodeAll[domain.AccountRollback](t, h.bus.Published(domain.ChannelAccountRollback))
	require.Len(t, rollbacks, 1)
	assert.Equal(t, "-50.00", rollbacks[0].Balance)
	assert.Len(t, h.bus.Published(domain.ChannelAccountUpdated), 1)
}

func TestUpdateBalanceAsync(t *testing.T) {
	h := newHarness(t)
	accountID := h.openAccount(t, "1.00")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	balance, err := h.saga.UpdateBalanceAsync(ctx, "UPD0000000A", accountID, money("0.005")).Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.01", domain.FormatMoney(balance))
}

func TestCompensate_TerminalSagaIsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	accountID := h.openAccount(t, "10.00")

	_, err := h.saga.UpdateBalance(ctx, "UPD0000000B", accountID, money("-20"))
	require.Error(t, err)

	err = h.saga.Compensate(ctx, "UPD0000000B", "again")
	assert.True(t, errors.HasCode(err, errors.SagaConflict))
	assert.Len(t, h.bus.Published(domain.ChannelAccountRollback), 1)
}

func TestUpdateBalance_CommitFailureLeavesCompensatedSaga(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	accountID := h.openAccount(t, "100.00")
	h.store.Fail("tx.Commit", stderrors.New("connection reset"), 1)

	_, err := h.saga.UpdateBalance(ctx, "UPD0000000C", accountID, money("5"))
	require.Error(t, err)

	saga, err := h.saga.GetSaga(ctx, "UPD0000000C")
	require.NoError(t, err)
	assert.Equal(t, domain.SagaStatusCompensated, saga.Status)
	assert.Contains(t, saga.Reason, "connection reset")
	assert.Equal(t, "100.00", domain.FormatMoney(h.canonical(t, accountID)))

	rollbacks := decodeAll[domain.AccountRollback](t, h.bus.Published(domain.ChannelAccountRollback))
	require.Len(t, rollbacks, 1)
	assert.Equal(t, "-5.00", rollbacks[0].Balance)
	assert.Len(t, h.bus.Published(domain.ChannelAccountUpdated), 1)
}

func TestUpdateBalance_CommitAndCompensationFailureIsNotLeftInProgress(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	accountID := h.openAccount(t, "100.00")
	h.store.Fail("tx.Commit", stderrors.New("connection reset"), 2)

	_, err := h.saga.UpdateBalance(ctx, "UPD0000000D", accountID, money("5"))
	require.Error(t, err)

	saga, err := h.saga.GetSaga(ctx, "UPD0000000D")
	require.NoError(t, err)
	assert.Equal(t, domain.SagaStatusFailed, saga.Status)
	assert.Contains(t, saga.Reason, "compensation failed")

	// A retry gets the recorded outcome instead of "still in progress".
	_, err = h.saga.UpdateBalance(ctx, "UPD0000000D", accountID, money("5"))
	assert.True(t, errors.HasCode(err, errors.SagaConflict))
	assert.Contains(t, err.Error(), "update was rolled back")
	assert.Equal(t, "100.00", domain.FormatMoney(h.canonical(t, accountID)))
	assert.Empty(t, h.bus.Published(domain.ChannelAccountRollback))
}

func TestCompensate_FailureKeepsAppliedBalanceAndMarksFailed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	accountID := h.openAccount(t, "100.00")

	_, err := h.saga.UpdateBalance(ctx, "UPD0000000E", accountID, money("50"))
	require.NoError(t, err)

	h.store.Fail("outbox.Create", stderrors.New("disk full"), 1)
	err = h.saga.Compensate(ctx, "UPD0000000E", "operator request")
	require.Error(t, err)

	saga, err := h.saga.GetSaga(ctx, "UPD0000000E")
	require.NoError(t, err)
	assert.Equal(t, domain.SagaStatusFailed, saga.Status)
	assert.Contains(t, saga.Reason, "operator request; compensation failed")
	assert.Equal(t, "150.00", domain.FormatMoney(h.canonical(t, accountID)))
	assert.Empty(t, h.bus.Published(domain.ChannelAccountRollback))
}
