package memory

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledger-saga/internal/domain"
	"ledger-saga/internal/errors"
)

func seedAccount(t *testing.T, s *Store, id string, balance int64) {
	t.Helper()
	require.NoError(t, s.Accounts().Create(context.Background(), &domain.Account{
		AccountID: id,
		Balance:   decimal.NewFromInt(balance),
		Currency:  "INR",
		Status:    domain.AccountStatusActive,
	}))
}

func TestWithTransaction_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seedAccount(t, s, "KEY00000001", 100)

	boom := stderrors.New("boom")
	err := s.WithTransaction(ctx, func(tx domain.Store) error {
		require.NoError(t, tx.Accounts().UpdateBalance(ctx, "KEY00000001", decimal.NewFromInt(50)))
		_, err := tx.Sequences().Next(ctx, domain.ChannelAccountUpdated, "KEY00000001")
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	acc, err := s.Accounts().GetByID(ctx, "KEY00000001")
	require.NoError(t, err)
	assert.True(t, acc.Balance.Equal(decimal.NewFromInt(100)))

	seq, err := s.Sequences().Next(ctx, domain.ChannelAccountUpdated, "KEY00000001")
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)
}

func TestWithTransaction_CommitsOnSuccess(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seedAccount(t, s, "KEY00000001", 100)

	err := s.WithTransaction(ctx, func(tx domain.Store) error {
		return tx.Accounts().UpdateBalance(ctx, "KEY00000001", decimal.NewFromInt(60))
	})
	require.NoError(t, err)

	acc, err := s.Accounts().GetByID(ctx, "KEY00000001")
	require.NoError(t, err)
	assert.Equal(t, "60.00", domain.FormatMoney(acc.Balance))
}

func TestFail_InjectsFaultsCountedDown(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seedAccount(t, s, "KEY00000001", 100)

	boom := stderrors.New("boom")
	s.Fail("accounts.UpdateBalance", boom, 1)

	assert.ErrorIs(t, s.Accounts().UpdateBalance(ctx, "KEY00000001", decimal.Zero), boom)
	assert.NoError(t, s.Accounts().UpdateBalance(ctx, "KEY00000001", decimal.Zero))
}

func TestAccounts_SoftDeleteHidesAccount(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seedAccount(t, s, "KEY00000001", 0)

	require.NoError(t, s.Accounts().SoftDelete(ctx, "KEY00000001"))
	_, err := s.Accounts().GetByID(ctx, "KEY00000001")
	assert.ErrorIs(t, err, errors.ErrAccountNotFound)
}

func TestSequences_OffsetsOnlyMoveForward(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	require.NoError(t, s.Sequences().Advance(ctx, "c", domain.ChannelAccountUpdated, "KEY00000001", 5))
	require.NoError(t, s.Sequences().Advance(ctx, "c", domain.ChannelAccountUpdated, "KEY00000001", 3))

	off, err := s.Sequences().Offset(ctx, "c", domain.ChannelAccountUpdated, "KEY00000001")
	require.NoError(t, err)
	assert.Equal(t, int64(5), off)
}

func TestDepositTransactions_ListNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	base := time.Now().UTC()

	for i := 0; i < 3; i++ {
		tx := domain.NewPostedTransaction("KEY00000001", domain.TransactionTypeCredit, decimal.NewFromInt(int64(i+1)), "", "")
		tx.PostedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.DepositTransactions().Create(ctx, tx))
	}

	txs, err := s.DepositTransactions().ListByAccount(ctx, "KEY00000001", 2)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "3.00", domain.FormatMoney(txs[0].Amount))
	assert.Equal(t, "2.00", domain.FormatMoney(txs[1].Amount))
}

func TestOutbox_GetForUpdateSkipsNonPending(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	event, err := domain.NewOutboxEvent(domain.ChannelAccountUpdated, "KEY00000001", 1, map[string]string{"a": "b"}, "")
	require.NoError(t, err)
	require.NoError(t, s.Outbox().Create(ctx, event))
	require.NoError(t, s.Outbox().MarkPublished(ctx, event.ID, time.Now()))

	got, err := s.Outbox().GetForUpdate(ctx, event.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = s.Outbox().GetForUpdate(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, got)
}
