package service

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"ledger-saga/internal/domain"
	"ledger-saga/internal/events"
	"ledger-saga/internal/outbox"
	"ledger-saga/internal/repository/memory"
)

// stubValidator answers from the canonical ledger unless err is set.
type stubValidator struct {
	accounts *AccountService
	err      error
	calls    int
}

func (v *stubValidator) GetBalance(ctx context.Context, accountID string) (domain.BalanceSnapshot, error) {
	v.calls++
	if v.err != nil {
		return domain.BalanceSnapshot{}, v.err
	}
	return v.accounts.GetBalance(ctx, accountID)
}

type harness struct {
	store           *memory.Store
	bus             *events.MemoryBus
	relay           *outbox.Relay
	saga            *SagaOrchestrator
	accounts        *AccountService
	deposits        *DepositService
	validator       *stubValidator
	accountListener *AccountListener
	depositListener *DepositListener
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := discardLogger()
	store := memory.NewStore()
	bus := events.NewMemoryBus()
	relay := outbox.NewRelay(store, bus, outbox.Config{MaxAttempts: 3}, logger)

	saga := NewSagaOrchestrator(store, relay, logger)
	relay.SetHooks(outbox.Hooks{
		OnPublished: saga.OnOutboxPublished,
		OnGiveUp:    saga.OnOutboxGiveUp,
	})

	accounts := NewAccountService(store, relay, "INR", logger)
	validator := &stubValidator{accounts: accounts}
	deposits := NewDepositService(store, validator, relay, DepositConfig{Currency: "INR"}, logger)

	h := &harness{
		store:           store,
		bus:             bus,
		relay:           relay,
		saga:            saga,
		accounts:        accounts,
		deposits:        deposits,
		validator:       validator,
		accountListener: NewAccountListener(store, logger),
		depositListener: NewDepositListener(store, relay, "INR", logger),
	}
	h.accountListener.Register(bus)
	h.depositListener.Register(bus)
	return h
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	require.NoError(t, h.bus.Drain(context.Background()))
}

// openAccount creates a canonical account and lets the deposit mirror catch up.
func (h *harness) openAccount(t *testing.T, balance string) string {
	t.Helper()
	account, err := h.accounts.CreateAccount(context.Background(), CreateAccountRequest{
		CustomerID:     "CUST-1",
		InitialBalance: decimal.RequireFromString(balance),
	})
	require.NoError(t, err)
	h.drain(t)
	return account.AccountID
}

func (h *harness) canonical(t *testing.T, accountID string) decimal.Decimal {
	t.Helper()
	snapshot, err := h.accounts.GetBalance(context.Background(), accountID)
	require.NoError(t, err)
	return snapshot.Balance
}

func (h *harness) mirror(t *testing.T, accountID string) *domain.DepositAccount {
	t.Helper()
	account, err := h.deposits.GetAccount(context.Background(), accountID)
	require.NoError(t, err)
	return account
}

func decodeAll[T any](t *testing.T, envs []events.Envelope) []T {
	t.Helper()
	out := make([]T, 0, len(envs))
	for _, env := range envs {
		v, err := events.Decode[T](env)
		require.NoError(t, err)
		out = append(out, v)
	}
	return out
}

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
