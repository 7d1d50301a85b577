package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"ledger-saga/internal/domain"
	"ledger-saga/internal/events"
	"ledger-saga/internal/outbox"
	"ledger-saga/internal/repository/memory"
	"ledger-saga/internal/service"
)

type validatorFunc func(ctx context.Context, accountID string) (domain.BalanceSnapshot, error)

func (f validatorFunc) GetBalance(ctx context.Context, accountID string) (domain.BalanceSnapshot, error) {
	return f(ctx, accountID)
}

type HandlerTestSuite struct {
	suite.Suite
	router   *mux.Router
	bus      *events.MemoryBus
	accounts *service.AccountService
}

func (s *HandlerTestSuite) SetupTest() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.NewStore()
	s.bus = events.NewMemoryBus()
	relay := outbox.NewRelay(store, s.bus, outbox.Config{}, logger)

	saga := service.NewSagaOrchestrator(store, relay, logger)
	relay.SetHooks(outbox.Hooks{OnPublished: saga.OnOutboxPublished, OnGiveUp: saga.OnOutboxGiveUp})
	s.accounts = service.NewAccountService(store, relay, "INR", logger)
	deposits := service.NewDepositService(store, validatorFunc(s.accounts.GetBalance), relay,
		service.DepositConfig{Currency: "INR"}, logger)

	service.NewDepositListener(store, relay, "INR", logger).Register(s.bus)
	service.NewAccountListener(store, logger).Register(s.bus)

	s.router = mux.NewRouter()
	NewAccountHandler(s.accounts, saga).RegisterRoutes(s.router)
	NewDepositHandler(deposits).RegisterRoutes(s.router)
}

func (s *HandlerTestSuite) do(method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(s.T(), json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var out map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(s.T(), json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func (s *HandlerTestSuite) createAccount(balance string) string {
	rec, body := s.do("POST", "/accounts", map[string]string{
		"customer_id":     "CUST-1",
		"initial_balance": balance,
	})
	s.Require().Equal(http.StatusCreated, rec.Code, rec.Body.String())
	require.NoError(s.T(), s.bus.Drain(context.Background()))
	return body["data"].(map[string]interface{})["account_id"].(string)
}

func data(body map[string]interface{}) map[string]interface{} {
	d, _ := body["data"].(map[string]interface{})
	return d
}

func errorCode(body map[string]interface{}) string {
	e, _ := body["error"].(map[string]interface{})
	code, _ := e["code"].(string)
	return code
}

func (s *HandlerTestSuite) TestCreateAndGetAccount() {
	accountID := s.createAccount("250.5")

	rec, body := s.do("GET", "/accounts/"+accountID, nil)
	s.Equal(http.StatusOK, rec.Code)
	s.Equal("250.50", data(body)["balance"])
	s.Equal("SAVINGS", data(body)["account_type"])

	rec, body = s.do("GET", "/accounts/"+accountID+"/balance", nil)
	s.Equal(http.StatusOK, rec.Code)
	s.Equal(accountID, data(body)["account_id"])
	s.Equal("250.50", data(body)["balance"])
	// The CREATED event is the account's first account-updated sequence.
	s.Equal(float64(1), data(body)["sequence"])
}

func (s *HandlerTestSuite) TestCreateAccountValidation() {
	tests := []struct {
		name string
		body interface{}
		code string
	}{
		{"malformed json", `{"customer_id":`, "invalid_input"},
		{"missing customer", map[string]string{"initial_balance": "1"}, "invalid_input"},
		{"bad amount", map[string]string{"customer_id": "C", "initial_balance": "ten"}, "invalid_amount"},
		{"negative amount", map[string]string{"customer_id": "C", "initial_balance": "-1"}, "invalid_amount"},
		{"bad type", map[string]string{"customer_id": "C", "initial_balance": "1", "account_type": "GOLD"}, "invalid_input"},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			rec, body := s.do("POST", "/accounts", tt.body)
			s.Equal(http.StatusBadRequest, rec.Code)
			s.Equal(tt.code, errorCode(body))
		})
	}
}

func (s *HandlerTestSuite) TestGetUnknownAccount() {
	rec, body := s.do("GET", "/accounts/KEY00000000", nil)
	s.Equal(http.StatusNotFound, rec.Code)
	s.Equal("account_not_found", errorCode(body))
}

func (s *HandlerTestSuite) TestUpdateBalance() {
	accountID := s.createAccount("100")

	rec, body := s.do("PUT", "/accounts/"+accountID+"/balance", map[string]string{
		"update_id": "UPD00000001",
		"delta":     "-40.25",
	})
	s.Equal(http.StatusOK, rec.Code, rec.Body.String())
	s.Equal("59.75", data(body)["balance"])
	s.Equal("UPD00000001", data(body)["update_id"])

	rec, body = s.do("GET", "/sagas/UPD00000001", nil)
	s.Equal(http.StatusOK, rec.Code)
	s.Equal("PUBLISHED", data(body)["status"])

	rec, body = s.do("PUT", "/accounts/"+accountID+"/balance", map[string]string{"delta": "-100"})
	s.Equal(http.StatusUnprocessableEntity, rec.Code)
	s.Equal("negative_balance", errorCode(body))

	rec, _ = s.do("PUT", "/accounts/"+accountID+"/balance", map[string]string{"delta": "abc"})
	s.Equal(http.StatusBadRequest, rec.Code)
}

func (s *HandlerTestSuite) TestCloseAccount() {
	accountID := s.createAccount("1")

	rec, _ := s.do("DELETE", "/accounts/"+accountID, nil)
	s.Equal(http.StatusNoContent, rec.Code)

	rec, _ = s.do("GET", "/accounts/"+accountID, nil)
	s.Equal(http.StatusNotFound, rec.Code)
}

func (s *HandlerTestSuite) TestCreditDebitAndHistory() {
	accountID := s.createAccount("0")

	rec, body := s.do("POST", "/deposits/credit/"+accountID, map[string]string{"amount": "100", "reference_id": "REF-1"})
	s.Equal(http.StatusOK, rec.Code, rec.Body.String())
	s.Equal("100.00", data(body)["balance"])

	rec, body = s.do("POST", "/deposits/debit/"+accountID, map[string]string{"amount": "150"})
	s.Equal(http.StatusUnprocessableEntity, rec.Code)
	s.Equal("insufficient_balance", errorCode(body))

	rec, body = s.do("POST", "/deposits/debit/"+accountID, map[string]string{"amount": "40"})
	s.Equal(http.StatusOK, rec.Code)
	s.Equal("60.00", data(body)["balance"])

	rec, body = s.do("GET", "/deposits/"+accountID+"/history?limit=1", nil)
	s.Equal(http.StatusOK, rec.Code)
	history := body["data"].([]interface{})
	s.Require().Len(history, 1)
	s.Equal("DEBIT", history[0].(map[string]interface{})["type"])
	s.Equal("-40.00", history[0].(map[string]interface{})["amount"])

	rec, _ = s.do("GET", "/deposits/"+accountID+"/history?limit=x", nil)
	s.Equal(http.StatusBadRequest, rec.Code)

	rec, _ = s.do("POST", "/deposits/credit/"+accountID, map[string]string{"amount": "0"})
	s.Equal(http.StatusBadRequest, rec.Code)
}

func (s *HandlerTestSuite) TestHolds() {
	accountID := s.createAccount("0")
	rec, _ := s.do("POST", "/deposits/credit/"+accountID, map[string]string{"amount": "100"})
	s.Require().Equal(http.StatusOK, rec.Code)

	rec, body := s.do("POST", "/deposits/"+accountID+"/holds", map[string]interface{}{
		"amount":      "30",
		"reason":      "LEGAL",
		"ttl_seconds": 3600,
	})
	s.Require().Equal(http.StatusCreated, rec.Code, rec.Body.String())
	holdID := data(body)["hold_id"].(string)

	rec, body = s.do("GET", "/deposits/"+accountID+"/balance", nil)
	s.Equal(http.StatusOK, rec.Code)
	s.Equal("100.00", data(body)["balance"])
	s.Equal("70.00", data(body)["available_balance"])
	s.Equal("30.00", data(body)["held_amount"])

	rec, _ = s.do("DELETE", "/deposits/"+accountID+"/holds/not-a-uuid", nil)
	s.Equal(http.StatusBadRequest, rec.Code)

	rec, _ = s.do("DELETE", "/deposits/"+accountID+"/holds/"+holdID, nil)
	s.Equal(http.StatusNoContent, rec.Code)

	rec, body = s.do("GET", "/deposits/"+accountID+"/balance", nil)
	s.Equal("100.00", data(body)["available_balance"])
}

func TestHandlerTestSuite(t *testing.T) {
	suite.Run(t, new(HandlerTestSuite))
}

func TestWriteErrorWrapsUnknownErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, io.ErrUnexpectedEOF)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotNil(t, body.Error)
	assert.Equal(t, "internal_error", body.Error.Code)
	assert.Equal(t, io.ErrUnexpectedEOF.Error(), body.Error.Details)
}
