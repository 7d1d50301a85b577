package handler

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"ledger-saga/internal/domain"
	"ledger-saga/internal/service"
)

type AccountHandler struct {
	accountService *service.AccountService
	saga           *service.SagaOrchestrator
}

func NewAccountHandler(accountService *service.AccountService, saga *service.SagaOrchestrator) *AccountHandler {
	return &AccountHandler{
		accountService: accountService,
		saga:           saga,
	}
}

// RegisterRoutes mounts the canonical ledger API on r.
func (h *AccountHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/accounts", h.CreateAccount).Methods("POST")
	r.HandleFunc("/accounts/{account_id}", h.GetAccount).Methods("GET")
	r.HandleFunc("/accounts/{account_id}", h.CloseAccount).Methods("DELETE")
	r.HandleFunc("/accounts/{account_id}/balance", h.GetBalance).Methods("GET")
	r.HandleFunc("/accounts/{account_id}/balance", h.UpdateBalance).Methods("PUT")
	r.HandleFunc("/sagas/{update_id}", h.GetSaga).Methods("GET")
}

type CreateAccountRequest struct {
	CustomerID     string `json:"customer_id" validate:"required,max=64"`
	AccountType    string `json:"account_type" validate:"omitempty,oneof=SAVINGS CURRENT"`
	InitialBalance string `json:"initial_balance" validate:"required,nonnegative_amount"`
	Currency       string `json:"currency" validate:"omitempty,len=3"`
}

type AccountResponse struct {
	AccountID  string    `json:"account_id"`
	CustomerID string    `json:"customer_id"`
	Type       string    `json:"account_type"`
	Balance    string    `json:"balance"`
	Currency   string    `json:"currency"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

type BalanceResponse struct {
	AccountID string `json:"account_id"`
	UpdateID  string `json:"update_id,omitempty"`
	Balance   string `json:"balance"`
	// Sequence is the last account-updated event the balance includes.
	Sequence int64 `json:"sequence,omitempty"`
}

type UpdateBalanceRequest struct {
	UpdateID string `json:"update_id" validate:"omitempty,max=64"`
	Delta    string `json:"delta" validate:"required,amount"`
}

type SagaResponse struct {
	UpdateID   string `json:"update_id"`
	AccountID  string `json:"account_id"`
	Delta      string `json:"delta"`
	NewBalance string `json:"new_balance"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
}

func toAccountResponse(a *domain.Account) AccountResponse {
	return AccountResponse{
		AccountID:  a.AccountID,
		CustomerID: a.CustomerID,
		Type:       string(a.Type),
		Balance:    domain.FormatMoney(a.Balance),
		Currency:   a.Currency,
		Status:     string(a.Status),
		CreatedAt:  a.CreatedAt,
	}
}

func (h *AccountHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}

	account, err := h.accountService.CreateAccount(r.Context(), service.CreateAccountRequest{
		CustomerID:     req.CustomerID,
		Type:           domain.AccountType(req.AccountType),
		InitialBalance: decimal.RequireFromString(req.InitialBalance),
		Currency:       req.Currency,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toAccountResponse(account))
}

func (h *AccountHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	accountID := vars["account_id"]

	account, err := h.accountService.GetAccount(r.Context(), accountID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toAccountResponse(account))
}

func (h *AccountHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["account_id"]

	snapshot, err := h.accountService.GetBalance(r.Context(), accountID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, BalanceResponse{
		AccountID: accountID,
		Balance:   domain.FormatMoney(snapshot.Balance),
		Sequence:  snapshot.Sequence,
	})
}

// UpdateBalance runs the balance saga. The update_id makes retries safe; one is
// generated when the caller leaves it out.
func (h *AccountHandler) UpdateBalance(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["account_id"]

	var req UpdateBalanceRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.UpdateID == "" {
		req.UpdateID = domain.NewUpdateID()
	}

	future := h.saga.UpdateBalanceAsync(r.Context(), req.UpdateID, accountID, decimal.RequireFromString(req.Delta))
	balance, err := future.Await(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, BalanceResponse{
		AccountID: accountID,
		UpdateID:  req.UpdateID,
		Balance:   domain.FormatMoney(balance),
	})
}

func (h *AccountHandler) CloseAccount(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["account_id"]

	if err := h.accountService.CloseAccount(r.Context(), accountID); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *AccountHandler) GetSaga(w http.ResponseWriter, r *http.Request) {
	saga, err := h.saga.GetSaga(r.Context(), mux.Vars(r)["update_id"])
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, SagaResponse{
		UpdateID:   saga.UpdateID,
		AccountID:  saga.AccountID,
		Delta:      domain.FormatMoney(saga.Delta),
		NewBalance: domain.FormatMoney(saga.NewBalance),
		Status:     string(saga.Status),
		Reason:     saga.Reason,
	})
}
