package handler

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"ledger-saga/internal/domain"
	"ledger-saga/internal/errors"
	"ledger-saga/internal/service"
)

type DepositHandler struct {
	depositService *service.DepositService
}

func NewDepositHandler(depositService *service.DepositService) *DepositHandler {
	return &DepositHandler{
		depositService: depositService,
	}
}

// RegisterRoutes mounts the deposit ledger API on r.
func (h *DepositHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/deposits/credit/{account_id}", h.Credit).Methods("POST")
	r.HandleFunc("/deposits/debit/{account_id}", h.Debit).Methods("POST")
	r.HandleFunc("/deposits/{account_id}/balance", h.GetBalance).Methods("GET")
	r.HandleFunc("/deposits/{account_id}/history", h.GetHistory).Methods("GET")
	r.HandleFunc("/deposits/{account_id}/holds", h.PlaceHold).Methods("POST")
	r.HandleFunc("/deposits/{account_id}/holds/{hold_id}", h.ReleaseHold).Methods("DELETE")
}

type CreditRequest struct {
	Amount      string `json:"amount" validate:"required,positive_amount"`
	Description string `json:"description" validate:"omitempty,max=255"`
	ReferenceID string `json:"reference_id" validate:"omitempty,max=64"`
}

type DebitRequest struct {
	Amount string `json:"amount" validate:"required,positive_amount"`
}

type HoldRequest struct {
	Amount     string `json:"amount" validate:"required,positive_amount"`
	Reason     string `json:"reason" validate:"omitempty,oneof=PENDING_DEBIT LEGAL RISK"`
	TTLSeconds int64  `json:"ttl_seconds" validate:"required,gt=0"`
}

type DepositBalanceResponse struct {
	AccountID        string `json:"account_id"`
	Balance          string `json:"balance"`
	AvailableBalance string `json:"available_balance,omitempty"`
	HeldAmount       string `json:"held_amount,omitempty"`
	Currency         string `json:"currency,omitempty"`
}

type TransactionResponse struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Amount      string    `json:"amount"`
	Description string    `json:"description,omitempty"`
	ReferenceID string    `json:"reference_id,omitempty"`
	Status      string    `json:"status"`
	PostedAt    time.Time `json:"posted_at"`
}

type HoldResponse struct {
	HoldID    string    `json:"hold_id"`
	AccountID string    `json:"account_id"`
	Amount    string    `json:"amount"`
	Reason    string    `json:"reason"`
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Credit answers with a zero balance when the canonical side could not validate in
// time; the credit is then rolled back asynchronously.
func (h *DepositHandler) Credit(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["account_id"]

	var req CreditRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}

	future := h.depositService.CreditAsync(r.Context(), accountID, decimal.RequireFromString(req.Amount), req.Description, req.ReferenceID)
	balance, err := future.Await(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, DepositBalanceResponse{AccountID: accountID, Balance: domain.FormatMoney(balance)})
}

func (h *DepositHandler) Debit(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["account_id"]

	var req DebitRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}

	balance, err := h.depositService.DebitAsync(r.Context(), accountID, decimal.RequireFromString(req.Amount)).Await(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, DepositBalanceResponse{AccountID: accountID, Balance: domain.FormatMoney(balance)})
}

func (h *DepositHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["account_id"]

	account, err := h.depositService.GetAccount(r.Context(), accountID)
	if err != nil {
		writeError(w, err)
		return
	}
	held, err := h.depositService.GetHeldAmount(r.Context(), accountID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, DepositBalanceResponse{
		AccountID:        accountID,
		Balance:          domain.FormatMoney(account.Balance),
		AvailableBalance: domain.FormatMoney(account.AvailableBalance),
		HeldAmount:       domain.FormatMoney(held),
		Currency:         account.Currency,
	})
}

func (h *DepositHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["account_id"]

	limit, err := queryInt(r, "limit", service.DefaultHistoryLimit)
	if err != nil {
		writeError(w, err)
		return
	}

	txs, err := h.depositService.GetTransactionHistory(r.Context(), accountID, limit)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]TransactionResponse, 0, len(txs))
	for _, tx := range txs {
		out = append(out, TransactionResponse{
			ID:          tx.ID.String(),
			Type:        string(tx.Type),
			Amount:      domain.FormatMoney(tx.Amount),
			Description: tx.Description,
			ReferenceID: tx.ReferenceID,
			Status:      string(tx.Status),
			PostedAt:    tx.PostedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *DepositHandler) PlaceHold(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["account_id"]

	var req HoldRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}

	hold, err := h.depositService.PlaceHold(r.Context(), accountID, decimal.RequireFromString(req.Amount),
		domain.HoldReason(req.Reason), time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, HoldResponse{
		HoldID:    hold.ID.String(),
		AccountID: hold.AccountID,
		Amount:    domain.FormatMoney(hold.Amount),
		Reason:    string(hold.Reason),
		Status:    string(hold.Status),
		ExpiresAt: hold.ExpiresAt,
	})
}

func (h *DepositHandler) ReleaseHold(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	holdID, err := uuid.Parse(vars["hold_id"])
	if err != nil {
		writeError(w, errors.NewAppError(errors.InvalidInput, "invalid hold id").WithDetails(err.Error()))
		return
	}

	if err := h.depositService.ReleaseHold(r.Context(), vars["account_id"], holdID); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
