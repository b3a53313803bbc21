package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"atomic-transfers/internal/domain"
	"atomic-transfers/internal/service"
)

type AccountHandler struct {
	accountService *service.AccountService
	exponent       int32
}

// NewAccountHandler creates the account endpoints. exponent is the number of
// minor-unit digits used for display balances.
func NewAccountHandler(accountService *service.AccountService, exponent int32) *AccountHandler {
	return &AccountHandler{
		accountService: accountService,
		exponent:       exponent,
	}
}

type CreateAccountRequest struct {
	AccountID      string      `json:"account_id"`
	InitialBalance json.Number `json:"initial_balance"`
}

type AccountResponse struct {
	AccountID      string `json:"account_id"`
	Balance        int64  `json:"balance"`
	BalanceDisplay string `json:"balance_display"`
	Version        int64  `json:"version"`
}

type TotalBalanceResponse struct {
	TotalBalance        int64  `json:"total_balance"`
	TotalBalanceDisplay string `json:"total_balance_display"`
}

func (h *AccountHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	initialBalance, err := parseMinorUnits(req.InitialBalance, "initial_balance")
	if err != nil {
		writeError(w, err)
		return
	}

	account, err := h.accountService.CreateAccount(r.Context(), req.AccountID, initialBalance)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, statusOK, h.toResponse(account))
}

func (h *AccountHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	accountID := vars["account_id"]

	account, err := h.accountService.GetAccount(r.Context(), accountID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, statusOK, h.toResponse(account))
}

// TotalBalance serves the conservation audit.
func (h *AccountHandler) TotalBalance(w http.ResponseWriter, r *http.Request) {
	total, err := h.accountService.TotalBalance(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, statusOK, TotalBalanceResponse{
		TotalBalance:        total,
		TotalBalanceDisplay: formatMinorUnits(total, h.exponent),
	})
}

func (h *AccountHandler) toResponse(account *domain.Account) AccountResponse {
	return AccountResponse{
		AccountID:      account.ID,
		Balance:        account.Balance,
		BalanceDisplay: formatMinorUnits(account.Balance, h.exponent),
		Version:        account.Version,
	}
}
