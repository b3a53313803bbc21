package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"atomic-transfers/internal/domain"
	"atomic-transfers/internal/errors"
	"atomic-transfers/internal/service"
)

const (
	IdempotencyKeyHeader = "Idempotency-Key"
	ReplayedHeader       = "Idempotent-Replayed"
)

type TransferHandler struct {
	transferService *service.TransferService
}

func NewTransferHandler(transferService *service.TransferService) *TransferHandler {
	return &TransferHandler{
		transferService: transferService,
	}
}

type TransferRequest struct {
	RequestID string      `json:"requestId"`
	From      string      `json:"from"`
	To        string      `json:"to"`
	Amount    json.Number `json:"amount"`
}

type TransferResponse struct {
	RequestID     string `json:"request_id"`
	From          string `json:"from"`
	To            string `json:"to"`
	Amount        int64  `json:"amount"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason,omitempty"`
	Replayed      bool   `json:"replayed"`
}

func (h *TransferHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	requestID, err := resolveRequestID(req.RequestID, r.Header.Get(IdempotencyKeyHeader))
	if err != nil {
		writeError(w, err)
		return
	}

	amount, err := parseMinorUnits(req.Amount, "amount")
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := h.transferService.Transfer(r.Context(), &service.TransferInput{
		RequestID:   requestID,
		FromAccount: req.From,
		ToAccount:   req.To,
		Amount:      amount,
	})

	if result != nil && result.Replayed {
		w.Header().Set(ReplayedHeader, "true")
	}
	if err != nil {
		var data interface{}
		if result != nil {
			data = toTransferResponse(result.Request, result.Replayed)
		}
		writeErrorWithData(w, err, data)
		return
	}

	writeJSON(w, http.StatusOK, string(result.Request.Status), toTransferResponse(result.Request, result.Replayed))
}

func (h *TransferHandler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["request_id"]

	record, err := h.transferService.GetTransfer(r.Context(), requestID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, string(record.Status), toTransferResponse(record, false))
}

// resolveRequestID prefers the body field, falls back to the header and
// generates a fresh id when neither is set.
func resolveRequestID(body, header string) (string, error) {
	body = strings.TrimSpace(body)
	header = strings.TrimSpace(header)

	switch {
	case body != "" && header != "" && body != header:
		return "", errors.ErrInvalidInput.WithDetails("requestId and " + IdempotencyKeyHeader + " header differ")
	case body != "":
		return body, nil
	case header != "":
		return header, nil
	default:
		return uuid.NewString(), nil
	}
}

func toTransferResponse(record *domain.TransferRequest, replayed bool) TransferResponse {
	return TransferResponse{
		RequestID:     record.RequestID,
		From:          record.FromAccount,
		To:            record.ToAccount,
		Amount:        record.Amount,
		Status:        string(record.Status),
		FailureReason: string(record.FailureReason),
		Replayed:      replayed,
	}
}
