package handler

import (
	"net/http"

	"github.com/gorilla/mux"

	"atomic-transfers/internal/domain"
	"atomic-transfers/internal/service"
)

// ResolveAlarmRequest names the outcome the operator established for the
// alarmed transfer: "committed" or "failed".
type ResolveAlarmRequest struct {
	Outcome string `json:"outcome"`
}

type AlarmHandler struct {
	alarmService *service.AlarmService
}

func NewAlarmHandler(alarmService *service.AlarmService) *AlarmHandler {
	return &AlarmHandler{
		alarmService: alarmService,
	}
}

func (h *AlarmHandler) ListAlarms(w http.ResponseWriter, r *http.Request) {
	alarms, err := h.alarmService.ActiveAlarms(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, statusOK, alarms)
}

func (h *AlarmHandler) ResolveAlarm(w http.ResponseWriter, r *http.Request) {
	alarmID := mux.Vars(r)["alarm_id"]

	var req ResolveAlarmRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	record, err := h.alarmService.ResolveAlarm(r.Context(), alarmID, domain.TransferStatus(req.Outcome))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, "resolved", toTransferResponse(record, false))
}
