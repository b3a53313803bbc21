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
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atomic-transfers/internal/domain"
	"atomic-transfers/internal/repository/memory"
	"atomic-transfers/internal/service"
)

type testAPI struct {
	router *mux.Router
	ledger *memory.Ledger
	alarms *memory.AlarmRepository
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	accounts := memory.NewAccountStore()
	ledger := memory.NewLedger()
	alarms := memory.NewAlarmRepository()

	cfg := service.DefaultTransferConfig()
	cfg.RetryInitialInterval = time.Millisecond
	cfg.RetryMaxInterval = 5 * time.Millisecond

	accountHandler := NewAccountHandler(service.NewAccountService(accounts, logger), 2)
	transferHandler := NewTransferHandler(service.NewTransferService(accounts, ledger, alarms, cfg, logger))
	alarmHandler := NewAlarmHandler(service.NewAlarmService(alarms, ledger, cfg.Lease, logger))

	router := mux.NewRouter()
	router.HandleFunc("/accounts", accountHandler.CreateAccount).Methods("POST")
	router.HandleFunc("/accounts/{account_id}", accountHandler.GetAccount).Methods("GET")
	router.HandleFunc("/audit/balances", accountHandler.TotalBalance).Methods("GET")
	router.HandleFunc("/transfer", transferHandler.Transfer).Methods("POST")
	router.HandleFunc("/transfers/{request_id}", transferHandler.GetTransfer).Methods("GET")
	router.HandleFunc("/alarms", alarmHandler.ListAlarms).Methods("GET")
	router.HandleFunc("/alarms/{alarm_id}/resolve", alarmHandler.ResolveAlarm).Methods("POST")

	return &testAPI{router: router, ledger: ledger, alarms: alarms}
}

type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *Error          `json:"error"`
}

func (a *testAPI) do(t *testing.T, method, path, body string, headers map[string]string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec, env
}

func (a *testAPI) createAccount(t *testing.T, id string, balance int64) {
	t.Helper()
	body, _ := json.Marshal(map[string]interface{}{"account_id": id, "initial_balance": balance})
	rec, _ := a.do(t, http.MethodPost, "/accounts", string(body), nil)
	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestCreateAndGetAccount(t *testing.T) {
	api := newTestAPI(t)

	rec, env := api.do(t, http.MethodPost, "/accounts", `{"account_id":"A","initial_balance":"12345"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "ok", env.Status)

	rec, env = api.do(t, http.MethodGet, "/accounts/A", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var account AccountResponse
	require.NoError(t, json.Unmarshal(env.Data, &account))
	assert.Equal(t, "A", account.AccountID)
	assert.Equal(t, int64(12345), account.Balance)
	assert.Equal(t, "123.45", account.BalanceDisplay)
	assert.Equal(t, int64(0), account.Version)

	rec, env = api.do(t, http.MethodPost, "/accounts", `{"account_id":"A","initial_balance":1}`, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "duplicate_account", env.Error.Code)

	rec, env = api.do(t, http.MethodGet, "/accounts/nobody", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "account_not_found", env.Status)
}

func TestCreateAccountRejectsFractionalBalance(t *testing.T) {
	api := newTestAPI(t)

	for _, body := range []string{
		`{"account_id":"A","initial_balance":10.5}`,
		`{"account_id":"A","initial_balance":"-1"}`,
		`{"account_id":"A","initial_balance":"99999999999999999999"}`,
		`{"account_id":"A"}`,
	} {
		rec, env := api.do(t, http.MethodPost, "/accounts", body, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		assert.Equal(t, "invalid_amount", env.Error.Code, body)
	}
}

func TestTransferEndpoint(t *testing.T) {
	api := newTestAPI(t)
	api.createAccount(t, "A", 100)
	api.createAccount(t, "B", 50)

	rec, env := api.do(t, http.MethodPost, "/transfer", `{"requestId":"r1","from":"A","to":"B","amount":30}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "committed", env.Status)
	assert.Empty(t, rec.Header().Get(ReplayedHeader))

	var transfer TransferResponse
	require.NoError(t, json.Unmarshal(env.Data, &transfer))
	assert.Equal(t, "r1", transfer.RequestID)
	assert.Equal(t, int64(30), transfer.Amount)

	// Replay
	rec, env = api.do(t, http.MethodPost, "/transfer", `{"requestId":"r1","from":"A","to":"B","amount":30}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "committed", env.Status)
	assert.Equal(t, "true", rec.Header().Get(ReplayedHeader))

	_, env = api.do(t, http.MethodGet, "/accounts/A", "", nil)
	var account AccountResponse
	require.NoError(t, json.Unmarshal(env.Data, &account))
	assert.Equal(t, int64(70), account.Balance)

	rec, env = api.do(t, http.MethodGet, "/transfers/r1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "committed", env.Status)

	rec, env = api.do(t, http.MethodGet, "/audit/balances", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var total TotalBalanceResponse
	require.NoError(t, json.Unmarshal(env.Data, &total))
	assert.Equal(t, int64(150), total.TotalBalance)
	assert.Equal(t, "1.50", total.TotalBalanceDisplay)
}

func TestTransferOutcomes(t *testing.T) {
	api := newTestAPI(t)
	api.createAccount(t, "A", 10)
	api.createAccount(t, "B", 50)

	tests := []struct {
		name       string
		body       string
		headers    map[string]string
		wantCode   int
		wantStatus string
		wantError  string
	}{
		{
			name:       "insufficient funds",
			body:       `{"requestId":"r2","from":"A","to":"B","amount":50}`,
			wantCode:   http.StatusPaymentRequired,
			wantStatus: "insufficient_funds",
			wantError:  "insufficient_funds",
		},
		{
			name:       "unknown account",
			body:       `{"requestId":"r3","from":"A","to":"Z","amount":5}`,
			wantCode:   http.StatusNotFound,
			wantStatus: "account_not_found",
			wantError:  "account_not_found",
		},
		{
			name:       "request id reused with other parameters",
			body:       `{"requestId":"r2","from":"A","to":"B","amount":51}`,
			wantCode:   http.StatusUnprocessableEntity,
			wantStatus: "rejected",
			wantError:  "request_mismatch",
		},
		{
			name:       "same account",
			body:       `{"requestId":"r4","from":"A","to":"A","amount":5}`,
			wantCode:   http.StatusBadRequest,
			wantStatus: "rejected",
			wantError:  "same_account_transfer",
		},
		{
			name:       "fractional amount",
			body:       `{"requestId":"r5","from":"A","to":"B","amount":"1.5"}`,
			wantCode:   http.StatusBadRequest,
			wantStatus: "rejected",
			wantError:  "invalid_amount",
		},
		{
			name:       "malformed body",
			body:       `{"requestId":`,
			wantCode:   http.StatusBadRequest,
			wantStatus: "rejected",
			wantError:  "invalid_input",
		},
		{
			name:       "header and body keys differ",
			body:       `{"requestId":"r6","from":"A","to":"B","amount":1}`,
			headers:    map[string]string{IdempotencyKeyHeader: "r7"},
			wantCode:   http.StatusBadRequest,
			wantStatus: "rejected",
			wantError:  "invalid_input",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, env := api.do(t, http.MethodPost, "/transfer", tt.body, tt.headers)
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantStatus, env.Status)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.wantError, env.Error.Code)
		})
	}
}

func TestTransferReplayedFailureKeepsRecord(t *testing.T) {
	api := newTestAPI(t)
	api.createAccount(t, "A", 10)
	api.createAccount(t, "B", 0)

	body := `{"requestId":"r1","from":"A","to":"B","amount":50}`
	rec, _ := api.do(t, http.MethodPost, "/transfer", body, nil)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	rec, env := api.do(t, http.MethodPost, "/transfer", body, nil)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "true", rec.Header().Get(ReplayedHeader))

	var transfer TransferResponse
	require.NoError(t, json.Unmarshal(env.Data, &transfer))
	assert.Equal(t, "failed", transfer.Status)
	assert.Equal(t, "insufficient_funds", transfer.FailureReason)
	assert.True(t, transfer.Replayed)
}

func TestTransferUsesIdempotencyKeyHeader(t *testing.T) {
	api := newTestAPI(t)
	api.createAccount(t, "A", 100)
	api.createAccount(t, "B", 0)

	headers := map[string]string{IdempotencyKeyHeader: "hdr-1"}
	rec, _ := api.do(t, http.MethodPost, "/transfer", `{"from":"A","to":"B","amount":10}`, headers)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = api.do(t, http.MethodPost, "/transfer", `{"from":"A","to":"B","amount":10}`, headers)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "true", rec.Header().Get(ReplayedHeader))

	// Without any key each submission is a new transfer.
	rec, _ = api.do(t, http.MethodPost, "/transfer", `{"from":"A","to":"B","amount":10}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	_, env := api.do(t, http.MethodGet, "/accounts/B", "", nil)
	var account AccountResponse
	require.NoError(t, json.Unmarshal(env.Data, &account))
	assert.Equal(t, int64(20), account.Balance)
}

func TestAlarmEndpoints(t *testing.T) {
	ctx := context.Background()
	api := newTestAPI(t)
	api.createAccount(t, "A", 100)
	api.createAccount(t, "B", 0)

	// r9 was left pending by an executor that raised the alarm.
	_, _, err := api.ledger.Reserve(ctx, &domain.TransferRequest{
		RequestID:      "r9",
		FromAccount:    "A",
		ToAccount:      "B",
		Amount:         5,
		Status:         domain.TransferPending,
		Attempt:        1,
		LeaseExpiresAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	alarm := &domain.ConsistencyAlarm{RequestID: "r9", FromAccount: "A", ToAccount: "B", Amount: 5, Reason: "compensation failed"}
	require.NoError(t, api.alarms.RaiseAlarm(ctx, alarm))

	rec, env := api.do(t, http.MethodGet, "/alarms", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var alarms []domain.ConsistencyAlarm
	require.NoError(t, json.Unmarshal(env.Data, &alarms))
	require.Len(t, alarms, 1)

	rec, env = api.do(t, http.MethodPost, "/transfer", `{"requestId":"r1","from":"A","to":"B","amount":1}`, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "consistency_alarm", env.Error.Code)

	resolvePath := "/alarms/" + alarm.ID.String() + "/resolve"

	rec, _ = api.do(t, http.MethodPost, resolvePath, `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "outcome is required")

	rec, _ = api.do(t, http.MethodPost, resolvePath, `{"outcome":"pending"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = api.do(t, http.MethodPost, "/alarms/not-a-uuid/resolve", `{"outcome":"failed"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = api.do(t, http.MethodPost, "/alarms/00000000-0000-0000-0000-000000000001/resolve", `{"outcome":"failed"}`, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, env = api.do(t, http.MethodPost, resolvePath, `{"outcome":"failed"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "resolved", env.Status)

	var settled TransferResponse
	require.NoError(t, json.Unmarshal(env.Data, &settled))
	assert.Equal(t, "r9", settled.RequestID)
	assert.Equal(t, "failed", settled.Status)

	// The settled request replays its outcome instead of executing.
	rec, env = api.do(t, http.MethodPost, "/transfer", `{"requestId":"r9","from":"A","to":"B","amount":5}`, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "transfer_reversed", env.Error.Code)
	assert.Equal(t, "true", rec.Header().Get(ReplayedHeader))

	rec, _ = api.do(t, http.MethodPost, resolvePath, `{"outcome":"committed"}`, nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "a settled request keeps its outcome")

	rec, _ = api.do(t, http.MethodPost, "/transfer", `{"requestId":"r1","from":"A","to":"B","amount":1}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, env = api.do(t, http.MethodGet, "/accounts/A", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var account AccountResponse
	require.NoError(t, json.Unmarshal(env.Data, &account))
	assert.Equal(t, int64(99), account.Balance)
}
