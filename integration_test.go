package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"atomic-transfers/internal/config"
	"atomic-transfers/internal/server"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

type IntegrationTestSuite struct {
	suite.Suite
	postgresContainer testcontainers.Container
	serverInstance    *server.Server
	serverPort        string
	baseURL           string
	client            *http.Client
}

func (suite *IntegrationTestSuite) SetupSuite() {
	ctx := context.Background()

	// Start PostgreSQL container with explicit configuration
	containerReq := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "atomic_transfers",
			"POSTGRES_USER":     "postgres",
			"POSTGRES_PASSWORD": "password",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(30 * time.Second),
	}

	postgresContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: containerReq,
		Started:          true,
	})
	if err != nil {
		suite.T().Fatalf("Failed to start postgres container: %s", err)
	}
	suite.postgresContainer = postgresContainer

	// Start the application server; it applies the migrations itself
	if err := suite.startApplicationServer(); err != nil {
		suite.T().Fatalf("Failed to start application server: %s", err)
	}

	suite.client = &http.Client{
		Timeout: 30 * time.Second,
	}
}

func (suite *IntegrationTestSuite) startApplicationServer() error {
	ctx := context.Background()

	host, err := suite.postgresContainer.Host(ctx)
	if err != nil {
		return err
	}
	mappedPort, err := suite.postgresContainer.MappedPort(ctx, "5432")
	if err != nil {
		return err
	}

	cfg := &config.Config{
		DBHost:                       host,
		DBPort:                       mappedPort.Port(),
		DBUser:                       "postgres",
		DBPassword:                   "password",
		DBName:                       "atomic_transfers",
		DBSSLMode:                    "disable",
		DBDriver:                     "pgx",
		AutoMigrate:                  true,
		ServerPort:                   "0", // Let OS choose a free port
		AccountStore:                 config.BackendPostgres,
		LedgerBackend:                config.BackendPostgres,
		TransferMaxAttempts:          16,
		TransferCompensationAttempts: 32,
		TransferRetryInitialInterval: 5 * time.Millisecond,
		TransferRetryMaxInterval:     100 * time.Millisecond,
		TransferLease:                30 * time.Second,
		TransferPendingWait:          10 * time.Second,
		CurrencyExponent:             2,
	}

	serverInstance, port, err := server.StartServer(cfg)
	if err != nil {
		return err
	}

	suite.serverInstance = serverInstance
	suite.serverPort = port
	suite.baseURL = "http://localhost:" + port

	return suite.waitForServerReady()
}

func (suite *IntegrationTestSuite) waitForServerReady() error {
	timeout := 30 * time.Second
	start := time.Now()

	for time.Since(start) < timeout {
		resp, err := http.Get(suite.baseURL + "/health")
		if err == nil && resp.StatusCode == http.StatusOK {
			resp.Body.Close()
			return nil
		}
		if resp != nil {
			resp.Body.Close()
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("server not ready after %v", timeout)
}

func (suite *IntegrationTestSuite) TearDownSuite() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if suite.serverInstance != nil {
		suite.serverInstance.Stop(ctx)
	}

	if suite.postgresContainer != nil {
		suite.postgresContainer.Terminate(ctx)
	}
}

type apiResponse struct {
	StatusCode int
	Header     http.Header
	Body       map[string]interface{}
	Raw        string
}

func (r *apiResponse) data() map[string]interface{} {
	data, _ := r.Body["data"].(map[string]interface{})
	return data
}

func (r *apiResponse) errorCode() string {
	errInfo, _ := r.Body["error"].(map[string]interface{})
	code, _ := errInfo["code"].(string)
	return code
}

func (suite *IntegrationTestSuite) call(method, path string, payload interface{}) *apiResponse {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		suite.Require().NoError(err)
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, suite.baseURL+path, body)
	suite.Require().NoError(err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := suite.client.Do(req)
	suite.Require().NoError(err)
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	result := &apiResponse{StatusCode: resp.StatusCode, Header: resp.Header, Raw: string(raw)}
	if err := json.Unmarshal(raw, &result.Body); err != nil {
		suite.T().Logf("Failed to parse response: %s", raw)
	}
	return result
}

func (suite *IntegrationTestSuite) createAccount(accountID string, initialBalance int64) *apiResponse {
	return suite.call(http.MethodPost, "/accounts", map[string]interface{}{
		"account_id":      accountID,
		"initial_balance": initialBalance,
	})
}

func (suite *IntegrationTestSuite) transfer(requestID, from, to string, amount interface{}) *apiResponse {
	return suite.call(http.MethodPost, "/transfer", map[string]interface{}{
		"requestId": requestID,
		"from":      from,
		"to":        to,
		"amount":    amount,
	})
}

// assertBalance checks both the minor-unit balance and its display string.
func (suite *IntegrationTestSuite) assertBalance(accountID string, expected int64) {
	resp := suite.call(http.MethodGet, "/accounts/"+accountID, nil)
	suite.Require().Equal(http.StatusOK, resp.StatusCode, resp.Raw)

	data := resp.data()
	assert.Equal(suite.T(), float64(expected), data["balance"], "balance of %s", accountID)

	display, err := decimal.NewFromString(data["balance_display"].(string))
	suite.Require().NoError(err)
	assert.True(suite.T(), decimal.New(expected, -2).Equal(display),
		"display balance of %s: expected %s, got %s", accountID, decimal.New(expected, -2), display)
}

// ------------------------------------------------------------------
// Steps below are helpers (non-test methods). They will be executed
// in the order invoked by TestFlow.
// ------------------------------------------------------------------

func (suite *IntegrationTestSuite) stepHealthCheck() {
	resp := suite.call(http.MethodGet, "/health", nil)
	assert.Equal(suite.T(), http.StatusOK, resp.StatusCode)
	assert.Equal(suite.T(), "healthy", resp.Body["status"])
}

func (suite *IntegrationTestSuite) stepCreateAccounts() {
	resp := suite.createAccount("A", 100)
	assert.Equal(suite.T(), http.StatusCreated, resp.StatusCode, resp.Raw)

	resp = suite.createAccount("B", 50)
	assert.Equal(suite.T(), http.StatusCreated, resp.StatusCode, resp.Raw)

	resp = suite.createAccount("C", 100)
	assert.Equal(suite.T(), http.StatusCreated, resp.StatusCode, resp.Raw)

	suite.assertBalance("A", 100)
}

func (suite *IntegrationTestSuite) stepSuccessfulTransfer() {
	resp := suite.transfer("r1", "A", "B", 30)
	assert.Equal(suite.T(), http.StatusOK, resp.StatusCode, resp.Raw)
	assert.Equal(suite.T(), "committed", resp.Body["status"])

	suite.assertBalance("A", 70)
	suite.assertBalance("B", 80)
}

func (suite *IntegrationTestSuite) stepReplayedTransfer() {
	resp := suite.transfer("r1", "A", "B", 30)
	assert.Equal(suite.T(), http.StatusOK, resp.StatusCode, resp.Raw)
	assert.Equal(suite.T(), "committed", resp.Body["status"])
	assert.Equal(suite.T(), "true", resp.Header.Get("Idempotent-Replayed"))

	suite.assertBalance("A", 70)
	suite.assertBalance("B", 80)

	record := suite.call(http.MethodGet, "/transfers/r1", nil)
	assert.Equal(suite.T(), http.StatusOK, record.StatusCode)
	assert.Equal(suite.T(), "committed", record.data()["status"])
}

func (suite *IntegrationTestSuite) stepRequestMismatch() {
	resp := suite.transfer("r1", "A", "B", 31)
	assert.Equal(suite.T(), http.StatusUnprocessableEntity, resp.StatusCode, resp.Raw)
	assert.Equal(suite.T(), "request_mismatch", resp.errorCode())
}

func (suite *IntegrationTestSuite) stepInsufficientFunds() {
	resp := suite.transfer("r2", "B", "A", 1000)
	assert.Equal(suite.T(), http.StatusPaymentRequired, resp.StatusCode, resp.Raw)
	assert.Equal(suite.T(), "insufficient_funds", resp.Body["status"])

	suite.assertBalance("A", 70)
	suite.assertBalance("B", 80)
}

func (suite *IntegrationTestSuite) stepAccountNotFound() {
	resp := suite.transfer("r3", "A", "nobody", 10)
	assert.Equal(suite.T(), http.StatusNotFound, resp.StatusCode, resp.Raw)
	assert.Equal(suite.T(), "account_not_found", resp.errorCode())

	resp = suite.call(http.MethodGet, "/accounts/nobody", nil)
	assert.Equal(suite.T(), http.StatusNotFound, resp.StatusCode)

	suite.assertBalance("A", 70)
}

func (suite *IntegrationTestSuite) stepRejectedTransfers() {
	resp := suite.transfer(uuid.NewString(), "A", "A", 10)
	assert.Equal(suite.T(), http.StatusBadRequest, resp.StatusCode)
	assert.Equal(suite.T(), "same_account_transfer", resp.errorCode())

	resp = suite.transfer(uuid.NewString(), "A", "B", 0)
	assert.Equal(suite.T(), http.StatusBadRequest, resp.StatusCode)
	assert.Equal(suite.T(), "invalid_amount", resp.errorCode())

	resp = suite.transfer(uuid.NewString(), "A", "B", "-100")
	assert.Equal(suite.T(), http.StatusBadRequest, resp.StatusCode)
	assert.Equal(suite.T(), "invalid_amount", resp.errorCode())

	resp = suite.transfer(uuid.NewString(), "A", "B", "0.5")
	assert.Equal(suite.T(), http.StatusBadRequest, resp.StatusCode)
	assert.Equal(suite.T(), "invalid_amount", resp.errorCode())
}

func (suite *IntegrationTestSuite) stepDuplicateAccountCreation() {
	resp := suite.createAccount("A", 500)
	assert.Equal(suite.T(), http.StatusConflict, resp.StatusCode)
	assert.Equal(suite.T(), "duplicate_account", resp.errorCode())
}

func (suite *IntegrationTestSuite) stepConcurrentOverdraft() {
	// C holds 100; only one of two 60 transfers can succeed.
	var wg sync.WaitGroup
	codes := make([]int, 2)
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			codes[i] = suite.transfer(uuid.NewString(), "C", "B", 60).StatusCode
		}(i)
	}
	wg.Wait()

	assert.ElementsMatch(suite.T(), []int{http.StatusOK, http.StatusPaymentRequired}, codes)
	suite.assertBalance("C", 40)
	suite.assertBalance("B", 140)
}

func (suite *IntegrationTestSuite) stepConcurrentDuplicates() {
	requestID := uuid.NewString()
	const callers = 20

	var wg sync.WaitGroup
	responses := make([]*apiResponse, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			responses[i] = suite.transfer(requestID, "B", "A", 10)
		}(i)
	}
	wg.Wait()

	fresh := 0
	for _, resp := range responses {
		assert.Equal(suite.T(), http.StatusOK, resp.StatusCode, resp.Raw)
		if resp.Header.Get("Idempotent-Replayed") != "true" {
			fresh++
		}
	}
	assert.Equal(suite.T(), 1, fresh)
	suite.assertBalance("A", 80)
	suite.assertBalance("B", 130)
}

func (suite *IntegrationTestSuite) stepOppositeTransfers() {
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			resp := suite.transfer(uuid.NewString(), "A", "B", 1)
			assert.Equal(suite.T(), http.StatusOK, resp.StatusCode, resp.Raw)
		}()
		go func() {
			defer wg.Done()
			resp := suite.transfer(uuid.NewString(), "B", "A", 1)
			assert.Equal(suite.T(), http.StatusOK, resp.StatusCode, resp.Raw)
		}()
	}
	wg.Wait()

	suite.assertBalance("A", 80)
	suite.assertBalance("B", 130)
}

func (suite *IntegrationTestSuite) stepConservation() {
	resp := suite.call(http.MethodGet, "/audit/balances", nil)
	assert.Equal(suite.T(), http.StatusOK, resp.StatusCode)
	assert.Equal(suite.T(), float64(250), resp.data()["total_balance"])

	alarms := suite.call(http.MethodGet, "/alarms", nil)
	assert.Equal(suite.T(), http.StatusOK, alarms.StatusCode)
	assert.Empty(suite.T(), alarms.Body["data"])
}

func (suite *IntegrationTestSuite) TestFlow() {
	if testing.Short() {
		suite.T().Skip("Skipping integration test in short mode")
	}

	suite.stepHealthCheck()
	suite.stepCreateAccounts()
	suite.stepSuccessfulTransfer()
	suite.stepReplayedTransfer()
	suite.stepRequestMismatch()
	suite.stepInsufficientFunds()
	suite.stepAccountNotFound()
	suite.stepRejectedTransfers()
	suite.stepDuplicateAccountCreation()
	suite.stepConcurrentOverdraft()
	suite.stepConcurrentDuplicates()
	suite.stepOppositeTransfers()
	suite.stepConservation()
}

func TestIntegrationTestSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	suite.Run(t, new(IntegrationTestSuite))
}
