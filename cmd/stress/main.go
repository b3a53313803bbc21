// Command stress floods a running server with concurrent transfers to check
// that duplicate submissions apply once and that balances are conserved.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Config holds the stress test configuration
type Config struct {
	BaseURL        string
	IdempotencyKey string
	Duplicates     int
	RandomWorkers  int
	RandomPerWork  int
	Accounts       int
	InitialBalance int64
	Amount         int64
}

// Results tracks the outcomes of all requests
type Results struct {
	Fresh        int32
	Replayed     int32
	Insufficient int32
	Conflict     int32
	Errors       int32
}

type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
}

var client = &http.Client{Timeout: 30 * time.Second}

func main() {
	cfg := Config{}
	flag.StringVar(&cfg.BaseURL, "url", "http://localhost:8080", "Server base URL")
	flag.StringVar(&cfg.IdempotencyKey, "key", "", "Request id shared by duplicate submissions (random if empty)")
	flag.IntVar(&cfg.Duplicates, "duplicates", 50, "Concurrent submissions of the same request id")
	flag.IntVar(&cfg.RandomWorkers, "workers", 16, "Workers sending random transfers")
	flag.IntVar(&cfg.RandomPerWork, "per-worker", 50, "Random transfers per worker")
	flag.IntVar(&cfg.Accounts, "accounts", 5, "Number of accounts to create")
	flag.Int64Var(&cfg.InitialBalance, "balance", 10_000, "Initial balance of each account in minor units")
	flag.Int64Var(&cfg.Amount, "amount", 100, "Amount of the duplicated transfer in minor units")
	flag.Parse()

	if cfg.IdempotencyKey == "" {
		cfg.IdempotencyKey = uuid.NewString()
	}
	if cfg.Accounts < 2 {
		log.Fatal("at least two accounts are required")
	}

	run := uuid.NewString()[:8]
	accounts := make([]string, cfg.Accounts)
	for i := range accounts {
		accounts[i] = fmt.Sprintf("stress-%s-%d", run, i)
		if err := createAccount(cfg.BaseURL, accounts[i], cfg.InitialBalance); err != nil {
			log.Fatalf("Failed to create account %s: %v", accounts[i], err)
		}
	}
	expectedTotal := int64(cfg.Accounts) * cfg.InitialBalance

	fmt.Printf("Endpoint:     %s\n", cfg.BaseURL)
	fmt.Printf("Request id:   %s\n", cfg.IdempotencyKey)
	fmt.Printf("Duplicates:   %d\n", cfg.Duplicates)
	fmt.Printf("Random load:  %d workers x %d transfers over %d accounts\n", cfg.RandomWorkers, cfg.RandomPerWork, cfg.Accounts)

	start := time.Now()
	var (
		duplicates Results
		random     Results
		wg         sync.WaitGroup
	)

	for i := 0; i < cfg.Duplicates; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			send(cfg.BaseURL, cfg.IdempotencyKey, accounts[0], accounts[1], cfg.Amount, &duplicates)
		}()
	}

	for w := 0; w < cfg.RandomWorkers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)))
			for i := 0; i < cfg.RandomPerWork; i++ {
				from := rng.Intn(len(accounts))
				to := (from + 1 + rng.Intn(len(accounts)-1)) % len(accounts)
				amount := rng.Int63n(cfg.InitialBalance/10) + 1
				send(cfg.BaseURL, uuid.NewString(), accounts[from], accounts[to], amount, &random)
			}
		}(w)
	}

	wg.Wait()
	elapsed := time.Since(start)

	var total int64
	for _, id := range accounts {
		balance, err := getBalance(cfg.BaseURL, id)
		if err != nil {
			log.Fatalf("Failed to read balance of %s: %v", id, err)
		}
		if balance < 0 {
			fmt.Printf("FAILED: account %s has negative balance %d\n", id, balance)
			os.Exit(1)
		}
		total += balance
	}

	fmt.Printf("Duration:     %v\n", elapsed)
	printResults("duplicate submissions", duplicates)
	printResults("random transfers", random)

	failed := false
	if duplicates.Fresh != 1 {
		fmt.Printf("FAILED: duplicate request id applied %d times\n", duplicates.Fresh)
		failed = true
	}
	if total != expectedTotal {
		fmt.Printf("FAILED: balances sum to %d, expected %d\n", total, expectedTotal)
		failed = true
	}
	if failed {
		os.Exit(1)
	}
	fmt.Println("PASSED: at-most-once execution and conservation hold")
}

func createAccount(baseURL, id string, balance int64) error {
	body, err := json.Marshal(map[string]interface{}{"account_id": id, "initial_balance": balance})
	if err != nil {
		return err
	}

	resp, err := client.Post(baseURL+"/accounts", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func getBalance(baseURL, id string) (int64, error) {
	resp, err := client.Get(baseURL + "/accounts/" + id)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return 0, err
	}
	var account struct {
		Balance int64 `json:"balance"`
	}
	if err := json.Unmarshal(env.Data, &account); err != nil {
		return 0, err
	}
	return account.Balance, nil
}

// send posts one transfer and classifies the response
func send(baseURL, requestID, from, to string, amount int64, results *Results) {
	payload, err := json.Marshal(map[string]interface{}{
		"requestId": requestID,
		"from":      from,
		"to":        to,
		"amount":    amount,
	})
	if err != nil {
		atomic.AddInt32(&results.Errors, 1)
		return
	}

	resp, err := client.Post(baseURL+"/transfer", "application/json", bytes.NewReader(payload))
	if err != nil {
		log.Printf("[%s] HTTP error: %v", requestID, err)
		atomic.AddInt32(&results.Errors, 1)
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK && resp.Header.Get("Idempotent-Replayed") == "true":
		atomic.AddInt32(&results.Replayed, 1)
	case resp.StatusCode == http.StatusOK:
		atomic.AddInt32(&results.Fresh, 1)
	case resp.StatusCode == http.StatusPaymentRequired:
		atomic.AddInt32(&results.Insufficient, 1)
	case resp.StatusCode == http.StatusConflict:
		atomic.AddInt32(&results.Conflict, 1)
	default:
		log.Printf("[%s] Unexpected status: %d", requestID, resp.StatusCode)
		atomic.AddInt32(&results.Errors, 1)
	}
}

func printResults(name string, r Results) {
	fmt.Printf("\n%s\n", name)
	fmt.Printf("  committed:          %d\n", r.Fresh)
	fmt.Printf("  replayed:           %d\n", r.Replayed)
	fmt.Printf("  insufficient funds: %d\n", r.Insufficient)
	fmt.Printf("  conflicts:          %d\n", r.Conflict)
	fmt.Printf("  errors:             %d\n", r.Errors)
}
