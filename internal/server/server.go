package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/jackc/pgx/v4/stdlib"
	_ "github.com/lib/pq"
	goredis "github.com/redis/go-redis/v9"

	"atomic-transfers/internal/config"
	"atomic-transfers/internal/domain"
	"atomic-transfers/internal/handler"
	"atomic-transfers/internal/repository"
	"atomic-transfers/internal/repository/memory"
	"atomic-transfers/internal/repository/redis"
	"atomic-transfers/internal/service"
)

// Server represents the HTTP server
type Server struct {
	router *mux.Router
	server *http.Server
	db     *sql.DB
	redis  *goredis.Client
	logger *slog.Logger
	port   string
}

type backends struct {
	accounts domain.AccountStore
	ledger   domain.IdempotencyLedger
	alarms   domain.AlarmRepository
	checks   map[string]func(context.Context) error
}

// NewServer connects the configured backends and builds the router.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	s := &Server{logger: logger}

	b, err := s.openBackends(cfg)
	if err != nil {
		s.close()
		return nil, err
	}

	transferCfg := service.TransferConfig{
		MaxAttempts:          cfg.TransferMaxAttempts,
		CompensationAttempts: cfg.TransferCompensationAttempts,
		RetryInitialInterval: cfg.TransferRetryInitialInterval,
		RetryMaxInterval:     cfg.TransferRetryMaxInterval,
		Lease:                cfg.TransferLease,
		PendingWait:          cfg.TransferPendingWait,
	}

	// Initialize services
	accountService := service.NewAccountService(b.accounts, logger)
	transferService := service.NewTransferService(b.accounts, b.ledger, b.alarms, transferCfg, logger)
	alarmService := service.NewAlarmService(b.alarms, b.ledger, transferCfg.Lease, logger)

	// Initialize handlers
	accountHandler := handler.NewAccountHandler(accountService, cfg.CurrencyExponent)
	transferHandler := handler.NewTransferHandler(transferService)
	alarmHandler := handler.NewAlarmHandler(alarmService)

	router := mux.NewRouter()
	router.Use(loggingMiddleware(logger))

	router.HandleFunc("/accounts", accountHandler.CreateAccount).Methods("POST")
	router.HandleFunc("/accounts/{account_id}", accountHandler.GetAccount).Methods("GET")
	router.HandleFunc("/audit/balances", accountHandler.TotalBalance).Methods("GET")

	router.HandleFunc("/transfer", transferHandler.Transfer).Methods("POST")
	router.HandleFunc("/transfers/{request_id}", transferHandler.GetTransfer).Methods("GET")

	router.HandleFunc("/alarms", alarmHandler.ListAlarms).Methods("GET")
	router.HandleFunc("/alarms/{alarm_id}/resolve", alarmHandler.ResolveAlarm).Methods("POST")

	router.HandleFunc("/health", healthHandler(b.checks)).Methods("GET")

	s.router = router
	return s, nil
}

func (s *Server) openBackends(cfg *config.Config) (*backends, error) {
	b := &backends{checks: make(map[string]func(context.Context) error)}

	var store *repository.Store
	if cfg.UsesPostgres() {
		if cfg.AutoMigrate {
			if err := repository.Migrate(cfg.GetDBURL(), s.logger); err != nil {
				return nil, err
			}
		}

		db, err := sql.Open(cfg.DBDriver, cfg.GetDBConnectionString())
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		s.db = db

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.logger.Info("Successfully connected to database", "driver", cfg.DBDriver)

		store = repository.NewStore(db, s.logger)
		b.checks["database"] = store.Ping
	}

	switch cfg.AccountStore {
	case config.BackendPostgres:
		b.accounts = store.Accounts()
	default:
		b.accounts = memory.NewAccountStore()
	}

	switch cfg.LedgerBackend {
	case config.BackendPostgres:
		b.ledger = store.TransferRequests()
	case config.BackendRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		s.redis = client

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.logger.Info("Successfully connected to redis", "addr", cfg.RedisAddr)

		b.ledger = redis.NewLedger(client, s.logger)
		b.checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	default:
		b.ledger = memory.NewLedger()
	}

	if store != nil {
		b.alarms = store.Alarms()
	} else {
		b.alarms = memory.NewAlarmRepository()
	}

	s.logger.Info("Backends configured",
		"account_store", cfg.AccountStore,
		"ledger_backend", cfg.LedgerBackend)
	return b, nil
}

func healthHandler(checks map[string]func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")
		for name, check := range checks {
			if err := check(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy", "error": name + " unavailable"})
				return
			}
		}

		json.NewEncoder(w).Encode(map[string]string{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// loggingMiddleware adds request logging
func loggingMiddleware(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Create response wrapper to capture status code
			ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.statusCode,
				"duration", time.Since(start),
				"user_agent", r.UserAgent(),
			)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server on the specified port
func (s *Server) Start(port string) (string, error) {
	// Create listener first to get actual port
	listener, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return "", err
	}

	addr := listener.Addr().(*net.TCPAddr)
	s.port = strconv.Itoa(addr.Port)

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting server", "port", s.port)

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Server failed to start", "error", err)
		}
	}()

	return s.port, nil
}

// Stop drains in-flight requests, then closes the backends.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down server")

	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}
	s.close()
	return err
}

func (s *Server) close() {
	if s.db != nil {
		s.db.Close()
	}
	if s.redis != nil {
		s.redis.Close()
	}
}

// GetPort returns the port the server is listening on
func (s *Server) GetPort() string {
	return s.port
}

// GetBaseURL returns the base URL for the server
func (s *Server) GetBaseURL() string {
	return "http://localhost:" + s.port
}

// GetRouter returns the router for testing purposes
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

// StartServer starts the server with the given configuration
func StartServer(cfg *config.Config) (*Server, string, error) {
	var logger *slog.Logger
	if cfg.ServerPort == "0" {
		// Test environment - use discard logger
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	} else {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	}

	server, err := NewServer(cfg, logger)
	if err != nil {
		return nil, "", err
	}

	port, err := server.Start(cfg.ServerPort)
	if err != nil {
		server.close()
		return nil, "", err
	}

	return server, port, nil
}
