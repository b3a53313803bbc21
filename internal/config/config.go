package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Backend names accepted by ACCOUNT_STORE and LEDGER_BACKEND.
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

// Config holds the service configuration loaded from the environment.
type Config struct {
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	// DBDriver selects the database/sql driver: "postgres" (lib/pq) or "pgx".
	DBDriver    string
	AutoMigrate bool

	ServerPort string
	LogLevel   slog.Level

	AccountStore  string
	LedgerBackend string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	TransferMaxAttempts          int
	TransferCompensationAttempts int
	TransferRetryInitialInterval time.Duration
	TransferRetryMaxInterval     time.Duration
	TransferLease                time.Duration
	TransferPendingWait          time.Duration

	CurrencyExponent int32
}

// Load reads the configuration from environment variables, applying defaults
// for anything unset.
func Load() (*Config, error) {
	cfg := &Config{
		DBHost:        getEnv("DB_HOST", "localhost"),
		DBPort:        getEnv("DB_PORT", "5432"),
		DBUser:        getEnv("DB_USER", "postgres"),
		DBPassword:    getEnv("DB_PASSWORD", "password"),
		DBName:        getEnv("DB_NAME", "atomic_transfers"),
		DBSSLMode:     getEnv("DB_SSLMODE", "disable"),
		DBDriver:      getEnv("DB_DRIVER", "postgres"),
		ServerPort:    getEnv("SERVER_PORT", "8080"),
		AccountStore:  getEnv("ACCOUNT_STORE", BackendPostgres),
		LedgerBackend: getEnv("LEDGER_BACKEND", BackendPostgres),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
	}

	var errs []string
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	var err error
	cfg.AutoMigrate, err = getBool("AUTO_MIGRATE", true)
	collect(err)
	cfg.RedisDB, err = getInt("REDIS_DB", 0)
	collect(err)
	cfg.TransferMaxAttempts, err = getInt("TRANSFER_MAX_ATTEMPTS", 8)
	collect(err)
	cfg.TransferCompensationAttempts, err = getInt("TRANSFER_COMPENSATION_ATTEMPTS", 32)
	collect(err)
	cfg.TransferRetryInitialInterval, err = getDuration("TRANSFER_RETRY_INITIAL_INTERVAL", 5*time.Millisecond)
	collect(err)
	cfg.TransferRetryMaxInterval, err = getDuration("TRANSFER_RETRY_MAX_INTERVAL", 250*time.Millisecond)
	collect(err)
	cfg.TransferLease, err = getDuration("TRANSFER_LEASE", 30*time.Second)
	collect(err)
	cfg.TransferPendingWait, err = getDuration("TRANSFER_PENDING_WAIT", 5*time.Second)
	collect(err)

	exponent, err := getInt("CURRENCY_EXPONENT", 2)
	collect(err)
	cfg.CurrencyExponent = int32(exponent)

	if err := cfg.LogLevel.UnmarshalText([]byte(getEnv("LOG_LEVEL", "info"))); err != nil {
		collect(fmt.Errorf("LOG_LEVEL: %w", err))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks value ranges and backend names.
func (c *Config) Validate() error {
	switch c.AccountStore {
	case BackendPostgres, BackendMemory:
	default:
		return fmt.Errorf("ACCOUNT_STORE must be %q or %q, got %q", BackendPostgres, BackendMemory, c.AccountStore)
	}

	switch c.LedgerBackend {
	case BackendPostgres, BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("LEDGER_BACKEND must be %q, %q or %q, got %q", BackendPostgres, BackendRedis, BackendMemory, c.LedgerBackend)
	}

	switch c.DBDriver {
	case "postgres", "pgx":
	default:
		return fmt.Errorf("DB_DRIVER must be \"postgres\" or \"pgx\", got %q", c.DBDriver)
	}

	if c.TransferMaxAttempts < 1 {
		return fmt.Errorf("TRANSFER_MAX_ATTEMPTS must be at least 1")
	}
	if c.TransferCompensationAttempts < c.TransferMaxAttempts {
		return fmt.Errorf("TRANSFER_COMPENSATION_ATTEMPTS must not be lower than TRANSFER_MAX_ATTEMPTS")
	}
	if c.CurrencyExponent < 0 || c.CurrencyExponent > 18 {
		return fmt.Errorf("CURRENCY_EXPONENT must be between 0 and 18")
	}

	return nil
}

// UsesPostgres reports whether any component needs a database connection.
func (c *Config) UsesPostgres() bool {
	return c.AccountStore == BackendPostgres || c.LedgerBackend == BackendPostgres
}

// GetDBConnectionString returns the key/value DSN understood by lib/pq and pgx.
func (c *Config) GetDBConnectionString() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

// GetDBURL returns the URL form used by the migration runner.
func (c *Config) GetDBURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     c.DBHost + ":" + c.DBPort,
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(c.DBSSLMode),
	}
	return u.String()
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
