// Command migrate applies the embedded schema migrations to the database
// described by the DB_* environment variables.
package main

import (
	"log/slog"
	"os"

	"atomic-transfers/internal/config"
	"atomic-transfers/internal/repository"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	logger.Info("Applying migrations", "host", cfg.DBHost, "database", cfg.DBName)
	if err := repository.Migrate(cfg.GetDBURL(), logger); err != nil {
		logger.Error("Migration failed", "error", err)
		os.Exit(1)
	}
}
