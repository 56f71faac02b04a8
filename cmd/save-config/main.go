package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/caasmo/restinpieces"
	"github.com/caasmo/restinpieces/config"
	dbz "github.com/caasmo/restinpieces/db/zombiezen"
	"github.com/caasmo/restinpieces/migrations"
	"zombiezen.com/go/sqlite/sqlitex"

	cdncert "github.com/caasmo/restinpieces-cdncert"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run validates the input file and saves it to the secure store. It returns
// the process exit code after the database pool is closed.
func run(args []string) int {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	fs := flag.NewFlagSet("save-config", flag.ContinueOnError)
	dbPathFlag := fs.String("dbpath", "", "Path to the SQLite database file (required)")
	ageIdentityPathFlag := fs.String("age-key", "", "Path to the age identity file (private key 'AGE-SECRET-KEY-1...') (required)")
	inputFlag := fs.String("input", "", "Path to the TOML configuration file to store (required)")
	descriptionFlag := fs.String("description", "", "Description recorded with the stored version")

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: save-config -dbpath <db-file> -age-key <identity-file> -input <file.toml>\n")
		fmt.Fprintf(fs.Output(), "Validates a renewal configuration and saves it encrypted in the secure store.\n")
		fmt.Fprintf(fs.Output(), "Options:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	if *dbPathFlag == "" || *ageIdentityPathFlag == "" || *inputFlag == "" {
		fs.Usage()
		return 1
	}

	// --- Validate Input ---
	data, err := os.ReadFile(*inputFlag)
	if err != nil {
		logger.Error("failed to read config file", "path", *inputFlag, "error", err)
		return 1
	}
	cfg, err := cdncert.LoadConfig(data)
	if err != nil {
		logger.Error("configuration is invalid", "path", *inputFlag, "error", err)
		return 1
	}
	logger.Info("Configuration validated", "domains", len(cfg.Certificates))

	// --- Database Setup ---
	logger.Info("Creating sqlite database pool", "path", *dbPathFlag)
	pool, err := restinpieces.NewZombiezenPool(*dbPathFlag)
	if err != nil {
		logger.Error("failed to create database pool", "db_path", *dbPathFlag, "error", err)
		return 1
	}
	defer func() {
		logger.Info("Closing database pool")
		if err := pool.Close(); err != nil {
			logger.Error("error closing database pool", "error", err)
		}
	}()

	if err := ensureConfigTable(context.Background(), pool); err != nil {
		logger.Error("failed to prepare app_config table", "error", err)
		return 1
	}

	dbImpl, err := dbz.New(pool)
	if err != nil {
		logger.Error("failed to instantiate zombiezen db from pool", "error", err)
		return 1
	}

	// --- Instantiate SecureStore ---
	store, err := config.NewSecureStoreAge(dbImpl, *ageIdentityPathFlag)
	if err != nil {
		logger.Error("failed to instantiate secure store (age)", "age_key_path", *ageIdentityPathFlag, "error", err)
		return 1
	}

	description := *descriptionFlag
	if description == "" {
		description = fmt.Sprintf("Renewal configuration from %s (%d domains)", *inputFlag, len(cfg.Certificates))
	}

	// The file is stored as given; environment overrides stay out of the store.
	logger.Info("Saving configuration", "scope", cdncert.ConfigScope)
	if err := store.Save(cdncert.ConfigScope, data, "toml", description); err != nil {
		logger.Error("failed to save configuration via SecureStore", "scope", cdncert.ConfigScope, "error", err)
		return 1
	}

	logger.Info("Successfully saved renewal configuration.")
	return 0
}

// ensureConfigTable creates the restinpieces app_config table when the
// database was not initialised by a restinpieces application.
func ensureConfigTable(ctx context.Context, pool *sqlitex.Pool) error {
	conn, err := pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("failed to get db connection: %w", err)
	}
	defer pool.Put(conn)

	return sqlitex.ExecuteScriptFS(conn, migrations.Schema(), "app_config.sql", nil)
}
