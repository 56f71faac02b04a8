package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	iofs "io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caasmo/restinpieces"
	"github.com/caasmo/restinpieces/config"
	dbz "github.com/caasmo/restinpieces/db/zombiezen"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"zombiezen.com/go/sqlite/sqlitex"

	cdncert "github.com/caasmo/restinpieces-cdncert"
	"github.com/caasmo/restinpieces-cdncert/acmeclient"
	"github.com/caasmo/restinpieces-cdncert/azure"
	"github.com/caasmo/restinpieces-cdncert/dnscheck"
	history "github.com/caasmo/restinpieces-cdncert/zombiezen"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run executes the command and returns the process exit code: 0 on success,
// 1 on setup errors and 2 when a -once pass had failing domains. Deferred
// cleanup completes before it returns.
func run(args []string) int {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	// --- Flags ---
	fs := flag.NewFlagSet("cdncert", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to the TOML configuration file")
	dbPath := fs.String("db", "", "Path to the SQLite database (certificate history and secure config store)")
	ageKeyPath := fs.String("age-key", "", "Path to the age identity file; loads the config from the secure store (requires -db)")
	envFile := fs.String("env-file", ".env", "Optional dotenv file loaded before reading the environment")
	once := fs.Bool("once", false, "Run a single renewal pass and exit")
	metricsAddr := fs.String("metrics-addr", "", "Address to serve Prometheus metrics on (e.g. :9090); defaults to METRICS_ADDR")

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: cdncert (-config <file.toml> | -db <db-file> -age-key <identity-file>) [options]\n\n")
		fmt.Fprintf(fs.Output(), "Renews Let's Encrypt certificates for Azure CDN custom domains using DNS-01.\n\n")
		fmt.Fprintf(fs.Output(), "Flags:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	if *configPath == "" && (*dbPath == "" || *ageKeyPath == "") {
		fs.Usage()
		return 1
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, iofs.ErrNotExist) {
		logger.Error("failed to load env file", "path", *envFile, "error", err)
		return 1
	}
	if *metricsAddr == "" {
		*metricsAddr = os.Getenv("METRICS_ADDR")
	}

	// --- Database Pool (history + secure config) ---
	var pool *sqlitex.Pool
	if *dbPath != "" {
		var err error
		logger.Info("Creating sqlite database pool", "path", *dbPath)
		pool, err = restinpieces.NewZombiezenPool(*dbPath)
		if err != nil {
			logger.Error("failed to create database pool", "db_path", *dbPath, "error", err)
			return 1
		}
		defer func() {
			logger.Info("Closing database pool")
			if err := pool.Close(); err != nil {
				logger.Error("error closing database pool", "error", err)
			}
		}()
	}

	// --- Configuration Loading ---
	cfg, err := loadConfig(*configPath, pool, *ageKeyPath, logger)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		return 1
	}
	logger.Info("Configuration loaded",
		"email", cfg.Email,
		"ca_directory_url", cfg.CADirectoryURL,
		"domains", len(cfg.Certificates),
		"workers", cfg.Workers,
		"key_type", cfg.CertificateKeyType,
		"client_secret_set", cfg.ClientSecret != "",
	)

	// --- Remote Clients (one per service, shared by all domains) ---
	cred, clientOpt, err := azure.NewCredential(azure.CredentialOptions{
		Environment:  cfg.AzureEnvironment,
		TenantID:     cfg.TenantID,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
	}, logger)
	if err != nil {
		logger.Error("failed to create Azure credential", "error", err)
		return 1
	}
	dnsZone, err := azure.NewDNSZone(cfg.SubscriptionID, cred, clientOpt)
	if err != nil {
		logger.Error("failed to create DNS client", "error", err)
		return 1
	}
	cdn, err := azure.NewCDN(cfg.SubscriptionID, cred, clientOpt, logger)
	if err != nil {
		logger.Error("failed to create CDN client", "error", err)
		return 1
	}

	deps := cdncert.Dependencies{
		Directory: acmeclient.NewDirectory(cfg.CADirectoryURL, logger),
		Vaults:    azure.NewVaults(cred, clientOpt, cfg.AzureEnvironment),
		DNS:       dnsZone,
		CDN:       cdn,
	}
	if cfg.DNSVerifyNameserver != "" {
		deps.Propagation = dnscheck.New(cfg.DNSVerifyNameserver, 10*time.Second)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if pool != nil {
		writer := history.NewWriter(pool)
		if err := writer.EnsureSchema(ctx); err != nil {
			logger.Error("failed to prepare certificate history table", "error", err)
			return 1
		}
		deps.History = writer

		for _, task := range cfg.Certificates {
			last, err := writer.Latest(ctx, task.DomainName)
			if err != nil {
				logger.Warn("failed to read certificate history", "domain", task.DomainName, "error", err)
				continue
			}
			if last != nil {
				logger.Info("Last issued certificate", "domain", task.DomainName, "version", last.VaultVersion, "expires", last.ExpiresAt)
			}
		}
	}

	// --- Metrics ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	deps.Metrics = cdncert.NewMetrics(reg)
	if *metricsAddr != "" {
		srv := &http.Server{
			Addr:              *metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("Serving metrics", "addr", *metricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	// --- Scheduler ---
	renewer := cdncert.NewRenewer(cfg, deps, logger)
	scheduler := cdncert.NewScheduler(cfg, renewer, logger)

	if *once {
		return passExitCode(scheduler.RunOnce(ctx, cfg.Certificates))
	}

	logger.Info("Starting scheduler", "interval", cfg.Timing.ScheduleInterval)
	if err := scheduler.Run(ctx, cfg.Certificates, cfg.Timing.ScheduleInterval); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("scheduler stopped with error", "error", err)
		return 1
	}
	logger.Info("Scheduler shut down gracefully.")
	return 0
}

// passExitCode is 2 when any domain of the pass failed.
func passExitCode(report cdncert.PassReport) int {
	if report.Count(cdncert.OutcomeFailed) > 0 {
		return 2
	}
	return 0
}

// loadConfig reads the TOML config from the secure store when an age key is
// given, otherwise from path.
func loadConfig(path string, pool *sqlitex.Pool, ageKeyPath string, logger *slog.Logger) (*cdncert.Config, error) {
	if pool != nil && ageKeyPath != "" {
		dbImpl, err := dbz.New(pool)
		if err != nil {
			return nil, fmt.Errorf("failed to instantiate zombiezen db from pool: %w", err)
		}
		store, err := config.NewSecureStoreAge(dbImpl, ageKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to instantiate secure store (age): %w", err)
		}
		logger.Info("Loading configuration from secure store", "scope", cdncert.ConfigScope)
		// generation 0 is the latest saved version
		data, format, err := store.Get(cdncert.ConfigScope, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to load config scope %s: %w", cdncert.ConfigScope, err)
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("config scope %s is empty", cdncert.ConfigScope)
		}
		if format != "toml" {
			return nil, fmt.Errorf("config scope %s has format %q, want toml", cdncert.ConfigScope, format)
		}
		return cdncert.LoadConfig(data)
	}

	logger.Info("Loading configuration from file", "path", path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return cdncert.LoadConfig(data)
}
