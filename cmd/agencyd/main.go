// Command agencyd is the standalone agency process: it loads
// configuration, wires the document store, messaging broker, journal
// keeper, and metrics registry, then runs an Agency until told to stop.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/featgo/agency/internal/agency"
	"github.com/featgo/agency/internal/agencyagent"
	"github.com/featgo/agency/internal/clock"
	"github.com/featgo/agency/internal/config"
	"github.com/featgo/agency/internal/docstore"
	"github.com/featgo/agency/internal/messaging"
	"github.com/featgo/agency/internal/metrics"
	"github.com/featgo/agency/pkg/agent"
)

var (
	version = "dev"
	commit  = "none"
)

type cliConfig struct {
	configFile string
	dbDriver   string
	dbDSN      string
	logLevel   string
	metricsAddr string
	hostname   string
	allowRestart bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &cliConfig{}

	root := &cobra.Command{
		Use:   "agencyd",
		Short: "agencyd — standalone agency process",
		Long: `agencyd hosts an Agency: a cooperatively-scheduled container for
AgencyAgents, backed by a document database, a messaging broker, and a
journal for crash-recoverable state.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.configFile, "config", envOrDefault("FEAT_AGENCY_CONFIG", ""), "path to the agency's YAML configuration file")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("FEAT_DB_DRIVER", "sqlite"), "document store driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("FEAT_DB_DSN", "./agency.db"), "document store DSN or file path for sqlite")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("FEAT_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.metricsAddr, "metrics-addr", envOrDefault("FEAT_METRICS_ADDR", ":9090"), "Prometheus /metrics listen address")
	root.PersistentFlags().StringVar(&cfg.hostname, "hostname", envOrDefault("FEAT_AGENCY_HOSTNAME", ""), "host-agent descriptor id; empty disables hosting a host agent")
	root.PersistentFlags().BoolVar(&cfg.allowRestart, "allow-restart", envOrDefault("FEAT_AGENCY_FORCE_HOST_RESTART", "false") == "true", "resume the host agent from an existing descriptor instead of rejecting")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agencyd %s (commit: %s)\n", version, commit)
		},
	}
}

func run(ctx context.Context, cli *cliConfig) error {
	logger, err := buildLogger(cli.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	fileCfg, err := config.Load(cli.configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg := config.LoadEnv(fileCfg, os.Environ())

	logger.Info("starting agencyd",
		zap.String("version", version),
		zap.String("db_driver", cli.dbDriver),
		zap.String("log_level", cli.logLevel),
		zap.String("data_dir", cfg.DataDir),
	)

	// --- 1. Document store ---
	// The YAML/env configuration's database group, when populated, builds a
	// postgres DSN directly; otherwise the sqlite file path is the --db-dsn
	// flag's value resolved under the configured data directory.
	dsn := cli.dbDSN
	switch {
	case cli.dbDriver == "postgres" && cfg.Database.Host != "":
		dsn = fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
			cfg.Database.Host, cfg.Database.Port, cfg.Database.User, cfg.Database.Password, cfg.Database.Name)
	case cli.dbDriver != "postgres" && !filepath.IsAbs(dsn):
		dsn = filepath.Join(cfg.DataDir, dsn)
	}

	db, err := docstore.Open(docstore.Config{
		Driver:   cli.dbDriver,
		DSN:      dsn,
		Logger:   logger,
		LogLevel: gormLogLevel(cli.logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to open document store: %w", err)
	}

	// --- 2. Messaging broker ---
	broker := messaging.NewBroker()

	// --- 3. Metrics ---
	registry := prometheus.NewRegistry()
	collectors := metrics.New(registry)

	metricsSrv := &http.Server{
		Addr:    cli.metricsAddr,
		Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}
	go func() {
		logger.Info("metrics listening", zap.String("addr", cli.metricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown error", zap.Error(err))
		}
	}()

	// --- 4. Agent registry ---
	// This process ships one built-in agent type — the minimal host agent
	// used to mediate spawnAgent calls when no application-specific agent
	// types are compiled in. A deployment that embeds this module as a
	// library registers its own types on this same registry before
	// constructing its Agency.
	agents := agent.NewRegistry()
	if err := agents.Register("host", newHostAgent(logger)); err != nil {
		return fmt.Errorf("failed to register built-in host agent type: %w", err)
	}

	// --- 5. Agency ---
	ag := agency.New(agency.Config{
		HostAgent: agency.HostAgentConfig{
			Enabled:      cli.hostname != "",
			Hostname:     cli.hostname,
			DocumentType: "host",
			AllowRestart: cli.allowRestart,
		},
	}, agency.Deps{
		Clock:     clock.NewReal(),
		Logger:    logger,
		Connector: broker,
		Database:  docstore.NewDatabase(db),
		Keeper:    docstore.NewPersistentKeeper(db),
		Agents:    agents,
		Metrics:   collectors,
	})

	if err := ag.Start(ctx); err != nil {
		return fmt.Errorf("failed to start agency: %w", err)
	}

	mode := waitForShutdownSignal(ctx, logger)
	logger.Info("shutting down agencyd", zap.String("termination_mode", termString(mode)))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := ag.Shutdown(shutdownCtx, mode); err != nil {
		logger.Warn("agency shutdown reported errors", zap.Error(err))
	}

	logger.Info("agencyd stopped")
	return nil
}

// waitForShutdownSignal blocks until ctx is canceled or a shutdown signal
// arrives, returning the termination mode that signal maps to:
// SIGTERM triggers a hard shutdown; SIGUSR1 triggers the master agency's
// full, gentle cluster shutdown.
func waitForShutdownSignal(ctx context.Context, logger *zap.Logger) agencyagent.TerminationMode {
	sigTerm := make(chan os.Signal, 1)
	signal.Notify(sigTerm, syscall.SIGTERM)
	sigUsr1 := make(chan os.Signal, 1)
	signal.Notify(sigUsr1, syscall.SIGUSR1)
	defer signal.Stop(sigTerm)
	defer signal.Stop(sigUsr1)

	select {
	case <-ctx.Done():
		return agencyagent.Hard
	case <-sigTerm:
		logger.Info("received SIGTERM, hard shutdown")
		return agencyagent.Hard
	case <-sigUsr1:
		logger.Info("received SIGUSR1, full cluster shutdown")
		return agencyagent.Gentle
	}
}

func termString(mode agencyagent.TerminationMode) string {
	if mode == agencyagent.Hard {
		return "hard"
	}
	return "gentle"
}

func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config
	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
