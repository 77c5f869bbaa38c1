// Package main is the CLI entry point for qmsledger, a tamper-evident audit
// ledger for a quality management system.
//
// Every state-changing QMS action is appended as a hash-chained entry.
// Verification re-derives every digest from stored data and reports
// exactly which entries were altered, removed or inserted.
//
// CLI commands (cobra):
//
//	qmsledger serve           - REST API, live feed, scheduled checks, Kafka ingest
//	qmsledger append          - Append one event
//	qmsledger sign            - Attest an electronic signature on an entry
//	qmsledger entry <id>      - Show an entry with its chain context
//	qmsledger query           - Query entries
//	qmsledger verify quick    - Check the most recent entries
//	qmsledger verify full     - Walk the whole chain (or an index range)
//	qmsledger report          - Generate an inspection report
//	qmsledger export          - Export the chain (jsonl, json, csv)
//	qmsledger rules           - Manage severity rules
//	qmsledger config          - Show or create the configuration
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/asvo/qmsledger/internal/audit"
	"github.com/asvo/qmsledger/internal/config"
	"github.com/asvo/qmsledger/internal/severity"
	"github.com/asvo/qmsledger/internal/store/postgres"
	"github.com/asvo/qmsledger/internal/store/sqlite"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

var (
	configDir string
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "qmsledger",
	Short: "qmsledger: tamper-evident audit ledger for a QMS",
	Long: `qmsledger records every state-changing action of a quality management
system in a hash-chained, append-only ledger and proves to an inspector
that the record has not been altered since it was written.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", config.Dir(),
		"Path to the qmsledger config and state directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(signCmd)
	rootCmd.AddCommand(entryCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(configCmd)
}

func configPath() string   { return filepath.Join(configDir, "config.yaml") }
func severityPath() string { return filepath.Join(configDir, config.SeverityFile) }

// ============================================================================
// Ledger wiring shared by all commands
// ============================================================================

// ledger bundles the components every command works with.
type ledger struct {
	cfg      *config.Config
	store    audit.Store
	severity *severity.Engine
	writer   *audit.Writer
	verifier *audit.Verifier
	reporter *audit.Reporter
}

// openLedger loads the config, opens the configured store and builds the
// writer, verifier and reporter on top of it.
func openLedger(ctx context.Context) (*ledger, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	rules, err := severity.New(severityPath())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to load severity rules: %w", err)
	}

	verifier := audit.NewVerifier(store)
	verifier.PageSize = cfg.Verification.PageSize
	verifier.MaxBreaks = cfg.Verification.MaxBreaks

	reporter := audit.NewReporter(store, verifier)
	reporter.System = cfg.Report.System
	reporter.Standard = cfg.Report.Standard
	reporter.TopN = cfg.Report.TopN

	return &ledger{
		cfg:      cfg,
		store:    store,
		severity: rules,
		writer:   audit.NewWriter(store, rules),
		verifier: verifier,
		reporter: reporter,
	}, nil
}

func (l *ledger) Close() error { return l.store.Close() }

// openStore opens the ledger store selected by the storage driver.
func openStore(ctx context.Context, sc config.StorageConfig) (audit.Store, error) {
	switch sc.Driver {
	case config.DriverMemory:
		slog.Warn("using the in-memory ledger; entries are lost on exit")
		return audit.NewMemoryStore(), nil
	case config.DriverSQLite:
		s, err := sqlite.Open(sc.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite ledger: %w", err)
		}
		return s, nil
	case config.DriverPostgres:
		s, err := postgres.Open(ctx, sc.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres ledger: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", sc.Driver)
	}
}

// errChainBroken makes verify commands exit non-zero on tampering.
var errChainBroken = errors.New("audit chain integrity violation detected")
