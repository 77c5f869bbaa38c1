package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/asvo/qmsledger/internal/config"
	"github.com/asvo/qmsledger/internal/dashboard"
	"github.com/asvo/qmsledger/internal/ingest"
	"github.com/asvo/qmsledger/internal/monitor"
)

// ============================================================================
// qmsledger serve — REST API, live feed, scheduled checks, Kafka ingest
// ============================================================================

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the ledger API",
	Long: `Start the HTTP API in the foreground.

Business services append events over POST /api/audit/events (or publish
them to Kafka when ingest is enabled). Scheduled quick and full
verifications run in the background and are pushed, together with every
new entry, to websocket clients on /dashboard/ws.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Override the listen port")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Config, store, severity rules and the ledger services.
	l, err := openLedger(ctx)
	if err != nil {
		return err
	}
	defer l.Close()

	cfg := l.cfg
	if servePort > 0 {
		cfg.Server.Port = servePort
	}

	// 2. Dashboard: REST handlers plus the websocket hub. Every append,
	//    whether from HTTP or Kafka, is pushed to the feed.
	dash := dashboard.New(dashboard.Options{
		Store:         l.store,
		Writer:        l.writer,
		Verifier:      l.verifier,
		Reporter:      l.reporter,
		Severity:      l.severity,
		SeverityPath:  severityPath(),
		QuickCount:    cfg.Verification.QuickCount,
		MaxQuickCount: cfg.Verification.MaxQuickCount,
	})
	defer dash.Close()
	l.writer.OnAppend = dash.BroadcastEntry

	// 3. Scheduled verification.
	if cfg.Monitor.Enabled {
		mon := monitor.New(l.verifier, monitor.Options{
			QuickSchedule: cfg.Monitor.QuickSchedule,
			FullSchedule:  cfg.Monitor.FullSchedule,
			QuickCount:    cfg.Verification.QuickCount,
			Notifier:      dash,
		})
		if err := mon.Start(); err != nil {
			return fmt.Errorf("failed to start verification monitor: %w", err)
		}
		defer mon.Stop()
	}

	// 4. Kafka ingest.
	var ingestWG sync.WaitGroup
	ingestCtx, stopIngest := context.WithCancel(ctx)
	defer func() {
		stopIngest()
		ingestWG.Wait()
	}()
	if cfg.Ingest.Enabled {
		opts := ingest.Options{
			Brokers:  cfg.Ingest.Brokers,
			Topic:    cfg.Ingest.Topic,
			GroupID:  cfg.Ingest.GroupID,
			Attempts: cfg.Ingest.Attempts,
		}
		consumer := ingest.NewConsumer(ingest.NewReader(opts), l.writer, opts)
		ingestWG.Add(1)
		go func() {
			defer ingestWG.Done()
			defer consumer.Close()
			if err := consumer.Run(ingestCtx); err != nil {
				slog.Error("kafka ingest stopped", "error", err)
			}
		}()
		fmt.Printf("[qmsledger] Ingesting from topic %s (%d brokers)\n", cfg.Ingest.Topic, len(cfg.Ingest.Brokers))
	}

	// 5. Hot-reload severity rules.
	watcher, err := config.NewWatcher(configDir, config.WatchTargets{
		OnSeverityChange: func() {
			if err := l.severity.Reload(severityPath()); err != nil {
				slog.Error("failed to reload severity rules", "error", err)
			}
		},
	})
	if err != nil {
		slog.Warn("config watcher unavailable, hot-reload disabled", "error", err)
	} else {
		defer watcher.Close()
	}

	// 6. HTTP server.
	mux := http.NewServeMux()
	mux.Handle("/", dash.Handler())
	if !cfg.Dashboard.Enabled {
		mux.Handle("/dashboard/ws", http.NotFoundHandler())
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	fmt.Printf("[qmsledger] Ledger: %s (%d severity rules)\n", storeLabel(cfg.Storage), l.severity.TotalRules())
	fmt.Printf("[qmsledger] Listening on http://%s\n", srv.Addr)
	if cfg.Dashboard.Enabled {
		fmt.Printf("[qmsledger] Live feed: ws://%s/dashboard/ws\n", srv.Addr)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		fmt.Println("\n[qmsledger] Shutting down...")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	return nil
}

// storeLabel describes the configured store without leaking credentials.
func storeLabel(sc config.StorageConfig) string {
	switch sc.Driver {
	case config.DriverSQLite:
		return "sqlite " + sc.Path
	case config.DriverMemory:
		return "memory (not persisted)"
	default:
		return sc.Driver
	}
}
