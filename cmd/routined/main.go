/*
main.go - Application entry point

PURPOSE:
  routined hosts the routine engine: the admin HTTP server with periodic
  maintenance, and one-shot maintenance commands for cron or operators.

COMMANDS:
  serve     Admin HTTP API + maintenance scheduler
  transfer  Move stale history to the archive partition once
  clean     Prune history older than the retention window once
  dedupe    Full deduplication sweep once

STARTUP SEQUENCE:
  1. Load configuration (defaults, --config YAML, environment)
  2. Build the logger
  3. Open the SQLite store (hot + ATTACHed archive)
  4. Build the engine
  5. Run the command

GRACEFUL SHUTDOWN (serve):
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for an in-flight pass)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close the store

EXAMPLES:
  routined serve --config ./routined.yaml
  ROUTINE_HOT_PATH=:memory: ROUTINE_ARCHIVE_PATH= routined serve
  routined clean --keep-since 2025-01-01T00:00:00Z --format json

SEE ALSO:
  - config/config.go: Configuration sources
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/routine-engine/api"
	"github.com/warp/routine-engine/config"
	"github.com/warp/routine-engine/engine"
	"github.com/warp/routine-engine/logger"
	"github.com/warp/routine-engine/store/sqlite"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	ConfigPath string
	Format     string // "json" | "text"
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "routined",
		Short: "Routine history store with deduplication and archival",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Format != "text" && opts.Format != "json" {
				return fmt.Errorf("invalid format %q: must be text or json", opts.Format)
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newTransferCommand(opts))
	cmd.AddCommand(newCleanCommand(opts))
	cmd.AddCommand(newDedupeCommand(opts))

	return cmd
}

// runtime is everything a command needs, built from configuration.
type runtime struct {
	cfg    *config.Config
	log    *slog.Logger
	store  *sqlite.Store
	engine *engine.Engine
}

func setup(opts *rootOptions) (*runtime, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	log := logger.New(cfg.Log)

	store, err := sqlite.New(cfg.Store.HotPath, cfg.Store.ArchivePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	eng, err := engine.New(engine.Options{
		Store:              store,
		Logger:             log,
		FreshnessThreshold: cfg.Engine.FreshnessThreshold,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	return &runtime{cfg: cfg, log: log, store: store, engine: eng}, nil
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the admin HTTP API and the maintenance scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(opts)
			if err != nil {
				return err
			}
			defer rt.store.Close()
			return serve(rt)
		},
	}
}

func serve(rt *runtime) error {
	scheduler := api.NewMaintenanceScheduler(rt.engine, rt.log)
	scheduler.Enabled = rt.cfg.Scheduler.Enabled
	scheduler.Interval = rt.cfg.Scheduler.Interval
	scheduler.Retention = rt.cfg.Engine.Retention

	handler := api.NewHandler(rt.engine, scheduler, rt.cfg.Engine.Retention, rt.log)
	router := api.NewRouter(handler, rt.cfg.Server.AllowedOrigins)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", rt.cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		rt.log.Info("server starting", "addr", server.Addr,
			"hot", rt.cfg.Store.HotPath, "archive", rt.cfg.Store.ArchivePath)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	scheduler.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
	case err := <-serverErr:
		scheduler.Stop()
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	}

	rt.log.Info("shutting down")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	rt.log.Info("server stopped")
	return nil
}
