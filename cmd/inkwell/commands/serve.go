package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/inkwell-works/inkwell/artifact"
	"github.com/inkwell-works/inkwell/config"
	"github.com/inkwell-works/inkwell/errors"
	"github.com/inkwell-works/inkwell/extract"
	"github.com/inkwell-works/inkwell/job"
	"github.com/inkwell-works/inkwell/logger"
	"github.com/inkwell-works/inkwell/server"
)

const shutdownGrace = 10 * time.Second

// ServeCmd starts the HTTP server and the job engine
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the inkwell server",
	Long: `Start the inkwell HTTP server and background job engine.

The server will:
- Serve the job trigger/status/retry API and the WebSocket job stream
- Run launched ingestion jobs in background execution contexts
- Reclaim stale jobs lazily on read (no background sweeper)
- Run until interrupted (Ctrl+C) with graceful shutdown`,
	RunE: runServe,
}

func init() {
	ServeCmd.Flags().Int("port", 0, "Override the configured server port")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Server.Port = port
	}

	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	artifacts, err := artifact.NewFSStore(cfg.Ingest.ArtifactRoot)
	if err != nil {
		return errors.Wrap(err, "failed to open artifact store")
	}

	staleThreshold := time.Duration(cfg.Ingest.HeartbeatThresholdSeconds) * time.Second
	locks := job.NewLocks(database, staleThreshold, logger.Logger)

	processor := extract.NewClient(cfg.Ingest.ExtractorURL, artifacts, logger.Logger)
	limiter := rate.NewLimiter(rate.Limit(cfg.Ingest.ExtractorCallsPerSecond), 1)

	// Root context for job execution contexts; cancelled on shutdown so
	// in-flight page loops abort promptly.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := job.NewRunner(ctx, job.SharedLocksFactory(locks), logger.Logger)

	pipeline := &job.Pipeline{
		Locks:     locks,
		Runner:    runner,
		Artifacts: artifacts,
		Processor: processor,
		Limiter:   limiter,
		Retry: job.RetryConfig{
			MaxAttempts: cfg.Ingest.ItemRetryAttempts,
			BaseDelay:   time.Duration(cfg.Ingest.RetryBaseDelayMs) * time.Millisecond,
		},
		ManifestFlushItems:    cfg.Ingest.ManifestFlushItems,
		ManifestFlushInterval: time.Duration(cfg.Ingest.ManifestFlushSeconds) * time.Second,
		Logger:                logger.Logger,
	}

	srv := server.New(cfg, locks, pipeline, logger.Logger)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()

	fmt.Printf("inkwell server started\n")
	fmt.Printf("  Port:              %d\n", cfg.Server.Port)
	fmt.Printf("  Database:          %s\n", cfg.Database.Path)
	fmt.Printf("  Artifact root:     %s\n", cfg.Ingest.ArtifactRoot)
	fmt.Printf("  Extractor:         %s\n", cfg.Ingest.ExtractorURL)
	fmt.Printf("  Stale threshold:   %v\n", locks.StaleThreshold())
	fmt.Printf("\nPress Ctrl+C for graceful shutdown\n\n")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return errors.Wrap(err, "server failed")
	case <-sigChan:
	}

	fmt.Println("\nShutting down...")

	// Stop taking new requests first, then end the job execution contexts.
	// Interrupted jobs stay running in the store and are reclaimed by the
	// stale detector on next read.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Logger.Warnw("Server shutdown error", "error", err)
	}
	runner.Stop(shutdownGrace)
	cancel()

	logger.Sync()
	fmt.Println("inkwell server stopped")
	return nil
}
