package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/IshaanNene/seocrawl/internal/api"
	"github.com/IshaanNene/seocrawl/internal/jobs"
	"github.com/IshaanNene/seocrawl/internal/observability"
	"github.com/IshaanNene/seocrawl/internal/storage"
)

var (
	workerConcurrency int
	apiAddr           string
)

// workerCmd creates the "worker" subcommand.
func workerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the crawl job worker",
		Long: `Run the job worker: poll the queue, run due schedules and execute crawls,
at most one per tenant. With --api (or api.enabled) the admin API is served
from the same process.`,
		Args: cobra.NoArgs,
		RunE: runWorker,
	}
	cmd.Flags().IntVarP(&workerConcurrency, "concurrency", "n", 0, "concurrent crawls (default from config)")
	cmd.Flags().StringVar(&apiAddr, "api", "", "serve the admin API on this address, e.g. :8080")
	return cmd
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if workerConcurrency > 0 {
		cfg.Scheduler.Concurrency = workerConcurrency
	}
	if apiAddr != "" {
		cfg.API.Enabled = true
		cfg.API.Addr = apiAddr
	}

	logger, closer, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.OpenSQLite(cfg.Storage.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	var sinks []storage.Sink
	if cfg.Storage.MongoURI != "" {
		mongoSink, err := storage.NewMongoSink(ctx, cfg.Storage.MongoURI, cfg.Storage.MongoDatabase, cfg.Storage.MongoCollection, logger)
		if err != nil {
			return err
		}
		defer mongoSink.Close()
		sinks = append(sinks, mongoSink)
	}

	metrics := observability.NewMetrics(logger)
	if cfg.Metrics.Enabled {
		if err := metrics.StartServer(ctx, cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
			logger.Warn("failed to start metrics server", "error", err)
		}
	}

	sched := jobs.New(jobs.Options{
		Store:   store,
		Config:  cfg,
		Sinks:   sinks,
		Metrics: metrics,
		Logger:  logger,
	})
	if err := sched.Start(ctx); err != nil {
		return err
	}

	apiErr := make(chan error, 1)
	if cfg.API.Enabled {
		srv := api.NewServer(cfg.API, sched, metrics, logger)
		go func() {
			if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				apiErr <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down...")
	case err := <-apiErr:
		logger.Error("API server failed", "error", err)
		_ = sched.Shutdown(context.Background())
		return fmt.Errorf("api server: %w", err)
	}

	return sched.Shutdown(context.Background())
}
