package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"constituency-export/internal/artifact"
	"constituency-export/internal/config"
	"constituency-export/internal/logger"
	"constituency-export/internal/queue"
	"constituency-export/internal/store"
	"constituency-export/internal/telemetry"
	"constituency-export/internal/voters"
	"constituency-export/internal/worker"
)

func main() {
	cfg := config.Load()
	logger.Init(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("worker stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	pool, err := store.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	st := store.NewPostgres(pool)
	if err := st.RunMigrations(ctx); err != nil {
		return err
	}

	reg, err := voters.LoadRegistryFile(cfg.ColumnRegistryFile)
	if err != nil {
		return err
	}
	sink, err := artifact.New(ctx, cfg)
	if err != nil {
		return err
	}

	rdb := queue.NewClient(cfg)
	defer rdb.Close()
	q := queue.NewRedisQueue(rdb, cfg.LeaseTTL)

	// Voter records live in the same database as the job table.
	src := voters.NewPostgresSource(pool, cfg.VoterTable)
	exporter := worker.NewExporter(st, q, src, sink, reg, worker.OptionsFromConfig(cfg))
	scheduler := worker.NewScheduler(q, exporter, st, worker.SchedulerOptionsFromConfig(cfg))

	metrics := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("metrics server stopped", "err", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metrics.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		slog.Info("worker started",
			"concurrency", cfg.ExportConcurrency,
			"lease_ttl", cfg.LeaseTTL,
			"checkpoint_rows", cfg.CheckpointRows,
			"artifact_backend", cfg.ArtifactBackend,
		)
		return scheduler.Run(gctx)
	})
	return g.Wait()
}
