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

	api "constituency-export/internal/api"
	"constituency-export/internal/artifact"
	"constituency-export/internal/config"
	"constituency-export/internal/logger"
	"constituency-export/internal/queue"
	"constituency-export/internal/ratelimit"
	"constituency-export/internal/store"
	"constituency-export/internal/voters"
)

func main() {
	cfg := config.Load()
	logger.Init(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("api stopped", "err", err)
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
	limiter := ratelimit.NewLimiter(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, cfg.RateLimitTTL)

	server := api.New(cfg, st, q, limiter, sink, reg)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("api listening", "addr", httpServer.Addr, "artifact_backend", cfg.ArtifactBackend, "columns_version", reg.Version())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
