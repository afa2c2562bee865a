package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"constituency-export/internal/config"
	"constituency-export/internal/logger"
	"constituency-export/internal/telemetry"
)

// Admitter hands out queued job ids in submission order.
type Admitter interface {
	Admit(ctx context.Context) (string, error)
	ReapExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	Restore(ctx context.Context, jobIDs []string) ([]string, error)
	Depth(ctx context.Context) (int64, error)
}

// Runner executes one admitted job.
type Runner interface {
	Run(ctx context.Context, jobID string) Outcome
}

// Ledger is the job table as the reaper sees it.
type Ledger interface {
	Fail(ctx context.Context, id string, msg string) (bool, error)
	Purge(ctx context.Context, id string) error
	StalePending(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
}

type SchedulerOptions struct {
	Concurrency  int
	PollInterval time.Duration
	ReapInterval time.Duration
	ReapBatch    int64
	// PendingGrace is how old a pending job must be before the reaper
	// requeues it because the queue has no trace of it.
	PendingGrace time.Duration
}

// SchedulerOptionsFromConfig copies the pool settings out of cfg.
func SchedulerOptionsFromConfig(cfg config.Config) SchedulerOptions {
	return SchedulerOptions{
		Concurrency:  cfg.ExportConcurrency,
		PollInterval: cfg.WorkerPollInterval,
		ReapInterval: cfg.ReapInterval,
		PendingGrace: cfg.PendingGrace,
	}
}

// Scheduler admits queued jobs into a fixed pool of workers. A slot is
// acquired before a job is popped, so a saturated pool leaves jobs queued
// and pending, in order.
type Scheduler struct {
	queue  Admitter
	runner Runner
	store  Ledger
	opts   SchedulerOptions
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
}

func NewScheduler(q Admitter, r Runner, st Ledger, opts SchedulerOptions) *Scheduler {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 3
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = 30 * time.Second
	}
	if opts.ReapBatch <= 0 {
		opts.ReapBatch = 100
	}
	if opts.PendingGrace <= 0 {
		opts.PendingGrace = time.Minute
	}
	return &Scheduler{
		queue:  q,
		runner: r,
		store:  st,
		opts:   opts,
		sem:    semaphore.NewWeighted(int64(opts.Concurrency)),
	}
}

// Run dispatches until ctx is cancelled, then waits for running exports.
// Cancelling ctx also cancels those exports; they record an interruption.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.dispatch(gctx) })
	g.Go(func() error { return s.reapLoop(gctx) })
	err := g.Wait()
	s.wg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Scheduler) dispatch(ctx context.Context) error {
	log := logger.WithContext(ctx)
	for {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		jobID, err := s.queue.Admit(ctx)
		if err != nil || jobID == "" {
			s.sem.Release(1)
			if err != nil && ctx.Err() == nil {
				log.Warn("admit export", "err", err)
			}
			if err := sleepCtx(ctx, s.opts.PollInterval); err != nil {
				return err
			}
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			s.runner.Run(ctx, jobID)
		}()
	}
}

func (s *Scheduler) reapLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.ReapInterval)
	defer ticker.Stop()
	for {
		s.reapOnce(ctx, time.Now())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// reapOnce fails jobs whose worker stopped renewing its lease. They are
// never requeued: an export runs at most once. It also requeues pending jobs
// the queue lost.
func (s *Scheduler) reapOnce(ctx context.Context, now time.Time) {
	log := logger.WithContext(ctx)
	s.restoreLost(ctx, now)
	if depth, err := s.queue.Depth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}

	ids, err := s.queue.ReapExpired(ctx, now, s.opts.ReapBatch)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("reap expired leases", "err", err)
		}
		return
	}
	for _, id := range ids {
		jlog := log.With("job_id", id)
		cancelled, err := s.store.Fail(ctx, id, msgInterrupted)
		if err != nil {
			jlog.Error("fail reaped export", "err", err)
			continue
		}
		if cancelled {
			if err := s.store.Purge(ctx, id); err != nil {
				jlog.Error("purge reaped export", "err", err)
			}
		}
		telemetry.ExportsReaped.Inc()
		jlog.Warn("export lease expired; marked failed")
	}
}

// restoreLost puts back pending jobs that are neither queued nor leased, for
// example after a crash between insert and enqueue or a Redis restart. Claim
// only succeeds once, so a duplicate admission is skipped.
func (s *Scheduler) restoreLost(ctx context.Context, now time.Time) {
	log := logger.WithContext(ctx)
	ids, err := s.store.StalePending(ctx, now.Add(-s.opts.PendingGrace), int(s.opts.ReapBatch))
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("list stale pending exports", "err", err)
		}
		return
	}
	restored, err := s.queue.Restore(ctx, ids)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("restore pending exports", "err", err)
		}
		return
	}
	for _, id := range restored {
		telemetry.ExportsRestored.Inc()
		log.Warn("pending export was missing from the queue; requeued", "job_id", id)
	}
}
