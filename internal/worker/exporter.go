package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"constituency-export/internal/artifact"
	"constituency-export/internal/config"
	"constituency-export/internal/format"
	"constituency-export/internal/logger"
	"constituency-export/internal/models"
	"constituency-export/internal/query"
	"constituency-export/internal/telemetry"
	"constituency-export/internal/voters"
)

// JobStore is the subset of the job store a worker writes to. Every method
// is keyed by job id and conditional on the job still being owned.
type JobStore interface {
	Claim(ctx context.Context, id string) (models.ExportJob, bool, error)
	SetTotal(ctx context.Context, id string, total int64) error
	Checkpoint(ctx context.Context, id string, processed int64, percent int) (bool, error)
	Complete(ctx context.Context, id string, processed int64, a models.Artifact) (bool, error)
	Fail(ctx context.Context, id string, msg string) (bool, error)
	Purge(ctx context.Context, id string) error
}

// Leaser keeps a worker's admission lease alive.
type Leaser interface {
	ExtendLease(ctx context.Context, jobID string) (bool, error)
	Ack(ctx context.Context, jobID string) error
}

// Outcome is how a Run ended.
type Outcome string

const (
	OutcomeSkipped   Outcome = "skipped"
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Options tune checkpointing and output limits.
type Options struct {
	CheckpointRows    int
	CheckpointPercent int
	CheckpointTimeout time.Duration
	CheckpointRetries int
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	ReportMaxRows     int
	ErrorMessageMax   int

	// LeaseRenew is how often a running export renews its lease between
	// checkpoints, e.g. while the count query runs.
	LeaseRenew time.Duration
}

// OptionsFromConfig copies the worker settings out of cfg.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		CheckpointRows:    cfg.CheckpointRows,
		CheckpointPercent: cfg.CheckpointPercent,
		CheckpointTimeout: cfg.CheckpointTimeout,
		CheckpointRetries: cfg.CheckpointRetries,
		BackoffInitial:    cfg.BackoffInitial,
		BackoffMax:        cfg.BackoffMax,
		ReportMaxRows:     cfg.ReportMaxRows,
		ErrorMessageMax:   cfg.ErrorMessageMax,
		LeaseRenew:        cfg.LeaseTTL / 3,
	}
}

func (o Options) withDefaults() Options {
	if o.CheckpointRows <= 0 {
		o.CheckpointRows = 500
	}
	if o.CheckpointPercent < 0 {
		o.CheckpointPercent = 0
	}
	if o.CheckpointTimeout <= 0 {
		o.CheckpointTimeout = 2 * time.Second
	}
	if o.CheckpointRetries < 0 {
		o.CheckpointRetries = 0
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = 100 * time.Millisecond
	}
	if o.BackoffMax < o.BackoffInitial {
		o.BackoffMax = o.BackoffInitial
	}
	if o.ErrorMessageMax <= 0 {
		o.ErrorMessageMax = 300
	}
	if o.LeaseRenew <= 0 {
		o.LeaseRenew = 40 * time.Second
	}
	return o
}

// Exporter executes one export job end to end.
type Exporter struct {
	store    JobStore
	leases   Leaser
	source   voters.Source
	sink     artifact.Sink
	registry *voters.Registry
	opts     Options
	tracer   trace.Tracer
	now      func() time.Time
}

func NewExporter(st JobStore, leases Leaser, src voters.Source, sink artifact.Sink, reg *voters.Registry, opts Options) *Exporter {
	return &Exporter{
		store:    st,
		leases:   leases,
		source:   src,
		sink:     sink,
		registry: reg,
		opts:     opts.withDefaults(),
		tracer:   otel.Tracer("constituency-export/worker"),
		now:      time.Now,
	}
}

// Run claims jobID and drives it to a terminal state. Failures are recorded
// on the job, so the outcome is informational.
func (e *Exporter) Run(ctx context.Context, jobID string) Outcome {
	ctx = logger.WithJobID(ctx, jobID)
	ctx, span := e.tracer.Start(ctx, "export.run", trace.WithAttributes(attribute.String("export.job_id", jobID)))
	defer span.End()
	log := logger.WithContext(ctx)

	defer func() {
		if err := e.leases.Ack(detach(ctx), jobID); err != nil {
			log.Warn("release lease", "err", err)
		}
	}()

	job, ok, err := e.store.Claim(ctx, jobID)
	if err != nil {
		log.Error("claim export job", "err", err)
		e.recordFailure(ctx, log, models.ExportJob{ID: jobID}, public(reasonInternal, msgInternal, err))
		return OutcomeFailed
	}
	if !ok {
		log.Info("skipping export that is no longer pending")
		return OutcomeSkipped
	}
	span.SetAttributes(attribute.String("export.format", job.Format))
	log.Info("export claimed", "format", job.Format, "created_by", job.CreatedBy)

	start := e.now()
	telemetry.RunningGauge.Inc()
	defer telemetry.RunningGauge.Dec()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go e.heartbeat(hbCtx, log, jobID)

	processed, err := e.safeExecute(ctx, job)
	elapsed := e.now().Sub(start)

	switch {
	case err == nil:
		telemetry.ExportsCompleted.WithLabelValues(job.Format).Inc()
		telemetry.RowsExported.Add(float64(processed))
		telemetry.ExportDuration.WithLabelValues(job.Format, models.StatusCompleted).Observe(elapsed.Seconds())
		log.Info("export completed", "rows", processed, "duration", elapsed)
		return OutcomeCompleted
	case errors.Is(err, errCancelled):
		e.purge(ctx, log, jobID)
		telemetry.ExportsCancelled.Inc()
		log.Info("export cancelled", "rows", processed)
		return OutcomeCancelled
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "export failed")
		telemetry.ExportDuration.WithLabelValues(job.Format, models.StatusFailed).Observe(elapsed.Seconds())
		if e.recordFailure(ctx, log, job, err) {
			return OutcomeCancelled
		}
		return OutcomeFailed
	}
}

// recordFailure persists a sanitized message. It reports true when the job
// had been deleted meanwhile and was purged instead.
func (e *Exporter) recordFailure(ctx context.Context, log *slog.Logger, job models.ExportJob, err error) bool {
	reason, msg := describe(err)
	msg = truncate(msg, e.opts.ErrorMessageMax)
	log.Error("export failed", "reason", reason, "err", err)

	cancelled, ferr := e.store.Fail(detach(ctx), job.ID, msg)
	if ferr != nil {
		log.Error("persist export failure", "err", ferr)
		return false
	}
	if cancelled {
		e.purge(ctx, log, job.ID)
		telemetry.ExportsCancelled.Inc()
		return true
	}
	telemetry.ExportsFailed.WithLabelValues(reason).Inc()
	return false
}

func (e *Exporter) purge(ctx context.Context, log *slog.Logger, jobID string) {
	if err := e.store.Purge(detach(ctx), jobID); err != nil {
		log.Error("purge cancelled export", "err", err)
	}
}

func (e *Exporter) safeExecute(ctx context.Context, job models.ExportJob) (processed int64, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithContext(ctx).Error("export panicked", "panic", r, "stack", string(debug.Stack()))
			err = public(reasonInternal, msgInternal, fmt.Errorf("panic: %v", r))
		}
	}()
	return e.execute(ctx, job)
}

func (e *Exporter) execute(ctx context.Context, job models.ExportJob) (int64, error) {
	plan, err := query.Compile(job.Filters, job.SelectedColumns, e.registry)
	if err != nil {
		return 0, public(reasonInvalid, "export filters are no longer valid: "+err.Error(), err)
	}
	ser, err := format.New(job.Format, format.Options{ReportMaxRows: e.opts.ReportMaxRows})
	if err != nil {
		return 0, public(reasonInvalid, "unsupported export format", err)
	}

	reader, err := e.source.Open(ctx)
	if err != nil {
		return 0, public(reasonSource, msgSource, err)
	}
	defer func() {
		if cerr := reader.Close(detach(ctx)); cerr != nil {
			logger.WithContext(ctx).Warn("close record reader", "err", cerr)
		}
	}()

	countCtx, countSpan := e.tracer.Start(ctx, "export.count")
	total, err := reader.Count(countCtx, plan)
	countSpan.SetAttributes(attribute.Int64("export.total", total))
	countSpan.End()
	if err != nil {
		return 0, sourceErr(ctx, err)
	}
	if err := e.store.SetTotal(ctx, job.ID, total); err != nil {
		return 0, fmt.Errorf("persist total: %w", err)
	}
	if err := ser.Precheck(total); err != nil {
		return 0, err
	}

	name := fileName(job.ID, e.now(), ser.Extension())
	w, err := e.sink.Create(ctx, job.ID, name, ser.ContentType())
	if err != nil {
		return 0, public(reasonArtifact, msgArtifact, err)
	}
	committed := false
	defer func() {
		if !committed {
			if aerr := w.Abort(detach(ctx)); aerr != nil {
				logger.WithContext(ctx).Warn("abort artifact", "err", aerr)
			}
		}
	}()

	rows, err := ser.Begin(w, format.Header{
		Title:       "Voter list",
		GeneratedAt: e.now(),
		Filters:     job.Filters.Describe(),
		Columns:     plan.Columns(),
	})
	if err != nil {
		return 0, public(reasonArtifact, msgArtifact, err)
	}

	streamCtx, streamSpan := e.tracer.Start(ctx, "export.stream")
	processed, err := e.stream(streamCtx, job.ID, reader, plan, rows, total)
	streamSpan.SetAttributes(attribute.Int64("export.rows", processed))
	streamSpan.End()
	if err != nil {
		return processed, err
	}
	if err := rows.End(); err != nil {
		return processed, public(reasonArtifact, msgArtifact, err)
	}

	art, err := w.Commit(ctx)
	committed = true
	if err != nil {
		return processed, public(reasonArtifact, msgArtifact, err)
	}

	ok, err := e.store.Complete(ctx, job.ID, processed, art)
	if err != nil || !ok {
		// Nobody will ever reference this artifact.
		if derr := e.sink.Delete(detach(ctx), art.Location); derr != nil {
			logger.WithContext(ctx).Warn("remove orphaned artifact", "err", derr, "location", art.Location)
		}
		if err != nil {
			return processed, fmt.Errorf("complete export: %w", err)
		}
		return processed, errCancelled
	}
	return processed, nil
}

type rowSink interface {
	WriteRow(voters.Row) error
}

func (e *Exporter) stream(ctx context.Context, jobID string, reader voters.Reader, plan *query.Plan, rows rowSink, total int64) (int64, error) {
	interval := checkpointInterval(total, e.opts.CheckpointRows, e.opts.CheckpointPercent)
	var processed int64
	err := reader.Stream(ctx, plan, func(row voters.Row) error {
		if processed >= total {
			return public(reasonChanged, msgChanged, fmt.Errorf("streamed more than %d counted rows", total))
		}
		if err := rows.WriteRow(row); err != nil {
			var um userMessager
			if errors.As(err, &um) {
				return err
			}
			return public(reasonArtifact, msgArtifact, err)
		}
		processed++
		if processed%interval == 0 && processed < total {
			if e.checkpoint(ctx, jobID, processed, total) {
				return errCancelled
			}
		}
		return nil
	})
	if err != nil {
		var pe *PublicError
		var um userMessager
		if errors.Is(err, errCancelled) || errors.As(err, &pe) || errors.As(err, &um) {
			return processed, err
		}
		return processed, sourceErr(ctx, err)
	}
	if processed != total {
		return processed, public(reasonChanged, msgChanged, fmt.Errorf("streamed %d of %d counted rows", processed, total))
	}
	return processed, nil
}

// checkpoint persists progress and reports whether the job was cancelled.
// Write failures are retried with backoff and then tolerated: progress is
// advisory and the next checkpoint carries a newer value anyway.
func (e *Exporter) checkpoint(ctx context.Context, jobID string, processed, total int64) bool {
	log := logger.WithContext(ctx)
	percent := progressPercent(processed, total)
	attempts := e.opts.CheckpointRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, e.opts.CheckpointTimeout)
		cancelled, err := e.store.Checkpoint(cctx, jobID, processed, percent)
		cancel()
		if err == nil {
			if !cancelled {
				e.extendLease(ctx, log, jobID)
			}
			return cancelled
		}
		if ctx.Err() != nil {
			return false
		}
		log.Warn("checkpoint write failed", "attempt", attempt, "processed", processed, "err", err)
		if attempt < attempts {
			if sleepCtx(ctx, backoffWithJitter(e.opts.BackoffInitial, e.opts.BackoffMax, attempt)) != nil {
				return false
			}
		}
	}
	log.Warn("checkpoint skipped after retries", "processed", processed)
	return false
}

func (e *Exporter) heartbeat(ctx context.Context, log *slog.Logger, jobID string) {
	ticker := time.NewTicker(e.opts.LeaseRenew)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.extendLease(ctx, log, jobID)
		}
	}
}

func (e *Exporter) extendLease(ctx context.Context, log *slog.Logger, jobID string) {
	ok, err := e.leases.ExtendLease(ctx, jobID)
	switch {
	case err != nil:
		log.Warn("extend lease", "err", err)
	case !ok:
		log.Warn("lease already reaped; the job will not complete")
	}
}

func sourceErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return public(reasonInterrupted, msgInterrupted, err)
	}
	return public(reasonSource, msgSource, err)
}

// checkpointInterval is max(rows, ceil(total*percent/100)), and at least 1.
func checkpointInterval(total int64, rows, percent int) int64 {
	interval := int64(rows)
	if percent > 0 {
		byPercent := (total*int64(percent) + 99) / 100
		if byPercent > interval {
			interval = byPercent
		}
	}
	if interval < 1 {
		interval = 1
	}
	return interval
}

// progressPercent stays below 100 until the job is completed.
func progressPercent(processed, total int64) int {
	if total <= 0 || processed <= 0 {
		return 0
	}
	p := processed * 100 / total
	if p > 99 {
		p = 99
	}
	return int(p)
}

// fileName is voters_<yyyymmdd-hhmmss>_<id8>.<ext>.
func fileName(jobID string, at time.Time, ext string) string {
	short := jobID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("voters_%s_%s.%s", at.UTC().Format("20060102-150405"), short, ext)
}

// detach keeps ctx values but survives cancellation, so cleanup still runs
// during shutdown.
func detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
