package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"constituency-export/internal/models"
)

// Postgres persists export jobs. Every mutation is a single keyed statement
// or a short row-locking transaction, so no cross-job locking is needed.
type Postgres struct {
	pool *pgxpool.Pool
}

// Connect creates a pooled connection to Postgres.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const jobColumns = `id, type, format, status, progress_percent, total_records, processed_records,
	filters, selected_columns, artifact_location, artifact_name, artifact_size_kb, error_message,
	created_by, cancel_requested, created_at, started_at, completed_at, updated_at`

// Create inserts a pending job.
func (s *Postgres) Create(ctx context.Context, p CreateJobParams) (models.ExportJob, error) {
	filtersJSON, err := json.Marshal(p.Filters)
	if err != nil {
		return models.ExportJob{}, fmt.Errorf("marshal filters: %w", err)
	}
	if p.SelectedColumns == nil {
		p.SelectedColumns = []string{}
	}
	if p.CreatedBy == "" {
		p.CreatedBy = "anonymous"
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO export_jobs (id, type, format, status, progress_percent, filters, selected_columns, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $8, $8)
	`, id, p.Type, p.Format, models.StatusPending, filtersJSON, p.SelectedColumns, p.CreatedBy, now)
	if err != nil {
		return models.ExportJob{}, fmt.Errorf("insert export job: %w", err)
	}

	return models.ExportJob{
		ID:              id,
		Type:            p.Type,
		Format:          p.Format,
		Status:          models.StatusPending,
		Filters:         p.Filters,
		SelectedColumns: p.SelectedColumns,
		CreatedBy:       p.CreatedBy,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// Get fetches a visible job by id.
func (s *Postgres) Get(ctx context.Context, id string) (models.ExportJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM export_jobs WHERE id = $1 AND NOT cancel_requested`, id)
	return scanJob(row)
}

// List returns visible jobs, most recent first.
func (s *Postgres) List(ctx context.Context, limit int) ([]models.ExportJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM export_jobs
		WHERE NOT cancel_requested
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list export jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]models.ExportJob, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list export jobs: %w", err)
	}
	return jobs, nil
}

// Claim moves a pending job to processing. It reports false when the job was
// deleted or is no longer pending.
func (s *Postgres) Claim(ctx context.Context, id string) (models.ExportJob, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE export_jobs
		SET status = $2, started_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $3 AND NOT cancel_requested
		RETURNING `+jobColumns, id, models.StatusProcessing, models.StatusPending)
	job, err := scanJob(row)
	if errors.Is(err, ErrNotFound) {
		return models.ExportJob{}, false, nil
	}
	if err != nil {
		return models.ExportJob{}, false, fmt.Errorf("claim export job: %w", err)
	}
	return job, true, nil
}

// SetTotal records the pre-counted number of matching records.
func (s *Postgres) SetTotal(ctx context.Context, id string, total int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE export_jobs SET total_records = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, total, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("set total: %w", err)
	}
	return nil
}

// Checkpoint persists progress monotonically and reports whether the job has
// been cancelled (flagged or already removed).
func (s *Postgres) Checkpoint(ctx context.Context, id string, processed int64, percent int) (bool, error) {
	var cancelled bool
	err := s.pool.QueryRow(ctx, `
		UPDATE export_jobs
		SET processed_records = GREATEST(COALESCE(processed_records, 0), $2),
		    progress_percent = GREATEST(progress_percent, $3),
		    updated_at = NOW()
		WHERE id = $1 AND status = $4
		RETURNING cancel_requested
	`, id, processed, percent, models.StatusProcessing).Scan(&cancelled)
	if errors.Is(err, pgx.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("checkpoint: %w", err)
	}
	return cancelled, nil
}

// Complete finalizes a processing job. It reports false when the job was
// cancelled or removed in the meantime.
func (s *Postgres) Complete(ctx context.Context, id string, processed int64, a models.Artifact) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE export_jobs
		SET status = $2,
		    progress_percent = 100,
		    total_records = GREATEST(COALESCE(total_records, 0), $3),
		    processed_records = GREATEST(COALESCE(processed_records, 0), $3),
		    artifact_location = $4, artifact_name = $5, artifact_size_kb = $6,
		    error_message = NULL,
		    completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $7 AND NOT cancel_requested
	`, id, models.StatusCompleted, processed, a.Location, a.Name, a.SizeKB(), models.StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("complete export job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Fail moves a non-terminal job to failed. It reports whether the job had
// been flagged for cancellation, in which case the caller should purge it.
func (s *Postgres) Fail(ctx context.Context, id string, msg string) (bool, error) {
	var cancelled bool
	err := s.pool.QueryRow(ctx, `
		UPDATE export_jobs
		SET status = $2, error_message = $3, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ($4, $5)
		RETURNING cancel_requested
	`, id, models.StatusFailed, msg, models.StatusPending, models.StatusProcessing).Scan(&cancelled)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("fail export job: %w", err)
	}
	return cancelled, nil
}

// RequestDelete removes a job, or flags it for cooperative cancellation when
// a worker owns it.
func (s *Postgres) RequestDelete(ctx context.Context, id string) (DeleteResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return DeleteResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // no-op after commit

	var res DeleteResult
	var location pgtype.Text
	err = tx.QueryRow(ctx, `
		SELECT status, artifact_location FROM export_jobs
		WHERE id = $1 AND NOT cancel_requested
		FOR UPDATE
	`, id).Scan(&res.PrevStatus, &location)
	if errors.Is(err, pgx.ErrNoRows) {
		return DeleteResult{}, ErrNotFound
	}
	if err != nil {
		return DeleteResult{}, fmt.Errorf("lock export job: %w", err)
	}

	if res.PrevStatus == models.StatusProcessing {
		res.Deferred = true
		_, err = tx.Exec(ctx, `UPDATE export_jobs SET cancel_requested = TRUE, updated_at = NOW() WHERE id = $1`, id)
	} else {
		res.ArtifactLocation = textPtr(location)
		_, err = tx.Exec(ctx, `DELETE FROM export_jobs WHERE id = $1`, id)
	}
	if err != nil {
		return DeleteResult{}, fmt.Errorf("delete export job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return DeleteResult{}, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

// Purge removes a record flagged by RequestDelete. Workers call it after
// aborting a cancelled job; unflagged records are left alone.
func (s *Postgres) Purge(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM export_jobs WHERE id = $1 AND cancel_requested`, id); err != nil {
		return fmt.Errorf("purge export job: %w", err)
	}
	return nil
}

// StalePending returns ids of visible pending jobs created before cutoff,
// oldest first.
func (s *Postgres) StalePending(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM export_jobs
		WHERE status = $1 AND NOT cancel_requested AND created_at < $2
		ORDER BY created_at, id
		LIMIT $3
	`, models.StatusPending, cutoff, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list stale pending jobs: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list stale pending jobs: %w", err)
	}
	return ids, nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanJob(row pgx.Row) (models.ExportJob, error) {
	var job models.ExportJob
	var filtersJSON []byte
	var total, processed, sizeKB pgtype.Int8
	var location, name, errMsg pgtype.Text
	var started, completed pgtype.Timestamptz

	err := row.Scan(&job.ID, &job.Type, &job.Format, &job.Status, &job.ProgressPercent, &total, &processed,
		&filtersJSON, &job.SelectedColumns, &location, &name, &sizeKB, &errMsg,
		&job.CreatedBy, &job.CancelRequested, &job.CreatedAt, &started, &completed, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ExportJob{}, ErrNotFound
	}
	if err != nil {
		return models.ExportJob{}, fmt.Errorf("scan export job: %w", err)
	}
	if err := json.Unmarshal(filtersJSON, &job.Filters); err != nil {
		return models.ExportJob{}, fmt.Errorf("unmarshal filters: %w", err)
	}
	job.TotalRecords = int8Ptr(total)
	job.ProcessedRecords = int8Ptr(processed)
	job.ArtifactSizeKB = int8Ptr(sizeKB)
	job.ArtifactLocation = textPtr(location)
	job.ArtifactName = textPtr(name)
	job.ErrorMessage = textPtr(errMsg)
	job.StartedAt = timePtr(started)
	job.CompletedAt = timePtr(completed)
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func int8Ptr(n pgtype.Int8) *int64 {
	if n.Valid {
		return &n.Int64
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		return &t.Time
	}
	return nil
}
