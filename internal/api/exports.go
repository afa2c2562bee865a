package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"constituency-export/internal/artifact"
	"constituency-export/internal/logger"
	"constituency-export/internal/models"
	"constituency-export/internal/query"
	"constituency-export/internal/store"
	"constituency-export/internal/telemetry"
)

const msgNotScheduled = "export could not be scheduled; please resubmit"

type exportFilters struct {
	query.FilterSpec
	SelectedColumns []string `json:"selectedColumns"`
}

type createExportRequest struct {
	Type    string        `json:"type"`
	Format  string        `json:"format"`
	Filters exportFilters `json:"filters"`
	// Older clients send the column list next to the filters.
	SelectedColumns []string `json:"selectedColumns"`
}

func (req createExportRequest) columns() []string {
	if req.Filters.SelectedColumns != nil {
		return req.Filters.SelectedColumns
	}
	return req.SelectedColumns
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.WithContext(ctx)

	var req createExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Type == "" {
		req.Type = models.TypeVoters
	}

	filters := req.Filters.FilterSpec
	var verr *query.ValidationError
	switch {
	case req.Type != models.TypeVoters:
		verr = query.Invalid("type", "unsupported export type").(*query.ValidationError)
	case !models.ValidFormat(req.Format):
		verr = query.Invalid("format", "must be one of csv, excel, report").(*query.ValidationError)
	default:
		plan, err := query.Compile(filters, req.columns(), s.registry)
		if err != nil {
			if !errors.As(err, &verr) {
				log.Error("compile export filters", "err", err)
				writeError(w, http.StatusInternalServerError, "could not validate export")
				return
			}
			break
		}
		filters = plan.Filters
	}
	if verr != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: verr.Error(), Fields: verr.FieldMap()})
		return
	}

	user := operator(r)
	if s.limiter != nil {
		decision, err := s.limiter.Allow(ctx, user)
		if err != nil {
			log.Error("rate limit check", "err", err)
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !decision.Allowed {
			telemetry.RateLimitRejects.Inc()
			secs := int(math.Ceil(decision.RetryAfter.Seconds()))
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeError(w, http.StatusTooManyRequests, "too many export requests; try again later")
			return
		}
	}

	job, err := s.store.Create(ctx, store.CreateJobParams{
		Type:            req.Type,
		Format:          req.Format,
		CreatedBy:       user,
		Filters:         filters,
		SelectedColumns: req.columns(),
	})
	if err != nil {
		log.Error("create export job", "err", err)
		writeError(w, http.StatusInternalServerError, "could not create export")
		return
	}
	log = log.With("job_id", job.ID)

	if err := s.queue.Enqueue(ctx, job.ID); err != nil {
		log.Error("enqueue export", "err", err)
		if _, ferr := s.store.Fail(context.WithoutCancel(ctx), job.ID, msgNotScheduled); ferr != nil {
			log.Error("mark unscheduled export failed", "err", ferr)
		}
		writeError(w, http.StatusServiceUnavailable, msgNotScheduled)
		return
	}

	telemetry.ExportsSubmitted.WithLabelValues(job.Format).Inc()
	log.Info("export submitted", "format", job.Format)
	writeJSON(w, http.StatusCreated, job.WithDownloadURL())
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.ListDefaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit <= 0 {
		limit = 20
	}
	if maxLimit := s.cfg.ListMaxLimit; maxLimit > 0 && limit > maxLimit {
		limit = maxLimit
	}

	jobs, err := s.store.List(r.Context(), limit)
	if err != nil {
		logger.WithContext(r.Context()).Error("list exports", "err", err)
		writeError(w, http.StatusInternalServerError, "could not list exports")
		return
	}
	out := make([]models.ExportJob, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.WithDownloadURL())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job.WithDownloadURL())
}

// handleDelete removes a job. A processing job is only flagged here; its
// worker notices at the next checkpoint and cleans up.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	log := logger.WithContext(logger.WithJobID(ctx, id))

	res, err := s.store.RequestDelete(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "export not found")
		return
	}
	if err != nil {
		log.Error("delete export", "err", err)
		writeError(w, http.StatusInternalServerError, "could not delete export")
		return
	}
	if res.Deferred {
		log.Info("export cancellation requested")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	cleanup := context.WithoutCancel(ctx)
	if res.PrevStatus == models.StatusPending {
		if err := s.queue.Remove(cleanup, id); err != nil {
			// The worker skips ids without a pending record.
			log.Warn("remove export from queue", "err", err)
		}
	}
	if res.ArtifactLocation != nil {
		if err := s.sink.Delete(cleanup, *res.ArtifactLocation); err != nil && !errors.Is(err, artifact.ErrNotFound) {
			log.Warn("delete export artifact", "err", err, "location", *res.ArtifactLocation)
		}
	}
	log.Info("export deleted", "status", res.PrevStatus)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if job.Status != models.StatusCompleted || job.ArtifactLocation == nil || job.ArtifactName == nil {
		writeError(w, http.StatusConflict, "export is not ready for download")
		return
	}

	dl, err := s.sink.Resolve(r.Context(), *job.ArtifactLocation, *job.ArtifactName)
	if errors.Is(err, artifact.ErrNotFound) {
		writeError(w, http.StatusGone, "export file is no longer available; please resubmit")
		return
	}
	if err != nil {
		logger.WithContext(r.Context()).Error("resolve export artifact", "job_id", job.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "could not prepare download")
		return
	}
	if dl.URL != "" {
		http.Redirect(w, r, dl.URL, http.StatusFound)
		return
	}
	w.Header().Set("Content-Disposition", artifact.Attachment(*job.ArtifactName))
	http.ServeFile(w, r, dl.Path)
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (models.ExportJob, bool) {
	id := chi.URLParam(r, "id")
	job, err := s.store.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "export not found")
		return models.ExportJob{}, false
	}
	if err != nil {
		logger.WithContext(r.Context()).Error("get export", "job_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "could not load export")
		return models.ExportJob{}, false
	}
	return job, true
}
