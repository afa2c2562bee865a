package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"constituency-export/internal/artifact"
	"constituency-export/internal/config"
	"constituency-export/internal/logger"
	"constituency-export/internal/models"
	"constituency-export/internal/ratelimit"
	"constituency-export/internal/store"
	"constituency-export/internal/telemetry"
	"constituency-export/internal/voters"
)

// JobStore is what the API needs from the export job store.
type JobStore interface {
	Create(ctx context.Context, p store.CreateJobParams) (models.ExportJob, error)
	Get(ctx context.Context, id string) (models.ExportJob, error)
	List(ctx context.Context, limit int) ([]models.ExportJob, error)
	Fail(ctx context.Context, id string, msg string) (bool, error)
	RequestDelete(ctx context.Context, id string) (store.DeleteResult, error)
	Ping(ctx context.Context) error
}

// Queue is the admission side of the scheduler queue.
type Queue interface {
	Enqueue(ctx context.Context, jobID string) error
	Remove(ctx context.Context, jobID string) error
	DeadPeek(ctx context.Context, count int64) ([]string, error)
	Ping(ctx context.Context) error
}

// Limiter throttles submissions per operator.
type Limiter interface {
	Allow(ctx context.Context, operator string) (ratelimit.Decision, error)
}

// Server wires HTTP handlers for the export API.
type Server struct {
	cfg      config.Config
	store    JobStore
	queue    Queue
	limiter  Limiter
	sink     artifact.Sink
	registry *voters.Registry
}

// New constructs the API server. A nil limiter disables rate limiting.
func New(cfg config.Config, st JobStore, q Queue, limiter Limiter, sink artifact.Sink, reg *voters.Registry) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		queue:    q,
		limiter:  limiter,
		sink:     sink,
		registry: reg,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())
	r.Get("/columns", s.handleColumns)
	r.Get("/reaped", s.handleReaped)

	r.Route("/exports", func(r chi.Router) {
		r.Post("/", s.handleCreate)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGet)
		r.Delete("/{id}", s.handleDelete)
		r.Get("/{id}/download", s.handleDownload)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]string{"status": "ok"}
	code := http.StatusOK
	if err := s.store.Ping(ctx); err != nil {
		status["status"], status["postgres"] = "degraded", err.Error()
		code = http.StatusServiceUnavailable
	}
	if err := s.queue.Ping(ctx); err != nil {
		status["status"], status["redis"] = "degraded", err.Error()
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (s *Server) handleColumns(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version": s.registry.Version(),
		"columns": s.registry.Columns(),
	})
}

// handleReaped lists the ids of jobs most recently failed by the lease reaper.
func (s *Server) handleReaped(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DeadPeek(r.Context(), 100)
	if err != nil {
		logger.WithContext(r.Context()).Error("read reaped exports", "err", err)
		writeError(w, http.StatusInternalServerError, "could not read reaped exports")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type errorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
