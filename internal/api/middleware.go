package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"constituency-export/internal/logger"
)

// requestLogger tags the request context with its id and operator, and logs
// one line per request at a level matching the status class.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := logger.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		ctx = logger.WithUserID(ctx, operator(r))
		r = r.WithContext(ctx)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		log := logger.WithContext(ctx).With(
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"latency", time.Since(start),
		)
		switch {
		case status >= 500:
			log.Error("request")
		case status >= 400:
			log.Warn("request")
		default:
			log.Info("request")
		}
	})
}

// operator identifies the submitting user. Authentication happens upstream;
// the gateway forwards the user id.
func operator(r *http.Request) string {
	if v := r.Header.Get("X-User-ID"); v != "" {
		return v
	}
	return "anonymous"
}
