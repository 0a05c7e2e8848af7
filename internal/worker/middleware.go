package worker

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/faultline/pkg/models"
)

// APIKeyHeader carries the per-project key on ingestion requests.
const APIKeyHeader = "x-trace-api-key"

type ctxKey int

const projectCtxKey ctxKey = iota

// projectFromContext returns the project resolved by requireAPIKey.
func projectFromContext(ctx context.Context) *models.Project {
	p, _ := ctx.Value(projectCtxKey).(*models.Project)
	return p
}

// ingestCORS allows the ingestion endpoint to be called from any origin.
// Headers are set before the handler runs so that every response,
// errors included, carries them. Preflight requests end here.
func ingestCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, "+APIKeyHeader)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAPIKey resolves the API key header to a project.
func (s *Service) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(APIKeyHeader)
		if key == "" {
			s.metrics.authFailures.WithLabelValues("missing").Inc()
			writeError(w, http.StatusUnauthorized, "Missing API key")
			return
		}

		project, err := s.projectStore.GetProjectByAPIKey(r.Context(), key)
		if err != nil {
			log.Error().Err(err).Msg("API key lookup failed")
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		if project == nil {
			s.metrics.authFailures.WithLabelValues("invalid").Inc()
			writeError(w, http.StatusUnauthorized, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), projectCtxKey, project)))
	})
}

// requireReady rejects requests until the service has finished starting.
func (s *Service) requireReady(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			writeError(w, http.StatusServiceUnavailable, "service not ready")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs one line per request with zerolog.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		defer func() {
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			event := log.Debug()
			if status >= http.StatusInternalServerError {
				event = log.Warn()
			}
			event.
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("HTTP request")
		}()

		next.ServeHTTP(ww, r)
	})
}
