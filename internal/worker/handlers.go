package worker

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/faultline/internal/analytics"
	"github.com/thebtf/faultline/internal/db/gorm"
	"github.com/thebtf/faultline/internal/ingest"
	"github.com/thebtf/faultline/internal/worker/sse"
	"github.com/thebtf/faultline/pkg/models"
)

// maxEventBytes caps an ingestion request body.
const maxEventBytes = 1 << 20

// StatusStored acknowledges an ingested event.
const StatusStored = "stored"

// IngestResponse is returned by POST /api/error.
type IngestResponse struct {
	Status  string `json:"status"`
	GroupID string `json:"groupId"`
	Created bool   `json:"created"`
}

// handleIngest handles POST /api/error.
func (s *Service) handleIngest(w http.ResponseWriter, r *http.Request) {
	project := projectFromContext(r.Context())
	if project == nil {
		writeError(w, http.StatusUnauthorized, "Invalid API key")
		return
	}

	ev, err := decodeEvent(http.MaxBytesReader(w, r.Body, maxEventBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	start := time.Now()
	res, err := s.pipeline.Ingest(r.Context(), project.ID, ev)
	if err != nil {
		s.metrics.ingestFailures.Inc()
		log.Error().Err(err).Str("project_id", project.ID).Msg("Failed to ingest error event")
		msg := "Internal server error"
		if errors.Is(err, ingest.ErrStorage) {
			msg = "Failed to store error"
		}
		writeError(w, http.StatusInternalServerError, msg)
		return
	}
	s.metrics.observeIngest(res.Environment, res.Created, time.Since(start).Seconds())

	go s.sseBroadcaster.Broadcast(sse.Event{
		Type:        sse.EventOccurrence,
		ProjectID:   project.ID,
		GroupID:     res.GroupID,
		Environment: res.Environment,
		Created:     res.Created,
	})

	writeJSON(w, http.StatusOK, IngestResponse{
		Status:  StatusStored,
		GroupID: res.GroupID,
		Created: res.Created,
	})
}

// decodeEvent reads one JSON value. Any well-formed value that is not an
// object yields an empty event, so every field takes its default.
func decodeEvent(r io.Reader) (models.RawEvent, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return models.RawEvent{}, err
	}

	var ev models.RawEvent
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return ev, nil
	}
	if err := json.Unmarshal(trimmed, &ev); err != nil {
		return models.RawEvent{}, err
	}
	return ev, nil
}

// handleListErrors handles GET /api/errors?project=&sort=&env=&limit=.
func (s *Service) handleListErrors(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	projectID := q.Get("project")
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "Project ID is required")
		return
	}

	rows, err := s.analytics.Groups(r.Context(), projectID, analytics.ParseSortMode(q.Get("sort")), q.Get("env"))
	if err != nil {
		s.metrics.analyticsErrors.Inc()
		log.Error().Err(err).Str("project_id", projectID).Msg("Failed to list error groups")
		writeError(w, http.StatusInternalServerError, "Failed to fetch errors")
		return
	}

	if limit := gorm.ParseLimitParam(r, 0); limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	writeJSON(w, http.StatusOK, rows)
}

// handleGetError handles GET /api/errors/{id}?project=.
func (s *Service) handleGetError(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project")
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "Project ID is required")
		return
	}
	id := chi.URLParam(r, "id")

	detail, err := s.groupStore.GetGroupDetail(r.Context(), projectID, id)
	if err != nil {
		log.Error().Err(err).Str("group_id", id).Msg("Failed to load error group")
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if detail == nil {
		writeError(w, http.StatusNotFound, "Error not found")
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// handleAnalytics handles GET /api/analytics?project=.
func (s *Service) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project")
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "Project ID is required")
		return
	}

	snap, err := s.analytics.Snapshot(r.Context(), projectID)
	if err != nil {
		s.metrics.analyticsErrors.Inc()
		log.Error().Err(err).Str("project_id", projectID).Msg("Failed to compute analytics")
		writeError(w, http.StatusInternalServerError, "Failed to fetch analytics")
		return
	}
	writeJSON(w, http.StatusOK, analytics.WithTrendSuffix(snap))
}

// handleHealth reports liveness, version and database reachability.
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ready"
	code := http.StatusOK
	if !s.ready.Load() {
		status = "starting"
	}
	if err := s.store.Ping(); err != nil {
		log.Warn().Err(err).Msg("Health check: database unreachable")
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":      status,
		"version":     s.version,
		"uptime":      time.Since(s.startTime).Round(time.Second).String(),
		"db_driver":   s.store.Driver(),
		"sse_clients": s.sseBroadcaster.ClientCount(),
	})
}

// handleReady returns 503 until Start has completed.
func (s *Service) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeError(w, http.StatusServiceUnavailable, "service not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleVersion handles GET /api/version.
func (s *Service) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}
