package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/inbetweenies/inbetweenies/internal/conflict"
	"github.com/inbetweenies/inbetweenies/internal/protocol"
)

// HandleSync handles POST /api/v1/sync/
// The body is a SyncRequest; conflicts come back in the payload, so the
// only error statuses are 400 (protocol) and 500 (store).
func (s *Server) HandleSync(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req protocol.SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Warn().Err(err).Msg("malformed sync request body")
		s.Metrics.SyncRequests.WithLabelValues("unknown", "bad_request").Inc()
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	syncType := string(req.SyncType)
	if err := req.Validate(); err != nil {
		log.Warn().Err(err).Str("device_id", req.DeviceID).Msg("rejected sync request")
		s.Metrics.SyncRequests.WithLabelValues(syncType, "bad_request").Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := s.Sync.HandleSync(r.Context(), &req)
	if err != nil {
		log.Error().Err(err).Str("device_id", req.DeviceID).Msg("sync failed")
		s.Metrics.SyncRequests.WithLabelValues(syncType, "error").Inc()
		writeError(w, http.StatusInternalServerError, "sync failed")
		return
	}

	s.Metrics.SyncRequests.WithLabelValues(syncType, "ok").Inc()
	s.Metrics.SyncDuration.WithLabelValues(syncType).Observe(time.Since(start).Seconds())
	for _, c := range resp.Conflicts {
		s.Metrics.ConflictsResolved.WithLabelValues(c.ResolutionStrategy).Inc()
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetSyncStatus handles GET /api/v1/sync/status?device_id=...
func (s *Server) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}

	status, err := s.Sync.SyncStatus(r.Context(), deviceID)
	if err != nil {
		log.Error().Err(err).Str("device_id", deviceID).Msg("failed to load sync status")
		writeError(w, http.StatusInternalServerError, "failed to load sync status")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// ListConflicts handles GET /api/v1/sync/conflicts
func (s *Server) ListConflicts(w http.ResponseWriter, r *http.Request) {
	pending := s.Sync.PendingConflicts()
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": pending})
}

type resolveReq struct {
	Strategy string `json:"strategy"`
}

type resolveResp struct {
	ID              string `json:"id"`
	ResolvedVersion string `json:"resolved_version,omitempty"`
	RequiresManual  bool   `json:"requires_manual"`
}

// ResolveConflict handles POST /api/v1/sync/conflicts/{id}/resolve
func (s *Server) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req resolveReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	strategy, err := conflict.ParseStrategy(req.Strategy)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resolved, err := s.Sync.ResolveConflict(r.Context(), id, strategy)
	if err != nil {
		// Unknown conflict ids are a client mistake, not a store failure
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := resolveResp{ID: id}
	if resolved != nil {
		resp.ResolvedVersion = resolved.Version
	} else {
		resp.RequiresManual = true
	}
	writeJSON(w, http.StatusOK, resp)
}
