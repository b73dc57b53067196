// Package httpapi exposes the sync protocol over HTTP.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/inbetweenies/inbetweenies/internal/auth"
	"github.com/inbetweenies/inbetweenies/internal/service/syncservice"
)

// Server holds dependencies for HTTP handlers
type Server struct {
	Sync    *syncservice.Service
	Metrics *Metrics
}

// NewServer wires a sync service into the HTTP surface
func NewServer(svc *syncservice.Service, reg prometheus.Registerer) *Server {
	return &Server{Sync: svc, Metrics: NewMetrics(reg)}
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// writeError writes a JSON error body. Conflicts are payload, never a
// status code: only protocol errors (400) and store failures (500) reach
// this path.
func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

// Routes creates the HTTP router with all sync endpoints
func (s *Server) Routes(jwt auth.JWTCfg) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(CorrelationMiddleware)

	// Health check and metrics (unauthenticated)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	// All sync endpoints require authentication
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(jwt))

		r.Post("/api/v1/sync/", s.HandleSync)
		r.Get("/api/v1/sync/status", s.GetSyncStatus)
		r.Get("/api/v1/sync/conflicts", s.ListConflicts)
		r.Post("/api/v1/sync/conflicts/{id}/resolve", s.ResolveConflict)
	})

	log.Info().Msg("HTTP routes registered")
	return r
}
