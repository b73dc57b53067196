package httpapi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the sync surface
type Metrics struct {
	SyncRequests      *prometheus.CounterVec
	ConflictsResolved *prometheus.CounterVec
	SyncDuration      *prometheus.HistogramVec
}

// NewMetrics registers the sync metrics on the given registerer
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SyncRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "inbetweenies_sync_requests_total",
			Help: "Sync requests handled, by sync type and outcome.",
		}, []string{"sync_type", "outcome"}),
		ConflictsResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "inbetweenies_conflicts_total",
			Help: "Conflicts surfaced during sync, by resolution strategy.",
		}, []string{"strategy"}),
		SyncDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "inbetweenies_sync_duration_seconds",
			Help:    "Wall time spent handling sync requests.",
			Buckets: prometheus.DefBuckets,
		}, []string{"sync_type"}),
	}
}
