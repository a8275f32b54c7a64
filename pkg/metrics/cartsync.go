package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CartSyncMetrics records how often the engine reaches the remote backend
// versus falling back to the local snapshot.
type CartSyncMetrics struct {
	remoteRequests  *prometheus.CounterVec
	remoteDuration  *prometheus.HistogramVec
	fallbacks       *prometheus.CounterVec
	storageFailures *prometheus.CounterVec
}

// NewCartSyncMetrics registers the engine metrics on the provided registerer.
// A nil registerer yields a no-op collector, mirroring how optional metrics
// are handled elsewhere.
func NewCartSyncMetrics(reg prometheus.Registerer) *CartSyncMetrics {
	if reg == nil {
		return &CartSyncMetrics{}
	}
	remoteRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cartsync_remote_requests_total",
		Help: "Remote cart requests by operation and outcome.",
	}, []string{"op", "outcome"})
	remoteDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cartsync_remote_request_duration_seconds",
		Help:    "Duration of remote cart requests in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
	fallbacks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cartsync_fallback_total",
		Help: "Operations satisfied from the local snapshot.",
	}, []string{"op"})
	storageFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cartsync_storage_failures_total",
		Help: "Local storage failures swallowed by the engine.",
	}, []string{"op"})
	reg.MustRegister(remoteRequests, remoteDuration, fallbacks, storageFailures)
	return &CartSyncMetrics{
		remoteRequests:  remoteRequests,
		remoteDuration:  remoteDuration,
		fallbacks:       fallbacks,
		storageFailures: storageFailures,
	}
}

// ObserveRemote records one remote attempt with its outcome and duration.
func (m *CartSyncMetrics) ObserveRemote(op, outcome string, duration time.Duration) {
	if m == nil || m.remoteRequests == nil {
		return
	}
	m.remoteRequests.WithLabelValues(normalizeLabel(op), normalizeLabel(outcome)).Inc()
	m.remoteDuration.WithLabelValues(normalizeLabel(op)).Observe(duration.Seconds())
}

// IncFallback counts an operation served by local derivation.
func (m *CartSyncMetrics) IncFallback(op string) {
	if m == nil || m.fallbacks == nil {
		return
	}
	m.fallbacks.WithLabelValues(normalizeLabel(op)).Inc()
}

// IncStorageFailure counts a swallowed local storage error.
func (m *CartSyncMetrics) IncStorageFailure(op string) {
	if m == nil || m.storageFailures == nil {
		return
	}
	m.storageFailures.WithLabelValues(normalizeLabel(op)).Inc()
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
