package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_tracking", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_tracking",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// Relay side.
	RelaySockets      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_tracking", Name: "relay_sockets", Help: "Open ride websocket connections"})
	PatchesRelayed    = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_tracking", Name: "relay_patches_total", Help: "Patches fanned out by the relay"}, []string{"source"})
	PatchesRejected   = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_tracking", Name: "relay_patches_rejected_total", Help: "Patches refused by the ride store"}, []string{"reason"})
	LocationsIngested = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_tracking", Name: "locations_ingested_total", Help: "Driver locations accepted over REST"})

	// Tracker side.
	ActiveSessions     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_tracking", Name: "sessions_active", Help: "Session controllers currently mounted"})
	PatchesPublished   = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_tracking", Name: "patches_published_total", Help: "Patches published by session controllers"}, []string{"field"})
	PublishFailures    = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_tracking", Name: "publish_failures_total", Help: "Patches the relay did not accept"}, []string{"field"})
	PatchesIgnored     = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_tracking", Name: "patches_ignored_total", Help: "Incoming patches dropped as stale, duplicate or invalid"}, []string{"reason"})
	ArrivalsDetected   = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_tracking", Name: "arrivals_detected_total", Help: "Proximity detector firings"}, []string{"phase"})
	RouteFetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_tracking", Name: "route_fetch_seconds", Help: "Routing provider latency", Buckets: prometheus.DefBuckets})
	RouteFetchErrors   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_tracking", Name: "route_fetch_errors_total", Help: "Failed routing lookups"})
)
