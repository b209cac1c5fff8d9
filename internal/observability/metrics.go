package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RealtimeEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "rider_core", Name: "realtime_events_total", Help: "Server events received by event name"},
		[]string{"event"},
	)
	RealtimeReconnects = promauto.NewCounter(prometheus.CounterOpts{Namespace: "rider_core", Name: "realtime_reconnects_total", Help: "Times the dispatch channel reconnected"})
	HandlerPanics      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "rider_core", Name: "handler_panics_total", Help: "Event handler panics recovered"})

	StaleUpdatesDropped   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "rider_core", Name: "stale_updates_dropped_total", Help: "Driver position updates dropped for stale timestamps"})
	ForeignUpdatesDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: "rider_core", Name: "foreign_updates_dropped_total", Help: "Driver position updates dropped for a non-assigned driver id"})
	ThrottledUpdates      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "rider_core", Name: "throttled_updates_total", Help: "Driver position updates suppressed by the per-driver throttle"})

	BookingsTotal       = promauto.NewCounter(prometheus.CounterOpts{Namespace: "rider_core", Name: "bookings_total", Help: "Ride bookings emitted"})
	BookingsRejected    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "rider_core", Name: "bookings_rejected_total", Help: "Bookings rejected by the client-side guard"})
	SearchTimeouts      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "rider_core", Name: "search_timeouts_total", Help: "Searches that expired with no driver"})
	GeofenceFires       = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "rider_core", Name: "geofence_fires_total", Help: "One-shot geofence signals fired"}, []string{"kind"})
	SessionSaves        = promauto.NewCounter(prometheus.CounterOpts{Namespace: "rider_core", Name: "session_saves_total", Help: "Persistent ride store writes"})
	RouteRefreshTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "rider_core", Name: "route_refresh_total", Help: "Successful route recomputations"})
	RouteRefreshFailed  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "rider_core", Name: "route_refresh_failed_total", Help: "Route refresh cycles that exhausted retries"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "rider_core", Name: "http_requests_total", Help: "Total HTTP requests handled by the status API"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rider_core",
			Name:      "http_request_duration_seconds",
			Help:      "Status API latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
