package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MatchesTotal   = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "matches_total", Help: "Total number of committed matches"}, []string{"mode"})
	MatchLatency   = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_dispatch", Name: "match_latency_seconds", Help: "Per-request dispatch processing seconds"})
	VehicleUpdates = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "vehicle_updates_total", Help: "Vehicle state updates applied to the directory"}, []string{"source"})

	PassesTotal       = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "passes_total", Help: "Dispatch passes run"})
	PassesSkipped     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "passes_skipped_total", Help: "Timer fires dropped because a pass was still running"})
	PassDuration      = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_dispatch", Name: "pass_duration_seconds", Help: "Dispatch pass latency", Buckets: prometheus.DefBuckets})
	RequestsExpired   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "requests_expired_total", Help: "Requests that expired without a driver"})
	RequestsRetried   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "requests_retried_total", Help: "Dispatch attempts with no feasible candidate"})
	RequestFailures   = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "request_failures_total", Help: "Per-request dispatch failures"}, []string{"kind"})
	RouteLockSteals   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "route_lock_steals_total", Help: "Abandoned route locks taken over"})
	RouteLockWait     = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_dispatch", Name: "route_lock_wait_seconds", Help: "Time spent acquiring a route lock"})
	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "notifications_total", Help: "Notifications by sink and outcome"}, []string{"sink", "outcome"})
	Rebroadcasts      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rebroadcasts_total", Help: "Unacknowledged match notifications re-sent"})
	RideTransitions   = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "ride_transitions_total", Help: "Ride status transitions applied"}, []string{"to"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
