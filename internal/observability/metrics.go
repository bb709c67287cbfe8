package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PickupsCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: "waste_dispatch", Name: "pickups_created_total", Help: "Total pickups submitted"})
	QuoteLatency   = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "waste_dispatch", Name: "quote_latency_seconds", Help: "Quote computation latency seconds"})
	WorkersOnline  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "waste_dispatch", Name: "workers_online", Help: "Number of available workers in the index"})

	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "waste_dispatch", Name: "transitions_total", Help: "Pickup lifecycle transitions applied"},
		[]string{"to"},
	)
	TransitionRejected = promauto.NewCounter(prometheus.CounterOpts{Namespace: "waste_dispatch", Name: "transitions_rejected_total", Help: "Transitions rejected by the state guard"})

	ExpiredPickups = promauto.NewCounter(prometheus.CounterOpts{Namespace: "waste_dispatch", Name: "expired_pickups_total", Help: "Pending pickups auto-cancelled by the expiration sweep"})
	SweepFailures  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "waste_dispatch", Name: "sweep_failures_total", Help: "Per-job failures during expiration sweeps"})

	RoutingFallbacks = promauto.NewCounter(prometheus.CounterOpts{Namespace: "waste_dispatch", Name: "routing_fallbacks_total", Help: "Quotes priced on straight-line distance after a routing failure"})

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "waste_dispatch", Name: "notifications_sent_total", Help: "Notifications delivered"},
		[]string{"event", "transport"},
	)
	NotificationsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "waste_dispatch", Name: "notifications_failed_total", Help: "Notifications dropped after delivery failure"},
		[]string{"event"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "waste_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "waste_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
