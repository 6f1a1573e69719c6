package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// API metrics.
var (
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tilefeed_api_request_duration_seconds",
		Help:    "Duration of HTTP API requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})

	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilefeed_api_requests_total",
		Help: "Total HTTP API requests.",
	}, []string{"method", "endpoint", "status"})

	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tilefeed_api_active_connections",
		Help: "In-flight HTTP API requests.",
	})
)

// Coordinator metrics.
var (
	CoordinatorResolvesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilefeed_coordinator_resolves_total",
		Help: "Timeline resolve passes, labelled by what triggered them.",
	}, []string{"trigger"})

	CoordinatorResolveErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilefeed_coordinator_resolve_errors_total",
		Help: "Resolve passes that failed.",
	}, []string{"reason"})

	CoordinatorActiveChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tilefeed_coordinator_active_channels",
		Help: "Channels currently tracked by the coordinator.",
	})

	// Distance between a resolve and the computed expiry of its selection.
	// Unbounded selections are not observed.
	SelectionExpirySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tilefeed_selection_expiry_seconds",
		Help:    "Seconds until the active selection expires, observed at resolve time.",
		Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600, 7200, 14400, 43200, 86400},
	})
)

// Refresh pacing metrics.
var (
	RefreshFiredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilefeed_refresh_fired_total",
		Help: "Refreshes delivered to listeners.",
	}, []string{"channel_id"})

	RefreshDeferredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilefeed_refresh_deferred_total",
		Help: "Refresh requests deferred by the pacing floor.",
	}, []string{"channel_id"})

	RefreshScheduledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilefeed_refresh_scheduled_total",
		Help: "Refreshes scheduled for a future instant.",
	}, []string{"channel_id"})
)

// Event bus metrics.
var (
	EventBusPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilefeed_eventbus_published_total",
		Help: "Events published to the bus.",
	}, []string{"driver", "event_type"})

	EventBusErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilefeed_eventbus_errors_total",
		Help: "Event bus publish or receive failures.",
	}, []string{"driver"})
)

// Cache metrics.
var (
	CacheHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilefeed_cache_hits_total",
		Help: "Cache hits by cache name.",
	}, []string{"cache"})

	CacheMissesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilefeed_cache_misses_total",
		Help: "Cache misses by cache name.",
	}, []string{"cache"})
)

// Delivery metrics.
var (
	WebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilefeed_webhook_deliveries_total",
		Help: "Webhook delivery attempts by event and outcome.",
	}, []string{"event", "status"})

	DevicesSeenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilefeed_devices_seen_total",
		Help: "Device poll check-ins.",
	}, []string{"channel_id"})
)

// Leadership metrics.
var (
	LeaderStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tilefeed_leader_status",
		Help: "1 when this instance holds coordinator leadership, 0 otherwise.",
	})

	LeaderTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilefeed_leader_transitions_total",
		Help: "Leadership acquisitions and losses on this instance.",
	}, []string{"transition"})
)

// Database metrics.
var (
	DatabaseQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tilefeed_db_query_duration_seconds",
		Help:    "Duration of database operations.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "table"})

	DatabaseQueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilefeed_db_queries_total",
		Help: "Total database operations.",
	}, []string{"operation", "table"})

	DatabaseErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilefeed_db_errors_total",
		Help: "Database operations that returned an error.",
	}, []string{"operation", "type"})

	DatabaseConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tilefeed_db_connections_active",
		Help: "Open database connections.",
	})
)

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
