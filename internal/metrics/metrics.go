package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "settlement"

// Metrics holds Prometheus metrics for the settlement service
type Metrics struct {
	EventsProcessed *prometheus.CounterVec
	EventDuration   *prometheus.HistogramVec
	BonusAmount     *prometheus.CounterVec
	DeferredPairs   prometheus.Counter
	BlockedNodes    prometheus.Counter
	Released        prometheus.Counter
	Withdrawals     *prometheus.CounterVec
	SweepNodes      prometheus.Counter
	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
}

// New registers the metrics on reg. Tests pass a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EventsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "events_processed_total",
				Help:      "Total number of events handled, by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		EventDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "event_duration_seconds",
				Help:      "Time spent applying one event",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		BonusAmount: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bonus",
				Name:      "amount_minor_units_total",
				Help:      "Bonus amount credited, in minor currency units",
			},
			[]string{"type"},
		),
		DeferredPairs: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bonus",
				Name:      "deferred_pairs_total",
				Help:      "Pairs held back by the daily cap",
			},
		),
		BlockedNodes: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tree",
				Name:      "blocked_nodes_total",
				Help:      "Tree nodes blocked after a consistency violation",
			},
		),
		Released: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "wallet",
				Name:      "released_minor_units_total",
				Help:      "Awaiting balance released to earnings",
			},
		),
		Withdrawals: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "wallet",
				Name:      "withdrawals_total",
				Help:      "Withdrawal requests processed, by status",
			},
			[]string{"status"},
		),
		SweepNodes: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sweep",
				Name:      "nodes_paired_total",
				Help:      "Nodes paid by the daily pairing sweep",
			},
		),
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "response_time_seconds",
				Help:      "Histogram of response times",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

// ObserveEvent records one handled event.
func (m *Metrics) ObserveEvent(kind, outcome string, started time.Time) {
	m.EventsProcessed.WithLabelValues(kind, outcome).Inc()
	m.EventDuration.WithLabelValues(kind).Observe(time.Since(started).Seconds())
}

// GinMiddleware counts requests by route template.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.HTTPRequests.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
