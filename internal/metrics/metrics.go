// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"timeline_tracker/internal/domain"
)

type trackerMetrics struct {
	cycles             prometheus.Counter
	cycleDuration      prometheus.Histogram
	fetchResults       *prometheus.CounterVec
	itemsDelivered     prometheus.Counter
	deliveryFailures   prometheus.Counter
	accountHealth      *prometheus.GaugeVec
	stateSaves         prometheus.Counter
	healthCheckSweeps  prometheus.Counter
	proxyProbeDuration prometheus.Histogram
}

var m *trackerMetrics

func init() {
	m = new(trackerMetrics)

	m.cycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_cycles_total",
		Help: "The number of completed polling cycles",
	})

	m.cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tracker_cycle_duration_seconds",
		Help:    "The amount of time it took to run one polling cycle",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	m.fetchResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_fetch_results_total",
		Help: "The number of fetch task results by kind",
	}, []string{"kind"})

	m.itemsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_items_delivered_total",
		Help: "The number of new items delivered downstream",
	})

	m.deliveryFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_delivery_failures_total",
		Help: "The number of items that failed delivery",
	})

	m.accountHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tracker_account_health",
		Help: "Account health: 0 healthy, 1 degraded, 2 unhealthy",
	}, []string{"account"})

	m.stateSaves = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_state_saves_total",
		Help: "The number of state file writes",
	})

	m.healthCheckSweeps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_health_check_sweeps_total",
		Help: "The number of completed proxy health check sweeps",
	})

	m.proxyProbeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "tracker_proxy_probe_duration_seconds",
		Help: "The amount of time a proxy connectivity probe took",
	})
}

func CycleCompleted(d time.Duration) {
	m.cycles.Inc()
	m.cycleDuration.Observe(d.Seconds())
}

func FetchResult(kind domain.ResultKind) {
	m.fetchResults.WithLabelValues(string(kind)).Inc()
}

func ItemDelivered() {
	m.itemsDelivered.Inc()
}

func DeliveryFailed() {
	m.deliveryFailures.Inc()
}

func StateSaved() {
	m.stateSaves.Inc()
}

func HealthSweepCompleted() {
	m.healthCheckSweeps.Inc()
}

func ProxyProbed(d time.Duration) {
	m.proxyProbeDuration.Observe(d.Seconds())
}

func SetAccountHealth(accountID string, h domain.Health) {
	var v float64
	switch h {
	case domain.Degraded:
		v = 1
	case domain.Unhealthy:
		v = 2
	}
	m.accountHealth.WithLabelValues(accountID).Set(v)
}
