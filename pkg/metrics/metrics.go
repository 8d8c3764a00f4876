package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Deployment metrics
	DeploymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paasd_deployments_total",
			Help: "Total number of deploy attempts by scale mode and status",
		},
		[]string{"scale_mode", "status"},
	)

	DeploymentDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "paasd_deployment_duration_seconds",
			Help:    "Deploy attempt duration in seconds by scale mode",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"scale_mode"},
	)

	RolledBackDeploymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paasd_deployments_rolled_back_total",
			Help: "Total number of deploy attempts that were rolled back",
		},
		[]string{"scale_mode"},
	)

	// Push / auth metrics
	PushRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paasd_push_requests_total",
			Help: "Total number of push requests by outcome",
		},
		[]string{"outcome"},
	)

	PushAuthFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "paasd_push_auth_failures_total",
			Help: "Total number of push/status requests rejected by the authenticator",
		},
	)

	PushWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "paasd_push_wait_duration_seconds",
			Help:    "Time a push request spent waiting for the single-writer deploy gate",
			Buckets: prometheus.DefBuckets,
		},
	)

	// UDP ingest metrics
	IngestDatagramsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paasd_ingest_datagrams_total",
			Help: "Total number of UDP datagrams received by outcome",
		},
		[]string{"outcome"},
	)

	IngestGroupsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "paasd_ingest_groups_total",
			Help: "Total number of distinct telemetry groups known to the collector",
		},
	)

	// Container state
	ContainersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "paasd_containers_total",
			Help: "Total number of containers by service and state",
		},
		[]string{"service", "state"},
	)

	ContainerOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "paasd_container_operation_duration_seconds",
			Help:    "Duration of a container runtime CLI operation in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Item store
	ItemStoreFlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "paasd_itemstore_flush_duration_seconds",
			Help:    "Time taken to flush an aggregation bucket to the item store",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(DeploymentsTotal)
	prometheus.MustRegister(DeploymentDuration)
	prometheus.MustRegister(RolledBackDeploymentsTotal)

	prometheus.MustRegister(PushRequestsTotal)
	prometheus.MustRegister(PushAuthFailuresTotal)
	prometheus.MustRegister(PushWaitDuration)

	prometheus.MustRegister(IngestDatagramsTotal)
	prometheus.MustRegister(IngestGroupsTotal)

	prometheus.MustRegister(ContainersTotal)
	prometheus.MustRegister(ContainerOperationDuration)

	prometheus.MustRegister(ItemStoreFlushDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
