/*
Package metrics provides Prometheus metrics collection and exposition for paasd.

The metrics package defines and registers all paasd metrics using the Prometheus
client library, providing observability into deploys, pushes, telemetry ingestion,
and container state. Metrics are exposed via HTTP endpoint for scraping by
Prometheus servers.

# Architecture

paasd's metrics system follows Prometheus best practices with instrumentation
across the deploy, push, and ingest paths:

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  │  - Automatic Go runtime metrics             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Metric Types                   │          │
	│  │                                              │          │
	│  │  Gauge: Instant values (container count)    │          │
	│  │  Counter: Monotonic increases (requests)    │          │
	│  │  Histogram: Distributions (deploy duration) │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                 │          │
	│  │                                              │          │
	│  │  Deploy: Attempts, duration, rollbacks      │          │
	│  │  Push: Requests, auth failures, wait time   │          │
	│  │  Ingest: Datagrams, telemetry groups        │          │
	│  │  Container: Count by service/state, op time │          │
	│  │  Item store: Flush duration                 │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint               │          │
	│  │  - Path: /metrics                           │          │
	│  │  - Format: Prometheus text exposition       │          │
	│  │  - Handler: promhttp.Handler()              │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Metric Registry:
  - Global Prometheus DefaultRegistry
  - All metrics registered at package init
  - Automatic collection of Go runtime metrics
  - Thread-safe for concurrent updates

Collector:
  - Polls the container driver every 15 seconds
  - Refreshes ContainersTotal{service, state} from the live container list
  - Recovers the service name from the paasd.service label, falling back
    to the name prefix before the first "."

Timer Helper:
  - Convenience wrapper for timing operations
  - Start timer, observe duration to histogram
  - Supports label values for histogram vectors

# Metrics Catalog

Deploy Metrics:

paasd_deployments_total{scale_mode, status}:
  - Type: Counter
  - Description: Total deploy attempts by scale mode (noscale/safe/roll) and status (success/failed)
  - Example: paasd_deployments_total{scale_mode="roll",status="success"} 42

paasd_deployment_duration_seconds{scale_mode}:
  - Type: Histogram
  - Description: Deploy attempt duration in seconds by scale mode
  - Buckets: 1, 5, 10, 30, 60, 120, 300, 600, 1800

paasd_deployments_rolled_back_total{scale_mode}:
  - Type: Counter
  - Description: Total deploy attempts that were rolled back

Push / Auth Metrics:

paasd_push_requests_total{outcome}:
  - Type: Counter
  - Description: Total push requests by outcome (accepted/rejected/error)

paasd_push_auth_failures_total:
  - Type: Counter
  - Description: Total push/status requests rejected by the authenticator

paasd_push_wait_duration_seconds:
  - Type: Histogram
  - Description: Time a push request spent waiting for the single-writer deploy gate

Ingest Metrics:

paasd_ingest_datagrams_total{outcome}:
  - Type: Counter
  - Description: Total UDP telemetry datagrams received by outcome (accepted/dropped/malformed)

paasd_ingest_groups_total:
  - Type: Gauge
  - Description: Total number of distinct telemetry groups known to the collector

Container Metrics:

paasd_containers_total{service, state}:
  - Type: Gauge
  - Description: Total number of containers by service and state
  - Example: paasd_containers_total{service="web",state="running"} 3

paasd_container_operation_duration_seconds{operation}:
  - Type: Histogram
  - Description: Duration of a container runtime CLI operation (build/run/stop/...) in seconds

Item Store Metrics:

paasd_itemstore_flush_duration_seconds:
  - Type: Histogram
  - Description: Time taken to flush an aggregation bucket to the item store

# Usage

Recording a deploy outcome:

	timer := metrics.NewTimer()
	err := orchestrator.Deploy(ctx, m, dir, progress)
	status := "success"
	if err != nil {
		status = "failed"
	}
	metrics.DeploymentsTotal.WithLabelValues(scaleMode, status).Inc()
	timer.ObserveDurationVec(metrics.DeploymentDuration, scaleMode)

Exposing the metrics endpoint:

	http.Handle("/metrics", metrics.Handler())
	http.ListenAndServe(":9090", nil)

Running the container collector:

	collector := metrics.NewCollector(driver)
	collector.Start()
	defer collector.Stop()

# Integration Points

This package integrates with:

  - pkg/deploy: Records deploy attempts, duration, and rollbacks
  - pkg/daemon: Instruments push request handling and the deploy gate
  - pkg/ingest: Tracks UDP datagram ingestion outcomes
  - pkg/container: Collector polls container state for ContainersTotal
  - pkg/itemstore: Times aggregation bucket flushes
  - Prometheus: Scrapes /metrics endpoint

# Design Patterns

Package Init Registration:
  - All metrics registered in init() function
  - MustRegister panics on duplicate registration
  - Ensures metrics available before main()

Label Discipline:
  - Labels are bounded: scale_mode, status, outcome, service, state, operation
  - Service names come from the manifest, not from request input, keeping
    cardinality proportional to the number of deployed services

Timer Pattern:
  - Create timer at operation start
  - Call ObserveDuration/ObserveDurationVec when the operation completes

# Troubleshooting

Missing Metrics:
  - Check: Metric registered in init() function
  - Check: MustRegister called (panics if duplicate)
  - Solution: Verify metric variable is exported

Stale Container Counts:
  - Symptom: paasd_containers_total lags the real container list
  - Check: Collector.Start() was called and the container driver is reachable
  - Solution: Confirm the 15s collect() tick isn't blocked by a hung driver.List call

# See Also

  - Prometheus documentation: https://prometheus.io/docs/
  - Prometheus client library: https://github.com/prometheus/client_golang
*/
package metrics
