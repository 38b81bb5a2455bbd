// Package metrics exposes the pipeline's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SourceRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "source_requests_total",
			Help: "Total number of requests sent to match data sources",
		},
		[]string{"source", "operation", "outcome"},
	)

	SourceRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "source_request_duration_seconds",
			Help:    "Duration of match data source requests in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"source", "operation"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	SyncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_runs_total",
			Help: "Total number of account sync runs by result",
		},
		[]string{"result"},
	)

	SyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sync_duration_seconds",
			Help:    "Duration of account sync runs in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
		},
	)

	SyncMatchesRetrieved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_matches_retrieved_total",
			Help: "Total number of matches retrieved by sync runs",
		},
	)

	SyncsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "syncs_in_flight",
			Help: "Current number of running account syncs",
		},
	)

	IngestedRowsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingested_player_rows_total",
			Help: "Total number of match player rows written by ingestion",
		},
	)

	IngestFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_failures_total",
			Help: "Total number of matches rolled back during ingestion",
		},
	)

	EnrichmentQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "enrichment_queue_depth",
			Help: "Current number of matches waiting in the enrichment queue",
		},
	)

	EnrichmentResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrichment_results_total",
			Help: "Total number of enrichment attempts by outcome",
		},
		[]string{"outcome"},
	)

	EnrichmentRejectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "enrichment_rejected_total",
			Help: "Total number of enqueue offers refused for capacity",
		},
	)

	SchedulerTicksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_ticks_total",
			Help: "Total number of scheduler ticks",
		},
	)

	SchedulerSyncsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_syncs_started_total",
			Help: "Total number of syncs started by the scheduler",
		},
	)

	SchemaRepairsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schema_repairs_total",
			Help: "Total number of schema repair runs",
		},
		[]string{"outcome"},
	)
)

func RecordSourceRequest(source, operation string, duration time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	SourceRequestsTotal.WithLabelValues(source, operation, outcome).Inc()
	SourceRequestDuration.WithLabelValues(source, operation).Observe(duration.Seconds())
}

func RecordSyncRun(result string, duration time.Duration, retrieved int) {
	SyncRunsTotal.WithLabelValues(result).Inc()
	SyncDuration.Observe(duration.Seconds())
	SyncMatchesRetrieved.Add(float64(retrieved))
}
