// Package metrics exposes Prometheus instrumentation for the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Bus metrics

	// BusPublished counts envelopes accepted onto a stream.
	BusPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatfuse_bus_published_total",
			Help: "Total envelopes published per stream",
		},
		[]string{"stream"},
	)

	// BusDelivered counts envelopes fully dispatched to all handlers.
	BusDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatfuse_bus_delivered_total",
			Help: "Total envelopes delivered to handlers per stream",
		},
		[]string{"stream"},
	)

	// BusDropped counts envelopes lost to buffer overflow.
	BusDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatfuse_bus_dropped_total",
			Help: "Total envelopes dropped on overflow per stream",
		},
		[]string{"stream"},
	)

	// BusHandlerPanics counts recovered handler panics.
	BusHandlerPanics = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatfuse_bus_handler_panics_total",
			Help: "Total recovered handler panics per stream",
		},
		[]string{"stream"},
	)

	// Ingestion metrics

	// EventsIngested counts events accepted at the ingestion boundary.
	EventsIngested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "threatfuse_events_ingested_total",
			Help: "Total raw events accepted",
		},
	)

	// EventsRejected counts events rejected by validation.
	EventsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "threatfuse_events_rejected_total",
			Help: "Total raw events rejected at ingestion",
		},
	)

	// Stage metrics

	// StageFailures counts stage-internal failures that degraded to the
	// stage's neutral contribution.
	StageFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatfuse_stage_failures_total",
			Help: "Total stage failures degraded to neutral values",
		},
		[]string{"stage"},
	)

	// StageDuration tracks per-stage processing latency.
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "threatfuse_stage_duration_seconds",
			Help:    "Per-stage processing duration in seconds",
			Buckets: []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
		[]string{"stage"},
	)

	// Verdict metrics

	// Verdicts counts fused verdicts by risk level.
	Verdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatfuse_verdicts_total",
			Help: "Total fused verdicts by risk level",
		},
		[]string{"risk_level"},
	)

	// IncidentsCreated counts incidents dispatched by the auto-responder.
	IncidentsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "threatfuse_incidents_created_total",
			Help: "Total incidents created by auto-response",
		},
	)

	// CorrelationPatterns counts flagged correlation patterns by type.
	CorrelationPatterns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatfuse_correlation_patterns_total",
			Help: "Total correlation patterns flagged by type",
		},
		[]string{"type"},
	)
)
