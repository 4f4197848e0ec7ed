// Package pipeline wires the analysis stages onto the event bus and
// exposes the two external operations: Ingest and Subscribe.
//
// Flow: raw_events -> enrichment -> processed_events -> {technique,
// behavior, false-positive, intel, correlation, fusion} -> alerts ->
// auto-response -> incidents. The processed stream's handlers run
// sequentially in registration order inside one consumer loop, so
// fusion always sees the completed contributions for the same event and
// never mixes scores across events.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"threatfuse/internal/behavior"
	"threatfuse/internal/bus"
	"threatfuse/internal/correlation"
	"threatfuse/internal/detect"
	"threatfuse/internal/enrich"
	"threatfuse/internal/fusion"
	"threatfuse/internal/intel"
	"threatfuse/internal/metrics"
	"threatfuse/internal/response"
	"threatfuse/internal/schema"
	"threatfuse/internal/suppress"
)

// Stages bundles the constructed analysis stages.
type Stages struct {
	Enricher   *enrich.Enricher
	Detector   *detect.Detector
	Analyzer   *behavior.Analyzer
	Suppressor *suppress.Suppressor
	Attributor *intel.Attributor
	Correlator *correlation.Engine
	Fuser      *fusion.Fuser
	Dispatcher *response.Dispatcher
}

// Pipeline owns the bus and the stage wiring.
type Pipeline struct {
	bus       *bus.Bus
	stages    Stages
	validator *schema.Validator
}

// New assembles the pipeline and registers every stage handler on its
// stream. Call Start before ingesting.
func New(b *bus.Bus, validator *schema.Validator, stages Stages) (*Pipeline, error) {
	if stages.Enricher == nil || stages.Detector == nil || stages.Analyzer == nil ||
		stages.Suppressor == nil || stages.Attributor == nil || stages.Correlator == nil ||
		stages.Fuser == nil || stages.Dispatcher == nil {
		return nil, fmt.Errorf("pipeline requires all stages")
	}

	p := &Pipeline{
		bus:       b,
		stages:    stages,
		validator: validator,
	}

	b.Subscribe(bus.StreamRaw, p.handleRaw)

	// Registration order on the processed stream is the stage order.
	b.Subscribe(bus.StreamProcessed, p.stage("technique_detector", p.runDetector))
	b.Subscribe(bus.StreamProcessed, p.stage("behavioral_analyzer", p.runAnalyzer))
	b.Subscribe(bus.StreamProcessed, p.stage("fp_suppressor", p.runSuppressor))
	b.Subscribe(bus.StreamProcessed, p.stage("threat_intel", p.runAttributor))
	b.Subscribe(bus.StreamProcessed, p.stage("correlation", p.runCorrelator))
	b.Subscribe(bus.StreamProcessed, p.stage("decision_fusion", p.runFusion))

	b.Subscribe(bus.StreamAlerts, p.handleAlert)

	return p, nil
}

// Start launches the bus consumer loops.
func (p *Pipeline) Start(ctx context.Context) {
	p.bus.Start(ctx)
}

// Close drains the bus gracefully: no new events are accepted and
// in-flight events are processed to completion.
func (p *Pipeline) Close() {
	p.bus.Close()
}

// Ingest is the sole external entry point. Malformed events are
// rejected synchronously and never enter the pipeline.
func (p *Pipeline) Ingest(raw schema.RawEvent) error {
	if err := p.validator.Validate(&raw); err != nil {
		metrics.EventsRejected.Inc()
		return fmt.Errorf("event rejected: %w", err)
	}

	if err := p.bus.Publish(bus.StreamRaw, raw.EventID, raw); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", raw.EventID, err)
	}

	metrics.EventsIngested.Inc()
	return nil
}

// Subscribe registers an external handler on a stream, e.g. a notifier
// on the alerts or incidents stream.
func (p *Pipeline) Subscribe(stream string, handler bus.Handler) {
	p.bus.Subscribe(stream, handler)
}

// Stats returns per-stream bus metrics.
func (p *Pipeline) Stats() map[string]bus.QueueMetrics {
	return p.bus.Stats()
}

// handleRaw enriches a raw event and forwards it to the processed
// stream.
func (p *Pipeline) handleRaw(ctx context.Context, env *bus.Envelope) error {
	raw, ok := env.Payload.(schema.RawEvent)
	if !ok {
		return fmt.Errorf("raw stream: unexpected payload %T", env.Payload)
	}

	enriched := p.stages.Enricher.Enrich(raw, env.Stream, env.PublishedAt)
	return p.bus.Publish(bus.StreamProcessed, raw.EventID, enriched)
}

// stage wraps a stage function with failure isolation: a panic inside
// the stage is logged with the event ID and stage name, the stage's
// contribution stays at its neutral value, and the event continues
// through the remaining stages.
func (p *Pipeline) stage(name string, fn func(ctx context.Context, event *schema.EnrichedEvent) error) bus.Handler {
	return func(ctx context.Context, env *bus.Envelope) error {
		event, ok := env.Payload.(*schema.EnrichedEvent)
		if !ok {
			return fmt.Errorf("%s: unexpected payload %T", name, env.Payload)
		}

		start := time.Now()
		defer func() {
			metrics.StageDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
			if r := recover(); r != nil {
				metrics.StageFailures.WithLabelValues(name).Inc()
				slog.Error("stage failed, contribution defaults to neutral",
					"stage", name,
					"event_id", event.EventID(),
					"panic", r)
			}
		}()

		if err := fn(ctx, event); err != nil {
			metrics.StageFailures.WithLabelValues(name).Inc()
			slog.Error("stage failed, contribution defaults to neutral",
				"stage", name,
				"event_id", event.EventID(),
				"error", err)
		}
		return nil
	}
}

func (p *Pipeline) runDetector(_ context.Context, event *schema.EnrichedEvent) error {
	event.Analysis.Techniques = p.stages.Detector.Analyze(event)
	return nil
}

func (p *Pipeline) runAnalyzer(_ context.Context, event *schema.EnrichedEvent) error {
	event.Analysis.Behavior = p.stages.Analyzer.Analyze(event)
	return nil
}

func (p *Pipeline) runSuppressor(_ context.Context, event *schema.EnrichedEvent) error {
	event.Analysis.FalsePositive = p.stages.Suppressor.Assess(event)
	return nil
}

func (p *Pipeline) runAttributor(_ context.Context, event *schema.EnrichedEvent) error {
	event.Analysis.ThreatIntel = p.stages.Attributor.Analyze(event)
	return nil
}

func (p *Pipeline) runCorrelator(_ context.Context, event *schema.EnrichedEvent) error {
	event.Analysis.Correlation = p.stages.Correlator.Observe(event)
	return nil
}

// runFusion fuses the stage results and publishes the completed event
// on the alerts stream.
func (p *Pipeline) runFusion(_ context.Context, event *schema.EnrichedEvent) error {
	event.Analysis.Final = p.stages.Fuser.Fuse(event)
	return p.bus.Publish(bus.StreamAlerts, event.EventID(), event)
}

// handleAlert runs auto-response on a fused verdict and publishes the
// resulting incident record, wrapped in the stable export shape, on the
// incidents stream.
func (p *Pipeline) handleAlert(_ context.Context, env *bus.Envelope) error {
	event, ok := env.Payload.(*schema.EnrichedEvent)
	if !ok {
		return fmt.Errorf("alerts stream: unexpected payload %T", env.Payload)
	}

	incident := p.stages.Dispatcher.Dispatch(event)
	if incident == nil {
		return nil
	}

	record := schema.NewExportRecord(event, incident)
	return p.bus.Publish(bus.StreamIncidents, event.EventID(), record)
}
