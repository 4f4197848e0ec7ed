// Package bus provides named event streams with bounded buffering.
// Each stream runs exactly one consumer loop; handlers registered on a
// stream execute sequentially in registration order for every envelope,
// so per-stream ordering stays deterministic. Producers never block on
// stage completion.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"threatfuse/internal/metrics"
)

// Standard stream names used by the pipeline.
const (
	StreamRaw       = "raw_events"
	StreamProcessed = "processed_events"
	StreamAlerts    = "alerts"
	StreamIncidents = "incidents"
)

// ErrBusClosed is returned when publishing to a closed bus.
var ErrBusClosed = fmt.Errorf("event bus is closed")

// Envelope wraps a payload traveling on a stream.
type Envelope struct {
	Stream      string
	EventID     uuid.UUID
	PublishedAt time.Time
	Payload     any
}

// Handler is invoked once per envelope, at-least-once, in publish
// order. A returned error is logged and does not stop later handlers.
type Handler func(ctx context.Context, env *Envelope) error

// Config configures the bus.
type Config struct {
	BufferSize     int            `yaml:"buffer_size"`
	OverflowPolicy OverflowPolicy `yaml:"overflow_policy"`
	PollInterval   time.Duration  `yaml:"poll_interval"`
	DrainWait      time.Duration  `yaml:"drain_wait"`
}

// DefaultConfig returns the default bus configuration.
func DefaultConfig() Config {
	return Config{
		BufferSize:     4096,
		OverflowPolicy: OverflowDropOldest,
		PollInterval:   10 * time.Millisecond,
		DrainWait:      30 * time.Second,
	}
}

// Bus owns all streams. Streams are created lazily on first publish or
// subscribe.
type Bus struct {
	config   Config
	streams  map[string]*stream
	mu       sync.RWMutex
	closed   bool
	startCtx context.Context
	wg       sync.WaitGroup
}

// stream is one named channel with its single consumer loop.
type stream struct {
	name     string
	buf      *ringBuffer
	handlers []Handler
	mu       sync.RWMutex
	started  bool
	done     chan struct{} // closed when the consumer loop exits
}

// drainOrder lists the pipeline streams upstream-first so a draining
// handler can still cascade events into a downstream stream.
var drainOrder = []string{StreamRaw, StreamProcessed, StreamAlerts, StreamIncidents}

// New creates an event bus.
func New(cfg Config) *Bus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.DrainWait <= 0 {
		cfg.DrainWait = DefaultConfig().DrainWait
	}
	return &Bus{
		config:  cfg,
		streams: make(map[string]*stream),
	}
}

// Publish enqueues an event on the named stream without waiting for
// consumers. On overflow the oldest envelope is dropped (or the publish
// rejected, per policy); drops are counted, never silent.
func (b *Bus) Publish(stream string, eventID uuid.UUID, payload any) error {
	b.mu.RLock()
	closed := b.closed
	s, ok := b.streams[stream]
	b.mu.RUnlock()

	if !ok {
		if closed {
			return ErrBusClosed
		}
		s = b.getOrCreateStream(stream)
	}

	env := &Envelope{
		Stream:      stream,
		EventID:     eventID,
		PublishedAt: time.Now().UTC(),
		Payload:     payload,
	}

	dropped, err := s.buf.push(env)
	if err != nil {
		switch err {
		case ErrQueueFull:
			metrics.BusDropped.WithLabelValues(stream).Inc()
			slog.Warn("stream buffer full, event rejected",
				"stream", stream, "event_id", eventID)
			return err
		case ErrQueueClosed:
			return ErrBusClosed
		}
		return err
	}
	if dropped {
		metrics.BusDropped.WithLabelValues(stream).Inc()
		slog.Warn("stream buffer full, oldest event dropped",
			"stream", stream, "event_id", eventID)
	}

	metrics.BusPublished.WithLabelValues(stream).Inc()
	return nil
}

// Subscribe registers a handler on the named stream. Handlers run
// sequentially in registration order within the stream's single
// consumer loop.
func (b *Bus) Subscribe(stream string, handler Handler) {
	s := b.getOrCreateStream(stream)
	s.mu.Lock()
	s.handlers = append(s.handlers, handler)
	s.mu.Unlock()
}

// Start launches one consumer loop per known stream. Streams created
// after Start get their loop on creation.
func (b *Bus) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.streams {
		b.startStreamLocked(ctx, s)
	}
	b.startCtx = ctx
	slog.Info("event bus started", "streams", len(b.streams))
}

func (b *Bus) getOrCreateStream(name string) *stream {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.streams[name]; ok {
		return s
	}

	s := &stream{
		name: name,
		buf:  newRingBuffer(b.config.BufferSize, b.config.OverflowPolicy),
		done: make(chan struct{}),
	}
	b.streams[name] = s

	if b.startCtx != nil {
		b.startStreamLocked(b.startCtx, s)
	}
	return s
}

func (b *Bus) startStreamLocked(ctx context.Context, s *stream) {
	if s.started {
		return
	}
	s.started = true
	b.wg.Add(1)
	go b.consumeLoop(ctx, s)
}

// consumeLoop is the single consumer for one stream. It drains the
// buffer fully on shutdown before exiting: in-flight events finish, no
// event is abandoned mid-handler.
func (b *Bus) consumeLoop(ctx context.Context, s *stream) {
	defer b.wg.Done()
	defer close(s.done)

	slog.Debug("stream consumer started", "stream", s.name)

	for {
		env, err := s.buf.popWithTimeout(b.config.PollInterval)
		if err != nil {
			if err == ErrQueueClosed {
				slog.Debug("stream consumer drained", "stream", s.name)
				return
			}
			// ErrQueueEmpty: check for cancellation, then keep polling.
			select {
			case <-ctx.Done():
				s.buf.close()
			default:
			}
			continue
		}

		b.dispatch(ctx, s, env)
	}
}

// dispatch runs every handler for one envelope. A panic or error in one
// handler is caught and logged and does not prevent subsequent handlers
// or events from being processed.
func (b *Bus) dispatch(ctx context.Context, s *stream, env *Envelope) {
	s.mu.RLock()
	handlers := s.handlers
	s.mu.RUnlock()

	for i, handler := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					metrics.BusHandlerPanics.WithLabelValues(s.name).Inc()
					slog.Error("handler panic recovered",
						"stream", s.name,
						"event_id", env.EventID,
						"handler_index", i,
						"panic", r,
						"stack", string(debug.Stack()))
				}
			}()

			if err := handler(ctx, env); err != nil {
				slog.Error("handler failed",
					"stream", s.name,
					"event_id", env.EventID,
					"handler_index", i,
					"error", err)
			}
		}()
	}

	metrics.BusDelivered.WithLabelValues(s.name).Inc()
}

// Close stops accepting new events and drains every stream gracefully.
// Streams close upstream-first: while an upstream stream drains, its
// handlers can still publish into the streams below it, so no in-flight
// event is lost mid-pipeline. Returns once every consumer loop has
// exited or the drain wait elapses.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	streams := make(map[string]*stream, len(b.streams))
	for name, s := range b.streams {
		streams[name] = s
	}
	b.mu.Unlock()

	deadline := time.Now().Add(b.config.DrainWait)
	timedOut := false

	for _, name := range drainOrder {
		if s, ok := streams[name]; ok {
			timedOut = !b.drainStream(s, deadline) || timedOut
			delete(streams, name)
		}
	}
	for _, s := range streams {
		timedOut = !b.drainStream(s, deadline) || timedOut
	}

	if timedOut {
		slog.Warn("event bus drain timed out", "wait", b.config.DrainWait)
		return
	}
	slog.Info("event bus drained and stopped")
}

// drainStream closes one stream's buffer and waits for its consumer to
// finish the remaining envelopes. Reports false on deadline expiry.
func (b *Bus) drainStream(s *stream, deadline time.Time) bool {
	s.buf.close()

	b.mu.RLock()
	started := s.started
	b.mu.RUnlock()
	if !started {
		return true
	}

	wait := time.Until(deadline)
	if wait <= 0 {
		select {
		case <-s.done:
			return true
		default:
			return false
		}
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-s.done:
		return true
	case <-timer.C:
		return false
	}
}

// Stats returns per-stream buffer metrics.
func (b *Bus) Stats() map[string]QueueMetrics {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := make(map[string]QueueMetrics, len(b.streams))
	for name, s := range b.streams {
		stats[name] = s.buf.metrics()
	}
	return stats
}
