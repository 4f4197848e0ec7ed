// Package correlation maintains a per-host sliding time window of
// recent enriched events and flags repeated or clustered technique
// occurrences.
package correlation

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"threatfuse/internal/metrics"
	"threatfuse/internal/schema"
)

// Config configures the correlation engine.
type Config struct {
	// Window is the sliding window length. Entries older than this are
	// pruned on every insert.
	Window time.Duration `yaml:"window"`
	// RepeatThreshold is the occurrence count at which a technique is
	// flagged as a repeated attempt.
	RepeatThreshold int `yaml:"repeat_threshold"`
	// RepeatConfidence is the fixed confidence of a repeated-attempt
	// pattern.
	RepeatConfidence float64 `yaml:"repeat_confidence"`
}

// DefaultConfig returns the default correlation configuration.
func DefaultConfig() Config {
	return Config{
		Window:           300 * time.Second,
		RepeatThreshold:  2,
		RepeatConfidence: 0.8,
	}
}

// entry is one windowed observation.
type entry struct {
	eventID    uuid.UUID
	insertedAt time.Time
	techniques []string
}

// hostWindow is the per-key state. Its mutex serializes the
// prune-then-append-then-scan sequence so concurrent inserts for the
// same host cannot lose updates.
type hostWindow struct {
	mu      sync.Mutex
	entries []entry
}

// Engine correlates events per source host.
type Engine struct {
	config Config
	mu     sync.Mutex
	hosts  map[string]*hostWindow
	clock  func() time.Time
}

// New creates a correlation engine.
func New(cfg Config) *Engine {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.RepeatThreshold <= 0 {
		cfg.RepeatThreshold = DefaultConfig().RepeatThreshold
	}
	if cfg.RepeatConfidence <= 0 {
		cfg.RepeatConfidence = DefaultConfig().RepeatConfidence
	}
	return &Engine{
		config: cfg,
		hosts:  make(map[string]*hostWindow),
		clock:  time.Now,
	}
}

// WithClock overrides the engine clock. Test hook.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Observe inserts the event into its host's window and scans for
// patterns. Prune, append, and scan happen atomically per key.
func (e *Engine) Observe(event *schema.EnrichedEvent) *schema.CorrelationResult {
	key := event.Raw.Source.Host
	now := e.clock()

	var techniques []string
	if ta := event.Analysis.Techniques; ta != nil {
		for _, m := range ta.Matches {
			techniques = append(techniques, m.TechniqueID)
		}
	}

	w := e.window(key)
	w.mu.Lock()
	defer w.mu.Unlock()

	e.pruneLocked(w, now)

	// Re-inserting the same event ID replaces the prior entry instead
	// of duplicating it, so prune-and-insert stays idempotent.
	replaced := false
	for i := range w.entries {
		if w.entries[i].eventID == event.EventID() {
			w.entries[i] = entry{eventID: event.EventID(), insertedAt: now, techniques: techniques}
			replaced = true
			break
		}
	}
	if !replaced {
		w.entries = append(w.entries, entry{
			eventID:    event.EventID(),
			insertedAt: now,
			techniques: techniques,
		})
	}

	result := &schema.CorrelationResult{
		EventID:    event.EventID(),
		Key:        key,
		WindowSize: len(w.entries),
	}

	counts := make(map[string]int)
	for _, en := range w.entries {
		for _, t := range en.techniques {
			counts[t]++
		}
	}
	for _, t := range techniques {
		if counts[t] >= e.config.RepeatThreshold {
			result.Patterns = append(result.Patterns, schema.CorrelationPattern{
				Type:        schema.PatternRepeatedAttempt,
				TechniqueID: t,
				Count:       counts[t],
				Confidence:  e.config.RepeatConfidence,
			})
			metrics.CorrelationPatterns.WithLabelValues(schema.PatternRepeatedAttempt).Inc()
		}
	}

	return result
}

func (e *Engine) window(key string) *hostWindow {
	e.mu.Lock()
	defer e.mu.Unlock()

	w, ok := e.hosts[key]
	if !ok {
		w = &hostWindow{}
		e.hosts[key] = w
	}
	return w
}

// pruneLocked drops entries older than the window. Entries with a
// negative age (clock skew) are dropped rather than kept forever.
func (e *Engine) pruneLocked(w *hostWindow, now time.Time) {
	kept := w.entries[:0]
	for _, en := range w.entries {
		age := now.Sub(en.insertedAt)
		if age < 0 {
			slog.Warn("dropping correlation entry with negative age",
				"event_id", en.eventID, "age", age)
			continue
		}
		if age <= e.config.Window {
			kept = append(kept, en)
		}
	}
	w.entries = kept
}

// Cleanup removes hosts whose windows have gone empty. Intended to run
// periodically.
func (e *Engine) Cleanup() {
	now := e.clock()

	e.mu.Lock()
	hosts := make(map[string]*hostWindow, len(e.hosts))
	for k, v := range e.hosts {
		hosts[k] = v
	}
	e.mu.Unlock()

	for key, w := range hosts {
		w.mu.Lock()
		e.pruneLocked(w, now)
		empty := len(w.entries) == 0
		w.mu.Unlock()

		if empty {
			e.mu.Lock()
			if cur, ok := e.hosts[key]; ok && cur == w {
				delete(e.hosts, key)
			}
			e.mu.Unlock()
		}
	}
}

// WindowLen returns the current entry count for a host. Test hook.
func (e *Engine) WindowLen(key string) int {
	e.mu.Lock()
	w, ok := e.hosts[key]
	e.mu.Unlock()
	if !ok {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}
