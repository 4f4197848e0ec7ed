package correlation

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"threatfuse/internal/schema"
)

func newTestEvent(host string, techniques ...string) *schema.EnrichedEvent {
	event := &schema.EnrichedEvent{
		Raw: schema.RawEvent{
			EventID:   uuid.New(),
			Timestamp: time.Now().UTC(),
			Severity:  5,
			Source:    schema.SourceMeta{Host: host},
		},
	}
	if len(techniques) > 0 {
		ta := &schema.TechniqueAnalysis{EventID: event.EventID()}
		for _, id := range techniques {
			ta.Matches = append(ta.Matches, schema.TechniqueMatch{TechniqueID: id, Confidence: 1})
		}
		event.Analysis.Techniques = ta
	}
	return event
}

// fakeClock is a settable clock for window tests.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestEngine_SingleOccurrenceNoPattern(t *testing.T) {
	e := New(DefaultConfig())

	result := e.Observe(newTestEvent("ws-0042", "T1055"))

	if len(result.Patterns) != 0 {
		t.Errorf("Patterns = %+v, want none for a single occurrence", result.Patterns)
	}
	if result.WindowSize != 1 {
		t.Errorf("WindowSize = %d, want 1", result.WindowSize)
	}
}

func TestEngine_RepeatedAttemptAtThreshold(t *testing.T) {
	e := New(DefaultConfig())

	e.Observe(newTestEvent("ws-0042", "T1055"))
	result := e.Observe(newTestEvent("ws-0042", "T1055"))

	if len(result.Patterns) != 1 {
		t.Fatalf("Patterns = %+v, want 1", result.Patterns)
	}
	p := result.Patterns[0]
	if p.Type != schema.PatternRepeatedAttempt {
		t.Errorf("Type = %q, want %q", p.Type, schema.PatternRepeatedAttempt)
	}
	if p.TechniqueID != "T1055" {
		t.Errorf("TechniqueID = %q, want T1055", p.TechniqueID)
	}
	if p.Count != 2 {
		t.Errorf("Count = %d, want 2", p.Count)
	}
	if p.Confidence != 0.8 {
		t.Errorf("Confidence = %v, want 0.8", p.Confidence)
	}
}

func TestEngine_DifferentTechniquesDoNotCorrelate(t *testing.T) {
	e := New(DefaultConfig())

	e.Observe(newTestEvent("ws-0042", "T1055"))
	result := e.Observe(newTestEvent("ws-0042", "T1003"))

	if len(result.Patterns) != 0 {
		t.Errorf("Patterns = %+v, want none for distinct techniques", result.Patterns)
	}
	if result.WindowSize != 2 {
		t.Errorf("WindowSize = %d, want 2", result.WindowSize)
	}
}

func TestEngine_HostsAreIsolated(t *testing.T) {
	e := New(DefaultConfig())

	e.Observe(newTestEvent("ws-0001", "T1055"))
	result := e.Observe(newTestEvent("ws-0002", "T1055"))

	if len(result.Patterns) != 0 {
		t.Errorf("Patterns = %+v, want none across hosts", result.Patterns)
	}
	if result.WindowSize != 1 {
		t.Errorf("WindowSize = %d, want 1", result.WindowSize)
	}
}

func TestEngine_WindowExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)}
	e := New(DefaultConfig()).WithClock(clock.Now)

	e.Observe(newTestEvent("ws-0042", "T1055"))

	// Beyond the 300s window the first occurrence must not correlate.
	clock.Advance(301 * time.Second)
	result := e.Observe(newTestEvent("ws-0042", "T1055"))

	if len(result.Patterns) != 0 {
		t.Errorf("Patterns = %+v, want none after window expiry", result.Patterns)
	}
	if result.WindowSize != 1 {
		t.Errorf("WindowSize = %d, want 1 after prune", result.WindowSize)
	}
}

func TestEngine_EntryAtWindowEdgeStillCounts(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)}
	e := New(DefaultConfig()).WithClock(clock.Now)

	e.Observe(newTestEvent("ws-0042", "T1055"))

	clock.Advance(300 * time.Second)
	result := e.Observe(newTestEvent("ws-0042", "T1055"))

	if len(result.Patterns) != 1 {
		t.Errorf("Patterns = %+v, want repeated_attempt at window edge", result.Patterns)
	}
}

func TestEngine_ReObservationIsIdempotent(t *testing.T) {
	e := New(DefaultConfig())

	event := newTestEvent("ws-0042", "T1055")
	e.Observe(event)
	result := e.Observe(event)

	// The same event ID replaces its prior entry instead of counting
	// twice, so one event can never trip the repeat threshold alone.
	if len(result.Patterns) != 0 {
		t.Errorf("Patterns = %+v, want none for re-observation", result.Patterns)
	}
	if result.WindowSize != 1 {
		t.Errorf("WindowSize = %d, want 1", result.WindowSize)
	}
}

func TestEngine_CleanupRemovesEmptyWindows(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)}
	e := New(DefaultConfig()).WithClock(clock.Now)

	e.Observe(newTestEvent("ws-0042", "T1055"))
	if e.WindowLen("ws-0042") != 1 {
		t.Fatalf("WindowLen = %d, want 1", e.WindowLen("ws-0042"))
	}

	clock.Advance(10 * time.Minute)
	e.Cleanup()

	if e.WindowLen("ws-0042") != 0 {
		t.Errorf("WindowLen = %d after cleanup, want 0", e.WindowLen("ws-0042"))
	}
}

func TestEngine_NegativeAgeEntriesDropped(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)}
	e := New(DefaultConfig()).WithClock(clock.Now)

	e.Observe(newTestEvent("ws-0042", "T1055"))

	// Clock skew backwards: the earlier entry now has a negative age
	// and must be discarded rather than kept forever.
	clock.Advance(-time.Hour)
	result := e.Observe(newTestEvent("ws-0042", "T1055"))

	if result.WindowSize != 1 {
		t.Errorf("WindowSize = %d, want 1 after skew drop", result.WindowSize)
	}
	if len(result.Patterns) != 0 {
		t.Errorf("Patterns = %+v, want none", result.Patterns)
	}
}
