// Package schema defines the canonical event records for the threatfuse
// pipeline. A RawEvent is immutable once ingested; every later stage
// attaches a new sub-record to the EnrichedEvent instead of editing
// existing fields.
package schema

import (
	"time"

	"github.com/google/uuid"
)

// RawEvent is a security observation as received at ingestion.
type RawEvent struct {
	EventID     uuid.UUID  `json:"event_id" validate:"required"`
	Timestamp   time.Time  `json:"timestamp" validate:"required"`
	Description string     `json:"description" validate:"required,max=4096"`
	RawPayload  string     `json:"raw_payload,omitempty" validate:"max=65536"`
	ProcessPath string     `json:"process_path,omitempty" validate:"max=1024"`
	Severity    int        `json:"severity" validate:"required,min=1,max=10"`
	Source      SourceMeta `json:"source" validate:"required"`
}

// SourceMeta identifies where the event originated.
type SourceMeta struct {
	Host string `json:"host" validate:"required,max=256"`
	IP   string `json:"ip,omitempty" validate:"omitempty,ip"`
	User string `json:"user,omitempty" validate:"max=256"`
}

// EnrichedEvent is a RawEvent plus contextual enrichment and the
// analysis sub-records attached by downstream stages.
type EnrichedEvent struct {
	Raw        RawEvent   `json:"raw"`
	Enrichment Enrichment `json:"enrichment"`
	Stream     StreamMeta `json:"stream_metadata"`
	Analysis   Analysis   `json:"analysis"`
}

// EventID returns the originating event ID every derived record must
// carry.
func (e *EnrichedEvent) EventID() uuid.UUID {
	return e.Raw.EventID
}

// Enrichment holds the contextual metadata attached by the enrichment
// stage.
type Enrichment struct {
	Geo         GeoInfo     `json:"geo"`
	ThreatIntel IntelStub   `json:"threat_intel_stub"`
	Asset       AssetInfo   `json:"asset_info"`
	User        UserContext `json:"user_context"`
}

// GeoInfo is the geographic context for the source IP.
type GeoInfo struct {
	Country  string `json:"country"`
	Region   string `json:"region"`
	Internal bool   `json:"internal"`
}

// IntelStub is the static threat-intel reputation attached at
// enrichment time. Full attribution happens later in the intel stage.
type IntelStub struct {
	Reputation string `json:"reputation"` // clean, suspicious, malicious, unknown
	Listed     bool   `json:"listed"`
}

// AssetInfo describes the host the event came from.
type AssetInfo struct {
	Criticality string `json:"criticality"` // low, medium, high
	Owner       string `json:"owner"`
	Zone        string `json:"zone"`
}

// UserContext describes the user associated with the event.
type UserContext struct {
	Department string `json:"department"`
	Privileged bool   `json:"privileged"`
	Known      bool   `json:"known"`
}

// StreamMeta records how the event entered the pipeline.
type StreamMeta struct {
	StreamName  string    `json:"stream_name"`
	PublishedAt time.Time `json:"published_at"`
	EventID     uuid.UUID `json:"event_id"`
}

// Analysis aggregates the per-stage results for one event. A nil field
// means the stage has not run or failed and contributes its neutral
// value to fusion.
type Analysis struct {
	Techniques    *TechniqueAnalysis       `json:"advanced_detection,omitempty"`
	Behavior      *BehavioralAssessment    `json:"behavioral_analysis,omitempty"`
	FalsePositive *FalsePositiveAssessment `json:"ml_false_positive,omitempty"`
	ThreatIntel   *ThreatIntelResult       `json:"threat_intelligence,omitempty"`
	Correlation   *CorrelationResult       `json:"correlation,omitempty"`
	Final         *FinalAssessment         `json:"final_assessment,omitempty"`
}

// TechniqueMatch is one matched attack-technique signature.
type TechniqueMatch struct {
	TechniqueID   string  `json:"technique_id"`
	TechniqueName string  `json:"technique_name"`
	Confidence    float64 `json:"confidence"`
	Evidence      string  `json:"evidence"`
}

// TechniqueAnalysis is the technique detector output for one event.
type TechniqueAnalysis struct {
	EventID   uuid.UUID        `json:"event_id"`
	Matches   []TechniqueMatch `json:"matches"`
	RiskScore float64          `json:"risk_score"`
}

// BehavioralAssessment is the behavioral analyzer output.
type BehavioralAssessment struct {
	EventID  uuid.UUID       `json:"event_id"`
	Score    float64         `json:"behavioral_score"` // 0..10
	Anomaly  []string        `json:"anomalies"`
	Insights ContextInsights `json:"context_insights"`
}

// ContextInsights holds the per-category anomaly tags.
type ContextInsights struct {
	Process  []string `json:"process"`
	User     []string `json:"user"`
	Network  []string `json:"network"`
	Temporal []string `json:"temporal"`
}

// FPConfidence labels how much evidence backs a false-positive
// assessment.
type FPConfidence string

const (
	FPConfidenceLow    FPConfidence = "LOW"
	FPConfidenceMedium FPConfidence = "MEDIUM"
	FPConfidenceHigh   FPConfidence = "HIGH"
)

// FalsePositiveAssessment is the suppressor output.
type FalsePositiveAssessment struct {
	EventID         uuid.UUID    `json:"event_id"`
	Probability     float64      `json:"probability"` // 0..1
	ConfidenceLevel FPConfidence `json:"confidence_level"`
	Evidence        []string     `json:"evidence"`
}

// IOCMatch is a matched indicator of compromise.
type IOCMatch struct {
	Indicator   string  `json:"indicator"`
	Type        string  `json:"type"` // hash, substring
	TechniqueID string  `json:"technique_id,omitempty"`
	Confidence  float64 `json:"confidence"`
	Description string  `json:"description"`
}

// TechniqueIntel maps matched indicators to technique IDs.
type TechniqueIntel struct {
	TechniqueIDs []string `json:"technique_ids"`
	Confidence   float64  `json:"confidence"`
}

// ActorAttribution is one candidate threat actor, scored by
// technique-set overlap.
type ActorAttribution struct {
	Actor      string  `json:"actor"`
	Overlap    float64 `json:"overlap_score"`
	Confidence float64 `json:"confidence"`
}

// ThreatIntelResult is the attributor output.
type ThreatIntelResult struct {
	EventID      uuid.UUID          `json:"event_id"`
	IOCMatches   []IOCMatch         `json:"ioc_matches"`
	Techniques   TechniqueIntel     `json:"technique_analysis"`
	Attributions []ActorAttribution `json:"threat_actor_attributions"` // sorted desc, top 3
	ThreatScore  float64            `json:"threat_score"`              // 0..1
}

// TopActor returns the highest-confidence attribution, if any.
func (r *ThreatIntelResult) TopActor() (ActorAttribution, bool) {
	if r == nil || len(r.Attributions) == 0 {
		return ActorAttribution{}, false
	}
	return r.Attributions[0], true
}

// CorrelationPattern is a flagged pattern in a host's recent activity.
type CorrelationPattern struct {
	Type        string  `json:"type"` // repeated_attempt
	TechniqueID string  `json:"technique_id"`
	Count       int     `json:"count"`
	Confidence  float64 `json:"confidence"`
}

// PatternRepeatedAttempt flags clustered occurrences of the same
// technique from one host inside the correlation window.
const PatternRepeatedAttempt = "repeated_attempt"

// CorrelationResult is attached to, but does not replace, the event's
// own scores.
type CorrelationResult struct {
	EventID    uuid.UUID            `json:"event_id"`
	Key        string               `json:"key"` // source host
	WindowSize int                  `json:"window_size"`
	Patterns   []CorrelationPattern `json:"patterns"`
}

// HasPattern reports whether a pattern of the given type was flagged.
func (c *CorrelationResult) HasPattern(patternType string) bool {
	if c == nil {
		return false
	}
	for _, p := range c.Patterns {
		if p.Type == patternType {
			return true
		}
	}
	return false
}

// RiskLevel is the fused verdict level.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// VerdictConfidence labels how the fused verdict should be read.
type VerdictConfidence string

const (
	VerdictLegitimateThreat VerdictConfidence = "LEGITIMATE_THREAT"
	VerdictPossibleFP       VerdictConfidence = "POSSIBLE_FALSE_POSITIVE"
	VerdictHighFP           VerdictConfidence = "HIGH_FALSE_POSITIVE"
)

// Recommendation is the suggested analyst action for a verdict.
type Recommendation struct {
	Action    string   `json:"action"`
	Reasoning string   `json:"reasoning"`
	NextSteps []string `json:"next_steps"`
}

// FinalAssessment is the fused verdict for one event. It is derived,
// recomputed per event, and never persisted apart from its source
// event.
type FinalAssessment struct {
	EventID          uuid.UUID         `json:"event_id"`
	FinalRiskScore   float64           `json:"final_risk_score"`
	RiskLevel        RiskLevel         `json:"risk_level"`
	ConfidenceLevel  VerdictConfidence `json:"confidence_level"`
	RequiresResponse bool              `json:"requires_response"`
	Recommendation   Recommendation    `json:"recommendation"`
}

// ResponseAction is one dispatched (stubbed) response step.
type ResponseAction struct {
	Type     string `json:"type"`     // isolate_host, collect_forensics, escalate_to_analyst
	Priority string `json:"priority"` // HIGH, MEDIUM, LOW
	Target   string `json:"target"`
	Reason   string `json:"reason"`
}

// Incident records the automated response to a high-risk verdict.
type Incident struct {
	IncidentID    uuid.UUID        `json:"incident_id"`
	SourceEventID uuid.UUID        `json:"source_event_id"`
	Actions       []ResponseAction `json:"response_actions"`
	CreatedAt     time.Time        `json:"created_at"`
}
