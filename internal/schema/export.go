package schema

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// ExportRecord is the stable JSON shape for any event leaving the
// pipeline. Field names are part of the external contract; do not
// rename them.
type ExportRecord struct {
	EventID         uuid.UUID        `json:"event_id"`
	Timestamp       time.Time        `json:"timestamp"`
	Enrichment      Enrichment       `json:"enrichment"`
	AnalysisModules AnalysisModules  `json:"analysis_modules"`
	FinalAssessment *FinalAssessment `json:"final_assessment"`
	IncidentResp    *Incident        `json:"incident_response,omitempty"`
}

// AnalysisModules groups the per-stage results under their exported
// module names.
type AnalysisModules struct {
	AdvancedDetection  *TechniqueAnalysis       `json:"advanced_detection"`
	BehavioralAnalysis *BehavioralAssessment    `json:"behavioral_analysis"`
	MLFalsePositive    *FalsePositiveAssessment `json:"ml_false_positive"`
	ThreatIntelligence *ThreatIntelResult       `json:"threat_intelligence"`
	Correlation        *CorrelationResult       `json:"correlation,omitempty"`
}

// NewExportRecord assembles the export shape from a fully processed
// event and an optional incident.
func NewExportRecord(event *EnrichedEvent, incident *Incident) *ExportRecord {
	return &ExportRecord{
		EventID:    event.Raw.EventID,
		Timestamp:  event.Raw.Timestamp,
		Enrichment: event.Enrichment,
		AnalysisModules: AnalysisModules{
			AdvancedDetection:  event.Analysis.Techniques,
			BehavioralAnalysis: event.Analysis.Behavior,
			MLFalsePositive:    event.Analysis.FalsePositive,
			ThreatIntelligence: event.Analysis.ThreatIntel,
			Correlation:        event.Analysis.Correlation,
		},
		FinalAssessment: event.Analysis.Final,
		IncidentResp:    incident,
	}
}

// Marshal encodes the record as JSON.
func (r *ExportRecord) Marshal() ([]byte, error) {
	return json.Marshal(r)
}
