// Package fusion combines technique risk, behavioral score,
// false-positive probability, and threat score into one final risk
// verdict and recommendation. Every weight and threshold lives in the
// policy table; the defaults are empirically chosen constants, not
// tuned truth.
package fusion

import (
	"fmt"

	"threatfuse/internal/metrics"
	"threatfuse/internal/schema"
)

// Policy is the configurable fusion policy table.
type Policy struct {
	// Blend weights for the legitimate-threat path.
	TechniqueWeight float64 `yaml:"technique_weight"`
	BehaviorWeight  float64 `yaml:"behavior_weight"`
	ThreatWeight    float64 `yaml:"threat_weight"`

	// False-positive thresholds and dampening factors.
	HighFPThreshold     float64 `yaml:"high_fp_threshold"`
	PossibleFPThreshold float64 `yaml:"possible_fp_threshold"`
	HighFPDampening     float64 `yaml:"high_fp_dampening"`
	PossibleFPDampening float64 `yaml:"possible_fp_dampening"`

	// Risk-level thresholds on the adjusted risk score.
	CriticalThreshold float64 `yaml:"critical_threshold"`
	HighThreshold     float64 `yaml:"high_threshold"`
	MediumThreshold   float64 `yaml:"medium_threshold"`
}

// DefaultPolicy returns the standard fusion policy.
func DefaultPolicy() Policy {
	return Policy{
		TechniqueWeight:     0.3,
		BehaviorWeight:      0.2,
		ThreatWeight:        0.5,
		HighFPThreshold:     0.7,
		PossibleFPThreshold: 0.4,
		HighFPDampening:     0.3,
		PossibleFPDampening: 0.6,
		CriticalThreshold:   7,
		HighThreshold:       5,
		MediumThreshold:     3,
	}
}

// Validate checks the policy for degenerate values.
func (p Policy) Validate() error {
	if p.HighFPThreshold <= p.PossibleFPThreshold {
		return fmt.Errorf("high_fp_threshold must exceed possible_fp_threshold")
	}
	if p.CriticalThreshold <= p.HighThreshold || p.HighThreshold <= p.MediumThreshold {
		return fmt.Errorf("risk thresholds must be strictly descending")
	}
	return nil
}

// Fuser produces final assessments.
type Fuser struct {
	policy Policy
}

// New creates a Fuser with the given policy.
func New(policy Policy) (*Fuser, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &Fuser{policy: policy}, nil
}

// Fuse combines the stage results attached to the event into a final
// assessment. Missing stage results contribute their neutral value.
// All inputs must reference the same event; fusion never mixes scores
// across events.
func (f *Fuser) Fuse(event *schema.EnrichedEvent) *schema.FinalAssessment {
	techniqueRisk := 0.0
	if ta := event.Analysis.Techniques; ta != nil {
		techniqueRisk = ta.RiskScore
	}
	behaviorScore := 0.0
	if ba := event.Analysis.Behavior; ba != nil {
		behaviorScore = ba.Score
	}
	fpProbability := 0.0
	if fp := event.Analysis.FalsePositive; fp != nil {
		fpProbability = fp.Probability
	}
	threatScore := 0.0
	if ti := event.Analysis.ThreatIntel; ti != nil {
		threatScore = ti.ThreatScore
	}

	var adjusted float64
	var confidence schema.VerdictConfidence

	switch {
	case fpProbability > f.policy.HighFPThreshold:
		adjusted = techniqueRisk * (1 - fpProbability) * f.policy.HighFPDampening
		confidence = schema.VerdictHighFP
	case fpProbability > f.policy.PossibleFPThreshold:
		adjusted = techniqueRisk * (1 - fpProbability) * f.policy.PossibleFPDampening
		confidence = schema.VerdictPossibleFP
	default:
		adjusted = techniqueRisk*f.policy.TechniqueWeight +
			behaviorScore*f.policy.BehaviorWeight +
			threatScore*10*f.policy.ThreatWeight
		confidence = schema.VerdictLegitimateThreat
	}

	level := schema.RiskLow
	requiresResponse := false
	switch {
	case adjusted >= f.policy.CriticalThreshold:
		level = schema.RiskCritical
		requiresResponse = true
	case adjusted >= f.policy.HighThreshold:
		level = schema.RiskHigh
		requiresResponse = true
	case adjusted >= f.policy.MediumThreshold:
		level = schema.RiskMedium
	}

	metrics.Verdicts.WithLabelValues(string(level)).Inc()

	return &schema.FinalAssessment{
		EventID:          event.EventID(),
		FinalRiskScore:   adjusted,
		RiskLevel:        level,
		ConfidenceLevel:  confidence,
		RequiresResponse: requiresResponse,
		Recommendation:   f.recommend(confidence, level, event.Analysis.ThreatIntel),
	}
}

// recommend selects the action, reasoning, and next steps from the
// confidence label and, when available, the top attributed actor.
func (f *Fuser) recommend(confidence schema.VerdictConfidence, level schema.RiskLevel, ti *schema.ThreatIntelResult) schema.Recommendation {
	switch confidence {
	case schema.VerdictHighFP:
		return schema.Recommendation{
			Action:    "suppress_alert",
			Reasoning: "evidence strongly suggests benign activity matching a known detection pattern",
			NextSteps: []string{
				"verify against the behavioral baseline",
				"tune the matching signature if recurrence continues",
			},
		}
	case schema.VerdictPossibleFP:
		return schema.Recommendation{
			Action:    "manual_review",
			Reasoning: "mixed legitimacy evidence; an analyst should confirm before response",
			NextSteps: []string{
				"review process lineage and user session",
				"compare with recent activity from the same host",
			},
		}
	}

	rec := schema.Recommendation{
		Action:    "monitor",
		Reasoning: "threat indicators present but below response thresholds",
		NextSteps: []string{"watch for repeated activity from this host"},
	}
	if level == schema.RiskHigh || level == schema.RiskCritical {
		rec.Action = "initiate_incident_response"
		rec.Reasoning = "fused risk exceeds the response threshold"
		rec.NextSteps = []string{
			"isolate the affected host",
			"collect volatile forensics",
		}
	}
	if actor, ok := ti.TopActor(); ok {
		rec.Reasoning = fmt.Sprintf("%s; activity overlaps %s tradecraft", rec.Reasoning, actor.Actor)
		rec.NextSteps = append(rec.NextSteps,
			fmt.Sprintf("hunt for other %s techniques across the fleet", actor.Actor))
	}
	return rec
}
