// Package response converts fused high-risk verdicts into response
// actions and records them on incidents. Action execution is a stub:
// every action is logged, never performed; real execution belongs to an
// external collaborator.
package response

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"threatfuse/internal/metrics"
	"threatfuse/internal/schema"
)

// Policy holds the dispatch policy thresholds.
type Policy struct {
	// ForensicsThreatScore is the threat score above which forensics
	// collection is dispatched.
	ForensicsThreatScore float64 `yaml:"forensics_threat_score"`
}

// DefaultPolicy returns the standard dispatch policy.
func DefaultPolicy() Policy {
	return Policy{ForensicsThreatScore: 0.7}
}

// Dispatcher turns high-risk verdicts into incidents.
type Dispatcher struct {
	policy Policy
}

// New creates a Dispatcher.
func New(policy Policy) *Dispatcher {
	if policy.ForensicsThreatScore <= 0 {
		policy = DefaultPolicy()
	}
	return &Dispatcher{policy: policy}
}

// Dispatch builds the incident for a fused verdict. Returns nil when
// the verdict does not require a response.
func (d *Dispatcher) Dispatch(event *schema.EnrichedEvent) *schema.Incident {
	final := event.Analysis.Final
	if final == nil || !final.RequiresResponse {
		return nil
	}

	host := event.Raw.Source.Host
	var actions []schema.ResponseAction

	// Correlated repeated attempts isolate the host.
	if event.Analysis.Correlation.HasPattern(schema.PatternRepeatedAttempt) {
		actions = append(actions, schema.ResponseAction{
			Type:     "isolate_host",
			Priority: "HIGH",
			Target:   host,
			Reason:   "repeated technique attempts within the correlation window",
		})
	}

	// Strong threat-intel signal triggers forensics collection.
	if ti := event.Analysis.ThreatIntel; ti != nil && ti.ThreatScore > d.policy.ForensicsThreatScore {
		actions = append(actions, schema.ResponseAction{
			Type:     "collect_forensics",
			Priority: "MEDIUM",
			Target:   host,
			Reason:   "threat intelligence score exceeds the forensics threshold",
		})
	}

	if len(actions) == 0 {
		actions = append(actions, schema.ResponseAction{
			Type:     "escalate_to_analyst",
			Priority: "MEDIUM",
			Target:   host,
			Reason:   "high-risk verdict without an automated playbook match",
		})
	}

	incident := &schema.Incident{
		IncidentID:    uuid.New(),
		SourceEventID: event.EventID(),
		Actions:       actions,
		CreatedAt:     time.Now().UTC(),
	}

	for _, action := range incident.Actions {
		// Execution stub: the action is recorded and logged only.
		slog.Info("response action dispatched",
			"incident_id", incident.IncidentID,
			"event_id", incident.SourceEventID,
			"action", action.Type,
			"priority", action.Priority,
			"target", action.Target)
	}
	metrics.IncidentsCreated.Inc()

	return incident
}
