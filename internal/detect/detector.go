// Package detect pattern-matches event text against known
// attack-technique signatures and produces a per-technique confidence
// plus an aggregate risk score.
package detect

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"threatfuse/internal/schema"
)

// Severity classifies a signature's impact.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// SeverityWeights maps a severity class to its risk contribution.
type SeverityWeights map[Severity]float64

// DefaultSeverityWeights returns the standard weight table.
func DefaultSeverityWeights() SeverityWeights {
	return SeverityWeights{
		SeverityLow:      1,
		SeverityMedium:   3,
		SeverityHigh:     5,
		SeverityCritical: 8,
	}
}

// Signature is one attack-technique pattern. Confidence for a match is
// matched_indicators / total_indicators.
type Signature struct {
	TechniqueID string   `yaml:"technique_id"`
	Name        string   `yaml:"name"`
	Indicators  []string `yaml:"indicators"`
	Severity    Severity `yaml:"severity"`
}

// Validate checks the signature for required fields.
func (s *Signature) Validate() error {
	if s.TechniqueID == "" {
		return fmt.Errorf("signature missing technique_id")
	}
	if len(s.Indicators) == 0 {
		return fmt.Errorf("signature %s has no indicators", s.TechniqueID)
	}
	switch s.Severity {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
	default:
		return fmt.Errorf("signature %s has invalid severity %q", s.TechniqueID, s.Severity)
	}
	return nil
}

// Detector matches enriched events against a static signature table.
type Detector struct {
	signatures []Signature
	weights    SeverityWeights
}

// New creates a Detector. Invalid signatures are rejected.
func New(signatures []Signature, weights SeverityWeights) (*Detector, error) {
	for i := range signatures {
		if err := signatures[i].Validate(); err != nil {
			return nil, err
		}
	}
	if weights == nil {
		weights = DefaultSeverityWeights()
	}
	return &Detector{signatures: signatures, weights: weights}, nil
}

// Analyze matches the event's description and raw payload against every
// signature. No match means an empty technique list and risk score 0.
func (d *Detector) Analyze(event *schema.EnrichedEvent) *schema.TechniqueAnalysis {
	text := strings.ToLower(event.Raw.Description + " " + event.Raw.RawPayload)

	result := &schema.TechniqueAnalysis{
		EventID: event.EventID(),
	}

	for _, sig := range d.signatures {
		matched := 0
		var evidence []string
		for _, ind := range sig.Indicators {
			if strings.Contains(text, strings.ToLower(ind)) {
				matched++
				evidence = append(evidence, ind)
			}
		}
		if matched == 0 {
			continue
		}

		confidence := float64(matched) / float64(len(sig.Indicators))
		result.Matches = append(result.Matches, schema.TechniqueMatch{
			TechniqueID:   sig.TechniqueID,
			TechniqueName: sig.Name,
			Confidence:    confidence,
			Evidence:      strings.Join(evidence, ", "),
		})
		result.RiskScore += d.weights[sig.Severity] * confidence
	}

	return result
}

// LoadSignatures reads additional signatures from a YAML file. Loaded
// entries are appended to the given base table.
func LoadSignatures(path string, base []Signature) ([]Signature, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signatures file: %w", err)
	}

	var extra struct {
		Signatures []Signature `yaml:"signatures"`
	}
	if err := yaml.Unmarshal(data, &extra); err != nil {
		return nil, fmt.Errorf("failed to parse signatures file: %w", err)
	}

	for i := range extra.Signatures {
		if err := extra.Signatures[i].Validate(); err != nil {
			return nil, err
		}
	}
	return append(base, extra.Signatures...), nil
}
