package detect

import (
	"math"
	"testing"
	"time"

	"github.com/google/uuid"

	"threatfuse/internal/schema"
)

func newTestEvent(description, payload string) *schema.EnrichedEvent {
	return &schema.EnrichedEvent{
		Raw: schema.RawEvent{
			EventID:     uuid.New(),
			Timestamp:   time.Now().UTC(),
			Description: description,
			RawPayload:  payload,
			Severity:    5,
			Source:      schema.SourceMeta{Host: "ws-0001"},
		},
	}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestDetector_ConfidenceIsMatchedFraction(t *testing.T) {
	sigs := []Signature{
		{
			TechniqueID: "T9999",
			Name:        "Test Technique",
			Indicators:  []string{"alpha", "bravo", "charlie", "delta"},
			Severity:    SeverityHigh,
		},
	}
	d, err := New(sigs, DefaultSeverityWeights())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	result := d.Analyze(newTestEvent("observed alpha then BRAVO activity", ""))

	if len(result.Matches) != 1 {
		t.Fatalf("Matches = %d, want 1", len(result.Matches))
	}
	m := result.Matches[0]
	if !almostEqual(m.Confidence, 0.5) {
		t.Errorf("Confidence = %v, want 0.5 (2 of 4 indicators)", m.Confidence)
	}
	// risk = severity weight * confidence = 5 * 0.5
	if !almostEqual(result.RiskScore, 2.5) {
		t.Errorf("RiskScore = %v, want 2.5", result.RiskScore)
	}
}

func TestDetector_RiskScoreSumsAcrossSignatures(t *testing.T) {
	d, err := New(BuiltinSignatures(), DefaultSeverityWeights())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// T1055 (CRITICAL, 1/1) and T1003 (CRITICAL, 1/3).
	result := d.Analyze(newTestEvent(
		"CreateRemoteThread into lsass, mimikatz artifacts on disk", ""))

	if len(result.Matches) != 2 {
		t.Fatalf("Matches = %d, want 2: %+v", len(result.Matches), result.Matches)
	}
	want := 8*1.0 + 8*(1.0/3.0)
	if !almostEqual(result.RiskScore, want) {
		t.Errorf("RiskScore = %v, want %v", result.RiskScore, want)
	}
}

func TestDetector_MatchesPayloadText(t *testing.T) {
	d, err := New(BuiltinSignatures(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	result := d.Analyze(newTestEvent("suspicious process start",
		"powershell.exe -EncodedCommand SQBFAFgA"))

	found := false
	for _, m := range result.Matches {
		if m.TechniqueID == "T1059.001" {
			found = true
			if !almostEqual(m.Confidence, 0.25) {
				t.Errorf("Confidence = %v, want 0.25 (1 of 4 indicators)", m.Confidence)
			}
		}
	}
	if !found {
		t.Errorf("expected T1059.001 match, got %+v", result.Matches)
	}
}

func TestDetector_NoMatchIsNeutral(t *testing.T) {
	d, err := New(BuiltinSignatures(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	result := d.Analyze(newTestEvent("routine chrome update completed", ""))

	if len(result.Matches) != 0 {
		t.Errorf("Matches = %+v, want none", result.Matches)
	}
	if result.RiskScore != 0 {
		t.Errorf("RiskScore = %v, want 0", result.RiskScore)
	}
}

func TestDetector_SameEventID(t *testing.T) {
	d, _ := New(BuiltinSignatures(), nil)
	event := newTestEvent("mimikatz sekurlsa::logonpasswords", "")

	result := d.Analyze(event)
	if result.EventID != event.EventID() {
		t.Errorf("EventID = %v, want %v", result.EventID, event.EventID())
	}
}

func TestSignature_Validate(t *testing.T) {
	tests := []struct {
		name    string
		sig     Signature
		wantErr bool
	}{
		{
			name:    "valid",
			sig:     Signature{TechniqueID: "T1", Indicators: []string{"x"}, Severity: SeverityLow},
			wantErr: false,
		},
		{
			name:    "missing technique id",
			sig:     Signature{Indicators: []string{"x"}, Severity: SeverityLow},
			wantErr: true,
		},
		{
			name:    "no indicators",
			sig:     Signature{TechniqueID: "T1", Severity: SeverityLow},
			wantErr: true,
		},
		{
			name:    "bad severity",
			sig:     Signature{TechniqueID: "T1", Indicators: []string{"x"}, Severity: "EXTREME"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sig.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
