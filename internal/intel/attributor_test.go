package intel

import (
	"math"
	"testing"
	"time"

	"github.com/google/uuid"

	"threatfuse/internal/schema"
)

func newTestEvent(description, processPath string) *schema.EnrichedEvent {
	return &schema.EnrichedEvent{
		Raw: schema.RawEvent{
			EventID:     uuid.New(),
			Timestamp:   time.Now().UTC(),
			Description: description,
			ProcessPath: processPath,
			Severity:    5,
			Source:      schema.SourceMeta{Host: "ws-0042"},
		},
	}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestAttributor_IOCHashMatch(t *testing.T) {
	a := New(DefaultTables())

	result := a.Analyze(newTestEvent("file dropped", `C:\Users\Public\malware.exe`))

	if len(result.IOCMatches) != 1 {
		t.Fatalf("IOCMatches = %d, want 1", len(result.IOCMatches))
	}
	m := result.IOCMatches[0]
	if m.Type != "hash" {
		t.Errorf("Type = %q, want hash", m.Type)
	}
	if m.TechniqueID != "T1204" {
		t.Errorf("TechniqueID = %q, want T1204", m.TechniqueID)
	}
	if !almostEqual(m.Confidence, 0.95) {
		t.Errorf("Confidence = %v, want 0.95", m.Confidence)
	}
}

func TestAttributor_DigestIsCaseInsensitive(t *testing.T) {
	if Digest(`C:\Users\Public\MALWARE.EXE`) != Digest(`c:\users\public\malware.exe`) {
		t.Error("Digest should normalize case before hashing")
	}
}

func TestAttributor_ThreatScoreFormula(t *testing.T) {
	a := New(DefaultTables())

	// IOC 0.95, indicator createremotethread -> T1055 at 0.9,
	// Lazarus overlap 2/3 * 0.9 = 0.6.
	result := a.Analyze(newTestEvent(
		"Process activity via CreateRemoteThread", `C:\Users\Public\malware.exe`))

	want := (0.95*2 + 0.9*1.5 + 0.6*3) / 10 // 0.505
	if !almostEqual(result.ThreatScore, want) {
		t.Errorf("ThreatScore = %v, want %v", result.ThreatScore, want)
	}
}

func TestAttributor_AttributionOrderAndLimit(t *testing.T) {
	a := New(DefaultTables())

	result := a.Analyze(newTestEvent(
		"CreateRemoteThread observed", `C:\Users\Public\malware.exe`))

	// matched = {T1055, T1204}: Lazarus 2/3, FIN7 1/3; others zero.
	if len(result.Attributions) != 2 {
		t.Fatalf("Attributions = %+v, want 2", result.Attributions)
	}
	if result.Attributions[0].Actor != "Lazarus Group" {
		t.Errorf("top actor = %q, want Lazarus Group", result.Attributions[0].Actor)
	}
	if !almostEqual(result.Attributions[0].Confidence, (2.0/3.0)*0.9) {
		t.Errorf("top confidence = %v, want %v", result.Attributions[0].Confidence, (2.0/3.0)*0.9)
	}
	if result.Attributions[1].Actor != "FIN7" {
		t.Errorf("second actor = %q, want FIN7", result.Attributions[1].Actor)
	}

	for i := 1; i < len(result.Attributions); i++ {
		if result.Attributions[i].Confidence > result.Attributions[i-1].Confidence {
			t.Error("attributions are not sorted descending by confidence")
		}
	}
}

func TestAttributor_OverlapFloorIsExclusive(t *testing.T) {
	tables := Tables{
		Indicators: []IndicatorEntry{
			{Indicator: "psexec", TechniqueID: "T1021.002", Confidence: 0.75},
			{Indicator: "smbexec", TechniqueID: "T1021.003", Confidence: 0.7},
			{Indicator: "wmiexec", TechniqueID: "T1047", Confidence: 0.7},
		},
		Actors: []Actor{
			// Overlap 1/3 > 0.3: included.
			{Name: "Included", Techniques: []string{"T1021.002", "TX", "TY"}, BaseConfidence: 0.8},
			// Overlap exactly 3/10 = 0.3 is excluded (strictly-greater rule).
			{Name: "Excluded", Techniques: []string{"T1021.002", "T1021.003", "T1047", "TA", "TB", "TC", "TD", "TE", "TF", "TG"}, BaseConfidence: 0.8},
		},
	}
	a := New(tables)

	result := a.Analyze(newTestEvent("lateral movement via psexec, smbexec and wmiexec", ""))

	if len(result.Attributions) != 1 {
		t.Fatalf("Attributions = %+v, want exactly 1", result.Attributions)
	}
	if result.Attributions[0].Actor != "Included" {
		t.Errorf("actor = %q, want Included", result.Attributions[0].Actor)
	}
}

func TestAttributor_TopThreeOnly(t *testing.T) {
	tables := Tables{
		Indicators: []IndicatorEntry{
			{Indicator: "beacon", TechniqueID: "T1071", Confidence: 0.6},
		},
		Actors: []Actor{
			{Name: "A", Techniques: []string{"T1071"}, BaseConfidence: 0.9},
			{Name: "B", Techniques: []string{"T1071"}, BaseConfidence: 0.8},
			{Name: "C", Techniques: []string{"T1071"}, BaseConfidence: 0.7},
			{Name: "D", Techniques: []string{"T1071"}, BaseConfidence: 0.6},
		},
	}
	a := New(tables)

	result := a.Analyze(newTestEvent("beacon traffic detected", ""))

	if len(result.Attributions) != 3 {
		t.Fatalf("Attributions = %d, want 3", len(result.Attributions))
	}
	want := []string{"A", "B", "C"}
	for i := range want {
		if result.Attributions[i].Actor != want[i] {
			t.Errorf("Attributions[%d] = %q, want %q", i, result.Attributions[i].Actor, want[i])
		}
	}
}

func TestAttributor_NoMatchIsNeutral(t *testing.T) {
	a := New(DefaultTables())

	result := a.Analyze(newTestEvent("routine login succeeded", `C:\Windows\System32\svchost.exe`))

	if len(result.IOCMatches) != 0 {
		t.Errorf("IOCMatches = %+v, want none", result.IOCMatches)
	}
	if len(result.Attributions) != 0 {
		t.Errorf("Attributions = %+v, want none", result.Attributions)
	}
	if result.ThreatScore != 0 {
		t.Errorf("ThreatScore = %v, want 0", result.ThreatScore)
	}
}

func TestAttributor_TechniqueIDsSorted(t *testing.T) {
	a := New(DefaultTables())

	result := a.Analyze(newTestEvent(
		"mimikatz run then CreateRemoteThread", `C:\Users\Public\malware.exe`))

	want := []string{"T1003", "T1055", "T1204"}
	if len(result.Techniques.TechniqueIDs) != len(want) {
		t.Fatalf("TechniqueIDs = %v, want %v", result.Techniques.TechniqueIDs, want)
	}
	for i := range want {
		if result.Techniques.TechniqueIDs[i] != want[i] {
			t.Errorf("TechniqueIDs = %v, want %v", result.Techniques.TechniqueIDs, want)
		}
	}
	// Highest indicator confidence wins: mimikatz at 0.95.
	if !almostEqual(result.Techniques.Confidence, 0.95) {
		t.Errorf("Confidence = %v, want 0.95", result.Techniques.Confidence)
	}
}
