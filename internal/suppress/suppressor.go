// Package suppress estimates the probability that a detection is a
// false positive. Four independent legitimacy heuristics each yield a
// sub-score and explicit evidence tags; the sum is normalized to [0,1].
package suppress

import (
	"strings"
	"time"

	"threatfuse/internal/schema"
)

// Baseline answers identity questions the suppressor needs from the
// behavioral baselines.
type Baseline interface {
	KnownProcess(processPath string) (known, trustedPath bool)
	KnownUser(user string) bool
}

// Config holds the suppressor's tunable heuristics.
type Config struct {
	// BusinessHourStart/End bound the workday, local event time.
	BusinessHourStart int `yaml:"business_hour_start"`
	BusinessHourEnd   int `yaml:"business_hour_end"`
	// LowBehaviorScore is the threshold below which behavior counts as
	// unremarkable.
	LowBehaviorScore float64 `yaml:"low_behavior_score"`
}

// DefaultConfig returns the standard suppressor configuration.
func DefaultConfig() Config {
	return Config{
		BusinessHourStart: 8,
		BusinessHourEnd:   18,
		LowBehaviorScore:  1.0,
	}
}

// browserProcesses legitimately perform calls that detection rules
// commonly flag (e.g. remote thread creation in their own sandbox
// subprocesses).
var browserProcesses = []string{"chrome.exe", "firefox.exe", "msedge.exe", "safari"}

// benignFlaggedCalls are OS calls that trip signatures but are routine
// for the processes above.
var benignFlaggedCalls = []string{"createremotethread", "writeprocessmemory", "virtualallocex"}

var legitimateKeywords = []string{
	"update", "installer", "backup", "scheduled", "maintenance", "sync", "patch",
}

var maliciousKeywords = []string{
	"inject", "dump", "exfiltrat", "beacon", "ransom", "privilege escalation", "obfuscat",
}

var suspiciousDirs = []string{
	"\\users\\public\\", "\\temp\\", "\\appdata\\local\\temp\\", "\\downloads\\", "/tmp/", "/dev/shm/",
}

// knownGoodPaths maps well-known binaries to their expected install
// path fragments.
var knownGoodPaths = map[string][]string{
	"chrome.exe":   {"\\program files\\google\\chrome\\"},
	"firefox.exe":  {"\\program files\\mozilla firefox\\"},
	"svchost.exe":  {"\\windows\\system32\\"},
	"explorer.exe": {"\\windows\\"},
	"outlook.exe":  {"\\program files\\microsoft office\\"},
}

// Suppressor computes false-positive assessments.
type Suppressor struct {
	config   Config
	baseline Baseline
}

// New creates a Suppressor backed by the given behavioral baseline.
func New(cfg Config, baseline Baseline) *Suppressor {
	if cfg.BusinessHourEnd <= cfg.BusinessHourStart {
		cfg = DefaultConfig()
	}
	return &Suppressor{config: cfg, baseline: baseline}
}

// Assess combines the four legitimacy heuristics into a false-positive
// probability and a confidence label derived from the evidence count.
func (s *Suppressor) Assess(event *schema.EnrichedEvent) *schema.FalsePositiveAssessment {
	var sum float64
	var evidence []string

	score, tags := s.processLegitimacy(event)
	sum += score
	evidence = append(evidence, tags...)

	score, tags = s.temporalLegitimacy(event)
	sum += score
	evidence = append(evidence, tags...)

	score, tags = s.descriptionLegitimacy(event)
	sum += score
	evidence = append(evidence, tags...)

	score, tags = s.behavioralLegitimacy(event)
	sum += score
	evidence = append(evidence, tags...)

	if sum < 0 {
		sum = 0
	}
	probability := sum / 10
	if probability > 1 {
		probability = 1
	}

	confidence := schema.FPConfidenceLow
	switch {
	case len(evidence) >= 5:
		confidence = schema.FPConfidenceHigh
	case len(evidence) >= 3:
		confidence = schema.FPConfidenceMedium
	}

	return &schema.FalsePositiveAssessment{
		EventID:         event.EventID(),
		Probability:     probability,
		ConfidenceLevel: confidence,
		Evidence:        evidence,
	}
}

func (s *Suppressor) processLegitimacy(event *schema.EnrichedEvent) (float64, []string) {
	path := strings.ToLower(event.Raw.ProcessPath)
	if path == "" {
		return 0, nil
	}

	var score float64
	var tags []string

	name := baseName(path)
	if expected, ok := knownGoodPaths[name]; ok {
		for _, p := range expected {
			if strings.Contains(path, p) {
				score += 2.5
				tags = append(tags, "known_process", "trusted_install_path")
				break
			}
		}
	}

	for _, dir := range suspiciousDirs {
		if strings.Contains(path, dir) {
			score -= 1.5
			tags = append(tags, "suspicious_directory")
			break
		}
	}

	return score, tags
}

func (s *Suppressor) temporalLegitimacy(event *schema.EnrichedEvent) (float64, []string) {
	ts := event.Raw.Timestamp
	var score float64
	var tags []string

	weekday := ts.Weekday() != time.Saturday && ts.Weekday() != time.Sunday
	business := ts.Hour() >= s.config.BusinessHourStart && ts.Hour() < s.config.BusinessHourEnd

	if business {
		score += 1.0
		tags = append(tags, "business_hours")
	} else {
		score -= 0.5
		tags = append(tags, "off_hours")
	}
	if weekday {
		score += 0.5
		tags = append(tags, "weekday_activity")
	}
	return score, tags
}

func (s *Suppressor) descriptionLegitimacy(event *schema.EnrichedEvent) (float64, []string) {
	text := strings.ToLower(event.Raw.Description)
	var score float64
	var tags []string

	for _, kw := range legitimateKeywords {
		if strings.Contains(text, kw) {
			score += 0.5
			tags = append(tags, "legitimate_keyword:"+kw)
		}
	}
	for _, kw := range maliciousKeywords {
		if strings.Contains(text, kw) {
			score -= 0.75
			tags = append(tags, "malicious_keyword:"+kw)
		}
	}

	// A browser performing a commonly-flagged but routine OS call is a
	// known benign pattern and earns a fixed bonus.
	path := strings.ToLower(event.Raw.ProcessPath)
	for _, browser := range browserProcesses {
		if !strings.Contains(path, browser) {
			continue
		}
		for _, call := range benignFlaggedCalls {
			if strings.Contains(text, call) {
				score += 2.0
				tags = append(tags, "known_benign_pattern")
				return score, tags
			}
		}
	}

	return score, tags
}

func (s *Suppressor) behavioralLegitimacy(event *schema.EnrichedEvent) (float64, []string) {
	var score float64
	var tags []string

	if b := event.Analysis.Behavior; b != nil && b.Score < s.config.LowBehaviorScore {
		score += 1.0
		tags = append(tags, "low_behavioral_deviation")
	}
	if s.baseline != nil {
		if known, _ := s.baseline.KnownProcess(event.Raw.ProcessPath); known {
			score += 0.25
			tags = append(tags, "baseline_process")
		}
		if event.Raw.Source.User != "" && s.baseline.KnownUser(event.Raw.Source.User) {
			score += 0.25
			tags = append(tags, "baseline_user")
		}
	}
	return score, tags
}

func baseName(path string) string {
	idx := strings.LastIndexAny(path, "\\/")
	if idx >= 0 {
		return path[idx+1:]
	}
	return path
}
