// Package behavior compares event attributes against static baseline
// profiles and produces an anomaly score plus anomaly tags. Profiles
// are injected at construction and never mutated.
package behavior

import (
	"path/filepath"
	"strings"
	"time"

	"threatfuse/internal/schema"
)

// ProcessProfile is the baseline for one known process.
type ProcessProfile struct {
	Name       string   `yaml:"name"`
	KnownPaths []string `yaml:"known_paths"` // path substrings, lowercase
	HourStart  int      `yaml:"hour_start"`  // inclusive, 0..23
	HourEnd    int      `yaml:"hour_end"`    // exclusive; 0,24 means any hour
}

// UserProfile is the baseline for one known user identity.
type UserProfile struct {
	Name       string   `yaml:"name"`
	KnownHosts []string `yaml:"known_hosts"`
	HourStart  int      `yaml:"hour_start"`
	HourEnd    int      `yaml:"hour_end"`
}

// CategoryWeights weight each anomaly category's contribution to the
// behavioral score.
type CategoryWeights struct {
	Process  float64 `yaml:"process"`
	User     float64 `yaml:"user"`
	Network  float64 `yaml:"network"`
	Temporal float64 `yaml:"temporal"`
}

// DefaultWeights returns the standard category weights.
func DefaultWeights() CategoryWeights {
	return CategoryWeights{Process: 0.3, User: 0.25, Network: 0.25, Temporal: 0.2}
}

// maxScore caps the behavioral score.
const maxScore = 10.0

// suspiciousDirs are execution locations that deviate from any
// baseline install path.
var suspiciousDirs = []string{
	"\\users\\public\\",
	"\\temp\\",
	"\\appdata\\local\\temp\\",
	"\\downloads\\",
	"/tmp/",
	"/dev/shm/",
}

// Analyzer scores events against the injected baselines.
type Analyzer struct {
	processes map[string]ProcessProfile
	users     map[string]UserProfile
	weights   CategoryWeights
}

// New creates an Analyzer over the given profiles.
func New(processes []ProcessProfile, users []UserProfile, weights CategoryWeights) *Analyzer {
	procMap := make(map[string]ProcessProfile, len(processes))
	for _, p := range processes {
		procMap[strings.ToLower(p.Name)] = p
	}
	userMap := make(map[string]UserProfile, len(users))
	for _, u := range users {
		userMap[strings.ToLower(u.Name)] = u
	}
	if weights == (CategoryWeights{}) {
		weights = DefaultWeights()
	}
	return &Analyzer{processes: procMap, users: userMap, weights: weights}
}

// DefaultProcessProfiles returns the built-in process baselines.
func DefaultProcessProfiles() []ProcessProfile {
	return []ProcessProfile{
		{Name: "chrome.exe", KnownPaths: []string{"\\program files\\google\\chrome\\"}, HourStart: 0, HourEnd: 24},
		{Name: "firefox.exe", KnownPaths: []string{"\\program files\\mozilla firefox\\"}, HourStart: 0, HourEnd: 24},
		{Name: "svchost.exe", KnownPaths: []string{"\\windows\\system32\\"}, HourStart: 0, HourEnd: 24},
		{Name: "explorer.exe", KnownPaths: []string{"\\windows\\"}, HourStart: 0, HourEnd: 24},
		{Name: "backup.exe", KnownPaths: []string{"\\program files\\backup\\"}, HourStart: 1, HourEnd: 5},
		{Name: "outlook.exe", KnownPaths: []string{"\\program files\\microsoft office\\"}, HourStart: 6, HourEnd: 22},
	}
}

// DefaultUserProfiles returns the built-in user baselines.
func DefaultUserProfiles() []UserProfile {
	return []UserProfile{
		{Name: "jdoe", KnownHosts: []string{"ws-jdoe", "laptop-jdoe"}, HourStart: 7, HourEnd: 20},
		{Name: "svc_backup", KnownHosts: []string{"dc01", "fileserver"}, HourStart: 0, HourEnd: 24},
	}
}

// Analyze scores the event across the four deviation categories.
// behavioral_score = sum(len(anomalies per category) * category weight),
// capped at 10.
func (a *Analyzer) Analyze(event *schema.EnrichedEvent) *schema.BehavioralAssessment {
	insights := schema.ContextInsights{
		Process:  a.processDeviation(event),
		User:     a.userDeviation(event),
		Network:  a.networkDeviation(event),
		Temporal: a.temporalDeviation(event),
	}

	score := float64(len(insights.Process))*a.weights.Process +
		float64(len(insights.User))*a.weights.User +
		float64(len(insights.Network))*a.weights.Network +
		float64(len(insights.Temporal))*a.weights.Temporal
	if score > maxScore {
		score = maxScore
	}

	var all []string
	all = append(all, insights.Process...)
	all = append(all, insights.User...)
	all = append(all, insights.Network...)
	all = append(all, insights.Temporal...)

	return &schema.BehavioralAssessment{
		EventID:  event.EventID(),
		Score:    score,
		Anomaly:  all,
		Insights: insights,
	}
}

// KnownProcess reports whether a baseline exists for the event's
// process and whether the execution path is on that baseline.
func (a *Analyzer) KnownProcess(processPath string) (known, trustedPath bool) {
	name := processName(processPath)
	profile, ok := a.processes[name]
	if !ok {
		return false, false
	}
	lower := strings.ToLower(processPath)
	for _, p := range profile.KnownPaths {
		if strings.Contains(lower, p) {
			return true, true
		}
	}
	return true, false
}

// KnownUser reports whether a baseline exists for the user.
func (a *Analyzer) KnownUser(user string) bool {
	_, ok := a.users[strings.ToLower(user)]
	return ok
}

func (a *Analyzer) processDeviation(event *schema.EnrichedEvent) []string {
	path := event.Raw.ProcessPath
	if path == "" {
		return nil
	}

	var anomalies []string
	name := processName(path)
	lower := strings.ToLower(path)

	profile, known := a.processes[name]
	if !known {
		anomalies = append(anomalies, "unknown_process")
	} else {
		onBaseline := false
		for _, p := range profile.KnownPaths {
			if strings.Contains(lower, p) {
				onBaseline = true
				break
			}
		}
		if !onBaseline {
			anomalies = append(anomalies, "unusual_install_path")
		}
		if !hourInRange(event.Raw.Timestamp.Hour(), profile.HourStart, profile.HourEnd) {
			anomalies = append(anomalies, "off_baseline_execution_hour")
		}
	}

	for _, dir := range suspiciousDirs {
		if strings.Contains(lower, dir) {
			anomalies = append(anomalies, "suspicious_directory")
			break
		}
	}

	return anomalies
}

func (a *Analyzer) userDeviation(event *schema.EnrichedEvent) []string {
	user := event.Raw.Source.User
	if user == "" {
		return []string{"unknown_user"}
	}

	profile, known := a.users[strings.ToLower(user)]
	if !known {
		return []string{"unknown_user"}
	}

	var anomalies []string
	hostKnown := false
	for _, h := range profile.KnownHosts {
		if strings.EqualFold(h, event.Raw.Source.Host) {
			hostKnown = true
			break
		}
	}
	if !hostKnown {
		anomalies = append(anomalies, "unusual_host")
	}
	if !hourInRange(event.Raw.Timestamp.Hour(), profile.HourStart, profile.HourEnd) {
		anomalies = append(anomalies, "outside_login_hours")
	}
	return anomalies
}

func (a *Analyzer) networkDeviation(event *schema.EnrichedEvent) []string {
	if event.Raw.Source.IP == "" {
		return nil
	}
	if !event.Enrichment.Geo.Internal {
		return []string{"non_internal_source"}
	}
	return nil
}

func (a *Analyzer) temporalDeviation(event *schema.EnrichedEvent) []string {
	var anomalies []string
	ts := event.Raw.Timestamp

	if ts.Weekday() == time.Saturday || ts.Weekday() == time.Sunday {
		anomalies = append(anomalies, "weekend_activity")
	}
	if h := ts.Hour(); h < 6 || h >= 22 {
		anomalies = append(anomalies, "night_activity")
	}
	return anomalies
}

func processName(path string) string {
	name := filepath.Base(strings.ReplaceAll(path, "\\", "/"))
	return strings.ToLower(name)
}

func hourInRange(hour, start, end int) bool {
	if start == 0 && (end == 0 || end == 24) {
		return true
	}
	if start <= end {
		return hour >= start && hour < end
	}
	// Overnight window, e.g. 22..6.
	return hour >= start || hour < end
}
