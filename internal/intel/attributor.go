// Package intel matches indicators against a static IOC table, maps
// matched techniques to MITRE-style IDs, and attributes likely threat
// actors by technique-set overlap. All tables are injected at
// construction; no live feeds.
package intel

import (
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
	"gopkg.in/yaml.v3"

	"threatfuse/internal/schema"
)

// minOverlap is the actor-attribution inclusion floor.
const minOverlap = 0.3

// maxAttributions bounds the attribution list.
const maxAttributions = 3

// IOCEntry is one known-bad artifact keyed by digest.
type IOCEntry struct {
	Digest      string  `yaml:"digest"` // blake2b-256 of the lowercased process path
	TechniqueID string  `yaml:"technique_id"`
	Confidence  float64 `yaml:"confidence"`
	Description string  `yaml:"description"`
}

// IndicatorEntry maps a textual indicator substring to a technique.
type IndicatorEntry struct {
	Indicator   string  `yaml:"indicator"`
	TechniqueID string  `yaml:"technique_id"`
	Confidence  float64 `yaml:"confidence"`
}

// Actor declares a known threat actor's technique set.
type Actor struct {
	Name           string   `yaml:"name"`
	Techniques     []string `yaml:"techniques"`
	BaseConfidence float64  `yaml:"base_confidence"`
}

// Tables holds the static intel data.
type Tables struct {
	IOCs       []IOCEntry       `yaml:"iocs"`
	Indicators []IndicatorEntry `yaml:"indicators"`
	Actors     []Actor          `yaml:"actors"`
}

// Digest returns the simulated IOC hash for a process path.
func Digest(processPath string) string {
	sum := blake2b.Sum256([]byte(strings.ToLower(processPath)))
	return hex.EncodeToString(sum[:])
}

// DefaultTables returns the built-in IOC, indicator, and actor tables.
func DefaultTables() Tables {
	return Tables{
		IOCs: []IOCEntry{
			{
				Digest:      Digest(`C:\Users\Public\malware.exe`),
				TechniqueID: "T1204",
				Confidence:  0.95,
				Description: "Known dropper staged in a public directory",
			},
			{
				Digest:      Digest(`C:\Windows\Temp\svch0st.exe`),
				TechniqueID: "T1036",
				Confidence:  0.9,
				Description: "Masqueraded system binary",
			},
		},
		Indicators: []IndicatorEntry{
			{Indicator: "createremotethread", TechniqueID: "T1055", Confidence: 0.9},
			{Indicator: "mimikatz", TechniqueID: "T1003", Confidence: 0.95},
			{Indicator: "sekurlsa", TechniqueID: "T1003", Confidence: 0.9},
			{Indicator: "encodedcommand", TechniqueID: "T1059.001", Confidence: 0.8},
			{Indicator: "psexec", TechniqueID: "T1021.002", Confidence: 0.75},
			{Indicator: "vssadmin delete shadows", TechniqueID: "T1486", Confidence: 0.95},
		},
		Actors: []Actor{
			{Name: "Lazarus Group", Techniques: []string{"T1055", "T1204", "T1003"}, BaseConfidence: 0.9},
			{Name: "APT29", Techniques: []string{"T1059.001", "T1003", "T1021.002"}, BaseConfidence: 0.85},
			{Name: "FIN7", Techniques: []string{"T1204", "T1059.001", "T1036"}, BaseConfidence: 0.8},
			{Name: "Conti", Techniques: []string{"T1486", "T1021.002", "T1003"}, BaseConfidence: 0.85},
		},
	}
}

// Attributor performs IOC lookup and actor attribution.
type Attributor struct {
	iocs       map[string]IOCEntry
	indicators []IndicatorEntry
	actors     []Actor
}

// New creates an Attributor over the given tables.
func New(tables Tables) *Attributor {
	iocs := make(map[string]IOCEntry, len(tables.IOCs))
	for _, e := range tables.IOCs {
		iocs[e.Digest] = e
	}
	return &Attributor{
		iocs:       iocs,
		indicators: tables.Indicators,
		actors:     tables.Actors,
	}
}

// Analyze matches the event against the IOC and indicator tables and
// attributes candidate actors. threat_score aggregates IOC confidence
// (x2), technique confidence (x1.5), and attribution confidence (x3),
// normalized by /10 and capped at 1.
func (a *Attributor) Analyze(event *schema.EnrichedEvent) *schema.ThreatIntelResult {
	result := &schema.ThreatIntelResult{
		EventID: event.EventID(),
	}

	matched := make(map[string]bool)

	// Simulated hash lookup on the process path.
	if event.Raw.ProcessPath != "" {
		if entry, ok := a.iocs[Digest(event.Raw.ProcessPath)]; ok {
			result.IOCMatches = append(result.IOCMatches, schema.IOCMatch{
				Indicator:   entry.Digest,
				Type:        "hash",
				TechniqueID: entry.TechniqueID,
				Confidence:  entry.Confidence,
				Description: entry.Description,
			})
			if entry.TechniqueID != "" {
				matched[entry.TechniqueID] = true
			}
		}
	}

	// Substring indicator matching over description and payload.
	text := strings.ToLower(event.Raw.Description + " " + event.Raw.RawPayload)
	var techniqueConf float64
	for _, ind := range a.indicators {
		if !strings.Contains(text, ind.Indicator) {
			continue
		}
		matched[ind.TechniqueID] = true
		if ind.Confidence > techniqueConf {
			techniqueConf = ind.Confidence
		}
	}

	for id := range matched {
		result.Techniques.TechniqueIDs = append(result.Techniques.TechniqueIDs, id)
	}
	sort.Strings(result.Techniques.TechniqueIDs)
	result.Techniques.Confidence = techniqueConf

	result.Attributions = a.attribute(matched)

	var iocConf float64
	for _, m := range result.IOCMatches {
		if m.Confidence > iocConf {
			iocConf = m.Confidence
		}
	}
	var actorConf float64
	if len(result.Attributions) > 0 {
		actorConf = result.Attributions[0].Confidence
	}

	score := (iocConf*2 + techniqueConf*1.5 + actorConf*3) / 10
	if score > 1 {
		score = 1
	}
	result.ThreatScore = score

	return result
}

// attribute scores each known actor by technique-set overlap. Actors
// below the overlap floor are excluded; results are sorted descending
// by confidence and truncated to the top 3.
func (a *Attributor) attribute(matched map[string]bool) []schema.ActorAttribution {
	if len(matched) == 0 {
		return nil
	}

	var out []schema.ActorAttribution
	for _, actor := range a.actors {
		if len(actor.Techniques) == 0 {
			continue
		}
		overlap := 0
		for _, t := range actor.Techniques {
			if matched[t] {
				overlap++
			}
		}
		overlapScore := float64(overlap) / float64(len(actor.Techniques))
		if overlapScore <= minOverlap {
			continue
		}
		out = append(out, schema.ActorAttribution{
			Actor:      actor.Name,
			Overlap:    overlapScore,
			Confidence: overlapScore * actor.BaseConfidence,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Actor < out[j].Actor
	})

	if len(out) > maxAttributions {
		out = out[:maxAttributions]
	}
	return out
}

// LoadTables reads intel tables from a YAML file and merges them over
// the given base.
func LoadTables(path string, base Tables) (Tables, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Tables{}, fmt.Errorf("failed to read intel tables: %w", err)
	}

	var extra Tables
	if err := yaml.Unmarshal(data, &extra); err != nil {
		return Tables{}, fmt.Errorf("failed to parse intel tables: %w", err)
	}

	base.IOCs = append(base.IOCs, extra.IOCs...)
	base.Indicators = append(base.Indicators, extra.Indicators...)
	base.Actors = append(base.Actors, extra.Actors...)
	return base, nil
}
