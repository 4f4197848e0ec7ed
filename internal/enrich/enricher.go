// Package enrich attaches contextual metadata to raw events: geo,
// asset, user, and a static threat-intel reputation stub. All lookup
// tables are injected at construction and treated as immutable.
package enrich

import (
	"strings"
	"time"

	"threatfuse/internal/schema"
)

// Tables holds the static lookup data for enrichment.
type Tables struct {
	Geo    map[string]schema.GeoInfo     // keyed by IP prefix, longest match wins
	Assets map[string]schema.AssetInfo   // keyed by host
	Users  map[string]schema.UserContext // keyed by user
	BadIPs map[string]string             // IP -> reputation label
}

// DefaultTables returns the built-in enrichment data.
func DefaultTables() Tables {
	return Tables{
		Geo: map[string]schema.GeoInfo{
			"10.":      {Country: "internal", Region: "corp-lan", Internal: true},
			"192.168.": {Country: "internal", Region: "corp-lan", Internal: true},
			"172.16.":  {Country: "internal", Region: "corp-lan", Internal: true},
		},
		Assets: map[string]schema.AssetInfo{
			"dc01":       {Criticality: "high", Owner: "infrastructure", Zone: "server"},
			"fileserver": {Criticality: "high", Owner: "infrastructure", Zone: "server"},
		},
		Users: map[string]schema.UserContext{
			"svc_backup": {Department: "infrastructure", Privileged: true, Known: true},
			"jdoe":       {Department: "engineering", Privileged: false, Known: true},
		},
		BadIPs: map[string]string{
			"185.220.101.1": "malicious",
			"45.153.160.2":  "suspicious",
		},
	}
}

// Enricher produces EnrichedEvents from raw events.
type Enricher struct {
	tables Tables
}

// New creates an Enricher over the given tables.
func New(tables Tables) *Enricher {
	return &Enricher{tables: tables}
}

// Enrich wraps a raw event with contextual metadata and stream
// provenance. The raw record itself is never modified.
func (e *Enricher) Enrich(raw schema.RawEvent, stream string, publishedAt time.Time) *schema.EnrichedEvent {
	return &schema.EnrichedEvent{
		Raw: raw,
		Enrichment: schema.Enrichment{
			Geo:         e.lookupGeo(raw.Source.IP),
			ThreatIntel: e.lookupIntelStub(raw.Source.IP),
			Asset:       e.lookupAsset(raw.Source.Host),
			User:        e.lookupUser(raw.Source.User),
		},
		Stream: schema.StreamMeta{
			StreamName:  stream,
			PublishedAt: publishedAt,
			EventID:     raw.EventID,
		},
	}
}

func (e *Enricher) lookupGeo(ip string) schema.GeoInfo {
	if ip == "" {
		return schema.GeoInfo{Country: "unknown", Region: "unknown"}
	}
	// Longest-prefix match over the injected table.
	best := schema.GeoInfo{Country: "external", Region: "unknown"}
	bestLen := 0
	for prefix, geo := range e.tables.Geo {
		if strings.HasPrefix(ip, prefix) && len(prefix) > bestLen {
			best = geo
			bestLen = len(prefix)
		}
	}
	return best
}

func (e *Enricher) lookupIntelStub(ip string) schema.IntelStub {
	if rep, ok := e.tables.BadIPs[ip]; ok {
		return schema.IntelStub{Reputation: rep, Listed: true}
	}
	return schema.IntelStub{Reputation: "clean"}
}

func (e *Enricher) lookupAsset(host string) schema.AssetInfo {
	if asset, ok := e.tables.Assets[strings.ToLower(host)]; ok {
		return asset
	}
	return schema.AssetInfo{Criticality: "medium", Owner: "unassigned", Zone: "workstation"}
}

func (e *Enricher) lookupUser(user string) schema.UserContext {
	if user == "" {
		return schema.UserContext{}
	}
	if uc, ok := e.tables.Users[strings.ToLower(user)]; ok {
		return uc
	}
	return schema.UserContext{Department: "unknown"}
}
