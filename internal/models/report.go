package models

import "time"

// VulnSeverity enum
type VulnSeverity string

const (
	VulnSeverityCritical VulnSeverity = "critical"
	VulnSeverityHigh     VulnSeverity = "high"
	VulnSeverityMedium   VulnSeverity = "medium"
	VulnSeverityLow      VulnSeverity = "low"
	VulnSeverityNone     VulnSeverity = "none"
)

// severityRank orders severities for gate comparisons
var severityRank = map[VulnSeverity]int{
	VulnSeverityNone:     0,
	VulnSeverityLow:      1,
	VulnSeverityMedium:   2,
	VulnSeverityHigh:     3,
	VulnSeverityCritical: 4,
}

// AtLeast reports whether s is as severe as threshold (>= semantics)
func (s VulnSeverity) AtLeast(threshold VulnSeverity) bool {
	return severityRank[s] >= severityRank[threshold]
}

// Valid reports whether the value is a known severity
func (s VulnSeverity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// SeverityFromCVSS applies the fixed CVSS mapping:
// >=9.0 critical, >=7.0 high, >=4.0 medium, >0 low, else none.
func SeverityFromCVSS(score float64) VulnSeverity {
	switch {
	case score >= 9.0:
		return VulnSeverityCritical
	case score >= 7.0:
		return VulnSeverityHigh
	case score >= 4.0:
		return VulnSeverityMedium
	case score > 0:
		return VulnSeverityLow
	default:
		return VulnSeverityNone
	}
}

// Finding is one normalized vulnerability hit
type Finding struct {
	Name        string       `json:"name"`
	Version     string       `json:"version"`
	CVEID       string       `json:"cve_id"`
	Severity    VulnSeverity `json:"severity"`
	Source      string       `json:"source"`
	PublishedAt time.Time    `json:"published_at"`
}

// VulnReport is the normalized, source-merged scan result
type VulnReport struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Findings      []Finding `json:"findings"`
}

// VulnReportSchemaVersion current
const VulnReportSchemaVersion = "1.0"

// FindingsFor returns the findings touching a normalized name
func (r *VulnReport) FindingsFor(name string) []Finding {
	name = NormalizeName(name)
	var out []Finding
	for _, f := range r.Findings {
		if NormalizeName(f.Name) == name {
			out = append(out, f)
		}
	}
	return out
}
