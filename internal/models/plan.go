package models

import "time"

// RiskLevel classification for an upgrade step
type RiskLevel string

const (
	RiskSafe    RiskLevel = "safe"
	RiskCaution RiskLevel = "caution"
	RiskBlocked RiskLevel = "blocked"
)

// PlanEntry is one proposed upgrade
type PlanEntry struct {
	Name          string    `json:"name"`
	FromVersion   string    `json:"from_version"`
	ToVersion     string    `json:"to_version"`
	Risk          RiskLevel `json:"risk"`
	Rationale     string    `json:"rationale"`
	RequiredTests []string  `json:"required_tests,omitempty"`
}

// UpgradePlan orders entries by the dependency DAG topological order
type UpgradePlan struct {
	SchemaVersion string      `json:"schema_version"`
	Entries       []PlanEntry `json:"entries"`
}

// PlanSchemaVersion current
const PlanSchemaVersion = "1.0"

// CatalogRelease is one available upstream version
type CatalogRelease struct {
	Version    string    `json:"version"`
	ReleasedAt time.Time `json:"released_at"`
	CVEs       []Finding `json:"cves,omitempty"`
}

// CatalogSnapshot is the upstream view the planner consumes: available
// versions with release timestamps and CVE joins, keyed by normalized name.
type CatalogSnapshot struct {
	TakenAt  time.Time                   `json:"taken_at"`
	Packages map[string][]CatalogRelease `json:"packages"`
}

// ReleasesFor returns the known releases for a normalized name
func (s *CatalogSnapshot) ReleasesFor(name string) []CatalogRelease {
	return s.Packages[NormalizeName(name)]
}
