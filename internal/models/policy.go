package models

// Severity of a policy violation
type Severity string

const (
	SeverityCaution Severity = "caution"
	SeverityBlocked Severity = "blocked"
)

// VersionCeiling caps a coordinate at a specifier
type VersionCeiling struct {
	Specifier string   `yaml:"specifier" json:"specifier"`
	Severity  Severity `yaml:"severity,omitempty" json:"severity,omitempty"` // caution (default) or blocked
}

// UpgradeWindow constrains how fresh an adopted release may be
type UpgradeWindow struct {
	MinStableDays int  `yaml:"min_stable_days,omitempty" json:"min_stable_days,omitempty"`
	AllowMajor    bool `yaml:"allow_major" json:"allow_major"`
}

// CVEGate blocks vulnerable versions past a grace period
type CVEGate struct {
	MaxSeverity     VulnSeverity `yaml:"max_severity,omitempty" json:"max_severity,omitempty"`
	GracePeriodDays int          `yaml:"grace_period_days,omitempty" json:"grace_period_days,omitempty"`
}

// CustomRule is an optional CEL expression over the dependency set.
// A rule that evaluates to false adds a violation; custom rules can
// only add violations, never clear one.
type CustomRule struct {
	Name       string   `yaml:"name" json:"name"`
	Expr       string   `yaml:"expr" json:"expr"`
	Severity   Severity `yaml:"severity,omitempty" json:"severity,omitempty"`
	FailureMsg string   `yaml:"failure_msg,omitempty" json:"failure_msg,omitempty"`
}

// PolicyDocument is the declarative policy evaluated over a dependency set
type PolicyDocument struct {
	Name                 string                    `yaml:"name,omitempty" json:"name,omitempty"`
	DefaultAllow         bool                      `yaml:"default_allow" json:"default_allow"`
	Allowlist            []string                  `yaml:"allowlist,omitempty" json:"allowlist,omitempty"`
	Denylist             []string                  `yaml:"denylist,omitempty" json:"denylist,omitempty"`
	VersionCeilings      map[string]VersionCeiling `yaml:"version_ceilings,omitempty" json:"version_ceilings,omitempty"`
	UpgradeWindows       map[string]UpgradeWindow  `yaml:"upgrade_windows,omitempty" json:"upgrade_windows,omitempty"`
	CVEGates             *CVEGate                  `yaml:"cve_gates,omitempty" json:"cve_gates,omitempty"`
	RequiredAttestations []string                  `yaml:"required_attestations,omitempty" json:"required_attestations,omitempty"`
	CustomRules          []CustomRule              `yaml:"custom_rules,omitempty" json:"custom_rules,omitempty"`
}

// Violation is one tripped policy rule
type Violation struct {
	Coordinate string   `json:"coordinate"`
	Rule       string   `json:"rule"`
	Severity   Severity `json:"severity"`
	Message    string   `json:"message"`
	Suggestion string   `json:"suggestion,omitempty"`
}

// Verdict is the result of policy evaluation or bundle verification
type Verdict struct {
	Allowed    bool        `json:"allowed"`
	Violations []Violation `json:"violations"`
}

// Blocked reports whether any violation is severity blocked
func (v Verdict) Blocked() bool {
	for _, violation := range v.Violations {
		if violation.Severity == SeverityBlocked {
			return true
		}
	}
	return false
}

// Attestation kinds accepted by required_attestations
const (
	AttestationSBOM       = "sbom"
	AttestationSignature  = "signature"
	AttestationProvenance = "provenance"
)
