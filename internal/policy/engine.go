// Package policy evaluates the declarative policy document over a
// dependency set. Evaluation is a pure function: no I/O, no clock reads;
// the reference time is an input.
package policy

import (
	"fmt"
	"sort"
	"strings"
	"time"

	pep440 "github.com/aquasecurity/go-pep440-version"

	"github.com/chiron-dev/chiron/internal/models"
)

// Input is everything evaluation may look at
type Input struct {
	Constraints []models.LockedConstraint
	// Baseline is the previously locked set; nil disables upgrade-window
	// checks (nothing changed by definition).
	Baseline []models.LockedConstraint
	// Catalog supplies release timestamps for upgrade-window checks.
	Catalog *models.CatalogSnapshot
	// Vulnerabilities is the attached scan report; nil disables CVE gates.
	Vulnerabilities *models.VulnReport
	// PresentAttestations names the attestation kinds attached to the bundle.
	PresentAttestations []string
	// Now is the reference time for age computations.
	Now time.Time
}

// Evaluate applies the fixed rule order and returns the verdict.
// allowed is true iff no blocked violation exists.
func Evaluate(doc *models.PolicyDocument, input Input) (models.Verdict, error) {
	if err := Validate(doc); err != nil {
		return models.Verdict{}, err
	}

	var violations []models.Violation

	violations = append(violations, evalDenylist(doc, input)...)
	violations = append(violations, evalAllowlist(doc, input)...)
	violations = append(violations, evalCeilings(doc, input)...)
	violations = append(violations, evalUpgradeWindows(doc, input)...)
	violations = append(violations, evalCVEGates(doc, input)...)
	violations = append(violations, evalRequiredAttestations(doc, input)...)

	custom, err := evalCustomRules(doc, input)
	if err != nil {
		return models.Verdict{}, err
	}
	violations = append(violations, custom...)

	verdict := models.Verdict{Violations: violations}
	if verdict.Violations == nil {
		verdict.Violations = []models.Violation{}
	}
	verdict.Allowed = !verdict.Blocked()
	return verdict, nil
}

// evalDenylist: rule 1, name match blocks
func evalDenylist(doc *models.PolicyDocument, input Input) []models.Violation {
	denied := make(map[string]bool, len(doc.Denylist))
	for _, name := range doc.Denylist {
		denied[models.NormalizeName(name)] = true
	}

	var out []models.Violation
	for _, c := range input.Constraints {
		if denied[c.Name] {
			out = append(out, models.Violation{
				Coordinate: c.Coordinate().String(),
				Rule:       "denylist",
				Severity:   models.SeverityBlocked,
				Message:    fmt.Sprintf("%s is on the denylist", c.Name),
				Suggestion: "remove the dependency or amend the policy denylist",
			})
		}
	}
	return out
}

// evalAllowlist: rule 2, only when default_allow is false
func evalAllowlist(doc *models.PolicyDocument, input Input) []models.Violation {
	if doc.DefaultAllow {
		return nil
	}
	allowed := make(map[string]bool, len(doc.Allowlist))
	for _, name := range doc.Allowlist {
		allowed[models.NormalizeName(name)] = true
	}

	var out []models.Violation
	for _, c := range input.Constraints {
		if !allowed[c.Name] {
			out = append(out, models.Violation{
				Coordinate: c.Coordinate().String(),
				Rule:       "allowlist",
				Severity:   models.SeverityBlocked,
				Message:    fmt.Sprintf("%s is not on the allowlist", c.Name),
				Suggestion: "add the dependency to the policy allowlist",
			})
		}
	}
	return out
}

// evalCeilings: rule 3
func evalCeilings(doc *models.PolicyDocument, input Input) []models.Violation {
	var out []models.Violation
	for _, c := range input.Constraints {
		ceiling, ok := doc.VersionCeilings[c.Name]
		if !ok {
			continue
		}
		specs, err := pep440.NewSpecifiers(ceiling.Specifier)
		if err != nil {
			continue // rejected by Validate already
		}
		v, err := pep440.Parse(c.Version)
		if err != nil {
			continue
		}
		if !specs.Check(v) {
			severity := ceiling.Severity
			if severity == "" {
				severity = models.SeverityCaution
			}
			out = append(out, models.Violation{
				Coordinate: c.Coordinate().String(),
				Rule:       "version_ceiling",
				Severity:   severity,
				Message:    fmt.Sprintf("%s %s exceeds ceiling %q", c.Name, c.Version, ceiling.Specifier),
				Suggestion: fmt.Sprintf("pin %s within %q", c.Name, ceiling.Specifier),
			})
		}
	}
	return out
}

// evalUpgradeWindows: rule 4, applies to coordinates whose version changed
// against the baseline
func evalUpgradeWindows(doc *models.PolicyDocument, input Input) []models.Violation {
	if input.Baseline == nil || len(doc.UpgradeWindows) == 0 {
		return nil
	}
	baseline := make(map[string]string, len(input.Baseline))
	for _, c := range input.Baseline {
		baseline[c.Name] = c.Version
	}

	var out []models.Violation
	for _, c := range input.Constraints {
		window, ok := doc.UpgradeWindows[c.Name]
		if !ok {
			continue
		}
		fromVersion, existed := baseline[c.Name]
		if !existed || fromVersion == c.Version {
			continue
		}

		if !window.AllowMajor && crossesMajor(fromVersion, c.Version) {
			out = append(out, models.Violation{
				Coordinate: c.Coordinate().String(),
				Rule:       "upgrade_window",
				Severity:   models.SeverityBlocked,
				Message:    fmt.Sprintf("%s %s -> %s crosses a major version and allow_major is false", c.Name, fromVersion, c.Version),
				Suggestion: "stay on the current major or set allow_major for this coordinate",
			})
			continue
		}

		if window.MinStableDays > 0 {
			age, known := releaseAge(input, c.Name, c.Version)
			if !known || age < time.Duration(window.MinStableDays)*24*time.Hour {
				out = append(out, models.Violation{
					Coordinate: c.Coordinate().String(),
					Rule:       "upgrade_window",
					Severity:   models.SeverityCaution,
					Message:    fmt.Sprintf("%s %s has not been stable for %d days", c.Name, c.Version, window.MinStableDays),
					Suggestion: "wait for the release to age or lower min_stable_days",
				})
			}
		}
	}
	return out
}

// evalCVEGates: rule 5. Severity at the threshold is included (>=), and
// findings older than the grace period block while fresher ones caution.
func evalCVEGates(doc *models.PolicyDocument, input Input) []models.Violation {
	if doc.CVEGates == nil || input.Vulnerabilities == nil {
		return nil
	}
	gate := doc.CVEGates
	maxSeverity := gate.MaxSeverity
	if maxSeverity == "" {
		maxSeverity = models.VulnSeverityCritical
	}

	locked := make(map[string]string, len(input.Constraints))
	for _, c := range input.Constraints {
		locked[c.Name] = c.Version
	}

	var out []models.Violation
	for _, f := range input.Vulnerabilities.Findings {
		name := models.NormalizeName(f.Name)
		if _, ok := locked[name]; !ok {
			continue
		}
		if !f.Severity.AtLeast(maxSeverity) {
			continue
		}

		severity := models.SeverityBlocked
		if gate.GracePeriodDays > 0 && !f.PublishedAt.IsZero() {
			disclosedFor := input.Now.Sub(f.PublishedAt)
			if disclosedFor <= time.Duration(gate.GracePeriodDays)*24*time.Hour {
				severity = models.SeverityCaution
			}
		}

		out = append(out, models.Violation{
			Coordinate: name + "==" + locked[name],
			Rule:       "cve_gate",
			Severity:   severity,
			Message:    fmt.Sprintf("%s affects %s (severity %s)", f.CVEID, name, f.Severity),
			Suggestion: "upgrade to a fixed release or record an accepted exception",
		})
	}
	return out
}

// evalRequiredAttestations: rule 6
func evalRequiredAttestations(doc *models.PolicyDocument, input Input) []models.Violation {
	if len(doc.RequiredAttestations) == 0 {
		return nil
	}
	present := make(map[string]bool, len(input.PresentAttestations))
	for _, kind := range input.PresentAttestations {
		present[kind] = true
	}

	var out []models.Violation
	for _, kind := range doc.RequiredAttestations {
		if !present[kind] {
			out = append(out, models.Violation{
				Coordinate: "bundle",
				Rule:       "required_attestations",
				Severity:   models.SeverityBlocked,
				Message:    fmt.Sprintf("required attestation %q is missing", kind),
				Suggestion: "regenerate the bundle with attestation generation enabled",
			})
		}
	}
	return out
}

// crossesMajor reports whether from -> to changes the leading release segment
func crossesMajor(from, to string) bool {
	return majorOf(from) != majorOf(to)
}

// majorOf extracts the leading release segment of a PEP 440 version,
// ignoring any epoch prefix.
func majorOf(version string) string {
	if idx := strings.Index(version, "!"); idx >= 0 {
		version = version[idx+1:]
	}
	head := version
	if idx := strings.IndexAny(version, ".+-abcrd"); idx >= 0 {
		head = version[:idx]
	}
	return head
}

// releaseAge looks up how long a release has been available
func releaseAge(input Input, name, version string) (time.Duration, bool) {
	if input.Catalog == nil {
		return 0, false
	}
	for _, release := range input.Catalog.ReleasesFor(name) {
		if release.Version == version {
			if release.ReleasedAt.IsZero() {
				return 0, false
			}
			return input.Now.Sub(release.ReleasedAt), true
		}
	}
	return 0, false
}

// SortViolations orders violations for stable output: blocked first, then
// by coordinate, then rule.
func SortViolations(violations []models.Violation) {
	rank := func(s models.Severity) int {
		if s == models.SeverityBlocked {
			return 0
		}
		return 1
	}
	sort.SliceStable(violations, func(i, j int) bool {
		if rank(violations[i].Severity) != rank(violations[j].Severity) {
			return rank(violations[i].Severity) < rank(violations[j].Severity)
		}
		if violations[i].Coordinate != violations[j].Coordinate {
			return violations[i].Coordinate < violations[j].Coordinate
		}
		return violations[i].Rule < violations[j].Rule
	})
}
