package planner

import (
	"fmt"
	"strings"
	"time"

	"github.com/wI2L/jsondiff"

	"github.com/chiron-dev/chiron/internal/faults"
	"github.com/chiron-dev/chiron/internal/models"
	"github.com/chiron-dev/chiron/internal/policy"
)

// GuardResult is the pre-merge verdict over a proposed lock change
type GuardResult struct {
	Verdict models.Verdict `json:"verdict"`
	// Changed lists the coordinates whose version differs.
	Changed []models.PlanEntry `json:"changed"`
	// LockDiff is the structured JSON patch between the two lock records.
	LockDiff jsondiff.Patch `json:"lock_diff,omitempty"`
	// Summary is the human-readable rendering.
	Summary string `json:"summary"`
}

// Guard evaluates a proposed lock record against the current one. It is
// the planner's evaluation restricted to the diff set; the repository is
// never mutated.
type Guard struct {
	Policy  *models.PolicyDocument
	Catalog *models.CatalogSnapshot
	Vulns   *models.VulnReport
	Now     time.Time
}

// Check computes the diff set and evaluates policy over it
func (g *Guard) Check(current, proposed *models.LockRecord) (*GuardResult, error) {
	if current == nil || proposed == nil {
		return nil, faults.New(faults.CategoryInputInvalid, "lock_missing",
			"guard requires both the current and proposed lock records")
	}

	currentByName := make(map[string]models.LockedConstraint, len(current.Constraints))
	for _, c := range current.Constraints {
		currentByName[c.Name] = c
	}

	// the diff set: added or version-changed coordinates
	var diffSet []models.LockedConstraint
	var changed []models.PlanEntry
	for _, c := range proposed.Constraints {
		prior, existed := currentByName[c.Name]
		if existed && prior.Version == c.Version {
			continue
		}
		diffSet = append(diffSet, c)
		entry := models.PlanEntry{Name: c.Name, ToVersion: c.Version}
		if existed {
			entry.FromVersion = prior.Version
		}
		changed = append(changed, entry)
	}

	verdict, err := policy.Evaluate(g.Policy, policy.Input{
		Constraints:     diffSet,
		Baseline:        current.Constraints,
		Catalog:         g.Catalog,
		Vulnerabilities: g.Vulns,
		Now:             g.Now,
	})
	if err != nil {
		return nil, err
	}
	policy.SortViolations(verdict.Violations)

	// classify risk for the summary
	planner := &Planner{Policy: g.Policy, Now: g.Now}
	for i := range changed {
		if changed[i].FromVersion == "" {
			changed[i].Risk = models.RiskCaution
			changed[i].Rationale = "new dependency"
			continue
		}
		release := models.CatalogRelease{Version: changed[i].ToVersion}
		if g.Catalog != nil {
			for _, r := range g.Catalog.ReleasesFor(changed[i].Name) {
				if r.Version == changed[i].ToVersion {
					release = r
					break
				}
			}
		}
		entry := planner.classify(models.LockedConstraint{
			Name:    changed[i].Name,
			Version: changed[i].FromVersion,
		}, release)
		changed[i].Risk = entry.Risk
		changed[i].Rationale = entry.Rationale
		changed[i].RequiredTests = entry.RequiredTests
	}

	patch, err := jsondiff.Compare(current, proposed)
	if err != nil {
		return nil, fmt.Errorf("failed to diff lock records: %w", err)
	}

	result := &GuardResult{
		Verdict:  verdict,
		Changed:  changed,
		LockDiff: patch,
	}
	result.Summary = renderSummary(result)
	return result, nil
}

func renderSummary(r *GuardResult) string {
	var b strings.Builder
	if len(r.Changed) == 0 {
		b.WriteString("no dependency changes\n")
		return b.String()
	}

	fmt.Fprintf(&b, "%d dependency change(s):\n", len(r.Changed))
	for _, entry := range r.Changed {
		if entry.FromVersion == "" {
			fmt.Fprintf(&b, "  + %s %s [%s] %s\n", entry.Name, entry.ToVersion, entry.Risk, entry.Rationale)
		} else {
			fmt.Fprintf(&b, "  ~ %s %s -> %s [%s] %s\n", entry.Name, entry.FromVersion, entry.ToVersion, entry.Risk, entry.Rationale)
		}
	}

	if len(r.Verdict.Violations) > 0 {
		fmt.Fprintf(&b, "%d policy violation(s):\n", len(r.Verdict.Violations))
		for _, v := range r.Verdict.Violations {
			fmt.Fprintf(&b, "  [%s] %s: %s\n", v.Severity, v.Rule, v.Message)
		}
	}

	if r.Verdict.Allowed {
		b.WriteString("verdict: allowed\n")
	} else {
		b.WriteString("verdict: blocked\n")
	}
	return b.String()
}
