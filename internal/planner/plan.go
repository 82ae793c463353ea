// Package planner detects drift against an upstream catalog snapshot,
// classifies upgrade risk, and orders an upgrade plan along the
// dependency DAG. The guard applies the same evaluation to a proposed
// manifest change.
package planner

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	pep440 "github.com/aquasecurity/go-pep440-version"

	"github.com/chiron-dev/chiron/internal/models"
)

// BumpKind of a version transition
type BumpKind string

const (
	BumpNone  BumpKind = "none"
	BumpPatch BumpKind = "patch"
	BumpMinor BumpKind = "minor"
	BumpMajor BumpKind = "major"
	BumpOther BumpKind = "other" // epoch change, downgrade, unparseable
)

// Planner turns drift into an ordered upgrade plan
type Planner struct {
	Policy *models.PolicyDocument
	Now    time.Time
}

// Plan compares the locked set against the catalog snapshot. Entries are
// topologically ordered so a dependent is never upgraded before its
// dependencies.
func (p *Planner) Plan(lock *models.LockRecord, catalog *models.CatalogSnapshot) (*models.UpgradePlan, error) {
	entries := make(map[string]models.PlanEntry)

	for _, c := range lock.Constraints {
		target, ok := p.latestPermitted(c, catalog)
		if !ok || target.Version == c.Version {
			continue
		}
		entry := p.classify(c, target)
		entries[c.Name] = entry
	}

	order := topoOrder(lock)

	plan := &models.UpgradePlan{SchemaVersion: models.PlanSchemaVersion}
	for _, name := range order {
		if entry, ok := entries[name]; ok {
			plan.Entries = append(plan.Entries, entry)
			delete(entries, name)
		}
	}
	// coordinates absent from the edge set come last, alphabetically
	var rest []string
	for name := range entries {
		rest = append(rest, name)
	}
	sort.Strings(rest)
	for _, name := range rest {
		plan.Entries = append(plan.Entries, entries[name])
	}
	return plan, nil
}

// latestPermitted picks the newest catalog release that policy ceilings
// allow.
func (p *Planner) latestPermitted(c models.LockedConstraint, catalog *models.CatalogSnapshot) (models.CatalogRelease, bool) {
	releases := catalog.ReleasesFor(c.Name)
	if len(releases) == 0 {
		return models.CatalogRelease{}, false
	}

	var ceiling *pep440.Specifiers
	if p.Policy != nil {
		if spec, ok := p.Policy.VersionCeilings[c.Name]; ok {
			if parsed, err := pep440.NewSpecifiers(spec.Specifier); err == nil {
				ceiling = &parsed
			}
		}
	}

	current, err := pep440.Parse(c.Version)
	if err != nil {
		return models.CatalogRelease{}, false
	}

	best := models.CatalogRelease{}
	var bestVersion pep440.Version
	found := false
	for _, release := range releases {
		v, err := pep440.Parse(release.Version)
		if err != nil {
			continue
		}
		if v.LessThan(current) || v.Equal(current) {
			continue
		}
		if ceiling != nil && !ceiling.Check(v) {
			continue
		}
		if !found || bestVersion.LessThan(v) {
			best = release
			bestVersion = v
			found = true
		}
	}
	return best, found
}

// classify applies the drift rules: safe for aged CVE-free patch bumps,
// caution for minor bumps or fresh releases, blocked for disallowed major
// bumps or active blocked CVEs.
func (p *Planner) classify(c models.LockedConstraint, target models.CatalogRelease) models.PlanEntry {
	entry := models.PlanEntry{
		Name:        c.Name,
		FromVersion: c.Version,
		ToVersion:   target.Version,
	}

	bump := Bump(c.Version, target.Version)

	var window *models.UpgradeWindow
	if p.Policy != nil {
		if w, ok := p.Policy.UpgradeWindows[c.Name]; ok {
			window = &w
		}
	}

	blockedCVE := p.activeBlockedCVE(target)

	switch {
	case blockedCVE != "":
		entry.Risk = models.RiskBlocked
		entry.Rationale = fmt.Sprintf("%s has an active blocked CVE (%s)", target.Version, blockedCVE)
	case bump == BumpMajor && window != nil && !window.AllowMajor:
		entry.Risk = models.RiskBlocked
		entry.Rationale = fmt.Sprintf("major bump %s -> %s with allow_major=false", c.Version, target.Version)
	case bump == BumpMajor:
		entry.Risk = models.RiskCaution
		entry.Rationale = fmt.Sprintf("major bump %s -> %s", c.Version, target.Version)
		entry.RequiredTests = []string{"full-suite"}
	case bump == BumpMinor || bump == BumpOther:
		entry.Risk = models.RiskCaution
		entry.Rationale = fmt.Sprintf("minor bump %s -> %s", c.Version, target.Version)
		entry.RequiredTests = []string{"integration"}
	case len(target.CVEs) > 0:
		entry.Risk = models.RiskCaution
		entry.Rationale = fmt.Sprintf("patch bump %s -> %s, target carries %d known CVE(s)", c.Version, target.Version, len(target.CVEs))
		entry.RequiredTests = []string{"unit"}
	case p.withinWindow(window, target):
		entry.Risk = models.RiskSafe
		entry.Rationale = fmt.Sprintf("patch bump %s -> %s, no CVEs introduced", c.Version, target.Version)
		entry.RequiredTests = []string{"unit"}
	default:
		entry.Risk = models.RiskCaution
		entry.Rationale = fmt.Sprintf("patch bump %s -> %s is younger than the upgrade window", c.Version, target.Version)
		entry.RequiredTests = []string{"unit"}
	}
	return entry
}

// activeBlockedCVE returns a blocking CVE id on the target release, if any
func (p *Planner) activeBlockedCVE(target models.CatalogRelease) string {
	if p.Policy == nil || p.Policy.CVEGates == nil {
		// without a gate, any known CVE on the target still caps at caution
		return ""
	}
	gate := p.Policy.CVEGates
	maxSeverity := gate.MaxSeverity
	if maxSeverity == "" {
		maxSeverity = models.VulnSeverityCritical
	}
	for _, f := range target.CVEs {
		if !f.Severity.AtLeast(maxSeverity) {
			continue
		}
		if gate.GracePeriodDays > 0 && !f.PublishedAt.IsZero() {
			if p.Now.Sub(f.PublishedAt) <= time.Duration(gate.GracePeriodDays)*24*time.Hour {
				continue
			}
		}
		return f.CVEID
	}
	return ""
}

func (p *Planner) withinWindow(window *models.UpgradeWindow, target models.CatalogRelease) bool {
	if window == nil || window.MinStableDays == 0 {
		return true
	}
	if target.ReleasedAt.IsZero() {
		return false
	}
	return p.Now.Sub(target.ReleasedAt) >= time.Duration(window.MinStableDays)*24*time.Hour
}

// Bump classifies the transition between two PEP 440 versions by their
// release segments.
func Bump(from, to string) BumpKind {
	fromSegs, okFrom := releaseSegments(from)
	toSegs, okTo := releaseSegments(to)
	if !okFrom || !okTo {
		return BumpOther
	}

	fromV, errFrom := pep440.Parse(from)
	toV, errTo := pep440.Parse(to)
	if errFrom == nil && errTo == nil {
		if toV.Equal(fromV) {
			return BumpNone
		}
		if toV.LessThan(fromV) {
			return BumpOther
		}
	}

	if seg(fromSegs, 0) != seg(toSegs, 0) {
		return BumpMajor
	}
	if seg(fromSegs, 1) != seg(toSegs, 1) {
		return BumpMinor
	}
	return BumpPatch
}

// releaseSegments parses the numeric dotted release part, ignoring epoch
// and pre/post/dev suffixes.
func releaseSegments(version string) ([]int, bool) {
	if idx := strings.Index(version, "!"); idx >= 0 {
		version = version[idx+1:]
	}
	var segments []int
	for _, part := range strings.Split(version, ".") {
		digits := part
		for i, r := range part {
			if r < '0' || r > '9' {
				digits = part[:i]
				break
			}
		}
		if digits == "" {
			break
		}
		n, err := strconv.Atoi(digits)
		if err != nil {
			return segments, len(segments) > 0
		}
		segments = append(segments, n)
		if digits != part {
			break
		}
	}
	return segments, len(segments) > 0
}

func seg(segments []int, idx int) int {
	if idx < len(segments) {
		return segments[idx]
	}
	return 0
}

// topoOrder sorts lock coordinates so dependencies precede dependents.
// Ties break alphabetically for determinism.
func topoOrder(lock *models.LockRecord) []string {
	indegree := make(map[string]int)
	dependents := make(map[string][]string)
	for _, c := range lock.Constraints {
		indegree[c.Name] = 0
	}
	for _, e := range lock.Edges {
		if e.From == "" {
			continue
		}
		// edge From -> To means From requires To: To must come first
		if _, ok := indegree[e.From]; !ok {
			continue
		}
		if _, ok := indegree[e.To]; !ok {
			continue
		}
		dependents[e.To] = append(dependents[e.To], e.From)
		indegree[e.From]++
	}

	var ready []string
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)

		next := append([]string(nil), dependents[name]...)
		sort.Strings(next)
		for _, dep := range next {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = insertSorted(ready, dep)
			}
		}
	}
	return order
}

func insertSorted(list []string, value string) []string {
	idx := sort.SearchStrings(list, value)
	list = append(list, "")
	copy(list[idx+1:], list[idx:])
	list[idx] = value
	return list
}
