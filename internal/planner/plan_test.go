package planner

import (
	"testing"
	"time"

	"github.com/chiron-dev/chiron/internal/models"
)

var planNow = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func TestBumpClassification(t *testing.T) {
	cases := []struct {
		from, to string
		want     BumpKind
	}{
		{"1.2.3", "1.2.4", BumpPatch},
		{"1.2.3", "1.3.0", BumpMinor},
		{"1.2.3", "2.0.0", BumpMajor},
		{"1.2.3", "1.2.3", BumpNone},
		{"2.0.0", "1.9.9", BumpOther},
		{"1.2", "1.2.1", BumpPatch},
	}
	for _, tc := range cases {
		if got := Bump(tc.from, tc.to); got != tc.want {
			t.Errorf("Bump(%s, %s) = %s, want %s", tc.from, tc.to, got, tc.want)
		}
	}
}

func lockWithEdges() *models.LockRecord {
	return &models.LockRecord{
		Constraints: []models.LockedConstraint{
			{Name: "app-core", Version: "1.0.0", Hashes: []models.Hash{{Algorithm: "sha256", Digest: "aa"}}},
			{Name: "base-lib", Version: "2.0.0", Hashes: []models.Hash{{Algorithm: "sha256", Digest: "bb"}}},
			{Name: "mid-lib", Version: "3.0.0", Hashes: []models.Hash{{Algorithm: "sha256", Digest: "cc"}}},
		},
		Edges: []models.RequirementEdge{
			// app-core requires mid-lib, mid-lib requires base-lib
			{From: "app-core", To: "mid-lib"},
			{From: "mid-lib", To: "base-lib"},
		},
	}
}

func TestPlanTopologicalOrder(t *testing.T) {
	catalog := &models.CatalogSnapshot{
		Packages: map[string][]models.CatalogRelease{
			"app-core": {{Version: "1.0.1", ReleasedAt: planNow.Add(-60 * 24 * time.Hour)}},
			"base-lib": {{Version: "2.0.1", ReleasedAt: planNow.Add(-60 * 24 * time.Hour)}},
			"mid-lib":  {{Version: "3.0.1", ReleasedAt: planNow.Add(-60 * 24 * time.Hour)}},
		},
	}

	p := &Planner{Now: planNow}
	plan, err := p.Plan(lockWithEdges(), catalog)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	if len(plan.Entries) != 3 {
		t.Fatalf("expected 3 entries, got %+v", plan.Entries)
	}

	position := map[string]int{}
	for i, entry := range plan.Entries {
		position[entry.Name] = i
	}
	// a dependent is never upgraded before its dependencies
	if position["base-lib"] > position["mid-lib"] || position["mid-lib"] > position["app-core"] {
		t.Errorf("plan order violates the dependency DAG: %+v", plan.Entries)
	}
}

func TestPlanRiskClasses(t *testing.T) {
	policy := &models.PolicyDocument{
		DefaultAllow: true,
		UpgradeWindows: map[string]models.UpgradeWindow{
			"blocked-major": {AllowMajor: false},
		},
		CVEGates: &models.CVEGate{MaxSeverity: models.VulnSeverityHigh},
	}
	lock := &models.LockRecord{
		Constraints: []models.LockedConstraint{
			{Name: "safe-patch", Version: "1.0.0", Hashes: []models.Hash{{Algorithm: "sha256", Digest: "aa"}}},
			{Name: "minor-bump", Version: "1.0.0", Hashes: []models.Hash{{Algorithm: "sha256", Digest: "bb"}}},
			{Name: "blocked-major", Version: "1.0.0", Hashes: []models.Hash{{Algorithm: "sha256", Digest: "cc"}}},
			{Name: "cve-target", Version: "1.0.0", Hashes: []models.Hash{{Algorithm: "sha256", Digest: "dd"}}},
		},
	}
	catalog := &models.CatalogSnapshot{
		Packages: map[string][]models.CatalogRelease{
			"safe-patch":    {{Version: "1.0.1", ReleasedAt: planNow.Add(-60 * 24 * time.Hour)}},
			"minor-bump":    {{Version: "1.1.0", ReleasedAt: planNow.Add(-60 * 24 * time.Hour)}},
			"blocked-major": {{Version: "2.0.0", ReleasedAt: planNow.Add(-60 * 24 * time.Hour)}},
			"cve-target": {{
				Version:    "1.0.2",
				ReleasedAt: planNow.Add(-60 * 24 * time.Hour),
				CVEs: []models.Finding{{
					CVEID:       "CVE-2024-0042",
					Severity:    models.VulnSeverityCritical,
					PublishedAt: planNow.Add(-90 * 24 * time.Hour),
				}},
			}},
		},
	}

	p := &Planner{Policy: policy, Now: planNow}
	plan, err := p.Plan(lock, catalog)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}

	risks := map[string]models.RiskLevel{}
	for _, entry := range plan.Entries {
		risks[entry.Name] = entry.Risk
	}
	if risks["safe-patch"] != models.RiskSafe {
		t.Errorf("aged patch bump should be safe, got %s", risks["safe-patch"])
	}
	if risks["minor-bump"] != models.RiskCaution {
		t.Errorf("minor bump should be caution, got %s", risks["minor-bump"])
	}
	if risks["blocked-major"] != models.RiskBlocked {
		t.Errorf("major bump with allow_major=false should be blocked, got %s", risks["blocked-major"])
	}
	if risks["cve-target"] != models.RiskBlocked {
		t.Errorf("target with active blocked CVE should be blocked, got %s", risks["cve-target"])
	}
}

func TestPlanNoDrift(t *testing.T) {
	lock := &models.LockRecord{
		Constraints: []models.LockedConstraint{
			{Name: "demo-lib", Version: "1.2.3", Hashes: []models.Hash{{Algorithm: "sha256", Digest: "aa"}}},
		},
	}
	catalog := &models.CatalogSnapshot{
		Packages: map[string][]models.CatalogRelease{
			"demo-lib": {{Version: "1.2.3", ReleasedAt: planNow.Add(-60 * 24 * time.Hour)}},
		},
	}
	p := &Planner{Now: planNow}
	plan, err := p.Plan(lock, catalog)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	if len(plan.Entries) != 0 {
		t.Errorf("no drift expected: %+v", plan.Entries)
	}
}

func TestPlanRespectsCeilings(t *testing.T) {
	policy := &models.PolicyDocument{
		DefaultAllow: true,
		VersionCeilings: map[string]models.VersionCeiling{
			"demo-lib": {Specifier: "<2.0"},
		},
	}
	lock := &models.LockRecord{
		Constraints: []models.LockedConstraint{
			{Name: "demo-lib", Version: "1.2.3", Hashes: []models.Hash{{Algorithm: "sha256", Digest: "aa"}}},
		},
	}
	catalog := &models.CatalogSnapshot{
		Packages: map[string][]models.CatalogRelease{
			"demo-lib": {
				{Version: "1.9.0", ReleasedAt: planNow.Add(-60 * 24 * time.Hour)},
				{Version: "2.0.0", ReleasedAt: planNow.Add(-60 * 24 * time.Hour)},
			},
		},
	}

	p := &Planner{Policy: policy, Now: planNow}
	plan, err := p.Plan(lock, catalog)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	if len(plan.Entries) != 1 || plan.Entries[0].ToVersion != "1.9.0" {
		t.Errorf("ceiling not respected in target selection: %+v", plan.Entries)
	}
}
