package policy

import (
	"testing"
	"time"

	"github.com/chiron-dev/chiron/internal/models"
)

var testNow = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func lockedSet(pairs ...string) []models.LockedConstraint {
	var out []models.LockedConstraint
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, models.LockedConstraint{
			Name:    pairs[i],
			Version: pairs[i+1],
			Hashes:  []models.Hash{{Algorithm: "sha256", Digest: "aa"}},
		})
	}
	return out
}

func TestEvaluateEmptySetDefaultAllow(t *testing.T) {
	verdict, err := Evaluate(&models.PolicyDocument{DefaultAllow: true}, Input{Now: testNow})
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if !verdict.Allowed || len(verdict.Violations) != 0 {
		t.Errorf("empty set must be allowed with no violations: %+v", verdict)
	}
}

func TestEvaluateEmptySetEmptyAllowlist(t *testing.T) {
	// vacuously allowed: nothing to violate
	verdict, err := Evaluate(&models.PolicyDocument{DefaultAllow: false}, Input{Now: testNow})
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if !verdict.Allowed {
		t.Errorf("empty set with empty allowlist must be vacuously allowed: %+v", verdict)
	}
}

func TestDenylistBlocks(t *testing.T) {
	doc := &models.PolicyDocument{DefaultAllow: true, Denylist: []string{"Bad_Package"}}
	verdict, err := Evaluate(doc, Input{Constraints: lockedSet("bad-package", "1.0", "fine", "2.0"), Now: testNow})
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if verdict.Allowed {
		t.Error("denylisted coordinate must block")
	}
	if len(verdict.Violations) != 1 || verdict.Violations[0].Rule != "denylist" {
		t.Errorf("expected one denylist violation: %+v", verdict.Violations)
	}
}

func TestAllowlistOnlyWhenDefaultDeny(t *testing.T) {
	doc := &models.PolicyDocument{DefaultAllow: false, Allowlist: []string{"fine"}}
	verdict, err := Evaluate(doc, Input{Constraints: lockedSet("fine", "2.0", "other", "1.0"), Now: testNow})
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if verdict.Allowed {
		t.Error("coordinate off the allowlist must block")
	}

	// with default_allow the allowlist is not consulted
	doc.DefaultAllow = true
	verdict, err = Evaluate(doc, Input{Constraints: lockedSet("other", "1.0"), Now: testNow})
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if !verdict.Allowed {
		t.Error("default_allow must skip the allowlist rule")
	}
}

func TestVersionCeiling(t *testing.T) {
	doc := &models.PolicyDocument{
		DefaultAllow: true,
		VersionCeilings: map[string]models.VersionCeiling{
			"demo-lib": {Specifier: "<2.0", Severity: models.SeverityBlocked},
		},
	}
	verdict, err := Evaluate(doc, Input{Constraints: lockedSet("demo-lib", "2.1.0"), Now: testNow})
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if verdict.Allowed {
		t.Error("version over a blocked ceiling must block")
	}

	verdict, err = Evaluate(doc, Input{Constraints: lockedSet("demo-lib", "1.9.0"), Now: testNow})
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if !verdict.Allowed {
		t.Errorf("version under the ceiling must pass: %+v", verdict.Violations)
	}
}

func TestUpgradeWindowBlocksMajorBump(t *testing.T) {
	doc := &models.PolicyDocument{
		DefaultAllow: true,
		UpgradeWindows: map[string]models.UpgradeWindow{
			"demo-lib": {AllowMajor: false},
		},
	}
	verdict, err := Evaluate(doc, Input{
		Constraints: lockedSet("demo-lib", "2.0.0"),
		Baseline:    lockedSet("demo-lib", "1.2.3"),
		Now:         testNow,
	})
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if verdict.Allowed {
		t.Error("major bump with allow_major=false must block")
	}
	if len(verdict.Violations) != 1 {
		t.Fatalf("expected exactly one violation, got %+v", verdict.Violations)
	}
	v := verdict.Violations[0]
	if v.Rule != "upgrade_window" || v.Severity != models.SeverityBlocked {
		t.Errorf("expected blocked upgrade_window violation, got %+v", v)
	}
}

func TestUpgradeWindowMinStableDays(t *testing.T) {
	doc := &models.PolicyDocument{
		DefaultAllow: true,
		UpgradeWindows: map[string]models.UpgradeWindow{
			"demo-lib": {MinStableDays: 14, AllowMajor: true},
		},
	}
	catalog := &models.CatalogSnapshot{
		Packages: map[string][]models.CatalogRelease{
			"demo-lib": {
				{Version: "1.3.0", ReleasedAt: testNow.Add(-3 * 24 * time.Hour)},
			},
		},
	}
	verdict, err := Evaluate(doc, Input{
		Constraints: lockedSet("demo-lib", "1.3.0"),
		Baseline:    lockedSet("demo-lib", "1.2.3"),
		Catalog:     catalog,
		Now:         testNow,
	})
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	// too fresh: advisory caution, never blocking on its own
	if !verdict.Allowed {
		t.Error("caution-only verdict must stay allowed")
	}
	if len(verdict.Violations) != 1 || verdict.Violations[0].Severity != models.SeverityCaution {
		t.Errorf("expected one caution violation: %+v", verdict.Violations)
	}
}

func TestCVEGateBoundary(t *testing.T) {
	doc := &models.PolicyDocument{
		DefaultAllow: true,
		CVEGates:     &models.CVEGate{MaxSeverity: models.VulnSeverityHigh, GracePeriodDays: 7},
	}

	vulns := &models.VulnReport{
		Findings: []models.Finding{
			// exactly at max_severity, past grace: blocked (>= semantics)
			{Name: "demo-lib", Version: "1.2.3", CVEID: "CVE-2024-0001",
				Severity: models.VulnSeverityHigh, PublishedAt: testNow.Add(-30 * 24 * time.Hour)},
		},
	}
	verdict, err := Evaluate(doc, Input{
		Constraints:     lockedSet("demo-lib", "1.2.3"),
		Vulnerabilities: vulns,
		Now:             testNow,
	})
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if verdict.Allowed {
		t.Error("CVE at the severity boundary past grace must block")
	}

	// inside the grace period: caution
	vulns.Findings[0].PublishedAt = testNow.Add(-2 * 24 * time.Hour)
	verdict, err = Evaluate(doc, Input{
		Constraints:     lockedSet("demo-lib", "1.2.3"),
		Vulnerabilities: vulns,
		Now:             testNow,
	})
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if !verdict.Allowed {
		t.Error("CVE within grace must be caution, not blocked")
	}

	// below the threshold: no violation
	vulns.Findings[0].Severity = models.VulnSeverityMedium
	verdict, err = Evaluate(doc, Input{
		Constraints:     lockedSet("demo-lib", "1.2.3"),
		Vulnerabilities: vulns,
		Now:             testNow,
	})
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if len(verdict.Violations) != 0 {
		t.Errorf("below-threshold CVE must not violate: %+v", verdict.Violations)
	}
}

func TestRequiredAttestations(t *testing.T) {
	doc := &models.PolicyDocument{
		DefaultAllow:         true,
		RequiredAttestations: []string{models.AttestationSBOM, models.AttestationSignature},
	}
	verdict, err := Evaluate(doc, Input{
		Constraints:         lockedSet("demo-lib", "1.2.3"),
		PresentAttestations: []string{models.AttestationSBOM},
		Now:                 testNow,
	})
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if verdict.Allowed {
		t.Error("missing required attestation must block")
	}
	if len(verdict.Violations) != 1 || verdict.Violations[0].Rule != "required_attestations" {
		t.Errorf("expected one required_attestations violation: %+v", verdict.Violations)
	}
}

func TestPolicyMonotonicity(t *testing.T) {
	// tightening a rule must never turn blocked into allowed
	input := Input{
		Constraints: lockedSet("demo-lib", "2.1.0"),
		Now:         testNow,
	}
	loose := &models.PolicyDocument{
		DefaultAllow: true,
		VersionCeilings: map[string]models.VersionCeiling{
			"demo-lib": {Specifier: "<2.0", Severity: models.SeverityBlocked},
		},
	}
	looseVerdict, err := Evaluate(loose, input)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}

	tight := &models.PolicyDocument{
		DefaultAllow: true,
		Denylist:     []string{"demo-lib"},
		VersionCeilings: map[string]models.VersionCeiling{
			"demo-lib": {Specifier: "<2.0", Severity: models.SeverityBlocked},
		},
	}
	tightVerdict, err := Evaluate(tight, input)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}

	if !looseVerdict.Allowed && tightVerdict.Allowed {
		t.Error("tightening the policy flipped blocked to allowed")
	}
	if len(tightVerdict.Violations) < len(looseVerdict.Violations) {
		t.Error("tightening the policy removed violations")
	}
}

func TestCustomRuleAddsViolation(t *testing.T) {
	doc := &models.PolicyDocument{
		DefaultAllow: true,
		CustomRules: []models.CustomRule{
			{
				Name:       "max_set_size",
				Expr:       `size(input.constraints) <= 1`,
				Severity:   models.SeverityBlocked,
				FailureMsg: "dependency set too large",
			},
		},
	}
	verdict, err := Evaluate(doc, Input{Constraints: lockedSet("a", "1.0", "b", "2.0"), Now: testNow})
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if verdict.Allowed {
		t.Error("failing custom rule must block")
	}

	verdict, err = Evaluate(doc, Input{Constraints: lockedSet("a", "1.0"), Now: testNow})
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if !verdict.Allowed {
		t.Errorf("passing custom rule must not violate: %+v", verdict.Violations)
	}
}
