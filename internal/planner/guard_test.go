package planner

import (
	"strings"
	"testing"

	"github.com/chiron-dev/chiron/internal/models"
)

func TestGuardBlocksMajorBump(t *testing.T) {
	policy := &models.PolicyDocument{
		DefaultAllow: true,
		UpgradeWindows: map[string]models.UpgradeWindow{
			"demo-lib": {AllowMajor: false},
		},
	}
	current := &models.LockRecord{
		Constraints: []models.LockedConstraint{
			{Name: "demo-lib", Version: "1.2.3", Hashes: []models.Hash{{Algorithm: "sha256", Digest: "aa"}}},
		},
	}
	proposed := &models.LockRecord{
		Constraints: []models.LockedConstraint{
			{Name: "demo-lib", Version: "2.0.0", Hashes: []models.Hash{{Algorithm: "sha256", Digest: "bb"}}},
		},
	}

	guard := &Guard{Policy: policy, Now: planNow}
	result, err := guard.Check(current, proposed)
	if err != nil {
		t.Fatalf("guard failed: %v", err)
	}

	if result.Verdict.Allowed {
		t.Error("major bump with allow_major=false must be blocked")
	}
	if len(result.Verdict.Violations) != 1 {
		t.Fatalf("expected exactly one violation: %+v", result.Verdict.Violations)
	}
	v := result.Verdict.Violations[0]
	if v.Rule != "upgrade_window" || v.Severity != models.SeverityBlocked {
		t.Errorf("expected blocked upgrade_window violation, got %+v", v)
	}

	if len(result.Changed) != 1 || result.Changed[0].FromVersion != "1.2.3" || result.Changed[0].ToVersion != "2.0.0" {
		t.Errorf("diff set mismatch: %+v", result.Changed)
	}
	if len(result.LockDiff) == 0 {
		t.Error("structured lock diff missing")
	}
	if !strings.Contains(result.Summary, "verdict: blocked") {
		t.Errorf("summary should state the verdict:\n%s", result.Summary)
	}
}

func TestGuardNoChanges(t *testing.T) {
	lock := &models.LockRecord{
		Constraints: []models.LockedConstraint{
			{Name: "demo-lib", Version: "1.2.3", Hashes: []models.Hash{{Algorithm: "sha256", Digest: "aa"}}},
		},
	}
	guard := &Guard{Policy: &models.PolicyDocument{DefaultAllow: true}, Now: planNow}
	result, err := guard.Check(lock, lock)
	if err != nil {
		t.Fatalf("guard failed: %v", err)
	}
	if !result.Verdict.Allowed || len(result.Changed) != 0 {
		t.Errorf("identical locks must pass cleanly: %+v", result)
	}
	if !strings.Contains(result.Summary, "no dependency changes") {
		t.Errorf("summary should note the empty diff:\n%s", result.Summary)
	}
}

func TestGuardNewDependencyIsCaution(t *testing.T) {
	current := &models.LockRecord{}
	proposed := &models.LockRecord{
		Constraints: []models.LockedConstraint{
			{Name: "new-dep", Version: "0.1.0", Hashes: []models.Hash{{Algorithm: "sha256", Digest: "aa"}}},
		},
	}
	guard := &Guard{Policy: &models.PolicyDocument{DefaultAllow: true}, Now: planNow}
	result, err := guard.Check(current, proposed)
	if err != nil {
		t.Fatalf("guard failed: %v", err)
	}
	if len(result.Changed) != 1 || result.Changed[0].Risk != models.RiskCaution {
		t.Errorf("new dependency should classify caution: %+v", result.Changed)
	}
}
