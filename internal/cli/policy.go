package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/chiron-dev/chiron/internal/faults"
	"github.com/chiron-dev/chiron/internal/locker"
	"github.com/chiron-dev/chiron/internal/models"
	"github.com/chiron-dev/chiron/internal/policy"
	"github.com/chiron-dev/chiron/internal/scanner"
)

var checkPolicyCmd = &cobra.Command{
	Use:   "check-policy --policy <path> --lock <path>",
	Short: "Evaluate the policy document over a locked dependency set",
	Long: `Pure policy evaluation: denylist, allowlist, version ceilings,
upgrade windows, CVE gates, required attestations, then any custom rules.
The verdict is allowed unless a blocked violation exists.

Examples:
  chiron check-policy --policy policy.yaml --lock chiron.lock.json
  chiron check-policy --policy policy.yaml --lock chiron.lock.json --vulnerabilities osv.json --format=json`,
	RunE:         runCheckPolicy,
	SilenceUsage: true,
}

var (
	checkLockFlag     string
	checkBaselineFlag string
	checkVulnsFlag    string
	checkFormatFlag   string
)

func init() {
	checkPolicyCmd.Flags().StringVar(&checkLockFlag, "lock", "chiron.lock.json", "Lock record to evaluate")
	checkPolicyCmd.Flags().StringVar(&checkBaselineFlag, "baseline", "", "Baseline lock record for upgrade-window checks")
	checkPolicyCmd.Flags().StringVar(&checkVulnsFlag, "vulnerabilities", "", "Normalized vulnerability report")
	checkPolicyCmd.Flags().StringVar(&checkFormatFlag, "format", "text", "Output format: text or json")
	addStoreFlags(checkPolicyCmd)
}

// GetCheckPolicyCmd export
func GetCheckPolicyCmd() *cobra.Command {
	return checkPolicyCmd
}

func runCheckPolicy(cmd *cobra.Command, args []string) error {
	if policyPathFlag == "" {
		return faults.New(faults.CategoryInputInvalid, "policy_missing",
			"check-policy requires --policy")
	}
	doc, err := policy.Load(policyPathFlag)
	if err != nil {
		return err
	}

	lock, err := locker.LoadRecord(checkLockFlag)
	if err != nil {
		return err
	}

	input := policy.Input{
		Constraints: lock.Constraints,
		Now:         time.Now().UTC(),
	}

	if checkBaselineFlag != "" {
		baseline, err := locker.LoadRecord(checkBaselineFlag)
		if err != nil {
			return err
		}
		input.Baseline = baseline.Constraints
	}
	if checkVulnsFlag != "" {
		vulns, err := scanner.LoadReport(checkVulnsFlag)
		if err != nil {
			return err
		}
		input.Vulnerabilities = vulns
	}

	verdict, err := policy.Evaluate(doc, input)
	if err != nil {
		return err
	}
	policy.SortViolations(verdict.Violations)

	if checkFormatFlag == "json" {
		if err := emitJSON(verdict); err != nil {
			return err
		}
	} else {
		emitVerdictText(verdict)
	}

	if !verdict.Allowed {
		first := firstBlocked(verdict)
		return faults.New(faults.CategoryPolicyViolation, first.Rule,
			"policy evaluation failed").WithRef(first.Coordinate)
	}
	return nil
}

func firstBlocked(verdict models.Verdict) models.Violation {
	for _, v := range verdict.Violations {
		if v.Severity == models.SeverityBlocked {
			return v
		}
	}
	return models.Violation{Rule: "policy"}
}
