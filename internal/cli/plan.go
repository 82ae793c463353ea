package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chiron-dev/chiron/internal/faults"
	"github.com/chiron-dev/chiron/internal/models"
	"github.com/chiron-dev/chiron/internal/scanner"
)

var planUpgradeCmd = &cobra.Command{
	Use:   "plan-upgrade --lock <path> --catalog <path-or-url>",
	Short: "Preview drift against an upstream catalog snapshot",
	Long: `Compares the locked set against the catalog of available releases,
classifies each candidate upgrade (safe, caution, blocked) and orders the
plan along the dependency graph. Read-only.

With --proposed the command runs as the pre-merge guard instead,
evaluating policy over the diff between two lock records.

Examples:
  chiron plan-upgrade --lock chiron.lock.json --catalog snapshot.json
  chiron plan-upgrade --lock chiron.lock.json --proposed chiron.lock.proposed.json --policy policy.yaml`,
	RunE:         runPlanUpgrade,
	SilenceUsage: true,
}

var (
	planLockFlag         string
	planCatalogFlag      string
	planProposedFlag     string
	planVulnsFlag        string
	planFormatFlag       string
	planAllowPrivateFlag bool
)

func init() {
	planUpgradeCmd.Flags().StringVar(&planLockFlag, "lock", "chiron.lock.json", "Current lock record")
	planUpgradeCmd.Flags().StringVar(&planCatalogFlag, "catalog", "", "Catalog snapshot: local file or https URL")
	planUpgradeCmd.Flags().StringVar(&planProposedFlag, "proposed", "", "Proposed lock record (guard mode)")
	planUpgradeCmd.Flags().StringVar(&planVulnsFlag, "vulnerabilities", "", "Normalized vulnerability report for CVE gating")
	planUpgradeCmd.Flags().StringVar(&planFormatFlag, "format", "text", "Output format: text or json")
	planUpgradeCmd.Flags().BoolVar(&planAllowPrivateFlag, "unsafe-allow-private-hosts", false, "Allow catalog fetches from private hosts")
	addStoreFlags(planUpgradeCmd)
}

// GetPlanUpgradeCmd export
func GetPlanUpgradeCmd() *cobra.Command {
	return planUpgradeCmd
}

func runPlanUpgrade(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := newPipelineConfig(cmd)
	if err != nil {
		return err
	}

	// guard mode: evaluate a proposed change
	if planProposedFlag != "" {
		var vulns *models.VulnReport
		if planVulnsFlag != "" {
			vulns, err = scanner.LoadReport(planVulnsFlag)
			if err != nil {
				return err
			}
		}
		result, err := cfg.GuardCheck(ctx, planLockFlag, planProposedFlag, planCatalogFlag, vulns, planAllowPrivateFlag)
		if err != nil {
			return err
		}
		if planFormatFlag == "json" {
			if err := emitJSON(result); err != nil {
				return err
			}
		} else {
			fmt.Print(result.Summary)
		}
		if !result.Verdict.Allowed {
			first := result.Verdict.Violations[0]
			return faults.New(faults.CategoryPolicyViolation, first.Rule,
				"proposed change is blocked by policy").WithRef(first.Coordinate)
		}
		return nil
	}

	if planCatalogFlag == "" {
		return faults.New(faults.CategoryInputInvalid, "catalog_missing",
			"plan-upgrade requires --catalog (or --proposed for guard mode)")
	}

	plan, err := cfg.UpgradePreview(ctx, planLockFlag, planCatalogFlag, planAllowPrivateFlag)
	if err != nil {
		return err
	}

	if planFormatFlag == "json" {
		return emitJSON(plan)
	}

	if len(plan.Entries) == 0 {
		fmt.Println("no drift: every locked version is current under policy")
		return nil
	}
	fmt.Printf("%d upgrade candidate(s):\n", len(plan.Entries))
	for _, entry := range plan.Entries {
		fmt.Printf("  %s %s -> %s [%s] %s\n",
			entry.Name, entry.FromVersion, entry.ToVersion, entry.Risk, entry.Rationale)
	}
	return nil
}
