package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chiron-dev/chiron/internal/faults"
)

var reproCheckCmd = &cobra.Command{
	Use:   "reproducibility-check --bundle <dir>",
	Short: "Rebuild every wheel in a bundle and classify divergence",
	Long: `Rebuilds each wheel in an isolated environment, normalizes both
artifacts (zeroed timestamps, scrubbed build paths, canonical metadata
line endings, re-sorted RECORD) and reports exact and normalized matches.

The bundle passes when the irreproducible fraction stays within
CHIRON_REBUILD_TOLERANCE (default 0).

Examples:
  chiron reproducibility-check --bundle dist/wheelhouse
  chiron reproducibility-check --bundle dist/wheelhouse --strip-build-path '/tmp/build-[0-9]+/'`,
	RunE:         runReproCheck,
	SilenceUsage: true,
}

var (
	reproBundleFlag   string
	reproPatternsFlag []string
	reproFormatFlag   string
)

func init() {
	reproCheckCmd.Flags().StringVar(&reproBundleFlag, "bundle", "wheelhouse", "Bundle directory")
	reproCheckCmd.Flags().StringSliceVar(&reproPatternsFlag, "strip-build-path", nil, "Build-path prefix patterns scrubbed before comparison")
	reproCheckCmd.Flags().StringVar(&reproFormatFlag, "format", "text", "Output format: text or json")
	addStoreFlags(reproCheckCmd)
}

// GetReproCheckCmd export
func GetReproCheckCmd() *cobra.Command {
	return reproCheckCmd
}

func runReproCheck(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := newPipelineConfig(cmd)
	if err != nil {
		return err
	}

	verdict, run, err := cfg.ReproAudit(ctx, reproBundleFlag, reproPatternsFlag)
	if err != nil {
		return err
	}

	if reproFormatFlag == "json" {
		if err := emitJSON(verdict); err != nil {
			return err
		}
	} else {
		fmt.Printf("reproducibility: %.1f%% normalized match (tolerance %.1f%%)\n",
			verdict.MatchedFraction*100, verdict.Tolerance*100)
		for _, report := range verdict.Reports {
			status := "ok"
			switch {
			case report.RebuildFailed:
				status = "rebuild failed: " + report.FailureDetail
			case report.ExactMatch:
				status = "exact"
			case report.NormalizedMatch:
				status = "normalized"
			default:
				status = "diverged"
			}
			fmt.Printf("  %s: %s\n", report.Wheel.Filename(), status)
			for _, diff := range report.Differences {
				fmt.Printf("    %s %s\n", diff.Kind, diff.Path)
			}
		}
		fmt.Printf("  run: %s\n", run.ID)
	}

	if !verdict.Pass {
		return faults.New(faults.CategoryReproducibility, "rebuild_diverged",
			fmt.Sprintf("%.1f%% of wheels diverged beyond tolerance", (1-verdict.MatchedFraction)*100)).
			WithHint("inspect the per-wheel difference classes above")
	}
	return nil
}
