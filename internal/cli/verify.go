package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chiron-dev/chiron/internal/bundler"
	"github.com/chiron-dev/chiron/internal/observability/logging"
	"github.com/chiron-dev/chiron/internal/pipeline"
)

var verifyBundleCmd = &cobra.Command{
	Use:   "verify-bundle --bundle <dir> --archive <path>",
	Short: "Verify a bundle's metadata chain, attestations and policy",
	Long: `Runs the consumption checks without installing anything: manifest
consistency, update metadata chain, signature, provenance, SBOM coverage,
scan freshness, and a policy re-evaluation.

Examples:
  chiron verify-bundle --bundle dist/wheelhouse --archive dist/wheelhouse.tar.gz
  chiron verify-bundle --bundle dist/wheelhouse --archive dist/wheelhouse.tar.gz --format=json`,
	RunE:         runVerifyBundle,
	SilenceUsage: true,
}

var (
	verifyBundleDirFlag string
	verifyArchiveFlag   string
	verifyFormatFlag    string
)

func init() {
	verifyBundleCmd.Flags().StringVar(&verifyBundleDirFlag, "bundle", "wheelhouse", "Bundle directory")
	verifyBundleCmd.Flags().StringVar(&verifyArchiveFlag, "archive", "", "Bundle archive (defaults to <bundle>/../wheelhouse.tar.gz)")
	verifyBundleCmd.Flags().StringVar(&verifyFormatFlag, "format", "text", "Output format: text or json")
	addStoreFlags(verifyBundleCmd)
}

// GetVerifyBundleCmd export
func GetVerifyBundleCmd() *cobra.Command {
	return verifyBundleCmd
}

func runVerifyBundle(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	log := logging.From(ctx)

	cfg, err := newPipelineConfig(cmd)
	if err != nil {
		return err
	}

	archive := verifyArchiveFlag
	if archive == "" {
		archive = defaultArchivePath(verifyBundleDirFlag)
	}

	run, err := cfg.Verify(ctx, pipeline.VerifyRequest{
		BundleDir:   verifyBundleDirFlag,
		ArchivePath: archive,
	})
	if err != nil {
		log.Event(ctx, "verify.failed", map[string]any{"run_id": run.ID})
		return err
	}

	log.Event(ctx, "verify.ok", map[string]any{"run_id": run.ID})

	if verifyFormatFlag == "json" {
		return emitJSON(map[string]any{
			"run_id":     run.ID,
			"verified":   true,
			"audit_root": run.Chain.RootDigest(),
		})
	}
	fmt.Println("bundle verified")
	fmt.Printf("  run: %s\n", run.ID)
	return nil
}

func defaultArchivePath(bundleDir string) string {
	return bundleDir + "/../" + bundler.ArchiveName
}
