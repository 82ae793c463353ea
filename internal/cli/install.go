package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chiron-dev/chiron/internal/observability/logging"
	"github.com/chiron-dev/chiron/internal/pipeline"
)

var installOfflineCmd = &cobra.Command{
	Use:   "install-offline --bundle <dir> --archive <path>",
	Short: "Verify a bundle and install it with no network access",
	Long: `The air-gapped consumption path: verify the archive digest, the
update metadata chain, every attestation, and the bundled policy; only on
a clean verdict drive the package installer in no-network mode with hash
enforcement from the locked constraints.

Examples:
  chiron install-offline --bundle wheelhouse --archive wheelhouse.tar.gz
  chiron install-offline --bundle wheelhouse --archive wheelhouse.tar.gz --policy policy.yaml`,
	RunE:         runInstallOffline,
	SilenceUsage: true,
}

var (
	installBundleFlag  string
	installArchiveFlag string
	installFormatFlag  string
)

func init() {
	installOfflineCmd.Flags().StringVar(&installBundleFlag, "bundle", "wheelhouse", "Bundle directory")
	installOfflineCmd.Flags().StringVar(&installArchiveFlag, "archive", "", "Bundle archive (defaults to <bundle>/../wheelhouse.tar.gz)")
	installOfflineCmd.Flags().StringVar(&installFormatFlag, "format", "text", "Output format: text or json")
	addStoreFlags(installOfflineCmd)
}

// GetInstallOfflineCmd export
func GetInstallOfflineCmd() *cobra.Command {
	return installOfflineCmd
}

func runInstallOffline(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	log := logging.From(ctx)

	cfg, err := newPipelineConfig(cmd)
	if err != nil {
		return err
	}

	archive := installArchiveFlag
	if archive == "" {
		archive = defaultArchivePath(installBundleFlag)
	}

	run, err := cfg.InstallOffline(ctx, pipeline.VerifyRequest{
		BundleDir:   installBundleFlag,
		ArchivePath: archive,
	})
	if err != nil {
		log.Event(ctx, "install.failed", map[string]any{"run_id": run.ID})
		return err
	}
	log.Event(ctx, "install.ok", map[string]any{"run_id": run.ID})

	if installFormatFlag == "json" {
		return emitJSON(map[string]any{
			"run_id":     run.ID,
			"installed":  true,
			"audit_root": run.Chain.RootDigest(),
		})
	}
	fmt.Println("bundle verified and installed")
	fmt.Printf("  run: %s\n", run.ID)
	return nil
}
