package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/chiron-dev/chiron/internal/observability"
	"github.com/chiron-dev/chiron/internal/observability/logging"
	otelobs "github.com/chiron-dev/chiron/internal/observability/otel"
	"github.com/chiron-dev/chiron/internal/pipeline"
)

var buildBundleCmd = &cobra.Command{
	Use:   "build-bundle --manifest <path> --output <dir>",
	Short: "Build a locked, attested wheelhouse bundle",
	Long: `Resolves and hash-pins the dependency closure, vendors the wheels,
stages the wheelhouse, attaches SBOM, vulnerability scan, signature and
provenance, and seals the bundle with update metadata.

Examples:
  # Build from a requirements manifest
  chiron build-bundle --manifest requirements.in --output dist/

  # Build with policy gating and a custom index
  CHIRON_INDEX_URL=https://pypi.example.com/simple \
    chiron build-bundle --manifest requirements.in --output dist/ --policy policy.yaml

  # Unsigned bundle for air-gap staging
  chiron build-bundle --manifest requirements.in --output dist/ --skip-signing`,
	RunE:         runBuildBundle,
	SilenceUsage: true,
}

var (
	buildManifestFlag    string
	buildOutputFlag      string
	buildExtrasFlag      []string
	buildPythonFlag      string
	buildPlatformsFlag   []string
	buildPythonTagsFlag  []string
	buildCommitRefFlag   string
	buildSkipSigningFlag bool
	buildToleranceFlag   int
	buildFormatFlag      string
)

func init() {
	buildBundleCmd.Flags().StringVar(&buildManifestFlag, "manifest", "", "Project manifest (requirements.in or pyproject.toml)")
	buildBundleCmd.Flags().StringVar(&buildOutputFlag, "output", "dist", "Output directory for the wheelhouse and archive")
	buildBundleCmd.Flags().StringSliceVar(&buildExtrasFlag, "extra", nil, "Optional extras to resolve")
	buildBundleCmd.Flags().StringVar(&buildPythonFlag, "python-version", "", "Python version range for resolution")
	buildBundleCmd.Flags().StringSliceVar(&buildPlatformsFlag, "platform", nil, "Platform tags in scope (empty = universal)")
	buildBundleCmd.Flags().StringSliceVar(&buildPythonTagsFlag, "python-tag", nil, "Interpreter tags in scope")
	buildBundleCmd.Flags().StringVar(&buildCommitRefFlag, "commit-ref", "", "Commit reference recorded in the manifest")
	buildBundleCmd.Flags().BoolVar(&buildSkipSigningFlag, "skip-signing", false, "Skip signature and provenance")
	buildBundleCmd.Flags().IntVar(&buildToleranceFlag, "wheel-failure-tolerance", 0, "Wheel failures tolerated before aborting")
	buildBundleCmd.Flags().StringVar(&buildFormatFlag, "format", "text", "Output format: text or json")
	addStoreFlags(buildBundleCmd)
	_ = buildBundleCmd.MarkFlagRequired("manifest")
}

// GetBuildBundleCmd export
func GetBuildBundleCmd() *cobra.Command {
	return buildBundleCmd
}

func runBuildBundle(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()
	log := logging.From(ctx)
	start := time.Now()

	if h := otelobs.From(ctx); h != nil {
		var span trace.Span
		ctx, span = h.Tracer.Start(ctx, "chiron.build_bundle",
			trace.WithAttributes(
				attribute.String("chiron.run_id", observability.RunID(ctx)),
				attribute.String("chiron.manifest", buildManifestFlag),
			))
		defer func() {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "failed")
			} else {
				span.SetStatus(codes.Ok, "success")
			}
			span.End()
		}()
	}

	log.Event(ctx, "build.start", map[string]any{"manifest": buildManifestFlag})
	defer func() {
		log.Event(ctx, "build.complete", map[string]any{
			"duration_ms": time.Since(start).Milliseconds(),
			"ok":          err == nil,
		})
	}()

	cfg, err := newPipelineConfig(cmd)
	if err != nil {
		return err
	}
	cfg.CommitRef = buildCommitRefFlag
	cfg.WheelFailureTolerance = buildToleranceFlag

	if err := os.MkdirAll(buildOutputFlag, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	result, err := cfg.Build(ctx, pipeline.BuildRequest{
		ManifestPath:  buildManifestFlag,
		Extras:        buildExtrasFlag,
		PythonRange:   buildPythonFlag,
		PlatformScope: buildPlatformsFlag,
		PythonScope:   buildPythonTagsFlag,
		OutputDir:     buildOutputFlag,
		SkipSigning:   buildSkipSigningFlag,
	})
	if err != nil {
		return err
	}

	if buildFormatFlag == "json" {
		return emitJSON(map[string]any{
			"run_id":        result.Run.ID,
			"bundle_sha256": result.Manifest.BundleSHA256,
			"bundle_dir":    result.BundleDir,
			"archive":       result.ArchivePath,
			"wheels":        len(result.Manifest.Wheels),
			"audit_root":    result.Run.Chain.RootDigest(),
		})
	}

	fmt.Printf("bundle sealed: %s\n", result.Manifest.BundleSHA256)
	fmt.Printf("  wheels:  %d\n", len(result.Manifest.Wheels))
	fmt.Printf("  dir:     %s\n", result.BundleDir)
	fmt.Printf("  archive: %s\n", result.ArchivePath)
	fmt.Printf("  run:     %s\n", result.Run.ID)
	return nil
}
