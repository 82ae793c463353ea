package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/chiron-dev/chiron/internal/faults"
	"github.com/chiron-dev/chiron/internal/observability"
	"github.com/chiron-dev/chiron/internal/observability/audit"
	"github.com/chiron-dev/chiron/internal/observability/logging"
	otelobs "github.com/chiron-dev/chiron/internal/observability/otel"
	"github.com/chiron-dev/chiron/internal/version"
)

var (
	logFormatFlag string
	logLevelFlag  string
	logOutputFlag string
	auditLogFlag  string

	// OTel flags
	otelEnabledFlag     bool
	otelEndpointFlag    string
	otelProtocolFlag    string
	otelInsecureFlag    bool
	otelServiceNameFlag string
	otelSampleRatioFlag float64
)

var rootCmd = &cobra.Command{
	Use:   "chiron",
	Short: "Supply-chain governance for Python wheelhouses",
	Long: `chiron builds hash-pinned, attested, reproducible wheelhouse bundles
and verifies them before anything is installed on an air-gapped host.`,
	Version: version.BuildVersion(),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Initialize context with run ID
		ctx := observability.WithRunID(context.Background())

		// Create logger from flags
		logger, err := logging.NewLogger(logging.Config{
			Format: logFormatFlag,
			Level:  logLevelFlag,
			Output: logOutputFlag,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		ctx = logging.WithLogger(ctx, logger)

		// Initialize audit writer if --audit-log is set
		if auditLogFlag != "" {
			w, err := audit.NewWriter(auditLogFlag)
			if err != nil {
				return fmt.Errorf("failed to initialize audit log: %w", err)
			}
			ctx = audit.WithWriter(ctx, w)
		}

		// Initialize OTel if enabled
		if otelEnabledFlag {
			cfg := otelobs.Config{
				Enabled:     true,
				Endpoint:    otelEndpointFlag,
				Protocol:    otelProtocolFlag,
				Insecure:    otelInsecureFlag,
				ServiceName: otelServiceNameFlag,
				SampleRatio: otelSampleRatioFlag,
			}
			h, err := otelobs.Init(ctx, cfg)
			if err != nil {
				// OTel is optional; never fatal
				logger.Warn("otel", "failed to initialize OTel tracing", "error", err.Error())
			} else {
				ctx = otelobs.WithHandle(ctx, h)
			}
		}

		cmd.SetContext(ctx)
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			return nil
		}

		var errs []error

		// Shutdown OTel with timeout (warn-only, never fatal)
		if h := otelobs.From(ctx); h != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			if err := h.Shutdown(shutdownCtx); err != nil {
				if lg := logging.From(ctx); lg != nil {
					lg.Warn("otel", "shutdown failed", "error", err.Error())
				}
			}
			cancel()
		}

		// Close audit writer (fatal - evidence not written)
		if w := audit.From(ctx); w != nil {
			errs = append(errs, w.Close())
		}

		// Close logger (fatal - flush buffers)
		if lg := logging.From(ctx); lg != nil {
			errs = append(errs, lg.Close())
		}

		return errors.Join(errs...)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		printFault(err)
		os.Exit(faults.ExitCode(err))
	}
}

// printFault renders the stable error surface: category, summary,
// offending input, hint, and the run id for audit correlation.
func printFault(err error) {
	var f *faults.Error
	if errors.As(err, &f) {
		fmt.Fprintf(os.Stderr, "error [%s/%s]: %s\n", f.Category, f.Kind, f.Summary)
		if f.Ref != "" {
			fmt.Fprintf(os.Stderr, "  input: %s\n", f.Ref)
		}
		if f.Hint != "" {
			fmt.Fprintf(os.Stderr, "  hint: %s\n", f.Hint)
		}
		if f.RunID != "" {
			fmt.Fprintf(os.Stderr, "  run: %s\n", f.RunID)
		}
		return
	}
	fmt.Fprintln(os.Stderr, err)
}

func init() {
	// Logging flags
	rootCmd.PersistentFlags().StringVar(&logFormatFlag, "log-format", "pretty",
		"Log format: pretty (default, no structured logs) or jsonl (SIEM-friendly)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "info",
		"Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logOutputFlag, "log-output", "stderr",
		"Log output: stderr (default) or file path")

	// Audit flags
	rootCmd.PersistentFlags().StringVar(&auditLogFlag, "audit-log", "",
		"Path to the append-only audit log (disabled if empty)")

	// OTel flags
	rootCmd.PersistentFlags().BoolVar(&otelEnabledFlag, "otel", false,
		"Enable OpenTelemetry tracing (disabled by default)")
	rootCmd.PersistentFlags().StringVar(&otelEndpointFlag, "otel-endpoint", "",
		"OTel exporter endpoint (default: OTEL_EXPORTER_OTLP_ENDPOINT or http://localhost:4318)")
	rootCmd.PersistentFlags().StringVar(&otelProtocolFlag, "otel-protocol", "otlphttp",
		"OTel protocol: otlphttp (default) or otlpgrpc")
	rootCmd.PersistentFlags().BoolVar(&otelInsecureFlag, "otel-insecure", false,
		"Allow insecure OTel connections (no TLS)")
	rootCmd.PersistentFlags().StringVar(&otelServiceNameFlag, "otel-service-name", "chiron",
		"OTel service name for traces")
	rootCmd.PersistentFlags().Float64Var(&otelSampleRatioFlag, "otel-sample-ratio", 1.0,
		"OTel sampling ratio (0.0-1.0)")

	rootCmd.AddCommand(GetBuildBundleCmd())
	rootCmd.AddCommand(GetVerifyBundleCmd())
	rootCmd.AddCommand(GetPlanUpgradeCmd())
	rootCmd.AddCommand(GetCheckPolicyCmd())
	rootCmd.AddCommand(GetReproCheckCmd())
	rootCmd.AddCommand(GetInstallOfflineCmd())
	rootCmd.AddCommand(GetKeysCmd())
}
