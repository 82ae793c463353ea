package cli

import (
	"os"
	"strconv"
	"strings"

	"github.com/chiron-dev/chiron/internal/attest"
	"github.com/chiron-dev/chiron/internal/crypto"
	"github.com/chiron-dev/chiron/internal/faults"
	"github.com/chiron-dev/chiron/internal/models"
	"github.com/chiron-dev/chiron/internal/observability/audit"
	"github.com/chiron-dev/chiron/internal/pipeline"
	"github.com/chiron-dev/chiron/internal/policy"
	"github.com/chiron-dev/chiron/internal/store"
	"github.com/chiron-dev/chiron/internal/toolexec"
	"github.com/chiron-dev/chiron/internal/tufmeta"
	"github.com/chiron-dev/chiron/internal/version"
	"github.com/spf13/cobra"
)

// shared flags across verbs
var (
	storeDirFlag       string
	keyDirFlag         string
	policyPathFlag     string
	signKeyRefFlag     string
	issuerPatternFlag  string
	subjectPatternFlag string
)

func addStoreFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&storeDirFlag, "store", ".chiron/store", "Artifact store directory")
	cmd.Flags().StringVar(&keyDirFlag, "key-dir", ".chiron/keys", "Metadata signing key directory")
	cmd.Flags().StringVar(&policyPathFlag, "policy", "", "Path to the policy document (YAML)")
	cmd.Flags().StringVar(&signKeyRefFlag, "sign-key", "", "Signing key reference for cosign (empty = keyless)")
	cmd.Flags().StringVar(&issuerPatternFlag, "cert-issuer-regexp", "", "Accepted OIDC issuer pattern for signature verification")
	cmd.Flags().StringVar(&subjectPatternFlag, "cert-identity-regexp", "", "Accepted certificate identity pattern for signature verification")
}

// newPipelineConfig assembles the coordinator's dependency set from flags
// and the fixed CHIRON_* environment knobs. Configuration is read once
// here and frozen for the run.
func newPipelineConfig(cmd *cobra.Command) (*pipeline.Config, error) {
	artifactStore, err := store.Open(storeDirFlag)
	if err != nil {
		return nil, err
	}

	var policyDoc *models.PolicyDocument
	if policyPathFlag != "" {
		policyDoc, err = policy.Load(policyPathFlag)
		if err != nil {
			return nil, err
		}
	}

	keys, err := keyProviderFromEnv()
	if err != nil {
		return nil, err
	}

	tools := toolexec.New()

	identity := attest.IdentityPolicy{
		IssuerPattern:  issuerPatternFlag,
		SubjectPattern: subjectPatternFlag,
	}
	if err := attest.ValidateIdentityPolicy(identity); err != nil {
		return nil, err
	}

	signer := &attest.Signer{Tools: tools, KeyRef: signKeyRefFlag}

	cfg := &pipeline.Config{
		Store:     artifactStore,
		Tools:     tools,
		Keys:      keys,
		Policy:    policyDoc,
		Signer:    signer,
		Verifier:  &attest.Verifier{Signer: signer, Config: attest.VerifyConfig{Identity: identity}},
		AuditSink: audit.From(cmd.Context()),
		BuilderID: "https://chiron.dev/builders/cli@" + version.BuildVersion(),

		IndexURL:         os.Getenv("CHIRON_INDEX_URL"),
		ExtraIndexURLs:   splitList(os.Getenv("CHIRON_EXTRA_INDEX_URL")),
		RebuildTolerance: rebuildToleranceFromEnv(),
	}
	return cfg, nil
}

// keyProviderFromEnv selects the KeyProvider backend via CHIRON_KEY_BACKEND.
// Only the file backend ships in-tree; KMS and HSM backends register here.
func keyProviderFromEnv() (tufmeta.KeyProvider, error) {
	backend := os.Getenv("CHIRON_KEY_BACKEND")
	switch backend {
	case "", "file":
		return &crypto.FileProvider{Dir: keyDirFlag}, nil
	default:
		return nil, faults.New(faults.CategoryInputInvalid, "key_backend_unknown",
			"unknown key backend").WithRef(backend).
			WithHint("supported backends: file")
	}
}

func rebuildToleranceFromEnv() float64 {
	if env := os.Getenv("CHIRON_REBUILD_TOLERANCE"); env != "" {
		if v, err := strconv.ParseFloat(env, 64); err == nil && v >= 0 && v <= 1 {
			return v
		}
	}
	return 0
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
