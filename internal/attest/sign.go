package attest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/chiron-dev/chiron/internal/faults"
	"github.com/chiron-dev/chiron/internal/toolexec"
)

// IdentityPolicy constrains who may have signed a bundle
type IdentityPolicy struct {
	IssuerPattern  string // regular expression over the OIDC issuer
	SubjectPattern string // regular expression over the certificate identity
}

// Signer produces and verifies detached signatures over the canonical
// bundle bytes via the signing tool.
type Signer struct {
	Tools *toolexec.Adapter
	// KeyRef selects key-based signing; empty means keyless (OIDC).
	KeyRef string
}

// Sign produces a Sigstore bundle (detached signature plus verification
// material) for the archive at artifactPath.
func (s *Signer) Sign(ctx context.Context, artifactPath string) ([]byte, error) {
	tmp, err := os.CreateTemp("", "chiron-sigbundle-*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp signature file: %w", err)
	}
	bundlePath := tmp.Name()
	tmp.Close()
	defer os.Remove(bundlePath)

	args := []string{"sign-blob", "--yes", "--bundle", bundlePath}
	if s.KeyRef != "" {
		args = append(args, "--key", s.KeyRef)
	}
	args = append(args, artifactPath)

	rec, err := s.Tools.Run(ctx, toolexec.Invocation{
		Tag:  toolexec.TagSign,
		Args: args,
		Env:  map[string]string{"COSIGN_YES": "true"},
	})
	if err != nil {
		stderr := strings.TrimSpace(string(rec.StderrOrEmpty()))
		if strings.Contains(stderr, "no identity token") ||
			strings.Contains(stderr, "OIDC") ||
			strings.Contains(stderr, "ambient credentials") {
			return nil, faults.Wrap(faults.CategoryToolFailed, "sign_no_identity",
				"keyless signing requires an OIDC login or a CI identity token", err).
				WithHint("run interactively, provide --key, or sign from CI with OIDC enabled")
		}
		return nil, err
	}

	sig, err := os.ReadFile(bundlePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read signature bundle: %w", err)
	}
	if len(sig) == 0 {
		return nil, faults.New(faults.CategoryToolFailed, "sign_empty", "signer produced an empty signature bundle")
	}
	return sig, nil
}

// Verify re-checks the detached signature against the same canonical
// bytes and enforces the identity policy.
func (s *Signer) Verify(ctx context.Context, artifactPath, signaturePath string, identity IdentityPolicy) error {
	if _, err := os.Stat(signaturePath); err != nil {
		return faults.Wrap(faults.CategoryAttestationMissing, "signature_missing",
			"detached signature not found", err).WithRef(signaturePath)
	}

	args := []string{"verify-blob", "--bundle", signaturePath}
	if s.KeyRef != "" {
		args = append(args, "--key", s.KeyRef)
	} else {
		issuer := identity.IssuerPattern
		if issuer == "" {
			issuer = ".*"
		}
		subject := identity.SubjectPattern
		if subject == "" {
			subject = ".*"
		}
		args = append(args,
			"--certificate-oidc-issuer-regexp", issuer,
			"--certificate-identity-regexp", subject,
		)
	}
	args = append(args, artifactPath)

	rec, err := s.Tools.Run(ctx, toolexec.Invocation{
		Tag:  toolexec.TagVerifySignature,
		Args: args,
	})
	if err != nil {
		stderr := strings.ToLower(strings.TrimSpace(string(rec.StderrOrEmpty())))
		switch {
		case strings.Contains(stderr, "expired"):
			return faults.Wrap(faults.CategoryAttestationInvalid, "signature_expired",
				"signing certificate has expired", err).WithRef(filepath.Base(artifactPath))
		case strings.Contains(stderr, "identity") || strings.Contains(stderr, "issuer"):
			return faults.Wrap(faults.CategoryAttestationInvalid, "signature_identity_mismatch",
				"signature verifies but the signer identity does not match policy", err).
				WithRef(filepath.Base(artifactPath)).
				WithHint("check the issuer and subject patterns in the verification config")
		default:
			return faults.Wrap(faults.CategoryAttestationInvalid, "signature_invalid",
				"signature does not verify against the bundle bytes", err).WithRef(filepath.Base(artifactPath))
		}
	}
	return nil
}

// ValidateIdentityPolicy compiles the patterns up front
func ValidateIdentityPolicy(p IdentityPolicy) error {
	for _, pattern := range []string{p.IssuerPattern, p.SubjectPattern} {
		if pattern == "" {
			continue
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return faults.Wrap(faults.CategoryInputInvalid, "identity_pattern_invalid",
				"identity pattern is not a valid regular expression", err).WithRef(pattern)
		}
	}
	return nil
}
