package attest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chiron-dev/chiron/internal/bundler"
	"github.com/chiron-dev/chiron/internal/faults"
	"github.com/chiron-dev/chiron/internal/models"
	"github.com/chiron-dev/chiron/internal/scanner"
)

// DefaultScanFreshness is how old a vulnerability report may be relative
// to the bundle's created_at; overridable via CHIRON_SBOM_FRESHNESS_DAYS.
const DefaultScanFreshness = 7 * 24 * time.Hour

// VerifyConfig parameterizes bundle verification
type VerifyConfig struct {
	Identity      IdentityPolicy
	ScanFreshness time.Duration // 0 means DefaultScanFreshness
}

// Verifier runs the inverse protocol over a bundle directory
type Verifier struct {
	Signer *Signer
	Config VerifyConfig
}

// VerifyBundle confirms, in order: (1) provenance subject matches the
// bundle, (2) the signature verifies with an acceptable identity,
// (3) the SBOM covers the locked set, (4) the vulnerability report is
// fresh. The first failure aborts.
func (v *Verifier) VerifyBundle(ctx context.Context, bundleDir, archivePath string, constraints []models.LockedConstraint) error {
	manifest, err := bundler.LoadManifest(filepath.Join(bundleDir, bundler.ManifestName))
	if err != nil {
		return err
	}
	if err := bundler.VerifyManifestConsistency(manifest); err != nil {
		return err
	}

	// (1) provenance subject
	provenancePath := filepath.Join(bundleDir, bundler.ProvenanceName)
	statement, err := LoadProvenance(provenancePath)
	if err != nil {
		return err
	}
	if err := VerifyProvenanceSubject(statement, manifest.BundleSHA256); err != nil {
		return err
	}

	// (2) signature over the canonical archive bytes
	if err := v.Signer.Verify(ctx, archivePath, filepath.Join(bundleDir, bundler.SignatureName), v.Config.Identity); err != nil {
		return err
	}

	// (3) SBOM coverage
	if err := VerifySBOMCoverage(filepath.Join(bundleDir, bundler.SBOMName), constraints); err != nil {
		return err
	}

	// (4) scan freshness
	return v.verifyScanFreshness(bundleDir, manifest)
}

func (v *Verifier) verifyScanFreshness(bundleDir string, manifest *models.BundleManifest) error {
	report, err := scanner.LoadReport(filepath.Join(bundleDir, bundler.OSVName))
	if err != nil {
		return err
	}

	createdAt, err := time.Parse(time.RFC3339, manifest.CreatedAt)
	if err != nil {
		return faults.Wrap(faults.CategoryInputInvalid, "manifest_malformed",
			"manifest created_at is not RFC3339", err)
	}

	freshness := v.Config.ScanFreshness
	if freshness == 0 {
		freshness = ScanFreshnessFromEnv()
	}

	age := createdAt.Sub(report.GeneratedAt)
	if age > freshness {
		return faults.New(faults.CategoryAttestationInvalid, "scan_stale",
			fmt.Sprintf("vulnerability report is %s older than the bundle (limit %s)",
				age.Round(time.Hour), freshness)).
			WithHint("rerun vulnerability scan")
	}
	return nil
}

// ScanFreshnessFromEnv resolves CHIRON_SBOM_FRESHNESS_DAYS
func ScanFreshnessFromEnv() time.Duration {
	if env := os.Getenv("CHIRON_SBOM_FRESHNESS_DAYS"); env != "" {
		var days int
		if _, err := fmt.Sscanf(env, "%d", &days); err == nil && days > 0 {
			return time.Duration(days) * 24 * time.Hour
		}
	}
	return DefaultScanFreshness
}

// PresentAttestations lists the attestation kinds found in a bundle
// directory; policy's required_attestations rule consumes this.
func PresentAttestations(bundleDir string) []string {
	var present []string
	if _, err := os.Stat(filepath.Join(bundleDir, bundler.SBOMName)); err == nil {
		present = append(present, models.AttestationSBOM)
	}
	if _, err := os.Stat(filepath.Join(bundleDir, bundler.SignatureName)); err == nil {
		present = append(present, models.AttestationSignature)
	}
	if _, err := os.Stat(filepath.Join(bundleDir, bundler.ProvenanceName)); err == nil {
		present = append(present, models.AttestationProvenance)
	}
	return present
}
