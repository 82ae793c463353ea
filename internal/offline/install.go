// Package offline implements the verify-then-install protocol for
// air-gapped hosts. Every step emits an audit record; the first failure
// aborts with an error naming the failed step.
package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chiron-dev/chiron/internal/attest"
	"github.com/chiron-dev/chiron/internal/bundler"
	"github.com/chiron-dev/chiron/internal/faults"
	"github.com/chiron-dev/chiron/internal/locker"
	"github.com/chiron-dev/chiron/internal/models"
	"github.com/chiron-dev/chiron/internal/observability/audit"
	"github.com/chiron-dev/chiron/internal/policy"
	"github.com/chiron-dev/chiron/internal/toolexec"
	"github.com/chiron-dev/chiron/internal/tufmeta"
)

// Installer drives the five protocol steps: four verification steps, then
// the no-network install
type Installer struct {
	Tools    *toolexec.Adapter
	TUF      *tufmeta.Manager
	Verifier *attest.Verifier
	Policy   *models.PolicyDocument
	Chain    *audit.Chain
	Now      func() time.Time
}

// Request names the bundle under verification
type Request struct {
	BundleDir   string
	ArchivePath string
	// DryRun verifies everything but skips the final install.
	DryRun bool
}

// Install runs the protocol. The package installer only runs on a clean
// verdict, in no-network mode with hash enforcement.
func (i *Installer) Install(ctx context.Context, req Request) error {
	steps := []struct {
		id  string
		run func(ctx context.Context, req Request) error
	}{
		{"verify_bundle_digest", i.stepBundleDigest},
		{"verify_update_metadata", i.stepTUF},
		{"verify_attestations", i.stepAttestations},
		{"evaluate_policy", i.stepPolicy},
		{"install_packages", i.stepInstall},
	}

	for _, step := range steps {
		started := i.Now().UTC()
		err := step.run(ctx, req)
		i.record(step.id, started, err)
		if err != nil {
			return fmt.Errorf("offline install aborted at step %s: %w", step.id, err)
		}
	}
	return nil
}

func (i *Installer) record(stepID string, started time.Time, err error) {
	if i.Chain == nil {
		return
	}
	rec := models.AuditRecord{
		StepID:    stepID,
		StartedAt: started.Format(time.RFC3339),
		EndedAt:   i.Now().UTC().Format(time.RFC3339),
		Outcome:   models.AuditOK,
	}
	if err != nil {
		rec.Outcome = models.AuditFailed
		rec.Details = map[string]any{"error": err.Error(), "kind": faults.KindOf(err)}
	}
	_ = i.Chain.Append(rec)
}

// stepBundleDigest recomputes the manifest consistency digest and every
// recorded file checksum.
func (i *Installer) stepBundleDigest(ctx context.Context, req Request) error {
	manifest, err := bundler.LoadManifest(filepath.Join(req.BundleDir, bundler.ManifestName))
	if err != nil {
		return err
	}
	if err := bundler.VerifyManifestConsistency(manifest); err != nil {
		return err
	}
	return bundler.VerifyTree(req.BundleDir, manifest.Checksums)
}

// stepTUF verifies the metadata chain shipped inside the bundle. The
// attestation sidecars are the verified targets.
func (i *Installer) stepTUF(ctx context.Context, req Request) error {
	tufDir := filepath.Join(req.BundleDir, bundler.TUFDir)

	targets := make(map[string][]byte)
	for _, name := range []string{bundler.ManifestName, bundler.SBOMName, bundler.OSVName, bundler.SignatureName, bundler.ProvenanceName} {
		data, err := os.ReadFile(filepath.Join(req.BundleDir, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("failed to read bundle file %s: %w", name, err)
		}
		targets[name] = data
	}

	return i.TUF.VerifyChain(tufDir, targets)
}

// stepAttestations runs the attestor's verification protocol
func (i *Installer) stepAttestations(ctx context.Context, req Request) error {
	constraints, err := i.bundleConstraints(req)
	if err != nil {
		return err
	}
	return i.Verifier.VerifyBundle(ctx, req.BundleDir, req.ArchivePath, constraints)
}

// stepPolicy re-evaluates the policy document bundled with the distribution
func (i *Installer) stepPolicy(ctx context.Context, req Request) error {
	if i.Policy == nil {
		return nil
	}
	constraints, err := i.bundleConstraints(req)
	if err != nil {
		return err
	}

	var vulns *models.VulnReport
	if data, err := os.ReadFile(filepath.Join(req.BundleDir, bundler.OSVName)); err == nil {
		var report models.VulnReport
		if jsonErr := json.Unmarshal(data, &report); jsonErr == nil {
			vulns = &report
		}
	}

	verdict, err := policy.Evaluate(i.Policy, policy.Input{
		Constraints:         constraints,
		Vulnerabilities:     vulns,
		PresentAttestations: attest.PresentAttestations(req.BundleDir),
		Now:                 i.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if !verdict.Allowed {
		policy.SortViolations(verdict.Violations)
		first := verdict.Violations[0]
		return faults.New(faults.CategoryPolicyViolation, first.Rule,
			fmt.Sprintf("policy blocks installation: %s", first.Message)).WithRef(first.Coordinate)
	}
	return nil
}

// stepInstall drives the package installer with no network, local wheels,
// and hash enforcement from the locked constraints file.
func (i *Installer) stepInstall(ctx context.Context, req Request) error {
	if req.DryRun {
		return nil
	}
	requirements := filepath.Join(req.BundleDir, bundler.RequirementsName)
	if _, err := os.Stat(requirements); err != nil {
		return faults.Wrap(faults.CategoryInputInvalid, "requirements_missing",
			"bundle carries no requirements file to install from", err).WithRef(requirements)
	}

	_, err := i.Tools.Run(ctx, toolexec.Invocation{
		Tag: toolexec.TagInstall,
		Args: []string{
			"pip", "install",
			"--no-index",
			"--find-links", filepath.Join(req.BundleDir, bundler.WheelsDir),
			"--require-hashes",
			"--requirement", requirements,
		},
	})
	return err
}

// bundleConstraints parses the locked constraints shipped in the bundle
func (i *Installer) bundleConstraints(req Request) ([]models.LockedConstraint, error) {
	data, err := os.ReadFile(filepath.Join(req.BundleDir, bundler.RequirementsName))
	if err != nil {
		return nil, faults.Wrap(faults.CategoryInputInvalid, "requirements_missing",
			"bundle requirements file not found", err).WithRef(bundler.RequirementsName)
	}
	return locker.ParseConstraints(data)
}
