package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chiron-dev/chiron/internal/bundler"
	"github.com/chiron-dev/chiron/internal/locker"
	"github.com/chiron-dev/chiron/internal/models"
	"github.com/chiron-dev/chiron/internal/offline"
	"github.com/chiron-dev/chiron/internal/planner"
	"github.com/chiron-dev/chiron/internal/policy"
	"github.com/chiron-dev/chiron/internal/repro"
	"github.com/chiron-dev/chiron/internal/toolexec"
	"github.com/chiron-dev/chiron/internal/tufmeta"
)

// evaluatePolicy wraps the pure engine with sorted output
func evaluatePolicy(doc *models.PolicyDocument, constraints []models.LockedConstraint, vulns *models.VulnReport, now time.Time) (models.Verdict, error) {
	verdict, err := policy.Evaluate(doc, policy.Input{
		Constraints:     constraints,
		Vulnerabilities: vulns,
		Now:             now,
	})
	if err != nil {
		return verdict, err
	}
	policy.SortViolations(verdict.Violations)
	return verdict, nil
}

// VerifyRequest names a bundle to verify without installing
type VerifyRequest struct {
	BundleDir   string
	ArchivePath string
}

// Verify runs the consumption pipeline in verification-only mode:
// metadata chain, attestations, policy. Fail-fast, fully audited.
func (c *Config) Verify(ctx context.Context, req VerifyRequest) (*Run, error) {
	run := c.newRun(ctx)

	installer := &offline.Installer{
		Tools:    c.Tools,
		TUF:      c.tufManager(),
		Verifier: c.Verifier,
		Policy:   c.Policy,
		Chain:    run.Chain,
		Now:      c.now,
	}

	run.State = models.RunRunning
	err := installer.Install(ctx, offline.Request{
		BundleDir:   req.BundleDir,
		ArchivePath: req.ArchivePath,
		DryRun:      true,
	})
	if err != nil {
		run.State = models.RunFailed
		return run, err
	}
	run.State = models.RunSucceeded
	return run, nil
}

// InstallOffline runs the full consumption pipeline including the final
// no-network install.
func (c *Config) InstallOffline(ctx context.Context, req VerifyRequest) (*Run, error) {
	run := c.newRun(ctx)

	installer := &offline.Installer{
		Tools:    c.Tools,
		TUF:      c.tufManager(),
		Verifier: c.Verifier,
		Policy:   c.Policy,
		Chain:    run.Chain,
		Now:      c.now,
	}

	run.State = models.RunRunning
	err := installer.Install(ctx, offline.Request{
		BundleDir:   req.BundleDir,
		ArchivePath: req.ArchivePath,
	})
	if err != nil {
		run.State = models.RunFailed
		return run, err
	}
	run.State = models.RunSucceeded
	return run, nil
}

// UpgradePreview runs the read-only planner pipeline
func (c *Config) UpgradePreview(ctx context.Context, lockPath, catalogSource string, allowPrivateHosts bool) (*models.UpgradePlan, error) {
	lock, err := locker.LoadRecord(lockPath)
	if err != nil {
		return nil, err
	}
	catalog, err := planner.LoadCatalog(ctx, catalogSource, allowPrivateHosts)
	if err != nil {
		return nil, err
	}
	p := &planner.Planner{Policy: c.Policy, Now: c.now()}
	return p.Plan(lock, catalog)
}

// ReproAudit rebuilds every wheel in an existing bundle and reports the
// reproducibility verdict. Originals are never mutated.
func (c *Config) ReproAudit(ctx context.Context, bundleDir string, buildPathPatterns []string) (*repro.BundleVerdict, *Run, error) {
	run := c.newRun(ctx)

	manifest, err := bundler.LoadManifest(filepath.Join(bundleDir, bundler.ManifestName))
	if err != nil {
		return nil, run, err
	}

	normalizer, err := repro.NewNormalizer(buildPathPatterns)
	if err != nil {
		return nil, run, err
	}
	checker := &repro.Checker{Normalizer: normalizer, Tolerance: c.RebuildTolerance}

	var verdict *repro.BundleVerdict
	err = run.step(ctx, c.now, "reproducibility_audit", manifest.BundleSHA256, func() (string, error) {
		var err error
		verdict, err = checker.AuditBundle(ctx, bundleDir, manifest, c.rebuildDriver())
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("matched=%.3f", verdict.MatchedFraction), nil
	})
	if err != nil {
		return nil, run, err
	}
	run.finish()
	return verdict, run, nil
}

// rebuildDriver rebuilds one wheel in an isolated scratch directory
// through the tool adapter; the invocation is opaque to the checker.
func (c *Config) rebuildDriver() repro.RebuildDriver {
	return func(ctx context.Context, wheel models.WheelIdentity) (string, error) {
		taskDir, err := os.MkdirTemp("", "chiron-rebuild-*")
		if err != nil {
			return "", err
		}

		args := []string{
			"pip", "download",
			"--no-deps",
			"--no-cache-dir",
			"--dest", taskDir,
			fmt.Sprintf("%s==%s", wheel.Name, wheel.Version),
		}
		if c.IndexURL != "" {
			args = append(args, "--index-url", c.IndexURL)
		}

		if _, err := c.Tools.Run(ctx, toolexec.Invocation{
			Tag:  toolexec.TagBuildWheel,
			Args: args,
		}); err != nil {
			return "", err
		}

		matches, err := filepath.Glob(filepath.Join(taskDir, "*.whl"))
		if err != nil || len(matches) == 0 {
			return "", fmt.Errorf("rebuild produced no wheel for %s==%s", wheel.Name, wheel.Version)
		}
		return matches[0], nil
	}
}

func (c *Config) tufManager() *tufmeta.Manager {
	manager := tufmeta.NewManager(c.Keys)
	manager.Now = c.now
	return manager
}

// GuardCheck evaluates a proposed lock change (the pre-merge guard)
func (c *Config) GuardCheck(ctx context.Context, currentPath, proposedPath, catalogSource string, vulns *models.VulnReport, allowPrivateHosts bool) (*planner.GuardResult, error) {
	current, err := locker.LoadRecord(currentPath)
	if err != nil {
		return nil, err
	}
	proposed, err := locker.LoadRecord(proposedPath)
	if err != nil {
		return nil, err
	}

	var catalog *models.CatalogSnapshot
	if catalogSource != "" {
		catalog, err = planner.LoadCatalog(ctx, catalogSource, allowPrivateHosts)
		if err != nil {
			return nil, err
		}
	}

	guard := &planner.Guard{Policy: c.Policy, Catalog: catalog, Vulns: vulns, Now: c.now()}
	return guard.Check(current, proposed)
}
