package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	"github.com/in-toto/in-toto-golang/in_toto"
	"golang.org/x/sync/errgroup"

	"github.com/chiron-dev/chiron/internal/attest"
	"github.com/chiron-dev/chiron/internal/bundler"
	"github.com/chiron-dev/chiron/internal/faults"
	"github.com/chiron-dev/chiron/internal/locker"
	"github.com/chiron-dev/chiron/internal/models"
	"github.com/chiron-dev/chiron/internal/observability/logging"
	"github.com/chiron-dev/chiron/internal/scanner"
	"github.com/chiron-dev/chiron/internal/toolexec"
	"github.com/chiron-dev/chiron/internal/tufmeta"
)

// BuildRequest parameterizes the build pipeline
type BuildRequest struct {
	ManifestPath  string
	Extras        []string
	PythonRange   string
	PlatformScope []string
	PythonScope   []string
	// OutputDir receives the wheelhouse directory and archive.
	OutputDir string
	// ScratchDir holds per-wheel work areas; preserved on cancel.
	ScratchDir string
	// SkipSigning builds an unsigned bundle (testing, air-gap prep).
	SkipSigning bool
}

// BuildResult of a successful run
type BuildResult struct {
	Run         *Run
	Lock        *models.LockRecord
	Manifest    *models.BundleManifest
	BundleDir   string
	ArchivePath string
}

// Build runs the primary pipeline: lock, wheel loop, stage, attest, seal,
// persist. Each stage's success is a precondition for the next; nothing
// is promoted into the artifact store until the final stage.
func (c *Config) Build(ctx context.Context, req BuildRequest) (*BuildResult, error) {
	run := c.newRun(ctx)
	log := logging.From(ctx)
	result := &BuildResult{Run: run}

	scratch := req.ScratchDir
	if scratch == "" {
		var err error
		scratch, err = os.MkdirTemp("", "chiron-build-*")
		if err != nil {
			return result, fmt.Errorf("failed to create scratch directory: %w", err)
		}
	}

	// stage 1: locked constraints
	var lockResult *locker.Result
	err := run.step(ctx, c.now, "lock", locker.HashString(req.ManifestPath), func() (string, error) {
		gen := &locker.Generator{Tools: c.Tools, IndexURL: c.IndexURL, ExtraIndexURLs: c.ExtraIndexURLs}
		var err error
		lockResult, err = gen.Generate(ctx, locker.Request{
			ManifestPath:  req.ManifestPath,
			Extras:        req.Extras,
			PythonRange:   req.PythonRange,
			PlatformScope: req.PlatformScope,
		})
		if err != nil {
			return "", err
		}
		return locker.HashString(string(lockResult.Constraints)), nil
	})
	if err != nil {
		return result, err
	}
	result.Lock = lockResult.Record
	log.Info("pipeline", "locked dependency closure", "constraints", len(lockResult.Record.Constraints))

	requirementsPath := filepath.Join(scratch, "requirements.txt")
	if err := os.WriteFile(requirementsPath, lockResult.Constraints, 0644); err != nil {
		return result, fmt.Errorf("failed to write constraints: %w", err)
	}

	// stage 2: wheel loop
	wheelDir := filepath.Join(scratch, "wheels")
	var wheelPaths []string
	err = run.step(ctx, c.now, "build_wheels", locker.HashString(string(lockResult.Constraints)), func() (string, error) {
		var err error
		wheelPaths, err = c.wheelLoop(ctx, lockResult.Record, wheelDir)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d-wheels", len(wheelPaths)), nil
	})
	if err != nil {
		return result, err
	}

	// stage 3: SBOM and vulnerability scan over the staged wheels
	sbomPath := filepath.Join(scratch, bundler.SBOMName)
	osvPath := filepath.Join(scratch, bundler.OSVName)
	err = run.step(ctx, c.now, "attest_inputs", "", func() (string, error) {
		sbom, err := attest.GenerateSBOM(ctx, c.Tools, wheelDir)
		if err != nil {
			return "", err
		}
		if err := os.WriteFile(sbomPath, sbom, 0644); err != nil {
			return "", fmt.Errorf("failed to write SBOM: %w", err)
		}

		scanEngine := &scanner.Engine{Tools: c.Tools}
		report, err := scanEngine.Scan(ctx, wheelDir, c.now())
		if err != nil {
			return "", err
		}
		if err := scanner.SaveReport(report, osvPath); err != nil {
			return "", err
		}
		return locker.HashString(sbomPath + osvPath), nil
	})
	if err != nil {
		return result, err
	}

	// stage 4: policy gate over the locked set before sealing
	err = run.step(ctx, c.now, "policy_gate", "", func() (string, error) {
		return "", c.policyGate(lockResult.Record, osvPath)
	})
	if err != nil {
		return result, err
	}

	// stage 5: stage the wheelhouse and seal the manifest
	bundleDir := filepath.Join(req.OutputDir, "wheelhouse")
	var bundleResult *bundler.Result
	err = run.step(ctx, c.now, "bundle", "", func() (string, error) {
		var err error
		bundleResult, err = bundler.Build(bundler.Options{
			StagedWheels:     wheelPaths,
			RequirementsPath: requirementsPath,
			SBOMPath:         sbomPath,
			OSVPath:          osvPath,
			OutputDir:        bundleDir,
			CommitRef:        c.CommitRef,
			PlatformScope:    req.PlatformScope,
			PythonScope:      req.PythonScope,
			CreatedAt:        c.now(),
			ExpectSignature:  !req.SkipSigning,
		})
		if err != nil {
			return "", err
		}
		return bundleResult.Manifest.BundleSHA256, nil
	})
	if err != nil {
		return result, err
	}
	result.Manifest = bundleResult.Manifest
	result.BundleDir = bundleDir

	// stage 6: archive deterministically
	archivePath := filepath.Join(req.OutputDir, bundler.ArchiveName)
	err = run.step(ctx, c.now, "archive", bundleResult.Manifest.BundleSHA256, func() (string, error) {
		if err := bundler.Archive(bundleDir, archivePath); err != nil {
			return "", err
		}
		digest, err := hashFile(archivePath)
		if err != nil {
			return "", err
		}
		return digest, nil
	})
	if err != nil {
		return result, err
	}
	result.ArchivePath = archivePath

	// stage 7: signature and provenance
	if !req.SkipSigning {
		err = run.step(ctx, c.now, "sign", bundleResult.Manifest.BundleSHA256, func() (string, error) {
			sig, err := c.Signer.Sign(ctx, archivePath)
			if err != nil {
				return "", err
			}
			sigPath := filepath.Join(bundleDir, bundler.SignatureName)
			if err := os.WriteFile(sigPath, sig, 0644); err != nil {
				return "", fmt.Errorf("failed to write signature: %w", err)
			}
			return locker.HashString(string(sig)), nil
		})
		if err != nil {
			return result, err
		}

		err = run.step(ctx, c.now, "provenance", bundleResult.Manifest.BundleSHA256, func() (string, error) {
			statement, err := c.buildProvenance(req, lockResult.Record, bundleResult.Manifest, run)
			if err != nil {
				return "", err
			}
			if err := attest.WriteProvenance(statement, filepath.Join(bundleDir, bundler.ProvenanceName)); err != nil {
				return "", err
			}
			return bundleResult.Manifest.BundleSHA256, nil
		})
		if err != nil {
			return result, err
		}
	}

	// stage 8: seal with update metadata
	err = run.step(ctx, c.now, "update_metadata", bundleResult.Manifest.BundleSHA256, func() (string, error) {
		var targetNames []string
		for _, name := range []string{bundler.ManifestName, bundler.SBOMName, bundler.OSVName, bundler.SignatureName, bundler.ProvenanceName, bundler.RequirementsName} {
			if _, err := os.Stat(filepath.Join(bundleDir, name)); err == nil {
				targetNames = append(targetNames, name)
			}
		}
		targets, err := tufmeta.TargetsFromDir(bundleDir, targetNames)
		if err != nil {
			return "", err
		}
		manager := tufmeta.NewManager(c.Keys)
		manager.Now = c.now
		if err := manager.Publish(filepath.Join(bundleDir, bundler.TUFDir), targets, 1); err != nil {
			return "", err
		}
		return fmt.Sprintf("%d-targets", len(targets)), nil
	})
	if err != nil {
		return result, err
	}

	// stage 9: persist into the artifact store
	err = run.step(ctx, c.now, "persist", bundleResult.Manifest.BundleSHA256, func() (string, error) {
		archiveDigest, err := c.Store.PutFile(archivePath)
		if err != nil {
			return "", err
		}
		manifestDigest, err := c.Store.PutFile(filepath.Join(bundleDir, bundler.ManifestName))
		if err != nil {
			return "", err
		}
		log.Info("pipeline", "bundle persisted", "archive", string(archiveDigest), "manifest", string(manifestDigest))
		return archiveDigest.Encoded(), nil
	})
	if err != nil {
		return result, err
	}

	run.finish()
	return result, nil
}

// wheelLoop acquires one wheel per locked constraint through a bounded
// worker pool. Tasks write only to distinct scratch paths; results are
// reassembled in constraint order before the next stage.
func (c *Config) wheelLoop(ctx context.Context, lock *models.LockRecord, wheelDir string) ([]string, error) {
	if err := os.MkdirAll(wheelDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create wheel directory: %w", err)
	}

	workers := c.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	type outcome struct {
		paths []string
		err   error
	}
	outcomes := make([]outcome, len(lock.Constraints))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	var mu sync.Mutex
	failures := 0

	for idx, constraint := range lock.Constraints {
		g.Go(func() error {
			taskDir := filepath.Join(wheelDir, fmt.Sprintf(".task-%03d", idx))
			if err := os.MkdirAll(taskDir, 0755); err != nil {
				return err
			}

			args := []string{
				"pip", "download",
				"--no-deps",
				"--dest", taskDir,
				fmt.Sprintf("%s==%s", constraint.Name, constraint.Version),
			}
			if c.IndexURL != "" {
				args = append(args, "--index-url", c.IndexURL)
			}
			for _, extra := range c.ExtraIndexURLs {
				args = append(args, "--extra-index-url", extra)
			}

			_, err := c.Tools.Run(gctx, toolexec.Invocation{
				Tag:  toolexec.TagBuildWheel,
				Args: args,
			})
			if err != nil {
				outcomes[idx] = outcome{err: err}
				mu.Lock()
				failures++
				tooMany := failures > c.WheelFailureTolerance
				mu.Unlock()
				if tooMany {
					return err
				}
				return nil
			}

			built, globErr := filepath.Glob(filepath.Join(taskDir, "*.whl"))
			if globErr != nil || len(built) == 0 {
				err := faults.New(faults.CategoryToolFailed, "wheel_not_produced",
					"build produced no wheel").WithRef(constraint.Name + "==" + constraint.Version)
				outcomes[idx] = outcome{err: err}
				mu.Lock()
				failures++
				tooMany := failures > c.WheelFailureTolerance
				mu.Unlock()
				if tooMany {
					return err
				}
				return nil
			}
			sort.Strings(built)
			outcomes[idx] = outcome{paths: built}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// canonical order: constraint order, then filename
	var wheelPaths []string
	for _, o := range outcomes {
		wheelPaths = append(wheelPaths, o.paths...)
	}
	if len(wheelPaths) == 0 {
		return nil, faults.New(faults.CategoryToolFailed, "wheel_not_produced", "wheel loop produced nothing")
	}
	return wheelPaths, nil
}

// policyGate evaluates the policy over the locked set; only a blocked
// violation fails the pipeline. Caution violations do not fail it and are
// not written to the audit record or the log.
func (c *Config) policyGate(lock *models.LockRecord, osvPath string) error {
	if c.Policy == nil {
		return nil
	}
	vulns, err := scanner.LoadReport(osvPath)
	if err != nil {
		return err
	}
	verdict, err := evaluatePolicy(c.Policy, lock.Constraints, vulns, c.now())
	if err != nil {
		return err
	}
	if !verdict.Allowed {
		first := verdict.Violations[0]
		return faults.New(faults.CategoryPolicyViolation, first.Rule,
			fmt.Sprintf("policy blocks the bundle: %s", first.Message)).WithRef(first.Coordinate)
	}
	return nil
}

func (c *Config) buildProvenance(req BuildRequest, lock *models.LockRecord, manifest *models.BundleManifest, run *Run) (*in_toto.ProvenanceStatementSLSA02, error) {
	materials := make(map[string]string, len(lock.Constraints))
	for _, constraint := range lock.Constraints {
		for _, h := range constraint.Hashes {
			if h.Algorithm == "sha256" {
				materials["pkg:pypi/"+constraint.Name+"@"+constraint.Version] = h.Digest
				break
			}
		}
	}

	configDigest, err := locker.HashCanonical(map[string]interface{}{
		"manifest_path":  req.ManifestPath,
		"python_range":   req.PythonRange,
		"platform_scope": req.PlatformScope,
		"index_url":      c.IndexURL,
	})
	if err != nil {
		return nil, err
	}

	return attest.BuildProvenance(attest.ProvenanceInput{
		BundleName:   bundler.ArchiveName,
		BundleSHA256: manifest.BundleSHA256,
		BuilderID:    c.BuilderID,
		SourceCommit: c.CommitRef,
		SourceURI:    req.ManifestPath,
		ConfigDigest: configDigest,
		Materials:    materials,
		AuditRoot:    run.Chain.RootDigest(),
		StartedAt:    c.now(),
		EndedAt:      c.now(),
	})
}

func hashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return locker.HashString(string(data)), nil
}
