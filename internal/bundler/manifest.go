// Package bundler assembles built wheels and attestation sidecars into the
// canonical wheelhouse directory, the bundle manifest, and a deterministic
// archive.
package bundler

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chiron-dev/chiron/internal/faults"
	"github.com/chiron-dev/chiron/internal/locker"
	"github.com/chiron-dev/chiron/internal/models"
)

// Bundle directory layout
const (
	WheelsDir        = "wheels"
	ManifestName     = "manifest.json"
	RequirementsName = "requirements.txt"
	SBOMName         = "sbom.cdx.json"
	OSVName          = "osv.json"
	SignatureName    = "signature.sig"
	ProvenanceName   = "provenance.intoto.jsonl"
	TUFDir           = "tuf"
	ChecksumsName    = "checksums.sha256"
	ArchiveName      = "wheelhouse.tar.gz"
)

// Options for one bundle build
type Options struct {
	// StagedWheels are paths to the built *.whl files.
	StagedWheels []string
	// RequirementsPath optionally mirrors the locked constraints file.
	RequirementsPath string
	// SBOMPath / OSVPath optionally attach attestation inputs.
	SBOMPath string
	OSVPath  string
	// OutputDir is the wheelhouse directory to create.
	OutputDir string
	// CommitRef is recorded opaque in the manifest.
	CommitRef string
	// PlatformScope / PythonScope describe the bundle's audience.
	PlatformScope []string
	PythonScope   []string
	// CreatedAt stamps the manifest; the caller supplies it so rebuilds
	// of identical inputs can reproduce the bundle byte-for-byte.
	CreatedAt time.Time
	// ExpectSignature records the signature and provenance refs in the
	// manifest; the files themselves are written after sealing, since a
	// detached signature cannot cover its own bytes.
	ExpectSignature bool
}

// Result of a bundle build
type Result struct {
	Manifest *models.BundleManifest
	// Dir is the wheelhouse directory.
	Dir string
}

// Build stages wheels, computes checksums, and writes the canonical
// manifest and checksums file. The archive step is separate (Archive).
func Build(opts Options) (*Result, error) {
	if len(opts.StagedWheels) == 0 {
		return nil, faults.New(faults.CategoryInputInvalid, "missing_wheel", "no wheels staged for bundling")
	}

	wheels, err := identifyWheels(opts.StagedWheels)
	if err != nil {
		return nil, err
	}

	wheelhouse := opts.OutputDir
	if err := os.MkdirAll(filepath.Join(wheelhouse, WheelsDir), 0755); err != nil {
		return nil, fmt.Errorf("failed to create wheelhouse: %w", err)
	}

	// stage wheels under wheels/
	for i, src := range opts.StagedWheels {
		dest := filepath.Join(wheelhouse, WheelsDir, wheels[i].Filename())
		if err := copyFile(src, dest); err != nil {
			return nil, fmt.Errorf("failed to stage wheel: %w", err)
		}
	}

	// optional sidecars
	staged := map[string]string{}
	stage := func(src, name string) error {
		if src == "" {
			return nil
		}
		if _, err := os.Stat(src); err != nil {
			return faults.Wrap(faults.CategoryInputInvalid, "missing_input", "bundle input not found", err).WithRef(src)
		}
		if err := copyFile(src, filepath.Join(wheelhouse, name)); err != nil {
			return err
		}
		staged[name] = src
		return nil
	}
	if err := stage(opts.RequirementsPath, RequirementsName); err != nil {
		return nil, err
	}
	if err := stage(opts.SBOMPath, SBOMName); err != nil {
		return nil, err
	}
	if err := stage(opts.OSVPath, OSVName); err != nil {
		return nil, err
	}

	models.SortWheels(wheels)

	manifest := &models.BundleManifest{
		SchemaVersion: models.ManifestSchemaVersion,
		CreatedAt:     opts.CreatedAt.UTC().Format(time.RFC3339),
		CommitRef:     opts.CommitRef,
		PlatformScope: sortedCopy(opts.PlatformScope),
		PythonScope:   sortedCopy(opts.PythonScope),
		Wheels:        wheels,
	}
	if _, ok := staged[SBOMName]; ok {
		manifest.MetadataRefs.SBOM = SBOMName
	}
	if _, ok := staged[OSVName]; ok {
		manifest.MetadataRefs.Vulnerability = OSVName
	}
	if _, ok := staged[RequirementsName]; ok {
		manifest.MetadataRefs.Requirements = RequirementsName
	}
	if opts.ExpectSignature {
		manifest.MetadataRefs.Signature = SignatureName
		manifest.MetadataRefs.Provenance = ProvenanceName
	}
	manifest.MetadataRefs.TUF = []string{
		TUFDir + "/root.json",
		TUFDir + "/snapshot.json",
		TUFDir + "/targets.json",
		TUFDir + "/timestamp.json",
	}

	checksums, err := checksumTree(wheelhouse)
	if err != nil {
		return nil, err
	}
	manifest.Checksums = checksums

	if err := SealManifest(manifest); err != nil {
		return nil, err
	}
	if err := WriteManifest(manifest, filepath.Join(wheelhouse, ManifestName)); err != nil {
		return nil, err
	}
	if err := WriteChecksumsFile(checksums, filepath.Join(wheelhouse, ChecksumsName)); err != nil {
		return nil, err
	}

	return &Result{Manifest: manifest, Dir: wheelhouse}, nil
}

// identifyWheels hashes the staged files and parses identities. Two wheels
// sharing a sha256 is a fatal duplicate.
func identifyWheels(paths []string) ([]models.WheelIdentity, error) {
	wheels := make([]models.WheelIdentity, len(paths))

	g := new(errgroup.Group)
	g.SetLimit(runtime.NumCPU())
	for i, path := range paths {
		g.Go(func() error {
			id, err := models.ParseWheelFilename(filepath.Base(path))
			if err != nil {
				return faults.Wrap(faults.CategoryInputInvalid, "missing_wheel",
					"staged path is not a wheel", err).WithRef(path)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return faults.Wrap(faults.CategoryInputInvalid, "missing_wheel",
					"staged wheel unreadable", err).WithRef(path)
			}
			sum := sha256.Sum256(data)
			id.SHA256 = hex.EncodeToString(sum[:])
			wheels[i] = id
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[string]string, len(wheels))
	for _, w := range wheels {
		if prior, ok := seen[w.SHA256]; ok {
			return nil, faults.New(faults.CategoryBundleIntegrity, "duplicate_wheel_identity",
				fmt.Sprintf("wheels %s and %s share sha256 %s", prior, w.Filename(), w.SHA256))
		}
		seen[w.SHA256] = w.Filename()
	}
	return wheels, nil
}

// checksumTree hashes every file under the wheelhouse in parallel and
// merges the results in path order.
func checksumTree(root string) ([]models.FileChecksum, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == ManifestName || rel == ChecksumsName {
			// the manifest records the tree; it cannot contain itself
			return nil
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk wheelhouse: %w", err)
	}
	sort.Strings(paths)

	checksums := make([]models.FileChecksum, len(paths))
	g := new(errgroup.Group)
	g.SetLimit(runtime.NumCPU())
	for i, rel := range paths {
		g.Go(func() error {
			data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", rel, err)
			}
			sum := sha256.Sum256(data)
			checksums[i] = models.FileChecksum{Path: rel, SHA256: hex.EncodeToString(sum[:])}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return checksums, nil
}

// SealManifest computes bundle_sha256 over the canonical serialization of
// the manifest with the consistency field excluded.
func SealManifest(m *models.BundleManifest) error {
	digest, err := ConsistencyDigest(m)
	if err != nil {
		return err
	}
	m.BundleSHA256 = digest
	return nil
}

// ConsistencyDigest recomputes the manifest's bundle_sha256
func ConsistencyDigest(m *models.BundleManifest) (string, error) {
	canonical, err := locker.CanonicalMarshal(m.WithoutConsistency())
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize manifest: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyManifestConsistency recomputes and compares the stored digest
func VerifyManifestConsistency(m *models.BundleManifest) error {
	digest, err := ConsistencyDigest(m)
	if err != nil {
		return err
	}
	if digest != m.BundleSHA256 {
		return faults.New(faults.CategoryBundleIntegrity, "checksum_mismatch",
			fmt.Sprintf("manifest consistency digest %s does not match stored %s", digest, m.BundleSHA256))
	}
	return nil
}

// WriteManifest writes canonical JSON with a trailing newline
func WriteManifest(m *models.BundleManifest, path string) error {
	data, err := locker.CanonicalMarshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// LoadManifest reads a manifest back
func LoadManifest(path string) (*models.BundleManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, faults.Wrap(faults.CategoryInputInvalid, "manifest_missing",
			"bundle manifest not found", err).WithRef(path)
	}
	var m models.BundleManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, faults.Wrap(faults.CategoryInputInvalid, "manifest_malformed",
			"bundle manifest is not valid JSON", err).WithRef(path)
	}
	return &m, nil
}

// WriteChecksumsFile emits `<hex>  <relative-path>` lines, LF-terminated,
// sorted by path.
func WriteChecksumsFile(checksums []models.FileChecksum, path string) error {
	sorted := make([]models.FileChecksum, len(checksums))
	copy(sorted, checksums)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	var b strings.Builder
	for _, c := range sorted {
		b.WriteString(c.SHA256)
		b.WriteString("  ")
		b.WriteString(c.Path)
		b.WriteString("\n")
	}
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("failed to write checksums file: %w", err)
	}
	return nil
}

// ParseChecksumsFile reads a checksums.sha256 file back
func ParseChecksumsFile(data []byte) ([]models.FileChecksum, error) {
	var out []models.FileChecksum
	for lineNo, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		hexDigest, path, found := strings.Cut(line, "  ")
		if !found || len(hexDigest) != 64 {
			return nil, faults.New(faults.CategoryInputInvalid, "checksums_malformed",
				fmt.Sprintf("line %d is not `<hex>  <path>`", lineNo+1))
		}
		out = append(out, models.FileChecksum{Path: path, SHA256: hexDigest})
	}
	return out, nil
}

// VerifyTree recomputes every recorded checksum under a bundle directory
func VerifyTree(root string, checksums []models.FileChecksum) error {
	for _, c := range checksums {
		data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(c.Path)))
		if err != nil {
			return faults.Wrap(faults.CategoryBundleIntegrity, "missing_wheel",
				"bundle file missing", err).WithRef(c.Path)
		}
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != c.SHA256 {
			return faults.New(faults.CategoryBundleIntegrity, "checksum_mismatch",
				"bundle file does not match its recorded checksum").WithRef(c.Path)
		}
	}
	return nil
}

func copyFile(src, dest string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dest, data, 0644)
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
