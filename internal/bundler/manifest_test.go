package bundler

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chiron-dev/chiron/internal/faults"
	"github.com/chiron-dev/chiron/internal/models"
)

var testCreatedAt = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func stageWheels(t *testing.T, dir string, contents map[string]string) []string {
	t.Helper()
	var paths []string
	for name, body := range contents {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(body), 0644); err != nil {
			t.Fatalf("failed to stage %s: %v", name, err)
		}
		paths = append(paths, path)
	}
	return paths
}

func TestBuildSealsManifest(t *testing.T) {
	staging := t.TempDir()
	output := t.TempDir()

	wheels := stageWheels(t, staging, map[string]string{
		"demo_lib-1.2.3-py3-none-any.whl":  "lib-bytes",
		"demo_util-0.4.7-py3-none-any.whl": "util-bytes",
	})

	result, err := Build(Options{
		StagedWheels:  wheels,
		OutputDir:     filepath.Join(output, "wheelhouse"),
		PlatformScope: []string{"any"},
		PythonScope:   []string{"py3"},
		CreatedAt:     testCreatedAt,
	})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	m := result.Manifest
	if m.BundleSHA256 == "" {
		t.Fatal("bundle_sha256 not sealed")
	}
	if len(m.Wheels) != 2 {
		t.Fatalf("expected 2 wheels, got %d", len(m.Wheels))
	}
	// stable sort by name
	if m.Wheels[0].Name != "demo-lib" || m.Wheels[1].Name != "demo-util" {
		t.Errorf("wheels not sorted: %+v", m.Wheels)
	}

	// invariant: recomputation yields the stored value
	if err := VerifyManifestConsistency(m); err != nil {
		t.Errorf("consistency digest did not recompute: %v", err)
	}

	// mutating any field must break consistency
	m.CommitRef = "tampered"
	if err := VerifyManifestConsistency(m); err == nil {
		t.Error("tampered manifest still verified")
	}
}

func TestBuildRejectsDuplicateSHA(t *testing.T) {
	staging := t.TempDir()
	wheels := stageWheels(t, staging, map[string]string{
		"demo_lib-1.2.3-py3-none-any.whl":  "same-bytes",
		"demo_util-0.4.7-py3-none-any.whl": "same-bytes",
	})

	_, err := Build(Options{
		StagedWheels: wheels,
		OutputDir:    filepath.Join(t.TempDir(), "wheelhouse"),
		CreatedAt:    testCreatedAt,
	})
	if err == nil {
		t.Fatal("duplicate sha256 not rejected")
	}
	var f *faults.Error
	if !errors.As(err, &f) || f.Kind != "duplicate_wheel_identity" {
		t.Errorf("expected duplicate_wheel_identity, got %v", err)
	}
}

func TestBuildRequiresWheels(t *testing.T) {
	_, err := Build(Options{OutputDir: t.TempDir(), CreatedAt: testCreatedAt})
	if err == nil {
		t.Fatal("empty staging set not rejected")
	}
}

func TestManifestRoundTrip(t *testing.T) {
	staging := t.TempDir()
	wheels := stageWheels(t, staging, map[string]string{
		"demo_lib-1.2.3-py3-none-any.whl": "lib-bytes",
	})
	dir := filepath.Join(t.TempDir(), "wheelhouse")
	result, err := Build(Options{StagedWheels: wheels, OutputDir: dir, CreatedAt: testCreatedAt})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	loaded, err := LoadManifest(filepath.Join(dir, ManifestName))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.BundleSHA256 != result.Manifest.BundleSHA256 {
		t.Error("round trip changed the consistency digest")
	}
	if err := VerifyManifestConsistency(loaded); err != nil {
		t.Errorf("loaded manifest does not verify: %v", err)
	}
}

func TestChecksumsFileRoundTrip(t *testing.T) {
	checksums := []models.FileChecksum{
		{Path: "wheels/b.whl", SHA256: hexdigest("b")},
		{Path: "wheels/a.whl", SHA256: hexdigest("a")},
	}
	path := filepath.Join(t.TempDir(), ChecksumsName)
	if err := WriteChecksumsFile(checksums, path); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	// sorted by path, LF-terminated
	text := string(data)
	if text != hexdigest("a")+"  wheels/a.whl\n"+hexdigest("b")+"  wheels/b.whl\n" {
		t.Errorf("unexpected checksums file:\n%s", text)
	}

	parsed, err := ParseChecksumsFile(data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(parsed) != 2 || parsed[0].Path != "wheels/a.whl" {
		t.Errorf("round trip mismatch: %+v", parsed)
	}
}

func TestVerifyTreeDetectsTamper(t *testing.T) {
	staging := t.TempDir()
	wheels := stageWheels(t, staging, map[string]string{
		"demo_lib-1.2.3-py3-none-any.whl": "lib-bytes",
	})
	dir := filepath.Join(t.TempDir(), "wheelhouse")
	result, err := Build(Options{StagedWheels: wheels, OutputDir: dir, CreatedAt: testCreatedAt})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	if err := VerifyTree(dir, result.Manifest.Checksums); err != nil {
		t.Fatalf("clean tree failed verification: %v", err)
	}

	tampered := filepath.Join(dir, WheelsDir, "demo_lib-1.2.3-py3-none-any.whl")
	if err := os.WriteFile(tampered, []byte("evil-bytes"), 0644); err != nil {
		t.Fatalf("failed to tamper: %v", err)
	}
	err = VerifyTree(dir, result.Manifest.Checksums)
	if err == nil {
		t.Fatal("tampered tree passed verification")
	}
	var f *faults.Error
	if !errors.As(err, &f) || f.Kind != "checksum_mismatch" {
		t.Errorf("expected checksum_mismatch, got %v", err)
	}
}
