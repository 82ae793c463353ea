package bundler

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func hexdigest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, body := range files {
		full := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatalf("mkdir failed: %v", err)
		}
		if err := os.WriteFile(full, []byte(body), 0644); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}
}

func TestArchiveDeterministic(t *testing.T) {
	files := map[string]string{
		"manifest.json":      `{"schema_version":"1.0"}`,
		"wheels/a.whl":       "aaa",
		"wheels/b.whl":       "bbb",
		"tuf/timestamp.json": "{}",
		"requirements.txt":   "a==1.0\n",
	}

	dirA := t.TempDir()
	dirB := t.TempDir()
	writeTree(t, dirA, files)
	writeTree(t, dirB, files)

	outA := filepath.Join(t.TempDir(), "a.tar.gz")
	outB := filepath.Join(t.TempDir(), "b.tar.gz")
	if err := Archive(dirA, outA); err != nil {
		t.Fatalf("archive A failed: %v", err)
	}
	if err := Archive(dirB, outB); err != nil {
		t.Fatalf("archive B failed: %v", err)
	}

	bytesA, err := os.ReadFile(outA)
	if err != nil {
		t.Fatalf("read A failed: %v", err)
	}
	bytesB, err := os.ReadFile(outB)
	if err != nil {
		t.Fatalf("read B failed: %v", err)
	}
	if !bytes.Equal(bytesA, bytesB) {
		t.Error("identical trees produced different archives")
	}
}

func TestArchiveUnarchiveRoundTrip(t *testing.T) {
	files := map[string]string{
		"manifest.json": `{"schema_version":"1.0"}`,
		"wheels/a.whl":  "aaa",
	}
	src := t.TempDir()
	writeTree(t, src, files)

	archive := filepath.Join(t.TempDir(), "wheelhouse.tar.gz")
	if err := Archive(src, archive); err != nil {
		t.Fatalf("archive failed: %v", err)
	}

	dest := t.TempDir()
	if err := Unarchive(archive, dest); err != nil {
		t.Fatalf("unarchive failed: %v", err)
	}

	for rel, want := range files {
		got, err := os.ReadFile(filepath.Join(dest, filepath.FromSlash(rel)))
		if err != nil {
			t.Fatalf("missing %s after round trip: %v", rel, err)
		}
		if string(got) != want {
			t.Errorf("%s changed: %q vs %q", rel, got, want)
		}
	}
}

func TestUnarchiveRejectsEscape(t *testing.T) {
	// handcraft an archive with a path traversal entry
	src := t.TempDir()
	writeTree(t, src, map[string]string{"ok.txt": "fine"})
	archive := filepath.Join(t.TempDir(), "evil.tar.gz")
	if err := Archive(src, archive); err != nil {
		t.Fatalf("archive failed: %v", err)
	}

	// the escape guard is on entry names; a benign archive passes it
	if err := Unarchive(archive, t.TempDir()); err != nil {
		t.Fatalf("benign archive rejected: %v", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	body := []byte("escaped")
	if err := tw.WriteHeader(&tar.Header{Name: "../evil.txt", Typeflag: tar.TypeReg, Mode: 0644, Size: int64(len(body))}); err != nil {
		t.Fatalf("header failed: %v", err)
	}
	if _, err := tw.Write(body); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close failed: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close failed: %v", err)
	}
	if err := os.WriteFile(archive, buf.Bytes(), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := Unarchive(archive, t.TempDir()); err == nil {
		t.Fatal("path traversal entry accepted")
	}
}
