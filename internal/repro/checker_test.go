package repro

import (
	"archive/zip"
	"bytes"
	"testing"
	"time"
)

// buildWheel assembles an in-memory wheel with explicit entry mtimes
func buildWheel(t *testing.T, entries []struct {
	name  string
	body  string
	mtime time.Time
}) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		hdr := &zip.FileHeader{Name: e.name, Method: zip.Store}
		hdr.Modified = e.mtime
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			t.Fatalf("create %s failed: %v", e.name, err)
		}
		if _, err := w.Write([]byte(e.body)); err != nil {
			t.Fatalf("write %s failed: %v", e.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	return buf.Bytes()
}

var (
	t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	t1 = time.Date(2024, 6, 2, 12, 0, 0, 0, time.UTC)
)

type entry = struct {
	name  string
	body  string
	mtime time.Time
}

func newChecker(t *testing.T) *Checker {
	t.Helper()
	n, err := NewNormalizer(nil)
	if err != nil {
		t.Fatalf("normalizer failed: %v", err)
	}
	return &Checker{Normalizer: n}
}

func TestCompareExactMatch(t *testing.T) {
	entries := []entry{
		{"pkg/__init__.py", "print('hi')\n", t0},
		{"pkg-1.0.dist-info/RECORD", "a,sha256=x,1\nb,sha256=y,2\n", t0},
	}
	a := buildWheel(t, entries)
	b := buildWheel(t, entries)

	checker := newChecker(t)
	exact, normalized, diffs, err := checker.Compare(a, b)
	if err != nil {
		t.Fatalf("compare failed: %v", err)
	}
	if !exact || !normalized || len(diffs) != 0 {
		t.Errorf("identical wheels: exact=%v normalized=%v diffs=%v", exact, normalized, diffs)
	}
}

func TestCompareRecordOrderAndMetadataMtime(t *testing.T) {
	// two builds differing only in RECORD line order and the METADATA
	// entry mtime
	original := buildWheel(t, []entry{
		{"pkg-1.0.dist-info/METADATA", "Name: pkg\n", t0},
		{"pkg-1.0.dist-info/RECORD", "a,sha256=x,1\nb,sha256=y,2\n", t0},
	})
	rebuilt := buildWheel(t, []entry{
		{"pkg-1.0.dist-info/METADATA", "Name: pkg\n", t1},
		{"pkg-1.0.dist-info/RECORD", "b,sha256=y,2\na,sha256=x,1\n", t0},
	})

	checker := newChecker(t)
	exact, normalized, diffs, err := checker.Compare(original, rebuilt)
	if err != nil {
		t.Fatalf("compare failed: %v", err)
	}
	if exact {
		t.Error("divergent wheels reported exact")
	}
	if !normalized {
		t.Error("normalization should mask RECORD order and mtimes")
	}

	if len(diffs) != 2 {
		t.Fatalf("expected 2 differences, got %+v", diffs)
	}
	kinds := map[string]DiffKind{}
	for _, d := range diffs {
		kinds[d.Path] = d.Kind
	}
	if kinds["pkg-1.0.dist-info/RECORD"] != DiffContent {
		t.Errorf("RECORD should classify as content, got %s", kinds["pkg-1.0.dist-info/RECORD"])
	}
	if kinds["pkg-1.0.dist-info/METADATA"] != DiffTimestamp {
		t.Errorf("METADATA mtime-only change should classify as timestamp, got %s", kinds["pkg-1.0.dist-info/METADATA"])
	}
}

func TestCompareClassifiesAddedRemovedMetadata(t *testing.T) {
	original := buildWheel(t, []entry{
		{"pkg/__init__.py", "v1", t0},
		{"pkg/gone.py", "old", t0},
		{"pkg-1.0.dist-info/WHEEL", "Wheel-Version: 1.0\n", t0},
	})
	rebuilt := buildWheel(t, []entry{
		{"pkg/__init__.py", "v2", t0},
		{"pkg/new.py", "new", t0},
		{"pkg-1.0.dist-info/WHEEL", "Wheel-Version: 1.1\n", t0},
	})

	checker := newChecker(t)
	_, _, diffs, err := checker.Compare(original, rebuilt)
	if err != nil {
		t.Fatalf("compare failed: %v", err)
	}

	kinds := map[string]DiffKind{}
	for _, d := range diffs {
		kinds[d.Path] = d.Kind
	}
	if kinds["pkg/gone.py"] != DiffRemoved {
		t.Errorf("expected removed, got %s", kinds["pkg/gone.py"])
	}
	if kinds["pkg/new.py"] != DiffAdded {
		t.Errorf("expected added, got %s", kinds["pkg/new.py"])
	}
	if kinds["pkg/__init__.py"] != DiffContent {
		t.Errorf("expected content, got %s", kinds["pkg/__init__.py"])
	}
	if kinds["pkg-1.0.dist-info/WHEEL"] != DiffMetadata {
		t.Errorf("WHEEL content change should classify as metadata, got %s", kinds["pkg-1.0.dist-info/WHEEL"])
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	wheel := buildWheel(t, []entry{
		{"pkg-1.0.dist-info/METADATA", "Name: pkg\r\nVersion: 1.0\r\n", t0},
		{"pkg-1.0.dist-info/RECORD", "b,sha256=y,2\na,sha256=x,1\n", t1},
		{"pkg/data.bin", "\x00\x01\x02", t1},
	})
	contents, err := Extract(wheel)
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}

	n, err := NewNormalizer([]string{`/tmp/build-[0-9]+/`})
	if err != nil {
		t.Fatalf("normalizer failed: %v", err)
	}

	once := n.Normalize(contents)
	twice := n.Normalize(once)
	if !contentsEqual(once, twice) {
		t.Error("normalization is not a fixed point")
	}
	for path, e := range once {
		if !e.ModTime.Equal(time.Unix(0, 0).UTC()) {
			t.Errorf("%s mtime not zeroed: %v", path, e.ModTime)
		}
	}
	// CRLF canonicalized in allowlisted files only
	if bytes.Contains(once["pkg-1.0.dist-info/METADATA"].Data, []byte("\r\n")) {
		t.Error("METADATA line endings not canonicalized")
	}
	if !bytes.Equal(once["pkg/data.bin"].Data, []byte("\x00\x01\x02")) {
		t.Error("binary payload must pass through untouched")
	}
	// RECORD re-sorted by path
	if !bytes.HasPrefix(once["pkg-1.0.dist-info/RECORD"].Data, []byte("a,")) {
		t.Errorf("RECORD not re-sorted: %s", once["pkg-1.0.dist-info/RECORD"].Data)
	}
}
