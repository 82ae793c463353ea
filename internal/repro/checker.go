package repro

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/chiron-dev/chiron/internal/bundler"
	"github.com/chiron-dev/chiron/internal/faults"
	"github.com/chiron-dev/chiron/internal/models"
)

// DiffKind classifies one divergence between builds
type DiffKind string

const (
	DiffAdded     DiffKind = "added"
	DiffRemoved   DiffKind = "removed"
	DiffContent   DiffKind = "content"
	DiffMetadata  DiffKind = "metadata"
	DiffTimestamp DiffKind = "timestamp"
)

// Difference is one classified divergence
type Difference struct {
	Path string   `json:"path"`
	Kind DiffKind `json:"kind"`
}

// Report for one wheel
type Report struct {
	Wheel           models.WheelIdentity `json:"wheel"`
	RebuildSHA256   string               `json:"rebuild_sha256,omitempty"`
	ExactMatch      bool                 `json:"exact_match"`
	NormalizedMatch bool                 `json:"normalized_match"`
	Differences     []Difference         `json:"differences,omitempty"`
	RebuildFailed   bool                 `json:"rebuild_failed,omitempty"`
	FailureDetail   string               `json:"failure_detail,omitempty"`
}

// BundleVerdict aggregates per-wheel reports
type BundleVerdict struct {
	Reports         []Report `json:"reports"`
	MatchedFraction float64  `json:"matched_fraction"`
	Tolerance       float64  `json:"tolerance"`
	Pass            bool     `json:"pass"`
}

// RebuildDriver produces a freshly rebuilt wheel for an identity and
// returns the path to the rebuilt file. The invocation is opaque; the
// coordinator wires it through the tool adapter.
type RebuildDriver func(ctx context.Context, wheel models.WheelIdentity) (string, error)

// Checker compares original and rebuilt wheels
type Checker struct {
	Normalizer *Normalizer
	// Tolerance is the fraction of wheels allowed to miss normalized
	// match before the bundle verdict fails (default 0).
	Tolerance float64
}

// Compare classifies the divergence between two wheel byte sequences.
// Differences are reported against the raw extraction; the normalized
// comparison decides normalized_match.
func (c *Checker) Compare(original, rebuilt []byte) (exact bool, normalized bool, diffs []Difference, err error) {
	origContents, err := Extract(original)
	if err != nil {
		return false, false, nil, err
	}
	rebuiltContents, err := Extract(rebuilt)
	if err != nil {
		return false, false, nil, err
	}

	diffs = classify(origContents, rebuiltContents)
	exact = len(diffs) == 0

	normOrig := c.Normalizer.Normalize(origContents)
	normRebuilt := c.Normalizer.Normalize(rebuiltContents)
	normalized = contentsEqual(normOrig, normRebuilt)

	return exact, normalized, diffs, nil
}

// classify walks both extractions and labels each divergence
func classify(a, b Contents) []Difference {
	paths := make(map[string]bool, len(a)+len(b))
	for p := range a {
		paths[p] = true
	}
	for p := range b {
		paths[p] = true
	}
	sorted := make([]string, 0, len(paths))
	for p := range paths {
		sorted = append(sorted, p)
	}
	sort.Strings(sorted)

	var diffs []Difference
	for _, path := range sorted {
		origEntry, inOrig := a[path]
		rebuiltEntry, inRebuilt := b[path]
		switch {
		case !inRebuilt:
			diffs = append(diffs, Difference{Path: path, Kind: DiffRemoved})
		case !inOrig:
			diffs = append(diffs, Difference{Path: path, Kind: DiffAdded})
		case bytes.Equal(origEntry.Data, rebuiltEntry.Data):
			if !origEntry.ModTime.Equal(rebuiltEntry.ModTime) {
				diffs = append(diffs, Difference{Path: path, Kind: DiffTimestamp})
			}
		default:
			base := basename(path)
			if base == "METADATA" || base == "WHEEL" {
				diffs = append(diffs, Difference{Path: path, Kind: DiffMetadata})
			} else {
				diffs = append(diffs, Difference{Path: path, Kind: DiffContent})
			}
		}
	}
	return diffs
}

func contentsEqual(a, b Contents) bool {
	if len(a) != len(b) {
		return false
	}
	for path, entryA := range a {
		entryB, ok := b[path]
		if !ok || !bytes.Equal(entryA.Data, entryB.Data) {
			return false
		}
	}
	return true
}

// AuditBundle rebuilds every wheel in the bundle and aggregates the
// verdict. Rebuild failures are recorded per wheel, never fatal to the
// audit itself.
func (c *Checker) AuditBundle(ctx context.Context, bundleDir string, manifest *models.BundleManifest, driver RebuildDriver) (*BundleVerdict, error) {
	verdict := &BundleVerdict{Tolerance: c.Tolerance}

	matched := 0
	for _, wheel := range manifest.Wheels {
		report := Report{Wheel: wheel}

		original, err := os.ReadFile(filepath.Join(bundleDir, bundler.WheelsDir, wheel.Filename()))
		if err != nil {
			return nil, faults.Wrap(faults.CategoryBundleIntegrity, "missing_wheel",
				"bundle wheel missing for reproducibility audit", err).WithRef(wheel.Filename())
		}

		rebuiltPath, err := driver(ctx, wheel)
		if err != nil {
			report.RebuildFailed = true
			report.FailureDetail = err.Error()
			verdict.Reports = append(verdict.Reports, report)
			continue
		}
		rebuilt, err := os.ReadFile(rebuiltPath)
		if err != nil {
			report.RebuildFailed = true
			report.FailureDetail = fmt.Sprintf("rebuilt wheel unreadable: %v", err)
			verdict.Reports = append(verdict.Reports, report)
			continue
		}

		sum := sha256.Sum256(rebuilt)
		report.RebuildSHA256 = hex.EncodeToString(sum[:])

		exact, normalized, diffs, err := c.Compare(original, rebuilt)
		if err != nil {
			report.RebuildFailed = true
			report.FailureDetail = err.Error()
			verdict.Reports = append(verdict.Reports, report)
			continue
		}
		report.ExactMatch = exact
		report.NormalizedMatch = normalized
		report.Differences = diffs
		if normalized {
			matched++
		}
		verdict.Reports = append(verdict.Reports, report)
	}

	total := len(manifest.Wheels)
	if total > 0 {
		verdict.MatchedFraction = float64(matched) / float64(total)
	} else {
		verdict.MatchedFraction = 1
	}
	verdict.Pass = (1 - verdict.MatchedFraction) <= c.Tolerance
	return verdict, nil
}
