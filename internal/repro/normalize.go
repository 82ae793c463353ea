// Package repro rebuilds wheels and classifies divergence between the
// original and rebuilt artifacts. Originals are never mutated.
package repro

import (
	"archive/zip"
	"bytes"
	"io"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/chiron-dev/chiron/internal/faults"
)

// Entry is one archive member held in memory
type Entry struct {
	Data    []byte
	ModTime time.Time
}

// Contents maps archive paths to entries
type Contents map[string]Entry

// textAllowlist names the metadata files whose line endings are
// canonicalized during normalization.
var textAllowlist = map[string]bool{
	"METADATA": true,
	"RECORD":   true,
	"WHEEL":    true,
}

// Extract reads a wheel (zip) into memory
func Extract(data []byte) (Contents, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, faults.Wrap(faults.CategoryInputInvalid, "wheel_malformed",
			"wheel is not a valid zip archive", err)
	}

	contents := make(Contents, len(reader.File))
	for _, file := range reader.File {
		if strings.HasSuffix(file.Name, "/") {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return nil, faults.Wrap(faults.CategoryInputInvalid, "wheel_malformed",
				"wheel entry unreadable", err).WithRef(file.Name)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, faults.Wrap(faults.CategoryInputInvalid, "wheel_malformed",
				"wheel entry unreadable", err).WithRef(file.Name)
		}
		contents[file.Name] = Entry{Data: data, ModTime: file.Modified.UTC()}
	}
	return contents, nil
}

// Normalizer applies the fixed normalization pipeline. Applying it twice
// is a fixed point.
type Normalizer struct {
	// BuildPathPatterns are regexes for build-path prefixes scrubbed from
	// text entries (temporary build directories leaking into metadata).
	BuildPathPatterns []*regexp.Regexp
}

// NewNormalizer compiles the configured patterns
func NewNormalizer(patterns []string) (*Normalizer, error) {
	n := &Normalizer{}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, faults.Wrap(faults.CategoryInputInvalid, "pattern_invalid",
				"build-path pattern is not a valid regular expression", err).WithRef(p)
		}
		n.BuildPathPatterns = append(n.BuildPathPatterns, re)
	}
	return n, nil
}

// Normalize returns a normalized copy: zeroed timestamps, scrubbed build
// paths, canonical line endings in the metadata allowlist, RECORD
// re-sorted by path.
func (n *Normalizer) Normalize(contents Contents) Contents {
	out := make(Contents, len(contents))
	for path, entry := range contents {
		data := entry.Data
		base := basename(path)

		if textAllowlist[base] {
			data = normalizeLineEndings(data)
			for _, re := range n.BuildPathPatterns {
				data = re.ReplaceAll(data, nil)
			}
			if base == "RECORD" {
				data = sortRecord(data)
			}
		}

		out[path] = Entry{Data: data, ModTime: time.Unix(0, 0).UTC()}
	}
	return out
}

func basename(path string) string {
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		return path[idx+1:]
	}
	return path
}

func normalizeLineEndings(data []byte) []byte {
	return bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
}

// sortRecord re-sorts RECORD lines by their path column
func sortRecord(data []byte) []byte {
	trailing := bytes.HasSuffix(data, []byte("\n"))
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	sort.Strings(lines)
	joined := strings.Join(lines, "\n")
	if trailing {
		joined += "\n"
	}
	return []byte(joined)
}
