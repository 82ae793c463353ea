package locker

import (
	"fmt"
	"sort"
	"strings"

	"github.com/chiron-dev/chiron/internal/faults"
	"github.com/chiron-dev/chiron/internal/models"
)

// recognizedHashAlgorithms accepted in --hash tokens
var recognizedHashAlgorithms = map[string]bool{
	"sha256": true,
	"sha384": true,
	"sha512": true,
}

// EmitConstraints renders the textual constraints file: one requirement
// per line in `name==version --hash=algo:hex …` form, lines sorted by
// normalized name, hashes sorted by algorithm then digest, LF endings,
// trailing newline.
func EmitConstraints(record *models.LockRecord) []byte {
	constraints := make([]models.LockedConstraint, len(record.Constraints))
	copy(constraints, record.Constraints)
	sort.Slice(constraints, func(i, j int) bool {
		return constraints[i].Name < constraints[j].Name
	})

	var b strings.Builder
	for _, c := range constraints {
		name := c.Name
		if len(c.Extras) > 0 {
			name = fmt.Sprintf("%s[%s]", c.Name, strings.Join(c.Extras, ","))
		}
		b.WriteString(name)
		b.WriteString("==")
		b.WriteString(c.Version)

		hashes := make([]models.Hash, len(c.Hashes))
		copy(hashes, c.Hashes)
		sort.Slice(hashes, func(i, j int) bool {
			if hashes[i].Algorithm != hashes[j].Algorithm {
				return hashes[i].Algorithm < hashes[j].Algorithm
			}
			return hashes[i].Digest < hashes[j].Digest
		})
		for _, h := range hashes {
			b.WriteString(" --hash=")
			b.WriteString(h.Algorithm)
			b.WriteString(":")
			b.WriteString(h.Digest)
		}
		b.WriteString("\n")
	}
	return []byte(b.String())
}

// ParseConstraints reads a constraints file back into locked constraints.
// Comments are stripped, backslash continuations joined, line endings
// normalized. Parse of an emitted file is the identity (modulo comments).
func ParseConstraints(data []byte) ([]models.LockedConstraint, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	text = strings.ReplaceAll(text, "\\\n", " ")

	var constraints []models.LockedConstraint
	for lineNo, line := range strings.Split(text, "\n") {
		// strip comments
		if idx := strings.Index(line, "#"); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		c, err := parseConstraintLine(line)
		if err != nil {
			return nil, faults.Wrap(faults.CategoryInputInvalid, "constraints_malformed",
				fmt.Sprintf("line %d is not a valid pinned requirement", lineNo+1), err)
		}
		constraints = append(constraints, c)
	}

	sort.Slice(constraints, func(i, j int) bool {
		return constraints[i].Name < constraints[j].Name
	})
	return constraints, nil
}

func parseConstraintLine(line string) (models.LockedConstraint, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return models.LockedConstraint{}, fmt.Errorf("empty requirement")
	}

	req := fields[0]
	eq := strings.Index(req, "==")
	if eq < 0 {
		return models.LockedConstraint{}, fmt.Errorf("requirement %q is not exactly pinned", req)
	}
	name := req[:eq]
	version := req[eq+2:]
	if version == "" {
		return models.LockedConstraint{}, fmt.Errorf("requirement %q has no version", req)
	}

	var extras []string
	if open := strings.Index(name, "["); open >= 0 {
		close := strings.Index(name, "]")
		if close < open {
			return models.LockedConstraint{}, fmt.Errorf("unbalanced extras in %q", name)
		}
		for _, e := range strings.Split(name[open+1:close], ",") {
			if e = strings.TrimSpace(e); e != "" {
				extras = append(extras, models.NormalizeName(e))
			}
		}
		sort.Strings(extras)
		name = name[:open]
	}

	c := models.LockedConstraint{
		Name:    models.NormalizeName(name),
		Version: version,
		Extras:  extras,
	}

	for _, field := range fields[1:] {
		value, ok := strings.CutPrefix(field, "--hash=")
		if !ok {
			return models.LockedConstraint{}, fmt.Errorf("unexpected token %q", field)
		}
		algo, digest, found := strings.Cut(value, ":")
		if !found || algo == "" || digest == "" {
			return models.LockedConstraint{}, fmt.Errorf("hash %q is not algo:hex", value)
		}
		if !recognizedHashAlgorithms[algo] {
			return models.LockedConstraint{}, fmt.Errorf("unrecognized hash algorithm %q", algo)
		}
		if !isHex(digest) {
			return models.LockedConstraint{}, fmt.Errorf("hash digest %q is not hex", digest)
		}
		c.Hashes = append(c.Hashes, models.Hash{Algorithm: algo, Digest: strings.ToLower(digest)})
	}

	sort.Slice(c.Hashes, func(i, j int) bool {
		if c.Hashes[i].Algorithm != c.Hashes[j].Algorithm {
			return c.Hashes[i].Algorithm < c.Hashes[j].Algorithm
		}
		return c.Hashes[i].Digest < c.Hashes[j].Digest
	})
	return c, nil
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return len(s) > 0
}
