// Package attest generates and verifies the four attestation kinds for a
// bundle: SBOM, vulnerability report, detached signature, and provenance.
package attest

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/CycloneDX/cyclonedx-go"

	"github.com/chiron-dev/chiron/internal/faults"
	"github.com/chiron-dev/chiron/internal/models"
	"github.com/chiron-dev/chiron/internal/toolexec"
)

// GenerateSBOM runs the SBOM generator over the wheelhouse directory and
// returns CycloneDX JSON.
func GenerateSBOM(ctx context.Context, tools *toolexec.Adapter, bundleDir string) ([]byte, error) {
	rec, err := tools.Run(ctx, toolexec.Invocation{
		Tag:  toolexec.TagSBOM,
		Args: []string{"scan", "dir:" + bundleDir, "-o", "cyclonedx-json"},
	})
	if err != nil {
		return nil, err
	}
	// validate before returning
	if _, err := decodeSBOM(rec.Stdout); err != nil {
		return nil, err
	}
	return rec.Stdout, nil
}

func decodeSBOM(data []byte) (*cyclonedx.BOM, error) {
	var bom cyclonedx.BOM
	decoder := cyclonedx.NewBOMDecoder(bytes.NewReader(data), cyclonedx.BOMFileFormatJSON)
	if err := decoder.Decode(&bom); err != nil {
		return nil, faults.Wrap(faults.CategoryAttestationInvalid, "sbom_malformed",
			"SBOM is not valid CycloneDX JSON", err)
	}
	if bom.BOMFormat != "" && bom.BOMFormat != "CycloneDX" {
		return nil, faults.New(faults.CategoryAttestationInvalid, "sbom_malformed",
			fmt.Sprintf("unexpected BOM format %q", bom.BOMFormat))
	}
	return &bom, nil
}

// VerifySBOMCoverage checks that every locked coordinate appears in the
// SBOM as a component with purl, version, and hashes.
func VerifySBOMCoverage(sbomPath string, constraints []models.LockedConstraint) error {
	data, err := os.ReadFile(sbomPath)
	if err != nil {
		return faults.Wrap(faults.CategoryAttestationMissing, "sbom_missing",
			"SBOM not found", err).WithRef(sbomPath)
	}
	bom, err := decodeSBOM(data)
	if err != nil {
		return err
	}

	type component struct {
		version   string
		hasPurl   bool
		hasHashes bool
	}
	components := make(map[string]component)
	if bom.Components != nil {
		for _, c := range *bom.Components {
			name := models.NormalizeName(c.Name)
			components[name] = component{
				version:   c.Version,
				hasPurl:   c.PackageURL != "",
				hasHashes: c.Hashes != nil && len(*c.Hashes) > 0,
			}
		}
	}

	var gaps []string
	for _, locked := range constraints {
		c, ok := components[locked.Name]
		switch {
		case !ok:
			gaps = append(gaps, locked.Name+" absent")
		case c.version != locked.Version:
			gaps = append(gaps, fmt.Sprintf("%s version %s != locked %s", locked.Name, c.version, locked.Version))
		case !c.hasPurl:
			gaps = append(gaps, locked.Name+" missing purl")
		case !c.hasHashes:
			gaps = append(gaps, locked.Name+" missing hashes")
		}
	}
	if len(gaps) > 0 {
		return faults.New(faults.CategoryAttestationInvalid, "sbom_incomplete",
			"SBOM does not cover the locked set: "+strings.Join(gaps, "; ")).WithRef(sbomPath).
			WithHint("regenerate the SBOM over the final wheelhouse")
	}
	return nil
}
