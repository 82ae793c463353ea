// Package scanner drives vulnerability scans through the tool adapter and
// normalizes the output to the OSV-shaped report the rest of the pipeline
// consumes. Findings from multiple sources are merged by CVE id with
// deterministic precedence.
package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/chiron-dev/chiron/internal/faults"
	"github.com/chiron-dev/chiron/internal/models"
	"github.com/chiron-dev/chiron/internal/toolexec"
)

// Engine runs and normalizes scans
type Engine struct {
	Tools *toolexec.Adapter
}

// Scan runs the scanner over a directory of wheels and returns the
// normalized report.
func (e *Engine) Scan(ctx context.Context, target string, now time.Time) (*models.VulnReport, error) {
	rec, err := e.Tools.Run(ctx, toolexec.Invocation{
		Tag:  toolexec.TagScan,
		Args: []string{"dir:" + target, "--output", "json"},
	})
	if err != nil {
		return nil, err
	}

	findings, err := ParseGrype(rec.Stdout)
	if err != nil {
		return nil, err
	}
	return Normalize(findings, now), nil
}

// Normalize collapses duplicates by cve_id (alphabetical source order
// wins) and sorts the result by name, version, then cve_id.
func Normalize(findings []models.Finding, now time.Time) *models.VulnReport {
	bestByID := make(map[string]models.Finding)
	for _, f := range findings {
		f.Name = models.NormalizeName(f.Name)
		if !f.Severity.Valid() {
			f.Severity = models.VulnSeverityNone
		}
		existing, ok := bestByID[f.CVEID]
		if !ok || f.Source < existing.Source {
			bestByID[f.CVEID] = f
		}
	}

	merged := make([]models.Finding, 0, len(bestByID))
	for _, f := range bestByID {
		merged = append(merged, f)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Name != merged[j].Name {
			return merged[i].Name < merged[j].Name
		}
		if merged[i].Version != merged[j].Version {
			return merged[i].Version < merged[j].Version
		}
		return merged[i].CVEID < merged[j].CVEID
	})

	return &models.VulnReport{
		SchemaVersion: models.VulnReportSchemaVersion,
		GeneratedAt:   now.UTC(),
		Findings:      merged,
	}
}

// grypeDocument is the subset of grype's JSON output we consume
type grypeDocument struct {
	Matches []struct {
		Vulnerability struct {
			ID       string `json:"id"`
			Severity string `json:"severity"`
			CVSS     []struct {
				Metrics struct {
					BaseScore float64 `json:"baseScore"`
				} `json:"metrics"`
			} `json:"cvss"`
			DataSource  string `json:"dataSource"`
			PublishedAt string `json:"publishedDate"`
		} `json:"vulnerability"`
		Artifact struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"artifact"`
	} `json:"matches"`
}

// ParseGrype converts grype JSON into raw findings
func ParseGrype(data []byte) ([]models.Finding, error) {
	var doc grypeDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, faults.Wrap(faults.CategoryToolFailed, "scan_output_malformed",
			"scanner emitted unparseable JSON", err)
	}

	findings := make([]models.Finding, 0, len(doc.Matches))
	for _, m := range doc.Matches {
		f := models.Finding{
			Name:    m.Artifact.Name,
			Version: m.Artifact.Version,
			CVEID:   m.Vulnerability.ID,
			Source:  "grype",
		}
		// prefer the CVSS base score through the fixed mapping; fall
		// back to the scanner's label
		if len(m.Vulnerability.CVSS) > 0 {
			f.Severity = models.SeverityFromCVSS(m.Vulnerability.CVSS[0].Metrics.BaseScore)
		} else {
			f.Severity = severityFromLabel(m.Vulnerability.Severity)
		}
		if m.Vulnerability.PublishedAt != "" {
			if ts, err := time.Parse(time.RFC3339, m.Vulnerability.PublishedAt); err == nil {
				f.PublishedAt = ts.UTC()
			}
		}
		findings = append(findings, f)
	}
	return findings, nil
}

// osvDocument is the subset of osv-scanner's JSON output we consume
type osvDocument struct {
	Results []struct {
		Packages []struct {
			Package struct {
				Name    string `json:"name"`
				Version string `json:"version"`
			} `json:"package"`
			Vulnerabilities []struct {
				ID        string `json:"id"`
				Published string `json:"published"`
				Severity  []struct {
					Type  string `json:"type"`
					Score string `json:"score"`
				} `json:"severity"`
				DatabaseSpecific struct {
					Severity string `json:"severity"`
				} `json:"database_specific"`
			} `json:"vulnerabilities"`
		} `json:"packages"`
	} `json:"results"`
}

// ParseOSV converts osv-scanner JSON into raw findings
func ParseOSV(data []byte) ([]models.Finding, error) {
	var doc osvDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, faults.Wrap(faults.CategoryToolFailed, "scan_output_malformed",
			"scanner emitted unparseable JSON", err)
	}

	var findings []models.Finding
	for _, result := range doc.Results {
		for _, pkg := range result.Packages {
			for _, vuln := range pkg.Vulnerabilities {
				f := models.Finding{
					Name:     pkg.Package.Name,
					Version:  pkg.Package.Version,
					CVEID:    vuln.ID,
					Source:   "osv",
					Severity: severityFromLabel(vuln.DatabaseSpecific.Severity),
				}
				if vuln.Published != "" {
					if ts, err := time.Parse(time.RFC3339, vuln.Published); err == nil {
						f.PublishedAt = ts.UTC()
					}
				}
				findings = append(findings, f)
			}
		}
	}
	return findings, nil
}

// severityFromLabel maps scanner labels onto the fixed severity set
func severityFromLabel(label string) models.VulnSeverity {
	switch strings.ToLower(label) {
	case "critical":
		return models.VulnSeverityCritical
	case "high":
		return models.VulnSeverityHigh
	case "medium", "moderate":
		return models.VulnSeverityMedium
	case "low", "negligible":
		return models.VulnSeverityLow
	default:
		return models.VulnSeverityNone
	}
}

// SaveReport writes the normalized report as indented JSON
func SaveReport(report *models.VulnReport, path string) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal vulnerability report: %w", err)
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0644)
}

// LoadReport reads a normalized report back
func LoadReport(path string) (*models.VulnReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, faults.Wrap(faults.CategoryAttestationMissing, "scan_missing",
			"vulnerability report not found", err).WithRef(path)
	}
	var report models.VulnReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, faults.Wrap(faults.CategoryAttestationInvalid, "scan_malformed",
			"vulnerability report is not valid JSON", err).WithRef(path)
	}
	return &report, nil
}
