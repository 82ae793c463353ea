package scanner

import (
	"testing"
	"time"

	"github.com/chiron-dev/chiron/internal/models"
)

var scanNow = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func TestParseGrype(t *testing.T) {
	payload := []byte(`{
  "matches": [
    {
      "vulnerability": {
        "id": "CVE-2024-0001",
        "severity": "High",
        "cvss": [{"metrics": {"baseScore": 9.1}}],
        "publishedDate": "2024-06-01T00:00:00Z"
      },
      "artifact": {"name": "Demo_Lib", "version": "1.2.3"}
    },
    {
      "vulnerability": {"id": "GHSA-xxxx", "severity": "negligible"},
      "artifact": {"name": "demo-util", "version": "0.4.7"}
    }
  ]
}`)
	findings, err := ParseGrype(payload)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(findings) != 2 {
		t.Fatalf("expected 2 findings, got %d", len(findings))
	}
	// CVSS score outranks the scanner's label through the fixed mapping
	if findings[0].Severity != models.VulnSeverityCritical {
		t.Errorf("expected critical from CVSS 9.1, got %s", findings[0].Severity)
	}
	if findings[0].PublishedAt.IsZero() {
		t.Error("published date not parsed")
	}
	if findings[1].Severity != models.VulnSeverityLow {
		t.Errorf("expected low from negligible label, got %s", findings[1].Severity)
	}
}

func TestParseGrypeMalformed(t *testing.T) {
	if _, err := ParseGrype([]byte("not-json")); err == nil {
		t.Fatal("malformed scanner output accepted")
	}
}

func TestParseOSV(t *testing.T) {
	payload := []byte(`{
  "results": [
    {
      "packages": [
        {
          "package": {"name": "demo-lib", "version": "1.2.3"},
          "vulnerabilities": [
            {
              "id": "CVE-2024-0001",
              "published": "2024-06-01T00:00:00Z",
              "database_specific": {"severity": "MODERATE"}
            }
          ]
        }
      ]
    }
  ]
}`)
	findings, err := ParseOSV(payload)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(findings) != 1 || findings[0].Severity != models.VulnSeverityMedium {
		t.Fatalf("unexpected findings: %+v", findings)
	}
	if findings[0].Source != "osv" {
		t.Errorf("source not stamped: %q", findings[0].Source)
	}
}

func TestNormalizeMergesByCVE(t *testing.T) {
	findings := []models.Finding{
		{Name: "Demo_Lib", Version: "1.2.3", CVEID: "CVE-2024-0001", Severity: models.VulnSeverityHigh, Source: "osv"},
		{Name: "demo-lib", Version: "1.2.3", CVEID: "CVE-2024-0001", Severity: models.VulnSeverityCritical, Source: "grype"},
		{Name: "demo-util", Version: "0.4.7", CVEID: "CVE-2024-0002", Severity: models.VulnSeverityLow, Source: "grype"},
	}

	report := Normalize(findings, scanNow)
	if len(report.Findings) != 2 {
		t.Fatalf("duplicates not collapsed: %+v", report.Findings)
	}
	// alphabetical source precedence: grype wins over osv
	if report.Findings[0].CVEID != "CVE-2024-0001" || report.Findings[0].Source != "grype" {
		t.Errorf("deterministic precedence violated: %+v", report.Findings[0])
	}
	if report.Findings[0].Name != "demo-lib" {
		t.Errorf("names must be normalized: %q", report.Findings[0].Name)
	}
	if !report.GeneratedAt.Equal(scanNow) {
		t.Errorf("report timestamp mismatch: %v", report.GeneratedAt)
	}
}

func TestNormalizeDeterministicOrder(t *testing.T) {
	findings := []models.Finding{
		{Name: "zeta", Version: "1.0", CVEID: "CVE-3", Severity: models.VulnSeverityLow, Source: "grype"},
		{Name: "alpha", Version: "2.0", CVEID: "CVE-2", Severity: models.VulnSeverityLow, Source: "grype"},
		{Name: "alpha", Version: "1.0", CVEID: "CVE-1", Severity: models.VulnSeverityLow, Source: "grype"},
	}
	report := Normalize(findings, scanNow)
	order := []string{"CVE-1", "CVE-2", "CVE-3"}
	for i, f := range report.Findings {
		if f.CVEID != order[i] {
			t.Errorf("position %d: got %s, want %s", i, f.CVEID, order[i])
		}
	}
}

func TestReportRoundTrip(t *testing.T) {
	report := Normalize([]models.Finding{
		{Name: "demo-lib", Version: "1.2.3", CVEID: "CVE-2024-0001", Severity: models.VulnSeverityHigh, Source: "grype"},
	}, scanNow)

	path := t.TempDir() + "/osv.json"
	if err := SaveReport(report, path); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	loaded, err := LoadReport(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(loaded.Findings) != 1 || loaded.Findings[0].CVEID != "CVE-2024-0001" {
		t.Errorf("round trip mismatch: %+v", loaded)
	}
}
