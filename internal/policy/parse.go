package policy

import (
	"bytes"
	"fmt"
	"os"

	pep440 "github.com/aquasecurity/go-pep440-version"
	"gopkg.in/yaml.v3"

	"github.com/chiron-dev/chiron/internal/faults"
	"github.com/chiron-dev/chiron/internal/models"
)

// Load reads a policy document from YAML. Unknown fields are rejected.
func Load(path string) (*models.PolicyDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, faults.Wrap(faults.CategoryInputInvalid, "policy_missing",
			"policy document not found", err).WithRef(path)
	}
	doc, err := Parse(data)
	if err != nil {
		if f, ok := err.(*faults.Error); ok {
			return nil, f.WithRef(path)
		}
		return nil, err
	}
	return doc, nil
}

// Parse decodes and validates a policy document
func Parse(data []byte) (*models.PolicyDocument, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc models.PolicyDocument
	if err := dec.Decode(&doc); err != nil {
		return nil, faults.Wrap(faults.CategoryInputInvalid, "policy_malformed",
			"policy document does not match the schema", err)
	}
	if err := Validate(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate checks field-level constraints the schema cannot express
func Validate(doc *models.PolicyDocument) error {
	malformed := func(msg string) error {
		return faults.New(faults.CategoryInputInvalid, "policy_malformed", msg)
	}

	for name, ceiling := range doc.VersionCeilings {
		if name != models.NormalizeName(name) {
			return malformed(fmt.Sprintf("version_ceilings key %q is not a normalized name", name))
		}
		if ceiling.Specifier == "" {
			return malformed(fmt.Sprintf("version ceiling for %q has no specifier", name))
		}
		if _, err := pep440.NewSpecifiers(ceiling.Specifier); err != nil {
			return malformed(fmt.Sprintf("version ceiling for %q has invalid specifier %q", name, ceiling.Specifier))
		}
		switch ceiling.Severity {
		case "", models.SeverityCaution, models.SeverityBlocked:
		default:
			return malformed(fmt.Sprintf("version ceiling for %q has unknown severity %q", name, ceiling.Severity))
		}
	}

	for name, window := range doc.UpgradeWindows {
		if name != models.NormalizeName(name) {
			return malformed(fmt.Sprintf("upgrade_windows key %q is not a normalized name", name))
		}
		if window.MinStableDays < 0 {
			return malformed(fmt.Sprintf("upgrade window for %q has negative min_stable_days", name))
		}
	}

	if doc.CVEGates != nil {
		if doc.CVEGates.MaxSeverity != "" && !doc.CVEGates.MaxSeverity.Valid() {
			return malformed(fmt.Sprintf("cve_gates.max_severity %q is unknown", doc.CVEGates.MaxSeverity))
		}
		if doc.CVEGates.GracePeriodDays < 0 {
			return malformed("cve_gates.grace_period_days is negative")
		}
	}

	for _, kind := range doc.RequiredAttestations {
		switch kind {
		case models.AttestationSBOM, models.AttestationSignature, models.AttestationProvenance:
		default:
			return malformed(fmt.Sprintf("required_attestations entry %q is unknown", kind))
		}
	}

	for _, rule := range doc.CustomRules {
		if rule.Name == "" || rule.Expr == "" {
			return malformed("custom rule must have name and expr")
		}
		switch rule.Severity {
		case "", models.SeverityCaution, models.SeverityBlocked:
		default:
			return malformed(fmt.Sprintf("custom rule %q has unknown severity %q", rule.Name, rule.Severity))
		}
	}

	return nil
}
