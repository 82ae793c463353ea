package attest

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/in-toto/in-toto-golang/in_toto"
	"github.com/in-toto/in-toto-golang/in_toto/slsa_provenance/common"
	slsa02 "github.com/in-toto/in-toto-golang/in_toto/slsa_provenance/v0.2"

	"github.com/chiron-dev/chiron/internal/faults"
)

// BuildType identifies chiron's wheelhouse build in provenance statements
const BuildType = "https://chiron.dev/buildtypes/wheelhouse/v1"

// ProvenanceInput collects everything bound into the statement
type ProvenanceInput struct {
	BundleName   string
	BundleSHA256 string
	BuilderID    string
	SourceCommit string
	SourceURI    string
	// ConfigDigest is the sha256 of the effective build configuration.
	ConfigDigest string
	// Materials maps input URIs to their sha256 digests (every input blob).
	Materials map[string]string
	// AuditRoot is the audit-chain root digest of the producing run.
	AuditRoot string
	StartedAt time.Time
	EndedAt   time.Time
}

// BuildProvenance constructs the in-toto statement whose subject is the
// bundle and whose predicate binds builder, source, config, materials and
// the audit-chain root.
func BuildProvenance(input ProvenanceInput) (*in_toto.ProvenanceStatementSLSA02, error) {
	if input.BundleSHA256 == "" {
		return nil, faults.New(faults.CategoryInternal, "provenance_no_subject",
			"provenance requires the bundle digest")
	}

	materials := make([]common.ProvenanceMaterial, 0, len(input.Materials))
	for uri, digest := range input.Materials {
		materials = append(materials, common.ProvenanceMaterial{
			URI:    uri,
			Digest: common.DigestSet{"sha256": digest},
		})
	}
	// map order is random; provenance must be stable
	sortMaterials(materials)

	statement := &in_toto.ProvenanceStatementSLSA02{
		StatementHeader: in_toto.StatementHeader{
			Type:          in_toto.StatementInTotoV01,
			PredicateType: slsa02.PredicateSLSAProvenance,
			Subject: []in_toto.Subject{{
				Name:   input.BundleName,
				Digest: common.DigestSet{"sha256": input.BundleSHA256},
			}},
		},
		Predicate: slsa02.ProvenancePredicate{
			Builder:   common.ProvenanceBuilder{ID: input.BuilderID},
			BuildType: BuildType,
			Invocation: slsa02.ProvenanceInvocation{
				ConfigSource: slsa02.ConfigSource{
					URI:    input.SourceURI,
					Digest: common.DigestSet{"sha256": input.ConfigDigest},
				},
				Environment: map[string]string{
					"audit_root": input.AuditRoot,
				},
			},
			Materials: materials,
		},
	}

	if input.SourceCommit != "" {
		statement.Predicate.Invocation.ConfigSource.EntryPoint = input.SourceCommit
	}
	if !input.StartedAt.IsZero() {
		started := input.StartedAt.UTC()
		ended := input.EndedAt.UTC()
		statement.Predicate.Metadata = &slsa02.ProvenanceMetadata{
			BuildStartedOn:  &started,
			BuildFinishedOn: &ended,
		}
	}
	return statement, nil
}

func sortMaterials(materials []common.ProvenanceMaterial) {
	for i := 1; i < len(materials); i++ {
		for j := i; j > 0 && materials[j].URI < materials[j-1].URI; j-- {
			materials[j], materials[j-1] = materials[j-1], materials[j]
		}
	}
}

// WriteProvenance emits the statement as one JSONL line
func WriteProvenance(statement *in_toto.ProvenanceStatementSLSA02, path string) error {
	data, err := json.Marshal(statement)
	if err != nil {
		return fmt.Errorf("failed to marshal provenance: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write provenance: %w", err)
	}
	return nil
}

// LoadProvenance reads the first statement from a JSONL provenance file
func LoadProvenance(path string) (*in_toto.ProvenanceStatementSLSA02, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, faults.Wrap(faults.CategoryAttestationMissing, "provenance_missing",
			"provenance statement not found", err).WithRef(path)
	}
	// first line only; later lines are additional statements
	for i, b := range data {
		if b == '\n' {
			data = data[:i]
			break
		}
	}
	var statement in_toto.ProvenanceStatementSLSA02
	if err := json.Unmarshal(data, &statement); err != nil {
		return nil, faults.Wrap(faults.CategoryAttestationInvalid, "provenance_malformed",
			"provenance statement is not valid JSON", err).WithRef(path)
	}
	return &statement, nil
}

// VerifyProvenanceSubject confirms the statement names the bundle digest
func VerifyProvenanceSubject(statement *in_toto.ProvenanceStatementSLSA02, bundleSHA256 string) error {
	for _, subject := range statement.Subject {
		if subject.Digest["sha256"] == bundleSHA256 {
			return nil
		}
	}
	return faults.New(faults.CategoryAttestationInvalid, "provenance_subject_mismatch",
		"provenance subject does not name the bundle digest").WithRef(bundleSHA256).
		WithHint("the bundle was modified after provenance was generated")
}
