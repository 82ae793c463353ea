package models

// FileChecksum records the sha256 of one file inside the bundle
type FileChecksum struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// MetadataRefs points at the attestation sidecars inside the bundle
type MetadataRefs struct {
	SBOM          string   `json:"sbom,omitempty"`
	Vulnerability string   `json:"vulnerability,omitempty"`
	Signature     string   `json:"signature,omitempty"`
	Provenance    string   `json:"provenance,omitempty"`
	Requirements  string   `json:"requirements,omitempty"`
	TUF           []string `json:"tuf,omitempty"`
}

// BundleManifest is the root record of a wheelhouse
type BundleManifest struct {
	SchemaVersion string          `json:"schema_version"`
	CreatedAt     string          `json:"created_at"` // RFC3339 UTC
	CommitRef     string          `json:"commit_ref,omitempty"`
	PlatformScope []string        `json:"platform_scope"`
	PythonScope   []string        `json:"python_scope"`
	Wheels        []WheelIdentity `json:"wheels"`
	Checksums     []FileChecksum  `json:"checksums"`
	MetadataRefs  MetadataRefs    `json:"metadata_refs"`
	BundleSHA256  string          `json:"bundle_sha256,omitempty"`
}

// ManifestSchemaVersion current
const ManifestSchemaVersion = "1.0"

// WithoutConsistency returns a copy with the bundle_sha256 field cleared,
// which is the form the consistency digest is computed over.
func (m BundleManifest) WithoutConsistency() BundleManifest {
	m.BundleSHA256 = ""
	return m
}

// ChecksumFor looks up the recorded sha256 of a bundle-relative path
func (m *BundleManifest) ChecksumFor(path string) (string, bool) {
	for _, c := range m.Checksums {
		if c.Path == path {
			return c.SHA256, true
		}
	}
	return "", false
}
