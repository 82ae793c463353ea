// Package tufmeta produces and verifies the four-role update metadata set
// (root, targets, snapshot, timestamp) that seals a bundle release.
package tufmeta

import (
	"crypto/ed25519"
	"encoding/json"
	"time"
)

// Role names
const (
	RoleRoot      = "root"
	RoleTargets   = "targets"
	RoleSnapshot  = "snapshot"
	RoleTimestamp = "timestamp"
)

// Roles in signing order
var Roles = []string{RoleRoot, RoleTargets, RoleSnapshot, RoleTimestamp}

// SpecVersion of the metadata format
const SpecVersion = "1.0"

// Default expirations: root is long-lived, timestamp provides freshness.
const (
	DefaultRootExpiry      = 365 * 24 * time.Hour
	DefaultTargetsExpiry   = 90 * 24 * time.Hour
	DefaultSnapshotExpiry  = 7 * 24 * time.Hour
	DefaultTimestampExpiry = 24 * time.Hour
)

// Signature over the canonical signed payload
type Signature struct {
	KeyID string `json:"keyid"`
	Sig   string `json:"sig"` // hex
}

// Key is a public key record in root
type Key struct {
	KeyType string `json:"keytype"` // "ed25519"
	Scheme  string `json:"scheme"`  // "ed25519"
	Public  string `json:"public"`  // hex
}

// RoleKeys binds a role to its key ids and signing threshold
type RoleKeys struct {
	KeyIDs    []string `json:"keyids"`
	Threshold int      `json:"threshold"`
}

// Envelope wraps any role payload with its signatures
type Envelope struct {
	Signatures []Signature     `json:"signatures"`
	Signed     json.RawMessage `json:"signed"`
}

// Common payload fields shared by every role
type Common struct {
	Type        string `json:"_type"`
	SpecVersion string `json:"spec_version"`
	Version     int    `json:"version"`
	Expires     string `json:"expires"` // RFC3339 UTC
}

// RootPayload lists the key set and per-role thresholds
type RootPayload struct {
	Common
	ConsistentSnapshot bool                `json:"consistent_snapshot"`
	Keys               map[string]Key      `json:"keys"`
	Roles              map[string]RoleKeys `json:"roles"`
}

// TargetMeta describes one downloadable file
type TargetMeta struct {
	Length int64             `json:"length"`
	Hashes map[string]string `json:"hashes"` // algo -> hex
}

// TargetsPayload lists every file a client may download
type TargetsPayload struct {
	Common
	Targets map[string]TargetMeta `json:"targets"`
}

// SnapshotMeta names the current version of a metadata file
type SnapshotMeta struct {
	Version int `json:"version"`
}

// SnapshotPayload prevents mix-and-match of targets metadata
type SnapshotPayload struct {
	Common
	Meta map[string]SnapshotMeta `json:"meta"` // "targets.json" -> version
}

// TimestampMeta binds the snapshot with hashes for freshness
type TimestampMeta struct {
	Version int               `json:"version"`
	Length  int64             `json:"length"`
	Hashes  map[string]string `json:"hashes"`
}

// TimestampPayload is the short-lived freshness proof
type TimestampPayload struct {
	Common
	Meta map[string]TimestampMeta `json:"meta"` // "snapshot.json"
}

// KeyProvider abstracts key storage: keyring, cloud KMS, or HSM. The
// manager never touches secrets directly.
type KeyProvider interface {
	Sign(role string, data []byte) (keyID string, sig []byte, err error)
	PublicSet(role string) (map[string]ed25519.PublicKey, error)
}
