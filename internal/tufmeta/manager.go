package tufmeta

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/secure-systems-lab/go-securesystemslib/cjson"

	"github.com/chiron-dev/chiron/internal/faults"
)

// Manager generates, rotates and verifies role metadata. All state lives
// in the metadata directory; keys live behind the provider.
type Manager struct {
	Keys KeyProvider
	// Now is the clock; swappable for tests.
	Now func() time.Time
}

// NewManager with the real clock
func NewManager(keys KeyProvider) *Manager {
	return &Manager{Keys: keys, Now: time.Now}
}

// fileFor maps a role to its metadata filename
func fileFor(role string) string {
	return role + ".json"
}

// signPayload canonicalizes and signs a role payload
func (m *Manager) signPayload(role string, payload interface{}) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", role, err)
	}

	canonical, err := cjson.EncodeCanonical(json.RawMessage(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize %s payload: %w", role, err)
	}

	keyID, sig, err := m.Keys.Sign(role, canonical)
	if err != nil {
		return nil, faults.Wrap(faults.CategoryTUF, "tuf_signing_failed",
			fmt.Sprintf("key provider could not sign %s", role), err)
	}

	return &Envelope{
		Signatures: []Signature{{KeyID: keyID, Sig: hex.EncodeToString(sig)}},
		Signed:     raw,
	}, nil
}

// writeEnvelope persists a role file
func writeEnvelope(dir, role string, env *Envelope) error {
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s metadata: %w", role, err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(filepath.Join(dir, fileFor(role)), data, 0644); err != nil {
		return fmt.Errorf("failed to write %s metadata: %w", role, err)
	}
	return nil
}

// readEnvelope loads a role file
func readEnvelope(dir, role string) (*Envelope, error) {
	data, err := os.ReadFile(filepath.Join(dir, fileFor(role)))
	if err != nil {
		return nil, faults.Wrap(faults.CategoryTUF, "tuf_metadata_missing",
			fmt.Sprintf("%s metadata not found", role), err).WithRef(fileFor(role))
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, faults.Wrap(faults.CategoryTUF, "tuf_metadata_malformed",
			fmt.Sprintf("%s metadata is not valid JSON", role), err).WithRef(fileFor(role))
	}
	return &env, nil
}

// buildRootPayload assembles the key set and thresholds from the provider
func (m *Manager) buildRootPayload(version int) (*RootPayload, error) {
	payload := &RootPayload{
		Common: Common{
			Type:        RoleRoot,
			SpecVersion: SpecVersion,
			Version:     version,
			Expires:     m.Now().UTC().Add(DefaultRootExpiry).Format(time.RFC3339),
		},
		Keys:  make(map[string]Key),
		Roles: make(map[string]RoleKeys),
	}

	for _, role := range Roles {
		publicSet, err := m.Keys.PublicSet(role)
		if err != nil {
			return nil, faults.Wrap(faults.CategoryTUF, "tuf_key_missing",
				fmt.Sprintf("no public keys for role %s", role), err)
		}
		var keyIDs []string
		for keyID, pub := range publicSet {
			payload.Keys[keyID] = Key{
				KeyType: "ed25519",
				Scheme:  "ed25519",
				Public:  hex.EncodeToString(pub),
			}
			keyIDs = append(keyIDs, keyID)
		}
		sort.Strings(keyIDs)
		payload.Roles[role] = RoleKeys{KeyIDs: keyIDs, Threshold: 1}
	}
	return payload, nil
}

// Init writes a fresh four-role metadata set for an empty target list
func (m *Manager) Init(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create metadata directory: %w", err)
	}
	return m.Publish(dir, nil, 1)
}

// Publish writes targets/snapshot/timestamp at the given version over the
// supplied target files, creating or carrying forward root.
func (m *Manager) Publish(dir string, targets map[string]TargetMeta, version int) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create metadata directory: %w", err)
	}

	// root: keep the existing one unless this is the first publish
	if _, err := os.Stat(filepath.Join(dir, fileFor(RoleRoot))); err != nil {
		rootPayload, err := m.buildRootPayload(1)
		if err != nil {
			return err
		}
		rootEnv, err := m.signPayload(RoleRoot, rootPayload)
		if err != nil {
			return err
		}
		if err := writeEnvelope(dir, RoleRoot, rootEnv); err != nil {
			return err
		}
	}

	now := m.Now().UTC()

	if targets == nil {
		targets = map[string]TargetMeta{}
	}
	targetsPayload := &TargetsPayload{
		Common: Common{
			Type:        RoleTargets,
			SpecVersion: SpecVersion,
			Version:     version,
			Expires:     now.Add(DefaultTargetsExpiry).Format(time.RFC3339),
		},
		Targets: targets,
	}
	targetsEnv, err := m.signPayload(RoleTargets, targetsPayload)
	if err != nil {
		return err
	}
	if err := writeEnvelope(dir, RoleTargets, targetsEnv); err != nil {
		return err
	}

	snapshotPayload := &SnapshotPayload{
		Common: Common{
			Type:        RoleSnapshot,
			SpecVersion: SpecVersion,
			Version:     version,
			Expires:     now.Add(DefaultSnapshotExpiry).Format(time.RFC3339),
		},
		Meta: map[string]SnapshotMeta{
			fileFor(RoleTargets): {Version: version},
		},
	}
	snapshotEnv, err := m.signPayload(RoleSnapshot, snapshotPayload)
	if err != nil {
		return err
	}
	if err := writeEnvelope(dir, RoleSnapshot, snapshotEnv); err != nil {
		return err
	}

	// timestamp binds the snapshot bytes
	snapshotBytes, err := os.ReadFile(filepath.Join(dir, fileFor(RoleSnapshot)))
	if err != nil {
		return fmt.Errorf("failed to read snapshot for timestamping: %w", err)
	}
	snapshotSum := sha256.Sum256(snapshotBytes)

	timestampPayload := &TimestampPayload{
		Common: Common{
			Type:        RoleTimestamp,
			SpecVersion: SpecVersion,
			Version:     version,
			Expires:     now.Add(DefaultTimestampExpiry).Format(time.RFC3339),
		},
		Meta: map[string]TimestampMeta{
			fileFor(RoleSnapshot): {
				Version: version,
				Length:  int64(len(snapshotBytes)),
				Hashes:  map[string]string{"sha256": hex.EncodeToString(snapshotSum[:])},
			},
		},
	}
	timestampEnv, err := m.signPayload(RoleTimestamp, timestampPayload)
	if err != nil {
		return err
	}
	return writeEnvelope(dir, RoleTimestamp, timestampEnv)
}

// RotateRoot writes a new root version signed by the previous root key
// set in addition to the new one.
func (m *Manager) RotateRoot(dir string, next KeyProvider) error {
	currentEnv, err := readEnvelope(dir, RoleRoot)
	if err != nil {
		return err
	}
	var current RootPayload
	if err := json.Unmarshal(currentEnv.Signed, &current); err != nil {
		return faults.Wrap(faults.CategoryTUF, "tuf_metadata_malformed",
			"current root payload is malformed", err)
	}

	nextManager := &Manager{Keys: next, Now: m.Now}
	payload, err := nextManager.buildRootPayload(current.Version + 1)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal rotated root: %w", err)
	}
	canonical, err := cjson.EncodeCanonical(json.RawMessage(raw))
	if err != nil {
		return fmt.Errorf("failed to canonicalize rotated root: %w", err)
	}

	// the new root carries signatures from both key sets so existing
	// clients can follow the rotation
	prevKeyID, prevSig, err := m.Keys.Sign(RoleRoot, canonical)
	if err != nil {
		return faults.Wrap(faults.CategoryTUF, "tuf_signing_failed", "previous root key could not sign rotation", err)
	}
	nextKeyID, nextSig, err := next.Sign(RoleRoot, canonical)
	if err != nil {
		return faults.Wrap(faults.CategoryTUF, "tuf_signing_failed", "next root key could not sign rotation", err)
	}

	env := &Envelope{
		Signatures: []Signature{
			{KeyID: prevKeyID, Sig: hex.EncodeToString(prevSig)},
			{KeyID: nextKeyID, Sig: hex.EncodeToString(nextSig)},
		},
		Signed: raw,
	}
	return writeEnvelope(dir, RoleRoot, env)
}

// TargetsFromDir builds the target map over a bundle directory's files
func TargetsFromDir(root string, relPaths []string) (map[string]TargetMeta, error) {
	targets := make(map[string]TargetMeta, len(relPaths))
	for _, rel := range relPaths {
		data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			return nil, fmt.Errorf("failed to read target %s: %w", rel, err)
		}
		sum := sha256.Sum256(data)
		targets[rel] = TargetMeta{
			Length: int64(len(data)),
			Hashes: map[string]string{"sha256": hex.EncodeToString(sum[:])},
		}
	}
	return targets, nil
}
