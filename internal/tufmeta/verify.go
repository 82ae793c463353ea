package tufmeta

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/secure-systems-lab/go-securesystemslib/cjson"

	"github.com/chiron-dev/chiron/internal/faults"
)

// VerifyChain runs the fixed client sequence over a metadata directory:
// timestamp, then the snapshot it names, then the targets snapshot names,
// then each desired target file. A failure at any step aborts.
func (m *Manager) VerifyChain(dir string, targetFiles map[string][]byte) error {
	rootEnv, err := readEnvelope(dir, RoleRoot)
	if err != nil {
		return err
	}
	var root RootPayload
	if err := json.Unmarshal(rootEnv.Signed, &root); err != nil {
		return faults.Wrap(faults.CategoryTUF, "tuf_metadata_malformed", "root payload is malformed", err)
	}
	if err := m.checkExpiry(RoleRoot, root.Expires); err != nil {
		return err
	}
	// root is self-signed under its own key set
	if err := verifyEnvelope(rootEnv, &root, RoleRoot); err != nil {
		return err
	}

	// 1. timestamp: signature, threshold, expiry
	timestampEnv, err := readEnvelope(dir, RoleTimestamp)
	if err != nil {
		return err
	}
	var timestamp TimestampPayload
	if err := json.Unmarshal(timestampEnv.Signed, &timestamp); err != nil {
		return faults.Wrap(faults.CategoryTUF, "tuf_metadata_malformed", "timestamp payload is malformed", err)
	}
	if err := verifyEnvelope(timestampEnv, &root, RoleTimestamp); err != nil {
		return err
	}
	if err := m.checkExpiry(RoleTimestamp, timestamp.Expires); err != nil {
		return err
	}

	// 2. snapshot at the version (and bytes) timestamp names
	snapshotRef, ok := timestamp.Meta[fileFor(RoleSnapshot)]
	if !ok {
		return faults.New(faults.CategoryTUF, "tuf_metadata_malformed", "timestamp does not name a snapshot")
	}
	snapshotBytes, err := os.ReadFile(filepath.Join(dir, fileFor(RoleSnapshot)))
	if err != nil {
		return faults.Wrap(faults.CategoryTUF, "tuf_metadata_missing", "snapshot metadata not found", err)
	}
	if expected, ok := snapshotRef.Hashes["sha256"]; ok {
		sum := sha256.Sum256(snapshotBytes)
		if hex.EncodeToString(sum[:]) != expected {
			return faults.New(faults.CategoryTUF, "tuf_snapshot_mismatch",
				"snapshot bytes do not match the timestamped hash")
		}
	}

	snapshotEnv, err := readEnvelope(dir, RoleSnapshot)
	if err != nil {
		return err
	}
	var snapshot SnapshotPayload
	if err := json.Unmarshal(snapshotEnv.Signed, &snapshot); err != nil {
		return faults.Wrap(faults.CategoryTUF, "tuf_metadata_malformed", "snapshot payload is malformed", err)
	}
	if err := verifyEnvelope(snapshotEnv, &root, RoleSnapshot); err != nil {
		return err
	}
	if err := m.checkExpiry(RoleSnapshot, snapshot.Expires); err != nil {
		return err
	}
	if snapshot.Version != snapshotRef.Version {
		return faults.New(faults.CategoryTUF, "tuf_version_mismatch",
			fmt.Sprintf("snapshot version %d does not match timestamped version %d",
				snapshot.Version, snapshotRef.Version))
	}

	// 3. targets at the version snapshot names
	targetsRef, ok := snapshot.Meta[fileFor(RoleTargets)]
	if !ok {
		return faults.New(faults.CategoryTUF, "tuf_metadata_malformed", "snapshot does not name targets")
	}
	targetsEnv, err := readEnvelope(dir, RoleTargets)
	if err != nil {
		return err
	}
	var targets TargetsPayload
	if err := json.Unmarshal(targetsEnv.Signed, &targets); err != nil {
		return faults.Wrap(faults.CategoryTUF, "tuf_metadata_malformed", "targets payload is malformed", err)
	}
	if err := verifyEnvelope(targetsEnv, &root, RoleTargets); err != nil {
		return err
	}
	if targets.Version != targetsRef.Version {
		return faults.New(faults.CategoryTUF, "tuf_version_mismatch",
			fmt.Sprintf("targets version %d does not match snapshot version %d",
				targets.Version, targetsRef.Version))
	}

	// 4. each desired target: length and hash
	for name, data := range targetFiles {
		meta, ok := targets.Targets[name]
		if !ok {
			return faults.New(faults.CategoryTUF, "tuf_target_missing",
				"file is not listed in targets metadata").WithRef(name)
		}
		if int64(len(data)) != meta.Length {
			return faults.New(faults.CategoryTUF, "tuf_target_mismatch",
				fmt.Sprintf("length %d does not match targets metadata %d", len(data), meta.Length)).WithRef(name)
		}
		expected, ok := meta.Hashes["sha256"]
		if !ok {
			return faults.New(faults.CategoryTUF, "tuf_target_mismatch",
				"targets metadata carries no sha256 for file").WithRef(name)
		}
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != expected {
			return faults.New(faults.CategoryTUF, "tuf_target_mismatch",
				"file hash does not match targets metadata").WithRef(name)
		}
	}

	return nil
}

// checkExpiry fails on metadata past its expiration
func (m *Manager) checkExpiry(role, expires string) error {
	deadline, err := time.Parse(time.RFC3339, expires)
	if err != nil {
		return faults.Wrap(faults.CategoryTUF, "tuf_metadata_malformed",
			fmt.Sprintf("%s expiry is not RFC3339", role), err)
	}
	if m.Now().UTC().After(deadline) {
		return faults.New(faults.CategoryTUF, "tuf_expired",
			fmt.Sprintf("%s metadata expired at %s", role, expires))
	}
	return nil
}

// verifyEnvelope checks signatures against the root-declared key set and
// enforces the role's threshold with distinct keys.
func verifyEnvelope(env *Envelope, root *RootPayload, role string) error {
	roleKeys, ok := root.Roles[role]
	if !ok {
		return faults.New(faults.CategoryTUF, "tuf_metadata_malformed",
			fmt.Sprintf("root does not declare role %s", role))
	}
	allowed := make(map[string]bool, len(roleKeys.KeyIDs))
	for _, keyID := range roleKeys.KeyIDs {
		allowed[keyID] = true
	}

	canonical, err := cjson.EncodeCanonical(json.RawMessage(env.Signed))
	if err != nil {
		return fmt.Errorf("failed to canonicalize %s payload: %w", role, err)
	}

	validSigners := make(map[string]bool)
	for _, sig := range env.Signatures {
		if !allowed[sig.KeyID] {
			continue
		}
		key, ok := root.Keys[sig.KeyID]
		if !ok {
			continue
		}
		publicBytes, err := hex.DecodeString(key.Public)
		if err != nil || len(publicBytes) != ed25519.PublicKeySize {
			continue
		}
		sigBytes, err := hex.DecodeString(sig.Sig)
		if err != nil {
			continue
		}
		if ed25519.Verify(ed25519.PublicKey(publicBytes), canonical, sigBytes) {
			validSigners[sig.KeyID] = true
		}
	}

	if len(validSigners) < roleKeys.Threshold {
		return faults.New(faults.CategoryTUF, "tuf_threshold_unmet",
			fmt.Sprintf("%s has %d valid signature(s), threshold is %d",
				role, len(validSigners), roleKeys.Threshold))
	}
	return nil
}
