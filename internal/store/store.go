// Package store implements the content-addressed artifact store. Blobs are
// keyed by sha256 digest; put is idempotent and a digest collision with
// different content halts the pipeline.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/opencontainers/go-digest"

	"github.com/chiron-dev/chiron/internal/faults"
)

// ErrNotFound is returned by Get for unknown digests
var ErrNotFound = errors.New("blob not found")

// Store is a filesystem-backed content-addressed blob store.
// Layout: <root>/blobs/sha256/<hex[:2]>/<hex>
type Store struct {
	root string
	mu   sync.Mutex // serializes writers per store; reads are lock-free
}

// Open binds a store to a directory, creating the layout on first use
func Open(root string) (*Store, error) {
	if root == "" {
		return nil, faults.New(faults.CategoryInputInvalid, "store_root_empty", "artifact store root is empty")
	}
	if err := os.MkdirAll(filepath.Join(root, "blobs", "sha256"), 0755); err != nil {
		return nil, fmt.Errorf("failed to initialize artifact store: %w", err)
	}
	return &Store{root: root}, nil
}

// Root directory of the store
func (s *Store) Root() string {
	return s.root
}

func (s *Store) blobPath(hex string) string {
	return filepath.Join(s.root, "blobs", "sha256", hex[:2], hex)
}

// Put writes bytes and returns the digest. Idempotent: a second put of the
// same content converges to the existing blob. A pre-existing blob whose
// content does not match the digest is a fatal integrity breach.
func (s *Store) Put(data []byte) (digest.Digest, error) {
	sum := sha256.Sum256(data)
	hexDigest := hex.EncodeToString(sum[:])
	dgst := digest.NewDigestFromEncoded(digest.SHA256, hexDigest)

	s.mu.Lock()
	defer s.mu.Unlock()

	dest := s.blobPath(hexDigest)
	if existing, err := os.ReadFile(dest); err == nil {
		// put-if-absent: verify the resident blob
		existingSum := sha256.Sum256(existing)
		if existingSum != sum {
			return "", faults.New(faults.CategoryInternal, "digest_collision",
				"stored blob does not match its digest").WithRef(string(dgst))
		}
		return dgst, nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", fmt.Errorf("failed to create blob directory: %w", err)
	}

	// single-writer-wins: write to a temp file, fsync, then rename
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".put-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp blob: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to sync blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close blob: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return "", fmt.Errorf("failed to promote blob: %w", err)
	}

	return dgst, nil
}

// PutFile reads a whole file into memory and stores its bytes
func (s *Store) PutFile(path string) (digest.Digest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return s.Put(data)
}

// Get returns the blob bytes for a digest, or ErrNotFound
func (s *Store) Get(dgst digest.Digest) ([]byte, error) {
	if err := dgst.Validate(); err != nil {
		return nil, faults.Wrap(faults.CategoryInputInvalid, "bad_digest", "malformed digest", err).WithRef(string(dgst))
	}
	data, err := os.ReadFile(s.blobPath(dgst.Encoded()))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, dgst)
		}
		return nil, fmt.Errorf("failed to read blob %s: %w", dgst, err)
	}
	return data, nil
}

// Has reports whether a digest is resident
func (s *Store) Has(dgst digest.Digest) bool {
	_, err := os.Stat(s.blobPath(dgst.Encoded()))
	return err == nil
}

// Link materializes a blob at a logical path, hardlinking when the
// filesystem allows it and copying otherwise.
func (s *Store) Link(dgst digest.Digest, logicalPath string) error {
	src := s.blobPath(dgst.Encoded())
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, dgst)
	}
	if err := os.MkdirAll(filepath.Dir(logicalPath), 0755); err != nil {
		return fmt.Errorf("failed to create link directory: %w", err)
	}
	if err := os.Link(src, logicalPath); err == nil {
		return nil
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read blob %s: %w", dgst, err)
	}
	if err := os.WriteFile(logicalPath, data, 0644); err != nil {
		return fmt.Errorf("failed to copy blob to %s: %w", logicalPath, err)
	}
	return nil
}

// List returns the resident digests whose hex begins with prefix, sorted
func (s *Store) List(prefix string) ([]digest.Digest, error) {
	base := filepath.Join(s.root, "blobs", "sha256")
	var out []digest.Digest
	err := filepath.WalkDir(base, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		if strings.HasPrefix(d.Name(), prefix) {
			out = append(out, digest.NewDigestFromEncoded(digest.SHA256, d.Name()))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list blobs: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// GC removes blobs not in the referenced set and returns what was removed
func (s *Store) GC(referenced map[digest.Digest]bool) ([]digest.Digest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.List("")
	if err != nil {
		return nil, err
	}
	var removed []digest.Digest
	for _, dgst := range all {
		if referenced[dgst] {
			continue
		}
		if err := os.Remove(s.blobPath(dgst.Encoded())); err != nil {
			return removed, fmt.Errorf("failed to remove blob %s: %w", dgst, err)
		}
		removed = append(removed, dgst)
	}
	return removed, nil
}

// HashReader computes the sha256 of a stream as hex
func HashReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashFile computes the sha256 of a file as hex
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return HashReader(f)
}
