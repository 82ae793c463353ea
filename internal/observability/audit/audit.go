// Package audit provides the append-only audit chain for pipeline runs.
// Records are returned by components and written by a single owner (the
// pipeline coordinator); the chain's root digest is bound into provenance.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/chiron-dev/chiron/internal/models"
)

// Writer persists audit records
type Writer interface {
	Write(r models.AuditRecord) error
	Close() error
}

type writerKey struct{}

// WithWriter stores the audit writer in context
func WithWriter(ctx context.Context, w Writer) context.Context {
	return context.WithValue(ctx, writerKey{}, w)
}

// From retrieves the audit writer from context; nil when auditing is off
func From(ctx context.Context) Writer {
	w, _ := ctx.Value(writerKey{}).(Writer)
	return w
}

// fileWriter appends JSONL, one record per line
type fileWriter struct {
	mu   sync.Mutex
	file *os.File
}

// NewWriter opens (or creates) an append-only audit log at path
func NewWriter(path string) (Writer, error) {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create audit log directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return &fileWriter{file: f}, nil
}

func (w *fileWriter) Write(r models.AuditRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}
	data = append(data, '\n')

	if _, err := w.file.Write(data); err != nil {
		return fmt.Errorf("failed to write audit record: %w", err)
	}
	return nil
}

func (w *fileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		return w.file.Close()
	}
	return nil
}

// Chain accumulates the records of one run and computes the rolling
// root digest: root_n = sha256(root_{n-1} || sha256(record_n)).
type Chain struct {
	mu      sync.Mutex
	records []models.AuditRecord
	root    [32]byte
	sink    Writer // optional; records are mirrored here as appended
}

// NewChain starts an empty chain, optionally mirroring to a writer
func NewChain(sink Writer) *Chain {
	return &Chain{sink: sink}
}

// Append adds one record and advances the root digest
func (c *Chain) Append(r models.AuditRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}

	entry := sha256.Sum256(data)
	next := sha256.New()
	next.Write(c.root[:])
	next.Write(entry[:])
	copy(c.root[:], next.Sum(nil))

	c.records = append(c.records, r)

	if c.sink != nil {
		if err := c.sink.Write(r); err != nil {
			return err
		}
	}
	return nil
}

// Records returns a copy of the appended records in order
func (c *Chain) Records() []models.AuditRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.AuditRecord, len(c.records))
	copy(out, c.records)
	return out
}

// RootDigest returns the current chain root as hex
func (c *Chain) RootDigest() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return hex.EncodeToString(c.root[:])
}

// Replay recomputes the root over a record sequence; used to validate
// that a stored log replays to the same root.
func Replay(records []models.AuditRecord) (string, error) {
	chain := NewChain(nil)
	for _, r := range records {
		if err := chain.Append(r); err != nil {
			return "", err
		}
	}
	return chain.RootDigest(), nil
}

// ReadLog loads a JSONL audit log back into records
func ReadLog(path string) ([]models.AuditRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}

	var records []models.AuditRecord
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			line := data[start:i]
			lineStart := start
			start = i + 1
			if len(line) == 0 {
				continue
			}
			var r models.AuditRecord
			if err := json.Unmarshal(line, &r); err != nil {
				return nil, fmt.Errorf("malformed audit record at byte %d: %w", lineStart, err)
			}
			records = append(records, r)
		}
	}
	return records, nil
}
