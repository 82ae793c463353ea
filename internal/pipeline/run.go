// Package pipeline composes the components into named pipelines and owns
// the audit chain. The coordinator is single-threaded at the outer level;
// parallelism lives inside stages.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/chiron-dev/chiron/internal/attest"
	"github.com/chiron-dev/chiron/internal/faults"
	"github.com/chiron-dev/chiron/internal/models"
	"github.com/chiron-dev/chiron/internal/observability"
	"github.com/chiron-dev/chiron/internal/observability/audit"
	"github.com/chiron-dev/chiron/internal/store"
	"github.com/chiron-dev/chiron/internal/toolexec"
	"github.com/chiron-dev/chiron/internal/tufmeta"
)

// Config is the coordinator's full dependency set, passed explicitly.
// There is no hidden global state; construction happens once per process
// at the CLI boundary.
type Config struct {
	Store    *store.Store
	Tools    *toolexec.Adapter
	Keys     tufmeta.KeyProvider
	Policy   *models.PolicyDocument
	Signer   *attest.Signer
	Verifier *attest.Verifier
	// AuditSink mirrors the run's audit chain; nil disables persistence.
	AuditSink audit.Writer

	// BuilderID is recorded in provenance.
	BuilderID string
	// CommitRef is recorded opaque in the bundle manifest.
	CommitRef string

	IndexURL       string
	ExtraIndexURLs []string

	// WheelFailureTolerance is how many wheel-loop failures may accumulate
	// before the build aborts (default 0: any failure aborts).
	WheelFailureTolerance int
	// RebuildTolerance is the fraction of wheels allowed to miss
	// normalized reproducibility.
	RebuildTolerance float64

	// Workers bounds the wheel loop; 0 means runtime.NumCPU().
	Workers int

	// Now is the clock; swappable for tests.
	Now func() time.Time
}

func (c *Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Run tracks one pipeline execution through its state machine:
// pending -> running(step) -> succeeded | failed(step, kind) | cancelled.
type Run struct {
	ID         string
	State      models.RunState
	Step       string
	FailedStep string
	ErrorKind  string
	Chain      *audit.Chain
}

// newRun starts the state machine in pending
func (c *Config) newRun(ctx context.Context) *Run {
	id := observability.RunID(ctx)
	if id == "" {
		id = uuid.NewString()
	}
	return &Run{
		ID:    id,
		State: models.RunPending,
		Chain: audit.NewChain(c.AuditSink),
	}
}

// step executes one stage, recording the transition and the audit record.
// A cancelled context marks the run cancelled; any error is terminal.
func (r *Run) step(ctx context.Context, clock func() time.Time, stepID string, inputsDigest string, fn func() (outputsDigest string, err error)) error {
	if err := ctx.Err(); err != nil {
		r.State = models.RunCancelled
		r.FailedStep = stepID
		return faults.Wrap(faults.CategoryInternal, "run_cancelled", "pipeline run cancelled", err)
	}

	r.State = models.RunRunning
	r.Step = stepID
	started := clock().UTC()

	outputsDigest, err := fn()

	rec := models.AuditRecord{
		StepID:        stepID,
		StartedAt:     started.Format(time.RFC3339),
		EndedAt:       clock().UTC().Format(time.RFC3339),
		InputsDigest:  inputsDigest,
		OutputsDigest: outputsDigest,
		Outcome:       models.AuditOK,
	}
	if err != nil {
		rec.Outcome = models.AuditFailed
		rec.Details = map[string]any{
			"category": string(faults.CategoryOf(err)),
			"kind":     faults.KindOf(err),
			"error":    err.Error(),
		}
	}
	_ = r.Chain.Append(rec)

	if err != nil {
		if ctx.Err() != nil {
			r.State = models.RunCancelled
		} else {
			r.State = models.RunFailed
		}
		r.FailedStep = stepID
		r.ErrorKind = faults.KindOf(err)
		return err
	}
	return nil
}

// finish marks a clean run
func (r *Run) finish() {
	if r.State == models.RunRunning {
		r.State = models.RunSucceeded
		r.Step = ""
	}
}
