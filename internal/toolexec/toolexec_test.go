package toolexec

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/chiron-dev/chiron/internal/faults"
)

func stubAdapter() *Adapter {
	a := &Adapter{
		lookPath: func(name string) (string, error) { return "/usr/bin/" + name, nil },
		sleep:    func(time.Duration) {},
	}
	return a
}

func TestRunToolMissing(t *testing.T) {
	a := stubAdapter()
	a.lookPath = func(name string) (string, error) { return "", errors.New("not found") }

	_, err := a.Run(context.Background(), Invocation{Tag: TagSBOM})
	if err == nil {
		t.Fatal("missing tool not reported")
	}
	var f *faults.Error
	if !errors.As(err, &f) || f.Category != faults.CategoryToolMissing {
		t.Errorf("expected tool_missing, got %v", err)
	}
	if f.Hint == "" {
		t.Error("tool_missing must carry an install hint")
	}
	if f.Ref != "syft" {
		t.Errorf("tool_missing must name the expected binary, got %q", f.Ref)
	}
}

func TestRunUnknownTag(t *testing.T) {
	a := stubAdapter()
	if _, err := a.Run(context.Background(), Invocation{Tag: Tag("mystery")}); err == nil {
		t.Fatal("unknown tag accepted")
	}
}

func TestRetriesTransientOnly(t *testing.T) {
	a := stubAdapter()
	attempts := 0
	a.run = func(ctx context.Context, bin string, inv Invocation) (*Record, error) {
		attempts++
		if attempts < 3 {
			return &Record{Tag: inv.Tag, Exit: 1}, faults.New(faults.CategoryToolFailed, "tool_transient", "connection reset")
		}
		return &Record{Tag: inv.Tag, Exit: 0}, nil
	}

	rec, err := a.Run(context.Background(), Invocation{Tag: TagResolve})
	if err != nil {
		t.Fatalf("transient failure not retried to success: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
	if rec.Attempts != 3 {
		t.Errorf("record should carry the attempt count, got %d", rec.Attempts)
	}
}

func TestNeverRetriesSign(t *testing.T) {
	a := stubAdapter()
	attempts := 0
	a.run = func(ctx context.Context, bin string, inv Invocation) (*Record, error) {
		attempts++
		return &Record{Tag: inv.Tag, Exit: 1}, faults.New(faults.CategoryToolFailed, "tool_transient", "connection reset")
	}

	if _, err := a.Run(context.Background(), Invocation{Tag: TagSign}); err == nil {
		t.Fatal("sign failure swallowed")
	}
	if attempts != 1 {
		t.Errorf("sign must never retry, got %d attempts", attempts)
	}
}

func TestNeverRetriesBuild(t *testing.T) {
	a := stubAdapter()
	attempts := 0
	a.run = func(ctx context.Context, bin string, inv Invocation) (*Record, error) {
		attempts++
		return &Record{Tag: inv.Tag, Exit: 1}, faults.New(faults.CategoryToolFailed, "tool_transient", "connection reset")
	}

	if _, err := a.Run(context.Background(), Invocation{Tag: TagBuildWheel}); err == nil {
		t.Fatal("build failure swallowed")
	}
	if attempts != 1 {
		t.Errorf("build must never retry, got %d attempts", attempts)
	}
}

func TestRetriesGiveUpAfterSchedule(t *testing.T) {
	a := stubAdapter()
	attempts := 0
	a.run = func(ctx context.Context, bin string, inv Invocation) (*Record, error) {
		attempts++
		return &Record{Tag: inv.Tag, Exit: 1}, faults.New(faults.CategoryToolFailed, "tool_transient", "proxy error")
	}

	if _, err := a.Run(context.Background(), Invocation{Tag: TagScan}); err == nil {
		t.Fatal("persistent transient failure swallowed")
	}
	// initial attempt plus one per backoff step
	if attempts != len(retrySchedule)+1 {
		t.Errorf("expected %d attempts, got %d", len(retrySchedule)+1, attempts)
	}
}

func TestNonTransientNotRetried(t *testing.T) {
	a := stubAdapter()
	attempts := 0
	a.run = func(ctx context.Context, bin string, inv Invocation) (*Record, error) {
		attempts++
		return &Record{Tag: inv.Tag, Exit: 2}, faults.New(faults.CategoryToolFailed, "tool_nonzero_exit", "boom")
	}

	if _, err := a.Run(context.Background(), Invocation{Tag: TagScan}); err == nil {
		t.Fatal("failure swallowed")
	}
	if attempts != 1 {
		t.Errorf("non-transient failures must not retry, got %d attempts", attempts)
	}
}

func TestTimeoutForOverridesUpwardOnly(t *testing.T) {
	base := defaultTimeouts[TagSBOM]
	if got := TimeoutFor(TagSBOM, base/2); got != base {
		t.Errorf("downward override accepted: %v", got)
	}
	if got := TimeoutFor(TagSBOM, base*2); got != base*2 {
		t.Errorf("upward override ignored: %v", got)
	}
}

func TestTimeoutEnvKnob(t *testing.T) {
	t.Setenv("CHIRON_TOOL_TIMEOUT_SCAN", "600")
	if got := TimeoutFor(TagScan, 0); got != 600*time.Second {
		t.Errorf("env knob ignored: %v", got)
	}
}

func TestIsTransientMarkers(t *testing.T) {
	cases := []struct {
		stderr string
		want   bool
	}{
		{"error: Connection reset by peer", true},
		{"503 Service Unavailable", true},
		{"ModuleNotFoundError: no module named foo", false},
	}
	for _, tc := range cases {
		if got := isTransient([]byte(tc.stderr)); got != tc.want {
			t.Errorf("isTransient(%q) = %v, want %v", tc.stderr, got, tc.want)
		}
	}
}

func TestStderrTailCaps(t *testing.T) {
	long := make([]byte, stderrTailLimit*2)
	for i := range long {
		long[i] = 'x'
	}
	tail := stderrTail(long)
	if len(tail) > stderrTailLimit+3 {
		t.Errorf("tail not capped: %d bytes", len(tail))
	}
}

func TestRunRealProcess(t *testing.T) {
	// exercise the real executor against a binary every host has
	a := New()
	a.Overrides = map[Tag]string{TagScan: "true"}

	rec, err := a.Run(context.Background(), Invocation{Tag: TagScan})
	if err != nil {
		t.Fatalf("trivial process failed: %v", err)
	}
	if rec.Exit != 0 {
		t.Errorf("expected exit 0, got %d", rec.Exit)
	}
	if rec.Duration <= 0 {
		t.Error("duration not captured")
	}
}

func TestRunRealProcessNonzero(t *testing.T) {
	a := New()
	a.Overrides = map[Tag]string{TagScan: "false"}

	_, err := a.Run(context.Background(), Invocation{Tag: TagScan})
	if err == nil {
		t.Fatal("non-zero exit swallowed")
	}
	if faults.KindOf(err) != "tool_nonzero_exit" {
		t.Errorf("expected tool_nonzero_exit, got %v", err)
	}
}

func TestExitCodeMessageFormat(t *testing.T) {
	err := faults.New(faults.CategoryToolFailed, "tool_nonzero_exit", fmt.Sprintf("%s exited %d", "uv", 2))
	if faults.ExitCode(err) != faults.ExitUnexpected {
		t.Errorf("tool_failed should map to exit 1, got %d", faults.ExitCode(err))
	}
}
