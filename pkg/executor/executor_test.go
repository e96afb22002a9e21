package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssahani/guestkit-worker/pkg/job"
	"github.com/ssahani/guestkit-worker/pkg/jobserrors"
	"github.com/ssahani/guestkit-worker/pkg/progress"
	"github.com/ssahani/guestkit-worker/pkg/registry"
)

type scriptedHandler struct {
	name string
	ops  []string
	run  func(ec *registry.ExecutionContext, doc *job.Document) (map[string]any, error)

	invocations int64
}

func (h *scriptedHandler) Name() string                 { return h.name }
func (h *scriptedHandler) SupportedOperations() []string { return h.ops }
func (h *scriptedHandler) Supports(op string) bool {
	for _, o := range h.ops {
		if o == op {
			return true
		}
	}
	return false
}
func (h *scriptedHandler) Validate(*job.Document) error { return nil }
func (h *scriptedHandler) Execute(ec *registry.ExecutionContext, doc *job.Document) (map[string]any, error) {
	atomic.AddInt64(&h.invocations, 1)
	return h.run(ec, doc)
}

func newTestExecutor(t *testing.T, cfg Config, handlers ...registry.Handler) (*Executor, *progress.Tracker) {
	reg := registry.New()
	for _, h := range handlers {
		require.NoError(t, reg.Register(h))
	}
	tracker := progress.NewTracker(64)
	tracker.Start()
	t.Cleanup(tracker.Stop)

	exec, err := New(cfg, reg, tracker)
	require.NoError(t, err)
	return exec, tracker
}

func echoDoc(t *testing.T, idempotencyKey string) *job.Document {
	b := job.NewBuilder().
		WithOperation("system.echo").
		WithPayload("system.echo.v1", map[string]string{"message": "hi"}).
		WithTimeoutSeconds(5)
	if idempotencyKey != "" {
		b = b.WithIdempotencyKey(idempotencyKey)
	}
	doc, err := b.Build()
	require.NoError(t, err)
	return doc
}

// S1 — echo happy path.
func TestRunEchoHappyPath(t *testing.T) {
	echo := &scriptedHandler{
		name: "echo",
		ops:  []string{"system.echo"},
		run: func(ec *registry.ExecutionContext, doc *job.Document) (map[string]any, error) {
			return map[string]any{"message": "hi"}, nil
		},
	}
	exec, _ := newTestExecutor(t, Config{MaxConcurrentJobs: 4}, echo)

	result := exec.Run(context.Background(), echoDoc(t, ""))

	assert.Equal(t, "completed", result.Status)
	assert.Equal(t, "hi", result.Outputs["message"])
	assert.GreaterOrEqual(t, result.ExecutionSummary.DurationSeconds, 0.0)
}

// S2 — checksum mismatch: handler must never be invoked.
func TestRunChecksumMismatchNeverInvokesHandler(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "image-*.raw")
	require.NoError(t, err)
	_, err = f.Write(make([]byte, 10*1024*1024))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	inspect := &scriptedHandler{
		name: "inspect",
		ops:  []string{"guestkit.inspect"},
		run: func(ec *registry.ExecutionContext, doc *job.Document) (map[string]any, error) {
			t.Fatal("handler must not be invoked on checksum mismatch")
			return nil, nil
		},
	}
	exec, _ := newTestExecutor(t, Config{MaxConcurrentJobs: 4}, inspect)

	zeroChecksum := strings.Repeat("0", 64)
	payload := fmt.Sprintf(`{"image":{"path":%q,"format":"raw","checksum":"sha256:%s"}}`, f.Name(), zeroChecksum)

	doc, err := job.NewBuilder().
		WithOperation("guestkit.inspect").
		WithPayload("guestkit.inspect.v1", json.RawMessage(payload)).
		WithTimeoutSeconds(5).
		Build()
	require.NoError(t, err)

	result := exec.Run(context.Background(), doc)

	assert.Equal(t, "failed", result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, "checksum_mismatch", result.Error.Code)
	assert.Equal(t, int64(0), atomic.LoadInt64(&inspect.invocations))
}

// S3 — idempotency: second submission with the same key is not re-executed.
func TestRunIdempotentSubmissionsShareOneInvocation(t *testing.T) {
	echo := &scriptedHandler{
		name: "echo",
		ops:  []string{"system.echo"},
		run: func(ec *registry.ExecutionContext, doc *job.Document) (map[string]any, error) {
			return map[string]any{"message": "hi"}, nil
		},
	}
	exec, _ := newTestExecutor(t, Config{MaxConcurrentJobs: 4}, echo)

	first := echoDoc(t, "k-1")
	second := echoDoc(t, "k-1")
	require.NotEqual(t, first.JobID, second.JobID)

	r1 := exec.Run(context.Background(), first)
	r2 := exec.Run(context.Background(), second)

	assert.Equal(t, "completed", r1.Status)
	assert.Equal(t, "completed", r2.Status)
	assert.Equal(t, int64(1), atomic.LoadInt64(&echo.invocations))
}

// S4 — concurrency cap: never more than MaxConcurrentJobs handlers run at once.
func TestRunRespectsConcurrencyCap(t *testing.T) {
	const concurrencyCap = 2
	var current, maxSeen int64

	slow := &scriptedHandler{
		name: "slow",
		ops:  []string{"system.echo"},
		run: func(ec *registry.ExecutionContext, doc *job.Document) (map[string]any, error) {
			n := atomic.AddInt64(&current, 1)
			for {
				seen := atomic.LoadInt64(&maxSeen)
				if n <= seen || atomic.CompareAndSwapInt64(&maxSeen, seen, n) {
					break
				}
			}
			time.Sleep(100 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return map[string]any{"message": "hi"}, nil
		},
	}
	exec, _ := newTestExecutor(t, Config{MaxConcurrentJobs: concurrencyCap}, slow)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			exec.Run(context.Background(), echoDoc(t, ""))
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&maxSeen), int64(concurrencyCap))
}

// S5 — timeout: handler sleeps longer than the declared timeout.
func TestRunTimesOutWhenHandlerExceedsDeadline(t *testing.T) {
	slow := &scriptedHandler{
		name: "slow",
		ops:  []string{"system.echo"},
		run: func(ec *registry.ExecutionContext, doc *job.Document) (map[string]any, error) {
			select {
			case <-time.After(5 * time.Second):
				return map[string]any{"message": "too late"}, nil
			case <-ec.Context.Done():
				return nil, ec.Context.Err()
			}
		},
	}
	exec, _ := newTestExecutor(t, Config{MaxConcurrentJobs: 4}, slow)

	doc, err := job.NewBuilder().
		WithOperation("system.echo").
		WithPayload("system.echo.v1", map[string]string{"message": "hi"}).
		WithTimeoutSeconds(1).
		Build()
	require.NoError(t, err)

	start := time.Now()
	result := exec.Run(context.Background(), doc)
	elapsed := time.Since(start)

	assert.Equal(t, "timeout", result.Status)
	assert.Less(t, elapsed, 2*time.Second)
}

// A job with timeout_seconds = 0 transitions immediately to Timeout.
func TestRunExplicitZeroTimeoutIsImmediate(t *testing.T) {
	neverCalled := &scriptedHandler{
		name: "echo",
		ops:  []string{"system.echo"},
		run: func(ec *registry.ExecutionContext, doc *job.Document) (map[string]any, error) {
			t.Fatal("handler must not run when timeout_seconds is explicitly 0")
			return nil, nil
		},
	}
	exec, _ := newTestExecutor(t, Config{MaxConcurrentJobs: 4}, neverCalled)

	doc, err := job.NewBuilder().
		WithOperation("system.echo").
		WithPayload("system.echo.v1", map[string]string{"message": "hi"}).
		WithTimeoutSeconds(0).
		Build()
	require.NoError(t, err)

	result := exec.Run(context.Background(), doc)
	assert.Equal(t, "timeout", result.Status)
}

// An ordinary handler-returned error is classified as handler_error, not
// handler_panic.
func TestRunOrdinaryHandlerErrorIsNotClassifiedAsPanic(t *testing.T) {
	failing := &scriptedHandler{
		name: "echo",
		ops:  []string{"system.echo"},
		run: func(ec *registry.ExecutionContext, doc *job.Document) (map[string]any, error) {
			return nil, fmt.Errorf("boom")
		},
	}
	exec, _ := newTestExecutor(t, Config{MaxConcurrentJobs: 4}, failing)

	result := exec.Run(context.Background(), echoDoc(t, ""))

	assert.Equal(t, "failed", result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, string(jobserrors.HandlerError), result.Error.Code)
}

// A recovered panic is classified distinctly from an ordinary error.
func TestRunHandlerPanicIsClassifiedAsPanic(t *testing.T) {
	panicking := &scriptedHandler{
		name: "echo",
		ops:  []string{"system.echo"},
		run: func(ec *registry.ExecutionContext, doc *job.Document) (map[string]any, error) {
			panic("handler blew up")
		},
	}
	exec, _ := newTestExecutor(t, Config{MaxConcurrentJobs: 4}, panicking)

	result := exec.Run(context.Background(), echoDoc(t, ""))

	assert.Equal(t, "failed", result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, string(jobserrors.HandlerPanic), result.Error.Code)
}

// A handler that wraps its error with jobserrors.Recoverable is retried
// until an attempt succeeds.
func TestRunDeclaredRecoverableErrorIsRetried(t *testing.T) {
	var attempts int64
	flaky := &scriptedHandler{
		name: "echo",
		ops:  []string{"system.echo"},
		run: func(ec *registry.ExecutionContext, doc *job.Document) (map[string]any, error) {
			n := atomic.AddInt64(&attempts, 1)
			if n < 2 {
				return nil, jobserrors.Recoverable(fmt.Errorf("transient"))
			}
			return map[string]any{"message": "hi"}, nil
		},
	}
	exec, _ := newTestExecutor(t, Config{
		MaxConcurrentJobs: 4,
		Retry:             RetryPolicy{BaseDelay: time.Millisecond, Factor: 1, CapDelay: 10 * time.Millisecond},
	}, flaky)

	doc, err := job.NewBuilder().
		WithOperation("system.echo").
		WithPayload("system.echo.v1", map[string]string{"message": "hi"}).
		WithTimeoutSeconds(5).
		Build()
	require.NoError(t, err)
	doc.Execution.RetryPolicy = &job.RetryPolicy{MaxAttempts: 3}

	result := exec.Run(context.Background(), doc)

	assert.Equal(t, "completed", result.Status)
	assert.Equal(t, int64(2), atomic.LoadInt64(&attempts))
}

// A handler result whose serialized size exceeds the artefact ceiling is
// reported as an internal error rather than returned.
func TestRunOversizeArtefactIsInternalError(t *testing.T) {
	huge := &scriptedHandler{
		name: "echo",
		ops:  []string{"system.echo"},
		run: func(ec *registry.ExecutionContext, doc *job.Document) (map[string]any, error) {
			return map[string]any{"blob": strings.Repeat("x", maxArtefactBytes+1)}, nil
		},
	}
	exec, _ := newTestExecutor(t, Config{MaxConcurrentJobs: 4}, huge)

	result := exec.Run(context.Background(), echoDoc(t, ""))

	assert.Equal(t, "failed", result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, string(jobserrors.InternalError), result.Error.Code)
}
