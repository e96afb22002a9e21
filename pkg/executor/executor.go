// Package executor implements the concurrent executor: the scheduling
// heart described in spec.md §4.5 — bounded parallelism, idempotency,
// checksum verification, timeout/cancellation, retry, and progress relay.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/semaphore"

	"github.com/ssahani/guestkit-worker/pkg/job"
	"github.com/ssahani/guestkit-worker/pkg/jobserrors"
	"github.com/ssahani/guestkit-worker/pkg/log"
	"github.com/ssahani/guestkit-worker/pkg/metrics"
	"github.com/ssahani/guestkit-worker/pkg/progress"
	"github.com/ssahani/guestkit-worker/pkg/registry"
)

const checksumChunkSize = 8 * 1024

// RetryPolicy configures the executor's backoff between attempts.
type RetryPolicy struct {
	BaseDelay time.Duration
	Factor    float64
	CapDelay  time.Duration
	Jitter    float64
}

// Config configures an Executor.
type Config struct {
	WorkerID              string
	MaxConcurrentJobs     int
	IdempotencyCacheSize  int
	DefaultTimeoutSeconds int
	Retry                 RetryPolicy
}

// Executor is the bounded-concurrency job runner. Its public contract is
// Run(doc) -> Result, embodying the full per-job lifecycle of spec.md §4.5.
type Executor struct {
	cfg      Config
	registry *registry.Registry
	tracker  *progress.Tracker
	sem      *semaphore.Weighted

	idemMu    sync.Mutex
	idempotent *lru.Cache

	inflightMu sync.Mutex
	inflight   map[string]context.CancelFunc
}

// New builds an Executor bound to reg and tracker.
func New(cfg Config, reg *registry.Registry, tracker *progress.Tracker) (*Executor, error) {
	size := cfg.IdempotencyCacheSize
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("creating idempotency cache: %w", err)
	}

	concurrency := cfg.MaxConcurrentJobs
	if concurrency <= 0 {
		concurrency = 4
	}

	return &Executor{
		cfg:        cfg,
		registry:   reg,
		tracker:    tracker,
		sem:        semaphore.NewWeighted(int64(concurrency)),
		idempotent: cache,
		inflight:   make(map[string]context.CancelFunc),
	}, nil
}

// Cancel cancels an in-flight job's execution context, if any.
func (e *Executor) Cancel(jobID string) bool {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	cancel, ok := e.inflight[jobID]
	if ok {
		cancel()
	}
	return ok
}

func idempotencyCacheKey(operation, key string) string {
	return operation + "\x00" + key
}

// Run executes doc's full lifecycle and returns a terminal job.Result.
// Run never returns an error itself: every outcome, including internal
// failures, is represented in the returned Result, per spec.md §7.
func (e *Executor) Run(ctx context.Context, doc *job.Document) *job.Result {
	logger := log.WithOperation(doc.JobID, doc.Operation)
	startedAt := time.Now()

	// 2. Idempotency check.
	if key := doc.IdempotencyKey(); key != "" {
		e.idemMu.Lock()
		cached, ok := e.idempotent.Get(idempotencyCacheKey(doc.Operation, key))
		e.idemMu.Unlock()
		if ok {
			logger.Info().Str("idempotency_key", key).Msg("returning cached result for idempotency key")
			return cached.(*job.Result)
		}
	}

	// 3. Handler lookup.
	handler, ok := e.registry.GetByOperation(doc.Operation)
	if !ok {
		return e.terminal(doc, startedAt, 1, jobserrors.New(jobserrors.NoHandler, "dispatch", fmt.Sprintf("no handler for operation %q", doc.Operation)).WithRecoverable(false))
	}

	if err := handler.Validate(doc); err != nil {
		return e.terminal(doc, startedAt, 1, jobserrors.Wrap(jobserrors.InvalidPayload, "validate", "handler rejected payload", err).WithRecoverable(false))
	}

	// 5. Pre-execution hook: checksum verification. The declared image
	// format is not probed here.
	if spec, ok := extractImageSpec(doc); ok {
		if err := e.verifyImage(spec); err != nil {
			return e.terminal(doc, startedAt, 1, err)
		}
	}

	maxAttempts := doc.MaxAttempts()
	var lastErr *jobserrors.JobError
	var outputs map[string]any
	finalAttempt := 1

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			e.sleepBackoff(attempt)
		}

		finalAttempt = attempt
		outputs, lastErr = e.attempt(ctx, doc, handler, attempt)
		if lastErr == nil {
			break
		}
		if !lastErr.Recoverable {
			break
		}
		logger.Warn().Int("attempt", attempt).Err(lastErr).Msg("job attempt failed, may retry")
	}

	result := e.terminal(doc, startedAt, attemptCountOf(lastErr, finalAttempt), lastErr)
	if lastErr == nil {
		result.Outputs = outputs
	}

	if key := doc.IdempotencyKey(); key != "" {
		e.idemMu.Lock()
		e.idempotent.Add(idempotencyCacheKey(doc.Operation, key), result)
		e.idemMu.Unlock()
	}

	e.tracker.Forget(doc.JobID)
	return result
}

func attemptCountOf(err *jobserrors.JobError, fallback int) int {
	if err != nil && err.Attempt > 0 {
		return err.Attempt
	}
	return fallback
}

// attempt runs a single handler execution attempt under the concurrency
// semaphore, timeout, and cancellation.
func (e *Executor) attempt(ctx context.Context, doc *job.Document, handler registry.Handler, attemptNum int) (map[string]any, *jobserrors.JobError) {
	declaredSeconds, declared := doc.TimeoutSeconds()
	if declared && declaredSeconds == 0 {
		return nil, jobserrors.New(jobserrors.Timeout, "dispatch", "timeout_seconds is 0").WithAttempt(attemptNum).WithRecoverable(false)
	}

	timeoutSeconds := declaredSeconds
	if !declared {
		timeoutSeconds = e.cfg.DefaultTimeoutSeconds
	}
	if timeoutSeconds <= 0 {
		return nil, jobserrors.New(jobserrors.Timeout, "dispatch", "no timeout declared and no worker default configured").WithAttempt(attemptNum).WithRecoverable(false)
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, jobserrors.Wrap(jobserrors.Cancelled, "acquire", "failed to acquire concurrency slot", err).WithAttempt(attemptNum)
	}
	defer e.sem.Release(1)

	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
	defer cancel()

	e.inflightMu.Lock()
	e.inflight[doc.JobID] = cancel
	e.inflightMu.Unlock()
	defer func() {
		e.inflightMu.Lock()
		delete(e.inflight, doc.JobID)
		e.inflightMu.Unlock()
	}()

	ec := &registry.ExecutionContext{
		Context:  runCtx,
		JobID:    doc.JobID,
		Progress: e.tracker.Sink(doc.JobID),
	}

	timer := metrics.NewTimer()
	outputs, err := e.runHandlerSafely(ec, handler, doc)

	if err == nil {
		if size, tooBig := outputsTooLarge(outputs); tooBig {
			timer.ObserveDurationVec(metrics.HandlerDuration, handler.Name(), "failed")
			metrics.HandlerExecutionsTotal.WithLabelValues(handler.Name(), "failed").Inc()
			return nil, jobserrors.New(jobserrors.InternalError, "execute",
				fmt.Sprintf("handler result artefact exceeds %d bytes (got %d)", maxArtefactBytes, size)).
				WithAttempt(attemptNum).WithRecoverable(false)
		}
		timer.ObserveDurationVec(metrics.HandlerDuration, handler.Name(), "completed")
		metrics.HandlerExecutionsTotal.WithLabelValues(handler.Name(), "completed").Inc()
		return outputs, nil
	}

	status := "failed"
	kind := jobserrors.HandlerError
	recoverable := false

	var panicErr *handlerPanicError
	var recErr jobserrors.RecoverableError
	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		status, kind = "timeout", jobserrors.Timeout
	case runCtx.Err() == context.Canceled:
		status, kind = "cancelled", jobserrors.Cancelled
	case errors.As(err, &panicErr):
		status, kind = "failed", jobserrors.HandlerPanic
	case errors.As(err, &recErr):
		recoverable = recErr.Recoverable()
	}

	timer.ObserveDurationVec(metrics.HandlerDuration, handler.Name(), status)
	metrics.HandlerExecutionsTotal.WithLabelValues(handler.Name(), status).Inc()
	return nil, jobserrors.Wrap(kind, "execute", "handler execution failed", err).WithAttempt(attemptNum).WithRecoverable(recoverable)
}

// maxArtefactBytes bounds a handler's serialized outputs; larger results
// are reported as an internal error rather than written out.
const maxArtefactBytes = 16 * 1024 * 1024

func outputsTooLarge(outputs map[string]any) (int, bool) {
	data, err := json.Marshal(outputs)
	if err != nil {
		return 0, false
	}
	return len(data), len(data) > maxArtefactBytes
}

// handlerPanicError distinguishes a recovered handler panic from an
// ordinary error a handler returns.
type handlerPanicError struct {
	value any
}

func (e *handlerPanicError) Error() string { return fmt.Sprintf("handler panic: %v", e.value) }

// runHandlerSafely recovers a handler panic into an error so one bad
// handler never crashes the worker process.
func (e *Executor) runHandlerSafely(ec *registry.ExecutionContext, handler registry.Handler, doc *job.Document) (outputs map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &handlerPanicError{value: r}
		}
	}()
	return handler.Execute(ec, doc)
}

// sleepBackoff waits the exponential-with-jitter delay before attemptNum.
func (e *Executor) sleepBackoff(attemptNum int) {
	base := e.cfg.Retry.BaseDelay
	if base == 0 {
		base = time.Second
	}
	factor := e.cfg.Retry.Factor
	if factor == 0 {
		factor = 2
	}
	capDelay := e.cfg.Retry.CapDelay
	if capDelay == 0 {
		capDelay = 30 * time.Second
	}
	jitter := e.cfg.Retry.Jitter
	if jitter == 0 {
		jitter = 0.2
	}

	delay := base
	for i := 1; i < attemptNum-1; i++ {
		delay = time.Duration(float64(delay) * factor)
		if delay > capDelay {
			delay = capDelay
			break
		}
	}

	jitterRange := float64(delay) * jitter
	delay = delay + time.Duration(rand.Float64()*2*jitterRange-jitterRange)
	if delay < 0 {
		delay = 0
	}
	time.Sleep(delay)
}

// terminal builds the final job.Result for either a success (err == nil)
// or a failure, filling in ExecutionSummary per spec.md §4.1.2.
func (e *Executor) terminal(doc *job.Document, startedAt time.Time, attempt int, err *jobserrors.JobError) *job.Result {
	completedAt := time.Now()
	status := "completed"
	var errSummary *jobserrors.JobError

	if err != nil {
		errSummary = err
		switch err.Kind {
		case jobserrors.Timeout:
			status = "timeout"
		case jobserrors.Cancelled:
			status = "cancelled"
		default:
			status = "failed"
		}
	}

	duration := completedAt.Sub(startedAt).Seconds()
	metrics.JobsDuration.WithLabelValues(doc.Operation, status).Observe(duration)
	metrics.JobsTotal.WithLabelValues(doc.Operation, status).Inc()

	result := &job.Result{
		JobID:    doc.JobID,
		Status:   status,
		WorkerID: e.cfg.WorkerID,
		ExecutionSummary: job.ExecutionSummary{
			StartedAt:       startedAt,
			CompletedAt:     completedAt,
			DurationSeconds: duration,
			Attempt:         attempt,
		},
	}

	if errSummary != nil {
		result.Error = &job.ErrorSummary{
			Code:             string(errSummary.Kind),
			Message:          errSummary.Message,
			Phase:            errSummary.Phase,
			Recoverable:      errSummary.Recoverable,
			RetryRecommended: errSummary.Recoverable,
		}
	}

	return result
}

// extractImageSpec looks for an "image" field in the payload data and
// decodes it, if present. Absence is not an error: not every operation
// carries a VM image.
func extractImageSpec(doc *job.Document) (*job.ImageSpec, bool) {
	if len(doc.Payload.Data) == 0 {
		return nil, false
	}
	var wrapper struct {
		Image *job.ImageSpec `json:"image"`
	}
	if err := json.Unmarshal(doc.Payload.Data, &wrapper); err != nil || wrapper.Image == nil {
		return nil, false
	}
	return wrapper.Image, true
}

// verifyImage streams the image file in 8 KiB chunks, validating the
// declared checksum if present.
func (e *Executor) verifyImage(spec *job.ImageSpec) *jobserrors.JobError {
	parsed, err := job.ParseChecksum(spec.Checksum)
	if err != nil {
		metrics.ChecksumVerificationsTotal.WithLabelValues("failure").Inc()
		return jobserrors.Wrap(jobserrors.ChecksumAlgorithmUnsupported, "checksum", "invalid checksum format", err).WithRecoverable(false)
	}
	if parsed == nil {
		metrics.ChecksumVerificationsTotal.WithLabelValues("skipped").Inc()
		return nil
	}

	f, err := os.Open(spec.Path)
	if err != nil {
		metrics.ChecksumVerificationsTotal.WithLabelValues("failure").Inc()
		return jobserrors.Wrap(jobserrors.ChecksumMismatch, "checksum", "failed to open image", err).WithRecoverable(false)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, checksumChunkSize)
	n, err := io.CopyBuffer(h, f, buf)
	if err != nil {
		metrics.ChecksumVerificationsTotal.WithLabelValues("failure").Inc()
		return jobserrors.Wrap(jobserrors.ChecksumMismatch, "checksum", "failed to read image", err).WithRecoverable(false)
	}
	metrics.DiskReadBytesTotal.Add(float64(n))

	actual := hex.EncodeToString(h.Sum(nil))
	if actual != parsed.Hex {
		metrics.ChecksumVerificationsTotal.WithLabelValues("failure").Inc()
		return jobserrors.New(jobserrors.ChecksumMismatch, "checksum", fmt.Sprintf("checksum mismatch: declared %s, actual %s", parsed.Hex, actual)).WithRecoverable(false)
	}

	metrics.ChecksumVerificationsTotal.WithLabelValues("success").Inc()
	return nil
}
