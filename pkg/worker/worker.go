// Package worker composes the registry, executor, transport, progress
// tracker, and metrics into the long-lived worker process described in
// spec.md §4.9. Grounded on the teacher's Worker{Config,Start,Stop}
// shape and its stopCh-gated fetch loop.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ssahani/guestkit-worker/pkg/config"
	"github.com/ssahani/guestkit-worker/pkg/executor"
	"github.com/ssahani/guestkit-worker/pkg/handlers/echo"
	"github.com/ssahani/guestkit-worker/pkg/handlers/inspect"
	"github.com/ssahani/guestkit-worker/pkg/handlers/libvirt"
	"github.com/ssahani/guestkit-worker/pkg/job"
	"github.com/ssahani/guestkit-worker/pkg/jobstate"
	"github.com/ssahani/guestkit-worker/pkg/log"
	"github.com/ssahani/guestkit-worker/pkg/progress"
	"github.com/ssahani/guestkit-worker/pkg/registry"
	"github.com/ssahani/guestkit-worker/pkg/transport"
	"github.com/ssahani/guestkit-worker/pkg/transport/filewatch"
	"github.com/ssahani/guestkit-worker/pkg/transport/httpqueue"
)

// Worker is the composition root: it owns every subsystem and runs the
// fetch -> dispatch -> execute -> ack loop.
type Worker struct {
	cfg       config.Config
	registry  *registry.Registry
	tracker   *progress.Tracker
	executor  *executor.Executor
	transport transport.Transport
	startedAt time.Time

	wg     sync.WaitGroup
	stopCh chan struct{}

	lastTickMu sync.RWMutex
	lastTick   time.Time
}

// New builds a Worker from cfg, wiring the built-in handlers and the
// configured transport.
func New(cfg config.Config) (*Worker, error) {
	reg := registry.New()
	if err := reg.Register(echo.New()); err != nil {
		return nil, fmt.Errorf("registering echo handler: %w", err)
	}
	if err := reg.Register(inspect.New()); err != nil {
		return nil, fmt.Errorf("registering inspect handler: %w", err)
	}
	if cfg.LibvirtURI != "" {
		if err := reg.Register(libvirt.New(cfg.LibvirtURI)); err != nil {
			return nil, fmt.Errorf("registering libvirt handler: %w", err)
		}
	}

	tracker := progress.NewTracker(256)

	exec, err := executor.New(executor.Config{
		WorkerID:              cfg.WorkerID,
		MaxConcurrentJobs:     cfg.MaxConcurrentJobs,
		IdempotencyCacheSize:  cfg.IdempotencyCacheSize,
		DefaultTimeoutSeconds: cfg.DefaultTimeoutSeconds,
		Retry: executor.RetryPolicy{
			BaseDelay: cfg.RetryBaseDelay,
			Factor:    cfg.RetryFactor,
			CapDelay:  cfg.RetryCapDelay,
			Jitter:    cfg.RetryJitter,
		},
	}, reg, tracker)
	if err != nil {
		return nil, fmt.Errorf("building executor: %w", err)
	}

	var tr transport.Transport
	switch cfg.Transport {
	case config.TransportFile:
		tr, err = filewatch.New(cfg.JobsDir, cfg.ResultsDir, cfg.WorkerID)
	case config.TransportHTTP:
		tr = httpqueue.New(cfg.MaxQueueSize)
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Transport)
	}
	if err != nil {
		return nil, fmt.Errorf("building transport: %w", err)
	}

	return &Worker{
		cfg:       cfg,
		registry:  reg,
		tracker:   tracker,
		executor:  exec,
		transport: tr,
		startedAt: time.Now(),
		stopCh:    make(chan struct{}),
	}, nil
}

// Registry exposes the handler registry (used by the API's capabilities endpoint).
func (w *Worker) Registry() *registry.Registry { return w.registry }

// Transport exposes the configured transport (used by the API for submit/status).
func (w *Worker) Transport() transport.Transport { return w.transport }

// Capabilities returns this worker's declared capabilities.
func (w *Worker) Capabilities() job.Capabilities {
	return job.Capabilities{
		WorkerID:          w.cfg.WorkerID,
		Operations:        w.registry.SupportedOperations(),
		MaxConcurrentJobs: w.cfg.MaxConcurrentJobs,
		StartedAt:         w.startedAt,
	}
}

// Start launches the fetch loop and liveness heartbeat in the background.
func (w *Worker) Start() {
	w.tracker.Start()
	w.wg.Add(1)
	go w.run()
	w.wg.Add(1)
	go w.heartbeat()
}

// heartbeat records a tick on a fixed interval from its own goroutine,
// independent of whether any job is currently available to claim. Used by
// the health endpoint. It does not observe the fetch loop itself: a fetch
// loop that is blocked or has stalled still reads as alive.
func (w *Worker) heartbeat() {
	defer w.wg.Done()

	interval := w.cfg.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.recordTick()
	for {
		select {
		case <-ticker.C:
			w.recordTick()
		case <-w.stopCh:
			return
		}
	}
}

func (w *Worker) recordTick() {
	w.lastTickMu.Lock()
	w.lastTick = time.Now()
	w.lastTickMu.Unlock()
}

// LastTick returns the last time the worker's heartbeat ticked.
func (w *Worker) LastTick() time.Time {
	w.lastTickMu.RLock()
	defer w.lastTickMu.RUnlock()
	return w.lastTick
}

// Stop signals the fetch loop to exit and waits up to
// cfg.ShutdownGracePeriod for it to do so.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.tracker.Stop()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(w.cfg.ShutdownGracePeriod):
		log.WithWorkerID(w.cfg.WorkerID).Warn().Msg("shutdown grace period elapsed before fetch loop exited")
	}
}

// run is the main fetch -> dispatch -> execute -> ack loop. One bad job
// never stops the loop: every error is logged and the loop continues.
func (w *Worker) run() {
	defer w.wg.Done()
	logger := log.WithWorkerID(w.cfg.WorkerID)
	logger.Info().Msg("worker started")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-w.stopCh
		cancel()
	}()

	for {
		select {
		case <-w.stopCh:
			logger.Info().Msg("worker stopped")
			return
		default:
		}

		doc, err := w.transport.FetchNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue // stop requested; loop will exit above
			}
			logger.Error().Err(err).Msg("failed to fetch next job")
			continue
		}

		// Dispatch concurrently: the executor's own semaphore (sized by
		// MaxConcurrentJobs) is what actually bounds parallelism, so the
		// fetch loop must not block waiting for one job's handler to
		// return before claiming the next.
		w.wg.Add(1)
		go func(doc *job.Document) {
			defer w.wg.Done()
			w.handleOne(ctx, doc)
		}(doc)
	}
}

func (w *Worker) handleOne(ctx context.Context, doc *job.Document) {
	logger := log.WithOperation(doc.JobID, doc.Operation)

	if err := job.Validate(doc); err != nil {
		logger.Warn().Err(err).Msg("rejecting structurally invalid job document")
		_ = w.transport.Nack(doc.JobID, err.Error(), false)
		return
	}

	if err := w.transport.UpdateState(doc.JobID, jobstate.Running); err != nil {
		logger.Warn().Err(err).Msg("illegal state transition to running")
		_ = w.transport.Nack(doc.JobID, err.Error(), false)
		return
	}

	result := w.executor.Run(ctx, doc)

	// Every terminal outcome, success or failure, is committed via Ack;
	// Nack is reserved for jobs the executor wants requeued for another
	// attempt, which the executor itself already retries internally.
	if err := w.transport.Ack(doc.JobID, result); err != nil {
		logger.Error().Err(err).Msg("failed to ack terminal job")
	}
}
