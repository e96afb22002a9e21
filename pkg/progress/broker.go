// Package progress tracks per-job progress updates and broadcasts them
// to subscribers (the result writer, metrics, transport).
package progress

import (
	"sync"

	"github.com/google/uuid"
	"github.com/ssahani/guestkit-worker/pkg/job"
	"github.com/ssahani/guestkit-worker/pkg/log"
)

// Subscriber is a channel a caller reads progress events from.
type Subscriber chan job.Progress

// Tracker enforces percent monotonicity per job and fans out updates to
// subscribers. One Tracker is shared by an executor across all jobs; the
// per-job monotonicity state lives in lastPercent.
type Tracker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]bool
	lastPercent map[string]float64
	warnedOnce  map[string]bool
	eventCh     chan job.Progress
	stopCh      chan struct{}
}

// NewTracker returns a Tracker with an internal buffer of bufSize events.
func NewTracker(bufSize int) *Tracker {
	return &Tracker{
		subscribers: make(map[Subscriber]bool),
		lastPercent: make(map[string]float64),
		warnedOnce:  make(map[string]bool),
		eventCh:     make(chan job.Progress, bufSize),
		stopCh:      make(chan struct{}),
	}
}

// Start runs the broadcast loop until Stop is called.
func (t *Tracker) Start() {
	go t.run()
}

// Stop halts the broadcast loop.
func (t *Tracker) Stop() {
	close(t.stopCh)
}

// Subscribe registers a new subscriber with a buffered channel.
func (t *Tracker) Subscribe() Subscriber {
	t.mu.Lock()
	defer t.mu.Unlock()

	sub := make(Subscriber, 64)
	t.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes sub.
func (t *Tracker) Unsubscribe(sub Subscriber) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.subscribers[sub] {
		delete(t.subscribers, sub)
		close(sub)
	}
}

// Sink returns a single-writer publish function scoped to jobID, suitable
// for handing straight to a Handler's ExecutionContext.Progress callback.
func (t *Tracker) Sink(jobID string) func(phase, message string, percent float64) {
	return func(phase, message string, percent float64) {
		t.Publish(job.Progress{
			EventID: EventID(),
			JobID:   jobID,
			Phase:   phase,
			Message: message,
			Percent: t.clamp(jobID, percent),
		})
	}
}

// clamp enforces percent monotonicity for a job: a decrease is clamped to
// the previous value and logged once.
func (t *Tracker) clamp(jobID string, percent float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, seen := t.lastPercent[jobID]
	if seen && percent < prev {
		if !t.warnedOnce[jobID] {
			log.WithJobID(jobID).Warn().
				Float64("requested_percent", percent).
				Float64("clamped_to", prev).
				Msg("progress percent decreased, clamping")
			t.warnedOnce[jobID] = true
		}
		return prev
	}
	t.lastPercent[jobID] = percent
	return percent
}

// Forget drops the monotonicity bookkeeping for a completed job.
func (t *Tracker) Forget(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lastPercent, jobID)
	delete(t.warnedOnce, jobID)
}

// Publish enqueues an event for broadcast. A zero Percent increment is
// not implied; callers provide the absolute percent each time.
func (t *Tracker) Publish(evt job.Progress) {
	select {
	case t.eventCh <- evt:
	case <-t.stopCh:
	}
}

func (t *Tracker) run() {
	for {
		select {
		case evt := <-t.eventCh:
			t.broadcast(evt)
		case <-t.stopCh:
			return
		}
	}
}

func (t *Tracker) broadcast(evt job.Progress) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for sub := range t.subscribers {
		select {
		case sub <- evt:
		default:
			// Subscriber buffer full; drop rather than block the tracker.
		}
	}
}

// EventID returns a correlation ID suitable for log lines about an event.
func EventID() string {
	return uuid.NewString()
}
