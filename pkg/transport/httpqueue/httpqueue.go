// Package httpqueue implements an in-memory, priority-ordered Transport
// fed by the REST submit handler. Grounded on the teacher's events.Broker
// channel/mutex style for its internal bookkeeping.
package httpqueue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/ssahani/guestkit-worker/pkg/job"
	"github.com/ssahani/guestkit-worker/pkg/jobstate"
	"github.com/ssahani/guestkit-worker/pkg/metrics"
)

// ErrQueueFull is returned by Submit when the queue is at max_queue_size.
var ErrQueueFull = errors.New("queue is full")

// maxListWindow bounds how many job records List() reports: current jobs
// plus the most recently terminated ones, oldest terminal jobs evicted
// first once the window is exceeded.
const maxListWindow = 500

// entry is one priority-queue item: higher priority first, ties broken by
// insertion order (sequence ascending).
type entry struct {
	doc      *job.Document
	sequence int64
}

type priorityQueue []*entry

func (q priorityQueue) Len() int { return len(q) }
func (q priorityQueue) Less(i, j int) bool {
	pi, pj := q[i].doc.Priority(), q[j].doc.Priority()
	if pi != pj {
		return pi > pj // higher priority dispatched first
	}
	return q[i].sequence < q[j].sequence
}
func (q priorityQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *priorityQueue) Push(x any)   { *q = append(*q, x.(*entry)) }
func (q *priorityQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// Transport is an in-memory FIFO/priority queue plus a job status map,
// bounded by maxQueueSize.
type Transport struct {
	maxQueueSize int

	mu       sync.Mutex
	notEmpty chan struct{}
	queue    priorityQueue
	nextSeq  int64

	docs    map[string]*job.Document // job_id -> document, kept for requeue
	states  map[string]jobstate.State
	results map[string]*job.Result
	order   []string // job_id insertion order, for List()
}

// New builds an in-memory Transport bounded by maxQueueSize.
func New(maxQueueSize int) *Transport {
	return &Transport{
		maxQueueSize: maxQueueSize,
		notEmpty:     make(chan struct{}, 1),
		docs:         make(map[string]*job.Document),
		states:       make(map[string]jobstate.State),
		results:      make(map[string]*job.Result),
	}
}

// JobSummary is one entry in a List() response.
type JobSummary struct {
	JobID     string `json:"job_id"`
	Operation string `json:"operation"`
	Status    string `json:"status"`
}

// Submit enqueues doc after validation. Submissions beyond maxQueueSize
// fail with ErrQueueFull.
func (t *Transport) Submit(doc *job.Document) error {
	if err := job.Validate(doc); err != nil {
		return fmt.Errorf("invalid job document: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.maxQueueSize > 0 && len(t.queue) >= t.maxQueueSize {
		return ErrQueueFull
	}

	t.enqueueLocked(doc)
	t.docs[doc.JobID] = doc
	t.order = append(t.order, doc.JobID)
	t.evictOldTerminalLocked()
	return nil
}

// enqueueLocked pushes doc onto the priority heap and marks it pending.
// Caller must hold t.mu.
func (t *Transport) enqueueLocked(doc *job.Document) {
	heap.Push(&t.queue, &entry{doc: doc, sequence: t.nextSeq})
	t.nextSeq++
	t.states[doc.JobID] = jobstate.Pending
	metrics.QueueDepth.Set(float64(len(t.queue)))

	select {
	case t.notEmpty <- struct{}{}:
	default:
	}
}

// evictOldTerminalLocked trims order/docs/states/results once the job
// record window exceeds maxListWindow, dropping the oldest terminal jobs
// first. Non-terminal jobs are never evicted. Caller must hold t.mu.
func (t *Transport) evictOldTerminalLocked() {
	for len(t.order) > maxListWindow {
		evicted := false
		for i, id := range t.order {
			if jobstate.IsTerminal(t.states[id]) {
				t.order = append(t.order[:i], t.order[i+1:]...)
				delete(t.docs, id)
				delete(t.states, id)
				delete(t.results, id)
				evicted = true
				break
			}
		}
		if !evicted {
			break // nothing terminal left to drop; let the window grow
		}
	}
}

// FetchNext pops the highest-priority, earliest-inserted pending job.
func (t *Transport) FetchNext(ctx context.Context) (*job.Document, error) {
	for {
		t.mu.Lock()
		if len(t.queue) > 0 {
			e := heap.Pop(&t.queue).(*entry)
			t.states[e.doc.JobID] = jobstate.Assigned
			metrics.QueueDepth.Set(float64(len(t.queue)))
			t.mu.Unlock()
			return e.doc, nil
		}
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.notEmpty:
		}
	}
}

// UpdateState validates and applies a lifecycle transition.
func (t *Transport) UpdateState(jobID string, newState jobstate.State) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, ok := t.states[jobID]
	if !ok {
		return fmt.Errorf("unknown job %s", jobID)
	}
	if !jobstate.CanTransition(current, newState) {
		return fmt.Errorf("illegal transition %s -> %s for job %s", current, newState, jobID)
	}
	t.states[jobID] = newState
	return nil
}

// Ack stores the terminal result, idempotently. The lifecycle state is
// derived from result.Status, since Ack commits any terminal outcome
// (success or failure), not only success. A second Ack for a job already
// committed is accepted silently if it carries the same result and
// rejected if it carries a different one.
func (t *Transport) Ack(jobID string, result *job.Result) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.results[jobID]; ok {
		if !reflect.DeepEqual(existing, result) {
			return fmt.Errorf("job %s already acked with a different result", jobID)
		}
		return nil
	}

	t.results[jobID] = result
	t.states[jobID] = terminalStateFor(result.Status)
	return nil
}

func terminalStateFor(status string) jobstate.State {
	switch status {
	case "timeout":
		return jobstate.Timeout
	case "cancelled":
		return jobstate.Cancelled
	case "failed":
		return jobstate.Failed
	default:
		return jobstate.Completed
	}
}

// Nack records a failure. If requeue is true the job's retained document
// is pushed back onto the queue at its original priority and its state
// returns to Pending; otherwise the job is terminally Failed.
func (t *Transport) Nack(jobID string, reason string, requeue bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if requeue {
		doc, ok := t.docs[jobID]
		if !ok {
			return fmt.Errorf("unknown job %s", jobID)
		}
		t.enqueueLocked(doc)
		return nil
	}
	t.states[jobID] = jobstate.Failed
	t.results[jobID] = &job.Result{
		JobID:  jobID,
		Status: "failed",
		Error:  &job.ErrorSummary{Message: reason},
	}
	return nil
}

// List returns a bounded window of current and recently-terminated jobs,
// oldest first.
func (t *Transport) List() []JobSummary {
	t.mu.Lock()
	defer t.mu.Unlock()

	summaries := make([]JobSummary, 0, len(t.order))
	for _, id := range t.order {
		doc := t.docs[id]
		operation := ""
		if doc != nil {
			operation = doc.Operation
		}
		summaries = append(summaries, JobSummary{
			JobID:     id,
			Operation: operation,
			Status:    string(t.states[id]),
		})
	}
	return summaries
}

// QueueDepth reports the number of pending jobs.
func (t *Transport) QueueDepth() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// Status returns a job's current lifecycle state.
func (t *Transport) Status(jobID string) (jobstate.State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[jobID]
	return s, ok
}

// Result returns a job's terminal result, if one has been acked.
func (t *Transport) Result(jobID string) (*job.Result, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.results[jobID]
	return r, ok
}
