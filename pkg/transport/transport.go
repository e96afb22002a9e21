// Package transport defines the pluggable transport abstraction that
// unifies file-watch, HTTP, and in-memory queue job sources behind one
// interface, per spec.md §4.4.
package transport

import (
	"context"

	"github.com/ssahani/guestkit-worker/pkg/job"
	"github.com/ssahani/guestkit-worker/pkg/jobstate"
)

// Transport is the single interface every job source implements.
type Transport interface {
	// FetchNext returns the next claimed job document, blocking (subject
	// to ctx) until one is available.
	FetchNext(ctx context.Context) (*job.Document, error)

	// UpdateState validates the transition via the state machine and
	// records the job's new lifecycle state. Illegal transitions are
	// refused.
	UpdateState(jobID string, newState jobstate.State) error

	// Ack commits the final result for a job. A repeated call carrying an
	// identical result is a no-op; one carrying a different result is
	// rejected.
	Ack(jobID string, result *job.Result) error

	// Nack reports a failure. If requeue is true the job becomes
	// available for another fetch.
	Nack(jobID string, reason string, requeue bool) error

	// Submit enqueues a new job document (used by the HTTP transport's
	// REST submit handler; the file-watch transport treats an external
	// process dropping a file as the submission path instead).
	Submit(doc *job.Document) error

	// QueueDepth reports the number of jobs waiting to be claimed.
	QueueDepth() int
}
