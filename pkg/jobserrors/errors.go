// Package jobserrors defines the worker's error taxonomy.
package jobserrors

import "fmt"

// ErrorKind classifies why a job or handler operation failed.
type ErrorKind string

const (
	ValidationError             ErrorKind = "validation_error"
	NoHandler                   ErrorKind = "no_handler"
	ChecksumMismatch             ErrorKind = "checksum_mismatch"
	ChecksumAlgorithmUnsupported ErrorKind = "checksum_algorithm_unsupported"
	InvalidPayload               ErrorKind = "invalid_payload"
	HandlerError                 ErrorKind = "handler_error"
	HandlerPanic                 ErrorKind = "handler_panic"
	Timeout                      ErrorKind = "timeout"
	Cancelled                    ErrorKind = "cancelled"
	TransportError               ErrorKind = "transport_error"
	InternalError                ErrorKind = "internal_error"
)

// JobError is the error type carried through the executor pipeline and
// reported in JobResult.Error.
type JobError struct {
	Kind        ErrorKind
	Phase       string
	Attempt     int
	Recoverable bool
	Message     string
	Cause       error
}

func (e *JobError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (phase=%s attempt=%d): %v", e.Kind, e.Message, e.Phase, e.Attempt, e.Cause)
	}
	return fmt.Sprintf("%s: %s (phase=%s attempt=%d)", e.Kind, e.Message, e.Phase, e.Attempt)
}

func (e *JobError) Unwrap() error {
	return e.Cause
}

// New builds a JobError with the given kind and message.
func New(kind ErrorKind, phase, message string) *JobError {
	return &JobError{Kind: kind, Phase: phase, Message: message}
}

// Wrap builds a JobError that wraps cause.
func Wrap(kind ErrorKind, phase, message string, cause error) *JobError {
	return &JobError{Kind: kind, Phase: phase, Message: message, Cause: cause}
}

// WithAttempt returns a copy of e with Attempt set.
func (e *JobError) WithAttempt(n int) *JobError {
	c := *e
	c.Attempt = n
	return &c
}

// WithRecoverable returns a copy of e with Recoverable set.
func (e *JobError) WithRecoverable(r bool) *JobError {
	c := *e
	c.Recoverable = r
	return &c
}

// RecoverableError lets a Handler declare whether an error it returns
// from Execute should be retried. An error a handler returns that does
// not implement this is treated as non-recoverable: the executor only
// retries a handler failure iff the handler declared it so.
type RecoverableError interface {
	error
	Recoverable() bool
}

type recoverableError struct {
	err error
}

// Recoverable wraps err so the executor retries the job (up to
// max_attempts) instead of failing it on the first attempt.
func Recoverable(err error) error {
	if err == nil {
		return nil
	}
	return &recoverableError{err: err}
}

func (e *recoverableError) Error() string    { return e.err.Error() }
func (e *recoverableError) Unwrap() error    { return e.err }
func (e *recoverableError) Recoverable() bool { return true }
