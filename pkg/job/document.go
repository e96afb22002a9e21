// Package job defines the job document envelope, its payload types, and
// the structural validation spec.md calls for.
package job

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/oklog/ulid"
)

// Kind classifies a job at the envelope level.
type Kind string

const (
	KindVMOperation     Kind = "VMOperation"
	KindSystemOperation Kind = "SystemOperation"
)

// Assignment constrains which worker(s) may claim a job. The core does
// not interpret these fields; it round-trips them for schedulers.
type Assignment struct {
	Pool           string            `json:"pool,omitempty"`
	WorkerSelector map[string]string `json:"worker_selector,omitempty"`
}

// RetryPolicy bounds how many attempts the executor makes.
type RetryPolicy struct {
	MaxAttempts int `json:"max_attempts"`
}

// Execution carries the optional scheduling hints of a job document.
type Execution struct {
	IdempotencyKey string       `json:"idempotency_key,omitempty"`
	Priority       int          `json:"priority,omitempty"`
	RetryPolicy    *RetryPolicy `json:"retry_policy,omitempty"`
	// TimeoutSeconds is a pointer so an explicit 0 (immediate timeout,
	// per spec) is distinguishable from "unset" (use the worker default).
	TimeoutSeconds *int        `json:"timeout_seconds,omitempty"`
	Assignment     *Assignment `json:"assignment,omitempty"`
}

// Payload is the opaque tagged-sum body of a job document. Data is kept
// as raw JSON: the core never decodes it, only handlers do.
type Payload struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Document is the generic job envelope.
type Document struct {
	Version   string     `json:"version"`
	JobID     string     `json:"job_id"`
	Kind      Kind       `json:"kind"`
	Operation string     `json:"operation"`
	CreatedAt time.Time  `json:"created_at"`
	Tenant    string     `json:"tenant,omitempty"`
	Submitter string     `json:"submitter,omitempty"`
	Execution *Execution `json:"execution,omitempty"`
	Payload   Payload    `json:"payload"`

	// Extra holds unrecognized top-level fields so that forward-compat
	// attributes attached by newer schedulers round-trip untouched.
	Extra map[string]json.RawMessage `json:"-"`
}

// knownFields lists the top-level keys decoded directly into Document.
var knownFields = map[string]bool{
	"version": true, "job_id": true, "kind": true, "operation": true,
	"created_at": true, "tenant": true, "submitter": true,
	"execution": true, "payload": true,
}

// UnmarshalJSON decodes the known fields normally and stashes anything
// else into Extra, so that round-tripping preserves unknown attributes.
func (d *Document) UnmarshalJSON(data []byte) error {
	type alias Document
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*d = Document(a)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	d.Extra = make(map[string]json.RawMessage)
	for k, v := range raw {
		if !knownFields[k] {
			d.Extra[k] = v
		}
	}
	return nil
}

// MarshalJSON re-emits the known fields plus any preserved Extra entries.
func (d Document) MarshalJSON() ([]byte, error) {
	type alias Document
	base, err := json.Marshal(alias(d))
	if err != nil {
		return nil, err
	}
	if len(d.Extra) == 0 {
		return base, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range d.Extra {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// Validate performs purely structural validation per spec.md §3/§4.1. It
// never decodes Payload.Data.
func Validate(d *Document) error {
	if strings.TrimSpace(d.JobID) == "" {
		return fmt.Errorf("job_id must not be empty")
	}
	if strings.TrimSpace(d.Operation) == "" {
		return fmt.Errorf("operation must not be empty")
	}
	if !strings.HasPrefix(d.Payload.Type, d.Operation) {
		return fmt.Errorf("payload.type %q does not begin with operation %q", d.Payload.Type, d.Operation)
	}
	if d.Execution != nil {
		if d.Execution.Priority != 0 && (d.Execution.Priority < 1 || d.Execution.Priority > 10) {
			return fmt.Errorf("execution.priority %d out of range [1,10]", d.Execution.Priority)
		}
		if d.Execution.RetryPolicy != nil && d.Execution.RetryPolicy.MaxAttempts < 1 {
			return fmt.Errorf("execution.retry_policy.max_attempts must be >= 1")
		}
	}
	return nil
}

// Priority returns the job's effective priority, defaulting to 5.
func (d *Document) Priority() int {
	if d.Execution == nil || d.Execution.Priority == 0 {
		return 5
	}
	return d.Execution.Priority
}

// TimeoutSeconds returns the job's explicitly declared timeout and
// whether one was declared at all. A declared 0 means "timeout
// immediately"; an undeclared timeout means "use the worker default".
func (d *Document) TimeoutSeconds() (seconds int, declared bool) {
	if d.Execution == nil || d.Execution.TimeoutSeconds == nil {
		return 0, false
	}
	return *d.Execution.TimeoutSeconds, true
}

// IdempotencyKey returns the job's idempotency key, or "" if unset.
func (d *Document) IdempotencyKey() string {
	if d.Execution == nil {
		return ""
	}
	return d.Execution.IdempotencyKey
}

// MaxAttempts returns the job's configured retry ceiling, defaulting to 1.
func (d *Document) MaxAttempts() int {
	if d.Execution == nil || d.Execution.RetryPolicy == nil || d.Execution.RetryPolicy.MaxAttempts == 0 {
		return 1
	}
	return d.Execution.RetryPolicy.MaxAttempts
}

// entropySource backs ULID generation; not a security-sensitive value.
var entropySource = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)

// GenerateJobID returns a new lexicographically-monotonic job identifier.
func GenerateJobID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropySource).String()
}

// Builder constructs a Document fluently; Build runs Validate.
type Builder struct {
	doc Document
}

// NewBuilder starts a Builder with a generated job ID and version "1.0".
func NewBuilder() *Builder {
	return &Builder{doc: Document{
		Version:   "1.0",
		JobID:     GenerateJobID(),
		CreatedAt: time.Now().UTC(),
	}}
}

func (b *Builder) WithJobID(id string) *Builder {
	b.doc.JobID = id
	return b
}

func (b *Builder) WithKind(k Kind) *Builder {
	b.doc.Kind = k
	return b
}

func (b *Builder) WithOperation(op string) *Builder {
	b.doc.Operation = op
	return b
}

func (b *Builder) WithPayload(payloadType string, data any) *Builder {
	raw, _ := json.Marshal(data)
	b.doc.Payload = Payload{Type: payloadType, Data: raw}
	return b
}

func (b *Builder) WithPriority(p int) *Builder {
	if b.doc.Execution == nil {
		b.doc.Execution = &Execution{}
	}
	b.doc.Execution.Priority = p
	return b
}

func (b *Builder) WithIdempotencyKey(key string) *Builder {
	if b.doc.Execution == nil {
		b.doc.Execution = &Execution{}
	}
	b.doc.Execution.IdempotencyKey = key
	return b
}

func (b *Builder) WithTimeoutSeconds(s int) *Builder {
	if b.doc.Execution == nil {
		b.doc.Execution = &Execution{}
	}
	b.doc.Execution.TimeoutSeconds = &s
	return b
}

// Build runs structural validation and returns the finished Document.
func (b *Builder) Build() (*Document, error) {
	if err := Validate(&b.doc); err != nil {
		return nil, err
	}
	return &b.doc, nil
}
