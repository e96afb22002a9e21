// Package echo implements the system.echo built-in handler, used by the
// end-to-end happy-path scenario and as a minimal example of the
// capability-set Handler shape.
package echo

import (
	"encoding/json"
	"fmt"

	"github.com/ssahani/guestkit-worker/pkg/job"
	"github.com/ssahani/guestkit-worker/pkg/registry"
)

// Handler echoes its payload's "message" field back as an output.
type Handler struct{}

// New returns an echo Handler.
func New() *Handler {
	return &Handler{}
}

func (h *Handler) Name() string { return "system.echo" }

func (h *Handler) SupportedOperations() []string { return []string{"system.echo"} }

func (h *Handler) Supports(operation string) bool { return operation == "system.echo" }

type payload struct {
	Message string `json:"message"`
}

func (h *Handler) Validate(doc *job.Document) error {
	var p payload
	if err := json.Unmarshal(doc.Payload.Data, &p); err != nil {
		return fmt.Errorf("decoding system.echo payload: %w", err)
	}
	return nil
}

func (h *Handler) Execute(ec *registry.ExecutionContext, doc *job.Document) (map[string]any, error) {
	var p payload
	if err := json.Unmarshal(doc.Payload.Data, &p); err != nil {
		return nil, fmt.Errorf("decoding system.echo payload: %w", err)
	}

	ec.Progress("echoing", "received message", 50)
	ec.Progress("done", "echoed message", 100)

	return map[string]any{"message": p.Message}, nil
}
