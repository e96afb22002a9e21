package echo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssahani/guestkit-worker/pkg/job"
	"github.com/ssahani/guestkit-worker/pkg/registry"
)

func TestExecuteEchoesMessage(t *testing.T) {
	h := New()
	doc, err := job.NewBuilder().
		WithOperation("system.echo").
		WithPayload("system.echo.v1", map[string]string{"message": "hi"}).
		Build()
	require.NoError(t, err)

	ec := &registry.ExecutionContext{
		Context:  context.Background(),
		JobID:    doc.JobID,
		Progress: func(phase, message string, percent float64) {},
	}

	outputs, err := h.Execute(ec, doc)
	require.NoError(t, err)
	assert.Equal(t, "hi", outputs["message"])
}

func TestValidateRejectsMalformedPayload(t *testing.T) {
	h := New()
	doc := &job.Document{
		JobID:     "j-1",
		Operation: "system.echo",
		Payload:   job.Payload{Type: "system.echo.v1", Data: []byte(`not json`)},
	}
	assert.Error(t, h.Validate(doc))
}
