package libvirt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssahani/guestkit-worker/pkg/job"
	"github.com/ssahani/guestkit-worker/pkg/registry"
)

func TestValidateRequiresDomainName(t *testing.T) {
	h := New("/var/run/libvirt/libvirt-sock")
	doc := &job.Document{
		JobID:     "j-1",
		Operation: "libvirt.domain.info",
		Payload:   job.Payload{Type: "libvirt.domain.info.v1", Data: []byte(`{}`)},
	}
	assert.Error(t, h.Validate(doc))
}

func TestValidateAcceptsWellFormedPayload(t *testing.T) {
	h := New("/var/run/libvirt/libvirt-sock")
	doc := &job.Document{
		JobID:     "j-1",
		Operation: "libvirt.domain.info",
		Payload:   job.Payload{Type: "libvirt.domain.info.v1", Data: []byte(`{"domain_name":"vm-1"}`)},
	}
	require.NoError(t, h.Validate(doc))
}

func TestExecuteFailsWithoutALiveSocket(t *testing.T) {
	h := New("/nonexistent/libvirt.sock")
	doc := &job.Document{
		JobID:     "j-1",
		Operation: "libvirt.domain.info",
		Payload:   job.Payload{Type: "libvirt.domain.info.v1", Data: []byte(`{"domain_name":"vm-1"}`)},
	}
	ec := &registry.ExecutionContext{
		Context:  context.Background(),
		JobID:    doc.JobID,
		Progress: func(phase, message string, percent float64) {},
	}
	_, err := h.Execute(ec, doc)
	assert.Error(t, err)
}
