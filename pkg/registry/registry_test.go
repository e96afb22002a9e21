package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssahani/guestkit-worker/pkg/job"
)

type fakeHandler struct {
	name string
	ops  []string
}

func (f *fakeHandler) Name() string                  { return f.name }
func (f *fakeHandler) SupportedOperations() []string  { return f.ops }
func (f *fakeHandler) Supports(op string) bool {
	for _, o := range f.ops {
		if o == op {
			return true
		}
	}
	return false
}
func (f *fakeHandler) Validate(*job.Document) error { return nil }
func (f *fakeHandler) Execute(*ExecutionContext, *job.Document) (map[string]any, error) {
	return nil, nil
}

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	h := &fakeHandler{name: "echo", ops: []string{"system.echo"}}
	require.NoError(t, r.Register(h))

	got, ok := r.GetByOperation("system.echo")
	require.True(t, ok)
	assert.Equal(t, "echo", got.Name())

	_, ok = r.GetByOperation("unknown.op")
	assert.False(t, ok)
}

func TestRegisterIsIdempotentByName(t *testing.T) {
	r := New()
	h := &fakeHandler{name: "echo", ops: []string{"system.echo"}}
	require.NoError(t, r.Register(h))
	require.NoError(t, r.Register(h))
}

func TestRegisterRejectsConflictingOperationBinding(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(&fakeHandler{name: "a", ops: []string{"system.echo"}}))
	err := r.Register(&fakeHandler{name: "b", ops: []string{"system.echo"}})
	assert.Error(t, err)
}

func TestSupportedOperationsSorted(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(&fakeHandler{name: "a", ops: []string{"zzz.op", "aaa.op"}}))
	assert.Equal(t, []string{"aaa.op", "zzz.op"}, r.SupportedOperations())
}
