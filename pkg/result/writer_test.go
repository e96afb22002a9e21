package result

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssahani/guestkit-worker/pkg/job"
)

func TestWriteThenReadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)

	r := &job.Result{JobID: "j-1", Status: "completed", WorkerID: "worker-1"}
	path, err := w.Write(r)
	require.NoError(t, err)
	assert.Contains(t, path, "j-1-result.json")

	got, err := w.Read("j-1")
	require.NoError(t, err)
	assert.Equal(t, r.JobID, got.JobID)
	assert.Equal(t, r.Status, got.Status)
}

func TestReadMissingResultReturnsError(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)

	_, err = w.Read("does-not-exist")
	assert.Error(t, err)
}
