package filewatch

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssahani/guestkit-worker/pkg/job"
	"github.com/ssahani/guestkit-worker/pkg/jobstate"
)

func writeJobFile(t *testing.T, dir string, doc *job.Document) {
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, doc.JobID+".json"), data, 0o644))
}

func TestFetchNextClaimsExistingFile(t *testing.T) {
	root := t.TempDir()
	resultsDir := t.TempDir()

	tr, err := New(root, resultsDir, "worker-1")
	require.NoError(t, err)
	defer tr.Close()

	doc, err := job.NewBuilder().
		WithOperation("system.echo").
		WithPayload("system.echo.v1", map[string]string{"message": "hi"}).
		Build()
	require.NoError(t, err)
	writeJobFile(t, root, doc)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got, err := tr.FetchNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, doc.JobID, got.JobID)

	_, err = os.Stat(filepath.Join(root, "processing", "worker-1", doc.JobID+".json"))
	assert.NoError(t, err)
}

func TestAckMovesToDoneAndWritesResult(t *testing.T) {
	root := t.TempDir()
	resultsDir := t.TempDir()

	tr, err := New(root, resultsDir, "worker-1")
	require.NoError(t, err)
	defer tr.Close()

	doc, err := job.NewBuilder().
		WithOperation("system.echo").
		WithPayload("system.echo.v1", map[string]string{"message": "hi"}).
		Build()
	require.NoError(t, err)
	writeJobFile(t, root, doc)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = tr.FetchNext(ctx)
	require.NoError(t, err)

	result := &job.Result{JobID: doc.JobID, Status: "completed"}
	require.NoError(t, tr.Ack(doc.JobID, result))

	_, err = os.Stat(filepath.Join(root, "done", doc.JobID+".json"))
	assert.NoError(t, err)

	_, err = os.Stat(filepath.Join(resultsDir, doc.JobID+"-result.json"))
	assert.NoError(t, err)
}

func TestAckRejectsConflictingResult(t *testing.T) {
	root := t.TempDir()
	resultsDir := t.TempDir()

	tr, err := New(root, resultsDir, "worker-1")
	require.NoError(t, err)
	defer tr.Close()

	doc, err := job.NewBuilder().
		WithOperation("system.echo").
		WithPayload("system.echo.v1", map[string]string{"message": "hi"}).
		Build()
	require.NoError(t, err)
	writeJobFile(t, root, doc)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = tr.FetchNext(ctx)
	require.NoError(t, err)

	require.NoError(t, tr.Ack(doc.JobID, &job.Result{JobID: doc.JobID, Status: "completed"}))
	err = tr.Ack(doc.JobID, &job.Result{JobID: doc.JobID, Status: "failed"})
	assert.Error(t, err)
}

func TestNackWithoutRequeueMovesToFailedWithReason(t *testing.T) {
	root := t.TempDir()
	resultsDir := t.TempDir()

	tr, err := New(root, resultsDir, "worker-1")
	require.NoError(t, err)
	defer tr.Close()

	doc, err := job.NewBuilder().
		WithOperation("system.echo").
		WithPayload("system.echo.v1", map[string]string{"message": "hi"}).
		Build()
	require.NoError(t, err)
	writeJobFile(t, root, doc)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = tr.FetchNext(ctx)
	require.NoError(t, err)

	require.NoError(t, tr.Nack(doc.JobID, "boom", false))

	_, err = os.Stat(filepath.Join(root, "failed", doc.JobID+".json"))
	assert.NoError(t, err)
	reasonData, err := os.ReadFile(filepath.Join(root, "failed", doc.JobID+".json.reason.txt"))
	require.NoError(t, err)
	assert.Equal(t, "boom", string(reasonData))
}

func TestUpdateStateRejectsIllegalTransition(t *testing.T) {
	root := t.TempDir()
	resultsDir := t.TempDir()

	tr, err := New(root, resultsDir, "worker-1")
	require.NoError(t, err)
	defer tr.Close()

	doc, err := job.NewBuilder().
		WithOperation("system.echo").
		WithPayload("system.echo.v1", map[string]string{"message": "hi"}).
		Build()
	require.NoError(t, err)
	writeJobFile(t, root, doc)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = tr.FetchNext(ctx)
	require.NoError(t, err)

	assert.Error(t, tr.UpdateState(doc.JobID, jobstate.Completed))
	assert.NoError(t, tr.UpdateState(doc.JobID, jobstate.Running))
}
