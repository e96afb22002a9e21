package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesPublishedEvents(t *testing.T) {
	tr := NewTracker(8)
	tr.Start()
	defer tr.Stop()

	sub := tr.Subscribe()
	defer tr.Unsubscribe(sub)

	sink := tr.Sink("job-1")
	sink("starting", "begin", 0)

	select {
	case evt := <-sub:
		assert.Equal(t, "job-1", evt.JobID)
		assert.Equal(t, float64(0), evt.Percent)
		assert.NotEmpty(t, evt.EventID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for progress event")
	}
}

func TestPercentMonotonicityClampsDecrease(t *testing.T) {
	tr := NewTracker(8)
	tr.Start()
	defer tr.Stop()

	sub := tr.Subscribe()
	defer tr.Unsubscribe(sub)

	sink := tr.Sink("job-1")
	sink("a", "a", 50)
	sink("b", "b", 20) // should clamp to 50

	first := <-sub
	require.Equal(t, float64(50), first.Percent)

	second := <-sub
	assert.Equal(t, float64(50), second.Percent)
}
