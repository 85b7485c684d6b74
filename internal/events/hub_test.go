package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubPublishSubscribe(t *testing.T) {
	h := NewHub(4)
	ch, cancel := h.Subscribe()
	defer cancel()
	require.Equal(t, 1, h.Subscribers())

	h.Publish(WorkerStarted, map[string]any{"slot": 0})

	select {
	case ev := <-ch:
		assert.Equal(t, int64(1), ev.ID)
		assert.Equal(t, WorkerStarted, ev.Type)
		assert.JSONEq(t, `{"slot":0}`, string(ev.Data))
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestHubNilDataIsEmptyObject(t *testing.T) {
	h := NewHub(4)
	h.Publish(PoolClosed, nil)
	snap := h.SnapshotSince(0)
	require.Len(t, snap, 1)
	assert.JSONEq(t, `{}`, string(snap[0].Data))
}

func TestHubRingOverwritesOldest(t *testing.T) {
	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Publish(JobRegistered, map[string]int{"job_id": i})
	}

	snap := h.SnapshotSince(0)
	require.Len(t, snap, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{snap[0].ID, snap[1].ID, snap[2].ID})

	since := h.SnapshotSince(4)
	require.Len(t, since, 1)
	assert.Equal(t, int64(5), since[0].ID)
}

func TestHubCancelClosesChannel(t *testing.T) {
	h := NewHub(0)
	ch, cancel := h.Subscribe()
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	assert.Zero(t, h.Subscribers())

	// Publishing with no subscribers still buffers.
	h.Publish(DispatchCompleted, nil)
	assert.Len(t, h.SnapshotSince(0), 1)
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	p.Publish(DispatchFailed, "ignored")
}
