package progress

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (c *captureSink) Publish(_ context.Context, s Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snaps = append(c.snaps, s)
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.snaps)
}

func TestTracker_Counters(t *testing.T) {
	tr := NewTracker("req", "run", "ORDERS", 1000, 0)

	tr.Record(context.Background(), 400, 398, 2, false)
	tr.Record(context.Background(), 600, 600, 0, false)
	tr.Record(context.Background(), 0, 0, 0, true)

	s := tr.Snapshot()
	assert.Equal(t, int64(2), s.ChunksCompleted)
	assert.Equal(t, int64(1), s.ChunksFailed)
	assert.Equal(t, int64(1000), s.RowsRead)
	assert.Equal(t, int64(998), s.RowsSucceeded)
	assert.Equal(t, int64(2), s.RowsFailed)
	require.NotNil(t, s.Percent)
	assert.Equal(t, 100.0, *s.Percent)
	assert.Nil(t, s.ETA)
}

func TestTracker_UnknownTotalYieldsNilPercent(t *testing.T) {
	tr := NewTracker("req", "run", "ORDERS", 0, 0)
	tr.Record(context.Background(), 500, 500, 0, false)

	s := tr.Snapshot()
	assert.Nil(t, s.Percent)
	assert.Nil(t, s.ETA)
	assert.Positive(t, s.Throughput)
}

func TestTracker_ETAWhilePartial(t *testing.T) {
	tr := NewTracker("req", "run", "ORDERS", 1000, 0)
	tr.start = time.Now().Add(-10 * time.Second)
	tr.Record(context.Background(), 250, 250, 0, false)

	s := tr.Snapshot()
	require.NotNil(t, s.Percent)
	assert.InDelta(t, 25.0, *s.Percent, 0.01)
	require.NotNil(t, s.ETA)
	// 25% in ~10s leaves ~30s.
	assert.InDelta(t, 30.0, s.ETA.Seconds(), 1.0)
}

func TestTracker_CoalescesPublishes(t *testing.T) {
	tr := NewTracker("req", "run", "ORDERS", 0, time.Hour)
	sink := &captureSink{}
	tr.AddSink(sink)

	for i := 0; i < 10; i++ {
		tr.Record(context.Background(), 1, 1, 0, false)
	}
	// First record publishes, the rest fall inside the window.
	assert.Equal(t, 1, sink.count())

	// The terminal flush always goes out.
	final := tr.Flush(context.Background())
	assert.True(t, final.Terminal)
	assert.Equal(t, 2, sink.count())
	assert.Equal(t, int64(10), sink.snaps[1].RowsRead)
}

func TestRedisSink_PublishesJSON(t *testing.T) {
	mr := miniredis.RunT(t)

	sink := NewRedisSink(mr.Addr(), "rowmill.progress", nil)
	defer sink.Close()

	sub := redis.NewClient(&redis.Options{Addr: mr.Addr()}).Subscribe(context.Background(), "rowmill.progress")
	defer sub.Close()
	_, err := sub.Receive(context.Background())
	require.NoError(t, err)

	tr := NewTracker("req-1", "run-1", "ORDERS", 100, 0)
	tr.AddSink(sink)
	tr.Record(context.Background(), 50, 50, 0, false)

	select {
	case msg := <-sub.Channel():
		var snap Snapshot
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &snap))
		assert.Equal(t, "run-1", snap.RunID)
		assert.Equal(t, int64(50), snap.RowsRead)
		require.NotNil(t, snap.Percent)
		assert.Equal(t, 50.0, *snap.Percent)
	case <-time.After(2 * time.Second):
		t.Fatal("no progress message published")
	}
}
