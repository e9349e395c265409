package stats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainydb/brainy/pkg/storage"
)

func TestFlushMergesDeltasIntoDurableValue(t *testing.T) {
	adapter := storage.NewMemoryAdapter(nil)
	tracker := New(adapter, nil)
	ctx := context.Background()

	tracker.Increment("nounCount", 1)
	tracker.Increment("nounCount", 1)
	tracker.Increment("nounCount", -1)

	require.NoError(t, tracker.Flush(ctx))

	durable, err := adapter.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), durable.Counters["nounCount"])

	snap := tracker.Snapshot()
	assert.Zero(t, snap.PendingNames)
	assert.Zero(t, snap.RingBuffered)
}

// TestScenarioS7StatisticsSumInvariant: after N increments and D decrements
// (D <= N) and a final flush, the durable value equals initial + N - D.
func TestScenarioS7StatisticsSumInvariant(t *testing.T) {
	adapter := storage.NewMemoryAdapter(nil)
	tracker := New(adapter, nil)
	ctx := context.Background()

	const increments = 250
	const decrements = 90
	for i := 0; i < increments; i++ {
		tracker.Increment("edgeCount", 1)
	}
	for i := 0; i < decrements; i++ {
		tracker.Increment("edgeCount", -1)
	}
	require.NoError(t, tracker.Flush(ctx))

	durable, err := adapter.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(increments-decrements), durable.Counters["edgeCount"])
}

// TestScenarioS6ConcurrentWriters: two trackers sharing one adapter each
// issue 1000 increments then flush; the durable total must be 2000
// regardless of interleaving, since each flush commits a delta rather than
// an absolute value.
func TestScenarioS6ConcurrentWriters(t *testing.T) {
	adapter := storage.NewMemoryAdapter(nil)
	ctx := context.Background()

	trackerA := New(adapter, nil)
	trackerB := New(adapter, nil)

	done := make(chan struct{}, 2)
	run := func(tr *Tracker) {
		for i := 0; i < 1000; i++ {
			tr.Increment("nounCount", 1)
		}
		done <- struct{}{}
	}
	go run(trackerA)
	go run(trackerB)
	<-done
	<-done

	require.NoError(t, trackerA.Flush(ctx))
	require.NoError(t, trackerB.Flush(ctx))

	durable, err := adapter.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), durable.Counters["nounCount"])
}

func TestFlushBuffersToRingOnLockContention(t *testing.T) {
	adapter := storage.NewMemoryAdapter(nil)
	ctx := context.Background()

	held, err := adapter.AcquireLock(ctx, lockName, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = adapter.ReleaseLock(ctx, held) })

	tracker := New(adapter, nil)
	tracker.Increment("nounCount", 5)

	require.NoError(t, tracker.Flush(ctx), "lock contention must be absorbed, not surfaced")

	snap := tracker.Snapshot()
	assert.Equal(t, 1, snap.RingBuffered)

	durable, err := adapter.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Zero(t, durable.Counters["nounCount"], "delta must not be lost, only deferred")
}

func TestCurrentIntervalAdaptsToQueueDepth(t *testing.T) {
	adapter := storage.NewMemoryAdapter(nil)
	tracker := New(adapter, nil)

	assert.Equal(t, idleFlushInterval, tracker.currentInterval())

	tracker.Increment("a", 1)
	assert.Equal(t, baseFlushInterval, tracker.currentInterval())

	for i := 0; i < highQueueDepth+1; i++ {
		tracker.Increment(string(rune('b'+i%20)), 1)
	}
	assert.Equal(t, fastFlushInterval, tracker.currentInterval())
}

func TestStartStopLifecycle(t *testing.T) {
	adapter := storage.NewMemoryAdapter(nil)
	tracker := New(adapter, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracker.Start(ctx)
	tracker.Increment("nounCount", 1)
	tracker.Stop()

	// Stop must return promptly even if a flush never ran.
}
