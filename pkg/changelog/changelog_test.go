package changelog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainydb/brainy/pkg/storage"
)

// fakeApplier is a minimal Applier used to exercise Poller replay without
// depending on the full façade.
type fakeApplier struct {
	mu    sync.Mutex
	nouns map[string]bool
	verbs map[string]bool

	addCalls    int
	deleteCalls int
}

func newFakeApplier() *fakeApplier {
	return &fakeApplier{nouns: make(map[string]bool), verbs: make(map[string]bool)}
}

func (f *fakeApplier) HasNoun(id string) bool { f.mu.Lock(); defer f.mu.Unlock(); return f.nouns[id] }
func (f *fakeApplier) HasVerb(id string) bool { f.mu.Lock(); defer f.mu.Unlock(); return f.verbs[id] }

func (f *fakeApplier) ApplyAddNoun(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nouns[id] = true
	f.addCalls++
	return nil
}

func (f *fakeApplier) ApplyDeleteNoun(_ context.Context, id string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.nouns, id)
	f.deleteCalls++
	return nil
}

func (f *fakeApplier) ApplyAddVerb(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verbs[id] = true
	return nil
}

func (f *fakeApplier) ApplyDeleteVerb(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.verbs, id)
	return nil
}

func (f *fakeApplier) nounIDs() map[string]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]bool, len(f.nouns))
	for k, v := range f.nouns {
		out[k] = v
	}
	return out
}

func TestRecorderAssignsMonotonicSequence(t *testing.T) {
	adapter := storage.NewMemoryAdapter(nil)
	rec := NewRecorder(adapter)
	ctx := context.Background()

	e1, err := rec.Append(ctx, storage.OpAddNoun, "a")
	require.NoError(t, err)
	e2, err := rec.Append(ctx, storage.OpAddNoun, "b")
	require.NoError(t, err)

	assert.Equal(t, uint64(1), e1.Seq)
	assert.Equal(t, uint64(2), e2.Seq)
}

func TestRecorderInitResumesFromHighWaterMark(t *testing.T) {
	adapter := storage.NewOPFSAdapter("https://changelog.test", nil)
	ctx := context.Background()
	require.NoError(t, adapter.AppendChangeLog(ctx, storage.ChangeLogEntry{Seq: 7, Op: storage.OpAddNoun, ID: "x", Timestamp: time.Now()}))

	rec := NewRecorder(adapter)
	require.NoError(t, rec.Init(ctx))

	e, err := rec.Append(ctx, storage.OpAddNoun, "y")
	require.NoError(t, err)
	assert.Equal(t, uint64(8), e.Seq)
}

func TestPollerAppliesContiguousPrefixOnly(t *testing.T) {
	adapter := storage.NewOPFSAdapter("https://changelog.test", nil)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, adapter.AppendChangeLog(ctx, storage.ChangeLogEntry{Seq: 1, Op: storage.OpAddNoun, ID: "a", Timestamp: now}))
	require.NoError(t, adapter.AppendChangeLog(ctx, storage.ChangeLogEntry{Seq: 3, Op: storage.OpAddNoun, ID: "c", Timestamp: now}))

	applier := newFakeApplier()
	poller := NewPoller(adapter, applier, time.Hour, nil)

	require.NoError(t, poller.PollOnce(ctx))
	assert.Equal(t, uint64(1), poller.Watermark(), "must stop before the gap at seq 2")
	assert.True(t, applier.HasNoun("a"))
	assert.False(t, applier.HasNoun("c"))

	require.NoError(t, adapter.AppendChangeLog(ctx, storage.ChangeLogEntry{Seq: 2, Op: storage.OpAddNoun, ID: "b", Timestamp: now}))
	require.NoError(t, poller.PollOnce(ctx))
	assert.Equal(t, uint64(3), poller.Watermark())
	assert.True(t, applier.HasNoun("b"))
	assert.True(t, applier.HasNoun("c"))
}

func TestPollerApplicationIsIdempotent(t *testing.T) {
	adapter := storage.NewOPFSAdapter("https://changelog.test", nil)
	ctx := context.Background()
	require.NoError(t, adapter.AppendChangeLog(ctx, storage.ChangeLogEntry{Seq: 1, Op: storage.OpAddNoun, ID: "a", Timestamp: time.Now()}))

	applier := newFakeApplier()
	poller := NewPoller(adapter, applier, time.Hour, nil)
	require.NoError(t, poller.PollOnce(ctx))
	require.NoError(t, poller.PollOnce(ctx))

	assert.Equal(t, 1, applier.addCalls, "re-applying a seen ADD_NOUN must no-op")
}

// TestScenarioS8ReplayDeterminism: applying the same change-log prefix to
// two empty instances yields equal noun sets.
func TestScenarioS8ReplayDeterminism(t *testing.T) {
	adapter := storage.NewOPFSAdapter("https://changelog.test", nil)
	ctx := context.Background()
	now := time.Now()
	for i, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, adapter.AppendChangeLog(ctx, storage.ChangeLogEntry{Seq: uint64(i + 1), Op: storage.OpAddNoun, ID: id, Timestamp: now}))
	}
	require.NoError(t, adapter.AppendChangeLog(ctx, storage.ChangeLogEntry{Seq: 5, Op: storage.OpDeleteNoun, ID: "b", Timestamp: now}))

	applierX := newFakeApplier()
	applierY := newFakeApplier()
	pollerX := NewPoller(adapter, applierX, time.Hour, nil)
	pollerY := NewPoller(adapter, applierY, time.Hour, nil)

	require.NoError(t, pollerX.PollOnce(ctx))
	require.NoError(t, pollerY.PollOnce(ctx))

	assert.Equal(t, applierX.nounIDs(), applierY.nounIDs())
	assert.Equal(t, pollerX.Watermark(), pollerY.Watermark())
}

func TestApplyRetentionSkipsAdaptersWithoutTruncator(t *testing.T) {
	adapter := storage.NewMemoryAdapter(nil)
	assert.NoError(t, ApplyRetention(context.Background(), adapter, time.Hour))
}

func TestPollerStartStop(t *testing.T) {
	adapter := storage.NewMemoryAdapter(nil)
	applier := newFakeApplier()
	poller := NewPoller(adapter, applier, 5*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poller.Start(ctx)
	time.Sleep(20 * time.Millisecond)
	poller.Stop()
}
