// Package stats implements Brainy's cached-counter subsystem: writes are
// never synchronous to durable storage. An in-memory delta queue absorbs
// increments and decrements; a background flusher merges them into the
// durable value at an adaptive interval, coordinated across instances by a
// TTL-scoped distributed lock obtained from the storage adapter.
package stats

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/brainydb/brainy/pkg/storage"
)

const (
	baseFlushInterval = 2 * time.Second
	fastFlushInterval = 1 * time.Second
	idleFlushInterval = 10 * time.Second
	highQueueDepth    = 100
	ringBufferCap     = 4096
	lockName          = "statistics"
)

// Snapshot reports a Tracker's internal state, for pkg/metrics and the
// spec's lock-stats introspection.
type Snapshot struct {
	PendingNames int
	RingBuffered int
	LastFlushAt  time.Time
	LastFlushErr error
}

// Tracker batches statistic deltas in memory and flushes them to a
// storage.Adapter on a background schedule.
type Tracker struct {
	adapter storage.Adapter
	log     *zap.Logger

	mu           sync.Mutex
	pending      map[string]int64
	ring         []storage.StatDelta // bounded fallback when flush can't land
	lastActivity time.Time
	lastFlushAt  time.Time
	lastFlushErr error

	stop chan struct{}
	done chan struct{}
}

// New creates a Tracker over adapter. Call Start to begin the background
// flush loop.
func New(adapter storage.Adapter, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{
		adapter: adapter,
		log:     log,
		pending: make(map[string]int64),
	}
}

// Increment queues a (possibly negative) delta against name. It never
// touches durable storage directly.
func (t *Tracker) Increment(name string, delta int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[name] += delta
	t.lastActivity = time.Now()
}

// currentInterval implements the spec's adaptive schedule: base 2s, halved
// when the pending queue is deep, capped at 10s of idle when there is
// nothing queued.
func (t *Tracker) currentInterval() time.Duration {
	t.mu.Lock()
	depth := len(t.pending)
	t.mu.Unlock()

	switch {
	case depth == 0:
		return idleFlushInterval
	case depth > highQueueDepth:
		return fastFlushInterval
	default:
		return baseFlushInterval
	}
}

// Start launches the background flush loop. It returns immediately; call
// Stop (or cancel ctx) to end it.
func (t *Tracker) Start(ctx context.Context) {
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	go t.run(ctx)
}

func (t *Tracker) run(ctx context.Context) {
	defer close(t.done)
	timer := time.NewTimer(t.currentInterval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-timer.C:
			if err := t.Flush(ctx); err != nil {
				t.log.Warn("stats: flush failed, deltas retained", zap.Error(err))
			}
			timer.Reset(t.currentInterval())
		}
	}
}

// Stop ends the background flush loop and waits for it to exit.
func (t *Tracker) Stop() {
	if t.stop == nil {
		return
	}
	close(t.stop)
	<-t.done
}

// Flush acquires the statistics lock, merges pending deltas (plus anything
// stuck in the ring-buffer fallback from a prior failed flush) into durable
// storage, and clears them on success. On lock-acquisition failure the
// deltas are absorbed into the ring buffer rather than surfaced as an
// error, per the spec's propagation policy: statistics lock failures never
// become LockAcquisitionFailed to the caller, only the next flush attempt.
func (t *Tracker) Flush(ctx context.Context) error {
	t.mu.Lock()
	if len(t.pending) == 0 && len(t.ring) == 0 {
		t.mu.Unlock()
		return nil
	}
	pendingSnapshot := make(map[string]int64, len(t.pending))
	merged := make(map[string]int64, len(t.pending))
	for name, v := range t.pending {
		pendingSnapshot[name] = v
		merged[name] += v
	}
	for _, d := range t.ring {
		merged[d.Name] += d.Value
	}
	t.mu.Unlock()

	handle, err := t.adapter.AcquireLock(ctx, lockName, baseFlushInterval*3)
	if err != nil {
		// merged already holds the old ring plus this attempt's pending
		// deltas, so both are moved out before it is buffered; otherwise the
		// next flush would count them twice.
		t.mu.Lock()
		for name, captured := range pendingSnapshot {
			if remaining := t.pending[name] - captured; remaining != 0 {
				t.pending[name] = remaining
			} else {
				delete(t.pending, name)
			}
		}
		t.ring = nil
		t.mu.Unlock()
		t.bufferLocked(merged)
		t.recordFlushResult(err)
		t.log.Debug("stats: lock unavailable, deltas buffered for next flush", zap.Error(err))
		return nil
	}
	defer func() {
		if rerr := t.adapter.ReleaseLock(ctx, handle); rerr != nil {
			t.log.Warn("stats: failed to release statistics lock", zap.Error(rerr))
		}
	}()

	for name, delta := range merged {
		if delta == 0 {
			continue
		}
		if err := t.adapter.SaveStatistics(ctx, storage.StatDelta{Name: name, Value: delta}); err != nil {
			t.recordFlushResult(err)
			return err
		}
	}

	// Subtract exactly what this flush captured per name, rather than
	// deleting the key outright: an Increment that landed while this flush
	// was in flight (lock acquisition and SaveStatistics both suspend) must
	// survive into the next flush instead of being wiped out by it.
	t.mu.Lock()
	for name, flushed := range pendingSnapshot {
		if remaining := t.pending[name] - flushed; remaining != 0 {
			t.pending[name] = remaining
		} else {
			delete(t.pending, name)
		}
	}
	t.ring = nil
	t.mu.Unlock()
	t.recordFlushResult(nil)
	return nil
}

// bufferLocked appends the given deltas to the ring-buffer fallback,
// dropping the oldest entries once it reaches capacity so a persistently
// unreachable lock can never grow memory unbounded.
func (t *Tracker) bufferLocked(deltas map[string]int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for name, v := range deltas {
		if v == 0 {
			continue
		}
		t.ring = append(t.ring, storage.StatDelta{Name: name, Value: v})
	}
	if overflow := len(t.ring) - ringBufferCap; overflow > 0 {
		t.ring = t.ring[overflow:]
	}
}

func (t *Tracker) recordFlushResult(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastFlushAt = time.Now()
	t.lastFlushErr = err
}

// Snapshot reports the tracker's current queue depth and last flush
// outcome, for metrics and diagnostics.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		PendingNames: len(t.pending),
		RingBuffered: len(t.ring),
		LastFlushAt:  t.lastFlushAt,
		LastFlushErr: t.lastFlushErr,
	}
}
