// Package changelog records durable mutation entries and replays them into
// a local HNSW graph so one instance can catch up on writes made by
// another. Application of a replayed entry must be idempotent: re-adding an
// id already present, or re-deleting one already gone, is a no-op.
package changelog

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/brainydb/brainy/pkg/storage"
)

// Applier is the subset of graph state a Poller needs to replay entries
// against. pkg/brainy's façade implements it over its HNSW index and
// storage adapter.
type Applier interface {
	HasNoun(id string) bool
	ApplyAddNoun(ctx context.Context, id string) error
	// ApplyDeleteNoun replays a delete. hard is a default the implementation
	// may override once it resolves the noun's actual durable state, since
	// replaying the wrong mode (hard for an origin soft delete, or vice
	// versa) diverges the two instances' noun sets.
	ApplyDeleteNoun(ctx context.Context, id string, hard bool) error
	HasVerb(id string) bool
	ApplyAddVerb(ctx context.Context, id string) error
	ApplyDeleteVerb(ctx context.Context, id string) error
}

// Recorder allocates monotonically increasing per-process sequence numbers
// and appends change-log entries through a storage.Adapter.
type Recorder struct {
	adapter storage.Adapter

	mu  sync.Mutex
	seq uint64
}

// NewRecorder creates a Recorder. Call Init before first use so the
// sequence counter continues from the highest entry already durable,
// rather than restarting at zero and colliding with existing keys.
func NewRecorder(adapter storage.Adapter) *Recorder {
	return &Recorder{adapter: adapter}
}

// Init seeds the sequence counter from the durable log's current high-water
// mark.
func (r *Recorder) Init(ctx context.Context) error {
	entries, err := r.adapter.ReadChangeLog(ctx, 0)
	if err != nil {
		return err
	}
	var max uint64
	for _, e := range entries {
		if e.Seq > max {
			max = e.Seq
		}
	}
	r.mu.Lock()
	r.seq = max
	r.mu.Unlock()
	return nil
}

// Append durably records one mutation and returns the entry it wrote.
func (r *Recorder) Append(ctx context.Context, op storage.ChangeOp, id string) (storage.ChangeLogEntry, error) {
	r.mu.Lock()
	r.seq++
	entry := storage.ChangeLogEntry{Seq: r.seq, Op: op, ID: id, Timestamp: time.Now()}
	r.mu.Unlock()

	if err := r.adapter.AppendChangeLog(ctx, entry); err != nil {
		return storage.ChangeLogEntry{}, err
	}
	return entry, nil
}

// Poller periodically reads new change-log entries and applies them to an
// Applier, advancing its watermark only through a contiguous run of
// sequence numbers so a gap left by a slower writer is never skipped.
type Poller struct {
	adapter storage.Adapter
	applier Applier
	log     *zap.Logger
	interval time.Duration

	mu        sync.Mutex
	watermark uint64

	stop chan struct{}
	done chan struct{}
}

// NewPoller creates a Poller whose watermark (the sequence number already
// applied) starts at 0, so its first poll replays the whole durable log.
func NewPoller(adapter storage.Adapter, applier Applier, interval time.Duration, log *zap.Logger) *Poller {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Poller{adapter: adapter, applier: applier, interval: interval, log: log}
}

// Watermark returns the highest contiguous sequence number applied so far.
func (p *Poller) Watermark() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.watermark
}

// PollOnce reads everything newer than the current watermark and applies a
// contiguous prefix of it. Entries beyond the first gap are left for the
// next call, once the missing entry has had time to land.
func (p *Poller) PollOnce(ctx context.Context) error {
	p.mu.Lock()
	since := p.watermark
	p.mu.Unlock()

	entries, err := p.adapter.ReadChangeLog(ctx, since)
	if err != nil {
		return err
	}

	applied := since
	for _, e := range entries {
		if e.Seq != applied+1 {
			break
		}
		if err := p.apply(ctx, e); err != nil {
			p.log.Warn("changelog: apply failed, stopping at gap", zap.Uint64("seq", e.Seq), zap.Error(err))
			break
		}
		applied = e.Seq
	}

	p.mu.Lock()
	p.watermark = applied
	p.mu.Unlock()
	return nil
}

func (p *Poller) apply(ctx context.Context, e storage.ChangeLogEntry) error {
	switch e.Op {
	case storage.OpAddNoun:
		if p.applier.HasNoun(e.ID) {
			return nil
		}
		return p.applier.ApplyAddNoun(ctx, e.ID)
	case storage.OpDeleteNoun:
		if !p.applier.HasNoun(e.ID) {
			return nil
		}
		// hard is a default only: ApplyDeleteNoun resolves the actual mode
		// from the durable noun's tombstone state, since a replayed entry
		// doesn't otherwise distinguish a soft delete from a hard one.
		return p.applier.ApplyDeleteNoun(ctx, e.ID, true)
	case storage.OpAddVerb:
		if p.applier.HasVerb(e.ID) {
			return nil
		}
		return p.applier.ApplyAddVerb(ctx, e.ID)
	case storage.OpDeleteVerb:
		if !p.applier.HasVerb(e.ID) {
			return nil
		}
		return p.applier.ApplyDeleteVerb(ctx, e.ID)
	default:
		return nil
	}
}

// Start launches a background polling loop at the configured interval.
func (p *Poller) Start(ctx context.Context) {
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stop:
				return
			case <-ticker.C:
				if err := p.PollOnce(ctx); err != nil {
					p.log.Warn("changelog: poll failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop ends the polling loop and waits for it to exit.
func (p *Poller) Stop() {
	if p.stop == nil {
		return
	}
	close(p.stop)
	<-p.done
}

// ApplyRetention truncates change-log entries older than retention, if the
// underlying adapter supports it (storage.Truncator). Adapters without it
// (memory, which keeps no log, and OPFS, whose log lasts only for the
// process) silently skip this.
func ApplyRetention(ctx context.Context, adapter storage.Adapter, retention time.Duration) error {
	truncator, ok := adapter.(storage.Truncator)
	if !ok {
		return nil
	}
	cutoff := time.Now().Add(-retention).UTC().Format("20060102")
	return truncator.TruncateChangeLogBefore(ctx, cutoff)
}
