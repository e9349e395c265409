// Package brainy implements the BrainyData façade: the single entry point
// external collaborators use, tying together the HNSW index, storage
// adapter, statistics tracker, change-log recorder/poller, embedding
// dispatcher, and augmentation pipeline into noun/verb CRUD and search
// orchestration.
package brainy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/brainydb/brainy/pkg/changelog"
	"github.com/brainydb/brainy/pkg/embedding"
	"github.com/brainydb/brainy/pkg/hnsw"
	"github.com/brainydb/brainy/pkg/metrics"
	"github.com/brainydb/brainy/pkg/stats"
	"github.com/brainydb/brainy/pkg/storage"
)

// Errors returned by façade operations, beyond those passed through from
// pkg/hnsw and pkg/storage.
var (
	ErrVerbEndpointMissing = errors.New("brainy: verb source or target noun does not exist")
	ErrUnsupportedInput    = errors.New("brainy: add() input must be a string or []float32")
)

// candidateExpansionFactor is how much larger a search's internal candidate
// pool is made when a nounType filter is applied, so post-filtering rarely
// starves the result set below k. The spec calls for expansion "proportional
// to filter selectivity"; Brainy doesn't track live per-type selectivity
// statistics, so a fixed factor approximates it (see DESIGN.md).
const candidateExpansionFactor = 8

// Config configures a BrainyData instance. The storage adapter and embedding
// dispatcher are constructed by the caller and passed to New directly,
// mirroring how both are wired as pluggable collaborators elsewhere in the
// codebase.
type Config struct {
	HNSW                  hnsw.Config
	ChangeLogPollInterval time.Duration
	ChangeLogRetention    time.Duration
	Log                   *zap.Logger
	// Metrics is optional. When set, BrainyData records HNSW insert/search
	// latency, node count, and the change-log watermark against it. The
	// caller owns registration against a prometheus.Registerer.
	Metrics *metrics.Registry
}

// SearchOptions adjusts BrainyData.Search's behavior.
type SearchOptions struct {
	NounType        string // empty means no filter
	HydrateMetadata bool
}

// SearchHit is one ranked search result, optionally carrying its metadata.
type SearchHit struct {
	ID       string
	Distance float64
	NounType string
	Metadata storage.Metadata
}

// Backup is an ordered, self-contained export of everything BrainyData
// holds: every noun, verb, their metadata, and the current statistics
// snapshot.
type Backup struct {
	Nouns      []storage.Noun
	Verbs      []storage.Verb
	Metadata   map[string]storage.Metadata
	Statistics storage.Statistics
}

// RestoreOptions adjusts Restore's behavior. Reserved for future use (e.g.
// selective restore); currently restore always applies everything in the
// backup.
type RestoreOptions struct{}

// BrainyData is the façade over Brainy's storage, index, and pipeline
// components. Create with New, then call Init before first use.
type BrainyData struct {
	cfg     Config
	storage storage.Adapter
	embed   *embedding.Dispatcher
	statsT  *stats.Tracker
	rec     *changelog.Recorder
	poller  *changelog.Poller
	log     *zap.Logger

	mu                sync.RWMutex
	index             *hnsw.Index
	nounTypes         map[string]storage.NounType // id -> partition, cached for post-filtering
	verbIDs           map[string]bool
	loadedPartitions  map[storage.NounType]bool
	allPartitionsDone bool

	retentionStop chan struct{}
	retentionDone chan struct{}
	metricsStop   chan struct{}

	lastDanglingRefs int64 // last value observed from index.DanglingReferenceCount, for Counter deltas
}

// New constructs a BrainyData over the given storage adapter and embedding
// dispatcher. Call Init before performing any operation.
func New(adapter storage.Adapter, embed *embedding.Dispatcher, cfg Config) *BrainyData {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.ChangeLogPollInterval <= 0 {
		cfg.ChangeLogPollInterval = 2 * time.Second
	}
	b := &BrainyData{
		cfg:              cfg,
		storage:          adapter,
		embed:            embed,
		log:              cfg.Log,
		index:            hnsw.New(cfg.HNSW, cfg.Log),
		nounTypes:        make(map[string]storage.NounType),
		verbIDs:          make(map[string]bool),
		loadedPartitions: make(map[storage.NounType]bool),
	}
	b.statsT = stats.New(adapter, cfg.Log)
	b.rec = changelog.NewRecorder(adapter)
	b.poller = changelog.NewPoller(adapter, b, cfg.ChangeLogPollInterval, cfg.Log)
	return b
}

// Init opens the storage adapter's change log from its high-water mark,
// starts the background statistics flusher, and starts the change-log
// poller so this instance catches up on mutations made elsewhere. HNSW
// state itself is loaded lazily, per partition, on first access.
func (b *BrainyData) Init(ctx context.Context) error {
	if _, err := b.storage.GetStorageStatus(ctx); err != nil {
		return fmt.Errorf("brainy: storage unreachable: %w", err)
	}
	if err := b.rec.Init(ctx); err != nil {
		return fmt.Errorf("brainy: change-log init: %w", err)
	}
	b.statsT.Start(ctx)
	b.poller.Start(ctx)

	if b.cfg.Metrics != nil {
		b.startMetricsLoop(ctx)
	}
	if b.cfg.ChangeLogRetention > 0 {
		b.startRetentionLoop(ctx)
	}
	return nil
}

// startMetricsLoop periodically samples state that isn't naturally updated by
// a write path, such as the poller's watermark.
func (b *BrainyData) startMetricsLoop(ctx context.Context) {
	b.metricsStop = make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		var lastFlushAt time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.metricsStop:
				return
			case <-ticker.C:
				b.cfg.Metrics.ChangeLogWatermark.Set(float64(b.poller.Watermark()))

				snap := b.statsT.Snapshot()
				b.cfg.Metrics.StatsPendingNames.Set(float64(snap.PendingNames))
				if !snap.LastFlushAt.Equal(lastFlushAt) {
					lastFlushAt = snap.LastFlushAt
					if snap.LastFlushErr != nil && !errors.Is(snap.LastFlushErr, storage.ErrLockAcquisitionFailed) {
						b.cfg.Metrics.StatsFlushErrors.Inc()
					}
				}
			}
		}
	}()
}

// startRetentionLoop periodically truncates change-log entries older than
// cfg.ChangeLogRetention, on adapters that support it (storage.Truncator).
// It runs at a tenth of the retention window, or once an hour, whichever is
// shorter, so a short retention window in tests still truncates promptly.
func (b *BrainyData) startRetentionLoop(ctx context.Context) {
	interval := b.cfg.ChangeLogRetention / 10
	if interval <= 0 || interval > time.Hour {
		interval = time.Hour
	}

	b.retentionStop = make(chan struct{})
	b.retentionDone = make(chan struct{})
	go func() {
		defer close(b.retentionDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.retentionStop:
				return
			case <-ticker.C:
				if err := changelog.ApplyRetention(ctx, b.storage, b.cfg.ChangeLogRetention); err != nil {
					b.log.Warn("brainy: change-log retention pass failed", zap.Error(err))
				}
			}
		}
	}()
}

// Close stops the background statistics flusher, change-log poller, and
// retention loop (if running).
func (b *BrainyData) Close() {
	b.statsT.Stop()
	b.poller.Stop()
	if b.retentionStop != nil {
		close(b.retentionStop)
		<-b.retentionDone
	}
	if b.metricsStop != nil {
		close(b.metricsStop)
	}
}

// ensurePartitionLoaded loads every noun of partition into the shared HNSW
// index the first time it's needed, so a long-lived process doesn't pay to
// rebuild partitions nothing ever queries.
func (b *BrainyData) ensurePartitionLoaded(ctx context.Context, partition storage.NounType) error {
	b.mu.Lock()
	if b.loadedPartitions[partition] {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	nouns, err := b.storage.GetNounsByNounType(ctx, string(partition))
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.loadedPartitions[partition] {
		return nil
	}
	for _, n := range nouns {
		if b.index.Has(n.ID) {
			continue
		}
		if err := b.index.Insert(ctx, n.ID, n.Vector); err != nil {
			b.log.Warn("brainy: failed to load noun into index", zap.String("id", n.ID), zap.Error(err))
			continue
		}
		if n.Tombstone {
			_ = b.index.Delete(ctx, n.ID, false)
		}
		b.nounTypes[n.ID] = storage.PartitionFor(n.NounType)
	}
	b.loadedPartitions[partition] = true
	return nil
}

// ensureAllPartitionsLoaded loads every known partition, for an unfiltered
// search that must consider every noun regardless of type.
func (b *BrainyData) ensureAllPartitionsLoaded(ctx context.Context) error {
	b.mu.RLock()
	done := b.allPartitionsDone
	b.mu.RUnlock()
	if done {
		return nil
	}
	for _, p := range []storage.NounType{
		storage.Person, storage.Place, storage.Thing, storage.Event,
		storage.Concept, storage.Content, storage.Default,
	} {
		if err := b.ensurePartitionLoaded(ctx, p); err != nil {
			return err
		}
	}
	b.mu.Lock()
	b.allPartitionsDone = true
	b.mu.Unlock()
	return nil
}

// resolveVector embeds input if it's text, or uses it directly if it's
// already a vector. Anything else is rejected.
func (b *BrainyData) resolveVector(ctx context.Context, input any) ([]float32, error) {
	switch v := input.(type) {
	case string:
		return b.embed.Embed(ctx, v)
	case []float32:
		return v, nil
	default:
		return nil, ErrUnsupportedInput
	}
}

// Add embeds (or accepts a pre-embedded) input, allocates a UUID, inserts it
// into the HNSW index, and persists the noun and its optional metadata.
func (b *BrainyData) Add(ctx context.Context, input any, metadata storage.Metadata) (string, error) {
	vec, err := b.resolveVector(ctx, input)
	if err != nil {
		return "", err
	}

	nounType := nounTypeFromMetadata(metadata)
	partition := storage.PartitionFor(nounType)
	if err := b.ensurePartitionLoaded(ctx, partition); err != nil {
		return "", err
	}

	id := uuid.NewString()
	insertStart := time.Now()
	if err := b.index.Insert(ctx, id, vec); err != nil {
		return "", err
	}
	if b.cfg.Metrics != nil {
		b.cfg.Metrics.HNSWInsertDuration.Observe(time.Since(insertStart).Seconds())
		b.cfg.Metrics.HNSWNodes.Set(float64(b.index.Len()))
	}

	noun := storage.Noun{ID: id, Vector: vec, NounType: nounType}
	if err := b.storage.SaveNoun(ctx, noun); err != nil {
		return "", err
	}
	if metadata != nil {
		if err := b.storage.SaveMetadata(ctx, id, metadata); err != nil {
			return "", err
		}
	}

	b.mu.Lock()
	b.nounTypes[id] = partition
	b.mu.Unlock()

	b.statsT.Increment("nouns.total", 1)
	b.statsT.Increment("nouns."+string(partition), 1)

	if _, err := b.rec.Append(ctx, storage.OpAddNoun, id); err != nil {
		b.log.Warn("brainy: failed to append change-log entry for add", zap.String("id", id), zap.Error(err))
	}
	return id, nil
}

// AddVerb links src to tgt with the given relationship type. Both endpoints
// must already exist. If text is non-empty it is embedded into the verb's
// vector; an empty text leaves the verb vector-less.
func (b *BrainyData) AddVerb(ctx context.Context, src, tgt, verbType, text string, metadata storage.Metadata) (string, error) {
	if !b.nounExists(ctx, src) || !b.nounExists(ctx, tgt) {
		return "", ErrVerbEndpointMissing
	}

	var vec []float32
	if text != "" {
		v, err := b.embed.Embed(ctx, text)
		if err != nil {
			return "", err
		}
		vec = v
	}

	id := uuid.NewString()
	verb := storage.Verb{
		ID: id, SourceID: src, TargetID: tgt, Type: verbType,
		Vector: vec, Metadata: metadata, CreatedAt: time.Now(),
	}
	if err := b.storage.SaveVerb(ctx, verb); err != nil {
		return "", err
	}

	b.mu.Lock()
	b.verbIDs[id] = true
	b.mu.Unlock()

	b.statsT.Increment("verbs.total", 1)
	if _, err := b.rec.Append(ctx, storage.OpAddVerb, id); err != nil {
		b.log.Warn("brainy: failed to append change-log entry for addVerb", zap.String("id", id), zap.Error(err))
	}
	return id, nil
}

func (b *BrainyData) nounExists(ctx context.Context, id string) bool {
	if _, err := b.storage.GetNoun(ctx, id); err != nil {
		return false
	}
	return true
}

// Get returns a noun and its metadata.
func (b *BrainyData) Get(ctx context.Context, id string) (storage.Noun, storage.Metadata, error) {
	n, err := b.storage.GetNoun(ctx, id)
	if err != nil {
		return storage.Noun{}, nil, err
	}
	m, err := b.storage.GetMetadata(ctx, id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return storage.Noun{}, nil, err
	}
	return n, m, nil
}

// Delete removes a noun. hard=false soft-deletes (tombstones) it; hard=true
// removes it and repairs its direct HNSW neighbors.
func (b *BrainyData) Delete(ctx context.Context, id string, hard bool) error {
	partition, err := b.partitionOf(ctx, id)
	if err != nil {
		return err
	}
	if err := b.ensurePartitionLoaded(ctx, partition); err != nil {
		return err
	}

	if err := b.index.Delete(ctx, id, hard); err != nil {
		return err
	}

	if hard {
		if err := b.storage.DeleteNoun(ctx, id); err != nil {
			return err
		}
	} else {
		n, err := b.storage.GetNoun(ctx, id)
		if err != nil {
			return err
		}
		n.Tombstone = true
		if err := b.storage.SaveNoun(ctx, n); err != nil {
			return err
		}
	}

	b.statsT.Increment("nouns.total", -1)
	b.statsT.Increment("nouns."+string(partition), -1)
	if b.cfg.Metrics != nil {
		b.cfg.Metrics.HNSWNodes.Set(float64(b.index.Len()))
	}

	if _, err := b.rec.Append(ctx, storage.OpDeleteNoun, id); err != nil {
		b.log.Warn("brainy: failed to append change-log entry for delete", zap.String("id", id), zap.Error(err))
	}
	return nil
}

func (b *BrainyData) partitionOf(ctx context.Context, id string) (storage.NounType, error) {
	b.mu.RLock()
	p, ok := b.nounTypes[id]
	b.mu.RUnlock()
	if ok {
		return p, nil
	}
	n, err := b.storage.GetNoun(ctx, id)
	if err != nil {
		return "", err
	}
	p = storage.PartitionFor(n.NounType)
	b.mu.Lock()
	b.nounTypes[id] = p
	b.mu.Unlock()
	return p, nil
}

// UpdateMetadata replaces a noun's metadata document.
func (b *BrainyData) UpdateMetadata(ctx context.Context, id string, m storage.Metadata) error {
	if !b.nounExists(ctx, id) {
		return storage.ErrNotFound
	}
	return b.storage.SaveMetadata(ctx, id, m)
}

// Search embeds (or accepts a pre-embedded) query and returns its k nearest
// neighbors. When opts.NounType is set, the internal candidate pool is
// expanded before post-filtering down to k results of that type.
func (b *BrainyData) Search(ctx context.Context, query any, k int, opts SearchOptions) ([]SearchHit, error) {
	vec, err := b.resolveVector(ctx, query)
	if err != nil {
		return nil, err
	}

	var filter storage.NounType
	if opts.NounType != "" {
		filter = storage.PartitionFor(opts.NounType)
		if err := b.ensurePartitionLoaded(ctx, filter); err != nil {
			return nil, err
		}
	} else if err := b.ensureAllPartitionsLoaded(ctx); err != nil {
		return nil, err
	}

	poolSize := k
	if opts.NounType != "" {
		poolSize = k * candidateExpansionFactor
	}

	searchStart := time.Now()
	raw, err := b.index.Search(ctx, vec, poolSize)
	if b.cfg.Metrics != nil {
		b.cfg.Metrics.HNSWSearchDuration.Observe(time.Since(searchStart).Seconds())
		total := b.index.DanglingReferenceCount()
		b.mu.Lock()
		delta := total - b.lastDanglingRefs
		b.lastDanglingRefs = total
		b.mu.Unlock()
		if delta > 0 {
			b.cfg.Metrics.HNSWDanglingRefs.Add(float64(delta))
		}
	}
	if err != nil {
		return nil, err
	}

	hits := make([]SearchHit, 0, k)
	for _, r := range raw {
		partition, _ := b.partitionOf(ctx, r.ID)
		if opts.NounType != "" && partition != filter {
			continue
		}
		hit := SearchHit{ID: r.ID, Distance: r.Distance, NounType: string(partition)}
		if opts.HydrateMetadata {
			if m, err := b.storage.GetMetadata(ctx, r.ID); err == nil {
				hit.Metadata = m
			}
		}
		hits = append(hits, hit)
		if len(hits) == k {
			break
		}
	}
	return hits, nil
}

// Backup exports every noun, verb, their metadata, and the current
// statistics snapshot.
func (b *BrainyData) Backup(ctx context.Context) (Backup, error) {
	nouns, err := b.storage.GetAllNouns(ctx)
	if err != nil {
		return Backup{}, err
	}
	verbs, err := b.storage.GetAllVerbs(ctx)
	if err != nil {
		return Backup{}, err
	}
	statistics, err := b.storage.GetStatistics(ctx)
	if err != nil {
		return Backup{}, err
	}

	metadata := make(map[string]storage.Metadata)
	for _, n := range nouns {
		if m, err := b.storage.GetMetadata(ctx, n.ID); err == nil {
			metadata[n.ID] = m
		}
	}
	for _, v := range verbs {
		if m, err := b.storage.GetMetadata(ctx, v.ID); err == nil {
			metadata[v.ID] = m
		}
	}

	return Backup{Nouns: nouns, Verbs: verbs, Metadata: metadata, Statistics: statistics}, nil
}

// Restore applies a Backup. It is idempotent per id: restoring the same
// backup twice neither duplicates entries nor errors.
func (b *BrainyData) Restore(ctx context.Context, data Backup, _ RestoreOptions) error {
	for _, n := range data.Nouns {
		partition := storage.PartitionFor(n.NounType)
		if err := b.ensurePartitionLoaded(ctx, partition); err != nil {
			return err
		}
		if err := b.storage.SaveNoun(ctx, n); err != nil {
			return err
		}
		if !b.index.Has(n.ID) {
			if err := b.index.Insert(ctx, n.ID, n.Vector); err != nil {
				return err
			}
			if n.Tombstone {
				_ = b.index.Delete(ctx, n.ID, false)
			}
		}
		b.mu.Lock()
		b.nounTypes[n.ID] = partition
		b.mu.Unlock()
	}

	for _, v := range data.Verbs {
		if err := b.storage.SaveVerb(ctx, v); err != nil {
			return err
		}
		b.mu.Lock()
		b.verbIDs[v.ID] = true
		b.mu.Unlock()
	}

	for id, m := range data.Metadata {
		if err := b.storage.SaveMetadata(ctx, id, m); err != nil {
			return err
		}
	}

	current, err := b.storage.GetStatistics(ctx)
	if err != nil {
		return err
	}
	for name, want := range data.Statistics.Counters {
		delta := want - current.Counters[name]
		if delta == 0 {
			continue
		}
		if err := b.storage.SaveStatistics(ctx, storage.StatDelta{Name: name, Value: delta}); err != nil {
			return err
		}
	}
	return nil
}

// Clear drops all state: storage, the in-memory HNSW index, and every
// cached lookup table.
func (b *BrainyData) Clear(ctx context.Context) error {
	if err := b.storage.Clear(ctx); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.index = hnsw.New(b.cfg.HNSW, b.log)
	b.nounTypes = make(map[string]storage.NounType)
	b.verbIDs = make(map[string]bool)
	b.loadedPartitions = make(map[storage.NounType]bool)
	b.allPartitionsDone = false
	return nil
}

func nounTypeFromMetadata(metadata storage.Metadata) string {
	if metadata == nil {
		return string(storage.Default)
	}
	if v, ok := metadata["nounType"]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return string(storage.Default)
}

// --- changelog.Applier ---

// HasNoun implements changelog.Applier.
func (b *BrainyData) HasNoun(id string) bool {
	return b.index.Has(id)
}

// ApplyAddNoun implements changelog.Applier: it loads the noun's vector from
// storage (written by the instance that recorded the entry) and inserts it
// locally.
func (b *BrainyData) ApplyAddNoun(ctx context.Context, id string) error {
	n, err := b.storage.GetNoun(ctx, id)
	if err != nil {
		return err
	}
	partition := storage.PartitionFor(n.NounType)
	if err := b.index.Insert(ctx, id, n.Vector); err != nil {
		return err
	}
	if n.Tombstone {
		_ = b.index.Delete(ctx, id, false)
	}
	b.mu.Lock()
	b.nounTypes[id] = partition
	b.mu.Unlock()
	return nil
}

// ApplyDeleteNoun implements changelog.Applier. The caller-supplied hard
// flag reflects the Poller's default, not the originating instance's actual
// delete mode, so it is not trusted: a replayed OpDeleteNoun for a noun
// still present in durable storage means the origin soft-deleted it (a hard
// delete would have removed the storage record too), and must replay as a
// soft delete locally or the two instances' noun sets diverge.
func (b *BrainyData) ApplyDeleteNoun(ctx context.Context, id string, hard bool) error {
	n, err := b.storage.GetNoun(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return b.index.Delete(ctx, id, true)
	}
	if err != nil {
		return err
	}
	return b.index.Delete(ctx, id, !n.Tombstone)
}

// HasVerb implements changelog.Applier.
func (b *BrainyData) HasVerb(id string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.verbIDs[id]
}

// ApplyAddVerb implements changelog.Applier.
func (b *BrainyData) ApplyAddVerb(ctx context.Context, id string) error {
	if _, err := b.storage.GetVerb(ctx, id); err != nil {
		return err
	}
	b.mu.Lock()
	b.verbIDs[id] = true
	b.mu.Unlock()
	return nil
}

// ApplyDeleteVerb implements changelog.Applier.
func (b *BrainyData) ApplyDeleteVerb(ctx context.Context, id string) error {
	b.mu.Lock()
	delete(b.verbIDs, id)
	b.mu.Unlock()
	return nil
}
