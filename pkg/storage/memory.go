package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryAdapter is the single-address-space variant: plain maps guarded by
// an exclusive lock on write paths. It keeps no change log, since there is
// never more than one instance sharing this storage.
type MemoryAdapter struct {
	mu sync.RWMutex
	log *zap.Logger

	nouns    map[string]Noun
	verbs    map[string]Verb
	metadata map[string]Metadata
	stats    Statistics
	locks    map[string]LockHandle
}

// NewMemoryAdapter returns an empty in-memory adapter.
func NewMemoryAdapter(log *zap.Logger) *MemoryAdapter {
	if log == nil {
		log = zap.NewNop()
	}
	return &MemoryAdapter{
		log:      log,
		nouns:    make(map[string]Noun),
		verbs:    make(map[string]Verb),
		metadata: make(map[string]Metadata),
		stats:    Statistics{Counters: make(map[string]int64)},
		locks:    make(map[string]LockHandle),
	}
}

func (a *MemoryAdapter) SaveNoun(_ context.Context, n Noun) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nouns[n.ID] = n
	return nil
}

func (a *MemoryAdapter) GetNoun(_ context.Context, id string) (Noun, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	n, ok := a.nouns[id]
	if !ok {
		return Noun{}, ErrNotFound
	}
	return n, nil
}

func (a *MemoryAdapter) GetAllNouns(_ context.Context) ([]Noun, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Noun, 0, len(a.nouns))
	for _, n := range a.nouns {
		out = append(out, n)
	}
	return out, nil
}

func (a *MemoryAdapter) GetNounsByNounType(_ context.Context, nounType string) ([]Noun, error) {
	partition := PartitionFor(nounType)
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []Noun
	for _, n := range a.nouns {
		if PartitionFor(n.NounType) == partition {
			out = append(out, n)
		}
	}
	return out, nil
}

func (a *MemoryAdapter) DeleteNoun(_ context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.nouns[id]; !ok {
		return ErrNotFound
	}
	delete(a.nouns, id)
	return nil
}

func (a *MemoryAdapter) SaveVerb(_ context.Context, v Verb) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.verbs[v.ID] = v
	return nil
}

func (a *MemoryAdapter) GetVerb(_ context.Context, id string) (Verb, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.verbs[id]
	if !ok {
		return Verb{}, ErrNotFound
	}
	return v, nil
}

func (a *MemoryAdapter) GetAllVerbs(_ context.Context) ([]Verb, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Verb, 0, len(a.verbs))
	for _, v := range a.verbs {
		out = append(out, v)
	}
	return out, nil
}

func (a *MemoryAdapter) GetVerbsBySource(_ context.Context, sourceID string) ([]Verb, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []Verb
	for _, v := range a.verbs {
		if v.SourceID == sourceID {
			out = append(out, v)
		}
	}
	return out, nil
}

func (a *MemoryAdapter) GetVerbsByTarget(_ context.Context, targetID string) ([]Verb, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []Verb
	for _, v := range a.verbs {
		if v.TargetID == targetID {
			out = append(out, v)
		}
	}
	return out, nil
}

func (a *MemoryAdapter) GetVerbsByType(_ context.Context, verbType string) ([]Verb, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []Verb
	for _, v := range a.verbs {
		if v.Type == verbType {
			out = append(out, v)
		}
	}
	return out, nil
}

func (a *MemoryAdapter) DeleteVerb(_ context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.verbs[id]; !ok {
		return ErrNotFound
	}
	delete(a.verbs, id)
	return nil
}

func (a *MemoryAdapter) SaveMetadata(_ context.Context, id string, m Metadata) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.metadata[id] = m
	return nil
}

func (a *MemoryAdapter) GetMetadata(_ context.Context, id string) (Metadata, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	m, ok := a.metadata[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m, nil
}

func (a *MemoryAdapter) SaveStatistics(_ context.Context, delta StatDelta) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats.Counters[delta.Name] += delta.Value
	if a.stats.Counters[delta.Name] < 0 {
		a.stats.Counters[delta.Name] = 0
	}
	a.stats.UpdatedAt = time.Now()
	return nil
}

func (a *MemoryAdapter) GetStatistics(_ context.Context) (Statistics, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := Statistics{Counters: make(map[string]int64, len(a.stats.Counters)), UpdatedAt: a.stats.UpdatedAt}
	for k, v := range a.stats.Counters {
		out.Counters[k] = v
	}
	return out, nil
}

// FlushStatistics is a no-op: memory-backed statistics are always durable
// in the same sense as everything else in this adapter.
func (a *MemoryAdapter) FlushStatistics(_ context.Context) error {
	return nil
}

func (a *MemoryAdapter) AcquireLock(_ context.Context, name string, ttl time.Duration) (LockHandle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if existing, ok := a.locks[name]; ok && time.Now().Before(existing.ExpiresAt) {
		return LockHandle{}, ErrLockAcquisitionFailed
	}
	h := LockHandle{Name: name, Owner: fmt.Sprintf("memory-%d", time.Now().UnixNano()), ExpiresAt: time.Now().Add(ttl)}
	a.locks[name] = h
	return h, nil
}

func (a *MemoryAdapter) ReleaseLock(_ context.Context, handle LockHandle) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	existing, ok := a.locks[handle.Name]
	if !ok || existing.Owner != handle.Owner {
		return ErrInvalidLockHandle
	}
	delete(a.locks, handle.Name)
	return nil
}

// AppendChangeLog and ReadChangeLog are no-ops: a single-process in-memory
// adapter has no other instance to catch up.
func (a *MemoryAdapter) AppendChangeLog(_ context.Context, _ ChangeLogEntry) error {
	return nil
}

func (a *MemoryAdapter) ReadChangeLog(_ context.Context, _ uint64) ([]ChangeLogEntry, error) {
	return nil, nil
}

func (a *MemoryAdapter) Clear(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nouns = make(map[string]Noun)
	a.verbs = make(map[string]Verb)
	a.metadata = make(map[string]Metadata)
	a.stats = Statistics{Counters: make(map[string]int64)}
	a.locks = make(map[string]LockHandle)
	return nil
}

func (a *MemoryAdapter) GetStorageStatus(_ context.Context) (Status, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Status{
		Backend:   "memory",
		Healthy:   true,
		NounCount: int64(len(a.nouns)),
		VerbCount: int64(len(a.verbs)),
	}, nil
}
