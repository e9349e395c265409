package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// OPFSAdapter simulates the browser origin-private-filesystem variant: a
// process-local mutex guards this tab's view, and a shared coordination
// table (origin-scoped) carries TTL lock records so multiple tabs sharing
// the same origin don't race a flush or a change-log catch-up. Go has no
// OPFS binding outside a wasm/js build, so this adapter models the same
// concurrency discipline as the browser original over an in-process store;
// it is what a GOOS=js build's storage layer is adapted from.
type OPFSAdapter struct {
	origin string

	mu sync.RWMutex // process-local, guards this tab's data access

	nouns    map[string]Noun
	verbs    map[string]Verb
	metadata map[string]Metadata
	stats    Statistics
	log      []ChangeLogEntry

	coordination *originCoordinator
}

// originCoordinator is the "shared coordination table in browser-local
// key-value storage" the spec describes: one per origin, shared by every
// OPFSAdapter opened against that origin, so tabs observe each other's
// locks.
type originCoordinator struct {
	mu    sync.Mutex
	locks map[string]LockHandle
}

var (
	coordinatorsMu sync.Mutex
	coordinators   = make(map[string]*originCoordinator)
)

func coordinatorFor(origin string) *originCoordinator {
	coordinatorsMu.Lock()
	defer coordinatorsMu.Unlock()
	c, ok := coordinators[origin]
	if !ok {
		c = &originCoordinator{locks: make(map[string]LockHandle)}
		coordinators[origin] = c
	}
	return c
}

// NewOPFSAdapter returns an adapter scoped to the given browser origin
// (e.g. "https://app.example.com").
func NewOPFSAdapter(origin string, log *zap.Logger) *OPFSAdapter {
	if log == nil {
		log = zap.NewNop()
	}
	return &OPFSAdapter{
		origin:       origin,
		nouns:        make(map[string]Noun),
		verbs:        make(map[string]Verb),
		metadata:     make(map[string]Metadata),
		stats:        Statistics{Counters: make(map[string]int64)},
		coordination: coordinatorFor(origin),
	}
}

func (a *OPFSAdapter) SaveNoun(_ context.Context, n Noun) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nouns[n.ID] = n
	return nil
}

func (a *OPFSAdapter) GetNoun(_ context.Context, id string) (Noun, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	n, ok := a.nouns[id]
	if !ok {
		return Noun{}, ErrNotFound
	}
	return n, nil
}

func (a *OPFSAdapter) GetAllNouns(_ context.Context) ([]Noun, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Noun, 0, len(a.nouns))
	for _, n := range a.nouns {
		out = append(out, n)
	}
	return out, nil
}

func (a *OPFSAdapter) GetNounsByNounType(_ context.Context, nounType string) ([]Noun, error) {
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

func (a *OPFSAdapter) DeleteNoun(_ context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.nouns[id]; !ok {
		return ErrNotFound
	}
	delete(a.nouns, id)
	return nil
}

func (a *OPFSAdapter) SaveVerb(_ context.Context, v Verb) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.verbs[v.ID] = v
	return nil
}

func (a *OPFSAdapter) GetVerb(_ context.Context, id string) (Verb, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.verbs[id]
	if !ok {
		return Verb{}, ErrNotFound
	}
	return v, nil
}

func (a *OPFSAdapter) GetAllVerbs(_ context.Context) ([]Verb, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Verb, 0, len(a.verbs))
	for _, v := range a.verbs {
		out = append(out, v)
	}
	return out, nil
}

func (a *OPFSAdapter) GetVerbsBySource(_ context.Context, sourceID string) ([]Verb, error) {
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

func (a *OPFSAdapter) GetVerbsByTarget(_ context.Context, targetID string) ([]Verb, error) {
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

func (a *OPFSAdapter) GetVerbsByType(_ context.Context, verbType string) ([]Verb, error) {
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

func (a *OPFSAdapter) DeleteVerb(_ context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.verbs[id]; !ok {
		return ErrNotFound
	}
	delete(a.verbs, id)
	return nil
}

func (a *OPFSAdapter) SaveMetadata(_ context.Context, id string, m Metadata) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.metadata[id] = m
	return nil
}

func (a *OPFSAdapter) GetMetadata(_ context.Context, id string) (Metadata, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	m, ok := a.metadata[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m, nil
}

func (a *OPFSAdapter) SaveStatistics(_ context.Context, delta StatDelta) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats.Counters[delta.Name] += delta.Value
	if a.stats.Counters[delta.Name] < 0 {
		a.stats.Counters[delta.Name] = 0
	}
	a.stats.UpdatedAt = time.Now()
	return nil
}

func (a *OPFSAdapter) GetStatistics(_ context.Context) (Statistics, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := Statistics{Counters: make(map[string]int64, len(a.stats.Counters)), UpdatedAt: a.stats.UpdatedAt}
	for k, v := range a.stats.Counters {
		out.Counters[k] = v
	}
	return out, nil
}

func (a *OPFSAdapter) FlushStatistics(_ context.Context) error {
	return nil
}

// AcquireLock and ReleaseLock operate against the origin-wide coordination
// table, not this adapter's own mutex, so every tab sharing the origin
// contends on the same lock record.
func (a *OPFSAdapter) AcquireLock(_ context.Context, name string, ttl time.Duration) (LockHandle, error) {
	c := a.coordination
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.locks[name]; ok && time.Now().Before(existing.ExpiresAt) {
		return LockHandle{}, ErrLockAcquisitionFailed
	}
	h := LockHandle{Name: name, Owner: fmt.Sprintf("opfs-%d", time.Now().UnixNano()), ExpiresAt: time.Now().Add(ttl)}
	c.locks[name] = h
	return h, nil
}

func (a *OPFSAdapter) ReleaseLock(_ context.Context, handle LockHandle) error {
	c := a.coordination
	c.mu.Lock()
	defer c.mu.Unlock()
	existing, ok := c.locks[handle.Name]
	if !ok || existing.Owner != handle.Owner {
		return ErrInvalidLockHandle
	}
	delete(c.locks, handle.Name)
	return nil
}

func (a *OPFSAdapter) AppendChangeLog(_ context.Context, entry ChangeLogEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.log = append(a.log, entry)
	return nil
}

func (a *OPFSAdapter) ReadChangeLog(_ context.Context, sinceSeq uint64) ([]ChangeLogEntry, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []ChangeLogEntry
	for _, e := range a.log {
		if e.Seq > sinceSeq {
			out = append(out, e)
		}
	}
	sortChangeLog(out)
	return out, nil
}

func (a *OPFSAdapter) Clear(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nouns = make(map[string]Noun)
	a.verbs = make(map[string]Verb)
	a.metadata = make(map[string]Metadata)
	a.stats = Statistics{Counters: make(map[string]int64)}
	a.log = nil
	return nil
}

func (a *OPFSAdapter) GetStorageStatus(_ context.Context) (Status, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Status{
		Backend:   "opfs:" + a.origin,
		Healthy:   true,
		NounCount: int64(len(a.nouns)),
		VerbCount: int64(len(a.verbs)),
	}, nil
}
