// Package hnsw implements the hierarchical navigable small-world graph that
// backs Brainy's approximate-nearest-neighbor search over noun embeddings.
//
// The graph is a multi-level proximity structure: layer 0 holds every node,
// each higher layer holds an exponentially shrinking subset, and search
// descends greedily from the top layer before doing a wider beam search at
// layer 0. Construction and query cost are both O(log N) on average.
//
// Nodes are held in an id→*Node arena; neighbor sets reference ids rather
// than direct pointers, which keeps the graph free of reference cycles and
// lets a change-log entry ("ADD_NOUN", "DELETE_NOUN") be replayed against
// the arena idempotently.
//
// Thread safety: a single Index is safe for concurrent readers and a single
// writer at a time (many-reader-one-writer, per the concurrency model).
// Graph mutation holds the writer lock for the full duration of Insert or
// Delete so the degree-cap and symmetry invariants never observe a partial
// state.
package hnsw

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/brainydb/brainy/pkg/vector"
)

// Errors returned by Index operations, per the spec's error-kind taxonomy.
var (
	ErrDimensionMismatch = errors.New("hnsw: vector dimension mismatch")
	ErrNotFound          = errors.New("hnsw: node not found")
	ErrAlreadyExists     = errors.New("hnsw: node already exists")
	ErrAborted           = errors.New("hnsw: operation aborted")
)

// Config holds the tunable HNSW parameters named in the spec.
//
//	M:              16  (default) target degree cap per node per level
//	EfConstruction: 200 (default) candidate pool size during insert
//	EfSearch:       50  (default) candidate pool size during search
//	MaxLevel:       16  (default) hard cap on assigned node level
type Config struct {
	Dimensions     int
	M              int
	EfConstruction int
	EfSearch       int
	MaxLevel       int
	Kernel         vector.Name
}

// DefaultConfig returns the spec's default parameters for the given
// dimensionality.
func DefaultConfig(dimensions int) Config {
	return Config{
		Dimensions:     dimensions,
		M:              16,
		EfConstruction: 200,
		EfSearch:       50,
		MaxLevel:       16,
		Kernel:         vector.Euclidean,
	}
}

// Node is an HNSW graph node: a stable id, its embedding, and a per-level
// neighbor set. A node appears at every level from 0 through its assigned
// top level.
type Node struct {
	ID          string
	Vector      []float32
	Level       int
	Connections map[int]map[string]struct{}
	Tombstone   bool // soft-delete marker; graph topology is untouched
}

func newNode(id string, vec []float32, level int) *Node {
	n := &Node{
		ID:          id,
		Vector:      vec,
		Level:       level,
		Connections: make(map[int]map[string]struct{}, level+1),
	}
	for l := 0; l <= level; l++ {
		n.Connections[l] = make(map[string]struct{})
	}
	return n
}

// Result is a single search hit: an id and its distance to the query.
type Result struct {
	ID       string
	Distance float64
}

// Index is a single HNSW graph instance. Create with New.
type Index struct {
	mu sync.RWMutex

	cfg      Config
	distance vector.Kernel
	rng      *rand.Rand
	log      *zap.Logger

	nodes      map[string]*Node
	entryPoint string
	maxLevel   int
	dimension  int // recorded from the first inserted vector; 0 means unset

	danglingRefs int64 // count of dangling-neighbor references observed (metrics)
}

// New creates an empty HNSW index with the given configuration.
func New(cfg Config, log *zap.Logger) *Index {
	if cfg.M <= 0 {
		cfg.M = 16
	}
	if cfg.EfConstruction <= 0 {
		cfg.EfConstruction = 200
	}
	if cfg.EfSearch <= 0 {
		cfg.EfSearch = 50
	}
	if cfg.MaxLevel <= 0 {
		cfg.MaxLevel = 16
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Index{
		cfg:      cfg,
		distance: vector.ByName(cfg.Kernel),
		rng:      rand.New(rand.NewSource(1)),
		log:      log,
		nodes:    make(map[string]*Node),
		maxLevel: -1,
	}
}

// Len returns the number of nodes currently in the index, including
// soft-deleted ones.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.nodes)
}

// EntryPoint returns the current entry-point id and whether the index is
// non-empty.
func (idx *Index) EntryPoint() (string, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if len(idx.nodes) == 0 {
		return "", false
	}
	return idx.entryPoint, true
}

// MaxLevel returns the index's recorded maximum level, or -1 if empty.
func (idx *Index) MaxLevel() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.maxLevel
}

// capFor returns the neighbor cap for a given level: 2M at level 0, M above.
func (idx *Index) capFor(level int) int {
	if level == 0 {
		return idx.cfg.M * 2
	}
	return idx.cfg.M
}

// assignLevel draws a new node's top level from an exponentially decaying
// distribution with expected base 1/ln(M), capped at cfg.MaxLevel.
func (idx *Index) assignLevel() int {
	u := idx.rng.Float64()
	for u == 0 {
		u = idx.rng.Float64()
	}
	level := int(math.Floor(-math.Log(u) / math.Log(float64(idx.cfg.M))))
	if level > idx.cfg.MaxLevel {
		level = idx.cfg.MaxLevel
	}
	return level
}

// checkAbort returns ErrAborted if ctx is already done. HNSW mutation does
// not poll mid-operation (per the concurrency model: a mutation that has
// taken the writer guard runs to completion), so this is only checked on
// entry to Insert/Delete/Search.
func checkAbort(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ErrAborted
	default:
		return nil
	}
}

// sortResults sorts by ascending distance, breaking ties by lexicographic id.
func sortResults(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].ID < results[j].ID
	})
}
