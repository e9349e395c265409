package hnsw

import (
	"container/heap"
	"context"
	"sort"
	"sync/atomic"

	"go.uber.org/zap"
)

// searchLayer runs the greedy beam search described in the spec at a single
// graph level, starting from entry. The caller must hold at least a read
// lock on idx.
//
// It maintains a min-heap of candidates still to explore and a max-heap of
// the best `ef` results seen so far, expanding a candidate's unvisited
// neighbors until the nearest remaining candidate is farther than the
// current worst result.
func (idx *Index) searchLayer(q []float32, entry string, ef, level int) []candidate {
	entryNode, ok := idx.nodes[entry]
	if !ok {
		idx.recordDangling(entry)
		return nil
	}

	visited := map[string]bool{entry: true}
	d0 := idx.distance(q, entryNode.Vector)

	candidates := newMinHeap()
	heap.Push(candidates, candidate{entry, d0})
	results := newMaxHeap()
	heap.Push(results, candidate{entry, d0})

	for candidates.Len() > 0 {
		c := heap.Pop(candidates).(candidate)

		if results.Len() >= ef {
			worst := (*results)[0]
			if c.distance > worst.distance {
				break
			}
		}

		cNode, ok := idx.nodes[c.id]
		if !ok {
			idx.recordDangling(c.id)
			continue
		}

		for nid := range cNode.Connections[level] {
			if visited[nid] {
				continue
			}
			visited[nid] = true

			nNode, ok := idx.nodes[nid]
			if !ok {
				idx.recordDangling(nid)
				continue
			}

			dist := idx.distance(q, nNode.Vector)

			if results.Len() < ef {
				heap.Push(candidates, candidate{nid, dist})
				heap.Push(results, candidate{nid, dist})
				continue
			}

			worst := (*results)[0]
			if dist < worst.distance {
				heap.Push(candidates, candidate{nid, dist})
				heap.Push(results, candidate{nid, dist})
				heap.Pop(results)
			}
		}
	}

	out := make([]candidate, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(candidate)
	}
	sortCandidates(out)
	return out
}

func sortCandidates(c []candidate) {
	sort.Slice(c, func(i, j int) bool {
		if c[i].distance != c[j].distance {
			return c[i].distance < c[j].distance
		}
		return c[i].id < c[j].id
	})
}

func (idx *Index) recordDangling(id string) {
	atomic.AddInt64(&idx.danglingRefs, 1)
	idx.log.Debug("hnsw: dangling neighbor reference, skipping", zap.String("id", id))
}

// DanglingReferenceCount returns how many dangling neighbor ids have been
// observed and skipped over the index's lifetime. Exposed for pkg/metrics.
func (idx *Index) DanglingReferenceCount() int64 {
	return atomic.LoadInt64(&idx.danglingRefs)
}

// Search returns the k nearest neighbors of q, ascending by distance, with
// soft-deleted nodes filtered from the result (though they may still be
// traversed internally). An empty index returns an empty slice; a non-empty
// index with a mismatched query dimension fails with ErrDimensionMismatch.
func (idx *Index) Search(ctx context.Context, q []float32, k int) ([]Result, error) {
	if err := checkAbort(ctx); err != nil {
		return nil, err
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if len(idx.nodes) == 0 {
		return []Result{}, nil
	}
	if idx.dimension != 0 && len(q) != idx.dimension {
		return nil, ErrDimensionMismatch
	}
	if k <= 0 {
		return []Result{}, nil
	}

	current := idx.entryPoint
	for level := idx.maxLevel; level > 0; level-- {
		cands := idx.searchLayer(q, current, 1, level)
		if len(cands) > 0 {
			current = cands[0].id
		}
	}

	ef := idx.cfg.EfSearch
	if k > ef {
		ef = k
	}
	cands := idx.searchLayer(q, current, ef, 0)

	results := make([]Result, 0, len(cands))
	for _, c := range cands {
		node, ok := idx.nodes[c.id]
		if !ok || node.Tombstone {
			continue
		}
		results = append(results, Result{ID: c.id, Distance: c.distance})
	}
	sortResults(results)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}
