package hnsw

import (
	"context"
	"sort"
)

// Insert adds a new vector under id. The first vector inserted into an empty
// index fixes the index's dimensionality; every subsequent insert must match
// it exactly or fail with ErrDimensionMismatch. Re-inserting an existing id
// fails with ErrAlreadyExists; callers that want an upsert should Delete
// first.
func (idx *Index) Insert(ctx context.Context, id string, vec []float32) error {
	if err := checkAbort(ctx); err != nil {
		return err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, exists := idx.nodes[id]; exists {
		return ErrAlreadyExists
	}
	if idx.dimension == 0 {
		idx.dimension = len(vec)
	} else if len(vec) != idx.dimension {
		return ErrDimensionMismatch
	}

	level := idx.assignLevel()
	node := newNode(id, vec, level)

	if len(idx.nodes) == 0 {
		idx.nodes[id] = node
		idx.entryPoint = id
		idx.maxLevel = level
		return nil
	}

	oldMaxLevel := idx.maxLevel
	current := idx.entryPoint

	// One-step greedy descent from the entry point down to the new node's
	// top level, to find a good starting candidate there.
	for l := oldMaxLevel; l > level; l-- {
		cands := idx.searchLayer(vec, current, 1, l)
		if len(cands) > 0 {
			current = cands[0].id
		}
	}

	idx.nodes[id] = node

	startLevel := level
	if oldMaxLevel < startLevel {
		startLevel = oldMaxLevel
	}

	for l := startLevel; l >= 0; l-- {
		cands := idx.searchLayer(vec, current, idx.cfg.EfConstruction, l)

		// Only nodes that are themselves present at level l can accept a
		// back edge here; a candidate surfaced only as the search seed may
		// not reach this level.
		eligible := cands[:0:0]
		for _, c := range cands {
			if n, ok := idx.nodes[c.id]; ok && n.Level >= l {
				eligible = append(eligible, c)
			}
		}
		sortCandidates(eligible)

		m := idx.cfg.M
		if len(eligible) > m {
			eligible = eligible[:m]
		}

		for _, c := range eligible {
			idx.connect(id, c.id, l)
		}
		for _, c := range eligible {
			idx.pruneNode(c.id, l)
		}

		if len(eligible) > 0 {
			current = eligible[0].id
		}
	}

	if level > oldMaxLevel {
		idx.maxLevel = level
		idx.entryPoint = id
	}

	return nil
}

// connect installs a bidirectional edge between a and b at level. Both nodes
// must already have an entry for that level.
func (idx *Index) connect(a, b string, level int) {
	na, aok := idx.nodes[a]
	nb, bok := idx.nodes[b]
	if !aok || !bok {
		return
	}
	na.Connections[level][b] = struct{}{}
	nb.Connections[level][a] = struct{}{}
}

// pruneNode trims id's neighbor set at level down to the level's degree cap,
// keeping the nearest survivors and removing the corresponding back edges.
// Dangling neighbor ids are dropped and counted rather than treated as an
// error.
func (idx *Index) pruneNode(id string, level int) {
	n, ok := idx.nodes[id]
	if !ok {
		return
	}
	neighbors := n.Connections[level]
	cap := idx.capFor(level)
	if len(neighbors) <= cap {
		return
	}

	type scored struct {
		id   string
		dist float64
	}
	survivors := make([]scored, 0, len(neighbors))
	for nid := range neighbors {
		nn, ok := idx.nodes[nid]
		if !ok {
			idx.recordDangling(nid)
			continue
		}
		survivors = append(survivors, scored{nid, idx.distance(n.Vector, nn.Vector)})
	}
	if len(survivors) == 0 {
		n.Connections[level] = make(map[string]struct{})
		return
	}

	sort.Slice(survivors, func(i, j int) bool {
		if survivors[i].dist != survivors[j].dist {
			return survivors[i].dist < survivors[j].dist
		}
		return survivors[i].id < survivors[j].id
	})
	if len(survivors) > cap {
		survivors = survivors[:cap]
	}

	kept := make(map[string]struct{}, len(survivors))
	for _, s := range survivors {
		kept[s.id] = struct{}{}
	}
	for nid := range neighbors {
		if _, ok := kept[nid]; !ok {
			if nn, ok := idx.nodes[nid]; ok {
				delete(nn.Connections[level], id)
			}
		}
	}
	n.Connections[level] = kept
}
