package hnsw

import "context"

// Delete removes id from the index. A soft delete (hard=false) flips the
// node's tombstone so it is excluded from Search results but left in the
// graph, keeping it available as a traversal waypoint for other nodes. A
// hard delete removes the node entirely: every direct neighbor's back edge
// is dropped and that neighbor is re-pruned (per the spec's Open Question on
// delete cost, repair is limited to direct neighbors rather than a full
// re-link of the surrounding region). If id was the entry point, a new one
// is elected: the surviving node with the highest level, ties broken by the
// lexicographically smallest id.
func (idx *Index) Delete(ctx context.Context, id string, hard bool) error {
	if err := checkAbort(ctx); err != nil {
		return err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	n, ok := idx.nodes[id]
	if !ok {
		return ErrNotFound
	}

	if !hard {
		n.Tombstone = true
		return nil
	}

	for level, neighbors := range n.Connections {
		for nid := range neighbors {
			nn, ok := idx.nodes[nid]
			if !ok {
				continue
			}
			delete(nn.Connections[level], id)
			idx.pruneNode(nid, level)
		}
	}

	delete(idx.nodes, id)

	if idx.entryPoint == id {
		idx.reelectEntryPoint()
	}

	return nil
}

// reelectEntryPoint scans remaining nodes for a new entry point after the
// current one is hard-deleted. Map iteration order is random, but the
// comparison is against a running best so the result is deterministic.
func (idx *Index) reelectEntryPoint() {
	best := ""
	bestLevel := -1
	for id, n := range idx.nodes {
		if n.Level > bestLevel || (n.Level == bestLevel && (best == "" || id < best)) {
			bestLevel = n.Level
			best = id
		}
	}
	idx.entryPoint = best
	idx.maxLevel = bestLevel
}
