package hnsw

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig(2)
	cfg.M = 4
	cfg.EfConstruction = 32
	cfg.EfSearch = 16
	return cfg
}

// fivePointIndex builds the five labeled points used by the k-NN
// correctness scenario: a=(0,0) b=(1,0) c=(0,1) d=(10,10) e=(-1,-1).
func fivePointIndex(t *testing.T) *Index {
	t.Helper()
	idx := New(testConfig(), nil)
	points := map[string][]float32{
		"a": {0, 0},
		"b": {1, 0},
		"c": {0, 1},
		"d": {10, 10},
		"e": {-1, -1},
	}
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, idx.Insert(context.Background(), id, points[id]))
	}
	return idx
}

func TestScenarioS1DimensionMismatch(t *testing.T) {
	idx := New(DefaultConfig(3), nil)
	ctx := context.Background()
	require.NoError(t, idx.Insert(ctx, "first", []float32{0.1, 0.2, 0.3}))
	err := idx.Insert(ctx, "second", []float32{0.4, 0.5})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestScenarioS2KNNCorrectness(t *testing.T) {
	idx := fivePointIndex(t)
	results, err := idx.Search(context.Background(), []float32{0.1, 0.1}, 3)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{results[0].ID, results[1].ID, results[2].ID})
}

func TestScenarioS3SoftDelete(t *testing.T) {
	idx := fivePointIndex(t)
	ctx := context.Background()
	require.NoError(t, idx.Delete(ctx, "a", false))

	results, err := idx.Search(ctx, []float32{0.1, 0.1}, 3)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []string{"b", "c", "e"}, []string{results[0].ID, results[1].ID, results[2].ID})
}

func TestScenarioS4HardDeleteSymmetry(t *testing.T) {
	idx := fivePointIndex(t)
	ctx := context.Background()
	require.NoError(t, idx.Delete(ctx, "b", true))

	for id, n := range idx.nodes {
		for level, neighbors := range n.Connections {
			_, found := neighbors["b"]
			assert.False(t, found, "%s still references hard-deleted b at level %d", id, level)
		}
	}

	results, err := idx.Search(ctx, []float32{0.1, 0.1}, 3)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []string{"a", "c", "e"}, []string{results[0].ID, results[1].ID, results[2].ID})
}

func TestInsertRejectsDuplicateID(t *testing.T) {
	idx := New(testConfig(), nil)
	ctx := context.Background()
	require.NoError(t, idx.Insert(ctx, "a", []float32{0, 0}))
	err := idx.Insert(ctx, "a", []float32{1, 1})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestInsertRejectsDimensionMismatch(t *testing.T) {
	idx := New(testConfig(), nil)
	ctx := context.Background()
	require.NoError(t, idx.Insert(ctx, "a", []float32{0, 0}))
	err := idx.Insert(ctx, "b", []float32{1, 1, 1})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestSearchOnEmptyIndexReturnsEmpty(t *testing.T) {
	idx := New(testConfig(), nil)
	results, err := idx.Search(context.Background(), []float32{0, 0}, 3)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchRejectsDimensionMismatchOnNonEmptyIndex(t *testing.T) {
	idx := fivePointIndex(t)
	_, err := idx.Search(context.Background(), []float32{0, 0, 0}, 3)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestSearchReturnsNearestNeighborsInOrder(t *testing.T) {
	idx := fivePointIndex(t)
	results, err := idx.Search(context.Background(), []float32{0, 0}, 3)
	require.NoError(t, err)
	require.Len(t, results, 3)

	ids := []string{results[0].ID, results[1].ID, results[2].ID}
	assert.Equal(t, "a", ids[0])
	assert.ElementsMatch(t, []string{"b", "c"}, ids[1:3])

	for i := 1; i < len(results); i++ {
		assert.LessOrEqual(t, results[i-1].Distance, results[i].Distance)
	}
}

func TestSearchBreaksTiesByLexicographicID(t *testing.T) {
	idx := New(testConfig(), nil)
	ctx := context.Background()
	require.NoError(t, idx.Insert(ctx, "z", []float32{1, 0}))
	require.NoError(t, idx.Insert(ctx, "a", []float32{0, 1}))

	results, err := idx.Search(ctx, []float32{0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, "z", results[1].ID)
}

func TestSoftDeleteExcludesFromSearchButKeepsTopology(t *testing.T) {
	idx := fivePointIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Delete(ctx, "a", false))
	assert.Equal(t, 5, idx.Len(), "soft delete must not remove the node")

	results, err := idx.Search(ctx, []float32{0, 0}, 3)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "a", r.ID)
	}
}

func TestHardDeleteRemovesNodeAndBackEdges(t *testing.T) {
	idx := fivePointIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Delete(ctx, "a", true))
	assert.Equal(t, 4, idx.Len())

	for id, n := range idx.nodes {
		for level, neighbors := range n.Connections {
			_, found := neighbors["a"]
			assert.False(t, found, "node %s still references deleted node at level %d", id, level)
		}
	}

	results, err := idx.Search(ctx, []float32{0, 0}, 3)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "a", r.ID)
	}
}

func TestHardDeleteOfEntryPointElectsNewOne(t *testing.T) {
	idx := fivePointIndex(t)
	ctx := context.Background()

	entry, ok := idx.EntryPoint()
	require.True(t, ok)

	require.NoError(t, idx.Delete(ctx, entry, true))

	newEntry, ok := idx.EntryPoint()
	require.True(t, ok)
	assert.NotEqual(t, entry, newEntry)
	if _, err := idx.Search(ctx, []float32{0, 0}, 1); err != nil {
		t.Fatalf("search after entry-point reelection failed: %v", err)
	}
}

func TestDeleteUnknownIDReturnsNotFound(t *testing.T) {
	idx := fivePointIndex(t)
	err := idx.Delete(context.Background(), "nope", false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConnectionsAreBidirectional(t *testing.T) {
	idx := fivePointIndex(t)
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	for id, n := range idx.nodes {
		for level, neighbors := range n.Connections {
			for nid := range neighbors {
				other, ok := idx.nodes[nid]
				require.True(t, ok)
				_, back := other.Connections[level][id]
				assert.True(t, back, "%s -> %s at level %d has no back edge", id, nid, level)
			}
		}
	}
}

func TestDegreeCapRespected(t *testing.T) {
	cfg := testConfig()
	idx := New(cfg, nil)
	ctx := context.Background()
	for i := 0; i < 64; i++ {
		id := string(rune('A' + i%26))
		if i >= 26 {
			id += string(rune('a' + i/26))
		}
		require.NoError(t, idx.Insert(ctx, id, []float32{float32(i), float32(-i)}))
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()
	for id, n := range idx.nodes {
		for level, neighbors := range n.Connections {
			assert.LessOrEqual(t, len(neighbors), idx.capFor(level), "node %s exceeds degree cap at level %d", id, level)
		}
	}
}

func TestInsertAbortsOnCanceledContext(t *testing.T) {
	idx := New(testConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := idx.Insert(ctx, "a", []float32{0, 0})
	assert.ErrorIs(t, err, ErrAborted)
}
