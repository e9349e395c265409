package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// adapterFactories lets the CRUD and lock behavior be exercised identically
// against the memory and OPFS variants, since both must satisfy the same
// Adapter contract.
func adapterFactories() map[string]func() Adapter {
	return map[string]func() Adapter{
		"memory": func() Adapter { return NewMemoryAdapter(nil) },
		"opfs":   func() Adapter { return NewOPFSAdapter("https://example.test", nil) },
	}
}

func TestAdapterNounCRUD(t *testing.T) {
	for name, factory := range adapterFactories() {
		t.Run(name, func(t *testing.T) {
			a := factory()
			ctx := context.Background()

			n := Noun{ID: "n1", Vector: []float32{1, 2, 3}, NounType: "person"}
			require.NoError(t, a.SaveNoun(ctx, n))

			got, err := a.GetNoun(ctx, "n1")
			require.NoError(t, err)
			assert.Equal(t, n, got)

			byType, err := a.GetNounsByNounType(ctx, "person")
			require.NoError(t, err)
			assert.Len(t, byType, 1)

			byOtherType, err := a.GetNounsByNounType(ctx, "place")
			require.NoError(t, err)
			assert.Empty(t, byOtherType)

			require.NoError(t, a.DeleteNoun(ctx, "n1"))
			_, err = a.GetNoun(ctx, "n1")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestAdapterUnknownNounTypeRoutesToDefault(t *testing.T) {
	for name, factory := range adapterFactories() {
		t.Run(name, func(t *testing.T) {
			a := factory()
			ctx := context.Background()
			require.NoError(t, a.SaveNoun(ctx, Noun{ID: "n1", NounType: "spaceship"}))

			nouns, err := a.GetNounsByNounType(ctx, "spaceship")
			require.NoError(t, err)
			assert.Len(t, nouns, 1)

			nouns, err = a.GetNounsByNounType(ctx, "default")
			require.NoError(t, err)
			assert.Len(t, nouns, 1)
		})
	}
}

func TestAdapterVerbCRUD(t *testing.T) {
	for name, factory := range adapterFactories() {
		t.Run(name, func(t *testing.T) {
			a := factory()
			ctx := context.Background()

			v := Verb{ID: "v1", SourceID: "a", TargetID: "b", Type: "knows", CreatedAt: time.Now()}
			require.NoError(t, a.SaveVerb(ctx, v))

			bySource, err := a.GetVerbsBySource(ctx, "a")
			require.NoError(t, err)
			assert.Len(t, bySource, 1)

			byTarget, err := a.GetVerbsByTarget(ctx, "b")
			require.NoError(t, err)
			assert.Len(t, byTarget, 1)

			byType, err := a.GetVerbsByType(ctx, "knows")
			require.NoError(t, err)
			assert.Len(t, byType, 1)

			require.NoError(t, a.DeleteVerb(ctx, "v1"))
			_, err = a.GetVerb(ctx, "v1")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestAdapterStatisticsClampAtZero(t *testing.T) {
	for name, factory := range adapterFactories() {
		t.Run(name, func(t *testing.T) {
			a := factory()
			ctx := context.Background()

			require.NoError(t, a.SaveStatistics(ctx, StatDelta{Name: "nounCount", Value: 1}))
			require.NoError(t, a.SaveStatistics(ctx, StatDelta{Name: "nounCount", Value: -5}))

			stats, err := a.GetStatistics(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(0), stats.Counters["nounCount"])
		})
	}
}

func TestAdapterLockContentionAndExpiry(t *testing.T) {
	for name, factory := range adapterFactories() {
		t.Run(name, func(t *testing.T) {
			a := factory()
			ctx := context.Background()

			handle, err := a.AcquireLock(ctx, "region-a", 20*time.Millisecond)
			require.NoError(t, err)

			_, err = a.AcquireLock(ctx, "region-a", 20*time.Millisecond)
			assert.ErrorIs(t, err, ErrLockAcquisitionFailed, "lock should still be held")

			time.Sleep(30 * time.Millisecond)

			stolen, err := a.AcquireLock(ctx, "region-a", 20*time.Millisecond)
			require.NoError(t, err, "expired lock must be stealable")
			assert.NotEqual(t, handle.Owner, stolen.Owner)

			assert.ErrorIs(t, a.ReleaseLock(ctx, handle), ErrInvalidLockHandle, "original owner lost the lock to expiry")
			require.NoError(t, a.ReleaseLock(ctx, stolen))
		})
	}
}

func TestAdapterClearRemovesEverything(t *testing.T) {
	for name, factory := range adapterFactories() {
		t.Run(name, func(t *testing.T) {
			a := factory()
			ctx := context.Background()
			require.NoError(t, a.SaveNoun(ctx, Noun{ID: "n1"}))
			require.NoError(t, a.SaveVerb(ctx, Verb{ID: "v1"}))
			require.NoError(t, a.Clear(ctx))

			status, err := a.GetStorageStatus(ctx)
			require.NoError(t, err)
			assert.Zero(t, status.NounCount)
			assert.Zero(t, status.VerbCount)
		})
	}
}

func TestPartitionForUnknownNounTypeIsDefault(t *testing.T) {
	assert.Equal(t, Default, PartitionFor("spaceship"))
	assert.Equal(t, Person, PartitionFor("person"))
}
