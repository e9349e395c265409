package embedding

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func constantFunc(v []float32) Func {
	return func(_ context.Context, texts []string) ([][]float32, error) {
		out := make([][]float32, len(texts))
		for i := range texts {
			out[i] = v
		}
		return out, nil
	}
}

func TestEmbedEmptyStringReturnsZeroVector(t *testing.T) {
	d := New(Config{Dimension: 3, MainThread: constantFunc([]float32{1, 1, 1})}, nil)
	v, err := d.Embed(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 0}, v)
}

func TestEmbedDispatchesToMainThreadWithoutWorker(t *testing.T) {
	d := New(Config{Dimension: 2, MainThread: constantFunc([]float32{0.5, 0.5})}, nil)
	v, err := d.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.5}, v)
}

func TestEmbedBatchPreservesOrder(t *testing.T) {
	fn := func(_ context.Context, texts []string) ([][]float32, error) {
		return [][]float32{{float32(len(texts[0]))}}, nil
	}
	d := New(Config{Dimension: 1, MainThread: fn, MaxConcurrency: 4}, nil)
	out, err := d.EmbedBatch(context.Background(), []string{"a", "bb", "ccc"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1}, {2}, {3}}, out)
}

func TestEmbedBatchFallsBackFromFailingWorkerAndStaysSticky(t *testing.T) {
	var workerCalls int
	worker := func(_ context.Context, _ []string) ([][]float32, error) {
		workerCalls++
		return nil, errors.New("worker unreachable")
	}
	main := constantFunc([]float32{9})

	d := New(Config{Dimension: 1, Worker: worker, MainThread: main}, nil)

	out, err := d.EmbedBatch(context.Background(), []string{"x"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{9}}, out)
	assert.Equal(t, 1, workerCalls)

	// Second call must not retry the worker: fallback is sticky.
	out, err = d.EmbedBatch(context.Background(), []string{"y"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{9}}, out)
	assert.Equal(t, 1, workerCalls, "worker must not be retried once it has failed")
}

func TestEmbedBatchRejectsWrongDimension(t *testing.T) {
	fn := constantFunc([]float32{1, 2, 3})
	d := New(Config{Dimension: 2, MainThread: fn}, nil)
	_, err := d.EmbedBatch(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestEmbedBatchEmptyInputReturnsNil(t *testing.T) {
	d := New(Config{Dimension: 2, MainThread: constantFunc([]float32{1, 2})}, nil)
	out, err := d.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}
