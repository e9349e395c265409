// Package embedding bridges Brainy's HNSW index to an opaque embedding
// model. The model itself is out of scope (per the spec's non-goals); this
// package only wraps a fixed-dimension embed function with threaded
// dispatch, a concurrency cap, and a worker/main-thread fallback policy.
package embedding

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/brainydb/brainy/pkg/vector"
)

// ErrDimensionMismatch is returned when a Func produces a vector whose
// length doesn't match the configured dimension.
var ErrDimensionMismatch = errors.New("embedding: function returned wrong dimension")

// Func embeds a batch of text into fixed-dimension vectors, one per input.
// Concurrent invocation must be safe.
type Func func(ctx context.Context, texts []string) ([][]float32, error)

// Config selects which dispatch paths are available and how much
// parallelism batch embedding may use.
type Config struct {
	Dimension      int
	MainThread     Func
	Worker         Func // optional; nil disables the worker path entirely
	MaxConcurrency int
}

// Dispatcher wraps an embedding Func with the worker/main-thread fallback
// policy from the spec's design notes: both paths share the same signature
// and dimension contract, and a worker failure falls back to the main
// thread once per process, sticky thereafter.
type Dispatcher struct {
	cfg Config
	log *zap.Logger

	mu           sync.Mutex
	workerDown   bool
}

// New creates a Dispatcher. If cfg.Worker is nil, every call goes straight
// to cfg.MainThread.
func New(cfg Config, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	return &Dispatcher{cfg: cfg, log: log}
}

// Embed embeds a single string. An empty string returns a zero vector of
// the configured dimension without invoking the underlying function, per
// the spec's embedding-function contract.
func (d *Dispatcher) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return make([]float32, d.cfg.Dimension), nil
	}
	out, err := d.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch embeds every text, preserving input order. Each text is sent to
// the embedding function in its own call, dispatched via an errgroup with at
// most MaxConcurrency calls in flight, bounding how much of the embedding
// backend's capacity one batch can consume.
func (d *Dispatcher) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	fn, usingWorker := d.activeFunc()
	out, err := d.dispatch(ctx, fn, texts)
	if err != nil && usingWorker {
		d.markWorkerDown(err)
		out, err = d.dispatch(ctx, d.cfg.MainThread, texts)
	}
	return out, err
}

func (d *Dispatcher) activeFunc() (Func, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cfg.Worker != nil && !d.workerDown {
		return d.cfg.Worker, true
	}
	return d.cfg.MainThread, false
}

func (d *Dispatcher) markWorkerDown(cause error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.workerDown {
		d.workerDown = true
		d.log.Warn("embedding: worker path failed, falling back to main thread for the rest of this process", zap.Error(cause))
	}
}

// dispatch fans texts out across fn one text per call, with at most
// MaxConcurrency calls running at once, validating each returned vector's
// dimension before handing results back.
func (d *Dispatcher) dispatch(ctx context.Context, fn Func, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	groupSize := d.cfg.MaxConcurrency
	if groupSize > len(texts) {
		groupSize = len(texts)
	}
	if groupSize < 1 {
		groupSize = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, groupSize)

	for i, text := range texts {
		i, text := i, text
		sem <- struct{}{}
		g.Go(func() error {
			defer func() { <-sem }()
			vecs, err := fn(gctx, []string{text})
			if err != nil {
				return err
			}
			if len(vecs) != 1 {
				return errors.New("embedding: function returned wrong batch size")
			}
			if d.cfg.Dimension > 0 && len(vecs[0]) != d.cfg.Dimension {
				return ErrDimensionMismatch
			}
			results[i] = vecs[0]
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Normalize is exposed for callers that want unit-length embeddings before
// insertion into the HNSW index's cosine kernel.
func Normalize(v []float32) []float32 {
	return vector.Normalize(v)
}
