// Package pipeline implements Brainy's six-stage augmentation pipeline:
// SENSE, MEMORY, COGNITION, CONDUIT, ACTIVATION, PERCEPTION. Augmentations
// register themselves with a process-wide Registry keyed by (type, name);
// a Run executes every enabled augmentation for each stage in registration
// order, honoring each augmentation's timeout and stopOnError policy.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/brainydb/brainy/pkg/metrics"
)

// StageType names one of the six pipeline stages, in execution order.
type StageType string

const (
	Sense      StageType = "SENSE"
	Memory     StageType = "MEMORY"
	Cognition  StageType = "COGNITION"
	Conduit    StageType = "CONDUIT"
	Activation StageType = "ACTIVATION"
	Perception StageType = "PERCEPTION"
)

// StageOrder is the fixed execution order of the six stages.
var StageOrder = []StageType{Sense, Memory, Cognition, Conduit, Activation, Perception}

var (
	ErrDuplicateAugmentation = errors.New("pipeline: augmentation already registered for this (type, name)")
	ErrAugmentationNotFound  = errors.New("pipeline: no augmentation registered for this (type, name)")
	ErrStageTimeout          = errors.New("pipeline: stage timed out")
)

// Result is what a single augmentation's Execute call reports.
type Result struct {
	Success bool
	Data    any
	Error   error
}

// Handler is a single augmentation's execute(input, context) contract.
type Handler interface {
	Execute(ctx context.Context, input any, pipelineCtx map[string]any) Result
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, input any, pipelineCtx map[string]any) Result

func (f HandlerFunc) Execute(ctx context.Context, input any, pipelineCtx map[string]any) Result {
	return f(ctx, input, pipelineCtx)
}

// Augmentation is one registered handler for a stage.
type Augmentation struct {
	Type        StageType
	Name        string
	Handler     Handler
	Timeout     time.Duration // 0 means no timeout
	StopOnError bool

	enabled bool
}

func key(t StageType, name string) string { return fmt.Sprintf("%s/%s", t, name) }

// Registry is the process-wide augmentation table. Registration order
// within a type determines execution order.
type Registry struct {
	mu      sync.RWMutex
	byType  map[StageType][]*Augmentation
	byKey   map[string]*Augmentation
	metrics *metrics.Registry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byType: make(map[StageType][]*Augmentation),
		byKey:  make(map[string]*Augmentation),
	}
}

// WithMetrics attaches a metrics.Registry that Run reports throughput and
// stage-error counts to. Optional; a Registry with none attached runs
// unmeasured.
func (r *Registry) WithMetrics(m *metrics.Registry) *Registry {
	r.metrics = m
	return r
}

// Register adds a, enabled by default. Registering a duplicate (type, name)
// pair fails rather than silently replacing the existing augmentation.
func (r *Registry) Register(a *Augmentation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(a.Type, a.Name)
	if _, exists := r.byKey[k]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAugmentation, k)
	}
	a.enabled = true
	r.byKey[k] = a
	r.byType[a.Type] = append(r.byType[a.Type], a)
	return nil
}

// SetEnabled toggles an augmentation without unloading it from the
// registry.
func (r *Registry) SetEnabled(t StageType, name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.byKey[key(t, name)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAugmentationNotFound, key(t, name))
	}
	a.enabled = enabled
	return nil
}

// stageHandlers returns the enabled augmentations for t, in registration
// order.
func (r *Registry) stageHandlers(t StageType) []*Augmentation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := r.byType[t]
	out := make([]*Augmentation, 0, len(all))
	for _, a := range all {
		if a.enabled {
			out = append(out, a)
		}
	}
	return out
}
