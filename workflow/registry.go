package workflow

import (
	"context"
	"sort"
	"sync"

	"github.com/flowline-dev/flowline/workflow/expr"
)

// RegistryKind namespaces the registry lookup tables.
type RegistryKind string

const (
	KindActions         RegistryKind = "actions"
	KindAgents          RegistryKind = "agents"
	KindGenerators      RegistryKind = "generators"
	KindContextBuilders RegistryKind = "context_builders"
	KindWorkflows       RegistryKind = "workflows"
)

// Registry is the lookup contract consumed by the validator and executor.
// Implementations map names to concrete callables; the engine never owns
// the entries, only resolves them.
type Registry interface {
	Has(kind RegistryKind, name string) bool
	Get(kind RegistryKind, name string) (any, bool)
	// Names lists the registered names for a kind, used for suggestions
	// in validation errors.
	Names(kind RegistryKind) []string
}

// Action is a named callable invoked by python steps and validation stages.
type Action func(ctx context.Context, kwargs map[string]any) (any, error)

// StreamFunc receives intermediate output chunks from an agent.
type StreamFunc func(chunk string)

// Agent is a named AI agent or generator. Implementations may call stream
// zero or more times before returning the final output; stream is never nil.
type Agent func(ctx context.Context, input map[string]any, stream StreamFunc) (any, error)

// StepOutput aliases the expression package's step output record so
// registry callers don't need to import it.
type StepOutput = expr.StepOutput

// ContextBuilder derives an agent's input context from accumulated inputs
// and step outputs.
type ContextBuilder func(ctx context.Context, inputs map[string]any, outputs map[string]StepOutput) (map[string]any, error)

// MapRegistry is an in-memory Registry.
type MapRegistry struct {
	mu     sync.RWMutex
	tables map[RegistryKind]map[string]any
}

// NewMapRegistry creates an empty registry.
func NewMapRegistry() *MapRegistry {
	return &MapRegistry{tables: make(map[RegistryKind]map[string]any)}
}

func (r *MapRegistry) register(kind RegistryKind, name string, v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tables[kind] == nil {
		r.tables[kind] = make(map[string]any)
	}
	r.tables[kind][name] = v
}

// RegisterAction registers a python-step action or validation stage.
func (r *MapRegistry) RegisterAction(name string, fn Action) { r.register(KindActions, name, fn) }

// RegisterAgent registers an agent.
func (r *MapRegistry) RegisterAgent(name string, fn Agent) { r.register(KindAgents, name, fn) }

// RegisterGenerator registers a generator.
func (r *MapRegistry) RegisterGenerator(name string, fn Agent) { r.register(KindGenerators, name, fn) }

// RegisterContextBuilder registers a context builder.
func (r *MapRegistry) RegisterContextBuilder(name string, fn ContextBuilder) {
	r.register(KindContextBuilders, name, fn)
}

// RegisterWorkflow registers a sub-workflow definition.
func (r *MapRegistry) RegisterWorkflow(name string, f *File) { r.register(KindWorkflows, name, f) }

func (r *MapRegistry) Has(kind RegistryKind, name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tables[kind][name]
	return ok
}

func (r *MapRegistry) Get(kind RegistryKind, name string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.tables[kind][name]
	return v, ok
}

func (r *MapRegistry) Names(kind RegistryKind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tables[kind]))
	for name := range r.tables[kind] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
