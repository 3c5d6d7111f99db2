package swarm

import (
	"context"
	"sort"
	"strings"
	"sync"

	"taskswarm/internal/domain"
)

// Executor performs the work of one task given its description and the
// results of its dependencies, in blocked_by order. The returned artifact is
// opaque to the coordinator.
type Executor interface {
	Execute(ctx context.Context, description string, deps []domain.DependencyResult) (any, error)
}

type ExecutorFunc func(ctx context.Context, description string, deps []domain.DependencyResult) (any, error)

func (f ExecutorFunc) Execute(ctx context.Context, description string, deps []domain.DependencyResult) (any, error) {
	return f(ctx, description, deps)
}

// Registry maps metadata tags to executors. Unknown or missing tags resolve to
// the default tag.
type Registry struct {
	mu         sync.RWMutex
	executors  map[string]Executor
	defaultTag string
}

func NewRegistry(defaultTag string) *Registry {
	return &Registry{
		executors:  make(map[string]Executor),
		defaultTag: strings.TrimSpace(defaultTag),
	}
}

func (r *Registry) Register(tag string, exec Executor) {
	tag = strings.TrimSpace(tag)
	if tag == "" || exec == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[tag] = exec
}

func (r *Registry) DefaultTag() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultTag
}

// Resolve returns the tag actually used and its executor. The executor is nil
// only when neither tag nor the default is registered.
func (r *Registry) Resolve(tag string) (string, Executor) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if exec, ok := r.executors[strings.TrimSpace(tag)]; ok {
		return strings.TrimSpace(tag), exec
	}
	return r.defaultTag, r.executors[r.defaultTag]
}

func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.executors))
	for tag := range r.executors {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}
