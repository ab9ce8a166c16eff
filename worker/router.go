package worker

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/agime-team/agentstream/runtime"
)

// Router picks a Runner by the task's provider name, falling back to a
// default when the task names none.
type Router struct {
	runners  map[string]Runner
	fallback string
}

// NewRouter creates a Router. fallback names the runner used for tasks
// without a provider; it must be one of runners.
func NewRouter(runners map[string]Runner, fallback string) (*Router, error) {
	normalized := make(map[string]Runner, len(runners))
	for name, r := range runners {
		normalized[strings.ToLower(name)] = r
	}
	fallback = strings.ToLower(fallback)
	if _, ok := normalized[fallback]; !ok {
		return nil, fmt.Errorf("worker: fallback runner %q is not registered", fallback)
	}
	return &Router{runners: normalized, fallback: fallback}, nil
}

// Names lists the routable provider names.
func (r *Router) Names() []string {
	names := make([]string, 0, len(r.runners))
	for name := range r.runners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name is routable.
func (r *Router) Has(name string) bool {
	if name == "" {
		return true
	}
	_, ok := r.runners[strings.ToLower(name)]
	return ok
}

// Run implements Runner.
func (r *Router) Run(ctx context.Context, task Task, emit runtime.EventEmitter) error {
	name := strings.ToLower(task.Provider)
	if name == "" {
		name = r.fallback
	}
	runner, ok := r.runners[name]
	if !ok {
		return fmt.Errorf("worker: unknown provider %q", task.Provider)
	}
	return runner.Run(ctx, task, emit)
}

var _ Runner = (*Router)(nil)
