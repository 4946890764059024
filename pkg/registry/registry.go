// Package registry maintains the catalog of analyzer definitions and their
// dependency graph. The graph is validated on every registration: a
// definition that would introduce a cycle is rejected wholesale and the
// registry keeps its previous state.
package registry

import (
	"sort"
	"sync"

	"github.com/sketchflow/sketchflow/internal/model"
	sferrors "github.com/sketchflow/sketchflow/pkg/errors"
)

// Registry is a thread-safe catalog of analyzer definitions.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*model.AnalyzerDefinition
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{defs: make(map[string]*model.AnalyzerDefinition)}
}

// Register adds a definition to the catalog. It fails with
// CodeDuplicateName if the name is taken and with CodeCycle if the
// definition would close a dependency cycle; on failure the catalog is
// unchanged.
func (r *Registry) Register(def *model.AnalyzerDefinition) error {
	if def.Name == "" {
		return sferrors.New(sferrors.CodeUnknownAnalyzer, "definition has no name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[def.Name]; exists {
		return sferrors.Newf(sferrors.CodeDuplicateName, "analyzer %s already registered", def.Name)
	}

	for _, dep := range def.DependsOn {
		if dep == def.Name {
			return sferrors.Cycle([]string{def.Name, def.Name})
		}
	}

	r.defs[def.Name] = def
	if path := r.findCycle(); path != nil {
		delete(r.defs, def.Name)
		return sferrors.Cycle(path)
	}
	return nil
}

// findCycle runs a coloring DFS over the registered graph. Edges to names
// not yet registered are ignored; they cannot close a cycle.
func (r *Registry) findCycle() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(r.defs))

	var stack []string
	var visit func(name string) []string
	visit = func(name string) []string {
		color[name] = gray
		stack = append(stack, name)

		def := r.defs[name]
		for _, dep := range def.DependsOn {
			if _, known := r.defs[dep]; !known {
				continue
			}
			switch color[dep] {
			case white:
				if path := visit(dep); path != nil {
					return path
				}
			case gray:
				// Found a back edge; cut the stack at the cycle entry.
				for i, n := range stack {
					if n == dep {
						return append(append([]string{}, stack[i:]...), dep)
					}
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[name] = black
		return nil
	}

	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if color[name] == white {
			if path := visit(name); path != nil {
				return path
			}
		}
	}
	return nil
}

// Get returns a definition by name.
func (r *Registry) Get(name string) (*model.AnalyzerDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[name]
	if !ok {
		return nil, sferrors.UnknownAnalyzer(name)
	}
	return def, nil
}

// List returns all registered definitions sorted by name.
func (r *Registry) List() []*model.AnalyzerDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*model.AnalyzerDefinition, 0, len(r.defs))
	for _, def := range r.defs {
		result = append(result, def)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Resolve expands the requested analyzer names to the induced sub-graph
// including all transitive dependencies, returned in topological order:
// every definition appears after everything it depends on. Unknown names,
// requested or reached through a dependency edge, fail the whole call.
func (r *Registry) Resolve(names []string) ([]*model.AnalyzerDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var order []*model.AnalyzerDefinition
	visited := make(map[string]bool)

	var visit func(name string) error
	visit = func(name string) error {
		if visited[name] {
			return nil
		}
		def, ok := r.defs[name]
		if !ok {
			return sferrors.UnknownAnalyzer(name)
		}
		visited[name] = true
		for _, dep := range def.DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		order = append(order, def)
		return nil
	}

	sorted := append([]string{}, names...)
	sort.Strings(sorted)
	for _, name := range sorted {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}
