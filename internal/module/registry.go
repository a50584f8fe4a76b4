package module

import (
	"fmt"
	"log/slog"
	"sort"
)

// Registry maps module names to their factories. It is owned by one run.
// Registration happens at startup before concurrent access, so no mutex is needed.
type Registry struct {
	factories map[string]Factory
	logger    *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		logger:    logger.With("component", "module-registry"),
	}
}

// Register adds a module factory under name.
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
	r.logger.Debug("module registered", "name", name)
}

// New instantiates the module registered under name.
func (r *Registry) New(name string) (Module, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("no module registered with name %q", name)
	}
	return f(), nil
}

// Names returns the registered module names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
