package importer

import (
	"sync"

	"github.com/recollect/recollect/errors"
	"github.com/recollect/recollect/imports"
)

// Registry routes recurring imports to the importer for their source.
// Thread-safe for concurrent registration and lookup, though in practice
// registration happens once at startup.
type Registry struct {
	importers map[imports.Source]Importer
	mu        sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{importers: make(map[imports.Source]Importer)}
}

// Register adds an importer under its source. Registering the same source
// twice is a wiring bug and panics.
func (r *Registry) Register(imp Importer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	source := imp.Source()
	if _, exists := r.importers[source]; exists {
		panic("importer already registered for source: " + string(source))
	}
	r.importers[source] = imp
}

// Resolve returns the importer for a source, or errors.ErrNotFound if the
// source has no importer registered.
func (r *Registry) Resolve(source imports.Source) (Importer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	imp, ok := r.importers[source]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "no importer for source %s", source)
	}
	return imp, nil
}

// Sources lists the registered sources.
func (r *Registry) Sources() []imports.Source {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sources := make([]imports.Source, 0, len(r.importers))
	for source := range r.importers {
		sources = append(sources, source)
	}
	return sources
}
