package orchestrate

import (
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"
)

// Registry holds the saga definitions known to an engine.
//
// Definitions are identified by their SagaTypeName. Registration happens
// once at process startup; lookups are read-many thereafter, so no caller
// locking is required. Instances restored from the journal carry only the
// type name, which is resolved back to a Definition here, the same reason
// actions are referenced by ActionRef rather than function value.
type Registry struct {
	defs *xsync.MapOf[SagaTypeName, *Definition]
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		defs: xsync.NewMapOf[SagaTypeName, *Definition](),
	}
}

// Register adds a definition. It fails with ErrDuplicateSagaType if the
// name is already taken.
func (r *Registry) Register(def *Definition) error {
	if _, loaded := r.defs.LoadOrStore(def.Name(), def); loaded {
		return fmt.Errorf("%q: %w", def.Name(), ErrDuplicateSagaType)
	}
	return nil
}

// Lookup retrieves a definition by saga type name. It fails with
// ErrUnknownSagaType when no definition is registered under the name.
func (r *Registry) Lookup(name SagaTypeName) (*Definition, error) {
	def, ok := r.defs.Load(name)
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownSagaType)
	}
	return def, nil
}
