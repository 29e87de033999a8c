package registry

import (
	"github.com/davidroman0O/flowgate/types"
	"github.com/sasha-s/go-deadlock"
)

// Registry stores workflow definitions by id. Definitions are copied on the
// way in and on the way out, so a registered template never changes under a
// running execution.
type Registry struct {
	mu          deadlock.RWMutex
	definitions map[string]types.WorkflowDefinition
	order       []string
}

func New() *Registry {
	return &Registry{
		definitions: make(map[string]types.WorkflowDefinition),
	}
}

// Register stores def, replacing any definition with the same id.
func (r *Registry) Register(def types.WorkflowDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.definitions[def.ID]; !ok {
		r.order = append(r.order, def.ID)
	}
	r.definitions[def.ID] = def.Clone()
	return nil
}

// Lookup resolves by id first, then by the first registered definition whose
// name matches.
func (r *Registry) Lookup(idOrName string) (types.WorkflowDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if def, ok := r.definitions[idOrName]; ok {
		return def.Clone(), true
	}
	for _, id := range r.order {
		def := r.definitions[id]
		if def.Name != "" && def.Name == idOrName {
			return def.Clone(), true
		}
	}
	return types.WorkflowDefinition{}, false
}

// List returns every definition in registration order.
func (r *Registry) List() []types.WorkflowDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]types.WorkflowDefinition, 0, len(r.order))
	for _, id := range r.order {
		defs = append(defs, r.definitions[id].Clone())
	}
	return defs
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.definitions)
}
