package actions

import (
	"sort"
	"strings"
	"sync"

	"github.com/rendis/pipewright/pkg/schema"
)

// Catalog resolves `uses` references.
type Catalog interface {
	Lookup(uses string) (*CompositeAction, error)
	Has(uses string) bool
}

var _ Catalog = (*Registry)(nil)

// Registry is the thread-safe Catalog implementation, keyed by normalized
// owner/repo.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]*CompositeAction
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]*CompositeAction)}
}

// NormalizeRef reduces a `uses` value to its catalog key: the version
// suffix and any sub-path are dropped and the result is lowercased, so
// "Actions/Checkout/sub@v4" is "actions/checkout". Local ("./") and
// container ("docker://") references have no key.
func NormalizeRef(uses string) string {
	uses = strings.TrimSpace(uses)
	if uses == "" || strings.HasPrefix(uses, "./") || strings.HasPrefix(uses, "docker://") {
		return ""
	}
	ref, _, _ := strings.Cut(uses, "@")
	parts := strings.Split(ref, "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return ""
	}
	return strings.ToLower(parts[0] + "/" + parts[1])
}

// Register adds a to the catalog.
func (r *Registry) Register(a *CompositeAction) error {
	if a == nil {
		return schema.NewError(schema.ErrCodeValidation, "action is nil")
	}
	key := NormalizeRef(a.Ref)
	if key == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "action ref %q is not owner/repo", a.Ref)
	}
	if len(a.Steps) == 0 && a.Handler == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "action %q has no steps", a.Ref)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[key]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "action %q already registered", key)
	}
	a.Ref = key
	r.actions[key] = a
	return nil
}

// Lookup resolves uses. Unknown and unsupported references fail with
// ACTION_UNRESOLVED.
func (r *Registry) Lookup(uses string) (*CompositeAction, error) {
	key := NormalizeRef(uses)
	if key == "" {
		return nil, schema.NewErrorf(schema.ErrCodeActionUnresolved, "action %q is not supported", uses)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeActionUnresolved, "action %q not found in catalog", uses)
	}
	return a, nil
}

// Has reports whether uses resolves.
func (r *Registry) Has(uses string) bool {
	_, err := r.Lookup(uses)
	return err == nil
}

// List returns the catalog sorted by ref.
func (r *Registry) List() []ActionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ActionInfo, 0, len(r.actions))
	for _, a := range r.actions {
		infos = append(infos, ActionInfo{Ref: a.Ref, Description: a.Description})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Ref < infos[j].Ref })
	return infos
}

// Count returns the number of registered actions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actions)
}
