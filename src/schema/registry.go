package schema

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrDuplicateType    = errors.New("type is already registered")
	ErrUnknownType      = errors.New("type is not registered")
	ErrClassTagConflict = errors.New("class tag collision between type names")
	ErrUnknownTarget    = errors.New("association targets an unregistered type")
)

// Registry holds the record types known to a database. Association targets
// are resolved in a second phase so the schema graph may be cyclic.
type Registry struct {
	types map[string]*RecordType
	order []string
	byTag map[uint64]*RecordType
}

func NewRegistry() *Registry {
	return &Registry{
		types: make(map[string]*RecordType),
		byTag: make(map[uint64]*RecordType),
	}
}

// Register declares a type. Class tags are checked for collisions here so a
// hash clash surfaces at registration instead of corrupting polymorphic
// joins later.
func (r *Registry) Register(t *RecordType) error {
	if _, exists := r.types[t.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateType, t.Name)
	}
	if prior, clash := r.byTag[t.ClassTag()]; clash && prior.StructName() != t.StructName() {
		return fmt.Errorf("%w: %s vs %s", ErrClassTagConflict, prior.Name, t.Name)
	}

	r.types[t.Name] = t
	r.order = append(r.order, t.Name)
	r.byTag[t.ClassTag()] = t
	return nil
}

// Resolve links association targets. Targets of namespaced types resolve
// within the same namespace first, then fall back to the bare name.
func (r *Registry) Resolve() error {
	for _, name := range r.order {
		t := r.types[name]
		for _, assocs := range [][]Association{t.HasOne, t.HasMany} {
			for i := range assocs {
				a := &assocs[i]
				if a.Polymorphic && a.Target == "" {
					continue
				}
				if _, ok := r.lookupTarget(t, a.Target); !ok {
					return fmt.Errorf("%w: %s.%s -> %s", ErrUnknownTarget, t.Name, a.Name, a.Target)
				}
			}
		}
		if t.Superclass != "" {
			if _, ok := r.lookupTarget(t, t.Superclass); !ok {
				return fmt.Errorf("%w: superclass of %s: %s", ErrUnknownTarget, t.Name, t.Superclass)
			}
		}
	}
	return nil
}

func (r *Registry) lookupTarget(from *RecordType, target string) (*RecordType, bool) {
	if ns := from.Namespace(); ns != "" {
		if t, ok := r.types[ns+NamespaceSeparator+target]; ok {
			return t, true
		}
	}
	t, ok := r.types[target]
	return t, ok
}

// TargetOf resolves an association target relative to the owning type's
// namespace.
func (r *Registry) TargetOf(from *RecordType, target string) (*RecordType, error) {
	t, ok := r.lookupTarget(from, target)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, target)
	}
	return t, nil
}

// Get returns a registered type by full name
func (r *Registry) Get(name string) (*RecordType, bool) {
	t, ok := r.types[name]
	return t, ok
}

// ByClassTag returns the registered type carrying the given class tag
func (r *Registry) ByClassTag(tag uint64) (*RecordType, bool) {
	t, ok := r.byTag[tag]
	return t, ok
}

// Types returns the registered types in registration order
func (r *Registry) Types() []*RecordType {
	out := make([]*RecordType, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.types[name])
	}
	return out
}

// Remove drops a type from the registry
func (r *Registry) Remove(name string) {
	t, ok := r.types[name]
	if !ok {
		return
	}
	delete(r.types, name)
	if r.byTag[t.ClassTag()] == t {
		delete(r.byTag, t.ClassTag())
		// Another namespace variant of the same struct keeps the tag alive
		for _, other := range r.types {
			if other.ClassTag() == t.ClassTag() {
				r.byTag[t.ClassTag()] = other
				break
			}
		}
	}
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Purge drops every registered type
func (r *Registry) Purge() {
	r.types = make(map[string]*RecordType)
	r.byTag = make(map[uint64]*RecordType)
	r.order = nil
}

// TopoBySuperclass orders the given type names so that superclasses precede
// their subclasses; unrelated types keep a stable name order.
func TopoBySuperclass(types map[string]*RecordType) []*RecordType {
	names := make([]string, 0, len(types))
	for name := range types {
		names = append(names, name)
	}
	sort.Strings(names)

	visited := make(map[string]bool)
	var out []*RecordType
	var visit func(name string)
	visit = func(name string) {
		t, ok := types[name]
		if !ok || visited[name] {
			return
		}
		visited[name] = true
		if t.Superclass != "" {
			visit(t.Superclass)
		}
		out = append(out, t)
	}
	for _, name := range names {
		visit(name)
	}
	return out
}
