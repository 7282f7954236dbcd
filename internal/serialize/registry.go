package serialize

import (
	"fmt"
	"sort"
	"sync"
)

// Tag is the stable identity of a model type.
type Tag struct {
	Module string
	Name   string
}

func (t Tag) String() string { return t.Module + "." + t.Name }

// Model is a typed payload with a canonical dump-to-mapping operation. Its inverse
// (load-from-mapping) is the Factory registered for its Tag.
type Model interface {
	ModelTag() Tag
	Dump() (map[string]any, error)
}

// Factory rebuilds a Model from its dumped fields.
type Factory func(fields map[string]any) (Model, error)

// Registry maps model tags to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds tag to f. Registering the same tag twice is an error.
func (r *Registry) Register(tag Tag, f Factory) error {
	if tag.Module == "" || tag.Name == "" {
		return fmt.Errorf("serialize: incomplete model tag %q", tag.String())
	}
	if f == nil {
		return fmt.Errorf("serialize: nil factory for %s", tag)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[tag.String()]; exists {
		return fmt.Errorf("serialize: model %s registered twice", tag)
	}
	r.factories[tag.String()] = f
	return nil
}

// MustRegister is Register that panics; meant for package init wiring.
func (r *Registry) MustRegister(tag Tag, f Factory) {
	if err := r.Register(tag, f); err != nil {
		panic(err)
	}
}

// Load rebuilds the model registered under tag.
func (r *Registry) Load(tag Tag, fields map[string]any) (Model, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: %s (no registry)", ErrUnknownModel, tag)
	}
	r.mu.RLock()
	f, ok := r.factories[tag.String()]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, tag)
	}
	if fields == nil {
		fields = map[string]any{}
	}
	m, err := f(fields)
	if err != nil {
		return nil, fmt.Errorf("serialize: load %s: %w", tag, err)
	}
	return m, nil
}

// Tags lists registered tags in lexical order.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
