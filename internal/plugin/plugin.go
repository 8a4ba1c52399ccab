// Package plugin maintains the catalogue of persistable types known to a
// process, keyed by category and name.
package plugin

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"gridrepo/internal/schema"
)

var (
	ErrDuplicate = errors.New("plugin already registered")
	ErrNotFound  = errors.New("plugin not found")
)

// Factory builds a fresh default instance of a type
type Factory func() schema.Persistable

// Migration converts documents written with an incompatible older schema.
//
// MigrationClass returns a factory able to decode the old document layout.
// MigrationObject then converts the decoded instance into one of the current
// schema.
type Migration interface {
	MigrationClass(old schema.Version) (Factory, bool)
	MigrationObject(old schema.Persistable) (schema.Persistable, error)
}

// Plugin is a registered type
type Plugin struct {
	Category  string
	Name      string
	Version   schema.Version
	Factory   Factory
	Migration Migration
}

// TypeName returns "category/name"
func (p *Plugin) TypeName() string {
	return p.Category + "/" + p.Name
}

// Option configures a registration
type Option func(*Plugin)

// WithMigration attaches a migration path for older major versions
func WithMigration(m Migration) Option {
	return func(p *Plugin) {
		p.Migration = m
	}
}

// Registry is a thread-safe category/name to Plugin map
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]*Plugin
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		plugins: make(map[string]*Plugin),
	}
}

func key(category, name string) string {
	return category + "/" + name
}

// Register adds a type. The factory is invoked once to read the schema.
func (r *Registry) Register(f Factory, opts ...Option) error {
	if f == nil {
		return fmt.Errorf("register: nil factory")
	}
	s := f().Schema()
	p := &Plugin{
		Category: s.Category(),
		Name:     s.Name(),
		Version:  s.Version(),
		Factory:  f,
	}
	for _, opt := range opts {
		opt(p)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	k := key(p.Category, p.Name)
	if _, exists := r.plugins[k]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, k)
	}
	r.plugins[k] = p
	return nil
}

// MustRegister is Register for package-level registration tables
func (r *Registry) MustRegister(f Factory, opts ...Option) {
	if err := r.Register(f, opts...); err != nil {
		panic(err)
	}
}

// Lookup finds a plugin by category and name
func (r *Registry) Lookup(category, name string) (*Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[key(category, name)]
	return p, ok
}

// New builds a default instance of the named type
func (r *Registry) New(category, name string) (schema.Persistable, error) {
	p, ok := r.Lookup(category, name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key(category, name))
	}
	return p.Factory(), nil
}

// List returns all registered plugins sorted by type name, optionally
// restricted to one category
func (r *Registry) List(category string) []*Plugin {
	r.mu.RLock()
	out := make([]*Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		if category == "" || p.Category == category {
			out = append(out, p)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].TypeName() < out[j].TypeName()
	})
	return out
}

// Copy builds a new instance of obj's type carrying over only its copyable
// items. Nested copyable instances are copied recursively; everything else
// keeps its default.
func (r *Registry) Copy(obj schema.Persistable) (schema.Persistable, error) {
	s := obj.Schema()
	dst, err := r.New(s.Category(), s.Name())
	if err != nil {
		return nil, err
	}

	for _, it := range s.Items() {
		if !it.IsCopyable {
			continue
		}
		v, err := obj.Get(it.Name)
		if err != nil {
			return nil, err
		}
		cv, err := r.copyValue(v)
		if err != nil {
			return nil, fmt.Errorf("copy %s.%s: %w", s.TypeName(), it.Name, err)
		}
		if err := dst.Set(it.Name, cv); err != nil {
			return nil, err
		}
	}
	return dst, nil
}

func (r *Registry) copyValue(v schema.Value) (schema.Value, error) {
	switch tv := v.(type) {
	case schema.Persistable:
		return r.Copy(tv)
	case []schema.Value:
		out := make([]schema.Value, len(tv))
		for i, e := range tv {
			ce, err := r.copyValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = ce
		}
		return out, nil
	default:
		return v, nil
	}
}
