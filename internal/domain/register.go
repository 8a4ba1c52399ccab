package domain

import (
	"fmt"

	"gridrepo/internal/plugin"
	"gridrepo/internal/schema"
)

// Register adds every domain type to r
func Register(r *plugin.Registry) error {
	regs := []struct {
		factory plugin.Factory
		opts    []plugin.Option
	}{
		{factory: func() schema.Persistable { return NewJob("") }, opts: []plugin.Option{plugin.WithMigration(jobMigration{})}},
		{factory: func() schema.Persistable { return NewLocalFile("") }},
		{factory: func() schema.Persistable { return NewExecutable("") }},
		{factory: func() schema.Persistable { return NewLocal() }},
	}
	for _, reg := range regs {
		if err := r.Register(reg.factory, reg.opts...); err != nil {
			return fmt.Errorf("failed to register domain types: %w", err)
		}
	}
	return nil
}

// NewRegistry returns a plugin registry holding the domain types
func NewRegistry() *plugin.Registry {
	r := plugin.NewRegistry()
	if err := Register(r); err != nil {
		panic(err)
	}
	return r
}
