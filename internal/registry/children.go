package registry

import (
	"context"
	"errors"
	"fmt"

	"gridrepo/internal/repository"
	"gridrepo/internal/schema"
)

// ErrNoChild is returned for a child position outside the list
var ErrNoChild = errors.New("no such child")

// ChildList is the materialized child collection of one master. It holds
// IDs only; children are loaded through the registry when requested.
type ChildList struct {
	reg    *Registry
	master int64
	ids    []int64
}

// Children returns the child collection of master, building it from the
// index on first access
func (r *Registry) Children(master int64) *ChildList {
	if cl, ok := r.children.Get(master); ok {
		return cl
	}
	cl := &ChildList{reg: r, master: master, ids: r.childIDs(master)}
	r.children.Add(master, cl)
	return cl
}

// childIDs scans the index and the live map for children of master
func (r *Registry) childIDs(master int64) []int64 {
	seen := make(map[int64]struct{})
	for id, e := range r.repo.Index() {
		if masterOfEntry(e) == master {
			seen[id] = struct{}{}
		}
	}
	for _, id := range r.repo.IDs() {
		obj, _ := r.repo.Get(id)
		if masterOf(obj) == master {
			seen[id] = struct{}{}
		} else {
			delete(seen, id)
		}
	}
	return sortedIDs(seen)
}

// Master returns the master ID
func (c *ChildList) Master() int64 {
	return c.master
}

// Len returns the number of children
func (c *ChildList) Len() int {
	return len(c.ids)
}

// IDs returns the child IDs in ascending order
func (c *ChildList) IDs() []int64 {
	return append([]int64(nil), c.ids...)
}

// Entry returns the index entry of the i-th child
func (c *ChildList) Entry(i int) (repository.IndexEntry, bool) {
	if i < 0 || i >= len(c.ids) {
		return repository.IndexEntry{}, false
	}
	return c.reg.Entry(c.ids[i])
}

// Get loads the i-th child
func (c *ChildList) Get(ctx context.Context, i int) (schema.Persistable, error) {
	if i < 0 || i >= len(c.ids) {
		return nil, fmt.Errorf("child %d of %d: %w", i, c.master, ErrNoChild)
	}
	return c.reg.Get(ctx, c.ids[i])
}

// All loads every child. Children that fail to load are returned as
// placeholders or nil, with the errors joined.
func (c *ChildList) All(ctx context.Context) ([]schema.Persistable, error) {
	var missing []int64
	for _, id := range c.ids {
		if !c.reg.repo.IsLoaded(id) {
			missing = append(missing, id)
		}
	}
	var err error
	if len(missing) > 0 {
		var objs []schema.Persistable
		objs, err = c.reg.repo.Load(ctx, missing)
		for i, obj := range objs {
			if obj != nil {
				c.reg.observe(missing[i], obj)
			}
		}
	}

	out := make([]schema.Persistable, len(c.ids))
	for i, id := range c.ids {
		out[i], _ = c.reg.repo.Get(id)
	}
	return out, err
}
