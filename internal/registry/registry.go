// Package registry is the consumer-facing view over one repository.
//
// A Registry loads objects on first access, batches mutated objects into a
// dirty set that is flushed together, and keeps the master/child relation
// between jobs and their subjobs. Child collections are built from the
// index on first access and cached; nothing is loaded until a child is
// actually requested.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"gridrepo/internal/events"
	"gridrepo/internal/repository"
	"gridrepo/internal/schema"
	"gridrepo/internal/streamer"
)

// MasterAttr is the attribute holding a child's master ID
const MasterAttr = "master"

// NoMaster marks a top-level object
const NoMaster int64 = -1

const defaultChildCacheSize = 256

// Registry is a lazily loaded, ID-addressable view of one repository
type Registry struct {
	name   string
	repo   *repository.Repository
	bus    *events.EventBus
	logger *zap.Logger

	mu       sync.Mutex
	dirty    map[int64]struct{}
	children *lru.Cache[int64, *ChildList]
}

type options struct {
	bus            *events.EventBus
	logger         *zap.Logger
	childCacheSize int
}

// Option configures a Registry
type Option func(*options)

// WithEventBus publishes change events on bus
func WithEventBus(bus *events.EventBus) Option {
	return func(o *options) {
		o.bus = bus
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithChildCacheSize bounds how many masters keep a materialized child list
func WithChildCacheSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.childCacheSize = n
		}
	}
}

// New creates a registry named name over repo
func New(name string, repo *repository.Repository, opts ...Option) *Registry {
	o := options{logger: zap.NewNop(), childCacheSize: defaultChildCacheSize}
	for _, opt := range opts {
		opt(&o)
	}
	cache, err := lru.New[int64, *ChildList](o.childCacheSize)
	if err != nil {
		panic(err)
	}
	return &Registry{
		name:     name,
		repo:     repo,
		bus:      o.bus,
		logger:   o.logger.With(zap.String("registry", name)),
		dirty:    make(map[int64]struct{}),
		children: cache,
	}
}

// Name returns the registry name
func (r *Registry) Name() string {
	return r.name
}

// Repository returns the underlying repository
func (r *Registry) Repository() *repository.Repository {
	return r.repo
}

// ============================================================================
// Lifecycle
// ============================================================================

// Startup starts the repository if needed
func (r *Registry) Startup(ctx context.Context) error {
	r.repo.OnFatal(func(err error) {
		r.publish(events.EventRepositoryFailed, nil, err)
	})
	if r.repo.State() == repository.StateRunning {
		return nil
	}
	if err := r.repo.Startup(ctx); err != nil {
		return fmt.Errorf("registry %s: %w", r.name, err)
	}
	r.logger.Info("registry started", zap.Int("indexed", len(r.repo.Index())))
	return nil
}

// Shutdown flushes the dirty set and shuts the repository down
func (r *Registry) Shutdown(ctx context.Context) error {
	var errs *multierror.Error
	if r.repo.State() == repository.StateRunning {
		errs = multierror.Append(errs, r.FlushDirty(ctx))
	}
	errs = multierror.Append(errs, r.repo.Shutdown(ctx))
	r.mu.Lock()
	r.dirty = make(map[int64]struct{})
	r.mu.Unlock()
	r.children.Purge()
	return errs.ErrorOrNil()
}

// ============================================================================
// Access
// ============================================================================

// Get returns the object with id, loading it on first access. An object
// that could not be decoded is returned as an incomplete placeholder
// together with the load error.
func (r *Registry) Get(ctx context.Context, id int64) (schema.Persistable, error) {
	if obj, ok := r.repo.Get(id); ok {
		return obj, nil
	}
	objs, err := r.repo.Load(ctx, []int64{id})
	if len(objs) == 0 || objs[0] == nil {
		if err == nil {
			err = &repository.InaccessibleObjectError{ID: id, Err: repository.ErrNotFound}
		}
		return nil, err
	}
	r.observe(id, objs[0])
	return objs[0], err
}

// Entry returns the index entry of id without loading the object
func (r *Registry) Entry(id int64) (repository.IndexEntry, bool) {
	e, ok := r.repo.Index()[id]
	return e, ok
}

// IDs returns the top-level IDs, known from the index or added in this
// session, in ascending order
func (r *Registry) IDs() []int64 {
	seen := make(map[int64]struct{})
	for id, e := range r.repo.Index() {
		if masterOfEntry(e) == NoMaster {
			seen[id] = struct{}{}
		}
	}
	for _, id := range r.repo.IDs() {
		obj, _ := r.repo.Get(id)
		if masterOf(obj) == NoMaster {
			seen[id] = struct{}{}
		} else {
			delete(seen, id)
		}
	}
	return sortedIDs(seen)
}

// Len returns the number of top-level objects
func (r *Registry) Len() int {
	return len(r.IDs())
}

// IsObjectLoaded reports whether obj is the live instance of its ID
func (r *Registry) IsObjectLoaded(obj schema.Persistable) bool {
	if obj == nil {
		return false
	}
	id, ok := idOf(obj)
	if !ok {
		return false
	}
	live, ok := r.repo.Get(id)
	return ok && live == obj
}

// ============================================================================
// Mutation
// ============================================================================

// Add registers top-level objects and marks them dirty
func (r *Registry) Add(ctx context.Context, objs ...schema.Persistable) ([]int64, error) {
	ids, err := r.repo.Add(ctx, objs, nil)
	if err != nil {
		return nil, err
	}
	for i, obj := range objs {
		r.observe(ids[i], obj)
	}
	r.MarkDirty(ids...)
	r.publish(events.EventObjectsAdded, ids, nil)
	return ids, nil
}

// AddChildren registers children of master and marks them dirty. Each
// child must declare the master attribute.
func (r *Registry) AddChildren(ctx context.Context, master int64, children ...schema.Persistable) ([]int64, error) {
	if _, err := r.Get(ctx, master); err != nil {
		return nil, fmt.Errorf("add children of %d: %w", master, err)
	}
	for _, c := range children {
		if err := c.Set(MasterAttr, master); err != nil {
			return nil, fmt.Errorf("add children of %d: %w", master, err)
		}
	}
	ids, err := r.repo.Add(ctx, children, nil)
	if err != nil {
		return nil, err
	}
	for i, obj := range children {
		r.observe(ids[i], obj)
	}
	r.children.Remove(master)
	r.MarkDirty(ids...)
	r.publish(events.EventObjectsAdded, ids, nil)
	return ids, nil
}

// MarkDirty adds ids to the dirty set
func (r *Registry) MarkDirty(ids ...int64) {
	r.mu.Lock()
	for _, id := range ids {
		r.dirty[id] = struct{}{}
	}
	r.mu.Unlock()
}

// Dirty returns the dirty IDs in ascending order
func (r *Registry) Dirty() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedIDs(r.dirty)
}

// FlushDirty writes every dirty object, taking the locks it does not hold
// yet. IDs that could not be locked or written stay dirty.
func (r *Registry) FlushDirty(ctx context.Context) error {
	return r.Flush(ctx, r.Dirty()...)
}

// Flush writes the given objects, taking the locks this session does not
// hold yet, and removes the written IDs from the dirty set
func (r *Registry) Flush(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}

	var errs *multierror.Error
	var want []int64
	for _, id := range ids {
		if !r.repo.Holds(id) {
			want = append(want, id)
		}
	}
	if len(want) > 0 {
		if _, err := r.repo.Lock(ctx, want); err != nil {
			if errors.Is(err, repository.ErrRepositoryFailed) {
				return err
			}
			errs = multierror.Append(errs, err)
		}
	}

	var flushable []int64
	for _, id := range ids {
		if r.repo.Holds(id) && r.repo.IsLoaded(id) {
			flushable = append(flushable, id)
		}
	}

	if len(flushable) == 0 {
		return errs.ErrorOrNil()
	}
	err := r.repo.Flush(ctx, flushable)
	if err != nil {
		errs = multierror.Append(errs, err)
	}

	failed := make(map[int64]bool)
	for _, e := range repository.Errors(err) {
		var oerr *repository.ObjectError
		if errors.As(e, &oerr) {
			failed[oerr.ID] = true
		}
	}
	if errors.Is(err, repository.ErrRepositoryFailed) {
		return err
	}

	var written []int64
	r.mu.Lock()
	for _, id := range flushable {
		if !failed[id] {
			delete(r.dirty, id)
			written = append(written, id)
		}
	}
	r.mu.Unlock()

	if len(written) > 0 {
		r.publish(events.EventObjectsFlushed, written, nil)
	}
	return errs.ErrorOrNil()
}

// Reload discards the in-memory state of ids, including unflushed
// changes, and reads them again from storage. It is how a flush refused
// with repository.ErrConflict is resolved.
func (r *Registry) Reload(ctx context.Context, ids ...int64) ([]schema.Persistable, error) {
	r.mu.Lock()
	for _, id := range ids {
		delete(r.dirty, id)
	}
	r.mu.Unlock()
	r.repo.Forget(ids...)

	objs, err := r.repo.Load(ctx, ids)
	for i, obj := range objs {
		if obj != nil {
			r.observe(ids[i], obj)
		}
	}
	return objs, err
}

// Delete removes objects and, first, their children. Locks are taken as
// needed.
func (r *Registry) Delete(ctx context.Context, ids ...int64) error {
	var all []int64
	masters := make(map[int64]struct{})
	for _, id := range ids {
		if obj, ok := r.repo.Get(id); ok {
			if m := masterOf(obj); m != NoMaster {
				masters[m] = struct{}{}
			}
		} else if e, ok := r.Entry(id); ok {
			if m := masterOfEntry(e); m != NoMaster {
				masters[m] = struct{}{}
			}
		}
		all = append(all, r.childIDs(id)...)
		all = append(all, id)
	}

	var want []int64
	for _, id := range all {
		if !r.repo.Holds(id) {
			want = append(want, id)
		}
	}
	if len(want) > 0 {
		if _, err := r.repo.Lock(ctx, want); err != nil {
			return fmt.Errorf("delete: %w", err)
		}
	}

	if err := r.repo.Delete(ctx, all); err != nil {
		return err
	}

	r.mu.Lock()
	for _, id := range all {
		delete(r.dirty, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.children.Remove(id)
	}
	for m := range masters {
		r.children.Remove(m)
	}
	r.publish(events.EventObjectsRemoved, all, nil)
	return nil
}

// ============================================================================
// Refresh
// ============================================================================

// Refresh pulls other sessions' writes from the index, for ids only when
// given. Changed objects that this session neither holds nor has dirty are
// dropped from memory so the next Get reloads them.
func (r *Registry) Refresh(ctx context.Context, ids ...int64) (repository.Changes, error) {
	ch, err := r.repo.UpdateIndex(ctx, ids...)
	if err != nil {
		return ch, err
	}
	if ch.Empty() {
		return ch, nil
	}

	r.mu.Lock()
	var stale []int64
	for _, id := range append(append([]int64(nil), ch.Changed...), ch.Removed...) {
		if _, dirty := r.dirty[id]; dirty || r.repo.Holds(id) {
			continue
		}
		stale = append(stale, id)
	}
	r.mu.Unlock()
	r.repo.Forget(stale...)
	r.children.Purge()

	r.publish(events.EventObjectsAdded, ch.Added, nil)
	r.publish(events.EventObjectsChanged, ch.Changed, nil)
	r.publish(events.EventObjectsRemoved, ch.Removed, nil)
	r.logger.Debug("registry refreshed",
		zap.Int("added", len(ch.Added)),
		zap.Int("changed", len(ch.Changed)),
		zap.Int("removed", len(ch.Removed)),
	)
	return ch, nil
}

// ============================================================================
// Helpers
// ============================================================================

// observe marks id dirty whenever obj is mutated
func (r *Registry) observe(id int64, obj schema.Persistable) {
	if o, ok := obj.(schema.Observable); ok && !streamer.IsIncomplete(obj) {
		o.SetObserver(func(string) { r.MarkDirty(id) })
	}
}

func (r *Registry) publish(t events.EventType, ids []int64, err error) {
	if r.bus == nil || (len(ids) == 0 && err == nil) {
		return
	}
	ev := events.Event{Type: t, Registry: r.name, IDs: ids}
	if err != nil {
		ev.Error = err.Error()
	}
	r.bus.Publish(ev)
}

func idOf(obj schema.Persistable) (int64, bool) {
	v, err := obj.Get(streamer.IDAttr)
	if err != nil {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok && id >= 0
}

func masterOf(obj schema.Persistable) int64 {
	if obj == nil {
		return NoMaster
	}
	if _, ok := obj.Schema().Item(MasterAttr); !ok {
		return NoMaster
	}
	v, err := obj.Get(MasterAttr)
	if err != nil {
		return NoMaster
	}
	if m, ok := v.(int64); ok {
		return m
	}
	return NoMaster
}

func masterOfEntry(e repository.IndexEntry) int64 {
	if m, ok := e.Attrs[MasterAttr].(int64); ok {
		return m
	}
	return NoMaster
}

func sortedIDs(set map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
