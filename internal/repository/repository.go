package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/puzpuzpuz/xsync/v3"
	ua "go.uber.org/atomic"
	"go.uber.org/zap"

	"gridrepo/internal/codec"
	"gridrepo/internal/schema"
	"gridrepo/internal/streamer"
)

// State is the repository lifecycle state
type State int32

const (
	StateUninitialized State = iota
	StateStarted
	StateRunning
	StateShutdown
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateStarted:
		return "started"
	case StateRunning:
		return "running"
	case StateShutdown:
		return "shutdown"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Repository is one session's view of a shared object store
type Repository struct {
	backend  Backend
	streamer *streamer.Streamer
	codec    codec.Codec
	logger   *zap.Logger
	session  SessionInfo
	metrics  *metrics

	lockTimeout time.Duration
	loadWorkers int

	state      ua.Int32
	objects    *xsync.MapOf[int64, schema.Persistable]
	incomplete *xsync.MapOf[int64, error]
	// base is the checksum of the durable document each live object was
	// read from or last written as
	base *xsync.MapOf[int64, string]

	// mu guards the index view and the lock bookkeeping
	mu         sync.Mutex
	index      map[int64]IndexRecord
	held       map[int64]struct{}
	repoLocked bool

	fatalMu  sync.Mutex
	fatalErr error
	onFatal  []func(error)
}

// New creates a repository over backend. It must be started before use.
func New(backend Backend, s *streamer.Streamer, opts ...Option) *Repository {
	o := getOpts(opts...)
	return &Repository{
		backend:     backend,
		streamer:    s,
		codec:       o.codec,
		logger:      o.logger.With(zap.String("session", o.session.ID)),
		session:     o.session,
		metrics:     newMetrics(o.registerer),
		lockTimeout: o.lockTimeout,
		loadWorkers: o.loadWorkers,
		objects:     xsync.NewMapOf[int64, schema.Persistable](),
		incomplete:  xsync.NewMapOf[int64, error](),
		base:        xsync.NewMapOf[int64, string](),
		index:       make(map[int64]IndexRecord),
		held:        make(map[int64]struct{}),
		onFatal:     o.onFatal,
	}
}

// ============================================================================
// Lifecycle
// ============================================================================

// Startup registers the session and loads the index
func (r *Repository) Startup(ctx context.Context) error {
	if !r.state.CompareAndSwap(int32(StateUninitialized), int32(StateStarted)) {
		return fmt.Errorf("startup: %w: %s", ErrState, r.State())
	}

	now := time.Now().UTC()
	r.session.Started, r.session.Heartbeat = now, now
	if err := r.backend.RegisterSession(ctx, r.session); err != nil {
		r.state.Store(int32(StateUninitialized))
		return &RepositoryError{Op: "startup", Err: err}
	}

	recs, err := r.backend.Index(ctx)
	var damaged *DamagedIndexError
	if err != nil && !errors.As(err, &damaged) {
		if derr := r.backend.DeregisterSession(ctx, r.session.ID); derr != nil {
			err = multierror.Append(err, fmt.Errorf("failed to deregister session: %w", derr))
		}
		r.state.Store(int32(StateUninitialized))
		return &RepositoryError{Op: "startup", Err: err}
	}

	r.mu.Lock()
	r.index = make(map[int64]IndexRecord, len(recs))
	for _, rec := range recs {
		r.index[rec.ID] = rec
	}
	r.mu.Unlock()

	r.state.Store(int32(StateRunning))
	r.logger.Info("repository started",
		zap.Int("indexed", len(recs)),
		zap.String("host", r.session.Host),
		zap.Int("pid", r.session.PID),
	)

	if damaged != nil {
		r.logger.Warn("damaged index records, rebuilding from documents",
			zap.Int64s("ids", damaged.IDs()),
			zap.Error(damaged),
		)
		if err := r.IndexWrite(ctx, damaged.IDs()...); errors.Is(err, ErrRepositoryFailed) {
			return err
		}
	}
	return nil
}

// Shutdown flushes every live object the session holds a lock for, then
// releases all locks and deregisters the session. A failed repository only
// releases its locks.
func (r *Repository) Shutdown(ctx context.Context) error {
	prev := State(r.state.Load())
	switch prev {
	case StateRunning, StateFailed:
	default:
		return fmt.Errorf("shutdown: %w: %s", ErrState, prev)
	}
	r.state.Store(int32(StateShutdown))

	var errs batchErrors
	if prev == StateRunning {
		errs.add(r.flush(ctx, r.heldLiveIDs(), true))
	}

	if _, err := r.backend.ReleaseSession(ctx, r.session.ID); err != nil {
		errs.add(&RepositoryError{Op: "shutdown", Err: err})
	}

	r.mu.Lock()
	r.held = make(map[int64]struct{})
	r.repoLocked = false
	r.index = make(map[int64]IndexRecord)
	r.mu.Unlock()
	r.objects.Clear()
	r.base.Clear()
	r.incomplete.Clear()
	r.updateGauges()

	r.state.Store(int32(StateUninitialized))
	r.logger.Info("repository shut down")
	return errs.err()
}

// State returns the current lifecycle state
func (r *Repository) State() State {
	return State(r.state.Load())
}

// Session returns this session's identity
func (r *Repository) Session() SessionInfo {
	return r.session
}

// Codec returns the codec used for writing
func (r *Repository) Codec() codec.Codec {
	return r.codec
}

// Streamer returns the streamer used for encoding and decoding
func (r *Repository) Streamer() *streamer.Streamer {
	return r.streamer
}

// Err returns the fatal error, if the repository has failed
func (r *Repository) Err() error {
	r.fatalMu.Lock()
	defer r.fatalMu.Unlock()
	return r.fatalErr
}

// OnFatal registers a callback run once when the repository fails. It runs
// immediately if the repository has already failed.
func (r *Repository) OnFatal(fn func(error)) {
	r.fatalMu.Lock()
	err := r.fatalErr
	if err == nil {
		r.onFatal = append(r.onFatal, fn)
	}
	r.fatalMu.Unlock()
	if err != nil {
		fn(err)
	}
}

func (r *Repository) checkRunning(op string) error {
	switch st := r.State(); st {
	case StateRunning:
		return nil
	case StateFailed:
		return r.Err()
	default:
		return fmt.Errorf("%s: %w: %s", op, ErrState, st)
	}
}

// fail moves the repository to the Failed state and runs the fatal handlers
// the first time it is called
func (r *Repository) fail(op string, err error) error {
	rerr := &RepositoryError{Op: op, Err: err}

	r.fatalMu.Lock()
	first := r.fatalErr == nil
	if first {
		r.fatalErr = rerr
	}
	hooks := r.onFatal
	r.fatalMu.Unlock()

	if !first {
		return rerr
	}

	r.state.Store(int32(StateFailed))
	r.logger.Error("repository failed, stopping writes", zap.String("op", op), zap.Error(err))
	for _, fn := range hooks {
		fn(rerr)
	}
	return rerr
}

// ============================================================================
// Live map
// ============================================================================

// Get returns a live object
func (r *Repository) Get(id int64) (schema.Persistable, bool) {
	return r.objects.Load(id)
}

// IsLoaded reports whether id is in the live map
func (r *Repository) IsLoaded(id int64) bool {
	_, ok := r.objects.Load(id)
	return ok
}

// IDs returns the live IDs in ascending order
func (r *Repository) IDs() []int64 {
	ids := make([]int64, 0, r.objects.Size())
	r.objects.Range(func(id int64, _ schema.Persistable) bool {
		ids = append(ids, id)
		return true
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Incomplete returns the IDs whose last load failed, with the cause
func (r *Repository) Incomplete() map[int64]error {
	out := make(map[int64]error)
	r.incomplete.Range(func(id int64, err error) bool {
		out[id] = err
		return true
	})
	return out
}

// Forget drops ids from the live map without touching storage
func (r *Repository) Forget(ids ...int64) {
	for _, id := range ids {
		r.objects.Delete(id)
		r.incomplete.Delete(id)
		r.base.Delete(id)
	}
	r.updateGauges()
}

func (r *Repository) updateGauges() {
	r.metrics.liveObjects.Set(float64(r.objects.Size()))
	r.metrics.incomplete.Set(float64(r.incomplete.Size()))
}

func setID(obj schema.Persistable, id int64) error {
	if _, ok := obj.Schema().Item(streamer.IDAttr); !ok {
		return nil
	}
	return obj.Set(streamer.IDAttr, id)
}
