// Package session wires a repository, its registry and the background
// tasks that keep them healthy from a loaded configuration.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"gridrepo/internal/codec"
	"gridrepo/internal/config"
	"gridrepo/internal/coordinator"
	"gridrepo/internal/domain"
	"gridrepo/internal/events"
	"gridrepo/internal/migration"
	"gridrepo/internal/prompt"
	"gridrepo/internal/registry"
	"gridrepo/internal/repository"
	"gridrepo/internal/repository/local"
	"gridrepo/internal/repository/sqlite"
	"gridrepo/internal/streamer"
	"gridrepo/internal/watcher"
)

// JobsRegistry is the name of the registry holding jobs
const JobsRegistry = "jobs"

// Task names
const (
	TaskHeartbeat = "heartbeat"
	TaskFlush     = "registry-flush"
	TaskWatch     = "watch"
)

// Option configures Open
type Option func(*options)

type options struct {
	logger     *zap.Logger
	prompter   prompt.Prompter
	registerer prometheus.Registerer
	background bool
}

// WithLogger sets the logger shared by every component
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithPrompter sets the prompter used for migration and shutdown questions
func WithPrompter(p prompt.Prompter) Option {
	return func(o *options) {
		o.prompter = p
	}
}

// WithRegisterer registers repository metrics
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithoutBackground skips the heartbeat, flush and watch tasks. One-shot
// commands use it.
func WithoutBackground() Option {
	return func(o *options) {
		o.background = false
	}
}

// Session is one process's open view of a repository
type Session struct {
	Config      *config.Config
	Backend     repository.Backend
	Repository  *repository.Repository
	Registry    *registry.Registry
	Events      *events.EventBus
	Coordinator *coordinator.Coordinator
	Migration   *migration.Control

	local  *local.Store
	logger *zap.Logger
}

// Open builds every component from cfg and starts the registry. The
// caller must Close the session.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Session, error) {
	o := options{
		logger:     zap.NewNop(),
		background: true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.prompter == nil {
		o.prompter = prompt.NewTerminal(os.Stdin, os.Stderr)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	s := &Session{Config: cfg, Events: events.NewEventBus(), logger: o.logger}

	backend, err := s.openBackend()
	if err != nil {
		return nil, err
	}
	s.Backend = backend

	c, err := codec.New(codec.Format(cfg.Repository.Codec))
	if err != nil {
		backend.Close()
		return nil, err
	}

	policy, err := migration.ParsePolicy(cfg.Migration.Policy)
	if err != nil {
		backend.Close()
		return nil, err
	}
	s.Migration, err = migration.New(policy, migration.WithPrompter(o.prompter), migration.WithLogger(o.logger))
	if err != nil {
		backend.Close()
		return nil, err
	}

	s.Coordinator = coordinator.New(cfg.CoordinatorConfig(),
		coordinator.WithPrompter(o.prompter),
		coordinator.WithLogger(o.logger))

	st := streamer.New(domain.NewRegistry(),
		streamer.WithMigrationControl(s.Migration),
		streamer.WithLogger(o.logger))

	s.Repository = repository.New(backend, st,
		repository.WithCodec(c),
		repository.WithLogger(o.logger),
		repository.WithLockTimeout(cfg.Repository.LockTimeout.Duration()),
		repository.WithLoadWorkers(cfg.Repository.LoadWorkers),
		repository.WithRegisterer(o.registerer),
		// A failed repository stops every dependent task
		repository.WithFatalHandler(func(error) { s.Coordinator.RequestStop() }),
	)

	s.Registry = registry.New(JobsRegistry, s.Repository,
		registry.WithEventBus(s.Events),
		registry.WithLogger(o.logger),
		registry.WithChildCacheSize(cfg.Registry.ChildCacheSize))

	if err := s.Registry.Startup(ctx); err != nil {
		backend.Close()
		return nil, fmt.Errorf("failed to start registry: %w", err)
	}

	if o.background {
		if err := s.startTasks(ctx); err != nil {
			s.Close(ctx)
			return nil, err
		}
	}
	return s, nil
}

func (s *Session) openBackend() (repository.Backend, error) {
	r := s.Config.Repository
	switch r.Type {
	case config.BackendLocal:
		store, err := local.Open(r.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open local repository: %w", err)
		}
		s.local = store
		return store, nil
	case config.BackendSQLite:
		if err := os.MkdirAll(filepath.Dir(r.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create repository directory: %w", err)
		}
		store, err := sqlite.Open(r.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite repository: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown repository type %q", r.Type)
	}
}

// ============================================================================
// Background Tasks
// ============================================================================

func (s *Session) startTasks(ctx context.Context) error {
	bg := context.WithoutCancel(ctx)

	if _, err := s.Coordinator.Go(bg, TaskHeartbeat, false, s.heartbeat); err != nil {
		return err
	}
	if _, err := s.Coordinator.Go(bg, TaskFlush, true, s.flushLoop); err != nil {
		return err
	}
	if s.local != nil && s.Config.Watch.Enabled {
		if _, err := s.Coordinator.Go(bg, TaskWatch, false, s.watch); err != nil {
			return err
		}
	}
	return nil
}

// heartbeat keeps the session's liveness record fresh so other sessions
// do not reap its locks
func (s *Session) heartbeat(ctx context.Context, t *coordinator.Task) {
	interval := s.Config.Repository.HeartbeatInterval.Duration()
	for t.Sleep(interval) {
		if err := s.Repository.Heartbeat(ctx); err != nil {
			if errors.Is(err, repository.ErrRepositoryFailed) {
				return
			}
			s.logger.Warn("heartbeat failed", zap.Error(err))
		}
	}
}

// flushLoop periodically writes dirty objects and flushes once more when
// asked to stop
func (s *Session) flushLoop(ctx context.Context, t *coordinator.Task) {
	interval := s.Config.Registry.FlushInterval.Duration()
	for t.Sleep(interval) {
		if err := s.Registry.FlushDirty(ctx); err != nil {
			if errors.Is(err, repository.ErrRepositoryFailed) {
				return
			}
			s.logger.Warn("background flush incomplete", zap.Error(err))
		}
	}
	if s.Repository.State() != repository.StateRunning {
		return
	}
	if err := s.Registry.FlushDirty(ctx); err != nil {
		s.logger.Warn("final flush incomplete", zap.Error(err))
	}
}

// watch refreshes the registry when another session changes objects on disk
func (s *Session) watch(ctx context.Context, t *coordinator.Task) {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-t.Stopping():
			cancel()
		case <-wctx.Done():
		}
	}()

	w := watcher.New(s.local.ObjectsDir(), s.local.IDFromPath,
		func(ids []int64) {
			if s.Repository.State() != repository.StateRunning {
				return
			}
			if _, err := s.Registry.Refresh(wctx, ids...); err != nil {
				s.logger.Warn("refresh after change failed", zap.Int64s("ids", ids), zap.Error(err))
			}
		},
		watcher.WithDebounce(s.Config.Watch.Debounce.Duration()),
		watcher.WithLogger(s.logger))

	if err := w.Watch(wctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("watcher stopped", zap.Error(err))
	}
}

// ============================================================================
// Shutdown
// ============================================================================

// Close stops the background tasks, flushes and unlocks everything the
// session holds and closes the backend
func (s *Session) Close(ctx context.Context) error {
	var errs *multierror.Error

	report := s.Coordinator.Shutdown(ctx)
	if !report.Clean() {
		s.logger.Warn("session closed with tasks still running",
			zap.Strings("forced", report.Forced),
			zap.Duration("elapsed", report.Elapsed.Round(time.Millisecond)))
	}

	switch s.Repository.State() {
	case repository.StateRunning, repository.StateFailed:
		if err := s.Registry.Shutdown(ctx); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if err := s.Backend.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("failed to close backend: %w", err))
	}
	return errs.ErrorOrNil()
}

// Local returns the filesystem backend, or nil for sqlite
func (s *Session) Local() *local.Store {
	return s.local
}
