// Package watcher turns filesystem changes under a repository directory
// into batches of changed object IDs.
package watcher

import (
	"context"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Resolver maps a path below the watched root to the object ID it belongs to
type Resolver func(path string) (int64, bool)

// Watcher watches a directory tree for object changes
type Watcher struct {
	root     string
	resolve  Resolver
	onChange func(ids []int64)
	debounce time.Duration
	logger   *zap.Logger
}

// Option configures a Watcher
type Option func(*Watcher)

// WithDebounce sets how long the watcher waits for quiet before reporting
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// New creates a watcher for root. onChange receives the sorted IDs touched
// since the previous call; it runs on the Watch goroutine.
func New(root string, resolve Resolver, onChange func(ids []int64), opts ...Option) *Watcher {
	w := &Watcher{
		root:     root,
		resolve:  resolve,
		onChange: onChange,
		debounce: 500 * time.Millisecond,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ignored reports temp and hidden files written during atomic replacement
func ignored(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}

// addTree watches dir and every directory below it. Objects found while
// walking are reported through pending so files created before the watch
// was in place are not missed.
func (w *Watcher) addTree(fw *fsnotify.Watcher, dir string, pending map[int64]struct{}) {
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Vanished while walking
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := fw.Add(path); err != nil {
			w.logger.Warn("failed to watch directory", zap.String("dir", path), zap.Error(err))
			return nil
		}
		if pending != nil {
			if id, ok := w.resolve(path); ok {
				pending[id] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		w.logger.Warn("failed to walk directory", zap.String("dir", dir), zap.Error(err))
	}
}

// Watch blocks until ctx is cancelled, reporting changed IDs after each
// quiet period of the debounce length
func (w *Watcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	w.addTree(fw, w.root, nil)
	w.logger.Info("watching repository", zap.String("root", w.root))

	pending := make(map[int64]struct{})
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ignored(event.Name) {
				continue
			}

			if event.Op&fsnotify.Create != 0 {
				w.addTree(fw, event.Name, pending)
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				if id, ok := w.resolve(event.Name); ok {
					pending[id] = struct{}{}
				}
			}
			if len(pending) == 0 {
				continue
			}

			// Debounce rapid changes
			timer.Reset(w.debounce)

		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			ids := make([]int64, 0, len(pending))
			for id := range pending {
				ids = append(ids, id)
			}
			sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
			pending = make(map[int64]struct{})
			w.logger.Debug("objects changed on disk", zap.Int64s("ids", ids))
			w.onChange(ids)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", zap.Error(err))

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
