package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resolveDir treats the first path element below root as the ID
func resolveDir(root string) Resolver {
	return func(path string) (int64, bool) {
		rel, err := filepath.Rel(root, path)
		if err != nil || strings.HasPrefix(rel, "..") {
			return 0, false
		}
		first := strings.Split(filepath.ToSlash(rel), "/")[0]
		id, err := strconv.ParseInt(first, 10, 64)
		return id, err == nil
	}
}

func startWatcher(t *testing.T, root string) <-chan []int64 {
	t.Helper()
	changes := make(chan []int64, 16)
	w := New(root, resolveDir(root), func(ids []int64) { changes <- ids }, WithDebounce(50*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
	})

	// Give the watcher time to register the tree
	time.Sleep(100 * time.Millisecond)
	return changes
}

func waitChange(t *testing.T, changes <-chan []int64) []int64 {
	t.Helper()
	select {
	case ids := <-changes:
		return ids
	case <-time.After(3 * time.Second):
		t.Fatal("no change reported")
		return nil
	}
}

func TestWatchReportsChangedIDs(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "3"), 0o755))
	changes := startWatcher(t, root)

	require.NoError(t, os.WriteFile(filepath.Join(root, "3", "data"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "3", "data"), []byte("b"), 0o644))

	assert.Equal(t, []int64{3}, waitChange(t, changes))
}

func TestWatchFollowsNewDirectories(t *testing.T) {
	root := t.TempDir()
	changes := startWatcher(t, root)

	require.NoError(t, os.MkdirAll(filepath.Join(root, "7"), 0o755))
	assert.Equal(t, []int64{7}, waitChange(t, changes))

	require.NoError(t, os.WriteFile(filepath.Join(root, "7", "index"), []byte("x"), 0o644))
	assert.Equal(t, []int64{7}, waitChange(t, changes))
}

func TestWatchIgnoresTempFiles(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "1"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "2"), 0o755))
	changes := startWatcher(t, root)

	require.NoError(t, os.WriteFile(filepath.Join(root, "1", ".tmp-data-123"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "2", "data"), []byte("x"), 0o644))

	assert.Equal(t, []int64{2}, waitChange(t, changes))
}

func TestWatchReportsRemovals(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "4"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "4", "data"), []byte("x"), 0o644))
	changes := startWatcher(t, root)

	require.NoError(t, os.RemoveAll(filepath.Join(root, "4")))
	assert.Equal(t, []int64{4}, waitChange(t, changes))
}
