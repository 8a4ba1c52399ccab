package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridrepo/internal/config"
	"gridrepo/internal/coordinator"
	"gridrepo/internal/domain"
	"gridrepo/internal/events"
	"gridrepo/internal/prompt"
	"gridrepo/internal/repository"
)

func testConfig(t *testing.T, backend, path string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Repository.Type = backend
	cfg.Repository.Path = path
	cfg.Repository.LockTimeout = 0
	cfg.Repository.HeartbeatInterval = config.Duration(10 * time.Millisecond)
	cfg.Registry.FlushInterval = config.Duration(20 * time.Millisecond)
	cfg.Migration.Policy = "allow"
	cfg.Shutdown.Policy = "batch"
	cfg.Shutdown.Timeout = config.Duration(time.Second)
	cfg.Shutdown.NonCriticalGrace = config.Duration(200 * time.Millisecond)
	cfg.Shutdown.PollInterval = config.Duration(5 * time.Millisecond)
	cfg.Watch.Debounce = config.Duration(20 * time.Millisecond)
	return cfg
}

func open(t *testing.T, cfg *config.Config, opts ...Option) *Session {
	t.Helper()
	opts = append([]Option{WithPrompter(prompt.NewScripted())}, opts...)
	s, err := Open(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func TestOpenBackends(t *testing.T) {
	tests := []struct {
		backend string
		path    string
	}{
		{config.BackendSQLite, "db/repo.db"},
		{config.BackendLocal, "repo"},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			cfg := testConfig(t, tt.backend, filepath.Join(t.TempDir(), tt.path))
			s := open(t, cfg, WithoutBackground())

			assert.Equal(t, repository.StateRunning, s.Repository.State())
			assert.Equal(t, tt.backend == config.BackendLocal, s.Local() != nil)
			assert.Empty(t, s.Coordinator.Tasks())

			ids, err := s.Registry.Add(context.Background(), domain.NewJob("a"))
			require.NoError(t, err)
			require.NoError(t, s.Close(context.Background()))

			again := open(t, cfg, WithoutBackground())
			assert.Equal(t, ids, again.Registry.IDs())
		})
	}
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t, "tape", t.TempDir())
	_, err := Open(context.Background(), cfg, WithPrompter(prompt.NewScripted()))
	assert.Error(t, err)
}

func TestBackgroundFlushAndHeartbeat(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, config.BackendSQLite, filepath.Join(t.TempDir(), "repo.db"))
	s := open(t, cfg)

	names := map[string]bool{}
	for _, info := range s.Coordinator.Tasks() {
		names[info.Name] = info.Critical
	}
	assert.Equal(t, map[string]bool{TaskHeartbeat: false, TaskFlush: true}, names)

	before := s.Repository.Session().Heartbeat
	_, err := s.Registry.Add(ctx, domain.NewJob("autosaved"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(s.Registry.Dirty()) == 0 },
		2*time.Second, 10*time.Millisecond, "flush task writes dirty objects")

	require.Eventually(t, func() bool {
		sessions, err := s.Repository.Sessions(ctx)
		if err != nil {
			return false
		}
		for _, info := range sessions {
			if info.ID == s.Repository.Session().ID {
				return info.Heartbeat.After(before)
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "heartbeat refreshes the session record")
}

func TestCloseStopsTasksAndFlushes(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, config.BackendSQLite, filepath.Join(t.TempDir(), "repo.db"))
	cfg.Registry.FlushInterval = config.Duration(time.Hour)

	s, err := Open(ctx, cfg, WithPrompter(prompt.NewScripted()))
	require.NoError(t, err)
	ids, err := s.Registry.Add(ctx, domain.NewJob("pending"))
	require.NoError(t, err)

	require.NoError(t, s.Close(ctx))
	for _, info := range s.Coordinator.Tasks() {
		assert.Equal(t, coordinator.StateStopped, info.State, info.Name)
		assert.False(t, info.Forced, info.Name)
	}

	other := open(t, cfg, WithoutBackground())
	objs, err := other.Repository.Load(ctx, ids)
	require.NoError(t, err)
	assert.Equal(t, "pending", objs[0].(*domain.Job).Name())

	locks, err := other.Repository.Locks(ctx)
	require.NoError(t, err)
	assert.Empty(t, locks, "closing releases every lock")
}

func TestWatchRefreshesOtherSession(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, config.BackendLocal, filepath.Join(t.TempDir(), "repo"))
	cfg.Watch.Enabled = true

	a := open(t, cfg, WithoutBackground())
	b := open(t, cfg)

	ch := make(chan events.Event, 16)
	b.Events.Subscribe(ch)

	var watching bool
	for _, info := range b.Coordinator.Tasks() {
		watching = watching || info.Name == TaskWatch
	}
	require.True(t, watching)
	// Let the watcher register the tree
	time.Sleep(100 * time.Millisecond)

	ids, err := a.Registry.Add(ctx, domain.NewJob("remote"))
	require.NoError(t, err)
	require.NoError(t, a.Registry.FlushDirty(ctx))

	require.Eventually(t, func() bool {
		got := b.Registry.IDs()
		return len(got) == 1 && got[0] == ids[0]
	}, 3*time.Second, 10*time.Millisecond)

	e, ok := b.Registry.Entry(ids[0])
	require.True(t, ok)
	assert.Equal(t, "remote", e.Attrs["name"])
}

func TestRepositoryFailureStopsTasks(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, config.BackendSQLite, filepath.Join(t.TempDir(), "repo.db"))
	cfg.Registry.FlushInterval = config.Duration(time.Hour)
	s := open(t, cfg)

	_, err := s.Registry.Add(ctx, domain.NewJob("doomed"))
	require.NoError(t, err)
	require.NoError(t, s.Backend.Close())
	require.Error(t, s.Registry.FlushDirty(ctx))
	assert.Equal(t, repository.StateFailed, s.Repository.State())

	require.Eventually(t, func() bool {
		for _, info := range s.Coordinator.Tasks() {
			if info.State != coordinator.StateStopped {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond, "fatal errors stop background tasks")
}

func TestMetricsRegisterer(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	cfg := testConfig(t, config.BackendSQLite, filepath.Join(t.TempDir(), "repo.db"))
	s := open(t, cfg, WithoutBackground(), WithRegisterer(reg))

	_, err := s.Registry.Add(context.Background(), domain.NewJob("counted"))
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
