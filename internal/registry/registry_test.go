package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridrepo/internal/domain"
	"gridrepo/internal/events"
	"gridrepo/internal/repository"
	"gridrepo/internal/repository/sqlite"
	"gridrepo/internal/streamer"
)

type session struct {
	*Registry
	store *sqlite.Store
	bus   *events.EventBus
	ch    chan events.Event
}

func openRegistry(t *testing.T, path string) *session {
	t.Helper()
	store, err := sqlite.Open(path)
	require.NoError(t, err)

	bus := events.NewEventBus()
	ch := make(chan events.Event, 64)
	bus.Subscribe(ch)

	repo := repository.New(store, streamer.New(domain.NewRegistry()), repository.WithLockTimeout(0))
	reg := New("jobs", repo, WithEventBus(bus), WithChildCacheSize(4))
	require.NoError(t, reg.Startup(context.Background()))

	t.Cleanup(func() {
		if repo.State() == repository.StateRunning || repo.State() == repository.StateFailed {
			reg.Shutdown(context.Background())
		}
		store.Close()
	})
	return &session{Registry: reg, store: store, bus: bus, ch: ch}
}

func drain(ch chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func typesOf(evs []events.Event) []events.EventType {
	out := make([]events.EventType, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func TestAddAndLazyGet(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "repo.db")
	a := openRegistry(t, path)

	ids, err := a.Add(ctx, domain.NewJob("first"), domain.NewJob("second"))
	require.NoError(t, err)
	assert.Equal(t, ids, a.Dirty())
	require.NoError(t, a.FlushDirty(ctx))
	assert.Empty(t, a.Dirty())
	assert.Equal(t, []events.EventType{events.EventObjectsAdded, events.EventObjectsFlushed}, typesOf(drain(a.ch)))

	b := openRegistry(t, path)
	assert.Equal(t, ids, b.IDs())
	assert.Equal(t, 2, b.Len())

	e, ok := b.Entry(ids[1])
	require.True(t, ok)
	assert.Equal(t, "second", e.Attrs["name"])
	assert.False(t, b.Repository().IsLoaded(ids[1]), "index access does not load")

	obj, err := b.Get(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, "second", obj.(*domain.Job).Name())
	assert.True(t, b.IsObjectLoaded(obj))
	assert.False(t, b.IsObjectLoaded(domain.NewJob("stranger")))

	_, err = b.Get(ctx, 99)
	var inaccessible *repository.InaccessibleObjectError
	assert.ErrorAs(t, err, &inaccessible)
}

func TestMutationMarksDirty(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "repo.db")
	a := openRegistry(t, path)

	ids, err := a.Add(ctx, domain.NewJob("job"))
	require.NoError(t, err)
	require.NoError(t, a.FlushDirty(ctx))

	obj, err := a.Get(ctx, ids[0])
	require.NoError(t, err)
	require.NoError(t, obj.(*domain.Job).SetStatus(domain.JobStatusRunning))
	assert.Equal(t, ids, a.Dirty())
	require.NoError(t, a.FlushDirty(ctx))

	b := openRegistry(t, path)
	got, err := b.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, got.(*domain.Job).Status())
}

func TestFlushTakesMissingLocks(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "repo.db")
	a := openRegistry(t, path)
	ids, err := a.Add(ctx, domain.NewJob("job"))
	require.NoError(t, err)
	require.NoError(t, a.FlushDirty(ctx))

	b := openRegistry(t, path)
	obj, err := b.Get(ctx, ids[0])
	require.NoError(t, err)
	require.NoError(t, obj.Set("name", "edited-by-b"))

	// a still holds the lock
	err = b.FlushDirty(ctx)
	var lerr *repository.LockError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, ids, b.Dirty(), "unwritten objects stay dirty")

	require.NoError(t, a.Repository().Unlock(ctx, ids))
	require.NoError(t, b.FlushDirty(ctx))
	assert.Empty(t, b.Dirty())
	assert.True(t, b.Repository().Holds(ids[0]))
}

func TestChildrenAreMaterializedLazily(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "repo.db")
	a := openRegistry(t, path)

	ids, err := a.Add(ctx, domain.NewJob("master"))
	require.NoError(t, err)
	master := ids[0]

	subs, err := a.AddChildren(ctx, master, domain.NewJob("s0"), domain.NewJob("s1"), domain.NewJob("s2"))
	require.NoError(t, err)
	assert.Equal(t, subs, a.Children(master).IDs())
	assert.Equal(t, []int64{master}, a.IDs(), "subjobs are not top level")
	require.NoError(t, a.FlushDirty(ctx))

	b := openRegistry(t, path)
	cl := b.Children(master)
	assert.Equal(t, 3, cl.Len())
	assert.Equal(t, master, cl.Master())
	assert.Same(t, cl, b.Children(master), "child list is cached")
	for _, id := range subs {
		assert.False(t, b.Repository().IsLoaded(id))
	}

	e, ok := cl.Entry(1)
	require.True(t, ok)
	assert.Equal(t, "s1", e.Attrs["name"])

	first, err := cl.Get(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "s0", first.(*domain.Job).Name())
	assert.Equal(t, master, first.(*domain.Job).Master())
	assert.False(t, b.Repository().IsLoaded(subs[2]))

	all, err := cl.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "s2", all[2].(*domain.Job).Name())
}

func TestDeleteRemovesChildrenFirst(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "repo.db")
	a := openRegistry(t, path)

	ids, err := a.Add(ctx, domain.NewJob("master"))
	require.NoError(t, err)
	subs, err := a.AddChildren(ctx, ids[0], domain.NewJob("s0"), domain.NewJob("s1"))
	require.NoError(t, err)
	require.NoError(t, a.FlushDirty(ctx))
	drain(a.ch)

	require.NoError(t, a.Delete(ctx, ids[0]))

	evs := drain(a.ch)
	require.Len(t, evs, 1)
	assert.Equal(t, events.EventObjectsRemoved, evs[0].Type)
	assert.Equal(t, append(append([]int64(nil), subs...), ids[0]), evs[0].IDs)

	assert.Empty(t, a.IDs())
	assert.Equal(t, 0, a.Children(ids[0]).Len())

	b := openRegistry(t, path)
	assert.Empty(t, b.IDs())
	assert.Equal(t, 0, b.Children(ids[0]).Len())
}

func TestDeleteChildInvalidatesMasterList(t *testing.T) {
	ctx := context.Background()
	a := openRegistry(t, filepath.Join(t.TempDir(), "repo.db"))

	ids, err := a.Add(ctx, domain.NewJob("master"))
	require.NoError(t, err)
	subs, err := a.AddChildren(ctx, ids[0], domain.NewJob("s0"), domain.NewJob("s1"))
	require.NoError(t, err)
	require.NoError(t, a.FlushDirty(ctx))
	assert.Equal(t, 2, a.Children(ids[0]).Len())

	require.NoError(t, a.Delete(ctx, subs[0]))
	assert.Equal(t, []int64{subs[1]}, a.Children(ids[0]).IDs())
}

func TestRefreshPicksUpOtherSessions(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "repo.db")
	a := openRegistry(t, path)
	b := openRegistry(t, path)

	ids, err := a.Add(ctx, domain.NewJob("v1"))
	require.NoError(t, err)
	require.NoError(t, a.FlushDirty(ctx))

	ch, err := b.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, ids, ch.Added)
	obj, err := b.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "v1", obj.(*domain.Job).Name())
	drain(b.ch)

	live, _ := a.Repository().Get(ids[0])
	require.NoError(t, live.Set("name", "v2"))
	require.NoError(t, a.FlushDirty(ctx))

	ch, err = b.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, ids, ch.Changed)
	assert.False(t, b.Repository().IsLoaded(ids[0]), "stale copy dropped")
	assert.Equal(t, []events.EventType{events.EventObjectsChanged}, typesOf(drain(b.ch)))

	obj, err = b.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "v2", obj.(*domain.Job).Name())
}

func TestRepositoryFailureIsPublished(t *testing.T) {
	ctx := context.Background()
	a := openRegistry(t, filepath.Join(t.TempDir(), "repo.db"))

	_, err := a.Add(ctx, domain.NewJob("doomed"))
	require.NoError(t, err)
	drain(a.ch)

	require.NoError(t, a.store.Close())
	require.Error(t, a.FlushDirty(ctx))

	select {
	case ev := <-a.ch:
		assert.Equal(t, events.EventRepositoryFailed, ev.Type)
		assert.NotEmpty(t, ev.Error)
	case <-time.After(time.Second):
		t.Fatal("no failure event")
	}
}

func TestIncompleteObjectsAreVisible(t *testing.T) {
	ctx := context.Background()
	a := openRegistry(t, filepath.Join(t.TempDir(), "repo.db"))

	ids, err := a.Add(ctx, domain.NewJob("ok"))
	require.NoError(t, err)
	require.NoError(t, a.FlushDirty(ctx))

	require.NoError(t, a.store.Put(ctx, 7, repository.Blob{Format: "json", Data: []byte("{not json")},
		repository.IndexRecord{ID: 7, Entry: repository.IndexEntry{Classname: "Job", Category: "jobs"}}))
	_, err = a.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{ids[0], 7}, a.IDs())

	obj, err := a.Get(ctx, 7)
	require.Error(t, err)
	require.NotNil(t, obj)
	assert.True(t, streamer.IsIncomplete(obj))

	// Placeholders never become dirty
	assert.Error(t, obj.Set("name", "x"))
	assert.Empty(t, a.Dirty())
}

func TestNestedMutationMarksDirty(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "repo.db")
	a := openRegistry(t, path)

	job := domain.NewJob("nested")
	require.NoError(t, job.AddInputFiles(domain.NewLocalFile("/data/in.txt")))
	ids, err := a.Add(ctx, job)
	require.NoError(t, err)
	require.NoError(t, a.FlushDirty(ctx))
	require.NoError(t, a.Repository().Unlock(ctx, ids))

	b := openRegistry(t, path)
	obj, err := b.Get(ctx, ids[0])
	require.NoError(t, err)
	got := obj.(*domain.Job)
	exe, ok := got.Application()
	require.True(t, ok)
	require.NoError(t, exe.Set("exe", "/bin/changed"))
	assert.Equal(t, ids, b.Dirty())
	require.NoError(t, b.FlushDirty(ctx))

	require.NoError(t, got.InputFiles()[0].Set("name", "renamed.txt"))
	assert.Equal(t, ids, b.Dirty(), "sequence elements report too")
	require.NoError(t, b.FlushDirty(ctx))

	c := openRegistry(t, path)
	seen, err := c.Get(ctx, ids[0])
	require.NoError(t, err)
	seenExe, _ := seen.(*domain.Job).Application()
	assert.Equal(t, "/bin/changed", seenExe.Exe())
	assert.Equal(t, "/data/renamed.txt", seen.(*domain.Job).InputFiles()[0].Path())
}

func TestStaleCopyConflictsAndReloads(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "repo.db")
	a := openRegistry(t, path)
	b := openRegistry(t, path)

	ids, err := a.Add(ctx, domain.NewJob("contended"))
	require.NoError(t, err)
	require.NoError(t, a.FlushDirty(ctx))

	stale, err := b.Get(ctx, ids[0])
	require.NoError(t, err)

	live, _ := a.Repository().Get(ids[0])
	require.NoError(t, live.(*domain.Job).SetStatus(domain.JobStatusCompleted))
	require.NoError(t, a.FlushDirty(ctx))
	require.NoError(t, a.Repository().Unlock(ctx, ids))

	require.NoError(t, stale.Set("comment", "note"))
	err = b.FlushDirty(ctx)
	assert.ErrorIs(t, err, repository.ErrConflict)
	assert.Equal(t, ids, b.Dirty(), "conflicting objects stay dirty")

	objs, err := b.Reload(ctx, ids...)
	require.NoError(t, err)
	assert.Empty(t, b.Dirty())
	fresh := objs[0].(*domain.Job)
	assert.Equal(t, domain.JobStatusCompleted, fresh.Status())

	require.NoError(t, fresh.Set("comment", "note"))
	require.NoError(t, b.FlushDirty(ctx))

	c := openRegistry(t, path)
	got, err := c.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, got.(*domain.Job).Status())
	assert.Equal(t, "note", got.(*domain.Job).GetString("comment"))
}

func TestStaleChildListDoesNotPanic(t *testing.T) {
	ctx := context.Background()
	a := openRegistry(t, filepath.Join(t.TempDir(), "repo.db"))

	ids, err := a.Add(ctx, domain.NewJob("master"))
	require.NoError(t, err)
	_, err = a.AddChildren(ctx, ids[0], domain.NewJob("only"))
	require.NoError(t, err)

	cl := a.Children(ids[0])
	require.Equal(t, 1, cl.Len())

	_, ok := cl.Entry(5)
	assert.False(t, ok)
	_, ok = cl.Entry(-1)
	assert.False(t, ok)
	_, err = cl.Get(ctx, 1)
	assert.ErrorIs(t, err, ErrNoChild)
}

func TestRefreshLimitedToIDs(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "repo.db")
	a := openRegistry(t, path)
	b := openRegistry(t, path)

	ids, err := a.Add(ctx, domain.NewJob("one"), domain.NewJob("two"))
	require.NoError(t, err)
	require.NoError(t, a.FlushDirty(ctx))

	ch, err := b.Refresh(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, []int64{ids[1]}, ch.Added)
	_, known := b.Entry(ids[0])
	assert.False(t, known, "ids outside the scope are not read")

	ch, err = b.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{ids[0]}, ch.Added)
}
