package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridrepo/internal/codec"
	"gridrepo/internal/schema"
	"gridrepo/internal/streamer"
)

func TestNewJob(t *testing.T) {
	t.Run("creates job with defaults", func(t *testing.T) {
		j := NewJob("analysis")

		assert.Equal(t, "analysis", j.Name())
		assert.Equal(t, int64(-1), j.ID())
		assert.Equal(t, JobStatusNew, j.Status())
		assert.False(t, j.IsSubjob())
		assert.Empty(t, j.InputFiles())

		exe, ok := j.Application()
		require.True(t, ok)
		assert.Equal(t, "echo", exe.Exe())
		assert.IsType(t, &Local{}, j.Backend())
	})

	t.Run("defaults are not shared", func(t *testing.T) {
		a, b := NewJob("a"), NewJob("b")
		require.NoError(t, a.AddInputFiles(NewLocalFile("/data/in.txt")))
		assert.Len(t, a.InputFiles(), 1)
		assert.Empty(t, b.InputFiles())

		ea, _ := a.Application()
		eb, _ := b.Application()
		assert.NotSame(t, ea, eb)
	})
}

func TestJobStatusIsFinal(t *testing.T) {
	tests := []struct {
		status JobStatus
		final  bool
	}{
		{JobStatusNew, false},
		{JobStatusSubmitted, false},
		{JobStatusRunning, false},
		{JobStatusCompleted, true},
		{JobStatusFailed, true},
		{JobStatusKilled, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.final, tt.status.IsFinal())
		})
	}
}

func TestLocalFilePath(t *testing.T) {
	f := NewLocalFile("/data/run1/out.root")
	assert.Equal(t, "out.root", f.GetString("name"))
	assert.Equal(t, "/data/run1", f.GetString("localdir"))
	assert.Equal(t, "/data/run1/out.root", f.Path())
}

func TestSetStatusValidates(t *testing.T) {
	j := NewJob("x")
	require.NoError(t, j.SetStatus(JobStatusRunning))
	assert.Equal(t, JobStatusRunning, j.Status())

	err := j.Set("application", NewLocalFile("/wrong/category"))
	var aerr *schema.AttributeError
	assert.ErrorAs(t, err, &aerr)
}

func TestRegisterAllTypes(t *testing.T) {
	r := NewRegistry()

	for _, name := range []struct{ category, name string }{
		{"jobs", "Job"},
		{"files", "LocalFile"},
		{"applications", "Executable"},
		{"backends", "Local"},
	} {
		_, ok := r.Lookup(name.category, name.name)
		assert.True(t, ok, "%s/%s not registered", name.category, name.name)
	}

	assert.Error(t, Register(r), "registering twice must fail")
}

func TestJobRoundTrip(t *testing.T) {
	s := streamer.New(NewRegistry())

	j := NewJob("reco")
	j.MustSet("id", int64(12))
	j.MustSet("master", int64(3))
	require.NoError(t, j.AddInputFiles(NewLocalFile("/in/a"), NewLocalFile("/in/b")))
	require.NoError(t, j.Set("application", NewExecutable("/bin/reco", "--fast", "-n", "10")))

	for _, format := range codec.Formats() {
		t.Run(string(format), func(t *testing.T) {
			c, err := codec.New(format)
			require.NoError(t, err)

			data, err := s.ToBytes(c, j)
			require.NoError(t, err)
			got, err := s.FromBytes(c, data)
			require.NoError(t, err)

			job, ok := got.(*Job)
			require.True(t, ok, "decoded %T", got)
			assert.True(t, schema.Equal(j, job))
			assert.Equal(t, int64(3), job.Master())
			require.Len(t, job.InputFiles(), 2)
			assert.Equal(t, "/in/b", job.InputFiles()[1].Path())

			exe, ok := job.Application()
			require.True(t, ok)
			assert.Equal(t, []string{"--fast", "-n", "10"}, exe.Args())
		})
	}
}

func TestJobMigrationFromV1(t *testing.T) {
	s := streamer.New(NewRegistry())

	doc := &codec.Document{
		Category: "jobs",
		Name:     "Job",
		Version:  schema.Version{Major: 1, Minor: 0},
		Data: map[string]any{
			"id":      int64(4),
			"name":    "legacy",
			"status":  "completed",
			"inputs":  []any{"/in/1.dat", "/in/2.dat"},
			"outputs": []any{"/out/result.txt"},
			"application": &codec.Document{
				Category: "applications",
				Name:     "Executable",
				Version:  schema.Version{Major: 1},
				Data:     map[string]any{"exe": "/bin/legacy"},
			},
		},
	}

	got, err := s.Decode(doc)
	require.NoError(t, err)

	job, ok := got.(*Job)
	require.True(t, ok)
	assert.Equal(t, JobSchema.Version(), job.Schema().Version())
	assert.Equal(t, int64(4), job.ID())
	assert.Equal(t, JobStatusCompleted, job.Status())

	require.Len(t, job.InputFiles(), 2)
	assert.Equal(t, "/in/2.dat", job.InputFiles()[1].Path())
	require.Len(t, job.OutputFiles(), 1)
	assert.Equal(t, "/out/result.txt", job.OutputFiles()[0].Path())

	exe, ok := job.Application()
	require.True(t, ok)
	assert.Equal(t, "/bin/legacy", exe.Exe())
}

func TestJobCopySkipsNonCopyable(t *testing.T) {
	r := NewRegistry()

	j := NewJob("template")
	j.MustSet("id", int64(8))
	require.NoError(t, j.SetStatus(JobStatusRunning))
	require.NoError(t, j.AddInputFiles(NewLocalFile("/in/x")))

	cp, err := r.Copy(j)
	require.NoError(t, err)

	job, ok := cp.(*Job)
	require.True(t, ok)
	assert.Equal(t, "template", job.Name())
	assert.Equal(t, int64(-1), job.ID())
	assert.Equal(t, JobStatusNew, job.Status())
	require.Len(t, job.InputFiles(), 1)
	assert.Equal(t, "/in/x", job.InputFiles()[0].Path())
}
