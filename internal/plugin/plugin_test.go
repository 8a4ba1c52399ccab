package plugin

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridrepo/internal/schema"
)

var (
	fileSchema = schema.New("files", "LocalFile", schema.Version{Major: 1},
		schema.String("path", "").Copyable(),
		schema.Int("size", 0),
	)
	jobSchema = schema.New("jobs", "Job", schema.Version{Major: 1, Minor: 1},
		schema.String("name", "").Copyable(),
		schema.String("status", "new"),
		schema.Nested("inputfiles", "files").Seq().Copyable(),
	)
)

func newFile() schema.Persistable { return schema.NewObject(fileSchema) }
func newJob() schema.Persistable  { return schema.NewObject(jobSchema) }

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newJob))
	require.NoError(t, r.Register(newFile))

	p, ok := r.Lookup("jobs", "Job")
	require.True(t, ok)
	assert.Equal(t, "jobs/Job", p.TypeName())
	assert.Equal(t, schema.Version{Major: 1, Minor: 1}, p.Version)
	assert.Nil(t, p.Migration)

	_, ok = r.Lookup("jobs", "Missing")
	assert.False(t, ok)

	obj, err := r.New("files", "LocalFile")
	require.NoError(t, err)
	assert.Equal(t, "files/LocalFile", obj.Schema().TypeName())

	_, err = r.New("files", "Remote")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newJob))

	err := r.Register(newJob)
	assert.True(t, errors.Is(err, ErrDuplicate))
	assert.Panics(t, func() { r.MustRegister(newJob) })
	assert.Error(t, r.Register(nil))
}

func TestList(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(newJob)
	r.MustRegister(newFile)

	all := r.List("")
	require.Len(t, all, 2)
	assert.Equal(t, "files/LocalFile", all[0].TypeName())
	assert.Equal(t, "jobs/Job", all[1].TypeName())

	jobs := r.List("jobs")
	require.Len(t, jobs, 1)
	assert.Equal(t, "Job", jobs[0].Name)
}

func TestCopyOnlyCopyableItems(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(newJob)
	r.MustRegister(newFile)

	in := newFile()
	require.NoError(t, in.Set("path", "/data/in.txt"))
	require.NoError(t, in.Set("size", 42))

	job := newJob()
	require.NoError(t, job.Set("name", "render"))
	require.NoError(t, job.Set("status", "running"))
	require.NoError(t, job.Set("inputfiles", []schema.Value{in}))

	cp, err := r.Copy(job)
	require.NoError(t, err)

	name, _ := cp.Get("name")
	status, _ := cp.Get("status")
	assert.Equal(t, "render", name)
	assert.Equal(t, "new", status, "non-copyable items keep their default")

	files, _ := cp.Get("inputfiles")
	seq := files.([]schema.Value)
	require.Len(t, seq, 1)
	cf := seq[0].(schema.Persistable)
	assert.NotSame(t, in, cf)

	path, _ := cf.Get("path")
	size, _ := cf.Get("size")
	assert.Equal(t, "/data/in.txt", path)
	assert.Equal(t, int64(0), size)
}

func TestCopyUnregisteredType(t *testing.T) {
	r := NewRegistry()
	_, err := r.Copy(newJob())
	assert.True(t, errors.Is(err, ErrNotFound))
}
