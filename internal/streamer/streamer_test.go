package streamer

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"gridrepo/internal/codec"
	"gridrepo/internal/plugin"
	"gridrepo/internal/schema"
)

// ============================================================================
// Test Types
// ============================================================================

var (
	fileSchema = schema.New("files", "LocalFile", schema.Version{Major: 1, Minor: 0},
		schema.String("path", ""),
		schema.Nested("children", "files").Seq(),
	)
	jobSchema = schema.New("jobs", "Job", schema.Version{Major: 2, Minor: 1},
		schema.Int("id", -1).Hidden(),
		schema.String("name", ""),
		schema.String("status", "new"),
		schema.Float("priority", 1),
		schema.Bool("monitoring", false).Transient(),
		schema.Nested("inputfiles", "files").Seq(),
		schema.Nested("log", "files"),
		schema.String("tags", "").Seq(),
	)
	jobV1Schema = schema.New("jobs", "Job", schema.Version{Major: 1, Minor: 3},
		schema.Int("id", -1),
		schema.String("name", ""),
		schema.String("inputs", "").Seq(),
	)
	panicSchema = schema.New("test", "Panics", schema.Version{Major: 1},
		schema.String("boom", ""),
	)
)

func newFile(path string, children ...schema.Value) schema.Persistable {
	o := schema.NewObject(fileSchema)
	o.MustSet("path", path)
	if children != nil {
		o.MustSet("children", children)
	}
	return o
}

func newJob() schema.Persistable { return schema.NewObject(jobSchema) }

type panicky struct{ *schema.Object }

func (p *panicky) Set(name string, v schema.Value) error {
	panic("setter exploded")
}

// jobMigration upgrades v1 jobs, whose inputs were plain paths
type jobMigration struct{}

func (jobMigration) MigrationClass(old schema.Version) (plugin.Factory, bool) {
	if old.Major != 1 {
		return nil, false
	}
	return func() schema.Persistable { return schema.NewObject(jobV1Schema) }, true
}

func (jobMigration) MigrationObject(old schema.Persistable) (schema.Persistable, error) {
	o := old.(*schema.Object)
	job := newJob()
	if err := job.Set("id", o.GetInt("id")); err != nil {
		return nil, err
	}
	if err := job.Set("name", o.GetString("name")); err != nil {
		return nil, err
	}
	var files []schema.Value
	for _, p := range o.GetStrings("inputs") {
		files = append(files, newFile(p))
	}
	return job, job.Set("inputfiles", files)
}

type staticControl struct {
	allow bool
	calls int
}

func (c *staticControl) IsAllowed(category, name string, v schema.Version, msg string) bool {
	c.calls++
	return c.allow
}

func newRegistry(t *testing.T, migration plugin.Migration) *plugin.Registry {
	t.Helper()
	r := plugin.NewRegistry()
	var opts []plugin.Option
	if migration != nil {
		opts = append(opts, plugin.WithMigration(migration))
	}
	require.NoError(t, r.Register(newJob, opts...))
	require.NoError(t, r.Register(func() schema.Persistable { return newFile("") }))
	require.NoError(t, r.Register(func() schema.Persistable {
		return &panicky{schema.NewObject(panicSchema)}
	}))
	return r
}

func populatedJob() schema.Persistable {
	job := newJob()
	job.Set("id", 4)
	job.Set("name", "simulate")
	job.Set("priority", 2.5)
	job.Set("monitoring", true)
	job.Set("tags", []string{"physics"})
	job.Set("log", newFile("/out/log"))
	job.Set("inputfiles", []schema.Value{
		newFile("/in/a"),
		newFile("/in/dir", newFile("/in/dir/x"), newFile("/in/dir/y", newFile("/in/dir/y/z"))),
	})
	return job
}

// ============================================================================
// Round Trip
// ============================================================================

func TestRoundTrip(t *testing.T) {
	s := New(newRegistry(t, nil))

	cases := map[string]schema.Persistable{
		"defaults":  newJob(),
		"populated": populatedJob(),
		"single input": func() schema.Persistable {
			j := newJob()
			j.Set("inputfiles", []schema.Value{newFile("/only")})
			j.Set("log", nil)
			return j
		}(),
	}

	for name, obj := range cases {
		for _, format := range codec.Formats() {
			t.Run(name+"/"+string(format), func(t *testing.T) {
				c, err := codec.New(format)
				require.NoError(t, err)

				data, err := s.ToBytes(c, obj)
				require.NoError(t, err)

				got, err := s.FromBytes(c, data)
				require.NoError(t, err)
				assert.False(t, IsIncomplete(got))
				assert.Equal(t, obj.Schema().TypeName(), got.Schema().TypeName())
				assert.Equal(t, obj.Schema().Version(), got.Schema().Version())
				assert.True(t, schema.Equal(obj, got), "decoded instance differs")
			})
		}
	}
}

func TestEncodeSkipsTransient(t *testing.T) {
	s := New(newRegistry(t, nil))

	doc, err := s.Encode(populatedJob())
	require.NoError(t, err)

	_, present := doc.Data["monitoring"]
	assert.False(t, present)
	assert.Equal(t, "jobs", doc.Category)
	assert.Equal(t, schema.Version{Major: 2, Minor: 1}, doc.Version)

	got, err := s.Decode(doc)
	require.NoError(t, err)
	v, _ := got.Get("monitoring")
	assert.Equal(t, false, v)
}

// ============================================================================
// Compatibility
// ============================================================================

func TestForwardCompatibilityIgnoresUnknownKeys(t *testing.T) {
	s := New(newRegistry(t, nil))

	doc := &codec.Document{
		Category: "jobs",
		Name:     "Job",
		Version:  schema.Version{Major: 2, Minor: 7},
		Data: map[string]any{
			"name":           "from-the-future",
			"added_in_2_7":   "ignored",
			"another_future": []any{int64(1)},
		},
	}

	got, err := s.Decode(doc)
	require.NoError(t, err)
	name, _ := got.Get("name")
	assert.Equal(t, "from-the-future", name)
}

func TestBackwardCompatibilityKeepsDefaults(t *testing.T) {
	s := New(newRegistry(t, nil))

	doc := &codec.Document{
		Category: "jobs",
		Name:     "Job",
		Version:  schema.Version{Major: 2, Minor: 0},
		Data:     map[string]any{"name": "old-writer"},
	}

	got, err := s.Decode(doc)
	require.NoError(t, err)

	status, _ := got.Get("status")
	priority, _ := got.Get("priority")
	tags, _ := got.Get("tags")
	assert.Equal(t, "new", status)
	assert.Equal(t, 1.0, priority)
	assert.Equal(t, []schema.Value{}, tags)
}

func TestDecodeNewerMajorFails(t *testing.T) {
	s := New(newRegistry(t, jobMigration{}))

	doc := &codec.Document{Category: "jobs", Name: "Job", Version: schema.Version{Major: 3}}
	got, err := s.Decode(doc)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNewerVersion))

	var verr *SchemaVersionError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, schema.Version{Major: 3}, verr.Stored)
	assert.Equal(t, schema.Version{Major: 2, Minor: 1}, verr.Current)
	assert.True(t, IsIncomplete(got))
}

// ============================================================================
// Migration
// ============================================================================

func v1Document() *codec.Document {
	return &codec.Document{
		Category: "jobs",
		Name:     "Job",
		Version:  schema.Version{Major: 1, Minor: 3},
		Data: map[string]any{
			"id":     int64(9),
			"name":   "legacy",
			"inputs": []any{"/in/1", "/in/2"},
		},
	}
}

func TestMigrationAllowed(t *testing.T) {
	control := &staticControl{allow: true}
	s := New(newRegistry(t, jobMigration{}), WithMigrationControl(control))

	got, err := s.Decode(v1Document())
	require.NoError(t, err)
	assert.Equal(t, 1, control.calls)
	assert.Equal(t, schema.Version{Major: 2, Minor: 1}, got.Schema().Version())

	files, _ := got.Get("inputfiles")
	require.Len(t, files, 2)
	path, _ := files.([]schema.Value)[1].(schema.Persistable).Get("path")
	assert.Equal(t, "/in/2", path)
}

func TestMigrationDenied(t *testing.T) {
	control := &staticControl{allow: false}
	s := New(newRegistry(t, jobMigration{}), WithMigrationControl(control))

	got, err := s.Decode(v1Document())
	assert.True(t, errors.Is(err, ErrMigrationDenied))

	p, ok := Incomplete(got)
	require.True(t, ok)
	assert.Equal(t, "jobs", p.Category)
	assert.Equal(t, schema.Version{Major: 1, Minor: 3}, p.Version)
	assert.Same(t, p.Err, err)
}

func TestMigrationMissingClass(t *testing.T) {
	s := New(newRegistry(t, nil), WithMigrationControl(&staticControl{allow: true}))

	got, err := s.Decode(v1Document())
	assert.True(t, errors.Is(err, ErrMissingMigration))
	assert.True(t, IsIncomplete(got))

	doc := v1Document()
	doc.Version = schema.Version{Major: 0, Minor: 1}
	s = New(newRegistry(t, jobMigration{}))
	_, err = s.Decode(doc)
	assert.True(t, errors.Is(err, ErrMissingMigration), "no class for version 0")
}

func TestUpgradeIsIdempotentAtCurrentVersion(t *testing.T) {
	s := New(newRegistry(t, jobMigration{}))

	current, err := s.Encode(populatedJob())
	require.NoError(t, err)

	upgraded, err := s.Upgrade(current)
	require.NoError(t, err)
	if diff := cmp.Diff(current, upgraded); diff != "" {
		t.Errorf("upgrade changed a current document (-want +got):\n%s", diff)
	}

	migrated, err := s.Upgrade(v1Document())
	require.NoError(t, err)
	again, err := s.Upgrade(migrated)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(migrated, again))
}

// ============================================================================
// Failure Handling
// ============================================================================

func TestUnknownTypeYieldsPlaceholder(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	s := New(newRegistry(t, nil), WithLogger(zap.New(core)))

	doc := &codec.Document{
		Category: "jobs",
		Name:     "NoSuchJob",
		Version:  schema.Version{Major: 1},
		Data:     map[string]any{"id": int64(1), "name": "x"},
	}

	got, err := s.Decode(doc)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownType))

	p, ok := Incomplete(got)
	require.True(t, ok)
	assert.Equal(t, "jobs/NoSuchJob", p.Schema().TypeName())
	assert.Same(t, doc, p.Raw)

	id, err := p.Get("id")
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	name, err := p.Get("name")
	require.NoError(t, err)
	assert.Equal(t, "x", name)

	assert.NoError(t, p.Set("id", 5))
	assert.True(t, errors.Is(p.Set("name", "y"), ErrIncomplete))

	require.Equal(t, 1, logs.FilterMessage("document decode failed").Len())
}

func TestDecodeRecoversFromPanic(t *testing.T) {
	s := New(newRegistry(t, nil))

	doc := &codec.Document{
		Category: "test",
		Name:     "Panics",
		Version:  schema.Version{Major: 1},
		Data:     map[string]any{"boom": "now"},
	}

	var got schema.Persistable
	var err error
	assert.NotPanics(t, func() { got, err = s.Decode(doc) })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "setter exploded")
	assert.True(t, IsIncomplete(got))
}

func TestDecodeBadNestedValue(t *testing.T) {
	s := New(newRegistry(t, nil))

	doc := &codec.Document{
		Category: "jobs",
		Name:     "Job",
		Version:  schema.Version{Major: 2},
		Data:     map[string]any{"priority": "high"},
	}

	got, err := s.Decode(doc)
	assert.True(t, errors.Is(err, schema.ErrInvalidValue))
	assert.True(t, IsIncomplete(got))
}

func TestEncodePlaceholderRefused(t *testing.T) {
	s := New(newRegistry(t, nil))

	got, _ := s.Decode(&codec.Document{Category: "x", Name: "Y", Version: schema.Version{Major: 1}})
	_, err := s.Encode(got)
	assert.True(t, errors.Is(err, ErrIncomplete))
}

func TestFromBytesGarbage(t *testing.T) {
	s := New(newRegistry(t, nil))

	got, err := s.FromBytes(codec.NewJSONCodec(), []byte("not a document"))
	require.Error(t, err)
	assert.True(t, IsIncomplete(got))
}
