package domain

import (
	"fmt"

	"gridrepo/internal/plugin"
	"gridrepo/internal/schema"
)

// JobStatus is the lifecycle status of a job
type JobStatus string

const (
	JobStatusNew       JobStatus = "new"
	JobStatusSubmitted JobStatus = "submitted"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusKilled    JobStatus = "killed"
)

// IsFinal reports whether the status can no longer change
func (s JobStatus) IsFinal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusKilled:
		return true
	}
	return false
}

// NoMaster is the master attribute of a top-level job
const NoMaster int64 = -1

// JobSchema is the current job layout
var JobSchema = schema.New("jobs", "Job", schema.Version{Major: 2, Minor: 0},
	schema.Int("id", -1).Hidden(),
	schema.Int("master", NoMaster).Hidden().Indexable(),
	schema.String("name", "").Copyable().Indexable(),
	schema.String("status", string(JobStatusNew)).Indexable(),
	schema.String("comment", "").Copyable(),
	schema.Nested("application", "applications").
		WithDefault(func() schema.Persistable { return NewExecutable("") }).
		Copyable().Indexable(),
	schema.Nested("backend", "backends").
		WithDefault(func() schema.Persistable { return NewLocal() }).
		Copyable().Indexable(),
	schema.Nested("inputfiles", "files").Seq().Copyable(),
	schema.Nested("outputfiles", "files").Seq().Copyable(),
	schema.String("backend_id", "").Hidden(),
	schema.Bool("monitoring", false).Hidden().Transient(),
)

// jobV1Schema is the 1.x layout, kept for migration
var jobV1Schema = schema.New("jobs", "Job", schema.Version{Major: 1, Minor: 2},
	schema.Int("id", -1).Hidden(),
	schema.Int("master", NoMaster).Hidden(),
	schema.String("name", ""),
	schema.String("status", string(JobStatusNew)),
	schema.Nested("application", "applications"),
	schema.Nested("backend", "backends"),
	schema.String("inputs", "").Seq(),
	schema.String("outputs", "").Seq(),
)

// Job is the unit of work tracked by the repository
type Job struct {
	*schema.Object
}

// NewJob creates a job with default attributes
func NewJob(name string) *Job {
	j := &Job{Object: schema.NewObject(JobSchema)}
	j.MustSet("name", name)
	return j
}

// ID returns the repository ID, or -1 before the job is added
func (j *Job) ID() int64 {
	return j.GetInt("id")
}

// Name returns the job name
func (j *Job) Name() string {
	return j.GetString("name")
}

// Master returns the master job ID, or NoMaster
func (j *Job) Master() int64 {
	return j.GetInt("master")
}

// IsSubjob reports whether the job belongs to a master
func (j *Job) IsSubjob() bool {
	return j.Master() != NoMaster
}

// Status returns the job status
func (j *Job) Status() JobStatus {
	return JobStatus(j.GetString("status"))
}

// SetStatus changes the job status
func (j *Job) SetStatus(s JobStatus) error {
	return j.Set("status", string(s))
}

// Application returns the job's application, if set
func (j *Job) Application() (*Executable, bool) {
	exe, ok := j.GetObject("application").(*Executable)
	return exe, ok
}

// Backend returns the job's backend, if set
func (j *Job) Backend() schema.Persistable {
	return j.GetObject("backend")
}

// InputFiles returns the job inputs
func (j *Job) InputFiles() []*LocalFile {
	return filesOf(j.GetSeq("inputfiles"))
}

// AddInputFiles appends inputs
func (j *Job) AddInputFiles(files ...*LocalFile) error {
	return j.Set("inputfiles", appendFiles(j.GetSeq("inputfiles"), files))
}

// OutputFiles returns the job outputs
func (j *Job) OutputFiles() []*LocalFile {
	return filesOf(j.GetSeq("outputfiles"))
}

// AddOutputFiles appends outputs
func (j *Job) AddOutputFiles(files ...*LocalFile) error {
	return j.Set("outputfiles", appendFiles(j.GetSeq("outputfiles"), files))
}

func filesOf(seq []schema.Value) []*LocalFile {
	out := make([]*LocalFile, 0, len(seq))
	for _, v := range seq {
		if f, ok := v.(*LocalFile); ok {
			out = append(out, f)
		}
	}
	return out
}

func appendFiles(seq []schema.Value, files []*LocalFile) []schema.Value {
	for _, f := range files {
		seq = append(seq, f)
	}
	return seq
}

// ============================================================================
// Migration
// ============================================================================

// jobMigration upgrades 1.x jobs, whose inputs and outputs were plain paths
type jobMigration struct{}

func (jobMigration) MigrationClass(old schema.Version) (plugin.Factory, bool) {
	if old.Major != 1 {
		return nil, false
	}
	return func() schema.Persistable { return schema.NewObject(jobV1Schema) }, true
}

func (jobMigration) MigrationObject(old schema.Persistable) (schema.Persistable, error) {
	o, ok := old.(*schema.Object)
	if !ok {
		return nil, fmt.Errorf("job migration: unexpected %T", old)
	}

	j := NewJob(o.GetString("name"))
	for _, attr := range []string{"id", "master", "status"} {
		v, err := o.Get(attr)
		if err != nil {
			return nil, err
		}
		if err := j.Set(attr, v); err != nil {
			return nil, fmt.Errorf("job migration: %w", err)
		}
	}
	for _, attr := range []string{"application", "backend"} {
		if v := o.GetObject(attr); v != nil {
			if err := j.Set(attr, v); err != nil {
				return nil, fmt.Errorf("job migration: %w", err)
			}
		}
	}

	var inputs, outputs []*LocalFile
	for _, p := range o.GetStrings("inputs") {
		inputs = append(inputs, NewLocalFile(p))
	}
	for _, p := range o.GetStrings("outputs") {
		outputs = append(outputs, NewLocalFile(p))
	}
	if err := j.AddInputFiles(inputs...); err != nil {
		return nil, err
	}
	if err := j.AddOutputFiles(outputs...); err != nil {
		return nil, err
	}
	return j, nil
}
