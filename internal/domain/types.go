package domain

import (
	"path/filepath"

	"gridrepo/internal/schema"
)

// ============================================================================
// Files
// ============================================================================

// LocalFileSchema describes a file on the submitting host
var LocalFileSchema = schema.New("files", "LocalFile", schema.Version{Major: 1, Minor: 1},
	schema.String("name", "").Copyable(),
	schema.String("localdir", "").Copyable(),
	schema.Int("size", 0),
)

// LocalFile is a job input or output on the local filesystem
type LocalFile struct {
	*schema.Object
}

// NewLocalFile creates a file from a path, splitting directory and name
func NewLocalFile(path string) *LocalFile {
	f := &LocalFile{Object: schema.NewObject(LocalFileSchema)}
	if path != "" {
		dir, name := filepath.Split(path)
		f.MustSet("name", name)
		f.MustSet("localdir", filepath.Clean(dir))
	}
	return f
}

// Path returns the full file path
func (f *LocalFile) Path() string {
	return filepath.Join(f.GetString("localdir"), f.GetString("name"))
}

// ============================================================================
// Applications
// ============================================================================

// ExecutableSchema describes a plain executable
var ExecutableSchema = schema.New("applications", "Executable", schema.Version{Major: 1, Minor: 0},
	schema.String("exe", "echo").Copyable().Indexable(),
	schema.String("args", "").Seq().Copyable(),
	schema.String("env", "").Seq().Copyable(),
)

// Executable runs a command with arguments
type Executable struct {
	*schema.Object
}

// NewExecutable creates an executable; an empty exe keeps the default
func NewExecutable(exe string, args ...string) *Executable {
	e := &Executable{Object: schema.NewObject(ExecutableSchema)}
	if exe != "" {
		e.MustSet("exe", exe)
	}
	if len(args) > 0 {
		e.MustSet("args", args)
	}
	return e
}

// Exe returns the command
func (e *Executable) Exe() string {
	return e.GetString("exe")
}

// Args returns the arguments
func (e *Executable) Args() []string {
	return e.GetStrings("args")
}

// ============================================================================
// Backends
// ============================================================================

// LocalSchema describes execution on the submitting host
var LocalSchema = schema.New("backends", "Local", schema.Version{Major: 1, Minor: 0},
	schema.String("workdir", "").Copyable(),
	schema.Int("nice", 0).Copyable(),
	schema.Int("pid", 0).Hidden(),
	schema.String("actualCE", "").Hidden(),
	schema.Float("exit_code", 0).Hidden(),
)

// Local runs jobs as processes on the submitting host
type Local struct {
	*schema.Object
}

// NewLocal creates a local backend with defaults
func NewLocal() *Local {
	return &Local{Object: schema.NewObject(LocalSchema)}
}

// PID returns the process ID of a running job
func (l *Local) PID() int64 {
	return l.GetInt("pid")
}
