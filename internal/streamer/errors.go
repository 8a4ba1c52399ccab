package streamer

import (
	"errors"
	"fmt"

	"gridrepo/internal/schema"
)

var (
	ErrUnknownType      = errors.New("unknown persistable type")
	ErrNewerVersion     = errors.New("document written by a newer major schema version")
	ErrMigrationDenied  = errors.New("migration denied")
	ErrMissingMigration = errors.New("no migration available")
	ErrIncomplete       = errors.New("object is incomplete")
)

// SchemaVersionError reports a document whose major version differs from
// the registered schema and could not be migrated
type SchemaVersionError struct {
	Type    string
	Stored  schema.Version
	Current schema.Version
	Err     error
}

func (e *SchemaVersionError) Error() string {
	return fmt.Sprintf("%s: stored version %s, current %s: %v", e.Type, e.Stored, e.Current, e.Err)
}

func (e *SchemaVersionError) Unwrap() error {
	return e.Err
}
