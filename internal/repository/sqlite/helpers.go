package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"gridrepo/internal/codec"
	"gridrepo/internal/repository"
	"gridrepo/internal/schema"
)

// ============================================================================
// Null Type Conversion Helpers
// ============================================================================

// nullToString safely converts sql.NullString to string
func nullToString(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// toUnix stores times as UTC unix nanoseconds
func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

// fromUnix is the inverse of toUnix
func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// ============================================================================
// Query Helpers
// ============================================================================

// inClause returns "(?, ?, ?)" with n placeholders and the matching args
func inClause(ids []int64) (string, []any) {
	marks := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		marks[i] = "?"
		args[i] = id
	}
	return "(" + strings.Join(marks, ", ") + ")", args
}

// withTx runs fn inside a transaction, committing on success
func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// ============================================================================
// Schema Evolution Guide
// ============================================================================
//
// To add a column to index_entries:
// 1. Add the field to indexRow (below)
// 2. APPEND it to scanArgs() and indexColumns in the same position
// 3. Map it in toRecord()
// 4. Add it to the upsert in putIndex()
// 5. Add a migration in migrate() using addColumnIfNotExists()
//
// CRITICAL: column order must match between indexColumns, scanArgs() and
// every SELECT using indexColumns.

// ============================================================================
// Index Row Scanner
// ============================================================================

// indexRow holds all columns from an index query for scanning
type indexRow struct {
	ID        int64
	Classname string
	Category  string
	Entry     []byte
	Checksum  string
	Major     int
	Minor     int
	UpdatedAt int64
}

// scanArgs returns pointers to all fields for sql.Scan()
// MUST match indexColumns order exactly
func (r *indexRow) scanArgs() []any {
	return []any{
		&r.ID,        // 1
		&r.Classname, // 2
		&r.Category,  // 3
		&r.Entry,     // 4
		&r.Checksum,  // 5
		&r.Major,     // 6
		&r.Minor,     // 7
		&r.UpdatedAt, // 8
	}
}

// toRecord converts the scanned row to a repository.IndexRecord
func (r *indexRow) toRecord() (repository.IndexRecord, error) {
	entry, err := repository.UnmarshalEntry(r.Entry)
	if err != nil {
		return repository.IndexRecord{}, fmt.Errorf("index %d: %w", r.ID, err)
	}
	// Columns are authoritative for the type identity
	entry.Classname = r.Classname
	entry.Category = r.Category

	return repository.IndexRecord{
		ID:       r.ID,
		Entry:    entry,
		Checksum: r.Checksum,
		Version:  schema.Version{Major: r.Major, Minor: r.Minor},
		Updated:  fromUnix(r.UpdatedAt),
	}, nil
}

// indexColumns returns the SELECT column list for index queries
const indexColumns = `id, classname, category, entry, checksum, major, minor, updated_at`

// ============================================================================
// Session Row Scanner
// ============================================================================

type sessionRow struct {
	ID          string
	Host        string
	PID         int
	StartedAt   int64
	HeartbeatAt int64
}

func (r *sessionRow) scanArgs() []any {
	return []any{&r.ID, &r.Host, &r.PID, &r.StartedAt, &r.HeartbeatAt}
}

func (r *sessionRow) toInfo() repository.SessionInfo {
	return repository.SessionInfo{
		ID:        r.ID,
		Host:      r.Host,
		PID:       r.PID,
		Started:   fromUnix(r.StartedAt),
		Heartbeat: fromUnix(r.HeartbeatAt),
	}
}

const sessionColumns = `id, host, pid, started_at, heartbeat_at`

// blobFrom builds a Blob from nullable columns, reporting absence as
// repository.ErrNotFound
func blobFrom(id int64, format sql.NullString, data []byte) (repository.Blob, error) {
	if !format.Valid || data == nil {
		return repository.Blob{}, fmt.Errorf("document %d: %w", id, repository.ErrNotFound)
	}
	return repository.Blob{Format: codec.Format(nullToString(format)), Data: data}, nil
}
