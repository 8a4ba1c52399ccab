package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"gridrepo/internal/repository"

	_ "modernc.org/sqlite"
)

// Store implements repository.Backend in a single SQLite database. Several
// processes may open the same file; WAL mode lets readers proceed while one
// writer commits.
type Store struct {
	*Coordinator
	db   *sql.DB
	path string
}

var _ repository.Backend = (*Store)(nil)

// openDB opens a database with the pragmas every table in this package
// relies on
func openDB(path string) (*sql.DB, error) {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Set("_txlock", "immediate")

	dsn := "file:" + path + "?" + q.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" || strings.Contains(path, "mode=memory") {
		// Each connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// Open opens (creating if needed) a store at path
func Open(path string) (*Store, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}

	coord, err := newCoordinator(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{Coordinator: coord, db: db, path: path}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS documents (
		id INTEGER PRIMARY KEY,
		format TEXT NOT NULL,
		data BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS index_entries (
		id INTEGER PRIMARY KEY,
		classname TEXT NOT NULL,
		category TEXT NOT NULL,
		entry BLOB NOT NULL,
		checksum TEXT NOT NULL,
		major INTEGER NOT NULL,
		minor INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_index_type ON index_entries(category, classname);
	`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return err
	}

	// Backups were added after the first layout
	if err := s.addColumnIfNotExists(ctx, "documents", "backup_format", "TEXT"); err != nil {
		return err
	}
	return s.addColumnIfNotExists(ctx, "documents", "backup", "BLOB")
}

// addColumnIfNotExists adds a column to an existing table
func (s *Store) addColumnIfNotExists(ctx context.Context, table, column, decl string) error {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, decl))
	if err != nil {
		return fmt.Errorf("failed to add column %s.%s: %w", table, column, err)
	}
	return nil
}

// Path returns the database path
func (s *Store) Path() string {
	return s.path
}

// Close releases the database
func (s *Store) Close() error {
	return s.db.Close()
}

// ============================================================================
// Documents
// ============================================================================

// Put replaces the document and its index record in one transaction. The
// previous document becomes the backup.
func (s *Store) Put(ctx context.Context, id int64, blob repository.Blob, rec repository.IndexRecord) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO documents (id, format, data, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				backup_format = documents.format,
				backup = documents.data,
				format = excluded.format,
				data = excluded.data,
				updated_at = excluded.updated_at
		`, id, string(blob.Format), blob.Data, toUnix(rec.Updated))
		if err != nil {
			return fmt.Errorf("failed to write document %d: %w", id, err)
		}
		return putIndex(ctx, tx, rec)
	})
}

func putIndex(ctx context.Context, tx *sql.Tx, rec repository.IndexRecord) error {
	entry, err := repository.MarshalEntry(rec.Entry)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO index_entries (`+indexColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Entry.Classname, rec.Entry.Category, entry, rec.Checksum,
		rec.Version.Major, rec.Version.Minor, toUnix(rec.Updated))
	if err != nil {
		return fmt.Errorf("failed to write index %d: %w", rec.ID, err)
	}
	return nil
}

// Get returns the current document of id
func (s *Store) Get(ctx context.Context, id int64) (repository.Blob, error) {
	var (
		format sql.NullString
		data   []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT format, data FROM documents WHERE id = ?`, id,
	).Scan(&format, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return repository.Blob{}, fmt.Errorf("document %d: %w", id, repository.ErrNotFound)
	}
	if err != nil {
		return repository.Blob{}, fmt.Errorf("failed to read document %d: %w", id, err)
	}
	return blobFrom(id, format, data)
}

// GetBackup returns the previous document of id
func (s *Store) GetBackup(ctx context.Context, id int64) (repository.Blob, error) {
	var (
		format sql.NullString
		data   []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT backup_format, backup FROM documents WHERE id = ?`, id,
	).Scan(&format, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return repository.Blob{}, fmt.Errorf("document %d: %w", id, repository.ErrNotFound)
	}
	if err != nil {
		return repository.Blob{}, fmt.Errorf("failed to read backup %d: %w", id, err)
	}
	return blobFrom(id, format, data)
}

// Remove deletes the document, its backup and its index record
func (s *Store) Remove(ctx context.Context, id int64) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete document %d: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM index_entries WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete index %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("document %d: %w", id, repository.ErrNotFound)
		}
		return nil
	})
}

// IDs lists every stored document ID
func (s *Store) IDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM documents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan document id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating documents: %w", err)
	}
	return out, nil
}

// ============================================================================
// Index
// ============================================================================

// Index returns the index records of ids, or all records. Rows whose entry
// cannot be decoded are skipped and reported as a DamagedIndexError.
func (s *Store) Index(ctx context.Context, ids ...int64) ([]repository.IndexRecord, error) {
	query := `SELECT ` + indexColumns + ` FROM index_entries`
	var args []any
	if len(ids) > 0 {
		var in string
		in, args = inClause(ids)
		query += ` WHERE id IN ` + in
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query index: %w", err)
	}
	defer rows.Close()

	var out []repository.IndexRecord
	var damaged repository.DamagedIndexError
	for rows.Next() {
		var row indexRow
		if err := rows.Scan(row.scanArgs()...); err != nil {
			return nil, fmt.Errorf("failed to scan index: %w", err)
		}
		rec, err := row.toRecord()
		if err != nil {
			damaged.Add(row.ID, err)
			continue
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating index: %w", err)
	}
	return out, damaged.ErrOrNil()
}

// PutIndex rewrites one index record. The document must exist.
func (s *Store) PutIndex(ctx context.Context, rec repository.IndexRecord) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM documents WHERE id = ?`, rec.ID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("document %d: %w", rec.ID, repository.ErrNotFound)
		}
		if err != nil {
			return err
		}
		return putIndex(ctx, tx, rec)
	})
}

// Wipe removes every document and index record. The sequence, sessions
// and locks are kept.
func (s *Store) Wipe(ctx context.Context) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM documents`); err != nil {
			return fmt.Errorf("failed to wipe documents: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM index_entries`); err != nil {
			return fmt.Errorf("failed to wipe index: %w", err)
		}
		return nil
	})
}
