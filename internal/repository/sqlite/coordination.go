package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gridrepo/internal/repository"
)

const idCounter = "ids"

// Coordinator implements the ID sequence, the session table and the lock
// table on SQLite. Every check-and-set runs in an immediate transaction so
// concurrent processes serialize on the database write lock.
type Coordinator struct {
	db *sql.DB
}

var (
	_ repository.Sequencer = (*Coordinator)(nil)
	_ repository.Locker    = (*Coordinator)(nil)
)

// OpenCoordinator opens (creating if needed) a coordination database
func OpenCoordinator(path string) (*Coordinator, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	c, err := newCoordinator(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func newCoordinator(db *sql.DB) (*Coordinator, error) {
	c := &Coordinator{db: db}
	if err := c.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate coordination tables: %w", err)
	}
	return c, nil
}

func (c *Coordinator) migrate() error {
	ddl := `
	CREATE TABLE IF NOT EXISTS counters (
		name TEXT PRIMARY KEY,
		next INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		host TEXT NOT NULL,
		pid INTEGER NOT NULL,
		started_at INTEGER NOT NULL,
		heartbeat_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS locks (
		id INTEGER PRIMARY KEY,
		session TEXT NOT NULL,
		acquired_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_locks_session ON locks(session);
	`
	if _, err := c.db.Exec(ddl); err != nil {
		return err
	}
	_, err := c.db.Exec(`INSERT OR IGNORE INTO counters (name, next) VALUES (?, 0)`, idCounter)
	return err
}

// Close releases the database
func (c *Coordinator) Close() error {
	return c.db.Close()
}

// ============================================================================
// Sequence
// ============================================================================

// Allocate reserves n consecutive IDs
func (c *Coordinator) Allocate(ctx context.Context, n int) (int64, error) {
	if n <= 0 {
		return 0, fmt.Errorf("allocate: invalid count %d", n)
	}
	var next int64
	err := withTx(ctx, c.db, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx,
			`UPDATE counters SET next = next + ? WHERE name = ? RETURNING next`,
			n, idCounter,
		).Scan(&next)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to allocate ids: %w", err)
	}
	return next - int64(n), nil
}

// Reserve advances the sequence past every ID in ids
func (c *Coordinator) Reserve(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	hi := ids[0]
	for _, id := range ids[1:] {
		if id > hi {
			hi = id
		}
	}
	_, err := c.db.ExecContext(ctx,
		`UPDATE counters SET next = MAX(next, ?) WHERE name = ?`,
		hi+1, idCounter,
	)
	if err != nil {
		return fmt.Errorf("failed to reserve ids: %w", err)
	}
	return nil
}

// ============================================================================
// Sessions
// ============================================================================

// RegisterSession records a session, replacing any previous row
func (c *Coordinator) RegisterSession(ctx context.Context, info repository.SessionInfo) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?)
	`, info.ID, info.Host, info.PID, toUnix(info.Started), toUnix(info.Heartbeat))
	if err != nil {
		return fmt.Errorf("failed to register session: %w", err)
	}
	return nil
}

// Heartbeat refreshes a session's timestamp. A session that was reaped is
// reported as repository.ErrNotFound.
func (c *Coordinator) Heartbeat(ctx context.Context, session string) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE sessions SET heartbeat_at = ? WHERE id = ?`,
		toUnix(time.Now()), session,
	)
	if err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", session, repository.ErrNotFound)
	}
	return nil
}

// DeregisterSession removes the session row, keeping its locks
func (c *Coordinator) DeregisterSession(ctx context.Context, session string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, session); err != nil {
		return fmt.Errorf("failed to deregister session: %w", err)
	}
	return nil
}

// Sessions lists every registered session ordered by start time
func (c *Coordinator) Sessions(ctx context.Context) ([]repository.SessionInfo, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY started_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []repository.SessionInfo
	for rows.Next() {
		var row sessionRow
		if err := rows.Scan(row.scanArgs()...); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, row.toInfo())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return out, nil
}

// ============================================================================
// Locks
// ============================================================================

// TryLock grants the ids that are free or already held by session
func (c *Coordinator) TryLock(ctx context.Context, session string, ids []int64) ([]int64, error) {
	var granted []int64
	err := withTx(ctx, c.db, func(tx *sql.Tx) error {
		granted = nil

		var repoHolder string
		err := tx.QueryRowContext(ctx,
			`SELECT session FROM locks WHERE id = ?`, repository.RepositoryLockID,
		).Scan(&repoHolder)
		switch {
		case err == nil && repoHolder != session:
			return nil
		case err != nil && !errors.Is(err, sql.ErrNoRows):
			return err
		}

		now := toUnix(time.Now())
		for _, id := range ids {
			if id < 0 {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO locks (id, session, acquired_at) VALUES (?, ?, ?)`,
				id, session, now,
			); err != nil {
				return err
			}
			var holder string
			if err := tx.QueryRowContext(ctx,
				`SELECT session FROM locks WHERE id = ?`, id,
			).Scan(&holder); err != nil {
				return err
			}
			if holder == session {
				granted = append(granted, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to acquire locks: %w", err)
	}
	return granted, nil
}

// Unlock releases the ids held by session; others are left alone
func (c *Coordinator) Unlock(ctx context.Context, session string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	in, args := inClause(ids)
	args = append([]any{session}, args...)
	if _, err := c.db.ExecContext(ctx,
		`DELETE FROM locks WHERE session = ? AND id IN `+in, args...,
	); err != nil {
		return fmt.Errorf("failed to release locks: %w", err)
	}
	return nil
}

// Holders maps locked ids to their session
func (c *Coordinator) Holders(ctx context.Context, ids ...int64) (map[int64]string, error) {
	query := `SELECT id, session FROM locks`
	var args []any
	if len(ids) > 0 {
		var in string
		in, args = inClause(ids)
		query += ` WHERE id IN ` + in
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query locks: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]string)
	for rows.Next() {
		var (
			id      int64
			session string
		)
		if err := rows.Scan(&id, &session); err != nil {
			return nil, fmt.Errorf("failed to scan lock: %w", err)
		}
		out[id] = session
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating locks: %w", err)
	}
	return out, nil
}

// TryLockRepository takes the repository lock if no other session holds any
// lock
func (c *Coordinator) TryLockRepository(ctx context.Context, session string) (bool, error) {
	var ok bool
	err := withTx(ctx, c.db, func(tx *sql.Tx) error {
		var others int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM locks WHERE session != ?`, session,
		).Scan(&others); err != nil {
			return err
		}
		if others > 0 {
			ok = false
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO locks (id, session, acquired_at) VALUES (?, ?, ?)`,
			repository.RepositoryLockID, session, toUnix(time.Now()),
		); err != nil {
			return err
		}
		ok = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to acquire repository lock: %w", err)
	}
	return ok, nil
}

// UnlockRepository releases the repository lock if session holds it
func (c *Coordinator) UnlockRepository(ctx context.Context, session string) error {
	return c.Unlock(ctx, session, []int64{repository.RepositoryLockID})
}

// ReleaseSession drops every lock of session and its session row
func (c *Coordinator) ReleaseSession(ctx context.Context, session string) (int, error) {
	var released int64
	err := withTx(ctx, c.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM locks WHERE session = ?`, session)
		if err != nil {
			return err
		}
		released, _ = res.RowsAffected()
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, session)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to release session: %w", err)
	}
	return int(released), nil
}
