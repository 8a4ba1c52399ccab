package repository

import (
	"context"
	"time"

	"gridrepo/internal/codec"
	"gridrepo/internal/schema"
)

// RepositoryLockID is the lock table key of the whole-repository lock
const RepositoryLockID int64 = -1

// Blob is a stored document in byte form, tagged with its codec
type Blob struct {
	Format codec.Format
	Data   []byte
}

// IndexEntry is the lightweight summary of one stored document
type IndexEntry struct {
	Classname string         `msgpack:"classname"`
	Category  string         `msgpack:"category"`
	Attrs     map[string]any `msgpack:"attrs"`
}

// IndexRecord is an index entry as kept by a backend
type IndexRecord struct {
	ID       int64
	Entry    IndexEntry
	Checksum string
	Version  schema.Version
	Updated  time.Time
}

// SessionInfo identifies one process working on a repository
type SessionInfo struct {
	ID        string
	Host      string
	PID       int
	Started   time.Time
	Heartbeat time.Time
}

// DocumentStore persists documents and their index records.
//
// Put must publish the document and its index record atomically: a reader
// sees either the previous pair or the new one. The previous document is
// retained as the ID's backup.
type DocumentStore interface {
	Put(ctx context.Context, id int64, blob Blob, rec IndexRecord) error
	Get(ctx context.Context, id int64) (Blob, error)
	GetBackup(ctx context.Context, id int64) (Blob, error)
	Remove(ctx context.Context, id int64) error
	IDs(ctx context.Context) ([]int64, error)
	Index(ctx context.Context, ids ...int64) ([]IndexRecord, error)
	PutIndex(ctx context.Context, rec IndexRecord) error
	Wipe(ctx context.Context) error
}

// Sequencer hands out IDs that are never reused
type Sequencer interface {
	// Allocate reserves n consecutive IDs and returns the first
	Allocate(ctx context.Context, n int) (int64, error)
	// Reserve advances the sequence past every ID in ids
	Reserve(ctx context.Context, ids []int64) error
}

// Locker is the cross-process lock table
type Locker interface {
	RegisterSession(ctx context.Context, info SessionInfo) error
	Heartbeat(ctx context.Context, session string) error
	DeregisterSession(ctx context.Context, session string) error
	Sessions(ctx context.Context) ([]SessionInfo, error)

	// TryLock grants the ids that are free or already held by session.
	// Nothing is granted while another session holds the repository lock.
	TryLock(ctx context.Context, session string, ids []int64) ([]int64, error)
	Unlock(ctx context.Context, session string, ids []int64) error
	// Holders maps locked ids to their session; all locks when ids is empty
	Holders(ctx context.Context, ids ...int64) (map[int64]string, error)

	// TryLockRepository succeeds only when no other session holds any lock
	TryLockRepository(ctx context.Context, session string) (bool, error)
	UnlockRepository(ctx context.Context, session string) error

	// ReleaseSession drops every lock held by session and its session row,
	// returning the number of locks released
	ReleaseSession(ctx context.Context, session string) (int, error)
}

// Backend combines the storage services a Repository needs
type Backend interface {
	DocumentStore
	Sequencer
	Locker
	Close() error
}
