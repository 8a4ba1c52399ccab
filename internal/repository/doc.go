// Package repository is the durable, multi-session object store.
//
// A Repository owns the live map of instances added or loaded by one
// session and persists them through a Backend. Backends provide three
// services: document storage with an index side table, a monotonic ID
// sequence, and a cross-process lock table keyed by session.
//
// # Lifecycle
//
// Startup registers the session and loads the index. While running,
// callers Add instances (fresh IDs are locked for the session), Flush them,
// Load them by ID and Delete them under lock. Shutdown flushes every live
// object the session holds a lock for, releases the locks and deregisters
// the session.
//
// # Failure semantics
//
// A storage error is fatal: the repository enters the Failed state, every
// later operation returns ErrRepositoryFailed and registered fatal handlers
// run once. A document that cannot be decoded is not fatal: it is recorded
// as incomplete, returned as a placeholder and reported through
// InaccessibleObjectError while the rest of the batch proceeds.
//
// # Backends
//
// The sqlite subpackage keeps everything in one SQLite database. The local
// subpackage keeps one directory per document on a filesystem and uses an
// SQLite coordination database for the sequence and locks.
package repository
