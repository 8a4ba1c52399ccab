// Package local stores documents as files under a repository directory.
//
// Layout:
//
//	<root>/coordination.db          ID sequence, sessions and locks (SQLite)
//	<root>/objects/<N>xxx/<id>/data   current document
//	<root>/objects/<N>xxx/<id>/data~  previous document
//	<root>/objects/<N>xxx/<id>/index  index record
//
// where N is id/1000. Every file is written to a temporary name in the same
// directory and renamed into place, so a reader sees either the old or the
// new content. A data file starts with its codec name on a line of its own.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"gridrepo/internal/codec"
	"gridrepo/internal/repository"
	"gridrepo/internal/repository/sqlite"
	"gridrepo/internal/schema"
)

const (
	objectsDir  = "objects"
	coordDB     = "coordination.db"
	dataFile    = "data"
	backupFile  = "data~"
	indexFile   = "index"
	shardSize   = 1000
	shardSuffix = "xxx"
	tempPrefix  = ".tmp-"
	dirPerm     = 0o755
	filePerm    = 0o644
)

// Store implements repository.Backend on a directory tree
type Store struct {
	*sqlite.Coordinator
	root string
}

var _ repository.Backend = (*Store)(nil)

// Open opens (creating if needed) a repository directory
func Open(root string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, objectsDir), dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create repository directory: %w", err)
	}
	coord, err := sqlite.OpenCoordinator(filepath.Join(root, coordDB))
	if err != nil {
		return nil, err
	}
	return &Store{Coordinator: coord, root: root}, nil
}

// Root returns the repository directory
func (s *Store) Root() string {
	return s.root
}

// ObjectsDir returns the directory holding every document
func (s *Store) ObjectsDir() string {
	return filepath.Join(s.root, objectsDir)
}

func (s *Store) objectDir(id int64) string {
	shard := strconv.FormatInt(id/shardSize, 10) + shardSuffix
	return filepath.Join(s.root, objectsDir, shard, strconv.FormatInt(id, 10))
}

// IDFromPath returns the object ID a file under the objects directory
// belongs to
func (s *Store) IDFromPath(path string) (int64, bool) {
	rel, err := filepath.Rel(s.ObjectsDir(), path)
	if err != nil {
		return 0, false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 2 || !strings.HasSuffix(parts[0], shardSuffix) {
		return 0, false
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || id < 0 {
		return 0, false
	}
	return id, true
}

// ============================================================================
// File Helpers
// ============================================================================

// writeAtomic writes data to a temp file next to path and renames it into
// place
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, tempPrefix+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	tmp := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, filePerm); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func encodeBlob(b repository.Blob) []byte {
	var buf bytes.Buffer
	buf.WriteString(string(b.Format))
	buf.WriteByte('\n')
	buf.Write(b.Data)
	return buf.Bytes()
}

func decodeBlob(raw []byte) (repository.Blob, error) {
	format, data, ok := bytes.Cut(raw, []byte{'\n'})
	if !ok {
		return repository.Blob{}, fmt.Errorf("missing format header")
	}
	return repository.Blob{Format: codec.Format(format), Data: data}, nil
}

// storedIndex is the on-disk form of an index record
type storedIndex struct {
	Entry    []byte `msgpack:"entry"`
	Checksum string `msgpack:"checksum"`
	Major    int    `msgpack:"major"`
	Minor    int    `msgpack:"minor"`
	Updated  int64  `msgpack:"updated"`
}

func encodeIndex(rec repository.IndexRecord) ([]byte, error) {
	entry, err := repository.MarshalEntry(rec.Entry)
	if err != nil {
		return nil, err
	}
	var updated int64
	if !rec.Updated.IsZero() {
		updated = rec.Updated.UTC().UnixNano()
	}
	return msgpack.Marshal(&storedIndex{
		Entry:    entry,
		Checksum: rec.Checksum,
		Major:    rec.Version.Major,
		Minor:    rec.Version.Minor,
		Updated:  updated,
	})
}

func decodeIndex(id int64, raw []byte) (repository.IndexRecord, error) {
	var si storedIndex
	if err := msgpack.Unmarshal(raw, &si); err != nil {
		return repository.IndexRecord{}, fmt.Errorf("index %d: %w", id, err)
	}
	entry, err := repository.UnmarshalEntry(si.Entry)
	if err != nil {
		return repository.IndexRecord{}, fmt.Errorf("index %d: %w", id, err)
	}
	rec := repository.IndexRecord{
		ID:       id,
		Entry:    entry,
		Checksum: si.Checksum,
		Version:  schema.Version{Major: si.Major, Minor: si.Minor},
	}
	if si.Updated != 0 {
		rec.Updated = time.Unix(0, si.Updated).UTC()
	}
	return rec, nil
}

func notFound(id int64) error {
	return fmt.Errorf("document %d: %w", id, repository.ErrNotFound)
}

// ============================================================================
// Documents
// ============================================================================

// Put writes the document and then its index record. The current document
// is copied to the backup file first.
func (s *Store) Put(ctx context.Context, id int64, blob repository.Blob, rec repository.IndexRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := s.objectDir(id)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("failed to create object directory %d: %w", id, err)
	}

	idx, err := encodeIndex(rec)
	if err != nil {
		return err
	}

	cur, err := os.ReadFile(filepath.Join(dir, dataFile))
	switch {
	case err == nil:
		if err := writeAtomic(filepath.Join(dir, backupFile), cur); err != nil {
			return fmt.Errorf("failed to write backup %d: %w", id, err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("failed to read document %d: %w", id, err)
	}

	if err := writeAtomic(filepath.Join(dir, dataFile), encodeBlob(blob)); err != nil {
		return fmt.Errorf("failed to write document %d: %w", id, err)
	}
	if err := writeAtomic(filepath.Join(dir, indexFile), idx); err != nil {
		return fmt.Errorf("failed to write index %d: %w", id, err)
	}
	return nil
}

func (s *Store) read(id int64, name string) (repository.Blob, error) {
	raw, err := os.ReadFile(filepath.Join(s.objectDir(id), name))
	if errors.Is(err, fs.ErrNotExist) {
		return repository.Blob{}, notFound(id)
	}
	if err != nil {
		return repository.Blob{}, fmt.Errorf("failed to read document %d: %w", id, err)
	}
	blob, err := decodeBlob(raw)
	if err != nil {
		// A damaged header is a decode problem of this one object
		return repository.Blob{Format: "unknown", Data: raw}, nil
	}
	return blob, nil
}

// Get returns the current document of id
func (s *Store) Get(ctx context.Context, id int64) (repository.Blob, error) {
	return s.read(id, dataFile)
}

// GetBackup returns the previous document of id
func (s *Store) GetBackup(ctx context.Context, id int64) (repository.Blob, error) {
	return s.read(id, backupFile)
}

// Remove deletes the object directory of id
func (s *Store) Remove(ctx context.Context, id int64) error {
	dir := s.objectDir(id)
	if _, err := os.Stat(filepath.Join(dir, dataFile)); errors.Is(err, fs.ErrNotExist) {
		return notFound(id)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete document %d: %w", id, err)
	}
	return nil
}

// IDs lists every stored document ID in ascending order
func (s *Store) IDs(ctx context.Context) ([]int64, error) {
	shards, err := os.ReadDir(s.ObjectsDir())
	if err != nil {
		return nil, fmt.Errorf("failed to list objects: %w", err)
	}

	var ids []int64
	for _, shard := range shards {
		if !shard.IsDir() || !strings.HasSuffix(shard.Name(), shardSuffix) {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(s.ObjectsDir(), shard.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		for _, e := range entries {
			id, err := strconv.ParseInt(e.Name(), 10, 64)
			if err != nil || !e.IsDir() {
				continue
			}
			if _, err := os.Stat(filepath.Join(s.objectDir(id), dataFile)); err == nil {
				ids = append(ids, id)
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// ============================================================================
// Index
// ============================================================================

// Index returns the index records of ids, or all records. Undecodable
// index files are skipped and reported as a DamagedIndexError.
func (s *Store) Index(ctx context.Context, ids ...int64) ([]repository.IndexRecord, error) {
	if len(ids) == 0 {
		all, err := s.IDs(ctx)
		if err != nil {
			return nil, err
		}
		ids = all
	}

	var out []repository.IndexRecord
	var damaged repository.DamagedIndexError
	for _, id := range ids {
		raw, err := os.ReadFile(filepath.Join(s.objectDir(id), indexFile))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read index %d: %w", id, err)
		}
		rec, err := decodeIndex(id, raw)
		if err != nil {
			damaged.Add(id, err)
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, damaged.ErrOrNil()
}

// PutIndex rewrites one index record. The document must exist.
func (s *Store) PutIndex(ctx context.Context, rec repository.IndexRecord) error {
	dir := s.objectDir(rec.ID)
	if _, err := os.Stat(filepath.Join(dir, dataFile)); errors.Is(err, fs.ErrNotExist) {
		return notFound(rec.ID)
	}
	idx, err := encodeIndex(rec)
	if err != nil {
		return err
	}
	if err := writeAtomic(filepath.Join(dir, indexFile), idx); err != nil {
		return fmt.Errorf("failed to write index %d: %w", rec.ID, err)
	}
	return nil
}

// Wipe removes every document. The sequence, sessions and locks are kept.
func (s *Store) Wipe(ctx context.Context) error {
	if err := os.RemoveAll(s.ObjectsDir()); err != nil {
		return fmt.Errorf("failed to wipe objects: %w", err)
	}
	if err := os.MkdirAll(s.ObjectsDir(), dirPerm); err != nil {
		return fmt.Errorf("failed to wipe objects: %w", err)
	}
	return nil
}

// ============================================================================
// Maintenance
// ============================================================================

// Orphans returns temp files left behind by interrupted writes
func (s *Store) Orphans() ([]string, error) {
	var out []string
	err := filepath.WalkDir(s.ObjectsDir(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasPrefix(d.Name(), tempPrefix) {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan objects: %w", err)
	}
	return out, nil
}
