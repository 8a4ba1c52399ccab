package repository

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"gridrepo/internal/codec"
	"gridrepo/internal/schema"
)

// entryFor builds the index entry of obj from its indexable items. Nested
// instances are summarised by their type name.
func entryFor(obj schema.Persistable) IndexEntry {
	sch := obj.Schema()
	entry := IndexEntry{
		Classname: sch.Name(),
		Category:  sch.Category(),
		Attrs:     make(map[string]any),
	}
	for _, it := range sch.IndexableItems() {
		v, err := obj.Get(it.Name)
		if err != nil {
			continue
		}
		entry.Attrs[it.Name] = indexValue(v)
	}
	return entry
}

func indexValue(v schema.Value) any {
	switch tv := v.(type) {
	case schema.Persistable:
		return tv.Schema().TypeName()
	case []schema.Value:
		out := make([]any, len(tv))
		for i, e := range tv {
			out[i] = indexValue(e)
		}
		return out
	default:
		return v
	}
}

func checksum(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Changes lists the IDs an index refresh found to differ from the previous
// view
type Changes struct {
	Added   []int64
	Changed []int64
	Removed []int64
}

// Empty reports whether nothing changed
func (c Changes) Empty() bool {
	return len(c.Added) == 0 && len(c.Changed) == 0 && len(c.Removed) == 0
}

// All returns every affected ID in ascending order
func (c Changes) All() []int64 {
	out := make([]int64, 0, len(c.Added)+len(c.Changed)+len(c.Removed))
	out = append(out, c.Added...)
	out = append(out, c.Changed...)
	out = append(out, c.Removed...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Index returns the in-memory index view as of the last refresh or flush
func (r *Repository) Index() map[int64]IndexEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int64]IndexEntry, len(r.index))
	for id, rec := range r.index {
		out[id] = rec.Entry
	}
	return out
}

// IndexRecords returns the in-memory index records sorted by ID
func (r *Repository) IndexRecords() []IndexRecord {
	r.mu.Lock()
	out := make([]IndexRecord, 0, len(r.index))
	for _, rec := range r.index {
		out = append(out, rec)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IndexLoad reads the durable index entries of ids (all when empty). It
// always revalidates against storage and updates the in-memory view for the
// IDs it read. IDs without an entry are absent from the result.
func (r *Repository) IndexLoad(ctx context.Context, ids ...int64) (map[int64]IndexEntry, error) {
	if err := r.checkRunning("index load"); err != nil {
		return nil, err
	}
	recs, err := r.readIndex(ctx, "index load", ids...)
	if err != nil {
		return nil, err
	}

	out := make(map[int64]IndexEntry, len(recs))
	r.mu.Lock()
	for _, rec := range recs {
		r.index[rec.ID] = rec
		out[rec.ID] = rec.Entry
	}
	r.mu.Unlock()
	return out, nil
}

// IndexWrite regenerates the index records of ids (every stored document
// when empty) from their durable documents. Documents that cannot be decoded
// are indexed by type only and reported in the returned error.
func (r *Repository) IndexWrite(ctx context.Context, ids ...int64) error {
	if err := r.checkRunning("index write"); err != nil {
		return err
	}
	if len(ids) == 0 {
		all, err := r.backend.IDs(ctx)
		if err != nil {
			return r.fail("index write", err)
		}
		ids = all
	}

	var errs batchErrors
	for _, id := range ids {
		rec, err := r.indexOne(ctx, id)
		if errors.Is(err, ErrRepositoryFailed) {
			return err
		}
		errs.add(err)
		if rec == nil {
			continue
		}
		r.mu.Lock()
		r.index[id] = *rec
		r.mu.Unlock()
	}

	r.logger.Info("index rewritten", zap.Int("ids", len(ids)))
	return errs.err()
}

// indexOne rebuilds and stores the index record of id from its document.
// A nil record means nothing was written. Only storage errors are fatal.
func (r *Repository) indexOne(ctx context.Context, id int64) (*IndexRecord, error) {
	blob, err := r.backend.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, &ObjectError{ID: id, Err: err}
	}
	if err != nil {
		return nil, r.fail("index write", err)
	}

	var perr error
	obj, derr := r.decode(blob)
	if derr != nil {
		perr = &InaccessibleObjectError{ID: id, Err: derr}
	}
	rec := IndexRecord{
		ID:       id,
		Entry:    entryFor(obj),
		Checksum: checksum(blob.Data),
		Version:  obj.Schema().Version(),
		Updated:  time.Now().UTC(),
	}
	if err := r.backend.PutIndex(ctx, rec); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &ObjectError{ID: id, Err: err}
		}
		return nil, r.fail("index write", err)
	}
	return &rec, perr
}

// readIndex reads durable index records and rebuilds any the backend
// reports as damaged
func (r *Repository) readIndex(ctx context.Context, op string, ids ...int64) ([]IndexRecord, error) {
	recs, err := r.backend.Index(ctx, ids...)
	var damaged *DamagedIndexError
	if !errors.As(err, &damaged) {
		if err != nil {
			return nil, r.fail(op, err)
		}
		return recs, nil
	}

	r.logger.Warn("damaged index records, rebuilding from documents",
		zap.Int64s("ids", damaged.IDs()),
		zap.Error(damaged),
	)
	for _, id := range damaged.IDs() {
		rec, err := r.indexOne(ctx, id)
		if errors.Is(err, ErrRepositoryFailed) {
			return nil, err
		}
		if rec != nil {
			recs = append(recs, *rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
	return recs, nil
}

// UpdateIndex refreshes the in-memory index view from storage and reports
// what appeared, changed or disappeared since the previous view. With ids
// only those entries are refreshed. This is how a session observes writes
// made by other sessions.
func (r *Repository) UpdateIndex(ctx context.Context, ids ...int64) (Changes, error) {
	if err := r.checkRunning("update index"); err != nil {
		return Changes{}, err
	}
	recs, err := r.readIndex(ctx, "update index", ids...)
	if err != nil {
		return Changes{}, err
	}

	fresh := make(map[int64]IndexRecord, len(recs))
	for _, rec := range recs {
		fresh[rec.ID] = rec
	}

	var ch Changes
	r.mu.Lock()
	scope := ids
	if len(scope) == 0 {
		for id := range r.index {
			scope = append(scope, id)
		}
		for id := range fresh {
			if _, ok := r.index[id]; !ok {
				scope = append(scope, id)
			}
		}
	}
	for _, id := range scope {
		old, had := r.index[id]
		rec, has := fresh[id]
		switch {
		case has && !had:
			ch.Added = append(ch.Added, id)
			r.index[id] = rec
		case !has && had:
			ch.Removed = append(ch.Removed, id)
			delete(r.index, id)
		case has && had:
			if old.Checksum != rec.Checksum {
				ch.Changed = append(ch.Changed, id)
			}
			r.index[id] = rec
		}
	}
	r.mu.Unlock()

	for _, s := range [][]int64{ch.Added, ch.Changed, ch.Removed} {
		sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	}
	if !ch.Empty() {
		r.logger.Debug("index updated",
			zap.Int64s("added", ch.Added),
			zap.Int64s("changed", ch.Changed),
			zap.Int64s("removed", ch.Removed),
		)
	}
	return ch, nil
}

// Inspect returns the stored document of id without decoding it into an
// instance. It is used by operator tooling.
func (r *Repository) Inspect(ctx context.Context, id int64, backup bool) (*codec.Document, Blob, error) {
	if err := r.checkRunning("inspect"); err != nil {
		return nil, Blob{}, err
	}
	var (
		blob Blob
		err  error
	)
	if backup {
		blob, err = r.backend.GetBackup(ctx, id)
	} else {
		blob, err = r.backend.Get(ctx, id)
	}
	if errors.Is(err, ErrNotFound) {
		return nil, Blob{}, &InaccessibleObjectError{ID: id, Err: err}
	}
	if err != nil {
		return nil, Blob{}, r.fail("inspect", err)
	}

	c, err := codec.New(blob.Format)
	if err != nil {
		return nil, blob, fmt.Errorf("inspect %d: %w", id, err)
	}
	doc, err := codec.Unmarshal(c, blob.Data)
	if err != nil {
		return nil, blob, fmt.Errorf("inspect %d: %w", id, err)
	}
	return doc, blob, nil
}
