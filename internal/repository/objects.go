package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gridrepo/internal/codec"
	"gridrepo/internal/schema"
	"gridrepo/internal/streamer"
)

// ============================================================================
// Add
// ============================================================================

// Add registers objs in the live map and returns their IDs. Without
// forceIDs each object gets a fresh ID from the sequence and the session
// is granted its lock. With forceIDs (one per object) the given IDs are
// used as is, the sequence is advanced past them and no lock is taken.
func (r *Repository) Add(ctx context.Context, objs []schema.Persistable, forceIDs []int64) ([]int64, error) {
	if err := r.checkRunning("add"); err != nil {
		return nil, err
	}
	if len(objs) == 0 {
		return nil, nil
	}

	var ids []int64
	if forceIDs != nil {
		if len(forceIDs) != len(objs) {
			return nil, fmt.Errorf("add: %d objects but %d forced ids", len(objs), len(forceIDs))
		}
		for _, id := range forceIDs {
			if id < 0 {
				return nil, fmt.Errorf("add: invalid id %d", id)
			}
			if r.IsLoaded(id) {
				return nil, fmt.Errorf("add: %w: %d", ErrExists, id)
			}
		}
		if err := r.backend.Reserve(ctx, forceIDs); err != nil {
			return nil, r.fail("add", err)
		}
		ids = append(ids, forceIDs...)
	} else {
		first, err := r.backend.Allocate(ctx, len(objs))
		if err != nil {
			return nil, r.fail("add", err)
		}
		ids = make([]int64, len(objs))
		for i := range ids {
			ids[i] = first + int64(i)
		}

		granted, err := r.backend.TryLock(ctx, r.session.ID, ids)
		if err != nil {
			return nil, r.fail("add", err)
		}
		r.markHeld(granted...)
		if len(granted) != len(ids) {
			// Only possible while another session holds the repository lock
			return nil, &LockError{IDs: missing(ids, granted)}
		}
	}

	for i, obj := range objs {
		if err := setID(obj, ids[i]); err != nil {
			return nil, fmt.Errorf("add: %w", err)
		}
		r.objects.Store(ids[i], obj)
	}
	r.updateGauges()

	r.logger.Debug("objects added", zap.Int64s("ids", ids), zap.Bool("forced", forceIDs != nil))
	return ids, nil
}

// ============================================================================
// Flush
// ============================================================================

// Flush durably writes the given live objects, or every live object the
// session holds a lock for when ids is empty. Each write replaces the
// document and its index record atomically; the batch as a whole is not
// atomic. An object whose stored document was rewritten by another session
// after it was read is refused with ErrConflict. Storage errors are fatal
// and abort the batch.
func (r *Repository) Flush(ctx context.Context, ids []int64) error {
	if err := r.checkRunning("flush"); err != nil {
		return err
	}
	if len(ids) == 0 {
		ids = r.heldLiveIDs()
	}
	return r.flush(ctx, ids, false)
}

func (r *Repository) flush(ctx context.Context, ids []int64, skipIncomplete bool) error {
	var errs batchErrors
	for _, id := range ids {
		obj, ok := r.objects.Load(id)
		if !ok {
			errs.add(&ObjectError{ID: id, Err: ErrNotFound})
			continue
		}
		if skipIncomplete && streamer.IsIncomplete(obj) {
			continue
		}
		if !r.Holds(id) {
			errs.add(&ObjectError{ID: id, Err: ErrNotLocked})
			continue
		}

		err := r.checkBase(ctx, id)
		if err == nil {
			err = r.flushOne(ctx, id, obj)
		}
		r.metrics.result("flush", err)
		if errors.Is(err, ErrRepositoryFailed) {
			errs.add(err)
			return errs.err()
		}
		errs.add(err)
	}
	return errs.err()
}

// checkBase compares the stored document of id with the one its live
// object was read from. The caller holds the lock, so the stored document
// cannot change between the check and the write.
func (r *Repository) checkBase(ctx context.Context, id int64) error {
	want, ok := r.base.Load(id)
	if !ok {
		return nil
	}
	blob, err := r.backend.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return &ObjectError{ID: id, Err: fmt.Errorf("%w: document was removed", ErrConflict)}
	}
	if err != nil {
		return r.fail("flush", fmt.Errorf("object %d: %w", id, err))
	}
	if checksum(blob.Data) != want {
		r.logger.Warn("refusing to overwrite newer document", zap.Int64("id", id))
		return &ObjectError{ID: id, Err: ErrConflict}
	}
	return nil
}

func (r *Repository) flushOne(ctx context.Context, id int64, obj schema.Persistable) error {
	start := time.Now()

	doc, err := r.streamer.Encode(obj)
	if err != nil {
		return &ObjectError{ID: id, Err: err}
	}
	data, err := codec.Marshal(r.codec, doc)
	if err != nil {
		return &ObjectError{ID: id, Err: err}
	}

	rec := IndexRecord{
		ID:       id,
		Entry:    entryFor(obj),
		Checksum: checksum(data),
		Version:  doc.Version,
		Updated:  time.Now().UTC(),
	}

	if err := r.backend.Put(ctx, id, Blob{Format: r.codec.Format(), Data: data}, rec); err != nil {
		return r.fail("flush", fmt.Errorf("object %d: %w", id, err))
	}

	r.mu.Lock()
	r.index[id] = rec
	r.mu.Unlock()
	r.base.Store(id, rec.Checksum)

	r.metrics.flushDuration.Observe(time.Since(start).Seconds())
	r.logger.Debug("object flushed", zap.Int64("id", id), zap.String("type", rec.Entry.Category+"/"+rec.Entry.Classname))
	return nil
}

// ============================================================================
// Load
// ============================================================================

type loadOptions struct {
	backup bool
}

// LoadOption configures Load
type LoadOption func(*loadOptions)

// WithBackup reads each ID's previous durable document instead of the
// current one
func WithBackup() LoadOption {
	return func(o *loadOptions) {
		o.backup = true
	}
}

// Load reconstructs the given IDs from storage and places them in the live
// map. The result is aligned with ids. An ID that does not exist yields nil;
// an ID whose document cannot be decoded yields an incomplete placeholder.
// Both are reported as InaccessibleObjectError in the returned batch error
// without stopping the batch. Storage errors are fatal.
func (r *Repository) Load(ctx context.Context, ids []int64, opts ...LoadOption) ([]schema.Persistable, error) {
	if err := r.checkRunning("load"); err != nil {
		return nil, err
	}
	var lo loadOptions
	for _, opt := range opts {
		opt(&lo)
	}

	start := time.Now()
	results := make([]schema.Persistable, len(ids))
	perID := make([]error, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.loadWorkers)
	for i, id := range ids {
		g.Go(func() error {
			obj, err := r.loadOne(gctx, id, lo.backup)
			if errors.Is(err, ErrRepositoryFailed) {
				return err
			}
			results[i], perID[i] = obj, err
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var errs batchErrors
	for i, id := range ids {
		err := perID[i]
		r.metrics.result("load", err)
		if err != nil {
			errs.add(err)
			continue
		}
		r.incomplete.Delete(id)
	}
	r.updateGauges()
	r.metrics.loadDuration.Observe(time.Since(start).Seconds())
	return results, errs.err()
}

func (r *Repository) loadOne(ctx context.Context, id int64, backup bool) (schema.Persistable, error) {
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
		return nil, &InaccessibleObjectError{ID: id, Err: err}
	}
	if err != nil {
		return nil, r.fail("load", fmt.Errorf("object %d: %w", id, err))
	}
	if backup {
		// a restored backup is meant to replace whatever is stored
		r.base.Delete(id)
	} else {
		r.base.Store(id, checksum(blob.Data))
	}

	obj, derr := r.decode(blob)
	if derr == nil {
		derr = setID(obj, id)
	}
	if derr != nil {
		r.logger.Warn("object could not be loaded, marking incomplete",
			zap.Int64("id", id),
			zap.Error(derr),
		)
		if p, ok := streamer.Incomplete(obj); ok {
			p.Set(streamer.IDAttr, id)
		}
		r.incomplete.Store(id, derr)
		r.objects.Store(id, obj)
		return obj, &InaccessibleObjectError{ID: id, Err: derr}
	}

	r.objects.Store(id, obj)
	return obj, nil
}

func (r *Repository) decode(blob Blob) (schema.Persistable, error) {
	c, err := codec.New(blob.Format)
	if err != nil {
		return streamer.NewPlaceholder(nil, err), err
	}
	return r.streamer.FromBytes(c, blob.Data)
}

// ============================================================================
// Delete
// ============================================================================

// Delete removes the documents and index records of ids and drops them
// from the live map. The session must hold each ID's lock; the lock is
// released afterwards.
func (r *Repository) Delete(ctx context.Context, ids []int64) error {
	if err := r.checkRunning("delete"); err != nil {
		return err
	}

	holders, err := r.backend.Holders(ctx, ids...)
	if err != nil {
		return r.fail("delete", err)
	}

	var errs batchErrors
	var removed []int64
	for _, id := range ids {
		if !r.Holds(id) || holders[id] != r.session.ID {
			r.unmarkHeld(id)
			errs.add(&ObjectError{ID: id, Err: ErrNotLocked})
			continue
		}

		err := r.backend.Remove(ctx, id)
		r.metrics.result("delete", err)
		switch {
		case errors.Is(err, ErrNotFound):
			if !r.IsLoaded(id) {
				errs.add(&ObjectError{ID: id, Err: ErrNotFound})
				continue
			}
		case err != nil:
			errs.add(r.fail("delete", fmt.Errorf("object %d: %w", id, err)))
			return errs.err()
		}

		r.objects.Delete(id)
		r.incomplete.Delete(id)
		r.base.Delete(id)
		r.mu.Lock()
		delete(r.index, id)
		r.mu.Unlock()
		removed = append(removed, id)
	}

	if len(removed) > 0 {
		if err := r.backend.Unlock(ctx, r.session.ID, removed); err != nil {
			errs.add(r.fail("delete", err))
		}
		r.unmarkHeld(removed...)
	}
	r.updateGauges()

	r.logger.Debug("objects deleted", zap.Int64s("ids", removed))
	return errs.err()
}

func missing(want, got []int64) []int64 {
	have := make(map[int64]struct{}, len(got))
	for _, id := range got {
		have[id] = struct{}{}
	}
	var out []int64
	for _, id := range want {
		if _, ok := have[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}
