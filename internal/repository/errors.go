package repository

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
)

var (
	ErrRepositoryFailed = errors.New("repository failed")
	ErrNotFound         = errors.New("object not found")
	ErrNotLocked        = errors.New("lock not held")
	ErrState            = errors.New("invalid repository state")
	ErrExists           = errors.New("id already in use")
	ErrConflict         = errors.New("stored document changed since it was read")
)

// RepositoryError is a fatal storage failure
type RepositoryError struct {
	Op  string
	Err error
}

func (e *RepositoryError) Error() string {
	return fmt.Sprintf("repository %s: %v", e.Op, e.Err)
}

func (e *RepositoryError) Unwrap() error {
	return e.Err
}

// Is makes every RepositoryError match ErrRepositoryFailed
func (e *RepositoryError) Is(target error) bool {
	return target == ErrRepositoryFailed
}

// InaccessibleObjectError reports one ID that could not be loaded
type InaccessibleObjectError struct {
	ID  int64
	Err error
}

func (e *InaccessibleObjectError) Error() string {
	return fmt.Sprintf("object %d inaccessible: %v", e.ID, e.Err)
}

func (e *InaccessibleObjectError) Unwrap() error {
	return e.Err
}

// LockError lists the IDs a lock request could not obtain
type LockError struct {
	IDs        []int64
	Holders    map[int64]string
	Repository bool
}

func (e *LockError) Error() string {
	if e.Repository {
		return "repository lock not acquired: other sessions hold locks"
	}
	parts := make([]string, 0, len(e.IDs))
	for _, id := range e.IDs {
		if h, ok := e.Holders[id]; ok {
			parts = append(parts, fmt.Sprintf("%d (held by %s)", id, h))
		} else {
			parts = append(parts, fmt.Sprintf("%d", id))
		}
	}
	return "locks not acquired: " + strings.Join(parts, ", ")
}

// DamagedIndexError is returned by a backend's Index, together with the
// records it could read, when some stored index records cannot be decoded.
// Index records are derived data, so the repository rebuilds them from the
// documents instead of failing.
type DamagedIndexError struct {
	Errs map[int64]error
}

func (e *DamagedIndexError) Error() string {
	ids := e.IDs()
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = e.Errs[id].Error()
	}
	return fmt.Sprintf("%d damaged index records: %s", len(ids), strings.Join(parts, "; "))
}

// IDs returns the damaged IDs in ascending order
func (e *DamagedIndexError) IDs() []int64 {
	ids := make([]int64, 0, len(e.Errs))
	for id := range e.Errs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Add records a damaged index record of id
func (e *DamagedIndexError) Add(id int64, err error) {
	if e.Errs == nil {
		e.Errs = make(map[int64]error)
	}
	e.Errs[id] = err
}

// ErrOrNil returns e when it holds any damaged record
func (e *DamagedIndexError) ErrOrNil() error {
	if e == nil || len(e.Errs) == 0 {
		return nil
	}
	return e
}

// ObjectError attaches an ID to a per-object failure
type ObjectError struct {
	ID  int64
	Err error
}

func (e *ObjectError) Error() string {
	return fmt.Sprintf("object %d: %v", e.ID, e.Err)
}

func (e *ObjectError) Unwrap() error {
	return e.Err
}

// batchErrors accumulates per-item errors. A batch with a single failing
// item returns that error unchanged.
type batchErrors struct {
	errs []error
}

func (b *batchErrors) add(err error) {
	if err != nil {
		b.errs = append(b.errs, err)
	}
}

func (b *batchErrors) err() error {
	switch len(b.errs) {
	case 0:
		return nil
	case 1:
		return b.errs[0]
	}
	merr := &multierror.Error{
		Errors: b.errs,
		ErrorFormat: func(errs []error) string {
			msgs := make([]string, len(errs))
			for i, e := range errs {
				msgs[i] = e.Error()
			}
			sort.Strings(msgs)
			return fmt.Sprintf("%d errors: %s", len(errs), strings.Join(msgs, "; "))
		},
	}
	return merr
}

// Errors flattens a batch error into its per-item errors
func Errors(err error) []error {
	if err == nil {
		return nil
	}
	var merr *multierror.Error
	if errors.As(err, &merr) {
		return merr.WrappedErrors()
	}
	return []error{err}
}
