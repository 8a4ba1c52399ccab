package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

var errPending = errors.New("locks pending")

func (r *Repository) markHeld(ids ...int64) {
	r.mu.Lock()
	for _, id := range ids {
		r.held[id] = struct{}{}
	}
	r.mu.Unlock()
}

func (r *Repository) unmarkHeld(ids ...int64) {
	r.mu.Lock()
	for _, id := range ids {
		delete(r.held, id)
	}
	r.mu.Unlock()
}

// Holds reports whether this session believes it holds id's lock
func (r *Repository) Holds(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.held[id]
	return ok
}

// HeldIDs returns the IDs locked by this session in ascending order
func (r *Repository) HeldIDs() []int64 {
	r.mu.Lock()
	out := make([]int64, 0, len(r.held))
	for id := range r.held {
		out = append(out, id)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Repository) heldLiveIDs() []int64 {
	var out []int64
	for _, id := range r.HeldIDs() {
		if r.IsLoaded(id) {
			out = append(out, id)
		}
	}
	return out
}

func (r *Repository) lockBackOff(ctx context.Context) backoff.BackOff {
	if r.lockTimeout <= 0 {
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = r.lockTimeout
	return backoff.WithContext(b, ctx)
}

// Lock acquires the locks of ids for this session, waiting up to the lock
// timeout for other sessions to release them. It returns the IDs granted;
// when some are missing the error is a *LockError naming them.
func (r *Repository) Lock(ctx context.Context, ids []int64) ([]int64, error) {
	if err := r.checkRunning("lock"); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pending := append([]int64(nil), ids...)
	var granted []int64
	var fatal error

	op := func() error {
		got, err := r.backend.TryLock(ctx, r.session.ID, pending)
		if err != nil {
			fatal = err
			return backoff.Permanent(err)
		}
		r.markHeld(got...)
		granted = append(granted, got...)
		pending = missing(pending, got)
		if len(pending) > 0 {
			return errPending
		}
		return nil
	}

	err := backoff.Retry(op, r.lockBackOff(ctx))
	if fatal != nil {
		return granted, r.fail("lock", fatal)
	}
	if err == nil {
		return granted, nil
	}

	holders, herr := r.backend.Holders(ctx, pending...)
	if herr != nil {
		holders = nil
	}
	r.metrics.contention.Add(float64(len(pending)))
	r.logger.Warn("lock contention",
		zap.Int64s("ids", pending),
		zap.Any("holders", holders),
		zap.Duration("waited", r.lockTimeout),
	)
	return granted, &LockError{IDs: pending, Holders: holders}
}

// Unlock releases the locks of ids
func (r *Repository) Unlock(ctx context.Context, ids []int64) error {
	if err := r.checkRunning("unlock"); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	if err := r.backend.Unlock(ctx, r.session.ID, ids); err != nil {
		return r.fail("unlock", err)
	}
	r.unmarkHeld(ids...)
	return nil
}

// LockRepository takes the whole-repository lock. It fails while any other
// session holds a lock.
func (r *Repository) LockRepository(ctx context.Context) error {
	if err := r.checkRunning("lock repository"); err != nil {
		return err
	}

	var fatal error
	op := func() error {
		ok, err := r.backend.TryLockRepository(ctx, r.session.ID)
		if err != nil {
			fatal = err
			return backoff.Permanent(err)
		}
		if !ok {
			return errPending
		}
		return nil
	}

	err := backoff.Retry(op, r.lockBackOff(ctx))
	if fatal != nil {
		return r.fail("lock repository", fatal)
	}
	if err != nil {
		r.metrics.contention.Inc()
		r.logger.Warn("repository lock contention")
		return &LockError{Repository: true}
	}

	r.mu.Lock()
	r.repoLocked = true
	r.mu.Unlock()
	return nil
}

// UnlockRepository releases the whole-repository lock
func (r *Repository) UnlockRepository(ctx context.Context) error {
	if err := r.checkRunning("unlock repository"); err != nil {
		return err
	}
	if err := r.backend.UnlockRepository(ctx, r.session.ID); err != nil {
		return r.fail("unlock repository", err)
	}
	r.mu.Lock()
	r.repoLocked = false
	r.mu.Unlock()
	return nil
}

// LockSession returns the session holding id's lock. It is a best effort
// diagnostic and reports false on any error.
func (r *Repository) LockSession(ctx context.Context, id int64) (string, bool) {
	holders, err := r.backend.Holders(ctx, id)
	if err != nil {
		r.logger.Debug("lock holder lookup failed", zap.Int64("id", id), zap.Error(err))
		return "", false
	}
	s, ok := holders[id]
	return s, ok
}

// Locks returns every lock in the repository with its holder
func (r *Repository) Locks(ctx context.Context) (map[int64]string, error) {
	holders, err := r.backend.Holders(ctx)
	if err != nil {
		return nil, r.fail("locks", err)
	}
	return holders, nil
}

// Sessions returns every registered session, including this one
func (r *Repository) Sessions(ctx context.Context) ([]SessionInfo, error) {
	sessions, err := r.backend.Sessions(ctx)
	if err != nil {
		return nil, r.fail("sessions", err)
	}
	return sessions, nil
}

// OtherSessions lists the other registered sessions. It is a best effort
// diagnostic and returns nil on any error.
func (r *Repository) OtherSessions(ctx context.Context) []SessionInfo {
	sessions, err := r.backend.Sessions(ctx)
	if err != nil {
		r.logger.Debug("session listing failed", zap.Error(err))
		return nil
	}
	var out []SessionInfo
	for _, s := range sessions {
		if s.ID != r.session.ID {
			out = append(out, s)
		}
	}
	return out
}

// Heartbeat refreshes this session's liveness timestamp
func (r *Repository) Heartbeat(ctx context.Context) error {
	if err := r.checkRunning("heartbeat"); err != nil {
		return err
	}
	if err := r.backend.Heartbeat(ctx, r.session.ID); err != nil {
		return r.fail("heartbeat", err)
	}
	return nil
}

// ReapLocks releases the locks of every other session whose heartbeat is
// older than staleAfter and returns the reaped session IDs. A session that
// is still alive but missed its heartbeats loses its locks; pick staleAfter
// well above the heartbeat interval.
func (r *Repository) ReapLocks(ctx context.Context, staleAfter time.Duration) ([]string, error) {
	if err := r.checkRunning("reap locks"); err != nil {
		return nil, err
	}
	if staleAfter <= 0 {
		return nil, fmt.Errorf("reap locks: stale window must be positive")
	}

	sessions, err := r.backend.Sessions(ctx)
	if err != nil {
		return nil, r.fail("reap locks", err)
	}

	cutoff := time.Now().Add(-staleAfter)
	var reaped []string
	for _, s := range sessions {
		if s.ID == r.session.ID || s.Heartbeat.After(cutoff) {
			continue
		}
		n, err := r.backend.ReleaseSession(ctx, s.ID)
		if err != nil {
			return reaped, r.fail("reap locks", err)
		}
		reaped = append(reaped, s.ID)
		r.logger.Warn("reaped stale session",
			zap.String("stale_session", s.ID),
			zap.String("host", s.Host),
			zap.Int("pid", s.PID),
			zap.Int("locks", n),
			zap.String("last_seen", humanize.Time(s.Heartbeat)),
		)
	}
	return reaped, nil
}

// ReapSession releases every lock held by one other session regardless of
// its heartbeat. The caller must know that session is dead.
func (r *Repository) ReapSession(ctx context.Context, session string) (int, error) {
	if err := r.checkRunning("reap session"); err != nil {
		return 0, err
	}
	if session == r.session.ID {
		return 0, fmt.Errorf("reap session: refusing to reap own session")
	}
	n, err := r.backend.ReleaseSession(ctx, session)
	if err != nil {
		return 0, r.fail("reap session", err)
	}
	r.logger.Warn("reaped session", zap.String("reaped_session", session), zap.Int("locks", n))
	return n, nil
}

// Clean irreversibly removes every document and index record. The session
// must hold the repository lock. The ID sequence is kept so IDs are never
// reused.
func (r *Repository) Clean(ctx context.Context) error {
	if err := r.checkRunning("clean"); err != nil {
		return err
	}
	r.mu.Lock()
	locked := r.repoLocked
	r.mu.Unlock()
	if !locked {
		return fmt.Errorf("clean: %w: repository lock required", ErrNotLocked)
	}

	if err := r.backend.Wipe(ctx); err != nil {
		return r.fail("clean", err)
	}

	ids := r.HeldIDs()
	if len(ids) > 0 {
		if err := r.backend.Unlock(ctx, r.session.ID, ids); err != nil {
			return r.fail("clean", err)
		}
	}

	r.mu.Lock()
	r.index = make(map[int64]IndexRecord)
	r.held = make(map[int64]struct{})
	r.mu.Unlock()
	r.objects.Clear()
	r.incomplete.Clear()
	r.base.Clear()
	r.updateGauges()

	r.logger.Warn("repository cleaned")
	return nil
}
