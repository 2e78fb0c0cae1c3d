package core

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// withTransactionGuard runs fn with the handle's misuse/poison bookkeeping
// applied around it: if fn panics or returns a non-busy error while the
// handle is inside a transaction, the handle is marked everRolledBack so
// the pool never recycles its connection (§4.4 "poisoned after rollback").
// It does not itself open a transaction; Execute calls this directly for
// its own single-statement scope, while runTransaction below wraps the
// whole BEGIN...COMMIT/ROLLBACK body in it.
func withTransactionGuard(h *HandleBase, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			h.mu.Lock()
			if h.depth > 0 {
				h.everRolledBack = true
			}
			h.mu.Unlock()
			panic(r)
		}
	}()
	err = fn()
	if err != nil && !IsBusy(err) {
		h.mu.Lock()
		if h.depth > 0 {
			h.everRolledBack = true
		}
		h.mu.Unlock()
	}
	return err
}

// newBusyBackoff builds the exponential busy-retry curve described in §4.4:
// short initial backoff, doubling, capped at ceiling, no retry-forever
// (MaxElapsedTime bounds total wait instead of attempt count, since the
// number of attempts needed depends entirely on contention).
func newBusyBackoff(ceiling, maxElapsed time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = ceiling
	b.MaxElapsedTime = maxElapsed
	return b
}

// runTransaction executes fn inside a single BEGIN IMMEDIATE/COMMIT
// transaction on h, retrying the whole attempt under a busy-retry backoff
// when the engine reports SQLITE_BUSY/LOCKED (§4.4). fn returning any
// other error rolls back and aborts without retry.
func runTransaction(ctx context.Context, h *HandleBase, opts Options, fn func(ctx context.Context) error) error {
	return withTransactionGuard(h, func() error {
		return backoff.Retry(func() error {
			if _, err := h.conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
				wrapped := wrapError(classifyDriverErr(err), SeverityError, err, "begin transaction")
				if IsBusy(wrapped) {
					m().busyRetries.WithLabelValues(h.path).Inc()
					return wrapped
				}
				return backoff.Permanent(wrapped)
			}

			h.mu.Lock()
			h.depth++
			h.mu.Unlock()

			fnErr := fn(ctx)

			h.mu.Lock()
			h.depth--
			h.mu.Unlock()

			if fnErr != nil {
				_, _ = h.conn.ExecContext(ctx, "ROLLBACK")
				if IsBusy(fnErr) {
					m().busyRetries.WithLabelValues(h.path).Inc()
					return fnErr
				}
				return backoff.Permanent(fnErr)
			}

			if _, commitErr := h.conn.ExecContext(ctx, "COMMIT"); commitErr != nil {
				wrapped := wrapError(classifyDriverErr(commitErr), SeverityError, commitErr, "commit")
				if IsBusy(wrapped) {
					m().busyRetries.WithLabelValues(h.path).Inc()
					return wrapped
				}
				return backoff.Permanent(wrapped)
			}
			return nil
		}, newBusyBackoff(opts.BusyRetryCeiling, opts.BusyRetryCeiling*20))
	})
}

// runNestedTransaction runs fn inside a SAVEPOINT nested within the
// caller's already-open transaction (§4.4 nested-transaction support via
// savepoints). It does not retry on busy: the outer transaction already
// owns the write lock, so a busy error here indicates a different failure
// and is returned as-is.
func runNestedTransaction(ctx context.Context, h *HandleBase, name string, fn func(ctx context.Context) error) (err error) {
	if _, execErr := h.conn.ExecContext(ctx, "SAVEPOINT "+name); execErr != nil {
		return wrapError(classifyDriverErr(execErr), SeverityError, execErr, "savepoint %q", name)
	}

	h.mu.Lock()
	h.depth++
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.depth--
		h.mu.Unlock()
	}()

	if fnErr := fn(ctx); fnErr != nil {
		if _, rbErr := h.conn.ExecContext(ctx, "ROLLBACK TO "+name); rbErr != nil {
			h.mu.Lock()
			h.everRolledBack = true
			h.mu.Unlock()
		}
		_, _ = h.conn.ExecContext(ctx, "RELEASE "+name)
		return fnErr
	}
	if _, relErr := h.conn.ExecContext(ctx, "RELEASE "+name); relErr != nil {
		return wrapError(classifyDriverErr(relErr), SeverityError, relErr, "release savepoint %q", name)
	}
	return nil
}

// runPauseableTransactionWithOneLoop runs step repeatedly, committing and
// beginning a fresh transaction every yieldEvery calls so a long-running
// bulk operation (principally RepairEngine.Retrieve's row replay) periodically
// gives waiting readers a window on the write lock instead of holding it
// for the operation's whole duration (§4.4). Each individual batch of
// yieldEvery steps is still atomic; step itself decides when the overall
// operation is done.
func runPauseableTransactionWithOneLoop(ctx context.Context, h *HandleBase, opts Options, yieldEvery int, step func(ctx context.Context) (done bool, err error)) error {
	if yieldEvery <= 0 {
		yieldEvery = 1
	}
	for {
		batchDone := false
		err := runTransaction(ctx, h, opts, func(ctx context.Context) error {
			for i := 0; i < yieldEvery; i++ {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
				done, err := step(ctx)
				if err != nil {
					return err
				}
				if done {
					batchDone = true
					return nil
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		if batchDone {
			return nil
		}
		time.Sleep(100 * time.Microsecond)
	}
}
