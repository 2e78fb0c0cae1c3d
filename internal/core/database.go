package core

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"
)

// Database is the public facade composing HandlePool, ConfigRegistry, and
// the transaction coordinator around one database file (§3 Database). It
// owns the file's process-wide identity (path + tag), its background
// checkpoint ticker, and its external-replacement watch.
type Database struct {
	path string
	tag  string
	opts Options

	pool      *HandlePool
	fileLock  *flock.Flock
	watch     *fileWatch
	group     *errgroup.Group
	groupStop context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// Open acquires (or creates, if this is the first caller in the process)
// the shared pool for path and wraps it in a Database. A zero-value opts
// is replaced by DefaultOptions; a MaxHandles<=0 in otherwise non-zero
// opts falls back to the default Normal-lane size in the pool (§4.5
// Database.open).
func Open(path, tag string, opts Options) (*Database, error) {
	if opts == (Options{}) {
		opts = DefaultOptions()
	}

	pool, created, err := globalRegistry.acquirePool(path, tag, opts)
	if err != nil {
		return nil, err
	}
	_ = created

	d := &Database{path: path, tag: tag, opts: opts, pool: pool}

	if !isInMemoryPath(path) {
		lockPath := path + ".lock"
		d.fileLock = flock.New(lockPath)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	d.group = g
	d.groupStop = cancel

	if !isInMemoryPath(path) {
		d.watch = newFileWatch(path, pool)
		d.watch.start(gctx)
	}

	if opts.CheckpointInterval > 0 && !isInMemoryPath(path) {
		g.Go(func() error {
			return d.checkpointLoop(gctx)
		})
	}

	notifyOperationTracers(tag, path, "open", nil)
	return d, nil
}

func (d *Database) checkpointLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.opts.CheckpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := d.pool.CheckpointWAL(ctx); err != nil {
				logger().Warn().Err(err).Str("path", d.path).Msg("checkpoint failed")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Path returns the database's identity path.
func (d *Database) Path() string { return d.path }

// Tag returns the database's caller-assigned tag, used to scope tracer
// callbacks and metrics when one process manages many databases.
func (d *Database) Tag() string { return d.tag }

// Registry exposes the pool's pending ConfigRegistry so callers can
// install or remove Configurations (§4.2).
func (d *Database) Registry() *ConfigRegistry { return d.pool.Registry() }

// ConfigCipher installs (or, when key is nil, removes) the cipher
// configuration applied on every checkout (§6.2 Database.configCipher). It
// must be called before the first Checkout that should observe it; an
// existing cipher digest recorded in the file rejects a later open under a
// different key, pageSize, or cipherVersion with a KindNotADatabase error.
func (d *Database) ConfigCipher(key []byte, pageSize, cipherVersion int) {
	installCipherConfig(d.Registry(), key, pageSize, cipherVersion)
}

// Checkout acquires a handle of the given category, blocking until one is
// available or ctx is cancelled (§4.3).
func (d *Database) Checkout(ctx context.Context, category HandleCategory) (*HandleBase, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, ErrDatabaseClosed
	}
	notifyOperationTracers(d.tag, d.path, "checkout", map[string]any{"category": category.String()})
	return d.pool.checkout(ctx, category)
}

// Return releases a handle obtained from Checkout back to the pool.
func (d *Database) Return(h *HandleBase) {
	notifyOperationTracers(d.tag, d.path, "return", map[string]any{"category": h.category.String()})
	d.pool.Return(h)
}

// RunTransaction runs fn inside a top-level busy-retried transaction on a
// freshly checked-out Normal handle (§4.4 convenience entry point).
func (d *Database) RunTransaction(ctx context.Context, fn func(ctx context.Context, h *HandleBase) error) error {
	h, err := d.Checkout(ctx, CategoryNormal)
	if err != nil {
		return err
	}
	defer d.Return(h)

	return timed(d.tag, d.path, "transaction", func() error {
		return runTransaction(ctx, h, d.opts, func(ctx context.Context) error {
			return fn(ctx, h)
		})
	})
}

// Checkpoint runs a WAL checkpoint in the given mode (§4.5, §6.2
// Database.checkpoint(mode)).
func (d *Database) Checkpoint(ctx context.Context, mode CheckpointMode) error {
	return timed(d.tag, d.path, "checkpoint", func() error {
		return d.pool.Checkpoint(ctx, mode)
	})
}

// PassiveCheckpoint runs Checkpoint(CheckpointPassive) (§6.2 .passiveCheckpoint).
func (d *Database) PassiveCheckpoint(ctx context.Context) error {
	return d.Checkpoint(ctx, CheckpointPassive)
}

// TruncateCheckpoint runs Checkpoint(CheckpointTruncate) (§6.2 .truncateCheckpoint).
func (d *Database) TruncateCheckpoint(ctx context.Context) error {
	return d.Checkpoint(ctx, CheckpointTruncate)
}

// NumberOfAliveHandles reports currently checked-out handles (§3 Database
// delegating to its HandlePool).
func (d *Database) NumberOfAliveHandles() int { return d.pool.NumberOfAliveHandles() }

// Blockade takes the database's cross-process lock file and waits for
// every live handle to be returned; the returned function releases the
// lock file (§4.5). Checkout does not consult either, so new checkouts
// are not blocked while a blockade is held. It is used internally by Move
// and by RepairEngine.Deposit before they close the pool.
func (d *Database) Blockade(ctx context.Context) (release func(), err error) {
	if d.fileLock != nil {
		locked, lockErr := d.fileLock.TryLockContext(ctx, 10*time.Millisecond)
		if lockErr != nil {
			return nil, wrapError(KindBusy, SeverityWarning, lockErr, "blockade %q", d.path)
		}
		if !locked {
			return nil, wrapError(KindBusy, SeverityWarning, nil, "blockade %q: already locked", d.path)
		}
	}
	if err := d.pool.Blockade(ctx); err != nil {
		if d.fileLock != nil {
			_ = d.fileLock.Unlock()
		}
		return nil, err
	}
	return func() {
		if d.fileLock != nil {
			_ = d.fileLock.Unlock()
		}
	}, nil
}

// Move relocates the underlying database file to newPath while no handle
// is checked out, for callers relocating a database on disk (§4.5).
func (d *Database) Move(ctx context.Context, newPath string) error {
	release, err := d.Blockade(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := d.pool.Close(); err != nil {
		return wrapError(KindIOErr, SeverityError, err, "close pool before move")
	}
	if dir := filepath.Dir(newPath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return wrapError(KindIOErr, SeverityError, err, "create directory for %q", newPath)
		}
	}
	if err := os.Rename(d.path, newPath); err != nil {
		return wrapError(KindIOErr, SeverityError, err, "move %q -> %q", d.path, newPath)
	}

	globalRegistry.release(d.path)
	d.path = newPath
	newPool, _, err := globalRegistry.acquirePool(newPath, d.tag, d.opts)
	if err != nil {
		return err
	}
	d.pool = newPool
	return nil
}

// Close tears down the background checkpoint loop and the file watch,
// then drops this Database's reference to the process-wide pool. The
// pool itself is only actually closed once every Database sharing it has
// closed (process-wide-registry semantics, §4.5).
func (d *Database) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	if d.groupStop != nil {
		d.groupStop()
	}
	_ = d.group.Wait()
	if d.watch != nil {
		d.watch.stop()
	}

	notifyOperationTracers(d.tag, d.path, "close", nil)
	globalRegistry.release(d.path)
	return d.pool.Close()
}
