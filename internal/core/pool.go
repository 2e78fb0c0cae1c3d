package core

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	sqlite3 "github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/tetratelabs/wazero"
	"golang.org/x/sync/singleflight"
)

var wasmCacheOnce sync.Once

// setupWASMCache points go-sqlite3's wazero runtime at a persistent
// on-disk compilation cache so the WASM module is only JIT-compiled once
// per machine instead of once per process.
func setupWASMCache() {
	cacheDir := ""
	if userCache, err := os.UserCacheDir(); err == nil {
		cacheDir = filepath.Join(userCache, "lattice", "wasm")
	}

	var cache wazero.CompilationCache
	if cacheDir != "" {
		if c, err := wazero.NewCompilationCacheWithDir(cacheDir); err == nil {
			cache = c
		}
	}
	if cache == nil {
		cache = wazero.NewCompilationCache()
	}
	sqlite3.RuntimeConfig = wazero.NewRuntimeConfig().WithCompilationCache(cache)
}

// buildConnString composes the file: URI the ncruces driver understands,
// forcing the pragmas every Handle relies on (foreign key enforcement and
// a driver-level busy timeout as a backstop below the coordinator's own
// busy-retry loop).
func buildConnString(path string, readOnly bool) string {
	if path == ":memory:" {
		return "file:lattice_mem?mode=memory&cache=shared&_pragma=journal_mode(DELETE)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)"
	}
	if strings.HasPrefix(path, "file:") {
		if !strings.Contains(path, "_pragma=foreign_keys") {
			path += "&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)"
		}
		if readOnly && !strings.Contains(path, "mode=ro") {
			path += "&mode=ro"
		}
		return path
	}
	q := "?_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)"
	if readOnly {
		q += "&mode=ro"
	}
	return "file:" + path + q
}

func isInMemoryPath(path string) bool {
	return path == ":memory:" || (strings.HasPrefix(path, "file:") && strings.Contains(path, "mode=memory"))
}

// slot is one lane of the pool: Normal gets N concurrent slots, every
// exclusive category gets exactly one (§4.3).
type slot struct {
	mu  sync.Mutex
	sem chan struct{}
}

func newSlot(capacity int) *slot {
	return &slot{sem: make(chan struct{}, capacity)}
}

func (s *slot) acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *slot) release() { <-s.sem }

// HandlePool is the single owner of a database file's underlying
// connections. It hands out HandleBase instances per HandleCategory,
// serializing the exclusive categories to one live handle each and
// allowing up to Options.MaxHandles concurrent Normal handles (§3
// HandlePool, §4.3).
type HandlePool struct {
	path string
	tag  string
	opts Options

	mu       sync.Mutex
	db       *sql.DB
	closed   bool
	alive    map[*HandleBase]struct{}
	slots    map[HandleCategory]*slot
	registry *ConfigRegistry // pending configuration applied to every handle

	connectGroup singleflight.Group
}

// NewHandlePool opens (lazily, on first checkout) the underlying *sql.DB
// for path and returns a pool ready to hand out handles.
func NewHandlePool(path, tag string, opts Options) *HandlePool {
	wasmCacheOnce.Do(setupWASMCache)
	p := &HandlePool{
		path:     path,
		tag:      tag,
		opts:     opts,
		alive:    make(map[*HandleBase]struct{}),
		slots:    make(map[HandleCategory]*slot),
		registry: NewConfigRegistry(),
	}
	installBasicConfig(p.registry)
	normalCap := opts.MaxHandles
	if normalCap <= 0 {
		normalCap = DefaultOptions().MaxHandles
	}
	p.slots[CategoryNormal] = newSlot(normalCap)
	for _, c := range []HandleCategory{
		CategoryMigrate, CategoryBackupRead, CategoryBackupWrite, CategoryBackupCipher,
		CategoryCheckpoint, CategoryIntegrity, CategoryAssemble,
		CategoryAssembleBackupRead, CategoryAssembleBackupWrite, CategoryAssembleCipher,
	} {
		p.slots[c] = newSlot(1)
	}
	return p
}

// Registry returns the pool's pending ConfigRegistry, mutated by callers
// that want every future handle (and, on next checkout, every live one) to
// pick up a new or removed Configuration.
func (p *HandlePool) Registry() *ConfigRegistry { return p.registry }

func (p *HandlePool) openDB() (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db != nil {
		return p.db, nil
	}
	if !isInMemoryPath(p.path) {
		if dir := filepath.Dir(p.path); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, wrapError(KindIOErr, SeverityError, err, "create directory %q", dir)
			}
		}
	}

	db, err := sql.Open("sqlite3", buildConnString(p.path, false))
	if err != nil {
		return nil, wrapError(KindError, SeverityError, err, "open %q", p.path)
	}

	if isInMemoryPath(p.path) {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		maxConns := runtime.NumCPU() + 1
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(0)
	}

	if !isInMemoryPath(p.path) {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, wrapError(KindError, SeverityError, err, "enable WAL on %q", p.path)
		}
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, wrapError(classifyDriverErr(err), SeverityError, err, "ping %q", p.path)
	}

	p.db = db
	return db, nil
}

// reopenWritable is the reopen callback the §4.2 protocol invokes when the
// "basic" configuration detects a read-only main database: it drops the
// pooled *sql.DB (forcing every future connection to be re-dialed) and
// hands back a single fresh writable connection for the handle in hand.
func (p *HandlePool) reopenWritable(ctx context.Context) (*sql.Conn, error) {
	p.mu.Lock()
	if p.db != nil {
		_ = p.db.Close()
		p.db = nil
	}
	p.mu.Unlock()

	db, err := p.openDB()
	if err != nil {
		return nil, err
	}
	return db.Conn(ctx)
}

// checkout acquires a slot for category, dials a connection, and returns a
// HandleBase with the pool's pending configuration already applied
// (§4.3). The caller must call Return when done.
func (p *HandlePool) checkout(ctx context.Context, category HandleCategory) (*HandleBase, error) {
	start := timeNow()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrDatabaseClosed
	}
	s := p.slots[category]
	p.mu.Unlock()

	if err := s.acquire(ctx); err != nil {
		return nil, wrapError(KindBusy, SeverityWarning, err, "checkout %s", category)
	}
	m().checkoutWaitSec.Observe(time.Since(start).Seconds())

	db, err := p.openDB()
	if err != nil {
		s.release()
		return nil, err
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		s.release()
		return nil, wrapError(classifyDriverErr(err), SeverityError, err, "dial connection for %s", category)
	}

	h := newHandleBase(p.path, p.tag, category, conn, p)
	if err := applyConfigProtocol(ctx, h, p.registry, p.reopenWritable); err != nil {
		_ = conn.Close()
		s.release()
		return nil, err
	}

	p.mu.Lock()
	p.alive[h] = struct{}{}
	count := len(p.alive)
	p.mu.Unlock()
	m().handlesAlive.WithLabelValues(p.path, category.String()).Set(float64(count))

	return h, nil
}

// Return finalizes every open statement on h and releases its slot. A
// handle that ever rolled back an uncommitted transaction is not reused;
// its connection is closed instead of returned to the driver's idle pool,
// matching the "poisoned after rollback" discipline of §4.4.
func (p *HandlePool) Return(h *HandleBase) {
	h.finalizeAll()

	// Returning driver.ErrBadConn from Raw makes database/sql close the
	// physical connection instead of putting it back in the *sql.DB idle
	// pool, which is how a poisoned handle's connection is discarded. Any
	// other handle's *sql.Conn is closed normally, which leaves its
	// physical connection with the *sql.DB for the next Conn() dial.
	h.mu.Lock()
	poisoned := h.everRolledBack
	h.mu.Unlock()
	if poisoned {
		_ = h.conn.Raw(func(any) error { return driver.ErrBadConn })
	}
	_ = h.conn.Close()

	p.mu.Lock()
	delete(p.alive, h)
	count := len(p.alive)
	p.mu.Unlock()
	m().handlesAlive.WithLabelValues(p.path, h.category.String()).Set(float64(count))

	p.slots[h.category].release()
}

// NumberOfAliveHandles reports the count of checked-out, not-yet-returned
// handles across every category (§3 HandlePool).
func (p *HandlePool) NumberOfAliveHandles() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.alive)
}

// Blockade waits until every currently-alive handle has been returned,
// the synchronization primitive behind Database.Blockade (§4.5). It does
// not stop new checkouts: a checkout that arrives during or after the
// wait proceeds normally.
func (p *HandlePool) Blockade(ctx context.Context) error {
	for {
		p.mu.Lock()
		n := len(p.alive)
		p.mu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// Purge closes the pooled *sql.DB so the next checkout dials fresh
// connections, used after an external file replacement is detected
// (§4.5, watch.go).
func (p *HandlePool) Purge() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}

// Close purges the pool and marks it permanently unusable.
func (p *HandlePool) Close() error {
	p.mu.Lock()
	p.closed = true
	db := p.db
	p.db = nil
	p.mu.Unlock()
	if db == nil {
		return nil
	}
	return db.Close()
}

// CheckpointMode selects which WAL checkpoint SQLite runs (§4.5, §6.2
// Database.checkpoint(mode)).
type CheckpointMode int

const (
	// CheckpointPassive checkpoints as many frames as possible without
	// blocking writers or waiting on readers; it may leave the WAL file
	// non-empty if a reader holds it open.
	CheckpointPassive CheckpointMode = iota
	// CheckpointTruncate blocks until every frame is checkpointed and the
	// WAL file is truncated back to zero bytes.
	CheckpointTruncate
)

func (m CheckpointMode) pragmaArg() string {
	switch m {
	case CheckpointTruncate:
		return "TRUNCATE"
	default:
		return "PASSIVE"
	}
}

// Checkpoint runs a WAL checkpoint in the given mode (§4.3 CategoryCheckpoint).
func (p *HandlePool) Checkpoint(ctx context.Context, mode CheckpointMode) error {
	db, err := p.openDB()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, "PRAGMA wal_checkpoint("+mode.pragmaArg()+")")
	if err != nil {
		return wrapError(classifyDriverErr(err), SeverityError, err, "checkpoint %q", p.path)
	}
	return nil
}

// CheckpointWAL runs a TRUNCATE checkpoint, exposed for the background
// checkpoint ticker in database.go (§4.3 CategoryCheckpoint).
func (p *HandlePool) CheckpointWAL(ctx context.Context) error {
	return p.Checkpoint(ctx, CheckpointTruncate)
}

// UnderlyingDB exposes the pooled *sql.DB for callers that need
// database/sql-native access alongside the Handle API (an escape hatch
// the teacher's storage layer also offers its embedders).
func (p *HandlePool) UnderlyingDB() (*sql.DB, error) { return p.openDB() }

func timeNow() time.Time { return time.Now() }
