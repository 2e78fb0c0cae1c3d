package core

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// HandleCategory identifies what a Handle is checked out for. The pool
// keeps a single-slot, serialized lane for every exclusive category and an
// N-slot lane for Normal (§3, §4.3).
type HandleCategory int

const (
	CategoryNormal HandleCategory = iota
	CategoryMigrate
	CategoryBackupRead
	CategoryBackupWrite
	CategoryBackupCipher
	CategoryCheckpoint
	CategoryIntegrity
	CategoryAssemble
	CategoryAssembleBackupRead
	CategoryAssembleBackupWrite
	CategoryAssembleCipher
)

func (c HandleCategory) String() string {
	switch c {
	case CategoryNormal:
		return "normal"
	case CategoryMigrate:
		return "migrate"
	case CategoryBackupRead:
		return "backup_read"
	case CategoryBackupWrite:
		return "backup_write"
	case CategoryBackupCipher:
		return "backup_cipher"
	case CategoryCheckpoint:
		return "checkpoint"
	case CategoryIntegrity:
		return "integrity"
	case CategoryAssemble:
		return "assemble"
	case CategoryAssembleBackupRead:
		return "assemble_backup_read"
	case CategoryAssembleBackupWrite:
		return "assemble_backup_write"
	case CategoryAssembleCipher:
		return "assemble_cipher"
	default:
		return "unknown"
	}
}

// exclusive reports whether this category is one that never shares a live
// handle per path (§4.3). The pool gives every exclusive category a single
// slot; it also gives the non-exclusive Backup categories a single slot.
func (c HandleCategory) exclusive() bool {
	switch c {
	case CategoryMigrate, CategoryCheckpoint, CategoryIntegrity,
		CategoryAssemble, CategoryAssembleBackupRead, CategoryAssembleBackupWrite, CategoryAssembleCipher:
		return true
	}
	return false
}

// preparedStatement is one entry in a handle's active-statement table
// (§3 Handle). It buffers positional bindings until Step executes them,
// since database/sql has no direct analogue of sqlite3_bind_*/sqlite3_step.
type preparedStatement struct {
	sqlText string
	stmt    *sql.Stmt
	args    []any
	cols    []string
	rows    *sql.Rows
	current []any
	started bool
}

func (p *preparedStatement) ensureArgs(n int) {
	for len(p.args) < n {
		p.args = append(p.args, nil)
	}
}

// HandleBase wraps one *sql.Conn — one connection to one database file
// (§4.1). It owns the handle's error slot, its main convenience statement,
// and every other statement prepared on it for mass-finalize on close.
type HandleBase struct {
	id       uuid.UUID
	path     string
	tag      string
	category HandleCategory
	conn     *sql.Conn
	pool     *HandlePool

	entered atomic.Bool // owning-"thread" (goroutine) misuse detector, §5

	mu         sync.Mutex
	main       *preparedStatement
	statements map[int]*preparedStatement
	nextStmtID int
	lastErr    error

	depth          int
	everRolledBack bool
	invoked        []configEntry
}

func newHandleBase(path, tag string, category HandleCategory, conn *sql.Conn, pool *HandlePool) *HandleBase {
	return &HandleBase{
		id:         uuid.New(),
		path:       path,
		tag:        tag,
		category:   category,
		conn:       conn,
		pool:       pool,
		statements: make(map[int]*preparedStatement),
	}
}

// enter detects concurrent use of the same handle from two goroutines, the
// Go analogue of §5's owning-thread check: Handle is single-threaded, and
// concurrent use by two callers is a misuse.
func (h *HandleBase) enter() error {
	if !h.entered.CompareAndSwap(false, true) {
		return newError(KindMisuse, SeverityError, "concurrent use of handle %s", h.id)
	}
	return nil
}

func (h *HandleBase) leave() { h.entered.Store(false) }

func (h *HandleBase) ID() uuid.UUID        { return h.id }
func (h *HandleBase) Path() string         { return h.path }
func (h *HandleBase) Tag() string          { return h.tag }
func (h *HandleBase) Category() HandleCategory { return h.category }

func (h *HandleBase) setError(err error) error {
	h.mu.Lock()
	h.lastErr = err
	h.mu.Unlock()
	if err != nil {
		notifyErrorTracers(h.path, h.tag, err)
	}
	return err
}

// LastError returns the thread-local-equivalent last error recorded on this
// handle (§4.1 getThreadedError). Since Go has no first-class thread-local
// storage and a Handle is already single-owner by contract, the handle's
// own field serves that role directly.
func (h *HandleBase) LastError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

// Depth returns the current transaction-nesting depth (0 = idle).
func (h *HandleBase) Depth() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.depth
}

func (h *HandleBase) isInTransaction() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.depth > 0
}

// Prepare compiles sql as the handle's main statement, the one bound to the
// handle's lifetime for execute(sql) convenience calls. Prepare is
// idempotent: an already-prepared main statement is finalized first (§4.1).
func (h *HandleBase) Prepare(ctx context.Context, sqlText string) error {
	if err := h.enter(); err != nil {
		return err
	}
	defer h.leave()

	if h.main != nil {
		_ = h.main.stmt.Close()
		h.main = nil
	}
	stmt, err := h.conn.PrepareContext(ctx, sqlText)
	if err != nil {
		return h.setError(wrapError(classifyDriverErr(err), SeverityError, err, "prepare %q", sqlText))
	}
	h.main = &preparedStatement{sqlText: sqlText, stmt: stmt}
	return nil
}

// PrepareStatement allocates an independent statement tracked in the
// handle's active-statement table, returning an id for later Bind/Step
// calls (§3 Handle "active-statement table (id -> prepared statement)").
func (h *HandleBase) PrepareStatement(ctx context.Context, sqlText string) (int, error) {
	if err := h.enter(); err != nil {
		return 0, err
	}
	defer h.leave()

	stmt, err := h.conn.PrepareContext(ctx, sqlText)
	if err != nil {
		return 0, h.setError(wrapError(classifyDriverErr(err), SeverityError, err, "prepare %q", sqlText))
	}
	h.mu.Lock()
	h.nextStmtID++
	id := h.nextStmtID
	h.statements[id] = &preparedStatement{sqlText: sqlText, stmt: stmt}
	h.mu.Unlock()
	return id, nil
}

func (h *HandleBase) statementFor(id int) (*preparedStatement, error) {
	if id == 0 {
		if h.main == nil {
			return nil, newError(KindMisuse, SeverityError, "no main statement prepared")
		}
		return h.main, nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.statements[id]
	if !ok {
		return nil, newError(KindMisuse, SeverityError, "unknown statement id %d", id)
	}
	return p, nil
}

// BindIndex binds a positional value (1-based index, matching sqlite's
// bind_* convention) on the given statement id (0 = main statement).
func (h *HandleBase) BindIndex(id, index int, value any) error {
	p, err := h.statementFor(id)
	if err != nil {
		return h.setError(err)
	}
	if index < 1 {
		return h.setError(newError(KindMisuse, SeverityError, "bind index must be >= 1, got %d", index))
	}
	p.ensureArgs(index)
	p.args[index-1] = value
	return nil
}

// Step advances the statement, returning true while a row is available.
// Bindings remain valid across Step calls until Reset or Finalize (§4.1).
func (h *HandleBase) Step(ctx context.Context, id int) (bool, error) {
	if err := h.enter(); err != nil {
		return false, err
	}
	defer h.leave()

	p, err := h.statementFor(id)
	if err != nil {
		return false, h.setError(err)
	}

	if !p.started {
		rows, qerr := p.stmt.QueryContext(ctx, p.args...)
		if qerr != nil {
			return false, h.setError(wrapError(classifyDriverErr(qerr), SeverityError, qerr, "step %q", p.sqlText))
		}
		p.rows = rows
		p.started = true
		cols, cerr := rows.Columns()
		if cerr == nil {
			p.cols = cols
		}
	}

	if p.rows == nil {
		return false, nil
	}
	if !p.rows.Next() {
		if err := p.rows.Err(); err != nil {
			return false, h.setError(wrapError(classifyDriverErr(err), SeverityError, err, "step %q", p.sqlText))
		}
		return false, nil
	}

	dest := make([]any, len(p.cols))
	ptrs := make([]any, len(p.cols))
	for i := range dest {
		ptrs[i] = &dest[i]
	}
	if err := p.rows.Scan(ptrs...); err != nil {
		return false, h.setError(wrapError(classifyDriverErr(err), SeverityError, err, "scan %q", p.sqlText))
	}
	p.current = dest
	return true, nil
}

// Reset ends the statement's current execution without discarding its
// compiled form or its bindings (§4.1), mirroring sqlite3_reset.
func (h *HandleBase) Reset(id int) error {
	p, err := h.statementFor(id)
	if err != nil {
		return h.setError(err)
	}
	if p.rows != nil {
		_ = p.rows.Close()
		p.rows = nil
	}
	p.started = false
	p.current = nil
	return nil
}

// Finalize releases the statement and removes it from the active-statement
// table. Finalizing id 0 clears the main statement.
func (h *HandleBase) Finalize(id int) error {
	p, err := h.statementFor(id)
	if err != nil {
		return nil // already gone; finalize is tolerant, matching sqlite3_finalize on a null stmt
	}
	if p.rows != nil {
		_ = p.rows.Close()
	}
	_ = p.stmt.Close()
	if id == 0 {
		h.main = nil
	} else {
		h.mu.Lock()
		delete(h.statements, id)
		h.mu.Unlock()
	}
	return nil
}

// finalizeAll mass-finalizes every tracked statement, called on handle
// close/return-to-pool (§4.1 "tracked for mass-finalize on close").
func (h *HandleBase) finalizeAll() {
	h.mu.Lock()
	ids := make([]int, 0, len(h.statements))
	for id := range h.statements {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	for _, id := range ids {
		_ = h.Finalize(id)
	}
	if h.main != nil {
		_ = h.Finalize(0)
	}
}

// ColumnValue returns column i (0-based) of the current row of statement id.
func (h *HandleBase) ColumnValue(id, i int) (any, error) {
	p, err := h.statementFor(id)
	if err != nil {
		return nil, h.setError(err)
	}
	if i < 0 || i >= len(p.current) {
		return nil, h.setError(newError(KindMisuse, SeverityError, "column index %d out of range", i))
	}
	return p.current[i], nil
}

// Execute is the prepare; step-until-done; finalize convenience described
// in §4.1, run inside withTransactionGuard: a failed statement inside an
// open transaction marks the handle everRolledBack. The guard does not
// issue a ROLLBACK itself; ending the transaction is left to its owner.
func (h *HandleBase) Execute(ctx context.Context, sqlText string, args ...any) error {
	return withTransactionGuard(h, func() error {
		if err := h.enter(); err != nil {
			return err
		}
		_, execErr := h.conn.ExecContext(ctx, sqlText, args...)
		h.leave()
		if execErr != nil {
			return h.setError(wrapError(classifyDriverErr(execErr), SeverityError, execErr, "execute %q", sqlText))
		}
		notifySQLTracers(h.tag, h.path, h.id, sqlText, args)
		return nil
	})
}

// GetChanges returns the number of rows changed by the most recent INSERT,
// UPDATE, or DELETE on this connection.
func (h *HandleBase) GetChanges(ctx context.Context) (int64, error) {
	var n int64
	err := h.conn.QueryRowContext(ctx, "SELECT changes()").Scan(&n)
	if err != nil {
		return 0, h.setError(wrapError(classifyDriverErr(err), SeverityError, err, "changes()"))
	}
	return n, nil
}

// GetLastInsertedRowid returns the rowid of the most recent successful
// INSERT on this connection.
func (h *HandleBase) GetLastInsertedRowid(ctx context.Context) (int64, error) {
	var n int64
	err := h.conn.QueryRowContext(ctx, "SELECT last_insert_rowid()").Scan(&n)
	if err != nil {
		return 0, h.setError(wrapError(classifyDriverErr(err), SeverityError, err, "last_insert_rowid()"))
	}
	return n, nil
}

// IsReadOnly approximates sqlite3_stmt_readonly by inspecting the leading
// keyword of the main statement's text. database/sql does not expose the
// engine's own per-statement readonly flag, so this is a deliberate
// simplification: good enough to route write-hint coalescing (§4.3) but not
// a substitute for engine-level enforcement.
func (h *HandleBase) IsReadOnly() bool {
	if h.main == nil {
		return true
	}
	trimmed := strings.TrimSpace(strings.ToUpper(h.main.sqlText))
	return strings.HasPrefix(trimmed, "SELECT") || strings.HasPrefix(trimmed, "PRAGMA") || strings.HasPrefix(trimmed, "EXPLAIN")
}

// classifyDriverErr maps an error from the ncruces sqlite driver to a Kind.
// The driver surfaces sqlite's own result code in its error text (and, for
// *sqlite3.Error, in a structured form); we pattern-match the common cases
// the coordinator and pool act on.
func classifyDriverErr(err error) Kind {
	if err == nil {
		return KindOK
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "database is locked"):
		return KindLocked
	case strings.Contains(msg, "busy"):
		return KindBusy
	case strings.Contains(msg, "malformed") || strings.Contains(msg, "corrupt"):
		return KindCorrupt
	case strings.Contains(msg, "not a database") || strings.Contains(msg, "file is encrypted"):
		return KindNotADatabase
	case strings.Contains(msg, "constraint"):
		return KindConstraint
	case strings.Contains(msg, "interrupt"):
		return KindInterrupt
	case strings.Contains(msg, "disk") && strings.Contains(msg, "full"):
		return KindFull
	case strings.Contains(msg, "misuse"):
		return KindMisuse
	default:
		return KindIOErr
	}
}
