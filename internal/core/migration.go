package core

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
)

// MigrationInfo describes one source-table-into-target-table move (§3
// MigrationInfo, §4.6). SourcePath may equal the target database's own
// path, in which case no ATTACH is needed.
type MigrationInfo struct {
	TargetTable  string
	SourcePath   string
	SourceTable  string
	Filter       string // optional boolean SQL expression over source columns
	SourceCipher string
	Migrated     bool
}

// migrationState is the engine's live bookkeeping for one MigrationInfo:
// whether its source has been attached, whether the view/trigger shim is
// installed, and which rowids this process has already moved this run
// (tracked in a roaring bitmap so a sparse, high-watermark source table
// doesn't cost this process an entry per row the way a Go map would).
type migrationState struct {
	info        MigrationInfo
	schemaAlias string
	attached    bool
	shimmed     bool
	moved       *roaring.Bitmap
}

// MigratedFunc is called once per completed migration with (target,
// source), then exactly once more with ("", "") when every registered
// migration for this engine has completed (§4.6 step 4).
type MigratedFunc func(target, source string)

// MigrationEngine moves rows from one or more source tables into target
// tables of the same schema without blocking writers, by attaching the
// source and shimming the target name behind a view/trigger set (§4.6).
type MigrationEngine struct {
	db *Database

	mu     sync.Mutex
	states map[string]*migrationState // keyed by TargetTable

	onMigrated MigratedFunc

	autoCancel context.CancelFunc
	autoWG     sync.WaitGroup
}

// NewMigrationEngine returns an engine bound to db's handle pool.
func NewMigrationEngine(db *Database) *MigrationEngine {
	return &MigrationEngine{db: db, states: make(map[string]*migrationState)}
}

// OnMigrated installs the migrated-notification callback.
func (e *MigrationEngine) OnMigrated(f MigratedFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onMigrated = f
}

// AddMigration registers a pending migration for info.TargetTable. It
// does not attach or shim anything yet; that happens lazily on the first
// Step call so registering a migration before Database.Open's pool is
// warm never blocks.
func (e *MigrationEngine) AddMigration(info MigrationInfo) error {
	if info.TargetTable == "" || info.SourceTable == "" {
		return newError(KindMisuse, SeverityError, "migration requires target and source table names")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states[info.TargetTable] = &migrationState{info: info, moved: roaring.New()}
	return nil
}

func schemaAliasFor(target string) string {
	return "lattice_src_" + sanitizeIdent(target)
}

func sanitizeIdent(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func quoteIdent(s string) string { return `"` + strings.ReplaceAll(s, `"`, `""`) + `"` }

func quoteLiteral(s string) string { return "'" + strings.ReplaceAll(s, "'", "''") + "'" }

// ensureAttached attaches info.SourcePath under a private schema alias if
// it differs from the target database's own path (§4.6 step 1).
func (e *MigrationEngine) ensureAttached(ctx context.Context, h *HandleBase, st *migrationState) (sourceRef string, err error) {
	if st.info.SourcePath == "" || st.info.SourcePath == e.db.Path() {
		return quoteIdent(st.info.SourceTable), nil
	}
	if !st.attached {
		st.schemaAlias = schemaAliasFor(st.info.TargetTable)
		stmt := fmt.Sprintf("ATTACH DATABASE %s AS %s", quoteLiteral(st.info.SourcePath), st.schemaAlias)
		if _, err := h.conn.ExecContext(ctx, stmt); err != nil {
			return "", wrapError(classifyDriverErr(err), SeverityError, err, "attach %q", st.info.SourcePath)
		}
		if st.info.SourceCipher != "" {
			if err := checkAttachedCipher(ctx, h, st.schemaAlias, []byte(st.info.SourceCipher)); err != nil {
				_, _ = h.conn.ExecContext(ctx, "DETACH DATABASE "+st.schemaAlias)
				return "", err
			}
		}
		st.attached = true
	}
	return st.schemaAlias + "." + quoteIdent(st.info.SourceTable), nil
}

// checkAttachedCipher verifies an attached migration source's recorded
// cipher digest matches sourceCipher (§6.2 Database.addMigration's
// sourceCipher parameter, WCDBDatabaseAddMigration). A source that was
// never opened under ConfigCipher has nothing to check against and is
// allowed through; a source whose digest disagrees is rejected before any
// row is read from it.
func checkAttachedCipher(ctx context.Context, h *HandleBase, alias string, sourceCipher []byte) error {
	row := h.conn.QueryRowContext(ctx, "SELECT digest FROM "+alias+"."+cipherCheckTable+" LIMIT 1")
	var stored string
	switch err := row.Scan(&stored); {
	case err == sql.ErrNoRows:
		return nil
	case err != nil:
		if strings.Contains(strings.ToLower(err.Error()), "no such table") {
			return nil
		}
		return wrapError(classifyDriverErr(err), SeverityError, err, "read migration source cipher digest")
	case stored != cipherDigest(sourceCipher, 0, 0):
		return wrapError(KindNotADatabase, SeverityFatal, nil, "migration source %q: cipher mismatch", alias)
	}
	return nil
}

func (e *MigrationEngine) baseTableName(target string) string {
	return sanitizeIdent(target) + "__lattice_base"
}

// selectBatchRowids returns the rowids the next step is about to move,
// read under the same transaction as the move itself so it sees exactly
// the batch that INSERT...SELECT...LIMIT n will pick up.
func selectBatchRowids(ctx context.Context, h *HandleBase, sourceRef, filter string, n int) ([]int64, error) {
	rows, err := h.conn.QueryContext(ctx,
		fmt.Sprintf("SELECT rowid FROM %s%s ORDER BY rowid LIMIT %d", sourceRef, filterClause(filter), n))
	if err != nil {
		return nil, wrapError(classifyDriverErr(err), SeverityError, err, "select batch rowids from %q", sourceRef)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, wrapError(KindIOErr, SeverityError, err, "scan rowid")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MigratedRowCount reports how many rows this process has moved for
// target so far, the Go-side watermark counterpart to §3 MigrationInfo's
// "migration row-ID watermark" invariant.
func (e *MigrationEngine) MigratedRowCount(target string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[target]
	if !ok {
		return 0
	}
	return st.moved.GetCardinality()
}

// tableRowCount snapshots table's row count, used by StepMigration to
// verify a step's INSERT grew the target by exactly the rows it moved.
func tableRowCount(ctx context.Context, h *HandleBase, table string) (int64, error) {
	var n int64
	if err := h.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoteIdent(table)).Scan(&n); err != nil {
		return 0, wrapError(classifyDriverErr(err), SeverityError, err, "count rows in %q", table)
	}
	return n, nil
}

func tableColumns(ctx context.Context, h *HandleBase, table string) ([]string, error) {
	rows, err := h.conn.QueryContext(ctx, "PRAGMA table_info("+quoteIdent(table)+")")
	if err != nil {
		return nil, wrapError(classifyDriverErr(err), SeverityError, err, "table_info(%q)", table)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt any
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, wrapError(KindIOErr, SeverityError, err, "scan table_info(%q)", table)
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

// installShim replaces the target table with a view/trigger set so reads
// see UNION ALL(target, source) and writes route to target, migrating
// the touched row first when necessary (§4.6 step 2).
func (e *MigrationEngine) installShim(ctx context.Context, h *HandleBase, st *migrationState, sourceRef string) error {
	if st.shimmed {
		return nil
	}
	target := st.info.TargetTable
	base := e.baseTableName(target)

	cols, err := tableColumns(ctx, h, target)
	if err != nil {
		return err
	}
	colList := strings.Join(quoteIdentAll(cols), ", ")

	stmts := []string{
		fmt.Sprintf("ALTER TABLE %s RENAME TO %s", quoteIdent(target), quoteIdent(base)),
		fmt.Sprintf("CREATE VIEW %s AS SELECT %s FROM %s UNION ALL SELECT %s FROM %s%s",
			quoteIdent(target), colList, quoteIdent(base), colList, sourceRef, filterClause(st.info.Filter)),
		fmt.Sprintf(`CREATE TRIGGER %s INSTEAD OF INSERT ON %s BEGIN
  INSERT INTO %s (%s) VALUES (%s);
END`, quoteIdent(target+"__lattice_ins"), quoteIdent(target), quoteIdent(base), colList, newValuePlaceholders(cols)),
		fmt.Sprintf(`CREATE TRIGGER %s INSTEAD OF UPDATE ON %s BEGIN
  INSERT INTO %s (%s) SELECT %s FROM %s WHERE rowid = OLD.rowid AND NOT EXISTS (SELECT 1 FROM %s WHERE rowid = OLD.rowid)%s;
  UPDATE %s SET %s WHERE rowid = OLD.rowid;
END`, quoteIdent(target+"__lattice_upd"), quoteIdent(target), quoteIdent(base), colList, colList, sourceRef, quoteIdent(base), filterClauseAnd(st.info.Filter), quoteIdent(base), assignmentList(cols)),
		fmt.Sprintf(`CREATE TRIGGER %s INSTEAD OF DELETE ON %s BEGIN
  DELETE FROM %s WHERE rowid = OLD.rowid;
  DELETE FROM %s WHERE rowid = OLD.rowid%s;
END`, quoteIdent(target+"__lattice_del"), quoteIdent(target), quoteIdent(base), sourceRef, filterClauseAnd(st.info.Filter)),
	}

	// The rename/view/trigger swap below must commit atomically and without
	// a foreign-key check tripping on the transient state between the
	// RENAME and the replacement VIEW existing, so it runs under its own
	// exclusive transaction with foreign keys off, matching the guard this
	// runtime also applies around schema-shim installation at large.
	if _, err := h.conn.ExecContext(ctx, "PRAGMA foreign_keys = OFF"); err != nil {
		return wrapError(classifyDriverErr(err), SeverityError, err, "install migration shim for %q: disable foreign_keys", target)
	}
	defer func() { _, _ = h.conn.ExecContext(ctx, "PRAGMA foreign_keys = ON") }()

	if _, err := h.conn.ExecContext(ctx, "BEGIN EXCLUSIVE"); err != nil {
		return wrapError(classifyDriverErr(err), SeverityError, err, "install migration shim for %q: begin exclusive", target)
	}
	for _, s := range stmts {
		if _, err := h.conn.ExecContext(ctx, s); err != nil {
			_, _ = h.conn.ExecContext(ctx, "ROLLBACK")
			return wrapError(classifyDriverErr(err), SeverityError, err, "install migration shim for %q", target)
		}
	}
	if _, err := h.conn.ExecContext(ctx, "COMMIT"); err != nil {
		return wrapError(classifyDriverErr(err), SeverityError, err, "install migration shim for %q: commit", target)
	}
	st.shimmed = true
	return nil
}

func quoteIdentAll(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = quoteIdent(c)
	}
	return out
}

func newValuePlaceholders(cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = "NEW." + quoteIdent(c)
	}
	return strings.Join(parts, ", ")
}

func assignmentList(cols []string) string {
	parts := make([]string, 0, len(cols))
	for _, c := range cols {
		parts = append(parts, fmt.Sprintf("%s = NEW.%s", quoteIdent(c), quoteIdent(c)))
	}
	return strings.Join(parts, ", ")
}

func filterClause(filter string) string {
	if filter == "" {
		return ""
	}
	return " WHERE " + filter
}

func filterClauseAnd(filter string) string {
	if filter == "" {
		return ""
	}
	return " AND " + filter
}

// StepMigration moves up to opts.MigrationStepRows rows of target from
// source to base inside a single transaction, then re-checks the
// pending count and runs Completion if the source is now empty (§4.6
// step 3/4). StepMigration applies no busy backpressure of its own, so
// force does not change its behavior; pacing between steps is up to the
// caller.
func (e *MigrationEngine) StepMigration(ctx context.Context, target string, force bool) error {
	e.mu.Lock()
	st, ok := e.states[target]
	e.mu.Unlock()
	if !ok {
		return newError(KindMisuse, SeverityError, "no migration registered for %q", target)
	}
	if st.info.Migrated {
		return ErrAlreadyMigrated
	}

	h, err := e.db.Checkout(ctx, CategoryMigrate)
	if err != nil {
		return err
	}
	defer e.db.Return(h)

	return timed(e.db.Tag(), e.db.Path(), "migration_step", func() error {
		sourceRef, err := e.ensureAttached(ctx, h, st)
		if err != nil {
			return err
		}
		if err := e.installShim(ctx, h, st, sourceRef); err != nil {
			return err
		}

		n := e.db.opts.MigrationStepRows
		if n <= 0 {
			n = DefaultOptions().MigrationStepRows
		}
		base := e.baseTableName(target)

		cols, err := tableColumns(ctx, h, base)
		if err != nil {
			return err
		}
		colList := strings.Join(quoteIdentAll(cols), ", ")

		err = runTransaction(ctx, h, e.db.opts, func(ctx context.Context) error {
			beforeCount, err := tableRowCount(ctx, h, base)
			if err != nil {
				return err
			}

			batchRowids, err := selectBatchRowids(ctx, h, sourceRef, st.info.Filter, n)
			if err != nil {
				return err
			}

			moveSQL := fmt.Sprintf(
				"INSERT INTO %s (rowid, %s) SELECT rowid, %s FROM %s%s ORDER BY rowid LIMIT %d",
				quoteIdent(base), colList, colList, sourceRef, filterClause(st.info.Filter), n)
			if _, err := h.conn.ExecContext(ctx, moveSQL); err != nil {
				return wrapError(classifyDriverErr(err), SeverityError, err, "migrate rows into %q", target)
			}
			changed, err := h.GetChanges(ctx)
			if err != nil {
				return err
			}

			afterCount, err := tableRowCount(ctx, h, base)
			if err != nil {
				return err
			}
			if afterCount-beforeCount != int64(len(batchRowids)) {
				return newError(KindCorrupt, SeverityFatal,
					"migration step for %q moved %d rows into %q but row count only grew by %d",
					target, len(batchRowids), base, afterCount-beforeCount)
			}

			for _, rid := range batchRowids {
				st.moved.Add(uint32(rid))
			}
			// Rows just copied into base are now also present there; delete
			// exactly those from source rather than re-selecting by filter,
			// so a concurrent writer can't cause this delete to remove more
			// than the step just migrated.
			if len(batchRowids) > 0 {
				ids := make([]string, len(batchRowids))
				for i, rid := range batchRowids {
					ids[i] = fmt.Sprintf("%d", rid)
				}
				deleteSQL := fmt.Sprintf("DELETE FROM %s WHERE rowid IN (%s)", sourceRef, strings.Join(ids, ", "))
				if _, err := h.conn.ExecContext(ctx, deleteSQL); err != nil {
					return wrapError(classifyDriverErr(err), SeverityError, err, "drain migrated rows from %q", sourceRef)
				}
			}
			m().migrationRows.WithLabelValues(target).Add(float64(changed))
			return nil
		})
		if err != nil {
			return err
		}

		return e.checkCompletion(ctx, h, st)
	})
}

// checkCompletion drops the shim and marks the migration complete once
// source is empty (§4.6 step 4).
func (e *MigrationEngine) checkCompletion(ctx context.Context, h *HandleBase, st *migrationState) error {
	sourceRef, err := e.ensureAttached(ctx, h, st)
	if err != nil {
		return err
	}
	var remaining int64
	row := h.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+sourceRef+filterClause(st.info.Filter))
	if err := row.Scan(&remaining); err != nil {
		return wrapError(classifyDriverErr(err), SeverityError, err, "count remaining rows in %q", sourceRef)
	}
	if remaining > 0 {
		return nil
	}

	target := st.info.TargetTable
	base := e.baseTableName(target)
	stmts := []string{
		fmt.Sprintf("DROP TRIGGER IF EXISTS %s", quoteIdent(target+"__lattice_ins")),
		fmt.Sprintf("DROP TRIGGER IF EXISTS %s", quoteIdent(target+"__lattice_upd")),
		fmt.Sprintf("DROP TRIGGER IF EXISTS %s", quoteIdent(target+"__lattice_del")),
		fmt.Sprintf("DROP VIEW IF EXISTS %s", quoteIdent(target)),
		fmt.Sprintf("ALTER TABLE %s RENAME TO %s", quoteIdent(base), quoteIdent(target)),
	}
	if st.attached {
		stmts = append(stmts, fmt.Sprintf("DROP TABLE IF EXISTS %s.%s", st.schemaAlias, quoteIdent(st.info.SourceTable)))
	} else if st.info.SourceTable != target {
		stmts = append(stmts, fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdent(st.info.SourceTable)))
	}

	for _, s := range stmts {
		if _, err := h.conn.ExecContext(ctx, s); err != nil {
			return wrapError(classifyDriverErr(err), SeverityError, err, "complete migration for %q", target)
		}
	}
	if st.attached {
		_, _ = h.conn.ExecContext(ctx, "DETACH DATABASE "+st.schemaAlias)
	}

	e.mu.Lock()
	st.info.Migrated = true
	allDone := true
	for _, other := range e.states {
		if !other.info.Migrated {
			allDone = false
			break
		}
	}
	cb := e.onMigrated
	e.mu.Unlock()

	notifyOperationTracers(e.db.Tag(), e.db.Path(), "migration_complete", map[string]any{"target": target, "source": st.info.SourceTable})

	if cb != nil {
		cb(target, st.info.SourceTable)
		if allDone {
			cb("", "")
		}
	}
	return nil
}

// StartAutoMigration registers a background step loop over every
// pending migration, respecting busy-retry backpressure by sleeping
// between a StepMigration call that returns Busy and its retry (§4.6
// step 5).
func (e *MigrationEngine) StartAutoMigration(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.autoCancel = cancel
	e.autoWG.Add(1)
	go func() {
		defer e.autoWG.Done()
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.mu.Lock()
				targets := make([]string, 0, len(e.states))
				for t, st := range e.states {
					if !st.info.Migrated {
						targets = append(targets, t)
					}
				}
				e.mu.Unlock()
				if len(targets) == 0 {
					return
				}
				for _, t := range targets {
					if err := e.StepMigration(ctx, t, false); err != nil && !IsBusy(err) {
						logger().Warn().Err(err).Str("target", t).Msg("auto-migration step failed")
					}
				}
			}
		}
	}()
}

// StopAutoMigration cancels the background loop and waits for it to exit.
func (e *MigrationEngine) StopAutoMigration() {
	if e.autoCancel != nil {
		e.autoCancel()
	}
	e.autoWG.Wait()
}
