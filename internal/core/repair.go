package core

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

const dummySequenceTable = "lattice_dummy_sqlite_sequence"

// ProgressFunc reports Retrieve progress: percentage is monotonic
// non-decreasing in [0,1], increment is how much this call advanced it
// (§4.7 "Progress").
type ProgressFunc func(percentage, increment float64)

// TableFilterFunc excludes a table from a backup snapshot when it
// returns false (§4.7 "Backup").
type TableFilterFunc func(tableName string) bool

// RepairEngine backs up schema material, quarantines unopenable database
// files, and reconstructs a fresh database from a damaged one on a
// tolerant, row-at-a-time basis (§4.7). It operates purely at the
// database/sql level: this runtime has no access to the engine's raw
// B-tree pages, so where the original design walks pages and decodes
// cells directly, this one re-reads each table through SELECT and skips
// rows the engine itself refuses to return.
type RepairEngine struct {
	db           *Database
	materialPath string

	milestoneRows int
}

// NewRepairEngine returns an engine bound to db, snapshotting material to
// db.Path()+".material".
func NewRepairEngine(db *Database) *RepairEngine {
	return &RepairEngine{db: db, materialPath: db.Path() + ".material", milestoneRows: 500}
}

// Backup snapshots the current schema (every table and index definition
// in sqlite_master not excluded by filter) to the material file, rotating
// the previous snapshot to its ".first" sibling (§4.7 "Backup", §6.3).
func (e *RepairEngine) Backup(ctx context.Context, filter TableFilterFunc) error {
	h, err := e.db.Checkout(ctx, CategoryBackupRead)
	if err != nil {
		return err
	}
	defer e.db.Return(h)

	rows, err := h.conn.QueryContext(ctx,
		`SELECT type, name, tbl_name, sql FROM sqlite_master WHERE type IN ('table', 'index') AND sql IS NOT NULL AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return wrapError(classifyDriverErr(err), SeverityError, err, "read sqlite_master")
	}
	defer rows.Close()

	var mat material
	mat.Version = materialVersion
	for rows.Next() {
		var entry materialEntry
		if err := rows.Scan(&entry.Type, &entry.Name, &entry.TblName, &entry.SQL); err != nil {
			return wrapError(KindIOErr, SeverityError, err, "scan sqlite_master row")
		}
		if filter != nil && !filter(entry.TblName) {
			continue
		}
		mat.Entries = append(mat.Entries, entry)
	}
	if err := rows.Err(); err != nil {
		return wrapError(classifyDriverErr(err), SeverityError, err, "iterate sqlite_master")
	}

	rotateMaterial(e.materialPath)
	if err := writeMaterialFile(e.materialPath, mat); err != nil {
		return err
	}
	notifyOperationTracers(e.db.Tag(), e.db.Path(), "backup", map[string]any{"tableCount": len(tablesOnly(mat.Entries))})
	return nil
}

// depositDir returns the quarantine folder for one deposit run, sibling
// to the database at `<db>.factory/<timestamp>/` (§6.3).
func (e *RepairEngine) depositDir(at time.Time) string {
	return fmt.Sprintf("%s.factory/%d", e.db.Path(), at.UnixNano())
}

// Deposit moves the database's on-disk files (db, -wal, -shm, -journal)
// into a quarantine subfolder while no handle is checked out, then
// reopens a fresh, empty pool at the original path so the same *Database
// stays usable afterward (§4.7 "Deposit"). The quarantined copy is what a
// later Retrieve call reads from.
func (e *RepairEngine) Deposit(ctx context.Context) (string, error) {
	lock := flock.New(e.db.Path() + ".deposit.lock")
	locked, err := lock.TryLockContext(ctx, 10*time.Millisecond)
	if err != nil {
		return "", wrapError(KindIOErr, SeverityError, err, "acquire deposit lock")
	}
	if !locked {
		return "", newError(KindBusy, SeverityWarning, "deposit already in progress for %q", e.db.Path())
	}
	defer lock.Unlock()

	release, err := e.db.Blockade(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	if err := e.db.pool.Close(); err != nil {
		return "", wrapError(KindIOErr, SeverityError, err, "close pool before deposit")
	}

	dest := e.depositDir(time.Now())
	if err := os.MkdirAll(dest, 0o750); err != nil {
		return "", wrapError(KindIOErr, SeverityError, err, "create deposit directory %q", dest)
	}

	for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
		src := e.db.Path() + suffix
		if _, statErr := os.Stat(src); statErr != nil {
			continue
		}
		if err := os.Rename(src, filepath.Join(dest, filepath.Base(src))); err != nil {
			return "", wrapError(KindIOErr, SeverityError, err, "move %q into quarantine", src)
		}
	}

	globalRegistry.release(e.db.path)
	newPool, _, err := globalRegistry.acquirePool(e.db.path, e.db.tag, e.db.opts)
	if err != nil {
		return "", err
	}
	e.db.mu.Lock()
	e.db.pool = newPool
	e.db.mu.Unlock()

	notifyOperationTracers(e.db.Tag(), e.db.Path(), "deposit", map[string]any{"dest": dest})
	return dest, nil
}

// ContainsDepositedFiles reports whether any quarantine folder exists
// next to the database's path.
func (e *RepairEngine) ContainsDepositedFiles() bool {
	matches, _ := filepath.Glob(e.db.Path() + ".factory/*")
	return len(matches) > 0
}

// RemoveDepositedFiles deletes every quarantine folder next to the
// database's path, used once a caller is confident Retrieve is no longer
// needed against them.
func (e *RepairEngine) RemoveDepositedFiles() error {
	matches, err := filepath.Glob(e.db.Path() + ".factory/*")
	if err != nil {
		return wrapError(KindIOErr, SeverityError, err, "glob deposit folders")
	}
	for _, dir := range matches {
		if err := os.RemoveAll(dir); err != nil {
			return wrapError(KindIOErr, SeverityError, err, "remove deposit folder %q", dir)
		}
	}
	return nil
}

// retrieveStats accumulates the weighted recovery ratio returned as
// Retrieve's score (§4.7 "Progress").
type retrieveStats struct {
	totalRows     int64
	recoveredRows int64
}

func (s *retrieveStats) score() float64 {
	if s.totalRows == 0 {
		return 1
	}
	return float64(s.recoveredRows) / float64(s.totalRows)
}

// Retrieve opens the damaged file at damagedPath read-only and replays
// every table named in this engine's material into the currently open
// database, tolerating per-row decode failures (§4.7 "Retrieve").
// Progress is reported to progress after every completed table.
func (e *RepairEngine) Retrieve(ctx context.Context, damagedPath string, progress ProgressFunc) (float64, error) {
	mat, err := readMaterialFile(e.materialPath)
	if err != nil {
		if _, statErr := os.Stat(e.materialPath + ".first"); statErr == nil {
			mat, err = readMaterialFile(e.materialPath + ".first")
		}
		if err != nil {
			return 0, err
		}
	}

	srcDB, err := sql.Open("sqlite3", buildConnString(damagedPath, true))
	if err != nil {
		return 0, wrapError(KindError, SeverityError, err, "open damaged database %q", damagedPath)
	}
	defer srcDB.Close()

	dst, err := e.db.Checkout(ctx, CategoryAssemble)
	if err != nil {
		return 0, err
	}
	defer e.db.Return(dst)

	// Forces the engine to materialize its own sqlite_sequence table so
	// restoreSequence below always has somewhere to write, even when
	// every AUTOINCREMENT table's rows fail to assemble.
	if _, err := dst.conn.ExecContext(ctx,
		"CREATE TABLE "+quoteIdent(dummySequenceTable)+" (x INTEGER PRIMARY KEY AUTOINCREMENT)"); err == nil {
		_, _ = dst.conn.ExecContext(ctx, "DROP TABLE "+quoteIdent(dummySequenceTable))
	}

	stats := &retrieveStats{}
	lastReported := 0.0
	tables := tablesOnly(mat.Entries)
	for i, entry := range tables {
		if err := assembleTable(ctx, dst, entry); err != nil {
			return stats.score(), err
		}
		if err := assembleRows(ctx, dst, srcDB, entry, e.milestoneRows, e.db.opts, stats); err != nil {
			return stats.score(), err
		}
		if err := restoreSequence(ctx, dst, srcDB, entry.TblName); err != nil {
			logger().Warn().Err(err).Str("table", entry.TblName).Msg("sqlite_sequence restore failed")
		}

		pct := float64(i+1) / float64(len(tables))
		if progress != nil {
			progress(pct, pct-lastReported)
		}
		lastReported = pct
	}

	score := stats.score()
	m().repairScore.Observe(score)
	notifyOperationTracers(e.db.Tag(), e.db.Path(), "retrieve", map[string]any{"score": score, "tables": len(tables)})
	return score, nil
}

func tablesOnly(entries []materialEntry) []materialEntry {
	var out []materialEntry
	for _, entry := range entries {
		if entry.Type == "table" {
			out = append(out, entry)
		}
	}
	return out
}

// assembleTable recreates a table from its stored CREATE SQL. "already
// exists" is downgraded to success per §7's ignorable-error convention.
func assembleTable(ctx context.Context, h *HandleBase, entry materialEntry) error {
	_, err := h.conn.ExecContext(ctx, entry.SQL)
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "already exists") {
		wrapped := wrapError(classifyDriverErr(err), SeverityError, err, "assemble table %q", entry.TblName)
		wrapped.StringKey = StringKeyAssemble
		return wrapped
	}
	return nil
}

// assembleRows tolerantly copies every row of entry.TblName from src into
// dst, skipping rows the engine refuses to scan rather than aborting the
// whole table, and committing every milestoneRows rows via
// runPauseableTransactionWithOneLoop to bound rollback radius on a long
// recovery (§4.7 "Milestones").
func assembleRows(ctx context.Context, dst *HandleBase, src *sql.DB, entry materialEntry, milestoneRows int, opts Options, stats *retrieveStats) error {
	cols, err := tableColumns(ctx, dst, entry.TblName)
	if err != nil || len(cols) == 0 {
		return nil // nothing usable to recover column-wise; schema alone was restored
	}

	rows, err := src.QueryContext(ctx, "SELECT "+strings.Join(quoteIdentAll(cols), ", ")+" FROM "+quoteIdent(entry.TblName))
	if err != nil {
		// Table unreadable as a whole; the caller still gets an empty,
		// correctly-shaped table from assembleTable.
		return nil
	}
	defer rows.Close()

	insertSQL := fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES (%s)",
		quoteIdent(entry.TblName), strings.Join(quoteIdentAll(cols), ", "),
		strings.TrimPrefix(strings.Repeat(", ?", len(cols)), ", "))

	return runPauseableTransactionWithOneLoop(ctx, dst, opts, milestoneRows, func(ctx context.Context) (bool, error) {
		if !rows.Next() {
			return true, rows.Err()
		}
		dest := make([]any, len(cols))
		ptrs := make([]any, len(dest))
		for i := range dest {
			ptrs[i] = &dest[i]
		}
		stats.totalRows++
		if err := rows.Scan(ptrs...); err != nil {
			// Corrupt cell; skip it and keep going (§4.7 tolerant scanning).
			return false, nil
		}
		if _, err := dst.conn.ExecContext(ctx, insertSQL, dest...); err != nil {
			return false, nil
		}
		stats.recoveredRows++
		return false, nil
	})
}

// restoreSequence writes back the table's sqlite_sequence row if it had
// one in the source, matching §4.7's "sequence restoration" step.
// seq==0 is skipped since a fresh sqlite_sequence row is created lazily
// by the engine on the first AUTOINCREMENT insert anyway.
func restoreSequence(ctx context.Context, dst *HandleBase, src *sql.DB, table string) error {
	var seq int64
	err := src.QueryRowContext(ctx, "SELECT seq FROM sqlite_sequence WHERE name = ?", table).Scan(&seq)
	if err == sql.ErrNoRows || seq == 0 {
		return nil
	}
	if err != nil {
		return wrapError(classifyDriverErr(err), SeverityError, err, "read source sqlite_sequence for %q", table)
	}

	var existing int64
	err = dst.conn.QueryRowContext(ctx, "SELECT seq FROM sqlite_sequence WHERE name = ?", table).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		_, err = dst.conn.ExecContext(ctx, "INSERT INTO sqlite_sequence (name, seq) VALUES (?, ?)", table, seq)
	case err == nil:
		_, err = dst.conn.ExecContext(ctx, "UPDATE sqlite_sequence SET seq = ? WHERE name = ?", seq, table)
	}
	if err != nil {
		return wrapError(classifyDriverErr(err), SeverityError, err, "restore sqlite_sequence for %q", table)
	}
	return nil
}

// CheckIntegrity runs PRAGMA integrity_check on the database and reports
// whether it passed. A non-"ok" result fires the corruption tracers
// (§4.8 "integrity check sets observed-corrupted on the path").
func (e *RepairEngine) CheckIntegrity(ctx context.Context) error {
	h, err := e.db.Checkout(ctx, CategoryIntegrity)
	if err != nil {
		return err
	}
	defer e.db.Return(h)

	var result string
	if err := h.conn.QueryRowContext(ctx, "PRAGMA integrity_check(1)").Scan(&result); err != nil {
		return wrapError(classifyDriverErr(err), SeverityError, err, "integrity_check")
	}
	notifyOperationTracers(e.db.Tag(), e.db.Path(), "integrity_check", map[string]any{"result": result})
	if !strings.EqualFold(result, "ok") {
		corruptErr := newError(KindCorrupt, SeverityFatal, "integrity check failed: %s", result)
		corruptErr.StringKey = StringKeyIntegrity
		notifyCorruptionTracers(e.db.Path(), corruptErr)
		return corruptErr
	}
	forgetCorruption(e.db.Path())
	return nil
}
