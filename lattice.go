// Package lattice is the public API of an embedded relational database
// runtime: a handle pool, a reversible per-handle configuration
// pipeline, a busy-retried transaction coordinator, live table-to-table
// migration, and a tolerant repair/recovery path, all layered over
// database/sql and a pure-Go SQLite engine.
//
// Most callers only need Open, Database, and the Category constants;
// the configuration, migration, repair, and observability APIs are for
// callers embedding lattice as a storage layer inside a larger service.
package lattice

import (
	"github.com/latticedb/lattice/internal/core"
)

// Database is the facade composing a handle pool, configuration
// registry, and transaction coordinator around one database file.
type Database = core.Database

// Handle wraps one connection to a database file, checked out from a
// Database for a single caller's exclusive use.
type Handle = core.HandleBase

// Category identifies what a Handle is checked out for.
type Category = core.HandleCategory

const (
	CategoryNormal              = core.CategoryNormal
	CategoryMigrate             = core.CategoryMigrate
	CategoryBackupRead          = core.CategoryBackupRead
	CategoryBackupWrite         = core.CategoryBackupWrite
	CategoryBackupCipher        = core.CategoryBackupCipher
	CategoryCheckpoint          = core.CategoryCheckpoint
	CategoryIntegrity           = core.CategoryIntegrity
	CategoryAssemble            = core.CategoryAssemble
	CategoryAssembleBackupRead  = core.CategoryAssembleBackupRead
	CategoryAssembleBackupWrite = core.CategoryAssembleBackupWrite
	CategoryAssembleCipher      = core.CategoryAssembleCipher
)

// Open acquires (creating if needed) the process-wide pool for path and
// wraps it in a Database. tag scopes tracer callbacks and metrics when a
// process manages several databases; opts may be the zero value to take
// DefaultOptions.
func Open(path, tag string, opts Options) (*Database, error) {
	return core.Open(path, tag, opts)
}

// Options are process-wide runtime tuning defaults.
type Options = core.Options

// DefaultOptions returns the built-in Options defaults.
func DefaultOptions() Options { return core.DefaultOptions() }

// LoadOptions resolves Options from explicit fields, LATTICE_* env vars,
// and lattice.yaml, in that precedence order.
func LoadOptions(explicit Options) (Options, error) { return core.LoadOptions(explicit) }

// ConfigRegistry is the named, priority-ordered, reversible set of
// per-handle Configurations applied on every checkout.
type ConfigRegistry = core.ConfigRegistry

// InvokeFunc mutates a handle's runtime state when a Configuration is
// applied; UninvokeFunc reverses it.
type InvokeFunc = core.InvokeFunc
type UninvokeFunc = core.UninvokeFunc

const (
	PriorityLowest  = core.PriorityLowest
	PriorityLow     = core.PriorityLow
	PriorityDefault = core.PriorityDefault
	PriorityHigh    = core.PriorityHigh
	PriorityHighest = core.PriorityHighest
)

// CheckpointMode selects which WAL checkpoint Database.Checkpoint runs.
type CheckpointMode = core.CheckpointMode

const (
	CheckpointPassive  = core.CheckpointPassive
	CheckpointTruncate = core.CheckpointTruncate
)

// MigrationEngine moves rows from a source table into a target table of
// the same schema without blocking concurrent readers or writers.
type MigrationEngine = core.MigrationEngine

// MigrationInfo describes one source-table-into-target-table move.
type MigrationInfo = core.MigrationInfo

// MigratedFunc is called once per completed migration and once more
// when every registered migration has completed.
type MigratedFunc = core.MigratedFunc

// NewMigrationEngine returns a migration engine bound to db.
func NewMigrationEngine(db *Database) *MigrationEngine { return core.NewMigrationEngine(db) }

// RepairEngine backs up schema material, quarantines unopenable
// database files, and reconstructs a fresh database from a damaged one.
type RepairEngine = core.RepairEngine

// ProgressFunc reports Retrieve's progress toward completion.
type ProgressFunc = core.ProgressFunc

// TableFilterFunc excludes a table from a Backup snapshot.
type TableFilterFunc = core.TableFilterFunc

// NewRepairEngine returns a repair engine bound to db.
func NewRepairEngine(db *Database) *RepairEngine { return core.NewRepairEngine(db) }

// Tracer registration. Every Add* call installs a process-wide callback
// invoked across every open Database.
type SQLTraceFunc = core.SQLTraceFunc
type PerformanceTraceFunc = core.PerformanceTraceFunc
type ErrorTraceFunc = core.ErrorTraceFunc
type OperationTraceFunc = core.OperationTraceFunc
type CorruptionTraceFunc = core.CorruptionTraceFunc
type PerformanceInfo = core.PerformanceInfo

func AddSQLTracer(f SQLTraceFunc)                 { core.AddSQLTracer(f) }
func AddPerformanceTracer(f PerformanceTraceFunc) { core.AddPerformanceTracer(f) }
func AddErrorTracer(f ErrorTraceFunc)             { core.AddErrorTracer(f) }
func AddOperationTracer(f OperationTraceFunc)     { core.AddOperationTracer(f) }
func AddCorruptionTracer(f CorruptionTraceFunc)   { core.AddCorruptionTracer(f) }

// Error classification.
type Error = core.Error
type Kind = core.Kind
type Severity = core.Severity
type StringKey = core.StringKey

const (
	KindOK           = core.KindOK
	KindError        = core.KindError
	KindMisuse       = core.KindMisuse
	KindBusy         = core.KindBusy
	KindLocked       = core.KindLocked
	KindCorrupt      = core.KindCorrupt
	KindFull         = core.KindFull
	KindIOErr        = core.KindIOErr
	KindConstraint   = core.KindConstraint
	KindInterrupt    = core.KindInterrupt
	KindNotADatabase = core.KindNotADatabase
	KindWarning      = core.KindWarning
	KindNotice       = core.KindNotice
)

var (
	ErrBusy            = core.ErrBusy
	ErrLocked          = core.ErrLocked
	ErrMisuse          = core.ErrMisuse
	ErrCorrupt         = core.ErrCorrupt
	ErrNotADatabase    = core.ErrNotADatabase
	ErrInterrupt       = core.ErrInterrupt
	ErrPoolExhausted   = core.ErrPoolExhausted
	ErrDatabaseClosed  = core.ErrDatabaseClosed
	ErrAlreadyMigrated = core.ErrAlreadyMigrated
)

// IsBusy reports whether err is a busy/locked condition a retry loop
// should act on.
func IsBusy(err error) bool { return core.IsBusy(err) }

// IsCorrupt reports whether err indicates file corruption.
func IsCorrupt(err error) bool { return core.IsCorrupt(err) }

// SetLogger installs the zerolog.Logger this module writes internal
// diagnostics to. It is re-exported as a thin passthrough rather than a
// type alias since zerolog.Logger itself lives in rs/zerolog, not core.
var SetLogger = core.SetLogger
