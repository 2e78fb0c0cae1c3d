package core

import (
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// SQLTraceFunc is called after every statement HandleBase.Execute runs
// successfully (§4.8 SQL tracer), with Execute's variadic bind arguments
// in args (nil when none were passed). Statements run through the
// active-statement API (Prepare/Step) and SQL the engines issue directly
// on the connection are not reported.
type SQLTraceFunc func(tag, path string, handle uuid.UUID, sqlText string, args []any)

// PerformanceInfo is the fixed per-operation cost breakdown the
// performance tracer family reports (§4.8). database/sql exposes none of
// the engine's own page-read/page-write counters, so every field except
// CostNs is always zero here; CostNs is the one figure this runtime can
// actually measure without reaching into the engine's internals.
type PerformanceInfo struct {
	TablePageRead     uint32
	TablePageWrite    uint32
	IndexPageRead     uint32
	IndexPageWrite    uint32
	OverflowPageRead  uint32
	OverflowPageWrite uint32
	CostNs            int64
}

// PerformanceTraceFunc reports the cost of one completed operation run
// through timed: "transaction", "checkpoint" or "migration_step".
// Individual statements are not reported.
type PerformanceTraceFunc func(tag, path, operation string, info PerformanceInfo)

// ErrorTraceFunc is called for every error of Severity >= SeverityWarning
// recorded on a handle (§4.8 error tracer).
type ErrorTraceFunc func(path, tag string, err error)

// OperationTraceFunc reports coarse-grained lifecycle events: database
// open/close, handle checkout/return, migration completion, and the
// backup, deposit, retrieve and integrity-check repair operations (§4.8
// operation tracer). Transaction boundaries are not reported.
type OperationTraceFunc func(tag, path, operation string, info map[string]any)

// CorruptionTraceFunc is called the first time a path is observed
// corrupt; it is not called again for that path until a passing
// RepairEngine.CheckIntegrity clears it (§4.8 corruption tracer, §4.7).
type CorruptionTraceFunc func(path string, err error)

type tracerSet struct {
	mu          sync.RWMutex
	sql         []SQLTraceFunc
	performance []PerformanceTraceFunc
	errors      []ErrorTraceFunc
	operations  []OperationTraceFunc
	corruption  []CorruptionTraceFunc

	corruptSeen *lru.Cache[string, struct{}]
}

func newTracerSet() *tracerSet {
	cache, _ := lru.New[string, struct{}](256)
	return &tracerSet{corruptSeen: cache}
}

var globalTracers = newTracerSet()

// AddSQLTracer registers a callback invoked after every statement run
// through HandleBase.Execute across every open Database in this process.
func AddSQLTracer(f SQLTraceFunc) {
	globalTracers.mu.Lock()
	defer globalTracers.mu.Unlock()
	globalTracers.sql = append(globalTracers.sql, f)
}

// AddPerformanceTracer registers a callback invoked with the duration of
// each traced operation (transaction span, checkpoint, migration step).
func AddPerformanceTracer(f PerformanceTraceFunc) {
	globalTracers.mu.Lock()
	defer globalTracers.mu.Unlock()
	globalTracers.performance = append(globalTracers.performance, f)
}

// AddErrorTracer registers a callback invoked for every Warning-or-above
// Error recorded on any handle.
func AddErrorTracer(f ErrorTraceFunc) {
	globalTracers.mu.Lock()
	defer globalTracers.mu.Unlock()
	globalTracers.errors = append(globalTracers.errors, f)
}

// AddOperationTracer registers a callback invoked on coarse lifecycle
// events (open/close, checkout/return, migration completion, repair
// operations).
func AddOperationTracer(f OperationTraceFunc) {
	globalTracers.mu.Lock()
	defer globalTracers.mu.Unlock()
	globalTracers.operations = append(globalTracers.operations, f)
}

// AddCorruptionTracer registers a callback invoked the first time a path
// is observed corrupt, and again only after forgetCorruption has cleared it.
func AddCorruptionTracer(f CorruptionTraceFunc) {
	globalTracers.mu.Lock()
	defer globalTracers.mu.Unlock()
	globalTracers.corruption = append(globalTracers.corruption, f)
}

func notifySQLTracers(tag, path string, handle uuid.UUID, sqlText string, args []any) {
	globalTracers.mu.RLock()
	fns := globalTracers.sql
	globalTracers.mu.RUnlock()
	for _, f := range fns {
		f(tag, path, handle, sqlText, args)
	}
}

func notifyPerformanceTracers(tag, path, operation string, elapsed time.Duration) {
	globalTracers.mu.RLock()
	fns := globalTracers.performance
	globalTracers.mu.RUnlock()
	info := PerformanceInfo{CostNs: elapsed.Nanoseconds()}
	for _, f := range fns {
		f(tag, path, operation, info)
	}
}

func notifyErrorTracers(path, tag string, err error) {
	var e *Error
	if as, ok := err.(*Error); ok {
		e = as
	}
	if e != nil && e.Severity < SeverityWarning {
		return
	}
	globalTracers.mu.RLock()
	fns := globalTracers.errors
	globalTracers.mu.RUnlock()
	for _, f := range fns {
		f(path, tag, err)
	}
	logger().Warn().Str("path", path).Str("tag", tag).Err(err).Msg("handle error")

	if IsCorrupt(err) {
		notifyCorruptionTracers(path, err)
	}
}

func notifyOperationTracers(tag, path, operation string, info map[string]any) {
	globalTracers.mu.RLock()
	fns := globalTracers.operations
	globalTracers.mu.RUnlock()
	for _, f := range fns {
		f(tag, path, operation, info)
	}
}

// notifyCorruptionTracers fires once per path until forgetCorruption
// clears it: a
// bounded LRU (not a plain map) backs the "seen" set so a process that
// churns through many short-lived database paths cannot grow this set
// without bound.
func notifyCorruptionTracers(path string, err error) {
	if _, seen := globalTracers.corruptSeen.Get(path); seen {
		return
	}
	globalTracers.corruptSeen.Add(path, struct{}{})

	globalTracers.mu.RLock()
	fns := globalTracers.corruption
	globalTracers.mu.RUnlock()
	for _, f := range fns {
		f(path, err)
	}
}

// forgetCorruption clears path from the observed-corrupted set, called
// when RepairEngine.CheckIntegrity finds the path passes integrity_check.
func forgetCorruption(path string) {
	globalTracers.corruptSeen.Remove(path)
}

// timed runs fn and reports its duration to the performance tracers
// under operation, a small helper used throughout the coordinator and
// migration/repair engines instead of hand-rolling time.Since at each
// call site.
func timed(tag, path, operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	notifyPerformanceTracers(tag, path, operation, time.Since(start))
	return err
}
