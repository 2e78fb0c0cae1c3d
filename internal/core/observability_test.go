package core

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddSQLTracerReceivesStatementText(t *testing.T) {
	var gotSQL string
	var gotArgs []any
	AddSQLTracer(func(tag, path string, handle uuid.UUID, sqlText string, args []any) {
		gotSQL = sqlText
		gotArgs = args
	})

	notifySQLTracers("tag", "path", uuid.New(), "SELECT 1", []any{1})
	assert.Equal(t, "SELECT 1", gotSQL)
	assert.Equal(t, []any{1}, gotArgs)
}

func TestAddPerformanceTracerReceivesCost(t *testing.T) {
	var got PerformanceInfo
	AddPerformanceTracer(func(tag, path, operation string, info PerformanceInfo) {
		got = info
	})

	notifyPerformanceTracers("tag", "path", "step", 5*time.Millisecond)
	assert.Equal(t, (5 * time.Millisecond).Nanoseconds(), got.CostNs)
}

func TestAddOperationTracerReceivesInfoMap(t *testing.T) {
	var gotOp string
	var gotInfo map[string]any
	AddOperationTracer(func(tag, path, operation string, info map[string]any) {
		gotOp = operation
		gotInfo = info
	})

	notifyOperationTracers("tag", "path", "checkout", map[string]any{"category": "normal"})
	assert.Equal(t, "checkout", gotOp)
	assert.Equal(t, "normal", gotInfo["category"])
}

func TestErrorTracerSkipsBelowWarningSeverity(t *testing.T) {
	var calls int
	AddErrorTracer(func(path, tag string, err error) { calls++ })

	before := calls
	notifyErrorTracers("path", "tag", newError(KindOK, SeverityDebug, "benign"))
	assert.Equal(t, before, calls, "a Debug-severity Error must not reach registered tracers")

	notifyErrorTracers("path", "tag", newError(KindError, SeverityError, "real failure"))
	assert.Equal(t, before+1, calls)
}

func TestCorruptionTracerFiresOnceThenForgetsAfterRepair(t *testing.T) {
	path := "lattice-observability-test-" + uuid.New().String()
	var calls int
	AddCorruptionTracer(func(p string, err error) {
		if p == path {
			calls++
		}
	})

	notifyCorruptionTracers(path, newError(KindCorrupt, SeverityFatal, "boom"))
	notifyCorruptionTracers(path, newError(KindCorrupt, SeverityFatal, "boom again"))
	assert.Equal(t, 1, calls, "the same path must only notify once until forgotten")

	forgetCorruption(path)
	notifyCorruptionTracers(path, newError(KindCorrupt, SeverityFatal, "boom a third time"))
	assert.Equal(t, 2, calls)
}

func TestTimedReportsElapsedAndPropagatesError(t *testing.T) {
	var got PerformanceInfo
	AddPerformanceTracer(func(tag, path, operation string, info PerformanceInfo) {
		if operation == "timed-test-op" {
			got = info
		}
	})

	err := timed("tag", "path", "timed-test-op", func() error {
		time.Sleep(time.Millisecond)
		return assertErr
	})
	require.Error(t, err)
	assert.GreaterOrEqual(t, got.CostNs, int64(0))
}

var assertErr = newError(KindError, SeverityError, "boom")
