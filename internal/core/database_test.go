package core

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDatabaseCheckpointPassiveAndTruncate(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "checkpoint.db")
	ctx := context.Background()

	d, err := Open(dbPath, "checkpoint-facade-test", DefaultOptions())
	require.NoError(t, err)
	defer d.Close()

	h, err := d.Checkout(ctx, CategoryNormal)
	require.NoError(t, err)
	require.NoError(t, h.Execute(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY)"))
	d.Return(h)

	assert.NoError(t, d.PassiveCheckpoint(ctx))
	assert.NoError(t, d.TruncateCheckpoint(ctx))
	assert.NoError(t, d.Checkpoint(ctx, CheckpointPassive))
}
