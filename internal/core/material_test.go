package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadMaterialRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db.material")

	want := material{
		Version: materialVersion,
		Entries: []materialEntry{
			{Type: "table", Name: "issues", TblName: "issues", SQL: "CREATE TABLE issues (id INTEGER PRIMARY KEY)"},
			{Type: "index", Name: "idx_issues_status", TblName: "issues", SQL: "CREATE INDEX idx_issues_status ON issues(status)"},
		},
	}

	require.NoError(t, writeMaterialFile(path, want))

	got, err := readMaterialFile(path)
	require.NoError(t, err)
	assert.Equal(t, want.Version, got.Version)
	assert.Equal(t, want.Entries, got.Entries)
}

func TestReadMaterialRejectsCorruptPayload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db.material")

	require.NoError(t, writeMaterialFile(path, material{Version: materialVersion}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF // flip a payload byte without touching the header
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = readMaterialFile(path)
	require.Error(t, err)
	assert.True(t, IsCorrupt(err))
}

func TestReadMaterialRejectsTruncatedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db.material")
	require.NoError(t, os.WriteFile(path, []byte{1, 2, 3}, 0o644))

	_, err := readMaterialFile(path)
	require.Error(t, err)
}

func TestRotateMaterial(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db.material")

	// No existing file: rotate is a no-op.
	rotateMaterial(path)
	_, err := os.Stat(path + ".first")
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, writeMaterialFile(path, material{Version: materialVersion}))
	rotateMaterial(path)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "current material file should have moved to .first")
	_, err = os.Stat(path + ".first")
	assert.NoError(t, err)
}
