package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultOptions(t *testing.T) {
	d := DefaultOptions()
	assert.Equal(t, 16, d.MaxHandles)
	assert.Equal(t, 5*time.Second, d.BusyRetryCeiling)
	assert.Equal(t, 100, d.MigrationStepRows)
}

func TestLoadOptionsFallsBackToDefaultsWithNoOverrides(t *testing.T) {
	t.Chdir(t.TempDir())

	got, err := LoadOptions(Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultOptions(), got)
}

func TestLoadOptionsEnvOverridesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LATTICE_MAX_HANDLES", "4")
	t.Setenv("LATTICE_MIGRATION_STEP_ROWS", "250")

	got, err := LoadOptions(Options{})
	require.NoError(t, err)
	assert.Equal(t, 4, got.MaxHandles)
	assert.Equal(t, 250, got.MigrationStepRows)
}

func TestLoadOptionsExplicitWinsOverEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LATTICE_MAX_HANDLES", "4")

	got, err := LoadOptions(Options{MaxHandles: 64})
	require.NoError(t, err)
	assert.Equal(t, 64, got.MaxHandles)
}
