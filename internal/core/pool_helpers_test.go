package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildConnStringInMemory(t *testing.T) {
	got := buildConnString(":memory:", false)
	assert.Contains(t, got, "mode=memory")
	assert.Contains(t, got, "_pragma=foreign_keys(ON)")
}

func TestBuildConnStringFilePath(t *testing.T) {
	got := buildConnString("/tmp/issues.db", false)
	assert.Equal(t, "file:/tmp/issues.db?_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)", got)
}

func TestBuildConnStringReadOnlyAppendsMode(t *testing.T) {
	got := buildConnString("/tmp/issues.db", true)
	assert.Contains(t, got, "mode=ro")
}

func TestBuildConnStringPreservesExplicitFileURI(t *testing.T) {
	got := buildConnString("file:/tmp/custom.db?cache=shared", false)
	assert.Contains(t, got, "cache=shared")
	assert.Contains(t, got, "_pragma=foreign_keys")
}

func TestBuildConnStringFileURIAlreadyPragmedIsUntouched(t *testing.T) {
	in := "file:/tmp/custom.db?_pragma=foreign_keys(ON)"
	got := buildConnString(in, false)
	assert.Equal(t, in, got)
}

func TestIsInMemoryPath(t *testing.T) {
	assert.True(t, isInMemoryPath(":memory:"))
	assert.True(t, isInMemoryPath("file:lattice_mem?mode=memory&cache=shared"))
	assert.False(t, isInMemoryPath("/tmp/issues.db"))
	assert.False(t, isInMemoryPath("file:/tmp/issues.db"))
}
