package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopInvoke(ctx context.Context, h *HandleBase) error { return nil }

func TestConfigRegistryOrdering(t *testing.T) {
	r := NewConfigRegistry()
	r.Set("c", PriorityDefault, noopInvoke, nil)
	r.Set("a", PriorityLow, noopInvoke, nil)
	r.Set("b", PriorityLow, noopInvoke, nil) // same priority as "a", inserted later

	ordered := r.ordered()
	require.Len(t, ordered, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{ordered[0].name, ordered[1].name, ordered[2].name})
}

func TestConfigRegistrySetReplacesKeepingInsertionSlot(t *testing.T) {
	r := NewConfigRegistry()
	r.Set("first", PriorityDefault, noopInvoke, nil)
	r.Set("second", PriorityDefault, noopInvoke, nil)

	// Re-setting "first" at the same priority keeps its original insertion
	// slot, so it still sorts ahead of "second".
	r.Set("first", PriorityDefault, noopInvoke, nil)

	ordered := r.ordered()
	require.Len(t, ordered, 2)
	assert.Equal(t, "first", ordered[0].name)
	assert.Equal(t, "second", ordered[1].name)
}

func TestConfigRegistryRemove(t *testing.T) {
	r := NewConfigRegistry()
	r.Set("basic", PriorityLowest, noopInvoke, nil)
	r.Remove("basic")
	assert.Empty(t, r.ordered())

	r.Remove("does-not-exist") // no-op, must not panic
}

func TestConfigRegistryCloneIsIndependent(t *testing.T) {
	r := NewConfigRegistry()
	r.Set("basic", PriorityLowest, noopInvoke, nil)

	clone := r.Clone()
	clone.Set("extra", PriorityDefault, noopInvoke, nil)

	assert.Len(t, r.ordered(), 1)
	assert.Len(t, clone.ordered(), 2)
	assert.True(t, r.Equal(r))
	assert.False(t, r.Equal(clone))
}

func TestConfigRegistryEqualComparesCallableIdentity(t *testing.T) {
	r1 := NewConfigRegistry()
	r1.Set("basic", PriorityLowest, noopInvoke, nil)

	r2 := NewConfigRegistry()
	r2.Set("basic", PriorityLowest, noopInvoke, nil)
	assert.True(t, r1.Equal(r2))

	r3 := NewConfigRegistry()
	r3.Set("basic", PriorityLowest, func(ctx context.Context, h *HandleBase) error { return nil }, nil)
	assert.False(t, r1.Equal(r3), "distinct func literals must not compare equal")
}

func TestInstallBasicConfigRegistersLowestPriority(t *testing.T) {
	r := NewConfigRegistry()
	installBasicConfig(r)

	ordered := r.ordered()
	require.Len(t, ordered, 1)
	assert.Equal(t, configBasicName, ordered[0].name)
	assert.Equal(t, PriorityLowest, ordered[0].priority)
}
