package core

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquirePoolSharesSamePathAcrossCallers(t *testing.T) {
	r := &processRegistry{pools: make(map[string]*HandlePool)}
	path := ":memory:lattice-registry-test-a"

	p1, created1, err := r.acquirePool(path, "a", DefaultOptions())
	require.NoError(t, err)
	assert.True(t, created1)

	p2, created2, err := r.acquirePool(path, "b", DefaultOptions())
	require.NoError(t, err)
	assert.False(t, created2)
	assert.Same(t, p1, p2)
}

func TestAcquirePoolCoalescesConcurrentFirstCallers(t *testing.T) {
	r := &processRegistry{pools: make(map[string]*HandlePool)}
	path := ":memory:lattice-registry-test-b"

	const n = 8
	pools := make([]*HandlePool, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			p, _, err := r.acquirePool(path, "x", DefaultOptions())
			assert.NoError(t, err)
			pools[i] = p
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Same(t, pools[0], pools[i])
	}
}

func TestReleaseAllowsFreshPoolOnNextAcquire(t *testing.T) {
	r := &processRegistry{pools: make(map[string]*HandlePool)}
	path := ":memory:lattice-registry-test-c"

	p1, _, err := r.acquirePool(path, "a", DefaultOptions())
	require.NoError(t, err)

	r.release(path)

	p2, created, err := r.acquirePool(path, "a", DefaultOptions())
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotSame(t, p1, p2)
}

func TestShutdownClosesAndClearsEveryPool(t *testing.T) {
	r := &processRegistry{pools: make(map[string]*HandlePool)}
	_, _, err := r.acquirePool(":memory:lattice-registry-test-d", "a", DefaultOptions())
	require.NoError(t, err)
	_, _, err = r.acquirePool(":memory:lattice-registry-test-e", "b", DefaultOptions())
	require.NoError(t, err)

	r.shutdown()
	assert.Empty(t, r.pools)
}
