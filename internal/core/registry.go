package core

import (
	"sync"

	"golang.org/x/sync/singleflight"
)

// processRegistry is the process-wide path -> *HandlePool map described in
// §4.5: two Database.Open calls against the same file share one pool and
// therefore one connection budget, instead of each opening its own.
type processRegistry struct {
	mu    sync.Mutex
	pools map[string]*HandlePool
	group singleflight.Group
}

var globalRegistry = &processRegistry{pools: make(map[string]*HandlePool)}

// acquirePool returns the shared pool for path, creating it with opts if
// this is the first caller. Concurrent first-callers for the same path are
// coalesced through singleflight so only one *sql.DB ever gets dialed.
func (r *processRegistry) acquirePool(path, tag string, opts Options) (*HandlePool, bool, error) {
	r.mu.Lock()
	if p, ok := r.pools[path]; ok {
		r.mu.Unlock()
		return p, false, nil
	}
	r.mu.Unlock()

	v, err, _ := r.group.Do(path, func() (any, error) {
		r.mu.Lock()
		if p, ok := r.pools[path]; ok {
			r.mu.Unlock()
			return p, nil
		}
		r.mu.Unlock()

		p := NewHandlePool(path, tag, opts)
		r.mu.Lock()
		r.pools[path] = p
		r.mu.Unlock()
		return p, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*HandlePool), true, nil
}

// release drops path from the registry once its Database wrapper closes,
// so a later Open dials a fresh pool instead of reusing a closed one.
func (r *processRegistry) release(path string) {
	r.mu.Lock()
	delete(r.pools, path)
	r.mu.Unlock()
}

// shutdown closes every pool still registered, used by tests and by
// process-exit hooks that want a clean teardown (§9).
func (r *processRegistry) shutdown() {
	r.mu.Lock()
	pools := make([]*HandlePool, 0, len(r.pools))
	for _, p := range r.pools {
		pools = append(pools, p)
	}
	r.pools = make(map[string]*HandlePool)
	r.mu.Unlock()
	for _, p := range pools {
		_ = p.Close()
	}
}
