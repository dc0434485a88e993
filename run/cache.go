package run

import (
	"context"
	"sync"
)

// LastRunCache is a read-through cache of each job's most recent run. The
// cached value stays valid until the owner explicitly invalidates it, so a
// stale read is always the caller's choice, never a hidden side effect of
// entity reloading.
type LastRunCache struct {
	store *Store

	mu   sync.RWMutex
	last map[string]*Run
}

// NewLastRunCache creates a cache backed by the run store.
func NewLastRunCache(store *Store) *LastRunCache {
	return &LastRunCache{
		store: store,
		last:  make(map[string]*Run),
	}
}

// Get returns the job's most recent run, loading it from the store on first
// access. Returns a NotFoundError when the job has never run.
func (c *LastRunCache) Get(ctx context.Context, jobID string) (*Run, error) {
	c.mu.RLock()
	r, ok := c.last[jobID]
	c.mu.RUnlock()
	if ok {
		return r, nil
	}

	r, err := c.store.LastForJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.last[jobID] = r
	c.mu.Unlock()
	return r, nil
}

// Invalidate drops the cached entry for a job. Call after creating or
// mutating one of its runs.
func (c *LastRunCache) Invalidate(jobID string) {
	c.mu.Lock()
	delete(c.last, jobID)
	c.mu.Unlock()
}

// InvalidateAll empties the cache.
func (c *LastRunCache) InvalidateAll() {
	c.mu.Lock()
	c.last = make(map[string]*Run)
	c.mu.Unlock()
}
