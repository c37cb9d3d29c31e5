package sources

import "sync"

// CancelRegistry tracks active-sync cancellation flags in memory
// (spec §5): a running connector polls IsCancelled(syncRunID) between
// batches instead of the SDK having to interrupt the connector's own
// process. Flags are process-local and stay set until Clear is called
// once the run finishes, mirroring the in-flight dedup set in
// internal/cache.
type CancelRegistry struct {
	mu        sync.Mutex
	cancelled map[string]struct{}
}

// NewCancelRegistry builds an empty registry.
func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{cancelled: make(map[string]struct{})}
}

// Cancel flags syncRunID as cancelled.
func (c *CancelRegistry) Cancel(syncRunID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled[syncRunID] = struct{}{}
}

// IsCancelled reports whether syncRunID has been flagged.
func (c *CancelRegistry) IsCancelled(syncRunID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.cancelled[syncRunID]
	return ok
}

// Clear removes a syncRunID's flag once the run has terminated, so
// the map does not grow unbounded over the process lifetime.
func (c *CancelRegistry) Clear(syncRunID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cancelled, syncRunID)
}
