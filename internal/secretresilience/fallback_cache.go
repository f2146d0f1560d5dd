package secretresilience

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// fallbackCache is a file-backed snapshot of the last known-good
// secrets, layered on the teacher's internal/cache.Cache TTL pattern:
// an in-memory copy serves reads within StaleAfter, after which it is
// reloaded from disk before being treated as unusable.
type fallbackCache struct {
	path       string
	staleAfter time.Duration

	mu       sync.Mutex
	value    map[string]string
	loadedAt time.Time
}

func newFallbackCache(path string, staleAfter time.Duration) *fallbackCache {
	return &fallbackCache{path: path, staleAfter: staleAfter}
}

func (c *fallbackCache) load() (map[string]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.value != nil && time.Since(c.loadedAt) < c.staleAfter {
		return c.value, true
	}
	return c.reloadFromDiskLocked()
}

// reloadFromDiskLocked must be called with c.mu held.
func (c *fallbackCache) reloadFromDiskLocked() (map[string]string, bool) {
	if c.path == "" {
		return nil, false
	}
	raw, err := os.ReadFile(c.path)
	if err != nil {
		return nil, false
	}
	var snapshot map[string]string
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, false
	}
	c.value = snapshot
	c.loadedAt = time.Now()
	return snapshot, true
}

func (c *fallbackCache) store(secrets map[string]string) {
	c.mu.Lock()
	c.value = secrets
	c.loadedAt = time.Now()
	c.mu.Unlock()

	if c.path == "" {
		return
	}
	raw, err := json.Marshal(secrets)
	if err != nil {
		return
	}
	_ = os.WriteFile(c.path, raw, 0o600)
}
