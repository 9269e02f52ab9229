package orchestrator

import (
	"sync"

	"git.home.luguber.info/inful/packd/internal/bundle"
)

// statsCache keeps the snapshot of the latest successful build per platform.
type statsCache struct {
	mu    sync.RWMutex
	stats map[string]*bundle.Stats
}

func newStatsCache() *statsCache {
	return &statsCache{stats: make(map[string]*bundle.Stats)}
}

// Get returns nil for a platform that never built successfully.
func (c *statsCache) Get(platform string) *bundle.Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats[platform]
}

func (c *statsCache) Set(platform string, s *bundle.Stats) {
	c.mu.Lock()
	c.stats[platform] = s
	c.mu.Unlock()
}
