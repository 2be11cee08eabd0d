package provider

import (
	"sync"

	"github.com/trimodal-rag/backend/internal/models"
)

// Cache holds resolved domain configs. Implementations must be safe for
// concurrent use.
//
// Population is compare-and-set against a per-domain generation that every
// Invalidate bumps: a reader that loaded a config before a commit cannot
// install it after the commit's invalidation.
type Cache interface {
	Get(domain string) (*models.DomainConfig, bool)
	Generation(domain string) uint64
	SetIfGeneration(domain string, gen uint64, cfg *models.DomainConfig) bool
	Invalidate(domain string)
}

// MemoryCache is an in-process Cache.
type MemoryCache struct {
	mu          sync.RWMutex
	entries     map[string]*models.DomainConfig
	generations map[string]uint64
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries:     make(map[string]*models.DomainConfig),
		generations: make(map[string]uint64),
	}
}

func (c *MemoryCache) Get(domain string) (*models.DomainConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cfg, ok := c.entries[domain]
	return cfg, ok
}

func (c *MemoryCache) Generation(domain string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generations[domain]
}

func (c *MemoryCache) SetIfGeneration(domain string, gen uint64, cfg *models.DomainConfig) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generations[domain] != gen {
		return false
	}
	c.entries[domain] = cfg
	return true
}

func (c *MemoryCache) Invalidate(domain string) {
	c.mu.Lock()
	delete(c.entries, domain)
	c.generations[domain]++
	c.mu.Unlock()
}

func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
