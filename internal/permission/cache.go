package permission

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

type CacheConfig struct {
	NumCounters int64
	MaxCost     int64
	TTL         time.Duration
}

// cache holds resolved permission sets keyed by the normalized role-set.
type cache struct {
	c   *ristretto.Cache[string, []string]
	ttl time.Duration
}

func newCache(cfg CacheConfig) (*cache, error) {
	if cfg.NumCounters <= 0 {
		cfg.NumCounters = 10_000
	}
	if cfg.MaxCost <= 0 {
		cfg.MaxCost = 1_000
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []string]{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: 64,
		// cost is counted in entries
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("init permission cache: %w", err)
	}
	return &cache{c: c, ttl: cfg.TTL}, nil
}

func (c *cache) get(key string) ([]string, bool) {
	v, ok := c.c.Get(key)
	if !ok {
		return nil, false
	}
	return clone(v), true
}

func (c *cache) set(key string, perms []string) {
	c.c.SetWithTTL(key, clone(perms), 1, c.ttl)
	c.c.Wait()
}

func (c *cache) clear() { c.c.Clear() }

func (c *cache) close() { c.c.Close() }

func clone(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}
