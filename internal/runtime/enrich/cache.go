package enrich

import (
	"time"

	"github.com/mraysmit/apex/internal/runtime/cache"
)

type managerResultCache struct {
	manager cache.Manager
}

// NewResultCache narrows a cache manager to the lookup-result scope.
func NewResultCache(manager cache.Manager) ResultCache {
	return &managerResultCache{manager: manager}
}

func (c *managerResultCache) Get(key string) (any, bool) {
	return c.manager.Get(cache.ScopeLookupResult, key)
}

func (c *managerResultCache) PutTTL(key string, value any, ttlSeconds int) {
	c.manager.PutTTL(cache.ScopeLookupResult, key, value, time.Duration(ttlSeconds)*time.Second)
}
