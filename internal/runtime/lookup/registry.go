package lookup

import (
	"github.com/mraysmit/apex/internal/expr"
	"github.com/mraysmit/apex/internal/runtime/cache"
)

// Registry holds named lookup services behind the service-registry cache
// scope, so registered services share the unified cache's TTL and statistics.
type Registry struct {
	cache cache.Manager
}

// NewRegistry binds a registry to the given cache manager.
func NewRegistry(manager cache.Manager) *Registry {
	return &Registry{cache: manager}
}

// Register stores a service under its name, replacing any previous entry.
func (r *Registry) Register(service Service) {
	r.cache.Put(cache.ScopeServiceRegistry, service.Name(), service)
}

// Lookup returns the named service when registered.
func (r *Registry) Lookup(name string) (Service, bool) {
	v, ok := r.cache.Get(cache.ScopeServiceRegistry, name)
	if !ok {
		return nil, false
	}
	service, ok := v.(Service)
	return service, ok
}

// ResultCacheKey builds the lookup-result cache key for a (service, key)
// pair. The key value is stringified the same way the expression engine
// renders values, so 42 and "42" collide intentionally.
func ResultCacheKey(serviceName string, key any) string {
	return serviceName + "|" + expr.FormatValue(key)
}
