package cache

import "time"

// Scope names one of the engine's four cache regions. Each scope carries its
// own TTL and size policy and its own statistics.
type Scope string

const (
	// ScopeDataset caches DatasetLookupService instances keyed by dataset
	// signature. Identical signatures coalesce to a single service.
	ScopeDataset Scope = "dataset"
	// ScopeLookupResult caches fetched lookup rows keyed by (service, key).
	ScopeLookupResult Scope = "lookup-result"
	// ScopeExpression caches compiled expression trees keyed by source text.
	ScopeExpression Scope = "expression"
	// ScopeServiceRegistry caches registered named lookup services.
	ScopeServiceRegistry Scope = "service-registry"
)

// Scopes lists every scope in a stable order.
func Scopes() []Scope {
	return []Scope{ScopeDataset, ScopeLookupResult, ScopeExpression, ScopeServiceRegistry}
}

// Policy is a scope's TTL and capacity configuration. A zero TTL means
// entries never expire on their own; eviction still applies.
type Policy struct {
	TTL        time.Duration
	MaxEntries int
}

// DefaultPolicies returns the per-scope defaults. TTLs are explicit concrete
// constants rather than saturating maxima.
func DefaultPolicies() map[Scope]Policy {
	return map[Scope]Policy{
		ScopeDataset:         {TTL: 2 * time.Hour, MaxEntries: 1000},
		ScopeLookupResult:    {TTL: 5 * time.Minute, MaxEntries: 10000},
		ScopeExpression:      {TTL: 24 * time.Hour, MaxEntries: 1000},
		ScopeServiceRegistry: {TTL: 24 * time.Hour, MaxEntries: 500},
	}
}

// Statistics reports a scope's hit/miss/eviction counters. Counters are
// monotonic within the process lifetime; ClearAll does not reset them.
type Statistics struct {
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Evictions uint64  `json:"evictions"`
	HitRate   float64 `json:"hitRate"`
}

// Manager is the unified cache contract. All operations are safe under
// concurrent access.
type Manager interface {
	// Put writes or overwrites an entry with the scope's default TTL.
	Put(scope Scope, key string, value any)
	// PutTTL writes an entry with an explicit TTL; ttl <= 0 means the
	// scope's default.
	PutTTL(scope Scope, key string, value any, ttl time.Duration)
	// Get returns the entry or absence. Expired entries are absent
	// regardless of LRU position. Hit/miss statistics are updated.
	Get(scope Scope, key string) (any, bool)
	// GetOrCompute returns the cached entry, or atomically computes, stores,
	// and returns it. Concurrent callers for the same key observe a single
	// computation.
	GetOrCompute(scope Scope, key string, compute func() (any, error)) (any, error)
	Remove(scope Scope, key string)
	// ContainsKey reports presence without affecting hit/miss statistics.
	ContainsKey(scope Scope, key string) bool
	Size(scope Scope) int
	Clear(scope Scope)
	ClearAll()
	Statistics(scope Scope) Statistics
	AllStatistics() map[Scope]Statistics
}
