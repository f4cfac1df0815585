package cache

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dchest/siphash"
	lru "github.com/zyedidia/generic/cache"
)

// Stripe-selection keys for siphash. Arbitrary fixed values; only the
// distribution matters.
const (
	stripeKey0 = 0x41504558 // "APEX"
	stripeKey1 = 0x434d4752 // "CMGR"
)

const stripeCount = 8

type entry struct {
	value     any
	expiresAt time.Time // zero means never
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

type stripe struct {
	mu       sync.Mutex
	lru      *lru.Cache[string, entry]
	capacity int
}

type scopeCache struct {
	policy  Policy
	stripes [stripeCount]*stripe

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

func newScopeCache(policy Policy) *scopeCache {
	sc := &scopeCache{policy: policy}
	per := policy.MaxEntries / stripeCount
	if policy.MaxEntries%stripeCount != 0 || per == 0 {
		per++
	}
	for i := range sc.stripes {
		sc.stripes[i] = &stripe{lru: lru.New[string, entry](per), capacity: per}
	}
	return sc
}

func (sc *scopeCache) stripeFor(key string) *stripe {
	return sc.stripes[siphash.Hash(stripeKey0, stripeKey1, []byte(key))%stripeCount]
}

// putLocked stores an entry, counting the LRU eviction it displaces.
func (sc *scopeCache) putLocked(st *stripe, key string, e entry) {
	if _, present := st.lru.Get(key); !present && st.lru.Size() >= st.capacity {
		sc.evictions.Add(1)
	}
	st.lru.Put(key, e)
}

func (sc *scopeCache) statistics() Statistics {
	hits, misses := sc.hits.Load(), sc.misses.Load()
	stats := Statistics{Hits: hits, Misses: misses, Evictions: sc.evictions.Load()}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	return stats
}

// RemoteStore is an optional backing store for a scope, letting a scope's
// entries outlive the process (e.g. a valkey-backed lookup-result scope).
type RemoteStore interface {
	Get(key string) (any, bool, error)
	Put(key string, value any, ttl time.Duration) error
	Remove(key string) error
	Clear() error
}

// manager is the in-memory Manager: per-scope striped LRU caches with lazy
// TTL expiry and atomic statistics. The scope map is read-only after
// construction; concurrent readers need no lock.
type manager struct {
	scopes   map[Scope]*scopeCache
	fallback *scopeCache
	remotes  map[Scope]RemoteStore
	logger   *slog.Logger
}

// Option customizes a Manager under construction.
type Option func(*manager)

// WithPolicies overrides the per-scope policies; scopes absent from the map
// keep their defaults.
func WithPolicies(policies map[Scope]Policy) Option {
	return func(m *manager) {
		for scope, policy := range policies {
			m.scopes[scope] = newScopeCache(policy)
		}
	}
}

// WithRemote attaches a remote backing store to one scope.
func WithRemote(scope Scope, store RemoteStore) Option {
	return func(m *manager) {
		m.remotes[scope] = store
	}
}

// WithLogger sets the logger used for remote-store failures.
func WithLogger(logger *slog.Logger) Option {
	return func(m *manager) {
		m.logger = logger
	}
}

// NewManager builds an in-memory unified cache with the default scope
// policies.
func NewManager(opts ...Option) Manager {
	m := &manager{
		scopes:   make(map[Scope]*scopeCache),
		fallback: newScopeCache(Policy{TTL: time.Hour, MaxEntries: 128}),
		remotes:  make(map[Scope]RemoteStore),
	}
	for scope, policy := range DefaultPolicies() {
		m.scopes[scope] = newScopeCache(policy)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *manager) scope(scope Scope) *scopeCache {
	if sc, ok := m.scopes[scope]; ok {
		return sc
	}
	// Unknown scopes share one small default region rather than panicking.
	// The scope map never mutates here; configuration errors surface
	// elsewhere.
	return m.fallback
}

func (m *manager) Put(scope Scope, key string, value any) {
	m.PutTTL(scope, key, value, 0)
}

func (m *manager) PutTTL(scope Scope, key string, value any, ttl time.Duration) {
	sc := m.scope(scope)
	if ttl <= 0 {
		ttl = sc.policy.TTL
	}
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	st := sc.stripeFor(key)
	st.mu.Lock()
	sc.putLocked(st, key, e)
	st.mu.Unlock()

	if remote, ok := m.remotes[scope]; ok {
		if err := remote.Put(key, value, ttl); err != nil && m.logger != nil {
			m.logger.Warn("cache: remote put failed",
				slog.String("scope", string(scope)), slog.Any("error", err))
		}
	}
}

func (m *manager) Get(scope Scope, key string) (any, bool) {
	sc := m.scope(scope)
	st := sc.stripeFor(key)
	st.mu.Lock()
	e, ok := st.lru.Get(key)
	if ok && e.expired(time.Now()) {
		st.lru.Remove(key)
		ok = false
	}
	st.mu.Unlock()
	if ok {
		sc.hits.Add(1)
		return e.value, true
	}

	if remote, rok := m.remotes[scope]; rok {
		value, found, err := remote.Get(key)
		if err != nil && m.logger != nil {
			m.logger.Warn("cache: remote get failed",
				slog.String("scope", string(scope)), slog.Any("error", err))
		}
		if found {
			st.mu.Lock()
			sc.putLocked(st, key, entry{value: value, expiresAt: time.Now().Add(sc.policy.TTL)})
			st.mu.Unlock()
			sc.hits.Add(1)
			return value, true
		}
	}

	sc.misses.Add(1)
	return nil, false
}

func (m *manager) GetOrCompute(scope Scope, key string, compute func() (any, error)) (any, error) {
	sc := m.scope(scope)
	st := sc.stripeFor(key)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now()
	if e, ok := st.lru.Get(key); ok && !e.expired(now) {
		sc.hits.Add(1)
		return e.value, nil
	}
	sc.misses.Add(1)

	// Computed under the stripe lock so concurrent callers for the same key
	// coalesce onto one computation. Dataset construction is the slow path
	// here and only blocks keys sharing the stripe.
	value, err := compute()
	if err != nil {
		return nil, err
	}
	e := entry{value: value}
	if sc.policy.TTL > 0 {
		e.expiresAt = now.Add(sc.policy.TTL)
	}
	sc.putLocked(st, key, e)
	return value, nil
}

func (m *manager) Remove(scope Scope, key string) {
	sc := m.scope(scope)
	st := sc.stripeFor(key)
	st.mu.Lock()
	st.lru.Remove(key)
	st.mu.Unlock()

	if remote, ok := m.remotes[scope]; ok {
		if err := remote.Remove(key); err != nil && m.logger != nil {
			m.logger.Warn("cache: remote remove failed",
				slog.String("scope", string(scope)), slog.Any("error", err))
		}
	}
}

func (m *manager) ContainsKey(scope Scope, key string) bool {
	sc := m.scope(scope)
	st := sc.stripeFor(key)
	st.mu.Lock()
	defer st.mu.Unlock()
	e, ok := st.lru.Get(key)
	if !ok {
		return false
	}
	if e.expired(time.Now()) {
		st.lru.Remove(key)
		return false
	}
	return true
}

func (m *manager) Size(scope Scope) int {
	sc := m.scope(scope)
	total := 0
	for _, st := range sc.stripes {
		st.mu.Lock()
		total += st.lru.Size()
		st.mu.Unlock()
	}
	return total
}

func (sc *scopeCache) clear() {
	for _, st := range sc.stripes {
		st.mu.Lock()
		st.lru = lru.New[string, entry](st.capacity)
		st.mu.Unlock()
	}
}

func (m *manager) Clear(scope Scope) {
	m.scope(scope).clear()
	if remote, ok := m.remotes[scope]; ok {
		if err := remote.Clear(); err != nil && m.logger != nil {
			m.logger.Warn("cache: remote clear failed",
				slog.String("scope", string(scope)), slog.Any("error", err))
		}
	}
}

// ClearAll empties every scope. Statistics survive; they are monotonic for
// the process lifetime.
func (m *manager) ClearAll() {
	for scope := range m.scopes {
		m.Clear(scope)
	}
	m.fallback.clear()
}

func (m *manager) Statistics(scope Scope) Statistics {
	return m.scope(scope).statistics()
}

func (m *manager) AllStatistics() map[Scope]Statistics {
	out := make(map[Scope]Statistics, len(m.scopes))
	for scope, sc := range m.scopes {
		out[scope] = sc.statistics()
	}
	return out
}
