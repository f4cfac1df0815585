package cache

// ScopeStore narrows a Manager to one scope behind a plain key/value surface.
// The expression compiler memoizes through this without depending on the
// cache package.
type ScopeStore struct {
	manager Manager
	scope   Scope
}

// NewScopeStore binds one scope of a manager.
func NewScopeStore(manager Manager, scope Scope) *ScopeStore {
	return &ScopeStore{manager: manager, scope: scope}
}

// Get reads an entry from the bound scope.
func (s *ScopeStore) Get(key string) (any, bool) {
	return s.manager.Get(s.scope, key)
}

// Put writes an entry with the scope's default TTL.
func (s *ScopeStore) Put(key string, value any) {
	s.manager.Put(s.scope, key, value)
}
