package cache

import "sync"

var (
	defaultMu      sync.Mutex
	defaultManager Manager
)

// Default returns the process-wide cache manager, creating it with default
// policies on first use.
func Default() Manager {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultManager == nil {
		defaultManager = NewManager()
	}
	return defaultManager
}

// SetDefault replaces the process-wide manager, e.g. with one carrying
// configured policies or a remote tier.
func SetDefault(m Manager) {
	defaultMu.Lock()
	defaultManager = m
	defaultMu.Unlock()
}

// ResetForTests drops the process-wide manager so each test starts cold.
func ResetForTests() {
	SetDefault(nil)
}
