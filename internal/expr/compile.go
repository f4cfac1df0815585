package expr

// Store is the minimal cache surface the compiler memoizes through. The
// unified cache's expression scope adapts to this interface; a nil store
// compiles every call.
type Store interface {
	Get(key string) (any, bool)
	Put(key string, value any)
}

// Compiler parses expressions lazily and caches compiled ASTs keyed by source
// text. Parsing the same text twice through the same store is a no-op on the
// key.
type Compiler struct {
	store Store
}

// NewCompiler builds a compiler over the supplied store.
func NewCompiler(store Store) *Compiler {
	return &Compiler{store: store}
}

// Compile returns the compiled form of source, from cache when available.
func (c *Compiler) Compile(source string) (*Expression, error) {
	if c == nil || c.store == nil {
		return Parse(source)
	}
	if v, ok := c.store.Get(source); ok {
		if e, ok := v.(*Expression); ok {
			return e, nil
		}
	}
	e, err := Parse(source)
	if err != nil {
		return nil, err
	}
	c.store.Put(source, e)
	return e, nil
}
