package expr

// Context carries the state one evaluation sees: a root object (typically the
// input record), a variable scope, and the property accessor chain. Contexts
// are built per evaluation and must not be shared across concurrent
// evaluations.
type Context struct {
	root      any
	vars      map[string]any
	accessors []PropertyAccessor

	// Stage marks which phase of an evaluation built this context, purely for
	// diagnostics ("enrichment", "rules", "pre-pass").
	Stage string
}

// NewContext builds a context rooted at the supplied object with the default
// record accessor installed.
func NewContext(root any) *Context {
	return &Context{
		root:      root,
		vars:      make(map[string]any),
		accessors: []PropertyAccessor{MapAccessor{}},
	}
}

// Root returns the context's root object.
func (c *Context) Root() any { return c.root }

// SetVariable binds a named variable; later writes shadow earlier ones.
func (c *Context) SetVariable(name string, value any) {
	c.vars[name] = value
}

// Variable resolves a #name reference.
func (c *Context) Variable(name string) (any, bool) {
	v, ok := c.vars[name]
	return v, ok
}

// WithVariable sets a variable and returns the context for chaining during
// construction.
func (c *Context) WithVariable(name string, value any) *Context {
	c.SetVariable(name, value)
	return c
}

// AddAccessor prepends a property accessor, giving it priority over the
// defaults.
func (c *Context) AddAccessor(a PropertyAccessor) {
	c.accessors = append([]PropertyAccessor{a}, c.accessors...)
}

// readProperty consults the accessor chain. The second return reports whether
// any accessor could handle the target at all.
func (c *Context) readProperty(target any, name string) (any, bool) {
	for _, a := range c.accessors {
		if a.CanRead(target, name) {
			v, _ := a.Read(target, name)
			return v, true
		}
	}
	return nil, false
}

// WriteProperty writes through the accessor chain.
func (c *Context) WriteProperty(target any, name string, value any) error {
	for _, a := range c.accessors {
		if a.CanWrite(target, name) {
			return a.Write(target, name, value)
		}
	}
	return evalErr(name, "no accessor can write property %q on %s", name, kindOf(target))
}
