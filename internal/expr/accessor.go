package expr

// PropertyAccessor mediates property reads and writes against a target value.
// Accessors are consulted in order; the first accessor whose CanRead/CanWrite
// answers true handles the access.
type PropertyAccessor interface {
	CanRead(target any, name string) bool
	// Read returns the property value and whether the key was present.
	// Missing keys are not an error on the read path; they read as null.
	Read(target any, name string) (any, bool)
	CanWrite(target any, name string) bool
	Write(target any, name string, value any) error
}

// MapAccessor exposes records (string-keyed maps) as objects: .name and
// ['name'] are equivalent, and writes create missing keys unconditionally.
type MapAccessor struct{}

func (MapAccessor) CanRead(target any, _ string) bool {
	_, ok := target.(map[string]any)
	return ok
}

func (MapAccessor) Read(target any, name string) (any, bool) {
	m, ok := target.(map[string]any)
	if !ok {
		return nil, false
	}
	v, present := m[name]
	return v, present
}

func (MapAccessor) CanWrite(target any, _ string) bool {
	_, ok := target.(map[string]any)
	return ok
}

func (MapAccessor) Write(target any, name string, value any) error {
	m, ok := target.(map[string]any)
	if !ok {
		return evalErr(name, "cannot write property on %s", kindOf(target))
	}
	m[name] = value
	return nil
}
