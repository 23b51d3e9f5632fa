package expressions

import (
	"encoding/json"
	"maps"

	"github.com/rendis/pipewright/pkg/schema"
)

// Namespaces lists the top-level context names expressions may reference.
var Namespaces = []string{
	"github", "env", "secrets", "inputs", "needs", "matrix",
	"steps", "runner", "job", "strategy", "vars",
}

func isNamespace(name string) bool {
	for _, ns := range Namespaces {
		if ns == name {
			return true
		}
	}
	return false
}

// Context is the namespaced data tree expressions are evaluated against,
// plus the job status consulted by the status functions.
type Context struct {
	values map[string]map[string]any
	status schema.Conclusion
}

// NewContext creates an empty context whose job status is success.
func NewContext() *Context {
	return &Context{
		values: make(map[string]map[string]any),
		status: schema.ConclusionSuccess,
	}
}

// Set replaces a namespace. The value is deep-copied.
func (c *Context) Set(namespace string, value map[string]any) *Context {
	c.values[namespace] = deepCopyMap(value)
	return c
}

// SetStrings replaces a namespace with string values (env, secrets, vars).
func (c *Context) SetStrings(namespace string, value map[string]string) *Context {
	m := make(map[string]any, len(value))
	for k, v := range value {
		m[k] = v
	}
	c.values[namespace] = m
	return c
}

// Put sets a single key inside a namespace, creating it if needed.
func (c *Context) Put(namespace, key string, value any) *Context {
	ns := c.values[namespace]
	if ns == nil {
		ns = make(map[string]any)
		c.values[namespace] = ns
	}
	ns[key] = deepCopyAny(value)
	return c
}

// Get returns a namespace, or nil when unset.
func (c *Context) Get(namespace string) map[string]any {
	return c.values[namespace]
}

// Status returns the job status the status functions consult.
func (c *Context) Status() schema.Conclusion {
	return c.status
}

// WithStatus returns a shallow copy carrying a different job status.
func (c *Context) WithStatus(status schema.Conclusion) *Context {
	return &Context{values: c.values, status: status}
}

// Clone returns a deep copy.
func (c *Context) Clone() *Context {
	cp := &Context{values: make(map[string]map[string]any, len(c.values)), status: c.status}
	for k, v := range c.values {
		cp.values[k] = deepCopyMap(v)
	}
	return cp
}

// Tree returns the namespaces as a single map, suitable for JSON rendering.
func (c *Context) Tree() map[string]any {
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k] = maps.Clone(v)
	}
	return out
}

func (c *Context) lookup(namespace string) (any, bool) {
	if !isNamespace(namespace) {
		return nil, false
	}
	v, ok := c.values[namespace]
	if !ok || v == nil {
		return map[string]any{}, true
	}
	return v, true
}

// --- Deep copy utilities ---

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies a value.
// Handles maps, slices, and primitives (which are inherently immutable).
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case map[string]string:
		return maps.Clone(val)
	case []string:
		return append([]string(nil), val...)
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		// Primitives (string, float64, bool, nil, int, int64) are value types.
		return v
	}
}
