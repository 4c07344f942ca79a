// Package runctx holds the variable scopes and shared blackboard of a run and
// the manager that mutates and persists them.
package runctx

import (
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"slices"
)

// RootScope is the name of the scope seeded from run inputs.
const RootScope = "root"

// Scope is one level of variable nesting.
type Scope struct {
	Name string         `json:"name"`
	Vars map[string]any `json:"vars"`
}

// Context is the mutable variable state of a run or branch.
//
// Variables resolve innermost scope first. Writes always land in the
// innermost scope. The blackboard is a flat map shared by every scope.
type Context struct {
	Scopes     []Scope        `json:"scopes"`
	Blackboard map[string]any `json:"blackboard"`
}

// New creates a context whose root scope holds a copy of inputs.
func New(inputs map[string]any) *Context {
	return &Context{
		Scopes:     []Scope{{Name: RootScope, Vars: copyMap(inputs)}},
		Blackboard: make(map[string]any),
	}
}

// ScopeStack returns the scope names, outermost first.
func (c *Context) ScopeStack() []string {
	names := make([]string, len(c.Scopes))
	for i, s := range c.Scopes {
		names[i] = s.Name
	}
	return names
}

// Depth returns the number of scopes.
func (c *Context) Depth() int {
	return len(c.Scopes)
}

// Variables returns a flattened deep copy of all scopes, inner scopes
// shadowing outer ones.
func (c *Context) Variables() map[string]any {
	out := make(map[string]any)
	for _, s := range c.Scopes {
		for k, v := range s.Vars {
			out[k] = deepCopy(v)
		}
	}
	return out
}

// Get looks a variable up from the innermost scope outwards.
func (c *Context) Get(key string) (any, bool) {
	for i := len(c.Scopes) - 1; i >= 0; i-- {
		if v, ok := c.Scopes[i].Vars[key]; ok {
			return v, true
		}
	}
	return nil, false
}

// Set writes a variable into the innermost scope.
func (c *Context) Set(key string, value any) {
	c.ensureScope()
	inner := &c.Scopes[len(c.Scopes)-1]
	if inner.Vars == nil {
		inner.Vars = make(map[string]any)
	}
	inner.Vars[key] = deepCopy(value)
}

// SetAll writes every entry of partial into the innermost scope.
func (c *Context) SetAll(partial map[string]any) {
	for k, v := range partial {
		c.Set(k, v)
	}
}

// Post writes a blackboard entry.
func (c *Context) Post(key string, value any) {
	if c.Blackboard == nil {
		c.Blackboard = make(map[string]any)
	}
	c.Blackboard[key] = deepCopy(value)
}

// Read returns a blackboard entry.
func (c *Context) Read(key string) (any, bool) {
	v, ok := c.Blackboard[key]
	return v, ok
}

// PushScope opens a new innermost scope.
func (c *Context) PushScope(name string) {
	c.Scopes = append(c.Scopes, Scope{Name: name, Vars: make(map[string]any)})
}

// PopScope closes the innermost scope. The root scope cannot be popped.
func (c *Context) PopScope() (Scope, bool) {
	if len(c.Scopes) <= 1 {
		return Scope{}, false
	}
	last := c.Scopes[len(c.Scopes)-1]
	c.Scopes = c.Scopes[:len(c.Scopes)-1]
	return last, true
}

// Clone returns a deep copy sharing no memory with c.
func (c *Context) Clone() *Context {
	if c == nil {
		return nil
	}
	out := &Context{
		Scopes:     make([]Scope, len(c.Scopes)),
		Blackboard: copyMap(c.Blackboard),
	}
	for i, s := range c.Scopes {
		out.Scopes[i] = Scope{Name: s.Name, Vars: copyMap(s.Vars)}
	}
	return out
}

// Fork returns a deep copy with a fresh innermost scope named name.
func (c *Context) Fork(name string) *Context {
	child := c.Clone()
	child.PushScope(name)
	return child
}

// Marshal serializes the context to JSON.
func (c *Context) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// Unmarshal deserializes a context produced by Marshal.
func Unmarshal(data []byte) (*Context, error) {
	var c Context
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode context: %w", err)
	}
	c.ensureScope()
	if c.Blackboard == nil {
		c.Blackboard = make(map[string]any)
	}
	return &c, nil
}

func (c *Context) ensureScope() {
	if len(c.Scopes) == 0 {
		c.Scopes = []Scope{{Name: RootScope, Vars: make(map[string]any)}}
	}
}

// MergeRule resolves a key written by more than one branch. current is the
// value already merged, incoming the value from the next branch.
type MergeRule func(key string, current, incoming any) any

// LastWriterWins keeps the value of the branch merged last.
func LastWriterWins(_ string, _, incoming any) any {
	return incoming
}

// FirstWriterWins keeps the value of the branch merged first.
func FirstWriterWins(_ string, current, _ any) any {
	return current
}

// Merge folds the writes of each child into a copy of parent, in order.
//
// A child's writes are every variable in scopes it opened below the parent's
// depth, plus any inherited variable or blackboard entry whose value it
// changed. Keys written by a single child are copied as-is; keys written by
// several children go through rule (LastWriterWins when nil).
func Merge(parent *Context, children []*Context, rule MergeRule) *Context {
	return MergeInto(parent, parent, children, rule)
}

// MergeInto is Merge for children forked from origin while base, a later
// version of origin, receives their writes. Changes made to base since the
// fork survive unless a child wrote the same key.
func MergeInto(base, origin *Context, children []*Context, rule MergeRule) *Context {
	if rule == nil {
		rule = LastWriterWins
	}
	merged := base.Clone()
	merged.ensureScope()

	varsSeen := make(map[string]bool)
	boardSeen := make(map[string]bool)

	for _, child := range children {
		if child == nil {
			continue
		}
		for k, v := range writes(origin, child) {
			if varsSeen[k] {
				cur, _ := merged.Get(k)
				v = rule(k, cur, v)
			}
			varsSeen[k] = true
			merged.Set(k, v)
		}
		for _, k := range slices.Sorted(maps.Keys(child.Blackboard)) {
			v := child.Blackboard[k]
			if pv, ok := origin.Blackboard[k]; ok && reflect.DeepEqual(pv, v) {
				continue
			}
			if boardSeen[k] {
				v = rule(k, merged.Blackboard[k], v)
			}
			boardSeen[k] = true
			merged.Post(k, v)
		}
	}
	return merged
}

// writes returns the variables child changed relative to parent.
func writes(parent, child *Context) map[string]any {
	out := make(map[string]any)
	depth := len(parent.Scopes)
	for i, s := range child.Scopes {
		for k, v := range s.Vars {
			if i >= depth {
				out[k] = v
				continue
			}
			if pv, ok := parent.Scopes[i].Vars[k]; !ok || !reflect.DeepEqual(pv, v) {
				out[k] = v
			}
		}
	}
	return out
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = deepCopy(v)
	}
	return out
}

func deepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return copyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopy(item)
		}
		return out
	case []string:
		return slices.Clone(val)
	case map[string]string:
		return maps.Clone(val)
	case []byte:
		return slices.Clone(val)
	default:
		return v
	}
}
