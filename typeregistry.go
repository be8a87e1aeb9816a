package xsbus

import (
	"fmt"
	"reflect"
	"sync"
)

// TypeRegistry maps logical type names to Go types and records the declared
// ancestor chain of each message type. Go has no type hierarchy to reflect
// over, so ancestry is explicit registration: a vtable keyed by type token
// rather than per-message reflection on the hot path.
type TypeRegistry struct {
	mu        sync.RWMutex
	byName    map[string]reflect.Type
	byType    map[reflect.Type]string
	ancestors map[string][]string
}

// NewTypeRegistry returns an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		byName:    make(map[string]reflect.Type),
		byType:    make(map[reflect.Type]string),
		ancestors: make(map[string][]string),
	}
}

// Register binds a logical name to the type of exemplar. Ancestors name the
// direct bases of the type, in declaration order; they participate in handler
// resolution but need not be registered themselves.
func (r *TypeRegistry) Register(name string, exemplar any, ancestors ...string) error {
	t := indirectType(reflect.TypeOf(exemplar))
	if t == nil {
		return fmt.Errorf("xsbus: cannot register nil exemplar for %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.byName[name]; ok && prev != t {
		return fmt.Errorf("xsbus: type name %q already registered to %s", name, prev)
	}
	r.byName[name] = t
	r.byType[t] = name
	r.ancestors[name] = append([]string(nil), ancestors...)
	return nil
}

// RegisterMessage is the generic convenience form of Register.
func RegisterMessage[T any](r *TypeRegistry, name string, ancestors ...string) error {
	var zero T
	return r.Register(name, zero, ancestors...)
}

// NameFor returns the logical name of v's type.
func (r *TypeRegistry) NameFor(v any) (string, bool) {
	t := indirectType(reflect.TypeOf(v))
	r.mu.RLock()
	name, ok := r.byType[t]
	r.mu.RUnlock()
	return name, ok
}

// New instantiates a registered type and returns a pointer to a zero value.
func (r *TypeRegistry) New(name string) (any, bool) {
	r.mu.RLock()
	t, ok := r.byName[name]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return reflect.New(t).Interface(), true
}

// Known reports whether name is a registered type name.
func (r *TypeRegistry) Known(name string) bool {
	r.mu.RLock()
	_, ok := r.byName[name]
	r.mu.RUnlock()
	return ok
}

// Resolution returns the handler resolution order for a type: the type
// itself, then its ancestors deepest first, following declaration order at
// each level. Duplicates keep their first occurrence.
func (r *TypeRegistry) Resolution(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	seen := make(map[string]bool)
	var walk func(n string)
	walk = func(n string) {
		if seen[n] {
			return
		}
		seen[n] = true
		out = append(out, n)
		for _, a := range r.ancestors[n] {
			walk(a)
		}
	}
	walk(name)
	return out
}

func indirectType(t reflect.Type) reflect.Type {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}
