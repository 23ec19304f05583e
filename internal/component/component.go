// Package component defines the capability interface that simulation
// components expose to the dispatcher and the per-run set that resolves
// component names and method names to invocations.
package component

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/seantiz/cosim/internal/model"
)

var (
	// ErrUnknownComponent is returned when a name is not registered in the set.
	ErrUnknownComponent = errors.New("unknown component")
	// ErrUnknownMethod is returned when a component does not answer to a method name.
	ErrUnknownMethod = errors.New("unknown method")
	// ErrDuplicateComponent is returned when a name is registered twice.
	ErrDuplicateComponent = errors.New("component already registered")
)

// Method is a named operation of a component.
type Method func(ctx context.Context, args ...any) (any, error)

// Component is a unit whose lifecycle methods are invoked only through the
// dispatcher.
type Component interface {
	Init(ctx context.Context, args ...any) error
	Step(ctx context.Context, args ...any) error
	Finalize(ctx context.Context, args ...any) error
}

// MethodProvider is implemented by components that answer to methods beyond
// the lifecycle set. Lifecycle names cannot be overridden.
type MethodProvider interface {
	Methods() map[string]Method
}

// Reentrant is implemented by components that accept concurrent calls.
// Calls against a component that does not implement it are serialized.
type Reentrant interface {
	Reentrant() bool
}

// Ref is an opaque handle to a registered component.
type Ref struct {
	name string
}

// Name returns the registered component name.
func (r Ref) Name() string { return r.name }

// IsZero reports whether the reference was never resolved.
func (r Ref) IsZero() bool { return r.name == "" }

func (r Ref) String() string { return r.name }

type entry struct {
	comp      Component
	methods   map[string]Method
	reentrant bool
	mu        sync.Mutex
}

// Invocation is a resolved method bound to its component.
type Invocation struct {
	Target Ref
	Method string
	fn     Method
	e      *entry
}

// Invoke runs the method, holding the component's serialization lock
// unless the component is reentrant. acquired is called once the lock is held.
func (inv Invocation) Invoke(ctx context.Context, acquired func(), args ...any) (any, error) {
	if !inv.e.reentrant {
		inv.e.mu.Lock()
		defer inv.e.mu.Unlock()
	}
	if acquired != nil {
		acquired()
	}
	return inv.fn(ctx, args...)
}

// Set holds the components of one simulation run.
type Set struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewSet creates an empty component set.
func NewSet() *Set {
	return &Set{entries: make(map[string]*entry)}
}

// Register adds a component under name and builds its method table.
func (s *Set) Register(name string, c Component) (Ref, error) {
	if name == "" {
		return Ref{}, fmt.Errorf("register component: empty name")
	}
	if c == nil {
		return Ref{}, fmt.Errorf("register component %q: nil component", name)
	}

	methods := make(map[string]Method)
	if mp, ok := c.(MethodProvider); ok {
		for k, m := range mp.Methods() {
			methods[k] = m
		}
	}
	methods[model.MethodInit] = lifecycle(c.Init)
	methods[model.MethodStep] = lifecycle(c.Step)
	methods[model.MethodFinalize] = lifecycle(c.Finalize)

	e := &entry{comp: c, methods: methods}
	if r, ok := c.(Reentrant); ok {
		e.reentrant = r.Reentrant()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[name]; exists {
		return Ref{}, fmt.Errorf("%w: %s", ErrDuplicateComponent, name)
	}
	s.entries[name] = e
	return Ref{name: name}, nil
}

// Lookup returns a reference to the named component.
func (s *Set) Lookup(name string) (Ref, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.entries[name]; !ok {
		return Ref{}, fmt.Errorf("%w: %s", ErrUnknownComponent, name)
	}
	return Ref{name: name}, nil
}

// Resolve binds a method name on the referenced component.
func (s *Set) Resolve(target Ref, method string) (Invocation, error) {
	s.mu.RLock()
	e, ok := s.entries[target.name]
	s.mu.RUnlock()
	if !ok {
		return Invocation{}, fmt.Errorf("%w: %q", ErrUnknownComponent, target.name)
	}
	fn, ok := e.methods[method]
	if !ok {
		return Invocation{}, fmt.Errorf("%w: %s.%s", ErrUnknownMethod, target.name, method)
	}
	return Invocation{Target: target, Method: method, fn: fn, e: e}, nil
}

// Names returns the registered component names in sorted order.
func (s *Set) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.entries))
	for n := range s.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func lifecycle(fn func(context.Context, ...any) error) Method {
	return func(ctx context.Context, args ...any) (any, error) {
		return nil, fn(ctx, args...)
	}
}
