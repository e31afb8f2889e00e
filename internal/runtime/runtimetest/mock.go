// Package runtimetest provides a scripted runtime.Runtime for tests.
package runtimetest

import (
	"context"
	"sync"

	"coverls/internal/coverage"
	"coverls/internal/runtime"
)

// Handle is the parsed form produced by MockRuntime.
type Handle struct {
	Src   runtime.Source
	Stmts []coverage.Location
}

func (h *Handle) URI() string                    { return h.Src.URI }
func (h *Handle) Source() runtime.Source          { return h.Src }
func (h *Handle) Statements() []coverage.Location { return h.Stmts }

type binding struct {
	rt     *MockRuntime
	id     int
	filter func(string) bool
	fn     func(runtime.Event)
}

func (b *binding) Dispose() {
	b.rt.mu.Lock()
	defer b.rt.mu.Unlock()
	delete(b.rt.bindings, b.id)
}

// MockRuntime records calls and delegates to the optional hooks. Without
// hooks Parse succeeds with no statements and Execute does nothing.
type MockRuntime struct {
	// ParseFunc, when set, decides the outcome of Parse.
	ParseFunc func(ctx context.Context, src runtime.Source) (runtime.Handle, error)
	// ExecuteFunc, when set, runs instead of the default no-op. Emit
	// delivers events to attached observers.
	ExecuteFunc func(ctx context.Context, h runtime.Handle, emit func(runtime.Event)) error

	mu       sync.Mutex
	parsed   []runtime.Source
	executed []string
	bindings map[int]*binding
	nextID   int
	closed   bool
}

// New returns an empty MockRuntime.
func New() *MockRuntime {
	return &MockRuntime{bindings: make(map[int]*binding)}
}

func (m *MockRuntime) Parse(ctx context.Context, src runtime.Source) (runtime.Handle, error) {
	m.mu.Lock()
	m.parsed = append(m.parsed, src)
	parse := m.ParseFunc
	m.mu.Unlock()
	if parse != nil {
		return parse(ctx, src)
	}
	return &Handle{Src: src}, nil
}

func (m *MockRuntime) Attach(filter func(string) bool, fn func(runtime.Event)) runtime.Binding {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	b := &binding{rt: m, id: m.nextID, filter: filter, fn: fn}
	m.bindings[b.id] = b
	return b
}

func (m *MockRuntime) Execute(ctx context.Context, h runtime.Handle) error {
	m.mu.Lock()
	m.executed = append(m.executed, h.URI())
	exec := m.ExecuteFunc
	m.mu.Unlock()
	if exec == nil {
		return nil
	}
	return exec(ctx, h, m.Emit)
}

// Emit delivers ev to every observer whose filter accepts its URI.
func (m *MockRuntime) Emit(ev runtime.Event) {
	m.mu.Lock()
	var targets []*binding
	for _, b := range m.bindings {
		if b.filter == nil || b.filter(ev.Location.URI) {
			targets = append(targets, b)
		}
	}
	m.mu.Unlock()
	for _, b := range targets {
		b.fn(ev)
	}
}

func (m *MockRuntime) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Parsed returns every source handed to Parse.
func (m *MockRuntime) Parsed() []runtime.Source {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]runtime.Source(nil), m.parsed...)
}

// Executed returns the URIs of every executed handle.
func (m *MockRuntime) Executed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.executed...)
}

// Bindings returns the number of attached observers.
func (m *MockRuntime) Bindings() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bindings)
}

// Closed reports whether Close was called.
func (m *MockRuntime) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
