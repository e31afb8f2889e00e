// Package lua runs Lua documents on gopher-lua and reports which
// statements executed.
package lua

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"coverls/internal/coverage"
	"coverls/internal/runtime"
	"coverls/internal/text"

	"github.com/tliron/commonlog"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// LanguageID is the LSP language identifier served by this runtime.
const LanguageID = "lua"

// DefaultTimeout bounds a single execution.
const DefaultTimeout = 10 * time.Second

var log = commonlog.GetLogger("coverls.runtime.lua")

var parsePosition = regexp.MustCompile(`line:(\d+)\(column:(\d+)\)`)

// Loader resolves a module name passed to require into a source.
type Loader func(name string) (runtime.Source, bool)

// Runtime implements runtime.Runtime. Each execution gets a fresh
// interpreter state with the base, table, string and math libraries.
type Runtime struct {
	timeout time.Duration
	busy    atomic.Bool

	mu       sync.Mutex
	loader   Loader
	bindings map[*binding]struct{}
	modules  map[string]*chunk
	output   func(uri, line string)
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLoader sets the module loader used by require.
func WithLoader(l Loader) Option {
	return func(r *Runtime) {
		r.loader = l
	}
}

// WithTimeout bounds every execution. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(r *Runtime) {
		r.timeout = d
	}
}

// WithOutput receives everything the script prints.
func WithOutput(fn func(uri, line string)) Option {
	return func(r *Runtime) {
		r.output = fn
	}
}

// New creates a Runtime.
func New(opts ...Option) *Runtime {
	r := &Runtime{
		timeout:  DefaultTimeout,
		bindings: make(map[*binding]struct{}),
		modules:  make(map[string]*chunk),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetLoader replaces the module loader.
func (r *Runtime) SetLoader(l Loader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loader = l
}

// chunk is a compiled, instrumented source.
type chunk struct {
	source     runtime.Source
	proto      *lua.FunctionProto
	statements []statement
	index      *text.LineIndex
}

type handle struct {
	chunk *chunk
}

func (h *handle) URI() string {
	return h.chunk.source.URI
}

func (h *handle) Source() runtime.Source {
	return h.chunk.source
}

func (h *handle) Statements() []coverage.Location {
	seen := make(map[coverage.Location]struct{}, len(h.chunk.statements))
	locs := make([]coverage.Location, 0, len(h.chunk.statements))
	for _, st := range h.chunk.statements {
		if _, ok := seen[st.location]; ok {
			continue
		}
		seen[st.location] = struct{}{}
		locs = append(locs, st.location)
	}
	return locs
}

// Parse compiles src into a handle.
func (r *Runtime) Parse(ctx context.Context, src runtime.Source) (runtime.Handle, error) {
	if src.LanguageID != LanguageID && src.LanguageID != "" {
		return nil, fmt.Errorf("%w: %s", runtime.ErrUnsupportedLanguage, src.LanguageID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := compile(src)
	if err != nil {
		return nil, err
	}
	return &handle{chunk: c}, nil
}

func compile(src runtime.Source) (*chunk, error) {
	stmts, err := parse.Parse(strings.NewReader(src.Text), src.URI)
	if err != nil {
		return nil, parseError(src, err)
	}
	stmts, statements := instrument(src.URI, src.Text, stmts)
	proto, err := lua.Compile(stmts, src.URI)
	if err != nil {
		return nil, parseError(src, err)
	}
	return &chunk{
		source:     src,
		proto:      proto,
		statements: statements,
		index:      text.NewLineIndex(src.Text),
	}, nil
}

// parseError turns a parser message such as
// "file:///a.lua line:3(column:7) near 'end':   syntax error" into a
// ParseError anchored at the reported position.
func parseError(src runtime.Source, err error) *runtime.ParseError {
	msg := strings.TrimSpace(strings.TrimPrefix(err.Error(), src.URI))
	pe := &runtime.ParseError{Message: msg}

	index := text.NewLineIndex(src.Text)
	if m := parsePosition.FindStringSubmatch(msg); m != nil {
		line, _ := strconv.Atoi(m[1])
		col, _ := strconv.Atoi(m[2])
		pe.Location = lineLocation(src.URI, index, line-1, col-1)
	} else if strings.Contains(msg, "EOF") {
		end := index.PositionAt(index.Len())
		pe.Location = &coverage.Location{
			URI:         src.URI,
			StartLine:   end.Line,
			StartColumn: end.Character,
			EndLine:     end.Line,
			EndColumn:   end.Character,
		}
	}
	return pe
}

// lineLocation anchors a location from column to the end of line.
func lineLocation(uri string, index *text.LineIndex, line, column int) *coverage.Location {
	if line < 0 {
		line = 0
	}
	content := index.LineText(line)
	if column < 0 || column > len(content) {
		column = 0
	}
	return &coverage.Location{
		URI:         uri,
		StartLine:   line,
		StartColumn: column,
		EndLine:     line,
		EndColumn:   len(content),
	}
}

type binding struct {
	r      *Runtime
	filter func(string) bool
	fn     func(runtime.Event)
	once   sync.Once
}

func (b *binding) Dispose() {
	b.once.Do(func() {
		b.r.mu.Lock()
		delete(b.r.bindings, b)
		b.r.mu.Unlock()
	})
}

// Attach registers an execution observer.
func (r *Runtime) Attach(filter func(uri string) bool, fn func(runtime.Event)) runtime.Binding {
	b := &binding{r: r, filter: filter, fn: fn}
	r.mu.Lock()
	r.bindings[b] = struct{}{}
	r.mu.Unlock()
	return b
}

func (r *Runtime) dispatch(ev runtime.Event) {
	r.mu.Lock()
	targets := make([]*binding, 0, len(r.bindings))
	for b := range r.bindings {
		if b.filter == nil || b.filter(ev.Location.URI) {
			targets = append(targets, b)
		}
	}
	r.mu.Unlock()
	for _, b := range targets {
		b.fn(ev)
	}
}

// Execute runs h to completion.
func (r *Runtime) Execute(ctx context.Context, h runtime.Handle) error {
	hd, ok := h.(*handle)
	if !ok {
		return fmt.Errorf("foreign handle %T", h)
	}
	if !r.busy.CompareAndSwap(false, true) {
		return runtime.ErrBusy
	}
	defer r.busy.Store(false)

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	L.SetContext(ctx)

	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	x := &execution{
		r:      r,
		main:   hd.chunk.source.URI,
		chunks: map[string]*chunk{hd.chunk.source.URI: hd.chunk},
		loaded: make(map[string]lua.LValue),
	}
	L.SetGlobal(hitFunction, L.NewFunction(x.hit))
	L.SetGlobal("require", L.NewFunction(x.require))
	L.SetGlobal("print", L.NewFunction(x.print))
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)

	log.Debugf("executing %s", x.main)
	L.Push(L.NewFunctionFromProto(hd.chunk.proto))
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		return x.executionError(err)
	}
	return nil
}

// Close releases cached modules.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules = make(map[string]*chunk)
	r.bindings = make(map[*binding]struct{})
	return nil
}

// execution is the state of one Execute call.
type execution struct {
	r      *Runtime
	main   string
	chunks map[string]*chunk
	loaded map[string]lua.LValue
}

func (x *execution) hit(L *lua.LState) int {
	uri := L.CheckString(1)
	id := L.CheckInt(2)
	c, ok := x.chunks[uri]
	if !ok || id < 0 || id >= len(c.statements) {
		return 0
	}
	st := c.statements[id]
	x.r.dispatch(runtime.Event{Location: st.location, Node: st.kind})
	return 0
}

var builtinModules = map[string]bool{"string": true, "table": true, "math": true}

func (x *execution) require(L *lua.LState) int {
	name := L.CheckString(1)
	if v, ok := x.loaded[name]; ok {
		L.Push(v)
		return 1
	}
	if builtinModules[name] {
		L.Push(L.GetGlobal(name))
		return 1
	}

	c, err := x.module(name)
	if err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	x.chunks[c.source.URI] = c

	L.Push(L.NewFunctionFromProto(c.proto))
	L.Push(lua.LString(name))
	L.Call(1, 1)
	v := L.Get(-1)
	L.Pop(1)
	if v == lua.LNil {
		v = lua.LTrue
	}
	x.loaded[name] = v
	L.Push(v)
	return 1
}

// module returns the compiled chunk for name, reusing the cached one while
// the source text is unchanged.
func (x *execution) module(name string) (*chunk, error) {
	x.r.mu.Lock()
	loader := x.r.loader
	x.r.mu.Unlock()
	if loader == nil {
		return nil, fmt.Errorf("module '%s' not found", name)
	}
	src, ok := loader(name)
	if !ok {
		return nil, fmt.Errorf("module '%s' not found", name)
	}

	x.r.mu.Lock()
	cached, ok := x.r.modules[src.URI]
	x.r.mu.Unlock()
	if ok && cached.source.Text == src.Text {
		return cached, nil
	}

	c, err := compile(src)
	if err != nil {
		return nil, fmt.Errorf("error loading module '%s': %w", name, err)
	}
	x.r.mu.Lock()
	x.r.modules[src.URI] = c
	x.r.mu.Unlock()
	return c, nil
}

func (x *execution) print(L *lua.LState) int {
	top := L.GetTop()
	parts := make([]string, 0, top)
	for i := 1; i <= top; i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	line := strings.Join(parts, "\t")
	if x.r.output != nil {
		x.r.output(x.main, line)
	} else {
		log.Infof("%s: %s", x.main, line)
	}
	return 0
}

// executionError anchors a runtime error at the chunk and line named in
// its message, e.g. "file:///a.lua:4: attempt to call a nil value".
func (x *execution) executionError(err error) *runtime.ExecutionError {
	msg := err.Error()
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) && apiErr.Object != nil {
		msg = apiErr.Object.String()
	}
	ee := &runtime.ExecutionError{Message: msg, Cause: err}

	for uri, c := range x.chunks {
		rest, ok := strings.CutPrefix(msg, uri+":")
		if !ok {
			continue
		}
		lineText, tail, ok := strings.Cut(rest, ":")
		if !ok {
			continue
		}
		line, convErr := strconv.Atoi(lineText)
		if convErr != nil {
			continue
		}
		ee.Location = lineLocation(uri, c.index, line-1, 0)
		ee.Message = strings.TrimSpace(tail)
		break
	}
	return ee
}

var _ runtime.Runtime = (*Runtime)(nil)
