package lua_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"coverls/internal/runtime"
	luart "coverls/internal/runtime/lua"
)

const mainURI = "file:///work/main.lua"

type recorder struct {
	mu     sync.Mutex
	events []runtime.Event
}

func (r *recorder) record(ev runtime.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) lines(uri string) map[int]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[int]int{}
	for _, ev := range r.events {
		if ev.Location.URI == uri {
			out[ev.Location.StartLine]++
		}
	}
	return out
}

func parse(t *testing.T, rt *luart.Runtime, uri, src string) runtime.Handle {
	t.Helper()
	h, err := rt.Parse(context.Background(), runtime.Source{URI: uri, LanguageID: "lua", Text: src})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return h
}

func TestExecuteReportsStatements(t *testing.T) {
	rt := luart.New()
	src := "local x = 1\nif x > 0 then\n  x = 2\nelse\n  x = 3\nend\n"
	h := parse(t, rt, mainURI, src)

	starts := map[int]bool{}
	for _, loc := range h.Statements() {
		starts[loc.StartLine] = true
	}
	for _, line := range []int{0, 1, 2, 4} {
		if !starts[line] {
			t.Errorf("missing statement on line %d: %v", line, h.Statements())
		}
	}

	rec := &recorder{}
	b := rt.Attach(func(string) bool { return true }, rec.record)
	defer b.Dispose()

	if err := rt.Execute(context.Background(), h); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	hits := rec.lines(mainURI)
	for _, line := range []int{0, 1, 2} {
		if hits[line] == 0 {
			t.Errorf("line %d not reported, got %v", line, hits)
		}
	}
	if hits[4] != 0 {
		t.Errorf("else branch reported as executed")
	}
}

func TestStatementColumns(t *testing.T) {
	rt := luart.New()
	h := parse(t, rt, mainURI, "do\n    local y = 2  \nend\n")
	for _, loc := range h.Statements() {
		if loc.StartLine == 1 {
			if loc.StartColumn != 4 || loc.EndColumn != 15 {
				t.Errorf("unexpected columns %s", loc)
			}
			return
		}
	}
	t.Fatalf("no statement on line 1")
}

func TestLoopsCountEveryIteration(t *testing.T) {
	rt := luart.New()
	h := parse(t, rt, mainURI, "local n = 0\nfor i = 1, 3 do\n  n = n + i\nend\n")

	rec := &recorder{}
	b := rt.Attach(nil, rec.record)
	defer b.Dispose()
	if err := rt.Execute(context.Background(), h); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := rec.lines(mainURI)[2]; got != 3 {
		t.Errorf("loop body reported %d times, want 3", got)
	}
}

func TestParseError(t *testing.T) {
	rt := luart.New()
	_, err := rt.Parse(context.Background(), runtime.Source{URI: mainURI, LanguageID: "lua", Text: "local x = 1\nlocal = 2\n"})
	var pe *runtime.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if pe.Location == nil || pe.Location.StartLine != 1 || pe.Location.URI != mainURI {
		t.Errorf("unexpected location %+v", pe.Location)
	}
}

func TestExecutionError(t *testing.T) {
	rt := luart.New()
	h := parse(t, rt, mainURI, "local x = 1\nerror(\"boom\")\n")

	err := rt.Execute(context.Background(), h)
	var ee *runtime.ExecutionError
	if !errors.As(err, &ee) {
		t.Fatalf("expected ExecutionError, got %v", err)
	}
	if ee.Location == nil || ee.Location.StartLine != 1 || ee.Location.URI != mainURI {
		t.Errorf("unexpected location %+v (%s)", ee.Location, ee.Message)
	}
}

func TestRequireReportsModuleCoverage(t *testing.T) {
	const modURI = "file:///work/mod.lua"
	loader := func(name string) (runtime.Source, bool) {
		if name != "mod" {
			return runtime.Source{}, false
		}
		return runtime.Source{
			URI:        modURI,
			LanguageID: "lua",
			Text:       "local M = {}\nfunction M.f()\n  return 1\nend\nfunction M.g()\n  return 2\nend\nreturn M\n",
		}, true
	}
	rt := luart.New(luart.WithLoader(loader))
	h := parse(t, rt, mainURI, "local m = require(\"mod\")\nlocal again = require(\"mod\")\nassert(m == again)\nreturn m.f()\n")

	rec := &recorder{}
	b := rt.Attach(func(uri string) bool { return uri == modURI }, rec.record)
	defer b.Dispose()
	if err := rt.Execute(context.Background(), h); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	hits := rec.lines(modURI)
	if hits[2] != 1 {
		t.Errorf("M.f body should run once, got %v", hits)
	}
	if hits[5] != 0 {
		t.Errorf("M.g body should not run, got %v", hits)
	}
	if len(rec.lines(mainURI)) != 0 {
		t.Errorf("filter let main events through")
	}
}

func TestRequireUnknownModule(t *testing.T) {
	rt := luart.New()
	h := parse(t, rt, mainURI, "require(\"missing\")\n")
	var ee *runtime.ExecutionError
	if err := rt.Execute(context.Background(), h); !errors.As(err, &ee) {
		t.Fatalf("expected ExecutionError, got %v", err)
	}
}

func TestDisposeStopsEvents(t *testing.T) {
	rt := luart.New()
	h := parse(t, rt, mainURI, "local a = 1\n")

	rec := &recorder{}
	b := rt.Attach(nil, rec.record)
	b.Dispose()
	b.Dispose()

	if err := rt.Execute(context.Background(), h); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(rec.events) != 0 {
		t.Errorf("disposed binding received %d events", len(rec.events))
	}
}

func TestPrintIsCaptured(t *testing.T) {
	var got []string
	rt := luart.New(luart.WithOutput(func(uri, line string) {
		got = append(got, line)
	}))
	h := parse(t, rt, mainURI, "print(\"hello\", 42)\n")
	if err := rt.Execute(context.Background(), h); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(got) != 1 || got[0] != "hello\t42" {
		t.Errorf("unexpected output %q", got)
	}
}

func TestUnsupportedLanguage(t *testing.T) {
	rt := luart.New()
	_, err := rt.Parse(context.Background(), runtime.Source{URI: "file:///x.py", LanguageID: "python", Text: "pass"})
	if !errors.Is(err, runtime.ErrUnsupportedLanguage) {
		t.Errorf("expected ErrUnsupportedLanguage, got %v", err)
	}
}
