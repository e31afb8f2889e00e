package engine_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"coverls/internal/cache"
	"coverls/internal/coverage"
	"coverls/internal/engine"
	"coverls/internal/manager"
	"coverls/internal/resolver"
	"coverls/internal/runtime"
	luart "coverls/internal/runtime/lua"
	"coverls/internal/runtime/runtimetest"
	"coverls/internal/scheduler"
	"coverls/internal/text"
)

type publisher struct {
	mu    sync.Mutex
	diags map[string][]engine.Diagnostic
}

func (p *publisher) Publish(uri string, diags []engine.Diagnostic) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.diags == nil {
		p.diags = make(map[string][]engine.Diagnostic)
	}
	p.diags[uri] = diags
}

func (p *publisher) get(uri string) []engine.Diagnostic {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.diags[uri]
}

type listener struct {
	mu      sync.Mutex
	reports []engine.Report
	cleared []engine.Scope
}

func (l *listener) RunFinished(r engine.Report) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reports = append(l.reports, r)
}

func (l *listener) CoverageCleared(_ string, s engine.Scope) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleared = append(l.cleared, s)
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func loc(uri string, line int) coverage.Location {
	return coverage.Location{URI: uri, StartLine: line, EndLine: line, EndColumn: 3}
}

// statements makes the mock runtime report one statement per line.
func statements(ctx context.Context, src runtime.Source) (runtime.Handle, error) {
	if strings.Contains(src.Text, "syntax error") {
		return nil, &runtime.ParseError{
			Location: &coverage.Location{URI: src.URI, StartLine: 1, EndLine: 1, EndColumn: 12},
			Message:  "unexpected symbol",
		}
	}
	h := &runtimetest.Handle{Src: src}
	for i := range strings.Split(strings.TrimSuffix(src.Text, "\n"), "\n") {
		h.Stmts = append(h.Stmts, loc(src.URI, i))
	}
	return h, nil
}

type fixture struct {
	rt  *runtimetest.MockRuntime
	pub *publisher
	lis *listener
	eng *engine.Engine
}

func newFixture(t *testing.T, c cache.Cache) *fixture {
	t.Helper()
	f := &fixture{rt: runtimetest.New(), pub: &publisher{}, lis: &listener{}}
	f.rt.ParseFunc = statements
	f.eng = engine.New(engine.Options{
		Runtime:   f.rt,
		Publisher: f.pub,
		Listener:  f.lis,
		Cache:     c,
		Resolver:  resolver.New("/work", []string{"{name}_test.lua", "test_{name}.lua"}),
		Encoding:  text.UTF16,
	})
	t.Cleanup(func() { f.eng.Stop() })
	return f
}

func (f *fixture) open(t *testing.T, uri, content string) {
	t.Helper()
	if err := f.eng.OpenDocument(uri, "lua", content); err != nil {
		t.Fatalf("OpenDocument(%s): %v", uri, err)
	}
}

const (
	srcURI  = "file:///work/stack.lua"
	testURI = "file:///work/stack_test.lua"
)

func TestDocumentLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	f.open(t, srcURI, "a()\nb()\n")

	if err := f.eng.OpenDocument(srcURI, "lua", ""); !errors.Is(err, manager.ErrAlreadyOpen) {
		t.Errorf("expected ErrAlreadyOpen, got %v", err)
	}
	r := text.Range{Start: text.Position{Line: 2, Character: 0}, End: text.Position{Line: 2, Character: 0}}
	if err := f.eng.ChangeDocument(srcURI, []text.Edit{{Range: &r, NewText: "c()\n"}}); err != nil {
		t.Fatalf("ChangeDocument: %v", err)
	}
	s, _ := f.eng.Documents().Get(srcURI)
	if s.Text() != "a()\nb()\nc()\n" {
		t.Errorf("text is %q", s.Text())
	}

	bad := text.Range{Start: text.Position{Line: 9, Character: 1}, End: text.Position{Line: 9, Character: 1}}
	if err := f.eng.ChangeDocument(srcURI, []text.Edit{{Range: &bad, NewText: "x"}}); !errors.Is(err, text.ErrContractViolation) {
		t.Errorf("expected contract violation, got %v", err)
	}

	if err := f.eng.CloseDocument(srcURI); err != nil {
		t.Fatal(err)
	}
	if err := f.eng.ChangeDocument(srcURI, nil); !errors.Is(err, manager.ErrNotOpen) {
		t.Errorf("expected ErrNotOpen, got %v", err)
	}
	if _, err := f.eng.RequestAnalysis(srcURI, text.Position{}, engine.KindHover).Wait(waitCtx(t)); !errors.Is(err, manager.ErrNotOpen) {
		t.Errorf("expected ErrNotOpen from analysis, got %v", err)
	}
}

func TestRunAndShowCoverage(t *testing.T) {
	f := newFixture(t, nil)
	f.rt.ExecuteFunc = func(_ context.Context, h runtime.Handle, emit func(runtime.Event)) error {
		emit(runtime.Event{Location: loc(h.URI(), 0), Node: "call"})
		emit(runtime.Event{Location: loc(h.URI(), 0), Node: "call"})
		emit(runtime.Event{Location: loc(h.URI(), 2), Node: "call"})
		return nil
	}
	f.open(t, srcURI, "a()\nb()\nc()\n")

	t.Run("nothing to show before a run", func(t *testing.T) {
		diags, err := f.eng.ShowCoverage(srcURI).Wait(waitCtx(t))
		if err != nil {
			t.Fatal(err)
		}
		if len(diags) != 1 || diags[0].Severity != engine.SeverityError || diags[0].Message != "No coverage information available" {
			t.Fatalf("got %+v", diags)
		}
		if diags[0].Range != (text.Range{}) {
			t.Errorf("expected the document start, got %s", diags[0].Range)
		}
	})

	ok, err := f.eng.RunCoverage(srcURI).Wait(waitCtx(t))
	if err != nil || !ok {
		t.Fatalf("RunCoverage = %v, %v", ok, err)
	}
	if f.rt.Bindings() != 0 {
		t.Errorf("observer not disposed after the run")
	}

	s, _ := f.eng.Documents().Get(srcURI)
	if got := s.Tracker().Get(loc(srcURI, 0)); len(got) != 1 || got[0].Hits != 2 || got[0].Run != srcURI {
		t.Errorf("line 0 recorded as %+v", got)
	}

	diags, err := f.eng.ShowCoverage(srcURI).Wait(waitCtx(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(diags) != 1 || diags[0].Message != "Not covered" || diags[0].Range.Start.Line != 1 || diags[0].Severity != engine.SeverityWarning {
		t.Errorf("got %+v", diags)
	}
	if published := f.pub.get(srcURI); len(published) != 1 {
		t.Errorf("published %+v", published)
	}

	if len(f.lis.reports) != 1 {
		t.Fatalf("expected one run report, got %d", len(f.lis.reports))
	}
	rep := f.lis.reports[0]
	if !rep.Success || len(rep.Documents) != 1 || rep.Documents[0].Covered != 2 || rep.Documents[0].Statements != 3 {
		t.Errorf("report %+v", rep)
	}
	if len(rep.Documents[0].Uncovered) != 1 || rep.Documents[0].Uncovered[0] != 2 {
		t.Errorf("uncovered lines %v", rep.Documents[0].Uncovered)
	}
}

func TestRunUsesTestScript(t *testing.T) {
	f := newFixture(t, nil)
	f.rt.ExecuteFunc = func(_ context.Context, h runtime.Handle, emit func(runtime.Event)) error {
		emit(runtime.Event{Location: loc(srcURI, 1)})
		emit(runtime.Event{Location: loc(h.URI(), 0)})
		return nil
	}
	f.open(t, srcURI, "a()\nb()\n")
	f.open(t, testURI, "require('stack')\n")

	if ok, err := f.eng.RunCoverage(srcURI).Wait(waitCtx(t)); err != nil || !ok {
		t.Fatalf("RunCoverage = %v, %v", ok, err)
	}
	if got := f.rt.Executed(); len(got) != 1 || got[0] != testURI {
		t.Errorf("executed %v, want the test script", got)
	}

	src, _ := f.eng.Documents().Get(srcURI)
	if d := src.Tracker().Get(loc(srcURI, 1)); len(d) != 1 || d[0].Run != testURI {
		t.Errorf("coverage of the module should belong to the test run, got %+v", d)
	}
	if !src.CoverageDone() {
		t.Errorf("target should be marked as covered")
	}

	// A second run replaces rather than accumulates.
	if _, err := f.eng.RunCoverage(srcURI).Wait(waitCtx(t)); err != nil {
		t.Fatal(err)
	}
	if d := src.Tracker().Get(loc(srcURI, 1)); len(d) != 1 || d[0].Hits != 1 {
		t.Errorf("rerun should clear previous hits, got %+v", d)
	}

	t.Run("clear run scope", func(t *testing.T) {
		if err := f.eng.ClearCoverage(srcURI, engine.ScopeRun); err != nil {
			t.Fatal(err)
		}
		if src.Tracker().Len() != 0 {
			t.Errorf("run coverage should be gone")
		}
		test, _ := f.eng.Documents().Get(testURI)
		if test.Tracker().Len() != 0 {
			t.Errorf("test script coverage should be gone")
		}
	})
}

func TestRunFailures(t *testing.T) {
	t.Run("parse error", func(t *testing.T) {
		f := newFixture(t, nil)
		f.open(t, srcURI, "a()\nsyntax error\n")

		ok, err := f.eng.RunCoverage(srcURI).Wait(waitCtx(t))
		if err != nil || ok {
			t.Fatalf("RunCoverage = %v, %v", ok, err)
		}
		diags := f.pub.get(srcURI)
		if len(diags) != 1 || diags[0].Source != engine.SourceParse || diags[0].Range.Start.Line != 1 {
			t.Errorf("published %+v", diags)
		}
		if len(f.rt.Executed()) != 0 {
			t.Errorf("unparsable script was executed")
		}
	})

	t.Run("execution error", func(t *testing.T) {
		f := newFixture(t, nil)
		f.rt.ExecuteFunc = func(_ context.Context, h runtime.Handle, emit func(runtime.Event)) error {
			emit(runtime.Event{Location: loc(h.URI(), 0)})
			l := loc(h.URI(), 1)
			return &runtime.ExecutionError{Location: &l, Message: "attempt to call a nil value"}
		}
		f.open(t, srcURI, "a()\nb()\n")

		ok, err := f.eng.RunCoverage(srcURI).Wait(waitCtx(t))
		if err != nil || ok {
			t.Fatalf("RunCoverage = %v, %v", ok, err)
		}
		diags := f.pub.get(srcURI)
		if len(diags) != 1 || diags[0].Message != "attempt to call a nil value" || diags[0].Range.Start.Line != 1 {
			t.Errorf("published %+v", diags)
		}
		s, _ := f.eng.Documents().Get(srcURI)
		if !s.Tracker().Covered(loc(srcURI, 0)) {
			t.Errorf("partial coverage should be kept")
		}

		// The lane survives the failure.
		f.rt.ExecuteFunc = nil
		if ok, err := f.eng.RunCoverage(srcURI).Wait(waitCtx(t)); err != nil || !ok {
			t.Errorf("second run = %v, %v", ok, err)
		}
		if diags := f.pub.get(srcURI); len(diags) != 0 {
			t.Errorf("successful run should clear the error, got %+v", diags)
		}
	})

	t.Run("error without location", func(t *testing.T) {
		f := newFixture(t, nil)
		f.rt.ExecuteFunc = func(context.Context, runtime.Handle, func(runtime.Event)) error {
			return &runtime.ExecutionError{Message: "boom"}
		}
		f.open(t, srcURI, "a()\nb()\n")
		f.open(t, testURI, "require('stack')\n")

		ok, err := f.eng.RunCoverage(srcURI).Wait(waitCtx(t))
		if err != nil || ok {
			t.Fatalf("RunCoverage = %v, %v", ok, err)
		}
		diags := f.pub.get(srcURI)
		if len(diags) != 1 || diags[0].Message != "boom" || diags[0].Source != engine.SourceExecution {
			t.Errorf("requested document got %+v", diags)
		}
		if diags := f.pub.get(testURI); len(diags) != 0 {
			t.Errorf("test script got %+v", diags)
		}
	})

	t.Run("error in module cleared by next run", func(t *testing.T) {
		f := newFixture(t, nil)
		f.rt.ExecuteFunc = func(context.Context, runtime.Handle, func(runtime.Event)) error {
			l := loc(srcURI, 1)
			return &runtime.ExecutionError{Location: &l, Message: "boom"}
		}
		f.open(t, srcURI, "a()\nb()\n")
		f.open(t, testURI, "require('stack')\n")

		if ok, err := f.eng.RunCoverage(srcURI).Wait(waitCtx(t)); err != nil || ok {
			t.Fatalf("RunCoverage = %v, %v", ok, err)
		}
		if diags := f.pub.get(srcURI); len(diags) != 1 || diags[0].Range.Start.Line != 1 {
			t.Fatalf("module got %+v", diags)
		}

		f.rt.ExecuteFunc = nil
		if ok, err := f.eng.RunCoverage(srcURI).Wait(waitCtx(t)); err != nil || !ok {
			t.Fatalf("second run = %v, %v", ok, err)
		}
		if diags := f.pub.get(srcURI); len(diags) != 0 {
			t.Errorf("stale error left on the module: %+v", diags)
		}
		if diags := f.pub.get(testURI); len(diags) != 0 {
			t.Errorf("test script got %+v", diags)
		}
	})
}

func TestCloseCancelsQueuedWork(t *testing.T) {
	f := newFixture(t, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	f.rt.ExecuteFunc = func(context.Context, runtime.Handle, func(runtime.Event)) error {
		close(started)
		<-release
		return nil
	}
	f.open(t, srcURI, "a()\n")
	f.open(t, testURI, "b()\n")

	run := f.eng.RunCoverage(testURI)
	<-started

	queued := f.eng.RequestAnalysis(srcURI, text.Position{}, engine.KindCoverage)
	if n := f.eng.Pending(srcURI); n != 1 {
		t.Errorf("expected one pending task, got %d", n)
	}
	if err := f.eng.CloseDocument(srcURI); err != nil {
		t.Fatal(err)
	}
	close(release)

	if _, err := queued.Wait(waitCtx(t)); !errors.Is(err, scheduler.ErrCancelled) {
		t.Errorf("expected ErrCancelled, got %v", err)
	}
	if ok, err := run.Wait(waitCtx(t)); err != nil || !ok {
		t.Errorf("running task should complete, got %v, %v", ok, err)
	}
}

func TestClearScopes(t *testing.T) {
	f := newFixture(t, nil)
	f.open(t, srcURI, "a()\n")
	f.open(t, testURI, "b()\n")

	s, _ := f.eng.Documents().Get(srcURI)
	other, _ := f.eng.Documents().Get(testURI)
	s.Tracker().Add(loc(srcURI, 0), coverage.Data{Run: srcURI})
	other.Tracker().Add(loc(testURI, 0), coverage.Data{Run: testURI})

	if err := f.eng.ClearCoverage(srcURI, engine.ScopeDocument); err != nil {
		t.Fatal(err)
	}
	if s.Tracker().Len() != 0 || other.Tracker().Len() != 1 {
		t.Errorf("document scope cleared the wrong documents")
	}
	if err := f.eng.ClearCoverage(srcURI, engine.ScopeAll); err != nil {
		t.Fatal(err)
	}
	if other.Tracker().Len() != 0 {
		t.Errorf("all scope left coverage behind")
	}
	if err := f.eng.ClearCoverage("file:///work/none.lua", engine.ScopeDocument); !errors.Is(err, manager.ErrNotOpen) {
		t.Errorf("expected ErrNotOpen, got %v", err)
	}
	if len(f.lis.cleared) != 2 {
		t.Errorf("listener saw %v", f.lis.cleared)
	}
}

func TestCoverageFollowsEdits(t *testing.T) {
	f := newFixture(t, nil)
	f.rt.ExecuteFunc = func(_ context.Context, h runtime.Handle, emit func(runtime.Event)) error {
		emit(runtime.Event{Location: loc(h.URI(), 1)})
		return nil
	}
	f.open(t, srcURI, "a()\nb()\n")
	if _, err := f.eng.RunCoverage(srcURI).Wait(waitCtx(t)); err != nil {
		t.Fatal(err)
	}

	r := text.Range{}
	if err := f.eng.ChangeDocument(srcURI, []text.Edit{{Range: &r, NewText: "-- header\n"}}); err != nil {
		t.Fatal(err)
	}
	res, err := f.eng.RequestAnalysis(srcURI, text.Position{}, engine.KindCoverage).Wait(waitCtx(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Regions) != 1 || res.Regions[0].Location.StartLine != 2 {
		t.Errorf("expected the covered statement on line 2, got %+v", res.Regions)
	}
}

func TestProbe(t *testing.T) {
	f := newFixture(t, nil)
	f.open(t, srcURI, "a()\n")
	r := text.Range{Start: text.Position{Line: 1}, End: text.Position{Line: 1}}
	if err := f.eng.ChangeDocument(srcURI, []text.Edit{{Range: &r, NewText: "syntax error"}}); err != nil {
		t.Fatal(err)
	}

	res, err := f.eng.RequestAnalysis(srcURI, text.Position{Line: 1}, engine.KindProbe).Wait(waitCtx(t))
	if err != nil {
		t.Fatal(err)
	}
	if res.Probe == nil || res.Probe.Text != "a()\n" || res.Probe.Removed != "syntax error" || !res.Probe.Parses {
		t.Errorf("probe %+v", res.Probe)
	}

	diag, err := f.eng.RequestAnalysis(srcURI, text.Position{}, engine.KindDiagnostics).Wait(waitCtx(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(diag.Diagnostics) != 1 {
		t.Errorf("current text should not parse, got %+v", diag.Diagnostics)
	}
}

func TestCoverageRestoredFromCache(t *testing.T) {
	store, err := cache.OpenSQLite(filepath.Join(t.TempDir(), "coverage.db"))
	if err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, store)
	f.rt.ExecuteFunc = func(_ context.Context, h runtime.Handle, emit func(runtime.Event)) error {
		emit(runtime.Event{Location: loc(h.URI(), 0), Node: "call"})
		return nil
	}
	f.open(t, srcURI, "a()\nb()\n")
	if ok, err := f.eng.RunCoverage(srcURI).Wait(waitCtx(t)); err != nil || !ok {
		t.Fatalf("RunCoverage = %v, %v", ok, err)
	}
	if err := f.eng.CloseDocument(srcURI); err != nil {
		t.Fatal(err)
	}

	f.open(t, srcURI, "a()\nb()\n")
	s, _ := f.eng.Documents().Get(srcURI)
	if !s.Tracker().Covered(loc(srcURI, 0)) || !s.CoverageDone() {
		t.Errorf("coverage not restored: %v", s.Tracker().Locations())
	}
	if err := f.eng.CloseDocument(srcURI); err != nil {
		t.Fatal(err)
	}

	f.open(t, srcURI, "a()\nb()\nc()\n")
	s, _ = f.eng.Documents().Get(srcURI)
	if s.Tracker().Len() != 0 {
		t.Errorf("coverage restored onto different text")
	}
}

func TestLuaModulesFromWorkspace(t *testing.T) {
	root := t.TempDir()
	lib := "local M = {}\nfunction M.add(a, b)\n  return a + b\nend\nfunction M.sub(a, b)\n  return a - b\nend\nreturn M\n"
	if err := os.WriteFile(filepath.Join(root, "lib.lua"), []byte(lib), 0o644); err != nil {
		t.Fatal(err)
	}

	res := resolver.New(root, []string{"{name}_test.lua"})
	rt := luart.New()
	pub := &publisher{}
	eng := engine.New(engine.Options{Runtime: rt, Publisher: pub, Resolver: res, Encoding: text.UTF16})
	defer eng.Stop()
	rt.SetLoader(eng.LoadModule)

	mainURI := res.PathToURI(filepath.Join(root, "main.lua"))
	libURI := res.PathToURI(filepath.Join(root, "lib.lua"))
	if err := eng.OpenDocument(mainURI, "lua", "local lib = require('lib')\nlocal x = lib.add(1, 2)\n"); err != nil {
		t.Fatal(err)
	}

	ok, err := eng.RunCoverage(mainURI).Wait(waitCtx(t))
	if err != nil || !ok {
		t.Fatalf("RunCoverage = %v, %v (diagnostics %+v)", ok, err, pub.get(mainURI))
	}

	report, err := eng.Report(mainURI).Wait(waitCtx(t))
	if err != nil {
		t.Fatal(err)
	}
	var libReport *engine.DocumentReport
	for i := range report.Documents {
		if report.Documents[i].URI == libURI {
			libReport = &report.Documents[i]
		}
	}
	if libReport == nil {
		t.Fatalf("module missing from report: %+v", report)
	}
	if libReport.Covered == 0 || libReport.Covered >= libReport.Statements {
		t.Errorf("expected partial module coverage, got %+v", libReport)
	}
	if eng.Documents().IsOpen(libURI) {
		t.Errorf("module should be tracked detached")
	}

	// Opening the module with the same text keeps the recorded coverage.
	if err := eng.OpenDocument(libURI, "lua", lib); err != nil {
		t.Fatal(err)
	}
	diags, err := eng.ShowCoverage(libURI).Wait(waitCtx(t))
	if err != nil {
		t.Fatal(err)
	}
	var subUncovered bool
	for _, d := range diags {
		if d.Severity != engine.SeverityWarning {
			t.Errorf("unexpected diagnostic %+v", d)
		}
		if d.Range.Start.Line == 5 {
			subUncovered = true
		}
	}
	if !subUncovered {
		t.Errorf("body of M.sub should be reported, got %+v", diags)
	}
}

func TestHover(t *testing.T) {
	f := newFixture(t, nil)
	f.rt.ExecuteFunc = func(_ context.Context, h runtime.Handle, emit func(runtime.Event)) error {
		emit(runtime.Event{Location: loc(h.URI(), 0), Node: "call"})
		return nil
	}
	f.open(t, srcURI, "foo()\nbar()\n")

	res, err := f.eng.RequestAnalysis(srcURI, text.Position{Line: 0, Character: 1}, engine.KindHover).Wait(waitCtx(t))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Hover, "No coverage information available") {
		t.Errorf("hover before run: %q", res.Hover)
	}

	if _, err := f.eng.RunCoverage(srcURI).Wait(waitCtx(t)); err != nil {
		t.Fatal(err)
	}
	res, err = f.eng.RequestAnalysis(srcURI, text.Position{Line: 0, Character: 1}, engine.KindHover).Wait(waitCtx(t))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Hover, "executed 1×") || res.Range == nil {
		t.Errorf("hover after run: %q", res.Hover)
	}

	res, err = f.eng.RequestAnalysis(srcURI, text.Position{Line: 1, Character: 1}, engine.KindHover).Wait(waitCtx(t))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Hover, "Not covered") {
		t.Errorf("hover on uncovered line: %q", res.Hover)
	}
}

func TestStop(t *testing.T) {
	f := newFixture(t, nil)
	f.open(t, srcURI, "a()\n")
	if err := f.eng.Stop(); err != nil {
		t.Fatal(err)
	}
	if !f.rt.Closed() {
		t.Errorf("runtime should be closed")
	}
	if err := f.eng.OpenDocument(testURI, "lua", ""); !errors.Is(err, engine.ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}
