package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"coverls/internal/cache"
	"coverls/internal/coverage"
	"coverls/internal/document"
	"coverls/internal/runtime"
	"coverls/internal/scheduler"

	"github.com/google/uuid"
)

const (
	msgNotCovered = "Not covered"
	msgNoCoverage = "No coverage information available"
)

// RunCoverage executes the run script for uri and records which statements
// ran. The future resolves to false when the script failed to parse or
// raised an error; those failures are published as diagnostics.
func (e *Engine) RunCoverage(uri string) *scheduler.Future[bool] {
	if _, err := e.docs.Get(uri); err != nil {
		return scheduler.Resolved(false, err)
	}
	script := e.runScript(uri)
	return submit(e, uri, "coverage", func(ctx context.Context) (bool, error) {
		report, err := e.runCoverage(ctx, uri, script)
		if err != nil {
			return false, err
		}
		e.listener.RunFinished(report)
		return report.Success, nil
	})
}

func (e *Engine) runCoverage(ctx context.Context, target, script string) (Report, error) {
	report := Report{ID: uuid.NewString(), Script: script, Target: target}
	started := time.Now()

	s, err := e.docs.Get(script)
	if err != nil {
		return report, err
	}

	e.clearExecution(script)
	s.Tracker().ClearAll()
	s.SetCoverageDone(false)
	for _, other := range e.docs.Surrogates() {
		other.Tracker().Clear(script)
	}

	h, err := s.Reparse(ctx, e.rt)
	if err != nil {
		if errors.Is(err, document.ErrClosed) {
			return report, err
		}
		d := parseDiagnostic(script, err)
		e.setDiagnostics(d.URI, SourceParse, []Diagnostic{d})
		report.Error = d.Message
		return report, nil
	}
	e.setDiagnostics(script, SourceParse, nil)

	var mu sync.Mutex
	touched := map[string]*document.Surrogate{script: s}
	binding := e.rt.Attach(nil, func(ev runtime.Event) {
		t, ok := e.target(ev.Location.URI)
		if !ok {
			return
		}
		t.Tracker().Add(ev.Location, coverage.Data{Run: script, Node: ev.Node, Hits: 1})
		mu.Lock()
		touched[ev.Location.URI] = t
		mu.Unlock()
	})
	defer binding.Dispose()

	log.Infof("running %s for %s", script, target)
	if err := e.rt.Execute(ctx, h); err != nil {
		d := executionDiagnostic(target, err)
		e.mu.Lock()
		e.failed[script] = append(e.failed[script], d.URI)
		e.mu.Unlock()
		e.setDiagnostics(d.URI, SourceExecution, []Diagnostic{d})
		report.Error = d.Message
		log.Infof("run of %s failed after %s: %s", script, time.Since(started), d.Message)
		report.Documents = e.documentReports(ctx, touched)
		return report, nil
	}

	for _, t := range touched {
		t.SetCoverageDone(true)
	}
	if target != script {
		if t, err := e.docs.Get(target); err == nil {
			t.SetCoverageDone(true)
		}
	}
	report.Success = true
	report.Documents = e.documentReports(ctx, touched)

	run := &cache.Run{ID: report.ID, Script: script, Started: started}
	for uri, t := range touched {
		doc := cache.Document{URI: uri, Hash: cache.Hash(t.Text())}
		for loc, list := range t.Tracker().Snapshot() {
			for _, d := range list {
				if d.Run == script {
					doc.Regions = append(doc.Regions, cache.Region{Location: loc, Data: d})
				}
			}
		}
		run.Documents = append(run.Documents, doc)
	}
	if err := e.cache.SaveRun(run); err != nil {
		log.Warningf("coverage of %s not persisted: %v", script, err)
	}
	log.Infof("run of %s covered %d documents in %s", script, len(touched), time.Since(started))
	return report, nil
}

// clearExecution withdraws the execution errors left by the previous run
// of script, wherever they were anchored.
func (e *Engine) clearExecution(script string) {
	e.mu.Lock()
	uris := e.failed[script]
	delete(e.failed, script)
	e.mu.Unlock()
	for _, uri := range append(uris, script) {
		e.setDiagnostics(uri, SourceExecution, nil)
	}
}

// documentReports reparses every touched document to count its statements.
func (e *Engine) documentReports(ctx context.Context, touched map[string]*document.Surrogate) []DocumentReport {
	reports := make([]DocumentReport, 0, len(touched))
	for uri, s := range touched {
		r := DocumentReport{URI: uri}
		if h, err := s.Reparse(ctx, e.rt); err == nil {
			lines := make(map[int]struct{})
			for _, loc := range h.Statements() {
				r.Statements++
				if s.Tracker().Covered(loc) {
					r.Covered++
				} else {
					lines[loc.StartLine+1] = struct{}{}
				}
			}
			for l := range lines {
				r.Uncovered = append(r.Uncovered, l)
			}
			sort.Ints(r.Uncovered)
			if r.Statements > 0 {
				r.Percent = float64(r.Covered) * 100 / float64(r.Statements)
			}
		}
		reports = append(reports, r)
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].URI < reports[j].URI })
	return reports
}

// Report queues a summary of the coverage currently recorded for the run
// script of uri.
func (e *Engine) Report(uri string) *scheduler.Future[Report] {
	if _, err := e.docs.Get(uri); err != nil {
		return scheduler.Resolved(Report{}, err)
	}
	script := e.runScript(uri)
	return submit(e, uri, "report", func(ctx context.Context) (Report, error) {
		report := Report{Script: script, Target: uri}
		touched := make(map[string]*document.Surrogate)
		for _, s := range e.docs.Surrogates() {
			for _, run := range s.Tracker().Runs() {
				if run == script {
					touched[s.URI()] = s
					break
				}
			}
		}
		if s, err := e.docs.Get(uri); err == nil {
			touched[uri] = s
			report.Success = s.CoverageDone()
		}
		report.Documents = e.documentReports(ctx, touched)
		return report, nil
	})
}

// ShowCoverage queues a report of the statements of uri that did not run.
// The diagnostics are published and returned.
func (e *Engine) ShowCoverage(uri string) *scheduler.Future[[]Diagnostic] {
	s, err := e.docs.Get(uri)
	if err != nil {
		return scheduler.Resolved[[]Diagnostic](nil, err)
	}
	return submit(e, uri, "show coverage", func(ctx context.Context) ([]Diagnostic, error) {
		diags, err := e.uncovered(ctx, s)
		if err != nil {
			return nil, err
		}
		e.setDiagnostics(uri, SourceCoverage, diags)
		return diags, nil
	})
}

func (e *Engine) uncovered(ctx context.Context, s *document.Surrogate) ([]Diagnostic, error) {
	noCoverage := []Diagnostic{{
		URI:      s.URI(),
		Severity: SeverityError,
		Message:  msgNoCoverage,
		Source:   SourceCoverage,
	}}

	h, err := s.Reparse(ctx, e.rt)
	if err != nil {
		if errors.Is(err, document.ErrClosed) {
			return nil, err
		}
		return noCoverage, nil
	}
	if s.State() != document.Parsed || (!s.CoverageDone() && s.Tracker().Len() == 0) {
		return noCoverage, nil
	}

	var diags []Diagnostic
	seen := make(map[coverage.Location]struct{})
	for _, loc := range h.Statements() {
		if _, ok := seen[loc]; ok || s.Tracker().Covered(loc) {
			continue
		}
		seen[loc] = struct{}{}
		diags = append(diags, Diagnostic{
			URI:      s.URI(),
			Range:    loc.Range(),
			Severity: SeverityWarning,
			Message:  msgNotCovered,
			Source:   SourceCoverage,
		})
	}
	return diags, nil
}

// ClearCoverage drops recorded coverage. ScopeRun removes what the run
// script of uri recorded in every document, ScopeDocument everything
// recorded in uri, ScopeAll everything.
func (e *Engine) ClearCoverage(uri string, scope Scope) error {
	switch scope {
	case ScopeRun:
		if _, err := e.docs.Get(uri); err != nil {
			return err
		}
		script := e.runScript(uri)
		for _, s := range e.docs.Surrogates() {
			s.Tracker().Clear(script)
			if s.Tracker().Len() == 0 {
				s.SetCoverageDone(false)
			}
		}
		if err := e.cache.Forget(script); err != nil {
			log.Warningf("cannot forget runs of %s: %v", script, err)
		}
	case ScopeDocument:
		s, err := e.docs.Get(uri)
		if err != nil {
			return err
		}
		s.Tracker().ClearAll()
		s.SetCoverageDone(false)
		if err := e.cache.ForgetDocument(uri); err != nil {
			log.Warningf("cannot forget coverage of %s: %v", uri, err)
		}
	case ScopeAll:
		for _, s := range e.docs.Surrogates() {
			s.Tracker().ClearAll()
			s.SetCoverageDone(false)
		}
		if err := e.cache.Clear(); err != nil {
			log.Warningf("cannot clear coverage database: %v", err)
		}
	default:
		return errors.New("unknown coverage scope " + scope.String())
	}

	for _, s := range e.docs.Surrogates() {
		e.setDiagnostics(s.URI(), SourceCoverage, nil)
	}
	e.listener.CoverageCleared(uri, scope)
	return nil
}
