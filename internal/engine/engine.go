// Package engine ties the document model to the language runtime. Text
// changes are applied synchronously; everything that touches the runtime
// is serialized on a single execution lane.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"coverls/internal/cache"
	"coverls/internal/coverage"
	"coverls/internal/document"
	"coverls/internal/manager"
	"coverls/internal/resolver"
	"coverls/internal/runtime"
	"coverls/internal/scheduler"
	"coverls/internal/text"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("coverls.engine")

// ErrStopped is returned by operations on a stopped engine.
var ErrStopped = errors.New("engine is stopped")

// Options configures an Engine. Runtime is required.
type Options struct {
	Runtime   runtime.Runtime
	Publisher Publisher
	Listener  Listener
	Cache     cache.Cache
	Resolver  *resolver.Resolver
	Encoding  text.Encoding
	// LanguageID is used for modules that are not open in the editor.
	LanguageID    string
	QueueSize     int
	KeepRuns      int
	PruneInterval time.Duration
}

// Engine is the inbound interface of the server.
type Engine struct {
	rt        runtime.Runtime
	publisher Publisher
	listener  Listener
	cache     cache.Cache
	resolver  *resolver.Resolver
	language  string
	docs      *manager.DocumentManager
	lane      *scheduler.Scheduler
	stopped   atomic.Bool

	mu      sync.Mutex
	pending map[string]map[uint64]canceller
	nextID  uint64
	modules map[string]runtime.Source // uri -> source of modules loaded from disk
	diags   map[string]map[string][]Diagnostic
	failed  map[string][]string // run script -> uris holding its execution errors
}

type canceller interface {
	Cancel() bool
}

// New creates an Engine and starts its execution lane.
func New(opts Options) *Engine {
	e := &Engine{
		rt:        opts.Runtime,
		publisher: opts.Publisher,
		listener:  opts.Listener,
		cache:     opts.Cache,
		resolver:  opts.Resolver,
		language:  opts.LanguageID,
		docs:      manager.NewDocumentManager(opts.Encoding),
		lane:      scheduler.NewScheduler(opts.QueueSize),
		pending:   make(map[string]map[uint64]canceller),
		modules:   make(map[string]runtime.Source),
		diags:     make(map[string]map[string][]Diagnostic),
		failed:    make(map[string][]string),
	}
	if e.publisher == nil {
		e.publisher = nopPublisher{}
	}
	if e.listener == nil {
		e.listener = nopListener{}
	}
	if e.cache == nil {
		e.cache = cache.Nop{}
	}
	if e.language == "" {
		e.language = "lua"
	}
	e.lane.RunScheduler()

	if opts.KeepRuns > 0 && opts.PruneInterval > 0 {
		keep := opts.KeepRuns
		e.lane.SchedulePeriodicTask(opts.PruneInterval, scheduler.Task[struct{}]{
			Name: "prune",
			Execute: func(context.Context) (struct{}, error) {
				_, err := e.cache.Prune(keep)
				return struct{}{}, err
			},
		})
	}
	return e
}

// Documents exposes the document store.
func (e *Engine) Documents() *manager.DocumentManager {
	return e.docs
}

// OpenDocument registers a document opened in the editor. Coverage stored
// for the exact same text is restored.
func (e *Engine) OpenDocument(uri, languageID, content string) error {
	if e.stopped.Load() {
		return ErrStopped
	}
	s, err := e.docs.Open(uri, languageID, content)
	if err != nil {
		return err
	}
	if s.Tracker().Len() > 0 {
		return nil
	}

	regions, err := e.cache.Restore(uri, cache.Hash(content))
	if err != nil {
		log.Warningf("cannot restore coverage for %s: %v", uri, err)
		return nil
	}
	for _, r := range regions {
		s.Tracker().Add(r.Location, r.Data)
	}
	if len(regions) > 0 {
		s.SetCoverageDone(true)
		log.Infof("restored %d covered regions for %s", len(regions), uri)
	}
	return nil
}

// ChangeDocument applies a batch of edits to an open document.
func (e *Engine) ChangeDocument(uri string, edits []text.Edit) error {
	s, err := e.docs.Get(uri)
	if err != nil {
		return err
	}
	if err := s.Apply(edits); err != nil {
		if errors.Is(err, text.ErrContractViolation) {
			log.Errorf("rejected edit batch: %v", err)
		}
		return err
	}
	return nil
}

// CloseDocument forgets an open document. Queued work for it is
// cancelled; work already running completes and its result is dropped.
func (e *Engine) CloseDocument(uri string) error {
	e.mu.Lock()
	futures := e.pending[uri]
	delete(e.pending, uri)
	delete(e.diags, uri)
	e.mu.Unlock()

	cancelled := 0
	for _, f := range futures {
		if f.Cancel() {
			cancelled++
		}
	}
	if cancelled > 0 {
		log.Debugf("cancelled %d queued tasks for %s", cancelled, uri)
	}

	if err := e.docs.Close(uri); err != nil {
		return err
	}
	e.publisher.Publish(uri, nil)
	return nil
}

// Stop cancels queued work, waits for the running task and releases the
// runtime, the documents and the cache.
func (e *Engine) Stop() error {
	if !e.stopped.CompareAndSwap(false, true) {
		return nil
	}
	e.lane.StopScheduler()
	e.docs.CloseAll()
	return errors.Join(e.rt.Close(), e.cache.Close())
}

// submit queues fn on the lane and tracks it under uri until it finishes.
func submit[T any](e *Engine, uri, name string, fn func(ctx context.Context) (T, error)) *scheduler.Future[T] {
	if e.stopped.Load() {
		var zero T
		return scheduler.Resolved(zero, ErrStopped)
	}
	f := scheduler.Submit(e.lane, scheduler.Task[T]{Name: name, Execute: fn})

	e.mu.Lock()
	e.nextID++
	id := e.nextID
	if e.pending[uri] == nil {
		e.pending[uri] = make(map[uint64]canceller)
	}
	e.pending[uri][id] = f
	e.mu.Unlock()

	go func() {
		<-f.Done()
		e.mu.Lock()
		defer e.mu.Unlock()
		if m := e.pending[uri]; m != nil {
			delete(m, id)
			if len(m) == 0 {
				delete(e.pending, uri)
			}
		}
	}()
	return f
}

// Pending returns the number of tracked, unfinished tasks for uri.
func (e *Engine) Pending(uri string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending[uri])
}

// setDiagnostics replaces the diagnostics of one source and publishes the
// union for uri.
func (e *Engine) setDiagnostics(uri, source string, diags []Diagnostic) {
	e.mu.Lock()
	if !e.docs.IsOpen(uri) {
		e.mu.Unlock()
		return
	}
	bySource := e.diags[uri]
	if bySource == nil {
		bySource = make(map[string][]Diagnostic)
		e.diags[uri] = bySource
	}
	if len(diags) == 0 {
		delete(bySource, source)
	} else {
		bySource[source] = diags
	}
	var all []Diagnostic
	for _, d := range bySource {
		all = append(all, d...)
	}
	e.mu.Unlock()

	sort.SliceStable(all, func(i, j int) bool {
		a, b := all[i].Range.Start, all[j].Range.Start
		if a != b {
			return a.Before(b)
		}
		return all[i].Severity < all[j].Severity
	})
	e.publisher.Publish(uri, all)
}

// LoadModule resolves a module name for require. Open documents take
// precedence over files in the workspace.
func (e *Engine) LoadModule(name string) (runtime.Source, bool) {
	if e.resolver == nil {
		return runtime.Source{}, false
	}
	for _, p := range e.resolver.ModulePaths(name) {
		uri := e.resolver.PathToURI(p)
		if s, err := e.docs.Get(uri); err == nil {
			return runtime.Source{URI: uri, LanguageID: s.LanguageID(), Text: s.Text()}, true
		}
	}

	path, ok := e.resolver.Module(name)
	if !ok {
		return runtime.Source{}, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Warningf("cannot read module %s: %v", name, err)
		return runtime.Source{}, false
	}
	src := runtime.Source{URI: e.resolver.PathToURI(path), LanguageID: e.language, Text: string(data)}
	e.mu.Lock()
	e.modules[src.URI] = src
	e.mu.Unlock()
	return src, true
}

// target returns the surrogate that records coverage for uri: the open
// document, or a detached surrogate for a module loaded from disk.
func (e *Engine) target(uri string) (*document.Surrogate, bool) {
	if s, err := e.docs.Get(uri); err == nil {
		return s, true
	}
	e.mu.Lock()
	src, ok := e.modules[uri]
	e.mu.Unlock()
	if !ok {
		return nil, false
	}
	return e.docs.Adopt(uri, src.LanguageID, src.Text), true
}

// runScript returns the document whose execution covers uri: the first
// open test script for it, otherwise uri itself.
func (e *Engine) runScript(uri string) string {
	if e.resolver == nil {
		return uri
	}
	for _, candidate := range e.resolver.TestScripts(uri) {
		if e.docs.IsOpen(candidate) {
			return candidate
		}
	}
	return uri
}

func parseDiagnostic(uri string, err error) Diagnostic {
	d := Diagnostic{URI: uri, Severity: SeverityError, Source: SourceParse, Message: err.Error()}
	var perr *runtime.ParseError
	if errors.As(err, &perr) {
		d.Message = perr.Message
		if perr.Location != nil {
			d.URI = perr.Location.URI
			d.Range = perr.Location.Range()
		}
	}
	return d
}

func executionDiagnostic(uri string, err error) Diagnostic {
	d := Diagnostic{URI: uri, Severity: SeverityError, Source: SourceExecution, Message: err.Error()}
	var eerr *runtime.ExecutionError
	if errors.As(err, &eerr) {
		d.Message = eerr.Message
		if eerr.Location != nil {
			d.URI = eerr.Location.URI
			d.Range = eerr.Location.Range()
		}
	}
	return d
}

func describe(loc coverage.Location) string {
	return fmt.Sprintf("%d:%d", loc.StartLine+1, loc.StartColumn+1)
}
