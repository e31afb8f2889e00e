// Package document holds the server-side model of one open document.
package document

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"coverls/internal/coverage"
	"coverls/internal/parser"
	"coverls/internal/runtime"
	"coverls/internal/sitteradapter"
	"coverls/internal/text"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("coverls.document")

// ErrClosed is returned when a closed surrogate is mutated or parsed.
var ErrClosed = errors.New("document is closed")

// ParseState tracks whether the runtime handle matches the text.
type ParseState int

const (
	// Unparsed documents have no runtime handle.
	Unparsed ParseState = iota
	// Parsed documents have a handle for the current text.
	Parsed
	// Dirty documents have a handle for an older text.
	Dirty
)

func (s ParseState) String() string {
	switch s {
	case Unparsed:
		return "unparsed"
	case Parsed:
		return "parsed"
	case Dirty:
		return "dirty"
	default:
		return fmt.Sprintf("ParseState(%d)", int(s))
	}
}

type pendingEdit struct {
	revision int
	edit     text.Edit
}

// Surrogate is the server-side stand-in for an open document: its text,
// the edits since the last successful parse, the runtime handle and the
// coverage recorded against it.
type Surrogate struct {
	uri        string
	languageID string
	applier    text.Applier
	tracker    *coverage.Tracker

	mu           sync.Mutex
	text         string
	revision     int
	backlog      []pendingEdit
	lastChange   *text.Edit
	handle       runtime.Handle
	state        ParseState
	parseErr     error
	failedAt     int
	coverageDone bool
	closed       bool
	syntax       *parser.Parser
}

// New creates a surrogate for text. A syntax tree is kept when a grammar
// exists for languageID.
func New(uri, languageID, content string, enc text.Encoding) *Surrogate {
	s := &Surrogate{
		uri:        uri,
		languageID: languageID,
		applier:    text.Applier{Encoding: enc},
		tracker:    coverage.NewTracker(),
		text:       content,
		failedAt:   -1,
	}
	if parser.Supported(languageID) {
		syntax, err := parser.NewParser(languageID, []byte(content))
		if err != nil {
			log.Warningf("no syntax tree for %s: %v", uri, err)
		} else {
			s.syntax = syntax
		}
	}
	return s
}

// URI returns the document URI.
func (s *Surrogate) URI() string { return s.uri }

// LanguageID returns the document language.
func (s *Surrogate) LanguageID() string { return s.languageID }

// Encoding returns the column unit edits are expressed in.
func (s *Surrogate) Encoding() text.Encoding { return s.applier.Encoding }

// Tracker returns the coverage recorded for this document.
func (s *Surrogate) Tracker() *coverage.Tracker { return s.tracker }

// Text returns the current text.
func (s *Surrogate) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text
}

// State returns the parse state.
func (s *Surrogate) State() ParseState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Handle returns the last successful runtime handle, possibly stale.
func (s *Surrogate) Handle() runtime.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// ParseError returns the error of the last failed parse, if the text has
// not parsed since.
func (s *Surrogate) ParseError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parseErr
}

// Backlog returns the edits applied since the last successful parse.
func (s *Surrogate) Backlog() []text.Edit {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]text.Edit, len(s.backlog))
	for i, p := range s.backlog {
		out[i] = p.edit
	}
	return out
}

// LastChange returns the most recent edit, if any.
func (s *Surrogate) LastChange() (text.Edit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastChange == nil {
		return text.Edit{}, false
	}
	return *s.lastChange, true
}

// CoverageDone reports whether a coverage run finished for this document.
func (s *Surrogate) CoverageDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coverageDone
}

// SetCoverageDone records the outcome of a coverage run.
func (s *Surrogate) SetCoverageDone(done bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coverageDone = done
}

// Apply applies a batch of edits. Tracked coverage is relocated edit by
// edit and a parsed document becomes dirty. A failing batch leaves the
// document untouched.
func (s *Surrogate) Apply(edits []text.Edit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if len(edits) == 0 {
		return nil
	}
	next, spans, err := s.applier.Apply(s.text, edits)
	if err != nil {
		return fmt.Errorf("%s: %w", s.uri, err)
	}

	tsEdits := make([]parser.Edit, 0, len(spans))
	for _, span := range spans {
		s.tracker.Relocate(span)
		tsEdits = append(tsEdits, parser.Edit(sitteradapter.CreateTSEditAdapter(span)))
	}
	if s.syntax != nil {
		if err := s.syntax.Update(tsEdits); err != nil {
			log.Warningf("syntax tree update for %s: %v", s.uri, err)
		}
	}

	s.text = next
	s.revision++
	for i := range edits {
		s.backlog = append(s.backlog, pendingEdit{revision: s.revision, edit: edits[i]})
	}
	last := edits[len(edits)-1]
	s.lastChange = &last
	if s.state == Parsed {
		s.state = Dirty
	}
	return nil
}

// SetText replaces the text wholesale, for example when a file is reloaded.
func (s *Surrogate) SetText(content string) error {
	return s.Apply([]text.Edit{{NewText: content}})
}

// Reparse brings the runtime handle up to date. It must only be called
// from the execution lane. A document that already parsed returns its
// handle; a revision that already failed returns the recorded error.
func (s *Surrogate) Reparse(ctx context.Context, rt runtime.Runtime) (runtime.Handle, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.state == Parsed {
		h := s.handle
		s.mu.Unlock()
		return h, nil
	}
	if s.failedAt == s.revision && s.parseErr != nil {
		err := s.parseErr
		s.mu.Unlock()
		return nil, err
	}
	src := runtime.Source{URI: s.uri, LanguageID: s.languageID, Text: s.text}
	revision := s.revision
	s.mu.Unlock()

	h, err := rt.Parse(ctx, src)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.parseErr = err
		s.failedAt = revision
		log.Debugf("parse of %s at revision %d failed: %v", s.uri, revision, err)
		return nil, err
	}

	s.handle = h
	s.parseErr = nil
	s.failedAt = -1
	kept := s.backlog[:0]
	for _, p := range s.backlog {
		if p.revision > revision {
			kept = append(kept, p)
		}
	}
	s.backlog = kept
	if s.revision == revision {
		s.state = Parsed
	} else {
		s.state = Dirty
	}
	return h, nil
}

// Probe returns the text as it was before the last insertion.
func (s *Surrogate) Probe() (text.Fix, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastChange == nil {
		return text.Fix{}, fmt.Errorf("%s has no recorded change", s.uri)
	}
	return text.RemoveLastInsertion(s.text, *s.lastChange, s.applier.Encoding)
}

// Syntax brings the syntax tree up to date and returns it, or nil when the
// language has no grammar.
func (s *Surrogate) Syntax(ctx context.Context) (*parser.Parser, error) {
	// Held across the reparse so no edit lands between reading the text
	// and handing it to the tree.
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.syntax == nil {
		return nil, nil
	}
	if err := s.syntax.Reparse(ctx, []byte(s.text)); err != nil {
		return nil, err
	}
	return s.syntax, nil
}

// Close releases the syntax tree. Later mutations fail with ErrClosed.
func (s *Surrogate) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.syntax != nil {
		s.syntax.Close()
		s.syntax = nil
	}
	s.handle = nil
	s.backlog = nil
}

// Closed reports whether Close was called.
func (s *Surrogate) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
