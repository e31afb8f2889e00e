package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"coverls/internal/engine"
	"coverls/internal/manager"
	"coverls/internal/scheduler"
	"coverls/internal/text"

	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
)

const hoverTimeout = 2 * time.Second

var errNotInitialized = errors.New("server is not initialized")

func (s *Server) textDocumentDidOpen(
	context *glsp.Context,
	params *protocol.DidOpenTextDocumentParams,
) error {
	s.remember(context)
	eng, cfg := s.current()
	if eng == nil {
		return errNotInitialized
	}
	doc := params.TextDocument
	if !cfg.Supports(doc.LanguageID) {
		log.Debugf("ignoring %s document %s", doc.LanguageID, doc.URI)
		return nil
	}
	if err := eng.OpenDocument(doc.URI, doc.LanguageID, doc.Text); err != nil {
		return err
	}
	s.check(eng, doc.URI)
	return nil
}

func (s *Server) textDocumentDidChange(
	context *glsp.Context,
	params *protocol.DidChangeTextDocumentParams,
) error {
	s.remember(context)
	eng, _ := s.current()
	if eng == nil {
		return errNotInitialized
	}
	uri := params.TextDocument.URI
	if !eng.Documents().IsOpen(uri) {
		return nil
	}
	edits, err := toEdits(params.ContentChanges)
	if err != nil {
		return err
	}
	if err := eng.ChangeDocument(uri, edits); err != nil {
		return fmt.Errorf("unexpected error during edit: %w", err)
	}
	s.check(eng, uri)
	return nil
}

func (s *Server) textDocumentDidSave(
	context *glsp.Context,
	params *protocol.DidSaveTextDocumentParams,
) error {
	s.remember(context)
	eng, _ := s.current()
	if eng == nil {
		return errNotInitialized
	}
	uri := params.TextDocument.URI
	doc, err := eng.Documents().Get(uri)
	if errors.Is(err, manager.ErrNotOpen) {
		return nil
	} else if err != nil {
		return err
	}

	s.mu.Lock()
	res := s.resolver
	s.mu.Unlock()
	if path, err := res.URIToPath(uri); err == nil {
		res.Index(path)
	}

	// Clients that ignore includeText send nothing to compare against.
	if params.Text != nil && *params.Text != doc.Text() {
		if err := eng.ChangeDocument(uri, []text.Edit{{NewText: *params.Text}}); err != nil {
			return err
		}
		s.check(eng, uri)
	}
	return nil
}

func (s *Server) textDocumentDidClose(
	context *glsp.Context,
	params *protocol.DidCloseTextDocumentParams,
) error {
	s.remember(context)
	eng, _ := s.current()
	if eng == nil {
		return errNotInitialized
	}
	uri := params.TextDocument.URI
	s.mu.Lock()
	delete(s.checks, uri)
	s.mu.Unlock()
	if err := eng.CloseDocument(uri); err != nil && !errors.Is(err, manager.ErrNotOpen) {
		return err
	}
	return nil
}

func (s *Server) textDocumentHover(
	context *glsp.Context,
	params *protocol.HoverParams,
) (*protocol.Hover, error) {
	s.remember(context)
	eng, _ := s.current()
	if eng == nil {
		return nil, errNotInitialized
	}
	uri := params.TextDocument.URI
	if !eng.Documents().IsOpen(uri) {
		return nil, nil
	}

	f := eng.RequestAnalysis(uri, fromPosition(params.Position), engine.KindHover)
	res, err := waitFor(f, hoverTimeout)
	if err != nil {
		if errors.Is(err, scheduler.ErrCancelled) {
			return nil, nil
		}
		return nil, err
	}
	if res.Hover == "" {
		return nil, nil
	}

	hover := &protocol.Hover{
		Contents: protocol.MarkupContent{
			Kind:  protocol.MarkupKindMarkdown,
			Value: res.Hover,
		},
	}
	if res.Range != nil {
		r := toRange(*res.Range)
		hover.Range = &r
	}
	return hover, nil
}

func (s *Server) textDocumentCodeLens(
	context *glsp.Context,
	params *protocol.CodeLensParams,
) ([]protocol.CodeLens, error) {
	s.remember(context)
	eng, _ := s.current()
	if eng == nil {
		return nil, errNotInitialized
	}
	uri := params.TextDocument.URI
	doc, err := eng.Documents().Get(uri)
	if err != nil {
		return nil, nil
	}

	top := protocol.Range{}
	lenses := []protocol.CodeLens{
		{Range: top, Command: &protocol.Command{Title: "Analyse coverage", Command: CommandAnalyseCoverage, Arguments: []any{uri}}},
		{Range: top, Command: &protocol.Command{Title: "Highlight uncovered code", Command: CommandShowCoverage, Arguments: []any{uri}}},
	}
	if doc.Tracker().Len() > 0 {
		lenses = append(lenses, protocol.CodeLens{
			Range:   top,
			Command: &protocol.Command{Title: "Clear coverage", Command: CommandClearCoverage, Arguments: []any{uri, engine.ScopeRun.String()}},
		})
	}
	return lenses, nil
}

// check queues a parse check of uri, replacing one that has not started.
func (s *Server) check(eng *engine.Engine, uri string) {
	f := eng.RequestAnalysis(uri, text.Position{}, engine.KindDiagnostics)
	s.mu.Lock()
	prev := s.checks[uri]
	s.checks[uri] = f
	s.mu.Unlock()
	if prev != nil {
		prev.Cancel()
	}
}

// waitFor waits at most d for f and cancels it when it has not started by
// then.
func waitFor[T any](f *scheduler.Future[T], d time.Duration) (T, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	v, err := f.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) && f.Cancel() {
		log.Debugf("gave up waiting after %s", d)
	}
	return v, err
}

func toEdits(changes []any) ([]text.Edit, error) {
	edits := make([]text.Edit, 0, len(changes))
	for _, raw := range changes {
		switch change := raw.(type) {
		case protocol.TextDocumentContentChangeEvent:
			edit := text.Edit{NewText: change.Text}
			if change.Range != nil {
				r := fromRange(*change.Range)
				edit.Range = &r
			}
			edits = append(edits, edit)
		case protocol.TextDocumentContentChangeEventWhole:
			edits = append(edits, text.Edit{NewText: change.Text})
		default:
			return nil, fmt.Errorf("unexpected change event type %T", raw)
		}
	}
	return edits, nil
}

func fromPosition(p protocol.Position) text.Position {
	return text.Position{Line: int(p.Line), Character: int(p.Character)}
}

func fromRange(r protocol.Range) text.Range {
	return text.Range{Start: fromPosition(r.Start), End: fromPosition(r.End)}
}

func toPosition(p text.Position) protocol.Position {
	if p.Line < 0 {
		p.Line = 0
	}
	if p.Character < 0 {
		p.Character = 0
	}
	return protocol.Position{Line: protocol.UInteger(p.Line), Character: protocol.UInteger(p.Character)}
}

func toRange(r text.Range) protocol.Range {
	return protocol.Range{Start: toPosition(r.Start), End: toPosition(r.End)}
}
