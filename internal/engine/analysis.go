package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"coverls/internal/document"
	"coverls/internal/runtime"
	"coverls/internal/scheduler"
	"coverls/internal/text"
)

// RequestAnalysis queues an analysis of the open document uri. The
// document is reparsed first when its text changed.
func (e *Engine) RequestAnalysis(uri string, pos text.Position, kind Kind) *scheduler.Future[Result] {
	s, err := e.docs.Get(uri)
	if err != nil {
		return scheduler.Resolved(Result{}, err)
	}
	return submit(e, uri, kind.String(), func(ctx context.Context) (Result, error) {
		res := Result{Kind: kind, URI: uri}
		switch kind {
		case KindHover:
			return e.hover(ctx, s, pos, res)
		case KindDiagnostics:
			res.Diagnostics = e.diagnose(ctx, s)
			return res, nil
		case KindCoverage:
			if _, err := s.Reparse(ctx, e.rt); err != nil && errors.Is(err, document.ErrClosed) {
				return res, err
			}
			for _, loc := range s.Tracker().Locations() {
				res.Regions = append(res.Regions, Region{Location: loc, Data: s.Tracker().Get(loc)})
			}
			return res, nil
		case KindProbe:
			probe, err := e.probe(ctx, s)
			if err != nil {
				return res, err
			}
			res.Probe = probe
			return res, nil
		default:
			return res, fmt.Errorf("unknown analysis kind %s", kind)
		}
	})
}

// diagnose reparses s and publishes its parse diagnostics.
func (e *Engine) diagnose(ctx context.Context, s *document.Surrogate) []Diagnostic {
	var diags []Diagnostic
	if _, err := s.Reparse(ctx, e.rt); err != nil {
		if errors.Is(err, document.ErrClosed) {
			return nil
		}
		diags = append(diags, parseDiagnostic(s.URI(), err))
	}
	e.setDiagnostics(s.URI(), SourceParse, diags)
	return diags
}

func (e *Engine) hover(ctx context.Context, s *document.Surrogate, pos text.Position, res Result) (Result, error) {
	if _, err := s.Reparse(ctx, e.rt); err != nil {
		if errors.Is(err, document.ErrClosed) {
			return res, err
		}
		log.Debugf("hover on unparsable %s: %v", s.URI(), err)
	}

	var b strings.Builder
	syntax, err := s.Syntax(ctx)
	if err != nil {
		log.Warningf("no syntax tree for %s: %v", s.URI(), err)
	}
	if syntax != nil {
		if node, ok := syntax.NodeAt(pos); ok {
			fmt.Fprintf(&b, "`%s`", node.Type)
			if node.Parent != "" {
				fmt.Fprintf(&b, " in `%s`", node.Parent)
			}
			b.WriteString("\n\n")
			r := node.Range
			res.Range = &r
		}
	}

	regions := s.Tracker().At(pos)
	switch {
	case len(regions) > 0:
		loc := regions[0]
		fmt.Fprintf(&b, "Statement at %s\n\n", describe(loc))
		for _, d := range s.Tracker().Get(loc) {
			fmt.Fprintf(&b, "- executed %d× by `%s`", d.Hits, d.Run)
			if d.Node != "" {
				fmt.Fprintf(&b, " (%s)", d.Node)
			}
			b.WriteString("\n")
		}
		if res.Range == nil {
			r := loc.Range()
			res.Range = &r
		}
	case s.CoverageDone():
		b.WriteString("Not covered\n")
	default:
		b.WriteString("No coverage information available\n")
	}
	res.Hover = strings.TrimSpace(b.String())
	return res, nil
}

// probe takes back the last insertion and checks whether the remaining
// text parses.
func (e *Engine) probe(ctx context.Context, s *document.Surrogate) (*Probe, error) {
	fix, err := s.Probe()
	if err != nil {
		return nil, err
	}
	p := &Probe{Text: fix.Text, Removed: fix.Removed, Character: fix.Character}
	src := runtime.Source{URI: s.URI(), LanguageID: s.LanguageID(), Text: fix.Text}
	if _, err := e.rt.Parse(ctx, src); err != nil {
		p.Error = err.Error()
	} else {
		p.Parses = true
	}
	return p, nil
}
