package server

import (
	"coverls/internal/engine"

	protocol "github.com/tliron/glsp/protocol_3_16"
)

// publisher sends engine diagnostics to the client.
type publisher struct {
	s *Server
}

func (p publisher) Publish(uri string, diagnostics []engine.Diagnostic) {
	p.s.send(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: toDiagnostics(diagnostics),
	})
}

// toDiagnostics never returns nil; an empty list clears the client side.
func toDiagnostics(diagnostics []engine.Diagnostic) []protocol.Diagnostic {
	out := make([]protocol.Diagnostic, 0, len(diagnostics))
	for _, d := range diagnostics {
		severity := protocol.DiagnosticSeverity(d.Severity)
		source := name + "/" + d.Source
		out = append(out, protocol.Diagnostic{
			Range:    toRange(d.Range),
			Severity: &severity,
			Source:   &source,
			Message:  d.Message,
		})
	}
	return out
}
