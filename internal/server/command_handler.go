package server

import (
	"context"
	"fmt"
	"path/filepath"

	"coverls/internal/engine"

	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
)

const (
	CommandAnalyseCoverage = "analyse_coverage"
	CommandShowCoverage    = "show_coverage"
	CommandClearCoverage   = "clear_coverage"
	CommandCoverageFeed    = "coverage_feed"
)

var commands = []string{
	CommandAnalyseCoverage,
	CommandShowCoverage,
	CommandClearCoverage,
	CommandCoverageFeed,
}

func (s *Server) workspaceExecuteCommand(
	context *glsp.Context,
	params *protocol.ExecuteCommandParams,
) (any, error) {
	s.remember(context)
	eng, _ := s.current()
	if eng == nil {
		return nil, errNotInitialized
	}

	switch params.Command {
	case CommandAnalyseCoverage:
		uri, err := stringArg(params.Arguments, 0, true)
		if err != nil {
			return nil, err
		}
		return nil, s.analyseCoverage(eng, uri)

	case CommandShowCoverage:
		uri, err := stringArg(params.Arguments, 0, true)
		if err != nil {
			return nil, err
		}
		return nil, s.showCoverage(eng, uri)

	case CommandClearCoverage:
		uri, err := stringArg(params.Arguments, 0, false)
		if err != nil {
			return nil, err
		}
		name, err := stringArg(params.Arguments, 1, false)
		if err != nil {
			return nil, err
		}
		scope, err := engine.ParseScope(name)
		if err != nil {
			return nil, err
		}
		return nil, eng.ClearCoverage(uri, scope)

	case CommandCoverageFeed:
		return s.coverageFeed()

	default:
		return nil, fmt.Errorf("unknown command %q", params.Command)
	}
}

// analyseCoverage queues a coverage run and reports the outcome once the
// lane gets to it.
func (s *Server) analyseCoverage(eng *engine.Engine, uri string) error {
	run := eng.RunCoverage(uri)
	select {
	case <-run.Done():
		if _, err := run.Result(); err != nil {
			return err
		}
	default:
	}

	go func() {
		ok, err := run.Wait(context.Background())
		if err != nil {
			log.Warningf("coverage run for %s: %v", uri, err)
			return
		}
		report, err := eng.Report(uri).Wait(context.Background())
		if err != nil {
			log.Warningf("coverage report for %s: %v", uri, err)
			return
		}
		kind := protocol.MessageTypeInfo
		if !ok {
			kind = protocol.MessageTypeWarning
		}
		s.showMessage(kind, summary(report, ok))
	}()
	return nil
}

func (s *Server) showCoverage(eng *engine.Engine, uri string) error {
	show := eng.ShowCoverage(uri)
	select {
	case <-show.Done():
		_, err := show.Result()
		return err
	default:
	}
	go func() {
		if _, err := show.Wait(context.Background()); err != nil {
			log.Warningf("show coverage for %s: %v", uri, err)
		}
	}()
	return nil
}

func (s *Server) coverageFeed() (any, error) {
	_, cfg := s.current()
	addr := cfg.FeedAddr
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	url, err := s.feed.Start(addr)
	if err != nil {
		return nil, err
	}
	s.send(protocol.ServerWindowShowDocument, protocol.ShowDocumentParams{
		URI:      protocol.URI(url),
		External: &protocol.True,
	})
	return url, nil
}

func summary(report engine.Report, ok bool) string {
	script := filepath.Base(report.Script)
	if !ok {
		return fmt.Sprintf("Coverage run of %s failed", script)
	}
	for _, d := range report.Documents {
		if d.URI == report.Target {
			return fmt.Sprintf("Coverage run of %s: %s %.1f%% (%d/%d statements)",
				script, filepath.Base(d.URI), d.Percent, d.Covered, d.Statements)
		}
	}
	return fmt.Sprintf("Coverage run of %s finished", script)
}

func stringArg(args []any, i int, required bool) (string, error) {
	if i >= len(args) {
		if required {
			return "", fmt.Errorf("missing argument %d", i)
		}
		return "", nil
	}
	s, ok := args[i].(string)
	if !ok {
		return "", fmt.Errorf("argument %d: expected string, got %T", i, args[i])
	}
	return s, nil
}
