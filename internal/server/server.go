// Package server adapts the engine to the Language Server Protocol.
package server

import (
	"context"
	"sync"

	"coverls/internal/cache"
	"coverls/internal/config"
	"coverls/internal/engine"
	"coverls/internal/feed"
	"coverls/internal/resolver"
	luart "coverls/internal/runtime/lua"
	"coverls/internal/scheduler"

	"github.com/tliron/commonlog"
	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
	"github.com/tliron/glsp/server"
)

const name = "coverls"

var log = commonlog.GetLogger("coverls.server")

type Server struct {
	handler *protocol.Handler
	version string

	mu       sync.Mutex
	config   config.Config
	notify   glsp.NotifyFunc
	engine   *engine.Engine
	runtime  *luart.Runtime
	resolver *resolver.Resolver
	cache    cache.Cache
	feed     *feed.Feed
	checks   map[string]*scheduler.Future[engine.Result]
	cancel   context.CancelFunc
}

func NewServer(version string) (*server.Server, error) {
	ls := newServer(version)
	return server.NewServer(ls.handler, name, false), nil
}

func newServer(version string) *Server {
	ls := &Server{
		version: version,
		config:  config.Default(),
		feed:    feed.New(),
		checks:  make(map[string]*scheduler.Future[engine.Result]),
	}
	ls.handler = &protocol.Handler{
		Initialize:                      ls.initialize,
		Initialized:                     ls.initialized,
		Shutdown:                        ls.shutdown,
		TextDocumentDidOpen:             ls.textDocumentDidOpen,
		TextDocumentDidChange:           ls.textDocumentDidChange,
		TextDocumentDidSave:             ls.textDocumentDidSave,
		TextDocumentDidClose:            ls.textDocumentDidClose,
		TextDocumentHover:               ls.textDocumentHover,
		TextDocumentCodeLens:            ls.textDocumentCodeLens,
		WorkspaceExecuteCommand:         ls.workspaceExecuteCommand,
		WorkspaceDidChangeConfiguration: ls.workspaceDidChangeConfiguration,
	}
	return ls
}

// remember keeps the notify function of the latest request so that work
// finishing on the engine lane can still reach the client.
func (s *Server) remember(context *glsp.Context) {
	if context == nil || context.Notify == nil {
		return
	}
	s.mu.Lock()
	s.notify = context.Notify
	s.mu.Unlock()
}

func (s *Server) send(method string, params any) {
	s.mu.Lock()
	notify := s.notify
	s.mu.Unlock()
	if notify == nil {
		log.Debugf("dropping %s, no client yet", method)
		return
	}
	notify(method, params)
}

// current returns the engine and configuration, or a nil engine before
// initialize.
func (s *Server) current() (*engine.Engine, config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine, s.config
}

func (s *Server) showMessage(kind protocol.MessageType, message string) {
	s.send(protocol.ServerWindowShowMessage, protocol.ShowMessageParams{
		Type:    kind,
		Message: message,
	})
}
