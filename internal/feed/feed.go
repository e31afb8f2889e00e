// Package feed broadcasts coverage runs to browsers over a websocket.
package feed

import (
	"embed"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sort"
	"sync"

	"coverls/internal/engine"

	"github.com/gorilla/websocket"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("coverls.feed")

// Message is sent over the websocket to update clients.
type Message struct {
	Op      string          `json:"op"`                // "init", "run", "clear"
	Reports []engine.Report `json:"reports,omitempty"` // for "init"
	Report  *engine.Report  `json:"report,omitempty"`  // for "run"
	URI     string          `json:"uri,omitempty"`     // for "clear"
	Scope   string          `json:"scope,omitempty"`   // for "clear"
}

//go:embed static/*
var staticFiles embed.FS

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// Feed keeps the latest report of every run script and pushes changes to
// connected clients. It implements engine.Listener.
type Feed struct {
	mu      sync.Mutex
	reports map[string]engine.Report

	clientsMu sync.Mutex
	clients   map[*websocket.Conn]bool

	url      string
	listener net.Listener
	server   *http.Server
}

// New creates a feed that is not serving yet.
func New() *Feed {
	return &Feed{
		reports: make(map[string]engine.Report),
		clients: make(map[*websocket.Conn]bool),
	}
}

// Start serves the page and the websocket on addr (":0" picks a free port)
// and returns the URL of the page. Starting twice returns the first URL.
func (f *Feed) Start(addr string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.url != "" {
		return f.url, nil
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}

	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.FS(staticFiles)))
	mux.HandleFunc("/ws", f.handleWS)
	f.server = &http.Server{Handler: mux}
	f.listener = l

	go func() {
		if err := f.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("feed server: %v", err)
		}
	}()

	f.url = "http://" + l.Addr().String() + "/static/"
	log.Infof("coverage feed at %s", f.url)
	return f.url, nil
}

// URL returns the page URL, or "" when the feed is not serving.
func (f *Feed) URL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.url
}

// Close stops serving and disconnects every client.
func (f *Feed) Close() error {
	f.mu.Lock()
	srv := f.server
	f.server, f.listener, f.url = nil, nil, ""
	f.mu.Unlock()

	f.clientsMu.Lock()
	for conn := range f.clients {
		conn.Close()
		delete(f.clients, conn)
	}
	f.clientsMu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Close()
}

// Reports returns the latest report of every run script, ordered by script.
func (f *Feed) Reports() []engine.Report {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]engine.Report, 0, len(f.reports))
	for _, r := range f.reports {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Script < out[j].Script })
	return out
}

// RunFinished records report and broadcasts it.
func (f *Feed) RunFinished(report engine.Report) {
	f.mu.Lock()
	f.reports[report.Script] = report
	f.mu.Unlock()
	f.broadcast(Message{Op: "run", Report: &report})
}

// CoverageCleared drops the reports the clear removed and broadcasts it.
func (f *Feed) CoverageCleared(uri string, scope engine.Scope) {
	f.mu.Lock()
	switch scope {
	case engine.ScopeAll:
		f.reports = make(map[string]engine.Report)
	case engine.ScopeRun:
		for script, r := range f.reports {
			if script == uri || r.Target == uri || covers(r, uri) {
				delete(f.reports, script)
			}
		}
	case engine.ScopeDocument:
		for script, r := range f.reports {
			r.Documents = withoutDocument(r.Documents, uri)
			f.reports[script] = r
		}
	}
	f.mu.Unlock()
	f.broadcast(Message{Op: "clear", URI: uri, Scope: scope.String()})
}

func covers(r engine.Report, uri string) bool {
	for _, d := range r.Documents {
		if d.URI == uri {
			return true
		}
	}
	return false
}

func withoutDocument(docs []engine.DocumentReport, uri string) []engine.DocumentReport {
	out := make([]engine.DocumentReport, 0, len(docs))
	for _, d := range docs {
		if d.URI != uri {
			out = append(out, d)
		}
	}
	return out
}

func (f *Feed) broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Errorf("marshal %s message: %v", msg.Op, err)
		return
	}
	f.clientsMu.Lock()
	defer f.clientsMu.Unlock()
	for conn := range f.clients {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Warningf("broadcast: %v", err)
			conn.Close()
			delete(f.clients, conn)
		}
	}
}

func (f *Feed) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warningf("websocket upgrade: %v", err)
		return
	}

	// The init message goes out under the clients lock so that no
	// broadcast can overtake it.
	f.clientsMu.Lock()
	data, err := json.Marshal(Message{Op: "init", Reports: f.Reports()})
	if err != nil {
		f.clientsMu.Unlock()
		log.Errorf("marshal init message: %v", err)
		conn.Close()
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		f.clientsMu.Unlock()
		conn.Close()
		return
	}
	f.clients[conn] = true
	f.clientsMu.Unlock()

	defer func() {
		f.clientsMu.Lock()
		delete(f.clients, conn)
		f.clientsMu.Unlock()
		conn.Close()
	}()

	for {
		if _, _, err := conn.NextReader(); err != nil {
			break
		}
	}
}
