package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"coverls/internal/cache"
	"coverls/internal/config"
	"coverls/internal/engine"
	"coverls/internal/resolver"
	luart "coverls/internal/runtime/lua"
	"coverls/internal/scanner"

	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
)

func (s *Server) initialize(
	context *glsp.Context,
	params *protocol.InitializeParams,
) (any, error) {
	s.remember(context)

	cfg, err := loadConfig(params.InitializationOptions)
	if err != nil {
		return nil, err
	}
	root := workspaceRoot(params, cfg)
	log.Infof("root is %s, config %+v", root, cfg)

	res := resolver.New(root, cfg.TestPatterns)

	store, err := openCache(root, cfg.CoverageDB)
	if err != nil {
		log.Warningf("coverage will not persist: %v", err)
		store = cache.Nop{}
	}

	rt := luart.New(luart.WithOutput(func(uri, line string) {
		s.send(protocol.ServerWindowLogMessage, protocol.LogMessageParams{
			Type:    protocol.MessageTypeLog,
			Message: fmt.Sprintf("%s: %s", filepath.Base(uri), line),
		})
	}))
	eng := engine.New(engine.Options{
		Runtime:       rt,
		Publisher:     publisher{s},
		Listener:      s.feed,
		Cache:         store,
		Resolver:      res,
		Encoding:      cfg.Encoding(),
		LanguageID:    luart.LanguageID,
		QueueSize:     cfg.QueueSize,
		KeepRuns:      cfg.KeepRuns,
		PruneInterval: cfg.Interval(),
	})
	rt.SetLoader(eng.LoadModule)

	s.mu.Lock()
	s.config = cfg
	s.resolver = res
	s.cache = store
	s.runtime = rt
	s.engine = eng
	s.mu.Unlock()

	syncKind := protocol.TextDocumentSyncKindIncremental

	capabilities := s.handler.CreateServerCapabilities()
	capabilities.TextDocumentSync = &protocol.TextDocumentSyncOptions{
		OpenClose: &protocol.True,
		Change:    &syncKind,
		Save:      &protocol.SaveOptions{IncludeText: &protocol.True},
	}
	capabilities.CodeLensProvider = &protocol.CodeLensOptions{}
	capabilities.ExecuteCommandProvider = &protocol.ExecuteCommandOptions{
		Commands: commands,
	}

	return protocol.InitializeResult{
		Capabilities: capabilities,
		ServerInfo: &protocol.InitializeResultServerInfo{
			Name:    name,
			Version: &s.version,
		},
	}, nil
}

func (s *Server) initialized(
	context *glsp.Context,
	params *protocol.InitializedParams,
) error {
	s.remember(context)
	_, cfg := s.current()

	s.mu.Lock()
	res := s.resolver
	ctx, cancel := contextWithCancel()
	s.cancel = cancel
	s.mu.Unlock()
	if res == nil {
		cancel()
		return errors.New("initialized before initialize")
	}

	go func() {
		indexed := 0
		err := scanner.Scan(ctx, res.Root(), scanner.LuaFiles, func(path string, _ []byte) {
			res.Index(path)
			indexed++
		})
		if err != nil && ctx.Err() == nil {
			log.Warningf("workspace scan: %v", err)
		}
		log.Infof("indexed %d Lua files under %s", indexed, res.Root())
	}()

	if cfg.ConfigFile != "" {
		go func() {
			err := config.Watch(ctx, cfg.ConfigFile, func(next config.Config) {
				s.reconfigure(next)
			})
			if err != nil && ctx.Err() == nil {
				log.Warningf("watching %s: %v", cfg.ConfigFile, err)
			}
		}()
	}

	if cfg.FeedAddr != "" {
		if _, err := s.feed.Start(cfg.FeedAddr); err != nil {
			log.Warningf("coverage feed: %v", err)
		}
	}

	log.Info("client initialized")
	return nil
}

func (s *Server) workspaceDidChangeConfiguration(
	context *glsp.Context,
	params *protocol.DidChangeConfigurationParams,
) error {
	s.remember(context)
	_, cfg := s.current()
	next, err := cfg.Overlay(params.Settings)
	if err != nil {
		return err
	}
	s.reconfigure(next)
	return nil
}

// reconfigure applies the settings that can change while running. The
// rest take effect on the next start.
func (s *Server) reconfigure(next config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config.Languages = next.Languages
	s.config.FeedAddr = next.FeedAddr
	log.Infof("reloaded configuration: languages %v, feed %q", next.Languages, next.FeedAddr)
}

func (s *Server) shutdown(context *glsp.Context) error {
	s.mu.Lock()
	eng := s.engine
	cancel := s.cancel
	s.engine = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var errs []error
	if eng != nil {
		// Stop releases the runtime and the cache as well.
		errs = append(errs, eng.Stop())
	}
	errs = append(errs, s.feed.Close())
	return errors.Join(errs...)
}

func contextWithCancel() (context.Context, context.CancelFunc) {
	return context.WithCancel(context.Background())
}

// loadConfig layers the initialization options over the config file they
// name, which is layered over the defaults.
func loadConfig(options any) (config.Config, error) {
	cfg, err := config.Load(options)
	if err != nil {
		return config.Config{}, err
	}
	if cfg.ConfigFile == "" {
		return cfg, nil
	}
	file, err := config.LoadFile(cfg.ConfigFile)
	if err != nil {
		return config.Config{}, err
	}
	cfg, err = file.Overlay(options)
	if err != nil {
		return config.Config{}, err
	}
	cfg.ConfigFile = file.ConfigFile
	return cfg, nil
}

func workspaceRoot(params *protocol.InitializeParams, cfg config.Config) string {
	base := ""
	if params.RootURI != nil {
		if u, err := url.Parse(*params.RootURI); err == nil {
			base = u.Path
		}
	}
	if base == "" && params.RootPath != nil {
		base = *params.RootPath
	}
	if base == "" {
		base, _ = os.Getwd()
	}
	switch {
	case filepath.IsAbs(cfg.Root):
		return filepath.Clean(cfg.Root)
	case cfg.Root == "" || cfg.Root == ".":
		return filepath.Clean(base)
	default:
		return filepath.Join(base, cfg.Root)
	}
}

// openCache opens the coverage database of root. An empty path selects a
// database under the XDG state home.
func openCache(root, path string) (cache.Cache, error) {
	if path == config.NoCoverageDB {
		return cache.Nop{}, nil
	}
	if path == "" {
		stateDir, err := getXDGStateHome(name)
		if err != nil {
			return nil, err
		}
		path = filepath.Join(stateDir, url.PathEscape(root), "coverage.db")
	} else if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	log.Infof("coverage database %s", path)
	store, err := cache.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func getXDGStateHome(appName string) (string, error) {
	xdgStateHome := os.Getenv("XDG_STATE_HOME")
	if xdgStateHome == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get user home directory: %w", err)
		}
		xdgStateHome = filepath.Join(homeDir, ".local", "state")
	}

	appStateDir := filepath.Join(xdgStateHome, appName)
	if err := os.MkdirAll(appStateDir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create state directory: %w", err)
	}
	return appStateDir, nil
}
