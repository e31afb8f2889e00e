package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"

	"coverls/internal/cache"
	"coverls/internal/config"
	"coverls/internal/engine"
	"coverls/internal/resolver"
	luart "coverls/internal/runtime/lua"
	"coverls/internal/scanner"
)

const dumpTimeout = 2 * time.Minute

type lastReport struct {
	report engine.Report
}

func (l *lastReport) RunFinished(r engine.Report)          { l.report = r }
func (l *lastReport) CoverageCleared(string, engine.Scope) {}

// runDump runs coverage for the Lua file at path once and writes the
// report as JSON. The result is false when the run failed.
func runDump(w io.Writer, path, configPath string) (bool, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.LoadFile(configPath); err != nil {
			return false, err
		}
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return false, err
	}
	root := cfg.Root
	if root == "" || root == "." {
		root = filepath.Dir(abs)
	}
	if root, err = filepath.Abs(root); err != nil {
		return false, err
	}
	res := resolver.New(root, cfg.TestPatterns)

	ctx, cancel := context.WithTimeout(context.Background(), dumpTimeout)
	defer cancel()
	if err := scanner.Scan(ctx, root, scanner.LuaFiles, func(p string, _ []byte) {
		res.Index(p)
	}); err != nil {
		return false, err
	}

	var store cache.Cache = cache.Nop{}
	if cfg.CoverageDB != "" && cfg.CoverageDB != config.NoCoverageDB {
		db := cfg.CoverageDB
		if !filepath.IsAbs(db) {
			db = filepath.Join(root, db)
		}
		s, err := cache.OpenSQLite(db)
		if err != nil {
			return false, err
		}
		store = s
	}

	listener := &lastReport{}
	rt := luart.New(luart.WithOutput(func(uri, line string) {
		log.Infof("%s: %s", filepath.Base(uri), line)
	}))
	eng := engine.New(engine.Options{
		Runtime:    rt,
		Listener:   listener,
		Cache:      store,
		Resolver:   res,
		Encoding:   cfg.Encoding(),
		LanguageID: luart.LanguageID,
	})
	defer eng.Stop()
	rt.SetLoader(eng.LoadModule)

	uri := res.PathToURI(abs)
	if err := openFile(eng, uri, abs); err != nil {
		return false, err
	}
	for _, script := range res.TestScripts(uri) {
		p, err := res.URIToPath(script)
		if err != nil {
			continue
		}
		if err := openFile(eng, script, p); err == nil {
			break
		}
	}

	ok, err := eng.RunCoverage(uri).Wait(ctx)
	if err != nil {
		return false, err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return ok, enc.Encode(listener.report)
}

func openFile(eng *engine.Engine, uri, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return eng.OpenDocument(uri, luart.LanguageID, string(data))
}
