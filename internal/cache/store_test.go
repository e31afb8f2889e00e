package cache_test

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"coverls/internal/cache"
	"coverls/internal/coverage"
)

func openStore(t *testing.T) *cache.Store {
	t.Helper()
	s, err := cache.OpenSQLite(filepath.Join(t.TempDir(), "state", "coverage.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func region(uri string, line int, run string) cache.Region {
	return cache.Region{
		Location: coverage.Location{URI: uri, StartLine: line, EndLine: line, EndColumn: 5},
		Data:     coverage.Data{Run: run, Node: "FuncCallStmt", Hits: 2},
	}
}

func TestSaveAndRestore(t *testing.T) {
	s := openStore(t)

	const script, mod = "file:///test_m.lua", "file:///m.lua"
	hash := cache.Hash("return 1\n")
	run := &cache.Run{
		Script: script,
		Documents: []cache.Document{
			{URI: mod, Hash: hash, Regions: []cache.Region{region(mod, 0, script)}},
			{URI: script, Hash: cache.Hash("require 'm'\n"), Regions: []cache.Region{region(script, 0, script)}},
		},
	}
	if err := s.SaveRun(run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	if run.ID == "" {
		t.Errorf("SaveRun should assign an id")
	}

	got, err := s.Restore(mod, hash)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if len(got) != 1 || got[0] != region(mod, 0, script) {
		t.Errorf("got %+v", got)
	}

	if got, _ := s.Restore(mod, cache.Hash("return 2\n")); len(got) != 0 {
		t.Errorf("changed text should restore nothing, got %+v", got)
	}
}

func TestSaveReplacesEarlierRun(t *testing.T) {
	s := openStore(t)

	const script = "file:///a.lua"
	hash := cache.Hash("a()\nb()\n")
	for i, line := range []int{0, 1} {
		run := &cache.Run{
			Script:    script,
			Started:   time.Unix(int64(i), 0),
			Documents: []cache.Document{{URI: script, Hash: hash, Regions: []cache.Region{region(script, line, script)}}},
		}
		if err := s.SaveRun(run); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.Restore(script, hash)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Location.StartLine != 1 {
		t.Errorf("expected only the latest run, got %+v", got)
	}
}

func TestForgetAndPrune(t *testing.T) {
	s := openStore(t)

	for i, script := range []string{"file:///a.lua", "file:///b.lua", "file:///c.lua"} {
		run := &cache.Run{
			Script:    script,
			Started:   time.Unix(int64(i), 0),
			Documents: []cache.Document{{URI: script, Hash: "h", Regions: []cache.Region{region(script, 0, script)}}},
		}
		if err := s.SaveRun(run); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.Forget("file:///c.lua"); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.Restore("file:///c.lua", "h"); len(got) != 0 {
		t.Errorf("forgotten run restored %+v", got)
	}

	n, err := s.Prune(1)
	if err != nil || n != 1 {
		t.Errorf("Prune dropped %d, %v", n, err)
	}
	if got, _ := s.Restore("file:///a.lua", "h"); len(got) != 0 {
		t.Errorf("pruned run restored %+v", got)
	}
	if got, _ := s.Restore("file:///b.lua", "h"); len(got) != 1 {
		t.Errorf("most recent run should survive pruning, got %+v", got)
	}

	if err := s.ForgetDocument("file:///b.lua"); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.Restore("file:///b.lua", "h"); len(got) != 0 {
		t.Errorf("forgotten document restored %+v", got)
	}
}

func TestClosedStore(t *testing.T) {
	s := openStore(t)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Restore("file:///a.lua", "h"); !errors.Is(err, cache.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestNop(t *testing.T) {
	var c cache.Cache = cache.Nop{}
	if err := c.SaveRun(&cache.Run{Script: "x"}); err != nil {
		t.Fatal(err)
	}
	if got, err := c.Restore("x", "h"); got != nil || err != nil {
		t.Errorf("got %v, %v", got, err)
	}
}
