package scanner_test

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"coverls/internal/scanner"
)

func write(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestScanLuaFiles(t *testing.T) {
	root := t.TempDir()
	write(t, root, "a.lua", "return 1")
	write(t, root, "lib/b.lua", "return 2")
	write(t, root, "README.md", "# hi")
	write(t, root, ".git/hooks/c.lua", "return 3")
	write(t, root, "node_modules/d.lua", "return 4")

	var mu sync.Mutex
	found := map[string]string{}
	err := scanner.Scan(context.Background(), root, scanner.LuaFiles, func(path string, doc []byte) {
		mu.Lock()
		defer mu.Unlock()
		rel, _ := filepath.Rel(root, path)
		found[filepath.ToSlash(rel)] = string(doc)
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	var got []string
	for rel := range found {
		got = append(got, rel)
	}
	sort.Strings(got)
	if len(got) != 2 || got[0] != "a.lua" || got[1] != "lib/b.lua" {
		t.Errorf("scanned %v", got)
	}
	if found["lib/b.lua"] != "return 2" {
		t.Errorf("content %q", found["lib/b.lua"])
	}
}

func TestScanCancelled(t *testing.T) {
	root := t.TempDir()
	write(t, root, "a.lua", "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := scanner.Scan(ctx, root, scanner.LuaFiles, func(string, []byte) {
		t.Errorf("callback after cancel")
	})
	if err == nil {
		t.Errorf("expected cancellation error")
	}
}
