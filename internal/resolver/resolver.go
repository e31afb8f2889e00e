// Package resolver maps between document URIs, workspace paths and Lua
// module names.
package resolver

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("coverls.resolver")

const extension = ".lua"

// Resolver is rooted at a workspace directory.
type Resolver struct {
	root     string
	patterns []string

	mu      sync.RWMutex
	modules map[string]string // module name -> absolute path
}

// New creates a Resolver for root. Patterns name test scripts, with
// "{name}" standing for a document's base name.
func New(root string, patterns []string) *Resolver {
	abs, err := filepath.Abs(root)
	if err != nil {
		log.Warningf("cannot make %q absolute: %v", root, err)
		abs = filepath.Clean(root)
	}
	return &Resolver{
		root:     abs,
		patterns: append([]string(nil), patterns...),
		modules:  make(map[string]string),
	}
}

// Root returns the absolute workspace root.
func (r *Resolver) Root() string { return r.root }

// PathToURI returns the file URI of path. Relative paths are taken
// relative to the root.
func (r *Resolver) PathToURI(path string) string {
	if !filepath.IsAbs(path) {
		path = filepath.Join(r.root, path)
	}
	u := url.URL{
		Scheme: "file",
		Path:   filepath.ToSlash(filepath.Clean(path)),
	}
	return u.String()
}

// URIToPath returns the local path of a file URI.
func (r *Resolver) URIToPath(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", err
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("not a file URI: %s", uri)
	}
	return filepath.Clean(filepath.FromSlash(u.Path)), nil
}

// ModuleName returns the name under which path is required, or false for
// files outside the root or without the Lua extension.
func (r *Resolver) ModuleName(path string) (string, bool) {
	if filepath.Ext(path) != extension {
		return "", false
	}
	rel, err := filepath.Rel(r.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	rel = strings.TrimSuffix(rel, extension)
	if filepath.Base(rel) == "init" {
		rel = filepath.Dir(rel)
		if rel == "." {
			return "", false
		}
	}
	return strings.ReplaceAll(filepath.ToSlash(rel), "/", "."), true
}

// ModulePaths returns the paths require(name) looks at, in order.
func (r *Resolver) ModulePaths(name string) []string {
	if name == "" || strings.Contains(name, "..") {
		return nil
	}
	rel := filepath.FromSlash(strings.ReplaceAll(name, ".", "/"))
	return []string{
		filepath.Join(r.root, rel+extension),
		filepath.Join(r.root, rel, "init"+extension),
	}
}

// Index records path as a workspace module.
func (r *Resolver) Index(path string) {
	name, ok := r.ModuleName(path)
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[name] = path
}

// Forget removes path from the module index.
func (r *Resolver) Forget(path string) {
	name, ok := r.ModuleName(path)
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.modules[name] == path {
		delete(r.modules, name)
	}
}

// Module returns the path of module name, checking the index and then the
// file system.
func (r *Resolver) Module(name string) (string, bool) {
	r.mu.RLock()
	path, ok := r.modules[name]
	r.mu.RUnlock()
	if ok {
		return path, true
	}
	for _, p := range r.ModulePaths(name) {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, true
		}
	}
	return "", false
}

// Modules returns the indexed module names, sorted.
func (r *Resolver) Modules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsTestScript reports whether uri names a test script.
func (r *Resolver) IsTestScript(uri string) bool {
	base := strings.TrimSuffix(filepath.Base(uri), extension)
	for _, p := range r.patterns {
		prefix, suffix, _ := strings.Cut(strings.TrimSuffix(p, extension), "{name}")
		if len(base) > len(prefix)+len(suffix) && strings.HasPrefix(base, prefix) && strings.HasSuffix(base, suffix) {
			return true
		}
	}
	return false
}

// TestScripts returns the URIs of the test scripts that exercise the
// document at uri, in pattern order. They sit next to the document.
func (r *Resolver) TestScripts(uri string) []string {
	if r.IsTestScript(uri) {
		return nil
	}
	slash := strings.LastIndex(uri, "/")
	if slash < 0 {
		return nil
	}
	dir, file := uri[:slash+1], uri[slash+1:]
	name := strings.TrimSuffix(file, extension)
	if name == file {
		return nil
	}

	out := make([]string, 0, len(r.patterns))
	for _, p := range r.patterns {
		out = append(out, dir+strings.ReplaceAll(p, "{name}", name))
	}
	return out
}

// IgnoreDir reports whether a directory is skipped when scanning.
func IgnoreDir(path string) bool {
	base := filepath.Base(path)
	if base == "." || base == ".." {
		return false
	}
	return strings.HasPrefix(base, ".") || base == "node_modules"
}
