// scanner is used to scan a workspace for Lua modules.
package scanner

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"coverls/internal/resolver"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("coverls.scanner")

// Scan walks the entire subtree under root, skipping directories that
// resolver.IgnoreDir rejects. Every file for which skip returns false is
// read and handed to callback. Scan returns once all callbacks have
// completed, or early when ctx is done.
func Scan(
	ctx context.Context,
	root string,
	skip func(path string, info fs.FileInfo) bool,
	callback func(path string, document []byte),
) error {
	fileCh := make(chan string, 100)
	var wg sync.WaitGroup

	// worker goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()
		for path := range fileCh {
			data, err := os.ReadFile(path)
			if err != nil {
				log.Warningf("read error: %s: %v", path, err)
				continue
			}
			callback(path, data)
		}
	}()

	log.Debugf("starting WalkDir at %q", root)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			log.Warningf("walk error: %v", err)
			return nil
		}

		if d.IsDir() {
			if path != root && resolver.IgnoreDir(path) {
				log.Debugf("skipping %q", path)
				return fs.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		if skip(path, info) {
			return nil
		}

		select {
		case fileCh <- path:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	})

	// no more files to send
	close(fileCh)
	// wait for the worker to finish consuming and calling back
	wg.Wait()
	return err
}

// LuaFiles is a skip predicate that keeps regular .lua files.
func LuaFiles(path string, info fs.FileInfo) bool {
	return !info.Mode().IsRegular() || filepath.Ext(path) != ".lua"
}
