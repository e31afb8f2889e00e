package manager

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"coverls/internal/document"
	"coverls/internal/text"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("coverls.manager")

var (
	ErrNotOpen     = errors.New("document is not open")
	ErrAlreadyOpen = errors.New("document is already open")
)

type entry struct {
	surrogate *document.Surrogate
	// detached surrogates hold coverage for modules that ran but are not
	// open in the editor.
	detached bool
}

// DocumentManager owns the surrogate of every document it knows about.
type DocumentManager struct {
	mu       sync.Mutex
	encoding text.Encoding
	docs     map[string]*entry
}

// NewDocumentManager creates an initialized DocumentManager. Edits to its
// documents address columns in enc.
func NewDocumentManager(enc text.Encoding) *DocumentManager {
	return &DocumentManager{
		encoding: enc,
		docs:     make(map[string]*entry),
	}
}

// Open registers an editor-open document. A detached surrogate for uri is
// adopted, keeping its coverage only when its text equals content.
func (dm *DocumentManager) Open(uri, languageID, content string) (*document.Surrogate, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if e, ok := dm.docs[uri]; ok {
		if !e.detached {
			return nil, fmt.Errorf("%s: %w", uri, ErrAlreadyOpen)
		}
		if e.surrogate.Text() == content && e.surrogate.LanguageID() == languageID {
			e.detached = false
			log.Debugf("adopted detached document %s with %d covered regions", uri, e.surrogate.Tracker().Len())
			return e.surrogate, nil
		}
		e.surrogate.Close()
	}

	s := document.New(uri, languageID, content, dm.encoding)
	dm.docs[uri] = &entry{surrogate: s}
	return s, nil
}

// Get returns the surrogate of an open document.
func (dm *DocumentManager) Get(uri string) (*document.Surrogate, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	e, ok := dm.docs[uri]
	if !ok || e.detached {
		return nil, fmt.Errorf("%s: %w", uri, ErrNotOpen)
	}
	return e.surrogate, nil
}

// IsOpen reports whether uri is open in the editor.
func (dm *DocumentManager) IsOpen(uri string) bool {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	e, ok := dm.docs[uri]
	return ok && !e.detached
}

// Adopt returns the surrogate for uri, open or detached, creating a
// detached one from content when none exists. A detached surrogate whose
// text no longer matches content is replaced.
func (dm *DocumentManager) Adopt(uri, languageID, content string) *document.Surrogate {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if e, ok := dm.docs[uri]; ok {
		if !e.detached || e.surrogate.Text() == content {
			return e.surrogate
		}
		e.surrogate.Close()
	}
	s := document.New(uri, languageID, content, dm.encoding)
	dm.docs[uri] = &entry{surrogate: s, detached: true}
	return s
}

// Close removes an open document and closes its surrogate.
func (dm *DocumentManager) Close(uri string) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	e, ok := dm.docs[uri]
	if !ok || e.detached {
		return fmt.Errorf("%s: %w", uri, ErrNotOpen)
	}
	delete(dm.docs, uri)
	e.surrogate.Close()
	return nil
}

// Surrogates returns every known surrogate, open or detached, ordered by URI.
func (dm *DocumentManager) Surrogates() []*document.Surrogate {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	out := make([]*document.Surrogate, 0, len(dm.docs))
	for _, e := range dm.docs {
		out = append(out, e.surrogate)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI() < out[j].URI() })
	return out
}

// CloseAll closes every surrogate.
func (dm *DocumentManager) CloseAll() {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	for _, e := range dm.docs {
		e.surrogate.Close()
	}
	dm.docs = make(map[string]*entry)
}
