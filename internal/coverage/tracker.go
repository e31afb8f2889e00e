// Package coverage keeps the runtime coverage recorded for a document and
// moves it along when the document is edited.
package coverage

import (
	"fmt"
	"sort"
	"sync"

	"coverls/internal/text"
)

// Location identifies a source region. Lines are zero-based. Locations are
// compared by value and used directly as map keys, so they are never
// mutated in place.
type Location struct {
	URI         string `json:"uri"`
	StartLine   int    `json:"start_line"`
	StartColumn int    `json:"start_column"`
	EndLine     int    `json:"end_line"`
	EndColumn   int    `json:"end_column"`
}

// Range converts the location to a text range.
func (l Location) Range() text.Range {
	return text.Range{
		Start: text.Position{Line: l.StartLine, Character: l.StartColumn},
		End:   text.Position{Line: l.EndLine, Character: l.EndColumn},
	}
}

// Contains reports whether pos falls inside the location.
func (l Location) Contains(pos text.Position) bool {
	return l.Range().Contains(pos)
}

func (l Location) String() string {
	return fmt.Sprintf("%s:%d:%d-%d:%d", l.URI, l.StartLine, l.StartColumn, l.EndLine, l.EndColumn)
}

// Data is one observation of a location being executed.
type Data struct {
	// Run is the URI of the script whose execution produced this record.
	Run  string `json:"run"`
	Node string `json:"node"`
	Hits int    `json:"hits"`
}

// Tracker maps locations to the coverage recorded for them.
type Tracker struct {
	mu      sync.RWMutex
	regions map[Location][]Data
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{regions: make(map[Location][]Data)}
}

// Add records d for loc. Records from the same run are merged by summing
// their hits.
func (t *Tracker) Add(loc Location, d Data) {
	if d.Hits == 0 {
		d.Hits = 1
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.regions[loc] = merge(t.regions[loc], d)
}

func merge(list []Data, d Data) []Data {
	for i := range list {
		if list[i].Run == d.Run {
			list[i].Hits += d.Hits
			if list[i].Node == "" {
				list[i].Node = d.Node
			}
			return list
		}
	}
	return append(list, d)
}

// Get returns a copy of the records for loc.
func (t *Tracker) Get(loc Location) []Data {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Data(nil), t.regions[loc]...)
}

// Covered reports whether anything was recorded for loc.
func (t *Tracker) Covered(loc Location) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.regions[loc]) > 0
}

// Len returns the number of tracked locations.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.regions)
}

// Locations returns the tracked locations in document order.
func (t *Tracker) Locations() []Location {
	t.mu.RLock()
	locs := make([]Location, 0, len(t.regions))
	for loc := range t.regions {
		locs = append(locs, loc)
	}
	t.mu.RUnlock()
	sortLocations(locs)
	return locs
}

// At returns the tracked locations containing pos, innermost first.
func (t *Tracker) At(pos text.Position) []Location {
	t.mu.RLock()
	var locs []Location
	for loc := range t.regions {
		if loc.Contains(pos) {
			locs = append(locs, loc)
		}
	}
	t.mu.RUnlock()
	sort.Slice(locs, func(i, j int) bool {
		a, b := locs[i], locs[j]
		if a.StartLine != b.StartLine {
			return a.StartLine > b.StartLine
		}
		if a.EndLine != b.EndLine {
			return a.EndLine < b.EndLine
		}
		return a.StartColumn > b.StartColumn
	})
	return locs
}

// Runs returns the distinct run URIs that contributed coverage.
func (t *Tracker) Runs() []string {
	t.mu.RLock()
	seen := map[string]struct{}{}
	for _, list := range t.regions {
		for _, d := range list {
			seen[d.Run] = struct{}{}
		}
	}
	t.mu.RUnlock()
	runs := make([]string, 0, len(seen))
	for run := range seen {
		runs = append(runs, run)
	}
	sort.Strings(runs)
	return runs
}

// Clear drops every record produced by run. Locations left without records
// are removed.
func (t *Tracker) Clear(run string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for loc, list := range t.regions {
		kept := list[:0]
		for _, d := range list {
			if d.Run != run {
				kept = append(kept, d)
			}
		}
		if len(kept) == 0 {
			delete(t.regions, loc)
		} else {
			t.regions[loc] = kept
		}
	}
}

// ClearAll drops everything.
func (t *Tracker) ClearAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.regions = make(map[Location][]Data)
}

// Snapshot returns a deep copy of the tracked records.
func (t *Tracker) Snapshot() map[Location][]Data {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[Location][]Data, len(t.regions))
	for loc, list := range t.regions {
		out[loc] = append([]Data(nil), list...)
	}
	return out
}

// Relocate shifts tracked locations to account for one applied edit.
// Only line numbers move; columns are left as they were. It returns the
// number of relocated locations. A location moving onto an occupied key
// keeps its records as separate entries next to the ones already there.
func (t *Tracker) Relocate(span text.Span) int {
	if span.Range == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.regions) == 0 {
		return 0
	}
	delta := text.LineSpan(span.NewText) - text.LineSpan(span.OldText)
	if delta == 0 {
		return 0
	}

	type move struct{ from, to Location }
	var moves []move
	for loc := range t.regions {
		to := shift(loc, *span.Range, delta)
		if to != loc {
			moves = append(moves, move{loc, to})
		}
	}

	// Detach every moving entry before reinserting so that a location moving
	// onto a key that is itself about to move is not clobbered.
	detached := make([][]Data, len(moves))
	for i, m := range moves {
		detached[i] = t.regions[m.from]
		delete(t.regions, m.from)
	}
	for i, m := range moves {
		t.regions[m.to] = append(t.regions[m.to], detached[i]...)
	}
	return len(moves)
}

// shift applies the line delta of an edit over r to loc. An edit inside the
// region stretches its end; an edit above it moves the whole region.
func shift(loc Location, r text.Range, delta int) Location {
	includes := loc.StartLine <= r.Start.Line && r.End.Line <= loc.EndLine
	behind := r.End.Line < loc.StartLine
	if includes {
		loc.EndLine += delta
	}
	if behind {
		loc.StartLine += delta
		loc.EndLine += delta
	}
	return loc
}

func sortLocations(locs []Location) {
	sort.Slice(locs, func(i, j int) bool {
		a, b := locs[i], locs[j]
		if a.URI != b.URI {
			return a.URI < b.URI
		}
		if a.StartLine != b.StartLine {
			return a.StartLine < b.StartLine
		}
		if a.StartColumn != b.StartColumn {
			return a.StartColumn < b.StartColumn
		}
		if a.EndLine != b.EndLine {
			return a.EndLine < b.EndLine
		}
		return a.EndColumn < b.EndColumn
	})
}
