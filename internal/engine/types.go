package engine

import (
	"fmt"

	"coverls/internal/coverage"
	"coverls/internal/text"
)

// Severity follows the LSP numbering.
type Severity int

const (
	SeverityError Severity = iota + 1
	SeverityWarning
	SeverityInformation
	SeverityHint
)

func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	case SeverityInformation:
		return "information"
	case SeverityHint:
		return "hint"
	default:
		return fmt.Sprintf("Severity(%d)", int(s))
	}
}

// Diagnostic sources. Each source replaces only its own diagnostics when
// it publishes.
const (
	SourceParse     = "parse"
	SourceExecution = "execution"
	SourceCoverage  = "coverage"
)

// Diagnostic is a message anchored in a document.
type Diagnostic struct {
	URI      string     `json:"uri"`
	Range    text.Range `json:"range"`
	Severity Severity   `json:"severity"`
	Message  string     `json:"message"`
	Source   string     `json:"source"`
}

// Kind selects what RequestAnalysis computes.
type Kind int

const (
	KindHover Kind = iota
	KindDiagnostics
	KindCoverage
	KindProbe
)

func (k Kind) String() string {
	switch k {
	case KindHover:
		return "hover"
	case KindDiagnostics:
		return "diagnostics"
	case KindCoverage:
		return "coverage"
	case KindProbe:
		return "probe"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Scope selects what ClearCoverage removes.
type Scope int

const (
	// ScopeRun removes everything recorded by the run that covers a document.
	ScopeRun Scope = iota
	// ScopeDocument removes every record of one document.
	ScopeDocument
	// ScopeAll removes every record.
	ScopeAll
)

func (s Scope) String() string {
	switch s {
	case ScopeRun:
		return "run"
	case ScopeDocument:
		return "document"
	case ScopeAll:
		return "all"
	default:
		return fmt.Sprintf("Scope(%d)", int(s))
	}
}

// ParseScope maps a command argument to a Scope.
func ParseScope(name string) (Scope, error) {
	switch name {
	case "", "run":
		return ScopeRun, nil
	case "document":
		return ScopeDocument, nil
	case "all":
		return ScopeAll, nil
	default:
		return ScopeRun, fmt.Errorf("unknown coverage scope %q", name)
	}
}

// Region is a covered location with everything recorded for it.
type Region struct {
	Location coverage.Location `json:"location"`
	Data     []coverage.Data   `json:"data"`
}

// Probe is the speculative text before the last insertion.
type Probe struct {
	Text      string `json:"text"`
	Removed   string `json:"removed"`
	Character int    `json:"character"`
	Parses    bool   `json:"parses"`
	Error     string `json:"error,omitempty"`
}

// Result is the outcome of RequestAnalysis. Only the fields of the
// requested kind are set.
type Result struct {
	Kind        Kind         `json:"kind"`
	URI         string       `json:"uri"`
	Hover       string       `json:"hover,omitempty"`
	Range       *text.Range  `json:"range,omitempty"`
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
	Regions     []Region     `json:"regions,omitempty"`
	Probe       *Probe       `json:"probe,omitempty"`
}

// DocumentReport summarizes the coverage of one document.
type DocumentReport struct {
	URI        string  `json:"uri"`
	Statements int     `json:"statements"`
	Covered    int     `json:"covered"`
	Percent    float64 `json:"percent"`
	// Uncovered lists one-based lines holding uncovered statements.
	Uncovered []int `json:"uncovered_lines,omitempty"`
}

// Report summarizes a coverage run.
type Report struct {
	ID        string           `json:"id,omitempty"`
	Script    string           `json:"script"`
	Target    string           `json:"target"`
	Success   bool             `json:"success"`
	Error     string           `json:"error,omitempty"`
	Documents []DocumentReport `json:"documents"`
}

// Publisher delivers the diagnostics of a document to the editor. An
// empty list clears them.
type Publisher interface {
	Publish(uri string, diagnostics []Diagnostic)
}

// Listener observes coverage changes.
type Listener interface {
	RunFinished(report Report)
	CoverageCleared(uri string, scope Scope)
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, []Diagnostic) {}

type nopListener struct{}

func (nopListener) RunFinished(Report)            {}
func (nopListener) CoverageCleared(string, Scope) {}
