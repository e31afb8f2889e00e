// Package runtime defines the contract between the document model and the
// language runtime that parses and executes documents.
//
// A Runtime is not safe for concurrent entry. Every call goes through the
// engine's single execution lane.
package runtime

import (
	"context"
	"errors"
	"fmt"

	"coverls/internal/coverage"
)

var (
	// ErrUnsupportedLanguage is returned by Parse for language ids the
	// runtime does not know.
	ErrUnsupportedLanguage = errors.New("unsupported language")

	// ErrBusy is returned when a runtime is entered while another call is
	// still executing.
	ErrBusy = errors.New("runtime is busy")
)

// Source is a document handed to the runtime.
type Source struct {
	URI        string
	LanguageID string
	Text       string
}

// Handle is the runtime's parsed form of a source.
type Handle interface {
	URI() string
	Source() Source
	// Statements lists the location of every statement the runtime can
	// report coverage for.
	Statements() []coverage.Location
}

// Event is delivered once per executed statement.
type Event struct {
	Location coverage.Location
	Node     string
}

// Binding is an attached execution observer.
type Binding interface {
	Dispose()
}

// Runtime parses and executes documents.
type Runtime interface {
	Parse(ctx context.Context, src Source) (Handle, error)
	// Attach registers fn for statement events whose URI passes filter. The
	// binding must be disposed once the run it observes has finished.
	Attach(filter func(uri string) bool, fn func(Event)) Binding
	Execute(ctx context.Context, h Handle) error
	Close() error
}

// ParseError reports source that the runtime could not parse.
type ParseError struct {
	Location *coverage.Location
	Message  string
}

func (e *ParseError) Error() string {
	if e.Location == nil {
		return "parse error: " + e.Message
	}
	return fmt.Sprintf("parse error at %d:%d: %s", e.Location.StartLine+1, e.Location.StartColumn+1, e.Message)
}

// ExecutionError reports a failure raised while a document was running.
type ExecutionError struct {
	Location *coverage.Location
	Message  string
	Cause    error
}

func (e *ExecutionError) Error() string {
	if e.Location == nil {
		return "execution failed: " + e.Message
	}
	return fmt.Sprintf("execution failed at %s:%d: %s", e.Location.URI, e.Location.StartLine+1, e.Message)
}

func (e *ExecutionError) Unwrap() error {
	return e.Cause
}
