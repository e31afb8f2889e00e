// Package cache persists coverage runs so that reopening an unchanged
// document restores the coverage recorded for it.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"coverls/internal/coverage"
)

// ErrClosed is returned by a cache used after Close.
var ErrClosed = errors.New("cache: closed")

// Region is one covered location as recorded by a run.
type Region struct {
	Location coverage.Location
	Data     coverage.Data
}

// Document is the coverage a run produced for one document, together with
// the hash of the text the run executed.
type Document struct {
	URI     string
	Hash    string
	Regions []Region
}

// Run is a finished coverage run.
type Run struct {
	// ID is assigned by SaveRun when empty.
	ID        string
	Script    string
	Started   time.Time
	Documents []Document
}

// Cache stores coverage runs.
type Cache interface {
	// SaveRun stores run, replacing earlier runs of the same script.
	SaveRun(run *Run) error

	// Restore returns the regions recorded for uri by runs that executed
	// exactly the text hashed as hash.
	Restore(uri, hash string) ([]Region, error)

	// Forget drops every run of script.
	Forget(script string) error

	// ForgetDocument drops the coverage recorded for uri by any run.
	ForgetDocument(uri string) error

	// Clear drops every run.
	Clear() error

	// Prune keeps the keep most recent runs and returns how many were
	// dropped.
	Prune(keep int) (int, error)

	Close() error
}

// Hash returns the key under which coverage for text is stored.
func Hash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Nop is a Cache that stores nothing.
type Nop struct{}

func (Nop) SaveRun(*Run) error                       { return nil }
func (Nop) Restore(string, string) ([]Region, error) { return nil, nil }
func (Nop) Forget(string) error                      { return nil }
func (Nop) ForgetDocument(string) error              { return nil }
func (Nop) Clear() error                             { return nil }
func (Nop) Prune(int) (int, error)                   { return 0, nil }
func (Nop) Close() error                             { return nil }
