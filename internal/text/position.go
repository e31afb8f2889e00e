// Package text holds the document buffer primitives: positions, the line
// index and the range-edit applier.
package text

import (
	"errors"
	"fmt"
)

var (
	// ErrContractViolation marks inputs that break a documented precondition.
	// Callers log these as defects and never retry them.
	ErrContractViolation = errors.New("contract violation")

	// ErrOutOfRange is returned when a line or position lies outside the buffer.
	ErrOutOfRange = fmt.Errorf("%w: position out of range", ErrContractViolation)

	// ErrInvalidEditSequence is returned when an edit cannot be resolved
	// against the buffer it is applied to.
	ErrInvalidEditSequence = fmt.Errorf("%w: invalid edit sequence", ErrContractViolation)
)

// Position is a zero-based line and column.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Before reports whether p sorts strictly before o.
func (p Position) Before(o Position) bool {
	return p.Line < o.Line || (p.Line == o.Line && p.Character < o.Character)
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Line, p.Character)
}

// Range is a half-open span of positions.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Contains reports whether pos lies inside r. The end is inclusive so a
// cursor sitting right after the last character still hits the range.
func (r Range) Contains(pos Position) bool {
	return !pos.Before(r.Start) && !r.End.Before(pos)
}

func (r Range) String() string {
	return r.Start.String() + "-" + r.End.String()
}

// Edit replaces Range with NewText. A nil Range replaces the whole buffer.
type Edit struct {
	Range   *Range `json:"range,omitempty"`
	NewText string `json:"text"`
}

// Encoding selects the unit of Position.Character.
type Encoding int

const (
	// UTF8 counts columns in bytes.
	UTF8 Encoding = iota
	// UTF16 counts columns in UTF-16 code units, as LSP clients do by default.
	UTF16
)

func (e Encoding) String() string {
	switch e {
	case UTF8:
		return "utf-8"
	case UTF16:
		return "utf-16"
	default:
		return fmt.Sprintf("Encoding(%d)", int(e))
	}
}

// ParseEncoding maps an LSP position encoding name to an Encoding.
func ParseEncoding(name string) (Encoding, error) {
	switch name {
	case "", "utf-16":
		return UTF16, nil
	case "utf-8":
		return UTF8, nil
	default:
		return UTF16, fmt.Errorf("unsupported position encoding %q", name)
	}
}
