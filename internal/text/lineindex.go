package text

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// LineIndex maps one-based line numbers to byte offsets of a fixed buffer.
// It is built once and never mutated; rebuild after every edit.
type LineIndex struct {
	text    string
	starts  []int
	finalNL bool
}

// NewLineIndex scans text once and records the offset of every line start.
// A terminator at the very end of the buffer does not open a new line.
func NewLineIndex(text string) *LineIndex {
	x := &LineIndex{text: text}
	if len(text) == 0 {
		return x
	}
	x.starts = append(x.starts, 0)
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' && i+1 < len(text) {
			x.starts = append(x.starts, i+1)
		}
	}
	x.finalNL = text[len(text)-1] == '\n'
	return x
}

// LineCount returns the number of recorded lines.
func (x *LineIndex) LineCount() int {
	return len(x.starts)
}

// Len returns the byte length of the indexed buffer.
func (x *LineIndex) Len() int {
	return len(x.text)
}

// EndsWithNewline reports whether the buffer ends with '\n'.
func (x *LineIndex) EndsWithNewline() bool {
	return x.finalNL
}

// Text returns the indexed buffer.
func (x *LineIndex) Text() string {
	return x.text
}

// LineStartOffset returns the byte offset at which oneBasedLine starts.
// The line directly after the last one is addressable only when the buffer
// ends with a terminator or is empty; it maps to Len().
func (x *LineIndex) LineStartOffset(oneBasedLine int) (int, error) {
	n := len(x.starts)
	switch {
	case oneBasedLine >= 1 && oneBasedLine <= n:
		return x.starts[oneBasedLine-1], nil
	case oneBasedLine == n+1 && (x.finalNL || n == 0):
		return len(x.text), nil
	default:
		return 0, fmt.Errorf("%w: line %d of %d", ErrOutOfRange, oneBasedLine, n)
	}
}

// LineEnd returns the offset of the terminator of oneBasedLine, or Len()
// for an unterminated last line.
func (x *LineIndex) LineEnd(oneBasedLine int) (int, error) {
	start, err := x.LineStartOffset(oneBasedLine)
	if err != nil {
		return 0, err
	}
	if i := strings.IndexByte(x.text[start:], '\n'); i >= 0 {
		return start + i, nil
	}
	return len(x.text), nil
}

// LineText returns the content of a zero-based line without its terminator.
func (x *LineIndex) LineText(line int) string {
	start, err := x.LineStartOffset(line + 1)
	if err != nil {
		return ""
	}
	end, _ := x.LineEnd(line + 1)
	return x.text[start:end]
}

// Offset converts a zero-based position to a byte offset. With UTF8 the
// column is added to the line start as is; with UTF16 the addressed line is
// walked until enough code units have been consumed. A column past the end
// of its line is not clamped: the overshoot carries on into the following
// lines, so only the end of the buffer bounds it.
func (x *LineIndex) Offset(pos Position, enc Encoding) (int, error) {
	if pos.Line < 0 || pos.Character < 0 {
		return 0, fmt.Errorf("%w: negative position %s", ErrOutOfRange, pos)
	}
	start, err := x.LineStartOffset(pos.Line + 1)
	if err != nil {
		return 0, err
	}
	col := pos.Character
	if enc == UTF16 {
		col = utf16ToBytes(x.text[start:], pos.Character)
	}
	if col > len(x.text)-start {
		return 0, fmt.Errorf("%w: %s is past the end of the buffer", ErrOutOfRange, pos)
	}
	return start + col, nil
}

// PositionAt converts a byte offset to a zero-based position with a byte
// column. Offsets past the end clamp to the end.
func (x *LineIndex) PositionAt(offset int) Position {
	if offset <= 0 || len(x.starts) == 0 {
		return Position{}
	}
	if offset > len(x.text) {
		offset = len(x.text)
	}
	line := sort.Search(len(x.starts), func(i int) bool { return x.starts[i] > offset }) - 1
	if offset == len(x.text) && x.finalNL {
		return Position{Line: len(x.starts), Character: 0}
	}
	return Position{Line: line, Character: offset - x.starts[line]}
}

// Character converts a byte column on a zero-based line into enc units.
func (x *LineIndex) Character(line, byteColumn int, enc Encoding) int {
	if enc == UTF8 {
		return byteColumn
	}
	content := x.LineText(line)
	if byteColumn > len(content) {
		byteColumn = len(content)
	}
	return utf16Len(content[:byteColumn])
}

// LineSpan measures how many lines s stretches over: a trailing
// terminator and the empty string both count as one more line.
func LineSpan(s string) int {
	x := NewLineIndex(s)
	n := x.LineCount()
	if x.EndsWithNewline() {
		n++
	}
	if s == "" {
		n++
	}
	return n
}

// utf16ToBytes walks line until units UTF-16 code units are consumed and
// returns the byte count. The walk stops at the first terminator.
func utf16ToBytes(line string, units int) int {
	var consumed, bytes int
	for _, r := range line {
		if r == '\n' || consumed >= units {
			break
		}
		n := 1
		if r > 0xFFFF {
			n = 2
		}
		if consumed+n > units {
			break
		}
		consumed += n
		bytes += utf8.RuneLen(r)
	}
	if consumed < units {
		// Columns past the end of the line run on past the terminator.
		bytes += units - consumed
	}
	return bytes
}

func utf16Len(s string) int {
	var n int
	for _, r := range s {
		if r > 0xFFFF {
			n += 2
		} else {
			n++
		}
	}
	return n
}

// EndPosition returns the position reached after writing s starting at
// start, with the column counted in enc units.
func EndPosition(start Position, s string, enc Encoding) Position {
	lines := strings.Count(s, "\n")
	if lines == 0 {
		if enc == UTF16 {
			return Position{Line: start.Line, Character: start.Character + utf16Len(s)}
		}
		return Position{Line: start.Line, Character: start.Character + len(s)}
	}
	last := s[strings.LastIndexByte(s, '\n')+1:]
	col := len(last)
	if enc == UTF16 {
		col = utf16Len(last)
	}
	return Position{Line: start.Line + lines, Character: col}
}
