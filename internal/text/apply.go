package text

import (
	"fmt"
	"strings"
)

// Span describes the buffer region touched by one applied edit. Byte
// fields and points are expressed against the buffer the edit was applied
// to; points use byte columns.
type Span struct {
	StartByte  int
	OldEndByte int
	NewEndByte int

	StartPoint  Position
	OldEndPoint Position
	NewEndPoint Position

	// Range is the edit range as received, nil for a full replacement.
	Range   *Range
	OldText string
	NewText string
}

// Applier turns range edits into offset splices.
type Applier struct {
	Encoding Encoding
}

// Apply applies edits in order, each against the text produced by the
// previous ones, and returns the final text with one Span per edit. On
// error current is left untouched and no spans are returned.
func (a Applier) Apply(current string, edits []Edit) (string, []Span, error) {
	spans := make([]Span, 0, len(edits))
	for i, edit := range edits {
		next, span, err := a.apply(current, edit)
		if err != nil {
			return "", nil, fmt.Errorf("edit %d: %w", i, err)
		}
		current = next
		spans = append(spans, span)
	}
	return current, spans, nil
}

func (a Applier) apply(current string, edit Edit) (string, Span, error) {
	index := NewLineIndex(current)

	if edit.Range == nil {
		return edit.NewText, Span{
			StartByte:   0,
			OldEndByte:  len(current),
			NewEndByte:  len(edit.NewText),
			OldEndPoint: index.PositionAt(len(current)),
			NewEndPoint: EndPosition(Position{}, edit.NewText, UTF8),
			OldText:     current,
			NewText:     edit.NewText,
		}, nil
	}

	rng := *edit.Range
	if rng.End.Before(rng.Start) {
		return "", Span{}, fmt.Errorf("%w: range %s ends before it starts", ErrInvalidEditSequence, rng)
	}
	begin, end, err := a.resolve(index, rng)
	if err != nil {
		return "", Span{}, err
	}
	if begin > end {
		return "", Span{}, fmt.Errorf("%w: range %s resolves to [%d, %d)", ErrInvalidEditSequence, rng, begin, end)
	}

	var b strings.Builder
	b.Grow(len(current) - (end - begin) + len(edit.NewText))
	b.WriteString(current[:begin])
	b.WriteString(edit.NewText)
	b.WriteString(current[end:])

	start := index.PositionAt(begin)
	return b.String(), Span{
		StartByte:   begin,
		OldEndByte:  end,
		NewEndByte:  begin + len(edit.NewText),
		StartPoint:  start,
		OldEndPoint: index.PositionAt(end),
		NewEndPoint: EndPosition(start, edit.NewText, UTF8),
		Range:       &rng,
		OldText:     current[begin:end],
		NewText:     edit.NewText,
	}, nil
}

// resolve maps a range onto byte offsets. Ranges starting past the last
// line are appends, ranges ending past it are truncated to the end of the
// buffer, everything else goes through the index.
func (a Applier) resolve(index *LineIndex, rng Range) (int, int, error) {
	n := index.LineCount()
	startLine := rng.Start.Line + 1
	endLine := rng.End.Line + 1

	switch {
	case n < startLine:
		if rng.Start.Character != 0 || rng.End.Character != 0 {
			return 0, 0, fmt.Errorf("%w: append at %s must start and end in column 0", ErrInvalidEditSequence, rng)
		}
		if n >= endLine {
			return 0, 0, fmt.Errorf("%w: append at %s ends inside the buffer", ErrInvalidEditSequence, rng)
		}
		if !index.EndsWithNewline() && n != 0 {
			return 0, 0, fmt.Errorf("%w: append at %s needs a terminated last line", ErrInvalidEditSequence, rng)
		}
		return index.Len(), index.Len(), nil

	case n < endLine:
		begin, err := index.Offset(rng.Start, a.Encoding)
		if err != nil {
			return 0, 0, err
		}
		return begin, index.Len(), nil

	default:
		begin, err := index.Offset(rng.Start, a.Encoding)
		if err != nil {
			return 0, 0, err
		}
		end, err := index.Offset(rng.End, a.Encoding)
		if err != nil {
			return 0, 0, err
		}
		return begin, end, nil
	}
}
