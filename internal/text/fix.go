package text

import "fmt"

// Fix is a speculative version of a buffer with the most recent insertion
// taken back out.
type Fix struct {
	Text      string
	Removed   string
	Character int
}

// RemoveLastInsertion undoes the insertion last made by edit on current.
// The inserted text is assumed to still sit at edit.Range.Start. Character
// is the column where the insertion began.
func RemoveLastInsertion(current string, last Edit, enc Encoding) (Fix, error) {
	if last.Range == nil {
		return Fix{}, fmt.Errorf("%w: cannot take back a full replacement", ErrInvalidEditSequence)
	}
	start := last.Range.Start
	end := EndPosition(start, last.NewText, enc)
	rng := Range{Start: start, End: end}

	fixed, spans, err := Applier{Encoding: enc}.Apply(current, []Edit{{Range: &rng}})
	if err != nil {
		return Fix{}, err
	}
	return Fix{
		Text:      fixed,
		Removed:   spans[0].OldText,
		Character: start.Character,
	}, nil
}
