package sitteradapter

import (
	"coverls/internal/text"

	sitter "github.com/smacker/go-tree-sitter"
)

// CreateTSEditAdapter converts an applied text span into a tree-sitter EditInput.
func CreateTSEditAdapter(span text.Span) sitter.EditInput {
	return sitter.EditInput{
		StartIndex:  uint32(span.StartByte),
		OldEndIndex: uint32(span.OldEndByte),
		NewEndIndex: uint32(span.NewEndByte),
		StartPoint:  PositionToTSPoint(span.StartPoint),
		OldEndPoint: PositionToTSPoint(span.OldEndPoint),
		NewEndPoint: PositionToTSPoint(span.NewEndPoint),
	}
}

// PositionToTSPoint converts a byte-column position to a tree-sitter Point.
func PositionToTSPoint(pos text.Position) sitter.Point {
	if pos.Line < 0 {
		pos.Line = 0
	}
	if pos.Character < 0 {
		pos.Character = 0
	}
	return sitter.Point{Row: uint32(pos.Line), Column: uint32(pos.Character)}
}

// TSPointToPosition converts a tree-sitter Point to a byte-column position.
func TSPointToPosition(pt sitter.Point) text.Position {
	return text.Position{Line: int(pt.Row), Character: int(pt.Column)}
}

// NodeRange returns the byte-column range covered by node.
func NodeRange(node *sitter.Node) text.Range {
	return text.Range{
		Start: TSPointToPosition(node.StartPoint()),
		End:   TSPointToPosition(node.EndPoint()),
	}
}
