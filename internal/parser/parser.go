package parser

import (
	"context"
	"fmt"
	"sync"

	"coverls/internal/sitteradapter"
	"coverls/internal/text"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/lua"
)

var languages = map[string]*sitter.Language{
	"lua": lua.GetLanguage(),
}

// Supported reports whether a syntax tree can be built for languageID.
func Supported(languageID string) bool {
	_, ok := languages[languageID]
	return ok
}

// Node is a syntax node detached from its tree.
type Node struct {
	Type    string
	Range   text.Range
	Content string
	Parent  string
}

// Edit represents an edit change for incremental parsing.
type Edit sitter.EditInput

// Parser wraps a tree-sitter parser instance along with a (possibly) stateful syntax tree.
type Parser struct {
	parser *sitter.Parser
	tree   *sitter.Tree
	source []byte
	stale  bool
	mu     sync.Mutex
}

// NewParser creates a Parser for languageID and parses initialText if it is
// non-empty.
func NewParser(languageID string, initialText []byte) (*Parser, error) {
	lang, ok := languages[languageID]
	if !ok {
		return nil, fmt.Errorf("no grammar for language %q", languageID)
	}
	p := sitter.NewParser()
	p.SetLanguage(lang)
	parser := &Parser{
		parser: p,
		source: initialText,
	}
	if len(initialText) > 0 {
		tree, err := p.ParseCtx(context.Background(), nil, initialText)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("failed to parse initial text: %w", err)
		}
		parser.tree = tree
	}
	return parser, nil
}

// Update applies a set of changes (edits) to the currently parsed tree.
// The tree is reparsed lazily by Reparse.
func (p *Parser) Update(changes []Edit) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tree == nil {
		p.stale = true
		return nil
	}
	for _, change := range changes {
		p.tree.Edit(sitter.EditInput(change))
	}
	p.stale = true
	return nil
}

// Reparse brings the tree up to date with source, reusing the edited tree.
func (p *Parser) Reparse(ctx context.Context, source []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.parser == nil {
		return fmt.Errorf("parser is closed")
	}
	if !p.stale && p.tree != nil && string(p.source) == string(source) {
		return nil
	}
	tree, err := p.parser.ParseCtx(ctx, p.tree, source)
	if err != nil {
		return err
	}
	if p.tree != nil {
		p.tree.Close()
	}
	p.tree = tree
	p.source = source
	p.stale = false
	return nil
}

// NodeAt returns the smallest named node spanning pos.
func (p *Parser) NodeAt(pos text.Position) (Node, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tree == nil {
		return Node{}, false
	}
	pt := sitteradapter.PositionToTSPoint(pos)
	n := p.tree.RootNode().NamedDescendantForPointRange(pt, pt)
	if n == nil {
		return Node{}, false
	}
	return p.detach(n), true
}

// Errors returns the error and missing nodes of the tree.
func (p *Parser) Errors() []Node {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tree == nil {
		return nil
	}
	var out []Node
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if n.IsError() || n.IsMissing() {
			out = append(out, p.detach(n))
			return
		}
		if !n.HasError() {
			return
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			walk(n.Child(i))
		}
	}
	walk(p.tree.RootNode())
	return out
}

func (p *Parser) detach(n *sitter.Node) Node {
	node := Node{
		Type:  n.Type(),
		Range: sitteradapter.NodeRange(n),
	}
	// An edited tree addresses text the parser has not seen yet.
	if start, end := n.StartByte(), n.EndByte(); !p.stale && start <= end && int(end) <= len(p.source) {
		node.Content = string(p.source[start:end])
	}
	if parent := n.Parent(); parent != nil {
		node.Parent = parent.Type()
	}
	return node
}

// Close frees any resources held by the Parser.
func (p *Parser) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tree != nil {
		p.tree.Close()
		p.tree = nil
	}
	if p.parser != nil {
		p.parser.Close()
		p.parser = nil
	}
	return nil
}
