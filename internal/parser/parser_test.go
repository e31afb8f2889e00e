package parser_test

import (
	"context"
	"strings"
	"testing"

	"coverls/internal/parser"
	"coverls/internal/sitteradapter"
	"coverls/internal/text"
)

func TestParserNodeAt(t *testing.T) {
	src := []byte("local answer = 42\nprint(answer)\n")
	p, err := parser.NewParser("lua", src)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	pos := text.Position{Line: 1, Character: 8}
	node, ok := p.NodeAt(pos)
	if !ok {
		t.Fatalf("no node at %s", pos)
	}
	if !node.Range.Contains(pos) {
		t.Errorf("node %s does not span %s", node.Range, pos)
	}
	if !strings.Contains(node.Content, "answer") {
		t.Errorf("expected node content to mention answer, got %q (%s)", node.Content, node.Type)
	}
	if errs := p.Errors(); len(errs) != 0 {
		t.Errorf("valid source reported errors: %+v", errs)
	}
}

func TestParserErrors(t *testing.T) {
	p, err := parser.NewParser("lua", []byte("local x = = 1\n"))
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	if errs := p.Errors(); len(errs) == 0 {
		t.Errorf("expected syntax errors")
	}
}

func TestParserIncrementalUpdate(t *testing.T) {
	before := "local a = 1\n"
	p, err := parser.NewParser("lua", []byte(before))
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	r := text.Range{Start: text.Position{Line: 0, Character: 6}, End: text.Position{Line: 0, Character: 7}}
	after, spans, err := text.Applier{}.Apply(before, []text.Edit{{Range: &r, NewText: "counter"}})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Update([]parser.Edit{parser.Edit(sitteradapter.CreateTSEditAdapter(spans[0]))}); err != nil {
		t.Fatal(err)
	}

	// Content is withheld until the tree has caught up with the text.
	if node, ok := p.NodeAt(text.Position{Line: 0, Character: 8}); ok && node.Content != "" {
		t.Errorf("stale tree leaked content %q", node.Content)
	}

	if err := p.Reparse(context.Background(), []byte(after)); err != nil {
		t.Fatalf("Reparse: %v", err)
	}
	node, ok := p.NodeAt(text.Position{Line: 0, Character: 8})
	if !ok || !strings.Contains(node.Content, "counter") {
		t.Errorf("expected node with counter, got %+v", node)
	}
}

func TestUnsupportedLanguage(t *testing.T) {
	if parser.Supported("typst") {
		t.Fatalf("typst should not be supported")
	}
	if _, err := parser.NewParser("typst", nil); err == nil {
		t.Errorf("expected an error for an unknown grammar")
	}
}
