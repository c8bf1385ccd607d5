package indexer

import (
	"testing"

	"github.com/hyperjump/vecsync/internal/fileid"
)

func TestParsePage_Outline(t *testing.T) {
	content := "title:: My Page\n" +
		"- First block\n" +
		"  continued line\n" +
		"  collapsed:: true\n" +
		"  - Child\n" +
		"    id:: 650e8400-e29b-41d4-a716-446655440000\n" +
		"  - description:: what the first block is about\n" +
		"- Secret\n" +
		"  hidden:: true\n" +
		"\t- tab child\n"
	blocks := ParsePage("/graph/pages/my.md", content)
	if len(blocks) != 5 {
		t.Fatalf("got %d blocks, want 5", len(blocks))
	}

	first := blocks[0]
	if first.Title != "First block\ncontinued line" {
		t.Errorf("first title = %q", first.Title)
	}
	if first.ID != fileid.BlockID("/graph/pages/my.md", "0") {
		t.Errorf("first ID should be positional, got %s", first.ID)
	}
	if first.Page != fileid.PageID("/graph/pages/my.md") {
		t.Errorf("page = %s", first.Page)
	}
	if first.Description != "what the first block is about" {
		t.Errorf("description child should describe its parent, got %q", first.Description)
	}

	if blocks[1].ID != "650e8400-e29b-41d4-a716-446655440000" || blocks[1].Title != "Child" {
		t.Errorf("child = %+v", blocks[1])
	}

	desc := blocks[2]
	if desc.DescriptionOf != first.ID || desc.Title != "what the first block is about" {
		t.Errorf("description block = %+v", desc)
	}

	if !blocks[3].Hidden || blocks[3].Title != "Secret" {
		t.Errorf("hidden block = %+v", blocks[3])
	}
	if blocks[4].ID != fileid.BlockID("/graph/pages/my.md", "1.0") {
		t.Errorf("tab-indented child should nest under Secret")
	}
}

func TestParsePage_PlainParagraphs(t *testing.T) {
	content := "# Heading\nFirst paragraph\nstill first\n\nSecond paragraph\n---\n"
	blocks := ParsePage("/notes/plain.txt", content)
	var titles []string
	for _, b := range blocks {
		titles = append(titles, b.Title)
	}
	want := []string{"# Heading", "First paragraph\nstill first", "Second paragraph\n---"}
	if len(titles) != len(want) {
		t.Fatalf("titles = %q", titles)
	}
	for i := range want {
		if titles[i] != want[i] {
			t.Errorf("block %d = %q, want %q", i, titles[i], want[i])
		}
	}
}

func TestParsePage_DuplicateIDsKeepFirst(t *testing.T) {
	content := "- one\n  id:: same\n- two\n  id:: same\n"
	blocks := ParsePage("/p.md", content)
	if len(blocks) != 1 || blocks[0].Title != "one" {
		t.Errorf("blocks = %+v", blocks)
	}
}

func TestParsePage_ViewProperty(t *testing.T) {
	blocks := ParsePage("/p.md", "- table\n  view:: true\n")
	if len(blocks) != 1 || !blocks[0].UsedAsView {
		t.Errorf("blocks = %+v", blocks)
	}
}

func TestStructuralOnly(t *testing.T) {
	tests := map[string]bool{
		"":                     true,
		"# ":                   true,
		"- ":                   true,
		"***":                  true,
		"tags:: x":             true,
		"{{embed ((abc))}}":    true,
		"((abc)) {{renderer}}": true,
		"# Title":              false,
		"see ((abc))":          false,
		"note:: x\nreal text":  false,
	}
	for in, want := range tests {
		if got := StructuralOnly(in); got != want {
			t.Errorf("StructuralOnly(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestPreprocess(t *testing.T) {
	if got := Preprocess("  a \n\t b  "); got != "a b" {
		t.Errorf("Preprocess = %q", got)
	}
}
