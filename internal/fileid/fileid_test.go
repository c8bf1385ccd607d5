package fileid

import (
	"strings"
	"testing"
)

func TestPageID(t *testing.T) {
	id1 := PageID("/graph/pages/foo.md")
	id2 := PageID("/graph/pages/foo.md")
	if id1 != id2 {
		t.Errorf("same path should give same ID: %q vs %q", id1, id2)
	}
	if !strings.HasPrefix(id1, pagePrefix) {
		t.Errorf("ID should have prefix %q: got %q", pagePrefix, id1)
	}
	if PageID("/graph/pages/bar.md") == id1 {
		t.Error("different paths should give different IDs")
	}
}

func TestPageID_normalized(t *testing.T) {
	id1 := PageID("/foo/bar")
	if id1 != PageID("/foo/bar/") {
		t.Error("paths differing only by trailing slash should match")
	}
	if id1 != PageID("/foo/./bar") {
		t.Error("paths with . should normalize")
	}
}

func TestBlockID(t *testing.T) {
	a := BlockID("/graph/p.md", "0")
	if a != BlockID("/graph/./p.md", "0") {
		t.Error("block IDs should use the cleaned path")
	}
	if a == BlockID("/graph/p.md", "1") {
		t.Error("different positions should give different IDs")
	}
	if a == BlockID("/graph/q.md", "0") {
		t.Error("different pages should give different IDs")
	}
	if !strings.HasPrefix(a, blockPrefix) || len(a) != len(blockPrefix)+32 {
		t.Errorf("unexpected block ID shape: %q", a)
	}
}
