package models

import "testing"

func TestBlock_EmbeddableText(t *testing.T) {
	tests := []struct {
		block Block
		want  string
	}{
		{Block{Title: "Rust"}, "Rust"},
		{Block{Title: "Rust", Description: "a systems language"}, "Rust: a systems language"},
		{Block{Title: "Rust", Description: "  "}, "Rust"},
	}
	for _, tt := range tests {
		if got := tt.block.EmbeddableText(); got != tt.want {
			t.Errorf("EmbeddableText() = %q, want %q", got, tt.want)
		}
	}
}

func TestBlock_Stale(t *testing.T) {
	tests := []struct {
		name  string
		block Block
		want  bool
	}{
		{"never embedded", Block{UpdatedAt: 10}, true},
		{"label without timestamp", Block{UpdatedAt: 10, Label: IntPtr(1)}, true},
		{"edited after embed", Block{UpdatedAt: 11, Label: IntPtr(1), LabelUpdatedAt: Int64Ptr(10)}, true},
		{"fresh", Block{UpdatedAt: 10, Label: IntPtr(1), LabelUpdatedAt: Int64Ptr(10)}, false},
	}
	for _, tt := range tests {
		if got := tt.block.Stale(); got != tt.want {
			t.Errorf("%s: Stale() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestBatch_SizeCountsRunes(t *testing.T) {
	b := Batch{{ID: "a", Text: "héllo"}, {ID: "b", Text: "日本"}}
	if got := b.Size(); got != 7 {
		t.Errorf("Size() = %d, want 7", got)
	}
	if got := b.PrevLabels(); len(got) != 0 {
		t.Errorf("PrevLabels() = %v, want empty", got)
	}
	b[1].PrevLabel = IntPtr(4)
	if got := b.PrevLabels(); len(got) != 1 || got[0] != 4 {
		t.Errorf("PrevLabels() = %v, want [4]", got)
	}
}
