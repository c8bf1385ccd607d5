// Package models defines core data structures for blocks, batches, facts, and search results.
package models

import "strings"

// Block is a single outline entry in a workspace. Label and LabelUpdatedAt are nil
// until the block has been embedded at least once.
type Block struct {
	ID             string `json:"id"`
	Workspace      string `json:"workspace"`
	Page           string `json:"page,omitempty"`
	Title          string `json:"title"`
	Description    string `json:"description,omitempty"`
	UpdatedAt      int64  `json:"updated_at"`
	Label          *int   `json:"hnsw_label,omitempty"`
	LabelUpdatedAt *int64 `json:"hnsw_label_updated_at,omitempty"`
	Hidden         bool   `json:"hidden,omitempty"`
	UsedAsView     bool   `json:"used_as_view,omitempty"`
	DescriptionOf  string `json:"description_of,omitempty"`
}

// EmbeddableText returns the text sent to the embedding model for this block.
func (b *Block) EmbeddableText() string {
	if strings.TrimSpace(b.Description) == "" {
		return b.Title
	}
	return b.Title + ": " + b.Description
}

// Stale reports whether the block has never been embedded or changed after its
// label was last refreshed.
func (b *Block) Stale() bool {
	if b.Label == nil || b.LabelUpdatedAt == nil {
		return true
	}
	return b.UpdatedAt > *b.LabelUpdatedAt
}

// SameContent reports whether two blocks would produce the same index entry and
// exclusion decision. Used to avoid bumping UpdatedAt on no-op re-imports.
func (b *Block) SameContent(o *Block) bool {
	return b.Title == o.Title &&
		b.Description == o.Description &&
		b.Hidden == o.Hidden &&
		b.UsedAsView == o.UsedAsView &&
		b.DescriptionOf == o.DescriptionOf &&
		b.Page == o.Page
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int { return &v }

// Int64Ptr returns a pointer to v.
func Int64Ptr(v int64) *int64 { return &v }
