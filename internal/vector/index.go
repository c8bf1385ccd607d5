// Package vector provides per-workspace labelled vector indexes and the backend
// contract the sync and search paths use to reach them.
package vector

import (
	"context"

	"github.com/hyperjump/vecsync/internal/models"
)

// Backend embeds text and stores the vectors under small integer labels.
// Labels are minted by the backend and are unique within one workspace index.
type Backend interface {
	// EmbedAndStore embeds texts and returns one label per text, in order.
	// Labels in deletes are removed first; reset clears the whole index before storing.
	EmbedAndStore(ctx context.Context, texts []string, deletes []int, reset bool) ([]int, error)
	// Search returns exactly k slots ordered by ascending distance. Slots
	// without a match carry a NaN distance and label -1.
	Search(ctx context.Context, query string, k int) ([]float32, []int, error)
	IndexInfo(ctx context.Context) (models.IndexInfo, error)
	// ForceResetIndex drops every stored vector and label.
	ForceResetIndex(ctx context.Context) error
	// WriteIndex persists the index.
	WriteIndex(ctx context.Context) error
}

// Provider hands out the backend for a workspace. The boolean is false when
// no inference capability is configured.
type Provider interface {
	Backend(workspace string) (Backend, bool)
}
