package vector

import (
	"context"
	"fmt"

	"github.com/hyperjump/vecsync/internal/embedding"
	"github.com/hyperjump/vecsync/internal/models"
)

// IndexBackend pairs an embedder with one workspace's LabelIndex and the file it persists to.
type IndexBackend struct {
	embedder embedding.Embedder
	index    *LabelIndex
	path     string
}

// NewIndexBackend creates a backend over index, persisted at path.
func NewIndexBackend(embedder embedding.Embedder, index *LabelIndex, path string) *IndexBackend {
	return &IndexBackend{embedder: embedder, index: index, path: path}
}

// EmbedAndStore embeds texts in one batch and stores them, returning their labels.
func (b *IndexBackend) EmbedAndStore(ctx context.Context, texts []string, deletes []int, reset bool) ([]int, error) {
	vectors, err := b.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to embed batch: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(texts))
	}
	labels, err := b.index.Store(vectors, deletes, reset)
	if err != nil {
		return nil, fmt.Errorf("failed to store vectors: %w", err)
	}
	return labels, nil
}

// Search embeds query and returns the k nearest labels.
func (b *IndexBackend) Search(ctx context.Context, query string, k int) ([]float32, []int, error) {
	vec, err := b.embedder.Embed(ctx, query)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to embed query: %w", err)
	}
	return b.index.Search(vec, k)
}

// IndexInfo reports the model, dimension, size and label counters of the index.
func (b *IndexBackend) IndexInfo(ctx context.Context) (models.IndexInfo, error) {
	next, free := b.index.Labels()
	return models.IndexInfo{
		Model:      b.embedder.Name(),
		Dimensions: b.index.Dimensions(),
		Size:       b.index.Size(),
		NextLabel:  next,
		FreeLabels: free,
		Path:       b.path,
	}, nil
}

// ForceResetIndex empties the in-memory index; the file is rewritten on the next WriteIndex.
func (b *IndexBackend) ForceResetIndex(ctx context.Context) error {
	b.index.Reset()
	return nil
}

// WriteIndex saves the index to its file.
func (b *IndexBackend) WriteIndex(ctx context.Context) error {
	if err := b.index.Save(b.path); err != nil {
		return fmt.Errorf("failed to write index: %w", err)
	}
	return nil
}
