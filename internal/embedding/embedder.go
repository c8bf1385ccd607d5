// Package embedding provides text embedding via ONNX, a deterministic mock, and caching.
package embedding

import (
	"context"
	"errors"
	"fmt"

	"github.com/hyperjump/vecsync/internal/config"
)

// ErrDisabled is returned by New when the configured provider turns embedding off.
var ErrDisabled = errors.New("embedding disabled")

// Embedder produces vector embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	// Name identifies the model; it is reported in index info.
	Name() string
	Close() error
}

// New builds the embedder selected by cfg.Provider, wrapped in an LRU cache when
// cfg.CacheSize is positive.
func New(cfg config.EmbeddingConfig) (Embedder, error) {
	var (
		e   Embedder
		err error
	)
	switch cfg.Provider {
	case config.ProviderMock:
		e = NewMockEmbedder(cfg.Dimensions)
	case config.ProviderONNX:
		e, err = NewONNXEmbedder(cfg)
	case config.ProviderNone, "":
		return nil, ErrDisabled
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s (supported: onnx, mock, none)", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	if cfg.CacheSize > 0 {
		e = NewCachedEmbedder(e, cfg.CacheSize)
	}
	return e, nil
}
