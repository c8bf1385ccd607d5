// Package search answers semantic queries against a workspace's vector index and
// repairs label collisions it finds along the way.
package search

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/hyperjump/vecsync/internal/config"
	"github.com/hyperjump/vecsync/internal/indexer"
	"github.com/hyperjump/vecsync/internal/models"
	"github.com/hyperjump/vecsync/internal/registry"
	"github.com/hyperjump/vecsync/internal/storage"
	"github.com/hyperjump/vecsync/internal/vector"
	"go.uber.org/zap"
)

// Engine runs searches. Each search is registered as the workspace's search job,
// so a newer search for the same workspace cancels an older one.
type Engine struct {
	store    storage.Storage
	backends vector.Provider
	registry *registry.Registry
	labels   *indexer.LabelManager
	config   config.SearchConfig
	logger   *zap.Logger // optional
	repairs  sync.WaitGroup
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets a logger for collision repairs.
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates a search engine with the given dependencies.
func NewEngine(
	store storage.Storage,
	backends vector.Provider,
	reg *registry.Registry,
	cfg config.SearchConfig,
	opts ...EngineOption,
) *Engine {
	e := &Engine{
		store:    store,
		backends: backends,
		registry: reg,
		labels:   indexer.NewLabelManager(store),
		config:   cfg,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Search returns up to query.Limit hits in relevance order, one per label.
// It returns nil and no error when the workspace has no backend or the search was
// cancelled. When several blocks claim the same label, the most recently written
// one is returned and the others are invalidated in the background.
func (e *Engine) Search(ctx context.Context, workspace string, query *models.SearchQuery) ([]*models.SearchHit, error) {
	if err := ProcessQuery(query, &e.config); err != nil {
		return nil, err
	}
	backend, ok := e.backends.Backend(workspace)
	if !ok {
		return nil, nil
	}
	if _, ok := e.registry.IndexInfo(workspace); !ok {
		if info, err := backend.IndexInfo(ctx); err == nil {
			e.registry.SetIndexInfo(workspace, info)
		}
	}
	jobCtx, job := e.registry.Begin(ctx, workspace, registry.KindSearch)
	defer e.registry.Finish(workspace, job)
	if err := job.WaitPrevious(jobCtx); err != nil {
		return nil, nil
	}

	distances, labels, err := backend.Search(jobCtx, query.Query, query.Limit)
	if err != nil {
		if jobCtx.Err() != nil {
			return nil, nil
		}
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	hits := make([]*models.SearchHit, 0, len(labels))
	seen := make(map[int]bool, len(labels))
	for i, label := range labels {
		if label < 0 || i >= len(distances) || math.IsNaN(float64(distances[i])) || seen[label] {
			continue
		}
		seen[label] = true

		owners, err := e.store.BlocksByLabel(jobCtx, workspace, label)
		if err != nil {
			if jobCtx.Err() != nil {
				return nil, nil
			}
			return nil, fmt.Errorf("failed to resolve label %d: %w", label, err)
		}
		if len(owners) == 0 {
			continue
		}
		if len(owners) > 1 {
			e.repair(workspace, label, owners[1:])
		}
		hits = append(hits, &models.SearchHit{
			ID:       owners[0].ID,
			Title:    owners[0].Title,
			Label:    label,
			Distance: distances[i],
		})
	}
	if jobCtx.Err() != nil {
		return nil, nil
	}
	return hits, nil
}

// Cancel cancels the workspace's in-flight search, if any.
func (e *Engine) Cancel(workspace string) bool {
	return e.registry.Cancel(workspace, registry.KindSearch)
}

// Wait blocks until every scheduled collision repair has finished.
func (e *Engine) Wait() {
	e.repairs.Wait()
}

// repair invalidates the labels of blocks that lost a label collision. Errors are
// logged; the blocks stay colliding until the next search or sync.
func (e *Engine) repair(workspace string, label int, losers []*models.Block) {
	ids := make([]string, len(losers))
	for i, b := range losers {
		ids[i] = b.ID
	}
	e.repairs.Add(1)
	go func() {
		defer e.repairs.Done()
		err := e.labels.Invalidate(context.Background(), workspace, ids)
		if e.logger == nil {
			return
		}
		if err != nil {
			e.logger.Warn("label collision repair failed",
				zap.String("workspace", workspace), zap.Int("label", label), zap.Strings("ids", ids), zap.Error(err))
			return
		}
		e.logger.Info("label collision repaired",
			zap.String("workspace", workspace), zap.Int("label", label), zap.Strings("invalidated", ids))
	}()
}
