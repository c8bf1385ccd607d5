// Package indexer keeps each workspace's vector index in step with its blocks:
// it scans for stale blocks, embeds them in budgeted batches and records the
// assigned labels. It also ingests outline pages from disk into the block store.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hyperjump/vecsync/internal/config"
	"github.com/hyperjump/vecsync/internal/fileid"
	"github.com/hyperjump/vecsync/internal/models"
	"github.com/hyperjump/vecsync/internal/registry"
	"github.com/hyperjump/vecsync/internal/storage"
	"github.com/hyperjump/vecsync/internal/vector"
	"go.uber.org/zap"
)

// Indexer runs index builds for workspaces and ingests blocks.
type Indexer struct {
	store    storage.Storage
	backends vector.Provider
	registry *registry.Registry
	scanner  *Scanner
	batcher  *Batcher
	labels   *LabelManager
	exts     []string
	logger   *zap.Logger // optional
	now      func() int64
	wg       sync.WaitGroup
}

// IndexerOption configures an Indexer.
type IndexerOption func(*Indexer)

// WithLogger sets a logger for build progress and ingestion events.
func WithLogger(l *zap.Logger) IndexerOption {
	return func(idx *Indexer) { idx.logger = l }
}

// WithClock replaces the source of block UpdatedAt values (unix milliseconds).
// The clock must be monotonic.
func WithClock(now func() int64) IndexerOption {
	return func(idx *Indexer) { idx.now = now }
}

// WithExtensions limits page ingestion to files with these extensions.
func WithExtensions(exts []string) IndexerOption {
	return func(idx *Indexer) { idx.exts = exts }
}

// NewIndexer creates an indexer. Builds for a workspace whose backend is absent
// are silent no-ops.
func NewIndexer(
	store storage.Storage,
	backends vector.Provider,
	reg *registry.Registry,
	cfg config.SyncConfig,
	opts ...IndexerOption,
) *Indexer {
	idx := &Indexer{
		store:    store,
		backends: backends,
		registry: reg,
		scanner:  NewScanner(store, cfg.ScanPageSize, cfg.ReservedNamespaces),
		batcher:  NewBatcher(cfg.BatchBudget),
		labels:   NewLabelManager(store),
		now:      monotonicMillis(),
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

// Scanner returns the indexer's staleness scanner.
func (idx *Indexer) Scanner() *Scanner { return idx.scanner }

// Labels returns the indexer's label manager.
func (idx *Indexer) Labels() *LabelManager { return idx.labels }

// SyncStale embeds every stale block of workspace and waits for the build to finish.
func (idx *Indexer) SyncStale(ctx context.Context, workspace string) (models.SyncResult, error) {
	return idx.Sync(ctx, workspace, models.SyncStale)
}

// ResetAndSync discards the workspace's index, embeds every eligible block and waits.
func (idx *Indexer) ResetAndSync(ctx context.Context, workspace string) (models.SyncResult, error) {
	return idx.Sync(ctx, workspace, models.ResetAndSync)
}

// Sync runs a build in mode under a registry build job, cancelling any build
// already running for workspace. A cancelled build returns Canceled and no error.
func (idx *Indexer) Sync(ctx context.Context, workspace string, mode models.SyncMode) (models.SyncResult, error) {
	backend, ok := idx.backends.Backend(workspace)
	if !ok {
		return models.SyncResult{}, nil
	}
	jobCtx, job := idx.registry.Begin(ctx, workspace, registry.KindBuild)
	defer idx.registry.Finish(workspace, job)
	return idx.build(jobCtx, workspace, mode, backend, job)
}

// Start launches a build in the background and returns its job. The job is
// registered before Start returns. It reports false when the workspace has no backend.
func (idx *Indexer) Start(workspace string, mode models.SyncMode) (*registry.Job, bool) {
	backend, ok := idx.backends.Backend(workspace)
	if !ok {
		return nil, false
	}
	jobCtx, job := idx.registry.Begin(context.Background(), workspace, registry.KindBuild)
	idx.wg.Add(1)
	go func() {
		defer idx.wg.Done()
		defer idx.registry.Finish(workspace, job)
		if _, err := idx.build(jobCtx, workspace, mode, backend, job); err != nil && idx.logger != nil {
			idx.logger.Error("index build failed",
				zap.String("workspace", workspace), zap.String("job_id", job.ID), zap.Error(err))
		}
	}()
	return job, true
}

// Wait blocks until every build launched by Start has returned.
func (idx *Indexer) Wait() {
	idx.wg.Wait()
}

func (idx *Indexer) build(ctx context.Context, workspace string, mode models.SyncMode, backend vector.Backend, job *registry.Job) (models.SyncResult, error) {
	res := models.SyncResult{JobID: job.ID, Mode: mode}
	reset := mode == models.ResetAndSync
	start := time.Now()

	// A replaced build may still be committing its last batch.
	if err := job.WaitPrevious(ctx); err != nil || ctx.Err() != nil {
		res.Canceled = true
		return res, nil
	}
	if reset {
		if err := backend.ForceResetIndex(context.WithoutCancel(ctx)); err != nil {
			return res, fmt.Errorf("failed to reset index: %w", err)
		}
		idx.refreshInfo(ctx, workspace, backend)
		released, err := idx.releaseLabels(ctx, workspace)
		if err != nil {
			if ctx.Err() != nil {
				res.Canceled = true
				return res, nil
			}
			return res, err
		}
		if idx.logger != nil {
			idx.logger.Info("index reset",
				zap.String("workspace", workspace), zap.String("job_id", job.ID), zap.Int("released", released))
		}
	}

	first := true
	for batch, err := range idx.batcher.Batches(idx.scanner.Scan(ctx, workspace, reset)) {
		if ctx.Err() != nil {
			res.Canceled = true
			break
		}
		if err != nil {
			return res, err
		}
		if err := idx.indexBatch(context.WithoutCancel(ctx), workspace, backend, batch, reset, first); err != nil {
			return res, fmt.Errorf("batch %d: %w", res.Batches+1, err)
		}
		first = false
		res.Batches++
		res.Blocks += len(batch)
		if idx.logger != nil {
			idx.logger.Info("batch indexed",
				zap.String("workspace", workspace),
				zap.String("job_id", job.ID),
				zap.Int("batch", res.Batches),
				zap.Int("blocks", len(batch)),
				zap.Int("total_blocks", res.Blocks))
		}
	}
	if res.Canceled || ctx.Err() != nil {
		res.Canceled = true
		if idx.logger != nil {
			idx.logger.Info("index build cancelled",
				zap.String("workspace", workspace), zap.String("job_id", job.ID), zap.Int("batches", res.Batches))
		}
		return res, nil
	}

	if err := backend.WriteIndex(ctx); err != nil {
		return res, fmt.Errorf("failed to persist index: %w", err)
	}
	idx.refreshInfo(ctx, workspace, backend)
	if idx.logger != nil {
		idx.logger.Info("index build finished",
			zap.String("workspace", workspace),
			zap.String("job_id", job.ID),
			zap.String("mode", string(mode)),
			zap.Int("batches", res.Batches),
			zap.Int("blocks", res.Blocks),
			zap.Duration("took", time.Since(start)))
	}
	return res, nil
}

// indexBatch embeds one batch and records its labels. It runs to completion
// regardless of cancellation so a batch is either fully committed or fails.
func (idx *Indexer) indexBatch(ctx context.Context, workspace string, backend vector.Backend, batch models.Batch, reset, first bool) error {
	var deletes []int
	if !reset {
		deletes = batch.PrevLabels()
	}
	labels, err := backend.EmbedAndStore(ctx, batch.Texts(), deletes, reset && first)
	if err != nil {
		return fmt.Errorf("failed to embed and store: %w", err)
	}
	facts, err := idx.labels.ComputeLabelUpdate(ctx, workspace, batch, labels)
	if err != nil {
		return err
	}
	if err := idx.labels.Apply(ctx, workspace, facts); err != nil {
		return err
	}
	idx.refreshInfo(ctx, workspace, backend)
	return nil
}

// releaseLabels retracts every label in workspace after the index was reset.
// The old labels point into the discarded index; once retracted, blocks a
// cancelled or failed rebuild never reached are stale and the next sync embeds them.
func (idx *Indexer) releaseLabels(ctx context.Context, workspace string) (int, error) {
	var (
		cursor   storage.Cursor
		released int
	)
	for {
		page, err := idx.store.ScanBlocks(ctx, workspace, cursor, idx.scanner.pageSize, storage.ScanOptions{})
		if err != nil {
			return released, fmt.Errorf("failed to scan blocks: %w", err)
		}
		var ids []string
		for _, b := range page {
			cursor = storage.After(b)
			if b.Label != nil {
				ids = append(ids, b.ID)
			}
		}
		if err := idx.labels.Invalidate(ctx, workspace, ids); err != nil {
			return released, err
		}
		released += len(ids)
		if len(page) < idx.scanner.pageSize {
			return released, nil
		}
	}
}

func (idx *Indexer) refreshInfo(ctx context.Context, workspace string, backend vector.Backend) {
	info, err := backend.IndexInfo(context.WithoutCancel(ctx))
	if err != nil {
		if idx.logger != nil {
			idx.logger.Warn("cannot read index info", zap.String("workspace", workspace), zap.Error(err))
		}
		return
	}
	idx.registry.SetIndexInfo(workspace, info)
}

// RefreshInfo records the workspace's current index info in the registry.
// It is a no-op when the workspace has no backend.
func (idx *Indexer) RefreshInfo(ctx context.Context, workspace string) {
	if backend, ok := idx.backends.Backend(workspace); ok {
		idx.refreshInfo(ctx, workspace, backend)
	}
}

// UpsertBlocks stores blocks in workspace, bumping UpdatedAt only for blocks that
// are new or whose content changed. It returns the number of blocks written.
func (idx *Indexer) UpsertBlocks(ctx context.Context, workspace string, blocks []*models.Block) (int, error) {
	changed := make([]*models.Block, 0, len(blocks))
	for _, b := range blocks {
		if strings.TrimSpace(b.ID) == "" {
			return 0, fmt.Errorf("block id is required")
		}
		b.Workspace = workspace
		existing, err := idx.store.GetBlock(ctx, workspace, b.ID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case err != nil:
			return 0, fmt.Errorf("failed to get block %s: %w", b.ID, err)
		case existing.SameContent(b):
			continue
		}
		b.UpdatedAt = idx.now()
		changed = append(changed, b)
	}
	if err := idx.store.PutBlocks(ctx, workspace, changed); err != nil {
		return 0, fmt.Errorf("failed to store blocks: %w", err)
	}
	return len(changed), nil
}

// DeleteBlock removes a block. Its label, if any, is left in the index and is
// skipped by search until the next rebuild.
func (idx *Indexer) DeleteBlock(ctx context.Context, workspace, id string) error {
	if idx.logger != nil {
		idx.logger.Debug("indexer deleting block", zap.String("workspace", workspace), zap.String("id", id))
	}
	if err := idx.store.DeleteBlocks(ctx, workspace, []string{id}); err != nil {
		return fmt.Errorf("failed to delete block: %w", err)
	}
	return nil
}

// IndexPage parses the page file at path and stores its blocks in workspace.
// Blocks that disappeared from the page are deleted. It returns the number of
// blocks written.
func (idx *Indexer) IndexPage(ctx context.Context, workspace, path string) (int, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return 0, fmt.Errorf("absolute path: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(absPath))
	if len(idx.exts) > 0 && !extensionAllowed(ext, idx.exts) {
		return 0, fmt.Errorf("extension %q not in allowed list", ext)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return 0, fmt.Errorf("stat file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("not a regular file: %s", absPath)
	}
	content, err := os.ReadFile(absPath)
	if err != nil {
		return 0, fmt.Errorf("read page: %w", err)
	}

	blocks := ParsePage(absPath, string(content))
	n, err := idx.UpsertBlocks(ctx, workspace, blocks)
	if err != nil {
		return 0, err
	}

	keep := make(map[string]bool, len(blocks))
	for _, b := range blocks {
		keep[b.ID] = true
	}
	existing, err := idx.store.BlockIDsByPage(ctx, workspace, fileid.PageID(absPath))
	if err != nil {
		return n, fmt.Errorf("failed to list page blocks: %w", err)
	}
	var gone []string
	for _, id := range existing {
		if !keep[id] {
			gone = append(gone, id)
		}
	}
	if err := idx.store.DeleteBlocks(ctx, workspace, gone); err != nil {
		return n, fmt.Errorf("failed to delete removed blocks: %w", err)
	}
	if idx.logger != nil {
		idx.logger.Debug("indexer page indexed",
			zap.String("workspace", workspace), zap.String("path", absPath),
			zap.Int("blocks", len(blocks)), zap.Int("changed", n), zap.Int("removed", len(gone)))
	}
	return n, nil
}

// RemovePage deletes every block that came from the page at path.
func (idx *Indexer) RemovePage(ctx context.Context, workspace, path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("absolute path: %w", err)
	}
	ids, err := idx.store.BlockIDsByPage(ctx, workspace, fileid.PageID(absPath))
	if err != nil {
		return fmt.Errorf("failed to list page blocks: %w", err)
	}
	if err := idx.store.DeleteBlocks(ctx, workspace, ids); err != nil {
		return fmt.Errorf("failed to delete page blocks: %w", err)
	}
	if idx.logger != nil {
		idx.logger.Debug("indexer page removed",
			zap.String("workspace", workspace), zap.String("path", absPath), zap.Int("blocks", len(ids)))
	}
	return nil
}

// IndexDirectory walks dir recursively and indexes each page whose extension is
// allowed. Returns the number of pages indexed and the first error encountered.
func (idx *Indexer) IndexDirectory(ctx context.Context, workspace, dir string) (n int, err error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return 0, fmt.Errorf("absolute path: %w", err)
	}
	info, err := os.Stat(absDir)
	if err != nil {
		return 0, fmt.Errorf("stat directory: %w", err)
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("not a directory: %s", absDir)
	}
	err = filepath.WalkDir(absDir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			if path != absDir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if len(idx.exts) > 0 && !extensionAllowed(filepath.Ext(path), idx.exts) {
			return nil
		}
		finfo, statErr := os.Stat(path)
		if statErr != nil || !finfo.Mode().IsRegular() {
			return nil
		}
		if _, indexErr := idx.IndexPage(ctx, workspace, path); indexErr != nil {
			return indexErr
		}
		n++
		return nil
	})
	return n, err
}

func extensionAllowed(ext string, allowed []string) bool {
	extNorm := strings.ToLower(strings.TrimPrefix(ext, "."))
	for _, a := range allowed {
		if strings.ToLower(strings.TrimPrefix(a, ".")) == extNorm {
			return true
		}
	}
	return false
}

// monotonicMillis returns a clock of unix milliseconds that never repeats or goes backwards.
func monotonicMillis() func() int64 {
	var (
		mu   sync.Mutex
		last int64
	)
	return func() int64 {
		mu.Lock()
		defer mu.Unlock()
		now := time.Now().UnixMilli()
		if now <= last {
			now = last + 1
		}
		last = now
		return now
	}
}
