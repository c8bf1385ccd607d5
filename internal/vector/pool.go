package vector

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hyperjump/vecsync/internal/embedding"
	"go.uber.org/zap"
)

// Pool maps workspaces to lazily opened index backends sharing one embedder.
// A Pool with a nil embedder reports every backend as absent.
type Pool struct {
	embedder embedding.Embedder
	dir      string
	backends map[string]*IndexBackend
	mu       sync.Mutex
	logger   *zap.Logger
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithLogger sets the logger used for index load warnings.
func WithLogger(l *zap.Logger) PoolOption {
	return func(p *Pool) { p.logger = l }
}

// NewPool creates a pool whose index files live under dir as <workspace>.idx.
// An empty dir keeps indexes in memory only.
func NewPool(embedder embedding.Embedder, dir string, opts ...PoolOption) *Pool {
	p := &Pool{
		embedder: embedder,
		dir:      dir,
		backends: make(map[string]*IndexBackend),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Backend returns the workspace's backend, opening its index file on first use.
// An unreadable index file is logged and replaced by an empty index; the next
// reset-and-sync rebuilds it. Workspace names that could escape the index
// directory have no backend.
func (p *Pool) Backend(workspace string) (Backend, bool) {
	if p.embedder == nil {
		return nil, false
	}
	if !validWorkspace(workspace) {
		if p.logger != nil {
			p.logger.Warn("rejecting workspace name", zap.String("workspace", workspace))
		}
		return nil, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if b, ok := p.backends[workspace]; ok {
		return b, true
	}
	index, err := NewLabelIndex(p.embedder.Dimensions())
	if err != nil {
		if p.logger != nil {
			p.logger.Error("cannot create index", zap.String("workspace", workspace), zap.Error(err))
		}
		return nil, false
	}
	path := p.IndexPath(workspace)
	if err := index.Load(path); err != nil && p.logger != nil {
		p.logger.Warn("index file unreadable, starting empty",
			zap.String("workspace", workspace), zap.String("path", path), zap.Error(err))
	}
	b := NewIndexBackend(p.embedder, index, path)
	p.backends[workspace] = b
	return b, true
}

// IndexPath returns the index file for workspace, or "" when the pool is
// memory-only or the name is not a valid workspace.
func (p *Pool) IndexPath(workspace string) string {
	if p.dir == "" || !validWorkspace(workspace) {
		return ""
	}
	return filepath.Join(p.dir, workspace+".idx")
}

// validWorkspace reports whether name can be used as an index file name.
func validWorkspace(name string) bool {
	if name == "" || name == "." || strings.Contains(name, "..") {
		return false
	}
	return !strings.ContainsAny(name, `/\`) && !strings.ContainsRune(name, filepath.Separator)
}

// Enabled reports whether the pool can hand out backends.
func (p *Pool) Enabled() bool {
	return p.embedder != nil
}

// Flush writes every opened backend's index to disk. It keeps going past
// failures and returns them joined.
func (p *Pool) Flush(ctx context.Context) error {
	p.mu.Lock()
	backends := make(map[string]*IndexBackend, len(p.backends))
	maps.Copy(backends, p.backends)
	p.mu.Unlock()

	var errs []error
	for ws, b := range backends {
		if err := b.WriteIndex(ctx); err != nil {
			errs = append(errs, fmt.Errorf("workspace %s: %w", ws, err))
		}
	}
	return errors.Join(errs...)
}
