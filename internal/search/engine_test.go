package search

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/hyperjump/vecsync/internal/config"
	"github.com/hyperjump/vecsync/internal/embedding"
	"github.com/hyperjump/vecsync/internal/indexer"
	"github.com/hyperjump/vecsync/internal/models"
	"github.com/hyperjump/vecsync/internal/registry"
	"github.com/hyperjump/vecsync/internal/storage"
	"github.com/hyperjump/vecsync/internal/vector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var nan = float32(math.NaN())

// fixedBackend returns canned search slots. When block is set, Search waits for
// the context to be cancelled instead.
type fixedBackend struct {
	vector.Backend
	distances []float32
	labels    []int
	err       error
	block     chan struct{}
	info      models.IndexInfo
}

func (b *fixedBackend) IndexInfo(context.Context) (models.IndexInfo, error) {
	return b.info, nil
}

func (b *fixedBackend) Search(ctx context.Context, query string, k int) ([]float32, []int, error) {
	if b.block != nil {
		close(b.block)
		<-ctx.Done()
		return nil, nil, ctx.Err()
	}
	return b.distances, b.labels, b.err
}

type staticProvider struct{ backend vector.Backend }

func (p staticProvider) Backend(string) (vector.Backend, bool) {
	return p.backend, p.backend != nil
}

func newTestStore(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "blocks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func label(t *testing.T, store storage.Storage, id string, l int, at int64) {
	t.Helper()
	require.NoError(t, store.Transact(context.Background(), "ws", []models.Fact{
		models.AssertFact(id, models.AttrLabel, int64(l)),
		models.AssertFact(id, models.AttrLabelUpdatedAt, at),
	}))
}

func TestEngine_LabelCollisionPrefersMostRecentWrite(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.PutBlocks(ctx, "ws", []*models.Block{
		{ID: "d1", Title: "first owner", UpdatedAt: 10},
		{ID: "d2", Title: "second owner", UpdatedAt: 5},
	}))
	label(t, store, "d1", 7, 10)
	label(t, store, "d2", 7, 5)

	backend := &fixedBackend{distances: []float32{0.1, nan}, labels: []int{7, -1}}
	reg := registry.New()
	e := NewEngine(store, staticProvider{backend}, reg, config.SearchConfig{})

	hits, err := e.Search(ctx, "ws", &models.SearchQuery{Query: "owner", Limit: 2})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "d2", hits[0].ID)
	assert.Equal(t, "second owner", hits[0].Title)
	assert.Equal(t, 7, hits[0].Label)
	assert.InDelta(t, 0.1, hits[0].Distance, 1e-6)

	e.Wait()
	d1, err := store.GetBlock(ctx, "ws", "d1")
	require.NoError(t, err)
	assert.Nil(t, d1.Label, "losing owner is invalidated")
	assert.Nil(t, d1.LabelUpdatedAt)
	d2, _ := store.GetBlock(ctx, "ws", "d2")
	require.NotNil(t, d2.Label)
	assert.Equal(t, 7, *d2.Label)

	_, active := reg.Active("ws", registry.KindSearch)
	assert.False(t, active)
}

func TestEngine_DropsPaddingAndUnownedLabels(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.PutBlocks(ctx, "ws", []*models.Block{
		{ID: "a", Title: "a", UpdatedAt: 1},
		{ID: "b", Title: "b", UpdatedAt: 1},
	}))
	label(t, store, "a", 0, 1)
	label(t, store, "b", 2, 1)

	backend := &fixedBackend{
		distances: []float32{0.05, 0.2, 0.3, 0.4, nan},
		labels:    []int{2, 9, 0, 2, -1},
	}
	e := NewEngine(store, staticProvider{backend}, registry.New(), config.SearchConfig{})
	hits, err := e.Search(ctx, "ws", &models.SearchQuery{Query: "q", Limit: 5})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "b", hits[0].ID)
	assert.Equal(t, "a", hits[1].ID)
}

func TestEngine_NoBackend(t *testing.T) {
	e := NewEngine(newTestStore(t), staticProvider{}, registry.New(), config.SearchConfig{})
	hits, err := e.Search(context.Background(), "ws", &models.SearchQuery{Query: "q"})
	assert.NoError(t, err)
	assert.Nil(t, hits)
}

func TestEngine_EmptyQuery(t *testing.T) {
	e := NewEngine(newTestStore(t), staticProvider{&fixedBackend{}}, registry.New(), config.SearchConfig{})
	_, err := e.Search(context.Background(), "ws", &models.SearchQuery{Query: "  "})
	assert.ErrorIs(t, err, models.ErrEmptyQuery)
}

func TestEngine_BackendFailureIsSurfaced(t *testing.T) {
	boom := errors.New("backend down")
	reg := registry.New()
	e := NewEngine(newTestStore(t), staticProvider{&fixedBackend{err: boom}}, reg, config.SearchConfig{})
	_, err := e.Search(context.Background(), "ws", &models.SearchQuery{Query: "q"})
	assert.ErrorIs(t, err, boom)
	_, active := reg.Active("ws", registry.KindSearch)
	assert.False(t, active)
}

func TestEngine_CancelledSearchReturnsNothing(t *testing.T) {
	reg := registry.New()
	started := make(chan struct{})
	e := NewEngine(newTestStore(t), staticProvider{&fixedBackend{block: started}}, reg, config.SearchConfig{})

	type result struct {
		hits []*models.SearchHit
		err  error
	}
	done := make(chan result, 1)
	go func() {
		hits, err := e.Search(context.Background(), "ws", &models.SearchQuery{Query: "q"})
		done <- result{hits, err}
	}()
	<-started
	assert.True(t, e.Cancel("ws"))

	r := <-done
	assert.NoError(t, r.err)
	assert.Nil(t, r.hits)
	_, active := reg.Active("ws", registry.KindSearch)
	assert.False(t, active)
}

func TestEngine_EndToEndWithIndexer(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	pool := vector.NewPool(embedding.NewMockEmbedder(16), "")
	reg := registry.New()
	idx := indexer.NewIndexer(store, pool, reg, config.SyncConfig{})
	e := NewEngine(store, pool, reg, config.SearchConfig{DefaultLimit: 3, MaxLimit: 5})

	_, err := idx.UpsertBlocks(ctx, "ws", []*models.Block{
		{ID: "rust", Title: "Rust ownership"},
		{ID: "go", Title: "Go channels"},
		{ID: "sql", Title: "SQLite pragmas"},
	})
	require.NoError(t, err)
	_, err = idx.SyncStale(ctx, "ws")
	require.NoError(t, err)

	query := &models.SearchQuery{Query: "Go channels", Limit: 50}
	hits, err := e.Search(ctx, "ws", query)
	require.NoError(t, err)
	assert.Equal(t, 5, query.Limit, "limit is capped")
	require.Len(t, hits, 3)
	assert.Equal(t, "go", hits[0].ID)
	assert.InDelta(t, 0, hits[0].Distance, 1e-5)
}

func TestEngine_SearchRecordsIndexInfo(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := newTestStore(t)

	// Build and persist an index, then reopen it as a fresh process would.
	pool := vector.NewPool(embedding.NewMockEmbedder(8), dir)
	idx := indexer.NewIndexer(store, pool, registry.New(), config.SyncConfig{})
	_, err := idx.UpsertBlocks(ctx, "ws", []*models.Block{{ID: "a", Title: "alpha"}})
	require.NoError(t, err)
	_, err = idx.SyncStale(ctx, "ws")
	require.NoError(t, err)

	reg := registry.New()
	reopened := vector.NewPool(embedding.NewMockEmbedder(8), dir)
	e := NewEngine(store, reopened, reg, config.SearchConfig{})
	_, err = e.Search(ctx, "ws", &models.SearchQuery{Query: "alpha"})
	require.NoError(t, err)

	info, ok := reg.IndexInfo("ws")
	require.True(t, ok, "search registers the workspace with its real index info")
	assert.Equal(t, 1, info.Size)
	snap := reg.Snapshot()
	require.NotNil(t, snap["ws"].IndexInfo)
	assert.Equal(t, 1, snap["ws"].IndexInfo.Size)
}
