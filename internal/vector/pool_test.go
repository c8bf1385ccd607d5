package vector

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/hyperjump/vecsync/internal/embedding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_DisabledHasNoBackend(t *testing.T) {
	p := NewPool(nil, t.TempDir())
	b, ok := p.Backend("default")
	assert.False(t, ok)
	assert.Nil(t, b)
	assert.False(t, p.Enabled())
}

func TestPool_BackendIsCachedPerWorkspace(t *testing.T) {
	p := NewPool(embedding.NewMockEmbedder(8), t.TempDir())
	a, ok := p.Backend("a")
	require.True(t, ok)
	a2, _ := p.Backend("a")
	b, _ := p.Backend("b")
	assert.Same(t, a.(*IndexBackend), a2.(*IndexBackend))
	assert.NotSame(t, a.(*IndexBackend), b.(*IndexBackend))
}

func TestPool_IndexSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	emb := embedding.NewMockEmbedder(8)

	b, _ := NewPool(emb, dir).Backend("ws")
	labels, err := b.EmbedAndStore(ctx, []string{"alpha", "beta"}, nil, false)
	require.NoError(t, err)
	require.Equal(t, []int{0, 1}, labels)
	require.NoError(t, b.WriteIndex(ctx))
	before, err := b.IndexInfo(ctx)
	require.NoError(t, err)

	reopened, _ := NewPool(emb, dir).Backend("ws")
	after, err := reopened.IndexInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, "mock-8", after.Model)

	dist, got, err := reopened.Search(ctx, "beta", 3)
	require.NoError(t, err)
	assert.Equal(t, 1, got[0])
	assert.InDelta(t, 0, dist[0], 1e-5)
	assert.Equal(t, -1, got[2])
}

func TestIndexBackend_ForceReset(t *testing.T) {
	ctx := context.Background()
	b, _ := NewPool(embedding.NewMockEmbedder(4), "").Backend("ws")
	_, err := b.EmbedAndStore(ctx, []string{"x", "y", "z"}, nil, false)
	require.NoError(t, err)
	require.NoError(t, b.ForceResetIndex(ctx))
	info, _ := b.IndexInfo(ctx)
	assert.Equal(t, 0, info.Size)
	assert.Equal(t, 0, info.NextLabel)
	assert.Equal(t, "", info.Path)
	require.NoError(t, b.WriteIndex(ctx))
}

func TestPool_FlushWritesOpenedIndexes(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	emb := embedding.NewMockEmbedder(4)
	p := NewPool(emb, dir)
	for _, ws := range []string{"a", "b"} {
		b, ok := p.Backend(ws)
		require.True(t, ok)
		_, err := b.EmbedAndStore(ctx, []string{ws + "1", ws + "2"}, nil, false)
		require.NoError(t, err)
	}
	require.NoError(t, p.Flush(ctx))

	for _, ws := range []string{"a", "b"} {
		b, _ := NewPool(emb, dir).Backend(ws)
		info, err := b.IndexInfo(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, info.Size, ws)
	}
}

func TestPool_RejectsWorkspaceNamesOutsideIndexDir(t *testing.T) {
	dir := t.TempDir()
	p := NewPool(embedding.NewMockEmbedder(4), dir)
	for _, ws := range []string{"", ".", "..", "../x", "a/b", `a\b`, "x..y"} {
		b, ok := p.Backend(ws)
		assert.False(t, ok, "workspace %q", ws)
		assert.Nil(t, b, "workspace %q", ws)
		assert.Equal(t, "", p.IndexPath(ws), "workspace %q", ws)
	}
	_, ok := p.Backend("notes-2024.work")
	assert.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "notes-2024.work.idx"), p.IndexPath("notes-2024.work"))
}
