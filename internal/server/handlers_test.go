package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hyperjump/vecsync/internal/config"
	"github.com/hyperjump/vecsync/internal/embedding"
	"github.com/hyperjump/vecsync/internal/indexer"
	"github.com/hyperjump/vecsync/internal/models"
	"github.com/hyperjump/vecsync/internal/registry"
	"github.com/hyperjump/vecsync/internal/search"
	"github.com/hyperjump/vecsync/internal/storage"
	"github.com/hyperjump/vecsync/internal/vector"
	"go.uber.org/zap"
)

type mockWatchService struct {
	dirs []string
}

func (m *mockWatchService) Directories() []string {
	return append([]string(nil), m.dirs...)
}

func (m *mockWatchService) AddDirectory(path string, _ bool) error {
	for _, d := range m.dirs {
		if d == path {
			return nil
		}
	}
	m.dirs = append(m.dirs, path)
	return nil
}

func (m *mockWatchService) RemoveDirectory(path string) error {
	for i, d := range m.dirs {
		if d == path {
			m.dirs = append(m.dirs[:i], m.dirs[i+1:]...)
			return nil
		}
	}
	return nil
}

type testEnv struct {
	srv *Server
	idx *indexer.Indexer
	reg *registry.Registry
	pub *registry.Publisher
	cfg *config.Config
}

// newTestServer wires a server over a temp database. With withEmbedder false
// the pool has no embedder and every workspace lacks a backend.
func newTestServer(t *testing.T, withEmbedder bool, opts ...ServerOption) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Storage.DatabasePath = filepath.Join(dir, "blocks.db")
	cfg.Storage.IndexDir = filepath.Join(dir, "indices")

	store, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	var emb embedding.Embedder
	if withEmbedder {
		emb = embedding.NewMockEmbedder(8)
	}
	pool := vector.NewPool(emb, cfg.Storage.IndexDir)
	reg := registry.New()
	idx := indexer.NewIndexer(store, pool, reg, cfg.Sync)
	t.Cleanup(idx.Wait)
	engine := search.NewEngine(store, pool, reg, cfg.Search)
	pub := registry.NewPublisher(reg, 0, nil)

	srv := NewServer(Services{
		Engine:    engine,
		Indexer:   idx,
		Storage:   store,
		Registry:  reg,
		Publisher: pub,
		Pool:      pool,
	}, cfg, zap.NewNop(), opts...)
	return &testEnv{srv: srv, idx: idx, reg: reg, pub: pub, cfg: cfg}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	r := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, r)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func putBlocks(t *testing.T, env *testEnv, ws string, blocks ...*models.Block) {
	t.Helper()
	w := env.do(t, http.MethodPut, "/api/v1/workspaces/"+ws+"/blocks", map[string]interface{}{"blocks": blocks})
	if w.Code != http.StatusOK {
		t.Fatalf("put blocks: status %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleHealth(t *testing.T) {
	env := newTestServer(t, true)
	w := env.do(t, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("status: got %d", w.Code)
	}
}

func TestHandleBlocks_PutGetDelete(t *testing.T) {
	env := newTestServer(t, true)
	putBlocks(t, env, "notes",
		&models.Block{ID: "b1", Title: "Go channels"},
		&models.Block{ID: "b2", Title: "SQLite pragmas"},
	)

	w := env.do(t, http.MethodGet, "/api/v1/workspaces/notes/blocks/b1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: status %d", w.Code)
	}
	var got models.Block
	decode(t, w, &got)
	if got.Title != "Go channels" || got.UpdatedAt == 0 {
		t.Errorf("unexpected block: %+v", got)
	}

	if w := env.do(t, http.MethodGet, "/api/v1/workspaces/other/blocks/b1", nil); w.Code != http.StatusNotFound {
		t.Errorf("other workspace: status %d, want 404", w.Code)
	}
	if w := env.do(t, http.MethodDelete, "/api/v1/workspaces/notes/blocks/b1", nil); w.Code != http.StatusOK {
		t.Errorf("delete: status %d", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/api/v1/workspaces/notes/blocks/b1", nil); w.Code != http.StatusNotFound {
		t.Errorf("after delete: status %d, want 404", w.Code)
	}
}

func TestHandlePutBlocks_RejectsMissingID(t *testing.T) {
	env := newTestServer(t, true)
	w := env.do(t, http.MethodPut, "/api/v1/workspaces/notes/blocks",
		map[string]interface{}{"blocks": []*models.Block{{Title: "no id"}}})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", w.Code)
	}
}

func TestHandleSync_WaitThenSearch(t *testing.T) {
	env := newTestServer(t, true)
	putBlocks(t, env, "notes",
		&models.Block{ID: "go", Title: "Go channels"},
		&models.Block{ID: "sql", Title: "SQLite pragmas"},
	)

	w := env.do(t, http.MethodPost, "/api/v1/workspaces/notes/sync", syncRequest{Wait: true})
	if w.Code != http.StatusOK {
		t.Fatalf("sync: status %d: %s", w.Code, w.Body.String())
	}
	var result models.SyncResult
	decode(t, w, &result)
	if result.Blocks != 2 || result.Canceled || result.Mode != models.SyncStale {
		t.Errorf("unexpected result: %+v", result)
	}

	w = env.do(t, http.MethodPost, "/api/v1/workspaces/notes/search", models.SearchQuery{Query: "Go channels"})
	if w.Code != http.StatusOK {
		t.Fatalf("search: status %d: %s", w.Code, w.Body.String())
	}
	var resp models.SearchResponse
	decode(t, w, &resp)
	if resp.Workspace != "notes" || len(resp.Hits) != 2 || resp.Hits[0].ID != "go" {
		t.Errorf("unexpected search response: %+v", resp)
	}
}

func TestHandleSync_Background(t *testing.T) {
	env := newTestServer(t, true)
	putBlocks(t, env, "notes", &models.Block{ID: "a", Title: "alpha"})

	w := env.do(t, http.MethodPost, "/api/v1/workspaces/notes/sync", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status: got %d, want 202", w.Code)
	}
	var out map[string]string
	decode(t, w, &out)
	if out["job_id"] == "" || out["mode"] != string(models.SyncStale) {
		t.Errorf("unexpected response: %v", out)
	}
	env.idx.Wait()
	if _, ok := env.reg.Active("notes", registry.KindBuild); ok {
		t.Error("build job should be cleared once finished")
	}
}

func TestHandleSync_NoBackend(t *testing.T) {
	env := newTestServer(t, false)
	w := env.do(t, http.MethodPost, "/api/v1/workspaces/notes/sync", syncRequest{Reset: true})
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var out map[string]string
	decode(t, w, &out)
	if out["status"] != "skipped" {
		t.Errorf("unexpected response: %v", out)
	}

	w = env.do(t, http.MethodPost, "/api/v1/workspaces/notes/search", models.SearchQuery{Query: "x"})
	var resp models.SearchResponse
	decode(t, w, &resp)
	if w.Code != http.StatusOK || len(resp.Hits) != 0 {
		t.Errorf("search without backend: status %d, hits %v", w.Code, resp.Hits)
	}
}

func TestHandleSync_InvalidBody(t *testing.T) {
	env := newTestServer(t, true)
	r := httptest.NewRequest(http.MethodPost, "/api/v1/workspaces/notes/sync", strings.NewReader("{"))
	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", w.Code)
	}
}

func TestHandleCancel_NothingRunning(t *testing.T) {
	env := newTestServer(t, true)
	for _, path := range []string{"/api/v1/workspaces/notes/sync", "/api/v1/workspaces/notes/search"} {
		w := env.do(t, http.MethodDelete, path, nil)
		var out map[string]bool
		decode(t, w, &out)
		if w.Code != http.StatusOK || out["canceled"] {
			t.Errorf("%s: status %d, body %v", path, w.Code, out)
		}
	}
}

func TestHandleSearch_EmptyQuery(t *testing.T) {
	env := newTestServer(t, true)
	w := env.do(t, http.MethodPost, "/api/v1/workspaces/notes/search", models.SearchQuery{Query: "   "})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", w.Code)
	}
}

func TestHandleStatus(t *testing.T) {
	env := newTestServer(t, true)
	putBlocks(t, env, "notes",
		&models.Block{ID: "a", Title: "alpha"},
		&models.Block{ID: "b", Title: "beta"},
		&models.Block{ID: "c", Title: "gamma", Hidden: true},
	)
	if _, err := env.idx.SyncStale(context.Background(), "notes"); err != nil {
		t.Fatal(err)
	}

	w := env.do(t, http.MethodGet, "/api/v1/workspaces/notes/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var out struct {
		Blocks       int64             `json:"blocks"`
		Labelled     int64             `json:"labelled"`
		IndexInfo    *models.IndexInfo `json:"index_info"`
		IndexEnabled bool              `json:"index_enabled"`
		DiskUsage    *int64            `json:"disk_usage_bytes"`
	}
	decode(t, w, &out)
	if out.Blocks != 3 || out.Labelled != 2 {
		t.Errorf("counts: blocks %d labelled %d", out.Blocks, out.Labelled)
	}
	if out.IndexInfo == nil || out.IndexInfo.Size != 2 || out.IndexInfo.Dimensions != 8 {
		t.Errorf("index info: %+v", out.IndexInfo)
	}
	if !out.IndexEnabled {
		t.Error("index should be enabled")
	}
	if out.DiskUsage == nil || *out.DiskUsage <= 0 {
		t.Errorf("disk usage: %v", out.DiskUsage)
	}
}

func TestHandleState(t *testing.T) {
	env := newTestServer(t, true)
	env.reg.SetIndexInfo("notes", models.IndexInfo{Model: "mock-8", Size: 1})

	w := env.do(t, http.MethodGet, "/api/v1/state", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var out struct {
		Workspaces registry.Snapshot `json:"workspaces"`
	}
	decode(t, w, &out)
	if info := out.Workspaces["notes"].IndexInfo; info == nil || info.Size != 1 {
		t.Errorf("unexpected state: %+v", out.Workspaces)
	}
}

func TestHandleStateStream(t *testing.T) {
	env := newTestServer(t, true)
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = env.pub.Run(ctx) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/state/stream", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type: %q", ct)
	}

	env.reg.SetIndexInfo("notes", models.IndexInfo{Model: "mock-8", Size: 4})

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var snap registry.Snapshot
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &snap); err != nil {
			t.Fatal(err)
		}
		info := snap["notes"].IndexInfo
		if info == nil {
			continue
		}
		if info.Size != 4 {
			t.Errorf("unexpected snapshot: %+v", snap)
		}
		return
	}
	t.Fatalf("stream ended without an event: %v", sc.Err())
}

func TestHandleWatchDirectoriesList(t *testing.T) {
	mock := &mockWatchService{dirs: []string{"/tmp/graph"}}
	env := newTestServer(t, true, WithWatch(mock, ""))

	w := env.do(t, http.MethodGet, "/api/v1/watch/directories", nil)
	if w.Code != http.StatusOK {
		t.Errorf("status: got %d", w.Code)
	}
	var out struct {
		Directories []string `json:"directories"`
	}
	decode(t, w, &out)
	if len(out.Directories) != 1 || out.Directories[0] != "/tmp/graph" {
		t.Errorf("directories: got %v", out.Directories)
	}
}

func TestHandleWatchDirectoriesList_NotEnabled(t *testing.T) {
	env := newTestServer(t, true)
	w := env.do(t, http.MethodGet, "/api/v1/watch/directories", nil)
	if w.Code != http.StatusNotImplemented {
		t.Errorf("status: got %d, want 501", w.Code)
	}
}

func TestHandleWatchDirectoriesAdd_PersistsConfig(t *testing.T) {
	mock := &mockWatchService{}
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	env := newTestServer(t, true, WithWatch(mock, configPath))
	graph := t.TempDir()

	w := env.do(t, http.MethodPost, "/api/v1/watch/directories", map[string]string{"path": graph})
	if w.Code != http.StatusCreated {
		t.Fatalf("status: got %d: %s", w.Code, w.Body.String())
	}
	if len(mock.dirs) != 1 || mock.dirs[0] != graph {
		t.Errorf("mock dirs: %v", mock.dirs)
	}
	saved, err := config.Load(configPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(saved.Watch.Directories) != 1 || saved.Watch.Directories[0] != graph {
		t.Errorf("persisted directories: %v", saved.Watch.Directories)
	}

	w = env.do(t, http.MethodDelete, "/api/v1/watch/directories?path="+graph, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("remove: status %d", w.Code)
	}
	if len(mock.dirs) != 0 {
		t.Errorf("after remove: %v", mock.dirs)
	}
}

func TestHandleWatchDirectoriesAdd_InvalidPath(t *testing.T) {
	env := newTestServer(t, true, WithWatch(&mockWatchService{}, ""))
	missing := filepath.Join(t.TempDir(), "nope")

	if w := env.do(t, http.MethodPost, "/api/v1/watch/directories", map[string]string{"path": missing}); w.Code != http.StatusNotFound {
		t.Errorf("missing dir: status %d, want 404", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/v1/watch/directories", map[string]string{}); w.Code != http.StatusBadRequest {
		t.Errorf("empty path: status %d, want 400", w.Code)
	}
}
