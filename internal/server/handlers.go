package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hyperjump/vecsync/internal/config"
	"github.com/hyperjump/vecsync/internal/models"
	"github.com/hyperjump/vecsync/internal/registry"
	"github.com/hyperjump/vecsync/internal/storage"
	"go.uber.org/zap"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) snapshot() registry.Snapshot {
	if s.Publisher != nil {
		if snap := s.Publisher.Latest(); snap != nil {
			return snap
		}
	}
	return s.Registry.Snapshot()
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"workspaces": s.snapshot()})
}

// handleStateStream sends each published snapshot as a server-sent event.
func (s *Server) handleStateStream(w http.ResponseWriter, r *http.Request) {
	if s.Publisher == nil {
		s.respondError(w, http.StatusNotImplemented, "state stream not enabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	updates, unsubscribe := s.Publisher.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			data, err := json.Marshal(snap)
			if err != nil {
				s.logger.Error("state stream: encode failed", zap.Error(err))
				return
			}
			if _, err := fmt.Fprintf(w, "event: state\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ws := chi.URLParam(r, "ws")
	blocks, err := s.Storage.CountBlocks(ctx, ws)
	if err != nil {
		s.logger.Error("status: count blocks failed", zap.String("workspace", ws), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	labelled, err := s.Storage.CountLabelled(ctx, ws)
	if err != nil {
		s.logger.Error("status: count labelled failed", zap.String("workspace", ws), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := map[string]interface{}{
		"workspace": ws,
		"blocks":    blocks,
		"labelled":  labelled,
	}

	info, ok := s.Registry.IndexInfo(ws)
	if !ok {
		s.Indexer.RefreshInfo(ctx, ws)
		info, ok = s.Registry.IndexInfo(ws)
	}
	if ok {
		resp["index_info"] = info
	}
	if job, ok := s.Registry.Active(ws, registry.KindBuild); ok {
		resp["build"] = job
	}
	if job, ok := s.Registry.Active(ws, registry.KindSearch); ok {
		resp["search"] = job
	}

	paths := storage.DatabaseFiles(s.config.Storage.DatabasePath)
	if s.Pool != nil {
		resp["index_enabled"] = s.Pool.Enabled()
		paths = append(paths, s.Pool.IndexPath(ws))
	}
	if diskBytes, err := storage.DiskUsageBytes(paths...); err == nil {
		resp["disk_usage_bytes"] = diskBytes
	}
	s.respondJSON(w, http.StatusOK, resp)
}

type syncRequest struct {
	Reset bool `json:"reset"`
	Wait  bool `json:"wait"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	ws := chi.URLParam(r, "ws")
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	mode := models.SyncStale
	if req.Reset {
		mode = models.ResetAndSync
	}
	s.logger.Debug("sync request", zap.String("workspace", ws), zap.String("mode", string(mode)), zap.Bool("wait", req.Wait))

	if req.Wait {
		result, err := s.Indexer.Sync(r.Context(), ws, mode)
		if err != nil {
			s.logger.Error("sync failed", zap.String("workspace", ws), zap.Error(err))
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.respondJSON(w, http.StatusOK, result)
		return
	}

	job, ok := s.Indexer.Start(ws, mode)
	if !ok {
		s.respondJSON(w, http.StatusOK, map[string]string{"status": "skipped", "reason": "no index backend"})
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]string{
		"status": "started",
		"job_id": job.ID,
		"mode":   string(mode),
	})
}

func (s *Server) handleCancelSync(w http.ResponseWriter, r *http.Request) {
	ws := chi.URLParam(r, "ws")
	canceled := s.Registry.Cancel(ws, registry.KindBuild)
	s.respondJSON(w, http.StatusOK, map[string]bool{"canceled": canceled})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	ws := chi.URLParam(r, "ws")
	var query models.SearchQuery
	if err := json.NewDecoder(r.Body).Decode(&query); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.logger.Debug("search request", zap.String("workspace", ws), zap.String("query", query.Query), zap.Int("limit", query.Limit))
	start := time.Now()
	hits, err := s.Engine.Search(r.Context(), ws, &query)
	if err != nil {
		if errors.Is(err, models.ErrEmptyQuery) {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("search failed", zap.String("workspace", ws), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if hits == nil {
		hits = []*models.SearchHit{}
	}
	s.respondJSON(w, http.StatusOK, &models.SearchResponse{
		Workspace: ws,
		Query:     query.Query,
		Hits:      hits,
		QueryTime: time.Since(start).Milliseconds(),
	})
}

func (s *Server) handleCancelSearch(w http.ResponseWriter, r *http.Request) {
	canceled := s.Engine.Cancel(chi.URLParam(r, "ws"))
	s.respondJSON(w, http.StatusOK, map[string]bool{"canceled": canceled})
}

type putBlocksRequest struct {
	Blocks []*models.Block `json:"blocks"`
	Sync   bool            `json:"sync"`
}

func (s *Server) handlePutBlocks(w http.ResponseWriter, r *http.Request) {
	ws := chi.URLParam(r, "ws")
	var req putBlocksRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	for _, b := range req.Blocks {
		if b == nil || strings.TrimSpace(b.ID) == "" {
			s.respondError(w, http.StatusBadRequest, "every block needs an id")
			return
		}
	}
	s.logger.Debug("put blocks request", zap.String("workspace", ws), zap.Int("blocks", len(req.Blocks)))
	n, err := s.Indexer.UpsertBlocks(r.Context(), ws, req.Blocks)
	if err != nil {
		s.logger.Error("put blocks failed", zap.String("workspace", ws), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := map[string]interface{}{"written": n}
	if req.Sync && n > 0 {
		if job, ok := s.Indexer.Start(ws, models.SyncStale); ok {
			resp["job_id"] = job.ID
		}
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetBlock(w http.ResponseWriter, r *http.Request) {
	ws, id := chi.URLParam(r, "ws"), chi.URLParam(r, "id")
	block, err := s.Storage.GetBlock(r.Context(), ws, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "block not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, block)
}

func (s *Server) handleDeleteBlock(w http.ResponseWriter, r *http.Request) {
	ws, id := chi.URLParam(r, "ws"), chi.URLParam(r, "id")
	s.logger.Debug("delete block request", zap.String("workspace", ws), zap.String("id", id))
	if err := s.Indexer.DeleteBlock(r.Context(), ws, id); err != nil {
		s.logger.Error("deletion failed", zap.String("workspace", ws), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleWatchDirectoriesList(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"directories": s.watch.Directories()})
}

type watchAddRequest struct {
	Path string `json:"path"`
	Sync *bool  `json:"sync,omitempty"`
}

func (s *Server) handleWatchDirectoriesAdd(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	var req watchAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required")
		return
	}
	abs, err := filepath.Abs(req.Path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			s.respondError(w, http.StatusNotFound, "directory not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !info.IsDir() {
		s.respondError(w, http.StatusBadRequest, "path is not a directory")
		return
	}
	syncExisting := true
	if req.Sync != nil {
		syncExisting = *req.Sync
	}
	s.logger.Debug("watch add directory request", zap.String("path", abs), zap.Bool("sync_existing", syncExisting))
	if err := s.watch.AddDirectory(abs, syncExisting); err != nil {
		s.logger.Error("watch add directory failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.persistWatchDirectories()
	s.respondJSON(w, http.StatusCreated, map[string]string{"path": abs, "status": "added"})
}

func (s *Server) handleWatchDirectoriesRemove(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		var body struct {
			Path string `json:"path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.Path != "" {
			path = body.Path
		}
	}
	if path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required (query or body)")
		return
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	s.logger.Debug("watch remove directory request", zap.String("path", abs))
	if err := s.watch.RemoveDirectory(abs); err != nil {
		s.logger.Error("watch remove directory failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.persistWatchDirectories()
	s.respondJSON(w, http.StatusOK, map[string]string{"path": abs, "status": "removed"})
}

// persistWatchDirectories writes the watched roots back to the config file.
func (s *Server) persistWatchDirectories() {
	if s.configPath == "" {
		return
	}
	s.configMu.Lock()
	defer s.configMu.Unlock()
	s.config.Watch.Directories = s.watch.Directories()
	if err := config.Save(s.configPath, s.config); err != nil {
		s.logger.Warn("failed to persist watch config", zap.Error(err))
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
