// Package server provides the HTTP API for vecsync.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/hyperjump/vecsync/internal/config"
	"github.com/hyperjump/vecsync/internal/indexer"
	"github.com/hyperjump/vecsync/internal/registry"
	"github.com/hyperjump/vecsync/internal/search"
	"github.com/hyperjump/vecsync/internal/storage"
	"github.com/hyperjump/vecsync/internal/vector"
	"go.uber.org/zap"
)

// WatchService manages the graph directories being watched.
type WatchService interface {
	Directories() []string
	AddDirectory(path string, syncExisting bool) error
	RemoveDirectory(path string) error
}

// Services bundles the components the API serves.
type Services struct {
	Engine    *search.Engine
	Indexer   *indexer.Indexer
	Storage   storage.Storage
	Registry  *registry.Registry
	Publisher *registry.Publisher // optional; state falls back to a registry snapshot
	Pool      *vector.Pool        // optional; used for index disk usage
}

// Server is the HTTP server for the vecsync API.
type Server struct {
	Services
	config     *config.Config
	logger     *zap.Logger
	watch      WatchService
	configPath string
	configMu   sync.Mutex

	mu      sync.Mutex
	server  *http.Server
	stopped bool
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithWatch enables the watch directory endpoints. When configPath is set,
// directory changes are persisted to it.
func WithWatch(watch WatchService, configPath string) ServerOption {
	return func(s *Server) {
		s.watch = watch
		s.configPath = configPath
	}
}

// NewServer creates a server with the given dependencies.
func NewServer(svc Services, cfg *config.Config, logger *zap.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		Services: svc,
		config:   cfg,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if origins := s.config.Server.AllowedOrigins; len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.handleHealth)

	// Streams and waited builds run for as long as the client stays.
	r.Get("/api/v1/state/stream", s.handleStateStream)
	r.Post("/api/v1/workspaces/{ws}/sync", s.handleSync)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(middleware.Compress(5))

		r.Get("/api/v1/state", s.handleState)
		r.Get("/api/v1/workspaces/{ws}/status", s.handleStatus)
		r.Delete("/api/v1/workspaces/{ws}/sync", s.handleCancelSync)
		r.Post("/api/v1/workspaces/{ws}/search", s.handleSearch)
		r.Delete("/api/v1/workspaces/{ws}/search", s.handleCancelSearch)
		r.Put("/api/v1/workspaces/{ws}/blocks", s.handlePutBlocks)
		r.Get("/api/v1/workspaces/{ws}/blocks/{id}", s.handleGetBlock)
		r.Delete("/api/v1/workspaces/{ws}/blocks/{id}", s.handleDeleteBlock)
		r.Get("/api/v1/watch/directories", s.handleWatchDirectoriesList)
		r.Post("/api/v1/watch/directories", s.handleWatchDirectoriesAdd)
		r.Delete("/api/v1/watch/directories", s.handleWatchDirectoriesRemove)
	})
	return r
}

// Start starts the HTTP server and blocks until it stops. It returns nil after Stop.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.server = srv
	s.mu.Unlock()
	s.logger.Info("Starting server", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.stopped = true
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}
