// Package main is the vecsync CLI entry point.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/hyperjump/vecsync/internal/cli"
	"github.com/hyperjump/vecsync/internal/config"
	"github.com/hyperjump/vecsync/internal/embedding"
	"github.com/hyperjump/vecsync/internal/indexer"
	"github.com/hyperjump/vecsync/internal/models"
	"github.com/hyperjump/vecsync/internal/registry"
	"github.com/hyperjump/vecsync/internal/search"
	"github.com/hyperjump/vecsync/internal/server"
	"github.com/hyperjump/vecsync/internal/storage"
	"github.com/hyperjump/vecsync/internal/vector"
	"github.com/hyperjump/vecsync/internal/watcher"
	"github.com/hyperjump/vecsync/pkg/utils"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

const (
	defaultConfigPath = "/usr/local/etc/vecsync/config.yaml"
	defaultServerURL  = "http://localhost:8080"
)

// loadConfig loads config from path. When path is the default, it first looks for
// config.yaml in the current directory (for development); if that exists it is used.
// Returns the config and the path that was actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "sync":
		runSync()
	case "search":
		runSearch()
	case "import":
		runImport()
	case "status":
		runStatus()
	case "watch":
		runWatch()
	case "version", "--version", "-v":
		fmt.Printf("vecsync version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

// Components holds initialized services.
type Components struct {
	Storage  storage.Storage
	Embedder embedding.Embedder
	Pool     *vector.Pool
	Registry *registry.Registry
	Engine   *search.Engine
	Indexer  *indexer.Indexer
	logger   *zap.Logger
}

// Close cancels running builds, persists every opened index and releases resources.
//
// A cancelled build skips its own WriteIndex, but each batch it did commit has
// its vectors in memory and its labels in the store. Writing the index here keeps
// the file in step with those labels; skipping it would leave labels pointing at
// vectors that a restart no longer has.
func (c *Components) Close() {
	for _, ws := range c.Registry.Snapshot().Workspaces() {
		c.Registry.Cancel(ws, registry.KindBuild)
		c.Registry.Cancel(ws, registry.KindSearch)
	}
	c.Indexer.Wait()
	c.Engine.Wait()
	if err := c.Pool.Flush(context.Background()); err != nil {
		c.logger.Warn("index flush failed", zap.Error(err))
	}
	if c.Storage != nil {
		_ = c.Storage.Close()
	}
	if c.Embedder != nil {
		_ = c.Embedder.Close()
	}
}

func initializeComponents(cfg *config.Config, logger *zap.Logger, debug bool) (*Components, error) {
	store, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	embedder, err := embedding.New(cfg.Embedding)
	switch {
	case errors.Is(err, embedding.ErrDisabled):
		logger.Info("embedding disabled; indexing and search are off")
	case err != nil:
		// Block ingestion keeps working without an embedder; never fall back to mock vectors.
		logger.Error("embedding unavailable; indexing and search are off",
			zap.String("provider", cfg.Embedding.Provider), zap.Error(err))
		embedder = nil
	default:
		logger.Info("embedder initialized", zap.String("model", embedder.Name()), zap.Int("dimensions", embedder.Dimensions()))
	}

	pool := vector.NewPool(embedder, cfg.Storage.IndexDir, vector.WithLogger(logger))
	reg := registry.New()

	idxOpts := []indexer.IndexerOption{indexer.WithExtensions(cfg.Watch.Extensions)}
	if debug {
		idxOpts = append(idxOpts, indexer.WithLogger(logger))
	}
	idx := indexer.NewIndexer(store, pool, reg, cfg.Sync, idxOpts...)
	engine := search.NewEngine(store, pool, reg, cfg.Search, search.WithLogger(logger))

	return &Components{
		Storage:  store,
		Embedder: embedder,
		Pool:     pool,
		Registry: reg,
		Engine:   engine,
		Indexer:  idx,
		logger:   logger,
	}, nil
}

// setup loads config, builds the logger and initializes components for a
// direct-storage command. It exits on failure.
func setup(configPath string, debug bool) (*config.Config, string, *zap.Logger, *Components) {
	cfg, resolved, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	components, err := initializeComponents(cfg, logger, debugMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
		os.Exit(1)
	}
	return cfg, resolved, logger, components
}

// pageHandler feeds watcher events for ws into the indexer.
func pageHandler(idx *indexer.Indexer, ws string, logger *zap.Logger) watcher.Handler {
	return watcher.Funcs{
		Changed: func(path string) {
			if _, err := idx.IndexPage(context.Background(), ws, path); err != nil {
				logger.Warn("watch index page failed", zap.String("path", path), zap.Error(err))
			}
		},
		Removed: func(path string) {
			if err := idx.RemovePage(context.Background(), ws, path); err != nil {
				logger.Warn("watch remove page failed", zap.String("path", path), zap.Error(err))
			}
		},
	}
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging (page events, batches, etc.)")
	_ = fs.Parse(os.Args[2:])

	cfg, resolvedConfigPath, logger, components := setup(*configPath, *debug)
	defer logger.Sync()
	defer components.Close()
	debugMode := cfg.Debug || *debug

	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.Bool("debug", debugMode),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	publisher := registry.NewPublisher(components.Registry, cfg.Registry.PublishInterval, logger)
	g.Go(func() error { return publisher.Run(gctx) })

	idx := components.Indexer
	ws := cfg.Watch.Workspace
	watchOpts := []watcher.WatcherOption{
		watcher.WithIgnore(cfg.Watch.Ignore...),
		watcher.WithSettled(cfg.Watch.SettleDelay, func() { idx.Start(ws, models.SyncStale) }),
	}
	if debugMode {
		watchOpts = append(watchOpts, watcher.WithLogger(logger))
	}
	watchSvc := watcher.NewWatcher(
		cfg.Watch.Directories,
		cfg.Watch.Extensions,
		cfg.Watch.RecursiveOrDefault(),
		pageHandler(idx, ws, logger),
		watchOpts...,
	)
	if err := watchSvc.Start(gctx); err != nil {
		logger.Error("Failed to start watcher", zap.Error(err))
		return
	}
	go watchSvc.SyncExistingFiles()

	for _, name := range cfg.Workspaces {
		idx.RefreshInfo(gctx, name)
		idx.Start(name, models.SyncStale)
	}

	srv := server.NewServer(server.Services{
		Engine:    components.Engine,
		Indexer:   idx,
		Storage:   components.Storage,
		Registry:  components.Registry,
		Publisher: publisher,
		Pool:      components.Pool,
	}, cfg, logger, server.WithWatch(watchSvc, resolvedConfigPath))
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Stop(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server failed", zap.Error(err))
	}
}

// defaultWorkspaceFromConfig returns the watch workspace from the config at
// path, or the default workspace when the config cannot be loaded.
func defaultWorkspaceFromConfig(path string) string {
	cfg, _, err := loadConfig(path)
	if err != nil || cfg == nil || cfg.Watch.Workspace == "" {
		return config.DefaultWorkspace
	}
	return cfg.Watch.Workspace
}

// configPathFromArgs returns the value of -config/--config from args if present, else defaultPath.
func configPathFromArgs(args []string, defaultPath string) string {
	for i, a := range args {
		if (a == "-config" || a == "--config") && i+1 < len(args) {
			return args[i+1]
		}
		if v, ok := strings.CutPrefix(a, "-config="); ok {
			return v
		}
		if v, ok := strings.CutPrefix(a, "--config="); ok {
			return v
		}
	}
	return defaultPath
}

// argsReorder moves any flags (and their values) that appear after the
// positional arguments to the front so that flag.Parse sees them. Go's flag
// package stops at the first non-flag argument.
func argsReorder(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

// buildSearchQuery joins all positional args with spaces so multi-word queries
// work the same with or without shell quoting.
func buildSearchQuery(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

func workspaceURL(serverURL, ws, suffix string) string {
	return strings.TrimRight(serverURL, "/") + "/api/v1/workspaces/" + url.PathEscape(ws) + suffix
}

// doJSON sends body (if any) as JSON and decodes a response with status want into out.
func doJSON(method, target string, body interface{}, want int, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func printSearchUsage(fs *flag.FlagSet) {
	fmt.Fprintf(fs.Output(), "Usage: vecsync search [flags] <query>\n\n")
	fmt.Fprintf(fs.Output(), "Query is all remaining arguments joined by spaces.\n\n")
	fs.PrintDefaults()
}

func runSearch() {
	args := argsReorder(os.Args[2:])
	configPath := configPathFromArgs(args, defaultConfigPath)

	fs := flag.NewFlagSet("search", flag.ExitOnError)
	configPathFlag := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = use direct storage when server is not running)")
	workspace := fs.String("workspace", defaultWorkspaceFromConfig(configPath), "workspace to search")
	limit := fs.Int("limit", 10, "number of results")
	outputFormat := fs.String("output", "text", "output format: text or json")
	fs.Usage = func() { printSearchUsage(fs) }
	_ = fs.Parse(args)

	queryStr := buildSearchQuery(fs.Args())
	if queryStr == "" {
		printSearchUsage(fs)
		os.Exit(1)
	}
	format, err := cli.ParseOutputFormat(*outputFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	query := &models.SearchQuery{Query: queryStr, Limit: *limit}

	var response *models.SearchResponse
	if *serverURL != "" {
		var out models.SearchResponse
		if err := doJSON(http.MethodPost, workspaceURL(*serverURL, *workspace, "/search"), query, http.StatusOK, &out); err != nil {
			fmt.Fprintf(os.Stderr, "Search failed: %v\n", err)
			os.Exit(1)
		}
		response = &out
	} else {
		_, _, logger, components := setup(*configPathFlag, false)
		defer logger.Sync()
		defer components.Close()

		start := time.Now()
		hits, err := components.Engine.Search(context.Background(), *workspace, query)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Search failed: %v\n", err)
			os.Exit(1)
		}
		response = &models.SearchResponse{
			Workspace: *workspace,
			Query:     query.Query,
			Hits:      hits,
			QueryTime: time.Since(start).Milliseconds(),
		}
	}
	if err := cli.WriteSearchResults(os.Stdout, response, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

func runSync() {
	args := os.Args[2:]
	configPath := configPathFromArgs(args, defaultConfigPath)

	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	configPathFlag := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = sync against local storage)")
	workspace := fs.String("workspace", defaultWorkspaceFromConfig(configPath), "workspace to sync")
	reset := fs.Bool("reset", false, "discard the index and embed every eligible block")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(args)

	format, err := cli.ParseOutputFormat(*outputFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var result models.SyncResult
	if *serverURL != "" {
		body := map[string]bool{"reset": *reset, "wait": true}
		if err := doJSON(http.MethodPost, workspaceURL(*serverURL, *workspace, "/sync"), body, http.StatusOK, &result); err != nil {
			fmt.Fprintf(os.Stderr, "Sync failed: %v\n", err)
			os.Exit(1)
		}
	} else {
		_, _, logger, components := setup(*configPathFlag, false)
		defer logger.Sync()
		defer components.Close()

		mode := models.SyncStale
		if *reset {
			mode = models.ResetAndSync
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		result, err = components.Indexer.Sync(ctx, *workspace, mode)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Sync failed: %v\n", err)
			os.Exit(1)
		}
	}
	if err := cli.WriteSyncResult(os.Stdout, *workspace, result, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

func runImport() {
	args := argsReorder(os.Args[2:])
	configPath := configPathFromArgs(args, defaultConfigPath)

	fs := flag.NewFlagSet("import", flag.ExitOnError)
	configPathFlag := fs.String("config", defaultConfigPath, "config file path")
	workspace := fs.String("workspace", defaultWorkspaceFromConfig(configPath), "workspace to import into")
	syncAfter := fs.Bool("sync", true, "embed stale blocks after importing")
	_ = fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Println("Usage: vecsync import [flags] <page-file-or-graph-directory>")
		os.Exit(1)
	}
	path := fs.Arg(0)

	_, _, logger, components := setup(*configPathFlag, false)
	defer logger.Sync()
	defer components.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	info, err := os.Stat(path)
	if err != nil {
		fmt.Printf("Failed to stat path: %v\n", err)
		os.Exit(1)
	}
	if info.IsDir() {
		n, err := components.Indexer.IndexDirectory(ctx, *workspace, path)
		if err != nil {
			fmt.Printf("Import failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Imported %d page(s) from %s\n", n, path)
	} else {
		n, err := components.Indexer.IndexPage(ctx, *workspace, path)
		if err != nil {
			fmt.Printf("Import failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Imported %d block(s) from %s\n", n, path)
	}

	if !*syncAfter {
		return
	}
	result, err := components.Indexer.SyncStale(ctx, *workspace)
	if err != nil {
		fmt.Printf("Sync failed: %v\n", err)
		os.Exit(1)
	}
	_ = cli.WriteSyncResult(os.Stdout, *workspace, result, cli.OutputText)
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = use direct storage)")
	workspace := fs.String("workspace", "", "workspace (default: every known workspace)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	format, err := cli.ParseOutputFormat(*outputFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var statuses []cli.WorkspaceStatus
	if *serverURL != "" {
		names := []string{*workspace}
		if *workspace == "" {
			names = []string{defaultWorkspaceFromConfig(*configPath)}
		}
		for _, ws := range names {
			var st cli.WorkspaceStatus
			if err := doJSON(http.MethodGet, workspaceURL(*serverURL, ws, "/status"), nil, http.StatusOK, &st); err != nil {
				fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
				os.Exit(1)
			}
			statuses = append(statuses, st)
		}
	} else {
		cfg, _, logger, components := setup(*configPath, false)
		defer logger.Sync()
		defer components.Close()
		statuses, err = localStatus(context.Background(), cfg, components, *workspace)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
			os.Exit(1)
		}
	}
	if err := cli.WriteStatus(os.Stdout, statuses, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

// localStatus reads status straight from storage and the index files. An empty
// workspace lists every workspace in the store or the config.
func localStatus(ctx context.Context, cfg *config.Config, c *Components, workspace string) ([]cli.WorkspaceStatus, error) {
	names := []string{workspace}
	if workspace == "" {
		stored, err := c.Storage.Workspaces(ctx)
		if err != nil {
			return nil, err
		}
		names = append(stored, cfg.Workspaces...)
		slices.Sort(names)
		names = slices.Compact(names)
	}
	statuses := make([]cli.WorkspaceStatus, 0, len(names))
	for _, ws := range names {
		blocks, err := c.Storage.CountBlocks(ctx, ws)
		if err != nil {
			return nil, fmt.Errorf("count blocks: %w", err)
		}
		labelled, err := c.Storage.CountLabelled(ctx, ws)
		if err != nil {
			return nil, fmt.Errorf("count labelled: %w", err)
		}
		st := cli.WorkspaceStatus{Workspace: ws, Blocks: blocks, Labelled: labelled}
		c.Indexer.RefreshInfo(ctx, ws)
		if info, ok := c.Registry.IndexInfo(ws); ok {
			st.IndexInfo = &info
		}
		paths := append(storage.DatabaseFiles(cfg.Storage.DatabasePath), c.Pool.IndexPath(ws))
		if n, err := storage.DiskUsageBytes(paths...); err == nil {
			st.DiskUsageBytes = n
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

func runWatch() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: vecsync watch <add|remove|list> [path]")
		fmt.Println("  vecsync watch add <path>     Add graph directory to watch")
		fmt.Println("  vecsync watch remove <path>  Remove graph directory from watch")
		fmt.Println("  vecsync watch list           List watched directories")
		os.Exit(1)
	}
	sub := os.Args[2]
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	serverURL := fs.String("server", defaultServerURL, "server URL")
	_ = fs.Parse(argsReorder(os.Args[3:]))
	base := strings.TrimRight(*serverURL, "/") + "/api/v1/watch/directories"

	switch sub {
	case "add":
		if fs.NArg() < 1 {
			fmt.Println("Usage: vecsync watch add <path>")
			os.Exit(1)
		}
		path, _ := filepath.Abs(fs.Arg(0))
		body := map[string]interface{}{"path": path, "sync": true}
		if err := doJSON(http.MethodPost, base, body, http.StatusCreated, nil); err != nil {
			fmt.Printf("Add failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Added: %s\n", path)
	case "remove":
		if fs.NArg() < 1 {
			fmt.Println("Usage: vecsync watch remove <path>")
			os.Exit(1)
		}
		path, _ := filepath.Abs(fs.Arg(0))
		if err := doJSON(http.MethodDelete, base+"?path="+url.QueryEscape(path), nil, http.StatusOK, nil); err != nil {
			fmt.Printf("Remove failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Removed: %s\n", path)
	case "list":
		var out struct {
			Directories []string `json:"directories"`
		}
		if err := doJSON(http.MethodGet, base, nil, http.StatusOK, &out); err != nil {
			fmt.Printf("List failed: %v\n", err)
			os.Exit(1)
		}
		for _, d := range out.Directories {
			fmt.Println(d)
		}
	default:
		fmt.Printf("Unknown watch subcommand: %s\n", sub)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`vecsync - keeps a semantic vector index in step with an outline graph

Usage:
  vecsync server [flags]            Start the HTTP server, watcher and state publisher
  vecsync sync [flags]              Embed stale blocks (-reset rebuilds the index)
  vecsync search [flags] <query>    Semantic search over a workspace
  vecsync import [flags] <path>     Import a page file or graph directory
  vecsync status [flags]            Show block counts, index info and disk usage
  vecsync watch <add|remove|list>   Manage watched graph directories
  vecsync version                   Show version
  vecsync help                      Show this help

Common Flags:
  --config string     Config file path (default: /usr/local/etc/vecsync/config.yaml)
  --server string     Server URL (default: http://localhost:8080). Use --server "" for direct storage.
  --workspace string  Workspace (default: watch.workspace from config, or "default")
  --output string     Output format: text or json (default: text)

Server Flags:
  --debug             Enable debug logging

Sync Flags:
  --reset             Discard the index and embed every eligible block

Search Flags:
  --limit int         Number of results (default: 10)

Import Flags:
  --sync              Embed stale blocks after importing (default: true)

Examples:
  vecsync server
  vecsync import ~/graphs/notes
  vecsync sync --reset
  vecsync search "ownership rules"
  vecsync search --output json --limit 5 channels
  vecsync status --server ""
  vecsync watch add ~/graphs/notes`)
}
