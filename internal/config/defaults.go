package config

import "time"

// DefaultWorkspace is used when no workspace is named.
const DefaultWorkspace = "default"

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/vecsync/data/db/blocks.db"
	}
	if cfg.Storage.IndexDir == "" {
		cfg.Storage.IndexDir = "/usr/local/var/vecsync/data/indices"
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = ProviderONNX
	}
	if cfg.Embedding.ModelPath == "" {
		cfg.Embedding.ModelPath = "/usr/local/var/vecsync/data/models/all-MiniLM-L6-v2.onnx"
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 384
	}
	if cfg.Embedding.MaxTokens == 0 {
		cfg.Embedding.MaxTokens = 256
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 10000
	}
	if cfg.Sync.BatchBudget == 0 {
		cfg.Sync.BatchBudget = 2000
	}
	if cfg.Sync.ScanPageSize == 0 {
		cfg.Sync.ScanPageSize = 256
	}
	if cfg.Sync.ReservedNamespaces == nil {
		cfg.Sync.ReservedNamespaces = []string{"logseq", "system"}
	}
	if cfg.Search.DefaultLimit == 0 {
		cfg.Search.DefaultLimit = 10
	}
	if cfg.Search.MaxLimit == 0 {
		cfg.Search.MaxLimit = 100
	}
	if cfg.Registry.PublishInterval == 0 {
		cfg.Registry.PublishInterval = 300 * time.Millisecond
	}
	if cfg.Watch.Extensions == nil {
		cfg.Watch.Extensions = []string{".md", ".markdown", ".org", ".txt"}
	}
	if cfg.Watch.Ignore == nil {
		cfg.Watch.Ignore = []string{"bak", "node_modules"}
	}
	if cfg.Watch.SettleDelay == 0 {
		cfg.Watch.SettleDelay = 2 * time.Second
	}
	if cfg.Watch.Workspace == "" {
		cfg.Watch.Workspace = DefaultWorkspace
	}
	// Recursive defaults to true when unset (nil).
	if len(cfg.Watch.Directories) > 0 && cfg.Watch.Recursive == nil {
		t := true
		cfg.Watch.Recursive = &t
	}
	if len(cfg.Workspaces) == 0 {
		cfg.Workspaces = []string{cfg.Watch.Workspace}
	}
}
