// Package config provides configuration loading and structs for the vecsync server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug      bool            `yaml:"debug"`
	Server     ServerConfig    `yaml:"server"`
	Storage    StorageConfig   `yaml:"storage"`
	Embedding  EmbeddingConfig `yaml:"embedding"`
	Sync       SyncConfig      `yaml:"sync"`
	Search     SearchConfig    `yaml:"search"`
	Registry   RegistryConfig  `yaml:"registry"`
	Watch      WatchConfig     `yaml:"watch"`
	Workspaces []string        `yaml:"workspaces"`
}

// WatchConfig holds graph directory watch settings. Pages found under
// Directories are imported into Workspace.
type WatchConfig struct {
	Directories []string      `yaml:"directories"`
	Extensions  []string      `yaml:"extensions"`
	Recursive   *bool         `yaml:"recursive"`
	Workspace   string        `yaml:"workspace"`
	Ignore      []string      `yaml:"ignore"`
	SettleDelay time.Duration `yaml:"settle_delay"`
}

// RecursiveOrDefault returns whether to watch recursively; defaults to true when unset.
func (w *WatchConfig) RecursiveOrDefault() bool {
	if w.Recursive != nil {
		return *w.Recursive
	}
	return true
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// StorageConfig holds paths for the block database and the per-workspace index files.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
	IndexDir     string `yaml:"index_dir"`
}

// Embedding providers.
const (
	ProviderONNX = "onnx"
	ProviderMock = "mock"
	ProviderNone = "none"
)

// EmbeddingConfig holds embedder settings. Provider "none" disables indexing
// and search for every workspace.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider"`
	ModelPath  string `yaml:"model_path"`
	Dimensions int    `yaml:"dimensions"`
	MaxTokens  int    `yaml:"max_tokens"`
	CacheSize  int    `yaml:"cache_size"`
}

// Enabled reports whether an embedding provider is configured.
func (e *EmbeddingConfig) Enabled() bool {
	return e.Provider != "" && e.Provider != ProviderNone
}

// SyncConfig holds staleness scan and batching settings.
type SyncConfig struct {
	BatchBudget        int      `yaml:"batch_budget"`
	ScanPageSize       int      `yaml:"scan_page_size"`
	ReservedNamespaces []string `yaml:"reserved_namespaces"`
}

// SearchConfig holds search request limits.
type SearchConfig struct {
	DefaultLimit int `yaml:"default_limit"`
	MaxLimit     int `yaml:"max_limit"`
}

// RegistryConfig holds workspace state publication settings.
type RegistryConfig struct {
	PublishInterval time.Duration `yaml:"publish_interval"`
}

// Load reads and parses the config file at path, expands paths, and applies defaults.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.IndexDir = expandPath(cfg.Storage.IndexDir, configDir)
	cfg.Embedding.ModelPath = expandPath(cfg.Embedding.ModelPath, configDir)
	for i := range cfg.Watch.Directories {
		cfg.Watch.Directories[i] = expandPath(cfg.Watch.Directories[i], configDir)
	}

	return &cfg, nil
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
