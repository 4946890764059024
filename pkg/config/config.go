// Package config provides hierarchical configuration management.
// Priority: defaults < system < user < project < env
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all Sketchflow configuration.
type Config struct {
	Version int `yaml:"version"`

	Scheduler SchedulerConfig `yaml:"scheduler"`
	Analyzers AnalyzersConfig `yaml:"analyzers"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Queue     QueueConfig     `yaml:"queue"`
	Watch     WatchConfig     `yaml:"watch"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// SchedulerConfig controls the task graph scheduler.
type SchedulerConfig struct {
	Workers       int           `yaml:"workers"`        // 0 = NumCPU
	QueueCapacity int           `yaml:"queue_capacity"` // bounded dispatch queue size
	MaxRetries    int           `yaml:"max_retries"`    // default per-analyzer retry cap
	BackoffBase   time.Duration `yaml:"backoff_base"`
	BackoffCap    time.Duration `yaml:"backoff_cap"`
}

// AnalyzersConfig controls analyzer execution defaults.
type AnalyzersConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	CatalogPath    string        `yaml:"catalog_path"` // optional YAML analyzer catalog
}

// ServerConfig for the HTTP API surface.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	Host        string   `yaml:"host"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// StorageConfig for persistence.
type StorageConfig struct {
	Database   string `yaml:"database"`    // DuckDB file for sessions/timelines/artifacts
	EventIndex string `yaml:"event_index"` // DuckDB file backing the event store adapter
	ArchiveDir string `yaml:"archive_dir"` // local archive backend destination

	// S3 archive backend (used when bucket is set)
	S3Bucket string `yaml:"s3_bucket"`
	S3Region string `yaml:"s3_region"`
	S3Prefix string `yaml:"s3_prefix"`
}

// QueueConfig selects the dispatch queue transport.
type QueueConfig struct {
	// Backend is "memory" or "redis".
	Backend string `yaml:"backend"`

	RedisAddress  string        `yaml:"redis_address"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDatabase int           `yaml:"redis_database"`
	RedisTimeout  time.Duration `yaml:"redis_timeout"`
}

// WatchConfig for the spool-directory watcher.
type WatchConfig struct {
	Enabled  bool     `yaml:"enabled"`
	SketchID string   `yaml:"sketch_id"`
	Dirs     []string `yaml:"dirs"`
}

// TelemetryConfig for optional tracing.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// Default returns the default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	baseDir := filepath.Join(homeDir, ".sketchflow")

	return &Config{
		Version: 1,
		Scheduler: SchedulerConfig{
			Workers:       0, // auto
			QueueCapacity: 256,
			MaxRetries:    3,
			BackoffBase:   2 * time.Second,
			BackoffCap:    5 * time.Minute,
		},
		Analyzers: AnalyzersConfig{
			DefaultTimeout: 10 * time.Minute,
		},
		Server: ServerConfig{
			Port:        8080,
			Host:        "localhost",
			CORSOrigins: []string{"*"},
		},
		Storage: StorageConfig{
			Database:   filepath.Join(baseDir, "sketchflow.db"),
			EventIndex: filepath.Join(baseDir, "events.db"),
			ArchiveDir: filepath.Join(baseDir, "archive"),
		},
		Queue: QueueConfig{
			Backend:      "memory",
			RedisAddress: "localhost:6379",
			RedisTimeout: 5 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Enabled: false,
		},
	}
}

// Manager handles configuration loading and merging.
type Manager struct {
	mu     sync.RWMutex
	config *Config
	paths  []string // Paths that were loaded
}

// NewManager creates a new configuration manager.
func NewManager() *Manager {
	return &Manager{
		config: Default(),
	}
}

// Load loads configuration from all sources in priority order.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Start with defaults
	m.config = Default()

	// Load from paths in order (later overrides earlier)
	paths := m.getConfigPaths()
	for _, path := range paths {
		if err := m.loadFile(path); err != nil {
			// Ignore missing files, but surface errors for existing files
			if !os.IsNotExist(err) {
				return err
			}
		} else {
			m.paths = append(m.paths, path)
		}
	}

	// Override with environment variables
	m.loadEnv()

	// Ensure directories exist
	m.ensureDirs()

	return nil
}

// getConfigPaths returns config file paths in priority order.
func (m *Manager) getConfigPaths() []string {
	var paths []string

	// System config
	if runtime.GOOS != "windows" {
		paths = append(paths, "/etc/sketchflow/config.yaml")
	}

	// User config
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".sketchflow", "config.yaml"))
	}

	// Project config (current directory)
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".sketchflow.yaml"))
	}

	return paths
}

// loadFile loads a single config file and merges it.
func (m *Manager) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var partial Config
	if err := yaml.Unmarshal(data, &partial); err != nil {
		return err
	}

	m.merge(&partial)
	return nil
}

// merge merges non-zero values from src into config.
func (m *Manager) merge(src *Config) {
	// Scheduler
	if src.Scheduler.Workers != 0 {
		m.config.Scheduler.Workers = src.Scheduler.Workers
	}
	if src.Scheduler.QueueCapacity != 0 {
		m.config.Scheduler.QueueCapacity = src.Scheduler.QueueCapacity
	}
	if src.Scheduler.MaxRetries != 0 {
		m.config.Scheduler.MaxRetries = src.Scheduler.MaxRetries
	}
	if src.Scheduler.BackoffBase != 0 {
		m.config.Scheduler.BackoffBase = src.Scheduler.BackoffBase
	}
	if src.Scheduler.BackoffCap != 0 {
		m.config.Scheduler.BackoffCap = src.Scheduler.BackoffCap
	}

	// Analyzers
	if src.Analyzers.DefaultTimeout != 0 {
		m.config.Analyzers.DefaultTimeout = src.Analyzers.DefaultTimeout
	}
	if src.Analyzers.CatalogPath != "" {
		m.config.Analyzers.CatalogPath = src.Analyzers.CatalogPath
	}

	// Server
	if src.Server.Port != 0 {
		m.config.Server.Port = src.Server.Port
	}
	if src.Server.Host != "" {
		m.config.Server.Host = src.Server.Host
	}
	if len(src.Server.CORSOrigins) > 0 {
		m.config.Server.CORSOrigins = src.Server.CORSOrigins
	}

	// Storage
	if src.Storage.Database != "" {
		m.config.Storage.Database = src.Storage.Database
	}
	if src.Storage.EventIndex != "" {
		m.config.Storage.EventIndex = src.Storage.EventIndex
	}
	if src.Storage.ArchiveDir != "" {
		m.config.Storage.ArchiveDir = src.Storage.ArchiveDir
	}
	if src.Storage.S3Bucket != "" {
		m.config.Storage.S3Bucket = src.Storage.S3Bucket
	}
	if src.Storage.S3Region != "" {
		m.config.Storage.S3Region = src.Storage.S3Region
	}
	if src.Storage.S3Prefix != "" {
		m.config.Storage.S3Prefix = src.Storage.S3Prefix
	}

	// Queue
	if src.Queue.Backend != "" {
		m.config.Queue.Backend = src.Queue.Backend
	}
	if src.Queue.RedisAddress != "" {
		m.config.Queue.RedisAddress = src.Queue.RedisAddress
	}
	if src.Queue.RedisPassword != "" {
		m.config.Queue.RedisPassword = src.Queue.RedisPassword
	}
	if src.Queue.RedisDatabase != 0 {
		m.config.Queue.RedisDatabase = src.Queue.RedisDatabase
	}
	if src.Queue.RedisTimeout != 0 {
		m.config.Queue.RedisTimeout = src.Queue.RedisTimeout
	}

	// Watch
	if src.Watch.Enabled {
		m.config.Watch.Enabled = true
	}
	if src.Watch.SketchID != "" {
		m.config.Watch.SketchID = src.Watch.SketchID
	}
	if len(src.Watch.Dirs) > 0 {
		m.config.Watch.Dirs = src.Watch.Dirs
	}

	// Telemetry
	if src.Telemetry.Enabled {
		m.config.Telemetry.Enabled = true
	}
	if src.Telemetry.Endpoint != "" {
		m.config.Telemetry.Endpoint = src.Telemetry.Endpoint
	}
}

// loadEnv loads configuration from environment variables.
func (m *Manager) loadEnv() {
	if v := os.Getenv("SKETCHFLOW_WORKERS"); v != "" {
		var workers int
		if _, err := fmt.Sscanf(v, "%d", &workers); err == nil {
			m.config.Scheduler.Workers = workers
		}
	}

	if v := os.Getenv("SKETCHFLOW_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			m.config.Server.Port = port
		}
	}

	if v := os.Getenv("SKETCHFLOW_DATABASE"); v != "" {
		m.config.Storage.Database = v
	}

	if v := os.Getenv("SKETCHFLOW_EVENT_INDEX"); v != "" {
		m.config.Storage.EventIndex = v
	}

	if v := os.Getenv("SKETCHFLOW_REDIS"); v != "" {
		m.config.Queue.Backend = "redis"
		m.config.Queue.RedisAddress = v
	}
}

// ensureDirs creates necessary directories.
func (m *Manager) ensureDirs() {
	dirs := []string{
		filepath.Dir(m.config.Storage.Database),
		filepath.Dir(m.config.Storage.EventIndex),
		m.config.Storage.ArchiveDir,
	}

	for _, dir := range dirs {
		os.MkdirAll(dir, 0755)
	}
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetPaths returns the paths that were loaded.
func (m *Manager) GetPaths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paths
}

// Save writes the current config to the user config file.
func (m *Manager) Save() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}

	configDir := filepath.Join(home, ".sketchflow")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(m.config)
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(configDir, "config.yaml"), data, 0644)
}

// Global instance
var (
	globalManager *Manager
	globalOnce    sync.Once
)

// Global returns the global configuration manager.
func Global() *Manager {
	globalOnce.Do(func() {
		globalManager = NewManager()
		globalManager.Load()
	})
	return globalManager
}
