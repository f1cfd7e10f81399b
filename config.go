package satchel

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for an offline service instance.
type Config struct {
	// DataDir is the root directory for local state: the SQLite database and
	// the material blob tree live underneath it.
	DataDir string `yaml:"data_dir"`

	// Store configures the SQLite durable store. Store.Path defaults to
	// {DataDir}/satchel.db when empty.
	Store SQLiteStoreConfig `yaml:"store"`

	// Sync configures the background sync engine.
	Sync SyncConfig `yaml:"sync"`

	// Remote configures the system-of-record HTTP endpoint.
	Remote RemoteConfig `yaml:"remote"`

	// Source configures the content download source. Ignored when an S3
	// source is configured.
	Source ContentSourceConfig `yaml:"source"`

	// S3Source, when its Bucket is set, replaces the HTTP content source.
	S3Source S3SourceConfig `yaml:"s3_source"`

	// Cache configures the local content cache.
	Cache CacheConfig `yaml:"cache"`

	// Encryption configures at-rest encryption of material blobs.
	Encryption EncryptionConfig `yaml:"encryption"`

	// CompressBlobs enables snappy compression of stored material blobs.
	// Default: true.
	CompressBlobs *bool `yaml:"compress_blobs"`

	// Realtime configures websocket-based connectivity detection. When its
	// URL is empty and Probe.URL is set, HTTP probing is used instead; when
	// both are empty connectivity must be driven manually.
	Realtime RealtimeMonitorConfig `yaml:"realtime"`

	// Probe configures HTTP health-probe connectivity detection.
	Probe ProbeMonitorConfig `yaml:"probe"`

	// Logger receives structured logs. Defaults to slog.Default().
	Logger *slog.Logger `yaml:"-"`
}

// DefaultConfig returns a configuration with sensible defaults rooted at the
// given data directory.
func DefaultConfig(dataDir string) Config {
	compress := true
	return Config{
		DataDir:       dataDir,
		Store:         DefaultSQLiteStoreConfig(filepath.Join(dataDir, "satchel.db")),
		Sync:          DefaultSyncConfig(),
		Cache:         DefaultCacheConfig(),
		CompressBlobs: &compress,
	}
}

// LoadConfig reads a YAML configuration file and overlays it on the defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "."
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.DataDir, "satchel.db")
	}
	def := DefaultSQLiteStoreConfig(c.Store.Path)
	if c.Store.JournalMode == "" {
		c.Store.JournalMode = def.JournalMode
	}
	if c.Store.BusyTimeout <= 0 {
		c.Store.BusyTimeout = def.BusyTimeout
	}
	if c.Store.MaxConnections <= 0 {
		c.Store.MaxConnections = def.MaxConnections
	}
	syncDef := DefaultSyncConfig()
	if c.Sync.Interval <= 0 {
		c.Sync.Interval = syncDef.Interval
	}
	if c.Sync.BreakerThreshold <= 0 {
		c.Sync.BreakerThreshold = syncDef.BreakerThreshold
	}
	if c.Sync.BreakerReset <= 0 {
		c.Sync.BreakerReset = syncDef.BreakerReset
	}
	cacheDef := DefaultCacheConfig()
	if c.Cache.DownloadConcurrency <= 0 {
		c.Cache.DownloadConcurrency = cacheDef.DownloadConcurrency
	}
	if c.CompressBlobs == nil {
		compress := true
		c.CompressBlobs = &compress
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// durationString accepts "30s" style values in YAML files; yaml.v3 only
// decodes integers into time.Duration natively.
type durationString time.Duration

func (d *durationString) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = durationString(parsed)
	return nil
}

// UnmarshalYAML decodes durations from "30s" style strings.
func (c *SyncConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Interval         durationString `yaml:"interval"`
		MaxRetries       int            `yaml:"max_retries"`
		BreakerThreshold int            `yaml:"breaker_threshold"`
		BreakerReset     durationString `yaml:"breaker_reset"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	c.Interval = time.Duration(raw.Interval)
	c.MaxRetries = raw.MaxRetries
	c.BreakerThreshold = raw.BreakerThreshold
	c.BreakerReset = time.Duration(raw.BreakerReset)
	return nil
}

// UnmarshalYAML decodes durations from "10s" style strings.
func (c *RemoteConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		BaseURL           string         `yaml:"base_url"`
		APIKey            string         `yaml:"api_key"`
		Timeout           durationString `yaml:"timeout"`
		EnableCompression bool           `yaml:"enable_compression"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	c.BaseURL = raw.BaseURL
	c.APIKey = raw.APIKey
	c.Timeout = time.Duration(raw.Timeout)
	c.EnableCompression = raw.EnableCompression
	return nil
}

// UnmarshalYAML decodes durations from "30s" style strings.
func (c *ContentSourceConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		BaseURL string         `yaml:"base_url"`
		Timeout durationString `yaml:"timeout"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	c.BaseURL = raw.BaseURL
	c.Timeout = time.Duration(raw.Timeout)
	return nil
}

// UnmarshalYAML decodes durations from "15s" style strings.
func (c *ProbeMonitorConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		URL      string         `yaml:"url"`
		Interval durationString `yaml:"interval"`
		Timeout  durationString `yaml:"timeout"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	c.URL = raw.URL
	c.Interval = time.Duration(raw.Interval)
	c.Timeout = time.Duration(raw.Timeout)
	return nil
}

// UnmarshalYAML decodes durations from "20s" style strings.
func (c *RealtimeMonitorConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		URL              string         `yaml:"url"`
		PingInterval     durationString `yaml:"ping_interval"`
		ReconnectBackoff durationString `yaml:"reconnect_backoff"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	c.URL = raw.URL
	c.PingInterval = time.Duration(raw.PingInterval)
	c.ReconnectBackoff = time.Duration(raw.ReconnectBackoff)
	return nil
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if c.Source.BaseURL == "" && c.S3Source.Bucket == "" {
		return fmt.Errorf("either source.base_url or s3_source.bucket is required")
	}
	if c.Cache.QuotaBytes < 0 {
		return fmt.Errorf("cache.quota_bytes must not be negative")
	}
	if c.Encryption.Enabled && len(c.Encryption.Key) == 0 && c.Encryption.KeyPassword == "" {
		return fmt.Errorf("encryption enabled but no key or key_password given")
	}
	return nil
}
