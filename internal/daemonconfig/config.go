// Package daemonconfig implements TOML configuration loading, defaulting,
// and validation for filesyncd, the daemon that hosts one session's
// FileSync core against an on-disk catalog, local blob cache, and S3
// remote store.
package daemonconfig

import "time"

// Config is the top-level daemon configuration.
type Config struct {
	ClientID string `toml:"client_id"`

	Store   StoreConfig   `toml:"store"`
	Remote  RemoteConfig  `toml:"remote"`
	Sync    SyncConfig    `toml:"sync"`
	Events  EventsConfig  `toml:"events"`
	Logging LoggingConfig `toml:"logging"`
}

// StoreConfig controls where the catalog and local blob cache live on disk.
type StoreConfig struct {
	CatalogPath string `toml:"catalog_path"`
	BlobRoot    string `toml:"blob_root"`
}

// RemoteConfig configures the S3 or S3-compatible bucket every client in a
// session shares.
type RemoteConfig struct {
	Endpoint        string `toml:"endpoint"` // non-empty for S3-compatible stores (MinIO, etc.)
	Region          string `toml:"region"`
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
	Bucket          string `toml:"bucket"`
	KeyPrefix       string `toml:"key_prefix"`
	ForcePathStyle  bool   `toml:"force_path_style"`
}

// SyncConfig controls the core engine's tunables.
type SyncConfig struct {
	HealthCheckInterval     string `toml:"health_check_interval"`
	HeartbeatInterval       string `toml:"heartbeat_interval"`
	StallThreshold          string `toml:"stall_threshold"`
	MaxConcurrentUploads    int    `toml:"max_concurrent_uploads"`
	MaxConcurrentDownloads  int    `toml:"max_concurrent_downloads"`
	AutoPrioritizeOnResolve bool   `toml:"auto_prioritize_on_resolve"`
}

// EventsConfig controls the optional websocket gateway that exposes the
// catalog's filtered event stream to out-of-process clients (a status
// viewer, another host's Event Stream Consumer). Empty Addr disables it.
type EventsConfig struct {
	Addr string `toml:"addr"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "text" or "json"
}

// durations resolved from the string fields above via time.ParseDuration,
// populated by Resolved.
type Resolved struct {
	Config

	HealthCheckInterval time.Duration
	HeartbeatInterval   time.Duration
	StallThreshold      time.Duration
}
