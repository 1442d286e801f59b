package daemonconfig

// Default values for configuration options, chosen as safe starting points
// that work without a config file beyond client_id and the remote bucket.
const (
	defaultCatalogPath = "catalog.db"
	defaultBlobRoot    = "store"

	defaultHealthCheckInterval    = "10s"
	defaultHeartbeatInterval      = "15s"
	defaultStallThreshold         = "2m"
	defaultMaxConcurrentUploads   = 4
	defaultMaxConcurrentDownloads = 4

	defaultLogLevel  = "info"
	defaultLogFormat = "text"
)

// DefaultConfig returns a Config populated with default values. Used both
// as the decode target (so unset TOML fields retain defaults) and as the
// fallback when no config file is given.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			CatalogPath: defaultCatalogPath,
			BlobRoot:    defaultBlobRoot,
		},
		Sync: SyncConfig{
			HealthCheckInterval:     defaultHealthCheckInterval,
			HeartbeatInterval:       defaultHeartbeatInterval,
			StallThreshold:          defaultStallThreshold,
			MaxConcurrentUploads:    defaultMaxConcurrentUploads,
			MaxConcurrentDownloads:  defaultMaxConcurrentDownloads,
			AutoPrioritizeOnResolve: true,
		},
		Logging: LoggingConfig{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
	}
}
