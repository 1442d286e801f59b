package daemonconfig

import "fmt"

// Validate checks that a Config is complete enough to start the daemon.
func Validate(cfg *Config) error {
	if cfg.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}

	if cfg.Remote.Bucket == "" {
		return fmt.Errorf("remote.bucket is required")
	}

	if cfg.Sync.MaxConcurrentUploads <= 0 {
		return fmt.Errorf("sync.max_concurrent_uploads must be positive")
	}

	if cfg.Sync.MaxConcurrentDownloads <= 0 {
		return fmt.Errorf("sync.max_concurrent_downloads must be positive")
	}

	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be %q or %q, got %q", "text", "json", cfg.Logging.Format)
	}

	return nil
}
