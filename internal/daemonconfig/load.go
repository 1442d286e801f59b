package daemonconfig

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Load reads and decodes a TOML config file over the default configuration,
// applies environment overrides, resolves duration strings, and validates
// the result. path may be "" to use defaults plus environment only.
func Load(path string, env EnvOverrides, logger *slog.Logger) (*Resolved, error) {
	cfg := DefaultConfig()

	if path != "" {
		logger.Debug("daemonconfig: loading config file", "path", path)

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("daemonconfig: read config file %s: %w", path, err)
		}

		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("daemonconfig: parse config file %s: %w", path, err)
		}
	}

	if env.ClientID != "" {
		cfg.ClientID = env.ClientID
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("daemonconfig: validate: %w", err)
	}

	resolved := &Resolved{Config: *cfg}

	var err error

	if resolved.HealthCheckInterval, err = time.ParseDuration(cfg.Sync.HealthCheckInterval); err != nil {
		return nil, fmt.Errorf("daemonconfig: sync.health_check_interval: %w", err)
	}

	if resolved.HeartbeatInterval, err = time.ParseDuration(cfg.Sync.HeartbeatInterval); err != nil {
		return nil, fmt.Errorf("daemonconfig: sync.heartbeat_interval: %w", err)
	}

	if resolved.StallThreshold, err = time.ParseDuration(cfg.Sync.StallThreshold); err != nil {
		return nil, fmt.Errorf("daemonconfig: sync.stall_threshold: %w", err)
	}

	return resolved, nil
}
