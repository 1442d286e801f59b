package filesync

import "time"

// Config holds every tunable governing the executor, stream, health check,
// and heartbeat. DefaultConfig is the layer-0 starting point, the way
// internal/config/defaults.go's DefaultConfig works for the CLI.
type Config struct {
	Executor ExecutorConfig
	Stream   StreamConfig

	HealthCheckInterval     time.Duration
	HeartbeatInterval       time.Duration // 0 disables the heartbeat
	AutoPrioritizeOnResolve bool

	StoreRoot     string
	Preprocessors map[string]Preprocessor
}

// DefaultConfig returns a Config populated with reasonable production
// defaults.
func DefaultConfig() Config {
	return Config{
		Executor:                DefaultExecutorConfig(),
		Stream:                  DefaultStreamConfig(),
		HealthCheckInterval:     10 * time.Second,
		HeartbeatInterval:       15 * time.Second,
		AutoPrioritizeOnResolve: true,
		StoreRoot:               "store",
	}
}
