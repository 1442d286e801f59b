package daemonconfig

import "os"

// Environment variable names for overrides, applied after the config file
// and before CLI flags in the precedence order Load documents.
const (
	EnvConfig   = "FILESYNCD_CONFIG"
	EnvClientID = "FILESYNCD_CLIENT_ID"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string
	ClientID   string
}

// ReadEnvOverrides reads the environment and returns any overrides found.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		ClientID:   os.Getenv(EnvClientID),
	}
}
