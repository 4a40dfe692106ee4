package config

import (
	"fmt"
	"os"
	"strings"
)

// ConfigFileEnv names the variable holding the default configuration path.
const ConfigFileEnv = EnvPrefix + "CONFIG_FILE"

// GetEnv returns the environment variable value or a default.
func GetEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return defaultValue
}

// ConfigPath returns the configuration file named by CDP_CONFIG_FILE, or ""
// when the process is configured from the environment alone.
func ConfigPath() string {
	return GetEnv(ConfigFileEnv, "")
}

// SecretFile reads a secret mounted as a file (Docker or Kubernetes secrets).
// An empty path yields "" without error. A path that is set but unreadable
// or blank is an error: silently dropping the API key would disable auth.
func SecretFile(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read secret file: %w", err)
	}
	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return "", fmt.Errorf("secret file %s is empty", path)
	}
	return secret, nil
}
