package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetEnv(t *testing.T) {
	assert.Equal(t, "default", GetEnv("CDP_TEST_NONEXISTENT_VAR", "default"))

	t.Setenv("CDP_TEST_GET_ENV", "custom")
	assert.Equal(t, "custom", GetEnv("CDP_TEST_GET_ENV", "default"))

	t.Setenv("CDP_TEST_GET_ENV", "")
	assert.Equal(t, "default", GetEnv("CDP_TEST_GET_ENV", "default"), "empty counts as unset")
}

func TestConfigPath(t *testing.T) {
	t.Setenv(ConfigFileEnv, "")
	assert.Empty(t, ConfigPath())

	t.Setenv(ConfigFileEnv, "/etc/cdpipeline/config.yaml")
	assert.Equal(t, "/etc/cdpipeline/config.yaml", ConfigPath())
}

func TestSecretFile(t *testing.T) {
	dir := t.TempDir()
	key := filepath.Join(dir, "api-key")
	require.NoError(t, os.WriteFile(key, []byte("my-secret-value\n"), 0o600))
	blank := filepath.Join(dir, "blank")
	require.NoError(t, os.WriteFile(blank, []byte(" \n"), 0o600))

	tests := []struct {
		name    string
		path    string
		want    string
		wantErr bool
	}{
		{"empty path", "", "", false},
		{"trimmed value", key, "my-secret-value", false},
		{"missing file", filepath.Join(dir, "missing"), "", true},
		{"blank file", blank, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SecretFile(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
