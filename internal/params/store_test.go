package params

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"cdpipeline/internal/apperrors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const paramsDoc = `
all:
  maps:
    test:
      api-url: https://maps.test.example.edu
      sentry_dsn: https://key@sentry.example.edu/1
github:
  token:
    oauth: ghp_nested
sentry:
  token: '{"token":"sntrys_abc","ttl":3600}'
`

func loadStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "params.yaml")
	require.NoError(t, os.WriteFile(path, []byte(paramsDoc), 0o600))
	s, err := Load(path)
	require.NoError(t, err)
	s.getenv = func(string) (string, bool) { return "", false }
	return s
}

func TestStore_Get(t *testing.T) {
	t.Parallel()
	s := loadStore(t)

	v, err := s.Get(context.Background(), "/all/maps/test/api-url")
	require.NoError(t, err)
	assert.Equal(t, "https://maps.test.example.edu", v)

	_, err = s.Get(context.Background(), "/all/maps/prod/api-url")
	assert.ErrorIs(t, err, apperrors.ErrCollaborator)
	assert.ErrorIs(t, err, ErrParameterNotFound)
}

func TestStore_Secret(t *testing.T) {
	t.Parallel()
	s := loadStore(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		path  string
		field string
		want  string
	}{
		{"nested map field", "/github/token", "oauth", "ghp_nested"},
		{"json string field", "sentry/token", "token", "sntrys_abc"},
		{"json number field", "sentry/token", "ttl", "3600"},
		{"whole value", "/all/maps/test/sentry_dsn", "", "https://key@sentry.example.edu/1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := s.Secret(ctx, tt.path, tt.field)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStore_SecretErrors(t *testing.T) {
	t.Parallel()
	s := loadStore(t)
	ctx := context.Background()

	_, err := s.Secret(ctx, "/missing", "oauth")
	assert.ErrorIs(t, err, ErrParameterNotFound)

	_, err = s.Secret(ctx, "/sentry/token", "missing")
	assert.ErrorIs(t, err, ErrParameterNotFound)

	_, err = s.Secret(ctx, "/all/maps/test/api-url", "field")
	assert.ErrorIs(t, err, apperrors.ErrCollaborator)
}

func TestStore_EnvFallback(t *testing.T) {
	t.Parallel()
	s := New()
	s.getenv = func(name string) (string, bool) {
		if name == "CDP_PARAM_ALL_MAPS_PROD_API_URL" {
			return "https://maps.example.edu", true
		}
		return "", false
	}

	v, err := s.Get(context.Background(), "/all/maps/prod/api-url")
	require.NoError(t, err)
	assert.Equal(t, "https://maps.example.edu", v)
}

func TestStore_Set(t *testing.T) {
	t.Parallel()
	s := New()
	s.getenv = func(string) (string, bool) { return "", false }
	require.NoError(t, s.Set("/all/maps/dev/api-url", "http://localhost:3000"))

	v, err := s.Get(context.Background(), "/all/maps/dev/api-url")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:3000", v)
}

func TestEnvName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "CDP_PARAM_ALL_MAPS_TEST_API_URL", EnvName("/all/maps/test/api-url"))
	assert.Equal(t, "CDP_PARAM_GITHUB_TOKEN", EnvName("github/token"))
}
