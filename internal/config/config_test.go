package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
project:
  name: contentfulmaps
  owner: jdoe
  contact_domain: example.edu
source:
  git_owner: acme
  token_path: /all/github/token
  service_repository: contentful-maps
  service_branch: master
  blueprints_repository: blueprints
notifications:
  email_receivers:
    - ops@example.edu
  approval_channel: approvals
  channels:
    approvals: https://hooks.example.edu/${CDP_TEST_HOOK_ID}
build:
  deploy_image: node:20
  deploy_commands:
    - npm ci
    - npm run deploy
  sentry_project: maps
deployment:
  code_path: ../contentful_maps/src
  imports:
    DIRECT_ENDPOINT: contentfuldirect-dev-api-url
service:
  port: "9000"
  shutdown_drain_wait: 2s
dispatcher:
  workers: 2
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_File(t *testing.T) {
	t.Setenv("CDP_TEST_HOOK_ID", "abc")
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "contentfulmaps", cfg.Project.Name)
	assert.Equal(t, "contentfulmaps", cfg.Project.Service, "service defaults to project name")
	assert.Equal(t, "jdoe@example.edu", cfg.Project.Contact)
	assert.Equal(t, "master", cfg.Source.ServiceBranch)
	assert.Equal(t, "main", cfg.Source.BlueprintsBranch)
	assert.Equal(t, "oauth", cfg.Source.TokenField)
	assert.Equal(t, []string{"ops@example.edu"}, cfg.Notifications.EmailReceivers)
	assert.Equal(t, "https://hooks.example.edu/abc", cfg.Notifications.Channels["approvals"])
	assert.Equal(t, []string{"npm ci", "npm run deploy"}, cfg.Build.DeployCommands)
	assert.Equal(t, "contentfuldirect-dev-api-url", cfg.Deployment.Imports["DIRECT_ENDPOINT"])
	assert.Equal(t, "9000", cfg.Service.Port)
	assert.Equal(t, 2*time.Second, cfg.Service.ShutdownDrainWait)
	assert.Equal(t, 2, cfg.Dispatcher.Workers)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, []string{"test", "prod"}, cfg.Environments)
	assert.Equal(t, "https://api.github.com", cfg.Source.APIURL)
	assert.Equal(t, "postman/newman", cfg.Build.QAImage)
	assert.Equal(t, "dev", cfg.Deployment.Stage)
	assert.Equal(t, "8080", cfg.Service.Port)
	assert.Equal(t, "9090", cfg.Service.MetricsPort)
	assert.Equal(t, 5*time.Second, cfg.Service.ShutdownDrainWait)
	assert.Equal(t, 1000, cfg.Dispatcher.BufferSize)
	assert.Equal(t, 4, cfg.Dispatcher.Workers)
	assert.Equal(t, 3, cfg.Dispatcher.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.Dispatcher.HTTPTimeout)
	assert.Empty(t, cfg.Notifications.ApprovalChannel)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("CDP_NOTIFICATIONS__APPROVAL_CHANNEL", "release-approvals")
	t.Setenv("CDP_SERVICE__PORT", "7000")
	t.Setenv("CDP_DEPLOYMENT__STAGE", "test")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, "release-approvals", cfg.Notifications.ApprovalChannel)
	assert.Equal(t, "7000", cfg.Service.Port)
	assert.Equal(t, "test", cfg.Deployment.Stage)
	assert.Equal(t, "acme", cfg.Source.GitOwner, "file values without override survive")
}

func TestLoad_APIKeyFile(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(keyPath, []byte("s3cret\n"), 0o600))
	t.Setenv("CDP_SERVICE__API_KEY_FILE", keyPath)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Service.APIKey)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "project: [unterminated"))
	assert.Error(t, err)
}

func TestLoad_MissingAPIKeyFile(t *testing.T) {
	t.Setenv("CDP_SERVICE__API_KEY_FILE", filepath.Join(t.TempDir(), "absent"))

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service.api_key_file")
}

func TestParse_JSONDocument(t *testing.T) {
	t.Parallel()
	doc := `{
		"project": {"name": "maps", "owner": "jdoe", "contact_domain": "example.edu"},
		"source": {"git_owner": "acme", "service_repository": "maps"},
		"notifications": {"approval_channel": "approvals"},
		"environments": ["qa", "live"]
	}`

	cfg, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "maps", cfg.Project.Service)
	assert.Equal(t, "jdoe@example.edu", cfg.Project.Contact)
	assert.Equal(t, "approvals", cfg.Notifications.ApprovalChannel)
	assert.Equal(t, []string{"qa", "live"}, cfg.Environments)
	assert.Equal(t, "main", cfg.Source.ServiceBranch)
}

func TestParse_IgnoresEnvironmentAndSecretFiles(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(keyPath, []byte("s3cret"), 0o600))
	t.Setenv("CDP_PROJECT__NAME", "from-env")

	cfg, err := Parse([]byte("project:\n  name: from-body\nservice:\n  api_key_file: " + keyPath + "\n"))
	require.NoError(t, err)
	assert.Equal(t, "from-body", cfg.Project.Name)
	assert.Empty(t, cfg.Service.APIKey)
}

func TestParse_Invalid(t *testing.T) {
	t.Parallel()
	_, err := Parse([]byte("project: [unterminated"))
	assert.Error(t, err)
}
