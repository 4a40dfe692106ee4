// Package config loads assembler and runner configuration from a YAML file
// with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override. "__" separates nested keys,
// so CDP_NOTIFICATIONS__APPROVAL_CHANNEL sets notifications.approval_channel.
const EnvPrefix = "CDP_"

// Config is the root configuration document.
type Config struct {
	Project       ProjectConfig       `koanf:"project"`
	Source        SourceConfig        `koanf:"source"`
	Notifications NotificationsConfig `koanf:"notifications"`
	Build         BuildConfig         `koanf:"build"`
	// Environments are the deployment stages in promotion order.
	Environments []string         `koanf:"environments"`
	Deployment   DeploymentConfig `koanf:"deployment"`
	Params       ParamsConfig     `koanf:"params"`
	Service      ServiceConfig    `koanf:"service"`
	Dispatcher   DispatcherConfig `koanf:"dispatcher"`
}

// ProjectConfig names the delivered service and its default tags.
type ProjectConfig struct {
	Name    string `koanf:"name"`
	Service string `koanf:"service"`
	Owner   string `koanf:"owner"`
	// Contact defaults to <owner>@<contact_domain>.
	Contact       string `koanf:"contact"`
	ContactDomain string `koanf:"contact_domain"`
}

// SourceConfig locates the application and blueprint repositories.
type SourceConfig struct {
	APIURL               string `koanf:"api_url"`
	GitOwner             string `koanf:"git_owner"`
	TokenPath            string `koanf:"token_path"`
	TokenField           string `koanf:"token_field"`
	ServiceRepository    string `koanf:"service_repository"`
	ServiceBranch        string `koanf:"service_branch"`
	BlueprintsRepository string `koanf:"blueprints_repository"`
	BlueprintsBranch     string `koanf:"blueprints_branch"`
}

// NotificationsConfig holds notification targets. An empty ApprovalChannel
// omits every approval gate.
type NotificationsConfig struct {
	EmailReceivers  []string `koanf:"email_receivers"`
	ApprovalChannel string   `koanf:"approval_channel"`
	// Channels maps channel references to webhook URLs.
	Channels      map[string]string `koanf:"channels"`
	SigningSecret string            `koanf:"signing_secret"`
}

// BuildConfig describes the deploy and smoke test build projects.
type BuildConfig struct {
	DeployImage     string   `koanf:"deploy_image"`
	DeployCommands  []string `koanf:"deploy_commands"`
	QAImage         string   `koanf:"qa_image"`
	QACommands      []string `koanf:"qa_commands"`
	SentryTokenPath string   `koanf:"sentry_token_path"`
	SentryOrg       string   `koanf:"sentry_org"`
	SentryProject   string   `koanf:"sentry_project"`
}

// DeploymentConfig configures the standalone single-environment deployment.
type DeploymentConfig struct {
	Stage            string            `koanf:"stage"`
	StackName        string            `koanf:"stack_name"`
	Description      string            `koanf:"description"`
	CodePath         string            `koanf:"code_path"`
	FallbackCodePath string            `koanf:"fallback_code_path"`
	Revision         string            `koanf:"revision"`
	Imports          map[string]string `koanf:"imports"`
}

// ParamsConfig points to the parameter store document.
type ParamsConfig struct {
	File string `koanf:"file"`
}

// ServiceConfig holds configuration for the pipeline runner service.
type ServiceConfig struct {
	Port              string        `koanf:"port"`
	MetricsPort       string        `koanf:"metrics_port"`
	APIKeyFile        string        `koanf:"api_key_file"`
	ShutdownDrainWait time.Duration `koanf:"shutdown_drain_wait"`
	WorkDir           string        `koanf:"work_dir"`
	DatabasePath      string        `koanf:"database_path"`

	// APIKey is read from APIKeyFile after loading.
	APIKey string `koanf:"-"`
}

// DispatcherConfig holds notification dispatcher settings.
type DispatcherConfig struct {
	BufferSize  int           `koanf:"buffer_size"`
	Workers     int           `koanf:"workers"`
	MaxAttempts int           `koanf:"max_attempts"`
	HTTPTimeout time.Duration `koanf:"http_timeout"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads the YAML file at path (skipped when empty) and then applies
// CDP_ environment overrides and defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg, err := decode(k)
	if err != nil {
		return nil, err
	}
	if cfg.Service.APIKey, err = SecretFile(cfg.Service.APIKeyFile); err != nil {
		return nil, fmt.Errorf("service.api_key_file: %w", err)
	}
	return cfg, nil
}

// Parse decodes a configuration document held in memory. JSON is accepted
// as well as YAML. Environment overrides are not applied and no secret files
// are read. deployment.fallback_code_path still names a local path that
// assembly would run a revision lookup on; callers parsing untrusted
// documents must refuse it.
func Parse(data []byte) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(rawProvider(data), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return decode(k)
}

func decode(k *koanf.Koanf) (*Config, error) {
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	for name, url := range cfg.Notifications.Channels {
		cfg.Notifications.Channels[name] = substituteEnvVars(url)
	}
	cfg.Notifications.SigningSecret = substituteEnvVars(cfg.Notifications.SigningSecret)

	cfg.withDefaults()
	return &cfg, nil
}

// rawProvider serves an in-memory document to a koanf parser.
type rawProvider []byte

func (r rawProvider) ReadBytes() ([]byte, error) { return r, nil }

func (r rawProvider) Read() (map[string]any, error) {
	return nil, errors.New("raw provider does not support Read")
}

func (c *Config) withDefaults() {
	if c.Project.Service == "" {
		c.Project.Service = c.Project.Name
	}
	if c.Project.Contact == "" && c.Project.Owner != "" && c.Project.ContactDomain != "" {
		c.Project.Contact = c.Project.Owner + "@" + c.Project.ContactDomain
	}
	if c.Source.APIURL == "" {
		c.Source.APIURL = "https://api.github.com"
	}
	if c.Source.TokenField == "" {
		c.Source.TokenField = "oauth"
	}
	if c.Source.ServiceBranch == "" {
		c.Source.ServiceBranch = "main"
	}
	if c.Source.BlueprintsBranch == "" {
		c.Source.BlueprintsBranch = "main"
	}
	if len(c.Environments) == 0 {
		c.Environments = []string{"test", "prod"}
	}
	if c.Build.QAImage == "" {
		c.Build.QAImage = "postman/newman"
	}
	if c.Deployment.Stage == "" {
		c.Deployment.Stage = "dev"
	}
	if c.Service.Port == "" {
		c.Service.Port = "8080"
	}
	if c.Service.MetricsPort == "" {
		c.Service.MetricsPort = "9090"
	}
	if c.Service.ShutdownDrainWait == 0 {
		c.Service.ShutdownDrainWait = 5 * time.Second
	}
	if c.Service.WorkDir == "" {
		c.Service.WorkDir = os.TempDir()
	}
	if c.Dispatcher.BufferSize <= 0 {
		c.Dispatcher.BufferSize = 1000
	}
	if c.Dispatcher.Workers <= 0 {
		c.Dispatcher.Workers = 4
	}
	if c.Dispatcher.MaxAttempts <= 0 {
		c.Dispatcher.MaxAttempts = 3
	}
	if c.Dispatcher.HTTPTimeout <= 0 {
		c.Dispatcher.HTTPTimeout = 10 * time.Second
	}
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}
