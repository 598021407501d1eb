package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Mode selects which repositories are backed up
type Mode string

const (
	ModeOrganization Mode = "organization"
	ModeUser         Mode = "user"
)

// Strategy selects how repositories are stored
type Strategy string

const (
	StrategyBundle  Strategy = "bundle"
	StrategyTarball Strategy = "tarball"
)

const (
	defaultSafetyMargin = 10 * time.Second
	defaultDebounce     = 2 * time.Second
	defaultMetricsJob   = "ghbackup"
	defaultListenAddr   = ":8080"
)

// Config represents the complete ghbackup configuration
type Config struct {
	GitHub  GitHubConfig  `yaml:"github"`
	Storage StorageConfig `yaml:"storage"`
	Backup  BackupConfig  `yaml:"backup"`
	Metrics MetricsConfig `yaml:"metrics"`
	Serve   ServeConfig   `yaml:"serve"`
}

// GitHubConfig configures the repository source
type GitHubConfig struct {
	Token        string `yaml:"token"`
	TokenFile    string `yaml:"token_file"`
	Mode         Mode   `yaml:"mode"`
	Organization string `yaml:"organization"`
	BaseURL      string `yaml:"base_url"`
}

// StorageConfig configures the destination bucket
type StorageConfig struct {
	Bucket              string `yaml:"bucket"`
	Region              string `yaml:"region"`
	Endpoint            string `yaml:"endpoint"`
	UsePathStyle        bool   `yaml:"use_path_style"`
	AccessKeyID         string `yaml:"access_key_id"`
	SecretAccessKey     string `yaml:"secret_access_key"`
	StorageClass        string `yaml:"storage_class"`
	ExpireThresholdDays int    `yaml:"expire_threshold_days"`
}

// BackupConfig configures a backup run
type BackupConfig struct {
	Strategy     Strategy      `yaml:"strategy"`
	Timeout      time.Duration `yaml:"timeout"`
	SafetyMargin time.Duration `yaml:"safety_margin"`
	Concurrency  int           `yaml:"concurrency"`
	WorkDir      string        `yaml:"work_dir"`
}

// MetricsConfig configures metric export
type MetricsConfig struct {
	PushgatewayURL string `yaml:"pushgateway_url"`
	Job            string `yaml:"job"`
}

// ServeConfig configures the webhook server
type ServeConfig struct {
	ListenAddr              string        `yaml:"listen_addr"`
	GitHubWebhookSecretFile string        `yaml:"github_webhook_secret_file"`
	AllowedEventTypes       []string      `yaml:"allowed_event_types"`
	Debounce                time.Duration `yaml:"debounce"`
}

// environment lists the variables that override file settings. Unset
// variables leave the field nil so the file value survives.
type environment struct {
	Token           *string        `envconfig:"GITHUB_ACCESS_TOKEN"`
	Mode            *string        `envconfig:"BACKUP_MODE"`
	Organization    *string        `envconfig:"GITHUB_ORGANISATION"`
	BaseURL         *string        `envconfig:"GITHUB_BASE_URL"`
	Bucket          *string        `envconfig:"AWS_S3_BUCKET_NAME"`
	Region          *string        `envconfig:"AWS_REGION"`
	Endpoint        *string        `envconfig:"AWS_S3_ENDPOINT"`
	AccessKeyID     *string        `envconfig:"AWS_S3_ACCESS_KEY_ID"`
	SecretAccessKey *string        `envconfig:"AWS_S3_ACCESS_SECRET_KEY"`
	StorageClass    *string        `envconfig:"AWS_S3_STORAGE_CLASS"`
	ExpireThreshold *int           `envconfig:"EXPIRE_THRESHOLD"`
	Strategy        *string        `envconfig:"BACKUP_STRATEGY"`
	Timeout         *time.Duration `envconfig:"BACKUP_TIMEOUT"`
	WorkDir         *string        `envconfig:"BACKUP_WORK_DIR"`
	PushgatewayURL  *string        `envconfig:"METRICS_PUSHGATEWAY_URL"`
}

// LoadDotEnv loads variables from .env style files into the process
// environment. Missing files are ignored and variables that are already set
// win over file content.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads the configuration file at path, overlays the environment and
// validates the result. An empty path configures from the environment only.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		path = os.ExpandEnv(path)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.expandEnv()

	if err := cfg.overlayEnv(); err != nil {
		return nil, err
	}

	if err := cfg.resolveToken(); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.GitHub.Token = os.ExpandEnv(c.GitHub.Token)
	c.GitHub.TokenFile = os.ExpandEnv(c.GitHub.TokenFile)
	c.GitHub.Organization = os.ExpandEnv(c.GitHub.Organization)
	c.GitHub.BaseURL = os.ExpandEnv(c.GitHub.BaseURL)
	c.Storage.Bucket = os.ExpandEnv(c.Storage.Bucket)
	c.Storage.Region = os.ExpandEnv(c.Storage.Region)
	c.Storage.Endpoint = os.ExpandEnv(c.Storage.Endpoint)
	c.Storage.AccessKeyID = os.ExpandEnv(c.Storage.AccessKeyID)
	c.Storage.SecretAccessKey = os.ExpandEnv(c.Storage.SecretAccessKey)
	c.Backup.WorkDir = os.ExpandEnv(c.Backup.WorkDir)
	c.Metrics.PushgatewayURL = os.ExpandEnv(c.Metrics.PushgatewayURL)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.GitHubWebhookSecretFile = os.ExpandEnv(c.Serve.GitHubWebhookSecretFile)
}

// overlayEnv applies the environment variables that are set
func (c *Config) overlayEnv() error {
	var env environment
	if err := envconfig.Process("", &env); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}

	setString(&c.GitHub.Token, env.Token)
	setString(&c.GitHub.Organization, env.Organization)
	setString(&c.GitHub.BaseURL, env.BaseURL)
	setString(&c.Storage.Bucket, env.Bucket)
	setString(&c.Storage.Region, env.Region)
	setString(&c.Storage.Endpoint, env.Endpoint)
	setString(&c.Storage.AccessKeyID, env.AccessKeyID)
	setString(&c.Storage.SecretAccessKey, env.SecretAccessKey)
	setString(&c.Storage.StorageClass, env.StorageClass)
	setString(&c.Backup.WorkDir, env.WorkDir)
	setString(&c.Metrics.PushgatewayURL, env.PushgatewayURL)

	if env.Mode != nil {
		c.GitHub.Mode = Mode(*env.Mode)
	}
	if env.Strategy != nil {
		c.Backup.Strategy = Strategy(*env.Strategy)
	}
	if env.ExpireThreshold != nil {
		c.Storage.ExpireThresholdDays = *env.ExpireThreshold
	}
	if env.Timeout != nil {
		c.Backup.Timeout = *env.Timeout
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

// resolveToken reads the token file when no token was given directly
func (c *Config) resolveToken() error {
	if c.GitHub.Token != "" || c.GitHub.TokenFile == "" {
		return nil
	}
	token, err := os.ReadFile(c.GitHub.TokenFile)
	if err != nil {
		return fmt.Errorf("failed to read GitHub token file: %w", err)
	}
	c.GitHub.Token = strings.TrimSpace(string(token))
	return nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	c.GitHub.Mode = normalizeMode(c.GitHub.Mode)
	if c.GitHub.Mode == "" {
		c.GitHub.Mode = ModeOrganization
	}
	c.Backup.Strategy = Strategy(strings.ToLower(string(c.Backup.Strategy)))
	if c.Backup.Strategy == "" {
		c.Backup.Strategy = StrategyBundle
	}
	if c.Storage.StorageClass == "" {
		c.Storage.StorageClass = string(types.StorageClassStandard)
	}
	if c.Backup.SafetyMargin == 0 {
		c.Backup.SafetyMargin = defaultSafetyMargin
	}
	if c.Backup.Concurrency == 0 {
		c.Backup.Concurrency = 1
	}
	if c.Metrics.Job == "" {
		c.Metrics.Job = defaultMetricsJob
	}
	if c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = defaultListenAddr
	}
	if c.Serve.Debounce == 0 {
		c.Serve.Debounce = defaultDebounce
	}
}

// normalizeMode accepts the British spelling used by older deployments
func normalizeMode(m Mode) Mode {
	switch strings.ToLower(string(m)) {
	case "organisation", "organization", "org":
		return ModeOrganization
	case "user":
		return ModeUser
	default:
		return m
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.GitHub.Token == "" {
		return fmt.Errorf("github.token is required (or GITHUB_ACCESS_TOKEN)")
	}
	switch c.GitHub.Mode {
	case ModeOrganization:
		if c.GitHub.Organization == "" {
			return fmt.Errorf("github.organization is required in organization mode (or GITHUB_ORGANISATION)")
		}
	case ModeUser:
		// valid
	default:
		return fmt.Errorf("invalid github.mode: %s (must be organization or user)", c.GitHub.Mode)
	}

	if c.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket is required (or AWS_S3_BUCKET_NAME)")
	}
	if (c.Storage.AccessKeyID == "") != (c.Storage.SecretAccessKey == "") {
		return fmt.Errorf("storage: access_key_id and secret_access_key must be set together")
	}
	if !slices.Contains(types.StorageClass("").Values(), types.StorageClass(c.Storage.StorageClass)) {
		return fmt.Errorf("invalid storage.storage_class: %s", c.Storage.StorageClass)
	}
	if c.Storage.ExpireThresholdDays < 0 {
		return fmt.Errorf("storage.expire_threshold_days must not be negative")
	}

	switch c.Backup.Strategy {
	case StrategyBundle, StrategyTarball:
		// valid
	default:
		return fmt.Errorf("invalid backup.strategy: %s (must be bundle or tarball)", c.Backup.Strategy)
	}
	if c.Backup.Timeout < 0 {
		return fmt.Errorf("backup.timeout must not be negative")
	}
	if c.Backup.SafetyMargin < 0 {
		return fmt.Errorf("backup.safety_margin must not be negative")
	}
	if c.Backup.Concurrency < 1 {
		return fmt.Errorf("backup.concurrency must be at least 1")
	}

	return nil
}

// ValidateServe checks the settings only the webhook server needs
func (c *Config) ValidateServe() error {
	if c.Serve.GitHubWebhookSecretFile == "" {
		return fmt.Errorf("serve.github_webhook_secret_file is required")
	}
	if c.Serve.Debounce < 0 {
		return fmt.Errorf("serve.debounce must not be negative")
	}
	return nil
}

// ExpireThreshold returns the expiry window as a duration
func (c *Config) ExpireThreshold() time.Duration {
	return time.Duration(c.Storage.ExpireThresholdDays) * 24 * time.Hour
}

// Target describes what is backed up, for log output
func (c *Config) Target() string {
	if c.GitHub.Mode == ModeUser {
		return "user repositories"
	}
	return "organization " + c.GitHub.Organization
}
