package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnv unsets every variable the overlay reads so the host environment
// cannot leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"GITHUB_ACCESS_TOKEN", "BACKUP_MODE", "GITHUB_ORGANISATION", "GITHUB_BASE_URL",
		"AWS_S3_BUCKET_NAME", "AWS_REGION", "AWS_S3_ENDPOINT", "AWS_S3_ACCESS_KEY_ID",
		"AWS_S3_ACCESS_SECRET_KEY", "AWS_S3_STORAGE_CLASS", "EXPIRE_THRESHOLD",
		"BACKUP_STRATEGY", "BACKUP_TIMEOUT", "BACKUP_WORK_DIR", "METRICS_PUSHGATEWAY_URL",
	} {
		t.Setenv(name, "")
		_ = os.Unsetenv(name)
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func validConfig() Config {
	return Config{
		GitHub: GitHubConfig{
			Token:        "ghp_x",
			Mode:         ModeOrganization,
			Organization: "acme",
		},
		Storage: StorageConfig{
			Bucket:       "backups",
			StorageClass: "STANDARD",
		},
		Backup: BackupConfig{
			Strategy:     StrategyBundle,
			SafetyMargin: 10 * time.Second,
			Concurrency:  1,
		},
	}
}

func TestLoad(t *testing.T) {
	clearEnv(t)
	t.Setenv("TEST_BUCKET", "acme-backups")

	path := writeFile(t, "config.yaml", `
github:
  token: "ghp_file"
  mode: organization
  organization: acme
  base_url: "https://ghe.example.com"

storage:
  bucket: "${TEST_BUCKET}"
  region: eu-central-1
  storage_class: GLACIER_IR
  expire_threshold_days: 7

backup:
  strategy: tarball
  timeout: 14m
  safety_margin: 30s
  concurrency: 4
  work_dir: /var/tmp/ghbackup

metrics:
  pushgateway_url: "http://pushgateway:9091"

serve:
  github_webhook_secret_file: /run/secrets/webhook
  allowed_event_types: ["push", "create"]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.GitHub.Token != "ghp_file" {
		t.Errorf("expected token from file, got %q", cfg.GitHub.Token)
	}
	if cfg.Storage.Bucket != "acme-backups" {
		t.Errorf("expected expanded bucket, got %q", cfg.Storage.Bucket)
	}
	if cfg.Backup.Strategy != StrategyTarball {
		t.Errorf("expected tarball strategy, got %s", cfg.Backup.Strategy)
	}
	if cfg.Backup.Timeout != 14*time.Minute {
		t.Errorf("expected 14m timeout, got %s", cfg.Backup.Timeout)
	}
	if cfg.Backup.SafetyMargin != 30*time.Second {
		t.Errorf("expected 30s margin, got %s", cfg.Backup.SafetyMargin)
	}
	if cfg.Backup.Concurrency != 4 {
		t.Errorf("expected concurrency 4, got %d", cfg.Backup.Concurrency)
	}
	if cfg.ExpireThreshold() != 7*24*time.Hour {
		t.Errorf("expected 7 day threshold, got %s", cfg.ExpireThreshold())
	}
	if cfg.Metrics.Job != "ghbackup" {
		t.Errorf("expected default metrics job, got %q", cfg.Metrics.Job)
	}
	if cfg.Serve.ListenAddr != ":8080" || cfg.Serve.Debounce != 2*time.Second {
		t.Errorf("expected serve defaults, got %q / %s", cfg.Serve.ListenAddr, cfg.Serve.Debounce)
	}
	if len(cfg.Serve.AllowedEventTypes) != 2 {
		t.Errorf("expected 2 allowed event types, got %v", cfg.Serve.AllowedEventTypes)
	}
}

func TestLoad_EnvironmentOnly(t *testing.T) {
	clearEnv(t)
	t.Setenv("GITHUB_ACCESS_TOKEN", "ghp_env")
	t.Setenv("BACKUP_MODE", "organisation")
	t.Setenv("GITHUB_ORGANISATION", "acme")
	t.Setenv("AWS_S3_BUCKET_NAME", "env-bucket")
	t.Setenv("AWS_S3_ACCESS_KEY_ID", "AKIA")
	t.Setenv("AWS_S3_ACCESS_SECRET_KEY", "secret")
	t.Setenv("AWS_S3_STORAGE_CLASS", "DEEP_ARCHIVE")
	t.Setenv("EXPIRE_THRESHOLD", "3")
	t.Setenv("BACKUP_TIMEOUT", "10m")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.GitHub.Mode != ModeOrganization {
		t.Errorf("expected organisation to map to organization, got %s", cfg.GitHub.Mode)
	}
	if cfg.Storage.Bucket != "env-bucket" || cfg.Storage.AccessKeyID != "AKIA" {
		t.Errorf("unexpected storage config: %+v", cfg.Storage)
	}
	if cfg.Storage.StorageClass != "DEEP_ARCHIVE" {
		t.Errorf("expected DEEP_ARCHIVE, got %s", cfg.Storage.StorageClass)
	}
	if cfg.Storage.ExpireThresholdDays != 3 {
		t.Errorf("expected threshold 3, got %d", cfg.Storage.ExpireThresholdDays)
	}
	if cfg.Backup.Timeout != 10*time.Minute {
		t.Errorf("expected timeout 10m, got %s", cfg.Backup.Timeout)
	}
	if cfg.Backup.Strategy != StrategyBundle {
		t.Errorf("expected default bundle strategy, got %s", cfg.Backup.Strategy)
	}
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("AWS_S3_BUCKET_NAME", "from-env")
	t.Setenv("BACKUP_STRATEGY", "TARBALL")

	path := writeFile(t, "config.yaml", `
github:
  token: ghp_file
  organization: acme
storage:
  bucket: from-file
  region: us-east-1
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Storage.Bucket != "from-env" {
		t.Errorf("expected env bucket to win, got %q", cfg.Storage.Bucket)
	}
	if cfg.Storage.Region != "us-east-1" {
		t.Errorf("expected unset env to keep file region, got %q", cfg.Storage.Region)
	}
	if cfg.Backup.Strategy != StrategyTarball {
		t.Errorf("expected tarball, got %s", cfg.Backup.Strategy)
	}
}

func TestLoad_TokenFile(t *testing.T) {
	clearEnv(t)
	tokenPath := writeFile(t, "token", "ghp_from_file\n")
	path := writeFile(t, "config.yaml", `
github:
  token_file: `+tokenPath+`
  mode: user
storage:
  bucket: b
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.GitHub.Token != "ghp_from_file" {
		t.Errorf("expected trimmed token from file, got %q", cfg.GitHub.Token)
	}
	if cfg.Target() != "user repositories" {
		t.Errorf("unexpected target %q", cfg.Target())
	}
}

func TestLoad_Errors(t *testing.T) {
	clearEnv(t)

	tests := []struct {
		name    string
		path    string
		wantErr string
	}{
		{"missing file", filepath.Join(t.TempDir(), "nope.yaml"), "failed to read config file"},
		{"invalid yaml", writeFile(t, "bad.yaml", "github: [unclosed"), "failed to parse config file"},
		{"missing token file", writeFile(t, "c.yaml", "github:\n  token_file: /nonexistent/token\n"), "failed to read GitHub token file"},
		{"invalid config", writeFile(t, "c.yaml", "github:\n  token: x\n"), "invalid configuration"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.path)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoad_InvalidEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("EXPIRE_THRESHOLD", "seven")

	_, err := Load("")
	if err == nil || !strings.Contains(err.Error(), "failed to read environment") {
		t.Fatalf("expected environment error, got %v", err)
	}
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("GITHUB_ORGANISATION", "already-set")

	path := writeFile(t, ".env", "GITHUB_ACCESS_TOKEN=ghp_dotenv\nGITHUB_ORGANISATION=from-dotenv\n")
	t.Cleanup(func() { _ = os.Unsetenv("GITHUB_ACCESS_TOKEN") })

	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env"), path); err != nil {
		t.Fatalf("LoadDotEnv failed: %v", err)
	}
	if got := os.Getenv("GITHUB_ACCESS_TOKEN"); got != "ghp_dotenv" {
		t.Errorf("expected token from .env, got %q", got)
	}
	if got := os.Getenv("GITHUB_ORGANISATION"); got != "already-set" {
		t.Errorf("expected existing variable to win, got %q", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "user mode needs no organization", mutate: func(c *Config) {
			c.GitHub.Mode = ModeUser
			c.GitHub.Organization = ""
		}},
		{name: "missing token", mutate: func(c *Config) { c.GitHub.Token = "" }, wantErr: "github.token is required"},
		{name: "missing organization", mutate: func(c *Config) { c.GitHub.Organization = "" }, wantErr: "github.organization is required"},
		{name: "invalid mode", mutate: func(c *Config) { c.GitHub.Mode = "team" }, wantErr: "invalid github.mode"},
		{name: "missing bucket", mutate: func(c *Config) { c.Storage.Bucket = "" }, wantErr: "storage.bucket is required"},
		{name: "half static credentials", mutate: func(c *Config) { c.Storage.AccessKeyID = "AKIA" }, wantErr: "must be set together"},
		{name: "invalid storage class", mutate: func(c *Config) { c.Storage.StorageClass = "COLD" }, wantErr: "invalid storage.storage_class"},
		{name: "negative threshold", mutate: func(c *Config) { c.Storage.ExpireThresholdDays = -1 }, wantErr: "expire_threshold_days"},
		{name: "invalid strategy", mutate: func(c *Config) { c.Backup.Strategy = "zip" }, wantErr: "invalid backup.strategy"},
		{name: "negative timeout", mutate: func(c *Config) { c.Backup.Timeout = -time.Second }, wantErr: "backup.timeout"},
		{name: "negative margin", mutate: func(c *Config) { c.Backup.SafetyMargin = -time.Second }, wantErr: "backup.safety_margin"},
		{name: "zero concurrency", mutate: func(c *Config) { c.Backup.Concurrency = 0 }, wantErr: "backup.concurrency"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidateServe(t *testing.T) {
	cfg := validConfig()
	if err := cfg.ValidateServe(); err == nil {
		t.Error("expected error without webhook secret file")
	}

	cfg.Serve.GitHubWebhookSecretFile = "/run/secrets/webhook"
	if err := cfg.ValidateServe(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestNormalizeMode(t *testing.T) {
	tests := map[Mode]Mode{
		"organisation": ModeOrganization,
		"Organization": ModeOrganization,
		"org":          ModeOrganization,
		"USER":         ModeUser,
		"team":         "team",
		"":             "",
	}
	for in, want := range tests {
		if got := normalizeMode(in); got != want {
			t.Errorf("normalizeMode(%q) = %q, want %q", in, got, want)
		}
	}
}
