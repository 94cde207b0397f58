// Package config loads DocFix configuration from defaults, an optional YAML
// file and the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes DocFix environment variables. Nested keys are joined
// with a double underscore: DOCFIX_COMPUTE__TTL sets compute.ttl.
const EnvPrefix = "DOCFIX_"

const maxConfigFileSize = 1 << 20

// Config holds all configuration for the DocFix server and CLI.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	DataDir  string         `koanf:"data_dir"`
	Database string         `koanf:"database"`
	Log      LogConfig      `koanf:"log"`
	GitHub   GitHubConfig   `koanf:"github"`
	Kube     KubeConfig     `koanf:"kube"`
	Compute  ComputeConfig  `koanf:"compute"`
	AI       AIConfig       `koanf:"ai"`
	Sessions SessionsConfig `koanf:"sessions"`
	Slack    SlackConfig    `koanf:"slack"`
}

type ServerConfig struct {
	Addr string `koanf:"addr"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json or console
}

type GitHubConfig struct {
	Token         string `koanf:"token"`
	WebhookSecret string `koanf:"webhook_secret"`
	CommitName    string `koanf:"commit_name"`
	CommitEmail   string `koanf:"commit_email"`
}

type KubeConfig struct {
	Kubeconfig     string        `koanf:"kubeconfig"`
	Namespace      string        `koanf:"namespace"`
	SecretName     string        `koanf:"secret_name"`
	ServiceAccount string        `koanf:"service_account"`
	Image          string        `koanf:"image"`
	CPURequest     string        `koanf:"cpu_request"`
	CPULimit       string        `koanf:"cpu_limit"`
	MemoryRequest  string        `koanf:"memory_request"`
	MemoryLimit    string        `koanf:"memory_limit"`
	Privileged     bool          `koanf:"privileged"`
	StartupTimeout time.Duration `koanf:"startup_timeout"`
}

type ComputeConfig struct {
	TTL              time.Duration `koanf:"ttl"`
	ReapInterval     time.Duration `koanf:"reap_interval"`
	ProvisionTimeout time.Duration `koanf:"provision_timeout"`
	WarmPoolSize     int           `koanf:"warm_pool_size"`
	VCluster         bool          `koanf:"vcluster"`
}

type AIConfig struct {
	Provider     string        `koanf:"provider"` // anthropic, openai or empty for auto
	Model        string        `koanf:"model"`
	AnthropicKey string        `koanf:"anthropic_api_key"`
	OpenAIKey    string        `koanf:"openai_api_key"`
	CallTimeout  time.Duration `koanf:"call_timeout"`
	MaxRetries   int           `koanf:"max_retries"`
	Rate         float64       `koanf:"rate"`
	Burst        int           `koanf:"burst"`
}

type SessionsConfig struct {
	ConcurrentPolicy string `koanf:"concurrent_policy"` // reject or allow
	BranchPrefix     string `koanf:"branch_prefix"`
}

type SlackConfig struct {
	BotToken      string `koanf:"bot_token"`
	AppToken      string `koanf:"app_token"`
	NotifyChannel string `koanf:"notify_channel"`
}

func defaults() map[string]any {
	return map[string]any{
		"server.addr":                ":7080",
		"data_dir":                   defaultDataDir(),
		"log.level":                  "info",
		"log.format":                 "json",
		"github.commit_name":         "docfix",
		"github.commit_email":        "docfix@users.noreply.github.com",
		"kube.namespace":             "docfix",
		"kube.secret_name":           "docfix-credentials",
		"kube.image":                 "ghcr.io/jxucoder/docfix-sandbox:latest",
		"kube.cpu_request":           "250m",
		"kube.cpu_limit":             "2",
		"kube.memory_request":        "512Mi",
		"kube.memory_limit":          "4Gi",
		"kube.startup_timeout":       "5m",
		"compute.ttl":                "24h",
		"compute.reap_interval":      "30m",
		"compute.provision_timeout":  "10m",
		"compute.warm_pool_size":     0,
		"compute.vcluster":           true,
		"ai.call_timeout":            "60s",
		"ai.max_retries":             3,
		"ai.rate":                    2.0,
		"ai.burst":                   2,
		"sessions.concurrent_policy": "reject",
		"sessions.branch_prefix":     "docfix/",
	}
}

// conventional maps well-known environment variables onto config keys.
var conventional = map[string]string{
	"GITHUB_TOKEN":          "github.token",
	"GITHUB_WEBHOOK_SECRET": "github.webhook_secret",
	"ANTHROPIC_API_KEY":     "ai.anthropic_api_key",
	"OPENAI_API_KEY":        "ai.openai_api_key",
	"SLACK_BOT_TOKEN":       "slack.bot_token",
	"SLACK_APP_TOKEN":       "slack.app_token",
}

// DefaultPath returns ~/.docfix/config.yaml.
func DefaultPath() string {
	return filepath.Join(defaultDataDir(), "config.yaml")
}

// Load builds the configuration. An empty path reads DefaultPath when it
// exists; an explicit path must exist.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	content, err := readConfigFile(path)
	switch {
	case err == nil:
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, err
	}

	conv := make(map[string]any)
	for name, key := range conventional {
		if v := os.Getenv(name); v != "" {
			conv[key] = v
		}
	}
	if err := k.Load(confmap.Provider(conv, "."), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if cfg.Database == "" {
		cfg.Database = filepath.Join(cfg.DataDir, "docfix.db")
	}
	return &cfg, nil
}

// envKey maps DOCFIX_COMPUTE__TTL to compute.ttl.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

func readConfigFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file %s is larger than %d bytes", path, maxConfigFileSize)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return content, nil
}

// Validate checks what the server needs to run.
func (c *Config) Validate() error {
	var errs []error
	if c.GitHub.Token == "" {
		errs = append(errs, errors.New("GITHUB_TOKEN is required"))
	}
	switch c.AI.Provider {
	case "":
		if c.AI.AnthropicKey == "" && c.AI.OpenAIKey == "" {
			errs = append(errs, errors.New("at least one of ANTHROPIC_API_KEY or OPENAI_API_KEY is required"))
		}
	case "anthropic":
		if c.AI.AnthropicKey == "" {
			errs = append(errs, errors.New("ai.provider is anthropic but ANTHROPIC_API_KEY is not set"))
		}
	case "openai":
		if c.AI.OpenAIKey == "" {
			errs = append(errs, errors.New("ai.provider is openai but OPENAI_API_KEY is not set"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown ai.provider %q", c.AI.Provider))
	}
	switch c.Sessions.ConcurrentPolicy {
	case "reject", "allow":
	default:
		errs = append(errs, fmt.Errorf("sessions.concurrent_policy must be reject or allow, got %q", c.Sessions.ConcurrentPolicy))
	}
	if c.Compute.TTL <= 0 {
		errs = append(errs, errors.New("compute.ttl must be positive"))
	}
	if c.Compute.WarmPoolSize < 0 {
		errs = append(errs, errors.New("compute.warm_pool_size must not be negative"))
	}
	return errors.Join(errs...)
}

// SlackEnabled reports whether both Slack Socket Mode tokens are set.
func (c *Config) SlackEnabled() bool {
	return c.Slack.BotToken != "" && c.Slack.AppToken != ""
}

// Credentials returns the values injected into sandboxes.
func (c *Config) Credentials() map[string]string {
	return map[string]string{"GITHUB_TOKEN": c.GitHub.Token}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".docfix"
	}
	return filepath.Join(home, ".docfix")
}
