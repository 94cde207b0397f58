package docfix

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/jxucoder/docfix/channel/slack"
	"github.com/jxucoder/docfix/engine"
	"github.com/jxucoder/docfix/eventbus"
	"github.com/jxucoder/docfix/gitprovider/github"
	"github.com/jxucoder/docfix/gitprovider/gitremote"
	"github.com/jxucoder/docfix/internal/config"
	"github.com/jxucoder/docfix/llm"
	"github.com/jxucoder/docfix/llm/anthropic"
	"github.com/jxucoder/docfix/llm/openai"
	"github.com/jxucoder/docfix/pipeline"
	"github.com/jxucoder/docfix/sandbox"
	"github.com/jxucoder/docfix/sandbox/kube"
	"github.com/jxucoder/docfix/store/sqlite"
	"github.com/jxucoder/docfix/workspace"
)

// applyDefaults fills in missing components on the builder from its config.
func applyDefaults(b *Builder) error {
	cfg := b.config
	if b.logger == nil {
		b.logger = zap.NewNop()
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	if b.store == nil {
		st, err := sqlite.New(cfg.Database)
		if err != nil {
			return fmt.Errorf("initializing store: %w", err)
		}
		b.store = st
	}

	if b.bus == nil {
		b.bus = eventbus.NewInMemoryBus()
	}

	if b.runtime == nil {
		rt, err := kube.NewFromKubeconfig(cfg.Kube.Kubeconfig, kube.Config{
			Namespace:      cfg.Kube.Namespace,
			DefaultImage:   cfg.Kube.Image,
			SecretName:     cfg.Kube.SecretName,
			ServiceAccount: cfg.Kube.ServiceAccount,
			Resources: sandbox.Resources{
				CPURequest:    cfg.Kube.CPURequest,
				CPULimit:      cfg.Kube.CPULimit,
				MemoryRequest: cfg.Kube.MemoryRequest,
				MemoryLimit:   cfg.Kube.MemoryLimit,
			},
			StartupTimeout: cfg.Kube.StartupTimeout,
		}, b.logger)
		if err != nil {
			return fmt.Errorf("initializing kubernetes runtime: %w", err)
		}
		b.runtime = rt
		b.kube = rt.Client()
		if cfg.Kube.SecretName != "" {
			b.secrets = rt
		}
	}

	if cfg.Compute.WarmPoolSize > 0 && b.pool == nil {
		b.pool = sandbox.NewPool(b.runtime, sandbox.PoolConfig{
			PoolSize:   cfg.Compute.WarmPoolSize,
			Image:      cfg.Kube.Image,
			Privileged: cfg.Kube.Privileged,
		}, b.logger)
		b.runtime = b.pool
	}

	if b.git == nil && cfg.GitHub.Token != "" {
		b.git = github.New(cfg.GitHub.Token)
	}
	if b.git == nil {
		return errors.New("a git provider is required: set GITHUB_TOKEN")
	}
	if b.branches == nil {
		b.branches = gitremote.NewResolver(cfg.GitHub.Token)
	}

	if b.llm == nil {
		client, err := llmClientFromConfig(cfg)
		if err != nil {
			return err
		}
		b.llm = client
	}

	if b.ws == nil {
		readability := pipeline.NewReadabilityStage(b.llm, "")
		b.ws = workspace.NewShell(b.runtime, readability, b.logger).
			WithAuthor(cfg.GitHub.CommitName, cfg.GitHub.CommitEmail)
	}
	return nil
}

// llmClientFromConfig picks the configured provider, or the first one with a
// key when none is named, and wraps it with throttling and retries.
func llmClientFromConfig(cfg *config.Config) (llm.Client, error) {
	var client llm.Client
	switch {
	case cfg.AI.Provider == "anthropic" || (cfg.AI.Provider == "" && cfg.AI.AnthropicKey != ""):
		if cfg.AI.AnthropicKey == "" {
			return nil, errors.New("ANTHROPIC_API_KEY is not set")
		}
		client = anthropic.New(cfg.AI.AnthropicKey, cfg.AI.Model)
	case cfg.AI.Provider == "openai" || (cfg.AI.Provider == "" && cfg.AI.OpenAIKey != ""):
		if cfg.AI.OpenAIKey == "" {
			return nil, errors.New("OPENAI_API_KEY is not set")
		}
		client = openai.New(cfg.AI.OpenAIKey, cfg.AI.Model)
	default:
		return nil, errors.New("an LLM is required: set ANTHROPIC_API_KEY or OPENAI_API_KEY")
	}
	return llm.WithRetry(client, llm.RetryOptions{
		CallTimeout: cfg.AI.CallTimeout,
		MaxRetries:  cfg.AI.MaxRetries,
		Rate:        cfg.AI.Rate,
		Burst:       cfg.AI.Burst,
	}), nil
}

func stagesFor(client llm.Client) (*pipeline.FixStage, *pipeline.FeedbackStage) {
	return pipeline.NewFixStage(client, ""), pipeline.NewFeedbackStage(client, "")
}

func newSlackBot(cfg *config.Config, eng *engine.Engine, logger *zap.Logger) *slack.Bot {
	return slack.NewBot(cfg.Slack.BotToken, cfg.Slack.AppToken, eng, logger,
		slack.WithNotifyChannel(cfg.Slack.NotifyChannel))
}
