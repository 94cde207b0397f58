// Package docfix is the top-level entry point for a DocFix server.
//
// Use the Builder to compose an application from configuration:
//
//	cfg, err := config.Load("")
//	app, err := docfix.NewBuilder(cfg).WithLogger(logger).Build()
//	app.Start(ctx)
//
// Any component can be replaced before Build, which is how tests run the
// whole stack without a cluster:
//
//	app, err := docfix.NewBuilder(cfg).
//	    WithStore(myStore).
//	    WithRuntime(myRuntime).
//	    WithGitProvider(myProvider).
//	    Build()
package docfix

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"

	"github.com/jxucoder/docfix/channel"
	"github.com/jxucoder/docfix/compute"
	"github.com/jxucoder/docfix/engine"
	"github.com/jxucoder/docfix/eventbus"
	"github.com/jxucoder/docfix/gitprovider"
	"github.com/jxucoder/docfix/httpapi"
	"github.com/jxucoder/docfix/internal/config"
	"github.com/jxucoder/docfix/internal/metrics"
	"github.com/jxucoder/docfix/llm"
	"github.com/jxucoder/docfix/sandbox"
	"github.com/jxucoder/docfix/store"
	"github.com/jxucoder/docfix/workspace"
)

// Builder constructs a DocFix App.
type Builder struct {
	config   *config.Config
	logger   *zap.Logger
	store    store.SessionStore
	bus      eventbus.Bus
	runtime  sandbox.Runtime
	kube     kubernetes.Interface
	secrets  credentialStore
	pool     *sandbox.Pool
	git      gitprovider.Provider
	branches compute.Branches
	ws       workspace.Executor
	llm      llm.Client
	channels []channel.Channel
	notifier engine.Notifier
}

// credentialStore is implemented by runtimes that inject secrets into sandboxes.
type credentialStore interface {
	EnsureCredentials(ctx context.Context, data map[string]string) error
}

// NewBuilder creates a Builder for the given configuration.
func NewBuilder(cfg *config.Config) *Builder {
	return &Builder{config: cfg}
}

// WithLogger sets the root logger.
func (b *Builder) WithLogger(l *zap.Logger) *Builder {
	b.logger = l
	return b
}

// WithStore sets the session store implementation.
func (b *Builder) WithStore(s store.SessionStore) *Builder {
	b.store = s
	return b
}

// WithBus sets the event bus implementation.
func (b *Builder) WithBus(bus eventbus.Bus) *Builder {
	b.bus = bus
	return b
}

// WithRuntime sets the sandbox runtime. kube may be nil, which disables
// nested clusters.
func (b *Builder) WithRuntime(rt sandbox.Runtime, kube kubernetes.Interface) *Builder {
	b.runtime = rt
	b.kube = kube
	return b
}

// WithGitProvider sets the git hosting provider implementation.
func (b *Builder) WithGitProvider(g gitprovider.Provider) *Builder {
	b.git = g
	return b
}

// WithBranches sets the remote branch resolver.
func (b *Builder) WithBranches(br compute.Branches) *Builder {
	b.branches = br
	return b
}

// WithWorkspace sets the executor used for page work inside sandboxes.
func (b *Builder) WithWorkspace(ws workspace.Executor) *Builder {
	b.ws = ws
	return b
}

// WithLLM sets the model client used by the fix, feedback and readability stages.
func (b *Builder) WithLLM(client llm.Client) *Builder {
	b.llm = client
	return b
}

// WithChannel adds a chat channel to the application.
func (b *Builder) WithChannel(ch channel.Channel) *Builder {
	b.channels = append(b.channels, ch)
	return b
}

// Build creates the App. Missing components are filled from configuration.
func (b *Builder) Build() (*App, error) {
	if b.config == nil {
		return nil, errors.New("docfix: configuration is required")
	}
	if err := applyDefaults(b); err != nil {
		return nil, err
	}
	cfg := b.config

	var vc *compute.VCluster
	if cfg.Compute.VCluster && b.kube != nil {
		vc = compute.NewVCluster(b.runtime, b.kube, b.logger)
	}
	mgr := compute.NewManager(b.store, b.runtime, b.ws, b.branches, vc, compute.Config{
		DefaultImage: cfg.Kube.Image,
		Resources: sandbox.Resources{
			CPURequest:    cfg.Kube.CPURequest,
			CPULimit:      cfg.Kube.CPULimit,
			MemoryRequest: cfg.Kube.MemoryRequest,
			MemoryLimit:   cfg.Kube.MemoryLimit,
		},
		Privileged:       cfg.Kube.Privileged,
		IdleTTL:          cfg.Compute.TTL,
		ProvisionTimeout: cfg.Compute.ProvisionTimeout,
	}, b.logger)
	reaper := compute.NewReaper(b.store, mgr, cfg.Compute.TTL, cfg.Compute.ReapInterval, b.logger)

	fix, feedback := stagesFor(b.llm)
	eng := engine.New(
		engine.Config{
			ConcurrentPolicy: cfg.Sessions.ConcurrentPolicy,
			BranchPrefix:     cfg.Sessions.BranchPrefix,
			WebhookSecret:    cfg.GitHub.WebhookSecret,
		},
		b.store,
		b.bus,
		mgr,
		b.ws,
		b.git,
		fix,
		feedback,
		b.logger,
	)

	channels := b.channels
	if cfg.SlackEnabled() {
		bot := newSlackBot(cfg, eng, b.logger)
		channels = append(channels, bot)
		b.notifier = bot
	}
	if b.notifier != nil {
		eng.SetNotifier(b.notifier)
	}

	metrics.Register()

	return &App{
		config:   cfg,
		logger:   b.logger.Named("app"),
		engine:   eng,
		compute:  mgr,
		reaper:   reaper,
		pool:     b.pool,
		secrets:  b.secrets,
		handler:  httpapi.New(eng, b.logger),
		channels: channels,
	}, nil
}

// App is a running DocFix application.
type App struct {
	config   *config.Config
	logger   *zap.Logger
	engine   *engine.Engine
	compute  *compute.Manager
	reaper   *compute.Reaper
	pool     *sandbox.Pool
	secrets  credentialStore
	handler  *httpapi.Handler
	channels []channel.Channel
}

// Engine returns the underlying engine for direct access.
func (a *App) Engine() *engine.Engine { return a.engine }

// Handler returns the HTTP API handler.
func (a *App) Handler() http.Handler { return a.handler.Router() }

// Start runs the HTTP server, the reaper and all channels. It blocks until
// ctx is done and then shuts everything down in reverse order.
func (a *App) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.secrets != nil {
		if err := a.secrets.EnsureCredentials(ctx, a.config.Credentials()); err != nil {
			return err
		}
	}
	if a.pool != nil {
		a.pool.StartPool(ctx)
		defer a.pool.StopPool()
	}
	a.compute.Start()
	a.engine.Start(ctx)

	reaperDone := make(chan struct{})
	go func() {
		defer close(reaperDone)
		a.reaper.Run(ctx)
	}()

	for _, ch := range a.channels {
		ch := ch
		go func() {
			if err := ch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("channel stopped", zap.String("channel", ch.Name()), zap.Error(err))
			}
		}()
	}

	srv := &http.Server{
		Addr:              a.config.Server.Addr,
		Handler:           a.handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("http shutdown", zap.Error(err))
		}
	}()

	a.logger.Info("docfix server listening", zap.String("addr", a.config.Server.Addr))
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	cancel()

	a.engine.Stop()
	<-reaperDone
	a.compute.Stop()
	return errors.Join(err, a.engine.Store().Close())
}
