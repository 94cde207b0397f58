package sandbox

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PoolConfig configures the pre-warming pool.
type PoolConfig struct {
	// PoolSize is the number of warm sandboxes to maintain (default 2).
	PoolSize int
	// Image is the image warm sandboxes run. Only sessions asking for this
	// image (or for the default) are served from the pool.
	Image string
	// Env is the base environment for warm sandboxes.
	Env []string
	// Privileged starts warm sandboxes privileged.
	Privileged bool
	// RefillInterval is how often to check and refill the pool (default 10s).
	RefillInterval time.Duration
}

// Pool wraps a Runtime and keeps sandboxes pre-created so a session does not
// wait for scheduling and image pulls.
type Pool struct {
	inner  Runtime
	config PoolConfig
	logger *zap.Logger

	mu     sync.Mutex
	warm   []string // pre-created sandbox handles
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a pre-warming pool around the given runtime.
func NewPool(inner Runtime, cfg PoolConfig, logger *zap.Logger) *Pool {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 2
	}
	if cfg.RefillInterval <= 0 {
		cfg.RefillInterval = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		inner:  inner,
		config: cfg,
		logger: logger.Named("pool"),
	}
}

// StartPool begins the background refill loop. Call StopPool to shut down.
func (p *Pool) StartPool(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.refillLoop()
	}()
}

// StopPool stops the refill loop and destroys unclaimed warm sandboxes.
func (p *Pool) StopPool() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	p.mu.Lock()
	warm := p.warm
	p.warm = nil
	p.mu.Unlock()

	ctx := context.Background()
	for _, h := range warm {
		if err := p.inner.Stop(ctx, h); err != nil {
			p.logger.Warn("failed to clean up warm sandbox", zap.String("handle", h), zap.Error(err))
		}
	}
}

// PoolStats returns the current number of warm sandboxes.
func (p *Pool) PoolStats() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.warm)
}

// Start claims a warm sandbox when the request is compatible with the pool,
// or falls back to a cold start.
func (p *Pool) Start(ctx context.Context, opts StartOptions) (string, error) {
	if !p.compatible(opts) {
		return p.inner.Start(ctx, opts)
	}
	handle := p.claimWarm()
	if handle == "" {
		return p.inner.Start(ctx, opts)
	}
	if !p.inner.IsRunning(ctx, handle) {
		p.logger.Warn("warm sandbox died, cold starting", zap.String("handle", handle))
		_ = p.inner.Stop(ctx, handle)
		return p.inner.Start(ctx, opts)
	}

	p.logger.Info("claimed warm sandbox", zap.String("handle", handle), zap.String("session_id", opts.SessionID))
	if err := p.reconfigure(ctx, handle, opts); err != nil {
		p.logger.Warn("reconfigure failed, falling back to cold start", zap.String("handle", handle), zap.Error(err))
		_ = p.inner.Stop(ctx, handle)
		return p.inner.Start(ctx, opts)
	}
	return handle, nil
}

func (p *Pool) Stop(ctx context.Context, handle string) error {
	return p.inner.Stop(ctx, handle)
}

func (p *Pool) IsRunning(ctx context.Context, handle string) bool {
	return p.inner.IsRunning(ctx, handle)
}

func (p *Pool) ExecCollect(ctx context.Context, handle string, cmd []string, stdin io.Reader) (string, error) {
	return p.inner.ExecCollect(ctx, handle, cmd, stdin)
}

func (p *Pool) compatible(opts StartOptions) bool {
	if opts.Image != "" && opts.Image != p.config.Image {
		return false
	}
	return opts.Privileged == p.config.Privileged && opts.Resources == (Resources{})
}

// claimWarm pops a sandbox from the warm pool. Returns "" if none available.
func (p *Pool) claimWarm() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.warm) == 0 {
		return ""
	}
	h := p.warm[0]
	p.warm = p.warm[1:]
	return h
}

// reconfigure hands a warm sandbox to a session: it retags it when the
// runtime supports that and writes the session environment to a profile
// script that login shells source.
func (p *Pool) reconfigure(ctx context.Context, handle string, opts StartOptions) error {
	if r, ok := p.inner.(Relabeler); ok && len(opts.Labels) > 0 {
		if err := r.Relabel(ctx, handle, opts.Labels); err != nil {
			return fmt.Errorf("relabel: %w", err)
		}
	}
	script := envScript(opts)
	_, err := p.inner.ExecCollect(ctx, handle,
		[]string{"sh", "-c", "mkdir -p /etc/profile.d && cat > /etc/profile.d/docfix-session.sh"},
		strings.NewReader(script))
	return err
}

func envScript(opts StartOptions) string {
	var b strings.Builder
	fmt.Fprintf(&b, "export DOCFIX_SESSION_ID=%q\n", opts.SessionID)
	env := append([]string(nil), opts.Env...)
	sort.Strings(env)
	for _, e := range env {
		k, v, ok := strings.Cut(e, "=")
		if !ok || k == "" {
			continue
		}
		fmt.Fprintf(&b, "export %s=%q\n", k, v)
	}
	return b.String()
}

func (p *Pool) refillLoop() {
	p.refill()

	ticker := time.NewTicker(p.config.RefillInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.refill()
		}
	}
}

func (p *Pool) refill() {
	p.mu.Lock()
	deficit := p.config.PoolSize - len(p.warm)
	p.mu.Unlock()

	for i := 0; i < deficit; i++ {
		h, err := p.createWarm()
		if err != nil {
			p.logger.Warn("failed to pre-warm sandbox", zap.Error(err))
			return
		}
		p.mu.Lock()
		p.warm = append(p.warm, h)
		n := len(p.warm)
		p.mu.Unlock()
		p.logger.Debug("pre-warmed sandbox", zap.String("handle", h), zap.Int("warm", n), zap.Int("size", p.config.PoolSize))
	}
}

func (p *Pool) createWarm() (string, error) {
	return p.inner.Start(p.ctx, StartOptions{
		SessionID:  fmt.Sprintf("warm-%d", time.Now().UnixNano()),
		Image:      p.config.Image,
		Env:        p.config.Env,
		Privileged: p.config.Privileged,
		Labels:     map[string]string{"docfix.dev/warm": "true"},
	})
}
