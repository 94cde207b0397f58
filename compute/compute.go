// Package compute owns the lifecycle of session compute: the sandbox Pod, the
// checkout inside it and an optional nested vCluster. The session record is
// the source of truth; compute is disposable and rebuilt from it on demand.
package compute

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/jxucoder/docfix/internal/keyed"
	"github.com/jxucoder/docfix/internal/metrics"
	"github.com/jxucoder/docfix/model"
	"github.com/jxucoder/docfix/sandbox"
	"github.com/jxucoder/docfix/store"
	"github.com/jxucoder/docfix/workspace"
)

// ErrSessionFinished is returned when compute is requested for a finished session.
var ErrSessionFinished = errors.New("session is finished")

// ProvisionError reports that compute could not be created. Nothing is left
// behind and the session keeps a nil ComputeRef, so the call can be retried.
type ProvisionError struct {
	SessionID string
	Step      string
	Err       error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provisioning compute for session %s (%s): %v", e.SessionID, e.Step, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// Retryable is always true: provisioning failures are transient by contract.
func (e *ProvisionError) Retryable() bool { return true }

// Branches answers questions about the remote repository.
type Branches interface {
	BranchExists(ctx context.Context, repo, branch string) (bool, error)
	DefaultBranch(ctx context.Context, repo string) (string, error)
}

// Config configures a Manager.
type Config struct {
	DefaultImage string
	Env          []string
	Resources    sandbox.Resources
	Privileged   bool
	// IdleTTL is how long compute may sit unused before release (default 24h).
	IdleTTL time.Duration
	// ProvisionTimeout bounds sandbox start plus checkout (default 10m).
	ProvisionTimeout time.Duration
}

// Manager is the Pod Lifecycle Manager.
type Manager struct {
	store    store.SessionStore
	rt       sandbox.Runtime
	ws       workspace.Executor
	branches Branches
	vcluster *VCluster
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time

	flight singleflight.Group
	locks  *keyed.Mutex
	timers *ttlcache.Cache[string, string]

	started atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager creates a Manager. vc may be nil to disable nested clusters.
func NewManager(st store.SessionStore, rt sandbox.Runtime, ws workspace.Executor, branches Branches, vc *VCluster, cfg Config, logger *zap.Logger) *Manager {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 24 * time.Hour
	}
	if cfg.ProvisionTimeout <= 0 {
		cfg.ProvisionTimeout = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		store:    st,
		rt:       rt,
		ws:       ws,
		branches: branches,
		vcluster: vc,
		cfg:      cfg,
		logger:   logger.Named("compute"),
		now:      time.Now,
		locks:    keyed.New(),
		timers: ttlcache.New(
			ttlcache.WithTTL[string, string](cfg.IdleTTL),
			ttlcache.WithDisableTouchOnHit[string, string](),
		),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.timers.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, string]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.expire(item.Key())
		}()
	})
	return m
}

// Start runs the idle timers. Call Stop to shut down.
func (m *Manager) Start() {
	if m.started.CompareAndSwap(false, true) {
		go m.timers.Start()
	}
}

// Stop halts the timers and waits for in-flight expirations.
func (m *Manager) Stop() {
	if m.started.Load() {
		m.timers.Stop()
	}
	m.cancel()
	m.wg.Wait()
}

// IdleTTL returns the configured idle lifetime of compute.
func (m *Manager) IdleTTL() time.Duration { return m.cfg.IdleTTL }

// Touch resets the in-process idle timer of a session with live compute.
func (m *Manager) Touch(sessionID string) {
	if item := m.timers.Get(sessionID); item != nil {
		m.timers.Set(sessionID, item.Value(), ttlcache.DefaultTTL)
	}
}

// EnsureCompute returns a healthy ComputeRef for the session, provisioning
// one when the session has none or its sandbox is gone. Concurrent calls for
// one session share a single provisioning attempt.
func (m *Manager) EnsureCompute(ctx context.Context, sessionID string) (*model.ComputeRef, error) {
	ch := m.flight.DoChan(sessionID, func() (any, error) {
		return m.ensure(context.WithoutCancel(ctx), sessionID)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		ref := *res.Val.(*model.ComputeRef)
		return &ref, nil
	}
}

func (m *Manager) ensure(ctx context.Context, id string) (*model.ComputeRef, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	sess, err := m.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Finished() {
		return nil, ErrSessionFinished
	}
	log := m.logger.With(zap.String("session_id", id))

	if ref := sess.ComputeRef; sess.HasLiveCompute() {
		if m.rt.IsRunning(ctx, ref.Handle) {
			m.arm(id, ref.Handle, m.cfg.IdleTTL)
			return ref, nil
		}
		log.Warn("compute is gone, recreating", zap.String("handle", ref.Handle))
		if err := m.releaseLocked(ctx, sess, "stale"); err != nil {
			return nil, err
		}
	}

	start := m.now()
	ref, err := m.provision(ctx, sess)
	metrics.RecordProvision(m.now().Sub(start), err)
	if err != nil {
		log.Error("provisioning failed", zap.Error(err))
		return nil, err
	}
	log.Info("compute ready", zap.String("handle", ref.Handle), zap.Duration("took", m.now().Sub(start)))
	return ref, nil
}

func (m *Manager) provision(ctx context.Context, sess *model.Session) (*model.ComputeRef, error) {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProvisionTimeout)
	defer cancel()

	image := sess.Image
	if image == "" {
		image = m.cfg.DefaultImage
	}
	handle, err := m.rt.Start(pctx, sandbox.StartOptions{
		SessionID:  sess.ID,
		Image:      image,
		Env:        m.cfg.Env,
		Resources:  m.cfg.Resources,
		Privileged: m.cfg.Privileged,
	})
	if err != nil {
		return nil, &ProvisionError{SessionID: sess.ID, Step: "start sandbox", Err: err}
	}
	ref := &model.ComputeRef{Handle: handle, CreatedAt: m.now().UTC()}
	fail := func(step string, err error) (*model.ComputeRef, error) {
		m.teardown(ref)
		return nil, &ProvisionError{SessionID: sess.ID, Step: step, Err: err}
	}

	opts := workspace.PrepareOptions{Repo: sess.Repo, Branch: sess.Branch}
	exists, err := m.branches.BranchExists(pctx, sess.Repo, sess.Branch)
	if err != nil {
		return fail("inspect remote", err)
	}
	if !exists {
		base, err := m.branches.DefaultBranch(pctx, sess.Repo)
		if err != nil {
			return fail("inspect remote", err)
		}
		opts.CreateBranch = true
		opts.BaseBranch = base
	}
	if err := m.ws.Prepare(pctx, handle, opts); err != nil {
		return fail("checkout", err)
	}

	if m.vcluster != nil && m.needsCluster(pctx, handle, sess) {
		vc, err := m.vcluster.Create(pctx, handle, sess.ID)
		if err != nil {
			return fail("vcluster", err)
		}
		ref.VClusterHandle = vc
	}

	_, err = m.store.Mutate(ctx, sess.ID, func(s *model.Session) error {
		if s.Finished() {
			return ErrSessionFinished
		}
		s.ComputeRef = ref
		return nil
	})
	if err != nil {
		m.teardown(ref)
		return nil, err
	}
	m.arm(sess.ID, handle, m.cfg.IdleTTL)
	return ref, nil
}

// EnsureCluster adds a vCluster to live compute when the session's selected
// pages run cluster-level commands and none is attached yet.
func (m *Manager) EnsureCluster(ctx context.Context, sessionID string) error {
	if m.vcluster == nil {
		return nil
	}
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	sess, err := m.store.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	if !sess.HasLiveCompute() || sess.ComputeRef.VClusterHandle != "" {
		return nil
	}
	handle := sess.ComputeRef.Handle
	if !m.needsCluster(ctx, handle, sess) {
		return nil
	}
	vc, err := m.vcluster.Create(ctx, handle, sess.ID)
	if err != nil {
		return &ProvisionError{SessionID: sessionID, Step: "vcluster", Err: err}
	}
	_, err = m.store.Mutate(ctx, sessionID, func(s *model.Session) error {
		if s.ComputeRef == nil || s.ComputeRef.Handle != handle {
			return errStale
		}
		s.ComputeRef.VClusterHandle = vc
		return nil
	})
	if errors.Is(err, errStale) {
		_ = m.vcluster.Delete(ctx, handle, vc)
		return nil
	}
	return err
}

// needsCluster reports whether any selected page or recorded issue runs
// cluster-level commands.
func (m *Manager) needsCluster(ctx context.Context, handle string, sess *model.Session) bool {
	for _, is := range sess.Issues {
		if is.Kind == model.KindSyntax && m.ws.NeedsCluster("```bash\n"+is.Span+"\n```\n") {
			return true
		}
	}
	for _, p := range sess.SelectedPages() {
		content, err := m.ws.ReadPage(ctx, handle, p.Path)
		if err != nil {
			m.logger.Warn("reading page for cluster check", zap.String("session_id", sess.ID), zap.String("page", p.Path), zap.Error(err))
			continue
		}
		if m.ws.NeedsCluster(content) {
			return true
		}
	}
	return false
}

var errStale = errors.New("compute reference changed")

// Release tears down the session's compute and clears its ComputeRef. It is
// a no-op for a session without compute and safe to call concurrently.
func (m *Manager) Release(ctx context.Context, sessionID string) error {
	return m.release(ctx, sessionID, "release", time.Time{})
}

// release tears compute down. A non-zero idleBefore skips sessions that saw
// activity since then.
func (m *Manager) release(ctx context.Context, id, trigger string, idleBefore time.Time) error {
	unlock := m.locks.Lock(id)
	defer unlock()

	sess, err := m.store.Load(ctx, id)
	if err != nil {
		return err
	}
	if !sess.HasLiveCompute() {
		m.timers.Delete(id)
		return nil
	}
	if !idleBefore.IsZero() && !sess.Lifecycle.LastActivityAt.Before(idleBefore) {
		return nil
	}
	return m.releaseLocked(ctx, sess, trigger)
}

func (m *Manager) releaseLocked(ctx context.Context, sess *model.Session, trigger string) error {
	ref := *sess.ComputeRef
	m.timers.Delete(sess.ID)
	m.teardown(&ref)

	_, err := m.store.Mutate(ctx, sess.ID, func(s *model.Session) error {
		if s.ComputeRef == nil || s.ComputeRef.Handle != ref.Handle {
			return errStale
		}
		s.ComputeRef = nil
		return nil
	})
	if errors.Is(err, errStale) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("clearing compute of session %s: %w", sess.ID, err)
	}
	metrics.RecordRelease(trigger)
	m.logger.Info("compute released",
		zap.String("session_id", sess.ID), zap.String("handle", ref.Handle), zap.String("trigger", trigger))
	return nil
}

// teardown deletes the vCluster and the sandbox, logging failures. Both
// deletions are idempotent.
func (m *Manager) teardown(ref *model.ComputeRef) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if ref.VClusterHandle != "" && m.vcluster != nil {
		if err := m.vcluster.Delete(ctx, ref.Handle, ref.VClusterHandle); err != nil {
			m.logger.Warn("deleting vcluster", zap.String("handle", ref.VClusterHandle), zap.Error(err))
		}
	}
	if err := m.rt.Stop(ctx, ref.Handle); err != nil {
		m.logger.Warn("stopping sandbox", zap.String("handle", ref.Handle), zap.Error(err))
	}
}

func (m *Manager) arm(id, handle string, ttl time.Duration) {
	m.timers.Set(id, handle, ttl)
}

// expire runs when an idle timer fires. The persisted activity timestamp
// decides; the timer is re-armed when the session was active elsewhere.
func (m *Manager) expire(id string) {
	ctx := m.ctx
	sess, err := m.store.Load(ctx, id)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Warn("idle timer: loading session", zap.String("session_id", id), zap.Error(err))
		}
		return
	}
	if !sess.HasLiveCompute() {
		return
	}
	deadline := sess.Lifecycle.LastActivityAt.Add(m.cfg.IdleTTL)
	if remaining := deadline.Sub(m.now()); remaining > 0 {
		m.arm(id, sess.ComputeRef.Handle, remaining)
		return
	}
	if err := m.release(ctx, id, "timer", m.now().Add(-m.cfg.IdleTTL)); err != nil && ctx.Err() == nil {
		m.logger.Error("idle timer: release failed", zap.String("session_id", id), zap.Error(err))
	}
}
