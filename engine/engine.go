// Package engine orchestrates DocFix sessions: discovery, the validate and
// fix pipeline, reviewer feedback and finishing. It depends only on
// interfaces (store, compute, workspace, gitprovider, eventbus, pipeline).
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jxucoder/docfix/compute"
	"github.com/jxucoder/docfix/eventbus"
	"github.com/jxucoder/docfix/gitprovider"
	"github.com/jxucoder/docfix/internal/keyed"
	"github.com/jxucoder/docfix/internal/metrics"
	"github.com/jxucoder/docfix/model"
	"github.com/jxucoder/docfix/pipeline"
	"github.com/jxucoder/docfix/store"
	"github.com/jxucoder/docfix/workspace"
)

// Concurrency policies for sessions on the same repository.
const (
	PolicyReject = "reject"
	PolicyAllow  = "allow"
)

var (
	// ErrConflict matches every ConflictError.
	ErrConflict = errors.New("an active session already exists for this repository")
	// ErrBusy is returned when another operation holds the session.
	ErrBusy = errors.New("session is busy")
	// ErrFinished is returned for operations on a finished session.
	ErrFinished = compute.ErrSessionFinished
	// ErrClarification is returned when feedback matches no recorded fix.
	ErrClarification = errors.New("feedback does not refer to any recorded fix; please clarify which change you mean")
	// ErrAlreadyReverted matches every AlreadyRevertedError.
	ErrAlreadyReverted = errors.New("already reverted")
	// ErrInvalidInput reports a malformed request.
	ErrInvalidInput = errors.New("invalid input")
)

// ConflictError names the active session that blocks a new one.
type ConflictError struct {
	Repo      string
	SessionID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("session %s is already active for %s", e.SessionID, e.Repo)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// AlreadyRevertedError reports feedback whose every target was reverted before.
type AlreadyRevertedError struct {
	FixIDs []string
}

func (e *AlreadyRevertedError) Error() string {
	return fmt.Sprintf("fix %s already reverted", strings.Join(e.FixIDs, ", "))
}

func (e *AlreadyRevertedError) Is(target error) bool { return target == ErrAlreadyReverted }

// Compute is the Pod Lifecycle Manager as seen by the engine.
type Compute interface {
	EnsureCompute(ctx context.Context, sessionID string) (*model.ComputeRef, error)
	EnsureCluster(ctx context.Context, sessionID string) error
	Release(ctx context.Context, sessionID string) error
	Touch(sessionID string)
}

// Notifier is told about finished runs and applied feedback.
type Notifier interface {
	Notify(ctx context.Context, sess *model.Session, outcome model.Outcome)
}

// Config holds engine-specific configuration.
type Config struct {
	// ConcurrentPolicy is PolicyReject (default) or PolicyAllow.
	ConcurrentPolicy string
	// BranchPrefix prefixes session branches (default "docfix/").
	BranchPrefix  string
	WebhookSecret string
}

// Engine orchestrates the DocFix session lifecycle.
type Engine struct {
	config   Config
	store    store.SessionStore
	bus      eventbus.Bus
	compute  Compute
	ws       workspace.Executor
	git      gitprovider.Provider
	fix      *pipeline.FixStage
	feedback *pipeline.FeedbackStage
	logger   *zap.Logger
	notifier Notifier

	ops    *keyed.Mutex // one pipeline run or feedback application per session
	starts *keyed.Mutex // serializes the concurrency-policy check per repo

	inflightMu sync.Mutex
	inflight   map[string]map[*int]context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Engine with all dependencies.
func New(
	cfg Config,
	st store.SessionStore,
	bus eventbus.Bus,
	comp Compute,
	ws workspace.Executor,
	git gitprovider.Provider,
	fix *pipeline.FixStage,
	feedback *pipeline.FeedbackStage,
	logger *zap.Logger,
) *Engine {
	if cfg.ConcurrentPolicy == "" {
		cfg.ConcurrentPolicy = PolicyReject
	}
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = "docfix/"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		config:   cfg,
		store:    st,
		bus:      bus,
		compute:  comp,
		ws:       ws,
		git:      git,
		fix:      fix,
		feedback: feedback,
		logger:   logger.Named("engine"),
		ops:      keyed.New(),
		starts:   keyed.New(),
		inflight: make(map[string]map[*int]context.CancelFunc),
	}
}

// SetNotifier installs a notifier for run and feedback outcomes.
func (e *Engine) SetNotifier(n Notifier) { e.notifier = n }

// Start resumes runs interrupted by a previous process. Call Stop to shut down.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)

	sessions, err := e.store.List(e.ctx, store.Filter{Status: model.StatusActive})
	if err != nil {
		e.logger.Error("listing sessions to resume", zap.Error(err))
		return
	}
	for _, sess := range sessions {
		if !resumable(sess) {
			continue
		}
		if unlock, ok := e.ops.TryLock(sess.ID); ok {
			e.logger.Info("resuming run", zap.String("session_id", sess.ID), zap.String("stage", string(sess.Lifecycle.Stage)))
			e.launch(sess.ID, unlock)
		}
	}
}

// Stop cancels all background work and waits for goroutines to finish.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// Store returns the session store.
func (e *Engine) Store() store.SessionStore { return e.store }

// Bus returns the event bus.
func (e *Engine) Bus() eventbus.Bus { return e.bus }

// WebhookSecret returns the configured webhook secret.
func (e *Engine) WebhookSecret() string { return e.config.WebhookSecret }

func (e *Engine) baseCtx() context.Context {
	if e.ctx == nil {
		return context.Background()
	}
	return e.ctx
}

// StartResult is the response to StartSession.
type StartResult struct {
	Session *model.Session `json:"session"`
	Outcome model.Outcome  `json:"outcome"`
}

// StartSession creates a session, provisions its compute and discovers the
// documentation pages. When provisioning fails the session is kept for a
// later retry and the result carries a not-started outcome next to the error.
func (e *Engine) StartSession(ctx context.Context, repo, image string) (*StartResult, error) {
	repo = strings.TrimSpace(repo)
	if repo == "" {
		return nil, fmt.Errorf("%w: repo is required", ErrInvalidInput)
	}
	id := uuid.New().String()[:8]
	sess := &model.Session{
		ID:     id,
		Repo:   repo,
		Branch: e.config.BranchPrefix + id,
		Image:  strings.TrimSpace(image),
		Lifecycle: model.Lifecycle{
			Status: model.StatusActive,
			Stage:  model.StageDiscovering,
		},
	}
	if err := e.create(ctx, sess); err != nil {
		return nil, err
	}
	e.emitEvent(id, "status", "Session created for "+repo)

	res := &StartResult{Session: sess}
	err := e.discover(ctx, id)
	if latest, lerr := e.store.Load(ctx, id); lerr == nil {
		res.Session = latest
	}
	if err != nil {
		res.Outcome = model.NotStarted(err)
		metrics.RecordSessionStarted(string(model.OutcomeNotStarted))
		return res, err
	}
	res.Outcome = model.Succeeded(fmt.Sprintf("discovered %d page(s)", len(res.Session.Pages)))
	metrics.RecordSessionStarted(string(model.OutcomeSucceeded))
	return res, nil
}

func (e *Engine) create(ctx context.Context, sess *model.Session) error {
	if e.config.ConcurrentPolicy != PolicyAllow {
		slug := model.RepoSlug(sess.Repo)
		unlock := e.starts.Lock(slug)
		defer unlock()

		active, err := e.store.List(ctx, store.Filter{Status: model.StatusActive})
		if err != nil {
			return fmt.Errorf("listing active sessions: %w", err)
		}
		for _, other := range active {
			if model.RepoSlug(other.Repo) == slug {
				return &ConflictError{Repo: sess.Repo, SessionID: other.ID}
			}
		}
	}
	if err := e.store.Create(ctx, sess); err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	return nil
}

// discover provisions compute and records the page list once.
func (e *Engine) discover(ctx context.Context, id string) error {
	e.emitEvent(id, "status", "Provisioning compute...")
	ref, err := e.compute.EnsureCompute(ctx, id)
	if err != nil {
		e.recordError(id, err)
		return err
	}
	e.emitEvent(id, "status", "Discovering documentation pages...")
	pages, err := e.ws.Discover(ctx, ref.Handle)
	if err != nil {
		err = fmt.Errorf("discovering pages: %w", err)
		e.recordError(id, err)
		return err
	}
	_, err = e.store.Mutate(ctx, id, func(s *model.Session) error {
		if len(s.Pages) == 0 {
			s.Pages = pages
		}
		s.Lifecycle.Error = ""
		return nil
	})
	if err != nil {
		return err
	}
	e.emitEvent(id, "status", fmt.Sprintf("Discovered %d page(s)", len(pages)))
	return nil
}

// Finish stops in-flight work, releases compute and marks the session
// finished. The record is kept. Finishing twice is not an error.
func (e *Engine) Finish(ctx context.Context, id string) (*model.Session, error) {
	// Marking the record first makes every page boundary and every new
	// operation observe the finish.
	if _, err := e.store.Mutate(ctx, id, func(s *model.Session) error {
		s.Lifecycle.Status = model.StatusFinished
		return nil
	}); err != nil {
		return nil, err
	}
	e.cancelInflight(id)
	unlock := e.ops.Lock(id)
	defer unlock()

	if err := e.compute.Release(ctx, id); err != nil {
		return nil, fmt.Errorf("releasing compute: %w", err)
	}
	sess, err := e.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	e.logger.Info("session finished", zap.String("session_id", id))
	e.emitEvent(id, "done", "Session finished")
	return sess, nil
}

// Status returns the session snapshot.
func (e *Engine) Status(ctx context.Context, id string) (*model.Session, error) {
	return e.store.Load(ctx, id)
}

// List returns session snapshots matching the filter, newest first.
func (e *Engine) List(ctx context.Context, f store.Filter) ([]*model.Session, error) {
	return e.store.List(ctx, f)
}

// Events returns the persisted progress events of a session after afterID.
func (e *Engine) Events(ctx context.Context, id string, afterID int64) ([]*model.Event, error) {
	if _, err := e.store.Load(ctx, id); err != nil {
		return nil, err
	}
	return e.store.GetEvents(ctx, id, afterID)
}

// SessionForPR returns the session that opened a pull request.
func (e *Engine) SessionForPR(ctx context.Context, repo string, number int) (*model.Session, error) {
	return e.store.FindByPR(ctx, repo, number)
}

// track registers a cancellable context for in-flight work on a session so
// Finish can stop it.
func (e *Engine) track(parent context.Context, id string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	key := new(int)
	e.inflightMu.Lock()
	if e.inflight[id] == nil {
		e.inflight[id] = make(map[*int]context.CancelFunc)
	}
	e.inflight[id][key] = cancel
	e.inflightMu.Unlock()
	return ctx, func() {
		e.inflightMu.Lock()
		delete(e.inflight[id], key)
		if len(e.inflight[id]) == 0 {
			delete(e.inflight, id)
		}
		e.inflightMu.Unlock()
		cancel()
	}
}

func (e *Engine) cancelInflight(id string) {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	for _, cancel := range e.inflight[id] {
		cancel()
	}
}

// --- Helpers ---

func newID() string { return uuid.New().String()[:8] }

func (e *Engine) recordError(id string, cause error) {
	msg := cause.Error()
	e.logger.Error("session error", zap.String("session_id", id), zap.Error(cause))
	ctx, cancel := context.WithTimeout(context.WithoutCancel(e.baseCtx()), 10*time.Second)
	defer cancel()
	if _, err := e.store.Mutate(ctx, id, func(s *model.Session) error {
		s.Lifecycle.Error = msg
		return nil
	}); err != nil {
		e.logger.Error("recording session error", zap.String("session_id", id), zap.Error(err))
	}
	e.emitEvent(id, "error", msg)
}

func (e *Engine) emitEvent(sessionID, eventType, data string) {
	event := &model.Event{
		SessionID: sessionID,
		Type:      eventType,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.AddEvent(context.WithoutCancel(e.baseCtx()), event); err != nil {
		e.logger.Warn("storing event", zap.String("session_id", sessionID), zap.Error(err))
	}
	e.bus.Publish(sessionID, event)
}

func (e *Engine) notify(sess *model.Session, outcome model.Outcome) {
	if e.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(e.baseCtx()), 30*time.Second)
	defer cancel()
	e.notifier.Notify(ctx, sess, outcome)
}
