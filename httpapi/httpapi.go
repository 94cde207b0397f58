// Package httpapi provides the HTTP API for DocFix.
// It delegates all business logic to the engine.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jxucoder/docfix/compute"
	"github.com/jxucoder/docfix/engine"
	"github.com/jxucoder/docfix/eventbus"
	"github.com/jxucoder/docfix/gitprovider"
	ghWebhook "github.com/jxucoder/docfix/gitprovider/github"
	"github.com/jxucoder/docfix/internal/metrics"
	"github.com/jxucoder/docfix/model"
	"github.com/jxucoder/docfix/store"
)

// Service is the part of the engine the API exposes.
type Service interface {
	StartSession(ctx context.Context, repo, image string) (*engine.StartResult, error)
	SelectPages(ctx context.Context, id, selection string) (*engine.Summary, error)
	Resume(ctx context.Context, id string) error
	SubmitFeedback(ctx context.Context, id, text string) (*engine.FeedbackResult, error)
	Finish(ctx context.Context, id string) (*model.Session, error)
	Status(ctx context.Context, id string) (*model.Session, error)
	List(ctx context.Context, f store.Filter) ([]*model.Session, error)
	Events(ctx context.Context, id string, afterID int64) ([]*model.Event, error)
	SessionForPR(ctx context.Context, repo string, number int) (*model.Session, error)
	QueueReviewComment(ev *gitprovider.WebhookEvent)
	Bus() eventbus.Bus
	WebhookSecret() string
}

// Handler provides the HTTP API for DocFix.
type Handler struct {
	svc    Service
	logger *zap.Logger
	router chi.Router
}

// New creates a new HTTP API handler.
func New(svc Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{svc: svc, logger: logger.Named("http")}
	h.router = h.buildRouter()
	return h
}

// Router returns the HTTP router.
func (h *Handler) Router() chi.Router {
	return h.router
}

func (h *Handler) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Get("/sessions", h.handleListSessions)
			r.Get("/sessions/{id}", h.handleGetSession)
			r.Post("/sessions/{id}/resume", h.handleResume)
		})
		// Provisioning, discovery, feedback and finishing may wait on compute.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(15 * time.Minute))
			r.Post("/sessions", h.handleCreateSession)
			r.Post("/sessions/{id}/pages", h.handleSelectPages)
			r.Post("/sessions/{id}/feedback", h.handleFeedback)
			r.Post("/sessions/{id}/finish", h.handleFinish)
		})
		r.Get("/sessions/{id}/events", h.handleSessionEvents)
		r.Post("/webhooks/github", h.handleGitHubWebhook)
	})

	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	return r
}

// --- Request/Response types ---

type createSessionRequest struct {
	Repo  string `json:"repo"`
	Image string `json:"image,omitempty"`
}

type createSessionResponse struct {
	ID      string        `json:"id"`
	Branch  string        `json:"branch"`
	Outcome model.Outcome `json:"outcome"`
	Pages   []model.Page  `json:"pages"`
	Error   string        `json:"error,omitempty"`
}

type selectPagesRequest struct {
	Selection string `json:"selection"`
}

type feedbackRequest struct {
	Text string `json:"text"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// --- Handlers ---

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decode(w, r, &req) {
		return
	}
	req.Repo = strings.TrimSpace(req.Repo)
	if req.Repo == "" {
		writeError(w, http.StatusBadRequest, "repo is required")
		return
	}
	if !isValidRepo(req.Repo) {
		writeError(w, http.StatusBadRequest, "repo must be owner/repo or a repository URL")
		return
	}

	res, err := h.svc.StartSession(r.Context(), req.Repo, req.Image)
	if err != nil && res == nil {
		h.writeEngineError(w, err)
		return
	}
	resp := createSessionResponse{
		ID:      res.Session.ID,
		Branch:  res.Session.Branch,
		Outcome: res.Outcome,
		Pages:   res.Session.Pages,
	}
	if resp.Pages == nil {
		resp.Pages = []model.Page{}
	}
	if err != nil {
		resp.Error = err.Error()
		writeJSON(w, statusFor(err), resp)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	f := store.Filter{
		Status: model.SessionStatus(r.URL.Query().Get("status")),
		Repo:   r.URL.Query().Get("repo"),
	}
	sessions, err := h.svc.List(r.Context(), f)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	if sessions == nil {
		sessions = []*model.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) handleSelectPages(w http.ResponseWriter, r *http.Request) {
	var req selectPagesRequest
	if !decode(w, r, &req) {
		return
	}
	sum, err := h.svc.SelectPages(r.Context(), chi.URLParam(r, "id"), req.Selection)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sum)
}

func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.Resume(r.Context(), id); err != nil {
		h.writeEngineError(w, err)
		return
	}
	sess, err := h.svc.Status(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sess)
}

func (h *Handler) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if !decode(w, r, &req) {
		return
	}
	if len([]rune(req.Text)) > 10000 {
		writeError(w, http.StatusBadRequest, "text exceeds 10000 characters")
		return
	}
	res, err := h.svc.SubmitFeedback(r.Context(), chi.URLParam(r, "id"), req.Text)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleFinish(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.Finish(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Subscribe before replaying so nothing published in between is lost.
	ch := h.svc.Bus().Subscribe(id)
	defer h.svc.Bus().Unsubscribe(id, ch)

	events, err := h.svc.Events(r.Context(), id, 0)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	var last int64
	for _, e := range events {
		h.writeSSE(w, e)
		last = e.ID
	}
	// Clients reading history only stop at this comment.
	fmt.Fprint(w, ": replayed\n\n")
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if event.ID != 0 && event.ID <= last {
				continue
			}
			h.writeSSE(w, event)
			flusher.Flush()
		}
	}
}

func (h *Handler) handleGitHubWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 10<<20)

	event, err := ghWebhook.ParseWebhook(r, h.svc.WebhookSecret())
	if err != nil {
		h.logger.Warn("webhook parse error", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid webhook")
		return
	}
	if event == nil || strings.HasSuffix(event.CommentUser, "[bot]") {
		w.Write([]byte("ok"))
		return
	}

	sess, err := h.svc.SessionForPR(r.Context(), event.Repo, event.PRNumber)
	if err != nil {
		h.logger.Debug("webhook for unknown PR", zap.String("repo", event.Repo), zap.Int("pr", event.PRNumber), zap.Error(err))
		w.Write([]byte("ok"))
		return
	}
	h.logger.Info("PR comment received",
		zap.String("session_id", sess.ID), zap.String("repo", event.Repo),
		zap.Int("pr", event.PRNumber), zap.String("user", event.CommentUser))

	h.svc.QueueReviewComment(event)
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": sess.ID})
}

// --- Helpers ---

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	var pe *compute.ProvisionError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrConflict), errors.Is(err, engine.ErrBusy),
		errors.Is(err, engine.ErrAlreadyReverted), errors.Is(err, engine.ErrFinished):
		return http.StatusConflict
	case errors.Is(err, engine.ErrClarification):
		return http.StatusUnprocessableEntity
	case errors.As(err, &pe) && pe.Retryable():
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "30")
	}
	writeError(w, status, err.Error())
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func (h *Handler) writeSSE(w http.ResponseWriter, event *model.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Warn("encoding event", zap.Error(err))
		return
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.ID, event.Type, string(data)); err != nil {
		h.logger.Debug("writing event", zap.Error(err))
	}
}

func isValidRepo(repo string) bool {
	slug := model.RepoSlug(repo)
	parts := strings.Split(slug, "/")
	return len(parts) == 2 && parts[0] != "" && parts[1] != ""
}
