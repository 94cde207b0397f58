package compute

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jxucoder/docfix/store"
)

// Reaper releases compute of sessions idle longer than the TTL. It works
// from persisted state only, so it also catches compute left behind by a
// crashed process. It never deletes a session.
type Reaper struct {
	store    store.SessionStore
	manager  *Manager
	ttl      time.Duration
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewReaper creates a Reaper. A zero interval defaults to TTL/48.
func NewReaper(st store.SessionStore, m *Manager, ttl, interval time.Duration, logger *zap.Logger) *Reaper {
	if ttl <= 0 {
		ttl = m.IdleTTL()
	}
	if interval <= 0 {
		interval = ttl / 48
	}
	if interval < time.Second {
		interval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{
		store:    st,
		manager:  m,
		ttl:      ttl,
		interval: interval,
		logger:   logger.Named("reaper"),
		now:      time.Now,
	}
}

// Run sweeps on every tick until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep releases every idle session's compute once and returns how many
// were released. Per-session failures are logged and skipped.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.ttl)
	sessions, err := r.store.List(ctx, store.Filter{
		HasCompute: store.Bool(true),
		IdleBefore: cutoff,
	})
	if err != nil {
		return 0, err
	}

	released := 0
	for _, sess := range sessions {
		if ctx.Err() != nil {
			return released, ctx.Err()
		}
		log := r.logger.With(zap.String("session_id", sess.ID))
		log.Info("reaping idle compute",
			zap.String("handle", sess.ComputeRef.Handle),
			zap.Duration("idle", r.now().Sub(sess.Lifecycle.LastActivityAt)))
		if err := r.manager.release(ctx, sess.ID, "reaper", cutoff); err != nil {
			log.Error("release failed", zap.Error(err))
			continue
		}
		released++
	}
	return released, nil
}
