// Package store defines the session persistence contract.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jxucoder/docfix/model"
)

// ErrNotFound is matched by errors.Is for every NotFoundError.
var ErrNotFound = errors.New("session not found")

// NotFoundError reports that a session never existed. A session whose
// compute is gone is not "not found"; it loads normally with a nil ComputeRef.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("session %s not found", e.ID)
}

// Is makes errors.Is(err, ErrNotFound) hold.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// MutateFunc edits a session in place. Returning an error aborts the
// mutation and nothing is written.
type MutateFunc func(sess *model.Session) error

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status model.SessionStatus
	Repo   string
	Branch string
	// HasCompute, when set, matches sessions with (true) or without (false)
	// a live compute reference.
	HasCompute *bool
	// IdleBefore matches sessions whose last activity is older than it.
	IdleBefore time.Time
}

// SessionStore persists sessions and their progress events.
//
// Mutate is serialized per session ID and atomic: two concurrent mutations of
// the same session never interleave. Every successful Mutate advances
// Lifecycle.LastActivityAt.
type SessionStore interface {
	Create(ctx context.Context, sess *model.Session) error
	Load(ctx context.Context, id string) (*model.Session, error)
	Mutate(ctx context.Context, id string, fn MutateFunc) (*model.Session, error)
	List(ctx context.Context, f Filter) ([]*model.Session, error)
	FindByPR(ctx context.Context, repo string, number int) (*model.Session, error)

	AddEvent(ctx context.Context, event *model.Event) error
	GetEvents(ctx context.Context, sessionID string, afterID int64) ([]*model.Event, error)

	Close() error
}

// Bool returns a pointer to b, for Filter.HasCompute.
func Bool(b bool) *bool { return &b }
