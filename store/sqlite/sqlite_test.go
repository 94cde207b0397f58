package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jxucoder/docfix/model"
	"github.com/jxucoder/docfix/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := New(dbPath)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = st.Close()
	})
	return st
}

func newSession(id string) *model.Session {
	return &model.Session{
		ID:     id,
		Repo:   "https://github.com/owner/docs",
		Branch: "docfix/" + id,
		Lifecycle: model.Lifecycle{
			Status: model.StatusActive,
			Stage:  model.StageDiscovering,
		},
	}
}

func TestSessionCreateLoad(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.Create(ctx, newSession("abc12345")); err != nil {
		t.Fatalf("create session: %v", err)
	}

	got, err := st.Load(ctx, "abc12345")
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if got.Repo != "https://github.com/owner/docs" || got.Lifecycle.Status != model.StatusActive {
		t.Fatalf("unexpected session: %+v", got)
	}
	if got.Lifecycle.CreatedAt.IsZero() || got.Lifecycle.LastActivityAt.IsZero() {
		t.Fatalf("timestamps not set: %+v", got.Lifecycle)
	}
	if got.ComputeRef != nil || got.PRRef != nil {
		t.Fatalf("expected nil refs: %+v", got)
	}
}

func TestLoadUnknownIsNotFound(t *testing.T) {
	st := newTestStore(t)

	_, err := st.Load(context.Background(), "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	var nf *store.NotFoundError
	if !errors.As(err, &nf) || nf.ID != "missing" {
		t.Fatalf("expected NotFoundError for 'missing', got %v", err)
	}

	_, err = st.Mutate(context.Background(), "missing", func(*model.Session) error { return nil })
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from Mutate, got %v", err)
	}
}

func TestMutateAdvancesLastActivity(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	st.SetClock(func() time.Time { return clock })

	if err := st.Create(ctx, newSession("act1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	clock = base.Add(time.Minute)
	got, err := st.Mutate(ctx, "act1", func(s *model.Session) error {
		s.Lifecycle.Stage = model.StagePageSelected
		return nil
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if !got.Lifecycle.LastActivityAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("last activity not advanced: %v", got.Lifecycle.LastActivityAt)
	}

	// A clock that goes backwards never moves the timestamp back.
	clock = base
	got, err = st.Mutate(ctx, "act1", func(s *model.Session) error { return nil })
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if !got.Lifecycle.LastActivityAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("last activity went backwards: %v", got.Lifecycle.LastActivityAt)
	}

	// Callers cannot rewind it either.
	clock = base.Add(2 * time.Minute)
	got, err = st.Mutate(ctx, "act1", func(s *model.Session) error {
		s.Lifecycle.LastActivityAt = time.Time{}
		return nil
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if !got.Lifecycle.LastActivityAt.Equal(base.Add(2 * time.Minute)) {
		t.Fatalf("unexpected last activity: %v", got.Lifecycle.LastActivityAt)
	}
}

func TestMutateErrorWritesNothing(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	if err := st.Create(ctx, newSession("err1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	before, _ := st.Load(ctx, "err1")

	boom := errors.New("boom")
	_, err := st.Mutate(ctx, "err1", func(s *model.Session) error {
		s.Issues = append(s.Issues, model.Issue{ID: "i1"})
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	after, _ := st.Load(ctx, "err1")
	if len(after.Issues) != 0 {
		t.Fatalf("partial mutation persisted: %+v", after.Issues)
	}
	if !after.Lifecycle.LastActivityAt.Equal(before.Lifecycle.LastActivityAt) {
		t.Fatal("failed mutation touched last activity")
	}
}

func TestConcurrentMutateNoLostUpdates(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	if err := st.Create(ctx, newSession("race1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := st.Mutate(ctx, "race1", func(s *model.Session) error {
				s.Issues = append(s.Issues, model.Issue{ID: fmt.Sprintf("i%d", i)})
				return nil
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("mutate: %v", err)
		}
	}

	got, _ := st.Load(ctx, "race1")
	if len(got.Issues) != n {
		t.Fatalf("expected %d issues, got %d", n, len(got.Issues))
	}
}

func TestListFilters(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	st.SetClock(func() time.Time { return clock })

	for i, id := range []string{"s1", "s2", "s3"} {
		clock = base.Add(time.Duration(i) * time.Hour)
		if err := st.Create(ctx, newSession(id)); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	clock = base.Add(3 * time.Hour)
	if _, err := st.Mutate(ctx, "s1", func(s *model.Session) error {
		s.ComputeRef = &model.ComputeRef{Handle: "pod-1"}
		return nil
	}); err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if _, err := st.Mutate(ctx, "s2", func(s *model.Session) error {
		s.Lifecycle.Status = model.StatusFinished
		return nil
	}); err != nil {
		t.Fatalf("mutate: %v", err)
	}

	all, err := st.List(ctx, store.Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].ID != "s3" {
		t.Fatalf("expected newest first, got %d sessions", len(all))
	}

	live, _ := st.List(ctx, store.Filter{HasCompute: store.Bool(true)})
	if len(live) != 1 || live[0].ID != "s1" {
		t.Fatalf("unexpected live sessions: %+v", live)
	}

	active, _ := st.List(ctx, store.Filter{Status: model.StatusActive})
	if len(active) != 2 {
		t.Fatalf("expected 2 active sessions, got %d", len(active))
	}

	idle, _ := st.List(ctx, store.Filter{IdleBefore: base.Add(150 * time.Minute)})
	if len(idle) != 1 || idle[0].ID != "s3" {
		t.Fatalf("unexpected idle sessions: %+v", idle)
	}
}

func TestFindByPR(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	if err := st.Create(ctx, newSession("pr1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := st.Mutate(ctx, "pr1", func(s *model.Session) error {
		s.PRRef = &model.PRRef{Number: 42, URL: "https://github.com/owner/docs/pull/42"}
		return nil
	}); err != nil {
		t.Fatalf("mutate: %v", err)
	}

	got, err := st.FindByPR(ctx, "owner/docs", 42)
	if err != nil {
		t.Fatalf("find by pr: %v", err)
	}
	if got.ID != "pr1" {
		t.Fatalf("unexpected session: %s", got.ID)
	}
	if _, err := st.FindByPR(ctx, "owner/docs", 7); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestEvents(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	if err := st.Create(ctx, newSession("evt1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	ev := &model.Event{SessionID: "evt1", Type: "status", Data: "Validating", CreatedAt: time.Now().UTC()}
	if err := st.AddEvent(ctx, ev); err != nil {
		t.Fatalf("add event: %v", err)
	}
	if ev.ID == 0 {
		t.Fatal("event id not set")
	}
	events, err := st.GetEvents(ctx, "evt1", 0)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	if len(events) != 1 || events[0].Data != "Validating" {
		t.Fatalf("unexpected events: %+v", events)
	}
	later, _ := st.GetEvents(ctx, "evt1", ev.ID)
	if len(later) != 0 {
		t.Fatalf("expected no events after %d, got %d", ev.ID, len(later))
	}
}
