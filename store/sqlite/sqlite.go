// Package sqlite implements store.SessionStore using SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jxucoder/docfix/internal/keyed"
	"github.com/jxucoder/docfix/model"
	"github.com/jxucoder/docfix/store"
)

// Store manages session and event persistence in SQLite.
type Store struct {
	db    *sql.DB
	locks *keyed.Mutex
	now   func() time.Time
}

// New opens (or creates) a SQLite database at the given path.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(10000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent read/write performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db, locks: keyed.New(), now: time.Now}, nil
}

// SetClock replaces the time source used to stamp LastActivityAt.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id               TEXT PRIMARY KEY,
			repo             TEXT NOT NULL,
			repo_slug        TEXT NOT NULL DEFAULT '',
			branch           TEXT NOT NULL DEFAULT '',
			status           TEXT NOT NULL DEFAULT 'active',
			compute_handle   TEXT NOT NULL DEFAULT '',
			pr_number        INTEGER NOT NULL DEFAULT 0,
			created_at       INTEGER NOT NULL,
			last_activity_at INTEGER NOT NULL,
			record           TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_repo_branch
			ON sessions(repo, branch);

		CREATE INDEX IF NOT EXISTS idx_sessions_pr
			ON sessions(repo_slug, pr_number);

		CREATE TABLE IF NOT EXISTS session_events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			type       TEXT NOT NULL,
			data       TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT (datetime('now')),
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		);

		CREATE INDEX IF NOT EXISTS idx_events_session_id
			ON session_events(session_id);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts a new session.
func (s *Store) Create(ctx context.Context, sess *model.Session) error {
	if sess.ID == "" {
		return fmt.Errorf("session has no id")
	}
	now := s.now().UTC()
	if sess.Lifecycle.CreatedAt.IsZero() {
		sess.Lifecycle.CreatedAt = now
	}
	if sess.Lifecycle.LastActivityAt.IsZero() {
		sess.Lifecycle.LastActivityAt = now
	}
	if sess.Lifecycle.Status == "" {
		sess.Lifecycle.Status = model.StatusActive
	}
	record, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, repo, repo_slug, branch, status, compute_handle, pr_number,
		                       created_at, last_activity_at, record)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Repo, model.RepoSlug(sess.Repo), sess.Branch, sess.Lifecycle.Status,
		computeHandle(sess), prNumber(sess),
		sess.Lifecycle.CreatedAt.UnixNano(), sess.Lifecycle.LastActivityAt.UnixNano(), string(record),
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// Load retrieves a session by ID.
func (s *Store) Load(ctx context.Context, id string) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT record FROM sessions WHERE id = ?`, id)
	return scanSession(row, id)
}

// Mutate applies fn to the stored session inside an immediate transaction.
// Mutations of one session are serialized in-process by a per-ID lock and
// across processes by SQLite's write lock.
func (s *Store) Mutate(ctx context.Context, id string, fn store.MutateFunc) (*model.Session, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	sess, err := scanSession(conn.QueryRowContext(ctx, `SELECT record FROM sessions WHERE id = ?`, id), id)
	if err != nil {
		return nil, err
	}
	prevActivity := sess.Lifecycle.LastActivityAt

	if err := fn(sess); err != nil {
		return nil, err
	}
	sess.ID = id

	now := s.now().UTC()
	if now.After(prevActivity) {
		sess.Lifecycle.LastActivityAt = now
	} else {
		sess.Lifecycle.LastActivityAt = prevActivity
	}

	record, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("encoding session: %w", err)
	}
	_, err = conn.ExecContext(ctx,
		`UPDATE sessions SET
			branch = ?, status = ?, compute_handle = ?, pr_number = ?,
			last_activity_at = ?, record = ?
		 WHERE id = ?`,
		sess.Branch, sess.Lifecycle.Status, computeHandle(sess), prNumber(sess),
		sess.Lifecycle.LastActivityAt.UnixNano(), string(record), id,
	)
	if err != nil {
		return nil, fmt.Errorf("updating session: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return nil, fmt.Errorf("committing session: %w", err)
	}
	committed = true
	return sess, nil
}

// List returns sessions matching the filter, newest first.
func (s *Store) List(ctx context.Context, f store.Filter) ([]*model.Session, error) {
	query := `SELECT id, record FROM sessions WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Repo != "" {
		query += ` AND repo = ?`
		args = append(args, f.Repo)
	}
	if f.Branch != "" {
		query += ` AND branch = ?`
		args = append(args, f.Branch)
	}
	if f.HasCompute != nil {
		if *f.HasCompute {
			query += ` AND compute_handle != ''`
		} else {
			query += ` AND compute_handle = ''`
		}
	}
	if !f.IdleBefore.IsZero() {
		query += ` AND last_activity_at < ?`
		args = append(args, f.IdleBefore.UnixNano())
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		var id, record string
		if err := rows.Scan(&id, &record); err != nil {
			return nil, err
		}
		sess, err := decode(record)
		if err != nil {
			return nil, fmt.Errorf("decoding session %s: %w", id, err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// FindByPR retrieves the newest session that opened the given PR.
func (s *Store) FindByPR(ctx context.Context, repo string, number int) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT record FROM sessions
		 WHERE repo_slug = ? AND pr_number = ?
		 ORDER BY created_at DESC
		 LIMIT 1`, model.RepoSlug(repo), number,
	)
	return scanSession(row, fmt.Sprintf("%s#%d", repo, number))
}

// AddEvent inserts a new event and sets its ID.
func (s *Store) AddEvent(ctx context.Context, event *model.Event) error {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO session_events (session_id, type, data, created_at)
		 VALUES (?, ?, ?, ?)`,
		event.SessionID, event.Type, event.Data, event.CreatedAt,
	)
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	event.ID = id
	return nil
}

// GetEvents returns events for a session, optionally after a given event ID.
func (s *Store) GetEvents(ctx context.Context, sessionID string, afterID int64) ([]*model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, type, data, created_at
		 FROM session_events
		 WHERE session_id = ? AND id > ?
		 ORDER BY id ASC`,
		sessionID, afterID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*model.Event
	for rows.Next() {
		e := &model.Event{}
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &e.Data, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Scan helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable, id string) (*model.Session, error) {
	var record string
	if err := row.Scan(&record); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &store.NotFoundError{ID: id}
		}
		return nil, err
	}
	return decode(record)
}

func decode(record string) (*model.Session, error) {
	var sess model.Session
	if err := json.Unmarshal([]byte(record), &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func computeHandle(sess *model.Session) string {
	if sess.ComputeRef == nil {
		return ""
	}
	return sess.ComputeRef.Handle
}

func prNumber(sess *model.Session) int {
	if sess.PRRef == nil {
		return 0
	}
	return sess.PRRef.Number
}
