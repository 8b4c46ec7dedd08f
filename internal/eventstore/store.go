package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-assistant/internal/config"
	_ "modernc.org/sqlite"
)

// Session is one streaming run as seen by the audit timeline.
type Session struct {
	ID         string
	Filename   string
	RemoteAddr string
	State      string
	Total      int
	Delivered  int
	Failed     int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Event is a single protocol event emitted during a session.
type Event struct {
	ID        int64
	SessionID string
	Type      string
	Unit      int
	Payload   []byte
	CreatedAt time.Time
}

// CommandRun records one request to the command endpoint.
type CommandRun struct {
	ID        int64
	Command   string
	Allowed   bool
	Output    string
	Error     string
	CreatedAt time.Time
}

// Store keeps the audit timeline in SQLite. With retention mode "ephemeral"
// every write is dropped and no database is opened.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS stream_sessions (
    session_id TEXT PRIMARY KEY,
    filename TEXT,
    remote_addr TEXT,
    state TEXT NOT NULL,
    total_units INTEGER NOT NULL DEFAULT 0,
    delivered INTEGER NOT NULL DEFAULT 0,
    failed INTEGER NOT NULL DEFAULT 0,
    started_at INTEGER NOT NULL,
    finished_at INTEGER
);
CREATE TABLE IF NOT EXISTS session_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    unit_index INTEGER,
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES stream_sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id, id);
CREATE TABLE IF NOT EXISTS command_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    command TEXT NOT NULL,
    allowed INTEGER NOT NULL,
    output TEXT,
    error TEXT,
    created_at INTEGER NOT NULL
);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Enabled reports whether writes reach a database.
func (s *Store) Enabled() bool {
	return s != nil && s.db != nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BeginSession inserts the session row. Calling it twice for the same ID
// refreshes the filename and state.
func (s *Store) BeginSession(ctx context.Context, sess Session) error {
	if !s.Enabled() {
		return nil
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = s.clock()
	}
	if sess.State == "" {
		sess.State = "connecting"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stream_sessions(session_id, filename, remote_addr, state, started_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET filename=excluded.filename, state=excluded.state`,
		sess.ID, sess.Filename, sess.RemoteAddr, sess.State, sess.StartedAt.UnixMilli())
	return err
}

// FinishSession stores the terminal state and unit counters.
func (s *Store) FinishSession(ctx context.Context, sess Session) error {
	if !s.Enabled() {
		return nil
	}
	if sess.FinishedAt.IsZero() {
		sess.FinishedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE stream_sessions SET filename = ?, state = ?, total_units = ?, delivered = ?, failed = ?, finished_at = ?
		 WHERE session_id = ?`,
		sess.Filename, sess.State, sess.Total, sess.Delivered, sess.Failed, sess.FinishedAt.UnixMilli(), sess.ID)
	return err
}

// GetSession returns the stored session row, or sql.ErrNoRows.
func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	if !s.Enabled() {
		return Session{}, sql.ErrNoRows
	}
	var (
		sess     Session
		started  int64
		finished sql.NullInt64
		filename sql.NullString
		remote   sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, filename, remote_addr, state, total_units, delivered, failed, started_at, finished_at
		 FROM stream_sessions WHERE session_id = ?`, id).
		Scan(&sess.ID, &filename, &remote, &sess.State, &sess.Total, &sess.Delivered, &sess.Failed, &started, &finished)
	if err != nil {
		return Session{}, err
	}
	sess.Filename = filename.String
	sess.RemoteAddr = remote.String
	sess.StartedAt = time.UnixMilli(started).UTC()
	if finished.Valid {
		sess.FinishedAt = time.UnixMilli(finished.Int64).UTC()
	}
	return sess, nil
}

func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if !s.Enabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_events(session_id, event_type, unit_index, payload, created_at)
		 VALUES(?, ?, ?, ?, ?)`,
		evt.SessionID, evt.Type, evt.Unit, evt.Payload, evt.CreatedAt.UnixMilli())
	return err
}

// ListSessionEvents returns up to limit events for a session in emission order.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, event_type, unit_index, payload, created_at
		 FROM session_events WHERE session_id = ? ORDER BY id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created int64
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &e.Unit, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = time.UnixMilli(created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *Store) RecordCommand(ctx context.Context, run CommandRun) error {
	if !s.Enabled() {
		return nil
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO command_runs(command, allowed, output, error, created_at) VALUES(?, ?, ?, ?, ?)`,
		run.Command, run.Allowed, run.Output, run.Error, run.CreatedAt.UnixMilli())
	return err
}

// ListCommands returns the most recent command runs, newest first.
func (s *Store) ListCommands(ctx context.Context, limit int) ([]CommandRun, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, command, allowed, output, error, created_at FROM command_runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []CommandRun
	for rows.Next() {
		var r CommandRun
		var output, errText sql.NullString
		var created int64
		if err := rows.Scan(&r.ID, &r.Command, &r.Allowed, &output, &errText, &created); err != nil {
			return nil, err
		}
		r.Output = output.String
		r.Error = errText.String
		r.CreatedAt = time.UnixMilli(created).UTC()
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Prune applies the configured retention. It runs on open and may be
// scheduled by the caller.
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.Enabled() {
		return nil
	}
	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixMilli()
		if _, err = tx.ExecContext(ctx, `DELETE FROM session_events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM stream_sessions WHERE started_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM command_runs WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM stream_sessions WHERE session_id IN (
			SELECT session_id FROM stream_sessions ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}
