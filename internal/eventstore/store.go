package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loqalabs/lipread/internal/config"
)

// Event types recorded per session.
const (
	TypePrediction = "prediction"
	TypeReset      = "reset"
	TypeSessionEnd = "session_end"
)

// Event is one entry in a session timeline.
type Event struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	TraceID    string    `json:"trace_id,omitempty"`
	Type       string    `json:"type"`
	Text       string    `json:"text,omitempty"`
	Confidence float64   `json:"confidence"`
	Outcome    string    `json:"outcome,omitempty"`
	Mode       string    `json:"mode,omitempty"`
	Buffered   int       `json:"buffered"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store wraps a SQLite-backed prediction history.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
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
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    client TEXT,
    created_at TIMESTAMP NOT NULL,
    ended_at TIMESTAMP,
    end_reason TEXT
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    trace_id TEXT,
    event_type TEXT NOT NULL,
    text TEXT,
    confidence REAL,
    outcome TEXT,
    mode TEXT,
    buffered INTEGER,
    detail TEXT,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// EnsureSession creates the session row if it does not exist yet.
func (s *Store) EnsureSession(ctx context.Context, sessionID, client string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, client, created_at) VALUES(?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET ended_at=NULL, end_reason=NULL`,
		sessionID, client, s.clock().UTC())
	return err
}

// Append writes evt, creating its session row when missing.
func (s *Store) Append(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions(session_id, created_at) VALUES(?, ?)`,
		evt.SessionID, evt.CreatedAt); err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, trace_id, event_type, text, confidence, outcome, mode, buffered, detail, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.SessionID, evt.TraceID, evt.Type, evt.Text, evt.Confidence, evt.Outcome, evt.Mode, evt.Buffered, evt.Detail, evt.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// EndSession marks a session as finished and records why.
func (s *Store) EndSession(ctx context.Context, sessionID, reason string) error {
	if s.disabled() {
		return nil
	}
	now := s.clock().UTC()
	if err := s.Append(ctx, Event{SessionID: sessionID, Type: TypeSessionEnd, Detail: reason, CreatedAt: now}); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, end_reason = ? WHERE session_id = ?`, now, reason, sessionID)
	return err
}

// History retrieves up to limit events for a session ordered ascending by time.
func (s *Store) History(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, trace_id, event_type, text, confidence, outcome, mode, buffered, detail, created_at
		 FROM events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			trace   sql.NullString
			text    sql.NullString
			outcome sql.NullString
			mode    sql.NullString
			detail  sql.NullString
			conf    sql.NullFloat64
			buf     sql.NullInt64
			created string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &trace, &e.Type, &text, &conf, &outcome, &mode, &buf, &detail, &created); err != nil {
			return nil, err
		}
		e.TraceID, e.Text, e.Outcome, e.Mode, e.Detail = trace.String, text.String, outcome.String, mode.String, detail.String
		e.Confidence = conf.Float64
		e.Buffered = int(buf.Int64)
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = ts
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) error {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// RunPruner prunes on every tick until ctx is done.
func (s *Store) RunPruner(ctx context.Context, every time.Duration) {
	if s.disabled() || every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Prune(ctx); err != nil {
				s.log.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.disabled() {
		return nil
	}
	return s.db.PingContext(ctx)
}

// Ensure supplies a no-op store when persistence disabled.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
