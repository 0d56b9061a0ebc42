package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-dialogue/internal/config"
	_ "modernc.org/sqlite"
)

// Transition is one journaled dialogue step.
type Transition struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	Sequence  uint64          `json:"sequence"`
	Event     string          `json:"event,omitempty"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Appointment is a confirmed appointment.
type Appointment struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Person    string    `json:"person"`
	Day       string    `json:"day"`
	WholeDay  bool      `json:"whole_day"`
	Time      string    `json:"time,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store wraps a SQLite-backed dialogue journal.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
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
    created_at INTEGER NOT NULL,
    ended_at INTEGER
);
CREATE TABLE IF NOT EXISTS transitions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    sequence INTEGER NOT NULL,
    event TEXT,
    from_state TEXT,
    to_state TEXT NOT NULL,
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_transitions_session ON transitions(session_id, id);
CREATE TABLE IF NOT EXISTS appointments (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    person TEXT NOT NULL,
    day TEXT NOT NULL,
    whole_day INTEGER NOT NULL,
    time TEXT,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_appointments_session ON appointments(session_id, id);
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

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Healthy reports whether the database answers.
func (s *Store) Healthy(ctx context.Context) bool {
	if s.disabled() {
		return true
	}
	return s.db.PingContext(ctx) == nil
}

// OpenSession ensures a session row exists and clears any previous end mark.
func (s *Store) OpenSession(ctx context.Context, sessionID string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, created_at) VALUES(?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET ended_at=NULL`,
		sessionID, s.clock().UnixNano())
	if err != nil {
		return fmt.Errorf("open session %s: %w", sessionID, err)
	}
	return nil
}

// EndSession closes a session. With session retention its journal is
// dropped; persistent retention keeps it and records the end time.
func (s *Store) EndSession(ctx context.Context, sessionID string) error {
	if s.disabled() {
		return nil
	}
	var err error
	if s.cfg.RetentionMode == "session" {
		_, err = s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	} else {
		_, err = s.db.ExecContext(ctx, `UPDATE sessions SET ended_at = ? WHERE session_id = ?`,
			s.clock().UnixNano(), sessionID)
	}
	if err != nil {
		return fmt.Errorf("end session %s: %w", sessionID, err)
	}
	return nil
}

// AppendTransition journals one dialogue step.
func (s *Store) AppendTransition(ctx context.Context, tr Transition) error {
	if s.disabled() {
		return nil
	}
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transitions(session_id, sequence, event, from_state, to_state, payload, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		tr.SessionID, int64(tr.Sequence), tr.Event, tr.From, tr.To, []byte(tr.Payload), tr.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("append transition: %w", err)
	}
	return nil
}

// RecordAppointment stores a confirmed appointment.
func (s *Store) RecordAppointment(ctx context.Context, appt Appointment) error {
	if s.disabled() {
		return nil
	}
	if appt.CreatedAt.IsZero() {
		appt.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO appointments(session_id, person, day, whole_day, time, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		appt.SessionID, appt.Person, appt.Day, appt.WholeDay, appt.Time, appt.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("record appointment: %w", err)
	}
	return nil
}

// ListTransitions retrieves up to limit transitions for a session in the
// order they were journaled.
func (s *Store) ListTransitions(ctx context.Context, sessionID string, limit int) ([]Transition, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, sequence, event, from_state, to_state, payload, created_at
		 FROM transitions WHERE session_id = ? ORDER BY id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var (
			tr      Transition
			seq     int64
			event   sql.NullString
			from    sql.NullString
			payload []byte
			created int64
		)
		if err := rows.Scan(&tr.ID, &tr.SessionID, &seq, &event, &from, &tr.To, &payload, &created); err != nil {
			return nil, err
		}
		tr.Sequence = uint64(seq)
		tr.Event = event.String
		tr.From = from.String
		if len(payload) > 0 {
			tr.Payload = json.RawMessage(payload)
		}
		tr.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, tr)
	}
	return out, rows.Err()
}

// ListAppointments retrieves appointments for a session, or for every
// session when sessionID is empty.
func (s *Store) ListAppointments(ctx context.Context, sessionID string, limit int) ([]Appointment, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, session_id, person, day, whole_day, time, created_at FROM appointments`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	defer rows.Close()

	var out []Appointment
	for rows.Next() {
		var (
			a       Appointment
			at      sql.NullString
			created int64
		)
		if err := rows.Scan(&a.ID, &a.SessionID, &a.Person, &a.Day, &a.WholeDay, &at, &created); err != nil {
			return nil, err
		}
		a.Time = at.String
		a.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
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
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM transitions WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff); err != nil {
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
	return tx.Commit()
}
