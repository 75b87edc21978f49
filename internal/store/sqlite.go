package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"integritywatch/pkg/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
    id          TEXT PRIMARY KEY,
    user_id     TEXT NOT NULL,
    cohort_id   TEXT NOT NULL,
    status      TEXT NOT NULL,
    started_ns  INTEGER NOT NULL,
    data        TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
CREATE INDEX IF NOT EXISTS idx_sessions_cohort ON sessions(cohort_id);

CREATE TABLE IF NOT EXISTS events (
    session_id  TEXT NOT NULL REFERENCES sessions(id),
    id          TEXT NOT NULL,
    seq         INTEGER NOT NULL,
    ts_ns       INTEGER NOT NULL DEFAULT 0,
    kind        TEXT NOT NULL,
    flagged     INTEGER NOT NULL DEFAULT 0,
    data        TEXT NOT NULL,
    PRIMARY KEY (session_id, id)
);

CREATE INDEX IF NOT EXISTS idx_events_seq ON events(session_id, seq);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts_ns);

CREATE TABLE IF NOT EXISTS flags (
    id          TEXT PRIMARY KEY,
    session_id  TEXT NOT NULL REFERENCES sessions(id),
    decision    TEXT NOT NULL DEFAULT '',
    created_ns  INTEGER NOT NULL,
    data        TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_flags_session ON flags(session_id);
CREATE INDEX IF NOT EXISTS idx_flags_pending ON flags(decision);
`

// SQLiteStore persists records in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *models.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, cohort_id, status, started_ns, data)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.CohortID, string(sess.Status), sess.StartedAt.UnixNano(), string(data),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *models.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET status = ?, data = ? WHERE id = ?`,
		string(sess.Status), string(data), sess.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sessionNotFound(sess.ID)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM sessions WHERE id = ?`, id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sessionNotFound(id)
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	var sess models.Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*models.Session, error) {
	var where []string
	var args []interface{}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.CohortID != "" {
		where = append(where, "cohort_id = ?")
		args = append(args, filter.CohortID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	query := `SELECT data FROM sessions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_ns, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		var sess models.Session
		if err := json.Unmarshal([]byte(data), &sess); err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, ev *models.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO events (session_id, id, seq, ts_ns, kind, flagged, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.SessionID, ev.ID, ev.Seq, ev.Timestamp.UnixNano(), string(ev.Kind), boolInt(ev.Flagged), string(data),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MarkFlagged(ctx context.Context, sessionID string, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE events SET flagged = 1 WHERE session_id = ? AND id = ?`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, id := range eventIDs {
		if _, err := stmt.ExecContext(ctx, sessionID, id); err != nil {
			return fmt.Errorf("mark event flagged: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, sessionID string, filter EventFilter) ([]*models.Event, error) {
	query := `SELECT data, flagged FROM events WHERE session_id = ?`
	args := []interface{}{sessionID}
	if filter.Kind != "" {
		query += " AND kind = ?"
		args = append(args, string(filter.Kind))
	}
	if filter.Flagged != nil {
		query += " AND flagged = ?"
		args = append(args, boolInt(*filter.Flagged))
	}
	query += " ORDER BY seq"

	out, err := s.queryEvents(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return filter.apply(out), nil
}

func (s *SQLiteStore) ListUserEvents(ctx context.Context, userID string, filter EventFilter) ([]*models.Event, error) {
	query := `SELECT e.data, e.flagged FROM events e JOIN sessions s ON s.id = e.session_id WHERE s.user_id = ?`
	args := []interface{}{userID}
	if filter.Kind != "" {
		query += " AND e.kind = ?"
		args = append(args, string(filter.Kind))
	}
	if filter.Flagged != nil {
		query += " AND e.flagged = ?"
		args = append(args, boolInt(*filter.Flagged))
	}
	query += " ORDER BY e.ts_ns DESC, e.session_id, e.seq DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	out, err := s.queryEvents(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return filter.newestFirst(out), nil
}

func (s *SQLiteStore) queryEvents(ctx context.Context, query string, args ...interface{}) ([]*models.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []*models.Event
	for rows.Next() {
		var data string
		var flagged int
		if err := rows.Scan(&data, &flagged); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var ev models.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		ev.Flagged = flagged != 0
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PutFlag(ctx context.Context, f *models.Flag) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode flag: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO flags (id, session_id, decision, created_ns, data) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET decision = excluded.decision, data = excluded.data`,
		f.ID, f.SessionID, string(f.Decision), f.CreatedAt.UnixNano(), string(data),
	)
	if err != nil {
		return fmt.Errorf("upsert flag: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetFlag(ctx context.Context, id string) (*models.Flag, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM flags WHERE id = ?`, id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, flagNotFound(id)
		}
		return nil, fmt.Errorf("get flag: %w", err)
	}
	var f models.Flag
	if err := json.Unmarshal([]byte(data), &f); err != nil {
		return nil, fmt.Errorf("decode flag %s: %w", id, err)
	}
	return &f, nil
}

func (s *SQLiteStore) ListFlags(ctx context.Context, sessionID string) ([]*models.Flag, error) {
	return s.queryFlags(ctx, `SELECT data FROM flags WHERE session_id = ? ORDER BY created_ns, id`, sessionID)
}

func (s *SQLiteStore) PendingFlags(ctx context.Context) ([]*models.Flag, error) {
	return s.queryFlags(ctx, `SELECT data FROM flags WHERE decision = '' ORDER BY created_ns, id`)
}

func (s *SQLiteStore) queryFlags(ctx context.Context, query string, args ...interface{}) ([]*models.Flag, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}
	defer rows.Close()

	var out []*models.Flag
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan flag: %w", err)
		}
		var f models.Flag
		if err := json.Unmarshal([]byte(data), &f); err != nil {
			return nil, fmt.Errorf("decode flag: %w", err)
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
