package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

type migration struct {
	version int
	upSQL   string
}

var sqliteMigrations = []migration{
	{
		version: 1,
		upSQL: `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	scenario TEXT NOT NULL DEFAULT 'labor',
	status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active','archived')),
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	phase TEXT NOT NULL DEFAULT '',
	tool_calls TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	seq INTEGER NOT NULL,
	FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS messages_session_seq ON messages(session_id, seq);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tool_permissions (
	tool_name TEXT PRIMARY KEY,
	permission TEXT NOT NULL CHECK(permission IN ('allow','ask','deny'))
);
`,
	},
	{
		version: 2,
		upSQL: `
CREATE TABLE IF NOT EXISTS logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	level TEXT NOT NULL,
	message TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS logs_created ON logs(created_at);
`,
	},
}

// SQLiteStore keeps sessions in a single local database file.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func applyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	for _, m := range sqliteMigrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.version).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, m.upSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) CreateSession(ctx context.Context, scenario, title string) (Session, error) {
	now := time.Now().UTC()
	sess := Session{
		ID:        uuid.NewString(),
		Title:     strings.TrimSpace(title),
		Scenario:  normalizeScenario(scenario),
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(id, title, scenario, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
`, sess.ID, sess.Title, sess.Scenario, string(sess.Status), ts(now), ts(now))
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, title, scenario, status, created_at, updated_at FROM sessions WHERE id = ?
`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, title, scenario, status, created_at, updated_at FROM sessions ORDER BY updated_at DESC
`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) UpdateSessionTitle(ctx context.Context, sessionID, title string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?`,
		strings.TrimSpace(title), ts(time.Now()), sessionID)
	if err != nil {
		return fmt.Errorf("update session title: %w", err)
	}
	return requireAffected(res)
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return requireAffected(res)
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg Message) (Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("begin append message: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, ts(msg.CreatedAt), msg.SessionID)
	if err != nil {
		return Message{}, fmt.Errorf("touch session: %w", err)
	}
	if err := requireAffected(res); err != nil {
		return Message{}, err
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO messages(id, session_id, role, content, phase, tool_calls, created_at, seq)
VALUES (?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = ?))
`, msg.ID, msg.SessionID, msg.Role, msg.Content, msg.Phase, msg.ToolCalls, ts(msg.CreatedAt), msg.SessionID)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit message: %w", err)
	}
	return msg, nil
}

func (s *SQLiteStore) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, role, content, phase, tool_calls, created_at
FROM messages WHERE session_id = ? ORDER BY seq ASC
`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	out := make([]Message, 0)
	for rows.Next() {
		var (
			m       Message
			created string
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Phase, &m.ToolCalls, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if m.CreatedAt, err = parseTS(created); err != nil {
			return nil, fmt.Errorf("parse message created_at: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Setting(ctx context.Context, key string) (string, bool, error) {
	return s.lookup(ctx, `SELECT value FROM settings WHERE key = ?`, key)
}

func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO settings(key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value
`, key, value)
	if err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ToolPermission(ctx context.Context, toolName string) (string, bool, error) {
	return s.lookup(ctx, `SELECT permission FROM tool_permissions WHERE tool_name = ?`, toolName)
}

func (s *SQLiteStore) SetToolPermission(ctx context.Context, toolName, permission string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO tool_permissions(tool_name, permission) VALUES (?, ?)
ON CONFLICT(tool_name) DO UPDATE SET permission=excluded.permission
`, toolName, permission)
	if err != nil {
		return fmt.Errorf("set tool permission: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendLog(ctx context.Context, level, message, sessionID string) (LogEntry, error) {
	entry := LogEntry{
		Level:     normalizeLogLevel(level),
		Message:   message,
		SessionID: strings.TrimSpace(sessionID),
		CreatedAt: time.Now().UTC(),
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO logs(level, message, session_id, created_at) VALUES (?, ?, ?, ?)
`, entry.Level, entry.Message, entry.SessionID, ts(entry.CreatedAt))
	if err != nil {
		return LogEntry{}, fmt.Errorf("append log: %w", err)
	}
	if entry.ID, err = res.LastInsertId(); err != nil {
		return LogEntry{}, fmt.Errorf("log id: %w", err)
	}
	return entry, nil
}

func (s *SQLiteStore) ListLogs(ctx context.Context, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, level, message, session_id, created_at FROM logs ORDER BY id DESC LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	out := make([]LogEntry, 0)
	for rows.Next() {
		var (
			e       LogEntry
			created string
		)
		if err := rows.Scan(&e.ID, &e.Level, &e.Message, &e.SessionID, &created); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		if e.CreatedAt, err = parseTS(created); err != nil {
			return nil, fmt.Errorf("parse log created_at: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate logs: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) lookup(ctx context.Context, query, arg string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup %q: %w", arg, err)
	}
	return v, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var (
		sess             Session
		status           string
		created, updated string
	)
	if err := row.Scan(&sess.ID, &sess.Title, &sess.Scenario, &status, &created, &updated); err != nil {
		return Session{}, err
	}
	sess.Status = Status(status)
	var err error
	if sess.CreatedAt, err = parseTS(created); err != nil {
		return Session{}, err
	}
	if sess.UpdatedAt, err = parseTS(updated); err != nil {
		return Session{}, err
	}
	return sess, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
