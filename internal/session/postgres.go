package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists sessions in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			scenario TEXT NOT NULL DEFAULT 'labor',
			status TEXT NOT NULL DEFAULT 'active',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			seq BIGSERIAL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			phase TEXT NOT NULL DEFAULT '',
			tool_calls TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session_seq ON messages (session_id, seq);`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS tool_permissions (
			tool_name TEXT PRIMARY KEY,
			permission TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS logs (
			id BIGSERIAL PRIMARY KEY,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_logs_created ON logs (created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init session schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, scenario, title string) (Session, error) {
	now := time.Now().UTC()
	sess := Session{
		ID:        uuid.NewString(),
		Title:     strings.TrimSpace(title),
		Scenario:  normalizeScenario(scenario),
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, title, scenario, status, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		sess.ID, sess.Title, sess.Scenario, string(sess.Status), sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, title, scenario, status, created_at, updated_at FROM sessions WHERE id=$1`,
		sessionID,
	)
	sess, err := scanPGSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, title, scenario, status, created_at, updated_at FROM sessions ORDER BY updated_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanPGSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) UpdateSessionTitle(ctx context.Context, sessionID, title string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET title=$2, updated_at=$3 WHERE id=$1`,
		sessionID, strings.TrimSpace(title), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update session title: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, sessionID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id=$1`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, msg Message) (Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Message{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `UPDATE sessions SET updated_at=$2 WHERE id=$1`, msg.SessionID, msg.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("touch session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Message{}, ErrNotFound
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO messages (id, session_id, role, content, phase, tool_calls, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, msg.Phase, msg.ToolCalls, msg.CreatedAt,
	)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Message{}, fmt.Errorf("commit tx: %w", err)
	}
	return msg, nil
}

func (s *PostgresStore) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, role, content, phase, tool_calls, created_at
		 FROM messages WHERE session_id=$1 ORDER BY seq ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Phase, &m.ToolCalls, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Setting(ctx context.Context, key string) (string, bool, error) {
	return s.lookup(ctx, `SELECT value FROM settings WHERE key=$1`, key)
}

func (s *PostgresStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO settings (key, value) VALUES ($1,$2)
		 ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}

func (s *PostgresStore) ToolPermission(ctx context.Context, toolName string) (string, bool, error) {
	return s.lookup(ctx, `SELECT permission FROM tool_permissions WHERE tool_name=$1`, toolName)
}

func (s *PostgresStore) SetToolPermission(ctx context.Context, toolName, permission string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tool_permissions (tool_name, permission) VALUES ($1,$2)
		 ON CONFLICT (tool_name) DO UPDATE SET permission=EXCLUDED.permission`,
		toolName, permission,
	)
	if err != nil {
		return fmt.Errorf("set tool permission: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendLog(ctx context.Context, level, message, sessionID string) (LogEntry, error) {
	entry := LogEntry{
		Level:     normalizeLogLevel(level),
		Message:   message,
		SessionID: strings.TrimSpace(sessionID),
		CreatedAt: time.Now().UTC(),
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO logs (level, message, session_id, created_at) VALUES ($1,$2,$3,$4) RETURNING id`,
		entry.Level, entry.Message, entry.SessionID, entry.CreatedAt,
	).Scan(&entry.ID)
	if err != nil {
		return LogEntry{}, fmt.Errorf("append log: %w", err)
	}
	return entry, nil
}

func (s *PostgresStore) ListLogs(ctx context.Context, limit int) ([]LogEntry, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, level, message, session_id, created_at FROM logs ORDER BY id DESC LIMIT $1`,
		limitArg,
	)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	out := make([]LogEntry, 0)
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.ID, &e.Level, &e.Message, &e.SessionID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) lookup(ctx context.Context, query, arg string) (string, bool, error) {
	var v string
	err := s.pool.QueryRow(ctx, query, arg).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup %q: %w", arg, err)
	}
	return v, true, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPGSession(row pgx.Row) (Session, error) {
	var (
		sess   Session
		status string
	)
	if err := row.Scan(&sess.ID, &sess.Title, &sess.Scenario, &status, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return Session{}, err
	}
	sess.Status = Status(status)
	return sess, nil
}
