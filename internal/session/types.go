package session

import (
	"context"
	"errors"
	"time"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

const DefaultScenario = "labor"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message phase tags, as written by the engine.
const (
	PhasePlan   = "plan"
	PhaseDraft  = "draft"
	PhaseReview = "review"
)

var ErrNotFound = errors.New("session not found")

type Session struct {
	ID        string    `json:"session_id"`
	Title     string    `json:"title"`
	Scenario  string    `json:"scenario"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Phase     string    `json:"phase,omitempty"`
	ToolCalls string    `json:"tool_calls,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Diagnostic log levels.
const (
	LogInfo  = "info"
	LogWarn  = "warn"
	LogError = "error"
)

// LogEntry is one persisted diagnostic record. Entries outlive the session
// they mention.
type LogEntry struct {
	ID        int64     `json:"id"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	SessionID string    `json:"session_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists sessions, their messages, key/value settings, tool
// permissions and the diagnostic log. Messages are returned in chronological order.
type Store interface {
	CreateSession(ctx context.Context, scenario, title string) (Session, error)
	GetSession(ctx context.Context, sessionID string) (Session, error)
	ListSessions(ctx context.Context) ([]Session, error)
	UpdateSessionTitle(ctx context.Context, sessionID, title string) error
	DeleteSession(ctx context.Context, sessionID string) error

	AppendMessage(ctx context.Context, msg Message) (Message, error)
	Messages(ctx context.Context, sessionID string) ([]Message, error)

	Setting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error

	ToolPermission(ctx context.Context, toolName string) (string, bool, error)
	SetToolPermission(ctx context.Context, toolName, permission string) error

	// AppendLog records a diagnostic entry; ListLogs returns the newest
	// limit entries, newest first.
	AppendLog(ctx context.Context, level, message, sessionID string) (LogEntry, error)
	ListLogs(ctx context.Context, limit int) ([]LogEntry, error)

	Close() error
}
