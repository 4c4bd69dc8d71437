package session

import (
	"context"
	"errors"
	"strings"
)

// NewStore picks postgres when a database URL is configured, then SQLite when
// a file path is configured, and falls back to an in-process store.
func NewStore(ctx context.Context, databaseURL, sqlitePath string) (Store, string, error) {
	if strings.TrimSpace(databaseURL) != "" {
		st, err := NewPostgresStore(ctx, databaseURL)
		if err != nil {
			return nil, "", err
		}
		return st, "postgres", nil
	}
	if strings.TrimSpace(sqlitePath) != "" {
		st, err := OpenSQLite(ctx, sqlitePath)
		if err != nil {
			return nil, "", err
		}
		return st, "sqlite", nil
	}
	return NewInMemoryStore(), "in-memory", nil
}

// LatestReport returns the newest assistant message written in the review
// phase.
func LatestReport(ctx context.Context, store Store, sessionID string) (Message, error) {
	msgs, err := store.Messages(ctx, sessionID)
	if err != nil {
		return Message{}, err
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Role == RoleAssistant && m.Phase == PhaseReview {
			return m, nil
		}
	}
	return Message{}, ErrReportNotFound
}

var ErrReportNotFound = errors.New("report not found")

func normalizeScenario(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultScenario
	}
	return s
}

func normalizeLogLevel(level string) string {
	switch l := strings.ToLower(strings.TrimSpace(level)); l {
	case LogWarn, LogError:
		return l
	case "warning":
		return LogWarn
	default:
		return LogInfo
	}
}
