package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func storesForTest(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "agentdesk.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Store{
		"memory": NewInMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestStoreSessionLifecycle(t *testing.T) {
	for name, store := range storesForTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sess, err := store.CreateSession(ctx, "", "  Unpaid wages  ")
			if err != nil {
				t.Fatalf("CreateSession() error = %v", err)
			}
			if sess.Scenario != DefaultScenario {
				t.Fatalf("Scenario = %q, want %q", sess.Scenario, DefaultScenario)
			}
			if sess.Title != "Unpaid wages" {
				t.Fatalf("Title = %q, want trimmed title", sess.Title)
			}
			if sess.Status != StatusActive {
				t.Fatalf("Status = %q, want active", sess.Status)
			}

			got, err := store.GetSession(ctx, sess.ID)
			if err != nil {
				t.Fatalf("GetSession() error = %v", err)
			}
			if got.ID != sess.ID || got.Title != sess.Title {
				t.Fatalf("GetSession() = %+v, want %+v", got, sess)
			}

			if err := store.UpdateSessionTitle(ctx, sess.ID, "Renamed"); err != nil {
				t.Fatalf("UpdateSessionTitle() error = %v", err)
			}
			got, _ = store.GetSession(ctx, sess.ID)
			if got.Title != "Renamed" {
				t.Fatalf("Title after update = %q", got.Title)
			}

			if err := store.DeleteSession(ctx, sess.ID); err != nil {
				t.Fatalf("DeleteSession() error = %v", err)
			}
			if _, err := store.GetSession(ctx, sess.ID); !errors.Is(err, ErrNotFound) {
				t.Fatalf("GetSession() after delete error = %v, want ErrNotFound", err)
			}
			if err := store.DeleteSession(ctx, sess.ID); !errors.Is(err, ErrNotFound) {
				t.Fatalf("second DeleteSession() error = %v, want ErrNotFound", err)
			}
			if err := store.UpdateSessionTitle(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("UpdateSessionTitle(missing) error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStoreMessagesChronologicalAndCascade(t *testing.T) {
	for name, store := range storesForTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sess, err := store.CreateSession(ctx, "labor", "")
			if err != nil {
				t.Fatalf("CreateSession() error = %v", err)
			}

			same := time.Now().UTC()
			contents := []string{"first", "second", "third"}
			for _, c := range contents {
				if _, err := store.AppendMessage(ctx, Message{SessionID: sess.ID, Role: RoleUser, Content: c, CreatedAt: same}); err != nil {
					t.Fatalf("AppendMessage(%q) error = %v", c, err)
				}
			}

			msgs, err := store.Messages(ctx, sess.ID)
			if err != nil {
				t.Fatalf("Messages() error = %v", err)
			}
			if len(msgs) != len(contents) {
				t.Fatalf("len(Messages()) = %d, want %d", len(msgs), len(contents))
			}
			for i, m := range msgs {
				if m.Content != contents[i] {
					t.Fatalf("Messages()[%d] = %q, want %q", i, m.Content, contents[i])
				}
				if m.ID == "" {
					t.Fatalf("Messages()[%d] has empty id", i)
				}
			}

			if _, err := store.AppendMessage(ctx, Message{SessionID: "missing", Role: RoleUser, Content: "x"}); !errors.Is(err, ErrNotFound) {
				t.Fatalf("AppendMessage(missing) error = %v, want ErrNotFound", err)
			}

			if err := store.DeleteSession(ctx, sess.ID); err != nil {
				t.Fatalf("DeleteSession() error = %v", err)
			}
			if _, err := store.Messages(ctx, sess.ID); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Messages() after delete error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStoreListSessionsNewestFirst(t *testing.T) {
	for name, store := range storesForTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			older, _ := store.CreateSession(ctx, "", "older")
			newer, _ := store.CreateSession(ctx, "", "newer")
			if _, err := store.AppendMessage(ctx, Message{
				SessionID: older.ID,
				Role:      RoleUser,
				Content:   "bump",
				CreatedAt: time.Now().UTC().Add(time.Hour),
			}); err != nil {
				t.Fatalf("AppendMessage() error = %v", err)
			}

			list, err := store.ListSessions(ctx)
			if err != nil {
				t.Fatalf("ListSessions() error = %v", err)
			}
			if len(list) != 2 {
				t.Fatalf("len(ListSessions()) = %d, want 2", len(list))
			}
			if list[0].ID != older.ID || list[1].ID != newer.ID {
				t.Fatalf("ListSessions() order = [%s %s], want most recently updated first", list[0].Title, list[1].Title)
			}
		})
	}
}

func TestStoreSettingsAndToolPermissions(t *testing.T) {
	for name, store := range storesForTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, ok, err := store.Setting(ctx, "theme"); err != nil || ok {
				t.Fatalf("Setting(unset) = ok:%v err:%v, want missing", ok, err)
			}
			if err := store.SetSetting(ctx, "theme", "dark"); err != nil {
				t.Fatalf("SetSetting() error = %v", err)
			}
			if err := store.SetSetting(ctx, "theme", "light"); err != nil {
				t.Fatalf("SetSetting() overwrite error = %v", err)
			}
			if v, ok, _ := store.Setting(ctx, "theme"); !ok || v != "light" {
				t.Fatalf("Setting() = %q,%v want light,true", v, ok)
			}

			if _, ok, _ := store.ToolPermission(ctx, "search_law"); ok {
				t.Fatalf("ToolPermission(unset) ok = true")
			}
			if err := store.SetToolPermission(ctx, "search_law", "allow"); err != nil {
				t.Fatalf("SetToolPermission() error = %v", err)
			}
			if v, ok, _ := store.ToolPermission(ctx, "search_law"); !ok || v != "allow" {
				t.Fatalf("ToolPermission() = %q,%v want allow,true", v, ok)
			}
		})
	}
}

func TestLatestReportPicksNewestReviewMessage(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	sess, _ := store.CreateSession(ctx, "", "")

	if _, err := LatestReport(ctx, store, sess.ID); !errors.Is(err, ErrReportNotFound) {
		t.Fatalf("LatestReport(empty) error = %v, want ErrReportNotFound", err)
	}

	for _, m := range []Message{
		{Role: RoleAssistant, Phase: PhaseReview, Content: "report v1"},
		{Role: RoleUser, Content: "please redo"},
		{Role: RoleAssistant, Phase: PhaseReview, Content: "report v2"},
		{Role: RoleAssistant, Phase: PhaseDraft, Content: "draft"},
	} {
		m.SessionID = sess.ID
		if _, err := store.AppendMessage(ctx, m); err != nil {
			t.Fatalf("AppendMessage() error = %v", err)
		}
	}

	report, err := LatestReport(ctx, store, sess.ID)
	if err != nil {
		t.Fatalf("LatestReport() error = %v", err)
	}
	if report.Content != "report v2" {
		t.Fatalf("LatestReport() = %q, want report v2", report.Content)
	}
}

func TestNewStoreFallsBackToMemory(t *testing.T) {
	store, kind, err := NewStore(context.Background(), "  ", "")
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if kind != "in-memory" {
		t.Fatalf("NewStore() kind = %q, want in-memory", kind)
	}
	if _, ok := store.(*InMemoryStore); !ok {
		t.Fatalf("NewStore() = %T, want *InMemoryStore", store)
	}
}

func TestStoreLogsNewestFirst(t *testing.T) {
	for name, store := range storesForTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sess, err := store.CreateSession(ctx, "", "")
			if err != nil {
				t.Fatalf("CreateSession() error = %v", err)
			}
			first, err := store.AppendLog(ctx, "info", "task completed", sess.ID)
			if err != nil {
				t.Fatalf("AppendLog() error = %v", err)
			}
			if _, err := store.AppendLog(ctx, "WARNING", "stale event dropped", ""); err != nil {
				t.Fatalf("AppendLog() error = %v", err)
			}
			if _, err := store.AppendLog(ctx, "bogus", "report exported", sess.ID); err != nil {
				t.Fatalf("AppendLog() error = %v", err)
			}

			all, err := store.ListLogs(ctx, 0)
			if err != nil {
				t.Fatalf("ListLogs() error = %v", err)
			}
			if len(all) != 3 {
				t.Fatalf("len(ListLogs(0)) = %d, want 3", len(all))
			}
			if all[0].Message != "report exported" || all[0].Level != LogInfo {
				t.Fatalf("newest = %+v, want report exported at info", all[0])
			}
			if all[1].Level != LogWarn || all[1].SessionID != "" {
				t.Fatalf("middle = %+v, want warn without session", all[1])
			}
			if all[2].ID != first.ID || all[2].SessionID != sess.ID || all[2].CreatedAt.IsZero() {
				t.Fatalf("oldest = %+v, want %+v", all[2], first)
			}

			two, err := store.ListLogs(ctx, 2)
			if err != nil {
				t.Fatalf("ListLogs(2) error = %v", err)
			}
			if len(two) != 2 || two[0].ID != all[0].ID {
				t.Fatalf("ListLogs(2) = %+v", two)
			}

			if err := store.DeleteSession(ctx, sess.ID); err != nil {
				t.Fatalf("DeleteSession() error = %v", err)
			}
			after, _ := store.ListLogs(ctx, 0)
			if len(after) != 3 {
				t.Fatalf("logs after session delete = %d, want 3", len(after))
			}
		})
	}
}
