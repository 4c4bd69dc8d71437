package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/agentdesk/internal/session"
)

const logCeiling = 1000

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(r, 100, logCeiling)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
		return
	}
	logs, err := s.store.ListLogs(r.Context(), limit)
	if err != nil {
		s.logger.Error("list logs failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if logs == nil {
		logs = []session.LogEntry{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

// handleExportReport serves the latest report as a markdown attachment and
// records the export in the diagnostic log.
func (s *Server) handleExportReport(w http.ResponseWriter, r *http.Request) {
	id := pathID(r, "id")
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		respondControllerError(w, err)
		return
	}
	report, err := session.LatestReport(r.Context(), s.store, id)
	if err != nil {
		if errors.Is(err, session.ErrReportNotFound) {
			respondError(w, http.StatusNotFound, "report_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}

	var b strings.Builder
	title := sess.Title
	if title == "" {
		title = "Report"
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "_Generated %s_\n\n", report.CreatedAt.UTC().Format("2006-01-02 15:04 MST"))
	b.WriteString(strings.TrimSpace(report.Content))
	b.WriteString("\n")

	if _, err := s.store.AppendLog(r.Context(), session.LogInfo, "report exported", id); err != nil {
		s.logger.Warn("failed to record report export", zap.String("session_id", id), zap.Error(err))
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="report-%s.md"`, id))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(b.String()))
}
