package httpapi

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ent0n29/agentdesk/internal/protocol"
	"github.com/ent0n29/agentdesk/internal/session"
)

type createSessionRequest struct {
	Scenario string `json:"scenario"`
	Title    string `json:"title"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(r.Context())
	if err != nil {
		s.logger.Error("list sessions failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if sessions == nil {
		sessions = []session.Session{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"selected": s.ctrl.Snapshot().SessionID,
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	sess, err := s.ctrl.CreateSession(r.Context(), req.Scenario, req.Title)
	if err != nil {
		respondControllerError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleSelectSession(w http.ResponseWriter, r *http.Request) {
	id := pathID(r, "id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	if err := s.ctrl.SelectSession(r.Context(), id); err != nil {
		respondControllerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := pathID(r, "id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	if err := s.ctrl.DeleteSession(r.Context(), id); err != nil {
		respondControllerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"deleted":    true,
	})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := pathID(r, "id")
	if _, err := s.store.GetSession(r.Context(), id); err != nil {
		respondControllerError(w, err)
		return
	}
	msgs, err := s.store.Messages(r.Context(), id)
	if err != nil {
		s.logger.Error("list messages failed", zap.String("session_id", id), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if msgs == nil {
		msgs = []session.Message{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"messages":   msgs,
	})
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	id := pathID(r, "id")
	if _, err := s.store.GetSession(r.Context(), id); err != nil {
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
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleRegenerateReport(w http.ResponseWriter, r *http.Request) {
	id := pathID(r, "id")
	taskID, err := s.ctrl.StartTask(r.Context(), id, protocol.RegenerateReport())
	if err != nil {
		respondControllerError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, startTaskResponse{TaskID: taskID, SessionID: id})
}
