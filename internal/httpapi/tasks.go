package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ent0n29/agentdesk/internal/protocol"
)

type startTaskRequest struct {
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
}

type startTaskResponse struct {
	TaskID    string `json:"task_id"`
	SessionID string `json:"session_id"`
}

type resolveApprovalRequest struct {
	Decision string `json:"decision"`
}

func (s *Server) handleStartTask(w http.ResponseWriter, r *http.Request) {
	var req startTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.SessionID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "session_id is required")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "content is required")
		return
	}

	taskID, err := s.ctrl.StartTask(r.Context(), req.SessionID, protocol.SendMessage(req.Content))
	if err != nil {
		respondControllerError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, startTaskResponse{TaskID: taskID, SessionID: req.SessionID})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := pathID(r, "id")
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}
	if err := s.ctrl.Cancel(r.Context(), taskID); err != nil {
		respondControllerError(w, err)
		return
	}
	st := s.ctrl.Snapshot()
	respondJSON(w, http.StatusAccepted, map[string]any{
		"task_id":          taskID,
		"cancel_requested": st.TaskID == taskID && st.CancelRequested,
	})
}

func (s *Server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	requestID := pathID(r, "id")
	if requestID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request_id", "missing request id")
		return
	}
	var req resolveApprovalRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	decision, err := protocol.ParseDecision(req.Decision)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_decision", err.Error())
		return
	}
	if err := s.ctrl.Resolve(r.Context(), requestID, decision); err != nil {
		respondControllerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"request_id": requestID,
		"decision":   decision,
	})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	ceiling := s.cfg.EventLogLimit
	if ceiling <= 0 {
		ceiling = 500
	}
	limit, ok := parseLimit(r, min(100, ceiling), ceiling)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"events": s.ctrl.Events(limit),
	})
}
