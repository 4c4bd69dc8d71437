package httpapi

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ent0n29/agentdesk/internal/policy"
)

type settingsResponse struct {
	EngineMode     string `json:"engine_mode"`
	StoreMode      string `json:"store_mode"`
	BackendReady   bool   `json:"backend_ready"`
	AllowAnyOrigin bool   `json:"allow_any_origin"`
	EventLogLimit  int    `json:"event_log_limit"`
	MaxIterations  int    `json:"max_iterations"`
}

type toolPermissionResponse struct {
	ToolName   string            `json:"tool_name"`
	Permission policy.Permission `json:"permission"`
	Stored     bool              `json:"stored"`
}

type setToolPermissionRequest struct {
	Permission string `json:"permission"`
}

func (s *Server) handleSettings(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, settingsResponse{
		EngineMode:     s.cfg.EngineMode,
		StoreMode:      s.storeMode(),
		BackendReady:   s.backend != nil && s.backend.Ready(),
		AllowAnyOrigin: s.cfg.AllowAnyOrigin,
		EventLogLimit:  s.cfg.EventLogLimit,
		MaxIterations:  s.cfg.EngineMaxIterations,
	})
}

func (s *Server) handleGetToolPermission(w http.ResponseWriter, r *http.Request) {
	tool := pathID(r, "name")
	if tool == "" {
		respondError(w, http.StatusBadRequest, "invalid_tool", "missing tool name")
		return
	}
	stored, ok, err := s.store.ToolPermission(r.Context(), tool)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	decision := policy.ResolveToolPermission(tool, stored, false)
	respondJSON(w, http.StatusOK, toolPermissionResponse{
		ToolName:   tool,
		Permission: decision.Permission,
		Stored:     ok,
	})
}

func (s *Server) handleSetToolPermission(w http.ResponseWriter, r *http.Request) {
	tool := pathID(r, "name")
	if tool == "" {
		respondError(w, http.StatusBadRequest, "invalid_tool", "missing tool name")
		return
	}
	var req setToolPermissionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	perm, err := policy.ParsePermission(req.Permission)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_permission", err.Error())
		return
	}
	if err := s.store.SetToolPermission(r.Context(), tool, string(perm)); err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	s.logger.Info("tool permission updated", zap.String("tool_name", tool), zap.String("permission", string(perm)))
	respondJSON(w, http.StatusOK, toolPermissionResponse{ToolName: tool, Permission: perm, Stored: true})
}
