package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ent0n29/agentdesk/internal/config"
	"github.com/ent0n29/agentdesk/internal/engine"
	"github.com/ent0n29/agentdesk/internal/observability"
	"github.com/ent0n29/agentdesk/internal/orchestrator"
	"github.com/ent0n29/agentdesk/internal/protocol"
	"github.com/ent0n29/agentdesk/internal/session"
)

// Controller is the orchestrator surface the API drives.
type Controller interface {
	StartTask(ctx context.Context, sessionID string, cmd protocol.Command) (string, error)
	Cancel(ctx context.Context, taskID string) error
	Resolve(ctx context.Context, requestID string, decision protocol.Decision) error
	SelectSession(ctx context.Context, sessionID string) error
	CreateSession(ctx context.Context, scenario, title string) (session.Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
	Snapshot() orchestrator.State
	Observe() (<-chan orchestrator.State, func())
	Events(limit int) []orchestrator.LoggedEvent
}

// Readiness reports whether commands can currently reach an engine.
type Readiness interface {
	Ready() bool
}

type Deps struct {
	Controller Controller
	Store      session.Store
	StoreKind  string
	Backend    Readiness
	Metrics    *observability.Metrics
	Gatherer   prometheus.Gatherer
	Logger     *zap.Logger
}

type Server struct {
	cfg       config.Config
	ctrl      Controller
	store     session.Store
	storeKind string
	backend   Readiness
	metrics   *observability.Metrics
	gatherer  prometheus.Gatherer
	logger    *zap.Logger
	upgrader  websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:       cfg,
		ctrl:      deps.Controller,
		store:     deps.Store,
		storeKind: deps.StoreKind,
		backend:   deps.Backend,
		metrics:   deps.Metrics,
		gatherer:  deps.Gatherer,
		logger:    logger.With(zap.String("component", "httpapi")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only attach from the same origin unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler(s.gatherer).ServeHTTP(w, r)
	})

	r.Get("/v1/sessions", s.handleListSessions)
	r.Post("/v1/sessions", s.handleCreateSession)
	r.Post("/v1/sessions/{id}/select", s.handleSelectSession)
	r.Delete("/v1/sessions/{id}", s.handleDeleteSession)
	r.Get("/v1/sessions/{id}/messages", s.handleListMessages)
	r.Get("/v1/sessions/{id}/report", s.handleGetReport)
	r.Get("/v1/sessions/{id}/report.md", s.handleExportReport)
	r.Post("/v1/sessions/{id}/report/regenerate", s.handleRegenerateReport)

	r.Post("/v1/tasks", s.handleStartTask)
	r.Post("/v1/tasks/{id}/cancel", s.handleCancelTask)
	r.Post("/v1/approvals/{id}", s.handleResolveApproval)

	r.Get("/v1/state", s.handleState)
	r.Get("/v1/state/ws", s.handleStateWS)
	r.Get("/v1/events", s.handleListEvents)
	r.Get("/v1/stats/tasks", s.handleTaskStats)
	r.Get("/v1/logs", s.handleListLogs)

	r.Get("/v1/settings", s.handleSettings)
	r.Get("/v1/tools/{name}/permission", s.handleGetToolPermission)
	r.Put("/v1/tools/{name}/permission", s.handleSetToolPermission)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"engine_mode": s.cfg.EngineMode,
		"store_mode":  s.storeMode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	ready := s.backend != nil && s.backend.Ready()
	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]any{
		"status":        status,
		"backend_ready": ready,
		"store_mode":    s.storeMode(),
	})
}

func (s *Server) storeMode() string {
	if strings.TrimSpace(s.storeKind) == "" {
		return "unknown"
	}
	return s.storeKind
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondControllerError maps orchestrator, engine and store errors to HTTP
// statuses.
func respondControllerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrSessionNotSelected):
		respondError(w, http.StatusConflict, "session_not_selected", err.Error())
	case errors.Is(err, orchestrator.ErrTaskAlreadyRunning):
		respondError(w, http.StatusConflict, "task_already_running", err.Error())
	case errors.Is(err, engine.ErrBackendUnready):
		respondError(w, http.StatusServiceUnavailable, "backend_unready", err.Error())
	case errors.Is(err, orchestrator.ErrStopped):
		respondError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	case errors.Is(err, session.ErrNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, engine.ErrTaskNotFound):
		respondError(w, http.StatusNotFound, "task_not_found", err.Error())
	case errors.Is(err, engine.ErrRequestNotFound):
		respondError(w, http.StatusNotFound, "request_not_found", err.Error())
	case errors.Is(err, protocol.ErrInvalidCommand), errors.Is(err, protocol.ErrInvalidDecision):
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, "timeout", err.Error())
	default:
		respondError(w, http.StatusBadGateway, "backend_error", err.Error())
	}
}

func pathID(r *http.Request, name string) string {
	return strings.TrimSpace(chi.URLParam(r, name))
}

// parseLimit reads ?limit= as a positive integer capped at ceiling.
func parseLimit(r *http.Request, fallback, ceiling int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return fallback, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	if n > ceiling {
		n = ceiling
	}
	return n, true
}
