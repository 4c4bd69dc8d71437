package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/agentdesk/internal/protocol"
	"github.com/ent0n29/agentdesk/internal/reliability"
)

type RemoteConfig struct {
	BaseURL   string
	EventsURL string
	// RequestTimeout bounds each HTTP call.
	RequestTimeout time.Duration
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	// OnConnection is called with true after the event stream connects and
	// with false when it drops.
	OnConnection func(connected bool)
}

// Remote drives an engine that runs in another process: commands go over
// HTTP and events come back over a WebSocket.
type Remote struct {
	baseURL   string
	eventsURL string
	client    *http.Client
	dialer    websocket.Dialer
	pub       Publisher
	logger    *zap.Logger
	cfg       RemoteConfig
}

func NewRemote(cfg RemoteConfig, pub Publisher, logger *zap.Logger) (*Remote, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("engine base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse engine url: %w", err)
	}
	events := strings.TrimSpace(cfg.EventsURL)
	if events == "" {
		events = deriveEventsURL(base)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 250 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Remote{
		baseURL:   base,
		eventsURL: events,
		client:    &http.Client{Timeout: cfg.RequestTimeout},
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 4 * time.Second,
		},
		pub:    pub,
		logger: logger.With(zap.String("component", "remote_engine")),
		cfg:    cfg,
	}, nil
}

func deriveEventsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/v1/events"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/v1/events"
	default:
		return base + "/v1/events"
	}
}

type commandRequest struct {
	SessionID string               `json:"session_id"`
	Kind      protocol.CommandKind `json:"kind"`
	Content   string               `json:"content,omitempty"`
}

type commandResponse struct {
	TaskID string `json:"task_id"`
}

func (r *Remote) SubmitCommand(ctx context.Context, sessionID string, cmd protocol.Command) (string, error) {
	if err := cmd.Validate(); err != nil {
		return "", err
	}
	var out commandResponse
	err := r.post(ctx, "/v1/commands", commandRequest{
		SessionID: sessionID,
		Kind:      cmd.Kind,
		Content:   cmd.Content,
	}, &out, false)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out.TaskID) == "" {
		return "", errors.New("engine returned an empty task id")
	}
	return out.TaskID, nil
}

func (r *Remote) SubmitCancel(ctx context.Context, taskID string) error {
	err := r.post(ctx, "/v1/tasks/"+url.PathEscape(taskID)+"/cancel", nil, nil, true)
	if isStatus(err, http.StatusNotFound) {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return err
}

func (r *Remote) SubmitToolDecision(ctx context.Context, requestID string, decision protocol.Decision) error {
	err := r.post(ctx, "/v1/tool-calls/"+url.PathEscape(requestID)+"/decision",
		map[string]string{"decision": string(decision)}, nil, true)
	if isStatus(err, http.StatusNotFound) {
		return fmt.Errorf("%w: %s", ErrRequestNotFound, requestID)
	}
	return err
}

// StatusError is a non-2xx engine response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("engine http status %d: %s", e.Status, e.Body)
}

func isStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == code
}

// post sends body as JSON. Idempotent calls are retried on retryable
// statuses.
func (r *Remote) post(ctx context.Context, path string, body any, out any, idempotent bool) error {
	payload := []byte("{}")
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		payload = b
	}

	attempts := 1
	if idempotent {
		attempts = 3
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, r.cfg.BackoffBase, r.cfg.BackoffCap)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		lastErr = r.doPost(ctx, path, payload, out)
		var se *StatusError
		if lastErr == nil || !errors.As(lastErr, &se) || !reliability.IsRetryableHTTPStatus(se.Status) {
			return lastErr
		}
	}
	return lastErr
}

func (r *Remote) doPost(ctx context.Context, path string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return &StatusError{Status: res.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Run keeps the event stream connected until ctx is done or the engine
// closes the stream normally.
func (r *Remote) Run(ctx context.Context) error {
	attempt := 0
	for {
		connected, err := r.stream(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			attempt = 0
		}
		if !reliability.ShouldReconnect(err) {
			r.logger.Info("engine event stream closed", zap.Error(err))
			return nil
		}
		wait := reliability.ExponentialBackoff(attempt, r.cfg.BackoffBase, r.cfg.BackoffCap)
		attempt++
		r.logger.Warn("engine event stream disconnected",
			zap.Error(err),
			zap.Duration("retry_in", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (r *Remote) stream(ctx context.Context) (bool, error) {
	conn, resp, err := r.dialer.DialContext(ctx, r.eventsURL, nil)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("engine events dial failed (%s): %w", resp.Status, err)
		}
		return false, fmt.Errorf("engine events dial failed: %w", err)
	}
	r.setConnected(true)
	defer r.setConnected(false)

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	r.logger.Info("engine event stream connected", zap.String("url", r.eventsURL))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		var raw protocol.RawEvent
		if err := json.Unmarshal(data, &raw); err != nil {
			r.logger.Warn("dropping malformed engine frame", zap.Error(err))
			continue
		}
		if r.pub != nil {
			r.pub.Publish(raw)
		}
	}
}

func (r *Remote) setConnected(v bool) {
	if r.cfg.OnConnection != nil {
		r.cfg.OnConnection(v)
	}
}
