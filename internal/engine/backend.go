// Package engine holds the backend contract the orchestrator drives and two
// implementations: an in-process simulated pipeline and an HTTP/WebSocket
// client for a remote engine.
package engine

import (
	"context"
	"errors"

	"github.com/ent0n29/agentdesk/internal/protocol"
)

var (
	ErrBackendUnready  = errors.New("backend engine is not ready")
	ErrTaskNotFound    = errors.New("task not found")
	ErrRequestNotFound = errors.New("tool call request not found")
)

// Backend accepts commands. Outcomes arrive later as events on the bus, never
// as return values.
type Backend interface {
	SubmitCommand(ctx context.Context, sessionID string, cmd protocol.Command) (string, error)
	SubmitCancel(ctx context.Context, taskID string) error
	SubmitToolDecision(ctx context.Context, requestID string, decision protocol.Decision) error
}

// Publisher receives raw events emitted by an engine.
type Publisher interface {
	Publish(protocol.RawEvent)
}
