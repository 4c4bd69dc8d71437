package engine

import (
	"context"
	"sync"

	"github.com/ent0n29/agentdesk/internal/protocol"
)

// Handle is a Backend that is either unready or ready. Calls made while it is
// unready fail with ErrBackendUnready.
type Handle struct {
	mu      sync.RWMutex
	backend Backend
}

func NewHandle() *Handle {
	return &Handle{}
}

func (h *Handle) Attach(b Backend) {
	h.mu.Lock()
	h.backend = b
	h.mu.Unlock()
}

func (h *Handle) Detach() {
	h.mu.Lock()
	h.backend = nil
	h.mu.Unlock()
}

func (h *Handle) Ready() bool {
	_, err := h.current()
	return err == nil
}

func (h *Handle) current() (Backend, error) {
	if h == nil {
		return nil, ErrBackendUnready
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.backend == nil {
		return nil, ErrBackendUnready
	}
	return h.backend, nil
}

func (h *Handle) SubmitCommand(ctx context.Context, sessionID string, cmd protocol.Command) (string, error) {
	b, err := h.current()
	if err != nil {
		return "", err
	}
	return b.SubmitCommand(ctx, sessionID, cmd)
}

func (h *Handle) SubmitCancel(ctx context.Context, taskID string) error {
	b, err := h.current()
	if err != nil {
		return err
	}
	return b.SubmitCancel(ctx, taskID)
}

func (h *Handle) SubmitToolDecision(ctx context.Context, requestID string, decision protocol.Decision) error {
	b, err := h.current()
	if err != nil {
		return err
	}
	return b.SubmitToolDecision(ctx, requestID, decision)
}
