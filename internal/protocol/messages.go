package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants exchanged with UI clients.
type MessageType string

const (
	TypeClientDecision MessageType = "client_decision"
	TypeClientCancel   MessageType = "client_cancel"
	TypeStateSnapshot  MessageType = "state_snapshot"
	TypeErrorEvent     MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientDecision struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id"`
	Decision  string      `json:"decision"`
}

type ClientCancel struct {
	Type   MessageType `json:"type"`
	TaskID string      `json:"task_id"`
}

// StateSnapshot wraps an orchestrator state document for the UI.
type StateSnapshot struct {
	Type  MessageType `json:"type"`
	State any         `json:"state"`
}

type ErrorEvent struct {
	Type   MessageType `json:"type"`
	Code   string      `json:"code"`
	Detail string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientDecision:
		var msg ClientDecision
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.RequestID == "" || msg.Decision == "" {
			return nil, errors.New("invalid client_decision")
		}
		return msg, nil
	case TypeClientCancel:
		var msg ClientCancel
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.TaskID == "" {
			return nil, errors.New("invalid client_cancel")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
