package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind identifies engine event variants.
type Kind string

const (
	KindAgentPhase       Kind = "agent_phase"
	KindStreamChunk      Kind = "stream_chunk"
	KindIntakeProgress   Kind = "intake_progress"
	KindIntakeDone       Kind = "intake_done"
	KindToolCallRequest  Kind = "tool_call_request"
	KindToolCallResponse Kind = "tool_call_response"
	KindCancelling       Kind = "cancelling"
	KindCompleted        Kind = "completed"
	KindCancelled        Kind = "cancelled"
	KindError            Kind = "error"

	KindReportRegenerating Kind = "report_regenerating"
)

// RawEvent is the engine's wire form: a kind tag, a payload document and a
// unix timestamp in seconds. Payload is usually a JSON object but may be a
// bare string (the engine sends the task id alone for "cancelled").
type RawEvent struct {
	Kind      string `json:"kind"`
	Payload   string `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}

// UnmarshalJSON accepts payload either as a JSON string or as an inline JSON
// value, so frames from remote engines and recorded logs both decode.
func (r *RawEvent) UnmarshalJSON(data []byte) error {
	var frame struct {
		Kind      string          `json:"kind"`
		Payload   json.RawMessage `json:"payload"`
		Timestamp int64           `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	r.Kind = frame.Kind
	r.Timestamp = frame.Timestamp
	r.Payload = ""

	p := bytes.TrimSpace(frame.Payload)
	if len(p) == 0 || bytes.Equal(p, []byte("null")) {
		return nil
	}
	if p[0] == '"' {
		var s string
		if err := json.Unmarshal(p, &s); err != nil {
			return fmt.Errorf("decode payload string: %w", err)
		}
		r.Payload = s
		return nil
	}
	r.Payload = string(p)
	return nil
}

// NewRawEvent encodes payload for the wire. Strings are sent bare; anything
// else is marshalled to JSON.
func NewRawEvent(kind Kind, payload any, at time.Time) RawEvent {
	raw := RawEvent{Kind: string(kind), Timestamp: at.Unix()}
	switch p := payload.(type) {
	case nil:
	case string:
		raw.Payload = p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			raw.Payload = fmt.Sprint(p)
		} else {
			raw.Payload = string(b)
		}
	}
	return raw
}

// Payload is the dynamic key/value document carried by an event.
type Payload map[string]any

func (p Payload) String(key string) string {
	switch v := p[key].(type) {
	case string:
		return v
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}

func (p Payload) Int(key string) (int, bool) {
	switch v := p[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		return n, err == nil
	default:
		return 0, false
	}
}

func (p Payload) Bool(key string) bool {
	switch v := p[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	default:
		return false
	}
}

// Header holds what every event variant shares.
type Header struct {
	Kind      Kind    `json:"kind"`
	TaskID    string  `json:"task_id,omitempty"`
	Timestamp int64   `json:"timestamp"`
	Payload   Payload `json:"payload,omitempty"`
}

// Event is implemented by every variant below and nothing else.
type Event interface {
	Meta() Header
	isEvent()
}

func (h Header) Meta() Header { return h }
func (Header) isEvent()       {}

type AgentPhase struct {
	Header
	Phase string `json:"phase"`
}

type StreamChunk struct {
	Header
	Content string `json:"content"`
}

type IntakeProgress struct {
	Header
	Current  int    `json:"current"`
	Total    int    `json:"total"`
	HasTotal bool   `json:"-"`
	Question string `json:"question,omitempty"`
}

type IntakeDone struct {
	Header
}

type ToolCallRequest struct {
	Header
	RequestID string `json:"request_id"`
	ToolName  string `json:"tool_name"`
	Arguments any    `json:"arguments,omitempty"`
}

type ToolCallResponse struct {
	Header
	RequestID string `json:"request_id"`
	ToolName  string `json:"tool_name,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// Cancelling is the engine's acknowledgement of a cancel request.
type Cancelling struct {
	Header
}

type Completed struct {
	Header
	SessionID string `json:"session_id,omitempty"`
	Report    string `json:"report,omitempty"`
	Message   string `json:"message,omitempty"`
}

type Cancelled struct {
	Header
}

type Failed struct {
	Header
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// ReportRegenerating announces that a report is being rebuilt for a session.
type ReportRegenerating struct {
	Header
	SessionID string `json:"session_id"`
}

// Unrecognized carries any kind this build does not reduce.
type Unrecognized struct {
	Header
	Raw string `json:"raw"`
}

// Terminal reports whether ev ends a task's lifecycle.
func Terminal(ev Event) bool {
	switch ev.(type) {
	case Completed, Cancelled, Failed:
		return true
	default:
		return false
	}
}

// ParseEvent decodes a raw event into its variant. It never fails: payloads
// that are not JSON objects are kept under the "value" key and unknown kinds
// become Unrecognized.
func ParseEvent(raw RawEvent) Event {
	payload := decodePayload(raw.Payload)
	h := Header{
		Kind:      Kind(strings.TrimSpace(raw.Kind)),
		TaskID:    strings.TrimSpace(payload.String("task_id")),
		Timestamp: raw.Timestamp,
		Payload:   payload,
	}

	switch h.Kind {
	case KindAgentPhase:
		return AgentPhase{Header: h, Phase: strings.TrimSpace(payload.String("phase"))}
	case KindStreamChunk:
		return StreamChunk{Header: h, Content: extractText(payload)}
	case KindIntakeProgress:
		current, _ := payload.Int("current")
		total, hasTotal := payload.Int("total")
		return IntakeProgress{
			Header:   h,
			Current:  current,
			Total:    total,
			HasTotal: hasTotal,
			Question: payload.String("question"),
		}
	case KindIntakeDone:
		return IntakeDone{Header: h}
	case KindToolCallRequest:
		return ToolCallRequest{
			Header:    h,
			RequestID: strings.TrimSpace(payload.String("request_id")),
			ToolName:  strings.TrimSpace(payload.String("tool_name")),
			Arguments: payload["arguments"],
		}
	case KindToolCallResponse:
		return ToolCallResponse{
			Header:    h,
			RequestID: strings.TrimSpace(payload.String("request_id")),
			ToolName:  payload.String("tool_name"),
			SessionID: payload.String("session_id"),
		}
	case KindCancelling:
		return Cancelling{Header: h}
	case KindCompleted:
		return Completed{
			Header:    h,
			SessionID: payload.String("session_id"),
			Report:    payload.String("report"),
			Message:   payload.String("message"),
		}
	case KindCancelled:
		if h.TaskID == "" {
			h.TaskID = strings.TrimSpace(payload.String("value"))
		}
		return Cancelled{Header: h}
	case KindError:
		msg := payload.String("message")
		if msg == "" {
			msg = payload.String("value")
		}
		return Failed{Header: h, Message: msg, Retryable: payload.Bool("retryable")}
	case KindReportRegenerating:
		return ReportRegenerating{Header: h, SessionID: strings.TrimSpace(payload.String("session_id"))}
	default:
		return Unrecognized{Header: h, Raw: raw.Payload}
	}
}

func decodePayload(raw string) Payload {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Payload{}
	}
	if strings.HasPrefix(trimmed, "{") {
		var obj map[string]any
		if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
			return Payload(obj)
		}
	}
	return Payload{"value": raw}
}

func extractText(p Payload) string {
	for _, k := range []string{"content", "text", "delta"} {
		if s, ok := p[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
