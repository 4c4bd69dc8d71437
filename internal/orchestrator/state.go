package orchestrator

import (
	"time"

	"github.com/ent0n29/agentdesk/internal/session"
)

type Status string

const (
	StatusIdle       Status = "idle"
	StatusRunning    Status = "running"
	StatusCancelling Status = "cancelling"
)

type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseIntaking  Phase = "intaking"
	PhasePlanning  Phase = "planning"
	PhaseDrafting  Phase = "drafting"
	PhaseReviewing Phase = "reviewing"
)

type IntakeProgress struct {
	Current  int    `json:"current"`
	Total    int    `json:"total"`
	Question string `json:"question,omitempty"`
}

type ApprovalRequest struct {
	RequestID        string    `json:"request_id"`
	ToolName         string    `json:"tool_name"`
	ArgumentsPreview string    `json:"arguments_preview"`
	CreatedAt        time.Time `json:"created_at"`
}

// Outcome records how the last foreground task ended.
type Outcome struct {
	Kind    string    `json:"kind"`
	TaskID  string    `json:"task_id"`
	Message string    `json:"message,omitempty"`
	Report  string    `json:"report,omitempty"`
	At      time.Time `json:"at"`
}

// BackgroundTask is the foreground view of a task whose session lost focus.
// Events keep being reduced into it so the task can be re-adopted intact.
type BackgroundTask struct {
	SessionID       string           `json:"session_id"`
	Status          Status           `json:"status"`
	CancelRequested bool             `json:"cancel_requested,omitempty"`
	Phase           Phase            `json:"phase"`
	PhaseText       string           `json:"phase_text,omitempty"`
	Intake          *IntakeProgress  `json:"intake,omitempty"`
	Approval        *ApprovalRequest `json:"approval,omitempty"`
	Stream          string           `json:"stream,omitempty"`
}

func (b BackgroundTask) clone() BackgroundTask {
	if b.Intake != nil {
		v := *b.Intake
		b.Intake = &v
	}
	if b.Approval != nil {
		v := *b.Approval
		b.Approval = &v
	}
	return b
}

// Authorizations remembers approvals that outlive a single tool call.
type Authorizations struct {
	AllowAllSessions map[string]bool `json:"allow_all_sessions,omitempty"`
	AlwaysTools      map[string]bool `json:"always_tools,omitempty"`
}

func (a Authorizations) allows(sessionID, tool string) bool {
	return a.AllowAllSessions[sessionID] || a.AlwaysTools[tool]
}

// State is the client-visible orchestrator state. Snapshots handed to
// observers are deep copies and must be treated as read-only.
type State struct {
	Version         uint64            `json:"version"`
	SessionID       string            `json:"session_id,omitempty"`
	TaskID          string            `json:"task_id,omitempty"`
	Status          Status            `json:"status"`
	CancelRequested bool              `json:"cancel_requested"`
	Phase           Phase             `json:"phase"`
	PhaseText       string            `json:"phase_text,omitempty"`
	Intake          *IntakeProgress   `json:"intake,omitempty"`
	Approval        *ApprovalRequest  `json:"approval,omitempty"`
	Stream          string            `json:"stream"`
	LastOutcome     *Outcome          `json:"last_outcome,omitempty"`
	Messages        []session.Message `json:"messages"`
	// Background holds tasks left running when their session lost focus,
	// keyed by task id.
	Background     map[string]BackgroundTask `json:"background,omitempty"`
	Authorizations Authorizations            `json:"authorizations"`
}

func NewState() State {
	return State{
		Status:     StatusIdle,
		Phase:      PhaseIdle,
		Messages:   []session.Message{},
		Background: map[string]BackgroundTask{},
		Authorizations: Authorizations{
			AllowAllSessions: map[string]bool{},
			AlwaysTools:      map[string]bool{},
		},
	}
}

func (s State) Clone() State {
	out := s
	if s.Intake != nil {
		v := *s.Intake
		out.Intake = &v
	}
	if s.Approval != nil {
		v := *s.Approval
		out.Approval = &v
	}
	if s.LastOutcome != nil {
		v := *s.LastOutcome
		out.LastOutcome = &v
	}
	out.Messages = append([]session.Message(nil), s.Messages...)
	if out.Messages == nil {
		out.Messages = []session.Message{}
	}
	out.Background = make(map[string]BackgroundTask, len(s.Background))
	for id, bg := range s.Background {
		out.Background[id] = bg.clone()
	}
	out.Authorizations = Authorizations{
		AllowAllSessions: cloneMap(s.Authorizations.AllowAllSessions),
		AlwaysTools:      cloneMap(s.Authorizations.AlwaysTools),
	}
	return out
}

func cloneMap[V any](in map[string]V) map[string]V {
	out := make(map[string]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// backgroundTaskFor returns the background task running for sessionID.
func (s State) backgroundTaskFor(sessionID string) (string, BackgroundTask, bool) {
	for taskID, bg := range s.Background {
		if bg.SessionID == sessionID {
			return taskID, bg, true
		}
	}
	return "", BackgroundTask{}, false
}

// backgroundRequest finds the background task holding requestID.
func (s State) backgroundRequest(requestID string) (string, BackgroundTask, bool) {
	if requestID == "" {
		return "", BackgroundTask{}, false
	}
	for taskID, bg := range s.Background {
		if bg.Approval != nil && bg.Approval.RequestID == requestID {
			return taskID, bg, true
		}
	}
	return "", BackgroundTask{}, false
}

// detach captures the foreground task view.
func (s State) detach() BackgroundTask {
	bg := BackgroundTask{
		SessionID:       s.SessionID,
		Status:          s.Status,
		CancelRequested: s.CancelRequested,
		Phase:           s.Phase,
		PhaseText:       s.PhaseText,
		Intake:          s.Intake,
		Approval:        s.Approval,
		Stream:          s.Stream,
	}
	return bg.clone()
}

// adopt makes a background task the foreground task again.
func (s *State) adopt(taskID string, bg BackgroundTask) {
	bg = bg.clone()
	s.TaskID = taskID
	s.Status = bg.Status
	s.CancelRequested = bg.CancelRequested
	s.Phase = bg.Phase
	s.PhaseText = bg.PhaseText
	s.Intake = bg.Intake
	s.Approval = bg.Approval
	s.Stream = bg.Stream
}

// resetForeground drops everything tied to the focused task without touching
// the task itself.
func (s *State) resetForeground() {
	s.TaskID = ""
	s.Status = StatusIdle
	s.CancelRequested = false
	s.Phase = PhaseIdle
	s.PhaseText = ""
	s.Intake = nil
	s.Approval = nil
	s.Stream = ""
}
