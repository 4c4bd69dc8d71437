package orchestrator

import (
	"fmt"
	"time"

	"github.com/ent0n29/agentdesk/internal/policy"
	"github.com/ent0n29/agentdesk/internal/protocol"
)

func applyToolCallRequest(st *State, ev protocol.ToolCallRequest, at time.Time, fx *Effects) {
	if ev.RequestID == "" {
		fx.Changed = false
		fx.Anomaly = "tool call request without request id"
		return
	}
	req := &ApprovalRequest{
		RequestID:        ev.RequestID,
		ToolName:         ev.ToolName,
		ArgumentsPreview: policy.PreviewArguments(ev.Arguments),
		CreatedAt:        at,
	}
	if st.Authorizations.allows(st.SessionID, ev.ToolName) {
		fx.Changed = false
		fx.AutoApprove = req
		return
	}
	if st.Approval != nil && st.Approval.RequestID != ev.RequestID {
		fx.Anomaly = fmt.Sprintf("tool call request %s replaced pending request %s", ev.RequestID, st.Approval.RequestID)
	}
	st.Approval = req
}

// applyToolCallResponse clears the matching request. A response for a
// request that was already cleared locally is a no-op.
func applyToolCallResponse(st *State, ev protocol.ToolCallResponse) bool {
	if st.Approval == nil || st.Approval.RequestID != ev.RequestID {
		return false
	}
	st.Approval = nil
	return true
}

// remember records the lasting part of a decision for later requests.
func remember(st *State, sessionID, tool string, d protocol.Decision) {
	if st.Authorizations.AlwaysTools == nil {
		st.Authorizations.AlwaysTools = map[string]bool{}
	}
	if st.Authorizations.AllowAllSessions == nil {
		st.Authorizations.AllowAllSessions = map[string]bool{}
	}
	switch d {
	case protocol.DecisionAllowAlways:
		if tool != "" {
			st.Authorizations.AlwaysTools[tool] = true
		}
	case protocol.DecisionAllowAllThisSession:
		if sessionID != "" {
			st.Authorizations.AllowAllSessions[sessionID] = true
		}
	}
}
