package orchestrator

import (
	"time"

	"github.com/ent0n29/agentdesk/internal/protocol"
)

// Effects describes what a reduction asks the actor to do next. Reduce
// itself performs no I/O.
type Effects struct {
	// Changed is false when the state was left untouched.
	Changed bool
	// Stale marks an event for a task that is not tracked.
	Stale        bool
	Unrecognized bool
	// Anomaly is set when the event was applied but violated an expectation.
	Anomaly string
	// Reload lists sessions whose persisted messages should be reloaded.
	Reload []string
	// AutoApprove is a request covered by a remembered authorization. It has
	// not been exposed to the user. AutoApproveTask is the task it belongs to.
	AutoApprove     *ApprovalRequest
	AutoApproveTask string
	// Outcome is the terminal kind when the foreground task ended.
	Outcome string
	// BackgroundFinished is the id of a background task that ended.
	BackgroundFinished string
}

// Reduce applies ev to st. Events without a task id are attributed to the
// tracked task.
func Reduce(st *State, ev protocol.Event, now time.Time) Effects {
	var fx Effects
	if _, ok := ev.(protocol.Unrecognized); ok {
		fx.Unrecognized = true
		return fx
	}

	taskID := ev.Meta().TaskID
	// Responses carry no task id; route one to the background task that
	// holds the request.
	if resp, ok := ev.(protocol.ToolCallResponse); ok && taskID == "" {
		if st.Approval == nil || st.Approval.RequestID != resp.RequestID {
			if id, _, found := st.backgroundRequest(resp.RequestID); found {
				taskID = id
			}
		}
	}
	if st.TaskID == "" || (taskID != "" && taskID != st.TaskID) {
		return reduceUntracked(st, ev, taskID, now)
	}

	fx.Changed = true
	switch e := ev.(type) {
	case protocol.AgentPhase:
		applyAgentPhase(st, e)
	case protocol.IntakeProgress:
		applyIntakeProgress(st, e)
		fx.Reload = append(fx.Reload, st.SessionID)
	case protocol.IntakeDone:
		st.Intake = nil
	case protocol.StreamChunk:
		fx.Changed = appendChunk(st, e.Content)
	case protocol.ToolCallRequest:
		applyToolCallRequest(st, e, eventTime(e.Header, now), &fx)
	case protocol.ToolCallResponse:
		fx.Changed = applyToolCallResponse(st, e)
	case protocol.Cancelling:
		fx.Changed = applyCancelling(st)
	case protocol.ReportRegenerating:
		fx.Changed = e.SessionID == "" || e.SessionID == st.SessionID
		if fx.Changed {
			st.PhaseText = reportRegeneratingText
		}
	case protocol.Completed:
		finishForeground(st, string(protocol.KindCompleted), e.Message, e.Report, now, &fx)
	case protocol.Cancelled:
		finishForeground(st, string(protocol.KindCancelled), "", "", now, &fx)
	case protocol.Failed:
		finishForeground(st, string(protocol.KindError), e.Message, "", now, &fx)
	default:
		fx.Changed = false
		fx.Unrecognized = true
	}
	if fx.AutoApprove != nil {
		fx.AutoApproveTask = st.TaskID
	}
	return fx
}

// reduceUntracked handles events whose task is not the foreground task.
// Events for a background task are reduced into its stored view; a terminal
// event drops it.
func reduceUntracked(st *State, ev protocol.Event, taskID string, now time.Time) Effects {
	var fx Effects
	bg, ok := st.Background[taskID]
	if !ok || taskID == "" {
		fx.Stale = true
		return fx
	}
	if protocol.Terminal(ev) {
		delete(st.Background, taskID)
		fx.Changed = true
		fx.BackgroundFinished = taskID
		if bg.SessionID == st.SessionID {
			fx.Reload = append(fx.Reload, bg.SessionID)
		}
		return fx
	}

	view := State{SessionID: bg.SessionID, Authorizations: st.Authorizations}
	view.adopt(taskID, bg)
	fx = Reduce(&view, ev, now)
	st.Background[taskID] = view.detach()
	fx.Reload = nil
	return fx
}

func eventTime(h protocol.Header, now time.Time) time.Time {
	if h.Timestamp > 0 {
		return time.Unix(h.Timestamp, 0).UTC()
	}
	return now.UTC()
}
