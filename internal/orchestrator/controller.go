package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/agentdesk/internal/engine"
	"github.com/ent0n29/agentdesk/internal/protocol"
	"github.com/ent0n29/agentdesk/internal/session"
)

// StartTask submits cmd for sessionID and tracks the returned task. State is
// only touched after the engine accepts the command.
func (o *Orchestrator) StartTask(ctx context.Context, sessionID string, cmd protocol.Command) (string, error) {
	var taskID string
	err := o.do(ctx, func() error {
		st := &o.state
		if st.SessionID == "" || sessionID != st.SessionID {
			return ErrSessionNotSelected
		}
		if st.TaskID != "" {
			return ErrTaskAlreadyRunning
		}
		if err := cmd.Validate(); err != nil {
			return err
		}

		started := o.now()
		id, err := o.backend.SubmitCommand(ctx, sessionID, cmd)
		if err != nil {
			o.metrics.ObserveCommand(string(cmd.Kind), "error")
			o.logger.Warn("command submission failed",
				zap.String("session_id", sessionID),
				zap.String("command", string(cmd.Kind)),
				zap.Error(err))
			return fmt.Errorf("submit %s: %w", cmd.Kind, err)
		}
		o.metrics.ObserveCommand(string(cmd.Kind), "ok")
		o.metrics.ObserveStage("submit_ack", o.now().Sub(started))
		o.metrics.ObserveTaskStarted()

		st.resetForeground()
		st.TaskID = id
		st.Status = StatusRunning
		o.taskStarted = started
		o.sawEvent = false
		o.sawChunk = false
		taskID = id

		o.logger.Info("task started",
			zap.String("task_id", id),
			zap.String("session_id", sessionID),
			zap.String("command", string(cmd.Kind)))
		o.publish()
		return nil
	})
	return taskID, err
}

// Cancel asks the engine to stop taskID. It is a no-op for any task other
// than the tracked one. Status stays Running until the engine acknowledges.
// If the engine no longer knows the task, it is finished locally as
// cancelled so the session stays usable.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) error {
	return o.do(ctx, func() error {
		st := &o.state
		if taskID == "" || taskID != st.TaskID {
			return nil
		}
		if err := o.backend.SubmitCancel(ctx, taskID); err != nil {
			if errors.Is(err, engine.ErrTaskNotFound) {
				o.metrics.ObserveCommand("cancel", "lost")
				o.logger.Warn("engine lost the task, finishing it locally",
					zap.String("task_id", taskID),
					zap.String("session_id", st.SessionID),
					zap.Error(err))
				o.recordLog(session.LogWarn, "engine lost task "+taskID+", finished locally as cancelled", st.SessionID)
				o.handleEvent(protocol.NewRawEvent(protocol.KindCancelled, map[string]string{"task_id": taskID}, o.now()))
				return nil
			}
			o.metrics.ObserveCommand("cancel", "error")
			return fmt.Errorf("submit cancel: %w", err)
		}
		o.metrics.ObserveCommand("cancel", "ok")
		if !st.CancelRequested {
			st.CancelRequested = true
			o.publish()
		}
		return nil
	})
}

// Resolve answers the pending approval of the foreground task or of a
// background task. It is a no-op when requestID is not pending. The local
// clear is optimistic; the engine's tool_call_response for the same id is
// then ignored.
func (o *Orchestrator) Resolve(ctx context.Context, requestID string, decision protocol.Decision) error {
	return o.do(ctx, func() error {
		st := &o.state
		if st.Approval != nil && st.Approval.RequestID == requestID {
			if err := o.backend.SubmitToolDecision(ctx, requestID, decision); err != nil {
				return fmt.Errorf("submit tool decision: %w", err)
			}
			o.metrics.ObserveToolDecision(string(decision))
			remember(st, st.SessionID, st.Approval.ToolName, decision)
			st.Approval = nil
			o.publish()
			return nil
		}
		taskID, bg, ok := st.backgroundRequest(requestID)
		if !ok {
			return nil
		}
		if err := o.backend.SubmitToolDecision(ctx, requestID, decision); err != nil {
			return fmt.Errorf("submit tool decision: %w", err)
		}
		o.metrics.ObserveToolDecision(string(decision))
		remember(st, bg.SessionID, bg.Approval.ToolName, decision)
		bg.Approval = nil
		st.Background[taskID] = bg
		o.publish()
		return nil
	})
}

func applyCancelling(st *State) bool {
	if st.Status != StatusRunning {
		return false
	}
	st.Status = StatusCancelling
	return true
}

// finishForeground ends the tracked task. The first terminal event wins;
// later ones no longer match the cleared task id.
func finishForeground(st *State, kind, message, report string, now time.Time, fx *Effects) {
	st.LastOutcome = &Outcome{
		Kind:    kind,
		TaskID:  st.TaskID,
		Message: message,
		Report:  report,
		At:      now.UTC(),
	}
	st.resetForeground()
	fx.Outcome = kind
	fx.Reload = append(fx.Reload, st.SessionID)
}
