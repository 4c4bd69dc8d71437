package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/agentdesk/internal/protocol"
	"github.com/ent0n29/agentdesk/internal/session"
)

// SelectSession focuses sessionID. A running task is not cancelled: it moves
// to the background and is re-adopted when its session is selected again.
func (o *Orchestrator) SelectSession(ctx context.Context, sessionID string) error {
	return o.do(ctx, func() error {
		if _, err := o.store.GetSession(ctx, sessionID); err != nil {
			return fmt.Errorf("select session: %w", err)
		}
		o.focus(sessionID)
		return nil
	})
}

// CreateSession creates a session and selects it.
func (o *Orchestrator) CreateSession(ctx context.Context, scenario, title string) (session.Session, error) {
	var created session.Session
	err := o.do(ctx, func() error {
		sess, err := o.store.CreateSession(ctx, scenario, title)
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		created = sess
		o.focus(sess.ID)
		return nil
	})
	return created, err
}

// DeleteSession removes sessionID from storage. If it is focused the
// selection is cleared and any running task continues in the background
// without its stream or pending approval. A discarded approval is denied at
// the engine so the task does not wait on a session nobody can select.
func (o *Orchestrator) DeleteSession(ctx context.Context, sessionID string) error {
	return o.do(ctx, func() error {
		if err := o.store.DeleteSession(ctx, sessionID); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		if o.state.SessionID != sessionID {
			return nil
		}
		taskID := o.state.TaskID
		o.unfocus()
		if bg, ok := o.state.Background[taskID]; ok {
			if bg.Approval != nil {
				o.denyOrphaned(ctx, bg.Approval.RequestID, sessionID)
			}
			bg.Approval = nil
			bg.Stream = ""
			o.state.Background[taskID] = bg
		}
		o.state.SessionID = ""
		o.state.Messages = []session.Message{}
		o.state.LastOutcome = nil
		o.publish()
		return nil
	})
}

func (o *Orchestrator) focus(sessionID string) {
	st := &o.state
	if st.SessionID == sessionID {
		o.requestReload(sessionID)
		return
	}
	o.unfocus()
	st.SessionID = sessionID
	st.Messages = []session.Message{}
	st.LastOutcome = nil

	if taskID, bg, ok := st.backgroundTaskFor(sessionID); ok {
		delete(st.Background, taskID)
		st.adopt(taskID, bg)
		o.metrics.ObserveTaskStarted()
		fields := []zap.Field{
			zap.String("task_id", taskID),
			zap.String("session_id", sessionID),
			zap.String("phase", string(bg.Phase)),
		}
		if bg.Approval != nil {
			fields = append(fields, zap.String("pending_request_id", bg.Approval.RequestID))
		}
		o.logger.Info("re-adopted background task", fields...)
	}
	o.requestReload(sessionID)
	o.publish()
}

// unfocus moves the foreground task, if any, to the background together
// with its phase, stream and pending approval.
func (o *Orchestrator) unfocus() {
	st := &o.state
	if st.TaskID != "" {
		st.Background[st.TaskID] = st.detach()
		o.logger.Info("task moved to background",
			zap.String("task_id", st.TaskID),
			zap.String("session_id", st.SessionID))
		o.metrics.ObserveTaskEnded("", 0)
	}
	o.taskStarted = time.Time{}
	st.resetForeground()
}

func (o *Orchestrator) denyOrphaned(ctx context.Context, requestID, sessionID string) {
	if err := o.backend.SubmitToolDecision(ctx, requestID, protocol.DecisionDeny); err != nil {
		o.logger.Warn("failed to deny approval of deleted session",
			zap.String("request_id", requestID),
			zap.String("session_id", sessionID),
			zap.Error(err))
		o.recordLog(session.LogWarn, "approval "+requestID+" of deleted session left unanswered", sessionID)
		return
	}
	o.metrics.ObserveToolDecision(string(protocol.DecisionDeny))
}
