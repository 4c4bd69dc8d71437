package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/agentdesk/internal/policy"
	"github.com/ent0n29/agentdesk/internal/protocol"
	"github.com/ent0n29/agentdesk/internal/session"
)

const intakeSettingPrefix = "intake_asked:"

// pipelineRun is one execution. The caller holds the session lock.
type pipelineRun struct {
	engine     *Local
	task       *localTask
	iterations int
	toolsUsed  []string
}

func (l *Local) run(task *localTask) {
	defer l.finish(task)
	r := &pipelineRun{engine: l, task: task}
	err := r.execute(task.ctx)
	switch {
	case err == nil:
	case errors.Is(err, errCancelled) || errors.Is(err, context.Canceled):
		l.logger.Info("task cancelled", zap.String("task_id", task.id))
		l.emit(protocol.KindCancelled, task.id)
	default:
		l.logger.Warn("task failed", zap.String("task_id", task.id), zap.Error(err))
		l.emit(protocol.KindError, map[string]any{
			"task_id":   task.id,
			"message":   err.Error(),
			"retryable": false,
		})
	}
}

func (r *pipelineRun) execute(ctx context.Context) error {
	r.phase("planning")
	if err := r.checkpoint(ctx); err != nil {
		return err
	}

	if r.task.cmd.Kind == protocol.CommandSendMessage {
		done, err := r.intake(ctx)
		if err != nil || !done {
			return err
		}
	}

	r.phase("drafting")
	if err := r.callTool(ctx, "summarize_facts", map[string]any{"session_id": r.task.sessionID}); err != nil {
		return err
	}
	facts, err := r.facts(ctx)
	if err != nil {
		return err
	}
	if err := r.callTool(ctx, "kb_search", map[string]any{"query": strings.Join(facts, " ")}); err != nil {
		return err
	}
	report := composeReport(facts)
	if err := r.stream(ctx, report); err != nil {
		return err
	}

	r.phase("reviewing")
	if err := r.callTool(ctx, "check_safety", map[string]any{"length": len(report)}); err != nil {
		return err
	}
	if err := r.checkpoint(ctx); err != nil {
		return err
	}

	toolCalls, _ := json.Marshal(r.toolsUsed)
	if _, err := r.engine.store.AppendMessage(ctx, session.Message{
		SessionID: r.task.sessionID,
		Role:      session.RoleAssistant,
		Content:   report,
		Phase:     session.PhaseReview,
		ToolCalls: string(toolCalls),
	}); err != nil {
		return fmt.Errorf("store report: %w", err)
	}
	r.engine.emit(protocol.KindCompleted, map[string]any{
		"task_id":    r.task.id,
		"session_id": r.task.sessionID,
		"report":     report,
	})
	return nil
}

// intake asks the next unanswered question. It reports done once every
// question has been answered and the pipeline may draft.
func (r *pipelineRun) intake(ctx context.Context) (bool, error) {
	questions := r.engine.cfg.IntakeQuestions
	total := len(questions)
	if total == 0 {
		return true, nil
	}
	key := intakeSettingPrefix + r.task.sessionID
	asked := 0
	if v, ok, err := r.engine.store.Setting(ctx, key); err != nil {
		return false, fmt.Errorf("load intake progress: %w", err)
	} else if ok {
		asked, _ = strconv.Atoi(v)
	}
	if asked > total {
		return true, nil
	}
	if asked == total {
		r.engine.emit(protocol.KindIntakeDone, map[string]any{"task_id": r.task.id})
		if err := r.engine.store.SetSetting(ctx, key, strconv.Itoa(total+1)); err != nil {
			return false, fmt.Errorf("save intake progress: %w", err)
		}
		return true, nil
	}

	question := questions[asked]
	if err := r.callTool(ctx, "ask_user", map[string]any{"question": question}); err != nil {
		return false, err
	}
	if err := r.checkpoint(ctx); err != nil {
		return false, err
	}
	if _, err := r.engine.store.AppendMessage(ctx, session.Message{
		SessionID: r.task.sessionID,
		Role:      session.RoleAssistant,
		Content:   question,
		Phase:     session.PhasePlan,
	}); err != nil {
		return false, fmt.Errorf("store intake question: %w", err)
	}
	if err := r.engine.store.SetSetting(ctx, key, strconv.Itoa(asked+1)); err != nil {
		return false, fmt.Errorf("save intake progress: %w", err)
	}
	r.engine.emit(protocol.KindIntakeProgress, map[string]any{
		"task_id":  r.task.id,
		"current":  asked + 1,
		"total":    total,
		"question": question,
	})
	r.engine.emit(protocol.KindCompleted, map[string]any{
		"task_id":    r.task.id,
		"session_id": r.task.sessionID,
		"message":    question,
	})
	return false, nil
}

func (r *pipelineRun) facts(ctx context.Context) ([]string, error) {
	msgs, err := r.engine.store.Messages(ctx, r.task.sessionID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	var out []string
	for _, m := range msgs {
		if m.Role != session.RoleUser || m.Content == protocol.RegenerateReportPrompt {
			continue
		}
		if s := strings.TrimSpace(m.Content); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

// callTool gates a tool invocation on the permission policy and, for tools
// that ask, blocks until the user decides or the task is cancelled.
func (r *pipelineRun) callTool(ctx context.Context, tool string, args map[string]any) error {
	if err := r.checkpoint(ctx); err != nil {
		return err
	}
	r.iterations++
	if r.iterations > r.engine.cfg.MaxIterations {
		return errIterationsCap
	}

	stored, _, err := r.engine.store.ToolPermission(ctx, tool)
	if err != nil {
		return fmt.Errorf("load tool permission: %w", err)
	}
	decision := policy.ResolveToolPermission(tool, stored, r.engine.sessionAllowAll(r.task.sessionID))
	switch decision.Permission {
	case policy.PermissionAllow:
		r.toolsUsed = append(r.toolsUsed, tool)
		return nil
	case policy.PermissionDeny:
		return fmt.Errorf("%w: %s", errToolDenied, tool)
	}

	call := &pendingCall{
		requestID: uuid.NewString(),
		taskID:    r.task.id,
		sessionID: r.task.sessionID,
		toolName:  tool,
		decision:  make(chan protocol.Decision, 1),
	}
	r.engine.mu.Lock()
	r.engine.requests[call.requestID] = call
	r.engine.mu.Unlock()

	r.engine.emit(protocol.KindToolCallRequest, map[string]any{
		"task_id":    r.task.id,
		"request_id": call.requestID,
		"tool_name":  tool,
		"arguments":  args,
	})

	select {
	case <-ctx.Done():
		return errCancelled
	case d := <-call.decision:
		if !d.Allows() {
			return fmt.Errorf("%w: %s", errToolDenied, tool)
		}
		r.toolsUsed = append(r.toolsUsed, tool)
		return nil
	}
}

func (r *pipelineRun) stream(ctx context.Context, text string) error {
	for _, chunk := range chunkText(text, 48) {
		if err := r.checkpoint(ctx); err != nil {
			return err
		}
		r.engine.emit(protocol.KindStreamChunk, map[string]any{
			"task_id": r.task.id,
			"content": chunk,
		})
		if d := r.engine.cfg.StepDelay; d > 0 {
			timer := time.NewTimer(d)
			select {
			case <-ctx.Done():
				timer.Stop()
				return errCancelled
			case <-timer.C:
			}
		}
	}
	return nil
}

func (r *pipelineRun) phase(name string) {
	r.engine.emit(protocol.KindAgentPhase, map[string]any{
		"task_id": r.task.id,
		"phase":   name,
	})
}

func (r *pipelineRun) checkpoint(ctx context.Context) error {
	if ctx.Err() != nil {
		return errCancelled
	}
	return nil
}

func composeReport(facts []string) string {
	var b strings.Builder
	b.WriteString("# Consultation report\n\n## Facts provided\n")
	if len(facts) == 0 {
		b.WriteString("- No facts were provided yet.\n")
	}
	for _, f := range facts {
		b.WriteString("- ")
		b.WriteString(f)
		b.WriteString("\n")
	}
	b.WriteString("\n## Suggested next steps\n")
	b.WriteString("1. Collect written evidence of the employment relationship and the unpaid amount.\n")
	b.WriteString("2. Send a written demand for payment to the employer and keep a copy.\n")
	b.WriteString("3. If unpaid, file a complaint with the local labor inspection or request arbitration.\n")
	return b.String()
}

// chunkText splits s into pieces of at most n runes without dropping any
// characters.
func chunkText(s string, n int) []string {
	runes := []rune(s)
	var out []string
	for len(runes) > 0 {
		end := n
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[:end]))
		runes = runes[end:]
	}
	return out
}
