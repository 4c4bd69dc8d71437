package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/agentdesk/internal/bus"
	"github.com/ent0n29/agentdesk/internal/engine"
	"github.com/ent0n29/agentdesk/internal/protocol"
	"github.com/ent0n29/agentdesk/internal/session"
)

type decisionCall struct {
	requestID string
	decision  protocol.Decision
}

type fakeBackend struct {
	mu          sync.Mutex
	nextID      int
	submitErr   error
	cancelErr   error
	decisionErr error
	commands    []protocol.Command
	cancels     []string
	decisions   []decisionCall
}

func (f *fakeBackend) SubmitCommand(_ context.Context, _ string, cmd protocol.Command) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.nextID++
	f.commands = append(f.commands, cmd)
	return fmt.Sprintf("task-%d", f.nextID), nil
}

func (f *fakeBackend) SubmitCancel(_ context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancels = append(f.cancels, taskID)
	return nil
}

func (f *fakeBackend) SubmitToolDecision(_ context.Context, requestID string, decision protocol.Decision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.decisionErr != nil {
		return f.decisionErr
	}
	f.decisions = append(f.decisions, decisionCall{requestID: requestID, decision: decision})
	return nil
}

func (f *fakeBackend) setDecisionErr(err error) {
	f.mu.Lock()
	f.decisionErr = err
	f.mu.Unlock()
}

func (f *fakeBackend) counts() (commands, cancels, decisions int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.commands), len(f.cancels), len(f.decisions)
}

func (f *fakeBackend) lastDecision() decisionCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.decisions) == 0 {
		return decisionCall{}
	}
	return f.decisions[len(f.decisions)-1]
}

// reloadStore counts message loads per session and can hold them back.
type reloadStore struct {
	*session.InMemoryStore

	mu      sync.Mutex
	loads   map[string]int
	gates   map[string]chan struct{}
	loadErr error
}

func newReloadStore() *reloadStore {
	return &reloadStore{
		InMemoryStore: session.NewInMemoryStore(),
		loads:         map[string]int{},
		gates:         map[string]chan struct{}{},
	}
}

func (s *reloadStore) Messages(ctx context.Context, sessionID string) ([]session.Message, error) {
	s.mu.Lock()
	gate := s.gates[sessionID]
	err := s.loadErr
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	msgs, loadErr := s.InMemoryStore.Messages(ctx, sessionID)
	s.mu.Lock()
	s.loads[sessionID]++
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return msgs, loadErr
}

func (s *reloadStore) hold(sessionID string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	gate := make(chan struct{})
	s.gates[sessionID] = gate
	return gate
}

func (s *reloadStore) loadCount(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads[sessionID]
}

type harness struct {
	t       *testing.T
	o       *Orchestrator
	bus     *bus.Bus
	backend *fakeBackend
	store   *reloadStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithBackend(t, &fakeBackend{})
}

func newHarnessWithBackend(t *testing.T, backend engine.Backend) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		bus:   bus.New(),
		store: newReloadStore(),
	}
	if fb, ok := backend.(*fakeBackend); ok {
		h.backend = fb
	}
	h.o = New(backend, h.store, h.bus, Config{ReloadTimeout: 2 * time.Second}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.o.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run() error = %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Errorf("orchestrator did not stop")
		}
		h.bus.Close()
	})
	return h
}

func (h *harness) emit(kind protocol.Kind, payload any) {
	h.bus.Publish(protocol.NewRawEvent(kind, payload, time.Now()))
}

// createSession creates and focuses a session, then waits for its message
// reload to land so later snapshots are stable.
func (h *harness) createSession(title string) session.Session {
	h.t.Helper()
	before := h.o.Snapshot().Version
	sess, err := h.o.CreateSession(context.Background(), session.DefaultScenario, title)
	if err != nil {
		h.t.Fatalf("CreateSession() error = %v", err)
	}
	// One publish for the focus change, one for the reloaded messages.
	h.waitFor("session reload", func(s State) bool { return s.Version >= before+2 })
	return sess
}

func (h *harness) start(sessionID, content string) string {
	h.t.Helper()
	id, err := h.o.StartTask(context.Background(), sessionID, protocol.SendMessage(content))
	if err != nil {
		h.t.Fatalf("StartTask() error = %v", err)
	}
	return id
}

func (h *harness) waitFor(desc string, cond func(State) bool) State {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		st := h.o.Snapshot()
		if cond(st) {
			return st
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("timed out waiting for %s; state = %+v", desc, st)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// waitLogged blocks until n events have been received.
func (h *harness) waitLogged(n int) []LoggedEvent {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		events := h.o.Events(0)
		if len(events) >= n {
			return events
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("timed out waiting for %d logged events, have %d", n, len(events))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func eventually(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", desc)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStartTaskThenIntakeProgress(t *testing.T) {
	h := newHarness(t)
	s1 := h.createSession("wage claim")
	taskID := h.start(s1.ID, "My employer has not paid me for two months.")

	st := h.o.Snapshot()
	if st.TaskID != taskID || st.Status != StatusRunning || st.SessionID != s1.ID {
		t.Fatalf("after start: task=%q status=%q session=%q", st.TaskID, st.Status, st.SessionID)
	}

	h.emit(protocol.KindAgentPhase, map[string]any{"task_id": taskID, "phase": "planning"})
	h.emit(protocol.KindIntakeProgress, map[string]any{"task_id": taskID, "current": 1, "total": 3, "question": "Where do you work?"})

	st = h.waitFor("intake progress", func(s State) bool { return s.Intake != nil })
	if st.Phase != PhaseIntaking || st.Intake.Current != 1 || st.Intake.Total != 3 {
		t.Fatalf("phase=%q intake=%+v, want intaking (1,3)", st.Phase, *st.Intake)
	}
	// One load for the create, one for the intake question.
	eventually(t, "intake reload", func() bool { return h.store.loadCount(s1.ID) >= 2 })
}

func TestStartTaskRejectedWhileRunning(t *testing.T) {
	h := newHarness(t)
	s1 := h.createSession("")
	taskID := h.start(s1.ID, "first")
	h.emit(protocol.KindStreamChunk, map[string]any{"task_id": taskID, "content": "partial"})
	h.waitFor("chunk", func(s State) bool { return s.Stream == "partial" })

	before := h.o.Snapshot()
	_, err := h.o.StartTask(context.Background(), s1.ID, protocol.SendMessage("second"))
	if !errors.Is(err, ErrTaskAlreadyRunning) {
		t.Fatalf("StartTask() error = %v, want ErrTaskAlreadyRunning", err)
	}
	if after := h.o.Snapshot(); !reflect.DeepEqual(before, after) {
		t.Fatalf("state changed on rejected start:\nbefore %+v\nafter  %+v", before, after)
	}
	if commands, _, _ := h.backend.counts(); commands != 1 {
		t.Fatalf("backend commands = %d, want 1", commands)
	}
}

func TestStartTaskRequiresSelectedSession(t *testing.T) {
	h := newHarness(t)
	if _, err := h.o.StartTask(context.Background(), "missing", protocol.SendMessage("hi")); !errors.Is(err, ErrSessionNotSelected) {
		t.Fatalf("StartTask() without selection error = %v", err)
	}
	s1 := h.createSession("")
	if _, err := h.o.StartTask(context.Background(), "other", protocol.SendMessage("hi")); !errors.Is(err, ErrSessionNotSelected) {
		t.Fatalf("StartTask() for unfocused session error = %v", err)
	}
	if _, err := h.o.StartTask(context.Background(), s1.ID, protocol.SendMessage("  ")); !errors.Is(err, protocol.ErrInvalidCommand) {
		t.Fatalf("StartTask() with blank content error = %v", err)
	}
	if commands, _, _ := h.backend.counts(); commands != 0 {
		t.Fatalf("backend commands = %d, want 0", commands)
	}
}

func TestStartTaskSubmissionFailureLeavesStateUnchanged(t *testing.T) {
	boom := errors.New("engine unreachable")
	h := newHarnessWithBackend(t, &fakeBackend{submitErr: boom})
	s1 := h.createSession("")
	before := h.o.Snapshot()

	_, err := h.o.StartTask(context.Background(), s1.ID, protocol.RegenerateReport())
	if !errors.Is(err, boom) {
		t.Fatalf("StartTask() error = %v, want wrapped %v", err, boom)
	}
	if after := h.o.Snapshot(); !reflect.DeepEqual(before, after) {
		t.Fatalf("state changed on failed submission")
	}
}

func TestStartTaskBackendUnready(t *testing.T) {
	handle := engine.NewHandle()
	h := newHarnessWithBackend(t, handle)
	s1 := h.createSession("")

	_, err := h.o.StartTask(context.Background(), s1.ID, protocol.SendMessage("hi"))
	if !errors.Is(err, engine.ErrBackendUnready) {
		t.Fatalf("StartTask() error = %v, want ErrBackendUnready", err)
	}
	if st := h.o.Snapshot(); st.TaskID != "" || st.Status != StatusIdle {
		t.Fatalf("state after unready submit: task=%q status=%q", st.TaskID, st.Status)
	}

	handle.Attach(&fakeBackend{})
	if _, err := h.o.StartTask(context.Background(), s1.ID, protocol.SendMessage("hi")); err != nil {
		t.Fatalf("StartTask() after attach error = %v", err)
	}
}

func TestResolveDenyClearsOptimistically(t *testing.T) {
	h := newHarness(t)
	s1 := h.createSession("")
	taskID := h.start(s1.ID, "hello")

	h.emit(protocol.KindToolCallRequest, map[string]any{
		"task_id":    taskID,
		"request_id": "r1",
		"tool_name":  "kb_search",
		"arguments":  map[string]any{"query": "unpaid wages"},
	})
	st := h.waitFor("approval r1", func(s State) bool { return s.Approval != nil })
	if st.Approval.RequestID != "r1" || st.Approval.ToolName != "kb_search" || st.Approval.ArgumentsPreview == "" {
		t.Fatalf("Approval = %+v", *st.Approval)
	}

	if err := h.o.Resolve(context.Background(), "r1", protocol.DecisionDeny); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if st := h.o.Snapshot(); st.Approval != nil {
		t.Fatalf("approval not cleared after Resolve")
	}
	if got := h.backend.lastDecision(); got.requestID != "r1" || got.decision != protocol.DecisionDeny {
		t.Fatalf("forwarded decision = %+v", got)
	}

	h.emit(protocol.KindToolCallResponse, map[string]any{"task_id": taskID, "request_id": "r1"})
	h.waitLogged(2)
	if st := h.o.Snapshot(); st.Approval != nil {
		t.Fatalf("confirmed response resurrected approval")
	}

	if err := h.o.Resolve(context.Background(), "r1", protocol.DecisionAllowOnce); err != nil {
		t.Fatalf("second Resolve() error = %v", err)
	}
	if _, _, decisions := h.backend.counts(); decisions != 1 {
		t.Fatalf("backend decisions = %d, want 1", decisions)
	}
}

func TestResolveFailureKeepsApproval(t *testing.T) {
	h := newHarness(t)
	s1 := h.createSession("")
	taskID := h.start(s1.ID, "hello")
	h.emit(protocol.KindToolCallRequest, map[string]any{"task_id": taskID, "request_id": "r1", "tool_name": "ask_user"})
	h.waitFor("approval", func(s State) bool { return s.Approval != nil })

	h.backend.setDecisionErr(engine.ErrRequestNotFound)
	err := h.o.Resolve(context.Background(), "r1", protocol.DecisionAllowOnce)
	if !errors.Is(err, engine.ErrRequestNotFound) {
		t.Fatalf("Resolve() error = %v", err)
	}
	if st := h.o.Snapshot(); st.Approval == nil || st.Approval.RequestID != "r1" {
		t.Fatalf("approval lost after failed forward")
	}
}

func TestApprovalClearedByEngineResponse(t *testing.T) {
	h := newHarness(t)
	s1 := h.createSession("")
	taskID := h.start(s1.ID, "hello")
	h.emit(protocol.KindToolCallRequest, map[string]any{"task_id": taskID, "request_id": "r2", "tool_name": "ask_user"})
	h.waitFor("approval", func(s State) bool { return s.Approval != nil })
	h.emit(protocol.KindToolCallResponse, map[string]any{"task_id": taskID, "request_id": "r2"})
	h.waitFor("approval cleared", func(s State) bool { return s.Approval == nil })
}

func TestRememberedAllowAlwaysAutoApproves(t *testing.T) {
	h := newHarness(t)
	s1 := h.createSession("")
	taskID := h.start(s1.ID, "hello")

	h.emit(protocol.KindToolCallRequest, map[string]any{"task_id": taskID, "request_id": "r1", "tool_name": "kb_search"})
	h.waitFor("approval", func(s State) bool { return s.Approval != nil })
	if err := h.o.Resolve(context.Background(), "r1", protocol.DecisionAllowAlways); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	st := h.o.Snapshot()
	if !st.Authorizations.AlwaysTools["kb_search"] {
		t.Fatalf("AllowAlways not remembered: %+v", st.Authorizations)
	}

	h.emit(protocol.KindToolCallRequest, map[string]any{"task_id": taskID, "request_id": "r2", "tool_name": "kb_search"})
	eventually(t, "auto approval", func() bool {
		_, _, n := h.backend.counts()
		return n == 2
	})
	if got := h.backend.lastDecision(); got.requestID != "r2" || got.decision != protocol.DecisionAllowOnce {
		t.Fatalf("auto decision = %+v", got)
	}
	if st := h.o.Snapshot(); st.Approval != nil {
		t.Fatalf("auto-approved request was exposed: %+v", *st.Approval)
	}
}

func TestAutoApprovalFailureExposesRequest(t *testing.T) {
	h := newHarness(t)
	s1 := h.createSession("")
	taskID := h.start(s1.ID, "hello")
	h.emit(protocol.KindToolCallRequest, map[string]any{"task_id": taskID, "request_id": "r1", "tool_name": "ask_user"})
	h.waitFor("approval", func(s State) bool { return s.Approval != nil })
	if err := h.o.Resolve(context.Background(), "r1", protocol.DecisionAllowAllThisSession); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	h.backend.setDecisionErr(errors.New("engine restarting"))
	h.emit(protocol.KindToolCallRequest, map[string]any{"task_id": taskID, "request_id": "r2", "tool_name": "kb_search"})
	st := h.waitFor("exposed approval", func(s State) bool { return s.Approval != nil })
	if st.Approval.RequestID != "r2" {
		t.Fatalf("Approval = %+v, want r2", *st.Approval)
	}
}

func TestCancelWaitsForAcknowledgement(t *testing.T) {
	h := newHarness(t)
	s1 := h.createSession("")
	taskID := h.start(s1.ID, "hello")

	if err := h.o.Cancel(context.Background(), taskID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	st := h.o.Snapshot()
	if st.Status != StatusRunning || !st.CancelRequested {
		t.Fatalf("after Cancel: status=%q cancelRequested=%v", st.Status, st.CancelRequested)
	}

	h.emit(protocol.KindCancelling, map[string]any{"task_id": taskID})
	h.waitFor("cancelling", func(s State) bool { return s.Status == StatusCancelling })

	h.emit(protocol.KindCancelled, taskID)
	st = h.waitFor("idle", func(s State) bool { return s.Status == StatusIdle })
	if st.LastOutcome == nil || st.LastOutcome.Kind != "cancelled" || st.TaskID != "" {
		t.Fatalf("after cancelled: outcome=%+v task=%q", st.LastOutcome, st.TaskID)
	}
}

func TestCompletedWinsOverLateCancelled(t *testing.T) {
	h := newHarness(t)
	s1 := h.createSession("")
	taskID := h.start(s1.ID, "hello")
	if err := h.o.Cancel(context.Background(), taskID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	h.emit(protocol.KindCompleted, map[string]any{"task_id": taskID, "report": "# Report"})
	h.emit(protocol.KindCancelled, taskID)
	events := h.waitLogged(2)
	if !events[0].Stale {
		t.Fatalf("late cancelled not marked stale: %+v", events[0])
	}

	st := h.o.Snapshot()
	if st.Status != StatusIdle || st.LastOutcome == nil || st.LastOutcome.Kind != "completed" || st.LastOutcome.Report != "# Report" {
		t.Fatalf("outcome = %+v status=%q", st.LastOutcome, st.Status)
	}

	if err := h.o.Cancel(context.Background(), taskID); err != nil {
		t.Fatalf("Cancel() of finished task error = %v", err)
	}
	if _, cancels, _ := h.backend.counts(); cancels != 1 {
		t.Fatalf("backend cancels = %d, want 1", cancels)
	}
}

func TestCancelForUntrackedTaskIsNoop(t *testing.T) {
	h := newHarness(t)
	s1 := h.createSession("")
	h.start(s1.ID, "hello")
	before := h.o.Snapshot()
	if err := h.o.Cancel(context.Background(), "someone-else"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if after := h.o.Snapshot(); !reflect.DeepEqual(before, after) {
		t.Fatalf("state changed on untracked cancel")
	}
}

func TestStaleEventsDoNotChangeState(t *testing.T) {
	h := newHarness(t)
	s1 := h.createSession("")
	taskID := h.start(s1.ID, "hello")
	h.emit(protocol.KindStreamChunk, map[string]any{"task_id": taskID, "content": "Hel"})
	h.emit(protocol.KindStreamChunk, map[string]any{"task_id": taskID, "content": "lo"})
	h.waitFor("stream", func(s State) bool { return s.Stream == "Hello" })

	before := h.o.Snapshot()
	h.emit(protocol.KindStreamChunk, map[string]any{"task_id": "task-old", "content": "zzz"})
	h.emit(protocol.KindCompleted, map[string]any{"task_id": "task-old"})
	h.emit("engine_heartbeat", map[string]any{})
	events := h.waitLogged(5)

	if after := h.o.Snapshot(); !reflect.DeepEqual(before, after) {
		t.Fatalf("stale events changed state:\nbefore %+v\nafter  %+v", before, after)
	}
	if !events[0].Unrecognized || !events[1].Stale || !events[2].Stale {
		t.Fatalf("event log flags = %+v", events[:3])
	}
}

func TestTerminalEventClearsPendingApproval(t *testing.T) {
	h := newHarness(t)
	s1 := h.createSession("")
	taskID := h.start(s1.ID, "hello")
	h.emit(protocol.KindToolCallRequest, map[string]any{"task_id": taskID, "request_id": "r1", "tool_name": "ask_user"})
	h.waitFor("approval", func(s State) bool { return s.Approval != nil })

	h.emit(protocol.KindError, map[string]any{"task_id": taskID, "message": "model overloaded", "retryable": true})
	st := h.waitFor("idle", func(s State) bool { return s.Status == StatusIdle })
	if st.Approval != nil || st.LastOutcome == nil || st.LastOutcome.Message != "model overloaded" {
		t.Fatalf("after error: approval=%+v outcome=%+v", st.Approval, st.LastOutcome)
	}
}

func TestSessionSwitchKeepsTaskInBackground(t *testing.T) {
	h := newHarness(t)
	s1 := h.createSession("first")
	taskID := h.start(s1.ID, "hello")
	h.emit(protocol.KindStreamChunk, map[string]any{"task_id": taskID, "content": "draft"})
	h.waitFor("stream", func(s State) bool { return s.Stream == "draft" })

	s2 := h.createSession("second")
	st := h.o.Snapshot()
	if st.SessionID != s2.ID || st.TaskID != "" || st.Stream != "" || st.Status != StatusIdle {
		t.Fatalf("after switch: %+v", st)
	}
	if bg := st.Background[taskID]; bg.SessionID != s1.ID || bg.Stream != "draft" {
		t.Fatalf("Background = %+v, want %s -> %s with its stream", st.Background, taskID, s1.ID)
	}
	if _, cancels, _ := h.backend.counts(); cancels != 0 {
		t.Fatalf("switch cancelled the task")
	}

	h.emit(protocol.KindStreamChunk, map[string]any{"task_id": taskID, "content": "more"})
	h.waitLogged(2)
	if st := h.o.Snapshot(); st.Stream != "" {
		t.Fatalf("background chunk leaked into foreground: %q", st.Stream)
	}

	if err := h.o.SelectSession(context.Background(), s1.ID); err != nil {
		t.Fatalf("SelectSession() error = %v", err)
	}
	st = h.o.Snapshot()
	if st.TaskID != taskID || st.Status != StatusRunning || len(st.Background) != 0 {
		t.Fatalf("after re-adopt: task=%q status=%q background=%v", st.TaskID, st.Status, st.Background)
	}
	if st.Stream != "draftmore" {
		t.Fatalf("re-adopted stream = %q, want chunks received in the background", st.Stream)
	}

	if err := h.o.SelectSession(context.Background(), s2.ID); err != nil {
		t.Fatalf("SelectSession() error = %v", err)
	}
	h.emit(protocol.KindCompleted, map[string]any{"task_id": taskID})
	st = h.waitFor("background finished", func(s State) bool { return len(s.Background) == 0 })
	if st.LastOutcome != nil || st.SessionID != s2.ID {
		t.Fatalf("background completion touched foreground: %+v", st)
	}
}

func TestSessionSwitchKeepsPendingApproval(t *testing.T) {
	h := newHarness(t)
	s1 := h.createSession("first")
	taskID := h.start(s1.ID, "hello")
	h.emit(protocol.KindAgentPhase, map[string]any{"task_id": taskID, "phase": "drafting"})
	h.emit(protocol.KindToolCallRequest, map[string]any{"task_id": taskID, "request_id": "r1", "tool_name": "kb_search"})
	h.waitFor("approval r1", func(s State) bool { return s.Approval != nil })

	h.createSession("second")
	st := h.o.Snapshot()
	if st.Approval != nil {
		t.Fatalf("approval of the unfocused task still shown: %+v", *st.Approval)
	}
	bg := st.Background[taskID]
	if bg.Approval == nil || bg.Approval.RequestID != "r1" || bg.Phase != PhaseDrafting {
		t.Fatalf("background entry = %+v", bg)
	}

	if err := h.o.SelectSession(context.Background(), s1.ID); err != nil {
		t.Fatalf("SelectSession() error = %v", err)
	}
	st = h.o.Snapshot()
	if st.Approval == nil || st.Approval.RequestID != "r1" {
		t.Fatalf("approval not restored on re-adopt: %+v", st.Approval)
	}
	if st.Phase != PhaseDrafting || st.PhaseText != "drafting" {
		t.Fatalf("phase not restored: %q %q", st.Phase, st.PhaseText)
	}

	if err := h.o.Resolve(context.Background(), "r1", protocol.DecisionAllowOnce); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got := h.backend.lastDecision(); got.requestID != "r1" || got.decision != protocol.DecisionAllowOnce {
		t.Fatalf("forwarded decision = %+v", got)
	}
	if st := h.o.Snapshot(); st.Approval != nil {
		t.Fatalf("approval not cleared after Resolve")
	}
}

func TestBackgroundRequestIsRecordedAndResolvable(t *testing.T) {
	h := newHarness(t)
	s1 := h.createSession("first")
	taskID := h.start(s1.ID, "hello")
	s2 := h.createSession("second")

	h.emit(protocol.KindToolCallRequest, map[string]any{"task_id": taskID, "request_id": "r1", "tool_name": "ask_user"})
	st := h.waitFor("background approval", func(s State) bool {
		bg, ok := s.Background[taskID]
		return ok && bg.Approval != nil
	})
	if st.SessionID != s2.ID || st.Approval != nil {
		t.Fatalf("background request reached the foreground: %+v", st)
	}

	if err := h.o.Resolve(context.Background(), "r1", protocol.DecisionAllowAllThisSession); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if _, _, decisions := h.backend.counts(); decisions != 1 {
		t.Fatalf("backend decisions = %d, want 1", decisions)
	}
	st = h.o.Snapshot()
	if st.Background[taskID].Approval != nil {
		t.Fatalf("background approval not cleared")
	}
	if !st.Authorizations.AllowAllSessions[s1.ID] || st.Authorizations.AllowAllSessions[s2.ID] {
		t.Fatalf("allow-all remembered for the wrong session: %+v", st.Authorizations)
	}

	// A later request from the same background task is covered.
	h.emit(protocol.KindToolCallRequest, map[string]any{"task_id": taskID, "request_id": "r2", "tool_name": "kb_search"})
	eventually(t, "background auto approval", func() bool {
		_, _, n := h.backend.counts()
		return n == 2
	})
	if got := h.backend.lastDecision(); got.requestID != "r2" {
		t.Fatalf("auto decision = %+v", got)
	}
}

func TestCancelOfTaskUnknownToEngineFinishesLocally(t *testing.T) {
	h := newHarness(t)
	s1 := h.createSession("")
	taskID := h.start(s1.ID, "hello")

	h.backend.mu.Lock()
	h.backend.cancelErr = fmt.Errorf("cancel %s: %w", taskID, engine.ErrTaskNotFound)
	h.backend.mu.Unlock()

	if err := h.o.Cancel(context.Background(), taskID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	st := h.waitFor("idle", func(s State) bool { return s.Status == StatusIdle })
	if st.TaskID != "" || st.LastOutcome == nil || st.LastOutcome.Kind != "cancelled" || st.LastOutcome.TaskID != taskID {
		t.Fatalf("after lost cancel: task=%q outcome=%+v", st.TaskID, st.LastOutcome)
	}
	if _, err := h.o.StartTask(context.Background(), s1.ID, protocol.SendMessage("again")); err != nil {
		t.Fatalf("StartTask() after lost cancel error = %v", err)
	}

	eventually(t, "diagnostic log", func() bool {
		logs, _ := h.store.ListLogs(context.Background(), 0)
		for _, l := range logs {
			if l.Level == session.LogWarn && l.SessionID == s1.ID && strings.Contains(l.Message, "engine lost task "+taskID) {
				return true
			}
		}
		return false
	})
}

func TestCancelOtherErrorsKeepTaskRunning(t *testing.T) {
	h := newHarness(t)
	s1 := h.createSession("")
	taskID := h.start(s1.ID, "hello")

	h.backend.mu.Lock()
	h.backend.cancelErr = errors.New("engine unreachable")
	h.backend.mu.Unlock()

	if err := h.o.Cancel(context.Background(), taskID); err == nil {
		t.Fatalf("Cancel() succeeded on transport error")
	}
	if st := h.o.Snapshot(); st.TaskID != taskID || st.Status != StatusRunning || st.CancelRequested {
		t.Fatalf("after failed cancel: %+v", st)
	}
}

func TestOutcomesAndStaleEventsAreLogged(t *testing.T) {
	h := newHarness(t)
	s1 := h.createSession("")
	taskID := h.start(s1.ID, "hello")
	h.emit(protocol.KindStreamChunk, map[string]any{"task_id": "task-old", "content": "zzz"})
	h.emit(protocol.KindError, map[string]any{"task_id": taskID, "message": "model overloaded"})

	eventually(t, "outcome and stale logs", func() bool {
		logs, _ := h.store.ListLogs(context.Background(), 0)
		var stale, failed bool
		for _, l := range logs {
			switch {
			case l.Level == session.LogWarn && strings.Contains(l.Message, "stale stream_chunk"):
				stale = true
			case l.Level == session.LogError && l.Message == "task "+taskID+" error: model overloaded":
				failed = l.SessionID == s1.ID
			}
		}
		return stale && failed
	})
}

func TestSelectUnknownSession(t *testing.T) {
	h := newHarness(t)
	err := h.o.SelectSession(context.Background(), "missing")
	if !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("SelectSession() error = %v, want ErrNotFound", err)
	}
}

func TestDeleteFocusedSession(t *testing.T) {
	h := newHarness(t)
	s1 := h.createSession("")
	taskID := h.start(s1.ID, "hello")
	h.emit(protocol.KindToolCallRequest, map[string]any{"task_id": taskID, "request_id": "r1", "tool_name": "ask_user"})
	h.waitFor("approval", func(s State) bool { return s.Approval != nil })

	if err := h.o.DeleteSession(context.Background(), s1.ID); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}
	st := h.o.Snapshot()
	if st.SessionID != "" || st.TaskID != "" || st.Approval != nil || len(st.Messages) != 0 {
		t.Fatalf("after delete: %+v", st)
	}
	if bg, ok := st.Background[taskID]; !ok || bg.Approval != nil || bg.Stream != "" {
		t.Fatalf("background entry of deleted session = %+v (present %v)", bg, ok)
	}
	if got := h.backend.lastDecision(); got.requestID != "r1" || got.decision != protocol.DecisionDeny {
		t.Fatalf("orphaned approval decision = %+v, want deny r1", got)
	}
	if _, err := h.o.StartTask(context.Background(), s1.ID, protocol.SendMessage("again")); !errors.Is(err, ErrSessionNotSelected) {
		t.Fatalf("StartTask() after delete error = %v", err)
	}
	if err := h.o.DeleteSession(context.Background(), s1.ID); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("second DeleteSession() error = %v", err)
	}
}

func TestReloadAppliesMessagesForFocusedSession(t *testing.T) {
	h := newHarness(t)
	s1 := h.createSession("")
	if _, err := h.store.AppendMessage(context.Background(), session.Message{
		SessionID: s1.ID,
		Role:      session.RoleUser,
		Content:   "hello",
	}); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}
	if err := h.o.SelectSession(context.Background(), s1.ID); err != nil {
		t.Fatalf("SelectSession() error = %v", err)
	}
	st := h.waitFor("messages", func(s State) bool { return len(s.Messages) == 1 })
	if st.Messages[0].Content != "hello" {
		t.Fatalf("Messages = %+v", st.Messages)
	}
}

func TestReloadForUnfocusedSessionIsDiscarded(t *testing.T) {
	h := newHarness(t)
	s1 := h.createSession("")
	if _, err := h.store.AppendMessage(context.Background(), session.Message{SessionID: s1.ID, Role: session.RoleUser, Content: "s1 message"}); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}

	gate := h.store.hold(s1.ID)
	if err := h.o.SelectSession(context.Background(), s1.ID); err != nil {
		t.Fatalf("SelectSession() error = %v", err)
	}
	s2 := h.createSession("")
	close(gate)
	eventually(t, "held reload", func() bool { return h.store.loadCount(s1.ID) >= 2 })
	eventually(t, "s2 reload", func() bool { return h.store.loadCount(s2.ID) >= 1 })

	time.Sleep(50 * time.Millisecond)
	st := h.o.Snapshot()
	if st.SessionID != s2.ID || len(st.Messages) != 0 {
		t.Fatalf("stale reload applied: session=%q messages=%+v", st.SessionID, st.Messages)
	}
}

func TestObserveDeliversLatestState(t *testing.T) {
	h := newHarness(t)
	ch, stop := h.o.Observe()
	defer stop()

	first := <-ch
	if first.Status != StatusIdle {
		t.Fatalf("initial observed status = %q", first.Status)
	}

	s1 := h.createSession("")
	taskID := h.start(s1.ID, "hello")
	for i := 0; i < 5; i++ {
		h.emit(protocol.KindStreamChunk, map[string]any{"task_id": taskID, "content": "x"})
	}
	h.waitFor("stream", func(s State) bool { return s.Stream == "xxxxx" })

	select {
	case st := <-ch:
		if st.Stream != "xxxxx" {
			t.Fatalf("observed stream = %q, want latest state", st.Stream)
		}
	case <-time.After(time.Second):
		t.Fatalf("no state delivered")
	}

	stop()
	stop()
}

func TestVersionIncreasesOnPublish(t *testing.T) {
	h := newHarness(t)
	v0 := h.o.Snapshot().Version
	s1 := h.createSession("")
	v1 := h.o.Snapshot().Version
	h.start(s1.ID, "hello")
	v2 := h.o.Snapshot().Version
	if !(v0 < v1 && v1 < v2) {
		t.Fatalf("versions = %d, %d, %d; want strictly increasing", v0, v1, v2)
	}
}

func TestEventLogIsBounded(t *testing.T) {
	log := newEventLog(3)
	for i := 0; i < 5; i++ {
		log.append(LoggedEvent{Kind: fmt.Sprintf("k%d", i)})
	}
	got := log.newestFirst(0)
	if len(got) != 3 || got[0].Kind != "k4" || got[2].Kind != "k2" || got[0].Seq != 5 {
		t.Fatalf("newestFirst = %+v", got)
	}
	if got := log.newestFirst(1); len(got) != 1 || got[0].Kind != "k4" {
		t.Fatalf("newestFirst(1) = %+v", got)
	}
}

func TestRunTwiceFails(t *testing.T) {
	h := newHarness(t)
	h.createSession("")
	if err := h.o.Run(context.Background()); err == nil {
		t.Fatalf("second Run() succeeded")
	}
}
