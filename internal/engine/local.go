package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/agentdesk/internal/protocol"
	"github.com/ent0n29/agentdesk/internal/session"
)

// DefaultIntakeQuestions are asked, one per user turn, before a labor
// consultation report is drafted.
var DefaultIntakeQuestions = []string{
	"Which city or region do you work in?",
	"When were you hired, and did you sign a written employment contract?",
	"What is your job, and what salary were you promised?",
	"How long have wages gone unpaid, and how much is owed in total?",
	"What outcome do you want: back pay, compensation, or ending the employment?",
	"What evidence do you have, such as pay slips, chat records, or attendance logs?",
}

type LocalConfig struct {
	// MaxIterations bounds tool calls per run.
	MaxIterations int
	// StepDelay paces streamed chunks.
	StepDelay       time.Duration
	IntakeQuestions []string
}

// Local is an in-process engine that runs a simulated consultation pipeline
// and publishes its progress as raw events.
type Local struct {
	store  session.Store
	pub    Publisher
	logger *zap.Logger
	cfg    LocalConfig
	now    func() time.Time

	mu           sync.Mutex
	tasks        map[string]*localTask
	requests     map[string]*pendingCall
	sessionLocks map[string]*sync.Mutex
	allowAll     map[string]bool
	wg           sync.WaitGroup
}

type localTask struct {
	id        string
	sessionID string
	cmd       protocol.Command
	ctx       context.Context
	cancel    context.CancelFunc
}

type pendingCall struct {
	requestID string
	taskID    string
	sessionID string
	toolName  string
	decision  chan protocol.Decision
}

func NewLocal(store session.Store, pub Publisher, cfg LocalConfig, logger *zap.Logger) *Local {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 12
	}
	if cfg.IntakeQuestions == nil {
		cfg.IntakeQuestions = DefaultIntakeQuestions
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Local{
		store:        store,
		pub:          pub,
		logger:       logger.With(zap.String("component", "local_engine")),
		cfg:          cfg,
		now:          time.Now,
		tasks:        make(map[string]*localTask),
		requests:     make(map[string]*pendingCall),
		sessionLocks: make(map[string]*sync.Mutex),
		allowAll:     make(map[string]bool),
	}
}

func (l *Local) SubmitCommand(ctx context.Context, sessionID string, cmd protocol.Command) (string, error) {
	if err := cmd.Validate(); err != nil {
		return "", err
	}
	sess, err := l.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("load session: %w", err)
	}
	if _, err := l.store.AppendMessage(ctx, session.Message{
		SessionID: sessionID,
		Role:      session.RoleUser,
		Content:   cmd.Content,
		Phase:     session.PhasePlan,
	}); err != nil {
		return "", fmt.Errorf("store user message: %w", err)
	}
	if sess.Title == "" && cmd.Kind == protocol.CommandSendMessage {
		if err := l.store.UpdateSessionTitle(ctx, sessionID, titleFrom(cmd.Content)); err != nil {
			l.logger.Warn("failed to set session title", zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	task := &localTask{
		id:        uuid.NewString(),
		sessionID: sessionID,
		cmd:       cmd,
		ctx:       runCtx,
		cancel:    cancel,
	}

	l.mu.Lock()
	l.tasks[task.id] = task
	lock := l.sessionLocks[sessionID]
	if lock == nil {
		lock = &sync.Mutex{}
		l.sessionLocks[sessionID] = lock
	}
	l.wg.Add(1)
	l.mu.Unlock()

	if cmd.Kind == protocol.CommandRegenerateReport {
		l.emit(protocol.KindReportRegenerating, map[string]any{
			"task_id":    task.id,
			"session_id": sessionID,
		})
	}

	go func() {
		defer l.wg.Done()
		lock.Lock()
		defer lock.Unlock()
		l.run(task)
	}()

	l.logger.Debug("task submitted",
		zap.String("task_id", task.id),
		zap.String("session_id", sessionID),
		zap.String("command", string(cmd.Kind)))
	return task.id, nil
}

func (l *Local) SubmitCancel(_ context.Context, taskID string) error {
	l.mu.Lock()
	task, ok := l.tasks[taskID]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	task.cancel()
	l.emit(protocol.KindCancelling, map[string]any{"task_id": taskID})
	return nil
}

func (l *Local) SubmitToolDecision(ctx context.Context, requestID string, decision protocol.Decision) error {
	l.mu.Lock()
	call, ok := l.requests[requestID]
	if ok {
		delete(l.requests, requestID)
		if decision == protocol.DecisionAllowAllThisSession {
			l.allowAll[call.sessionID] = true
		}
	}
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRequestNotFound, requestID)
	}

	if decision == protocol.DecisionAllowAlways {
		if err := l.store.SetToolPermission(ctx, call.toolName, "allow"); err != nil {
			l.logger.Warn("failed to persist tool permission",
				zap.String("tool_name", call.toolName),
				zap.Error(err))
		}
	}

	call.decision <- decision
	l.emit(protocol.KindToolCallResponse, map[string]any{
		"task_id":    call.taskID,
		"request_id": call.requestID,
		"tool_name":  call.toolName,
		"session_id": call.sessionID,
	})
	return nil
}

// Wait blocks until every submitted task has finished.
func (l *Local) Wait() {
	l.wg.Wait()
}

// Close cancels running tasks and waits for them to exit.
func (l *Local) Close() error {
	l.mu.Lock()
	for _, t := range l.tasks {
		t.cancel()
	}
	l.mu.Unlock()
	l.wg.Wait()
	return nil
}

func (l *Local) sessionAllowAll(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allowAll[sessionID]
}

func (l *Local) finish(task *localTask) {
	task.cancel()
	l.mu.Lock()
	delete(l.tasks, task.id)
	for id, call := range l.requests {
		if call.taskID == task.id {
			delete(l.requests, id)
		}
	}
	l.mu.Unlock()
}

func (l *Local) emit(kind protocol.Kind, payload any) {
	if l.pub == nil {
		return
	}
	l.pub.Publish(protocol.NewRawEvent(kind, payload, l.now()))
}

var (
	errCancelled     = errors.New("task cancelled")
	errToolDenied    = errors.New("tool call denied")
	errIterationsCap = errors.New("maximum tool iterations exceeded")
)

func titleFrom(content string) string {
	content = strings.Join(strings.Fields(content), " ")
	if utf8.RuneCountInString(content) <= 40 {
		return content
	}
	r := []rune(content)
	return string(r[:40]) + "..."
}
