// Package orchestrator owns the client-visible task state. A single actor
// goroutine applies engine events and caller commands in mailbox order and
// publishes immutable snapshots to observers.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/agentdesk/internal/bus"
	"github.com/ent0n29/agentdesk/internal/engine"
	"github.com/ent0n29/agentdesk/internal/observability"
	"github.com/ent0n29/agentdesk/internal/protocol"
	"github.com/ent0n29/agentdesk/internal/session"
)

// EventSource delivers raw engine events to a single handler.
type EventSource interface {
	Subscribe(handler bus.Handler) (bus.Token, error)
	Unsubscribe(token bus.Token)
}

// SessionStore is the slice of storage the orchestrator needs.
type SessionStore interface {
	CreateSession(ctx context.Context, scenario, title string) (session.Session, error)
	GetSession(ctx context.Context, sessionID string) (session.Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
	Messages(ctx context.Context, sessionID string) ([]session.Message, error)
	AppendLog(ctx context.Context, level, message, sessionID string) (session.LogEntry, error)
}

type Config struct {
	EventLogLimit int
	ReloadTimeout time.Duration
}

type Orchestrator struct {
	backend engine.Backend
	store   SessionStore
	source  EventSource
	logger  *zap.Logger
	metrics *observability.Metrics
	cfg     Config
	now     func() time.Time

	mailbox chan func()
	stopped chan struct{}
	running atomic.Bool

	// Owned by the actor goroutine.
	state       State
	taskStarted time.Time
	sawEvent    bool
	sawChunk    bool
	reloadGen   uint64

	snapshot atomic.Pointer[State]
	log      *eventLog

	obsMu     sync.Mutex
	observers map[uint64]chan State
	nextObs   uint64
}

func New(backend engine.Backend, store SessionStore, source EventSource, cfg Config, logger *zap.Logger, metrics *observability.Metrics) *Orchestrator {
	if cfg.EventLogLimit <= 0 {
		cfg.EventLogLimit = 500
	}
	if cfg.ReloadTimeout <= 0 {
		cfg.ReloadTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		backend:   backend,
		store:     store,
		source:    source,
		logger:    logger.With(zap.String("component", "orchestrator")),
		metrics:   metrics,
		cfg:       cfg,
		now:       time.Now,
		mailbox:   make(chan func(), 256),
		stopped:   make(chan struct{}),
		state:     NewState(),
		log:       newEventLog(cfg.EventLogLimit),
		observers: make(map[uint64]chan State),
	}
	initial := o.state.Clone()
	o.snapshot.Store(&initial)
	return o
}

// Run subscribes to the event source and processes the mailbox until ctx is
// done. It must be called once.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return errors.New("orchestrator already running")
	}
	defer close(o.stopped)

	token, err := o.source.Subscribe(func(raw protocol.RawEvent) {
		o.post(ctx, func() { o.handleEvent(raw) })
	})
	if err != nil {
		return err
	}
	defer o.source.Unsubscribe(token)

	o.logger.Info("orchestrator started")
	for {
		select {
		case <-ctx.Done():
			o.logger.Info("orchestrator stopped")
			return nil
		case fn := <-o.mailbox:
			fn()
		}
	}
}

// post enqueues fn for the actor. It gives up when ctx ends or the actor
// has stopped.
func (o *Orchestrator) post(ctx context.Context, fn func()) bool {
	select {
	case o.mailbox <- fn:
		return true
	case <-ctx.Done():
		return false
	case <-o.stopped:
		return false
	}
}

// do runs fn on the actor and waits for its result.
func (o *Orchestrator) do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	if !o.post(ctx, func() { reply <- fn() }) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrStopped
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-o.stopped:
		return ErrStopped
	}
}

// Snapshot returns the latest published state.
func (o *Orchestrator) Snapshot() State {
	return o.snapshot.Load().Clone()
}

// Observe streams published states. Slow observers only see the latest
// state. The current state is delivered immediately.
func (o *Orchestrator) Observe() (<-chan State, func()) {
	ch := make(chan State, 1)
	ch <- o.Snapshot()

	o.obsMu.Lock()
	id := o.nextObs
	o.nextObs++
	o.observers[id] = ch
	o.obsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.obsMu.Lock()
			delete(o.observers, id)
			o.obsMu.Unlock()
		})
	}
}

// Events returns up to limit logged events, newest first.
func (o *Orchestrator) Events(limit int) []LoggedEvent {
	return o.log.newestFirst(limit)
}

func (o *Orchestrator) publish() {
	o.state.Version++
	snap := o.state.Clone()
	o.snapshot.Store(&snap)

	o.obsMu.Lock()
	defer o.obsMu.Unlock()
	for _, ch := range o.observers {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap.Clone():
		default:
		}
	}
}

func (o *Orchestrator) handleEvent(raw protocol.RawEvent) {
	ev := protocol.ParseEvent(raw)
	meta := ev.Meta()
	fx := Reduce(&o.state, ev, o.now())

	o.log.append(LoggedEvent{
		Kind:         string(meta.Kind),
		TaskID:       meta.TaskID,
		Timestamp:    meta.Timestamp,
		Payload:      raw.Payload,
		Stale:        fx.Stale,
		Unrecognized: fx.Unrecognized,
	})
	o.metrics.ObserveEvent(string(meta.Kind), fx.Stale, fx.Unrecognized)

	switch {
	case fx.Unrecognized:
		o.logger.Debug("ignoring unrecognized event", zap.String("kind", string(meta.Kind)))
	case fx.Stale:
		o.logger.Debug("dropping stale event",
			zap.String("kind", string(meta.Kind)),
			zap.String("task_id", meta.TaskID),
			zap.String("tracked_task_id", o.state.TaskID))
		o.recordLog(session.LogWarn, fmt.Sprintf("dropped stale %s event for task %q", meta.Kind, meta.TaskID), o.state.SessionID)
	}
	if fx.Anomaly != "" {
		o.logger.Warn("event anomaly",
			zap.String("kind", string(meta.Kind)),
			zap.String("task_id", o.state.TaskID),
			zap.String("detail", fx.Anomaly))
		o.recordLog(session.LogWarn, fmt.Sprintf("%s: %s", meta.Kind, fx.Anomaly), o.state.SessionID)
	}
	foreground := meta.TaskID == "" || meta.TaskID == o.state.TaskID
	if foreground && !fx.Stale && !fx.Unrecognized && !o.taskStarted.IsZero() {
		o.observeTiming(ev)
	}
	if fx.AutoApprove != nil {
		o.autoApprove(fx.AutoApproveTask, *fx.AutoApprove)
	}
	if fx.Outcome != "" {
		o.logger.Info("task finished",
			zap.String("task_id", o.state.LastOutcome.TaskID),
			zap.String("outcome", fx.Outcome))
		var d time.Duration
		if !o.taskStarted.IsZero() {
			d = o.now().Sub(o.taskStarted)
		}
		o.taskStarted = time.Time{}
		o.metrics.ObserveTaskEnded(fx.Outcome, d)
		o.recordOutcome(*o.state.LastOutcome, o.state.SessionID)
	}
	if fx.BackgroundFinished != "" {
		o.logger.Info("background task finished", zap.String("task_id", fx.BackgroundFinished))
		o.recordLog(session.LogInfo, "background task "+fx.BackgroundFinished+" finished", "")
	}
	for _, sid := range fx.Reload {
		o.requestReload(sid)
	}
	if fx.Changed {
		o.publish()
	}
}

func (o *Orchestrator) observeTiming(ev protocol.Event) {
	elapsed := o.now().Sub(o.taskStarted)
	if !o.sawEvent {
		o.sawEvent = true
		o.metrics.ObserveStage("start_to_first_event", elapsed)
	}
	if _, ok := ev.(protocol.StreamChunk); ok && !o.sawChunk {
		o.sawChunk = true
		o.metrics.ObserveStage("start_to_first_chunk", elapsed)
	}
}

// autoApprove answers a request covered by a remembered authorization. If
// the engine rejects the answer the request is shown to the user instead,
// on the foreground or on the background task that raised it.
func (o *Orchestrator) autoApprove(taskID string, req ApprovalRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.ReloadTimeout)
	defer cancel()
	if err := o.backend.SubmitToolDecision(ctx, req.RequestID, protocol.DecisionAllowOnce); err != nil {
		o.logger.Warn("auto approval failed, asking user",
			zap.String("request_id", req.RequestID),
			zap.String("tool_name", req.ToolName),
			zap.Error(err))
		switch bg, ok := o.state.Background[taskID]; {
		case taskID == o.state.TaskID:
			o.state.Approval = &req
		case ok:
			bg.Approval = &req
			o.state.Background[taskID] = bg
		default:
			return
		}
		o.publish()
		return
	}
	o.metrics.ObserveAutoApproval()
	o.logger.Debug("tool call auto-approved",
		zap.String("request_id", req.RequestID),
		zap.String("tool_name", req.ToolName))
}

func (o *Orchestrator) recordOutcome(out Outcome, sessionID string) {
	level := session.LogInfo
	if out.Kind == string(protocol.KindError) {
		level = session.LogError
	}
	msg := fmt.Sprintf("task %s %s", out.TaskID, out.Kind)
	if out.Message != "" {
		msg += ": " + out.Message
	}
	o.recordLog(level, msg, sessionID)
}

// recordLog appends to the persisted diagnostic log off the actor. Failures
// only reach the process log.
func (o *Orchestrator) recordLog(level, message, sessionID string) {
	if o.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.ReloadTimeout)
		defer cancel()
		if _, err := o.store.AppendLog(ctx, level, message, sessionID); err != nil {
			o.logger.Warn("failed to persist diagnostic log", zap.String("message", message), zap.Error(err))
		}
	}()
}

// requestReload loads sessionID's messages off the actor. Only the result of
// the latest request for the still-selected session is applied.
func (o *Orchestrator) requestReload(sessionID string) {
	if sessionID == "" || sessionID != o.state.SessionID || o.store == nil {
		return
	}
	o.reloadGen++
	gen := o.reloadGen
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.ReloadTimeout)
		defer cancel()
		msgs, err := o.store.Messages(ctx, sessionID)
		o.post(context.Background(), func() { o.applyReload(sessionID, gen, msgs, err) })
	}()
}

func (o *Orchestrator) applyReload(sessionID string, gen uint64, msgs []session.Message, err error) {
	if sessionID != o.state.SessionID || gen != o.reloadGen {
		return
	}
	if err != nil {
		o.metrics.ObserveReloadError()
		o.logger.Warn("failed to reload messages", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if msgs == nil {
		msgs = []session.Message{}
	}
	o.state.Messages = msgs
	o.publish()
}
