package orchestrator

import "sync"

// LoggedEvent is one received engine event as it arrived, including events
// that were dropped.
type LoggedEvent struct {
	Seq          uint64 `json:"seq"`
	Kind         string `json:"kind"`
	TaskID       string `json:"task_id,omitempty"`
	Timestamp    int64  `json:"timestamp"`
	Payload      string `json:"payload,omitempty"`
	Stale        bool   `json:"stale,omitempty"`
	Unrecognized bool   `json:"unrecognized,omitempty"`
}

// eventLog keeps the most recent events in arrival order.
type eventLog struct {
	mu     sync.RWMutex
	limit  int
	items  []LoggedEvent
	nextID uint64
}

func newEventLog(limit int) *eventLog {
	return &eventLog{limit: limit}
}

func (l *eventLog) append(ev LoggedEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	ev.Seq = l.nextID
	l.items = append(l.items, ev)
	if over := len(l.items) - l.limit; over > 0 {
		l.items = append(l.items[:0:0], l.items[over:]...)
	}
}

func (l *eventLog) newestFirst(limit int) []LoggedEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if limit <= 0 || limit > len(l.items) {
		limit = len(l.items)
	}
	out := make([]LoggedEvent, 0, limit)
	for i := len(l.items) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, l.items[i])
	}
	return out
}
