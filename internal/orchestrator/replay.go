package orchestrator

import (
	"time"

	"github.com/ent0n29/agentdesk/internal/protocol"
)

// Replay folds recorded events through the reducer as if taskID had just
// been started for sessionID, and returns the resulting state. Remembered
// authorizations start empty, so every tool request stays pending.
func Replay(sessionID, taskID string, events []protocol.RawEvent) (State, []LoggedEvent) {
	st := NewState()
	st.SessionID = sessionID
	if taskID != "" {
		st.TaskID = taskID
		st.Status = StatusRunning
	}
	log := newEventLog(len(events) + 1)
	for _, raw := range events {
		ev := protocol.ParseEvent(raw)
		at := time.Unix(raw.Timestamp, 0)
		fx := Reduce(&st, ev, at)
		meta := ev.Meta()
		log.append(LoggedEvent{
			Kind:         string(meta.Kind),
			TaskID:       meta.TaskID,
			Timestamp:    meta.Timestamp,
			Payload:      raw.Payload,
			Stale:        fx.Stale,
			Unrecognized: fx.Unrecognized,
		})
		if fx.Changed {
			st.Version++
		}
	}
	return st, log.newestFirst(0)
}
