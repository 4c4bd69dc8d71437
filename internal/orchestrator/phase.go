package orchestrator

import (
	"strings"

	"github.com/ent0n29/agentdesk/internal/protocol"
)

const reportRegeneratingText = "regenerating report"

var knownPhases = map[string]Phase{
	"planning":  PhasePlanning,
	"drafting":  PhaseDrafting,
	"reviewing": PhaseReviewing,
}

// applyAgentPhase keeps the raw text for display even when the phase is not
// one this build knows; Phase then stays where it was.
func applyAgentPhase(st *State, ev protocol.AgentPhase) {
	st.PhaseText = ev.Phase
	if p, ok := knownPhases[strings.ToLower(ev.Phase)]; ok {
		st.Phase = p
	}
}

func applyIntakeProgress(st *State, ev protocol.IntakeProgress) {
	current := ev.Current
	if current < 0 {
		current = 0
	}
	total := ev.Total
	if !ev.HasTotal || total <= 0 {
		total = max(current, 1)
	}
	if current > total {
		current = total
	}
	st.Phase = PhaseIntaking
	st.Intake = &IntakeProgress{Current: current, Total: total, Question: ev.Question}
}
