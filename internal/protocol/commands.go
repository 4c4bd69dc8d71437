package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// Decision is the user's answer to a tool-call approval request.
type Decision string

const (
	DecisionAllowOnce           Decision = "allow_once"
	DecisionAllowAlways         Decision = "allow_always"
	DecisionAllowAllThisSession Decision = "allow_all_session"
	DecisionDeny                Decision = "deny"
)

var ErrInvalidDecision = errors.New("invalid tool decision")

func ParseDecision(s string) (Decision, error) {
	switch d := Decision(strings.ToLower(strings.TrimSpace(s))); d {
	case DecisionAllowOnce, DecisionAllowAlways, DecisionAllowAllThisSession, DecisionDeny:
		return d, nil
	case "allow":
		return DecisionAllowOnce, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDecision, s)
	}
}

func (d Decision) Allows() bool {
	switch d {
	case DecisionAllowOnce, DecisionAllowAlways, DecisionAllowAllThisSession:
		return true
	default:
		return false
	}
}

// CommandKind selects what a task run does.
type CommandKind string

const (
	CommandSendMessage      CommandKind = "send_message"
	CommandRegenerateReport CommandKind = "regenerate_report"
)

// RegenerateReportPrompt is the user turn recorded when a report is rebuilt.
const RegenerateReportPrompt = "Please regenerate a complete consultation report from the facts collected so far."

var ErrInvalidCommand = errors.New("invalid command")

type Command struct {
	Kind    CommandKind `json:"kind"`
	Content string      `json:"content,omitempty"`
}

func SendMessage(content string) Command {
	return Command{Kind: CommandSendMessage, Content: content}
}

func RegenerateReport() Command {
	return Command{Kind: CommandRegenerateReport, Content: RegenerateReportPrompt}
}

func (c Command) Validate() error {
	switch c.Kind {
	case CommandSendMessage:
		if strings.TrimSpace(c.Content) == "" {
			return fmt.Errorf("%w: content is required", ErrInvalidCommand)
		}
		return nil
	case CommandRegenerateReport:
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidCommand, c.Kind)
	}
}
