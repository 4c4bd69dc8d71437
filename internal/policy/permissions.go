package policy

import (
	"fmt"
	"strings"
)

// Permission is the stored approval mode for a tool.
type Permission string

const (
	PermissionAllow Permission = "allow"
	PermissionAsk   Permission = "ask"
	PermissionDeny  Permission = "deny"
)

// Tools that only read or summarize what the user already provided run
// without asking.
var autoAllowedTools = map[string]struct{}{
	"cite":               {},
	"summarize_facts":    {},
	"check_safety":       {},
	"suggest_escalation": {},
}

func ParsePermission(s string) (Permission, error) {
	switch p := Permission(strings.ToLower(strings.TrimSpace(s))); p {
	case PermissionAllow, PermissionAsk, PermissionDeny:
		return p, nil
	default:
		return "", fmt.Errorf("invalid tool permission %q", s)
	}
}

func DefaultToolPermission(tool string) Permission {
	if _, ok := autoAllowedTools[strings.TrimSpace(tool)]; ok {
		return PermissionAllow
	}
	return PermissionAsk
}

// ToolDecision is the effective permission for one tool call.
type ToolDecision struct {
	Permission Permission
	Reason     string
}

// ResolveToolPermission combines the tool default, a stored override (empty
// when none) and the session's allow-all flag. Allow-all never lifts a deny.
func ResolveToolPermission(tool, stored string, sessionAllowAll bool) ToolDecision {
	perm := DefaultToolPermission(tool)
	reason := "default"
	if p, err := ParsePermission(stored); err == nil {
		perm = p
		reason = "stored"
	}
	if perm == PermissionAsk && sessionAllowAll {
		return ToolDecision{Permission: PermissionAllow, Reason: "session allow-all"}
	}
	return ToolDecision{Permission: perm, Reason: reason}
}
