package policy

import (
	"encoding/json"
	"fmt"
	"strings"
)

const maxPreviewLen = 4000

// PreviewArguments renders tool arguments as indented JSON for a human
// reviewer with PII masked. Strings that already hold JSON are re-indented.
func PreviewArguments(args any) string {
	if args == nil {
		return "{}"
	}
	if s, ok := args.(string); ok {
		var decoded any
		if err := json.Unmarshal([]byte(s), &decoded); err == nil {
			args = decoded
		} else {
			out, _ := RedactPII(s)
			return truncatePreview(out)
		}
	}
	b, err := json.MarshalIndent(args, "", "  ")
	if err != nil {
		out, _ := RedactPII(fmt.Sprint(args))
		return truncatePreview(out)
	}
	out, _ := RedactPII(string(b))
	return truncatePreview(out)
}

func truncatePreview(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxPreviewLen {
		return s
	}
	return s[:maxPreviewLen] + "\n…"
}
