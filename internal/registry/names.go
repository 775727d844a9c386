package registry

import (
	"errors"
	"slices"
	"strings"
	"unicode"
)

// ErrInvalidName is returned for names with no alphanumeric characters.
var ErrInvalidName = errors.New("agent name must contain a letter or digit")

// DefaultAgentName is the agent handling messages nobody else claims.
const DefaultAgentName = "default"

// Tool names agents may be granted.
const (
	ToolClaudeCode     = "claude_code"
	ToolDelegate       = "delegate"
	ToolRememberLesson = "remember_lesson"
)

// Canonicalize lowercases name and collapses every run of non-alphanumerics
// into a single hyphen, trimming hyphens from both ends.
func Canonicalize(name string) string {
	var b strings.Builder
	pendingHyphen := false
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingHyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingHyphen = false
			b.WriteRune(r)
			continue
		}
		pendingHyphen = true
	}
	return b.String()
}

// Capabilities computes the tools an agent may call.
func Capabilities(slug, role, definitionID string, extra []string) []string {
	tools := []string{ToolClaudeCode}
	if slug == DefaultAgentName || strings.Contains(strings.ToLower(role), "orchestrator") {
		tools = append(tools, ToolDelegate)
	}
	if definitionID != "" {
		tools = append(tools, ToolRememberLesson)
	}
	for _, t := range extra {
		t = strings.TrimSpace(t)
		if t != "" && !slices.Contains(tools, t) {
			tools = append(tools, t)
		}
	}
	return tools
}
