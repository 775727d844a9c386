package router

import (
	"regexp"
	"strings"

	"github.com/ShayCichocki/agora/pkg/models"
)

var mentionPattern = regexp.MustCompile(`(?:^|[^A-Za-z0-9_@])@([A-Za-z0-9][A-Za-z0-9_.-]*)`)

// ParseMentions returns the distinct @name tokens in text, in order of
// first appearance, without the leading @.
func ParseMentions(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range mentionPattern.FindAllStringSubmatch(text, -1) {
		token := strings.TrimRight(m[1], ".-_")
		key := strings.ToLower(token)
		if token == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, token)
	}
	return out
}

var (
	executeRequest = regexp.MustCompile(`(?i)\b(implement|execute|build it|go ahead|start coding)\b`)
	planRequest    = regexp.MustCompile(`(?i)\b((make|draft|write|create|propose) (a |the )?plan|plan (it|this) out)\b`)
)

// requestedPhase reports the phase a human message asks for, if any.
func requestedPhase(text string) (models.Phase, bool) {
	switch {
	case executeRequest.MatchString(text):
		return models.PhaseExecute, true
	case planRequest.MatchString(text):
		return models.PhasePlan, true
	default:
		return "", false
	}
}
