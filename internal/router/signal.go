package router

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ShayCichocki/agora/pkg/models"
)

var signalLine = regexp.MustCompile(`(?i)^signal:\s*([a-z_]+)\s*(.*)$`)

// ParseSignal extracts the trailing signal line from an agent response. It
// returns the signal and the response text without that line. A missing or
// unknown signal is treated as continue.
func ParseSignal(text string) (models.Signal, string) {
	lines := strings.Split(strings.TrimRight(text, " \t\r\n"), "\n")
	i := len(lines) - 1
	for i >= 0 && strings.TrimSpace(lines[i]) == "" {
		i--
	}
	if i < 0 {
		return models.Signal{Type: models.SignalContinue}, ""
	}

	raw := strings.Trim(strings.TrimSpace(lines[i]), "*`_ ")
	m := signalLine.FindStringSubmatch(raw)
	if m == nil {
		return models.Signal{Type: models.SignalContinue}, strings.TrimSpace(text)
	}

	sig := models.Signal{Type: models.SignalType(strings.ToLower(m[1]))}
	if !sig.Type.Valid() {
		sig.Type = models.SignalContinue
	}
	for _, part := range strings.Split(m[2], ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "agents", "agent":
			for _, a := range strings.Split(value, ",") {
				a = strings.TrimPrefix(strings.TrimSpace(a), "@")
				if a != "" {
					sig.Agents = append(sig.Agents, a)
				}
			}
		case "reason":
			sig.Reason = value
		}
	}

	body := strings.TrimSpace(strings.Join(lines[:i], "\n"))
	return sig, body
}

// FormatSignal renders a signal as the trailing line agents are asked to emit.
func FormatSignal(sig models.Signal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SIGNAL: %s", sig.Type)
	if len(sig.Agents) > 0 {
		fmt.Fprintf(&b, "; agents=%s", strings.Join(sig.Agents, ","))
	}
	if sig.Reason != "" {
		fmt.Fprintf(&b, "; reason=%s", sig.Reason)
	}
	return b.String()
}
