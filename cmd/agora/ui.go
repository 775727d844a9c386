package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/agora/internal/network"
	"github.com/ShayCichocki/agora/internal/orchestrator"
	"github.com/ShayCichocki/agora/internal/project"
	"github.com/ShayCichocki/agora/internal/registry"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	agentStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	phaseStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(0, 1)
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

func printBanner(meta *project.Metadata, reg *registry.Registry, net network.Network) {
	var b strings.Builder
	b.WriteString(titleStyle.Render("agora") + " " + dimStyle.Render(meta.Ref()) + "\n")
	fmt.Fprintf(&b, "project  %s\n", meta.Name)
	if pool, ok := net.(*network.RelayPool); ok {
		fmt.Fprintf(&b, "relays   %s\n", strings.Join(pool.URLs(), ", "))
	} else {
		b.WriteString("relays   " + dimStyle.Render("offline") + "\n")
	}
	names := make([]string, 0, reg.Len())
	for _, a := range reg.Agents() {
		names = append(names, "@"+a.Slug)
	}
	b.WriteString("agents   " + agentStyle.Render(strings.Join(names, " ")))
	fmt.Println(boxStyle.Render(b.String()))
}

// renderActivity formats one activity line for the console.
func renderActivity(a orchestrator.Activity) string {
	ts := dimStyle.Render(a.Timestamp.Format("15:04:05"))
	conv := dimStyle.Render(shortID(a.ConversationID))
	who := ""
	if a.Agent != "" {
		who = agentStyle.Render("@"+a.Agent) + " "
	}

	var body string
	switch a.Type {
	case orchestrator.EventConversationStarted:
		body = "new thread " + titleStyle.Render(a.Message)
	case orchestrator.EventRouted:
		body = "routed: " + a.Message
	case orchestrator.EventDropped:
		body = dimStyle.Render("not routed: " + a.Message)
	case orchestrator.EventTurnStarted:
		body = "thinking..."
	case orchestrator.EventTurnCompleted:
		body = okStyle.Render("replied") + fmt.Sprintf(" [%s] %s", a.Signal, dimStyle.Render(fmt.Sprintf("%d tokens", a.Tokens)))
	case orchestrator.EventTurnFailed:
		body = errStyle.Render(fmt.Sprintf("turn failed: %v", a.Error))
	case orchestrator.EventPhaseChanged:
		body = "phase " + phaseStyle.Render(a.Message)
	default:
		body = string(a.Type) + " " + a.Message
	}
	return fmt.Sprintf("%s %s %s%s", ts, conv, who, body)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
