// Package prompt assembles the system prompt and token-budgeted history for
// an agent turn.
package prompt

import (
	"fmt"
	"strings"

	"github.com/ShayCichocki/agora/internal/intake"
	"github.com/ShayCichocki/agora/internal/llm"
	"github.com/ShayCichocki/agora/internal/registry"
	"github.com/ShayCichocki/agora/internal/router"
	"github.com/ShayCichocki/agora/pkg/models"
)

// Entry is one message of conversation history, oldest first.
type Entry struct {
	// Author is the agent slug, or "" for a human.
	Author string
	// Content is the message body.
	Content string
}

// Context is everything a prompt is built from.
type Context struct {
	Agent        *registry.Agent
	Conversation *models.Conversation
	Phase        models.Phase
	// Roster lists the other agents the agent can address.
	Roster []models.AgentSummary
	// Lessons are the agent's remembered lessons, newest first.
	Lessons []intake.Lesson
	// History is the conversation so far, ending with the triggering message.
	History []Entry
	// SingleAgent drops roster and turn-taking instructions.
	SingleAgent bool
	// ProjectName labels the project in the system prompt.
	ProjectName string
}

// NewContext builds a prompt context for agent responding in conv.
func NewContext(agent *registry.Agent, conv *models.Conversation) Context {
	return Context{
		Agent:        agent,
		Conversation: conv,
		Phase:        conv.WorkingPhase(),
	}
}

// Prompt is a built prompt.
type Prompt struct {
	System   string
	Messages []llm.Message
	// Tokens is the counted size of System plus Messages.
	Tokens int
	// Dropped is the number of history entries trimmed to fit.
	Dropped int
}

// Builder builds prompts within a token budget.
type Builder struct {
	counter   Counter
	maxTokens int
	reserve   int
}

// NewBuilder creates a builder. maxTokens is the context window and reserve
// is held back for the response.
func NewBuilder(counter Counter, maxTokens, reserve int) *Builder {
	if counter == nil {
		counter = ApproxCounter
	}
	return &Builder{counter: counter, maxTokens: maxTokens, reserve: reserve}
}

// Build assembles the prompt. History is trimmed oldest first; the newest
// entry is always kept.
func (b *Builder) Build(pc Context) (*Prompt, error) {
	if pc.Agent == nil {
		return nil, fmt.Errorf("prompt: no agent")
	}
	system := SystemPrompt(pc)
	used := b.counter.Count(system)
	budget := b.maxTokens - b.reserve - used

	keep := 0
	for i := len(pc.History) - 1; i >= 0; i-- {
		n := b.counter.Count(render(pc.History[i], pc.Agent.Slug))
		if keep > 0 && n > budget {
			break
		}
		budget -= n
		used += n
		keep++
	}
	history := pc.History[len(pc.History)-keep:]

	return &Prompt{
		System:   system,
		Messages: toMessages(history, pc.Agent.Slug),
		Tokens:   used,
		Dropped:  len(pc.History) - keep,
	}, nil
}

// SystemPrompt renders the system prompt for pc.
func SystemPrompt(pc Context) string {
	a := pc.Agent
	var b strings.Builder

	fmt.Fprintf(&b, "You are %s", a.Name)
	if a.Role != "" {
		fmt.Fprintf(&b, ", %s", a.Role)
	}
	b.WriteString(".\n")
	if pc.ProjectName != "" {
		fmt.Fprintf(&b, "You work on the project %q.\n", pc.ProjectName)
	}
	if a.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", a.Description)
	}
	if a.Instructions != "" {
		fmt.Fprintf(&b, "\n## Instructions\n\n%s\n", strings.TrimSpace(a.Instructions))
	}

	fmt.Fprintf(&b, "\n## Phase: %s\n\n%s\n", pc.Phase, phaseInstructions(pc.Phase))

	if !pc.SingleAgent && len(pc.Roster) > 0 {
		b.WriteString("\n## Team\n\nMention an agent with @slug to hand work to it.\n\n")
		for _, s := range pc.Roster {
			if s.Slug == a.Slug {
				continue
			}
			fmt.Fprintf(&b, "- @%s: %s\n", s.Slug, s.Description)
		}
	}

	if len(pc.Lessons) > 0 {
		b.WriteString("\n## Lessons you recorded earlier\n\n")
		for _, l := range pc.Lessons {
			fmt.Fprintf(&b, "- %s: %s\n", l.Title, oneLine(l.Content))
		}
	}

	b.WriteString("\n## Ending your turn\n\n")
	b.WriteString("End every response with exactly one signal line:\n\n")
	b.WriteString(router.FormatSignal(models.Signal{Type: models.SignalContinue}) + "  (keep going in this phase)\n")
	b.WriteString(router.FormatSignal(models.Signal{Type: models.SignalReadyForTransition}) + "  (this phase is done)\n")
	b.WriteString(router.FormatSignal(models.Signal{Type: models.SignalNeedInput, Reason: "question"}) + "  (wait for the human)\n")
	if !pc.SingleAgent {
		b.WriteString(router.FormatSignal(models.Signal{Type: models.SignalBlocked, Agents: []string{"slug"}, Reason: "what you need"}) + "  (wait for another agent)\n")
	}
	b.WriteString(router.FormatSignal(models.Signal{Type: models.SignalComplete}) + "  (the work is finished)\n")
	return b.String()
}

func phaseInstructions(p models.Phase) string {
	switch p {
	case models.PhasePlan:
		return "Draft a concrete plan. Do not change code yet."
	case models.PhaseExecute:
		return "Carry out the plan. Use the claude_code tool for changes to the repository."
	default:
		return "Discuss the request and clarify what is wanted. Do not change code yet."
	}
}

func render(e Entry, self string) string {
	if e.Author == self {
		return e.Content
	}
	author := "human"
	if e.Author != "" {
		author = "@" + e.Author
	}
	return "[" + author + "] " + e.Content
}

// toMessages maps history to alternating user/assistant turns starting with
// a user turn. Consecutive entries of the same role are merged.
func toMessages(history []Entry, self string) []llm.Message {
	var out []llm.Message
	for _, e := range history {
		role := llm.RoleUser
		if e.Author == self {
			role = llm.RoleAssistant
		}
		text := render(e, self)
		if len(out) == 0 && role == llm.RoleAssistant {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content += "\n\n" + text
			continue
		}
		out = append(out, llm.Message{Role: role, Content: text})
	}
	return out
}

func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
