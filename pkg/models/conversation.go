package models

import (
	"slices"
	"time"
)

// Phase describes how far a conversation has progressed.
type Phase string

const (
	// PhaseChat is open discussion; every conversation starts here.
	PhaseChat Phase = "chat"
	// PhasePlan is drafting a plan for the work.
	PhasePlan Phase = "plan"
	// PhaseExecute is carrying out the plan, usually through the code tool.
	PhaseExecute Phase = "execute"
	// PhaseNeedInput halts the conversation until a human replies.
	PhaseNeedInput Phase = "need_input"
	// PhaseBlocked halts the conversation until named collaborators respond.
	PhaseBlocked Phase = "blocked"
	// PhaseComplete is terminal.
	PhaseComplete Phase = "complete"
)

// Valid returns true if the phase is a known value.
func (p Phase) Valid() bool {
	switch p {
	case PhaseChat, PhasePlan, PhaseExecute, PhaseNeedInput, PhaseBlocked, PhaseComplete:
		return true
	default:
		return false
	}
}

// Halted reports whether the phase waits for an external trigger.
func (p Phase) Halted() bool {
	return p == PhaseNeedInput || p == PhaseBlocked
}

// Rank orders the working phases so transitions can be checked for regression.
// Halted phases and complete have no rank of their own.
func (p Phase) Rank() int {
	switch p {
	case PhaseChat:
		return 0
	case PhasePlan:
		return 1
	case PhaseExecute:
		return 2
	case PhaseComplete:
		return 3
	default:
		return -1
	}
}

// SignalType is the explicit signal that ends every agent turn.
type SignalType string

const (
	// SignalContinue keeps the phase; the same speaker may continue.
	SignalContinue SignalType = "continue"
	// SignalReadyForTransition allows the phase to advance.
	SignalReadyForTransition SignalType = "ready_for_transition"
	// SignalNeedInput halts until a human replies.
	SignalNeedInput SignalType = "need_input"
	// SignalBlocked halts until the named agents respond.
	SignalBlocked SignalType = "blocked"
	// SignalComplete terminates the conversation.
	SignalComplete SignalType = "complete"
)

// Valid returns true if the signal is a known value.
func (s SignalType) Valid() bool {
	switch s {
	case SignalContinue, SignalReadyForTransition, SignalNeedInput, SignalBlocked, SignalComplete:
		return true
	default:
		return false
	}
}

// Signal is a parsed end-of-turn signal.
type Signal struct {
	// Type is the signal kind.
	Type SignalType `json:"type"`
	// Agents names the collaborators a blocked signal waits on.
	Agents []string `json:"agents,omitempty"`
	// Reason explains a blocked or need_input signal.
	Reason string `json:"reason,omitempty"`
}

// Conversation is the routing state of a single thread.
type Conversation struct {
	// ID is the root thread event id.
	ID string `json:"id"`
	// ProjectRef is the project coordinate the thread belongs to.
	ProjectRef string `json:"project_ref"`
	// Title is a short label taken from the thread start.
	Title string `json:"title,omitempty"`
	// Participants are the agent slugs that have taken part, in order of arrival.
	Participants []string `json:"participants"`
	// Phase is the current phase.
	Phase Phase `json:"phase"`
	// ResumePhase is the working phase to return to after a halt.
	ResumePhase Phase `json:"resume_phase,omitempty"`
	// ActiveSpeakers are the agents allowed to respond next.
	ActiveSpeakers []string `json:"active_speakers"`
	// BlockedOn lists collaborators a blocked conversation is waiting for.
	BlockedOn []string `json:"blocked_on,omitempty"`
	// BlockedBy is the agent that halted the conversation.
	BlockedBy string `json:"blocked_by,omitempty"`
	// BlockReason explains the current halt.
	BlockReason string `json:"block_reason,omitempty"`
	// CreatedAt is when the conversation was first seen.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is the last state change.
	UpdatedAt time.Time `json:"updated_at"`
}

// NewConversation creates a conversation in the chat phase.
func NewConversation(id, projectRef string, now time.Time) *Conversation {
	return &Conversation{
		ID:         id,
		ProjectRef: projectRef,
		Phase:      PhaseChat,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// IsActiveSpeaker reports whether the agent may respond next.
func (c *Conversation) IsActiveSpeaker(slug string) bool {
	return slices.Contains(c.ActiveSpeakers, slug)
}

// AddParticipant appends an agent if it is not yet a participant.
func (c *Conversation) AddParticipant(slug string) {
	if slug == "" || slices.Contains(c.Participants, slug) {
		return
	}
	c.Participants = append(c.Participants, slug)
}

// WorkingPhase returns the phase work continues in, looking through halts.
func (c *Conversation) WorkingPhase() Phase {
	if c.Phase.Halted() {
		if c.ResumePhase != "" {
			return c.ResumePhase
		}
		return PhaseChat
	}
	return c.Phase
}

// Clone returns a deep copy.
func (c *Conversation) Clone() *Conversation {
	cp := *c
	cp.Participants = slices.Clone(c.Participants)
	cp.ActiveSpeakers = slices.Clone(c.ActiveSpeakers)
	cp.BlockedOn = slices.Clone(c.BlockedOn)
	return &cp
}

// PhaseTransition is an audit record of a phase change.
type PhaseTransition struct {
	ConversationID string     `json:"conversation_id"`
	From           Phase      `json:"from"`
	To             Phase      `json:"to"`
	Agent          string     `json:"agent,omitempty"`
	Signal         SignalType `json:"signal,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	At             time.Time  `json:"at"`
}
