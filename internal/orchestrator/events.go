package orchestrator

import (
	"time"

	"github.com/ShayCichocki/agora/pkg/models"
)

// EventType represents the type of coordinator activity.
type EventType string

const (
	// EventConversationStarted indicates a new thread was seen.
	EventConversationStarted EventType = "conversation_started"
	// EventRouted indicates a team was chosen for an event.
	EventRouted EventType = "routed"
	// EventDropped indicates nobody will respond to an event.
	EventDropped EventType = "dropped"
	// EventTurnStarted indicates an agent started a turn.
	EventTurnStarted EventType = "turn_started"
	// EventTurnCompleted indicates an agent published a response.
	EventTurnCompleted EventType = "turn_completed"
	// EventTurnFailed indicates an agent turn was aborted.
	EventTurnFailed EventType = "turn_failed"
	// EventPhaseChanged indicates a conversation changed phase.
	EventPhaseChanged EventType = "phase_changed"
)

// Activity is an event emitted by the coordinator for observers such as the CLI.
type Activity struct {
	Type EventType
	// ConversationID is the thread the activity belongs to.
	ConversationID string
	// Agent is the agent involved, if any.
	Agent string
	// Phase is the conversation phase after the activity.
	Phase models.Phase
	// Signal is the signal an agent ended its turn with.
	Signal models.SignalType
	// Message provides additional context.
	Message string
	// Error contains error details for failure events.
	Error error
	// Tokens is the total tokens used by a turn.
	Tokens int64
	// Timestamp is when the activity occurred.
	Timestamp time.Time
}
