package models

import "time"

// TaskStatus represents the current state of a tool invocation.
type TaskStatus string

const (
	// TaskStatusPending indicates the task record exists but the tool has not started.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusRunning indicates the tool subprocess is running.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusSucceeded indicates the tool finished successfully.
	TaskStatusSucceeded TaskStatus = "succeeded"
	// TaskStatusFailed indicates the tool failed or could not be started.
	TaskStatusFailed TaskStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusSucceeded, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further updates are expected.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusFailed
}

// TaskStats holds the aggregate numbers reported by the tool.
type TaskStats struct {
	// CostUSD is the total cost reported by the tool.
	CostUSD float64 `json:"cost_usd"`
	// DurationMs is the tool-reported wall time.
	DurationMs int64 `json:"duration_ms"`
	// TurnCount is the number of tool turns.
	TurnCount int `json:"turn_count"`
	// InputTokens is the accumulated input token usage.
	InputTokens int64 `json:"input_tokens"`
	// OutputTokens is the accumulated output token usage.
	OutputTokens int64 `json:"output_tokens"`
}

// Task correlates a tool invocation with its conversation and project.
type Task struct {
	// ID is the id of the published task record, or a local id when publishing failed.
	ID string `json:"id"`
	// ConversationID is the owning conversation.
	ConversationID string `json:"conversation_id"`
	// ProjectRef is the owning project coordinate.
	ProjectRef string `json:"project_ref"`
	// AgentName is the agent that invoked the tool.
	AgentName string `json:"agent_name"`
	// Title is a short description.
	Title string `json:"title"`
	// Prompt is the text handed to the tool.
	Prompt string `json:"prompt"`
	// Status is the current state.
	Status TaskStatus `json:"status"`
	// Updates are the progress messages published so far.
	Updates []string `json:"updates,omitempty"`
	// Result is the final text.
	Result string `json:"result,omitempty"`
	// Error contains the failure message.
	Error string `json:"error,omitempty"`
	// Stats are the aggregate tool statistics.
	Stats TaskStats `json:"stats"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`
	// CompletedAt is when the task reached a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
