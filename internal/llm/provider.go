// Package llm defines the completion contract agents use and resolves which
// configured model each agent talks to.
package llm

import (
	"context"
	"encoding/json"
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResult answers a ToolCall.
type ToolResult struct {
	CallID  string
	Content string
	IsError bool
}

// Message is one turn of the conversation sent to the model. Assistant
// messages may carry tool calls; user messages may carry tool results.
type Message struct {
	Role        Role
	Content     string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// UserText is a plain user message.
func UserText(s string) Message { return Message{Role: RoleUser, Content: s} }

// AssistantText is a plain assistant message.
func AssistantText(s string) Message { return Message{Role: RoleAssistant, Content: s} }

// Tool describes a callable tool with a JSON schema object.
type Tool struct {
	Name        string
	Description string
	Properties  map[string]interface{}
	Required    []string
}

// Request is one completion call.
type Request struct {
	// Model overrides the provider's configured model.
	Model       string
	System      string
	Messages    []Message
	Tools       []Tool
	MaxTokens   int
	Temperature *float64
}

// Usage is the token accounting of one call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Add accumulates another usage.
func (u *Usage) Add(o Usage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
}

// Response is the model's answer.
type Response struct {
	Text string
	// Reasoning is the model's thinking text, when the provider exposes it.
	Reasoning  string
	ToolCalls  []ToolCall
	StopReason string
	Usage      Usage
	Model      string
}

// Provider completes requests against one model backend.
type Provider interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}
