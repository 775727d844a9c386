// Package llmtest provides a scripted llm.Provider for tests.
package llmtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/ShayCichocki/agora/internal/llm"
)

// Reply computes a response for a request.
type Reply func(req llm.Request) (*llm.Response, error)

// Text returns a fixed text reply.
func Text(s string) Reply {
	return func(llm.Request) (*llm.Response, error) {
		return &llm.Response{Text: s, StopReason: "end_turn", Usage: llm.Usage{InputTokens: 10, OutputTokens: 5}}, nil
	}
}

// Call returns a reply that requests one tool call.
func Call(id, name, input string) Reply {
	return func(llm.Request) (*llm.Response, error) {
		return &llm.Response{
			StopReason: "tool_use",
			ToolCalls:  []llm.ToolCall{{ID: id, Name: name, Input: []byte(input)}},
			Usage:      llm.Usage{InputTokens: 10, OutputTokens: 5},
		}, nil
	}
}

// Fail returns a reply that errors.
func Fail(err error) Reply {
	return func(llm.Request) (*llm.Response, error) { return nil, err }
}

// Provider replays scripted replies in order and records every request.
// When the script runs out, Fallback is used if set.
type Provider struct {
	Fallback Reply

	mu       sync.Mutex
	script   []Reply
	requests []llm.Request
}

// New creates a provider with the given script.
func New(replies ...Reply) *Provider {
	return &Provider{script: replies}
}

// Push appends replies to the script.
func (p *Provider) Push(replies ...Reply) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = append(p.script, replies...)
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.requests = append(p.requests, req)
	var next Reply
	if len(p.script) > 0 {
		next = p.script[0]
		p.script = p.script[1:]
	} else {
		next = p.Fallback
	}
	p.mu.Unlock()

	if next == nil {
		return nil, fmt.Errorf("llmtest: script exhausted after %d requests", len(p.Requests()))
	}
	return next(req)
}

// Requests returns every request received.
func (p *Provider) Requests() []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.Request(nil), p.requests...)
}

var _ llm.Provider = (*Provider)(nil)
