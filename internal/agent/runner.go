// Package agent runs one agent turn: it builds the prompt, calls the
// agent's LLM with its tools, and parses the trailing signal.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ShayCichocki/agora/internal/bridge"
	"github.com/ShayCichocki/agora/internal/llm"
	"github.com/ShayCichocki/agora/internal/network"
	"github.com/ShayCichocki/agora/internal/prompt"
	"github.com/ShayCichocki/agora/internal/registry"
	"github.com/ShayCichocki/agora/internal/router"
	"github.com/ShayCichocki/agora/pkg/models"
)

// DefaultMaxToolRounds bounds model calls within one turn.
const DefaultMaxToolRounds = 8

// Providers resolves the model backend configured for an agent.
type Providers interface {
	ForAgent(agent string) (llm.Provider, llm.Configuration, error)
}

// CodeTool runs the external code-generation tool.
type CodeTool interface {
	ExecuteTool(ctx context.Context, title, prompt string, ec bridge.ExecContext) (*bridge.Result, error)
}

// TurnInput is one agent's turn in a routing pass.
type TurnInput struct {
	Agent        *registry.Agent
	Conversation *models.Conversation
	// Trigger is the event being answered.
	Trigger *models.Event
	// Prompt carries roster, lessons and history.
	Prompt prompt.Context
}

// TurnResult is what an agent produced.
type TurnResult struct {
	Agent string
	// Text is the response without the trailing signal line.
	Text string
	// Reasoning is the model's thinking text, if any.
	Reasoning string
	Signal    models.Signal
	Usage     llm.Usage
	// ToolCalls counts executed tool calls.
	ToolCalls int
	// Delegated lists agents handed work through the delegate tool.
	Delegated []string
	// Model is the model that answered.
	Model string
}

// Options configures a Runner.
type Options struct {
	Providers Providers
	Prompts   *prompt.Builder
	// Code runs claude_code calls; nil reports the tool as unavailable.
	Code CodeTool
	// WorkDir is where the code tool runs.
	WorkDir       string
	MaxToolRounds int
	Logger        *zap.Logger
	// OnPublish is called with every event the runner publishes.
	OnPublish func(*models.Event)
}

// Runner executes agent turns.
type Runner struct {
	net  network.Network
	opts Options
	log  *zap.Logger
}

// NewRunner creates a runner publishing through net.
func NewRunner(net network.Network, opts Options) *Runner {
	if opts.MaxToolRounds <= 0 {
		opts.MaxToolRounds = DefaultMaxToolRounds
	}
	if opts.Prompts == nil {
		opts.Prompts = prompt.NewBuilder(nil, 200000, 8192)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{net: net, opts: opts, log: logger.Named("agent")}
}

// RunTurn runs one turn: resolve the model, build the prompt and loop over
// completions and tool calls until the model answers without tools.
// A configuration failure aborts only this agent's turn.
func (r *Runner) RunTurn(ctx context.Context, in TurnInput) (*TurnResult, error) {
	a := in.Agent
	log := r.log.With(zap.String("agent", a.Slug), zap.String("conversation", in.Conversation.ID))

	provider, cfg, err := r.opts.Providers.ForAgent(a.Slug)
	if err != nil {
		var ce *llm.ConfigError
		if errors.As(err, &ce) {
			log.Error("no usable LLM configuration", zap.Strings("available", ce.Available), zap.Error(err))
		}
		return nil, fmt.Errorf("agent %s: %w", a.Slug, err)
	}

	built, err := r.opts.Prompts.Build(in.Prompt)
	if err != nil {
		return nil, err
	}
	if built.Dropped > 0 {
		log.Debug("history trimmed", zap.Int("dropped", built.Dropped), zap.Int("tokens", built.Tokens))
	}

	r.typing(ctx, in, models.KindTypingStart)
	defer r.typing(context.WithoutCancel(ctx), in, models.KindTypingStop)

	res := &TurnResult{Agent: a.Slug}
	tc := &turnTools{runner: r, in: in, res: res}
	messages := built.Messages
	var text string
	for round := 0; ; round++ {
		if round >= r.opts.MaxToolRounds {
			log.Warn("tool round limit reached", zap.Int("rounds", round))
			break
		}
		resp, err := provider.Complete(ctx, llm.Request{
			Model:       cfg.Model,
			System:      built.System,
			Messages:    messages,
			Tools:       toolsFor(a),
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
		})
		if err != nil {
			return nil, fmt.Errorf("agent %s: completion: %w", a.Slug, err)
		}
		res.Usage.Add(resp.Usage)
		res.Model = resp.Model
		if resp.Reasoning != "" {
			res.Reasoning = strings.TrimSpace(res.Reasoning + "\n" + resp.Reasoning)
		}
		if resp.Text != "" {
			text = resp.Text
		}
		if len(resp.ToolCalls) == 0 {
			break
		}

		messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Text, ToolCalls: resp.ToolCalls})
		results := make([]llm.ToolResult, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			res.ToolCalls++
			results = append(results, tc.execute(ctx, call))
		}
		messages = append(messages, llm.Message{Role: llm.RoleUser, ToolResults: results})
	}

	res.Signal, res.Text = router.ParseSignal(text)
	if len(res.Delegated) > 0 && res.Signal.Type == models.SignalContinue {
		res.Signal = models.Signal{Type: models.SignalBlocked, Agents: res.Delegated, Reason: "delegated"}
	}
	log.Info("turn finished",
		zap.String("signal", string(res.Signal.Type)),
		zap.Int("tool_calls", res.ToolCalls),
		zap.Int64("input_tokens", res.Usage.InputTokens),
		zap.Int64("output_tokens", res.Usage.OutputTokens))
	return res, nil
}

// typing publishes a typing indicator. Failures are only logged.
func (r *Runner) typing(ctx context.Context, in TurnInput, kind models.Kind) {
	ev := &models.Event{
		Kind: kind,
		Tags: models.ReplyTags(in.Conversation.ID, "", in.Conversation.ProjectRef),
	}
	if kind == models.KindTypingStart {
		ev.Content = in.Agent.Name + " is typing"
	}
	r.publish(ctx, in.Agent, ev)
}

func (r *Runner) publish(ctx context.Context, a *registry.Agent, ev *models.Event) (*models.Event, error) {
	if err := a.Sign(ev); err != nil {
		return nil, err
	}
	if r.opts.OnPublish != nil {
		r.opts.OnPublish(ev)
	}
	relays, err := r.net.Publish(ctx, ev)
	if err == nil && len(relays) == 0 {
		err = network.ErrNotPublished
	}
	if err != nil {
		r.log.Warn("publish failed", zap.Int("kind", int(ev.Kind)), zap.String("agent", a.Slug), zap.Error(err))
	}
	return ev, err
}
