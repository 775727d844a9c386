package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ShayCichocki/agora/internal/bridge"
	"github.com/ShayCichocki/agora/internal/llm"
	"github.com/ShayCichocki/agora/internal/network"
	"github.com/ShayCichocki/agora/internal/registry"
	"github.com/ShayCichocki/agora/pkg/models"
)

var toolDefinitions = map[string]llm.Tool{
	registry.ToolClaudeCode: {
		Name:        registry.ToolClaudeCode,
		Description: "Run the code agent in the project repository to read, write and test code. Returns its final report.",
		Properties: map[string]interface{}{
			"title":  map[string]interface{}{"type": "string", "description": "Short task title"},
			"prompt": map[string]interface{}{"type": "string", "description": "Complete instructions for the code agent"},
		},
		Required: []string{"prompt"},
	},
	registry.ToolDelegate: {
		Name:        registry.ToolDelegate,
		Description: "Hand work to other agents. They respond next in this conversation; you continue after they answer.",
		Properties: map[string]interface{}{
			"agents": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}, "description": "Agent slugs"},
			"task":   map[string]interface{}{"type": "string", "description": "What the agents should do"},
		},
		Required: []string{"agents"},
	},
	registry.ToolRememberLesson: {
		Name:        registry.ToolRememberLesson,
		Description: "Record a lesson to recall in future conversations.",
		Properties: map[string]interface{}{
			"title":  map[string]interface{}{"type": "string"},
			"lesson": map[string]interface{}{"type": "string"},
		},
		Required: []string{"lesson"},
	},
}

// toolsFor lists the tool definitions an agent may call.
func toolsFor(a *registry.Agent) []llm.Tool {
	var out []llm.Tool
	for _, name := range a.Tools {
		if def, ok := toolDefinitions[name]; ok {
			out = append(out, def)
		}
	}
	return out
}

type turnTools struct {
	runner *Runner
	in     TurnInput
	res    *TurnResult
}

func (t *turnTools) execute(ctx context.Context, call llm.ToolCall) llm.ToolResult {
	log := t.runner.log.With(zap.String("agent", t.in.Agent.Slug), zap.String("tool", call.Name))
	if !t.in.Agent.HasTool(call.Name) {
		log.Warn("agent called a tool it does not have")
		return errorResult(call, "unknown tool "+call.Name)
	}

	var content string
	var err error
	switch call.Name {
	case registry.ToolClaudeCode:
		content, err = t.claudeCode(ctx, call.Input)
	case registry.ToolDelegate:
		content, err = t.delegate(call.Input)
	case registry.ToolRememberLesson:
		content, err = t.rememberLesson(ctx, call.Input)
	default:
		err = fmt.Errorf("tool %s is not implemented", call.Name)
	}
	if err != nil {
		log.Warn("tool call failed", zap.Error(err))
		return errorResult(call, err.Error())
	}
	return llm.ToolResult{CallID: call.ID, Content: content}
}

func (t *turnTools) claudeCode(ctx context.Context, raw json.RawMessage) (string, error) {
	var input struct {
		Title  string `json:"title"`
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal(raw, &input); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}
	if strings.TrimSpace(input.Prompt) == "" {
		return "", errors.New("prompt is required")
	}
	if input.Title == "" {
		input.Title = firstLine(input.Prompt, 60)
	}
	if t.runner.opts.Code == nil {
		return "", bridge.ErrToolNotInstalled
	}

	ec := bridge.NewExecContext(t.in.Agent, t.in.Agent.Slug, t.in.Conversation, t.in.Trigger, t.runner.opts.WorkDir)
	res, err := t.runner.opts.Code.ExecuteTool(ctx, input.Title, input.Prompt, ec)
	if err != nil {
		var te *bridge.ToolError
		if errors.As(err, &te) && te.Partial != "" {
			return "", fmt.Errorf("%s\n\nPartial output:\n%s", te.Message, te.Partial)
		}
		return "", err
	}
	return res.Text + "\n\n" + res.Summary, nil
}

func (t *turnTools) delegate(raw json.RawMessage) (string, error) {
	var input struct {
		Agents []string `json:"agents"`
		Task   string   `json:"task"`
	}
	if err := json.Unmarshal(raw, &input); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}
	var named []string
	for _, a := range input.Agents {
		a = strings.TrimPrefix(strings.TrimSpace(a), "@")
		if a != "" && a != t.in.Agent.Slug {
			named = append(named, a)
		}
	}
	if len(named) == 0 {
		return "", errors.New("no agents named")
	}
	t.res.Delegated = append(t.res.Delegated, named...)
	return fmt.Sprintf("Delegated to %s. Mention them in your reply with the task; they answer after your turn ends.",
		"@"+strings.Join(named, ", @")), nil
}

func (t *turnTools) rememberLesson(ctx context.Context, raw json.RawMessage) (string, error) {
	var input struct {
		Title  string `json:"title"`
		Lesson string `json:"lesson"`
	}
	if err := json.Unmarshal(raw, &input); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}
	if strings.TrimSpace(input.Lesson) == "" {
		return "", errors.New("lesson is required")
	}
	ev := &models.Event{
		Kind:    models.KindLesson,
		Content: input.Lesson,
		Tags:    models.Tags{{"e", t.in.Conversation.ID, "", "root"}},
	}
	if input.Title != "" {
		ev.Tags = append(ev.Tags, models.Tag{"title", input.Title})
	}
	if t.in.Conversation.ProjectRef != "" {
		ev.Tags = append(ev.Tags, models.Tag{"a", t.in.Conversation.ProjectRef})
	}
	if t.in.Agent.DefinitionID != "" {
		ev.Tags = append(ev.Tags, models.Tag{"e", t.in.Agent.DefinitionID, "", "definition"})
	}
	if _, err := t.runner.publish(ctx, t.in.Agent, ev); err != nil && !errors.Is(err, network.ErrNotPublished) {
		return "", err
	}
	return "Lesson recorded.", nil
}

func errorResult(call llm.ToolCall, msg string) llm.ToolResult {
	return llm.ToolResult{CallID: call.ID, Content: msg, IsError: true}
}

func firstLine(s string, n int) string {
	return models.FirstLine(s, n)
}
