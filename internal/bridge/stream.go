package bridge

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ShayCichocki/agora/pkg/models"
)

// StreamEventType is the type of a stream-json line from the code tool.
type StreamEventType string

const (
	// StreamEventSystem is an init or status line; ignored.
	StreamEventSystem StreamEventType = "system"
	// StreamEventAssistant carries assistant text, tool calls and usage.
	StreamEventAssistant StreamEventType = "assistant"
	// StreamEventUser carries tool results fed back to the model; ignored.
	StreamEventUser StreamEventType = "user"
	// StreamEventToolUse is a top-level tool call.
	StreamEventToolUse StreamEventType = "tool_use"
	// StreamEventResult is the final summary line.
	StreamEventResult StreamEventType = "result"
)

// StreamEvent is one parsed line of tool output.
type StreamEvent struct {
	Type StreamEventType
	// Text is the assistant text of the line.
	Text string
	// ToolActions describe the tool calls of the line (e.g. "Reading auth.go").
	ToolActions []string
	// InputTokens and OutputTokens are the usage reported on the line.
	InputTokens  int64
	OutputTokens int64
	// Result is set for result lines.
	Result *ResultLine
	// Raw contains the original JSON for debugging.
	Raw json.RawMessage
}

// ResultLine is the payload of a result line.
type ResultLine struct {
	Result     string
	IsError    bool
	CostUSD    float64
	DurationMs int64
	NumTurns   int
}

type rawUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type rawBlock struct {
	Type  string         `json:"type"`
	Text  string         `json:"text"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

type rawLine struct {
	Type    StreamEventType `json:"type"`
	Message json.RawMessage `json:"message"`
	Content json.RawMessage `json:"content"`
	Usage   *rawUsage       `json:"usage"`

	// tool_use lines
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`

	// result lines
	Result       string   `json:"result"`
	IsError      bool     `json:"is_error"`
	TotalCostUSD *float64 `json:"total_cost_usd"`
	CostUSD      *float64 `json:"cost_usd"`
	DurationMs   int64    `json:"duration_ms"`
	NumTurns     int      `json:"num_turns"`
}

type rawMessage struct {
	Content json.RawMessage `json:"content"`
	Usage   *rawUsage       `json:"usage"`
}

// ParseStreamEvent parses one stream-json line.
func ParseStreamEvent(data []byte) (StreamEvent, error) {
	var raw rawLine
	if err := json.Unmarshal(data, &raw); err != nil {
		return StreamEvent{}, fmt.Errorf("unmarshal json: %w", err)
	}
	ev := StreamEvent{Type: raw.Type, Raw: data}

	switch raw.Type {
	case StreamEventAssistant:
		content := raw.Content
		usage := raw.Usage
		if len(raw.Message) > 0 {
			var msg rawMessage
			// message may also be a plain string
			if err := json.Unmarshal(raw.Message, &msg); err == nil {
				if len(msg.Content) > 0 {
					content = msg.Content
				}
				if msg.Usage != nil {
					usage = msg.Usage
				}
			} else {
				var s string
				if json.Unmarshal(raw.Message, &s) == nil {
					ev.Text = s
				}
			}
		}
		text, actions := parseContent(content)
		if text != "" {
			ev.Text = text
		}
		ev.ToolActions = actions
		if usage != nil {
			ev.InputTokens, ev.OutputTokens = usage.InputTokens, usage.OutputTokens
		}

	case StreamEventToolUse:
		if a := formatToolAction(raw.Name, raw.Input); a != "" {
			ev.ToolActions = []string{a}
		}

	case StreamEventResult:
		r := &ResultLine{
			Result:     raw.Result,
			IsError:    raw.IsError,
			DurationMs: raw.DurationMs,
			NumTurns:   raw.NumTurns,
		}
		switch {
		case raw.TotalCostUSD != nil:
			r.CostUSD = *raw.TotalCostUSD
		case raw.CostUSD != nil:
			r.CostUSD = *raw.CostUSD
		}
		ev.Result = r
		if raw.Usage != nil {
			ev.InputTokens, ev.OutputTokens = raw.Usage.InputTokens, raw.Usage.OutputTokens
		}
	}
	return ev, nil
}

// parseContent reads a content field that is either a string or a block array.
func parseContent(content json.RawMessage) (string, []string) {
	if len(content) == 0 {
		return "", nil
	}
	var s string
	if json.Unmarshal(content, &s) == nil {
		return s, nil
	}
	var blocks []rawBlock
	if json.Unmarshal(content, &blocks) != nil {
		return "", nil
	}
	var texts, actions []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if t := strings.TrimSpace(b.Text); t != "" {
				texts = append(texts, t)
			}
		case "tool_use":
			if a := formatToolAction(b.Name, b.Input); a != "" {
				actions = append(actions, a)
			}
		}
	}
	return strings.Join(texts, "\n\n"), actions
}

// formatToolAction formats a tool call into a human-readable string.
func formatToolAction(name string, input map[string]any) string {
	if name == "" {
		return ""
	}
	str := func(key string) string {
		v, _ := input[key].(string)
		return v
	}

	switch name {
	case "Read":
		if p := str("file_path"); p != "" {
			return "Reading " + truncate(filepath.Base(p), 40)
		}
		return "Reading file"
	case "Edit", "MultiEdit":
		if p := str("file_path"); p != "" {
			return "Editing " + truncate(filepath.Base(p), 40)
		}
		return "Editing file"
	case "Write":
		if p := str("file_path"); p != "" {
			return "Writing " + truncate(filepath.Base(p), 40)
		}
		return "Writing file"
	case "Bash":
		if c := str("command"); c != "" {
			first, _, _ := strings.Cut(strings.TrimSpace(c), " ")
			return "Running " + truncate(first, 30)
		}
		return "Running command"
	case "Glob":
		if p := str("pattern"); p != "" {
			return "Searching " + truncate(p, 30)
		}
		return "Searching files"
	case "Grep":
		if p := str("pattern"); p != "" {
			return "Grep " + truncate(p, 30)
		}
		return "Searching code"
	case "WebFetch":
		return "Fetching URL"
	case "Task":
		return "Running subagent"
	default:
		return "Using tool " + name
	}
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return models.TruncateRunes(s, n-3) + "..."
}
