package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/agora/internal/config"
	"github.com/ShayCichocki/agora/internal/llm"
)

const messageJSON = `{
  "id": "msg_1",
  "type": "message",
  "role": "assistant",
  "model": "claude-sonnet-4-5-20250929",
  "content": [
    {"type": "thinking", "thinking": "consider the plan", "signature": "sig"},
    {"type": "text", "text": "Running the tool."},
    {"type": "tool_use", "id": "toolu_1", "name": "claude_code", "input": {"prompt": "write tests"}}
  ],
  "stop_reason": "tool_use",
  "usage": {"input_tokens": 120, "output_tokens": 40}
}`

func TestNew_RequiresAPIKey(t *testing.T) {
	_, err := New(context.Background(), Config{})
	require.ErrorIs(t, err, config.ErrNoAPIKey)
}

func TestNew_DefaultModel(t *testing.T) {
	p, err := New(context.Background(), Config{APIKey: "test-key"})
	require.NoError(t, err)
	assert.Equal(t, string(sdk.ModelClaudeSonnet4_5_20250929), p.Model())
	assert.NotNil(t, p.Tracker())
}

func TestTranslateModelForBedrock(t *testing.T) {
	assert.Equal(t, sdk.Model("us.anthropic.claude-sonnet-4-5-20250929-v1:0"),
		translateModelForBedrock(sdk.ModelClaudeSonnet4_5_20250929))
	assert.Equal(t, sdk.Model("custom-model"), translateModelForBedrock("custom-model"))
	assert.Equal(t, sdk.Model("us.anthropic.x-v1:0"), translateModelForBedrock("us.anthropic.x-v1:0"))
}

func TestFromMessage(t *testing.T) {
	var msg sdk.Message
	require.NoError(t, json.Unmarshal([]byte(messageJSON), &msg))

	resp := fromMessage(&msg)
	assert.Equal(t, "Running the tool.", resp.Text)
	assert.Equal(t, "consider the plan", resp.Reasoning)
	assert.Equal(t, "tool_use", resp.StopReason)
	assert.Equal(t, llm.Usage{InputTokens: 120, OutputTokens: 40}, resp.Usage)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "claude_code", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"prompt":"write tests"}`, string(resp.ToolCalls[0].Input))
}

func TestToMessages_SkipsEmptyTurns(t *testing.T) {
	msgs := toMessages([]llm.Message{
		llm.UserText("hi"),
		{Role: llm.RoleAssistant},
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "t1", Name: "delegate", Input: json.RawMessage(`{}`)}}},
		{Role: llm.RoleUser, ToolResults: []llm.ToolResult{{CallID: "t1", Content: "ok"}}},
	})
	require.Len(t, msgs, 3)
	assert.Equal(t, sdk.MessageParamRoleAssistant, msgs[1].Role)
	assert.Equal(t, sdk.MessageParamRoleUser, msgs[2].Role)
}

func TestComplete_AgainstFakeServer(t *testing.T) {
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, messageJSON)
	}))
	defer srv.Close()

	p, err := New(context.Background(), Config{APIKey: "test-key", BaseURL: srv.URL, MaxTokens: 1000})
	require.NoError(t, err)

	resp, err := p.Complete(context.Background(), llm.Request{
		System:   "You are a planner.",
		Messages: []llm.Message{llm.UserText("plan it")},
		Tools: []llm.Tool{{
			Name:        "claude_code",
			Description: "Run the code tool",
			Properties:  map[string]interface{}{"prompt": map[string]interface{}{"type": "string"}},
			Required:    []string{"prompt"},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Running the tool.", resp.Text)
	assert.EqualValues(t, 1000, body["max_tokens"])
	assert.Len(t, body["tools"], 1)

	in, out := p.Tracker().Total()
	assert.Equal(t, int64(120), in)
	assert.Equal(t, int64(40), out)
	assert.Equal(t, 1, p.Tracker().Calls())
}

func TestFactory_ResolvesSettingsKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	settings := &llm.Settings{Credentials: map[string]llm.Credential{"anthropic": {APIKey: "sk-settings"}}}
	p, err := Factory(context.Background(), config.Default())(llm.Configuration{Provider: "anthropic", Model: "claude-haiku-4-5-20251001"}, settings)
	require.NoError(t, err)
	assert.Equal(t, "claude-haiku-4-5-20251001", p.(*Provider).Model())

	_, err = Factory(context.Background(), config.Default())(llm.Configuration{Provider: "anthropic"}, &llm.Settings{})
	require.ErrorIs(t, err, config.ErrNoAPIKey)
}
