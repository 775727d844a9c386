package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/agora/internal/bridge"
	"github.com/ShayCichocki/agora/internal/llm"
	"github.com/ShayCichocki/agora/internal/llm/llmtest"
	"github.com/ShayCichocki/agora/internal/network"
	"github.com/ShayCichocki/agora/internal/project"
	"github.com/ShayCichocki/agora/internal/prompt"
	"github.com/ShayCichocki/agora/internal/registry"
	"github.com/ShayCichocki/agora/pkg/models"
)

type fakeCode struct {
	mu      sync.Mutex
	prompts []string
	result  *bridge.Result
	err     error
}

func (f *fakeCode) ExecuteTool(_ context.Context, title, p string, ec bridge.ExecContext) (*bridge.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, p)
	if ec.ConversationID != "root" || ec.Signer == nil {
		return nil, errors.New("bad exec context")
	}
	return f.result, f.err
}

type harness struct {
	runner   *Runner
	provider *llmtest.Provider
	code     *fakeCode
	relay    *network.MemoryRelay
	reg      *registry.Registry
	conv     *models.Conversation
}

func newHarness(t *testing.T, settings *llm.Settings) *harness {
	t.Helper()
	paths := project.NewPaths(t.TempDir())
	dir, err := project.LoadAgentDirectory(paths.AgentsFile())
	require.NoError(t, err)
	reg := registry.New(dir, paths.DefinitionsDir())

	provider := llmtest.New()
	if settings == nil {
		settings = &llm.Settings{Configurations: map[string]llm.Configuration{
			"main": {Provider: "scripted", Model: "test-model", MaxTokens: 1000},
		}}
	}
	resolver := llm.NewResolver(settings, map[string]llm.Factory{
		"scripted": func(llm.Configuration, *llm.Settings) (llm.Provider, error) { return provider, nil },
	})

	relay := network.NewMemoryRelay("test")
	code := &fakeCode{result: &bridge.Result{Text: "done", Summary: "Completed in 1 turn"}}
	runner := NewRunner(relay, Options{
		Providers: resolver,
		Prompts:   prompt.NewBuilder(prompt.ApproxCounter, 100000, 1000),
		Code:      code,
	})
	return &harness{
		runner:   runner,
		provider: provider,
		code:     code,
		relay:    relay,
		reg:      reg,
		conv:     models.NewConversation("root", "31933:owner:proj", time.Now()),
	}
}

func (h *harness) input(t *testing.T, name, text string) TurnInput {
	t.Helper()
	a, err := h.reg.GetAgent(name)
	require.NoError(t, err)
	pc := prompt.NewContext(a, h.conv)
	pc.History = []prompt.Entry{{Content: text}}
	return TurnInput{Agent: a, Conversation: h.conv, Trigger: &models.Event{ID: "trigger"}, Prompt: pc}
}

func TestRunTurn_TextAndSignal(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.Push(llmtest.Text("Here is my answer.\nSIGNAL: ready_for_transition"))

	res, err := h.runner.RunTurn(context.Background(), h.input(t, "default", "hello"))
	require.NoError(t, err)
	assert.Equal(t, "Here is my answer.", res.Text)
	assert.Equal(t, models.SignalReadyForTransition, res.Signal.Type)
	assert.Equal(t, int64(10), res.Usage.InputTokens)

	reqs := h.provider.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "test-model", reqs[0].Model)
	assert.Equal(t, 1000, reqs[0].MaxTokens)
	assert.Contains(t, reqs[0].System, "You are default")

	assert.Len(t, h.relay.EventsOfKind(models.KindTypingStart), 1)
	assert.Len(t, h.relay.EventsOfKind(models.KindTypingStop), 1)
}

func TestRunTurn_ClaudeCodeToolLoop(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.Push(
		llmtest.Call("c1", registry.ToolClaudeCode, `{"title":"Login","prompt":"add a login page"}`),
		llmtest.Text("Implemented.\nSIGNAL: complete"),
	)

	res, err := h.runner.RunTurn(context.Background(), h.input(t, "coder", "implement login"))
	require.NoError(t, err)
	assert.Equal(t, models.SignalComplete, res.Signal.Type)
	assert.Equal(t, 1, res.ToolCalls)
	assert.Equal(t, []string{"add a login page"}, h.code.prompts)

	reqs := h.provider.Requests()
	require.Len(t, reqs, 2)
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	require.Len(t, last.ToolResults, 1)
	assert.Equal(t, "c1", last.ToolResults[0].CallID)
	assert.False(t, last.ToolResults[0].IsError)
	assert.Equal(t, "done\n\nCompleted in 1 turn", last.ToolResults[0].Content)
}

func TestRunTurn_ToolFailureIsReportedToModel(t *testing.T) {
	h := newHarness(t, nil)
	h.code.err = &bridge.ToolError{Message: "tests failed", Partial: "half done"}
	h.provider.Push(
		llmtest.Call("c1", registry.ToolClaudeCode, `{"prompt":"x"}`),
		llmtest.Text("It failed."),
	)

	res, err := h.runner.RunTurn(context.Background(), h.input(t, "coder", "go"))
	require.NoError(t, err)
	assert.Equal(t, models.SignalContinue, res.Signal.Type)

	last := h.provider.Requests()[1].Messages
	result := last[len(last)-1].ToolResults[0]
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content, "half done")
}

func TestRunTurn_DelegateBecomesBlocked(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.Push(
		llmtest.Call("d1", registry.ToolDelegate, `{"agents":["@reviewer"],"task":"review"}`),
		llmtest.Text("@reviewer please review."),
	)

	res, err := h.runner.RunTurn(context.Background(), h.input(t, "default", "ship it"))
	require.NoError(t, err)
	assert.Equal(t, models.SignalBlocked, res.Signal.Type)
	assert.Equal(t, []string{"reviewer"}, res.Signal.Agents)
}

func TestRunTurn_ToolNotGrantedIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.Push(
		llmtest.Call("d1", registry.ToolDelegate, `{"agents":["qa"]}`),
		llmtest.Text("ok"),
	)

	res, err := h.runner.RunTurn(context.Background(), h.input(t, "coder", "hi"))
	require.NoError(t, err)
	assert.Empty(t, res.Delegated)
	last := h.provider.Requests()[1].Messages
	assert.True(t, last[len(last)-1].ToolResults[0].IsError)
}

func TestRunTurn_RememberLessonPublishes(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, registry.SaveDefinition(h.reg.DefinitionsDir(), &registry.Definition{ID: "def-1", Name: "Scribe"}))
	h.provider.Push(
		llmtest.Call("l1", registry.ToolRememberLesson, `{"title":"Tests","lesson":"Run go test before pushing"}`),
		llmtest.Text("Noted."),
	)

	in := h.input(t, "scribe", "remember to test")
	_, err := h.runner.RunTurn(context.Background(), in)
	require.NoError(t, err)

	lessons := h.relay.EventsOfKind(models.KindLesson)
	require.Len(t, lessons, 1)
	assert.Equal(t, "Tests", lessons[0].TagValue("title"))
	assert.Equal(t, in.Agent.PubKey(), lessons[0].PubKey)
}

func TestRunTurn_ConfigError(t *testing.T) {
	h := newHarness(t, &llm.Settings{})

	_, err := h.runner.RunTurn(context.Background(), h.input(t, "default", "hi"))
	var ce *llm.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Empty(t, h.relay.EventsOfKind(models.KindTypingStart), "no typing indicator for an aborted turn")
}

func TestRunTurn_StopsAtRoundLimit(t *testing.T) {
	h := newHarness(t, nil)
	h.runner.opts.MaxToolRounds = 2
	h.provider.Fallback = llmtest.Call("c", registry.ToolClaudeCode, `{"prompt":"again"}`)

	res, err := h.runner.RunTurn(context.Background(), h.input(t, "coder", "loop"))
	require.NoError(t, err)
	assert.Len(t, h.provider.Requests(), 2)
	assert.Equal(t, 2, res.ToolCalls)
	assert.Equal(t, models.SignalContinue, res.Signal.Type)
}
