package registry

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ShayCichocki/agora/internal/project"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newRegistry(t *testing.T) (*Registry, project.Paths) {
	t.Helper()
	paths := project.NewPaths(t.TempDir())
	dir, err := project.LoadAgentDirectory(paths.AgentsFile())
	require.NoError(t, err)
	return New(dir, paths.DefinitionsDir()), paths
}

func TestCanonicalize(t *testing.T) {
	tests := map[string]string{
		"Code Writer":      "code-writer",
		"  --Planner!!  ":  "planner",
		"QA_Bot 2":         "qa-bot-2",
		"default":          "default",
		"!!!":              "",
		"Ünïcode Agent":    "ünïcode-agent",
		"multiple   space": "multiple-space",
	}
	for in, want := range tests {
		assert.Equal(t, want, Canonicalize(in), "Canonicalize(%q)", in)
	}
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, []string{ToolClaudeCode, ToolDelegate}, Capabilities("default", "", "", nil))
	assert.Equal(t, []string{ToolClaudeCode, ToolDelegate}, Capabilities("lead", "Project Orchestrator", "", nil))
	assert.Equal(t, []string{ToolClaudeCode, ToolRememberLesson, "web_search"},
		Capabilities("coder", "writes code", "def-1", []string{"web_search", ToolClaudeCode, ""}))
}

func TestGetAgent_CreatesOncePersistsAndReloads(t *testing.T) {
	reg, paths := newRegistry(t)

	var created []*Agent
	reg.OnAgentCreated(func(a *Agent) { created = append(created, a) })

	a, err := reg.GetAgent("Code Writer")
	require.NoError(t, err)
	assert.Equal(t, "code-writer", a.Slug)
	assert.Equal(t, "code-writer agent", a.Description)
	assert.Len(t, a.PubKey(), 64)

	again, err := reg.GetAgent("code writer")
	require.NoError(t, err)
	assert.Same(t, a, again)
	assert.Len(t, created, 1)

	dir, err := project.LoadAgentDirectory(paths.AgentsFile())
	require.NoError(t, err)
	restarted := New(dir, paths.DefinitionsDir())
	require.NoError(t, restarted.LoadAll())
	reloaded, ok := restarted.GetAgentByPubkey(a.PubKey())
	require.True(t, ok)
	assert.Equal(t, "code-writer", reloaded.Slug)
}

func TestGetAgent_ConcurrentCallsShareIdentity(t *testing.T) {
	reg, _ := newRegistry(t)

	var wg sync.WaitGroup
	keys := make([]string, 20)
	for i := range keys {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := reg.GetAgent("Planner")
			if err == nil {
				keys[i] = a.PubKey()
			}
		}(i)
	}
	wg.Wait()

	for _, k := range keys {
		assert.Equal(t, keys[0], k)
	}
	assert.Equal(t, 1, reg.Len())
}

func TestGetAgent_InvalidName(t *testing.T) {
	reg, _ := newRegistry(t)
	_, err := reg.GetAgent("???")
	require.ErrorIs(t, err, ErrInvalidName)
}

func TestGetAgent_UsesDefinitionFile(t *testing.T) {
	reg, paths := newRegistry(t)
	require.NoError(t, SaveDefinition(paths.DefinitionsDir(), &Definition{
		Ref:          "reviewer",
		ID:           "def-event",
		Name:         "Reviewer",
		Role:         "Reviews pull requests",
		Instructions: "Be thorough.",
		Tools:        []string{"web_search"},
	}))

	a, err := reg.GetAgent("reviewer")
	require.NoError(t, err)
	assert.Equal(t, "Reviewer", a.Name)
	assert.Equal(t, "reviewer", a.DefinitionRef)
	assert.Equal(t, "Be thorough.", a.Instructions)
	assert.True(t, a.HasTool(ToolRememberLesson))
	assert.True(t, a.HasTool("web_search"))
	assert.False(t, a.HasTool(ToolDelegate))

	dir, err := project.LoadAgentDirectory(paths.AgentsFile())
	require.NoError(t, err)
	entry, ok := dir.Get("reviewer")
	require.True(t, ok)
	ref, fileBacked := entry.DefinitionRef()
	assert.True(t, fileBacked)
	assert.Equal(t, "reviewer", ref)
}

func TestGetAllAvailableAgents_IncludesUninstantiatedDefinitions(t *testing.T) {
	reg, paths := newRegistry(t)
	_, err := reg.GetAgent("default")
	require.NoError(t, err)
	require.NoError(t, SaveDefinition(paths.DefinitionsDir(), &Definition{Ref: "tester", Name: "Tester"}))

	all := reg.GetAllAvailableAgents()
	require.Len(t, all, 2)
	assert.True(t, all["default"].Loaded)
	assert.False(t, all["tester"].Loaded)
	assert.Equal(t, "Tester agent", all["tester"].Description)
}

func TestResolveMention(t *testing.T) {
	reg, paths := newRegistry(t)
	coder, err := reg.GetAgent("coder")
	require.NoError(t, err)
	require.NoError(t, SaveDefinition(paths.DefinitionsDir(), &Definition{Ref: "architect", Name: "Architect"}))

	got, ok := reg.ResolveMention("@CODER")
	require.True(t, ok)
	assert.Same(t, coder, got)

	arch, ok := reg.ResolveMention("@architect")
	require.True(t, ok, "definitions can be mentioned before first use")
	assert.Equal(t, "Architect", arch.Name)

	_, ok = reg.ResolveMention("@nobody")
	assert.False(t, ok)
}

func TestWatchDefinitions_RefreshesWithoutChangingIdentity(t *testing.T) {
	reg, paths := newRegistry(t)
	require.NoError(t, SaveDefinition(paths.DefinitionsDir(), &Definition{Ref: "writer", Role: "writes docs"}))
	a, err := reg.GetAgent("writer")
	require.NoError(t, err)

	stop, err := reg.WatchDefinitions(context.Background())
	require.NoError(t, err)
	defer stop()

	updated := "name: writer\nrole: Documentation orchestrator\n"
	require.NoError(t, os.WriteFile(filepath.Join(paths.DefinitionsDir(), "writer.yaml"), []byte(updated), 0o644))

	require.Eventually(t, func() bool {
		cur, ok := reg.GetAgentByPubkey(a.PubKey())
		return ok && cur.Role == "Documentation orchestrator"
	}, 3*time.Second, 20*time.Millisecond)

	cur, err := reg.GetAgent("writer")
	require.NoError(t, err)
	assert.Equal(t, a.PubKey(), cur.PubKey())
	assert.True(t, cur.HasTool(ToolDelegate))
}
