package orchestrator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ShayCichocki/agora/internal/agent"
	"github.com/ShayCichocki/agora/internal/dedup"
	"github.com/ShayCichocki/agora/internal/identity"
	"github.com/ShayCichocki/agora/internal/network"
	"github.com/ShayCichocki/agora/internal/project"
	"github.com/ShayCichocki/agora/internal/registry"
	"github.com/ShayCichocki/agora/internal/router"
	"github.com/ShayCichocki/agora/internal/state"
	"github.com/ShayCichocki/agora/pkg/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedTurns answers turns from per-agent queues and records each call.
type scriptedTurns struct {
	mu       sync.Mutex
	queues   map[string][]agent.TurnResult
	calls    []string
	triggers []string
	prompts  map[string]bool
	gate     chan struct{}
}

func newScriptedTurns() *scriptedTurns {
	return &scriptedTurns{queues: make(map[string][]agent.TurnResult), prompts: make(map[string]bool)}
}

func (s *scriptedTurns) script(slug string, results ...agent.TurnResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[slug] = append(s.queues[slug], results...)
}

func (s *scriptedTurns) RunTurn(ctx context.Context, in agent.TurnInput) (*agent.TurnResult, error) {
	s.mu.Lock()
	slug := in.Agent.Slug
	s.calls = append(s.calls, slug)
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers = append(s.triggers, in.Trigger.ID)
	s.prompts[slug] = in.Prompt.SingleAgent

	res := agent.TurnResult{Text: "ok from " + slug, Signal: models.Signal{Type: models.SignalContinue}}
	if q := s.queues[slug]; len(q) > 0 {
		res = q[0]
		s.queues[slug] = q[1:]
	}
	res.Agent = slug
	return &res, nil
}

func (s *scriptedTurns) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

type harness struct {
	coord *Coordinator
	turns *scriptedTurns
	relay *network.MemoryRelay
	reg   *registry.Registry
	meta  *project.Metadata
	human *identity.Keypair
	dedup string
}

func newHarness(t *testing.T, configure func(*Config), agents ...string) *harness {
	t.Helper()
	cfg := DefaultConfig()
	cfg.HistoryTimeout = time.Second
	if configure != nil {
		configure(&cfg)
	}
	paths := project.NewPaths(t.TempDir())
	dir, err := project.LoadAgentDirectory(paths.AgentsFile())
	require.NoError(t, err)
	reg := registry.New(dir, paths.DefinitionsDir())
	for _, name := range agents {
		_, err := reg.GetAgent(name)
		require.NoError(t, err)
	}

	db, err := state.OpenMigrated(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	human, err := identity.GenerateKeypair()
	require.NoError(t, err)
	meta := &project.Metadata{Name: "Demo", DTag: "proj", OwnerPubKey: human.PubKey()}

	dedupPath := filepath.Join(t.TempDir(), "processed-events.json")
	store := dedup.New(dedup.Options{Path: dedupPath, MaxSize: 1000, SaveInterval: time.Hour})

	relay := network.NewMemoryRelay("test")
	turns := newScriptedTurns()
	coord, err := New(Deps{
		Network:  relay,
		Registry: reg,
		Router:   router.New(db, reg),
		Turns:    turns,
		Dedup:    store,
		Project:  meta,
	}, cfg)
	require.NoError(t, err)

	require.NoError(t, coord.Start(context.Background()))
	h := &harness{coord: coord, turns: turns, relay: relay, reg: reg, meta: meta, human: human, dedup: dedupPath}
	t.Cleanup(func() { h.stop(t) })
	return h
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, h.coord.Stop(ctx))
}

func (h *harness) post(t *testing.T, kind models.Kind, content string, tags ...models.Tag) *models.Event {
	t.Helper()
	ev := &models.Event{Kind: kind, Content: content, Tags: append(models.Tags{{"a", h.meta.Ref()}}, tags...)}
	require.NoError(t, h.human.Sign(ev))
	_, err := h.relay.Publish(context.Background(), ev)
	require.NoError(t, err)
	return ev
}

func (h *harness) repliesBy(t *testing.T, slug string) []*models.Event {
	t.Helper()
	a, err := h.reg.GetAgent(slug)
	require.NoError(t, err)
	var out []*models.Event
	for _, ev := range h.relay.EventsOfKind(models.KindReply) {
		if ev.PubKey == a.PubKey() {
			out = append(out, ev)
		}
	}
	return out
}

func waitCalls(t *testing.T, turns *scriptedTurns, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(turns.Calls()) >= n }, 5*time.Second, 10*time.Millisecond,
		"expected %d turns, got %v", n, turns.Calls())
}

func TestCoordinator_MentionRoutesOnlyToMentionedAgent(t *testing.T) {
	h := newHarness(t, nil, "default", "code")
	root := h.post(t, models.KindThread, "@code please fix the build")

	waitCalls(t, h.turns, 1)
	require.Eventually(t, func() bool { return len(h.repliesBy(t, "code")) == 1 }, 5*time.Second, 10*time.Millisecond)

	// The reply echo must not start another turn.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []string{"code"}, h.turns.Calls())
	assert.Empty(t, h.repliesBy(t, "default"))

	reply := h.repliesBy(t, "code")[0]
	assert.Equal(t, root.ID, reply.RootID())
	assert.Equal(t, h.meta.Ref(), reply.ProjectRef())
	assert.Contains(t, reply.PTags(), h.human.PubKey())
	assert.Equal(t, "ok from code", reply.Content)
	assert.Equal(t, string(models.SignalContinue), reply.TagValue("signal"))
	assert.Equal(t, string(models.PhaseChat), reply.TagValue("phase"))
}

func TestCoordinator_DuplicateDeliveryIsIgnored(t *testing.T) {
	h := newHarness(t, nil, "default")
	root := h.post(t, models.KindThread, "hello")
	waitCalls(t, h.turns, 1)

	h.relay.Deliver(root)
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, h.turns.Calls(), 1)
}

func TestCoordinator_SingleAgentAnswersEverything(t *testing.T) {
	h := newHarness(t, nil, "default")
	h.post(t, models.KindThread, "what does this repo do?")

	waitCalls(t, h.turns, 1)
	assert.Equal(t, []string{"default"}, h.turns.Calls())

	h.turns.mu.Lock()
	single := h.turns.prompts["default"]
	h.turns.mu.Unlock()
	assert.True(t, single, "prompt should omit team coordination")
}

func TestCoordinator_BlockedCollaborationResumesBlocker(t *testing.T) {
	h := newHarness(t, nil, "default", "alpha", "beta")
	h.turns.script("alpha",
		agent.TurnResult{Text: "I need the schema first.", Signal: models.Signal{Type: models.SignalBlocked, Agents: []string{"beta"}, Reason: "need schema"}},
		agent.TurnResult{Text: "Thanks, feature built.", Signal: models.Signal{Type: models.SignalContinue}},
	)
	h.turns.script("beta", agent.TurnResult{Text: "Schema: users(id, name).", Signal: models.Signal{Type: models.SignalContinue}})

	root := h.post(t, models.KindThread, "@alpha build the signup feature")
	waitCalls(t, h.turns, 3)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []string{"alpha", "beta", "alpha"}, h.turns.Calls())

	conv, err := h.coord.router.Get(context.Background(), root.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseChat, conv.Phase)
	assert.Empty(t, conv.BlockedOn)
	assert.Equal(t, []string{"alpha"}, conv.ActiveSpeakers)

	// The blocker's reply notifies the collaborator.
	beta, err := h.reg.GetAgent("beta")
	require.NoError(t, err)
	first := h.repliesBy(t, "alpha")[0]
	assert.Contains(t, first.PTags(), beta.PubKey())
	assert.Equal(t, string(models.SignalBlocked), first.TagValue("signal"))
}

func TestCoordinator_AgentMentionHandsOff(t *testing.T) {
	h := newHarness(t, nil, "default", "alpha", "beta")
	h.turns.script("alpha", agent.TurnResult{Text: "@beta can you review the schema?", Signal: models.Signal{Type: models.SignalContinue}})
	h.turns.script("beta", agent.TurnResult{Text: "Schema looks good.", Signal: models.Signal{Type: models.SignalContinue}})

	root := h.post(t, models.KindThread, "@alpha draft the schema")
	waitCalls(t, h.turns, 2)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []string{"alpha", "beta"}, h.turns.Calls())

	replies := h.repliesBy(t, "beta")
	require.Len(t, replies, 1)
	assert.Equal(t, root.ID, replies[0].RootID())

	// Beta answers the message that addressed it.
	alphaReply := h.repliesBy(t, "alpha")[0]
	h.turns.mu.Lock()
	assert.Equal(t, []string{root.ID, alphaReply.ID}, h.turns.triggers)
	h.turns.mu.Unlock()

	conv, err := h.coord.router.Get(context.Background(), root.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, conv.ActiveSpeakers)
}

func TestCoordinator_AgentMentionRespectsFollowupLimit(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxFollowups = 0 }, "default", "alpha", "beta")
	h.turns.script("alpha", agent.TurnResult{Text: "@beta over to you", Signal: models.Signal{Type: models.SignalContinue}})

	h.post(t, models.KindThread, "@alpha go")
	waitCalls(t, h.turns, 1)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, []string{"alpha"}, h.turns.Calls())
}

func TestCoordinator_FollowupLimit(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxFollowups = 0 }, "default", "alpha", "beta")
	h.turns.script("alpha", agent.TurnResult{Text: "waiting on beta", Signal: models.Signal{Type: models.SignalBlocked, Agents: []string{"beta"}}})

	h.post(t, models.KindThread, "@alpha go")
	waitCalls(t, h.turns, 1)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, []string{"alpha"}, h.turns.Calls())
}

func TestCoordinator_MultipleMentionsRunInParallel(t *testing.T) {
	h := newHarness(t, nil, "default", "alpha", "beta")
	h.post(t, models.KindThread, "@alpha @beta review this")

	waitCalls(t, h.turns, 2)
	time.Sleep(100 * time.Millisecond)
	assert.ElementsMatch(t, []string{"alpha", "beta"}, h.turns.Calls())
	assert.Len(t, h.repliesBy(t, "alpha"), 1)
	assert.Len(t, h.repliesBy(t, "beta"), 1)
}

func TestCoordinator_ReplyContinuesWithActiveSpeaker(t *testing.T) {
	h := newHarness(t, nil, "default", "code")
	root := h.post(t, models.KindThread, "@code hi")
	waitCalls(t, h.turns, 1)

	h.post(t, models.KindReply, "and now the tests please", models.ReplyTags(root.ID, root.ID, "")...)
	waitCalls(t, h.turns, 2)
	assert.Equal(t, []string{"code", "code"}, h.turns.Calls())
}

func TestCoordinator_StopFlushesProcessedEvents(t *testing.T) {
	h := newHarness(t, nil, "default")
	h.post(t, models.KindThread, "hello")
	waitCalls(t, h.turns, 1)

	h.stop(t)
	assert.FileExists(t, h.dedup)

	// Stopping twice is a no-op.
	h.stop(t)
}

func TestCoordinator_StopDrainsInFlightTurn(t *testing.T) {
	h := newHarness(t, nil, "default")
	gate := make(chan struct{})
	h.turns.mu.Lock()
	h.turns.gate = gate
	h.turns.mu.Unlock()

	h.post(t, models.KindThread, "slow question")
	waitCalls(t, h.turns, 1)
	time.AfterFunc(100*time.Millisecond, func() { close(gate) })

	h.stop(t)
	assert.Len(t, h.repliesBy(t, "default"), 1)
}

func TestCoordinator_ProjectRecordUpdatesName(t *testing.T) {
	h := newHarness(t, nil, "default")
	ev := &models.Event{Kind: models.KindProject, Tags: models.Tags{{"d", "proj"}, {"title", "Renamed"}}, Content: "A demo project"}
	require.NoError(t, h.human.Sign(ev))
	_, err := h.relay.Publish(context.Background(), ev)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.coord.metadata().Name == "Renamed" }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "A demo project", h.coord.metadata().Description)
}

func TestCoordinator_PublishesStatus(t *testing.T) {
	h := newHarness(t, nil, "default", "code")
	require.Eventually(t, func() bool {
		return len(h.relay.EventsOfKind(models.KindProjectStatus)) > 0
	}, 5*time.Second, 10*time.Millisecond)

	status := h.relay.EventsOfKind(models.KindProjectStatus)[0]
	assert.Equal(t, h.meta.Ref(), status.ProjectRef())
	assert.Len(t, status.Tags.Values("agent"), 2)
}

func TestEventEmitter_DropsWhenFull(t *testing.T) {
	e := NewEventEmitter(1, nil)
	e.Emit(Activity{Type: EventRouted})
	e.Emit(Activity{Type: EventRouted})
	assert.Equal(t, uint64(1), e.DroppedCount())

	a := <-e.Events()
	assert.False(t, a.Timestamp.IsZero())
	e.Close()
	e.Close()
	e.Emit(Activity{Type: EventRouted})
}
