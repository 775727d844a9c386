package intake

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ShayCichocki/agora/internal/dedup"
	"github.com/ShayCichocki/agora/internal/network"
	"github.com/ShayCichocki/agora/pkg/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	owner = "owner"
	dTag  = "proj"
)

var projectRef = models.ProjectCoordinate(owner, dTag)

type recorder struct {
	mu     sync.Mutex
	events []*models.Event
	source []string
	panics map[string]bool
}

func (r *recorder) HandleEvent(_ context.Context, ev *models.Event, source string) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.source = append(r.source, source)
	shouldPanic := r.panics[ev.ID]
	r.mu.Unlock()
	if shouldPanic {
		panic("boom")
	}
	return nil
}

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.ID
	}
	return out
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func chat(id string) *models.Event {
	return &models.Event{
		ID:        id,
		Kind:      models.KindThread,
		CreatedAt: time.Now(),
		Tags:      models.Tags{{"a", projectRef}},
		Content:   "hello",
	}
}

func newManager(t *testing.T, relay *network.MemoryRelay, path string, h Handler, opts ...Option) *Manager {
	t.Helper()
	store := dedup.New(dedup.Options{Path: path, SaveInterval: time.Hour})
	m := NewManager(relay, store, h, Config{ProjectRef: projectRef, ProjectOwner: owner, ProjectDTag: dTag}, opts...)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop() })
	return m
}

func TestManager_DuplicateDeliveryProcessedOnce(t *testing.T) {
	relay := network.NewMemoryRelay("")
	rec := &recorder{}
	newManager(t, relay, filepath.Join(t.TempDir(), "p.json"), rec)

	ev := chat("e1")
	_, err := relay.Publish(context.Background(), ev)
	require.NoError(t, err)
	relay.Deliver(ev)
	relay.Deliver(ev)
	_, err = relay.Publish(context.Background(), chat("e2"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.count() >= 2 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"e1", "e2"}, rec.ids())
}

func TestManager_RestartSkipsProcessedEvents(t *testing.T) {
	relay := network.NewMemoryRelay("")
	path := filepath.Join(t.TempDir(), "p.json")
	_, err := relay.Publish(context.Background(), chat("old"))
	require.NoError(t, err)

	first := &recorder{}
	m := newManager(t, relay, path, first)
	require.Eventually(t, func() bool { return first.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, m.Stop())

	_, err = relay.Publish(context.Background(), chat("new"))
	require.NoError(t, err)

	second := &recorder{}
	newManager(t, relay, path, second)
	require.Eventually(t, func() bool { return second.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"new"}, second.ids())
}

func TestManager_HandlerPanicIsContained(t *testing.T) {
	relay := network.NewMemoryRelay("")
	rec := &recorder{panics: map[string]bool{"bad": true}}
	newManager(t, relay, filepath.Join(t.TempDir(), "p.json"), rec)

	_, err := relay.Publish(context.Background(), chat("bad"))
	require.NoError(t, err)
	_, err = relay.Publish(context.Background(), chat("good"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.count() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"bad", "good"}, rec.ids())
}

func TestManager_ProjectRecordSubscription(t *testing.T) {
	relay := network.NewMemoryRelay("")
	rec := &recorder{}
	newManager(t, relay, filepath.Join(t.TempDir(), "p.json"), rec)

	_, err := relay.Publish(context.Background(), &models.Event{
		ID: "p1", PubKey: owner, Kind: models.KindProject, Tags: models.Tags{{"d", dTag}},
	})
	require.NoError(t, err)
	_, err = relay.Publish(context.Background(), &models.Event{
		ID: "p2", PubKey: "someone-else", Kind: models.KindProject, Tags: models.Tags{{"d", dTag}},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"p1"}, rec.ids())
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, SourceProject, rec.source[0])
}

func TestManager_RefreshLessonsIndexesNewAgents(t *testing.T) {
	relay := network.NewMemoryRelay("")
	_, err := relay.Publish(context.Background(), &models.Event{
		ID: "l1", PubKey: "agent-1", Kind: models.KindLesson, CreatedAt: time.Now(),
		Tags: models.Tags{{"title", "Run tests first"}}, Content: "Always run the suite.",
	})
	require.NoError(t, err)

	var mu sync.Mutex
	var keys []string
	source := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), keys...)
	}

	rec := &recorder{}
	m := newManager(t, relay, filepath.Join(t.TempDir(), "p.json"), rec, WithAgentPubKeys(source))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, m.Lessons().Len())

	mu.Lock()
	keys = []string{"agent-1"}
	mu.Unlock()
	require.NoError(t, m.RefreshLessons(context.Background()))

	require.Eventually(t, func() bool { return m.Lessons().Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	lessons := m.Lessons().For("agent-1", 0)
	require.Len(t, lessons, 1)
	assert.Equal(t, "Run tests first", lessons[0].Title)
}

func TestManager_StopFlushesStore(t *testing.T) {
	relay := network.NewMemoryRelay("")
	path := filepath.Join(t.TempDir(), "p.json")
	rec := &recorder{}
	m := newManager(t, relay, path, rec)

	_, err := relay.Publish(context.Background(), chat("e1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, m.Stop())

	reloaded := dedup.New(dedup.Options{Path: path})
	reloaded.Load()
	assert.True(t, reloaded.Has("e1"))
}

func TestLessonIndex_BoundedNewestFirst(t *testing.T) {
	x := NewLessonIndex(2)
	base := time.Unix(1000, 0)
	for i, id := range []string{"a", "b", "c"} {
		x.Add(&models.Event{ID: id, PubKey: "k", Kind: models.KindLesson, CreatedAt: base.Add(time.Duration(i) * time.Minute), Content: id + "\nbody"})
	}
	assert.False(t, x.Add(&models.Event{ID: "c", PubKey: "k", Kind: models.KindLesson}))
	assert.False(t, x.Add(&models.Event{ID: "z", Kind: models.KindReply}))

	got := x.For("k", 0)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].ID)
	assert.Equal(t, "c", got[0].Title)
	assert.Equal(t, "b", got[1].ID)
	assert.Len(t, x.For("k", 1), 1)
}

func TestLessonTitle_CutsOnRuneBoundary(t *testing.T) {
	title := lessonTitle(&models.Event{Content: strings.Repeat("é", 120) + "\nbody"})
	assert.True(t, utf8.ValidString(title))
	assert.Equal(t, strings.Repeat("é", 80), title)

	assert.Equal(t, "Tagged", lessonTitle(&models.Event{Content: "x", Tags: models.Tags{{"title", "Tagged"}}}))
}
