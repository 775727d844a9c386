package dedup

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newStore(t *testing.T, opts Options) *Store {
	t.Helper()
	if opts.Path == "" {
		opts.Path = filepath.Join(t.TempDir(), "processed-events.json")
	}
	s := New(opts)
	s.Load()
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func readRecord(t *testing.T, path string) record {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var rec record
	require.NoError(t, json.Unmarshal(data, &rec))
	return rec
}

func TestMarkProcessed_OnlyFirstWins(t *testing.T) {
	s := newStore(t, Options{})

	assert.True(t, s.MarkProcessed("a"))
	assert.False(t, s.MarkProcessed("a"))
	assert.False(t, s.MarkProcessed(""))
	assert.True(t, s.Has("a"))
	assert.False(t, s.Has("b"))
	assert.Equal(t, 1, s.Len())
}

func TestMarkProcessed_ConcurrentDuplicates(t *testing.T) {
	s := newStore(t, Options{})

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.MarkProcessed("same-event") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestFlush_SurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "processed-events.json")
	s := New(Options{Path: path, SaveInterval: time.Hour})
	s.Load()
	s.Add("e1")
	s.Add("e2")
	require.NoError(t, s.Close())

	rec := readRecord(t, path)
	assert.Equal(t, []string{"e1", "e2"}, rec.EventIDs)
	assert.False(t, rec.LastUpdated.IsZero())

	restarted := newStore(t, Options{Path: path})
	assert.True(t, restarted.Has("e1"))
	assert.False(t, restarted.MarkProcessed("e2"))
}

func TestDebouncedSave_OneWritePerBurst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "processed-events.json")
	s := newStore(t, Options{Path: path, SaveInterval: 50 * time.Millisecond})

	for i := 0; i < 100; i++ {
		s.Add(fmt.Sprintf("e%d", i))
	}
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "nothing is written before the interval elapses")

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		if err != nil {
			return false
		}
		var rec record
		return json.Unmarshal(data, &rec) == nil && len(rec.EventIDs) == 100
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBoundedRetention_EvictsOldestInserted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "processed-events.json")
	s := New(Options{Path: path, MaxSize: 3, SaveInterval: time.Hour})
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		s.Add(id)
	}
	assert.Equal(t, 3, s.Len())
	assert.False(t, s.Has("a"))
	assert.False(t, s.Has("b"))
	assert.True(t, s.Has("e"))
	require.NoError(t, s.Close())

	assert.Equal(t, []string{"c", "d", "e"}, readRecord(t, path).EventIDs)
}

func TestLoad_TruncatesOversizedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "processed-events.json")
	data, err := json.Marshal(record{EventIDs: []string{"a", "b", "c", "d"}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	s := newStore(t, Options{Path: path, MaxSize: 2})
	assert.Equal(t, 2, s.Len())
	assert.True(t, s.Has("d"))
	assert.False(t, s.Has("a"))
}

func TestLoad_CorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "processed-events.json")
	require.NoError(t, os.WriteFile(path, []byte("{\"eventIds\": [\"a\","), 0o644))

	s := newStore(t, Options{Path: path})
	assert.Equal(t, 0, s.Len())
	assert.True(t, s.MarkProcessed("a"))
}

func TestMemoryOnlyStore(t *testing.T) {
	s := New(Options{})
	assert.True(t, s.MarkProcessed("x"))
	require.NoError(t, s.Flush())
	require.NoError(t, s.Close())
}
