package project

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var owner = strings.Repeat("ab", 32)

func TestMetadata_LoadMissing(t *testing.T) {
	_, err := LoadMetadata(filepath.Join(t.TempDir(), "project.json"))
	require.ErrorIs(t, err, ErrNoProject)
}

func TestMetadata_SaveLoadRef(t *testing.T) {
	path := NewPaths(t.TempDir()).ProjectFile()
	m := &Metadata{Name: "Demo", DTag: "demo", OwnerPubKey: owner}
	require.NoError(t, SaveMetadata(path, m))

	got, err := LoadMetadata(path)
	require.NoError(t, err)
	assert.Equal(t, "31933:"+owner+":demo", got.Ref())
}

func TestMetadata_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "project.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"name":"x","d_tag":"","owner_pubkey":"short"}`), 0o644))
	_, err := LoadMetadata(path)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoProject)
}

func TestAgentEntry_JSONShapes(t *testing.T) {
	var entries map[string]AgentEntry
	raw := `{"default": "nsec1inline", "code": {"nsec": "nsec1file", "file": "code-writer"}, "plain": {"nsec": "nsec1obj"}}`
	require.NoError(t, json.Unmarshal([]byte(raw), &entries))

	assert.Equal(t, EntryInline, entries["default"].Kind())
	assert.Equal(t, "nsec1inline", entries["default"].Key())

	ref, ok := entries["code"].DefinitionRef()
	assert.True(t, ok)
	assert.Equal(t, "code-writer", ref)
	assert.Equal(t, "nsec1file", entries["code"].Key())

	_, ok = entries["plain"].DefinitionRef()
	assert.False(t, ok, "object without file is an inline entry")

	out, err := json.Marshal(entries["default"])
	require.NoError(t, err)
	assert.JSONEq(t, `"nsec1inline"`, string(out))

	out, err = json.Marshal(entries["code"])
	require.NoError(t, err)
	assert.JSONEq(t, `{"nsec":"nsec1file","file":"code-writer"}`, string(out))
}

func TestAgentEntry_RejectsObjectWithoutKey(t *testing.T) {
	var e AgentEntry
	require.Error(t, json.Unmarshal([]byte(`{"file":"x"}`), &e))
}

func TestAgentDirectory_PutPersistsAndNeverReplaces(t *testing.T) {
	path := NewPaths(t.TempDir()).AgentsFile()

	dir, err := LoadAgentDirectory(path)
	require.NoError(t, err)
	assert.Equal(t, 0, dir.Len())

	_, err = dir.Put("code", FileBacked("key-1", "code"))
	require.NoError(t, err)
	kept, err := dir.Put("code", Inline("key-2"))
	require.NoError(t, err)
	assert.Equal(t, "key-1", kept.Key())

	_, err = dir.Put("default", Inline("key-3"))
	require.NoError(t, err)

	reloaded, err := LoadAgentDirectory(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"code", "default"}, reloaded.Names())
	e, ok := reloaded.Get("code")
	require.True(t, ok)
	assert.Equal(t, "key-1", e.Key())
}

func TestAgentDirectory_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err := LoadAgentDirectory(path)
	require.Error(t, err)
}
