package project

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/ShayCichocki/agora/internal/fsutil"
)

// EntryKind discriminates agent directory entries.
type EntryKind int

const (
	// EntryInline carries only key material.
	EntryInline EntryKind = iota
	// EntryFileBacked carries key material and a definition file reference.
	EntryFileBacked
)

// AgentEntry is one agent in agents.json. On disk it is either a bare key
// string or an object {"nsec": "...", "file": "..."}.
type AgentEntry struct {
	kind EntryKind
	key  string
	ref  string
}

// Inline builds an entry with key material only.
func Inline(key string) AgentEntry {
	return AgentEntry{kind: EntryInline, key: key}
}

// FileBacked builds an entry that references a definition file.
func FileBacked(key, definitionRef string) AgentEntry {
	if definitionRef == "" {
		return Inline(key)
	}
	return AgentEntry{kind: EntryFileBacked, key: key, ref: definitionRef}
}

// Kind returns the entry variant.
func (e AgentEntry) Kind() EntryKind { return e.kind }

// Key returns the secret key material.
func (e AgentEntry) Key() string { return e.key }

// DefinitionRef returns the definition file reference for file-backed entries.
func (e AgentEntry) DefinitionRef() (string, bool) {
	return e.ref, e.kind == EntryFileBacked
}

type fileBackedJSON struct {
	NSec string `json:"nsec"`
	File string `json:"file,omitempty"`
}

// MarshalJSON writes inline entries as a string.
func (e AgentEntry) MarshalJSON() ([]byte, error) {
	if e.kind == EntryInline {
		return json.Marshal(e.key)
	}
	return json.Marshal(fileBackedJSON{NSec: e.key, File: e.ref})
}

// UnmarshalJSON accepts both on-disk shapes.
func (e *AgentEntry) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var key string
		if err := json.Unmarshal(data, &key); err != nil {
			return err
		}
		*e = Inline(key)
		return nil
	}

	var obj fileBackedJSON
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("agent entry: %w", err)
	}
	if obj.NSec == "" {
		return fmt.Errorf("agent entry: missing nsec")
	}
	*e = FileBacked(obj.NSec, obj.File)
	return nil
}

// AgentDirectory is the persisted name → entry mapping. Keys are canonical
// agent slugs.
type AgentDirectory struct {
	path string

	mu      sync.RWMutex
	entries map[string]AgentEntry
}

// LoadAgentDirectory reads agents.json. A missing file yields an empty directory.
func LoadAgentDirectory(path string) (*AgentDirectory, error) {
	d := &AgentDirectory{path: path, entries: make(map[string]AgentEntry)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return d, nil
		}
		return nil, fmt.Errorf("read agent directory: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return d, nil
	}
	if err := json.Unmarshal(data, &d.entries); err != nil {
		return nil, fmt.Errorf("parse agent directory %s: %w", path, err)
	}
	return d, nil
}

// Path returns the backing file.
func (d *AgentDirectory) Path() string {
	return d.path
}

// Get returns the entry for a slug.
func (d *AgentDirectory) Get(slug string) (AgentEntry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[slug]
	return e, ok
}

// Put stores an entry and persists the directory. An existing entry is
// never replaced, so a name keeps its key for the lifetime of the project.
func (d *AgentDirectory) Put(slug string, entry AgentEntry) (AgentEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.entries[slug]; ok {
		return existing, nil
	}
	d.entries[slug] = entry
	if err := d.saveLocked(); err != nil {
		delete(d.entries, slug)
		return AgentEntry{}, err
	}
	return entry, nil
}

// Names returns every slug, sorted.
func (d *AgentDirectory) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.entries))
	for n := range d.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of entries.
func (d *AgentDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

func (d *AgentDirectory) saveLocked() error {
	if d.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(d.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode agent directory: %w", err)
	}
	if err := fsutil.WriteFileAtomic(d.path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("save agent directory: %w", err)
	}
	return nil
}
