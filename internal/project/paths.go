// Package project loads the per-project files under .agora: project
// metadata, the agent directory and the well-known file locations.
package project

import (
	"path/filepath"

	"github.com/ShayCichocki/agora/internal/config"
)

// Paths locates the files of one project.
type Paths struct {
	Root string
}

// NewPaths returns the paths for the project rooted at root.
func NewPaths(root string) Paths {
	return Paths{Root: root}
}

// Dir is the .agora directory.
func (p Paths) Dir() string { return filepath.Join(p.Root, config.ProjectDirName) }

// ProjectFile holds project metadata.
func (p Paths) ProjectFile() string { return filepath.Join(p.Dir(), "project.json") }

// AgentsFile holds the agent directory.
func (p Paths) AgentsFile() string { return filepath.Join(p.Dir(), "agents.json") }

// LLMsFile holds LLM configurations and credentials.
func (p Paths) LLMsFile() string { return filepath.Join(p.Dir(), "llms.json") }

// DefinitionsDir holds agent definition files.
func (p Paths) DefinitionsDir() string { return filepath.Join(p.Dir(), "agents") }

// ConfigFile is the project runtime config override.
func (p Paths) ConfigFile() string { return filepath.Join(p.Dir(), "config.yaml") }

// StateDB is the sqlite state database.
func (p Paths) StateDB() string { return filepath.Join(p.Dir(), "state.db") }

// ProcessedEventsFile is the dedup store.
func (p Paths) ProcessedEventsFile() string { return filepath.Join(p.Dir(), "processed-events.json") }

// LogsDir holds log files.
func (p Paths) LogsDir() string { return filepath.Join(p.Dir(), "logs") }
