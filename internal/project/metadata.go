package project

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ShayCichocki/agora/internal/fsutil"
	"github.com/ShayCichocki/agora/pkg/models"
)

// ErrNoProject is returned when project.json is missing.
var ErrNoProject = errors.New("no project metadata found (run 'agora init')")

// Metadata identifies the project on the network.
type Metadata struct {
	// Name is the human readable title.
	Name string `json:"name"`
	// DTag is the project record identifier.
	DTag string `json:"d_tag"`
	// OwnerPubKey is the hex pubkey of the project owner.
	OwnerPubKey string `json:"owner_pubkey"`
	// Description is shown to agents in their system prompt.
	Description string `json:"description,omitempty"`
	// Repository is an optional source repository URL.
	Repository string `json:"repository,omitempty"`
	// Relays overrides the configured relay list when set.
	Relays []string `json:"relays,omitempty"`
}

// Ref returns the project coordinate used in "a" tags.
func (m *Metadata) Ref() string {
	return models.ProjectCoordinate(m.OwnerPubKey, m.DTag)
}

// Validate checks the fields needed to subscribe.
func (m *Metadata) Validate() error {
	if strings.TrimSpace(m.DTag) == "" {
		return fmt.Errorf("project metadata: d_tag is required")
	}
	if len(m.OwnerPubKey) != 64 {
		return fmt.Errorf("project metadata: owner_pubkey must be 64 hex characters")
	}
	return nil
}

// LoadMetadata reads and validates project.json.
func LoadMetadata(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoProject
		}
		return nil, fmt.Errorf("read project metadata: %w", err)
	}

	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse project metadata %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// SaveMetadata writes project.json atomically.
func SaveMetadata(path string, m *Metadata) error {
	if err := m.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode project metadata: %w", err)
	}
	return fsutil.WriteFileAtomic(path, append(data, '\n'), 0o644)
}
