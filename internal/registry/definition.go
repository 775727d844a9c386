package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/agora/internal/fsutil"
)

// DefinitionExt is the file extension of agent definition files.
const DefinitionExt = ".yaml"

// Definition is an authored agent definition stored in .agora/agents/<ref>.yaml.
type Definition struct {
	// ID is the definition event id, when the definition came from the network.
	ID           string   `yaml:"id,omitempty"`
	Name         string   `yaml:"name"`
	Role         string   `yaml:"role,omitempty"`
	Description  string   `yaml:"description,omitempty"`
	Instructions string   `yaml:"instructions,omitempty"`
	Tools        []string `yaml:"tools,omitempty"`
	UseCriteria  []string `yaml:"use_criteria,omitempty"`

	// Ref is the file name without extension. Not serialized.
	Ref string `yaml:"-"`
}

// DefinitionPath returns the file for ref inside dir.
func DefinitionPath(dir, ref string) string {
	return filepath.Join(dir, ref+DefinitionExt)
}

// LoadDefinition reads one definition file.
func LoadDefinition(dir, ref string) (*Definition, error) {
	data, err := os.ReadFile(DefinitionPath(dir, ref))
	if err != nil {
		return nil, err
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse definition %s: %w", ref, err)
	}
	def.Ref = ref
	return &def, nil
}

// SaveDefinition writes a definition file, creating dir if needed.
func SaveDefinition(dir string, def *Definition) error {
	if def.Ref == "" {
		def.Ref = Canonicalize(def.Name)
	}
	if def.Ref == "" {
		return ErrInvalidName
	}
	data, err := yaml.Marshal(def)
	if err != nil {
		return fmt.Errorf("encode definition: %w", err)
	}
	return fsutil.WriteFileAtomic(DefinitionPath(dir, def.Ref), data, 0o644)
}

// ListDefinitions loads every definition in dir, sorted by ref. Unparseable
// files are returned in the error but do not stop the listing.
func ListDefinitions(dir string) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var defs []*Definition
	var errs []error
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), DefinitionExt) {
			continue
		}
		def, err := LoadDefinition(dir, strings.TrimSuffix(e.Name(), DefinitionExt))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Ref < defs[j].Ref })
	return defs, errors.Join(errs...)
}
