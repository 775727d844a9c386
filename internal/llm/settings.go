package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ShayCichocki/agora/internal/fsutil"
)

// DefaultKey names the fallback entry in Settings.Defaults.
const DefaultKey = "default"

// Configuration is one named model setup in llms.json.
type Configuration struct {
	Provider    string   `json:"provider"`
	Model       string   `json:"model"`
	MaxTokens   int      `json:"maxTokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// Credential holds provider credentials.
type Credential struct {
	APIKey string `json:"apiKey,omitempty"`
}

// Settings is the content of llms.json.
type Settings struct {
	// Configurations maps configuration names to model setups.
	Configurations map[string]Configuration `json:"configurations"`
	// Defaults maps agent slugs, or "default", to configuration names.
	Defaults map[string]string `json:"defaults,omitempty"`
	// Credentials maps provider names to credentials.
	Credentials map[string]Credential `json:"credentials,omitempty"`
}

// ConfigError reports that an agent has no usable configuration. It only
// aborts the affected agent's turn.
type ConfigError struct {
	Agent     string
	Requested string
	Available []string
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "no LLM configuration for agent %q", e.Agent)
	if e.Requested != "" {
		fmt.Fprintf(&b, " (configuration %q not found)", e.Requested)
	}
	if len(e.Available) > 0 {
		fmt.Fprintf(&b, "; available: %s", strings.Join(e.Available, ", "))
	} else {
		b.WriteString("; no configurations defined in llms.json")
	}
	return b.String()
}

// LoadSettings reads llms.json. A missing file yields empty settings.
func LoadSettings(path string) (*Settings, error) {
	s := &Settings{}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("read llm settings: %w", err)
	}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse llm settings %s: %w", path, err)
	}
	return s, nil
}

// Save writes the settings atomically.
func (s *Settings) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode llm settings: %w", err)
	}
	return fsutil.WriteFileAtomic(path, append(data, '\n'), 0o600)
}

// Names returns the configuration names, sorted.
func (s *Settings) Names() []string {
	names := make([]string, 0, len(s.Configurations))
	for n := range s.Configurations {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Resolve picks the configuration for an agent: its own default, then the
// project default, then the only configuration if exactly one exists.
func (s *Settings) Resolve(agent string) (string, Configuration, error) {
	requested := s.Defaults[agent]
	if requested == "" {
		requested = s.Defaults[DefaultKey]
	}
	if requested == "" && len(s.Configurations) == 1 {
		for name := range s.Configurations {
			requested = name
		}
	}
	cfg, ok := s.Configurations[requested]
	if !ok || requested == "" {
		return "", Configuration{}, &ConfigError{Agent: agent, Requested: requested, Available: s.Names()}
	}
	return requested, cfg, nil
}

// APIKey returns the stored key for a provider.
func (s *Settings) APIKey(provider string) string {
	return s.Credentials[strings.ToLower(provider)].APIKey
}
