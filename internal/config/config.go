// Package config handles configuration loading and management for agora.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ProjectDirName is the per-project state directory.
const ProjectDirName = ".agora"

// Config holds all runtime configuration for agora.
type Config struct {
	Relays       []string           `mapstructure:"relays" yaml:"relays"`
	Anthropic    AnthropicConfig    `mapstructure:"anthropic" yaml:"anthropic"`
	Log          LogConfig          `mapstructure:"log" yaml:"log"`
	Dedup        DedupConfig        `mapstructure:"dedup" yaml:"dedup"`
	Bridge       BridgeConfig       `mapstructure:"bridge" yaml:"bridge"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator" yaml:"orchestrator"`
	Prompt       PromptConfig       `mapstructure:"prompt" yaml:"prompt"`
	Intake       IntakeConfig       `mapstructure:"intake" yaml:"intake"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	APIKey     string `mapstructure:"api_key" yaml:"api_key"`
	UseBedrock bool   `mapstructure:"use_bedrock" yaml:"use_bedrock"`
	AWSRegion  string `mapstructure:"aws_region" yaml:"aws_region"`
	AWSProfile string `mapstructure:"aws_profile" yaml:"aws_profile"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the console log level.
	Level string `mapstructure:"level" yaml:"level"`
	// DebugFile enables the JSON debug log under .agora/logs.
	DebugFile bool `mapstructure:"debug_file" yaml:"debug_file"`
}

// DedupConfig holds processed-event store settings.
type DedupConfig struct {
	// MaxSize caps the number of remembered event ids.
	MaxSize int `mapstructure:"max_size" yaml:"max_size"`
	// SaveInterval is the debounce interval for writes.
	SaveInterval time.Duration `mapstructure:"save_interval" yaml:"save_interval"`
}

// BridgeConfig holds code-generation tool settings.
type BridgeConfig struct {
	// Binary is the tool executable name or path.
	Binary string `mapstructure:"binary" yaml:"binary"`
	// AllowedTools is passed to the tool's --allowedTools flag.
	AllowedTools []string `mapstructure:"allowed_tools" yaml:"allowed_tools"`
	// Model is an optional model override for the tool.
	Model string `mapstructure:"model" yaml:"model"`
	// Timeout bounds a single tool invocation (0 = no limit).
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// ShutdownPolicy is "kill" or "detach".
	ShutdownPolicy string `mapstructure:"shutdown_policy" yaml:"shutdown_policy"`
}

// OrchestratorConfig holds routing settings.
type OrchestratorConfig struct {
	// MaxConcurrent limits routing passes running at once across conversations.
	MaxConcurrent int `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	// MaxFollowups bounds collaborator hand-offs within one routing pass.
	MaxFollowups int `mapstructure:"max_followups" yaml:"max_followups"`
	// MaxToolRounds bounds LLM tool-call rounds within one agent turn.
	MaxToolRounds int `mapstructure:"max_tool_rounds" yaml:"max_tool_rounds"`
	// LaneBuffer is the per-conversation queue depth.
	LaneBuffer int `mapstructure:"lane_buffer" yaml:"lane_buffer"`
}

// PromptConfig holds prompt construction settings.
type PromptConfig struct {
	// MaxTokens is the context window to budget against.
	MaxTokens int `mapstructure:"max_tokens" yaml:"max_tokens"`
	// Reserve is held back for the model's response.
	Reserve int `mapstructure:"reserve" yaml:"reserve"`
	// Encoding is the tiktoken encoding used for counting.
	Encoding string `mapstructure:"encoding" yaml:"encoding"`
}

// IntakeConfig holds subscription settings.
type IntakeConfig struct {
	// Backfill is how far back the project-tagged stream starts on startup.
	Backfill time.Duration `mapstructure:"backfill" yaml:"backfill"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (AGORA_*, ANTHROPIC_API_KEY)
// 2. Project config (<projectRoot>/.agora/config.yaml)
// 3. User config (~/.config/agora/config.yaml)
// 4. Built-in defaults
func Load(projectRoot string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectRoot != "" {
		projectConfig := filepath.Join(projectRoot, ProjectDirName, "config.yaml")
		if _, err := os.Stat(projectConfig); err == nil {
			projectViper := viper.New()
			projectViper.SetConfigFile(projectConfig)
			if err := projectViper.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("reading project config: %w", err)
			}
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("AGORA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "AGORA_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	switch c.Bridge.ShutdownPolicy {
	case "kill", "detach":
	default:
		return fmt.Errorf("bridge.shutdown_policy must be kill or detach, got %q", c.Bridge.ShutdownPolicy)
	}
	if c.Dedup.MaxSize <= 0 {
		return fmt.Errorf("dedup.max_size must be positive, got %d", c.Dedup.MaxSize)
	}
	if c.Orchestrator.MaxConcurrent <= 0 {
		return fmt.Errorf("orchestrator.max_concurrent must be positive, got %d", c.Orchestrator.MaxConcurrent)
	}
	return nil
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// FindProjectRoot searches for a .agora directory in start and its parents.
// Returns "" when none is found.
func FindProjectRoot(start string) string {
	dir := start
	for {
		if info, err := os.Stat(filepath.Join(dir, ProjectDirName)); err == nil && info.IsDir() {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("relays", d.Relays)

	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.use_bedrock", false)
	v.SetDefault("anthropic.aws_region", "")
	v.SetDefault("anthropic.aws_profile", "")

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.debug_file", d.Log.DebugFile)

	v.SetDefault("dedup.max_size", d.Dedup.MaxSize)
	v.SetDefault("dedup.save_interval", d.Dedup.SaveInterval.String())

	v.SetDefault("bridge.binary", d.Bridge.Binary)
	v.SetDefault("bridge.allowed_tools", d.Bridge.AllowedTools)
	v.SetDefault("bridge.model", "")
	v.SetDefault("bridge.timeout", d.Bridge.Timeout.String())
	v.SetDefault("bridge.shutdown_policy", d.Bridge.ShutdownPolicy)

	v.SetDefault("orchestrator.max_concurrent", d.Orchestrator.MaxConcurrent)
	v.SetDefault("orchestrator.max_followups", d.Orchestrator.MaxFollowups)
	v.SetDefault("orchestrator.max_tool_rounds", d.Orchestrator.MaxToolRounds)
	v.SetDefault("orchestrator.lane_buffer", d.Orchestrator.LaneBuffer)

	v.SetDefault("prompt.max_tokens", d.Prompt.MaxTokens)
	v.SetDefault("prompt.reserve", d.Prompt.Reserve)
	v.SetDefault("prompt.encoding", d.Prompt.Encoding)

	v.SetDefault("intake.backfill", d.Intake.Backfill.String())
}

// getUserConfigDir returns the XDG config directory for agora.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "agora")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "agora")
	}
	return filepath.Join(home, ".config", "agora")
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Relays: []string{"wss://relay.damus.io", "wss://nos.lol"},
		Log: LogConfig{
			Level:     "info",
			DebugFile: true,
		},
		Dedup: DedupConfig{
			MaxSize:      10000,
			SaveInterval: time.Second,
		},
		Bridge: BridgeConfig{
			Binary:         "claude",
			AllowedTools:   []string{"Read", "Write", "Edit", "Bash", "Glob", "Grep", "WebFetch"},
			Timeout:        30 * time.Minute,
			ShutdownPolicy: "kill",
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrent: 4,
			MaxFollowups:  3,
			MaxToolRounds: 8,
			LaneBuffer:    100,
		},
		Prompt: PromptConfig{
			MaxTokens: 200000,
			Reserve:   8192,
			Encoding:  "cl100k_base",
		},
		Intake: IntakeConfig{
			Backfill: 24 * time.Hour,
		},
	}
}
