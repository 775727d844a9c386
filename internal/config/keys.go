package config

import (
	"errors"
	"os"
	"strings"
)

// ErrNoAPIKey is returned when no API key is configured for a provider.
var ErrNoAPIKey = errors.New("no API key configured")

// KeySource represents where an API key was loaded from.
type KeySource string

const (
	KeySourceSettings KeySource = "llm_settings"
	KeySourceEnv      KeySource = "environment"
	KeySourceConfig   KeySource = "config_file"
	KeySourceNone     KeySource = "none"
)

// providerEnv maps provider names to the environment variable holding their key.
var providerEnv = map[string]string{
	"anthropic": "ANTHROPIC_API_KEY",
}

// ResolveAPIKey picks the API key for a provider. A key stored with the
// project's LLM settings wins, then the provider's environment variable,
// then the runtime config file.
func ResolveAPIKey(provider, settingsKey string, cfg *Config) (string, KeySource, error) {
	if key := usable(settingsKey); key != "" {
		return key, KeySourceSettings, nil
	}

	if env, ok := providerEnv[strings.ToLower(provider)]; ok {
		if key := os.Getenv(env); key != "" {
			return key, KeySourceEnv, nil
		}
	}

	if cfg != nil && strings.EqualFold(provider, "anthropic") {
		if key := usable(cfg.Anthropic.APIKey); key != "" {
			return key, KeySourceConfig, nil
		}
	}

	return "", KeySourceNone, ErrNoAPIKey
}

// usable expands env references and rejects unexpanded placeholders.
func usable(raw string) string {
	if raw == "" {
		return ""
	}
	key := os.ExpandEnv(raw)
	if key == "" || strings.HasPrefix(key, "${") {
		return ""
	}
	return key
}

// MaskAPIKey returns a masked version of the API key for display.
// Shows the first 7 characters and last 4 characters.
func MaskAPIKey(key string) string {
	if key == "" {
		return "(not set)"
	}

	if len(key) <= 15 {
		return "***"
	}

	return key[:7] + "..." + key[len(key)-4:]
}
