package llm

import (
	"fmt"
	"strings"
	"sync"
)

// Factory builds a provider for a configuration.
type Factory func(cfg Configuration, settings *Settings) (Provider, error)

// Resolver hands out one cached provider per configuration name.
type Resolver struct {
	settings  *Settings
	factories map[string]Factory

	mu    sync.Mutex
	cache map[string]Provider
}

// NewResolver creates a resolver over settings. factories is keyed by
// provider name, lowercase.
func NewResolver(settings *Settings, factories map[string]Factory) *Resolver {
	if settings == nil {
		settings = &Settings{}
	}
	return &Resolver{
		settings:  settings,
		factories: factories,
		cache:     make(map[string]Provider),
	}
}

// Settings returns the underlying settings.
func (r *Resolver) Settings() *Settings {
	return r.settings
}

// ForAgent returns the provider and configuration an agent should use.
func (r *Resolver) ForAgent(agent string) (Provider, Configuration, error) {
	name, cfg, err := r.settings.Resolve(agent)
	if err != nil {
		return nil, Configuration{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.cache[name]; ok {
		return p, cfg, nil
	}

	factory, ok := r.factories[strings.ToLower(cfg.Provider)]
	if !ok {
		return nil, Configuration{}, &ConfigError{
			Agent:     agent,
			Requested: fmt.Sprintf("%s (unsupported provider %q)", name, cfg.Provider),
			Available: r.settings.Names(),
		}
	}
	p, err := factory(cfg, r.settings)
	if err != nil {
		return nil, Configuration{}, fmt.Errorf("create provider for %s: %w", name, err)
	}
	r.cache[name] = p
	return p, cfg, nil
}
