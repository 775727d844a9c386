// Package registry maps agent names to stable identities and runtime
// configuration. Agents are created lazily and persisted in agents.json.
package registry

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ShayCichocki/agora/internal/identity"
	"github.com/ShayCichocki/agora/internal/project"
	"github.com/ShayCichocki/agora/pkg/models"
)

// Agent is an instantiated agent. Values are immutable; a definition
// refresh replaces the registry's pointer with a new Agent sharing the keys.
type Agent struct {
	Name          string
	Slug          string
	Role          string
	Description   string
	Instructions  string
	UseCriteria   []string
	Tools         []string
	DefinitionRef string
	DefinitionID  string
	IsDefault     bool

	keys *identity.Keypair
}

// PubKey returns the agent's public key.
func (a *Agent) PubKey() string { return a.keys.PubKey() }

// Sign signs an event as this agent.
func (a *Agent) Sign(ev *models.Event) error { return a.keys.Sign(ev) }

// HasTool reports whether the agent may call the tool.
func (a *Agent) HasTool(name string) bool { return slices.Contains(a.Tools, name) }

// Summary returns the listing view of the agent.
func (a *Agent) Summary() models.AgentSummary {
	return models.AgentSummary{
		Name:         a.Name,
		Slug:         a.Slug,
		Description:  a.Description,
		Role:         a.Role,
		Capabilities: slices.Clone(a.Tools),
		PubKey:       a.PubKey(),
		Loaded:       true,
	}
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l.Named("registry")
		}
	}
}

// Registry owns agent identities for one project.
type Registry struct {
	dir     *project.AgentDirectory
	defsDir string
	logger  *zap.Logger

	group singleflight.Group

	mu     sync.RWMutex
	agents map[string]*Agent
	hooks  []func(*Agent)
}

// New creates a registry over the agent directory and definitions dir.
func New(dir *project.AgentDirectory, definitionsDir string, opts ...Option) *Registry {
	r := &Registry{
		dir:     dir,
		defsDir: definitionsDir,
		logger:  zap.NewNop(),
		agents:  make(map[string]*Agent),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DefinitionsDir returns the directory definition files are read from.
func (r *Registry) DefinitionsDir() string {
	return r.defsDir
}

// OnAgentCreated registers fn to run after a new agent is persisted.
func (r *Registry) OnAgentCreated(fn func(*Agent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, fn)
}

// LoadAll instantiates every agent in the directory. Agents that fail to
// load are skipped; their errors are joined in the result.
func (r *Registry) LoadAll() error {
	var errs []error
	for _, slug := range r.dir.Names() {
		entry, _ := r.dir.Get(slug)
		agent, err := r.build(slug, entry)
		if err != nil {
			r.logger.Warn("skipping agent", zap.String("agent", slug), zap.Error(err))
			errs = append(errs, fmt.Errorf("agent %s: %w", slug, err))
			continue
		}
		r.mu.Lock()
		r.agents[slug] = agent
		r.mu.Unlock()
	}
	r.logger.Info("agents loaded", zap.Int("count", r.Len()))
	return errors.Join(errs...)
}

// GetAgent returns the agent for name, creating and persisting it on first
// use. Concurrent calls for the same name produce one identity.
func (r *Registry) GetAgent(name string) (*Agent, error) {
	slug := Canonicalize(name)
	if slug == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if a, ok := r.loaded(slug); ok {
		return a, nil
	}

	v, err, _ := r.group.Do(slug, func() (interface{}, error) {
		if a, ok := r.loaded(slug); ok {
			return a, nil
		}

		entry, exists := r.dir.Get(slug)
		if !exists {
			created, err := r.newEntry(slug)
			if err != nil {
				return nil, err
			}
			entry, err = r.dir.Put(slug, created)
			if err != nil {
				return nil, err
			}
		}

		agent, err := r.build(slug, entry)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.agents[slug] = agent
		hooks := slices.Clone(r.hooks)
		r.mu.Unlock()

		if !exists {
			r.logger.Info("agent created", zap.String("agent", slug), zap.String("pubkey", agent.PubKey()))
			for _, h := range hooks {
				h(agent)
			}
		}
		return agent, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Agent), nil
}

// GetAgentByPubkey finds a loaded agent by public key.
func (r *Registry) GetAgentByPubkey(pubkey string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.agents {
		if a.PubKey() == pubkey {
			return a, true
		}
	}
	return nil, false
}

// IsAgent reports whether pubkey belongs to a loaded agent.
func (r *Registry) IsAgent(pubkey string) bool {
	_, ok := r.GetAgentByPubkey(pubkey)
	return ok
}

// Agents returns every loaded agent sorted by slug.
func (r *Registry) Agents() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

// PubKeys returns the public keys of every loaded agent.
func (r *Registry) PubKeys() []string {
	agents := r.Agents()
	out := make([]string, len(agents))
	for i, a := range agents {
		out[i] = a.PubKey()
	}
	return out
}

// Len returns the number of loaded agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// GetAllAvailableAgents merges loaded agents with definitions that have
// not been instantiated yet, keyed by slug.
func (r *Registry) GetAllAvailableAgents() map[string]models.AgentSummary {
	out := make(map[string]models.AgentSummary)
	for _, a := range r.Agents() {
		out[a.Slug] = a.Summary()
	}

	defs, err := ListDefinitions(r.defsDir)
	if err != nil {
		r.logger.Warn("some definitions could not be read", zap.Error(err))
	}
	for _, def := range defs {
		slug := Canonicalize(def.Ref)
		if _, ok := out[slug]; ok || slug == "" {
			continue
		}
		name := def.Name
		if name == "" {
			name = def.Ref
		}
		out[slug] = models.AgentSummary{
			Name:         name,
			Slug:         slug,
			Description:  describe(name, def.Description),
			Role:         def.Role,
			Capabilities: Capabilities(slug, def.Role, def.ID, def.Tools),
		}
	}
	return out
}

// ResolveMention finds the agent a mention token refers to. Tokens match
// loaded agents by name or slug, case-insensitively; a token naming a
// definition or directory entry instantiates that agent.
func (r *Registry) ResolveMention(token string) (*Agent, bool) {
	token = strings.TrimPrefix(strings.TrimSpace(token), "@")
	if token == "" {
		return nil, false
	}
	slug := Canonicalize(token)
	for _, a := range r.Agents() {
		if strings.EqualFold(a.Name, token) || a.Slug == slug {
			return a, true
		}
	}
	if slug == "" {
		return nil, false
	}
	if _, ok := r.dir.Get(slug); !ok && !r.definitionExists(slug) {
		return nil, false
	}
	a, err := r.GetAgent(slug)
	if err != nil {
		r.logger.Warn("could not instantiate mentioned agent", zap.String("mention", token), zap.Error(err))
		return nil, false
	}
	return a, true
}

func (r *Registry) loaded(slug string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[slug]
	return a, ok
}

func (r *Registry) definitionExists(ref string) bool {
	if r.defsDir == "" {
		return false
	}
	_, err := os.Stat(DefinitionPath(r.defsDir, ref))
	return err == nil
}

func (r *Registry) newEntry(slug string) (project.AgentEntry, error) {
	kp, err := identity.GenerateKeypair()
	if err != nil {
		return project.AgentEntry{}, fmt.Errorf("generate key for %s: %w", slug, err)
	}
	if r.definitionExists(slug) {
		return project.FileBacked(kp.NSec(), slug), nil
	}
	return project.Inline(kp.NSec()), nil
}

func (r *Registry) build(slug string, entry project.AgentEntry) (*Agent, error) {
	kp, err := identity.KeypairFromSecret(entry.Key())
	if err != nil {
		return nil, err
	}

	a := &Agent{
		Name:      slug,
		Slug:      slug,
		IsDefault: slug == DefaultAgentName,
		keys:      kp,
	}
	if ref, ok := entry.DefinitionRef(); ok {
		a.DefinitionRef = ref
		def, err := LoadDefinition(r.defsDir, ref)
		if err != nil {
			r.logger.Warn("agent definition unavailable, using defaults",
				zap.String("agent", slug), zap.String("ref", ref), zap.Error(err))
		} else {
			applyDefinition(a, def)
		}
	}
	if a.Description == "" {
		a.Description = describe(a.Name, "")
	}
	a.Tools = Capabilities(a.Slug, a.Role, a.DefinitionID, a.Tools)
	return a, nil
}

func applyDefinition(a *Agent, def *Definition) {
	if def.Name != "" {
		a.Name = def.Name
	}
	a.Role = def.Role
	a.Description = describe(a.Name, def.Description)
	a.Instructions = def.Instructions
	a.UseCriteria = slices.Clone(def.UseCriteria)
	a.DefinitionID = def.ID
	a.Tools = slices.Clone(def.Tools)
}

func describe(name, description string) string {
	if strings.TrimSpace(description) != "" {
		return description
	}
	return name + " agent"
}
