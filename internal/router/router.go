// Package router owns the per-conversation phase state machine: it decides
// who may respond to an event and applies the signals agents end turns with.
package router

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/agora/internal/registry"
	"github.com/ShayCichocki/agora/internal/state"
	"github.com/ShayCichocki/agora/pkg/models"
)

var (
	// ErrNoRoot is returned for events that reference no thread.
	ErrNoRoot = errors.New("event does not belong to a thread")
	// ErrNotActiveSpeaker is returned when an agent that may not speak tries to change the phase.
	ErrNotActiveSpeaker = errors.New("agent is not an active speaker")
	// ErrIllegalTransition is returned for transitions that would regress the phase.
	ErrIllegalTransition = errors.New("illegal phase transition")
)

// Agents resolves agent references.
type Agents interface {
	ResolveMention(token string) (*registry.Agent, bool)
	GetAgentByPubkey(pubkey string) (*registry.Agent, bool)
}

// Decision is the router's verdict for one inbound event.
type Decision struct {
	// Phase is the conversation phase after routing.
	Phase models.Phase
	// Author is the authoring agent's slug, or "" for a human.
	Author string
	// Mentions are the resolved agent slugs addressed by the event.
	Mentions []string
	// Candidates are the agents that should respond, in priority order.
	// Empty with Drop unset lets team formation pick.
	Candidates []string
	// Drop reports that nobody should respond.
	Drop bool
	// Reason explains the decision for logs.
	Reason string
	// Transition is set when routing changed the phase.
	Transition *models.PhaseTransition
}

// FromHuman reports whether the event was not authored by a known agent.
func (d Decision) FromHuman() bool { return d.Author == "" }

// Outcome is the result of applying a signal.
type Outcome struct {
	// Transition is set when the phase changed.
	Transition *models.PhaseTransition
	// Activated are collaborators that should respond next in the same pass.
	Activated []string
	// Resumed is the agent that should continue after its collaborators answered.
	Resumed string
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l.Named("router")
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// Router tracks every conversation of a project.
type Router struct {
	store  state.ConversationStore
	agents Agents
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	convs map[string]*models.Conversation
}

// New creates a router persisting through store.
func New(store state.ConversationStore, agents Agents, opts ...Option) *Router {
	r := &Router{
		store:  store,
		agents: agents,
		logger: zap.NewNop(),
		now:    time.Now,
		convs:  make(map[string]*models.Conversation),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns a copy of a conversation, or nil when unknown.
func (r *Router) Get(ctx context.Context, id string) (*models.Conversation, error) {
	r.mu.Lock()
	if c, ok := r.convs[id]; ok {
		r.mu.Unlock()
		return c.Clone(), nil
	}
	r.mu.Unlock()

	c, err := r.store.GetConversation(ctx, id)
	if err != nil || c == nil {
		return nil, err
	}
	r.mu.Lock()
	r.convs[id] = c.Clone()
	r.mu.Unlock()
	return c, nil
}

// Begin returns the conversation an event belongs to, creating it on
// first sight. The authoring agent, if any, is recorded as a participant.
func (r *Router) Begin(ctx context.Context, ev *models.Event) (*models.Conversation, error) {
	root := ev.RootID()
	if root == "" {
		return nil, ErrNoRoot
	}

	conv, err := r.Get(ctx, root)
	if err != nil {
		return nil, err
	}
	changed := false
	if conv == nil {
		conv = models.NewConversation(root, ev.ProjectRef(), r.now())
		if ev.IsThreadStart() {
			conv.Title = titleFrom(ev)
		}
		changed = true
		r.logger.Info("conversation started", zap.String("conversation", root))
	}
	if a, ok := r.agents.GetAgentByPubkey(ev.PubKey); ok && !slices.Contains(conv.Participants, a.Slug) {
		conv.AddParticipant(a.Slug)
		changed = true
	}
	if changed {
		if err := r.save(ctx, conv, nil); err != nil {
			return nil, err
		}
	}
	return conv, nil
}

// Route decides who responds to ev and applies human-driven phase changes.
func (r *Router) Route(ctx context.Context, conv *models.Conversation, ev *models.Event) (Decision, error) {
	d := Decision{Phase: conv.Phase}
	if a, ok := r.agents.GetAgentByPubkey(ev.PubKey); ok {
		d.Author = a.Slug
	}
	d.Mentions = r.resolveMentions(ev, d.Author)

	if conv.Phase == models.PhaseComplete {
		d.Drop, d.Reason = true, "conversation is complete"
		return d, nil
	}

	if !d.FromHuman() {
		if len(d.Mentions) == 0 {
			d.Drop, d.Reason = true, "agent message without agent mention"
			return d, nil
		}
		d.Candidates = d.Mentions
		d.Reason = "agent addressed other agents"
		return d, nil
	}

	switch conv.Phase {
	case models.PhaseNeedInput:
		asker := conv.BlockedBy
		tr, err := r.resume(ctx, conv, "human replied")
		if err != nil {
			return d, err
		}
		d.Transition = tr
		d.Reason = "human input received"
		if len(d.Mentions) == 0 && asker != "" {
			d.Candidates = []string{asker}
		}
	case models.PhaseBlocked:
		if len(d.Mentions) == 0 {
			d.Drop, d.Reason = true, "waiting on collaborators"
			return d, nil
		}
		tr, err := r.resume(ctx, conv, "human addressed agents")
		if err != nil {
			return d, err
		}
		d.Transition = tr
		d.Reason = "human unblocked conversation"
	}

	if want, ok := requestedPhase(ev.Content); ok && r.canAdvanceTo(conv.Phase, want) {
		tr, err := r.transition(ctx, conv, want, "", "", "human requested "+string(want))
		if err != nil {
			return d, err
		}
		d.Transition = tr
	}

	if len(d.Mentions) > 0 {
		d.Candidates = d.Mentions
		if d.Reason == "" {
			d.Reason = "mentioned"
		}
	} else if len(d.Candidates) == 0 && len(conv.ActiveSpeakers) > 0 {
		d.Candidates = slices.Clone(conv.ActiveSpeakers)
		if d.Reason == "" {
			d.Reason = "active speakers"
		}
	}
	d.Phase = conv.Phase
	return d, nil
}

// Activate makes agents the active speakers and participants.
func (r *Router) Activate(ctx context.Context, conv *models.Conversation, agents []string) error {
	if slices.Equal(conv.ActiveSpeakers, agents) {
		return nil
	}
	conv.ActiveSpeakers = slices.Clone(agents)
	for _, a := range agents {
		conv.AddParticipant(a)
	}
	return r.save(ctx, conv, nil)
}

// ApplySignal applies the signal an agent ended its turn with. Only active
// speakers may change the phase; collaborators a blocked conversation waits
// on release it by responding with any signal.
func (r *Router) ApplySignal(ctx context.Context, conv *models.Conversation, agent string, sig models.Signal) (Outcome, error) {
	var out Outcome
	if conv.Phase == models.PhaseComplete {
		return out, nil
	}

	if conv.Phase == models.PhaseBlocked && slices.Contains(conv.BlockedOn, agent) {
		return r.release(ctx, conv, agent, sig)
	}

	if !conv.IsActiveSpeaker(agent) {
		if sig.Type == models.SignalContinue {
			return out, nil
		}
		return out, fmt.Errorf("%w: %s cannot signal %s", ErrNotActiveSpeaker, agent, sig.Type)
	}

	working := conv.WorkingPhase()
	var err error
	switch sig.Type {
	case models.SignalContinue:
		return out, nil

	case models.SignalReadyForTransition:
		next := nextPhase(working)
		out.Transition, err = r.transition(ctx, conv, next, agent, sig.Type, sig.Reason)
		if err == nil && next != models.PhaseComplete {
			err = r.Activate(ctx, conv, []string{agent})
		}

	case models.SignalNeedInput:
		r.halt(conv, agent, sig.Reason)
		conv.ActiveSpeakers = []string{agent}
		out.Transition, err = r.transition(ctx, conv, models.PhaseNeedInput, agent, sig.Type, sig.Reason)

	case models.SignalBlocked:
		targets := r.resolveNames(sig.Agents, agent)
		r.halt(conv, agent, sig.Reason)
		if len(targets) == 0 {
			r.logger.Warn("blocked signal names no known collaborator, waiting for human",
				zap.String("conversation", conv.ID), zap.String("agent", agent), zap.Strings("named", sig.Agents))
			conv.ActiveSpeakers = []string{agent}
			out.Transition, err = r.transition(ctx, conv, models.PhaseNeedInput, agent, sig.Type, sig.Reason)
			break
		}
		conv.BlockedOn = targets
		conv.ActiveSpeakers = slices.Clone(targets)
		for _, t := range targets {
			conv.AddParticipant(t)
		}
		out.Activated = targets
		out.Transition, err = r.transition(ctx, conv, models.PhaseBlocked, agent, sig.Type, sig.Reason)

	case models.SignalComplete:
		conv.ActiveSpeakers = nil
		conv.BlockedOn = nil
		out.Transition, err = r.transition(ctx, conv, models.PhaseComplete, agent, sig.Type, sig.Reason)

	default:
		return out, fmt.Errorf("unknown signal %q", sig.Type)
	}
	return out, err
}

func (r *Router) release(ctx context.Context, conv *models.Conversation, agent string, sig models.Signal) (Outcome, error) {
	var out Outcome
	conv.BlockedOn = slices.DeleteFunc(slices.Clone(conv.BlockedOn), func(s string) bool { return s == agent })

	if sig.Type == models.SignalBlocked {
		for _, t := range r.resolveNames(sig.Agents, agent) {
			if !slices.Contains(conv.BlockedOn, t) && t != conv.BlockedBy {
				conv.BlockedOn = append(conv.BlockedOn, t)
				conv.AddParticipant(t)
				out.Activated = append(out.Activated, t)
			}
		}
	}

	if len(conv.BlockedOn) > 0 {
		conv.ActiveSpeakers = slices.Clone(conv.BlockedOn)
		return out, r.save(ctx, conv, nil)
	}

	blocker := conv.BlockedBy
	tr, err := r.resume(ctx, conv, agent+" responded")
	if err != nil {
		return out, err
	}
	out.Transition = tr
	if blocker != "" {
		conv.ActiveSpeakers = []string{blocker}
		out.Resumed = blocker
		if err := r.save(ctx, conv, nil); err != nil {
			return out, err
		}
	}
	return out, nil
}

// halt records who froze the conversation and where to resume.
func (r *Router) halt(conv *models.Conversation, agent, reason string) {
	conv.ResumePhase = conv.WorkingPhase()
	conv.BlockedBy = agent
	conv.BlockReason = reason
	conv.BlockedOn = nil
}

// resume returns a halted conversation to its working phase.
func (r *Router) resume(ctx context.Context, conv *models.Conversation, reason string) (*models.PhaseTransition, error) {
	to := conv.WorkingPhase()
	conv.ResumePhase = ""
	conv.BlockedOn = nil
	conv.BlockedBy = ""
	conv.BlockReason = ""
	return r.transition(ctx, conv, to, "", "", reason)
}

func (r *Router) transition(ctx context.Context, conv *models.Conversation, to models.Phase, agent string, sig models.SignalType, reason string) (*models.PhaseTransition, error) {
	from := conv.Phase
	if from == to {
		return nil, r.save(ctx, conv, nil)
	}
	target := to
	if to.Halted() {
		target = conv.WorkingPhase()
	}
	if base := conv.WorkingPhase(); !from.Halted() && target.Rank() >= 0 && base.Rank() > target.Rank() {
		return nil, fmt.Errorf("%w: %s to %s", ErrIllegalTransition, from, to)
	}

	conv.Phase = to
	tr := &models.PhaseTransition{
		ConversationID: conv.ID,
		From:           from,
		To:             to,
		Agent:          agent,
		Signal:         sig,
		Reason:         reason,
		At:             r.now(),
	}
	if err := r.save(ctx, conv, tr); err != nil {
		conv.Phase = from
		return nil, err
	}
	r.logger.Info("phase transition",
		zap.String("conversation", conv.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("agent", agent),
		zap.String("reason", reason))
	return tr, nil
}

func (r *Router) save(ctx context.Context, conv *models.Conversation, tr *models.PhaseTransition) error {
	conv.UpdatedAt = r.now()
	var err error
	if tr != nil {
		err = r.store.SaveTransition(ctx, conv, *tr)
	} else {
		err = r.store.SaveConversation(ctx, conv)
	}
	if err != nil {
		return fmt.Errorf("persist conversation %s: %w", conv.ID, err)
	}
	r.mu.Lock()
	r.convs[conv.ID] = conv.Clone()
	r.mu.Unlock()
	return nil
}

func (r *Router) canAdvanceTo(current, want models.Phase) bool {
	if current.Halted() || current == models.PhaseComplete {
		return false
	}
	return want.Rank() > current.Rank()
}

// resolveMentions maps @tokens and p tags to agent slugs, excluding self.
func (r *Router) resolveMentions(ev *models.Event, self string) []string {
	var out []string
	for _, token := range ParseMentions(ev.Content) {
		a, ok := r.agents.ResolveMention(token)
		if !ok {
			r.logger.Warn("unresolved mention", zap.String("mention", token), zap.String("event", ev.ID))
			continue
		}
		if a.Slug != self && !slices.Contains(out, a.Slug) {
			out = append(out, a.Slug)
		}
	}
	for _, pk := range ev.PTags() {
		if a, ok := r.agents.GetAgentByPubkey(pk); ok && a.Slug != self && !slices.Contains(out, a.Slug) {
			out = append(out, a.Slug)
		}
	}
	return out
}

func (r *Router) resolveNames(names []string, self string) []string {
	var out []string
	for _, n := range names {
		a, ok := r.agents.ResolveMention(n)
		if !ok {
			r.logger.Warn("unresolved collaborator", zap.String("name", n))
			continue
		}
		if a.Slug != self && !slices.Contains(out, a.Slug) {
			out = append(out, a.Slug)
		}
	}
	return out
}

func nextPhase(p models.Phase) models.Phase {
	switch p {
	case models.PhaseChat:
		return models.PhasePlan
	case models.PhasePlan:
		return models.PhaseExecute
	default:
		return models.PhaseComplete
	}
}

func titleFrom(ev *models.Event) string {
	if t := ev.TagValue("title"); t != "" {
		return t
	}
	return models.FirstLine(ev.Content, 80)
}
