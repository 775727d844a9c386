// Package team chooses which agents respond to a routed event.
package team

import (
	"context"
	"slices"

	"github.com/google/uuid"

	"github.com/ShayCichocki/agora/pkg/models"
)

// Request carries what a selector may consider.
type Request struct {
	// ConversationID is the conversation being routed.
	ConversationID string
	// Phase is the phase the team will respond in.
	Phase models.Phase
	// Mentions are agents explicitly addressed, in order.
	Mentions []string
	// ActiveSpeakers are the conversation's current active speakers.
	ActiveSpeakers []string
	// Available are all agents that could respond.
	Available []string
	// Fallback leads when nobody is addressed and nobody is active.
	Fallback string
}

// Selector picks a team for one routing pass.
type Selector interface {
	Select(ctx context.Context, req Request) (*models.Team, error)
}

// SelectorFunc adapts a function to Selector.
type SelectorFunc func(ctx context.Context, req Request) (*models.Team, error)

// Select calls f.
func (f SelectorFunc) Select(ctx context.Context, req Request) (*models.Team, error) {
	return f(ctx, req)
}

// DefaultSelector prefers explicit mentions, then active speakers, then the fallback.
type DefaultSelector struct{}

// Select implements Selector. It never fails; an empty team means nobody can respond.
func (DefaultSelector) Select(_ context.Context, req Request) (*models.Team, error) {
	available := known(req.Available)
	switch len(available) {
	case 0:
		return &models.Team{ID: uuid.NewString(), Reason: "no agents available"}, nil
	case 1:
		return &models.Team{
			ID:       uuid.NewString(),
			Lead:     available[0],
			Strategy: models.StrategySequential,
			Reason:   "single agent",
		}, nil
	}

	if picked := filter(req.Mentions, available); len(picked) > 0 {
		t := &models.Team{
			ID:       uuid.NewString(),
			Lead:     picked[0],
			Members:  picked[1:],
			Strategy: models.StrategySequential,
			Reason:   "mentioned",
		}
		if len(picked) > 1 {
			t.Strategy = models.StrategyParallel
		}
		return t, nil
	}

	if picked := filter(req.ActiveSpeakers, available); len(picked) > 0 {
		return &models.Team{
			ID:       uuid.NewString(),
			Lead:     picked[0],
			Members:  picked[1:],
			Strategy: models.StrategySequential,
			Reason:   "active speakers",
		}, nil
	}

	lead := req.Fallback
	if !slices.Contains(available, lead) {
		lead = available[0]
	}
	return &models.Team{
		ID:       uuid.NewString(),
		Lead:     lead,
		Strategy: models.StrategySequential,
		Reason:   "fallback lead",
	}, nil
}

// IsSingleAgent reports whether a project has exactly one agent, in which
// case prompts drop roster and turn-taking instructions.
func IsSingleAgent(available []string) bool {
	return len(known(available)) == 1
}

func known(names []string) []string {
	var out []string
	for _, n := range names {
		if n != "" && !slices.Contains(out, n) {
			out = append(out, n)
		}
	}
	return out
}

func filter(names, available []string) []string {
	var out []string
	for _, n := range names {
		if slices.Contains(available, n) && !slices.Contains(out, n) {
			out = append(out, n)
		}
	}
	return out
}
