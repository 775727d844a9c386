package orchestrator

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/agora/internal/agent"
	"github.com/ShayCichocki/agora/internal/llm"
	"github.com/ShayCichocki/agora/internal/network"
	"github.com/ShayCichocki/agora/internal/prompt"
	"github.com/ShayCichocki/agora/internal/registry"
	"github.com/ShayCichocki/agora/internal/router"
	"github.com/ShayCichocki/agora/internal/team"
	"github.com/ShayCichocki/agora/pkg/models"
)

// route runs one routing pass for ev: route it, pick a team, run the
// team's turns and any follow-ups their signals call for.
func (c *Coordinator) route(ctx context.Context, root string, ev *models.Event) error {
	conv, err := c.router.Begin(ctx, ev)
	if errors.Is(err, router.ErrNoRoot) {
		return nil
	}
	if err != nil {
		return err
	}
	if ev.IsThreadStart() {
		c.emitter.Emit(Activity{Type: EventConversationStarted, ConversationID: conv.ID, Phase: conv.Phase, Message: conv.Title})
	}

	c.history.backfill(ctx, c.net, root, c.cfg.HistoryTimeout, c.logger)
	c.history.add(root, ev)

	d, err := c.router.Route(ctx, conv, ev)
	if err != nil {
		return err
	}
	c.emitTransition(d.Transition)
	log := c.logger.With(zap.String("conversation", conv.ID), zap.String("event", ev.ID))
	if d.Drop {
		log.Debug("event not routed", zap.String("reason", d.Reason))
		c.emitter.Emit(Activity{Type: EventDropped, ConversationID: conv.ID, Phase: conv.Phase, Message: d.Reason})
		return nil
	}

	tm, err := c.selector.Select(ctx, team.Request{
		ConversationID: conv.ID,
		Phase:          d.Phase,
		Mentions:       d.Mentions,
		ActiveSpeakers: d.Candidates,
		Available:      c.available(),
		Fallback:       registry.DefaultAgentName,
	})
	if err != nil {
		return err
	}
	if tm.Size() == 0 {
		log.Warn("no agents available to respond")
		c.emitter.Emit(Activity{Type: EventDropped, ConversationID: conv.ID, Phase: conv.Phase, Message: "no agents available"})
		return nil
	}
	log.Info("routed",
		zap.String("team", tm.ID),
		zap.String("lead", tm.Lead),
		zap.Strings("members", tm.Members),
		zap.String("strategy", string(tm.Strategy)),
		zap.String("reason", d.Reason+"; "+tm.Reason))
	c.emitter.Emit(Activity{Type: EventRouted, ConversationID: conv.ID, Agent: tm.Lead, Phase: conv.Phase, Message: tm.Reason})

	if err := c.router.Activate(ctx, conv, tm.All()); err != nil {
		return err
	}
	c.runTeam(ctx, conv, ev, tm)
	return nil
}

func (c *Coordinator) runTeam(ctx context.Context, conv *models.Conversation, trigger *models.Event, tm *models.Team) {
	slugs := tm.All()
	if tm.Strategy == models.StrategyParallel {
		results := make([]*agent.TurnResult, len(slugs))
		var g errgroup.Group
		for i, slug := range slugs {
			g.Go(func() error {
				results[i] = c.runTurn(ctx, conv, trigger, slug)
				return nil
			})
		}
		_ = g.Wait()
		for _, res := range results {
			if res != nil {
				c.conclude(ctx, conv, trigger, res, 0)
			}
		}
		return
	}

	for _, slug := range slugs {
		if res := c.runTurn(ctx, conv, trigger, slug); res != nil {
			c.conclude(ctx, conv, trigger, res, 0)
		}
		if conv.Phase.Halted() || conv.Phase == models.PhaseComplete {
			return
		}
	}
}

// runTurn runs one agent turn. Failures are contained to the agent.
func (c *Coordinator) runTurn(ctx context.Context, conv *models.Conversation, trigger *models.Event, slug string) *agent.TurnResult {
	log := c.logger.With(zap.String("conversation", conv.ID), zap.String("agent", slug))
	a, err := c.reg.GetAgent(slug)
	if err != nil {
		log.Error("agent unavailable", zap.Error(err))
		return nil
	}

	c.emitter.Emit(Activity{Type: EventTurnStarted, ConversationID: conv.ID, Agent: slug, Phase: conv.Phase})
	res, err := c.turns.RunTurn(ctx, agent.TurnInput{
		Agent:        a,
		Conversation: conv,
		Trigger:      trigger,
		Prompt:       c.promptContext(a, conv),
	})
	if err != nil {
		var ce *llm.ConfigError
		if errors.As(err, &ce) {
			log.Error("agent skipped: no LLM configuration", zap.Strings("available", ce.Available))
		} else {
			log.Error("agent turn failed", zap.Error(err))
		}
		c.emitter.Emit(Activity{Type: EventTurnFailed, ConversationID: conv.ID, Agent: slug, Phase: conv.Phase, Error: err})
		return nil
	}
	return res
}

// conclude publishes a turn's response, applies its signal and runs the
// follow-ups the signal calls for, up to MaxFollowups hops deep.
func (c *Coordinator) conclude(ctx context.Context, conv *models.Conversation, trigger *models.Event, res *agent.TurnResult, hops int) {
	log := c.logger.With(zap.String("conversation", conv.ID), zap.String("agent", res.Agent))
	a, err := c.reg.GetAgent(res.Agent)
	if err != nil {
		log.Error("agent unavailable", zap.Error(err))
		return
	}
	reply := c.publishReply(ctx, a, conv, trigger, res)
	c.emitter.Emit(Activity{
		Type:           EventTurnCompleted,
		ConversationID: conv.ID,
		Agent:          res.Agent,
		Phase:          conv.Phase,
		Signal:         res.Signal.Type,
		Tokens:         res.Usage.InputTokens + res.Usage.OutputTokens,
	})

	out, err := c.router.ApplySignal(ctx, conv, res.Agent, res.Signal)
	if err != nil {
		if errors.Is(err, router.ErrNotActiveSpeaker) {
			log.Warn("signal ignored", zap.Error(err))
		} else {
			log.Error("could not apply signal", zap.Error(err))
		}
		return
	}
	c.emitTransition(out.Transition)

	next := out.Activated
	if out.Resumed != "" {
		next = append(next, out.Resumed)
	}
	if len(next) == 0 && hops < c.cfg.MaxFollowups {
		next = c.addressed(ctx, conv, reply, res.Agent)
	}
	if len(next) == 0 || reply == nil {
		return
	}
	if hops >= c.cfg.MaxFollowups {
		log.Warn("follow-up limit reached", zap.Strings("pending", next), zap.Int("hops", hops))
		return
	}
	for _, slug := range next {
		if r := c.runTurn(ctx, conv, reply, slug); r != nil {
			c.conclude(ctx, conv, reply, r, hops+1)
		}
	}
}

// addressed returns the agents a published reply @-mentions in its content
// and makes them active speakers alongside the current ones. Halted and
// complete conversations wait for a human instead.
func (c *Coordinator) addressed(ctx context.Context, conv *models.Conversation, reply *models.Event, author string) []string {
	if reply == nil || conv.Phase.Halted() || conv.Phase == models.PhaseComplete {
		return nil
	}
	var out []string
	for _, token := range router.ParseMentions(reply.Content) {
		a, ok := c.reg.ResolveMention(token)
		if !ok || a.Slug == author || slices.Contains(out, a.Slug) {
			continue
		}
		out = append(out, a.Slug)
	}
	if len(out) == 0 {
		return nil
	}
	speakers := slices.Clone(conv.ActiveSpeakers)
	for _, slug := range out {
		if !slices.Contains(speakers, slug) {
			speakers = append(speakers, slug)
		}
	}
	if err := c.router.Activate(ctx, conv, speakers); err != nil {
		c.logger.Error("could not activate mentioned agents", zap.String("conversation", conv.ID), zap.Error(err))
		return nil
	}
	c.emitter.Emit(Activity{Type: EventRouted, ConversationID: conv.ID, Agent: out[0], Phase: conv.Phase, Message: author + " mentioned " + strings.Join(out, ", ")})
	return out
}

// publishReply signs and publishes a turn's response. Its id is marked
// processed first so the echo from the network is not routed again.
func (c *Coordinator) publishReply(ctx context.Context, a *registry.Agent, conv *models.Conversation, trigger *models.Event, res *agent.TurnResult) *models.Event {
	content := res.Text
	if content == "" {
		content = router.FormatSignal(res.Signal)
	}
	ev := &models.Event{
		Kind:    models.KindReply,
		Content: content,
		Tags:    models.ReplyTags(conv.ID, trigger.ID, conv.ProjectRef, trigger.PubKey),
	}
	ev.Tags = append(ev.Tags,
		models.Tag{"phase", string(conv.WorkingPhase())},
		models.Tag{"signal", string(res.Signal.Type)})
	for _, name := range res.Signal.Agents {
		if target, ok := c.reg.ResolveMention(name); ok && target.Slug != a.Slug {
			ev.Tags = append(ev.Tags, models.Tag{"p", target.PubKey()})
		}
	}

	if err := a.Sign(ev); err != nil {
		c.logger.Error("could not sign reply", zap.String("agent", a.Slug), zap.Error(err))
		return nil
	}
	c.store.Add(ev.ID)
	c.history.add(conv.ID, ev)

	relays, err := c.net.Publish(ctx, ev)
	if err == nil && len(relays) == 0 {
		err = network.ErrNotPublished
	}
	if err != nil {
		c.logger.Warn("reply not published", zap.String("agent", a.Slug), zap.String("event", ev.ID), zap.Error(err))
	} else {
		c.logger.Debug("reply published", zap.String("agent", a.Slug), zap.String("event", ev.ID), zap.Strings("relays", relays))
	}
	return ev
}

func (c *Coordinator) promptContext(a *registry.Agent, conv *models.Conversation) prompt.Context {
	pc := prompt.NewContext(a, conv)
	pc.ProjectName = c.metadata().Name

	available := c.reg.GetAllAvailableAgents()
	for _, s := range available {
		pc.Roster = append(pc.Roster, s)
	}
	sort.Slice(pc.Roster, func(i, j int) bool { return pc.Roster[i].Slug < pc.Roster[j].Slug })
	pc.SingleAgent = len(available) == 1
	pc.Lessons = c.lessons.For(a.PubKey(), c.cfg.LessonsPerPrompt)

	for _, ev := range c.history.messages(conv.ID) {
		author := ""
		if ag, ok := c.reg.GetAgentByPubkey(ev.PubKey); ok {
			author = ag.Slug
		}
		pc.History = append(pc.History, prompt.Entry{Author: author, Content: ev.Content})
	}
	return pc
}

func (c *Coordinator) available() []string {
	all := c.reg.GetAllAvailableAgents()
	out := make([]string, 0, len(all))
	for slug := range all {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}

func (c *Coordinator) emitTransition(t *models.PhaseTransition) {
	if t == nil {
		return
	}
	c.emitter.Emit(Activity{
		Type:           EventPhaseChanged,
		ConversationID: t.ConversationID,
		Agent:          t.Agent,
		Phase:          t.To,
		Signal:         t.Signal,
		Message:        string(t.From) + " -> " + string(t.To),
	})
}
