package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ShayCichocki/agora/internal/agent"
	"github.com/ShayCichocki/agora/internal/dedup"
	"github.com/ShayCichocki/agora/internal/intake"
	"github.com/ShayCichocki/agora/internal/network"
	"github.com/ShayCichocki/agora/internal/project"
	"github.com/ShayCichocki/agora/internal/registry"
	"github.com/ShayCichocki/agora/internal/router"
	"github.com/ShayCichocki/agora/internal/team"
	"github.com/ShayCichocki/agora/pkg/models"
)

// Turns runs agent turns.
type Turns interface {
	RunTurn(ctx context.Context, in agent.TurnInput) (*agent.TurnResult, error)
}

// Shutdowner is stopped with the coordinator.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// Deps are the components a coordinator wires together.
type Deps struct {
	Network  network.Network
	Registry *registry.Registry
	Router   *router.Router
	Turns    Turns
	Dedup    *dedup.Store
	Project  *project.Metadata
}

// Coordinator implements intake.Handler for one project.
type Coordinator struct {
	net      network.Network
	reg      *registry.Registry
	router   *router.Router
	turns    Turns
	store    *dedup.Store
	meta     *project.Metadata
	cfg      Config
	selector team.Selector
	logger   *zap.Logger
	emitter  *EventEmitter
	now      func() time.Time

	shutdowners []Shutdowner
	lessons     *intake.LessonIndex
	history     *history
	sem         *semaphore.Weighted

	mu          sync.Mutex
	metaMu      sync.RWMutex
	runCtx      context.Context
	cancel      context.CancelFunc
	stopStatus  context.CancelFunc
	intake      *intake.Manager
	stopWatch   func()
	lanes       map[string]*lane
	lanesClosed bool
	wg          sync.WaitGroup
	started     bool
}

// New creates a stopped coordinator.
func New(deps Deps, cfg Config, opts ...Option) (*Coordinator, error) {
	switch {
	case deps.Network == nil:
		return nil, errors.New("orchestrator: network is required")
	case deps.Registry == nil || deps.Router == nil || deps.Turns == nil:
		return nil, errors.New("orchestrator: registry, router and turns are required")
	case deps.Dedup == nil:
		return nil, errors.New("orchestrator: dedup store is required")
	case deps.Project == nil:
		return nil, project.ErrNoProject
	}
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.MaxFollowups < 0 {
		cfg.MaxFollowups = 0
	}
	if cfg.LaneBuffer <= 0 {
		cfg.LaneBuffer = def.LaneBuffer
	}
	if cfg.HistoryTimeout <= 0 {
		cfg.HistoryTimeout = def.HistoryTimeout
	}
	if cfg.LessonsPerPrompt <= 0 {
		cfg.LessonsPerPrompt = def.LessonsPerPrompt
	}
	if cfg.IdleLane <= 0 {
		cfg.IdleLane = def.IdleLane
	}

	c := &Coordinator{
		net:      deps.Network,
		reg:      deps.Registry,
		router:   deps.Router,
		turns:    deps.Turns,
		store:    deps.Dedup,
		meta:     deps.Project,
		cfg:      cfg,
		selector: team.DefaultSelector{},
		logger:   zap.NewNop(),
		now:      time.Now,
		lessons:  intake.NewLessonIndex(0),
		history:  newHistory(0),
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		lanes:    make(map[string]*lane),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.emitter == nil {
		c.emitter = NewEventEmitter(100, c.logger)
	}
	return c, nil
}

// Activity returns the coordinator's activity stream.
func (c *Coordinator) Activity() <-chan Activity {
	return c.emitter.Events()
}

// Lessons returns the lesson index fed by intake.
func (c *Coordinator) Lessons() *intake.LessonIndex {
	return c.lessons
}

// Start opens the project subscriptions and begins handling events.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("coordinator already started")
	}
	c.runCtx, c.cancel = context.WithCancel(ctx)

	var since time.Time
	if c.cfg.Backfill > 0 {
		since = c.now().Add(-c.cfg.Backfill)
	}
	meta := c.metadata()
	c.intake = intake.NewManager(c.net, c.store, c, intake.Config{
		ProjectRef:   meta.Ref(),
		ProjectOwner: meta.OwnerPubKey,
		ProjectDTag:  meta.DTag,
		Since:        since,
	},
		intake.WithLogger(c.logger),
		intake.WithAgentPubKeys(c.reg.PubKeys),
		intake.WithLessonIndex(c.lessons),
	)

	c.reg.OnAgentCreated(func(a *registry.Agent) {
		c.mu.Lock()
		m := c.intake
		c.mu.Unlock()
		if m == nil {
			return
		}
		if err := m.RefreshLessons(c.runCtx); err != nil {
			c.logger.Warn("could not refresh lessons subscription", zap.String("agent", a.Slug), zap.Error(err))
		}
	})

	if err := c.intake.Start(c.runCtx); err != nil {
		c.cancel()
		return fmt.Errorf("start intake: %w", err)
	}

	c.stopWatch = func() {}
	if c.cfg.WatchDefinitions {
		stop, err := c.reg.WatchDefinitions(c.runCtx)
		if err != nil {
			c.logger.Warn("definition watcher unavailable", zap.Error(err))
		} else {
			c.stopWatch = stop
		}
	}

	statusCtx, stopStatus := context.WithCancel(c.runCtx)
	c.stopStatus = stopStatus
	c.wg.Add(1)
	go c.statusLoop(statusCtx)

	c.started = true
	c.logger.Info("coordinator started",
		zap.String("project", meta.Ref()),
		zap.Int("agents", c.reg.Len()),
		zap.Int("max_concurrent", c.cfg.MaxConcurrent))
	return nil
}

// Stop closes subscriptions, drains every lane, shuts down registered
// components and flushes the dedup store.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	m := c.intake
	c.intake = nil
	c.mu.Unlock()

	var errs []error
	// No new events after intake stops.
	if err := m.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop intake: %w", err))
	}
	c.stopWatch()
	c.stopStatus()

	c.mu.Lock()
	c.lanesClosed = true
	for _, l := range c.lanes {
		close(l.ch)
	}
	c.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		// Abort in-flight turns.
		c.cancel()
		<-drained
		errs = append(errs, fmt.Errorf("drain lanes: %w", ctx.Err()))
	}
	c.cancel()

	for _, s := range c.shutdowners {
		if err := s.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.store.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("flush processed events: %w", err))
	}
	c.emitter.Close()
	c.logger.Info("coordinator stopped")
	return errors.Join(errs...)
}

// HandleEvent implements intake.Handler.
func (c *Coordinator) HandleEvent(ctx context.Context, ev *models.Event, source string) error {
	switch ev.Kind {
	case models.KindThread, models.KindReply:
		if ev.TagValue("status") == "progress" {
			return nil
		}
		root := ev.RootID()
		if root == "" {
			c.logger.Debug("reply without thread reference", zap.String("event", ev.ID))
			return nil
		}
		return c.enqueue(ctx, root, ev)

	case models.KindProject:
		c.updateProject(ev)
		return nil

	case models.KindLesson, models.KindTask, models.KindTypingStart, models.KindTypingStop, models.KindProjectStatus:
		return nil

	case models.KindAgentDefinition:
		c.logger.Debug("agent definition event ignored; definitions are read from files", zap.String("event", ev.ID))
		return nil

	default:
		c.logger.Debug("unhandled event kind", zap.Int("kind", int(ev.Kind)), zap.String("source", source))
		return nil
	}
}

func (c *Coordinator) metadata() project.Metadata {
	c.metaMu.RLock()
	defer c.metaMu.RUnlock()
	return *c.meta
}

// updateProject applies a newer project record's display fields.
func (c *Coordinator) updateProject(ev *models.Event) {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()
	if title := ev.TagValue("title"); title != "" {
		c.meta.Name = title
	}
	if c.meta.Description == "" && ev.Content != "" {
		c.meta.Description = ev.Content
	}
	c.logger.Info("project record updated", zap.String("project", c.meta.Ref()), zap.String("name", c.meta.Name))
}
