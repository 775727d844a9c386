// Package intake opens the project subscriptions and hands each new event
// to the coordinator exactly once.
package intake

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/agora/internal/dedup"
	"github.com/ShayCichocki/agora/internal/network"
	"github.com/ShayCichocki/agora/pkg/models"
)

// Subscription labels.
const (
	SourceProject       = "project"
	SourceLessons       = "lessons"
	SourceProjectEvents = "project-events"
)

// Handler receives events that passed deduplication.
type Handler interface {
	HandleEvent(ctx context.Context, ev *models.Event, source string) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev *models.Event, source string) error

// HandleEvent calls f.
func (f HandlerFunc) HandleEvent(ctx context.Context, ev *models.Event, source string) error {
	return f(ctx, ev, source)
}

// Config identifies the project being followed.
type Config struct {
	// ProjectRef is the project coordinate used in "a" tags.
	ProjectRef string
	// ProjectOwner authors the project record.
	ProjectOwner string
	// ProjectDTag is the project record identifier.
	ProjectDTag string
	// Since bounds the project-events backfill. Zero means no bound.
	Since time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l.Named("intake")
		}
	}
}

// WithAgentPubKeys sets the source of agent pubkeys for the lessons subscription.
func WithAgentPubKeys(fn func() []string) Option {
	return func(m *Manager) { m.pubkeys = fn }
}

// WithLessonIndex sets the index lesson events are added to.
func WithLessonIndex(x *LessonIndex) Option {
	return func(m *Manager) { m.lessons = x }
}

// Manager owns the project subscriptions.
type Manager struct {
	net     network.Network
	store   *dedup.Store
	handler Handler
	cfg     Config
	logger  *zap.Logger
	pubkeys func() []string
	lessons *LessonIndex

	mu      sync.Mutex
	runCtx  context.Context
	cancel  context.CancelFunc
	subs    map[string]*network.Subscription
	wg      sync.WaitGroup
	started bool
}

// NewManager creates a stopped manager.
func NewManager(net network.Network, store *dedup.Store, handler Handler, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		net:     net,
		store:   store,
		handler: handler,
		cfg:     cfg,
		logger:  zap.NewNop(),
		pubkeys: func() []string { return nil },
		subs:    make(map[string]*network.Subscription),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.lessons == nil {
		m.lessons = NewLessonIndex(0)
	}
	return m
}

// Lessons returns the lesson index.
func (m *Manager) Lessons() *LessonIndex {
	return m.lessons
}

// Start loads the dedup store and opens every subscription.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("intake already started")
	}

	m.store.Load()
	m.runCtx, m.cancel = context.WithCancel(ctx)
	m.started = true

	if err := m.openLocked(SourceProject, m.projectFilter()); err != nil {
		m.stopLocked()
		return err
	}
	if err := m.openLocked(SourceProjectEvents, m.projectEventsFilter()); err != nil {
		m.stopLocked()
		return err
	}
	if err := m.openLessonsLocked(); err != nil {
		m.stopLocked()
		return err
	}
	return nil
}

// RefreshLessons re-opens the lessons subscription for the current agent set.
func (m *Manager) RefreshLessons(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	if old, ok := m.subs[SourceLessons]; ok {
		old.Close()
		delete(m.subs, SourceLessons)
	}
	return m.openLessonsLocked()
}

// Stop closes every subscription, waits for the loops and flushes the store.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.stopLocked()
	m.mu.Unlock()

	m.wg.Wait()
	if err := m.store.Flush(); err != nil {
		m.logger.Warn("flushing processed events on stop failed", zap.Error(err))
		return err
	}
	return nil
}

// HandleIncomingEvent deduplicates and dispatches one event. It reports
// whether the event was new.
func (m *Manager) HandleIncomingEvent(ctx context.Context, ev *models.Event, source string) bool {
	if ev == nil || ev.ID == "" {
		return false
	}
	if !m.store.MarkProcessed(ev.ID) {
		m.logger.Debug("skipping duplicate event",
			zap.String("event", ev.ID),
			zap.String("source", source))
		return false
	}
	m.dispatch(ctx, ev, source)
	return true
}

func (m *Manager) dispatch(ctx context.Context, ev *models.Event, source string) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("event handler panicked",
				zap.String("event", ev.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	if err := m.handler.HandleEvent(ctx, ev, source); err != nil {
		m.logger.Warn("event handler failed",
			zap.String("event", ev.ID),
			zap.Int("kind", int(ev.Kind)),
			zap.String("source", source),
			zap.Error(err))
	}
}

func (m *Manager) openLessonsLocked() error {
	authors := m.pubkeys()
	if len(authors) == 0 {
		m.logger.Debug("no agent pubkeys yet, lessons subscription deferred")
		return nil
	}
	return m.openLocked(SourceLessons, network.Filter{
		Kinds:   []models.Kind{models.KindLesson},
		Authors: authors,
	})
}

func (m *Manager) openLocked(label string, filter network.Filter) error {
	sub, err := m.net.Subscribe(m.runCtx, filter)
	if err != nil {
		return fmt.Errorf("open %s subscription: %w", label, err)
	}
	m.subs[label] = sub
	m.logger.Info("subscription opened", zap.String("label", label), zap.String("id", sub.ID))

	m.wg.Add(1)
	go m.consume(label, sub)
	return nil
}

func (m *Manager) consume(label string, sub *network.Subscription) {
	defer m.wg.Done()
	for msg := range sub.C {
		switch msg.Type {
		case network.MessageEOSE:
			m.logger.Debug("end of stored events", zap.String("label", label))
		case network.MessageEvent:
			if msg.Event == nil {
				continue
			}
			if msg.Event.Kind == models.KindLesson {
				m.lessons.Add(msg.Event)
			}
			m.HandleIncomingEvent(m.runCtx, msg.Event, label)
		}
	}
	m.logger.Debug("subscription closed", zap.String("label", label), zap.String("id", sub.ID))
}

func (m *Manager) stopLocked() {
	for label, sub := range m.subs {
		sub.Close()
		delete(m.subs, label)
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.started = false
}

func (m *Manager) projectFilter() network.Filter {
	f := network.Filter{Kinds: []models.Kind{models.KindProject}}
	if m.cfg.ProjectOwner != "" {
		f.Authors = []string{m.cfg.ProjectOwner}
	}
	if m.cfg.ProjectDTag != "" {
		f.Tags = map[string][]string{"d": {m.cfg.ProjectDTag}}
	}
	return f
}

func (m *Manager) projectEventsFilter() network.Filter {
	f := network.Filter{Tags: map[string][]string{"a": {m.cfg.ProjectRef}}}
	if !m.cfg.Since.IsZero() {
		since := m.cfg.Since
		f.Since = &since
	}
	return f
}
