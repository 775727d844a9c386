package orchestrator

import (
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/agora/internal/team"
)

// Config holds the coordinator's tunables.
type Config struct {
	// MaxConcurrent limits routing passes running at once across conversations.
	MaxConcurrent int
	// MaxFollowups bounds collaborator hand-offs within one routing pass.
	MaxFollowups int
	// LaneBuffer is the per-conversation queue depth.
	LaneBuffer int
	// Backfill is how far back the project stream starts.
	Backfill time.Duration
	// HistoryTimeout bounds fetching stored messages of a conversation.
	HistoryTimeout time.Duration
	// LessonsPerPrompt is the number of lessons shown to an agent.
	LessonsPerPrompt int
	// StatusInterval is the project status heartbeat period (0 = startup only).
	StatusInterval time.Duration
	// WatchDefinitions enables hot-reload of agent definition files.
	WatchDefinitions bool
	// IdleLane is how long an idle conversation lane lives.
	IdleLane time.Duration
}

// DefaultConfig returns the coordinator defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:    4,
		MaxFollowups:     3,
		LaneBuffer:       100,
		Backfill:         24 * time.Hour,
		HistoryTimeout:   5 * time.Second,
		LessonsPerPrompt: 10,
		IdleLane:         5 * time.Minute,
	}
}

// Option configures a Coordinator. Use With* functions to create Options.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l.Named("orchestrator")
		}
	}
}

// WithSelector replaces the default team selector.
func WithSelector(s team.Selector) Option {
	return func(c *Coordinator) { c.selector = s }
}

// WithShutdown registers a component to shut down after lanes drain, such
// as the tool bridge.
func WithShutdown(s Shutdowner) Option {
	return func(c *Coordinator) { c.shutdowners = append(c.shutdowners, s) }
}

// WithEmitter sets the activity emitter observers read from.
func WithEmitter(e *EventEmitter) Option {
	return func(c *Coordinator) { c.emitter = e }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}
