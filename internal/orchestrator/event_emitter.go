package orchestrator

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// EventEmitter delivers activity to one subscriber without ever blocking
// the coordinator for long.
type EventEmitter struct {
	events       chan Activity
	droppedCount atomic.Uint64
	logger       *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// NewEventEmitter creates an emitter with the given buffer size.
func NewEventEmitter(bufferSize int, logger *zap.Logger) *EventEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventEmitter{
		events: make(chan Activity, bufferSize),
		logger: logger,
	}
}

// Emit sends an activity. If the channel stays full for 100ms the activity
// is dropped.
func (e *EventEmitter) Emit(a Activity) {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}

	select {
	case e.events <- a:
		return
	default:
	}

	timer := time.NewTimer(100 * time.Millisecond)
	defer timer.Stop()
	select {
	case e.events <- a:
	case <-timer.C:
		count := e.droppedCount.Add(1)
		if count%10 == 1 {
			e.logger.Warn("activity channel full, dropping", zap.Uint64("dropped", count), zap.String("type", string(a.Type)))
		}
	}
}

// DroppedCount returns the number of dropped activities.
func (e *EventEmitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns the activity stream. It is closed by Close.
func (e *EventEmitter) Events() <-chan Activity {
	return e.events
}

// Close closes the activity stream. Later emits are discarded.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.events)
	}
}
