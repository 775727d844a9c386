package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/agora/pkg/models"
)

// errStopped is returned for events that arrive after lanes closed.
var errStopped = errors.New("coordinator is stopped")

// lane processes one conversation's events in arrival order.
type lane struct {
	id      string
	ch      chan *models.Event
	pending int
}

func (c *Coordinator) enqueue(ctx context.Context, root string, ev *models.Event) error {
	c.mu.Lock()
	if c.lanesClosed {
		c.mu.Unlock()
		return errStopped
	}
	l, ok := c.lanes[root]
	if !ok {
		l = &lane{id: root, ch: make(chan *models.Event, c.cfg.LaneBuffer)}
		c.lanes[root] = l
		c.wg.Add(1)
		go c.runLane(l)
	}
	l.pending++
	c.mu.Unlock()

	select {
	case l.ch <- ev:
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		l.pending--
		c.mu.Unlock()
		return ctx.Err()
	}
}

func (c *Coordinator) runLane(l *lane) {
	defer c.wg.Done()
	idle := time.NewTimer(c.cfg.IdleLane)
	defer idle.Stop()

	for {
		select {
		case ev, ok := <-l.ch:
			if !ok {
				return
			}
			c.mu.Lock()
			l.pending--
			c.mu.Unlock()
			c.process(l.id, ev)
			idle.Reset(c.cfg.IdleLane)

		case <-idle.C:
			c.mu.Lock()
			if l.pending == 0 && !c.lanesClosed {
				delete(c.lanes, l.id)
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()
			idle.Reset(c.cfg.IdleLane)
		}
	}
}

// process runs one routing pass under the global concurrency limit.
func (c *Coordinator) process(root string, ev *models.Event) {
	ctx := c.runCtx
	if err := c.sem.Acquire(ctx, 1); err != nil {
		c.logger.Debug("routing pass skipped", zap.String("event", ev.ID), zap.Error(err))
		return
	}
	defer c.sem.Release(1)

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("routing pass panicked",
				zap.String("conversation", root),
				zap.String("event", ev.ID),
				zap.String("panic", fmt.Sprint(r)))
		}
	}()

	if err := c.route(ctx, root, ev); err != nil {
		c.logger.Error("routing pass failed", zap.String("conversation", root), zap.String("event", ev.ID), zap.Error(err))
	}
}

// laneCount returns the number of live lanes.
func (c *Coordinator) laneCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lanes)
}
