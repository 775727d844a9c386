package network

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/ShayCichocki/agora/pkg/models"
)

// MemoryRelay is an in-process relay. It backs tests and offline runs.
type MemoryRelay struct {
	name string

	mu      sync.Mutex
	events  []*models.Event
	stored  map[string]bool
	subs    map[string]*memorySub
	offline bool
}

// NewMemoryRelay creates an empty relay reported under name.
func NewMemoryRelay(name string) *MemoryRelay {
	if name == "" {
		name = "memory"
	}
	return &MemoryRelay{
		name:   name,
		stored: make(map[string]bool),
		subs:   make(map[string]*memorySub),
	}
}

// Subscribe replays matching stored events, sends EOSE, then streams live events.
func (r *MemoryRelay) Subscribe(ctx context.Context, filter Filter) (*Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	sub := &memorySub{
		filter: filter,
		out:    make(chan Message),
		notify: make(chan struct{}, 1),
	}
	id := uuid.New().String()

	r.mu.Lock()
	for _, ev := range r.events {
		if filter.Matches(ev) {
			sub.push(Message{Type: MessageEvent, Event: ev, Relay: r.name})
		}
	}
	sub.push(Message{Type: MessageEOSE, Relay: r.name})
	r.subs[id] = sub
	r.mu.Unlock()

	go func() {
		sub.pump(ctx)
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}()

	return NewSubscription(id, filter, sub.out, cancel), nil
}

// Publish stores the event and fans it out to matching subscriptions.
// An offline relay accepts nothing and reports zero relays.
func (r *MemoryRelay) Publish(ctx context.Context, ev *models.Event) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.offline {
		return nil, nil
	}
	if r.stored[ev.ID] {
		return []string{r.name}, nil
	}
	r.stored[ev.ID] = true
	r.events = append(r.events, ev)
	r.fanOutLocked(ev)
	return []string{r.name}, nil
}

// Deliver pushes an event to matching subscribers without storing it,
// the way a second relay would hand over a copy already seen elsewhere.
func (r *MemoryRelay) Deliver(ev *models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fanOutLocked(ev)
}

// SetOffline makes Publish accept nothing.
func (r *MemoryRelay) SetOffline(offline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offline = offline
}

// Events returns a snapshot of stored events, oldest first.
func (r *MemoryRelay) Events() []*models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*models.Event(nil), r.events...)
}

// EventsOfKind returns stored events of one kind.
func (r *MemoryRelay) EventsOfKind(kind models.Kind) []*models.Event {
	var out []*models.Event
	for _, ev := range r.Events() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// SubscriptionCount returns the number of open subscriptions.
func (r *MemoryRelay) SubscriptionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

func (r *MemoryRelay) fanOutLocked(ev *models.Event) {
	for _, sub := range r.subs {
		if sub.filter.Matches(ev) {
			sub.push(Message{Type: MessageEvent, Event: ev, Relay: r.name})
		}
	}
}

// memorySub queues messages without bounding them so publishers never block.
type memorySub struct {
	filter Filter
	out    chan Message
	notify chan struct{}

	mu    sync.Mutex
	queue []Message
}

func (s *memorySub) push(m Message) {
	s.mu.Lock()
	s.queue = append(s.queue, m)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *memorySub) pump(ctx context.Context) {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
				continue
			case <-ctx.Done():
				return
			}
		}
		m := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- m:
		case <-ctx.Done():
			return
		}
	}
}

var _ Network = (*MemoryRelay)(nil)
