// Package network defines the publish/subscribe contract agora consumes and
// the adapters that satisfy it.
package network

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/ShayCichocki/agora/pkg/models"
)

// ErrNotPublished is returned when no relay accepted an event. It is
// recoverable: callers log it and continue.
var ErrNotPublished = errors.New("event was not accepted by any relay")

// Network is the event network as seen by the coordinator.
type Network interface {
	// Subscribe opens a filtered subscription. Stored events are delivered
	// first, followed by a MessageEOSE marker, then live events.
	Subscribe(ctx context.Context, filter Filter) (*Subscription, error)
	// Publish sends a signed event and returns the relays that accepted it.
	Publish(ctx context.Context, ev *models.Event) ([]string, error)
}

// Filter selects events. Empty fields match everything.
type Filter struct {
	IDs     []string
	Kinds   []models.Kind
	Authors []string
	// Tags maps a single-letter tag key to accepted values.
	Tags  map[string][]string
	Since *time.Time
	Limit int
}

// Matches reports whether the event satisfies the filter.
func (f Filter) Matches(ev *models.Event) bool {
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, ev.ID) {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, ev.Kind) {
		return false
	}
	if len(f.Authors) > 0 && !slices.Contains(f.Authors, ev.PubKey) {
		return false
	}
	if f.Since != nil && ev.CreatedAt.Before(*f.Since) {
		return false
	}
	for key, want := range f.Tags {
		if len(want) == 0 {
			continue
		}
		found := false
		for _, v := range ev.Tags.Values(key) {
			if slices.Contains(want, v) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// MessageType discriminates subscription messages.
type MessageType int

const (
	// MessageEvent carries an event.
	MessageEvent MessageType = iota
	// MessageEOSE marks the end of stored events.
	MessageEOSE
)

// Message is one item delivered on a subscription channel.
type Message struct {
	Type  MessageType
	Event *models.Event
	// Relay is the relay that delivered the message, when known.
	Relay string
}

// Subscription is an open filtered stream. Messages arrive on C until the
// subscription is closed or its context ends; C is then closed.
type Subscription struct {
	ID     string
	Filter Filter
	C      <-chan Message

	once   sync.Once
	cancel context.CancelFunc
}

// NewSubscription wraps a message channel and its cancel function.
// Adapters use it to build the value returned from Subscribe.
func NewSubscription(id string, filter Filter, c <-chan Message, cancel context.CancelFunc) *Subscription {
	return &Subscription{ID: id, Filter: filter, C: c, cancel: cancel}
}

// Close cancels the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}
