package network

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/ShayCichocki/agora/internal/identity"
	"github.com/ShayCichocki/agora/pkg/models"
)

// RelayPool adapts a go-nostr SimplePool to the Network interface.
type RelayPool struct {
	pool   *nostr.SimplePool
	urls   []string
	logger *zap.Logger
}

// NewRelayPool connects lazily to urls. The pool lives as long as ctx.
func NewRelayPool(ctx context.Context, urls []string, logger *zap.Logger) (*RelayPool, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("relay pool: no relay urls configured")
	}
	cleaned := make([]string, 0, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		cleaned = append(cleaned, nostr.NormalizeURL(u))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RelayPool{
		pool:   nostr.NewSimplePool(ctx),
		urls:   cleaned,
		logger: logger.Named("relays"),
	}, nil
}

// URLs returns the relays the pool talks to.
func (p *RelayPool) URLs() []string {
	return append([]string(nil), p.urls...)
}

// Subscribe opens the filter on every relay. Duplicates across relays are
// passed through unchanged; deduplication happens downstream.
func (p *RelayPool) Subscribe(ctx context.Context, filter Filter) (*Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	eose := make(chan struct{})
	events := p.pool.SubscribeManyNotifyEOSE(ctx, p.urls, toNostrFilter(filter), eose)

	out := make(chan Message)
	go func() {
		defer close(out)
		eoseCh := eose
		for {
			select {
			case <-ctx.Done():
				return
			case <-eoseCh:
				eoseCh = nil
				select {
				case out <- Message{Type: MessageEOSE}:
				case <-ctx.Done():
					return
				}
			case re, ok := <-events:
				if !ok {
					return
				}
				if re.Event == nil {
					continue
				}
				msg := Message{Type: MessageEvent, Event: identity.FromNostr(re.Event)}
				if re.Relay != nil {
					msg.Relay = re.Relay.URL
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return NewSubscription(uuid.New().String(), filter, out, cancel), nil
}

// Publish sends the event to every relay and returns those that accepted it.
func (p *RelayPool) Publish(ctx context.Context, ev *models.Event) ([]string, error) {
	var accepted []string
	var lastErr error
	for res := range p.pool.PublishMany(ctx, p.urls, *identity.ToNostr(ev)) {
		if res.Error != nil {
			lastErr = res.Error
			p.logger.Debug("relay rejected event",
				zap.String("relay", res.RelayURL),
				zap.String("event", ev.ID),
				zap.Error(res.Error))
			continue
		}
		accepted = append(accepted, res.RelayURL)
	}
	if len(accepted) == 0 && lastErr != nil {
		p.logger.Warn("event not accepted by any relay", zap.String("event", ev.ID), zap.Error(lastErr))
	}
	return accepted, nil
}

// Close disconnects from every relay.
func (p *RelayPool) Close() {
	p.pool.Close("shutdown")
}

func toNostrFilter(f Filter) nostr.Filter {
	nf := nostr.Filter{
		IDs:     f.IDs,
		Authors: f.Authors,
		Limit:   f.Limit,
	}
	for _, k := range f.Kinds {
		nf.Kinds = append(nf.Kinds, int(k))
	}
	if len(f.Tags) > 0 {
		nf.Tags = make(nostr.TagMap, len(f.Tags))
		for k, v := range f.Tags {
			nf.Tags[k] = v
		}
	}
	if f.Since != nil {
		ts := nostr.Timestamp(f.Since.Unix())
		nf.Since = &ts
	}
	return nf
}

var _ Network = (*RelayPool)(nil)
