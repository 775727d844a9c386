package network

import (
	"context"
	"fmt"

	"github.com/ShayCichocki/agora/internal/identity"
	"github.com/ShayCichocki/agora/pkg/models"
)

// SignAndPublish signs the event with signer and publishes it. The event is
// returned signed even when publishing fails, so callers can still use its id.
func SignAndPublish(ctx context.Context, net Network, signer identity.Signer, ev *models.Event) ([]string, error) {
	if err := signer.Sign(ev); err != nil {
		return nil, err
	}
	relays, err := net.Publish(ctx, ev)
	if err != nil {
		return relays, fmt.Errorf("publish kind %d: %w", ev.Kind, err)
	}
	if len(relays) == 0 {
		return nil, ErrNotPublished
	}
	return relays, nil
}
