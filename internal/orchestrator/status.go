package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/agora/pkg/models"
)

// statusLoop publishes the project status heartbeat on start and then
// every StatusInterval.
func (c *Coordinator) statusLoop(ctx context.Context) {
	defer c.wg.Done()
	c.publishStatus(ctx)
	if c.cfg.StatusInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.publishStatus(ctx)
		}
	}
}

// publishStatus announces the loaded agents. It is signed by the default
// agent when there is one.
func (c *Coordinator) publishStatus(ctx context.Context) {
	agents := c.reg.Agents()
	if len(agents) == 0 {
		return
	}
	signer := agents[0]
	for _, a := range agents {
		if a.IsDefault {
			signer = a
			break
		}
	}

	meta := c.metadata()
	ev := &models.Event{
		Kind: models.KindProjectStatus,
		Tags: models.Tags{{"a", meta.Ref()}},
	}
	if meta.OwnerPubKey != "" {
		ev.Tags = append(ev.Tags, models.Tag{"p", meta.OwnerPubKey})
	}
	for _, a := range agents {
		tag := models.Tag{"agent", a.PubKey(), a.Slug}
		if a.IsDefault {
			tag = append(tag, "default")
		}
		ev.Tags = append(ev.Tags, tag)
	}
	if err := signer.Sign(ev); err != nil {
		c.logger.Warn("could not sign status", zap.Error(err))
		return
	}
	c.store.Add(ev.ID)
	if relays, err := c.net.Publish(ctx, ev); err != nil || len(relays) == 0 {
		c.logger.Debug("status not published", zap.Error(err))
	}
}
