package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/agora/internal/network"
	"github.com/ShayCichocki/agora/pkg/models"
)

// defaultHistoryLimit bounds the messages kept per conversation.
const defaultHistoryLimit = 200

// history keeps the chat messages of each conversation, oldest first.
type history struct {
	limit int

	mu     sync.Mutex
	byConv map[string][]*models.Event
	seen   map[string]map[string]bool
	filled map[string]bool
}

func newHistory(limit int) *history {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &history{
		limit:  limit,
		byConv: make(map[string][]*models.Event),
		seen:   make(map[string]map[string]bool),
		filled: make(map[string]bool),
	}
}

// add records a chat event under its conversation.
func (h *history) add(root string, ev *models.Event) {
	if ev.Kind != models.KindThread && ev.Kind != models.KindReply {
		return
	}
	if ev.TagValue("status") == "progress" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := h.seen[root]
	if ids == nil {
		ids = make(map[string]bool)
		h.seen[root] = ids
	}
	if ids[ev.ID] {
		return
	}
	ids[ev.ID] = true

	list := append(h.byConv[root], ev)
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	if len(list) > h.limit {
		for _, old := range list[:len(list)-h.limit] {
			delete(ids, old.ID)
		}
		list = list[len(list)-h.limit:]
	}
	h.byConv[root] = list
}

// messages returns a copy of a conversation's messages.
func (h *history) messages(root string) []*models.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*models.Event(nil), h.byConv[root]...)
}

// backfill loads a conversation's stored messages from the network the
// first time it is needed. Fetching stops at end of stored events or timeout.
func (h *history) backfill(ctx context.Context, net network.Network, root string, timeout time.Duration, log *zap.Logger) {
	h.mu.Lock()
	if h.filled[root] {
		h.mu.Unlock()
		return
	}
	h.filled[root] = true
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	filters := []network.Filter{
		{IDs: []string{root}, Kinds: []models.Kind{models.KindThread}},
		{Kinds: []models.Kind{models.KindReply}, Tags: map[string][]string{"E": {root}}, Limit: h.limit},
	}
	for _, f := range filters {
		sub, err := net.Subscribe(ctx, f)
		if err != nil {
			log.Warn("history backfill failed", zap.String("conversation", root), zap.Error(err))
			return
		}
		collect(ctx, sub, func(ev *models.Event) { h.add(root, ev) })
		sub.Close()
	}
}

func collect(ctx context.Context, sub *network.Subscription, fn func(*models.Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C:
			if !ok || msg.Type == network.MessageEOSE {
				return
			}
			if msg.Event != nil {
				fn(msg.Event)
			}
		}
	}
}
