package notify

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/warp/accounting-engine/accounting"
)

// =============================================================================
// HUB - In-process fan-out keyed by owner
// =============================================================================

const defaultBuffer = 64

// Hub delivers events to the subscribers of the event's owner. Delivery is
// non-blocking: a subscriber whose buffer is full misses the event, which
// is fine because every event carries the full balance sum.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscription]struct{}
	buffer int
	closed bool
	log    zerolog.Logger
}

type subscription struct {
	ch   chan accounting.WalletUpdated
	once sync.Once
}

func NewHub(buffer int, log zerolog.Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{
		subs:   make(map[string]map[*subscription]struct{}),
		buffer: buffer,
		log:    log.With().Str("component", "notify_hub").Logger(),
	}
}

var _ accounting.Emitter = (*Hub)(nil)

// Subscribe registers for the owner's events. The returned cancel func
// unregisters and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe(owner accounting.Owner) (<-chan accounting.WalletUpdated, func()) {
	key := owner.Key()
	sub := &subscription{ch: make(chan accounting.WalletUpdated, h.buffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	if h.subs[key] == nil {
		h.subs[key] = make(map[*subscription]struct{})
	}
	h.subs[key][sub] = struct{}{}
	count := len(h.subs[key])
	h.mu.Unlock()

	h.log.Debug().Str("owner", key).Int("subscribers", count).Msg("subscriber registered")

	cancel := func() {
		h.mu.Lock()
		if subs, ok := h.subs[key]; ok {
			delete(subs, sub)
			if len(subs) == 0 {
				delete(h.subs, key)
			}
		}
		h.mu.Unlock()
		sub.close()
	}
	return sub.ch, cancel
}

func (s *subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

// Emit implements accounting.Emitter.
func (h *Hub) Emit(_ context.Context, event accounting.WalletUpdated) error {
	key := event.Owner.Key()

	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs[key] {
		select {
		case sub.ch <- event:
		default:
			h.log.Warn().
				Str("owner", key).
				Str("category", event.Category.String()).
				Msg("subscriber buffer full, event dropped")
		}
	}
	return nil
}

// Subscribers returns the number of live subscriptions for an owner.
func (h *Hub) Subscribers(owner accounting.Owner) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[owner.Key()])
}

// Close closes every subscription. Later Subscribe calls get a closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for key, subs := range h.subs {
		for sub := range subs {
			sub.close()
		}
		delete(h.subs, key)
	}
}
