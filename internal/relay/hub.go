package relay

import (
	"sync"

	"github.com/quorumchat/voicemesh/internal/domain"
	"github.com/quorumchat/voicemesh/internal/realtime"
	"github.com/rs/zerolog/log"
)

// subscriber is one attached connection. TrySend must never block.
type subscriber interface {
	UserID() domain.UserID
	TrySend(f realtime.ServerFrame) error
}

// Hub routes change and signal frames to attached connections. Watches and
// subscriptions are tracked separately because a client may hold one
// without the other.
type Hub struct {
	mu      sync.RWMutex
	watches map[domain.ChannelID]map[subscriber]struct{}
	topics  map[domain.ChannelID]map[subscriber]struct{}
}

func NewHub() *Hub {
	return &Hub{
		watches: make(map[domain.ChannelID]map[subscriber]struct{}),
		topics:  make(map[domain.ChannelID]map[subscriber]struct{}),
	}
}

func (h *Hub) Watch(channel domain.ChannelID, s subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.watches[channel] == nil {
		h.watches[channel] = make(map[subscriber]struct{})
	}
	h.watches[channel][s] = struct{}{}
}

func (h *Hub) Unwatch(channel domain.ChannelID, s subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.watches[channel], s)
	if len(h.watches[channel]) == 0 {
		delete(h.watches, channel)
	}
}

func (h *Hub) Subscribe(channel domain.ChannelID, s subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.topics[channel] == nil {
		h.topics[channel] = make(map[subscriber]struct{})
	}
	h.topics[channel][s] = struct{}{}
}

func (h *Hub) Unsubscribe(channel domain.ChannelID, s subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.topics[channel], s)
	if len(h.topics[channel]) == 0 {
		delete(h.topics, channel)
	}
}

// Detach removes the connection from every channel it touched.
func (h *Hub) Detach(s subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for channel, set := range h.watches {
		delete(set, s)
		if len(set) == 0 {
			delete(h.watches, channel)
		}
	}
	for channel, set := range h.topics {
		delete(set, s)
		if len(set) == 0 {
			delete(h.topics, channel)
		}
	}
}

// BroadcastChange pushes a roster event to every watcher of the channel,
// the originator included.
func (h *Hub) BroadcastChange(channel domain.ChannelID, ev domain.ParticipantEvent) {
	f := realtime.ServerFrame{Kind: realtime.FrameChange, Channel: channel, Event: &ev}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.watches[channel] {
		if err := s.TrySend(f); err != nil {
			log.Warn().Str("module", "relay.hub").
				Str("channel", string(channel)).
				Str("user", string(s.UserID())).
				Err(err).Msg("change dropped")
		}
	}
}

// BroadcastSignal relays a message to every subscriber except the sender.
// Delivery is at-most-once: a slow consumer loses the frame.
func (h *Hub) BroadcastSignal(channel domain.ChannelID, from domain.UserID, msg domain.SignalMessage) {
	f := realtime.ServerFrame{Kind: realtime.FrameSignal, Channel: channel, Message: &msg}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.topics[channel] {
		if s.UserID() == from {
			continue
		}
		if err := s.TrySend(f); err != nil {
			log.Warn().Str("module", "relay.hub").
				Str("channel", string(channel)).
				Str("user", string(s.UserID())).
				Err(err).Msg("signal dropped")
		}
	}
}
