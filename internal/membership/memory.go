package membership

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/quorumchat/voicemesh/internal/domain"
	"github.com/rs/zerolog/log"
)

type rowKey struct {
	channel domain.ChannelID
	user    domain.UserID
}

// Memory is an in-process membership backend shared by every Store it
// hands out. It mirrors the remote table's semantics (unique row per
// channel/user, change fan-out to watchers) and backs tests and
// single-process deployments.
type Memory struct {
	mu       sync.RWMutex
	rows     map[rowKey]domain.VoiceParticipant
	watchers map[domain.ChannelID]map[int]chan domain.ParticipantEvent
	nextID   int
}

func NewMemory() *Memory {
	return &Memory{
		rows:     make(map[rowKey]domain.VoiceParticipant),
		watchers: make(map[domain.ChannelID]map[int]chan domain.ParticipantEvent),
	}
}

// Store binds the shared backend to one user.
func (m *Memory) Store(user domain.UserID) Store {
	return &memoryStore{backend: m, user: user}
}

func (m *Memory) insert(p domain.VoiceParticipant) error {
	m.mu.Lock()
	key := rowKey{p.ChannelID, p.UserID}
	if _, ok := m.rows[key]; ok {
		m.mu.Unlock()
		return ErrConflict
	}
	m.rows[key] = p
	m.mu.Unlock()
	m.fanout(p.ChannelID, domain.ParticipantEvent{Kind: domain.EventJoined, Participant: p})
	return nil
}

func (m *Memory) delete(channel domain.ChannelID, user domain.UserID) {
	m.mu.Lock()
	key := rowKey{channel, user}
	p, ok := m.rows[key]
	if ok {
		delete(m.rows, key)
	}
	m.mu.Unlock()
	if ok {
		m.fanout(channel, domain.ParticipantEvent{Kind: domain.EventLeft, Participant: p})
	}
}

func (m *Memory) update(channel domain.ChannelID, user domain.UserID, mutate func(*domain.VoiceParticipant)) bool {
	m.mu.Lock()
	key := rowKey{channel, user}
	p, ok := m.rows[key]
	if !ok {
		m.mu.Unlock()
		return false
	}
	mutate(&p)
	m.rows[key] = p
	m.mu.Unlock()
	m.fanout(channel, domain.ParticipantEvent{Kind: domain.EventUpdated, Participant: p})
	return true
}

func (m *Memory) list(channel domain.ChannelID) []domain.VoiceParticipant {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.VoiceParticipant, 0, len(m.rows))
	for key, p := range m.rows {
		if key.channel == channel {
			out = append(out, p)
		}
	}
	return out
}

func (m *Memory) fanout(channel domain.ChannelID, ev domain.ParticipantEvent) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.watchers[channel] {
		select {
		case ch <- ev:
		default:
			// Change feed is best-effort; a stalled watcher loses events
			// rather than blocking every other client.
			log.Warn().Str("module", "membership.memory").
				Str("channel", string(channel)).
				Msg("watcher backpressure, event dropped")
		}
	}
}

type memoryStore struct {
	backend *Memory
	user    domain.UserID
}

func (s *memoryStore) Join(_ context.Context, channel domain.ChannelID, server domain.ServerID, muted, deafened bool) (domain.VoiceParticipant, error) {
	p := domain.VoiceParticipant{
		ChannelID: channel,
		ServerID:  server,
		UserID:    s.user,
		Muted:     muted,
		Deafened:  deafened,
		SessionID: uuid.NewString(),
	}
	if err := s.backend.insert(p); err != nil {
		return domain.VoiceParticipant{}, err
	}
	return p, nil
}

func (s *memoryStore) Leave(_ context.Context, channel domain.ChannelID) error {
	s.backend.delete(channel, s.user)
	return nil
}

func (s *memoryStore) SetMuted(_ context.Context, channel domain.ChannelID, muted bool) error {
	s.backend.update(channel, s.user, func(p *domain.VoiceParticipant) { p.Muted = muted })
	return nil
}

func (s *memoryStore) SetDeafened(_ context.Context, channel domain.ChannelID, deafened bool) error {
	s.backend.update(channel, s.user, func(p *domain.VoiceParticipant) { p.Deafened = deafened })
	return nil
}

func (s *memoryStore) Watch(ctx context.Context, channel domain.ChannelID) (<-chan domain.ParticipantEvent, error) {
	feed := make(chan domain.ParticipantEvent, 64)

	s.backend.mu.Lock()
	id := s.backend.nextID
	s.backend.nextID++
	initial := make([]domain.VoiceParticipant, 0)
	for key, p := range s.backend.rows {
		if key.channel == channel {
			initial = append(initial, p)
		}
	}
	if s.backend.watchers[channel] == nil {
		s.backend.watchers[channel] = make(map[int]chan domain.ParticipantEvent)
	}
	s.backend.watchers[channel][id] = feed
	s.backend.mu.Unlock()

	for _, p := range initial {
		feed <- domain.ParticipantEvent{Kind: domain.EventJoined, Participant: p}
	}

	go func() {
		<-ctx.Done()
		s.backend.mu.Lock()
		delete(s.backend.watchers[channel], id)
		s.backend.mu.Unlock()
		close(feed)
	}()

	return feed, nil
}
