// Package mesh maintains one peer connection per remote participant of the
// active voice channel and drives each through its offer/answer/ICE
// exchange. Setup is asynchronous, unordered and individually
// failure-prone; a dead link never takes the session down with it.
package mesh

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/quorumchat/voicemesh/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const defaultDisconnectGrace = 10 * time.Second

type Config struct {
	LocalUser domain.UserID
	// STUN endpoints handed to every peer connection. No TURN.
	ICEServers []string
	// LocalTrack is attached to every link; nil means listen-only.
	LocalTrack webrtc.TrackLocal
	// MaxPeers caps the mesh. One connection per remote participant scales
	// only to small rosters; past the cap no new links are created.
	MaxPeers int
	// DisconnectGrace is how long a link may sit in Disconnected before it
	// is torn down.
	DisconnectGrace time.Duration
	// Send publishes a signal message to the channel's bus. Best-effort.
	Send func(domain.SignalMessage)
}

// Manager owns the links of one voice session. A new Manager is built per
// join, so nothing leaks between sessions.
type Manager struct {
	cfg Config
	log zerolog.Logger

	mu       sync.Mutex
	links    map[domain.UserID]*link
	deafened bool
	closed   bool
}

func NewManager(cfg Config) *Manager {
	if cfg.DisconnectGrace <= 0 {
		cfg.DisconnectGrace = defaultDisconnectGrace
	}
	return &Manager{
		cfg:   cfg,
		log:   log.With().Str("module", "mesh").Str("user", string(cfg.LocalUser)).Logger(),
		links: make(map[domain.UserID]*link),
	}
}

func (m *Manager) webrtcConfig() webrtc.Configuration {
	servers := make([]webrtc.ICEServer, 0, len(m.cfg.ICEServers))
	for _, u := range m.cfg.ICEServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	return webrtc.Configuration{ICEServers: servers}
}

// HandleSignal dispatches one bus message. The caller has already filtered
// echoes and messages addressed to someone else.
func (m *Manager) HandleSignal(msg domain.SignalMessage) {
	switch msg.Kind {
	case domain.KindAnnounce:
		m.handleAnnounce(msg.From)
	case domain.KindOffer:
		desc, err := msg.SessionDesc()
		if err != nil {
			m.log.Error().Err(err).Str("peer", string(msg.From)).Msg("drop offer")
			return
		}
		m.handleOffer(msg.From, desc)
	case domain.KindAnswer:
		desc, err := msg.SessionDesc()
		if err != nil {
			m.log.Error().Err(err).Str("peer", string(msg.From)).Msg("drop answer")
			return
		}
		m.handleAnswer(msg.From, desc)
	case domain.KindCandidate:
		cand, err := msg.ICECandidate()
		if err != nil {
			m.log.Error().Err(err).Str("peer", string(msg.From)).Msg("drop candidate")
			return
		}
		m.handleCandidate(msg.From, cand)
	default:
		m.log.Warn().Str("kind", string(msg.Kind)).Msg("unknown signal kind rejected")
	}
}

// handleAnnounce reacts to "I am newly present": offer to the announcer. A
// re-announce from a known peer means it restarted, so the stale link goes
// first.
func (m *Manager) handleAnnounce(from domain.UserID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if old, ok := m.links[from]; ok {
		m.closeLinkLocked(old)
		delete(m.links, from)
	} else if len(m.links) >= m.cfg.MaxPeers && m.cfg.MaxPeers > 0 {
		m.log.Warn().Str("peer", string(from)).Int("max_peers", m.cfg.MaxPeers).
			Msg("mesh ceiling reached, peer not connected")
		return
	}
	l, err := m.newLink(from)
	if err != nil {
		m.log.Error().Err(err).Str("peer", string(from)).Msg("create link")
		return
	}
	if err := m.startOffer(l); err != nil {
		m.log.Error().Err(err).Str("peer", string(from)).Msg("offer failed")
		m.closeLinkLocked(l)
		delete(m.links, from)
	}
}

func (m *Manager) handleOffer(from domain.UserID, desc domain.SessionDesc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if l, ok := m.links[from]; ok {
		if l.state == StateOffering || l.state == StateAwaitingAnswer {
			// Glare: both sides offered at once. The lexicographically lower
			// user id keeps its offer; the other side discards and answers.
			if m.cfg.LocalUser < from {
				m.log.Info().Str("peer", string(from)).Msg("glare: keeping local offer")
				return
			}
			m.log.Info().Str("peer", string(from)).Msg("glare: yielding to remote offer")
		}
		// Either we lost the glare or the peer started a fresh negotiation.
		// A clean peer connection replaces rollback gymnastics.
		m.closeLinkLocked(l)
		delete(m.links, from)
	} else if len(m.links) >= m.cfg.MaxPeers && m.cfg.MaxPeers > 0 {
		m.log.Warn().Str("peer", string(from)).Int("max_peers", m.cfg.MaxPeers).
			Msg("mesh ceiling reached, offer ignored")
		return
	}
	l, err := m.newLink(from)
	if err != nil {
		m.log.Error().Err(err).Str("peer", string(from)).Msg("create link")
		return
	}
	if err := m.startAnswer(l, desc); err != nil {
		m.log.Error().Err(err).Str("peer", string(from)).Msg("answer failed")
		m.closeLinkLocked(l)
		delete(m.links, from)
	}
}

func (m *Manager) handleAnswer(from domain.UserID, desc domain.SessionDesc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[from]
	if !ok || l.state != StateAwaitingAnswer {
		// Stale answer: the link moved on (left, glare, teardown).
		m.log.Debug().Str("peer", string(from)).Msg("drop answer without pending offer")
		return
	}
	if err := m.applyAnswer(l, desc); err != nil {
		m.log.Error().Err(err).Str("peer", string(from)).Msg("apply answer")
		m.closeLinkLocked(l)
		delete(m.links, from)
	}
}

// handleCandidate queues the candidate when the remote description has not
// landed yet; candidates must never be dropped for arriving early.
func (m *Manager) handleCandidate(from domain.UserID, cand domain.Candidate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[from]
	if !ok || l.state == StateClosed {
		m.log.Debug().Str("peer", string(from)).Msg("drop candidate for unknown peer")
		return
	}
	init := webrtc.ICECandidateInit{Candidate: cand.Candidate}
	if cand.SDPMid != "" {
		mid := cand.SDPMid
		init.SDPMid = &mid
	}
	idx := cand.SDPMLineIndex
	init.SDPMLineIndex = &idx

	if !l.remoteSet {
		l.pending = append(l.pending, init)
		return
	}
	if err := l.pc.AddICECandidate(init); err != nil {
		m.log.Error().Err(err).Str("peer", string(from)).Msg("add candidate")
	}
}

// ClosePeer tears a link down immediately, membership being authoritative:
// no waiting for transport-level failure detection.
func (m *Manager) ClosePeer(peer domain.UserID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.links[peer]; ok {
		m.closeLinkLocked(l)
		delete(m.links, peer)
	}
}

// Close tears down every link. The manager takes no further signals.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for peer, l := range m.links {
		m.closeLinkLocked(l)
		delete(m.links, peer)
	}
}

// SetDeafened pauses activity metering on every remote stream.
func (m *Manager) SetDeafened(deafened bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deafened = deafened
	for _, l := range m.links {
		if l.stream != nil {
			l.stream.SetMuted(deafened)
		}
	}
}

// PeerStates snapshots the connection state per remote participant.
func (m *Manager) PeerStates() map[domain.UserID]LinkState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[domain.UserID]LinkState, len(m.links))
	for peer, l := range m.links {
		out[peer] = l.state
	}
	return out
}

// RemoteStreams snapshots the audio streams of connected peers.
func (m *Manager) RemoteStreams() map[domain.UserID]*RemoteStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[domain.UserID]*RemoteStream, len(m.links))
	for peer, l := range m.links {
		if l.stream != nil {
			out[peer] = l.stream
		}
	}
	return out
}

func (m *Manager) send(msg domain.SignalMessage) {
	if m.cfg.Send != nil {
		m.cfg.Send(msg)
	}
}

// sendLocalCandidate trickles a gathered candidate to the link's peer,
// unless the link has been replaced since the gather started.
func (m *Manager) sendLocalCandidate(l *link, init webrtc.ICECandidateInit) {
	m.mu.Lock()
	if m.links[l.peer] != l || l.state == StateClosed {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	cand := domain.Candidate{Candidate: init.Candidate}
	if init.SDPMid != nil {
		cand.SDPMid = *init.SDPMid
	}
	if init.SDPMLineIndex != nil {
		cand.SDPMLineIndex = *init.SDPMLineIndex
	}
	m.send(domain.NewCandidate(m.cfg.LocalUser, l.peer, cand))
}

func (m *Manager) onTransportState(l *link, s webrtc.PeerConnectionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.links[l.peer] != l || l.state == StateClosed {
		return
	}
	switch s {
	case webrtc.PeerConnectionStateConnected:
		if l.grace != nil {
			l.grace.Stop()
			l.grace = nil
		}
		l.state = StateConnected
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		if l.state == StateDisconnected {
			return
		}
		l.state = StateDisconnected
		l.grace = time.AfterFunc(m.cfg.DisconnectGrace, func() { m.expireGrace(l) })
		m.log.Warn().Str("peer", string(l.peer)).
			Dur("grace", m.cfg.DisconnectGrace).
			Msg("transport lost, grace period started")
	}
}

func (m *Manager) expireGrace(l *link) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.links[l.peer] != l || l.state != StateDisconnected {
		return
	}
	m.closeLinkLocked(l)
	delete(m.links, l.peer)
}

func (m *Manager) onRemoteTrack(l *link, track *webrtc.TrackRemote) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.links[l.peer] != l || l.state == StateClosed {
		return
	}
	m.log.Info().Str("peer", string(l.peer)).
		Str("kind", track.Kind().String()).
		Str("track_id", track.ID()).
		Msg("remote track received")
	l.stream = newRemoteStream(l.peer, track)
	l.stream.SetMuted(m.deafened)
}
