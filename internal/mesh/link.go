package mesh

import (
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/quorumchat/voicemesh/internal/domain"
)

// link is the per-remote-participant connection. All fields are guarded by
// the owning Manager's mutex; pion callbacks re-enter through the Manager
// and are dropped when the link has been replaced or closed.
type link struct {
	peer  domain.UserID
	pc    *webrtc.PeerConnection
	state LinkState

	// Remote candidates that arrived before the remote description; applied
	// in arrival order once it lands.
	pending   []webrtc.ICECandidateInit
	remoteSet bool

	stream *RemoteStream
	grace  *time.Timer
}

// newLink wires a fresh peer connection. Caller holds m.mu.
func (m *Manager) newLink(peer domain.UserID) (*link, error) {
	pc, err := webrtc.NewPeerConnection(m.webrtcConfig())
	if err != nil {
		return nil, err
	}

	l := &link{peer: peer, pc: pc, state: StateNew}

	if m.cfg.LocalTrack != nil {
		if _, err := pc.AddTrack(m.cfg.LocalTrack); err != nil {
			_ = pc.Close()
			return nil, err
		}
	} else {
		// No microphone: still negotiate an audio section so we can hear.
		if _, err := pc.AddTransceiverFromKind(
			webrtc.RTPCodecTypeAudio,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly},
		); err != nil {
			_ = pc.Close()
			return nil, err
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		m.sendLocalCandidate(l, c.ToJSON())
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		m.onTransportState(l, s)
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		m.onRemoteTrack(l, track)
	})

	m.links[peer] = l
	return l, nil
}

// startOffer drives New -> Offering -> AwaitingAnswer. Caller holds m.mu.
func (m *Manager) startOffer(l *link) error {
	l.state = StateOffering
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return err
	}
	m.send(domain.NewOffer(m.cfg.LocalUser, l.peer, domain.SessionDesc{
		Type: offer.Type.String(),
		SDP:  offer.SDP,
	}))
	l.state = StateAwaitingAnswer
	return nil
}

// startAnswer drives New -> Answering -> Connected. Caller holds m.mu.
func (m *Manager) startAnswer(l *link, desc domain.SessionDesc) error {
	l.state = StateAnswering
	remote := webrtc.SessionDescription{Type: webrtc.NewSDPType(desc.Type), SDP: desc.SDP}
	if err := l.pc.SetRemoteDescription(remote); err != nil {
		return err
	}
	m.flushPending(l)
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return err
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return err
	}
	m.send(domain.NewAnswer(m.cfg.LocalUser, l.peer, domain.SessionDesc{
		Type: answer.Type.String(),
		SDP:  answer.SDP,
	}))
	l.state = StateConnected
	return nil
}

// applyAnswer completes AwaitingAnswer -> Connected. Caller holds m.mu.
func (m *Manager) applyAnswer(l *link, desc domain.SessionDesc) error {
	remote := webrtc.SessionDescription{Type: webrtc.NewSDPType(desc.Type), SDP: desc.SDP}
	if err := l.pc.SetRemoteDescription(remote); err != nil {
		return err
	}
	m.flushPending(l)
	l.state = StateConnected
	return nil
}

// flushPending marks the remote description applied and replays queued
// candidates in order. Caller holds m.mu.
func (m *Manager) flushPending(l *link) {
	l.remoteSet = true
	for _, cand := range l.pending {
		if err := l.pc.AddICECandidate(cand); err != nil {
			m.log.Error().Err(err).
				Str("peer", string(l.peer)).
				Msg("flush queued candidate")
		}
	}
	l.pending = nil
}

// closeLinkLocked moves the link to Closed from any state and releases the
// transport. Caller holds m.mu and removes the link from the map.
func (m *Manager) closeLinkLocked(l *link) {
	if l.state == StateClosed {
		return
	}
	if l.grace != nil {
		l.grace.Stop()
		l.grace = nil
	}
	l.state = StateClosed
	l.stream = nil
	pc := l.pc
	// Close outside the lock: pion may be mid-callback waiting on m.mu.
	go func() {
		if err := pc.Close(); err != nil {
			m.log.Error().Err(err).Str("peer", string(l.peer)).Msg("close peer connection")
		}
	}()
	m.log.Info().Str("peer", string(l.peer)).Msg("link closed")
}
