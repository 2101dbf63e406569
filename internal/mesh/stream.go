package mesh

import (
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/quorumchat/voicemesh/internal/domain"
	"github.com/rs/zerolog/log"
)

// RemoteStream is the audio arriving from one connected peer. The meter
// drains RTP continuously (the transport requires it) and keeps cheap
// activity stats for the roster view; deafening pauses the stats, not the
// drain.
type RemoteStream struct {
	peer    domain.UserID
	track   *webrtc.TrackRemote
	muted   atomic.Bool
	packets atomic.Uint64
	lastSeq atomic.Uint32
}

func newRemoteStream(peer domain.UserID, track *webrtc.TrackRemote) *RemoteStream {
	s := &RemoteStream{peer: peer, track: track}
	go s.meter()
	return s
}

func (s *RemoteStream) Peer() domain.UserID        { return s.peer }
func (s *RemoteStream) Track() *webrtc.TrackRemote { return s.track }
func (s *RemoteStream) Packets() uint64            { return s.packets.Load() }
func (s *RemoteStream) LastSequence() uint16       { return uint16(s.lastSeq.Load()) }
func (s *RemoteStream) SetMuted(muted bool)        { s.muted.Store(muted) }

func (s *RemoteStream) meter() {
	for {
		pkt, _, err := s.track.ReadRTP()
		if err != nil {
			// Track ended with its peer connection.
			log.Debug().Str("module", "mesh.stream").
				Str("peer", string(s.peer)).
				Msg("remote track drained")
			return
		}
		s.record(pkt)
	}
}

func (s *RemoteStream) record(pkt *rtp.Packet) {
	if s.muted.Load() {
		return
	}
	s.packets.Add(1)
	s.lastSeq.Store(uint32(pkt.SequenceNumber))
}
