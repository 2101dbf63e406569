// Package realtime speaks the relay's WebSocket protocol: a durable
// participant table with a change feed, plus per-channel signal broadcast.
// One connection carries both.
package realtime

import (
	"github.com/quorumchat/voicemesh/internal/domain"
)

type Op string

const (
	OpJoin        Op = "join"
	OpLeave       Op = "leave"
	OpUpdate      Op = "update"
	OpWatch       Op = "watch"
	OpUnwatch     Op = "unwatch"
	OpSubscribe   Op = "subscribe"
	OpUnsubscribe Op = "unsubscribe"
	OpPublish     Op = "publish"
)

// ClientFrame is one request. Seq correlates the relay's ack.
type ClientFrame struct {
	Seq       uint64                `json:"seq"`
	Op        Op                    `json:"op"`
	Channel   domain.ChannelID      `json:"channel_id,omitempty"`
	Server    domain.ServerID       `json:"server_id,omitempty"`
	SessionID string                `json:"session_id,omitempty"`
	Muted     *bool                 `json:"muted,omitempty"`
	Deafened  *bool                 `json:"deafened,omitempty"`
	Message   *domain.SignalMessage `json:"message,omitempty"`
}

type FrameKind string

const (
	FrameAck    FrameKind = "ack"
	FrameError  FrameKind = "error"
	FrameChange FrameKind = "change"
	FrameSignal FrameKind = "signal"
)

// Error codes carried by FrameError.
const (
	CodeConflict    = "conflict"
	CodeBadRequest  = "bad_request"
	CodeRateLimited = "rate_limited"
)

// ServerFrame is either the ack/error for a request (Seq set) or a pushed
// change/signal for a channel the client is attached to.
type ServerFrame struct {
	Kind        FrameKind                 `json:"kind"`
	Seq         uint64                    `json:"seq,omitempty"`
	Code        string                    `json:"code,omitempty"`
	Error       string                    `json:"error,omitempty"`
	Channel     domain.ChannelID          `json:"channel_id,omitempty"`
	Participant *domain.VoiceParticipant  `json:"participant,omitempty"`
	Roster      []domain.VoiceParticipant `json:"roster,omitempty"`
	Event       *domain.ParticipantEvent  `json:"event,omitempty"`
	Message     *domain.SignalMessage     `json:"message,omitempty"`
}
