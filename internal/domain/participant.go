package domain

type UserID string

type ChannelID string

type ServerID string

// VoiceParticipant is the durable presence record: one row per
// (channel, user) while the user is in the channel. The joining client
// owns its row; everyone else in the channel only reads it.
type VoiceParticipant struct {
	ChannelID ChannelID `json:"channel_id"`
	ServerID  ServerID  `json:"server_id"`
	UserID    UserID    `json:"user_id"`
	Muted     bool      `json:"muted"`
	Deafened  bool      `json:"deafened"`
	// SessionID identifies one connection attempt. A rejoin gets a new one.
	SessionID string `json:"session_id"`
}

type EventKind string

const (
	EventJoined  EventKind = "joined"
	EventUpdated EventKind = "updated"
	EventLeft    EventKind = "left"
)

// ParticipantEvent is one element of a channel's roster change feed.
type ParticipantEvent struct {
	Kind        EventKind        `json:"kind"`
	Participant VoiceParticipant `json:"participant"`
}
