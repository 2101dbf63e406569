// Package membership owns the durable record of who is in which voice
// channel. Mutations are externally visible to every other client watching
// the same channel within the propagation latency of the change feed; no
// stronger consistency is assumed.
package membership

import (
	"context"
	"errors"

	"github.com/quorumchat/voicemesh/internal/domain"
)

// ErrConflict means a row for (channel, user) already exists. The caller
// must leave before joining again.
var ErrConflict = errors.New("participant already present in channel")

// Store is the client-side contract for one user's presence rows.
type Store interface {
	// Join inserts the presence row. Fails with ErrConflict on duplicate
	// (channel, user). The returned participant carries the session id
	// generated for this connection attempt.
	Join(ctx context.Context, channel domain.ChannelID, server domain.ServerID, muted, deafened bool) (domain.VoiceParticipant, error)

	// Leave deletes the caller's row for the channel. Idempotent.
	Leave(ctx context.Context, channel domain.ChannelID) error

	SetMuted(ctx context.Context, channel domain.ChannelID, muted bool) error
	SetDeafened(ctx context.Context, channel domain.ChannelID, deafened bool) error

	// Watch streams roster changes for the channel until ctx is canceled.
	// The feed opens with one synthetic joined event per existing row, so a
	// late subscriber still converges on the full roster.
	Watch(ctx context.Context, channel domain.ChannelID) (<-chan domain.ParticipantEvent, error)
}
