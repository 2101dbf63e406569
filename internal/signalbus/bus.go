// Package signalbus carries session-control messages between the
// participants of one voice channel. Delivery is best-effort, unordered
// across senders, at-most-once per send, and never echoes the sender's own
// messages. Nothing is persisted: a participant joining after a message was
// sent never sees it, which is why the announce broadcast exists.
package signalbus

import (
	"context"
	"errors"

	"github.com/quorumchat/voicemesh/internal/domain"
)

// ErrDelivery marks a transport-level publish failure. Callers log it and
// move on; the bus never retries.
var ErrDelivery = errors.New("signal delivery failed")

// Bus is a publish/subscribe handle scoped to a single channel.
type Bus interface {
	Publish(ctx context.Context, msg domain.SignalMessage) error
	// Subscribe returns the delivery stream. Messages addressed to another
	// user are still delivered; filtering is the consumer's job.
	Subscribe(ctx context.Context) (<-chan domain.SignalMessage, error)
	Close() error
}

// Opener hands out a Bus per voice channel.
type Opener interface {
	Open(ctx context.Context, channel domain.ChannelID) (Bus, error)
}

// Topic derives the deterministic relay topic for a voice channel.
func Topic(channel domain.ChannelID) string {
	return "room:" + string(channel)
}
