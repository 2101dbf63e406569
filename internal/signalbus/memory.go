package signalbus

import (
	"context"
	"errors"
	"sync"

	"github.com/quorumchat/voicemesh/internal/domain"
	"github.com/rs/zerolog/log"
)

// Exchange is an in-process relay shared by every bus it hands out. Each
// subscriber gets everything published to its channel except its own sends,
// mirroring the remote relay's no-echo broadcast.
type Exchange struct {
	mu     sync.RWMutex
	topics map[domain.ChannelID]map[*memoryBus]struct{}
}

func NewExchange() *Exchange {
	return &Exchange{topics: make(map[domain.ChannelID]map[*memoryBus]struct{})}
}

// Opener binds the exchange to one user.
func (e *Exchange) Opener(user domain.UserID) Opener {
	return &memoryOpener{exchange: e, user: user}
}

type memoryOpener struct {
	exchange *Exchange
	user     domain.UserID
}

func (o *memoryOpener) Open(_ context.Context, channel domain.ChannelID) (Bus, error) {
	b := &memoryBus{
		exchange: o.exchange,
		channel:  channel,
		user:     o.user,
		deliver:  make(chan domain.SignalMessage, 64),
	}
	o.exchange.mu.Lock()
	if o.exchange.topics[channel] == nil {
		o.exchange.topics[channel] = make(map[*memoryBus]struct{})
	}
	o.exchange.topics[channel][b] = struct{}{}
	o.exchange.mu.Unlock()
	return b, nil
}

type memoryBus struct {
	exchange *Exchange
	channel  domain.ChannelID
	user     domain.UserID
	deliver  chan domain.SignalMessage

	mu     sync.Mutex
	closed bool
}

func (b *memoryBus) Publish(_ context.Context, msg domain.SignalMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrDelivery
	}
	b.mu.Unlock()

	b.exchange.mu.RLock()
	defer b.exchange.mu.RUnlock()
	for sub := range b.exchange.topics[b.channel] {
		if sub == b {
			continue
		}
		select {
		case sub.deliver <- msg:
		default:
			// At-most-once: a stalled subscriber drops the message.
			log.Warn().Str("module", "signalbus.memory").
				Str("topic", Topic(b.channel)).
				Str("to", string(sub.user)).
				Msg("subscriber backpressure, signal dropped")
		}
	}
	return nil
}

func (b *memoryBus) Subscribe(ctx context.Context) (<-chan domain.SignalMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("bus closed")
	}
	return b.deliver, nil
}

func (b *memoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.exchange.mu.Lock()
	delete(b.exchange.topics[b.channel], b)
	b.exchange.mu.Unlock()
	close(b.deliver)
	return nil
}
