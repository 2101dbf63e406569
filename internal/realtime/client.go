package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/quorumchat/voicemesh/internal/domain"
	"github.com/quorumchat/voicemesh/internal/membership"
	"github.com/quorumchat/voicemesh/internal/signalbus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var errClientClosed = errors.New("realtime client closed")

const (
	feedBuffer   = 64
	writeTimeout = 5 * time.Second
)

// Client is one user's connection to the relay. It implements both
// membership.Store and signalbus.Opener so the coordinator does not care
// whether its backends are remote or in-process.
type Client struct {
	conn *websocket.Conn
	user domain.UserID
	log  zerolog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	seq     uint64
	pending map[uint64]chan ServerFrame
	watches map[domain.ChannelID]chan domain.ParticipantEvent
	subs    map[domain.ChannelID]chan domain.SignalMessage
	closed  bool
}

var (
	_ membership.Store = (*Client)(nil)
	_ signalbus.Opener = (*Client)(nil)
)

// Dial connects to the relay and starts the read loop. baseURL is the ws
// endpoint root, e.g. "ws://localhost:8080".
func Dial(ctx context.Context, baseURL string, user domain.UserID, username string) (*Client, error) {
	q := url.Values{}
	q.Set("user", string(user))
	q.Set("name", username)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, baseURL+"/ws?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	c := &Client{
		conn:    conn,
		user:    user,
		log:     log.With().Str("module", "realtime").Str("user", string(user)).Logger(),
		pending: make(map[uint64]chan ServerFrame),
		watches: make(map[domain.ChannelID]chan domain.ParticipantEvent),
		subs:    make(map[domain.ChannelID]chan domain.SignalMessage),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) Close() error {
	c.fail(errClientClosed)
	return nil
}

func (c *Client) readLoop() {
	for {
		var f ServerFrame
		if err := c.conn.ReadJSON(&f); err != nil {
			c.fail(err)
			return
		}
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f ServerFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch f.Kind {
	case FrameAck, FrameError:
		if ch, ok := c.pending[f.Seq]; ok {
			delete(c.pending, f.Seq)
			ch <- f
		}
	case FrameChange:
		if feed, ok := c.watches[f.Channel]; ok && f.Event != nil {
			select {
			case feed <- *f.Event:
			default:
				c.log.Warn().Str("channel", string(f.Channel)).Msg("change feed backpressure, event dropped")
			}
		}
	case FrameSignal:
		if sub, ok := c.subs[f.Channel]; ok && f.Message != nil {
			select {
			case sub <- *f.Message:
			default:
				c.log.Warn().Str("channel", string(f.Channel)).Msg("signal feed backpressure, message dropped")
			}
		}
	default:
		c.log.Warn().Str("kind", string(f.Kind)).Msg("unknown server frame")
	}
}

// fail tears the connection down and unblocks everything waiting on it.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for seq, ch := range c.pending {
		delete(c.pending, seq)
		close(ch)
	}
	for channel, feed := range c.watches {
		delete(c.watches, channel)
		close(feed)
	}
	for channel, sub := range c.subs {
		delete(c.subs, channel)
		close(sub)
	}
	c.mu.Unlock()
	_ = c.conn.Close()
	if !errors.Is(err, errClientClosed) {
		c.log.Error().Err(err).Msg("relay connection lost")
	}
}

// request sends one frame and waits for its ack.
func (c *Client) request(ctx context.Context, f ClientFrame) (ServerFrame, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ServerFrame{}, errClientClosed
	}
	c.seq++
	f.Seq = c.seq
	reply := make(chan ServerFrame, 1)
	c.pending[f.Seq] = reply
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := c.conn.WriteJSON(f)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, f.Seq)
		c.mu.Unlock()
		return ServerFrame{}, err
	}

	select {
	case resp, ok := <-reply:
		if !ok {
			return ServerFrame{}, errClientClosed
		}
		if resp.Kind == FrameError {
			return ServerFrame{}, decodeError(resp)
		}
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, f.Seq)
		c.mu.Unlock()
		return ServerFrame{}, ctx.Err()
	}
}

func decodeError(f ServerFrame) error {
	if f.Code == CodeConflict {
		return membership.ErrConflict
	}
	return fmt.Errorf("relay error %s: %s", f.Code, f.Error)
}

// --- membership.Store ---

func (c *Client) Join(ctx context.Context, channel domain.ChannelID, server domain.ServerID, muted, deafened bool) (domain.VoiceParticipant, error) {
	resp, err := c.request(ctx, ClientFrame{
		Op:        OpJoin,
		Channel:   channel,
		Server:    server,
		SessionID: uuid.NewString(),
		Muted:     &muted,
		Deafened:  &deafened,
	})
	if err != nil {
		return domain.VoiceParticipant{}, err
	}
	if resp.Participant == nil {
		return domain.VoiceParticipant{}, errors.New("join ack without participant")
	}
	return *resp.Participant, nil
}

func (c *Client) Leave(ctx context.Context, channel domain.ChannelID) error {
	_, err := c.request(ctx, ClientFrame{Op: OpLeave, Channel: channel})
	return err
}

func (c *Client) SetMuted(ctx context.Context, channel domain.ChannelID, muted bool) error {
	_, err := c.request(ctx, ClientFrame{Op: OpUpdate, Channel: channel, Muted: &muted})
	return err
}

func (c *Client) SetDeafened(ctx context.Context, channel domain.ChannelID, deafened bool) error {
	_, err := c.request(ctx, ClientFrame{Op: OpUpdate, Channel: channel, Deafened: &deafened})
	return err
}

func (c *Client) Watch(ctx context.Context, channel domain.ChannelID) (<-chan domain.ParticipantEvent, error) {
	feed := make(chan domain.ParticipantEvent, feedBuffer)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errClientClosed
	}
	if _, ok := c.watches[channel]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("channel %s already watched", channel)
	}
	c.watches[channel] = feed
	c.mu.Unlock()

	resp, err := c.request(ctx, ClientFrame{Op: OpWatch, Channel: channel})
	if err != nil {
		c.mu.Lock()
		if c.watches[channel] == feed {
			delete(c.watches, channel)
		}
		c.mu.Unlock()
		return nil, err
	}
	// The ack snapshot becomes synthetic joined events so a late watcher
	// still converges on the full roster.
	for _, p := range resp.Roster {
		feed <- domain.ParticipantEvent{Kind: domain.EventJoined, Participant: p}
	}

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		if c.watches[channel] != feed {
			c.mu.Unlock()
			return
		}
		delete(c.watches, channel)
		c.mu.Unlock()

		unwatchCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if _, err := c.request(unwatchCtx, ClientFrame{Op: OpUnwatch, Channel: channel}); err != nil {
			c.log.Debug().Err(err).Str("channel", string(channel)).Msg("unwatch")
		}
		close(feed)
	}()

	return feed, nil
}

// --- signalbus.Opener ---

func (c *Client) Open(_ context.Context, channel domain.ChannelID) (signalbus.Bus, error) {
	return &remoteBus{client: c, channel: channel}, nil
}

type remoteBus struct {
	client  *Client
	channel domain.ChannelID

	mu         sync.Mutex
	subscribed bool
	closed     bool
}

func (b *remoteBus) Publish(ctx context.Context, msg domain.SignalMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if _, err := b.client.request(ctx, ClientFrame{Op: OpPublish, Channel: b.channel, Message: &msg}); err != nil {
		return errors.Join(signalbus.ErrDelivery, err)
	}
	return nil
}

func (b *remoteBus) Subscribe(ctx context.Context) (<-chan domain.SignalMessage, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errors.New("bus closed")
	}
	b.mu.Unlock()

	sub := make(chan domain.SignalMessage, feedBuffer)
	c := b.client

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errClientClosed
	}
	if _, ok := c.subs[b.channel]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("topic %s already subscribed", signalbus.Topic(b.channel))
	}
	c.subs[b.channel] = sub
	c.mu.Unlock()

	if _, err := c.request(ctx, ClientFrame{Op: OpSubscribe, Channel: b.channel}); err != nil {
		c.mu.Lock()
		if c.subs[b.channel] == sub {
			delete(c.subs, b.channel)
		}
		c.mu.Unlock()
		return nil, err
	}
	b.mu.Lock()
	b.subscribed = true
	b.mu.Unlock()
	return sub, nil
}

func (b *remoteBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subscribed := b.subscribed
	b.mu.Unlock()

	if !subscribed {
		return nil
	}
	c := b.client
	c.mu.Lock()
	sub, ok := c.subs[b.channel]
	if ok {
		delete(c.subs, b.channel)
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if _, err := c.request(ctx, ClientFrame{Op: OpUnsubscribe, Channel: b.channel}); err != nil {
		c.log.Debug().Err(err).Str("channel", string(b.channel)).Msg("unsubscribe")
	}
	if ok {
		close(sub)
	}
	return nil
}
