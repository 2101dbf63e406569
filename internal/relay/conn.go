package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/quorumchat/voicemesh/internal/domain"
	"github.com/quorumchat/voicemesh/internal/membership"
	"github.com/quorumchat/voicemesh/internal/realtime"
	"github.com/rs/zerolog/log"
)

var ErrBackpressure = errors.New("backpressure")

const sendBuffer = 32

// Controller owns every live relay connection.
type Controller struct {
	Store   *Store
	Hub     *Hub
	Limiter *PublishLimiter
}

func NewController(store *Store, hub *Hub, limiter *PublishLimiter) *Controller {
	return &Controller{Store: store, Hub: hub, Limiter: limiter}
}

type wsConn struct {
	conn *websocket.Conn
	send chan realtime.ServerFrame
	user domain.UserID

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) UserID() domain.UserID { return c.user }

func (c *wsConn) TrySend(f realtime.ServerFrame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWS upgrades the connection and runs it until the client goes away.
func (ctl *Controller) HandleWS(ctx context.Context, c *gin.Context) {
	user := domain.UserID(c.Query("user"))
	if user == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user required"})
		return
	}
	log.Info().Str("module", "relay").Str("user", string(user)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}

	if name := c.Query("name"); name != "" {
		if err := ctl.Store.UpsertUser(ctx, domain.Profile{UserID: user, Username: name}); err != nil {
			log.Error().Err(err).Str("module", "relay").Msg("upsert profile")
		}
	}

	conn := &wsConn{
		conn: ws,
		send: make(chan realtime.ServerFrame, sendBuffer),
		user: user,
	}

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, conn)
}

func (ctl *Controller) writePump(ctx context.Context, c *wsConn) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "relay").Msg("writePump ctx done")
			return
		case f, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "relay").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "relay").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteJSON(f); err != nil {
				log.Error().Err(err).Str("module", "relay").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, cancel context.CancelFunc, c *wsConn) {
	defer func() {
		log.Info().Str("module", "relay").Str("user", string(c.user)).Msg("readPump closing")
		cancel()
		ctl.dropConnection(c)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "relay").Str("user", string(c.user)).Msg("readPump read error")
				return
			}
			ctl.handleFrame(ctx, c, data)
		}
	}
}

// dropConnection is the disconnect path: the hub forgets the connection,
// every presence row the user held is removed, and the channels learn
// about it. Store rows outlive nothing; a dead socket is a leave.
func (ctl *Controller) dropConnection(c *wsConn) {
	ctl.Hub.Detach(c)
	ctl.Limiter.Forget(c.user)
	c.Close()

	ctx, cancelCleanup := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelCleanup()
	rows, err := ctl.Store.DeleteByUser(ctx, c.user)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Str("user", string(c.user)).Msg("disconnect cleanup")
		return
	}
	for _, p := range rows {
		ctl.Hub.BroadcastChange(p.ChannelID, domain.ParticipantEvent{Kind: domain.EventLeft, Participant: p})
	}
}

func (ctl *Controller) handleFrame(ctx context.Context, c *wsConn, data []byte) {
	var f realtime.ClientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("bad json")
		return
	}

	switch f.Op {
	case realtime.OpJoin:
		ctl.handleJoin(ctx, c, f)
	case realtime.OpLeave:
		ctl.handleLeave(ctx, c, f)
	case realtime.OpUpdate:
		ctl.handleUpdate(ctx, c, f)
	case realtime.OpWatch:
		ctl.handleWatch(ctx, c, f)
	case realtime.OpUnwatch:
		ctl.Hub.Unwatch(f.Channel, c)
		ctl.ack(c, realtime.ServerFrame{Kind: realtime.FrameAck, Seq: f.Seq})
	case realtime.OpSubscribe:
		ctl.Hub.Subscribe(f.Channel, c)
		ctl.ack(c, realtime.ServerFrame{Kind: realtime.FrameAck, Seq: f.Seq})
	case realtime.OpUnsubscribe:
		ctl.Hub.Unsubscribe(f.Channel, c)
		ctl.ack(c, realtime.ServerFrame{Kind: realtime.FrameAck, Seq: f.Seq})
	case realtime.OpPublish:
		ctl.handlePublish(c, f)
	default:
		log.Warn().Str("module", "relay").Str("op", string(f.Op)).Msg("unknown op")
		ctl.fail(c, f.Seq, realtime.CodeBadRequest, "unknown op")
	}
}

func (ctl *Controller) handleJoin(ctx context.Context, c *wsConn, f realtime.ClientFrame) {
	if f.Channel == "" || f.SessionID == "" {
		ctl.fail(c, f.Seq, realtime.CodeBadRequest, "channel_id and session_id required")
		return
	}
	p := domain.VoiceParticipant{
		ChannelID: f.Channel,
		ServerID:  f.Server,
		UserID:    c.user,
		SessionID: f.SessionID,
	}
	if f.Muted != nil {
		p.Muted = *f.Muted
	}
	if f.Deafened != nil {
		p.Deafened = *f.Deafened
	}
	if err := ctl.Store.Insert(ctx, p); err != nil {
		if errors.Is(err, membership.ErrConflict) {
			ctl.fail(c, f.Seq, realtime.CodeConflict, "already joined")
			return
		}
		log.Error().Err(err).Str("module", "relay").Msg("join insert")
		ctl.fail(c, f.Seq, realtime.CodeBadRequest, "storage error")
		return
	}
	ctl.ack(c, realtime.ServerFrame{Kind: realtime.FrameAck, Seq: f.Seq, Participant: &p})
	ctl.Hub.BroadcastChange(f.Channel, domain.ParticipantEvent{Kind: domain.EventJoined, Participant: p})
}

func (ctl *Controller) handleLeave(ctx context.Context, c *wsConn, f realtime.ClientFrame) {
	p, ok, err := ctl.Store.Delete(ctx, f.Channel, c.user)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("leave delete")
		ctl.fail(c, f.Seq, realtime.CodeBadRequest, "storage error")
		return
	}
	// leave of a row that is already gone is still an ack
	ctl.ack(c, realtime.ServerFrame{Kind: realtime.FrameAck, Seq: f.Seq})
	if ok {
		ctl.Hub.BroadcastChange(f.Channel, domain.ParticipantEvent{Kind: domain.EventLeft, Participant: p})
	}
}

func (ctl *Controller) handleUpdate(ctx context.Context, c *wsConn, f realtime.ClientFrame) {
	p, ok, err := ctl.Store.Update(ctx, f.Channel, c.user, f.Muted, f.Deafened)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("update")
		ctl.fail(c, f.Seq, realtime.CodeBadRequest, "storage error")
		return
	}
	if !ok {
		ctl.fail(c, f.Seq, realtime.CodeBadRequest, "not joined")
		return
	}
	ctl.ack(c, realtime.ServerFrame{Kind: realtime.FrameAck, Seq: f.Seq, Participant: &p})
	ctl.Hub.BroadcastChange(f.Channel, domain.ParticipantEvent{Kind: domain.EventUpdated, Participant: p})
}

func (ctl *Controller) handleWatch(ctx context.Context, c *wsConn, f realtime.ClientFrame) {
	// Attach before the snapshot so nothing lands between the two; the
	// client tolerates a duplicate joined event, not a missing one.
	ctl.Hub.Watch(f.Channel, c)
	roster, err := ctl.Store.List(ctx, f.Channel)
	if err != nil {
		ctl.Hub.Unwatch(f.Channel, c)
		log.Error().Err(err).Str("module", "relay").Msg("watch list")
		ctl.fail(c, f.Seq, realtime.CodeBadRequest, "storage error")
		return
	}
	ctl.ack(c, realtime.ServerFrame{Kind: realtime.FrameAck, Seq: f.Seq, Channel: f.Channel, Roster: roster})
}

func (ctl *Controller) handlePublish(c *wsConn, f realtime.ClientFrame) {
	if f.Message == nil {
		ctl.fail(c, f.Seq, realtime.CodeBadRequest, "message required")
		return
	}
	msg := *f.Message
	if err := msg.Validate(); err != nil {
		ctl.fail(c, f.Seq, realtime.CodeBadRequest, err.Error())
		return
	}
	if msg.From != c.user {
		ctl.fail(c, f.Seq, realtime.CodeBadRequest, "from must match connection user")
		return
	}
	if !ctl.Limiter.Allow(c.user) {
		ctl.fail(c, f.Seq, realtime.CodeRateLimited, "too many signals")
		return
	}
	ctl.Hub.BroadcastSignal(f.Channel, c.user, msg)
	ctl.ack(c, realtime.ServerFrame{Kind: realtime.FrameAck, Seq: f.Seq})
}

func (ctl *Controller) ack(c *wsConn, f realtime.ServerFrame) {
	if err := c.TrySend(f); err != nil {
		log.Warn().Err(err).Str("module", "relay").Str("user", string(c.user)).Msg("ack dropped")
	}
}

func (ctl *Controller) fail(c *wsConn, seq uint64, code, msg string) {
	ctl.ack(c, realtime.ServerFrame{Kind: realtime.FrameError, Seq: seq, Code: code, Error: msg})
}
