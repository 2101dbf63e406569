// Package session owns the client's voice state: at most one active
// channel, sequenced join/leave against the membership store, the local
// media and the mesh, and the read-only views the UI renders from.
package session

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/quorumchat/voicemesh/internal/domain"
	"github.com/quorumchat/voicemesh/internal/media"
	"github.com/quorumchat/voicemesh/internal/membership"
	"github.com/quorumchat/voicemesh/internal/mesh"
	"github.com/quorumchat/voicemesh/internal/signalbus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrNotJoined is returned by mutations that need an active channel.
var ErrNotJoined = errors.New("no active voice channel")

type Config struct {
	User  domain.UserID
	Store membership.Store
	Buses signalbus.Opener
	Media *media.Controller
	// Profiles enriches rosters with display data; nil falls back to ids.
	Profiles        ProfileProvider
	ICEServers      []string
	MaxPeers        int
	DisconnectGrace time.Duration
}

// Participant is one roster entry: store truth plus connection status, so
// the UI can tell "present" from "audio connected".
type Participant struct {
	domain.VoiceParticipant
	Profile    domain.Profile
	Connection mesh.LinkState
}

// Snapshot is the read-only view of the session.
type Snapshot struct {
	Channel       domain.ChannelID
	Server        domain.ServerID
	Muted         bool
	Deafened      bool
	Participants  []Participant
	PeerStates    map[domain.UserID]mesh.LinkState
	RemoteStreams map[domain.UserID]*mesh.RemoteStream
}

// Coordinator serializes every command and event on one loop goroutine,
// the Go rendition of the single-threaded event-driven model: no shared
// state, and every continuation re-checks the session it was started for.
type Coordinator struct {
	cfg Config
	log zerolog.Logger

	cmds    chan func()
	events  chan event
	stopped chan struct{}

	// Loop-owned. Never touched outside Run.
	cur      *active
	profiles map[domain.UserID]domain.Profile
	fetching map[domain.UserID]bool
}

// event is a continuation tagged with the session id (epoch) it belongs
// to; the loop drops anything from a session that has since ended. Profile
// results are session-independent and carry no epoch.
type event struct {
	epoch   string
	roster  *domain.ParticipantEvent
	signal  *domain.SignalMessage
	profile *domain.Profile
}

type active struct {
	channel domain.ChannelID
	server  domain.ServerID
	epoch   string
	me      domain.VoiceParticipant

	handle *media.Handle
	bus    signalbus.Bus
	mesh   *mesh.Manager
	cancel context.CancelFunc
	roster map[domain.UserID]domain.VoiceParticipant
}

func NewCoordinator(cfg Config) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		log:      log.With().Str("module", "session").Str("user", string(cfg.User)).Logger(),
		cmds:     make(chan func()),
		events:   make(chan event, 64),
		stopped:  make(chan struct{}),
		profiles: make(map[domain.UserID]domain.Profile),
		fetching: make(map[domain.UserID]bool),
	}
}

// Run processes commands and events until ctx is canceled, then leaves
// whatever channel is still active.
func (c *Coordinator) Run(ctx context.Context) {
	defer close(c.stopped)
	for {
		select {
		case <-ctx.Done():
			c.doLeave(context.Background())
			return
		case fn := <-c.cmds:
			fn()
		case ev := <-c.events:
			c.handleEvent(ev)
		}
	}
}

// exec runs fn on the loop goroutine and waits for its result.
func (c *Coordinator) exec(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	select {
	case c.cmds <- func() { done <- fn() }:
	case <-c.stopped:
		return errors.New("coordinator stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Join enters a voice channel. Already in a different channel means a full
// leave first; re-joining the same channel is a no-op.
func (c *Coordinator) Join(ctx context.Context, channel domain.ChannelID, server domain.ServerID) error {
	return c.exec(ctx, func() error { return c.doJoin(ctx, channel, server) })
}

// Leave exits the active channel. Safe to call when not joined.
func (c *Coordinator) Leave(ctx context.Context) error {
	return c.exec(ctx, func() error { return c.doLeave(ctx) })
}

// ToggleMute flips the local track gate in place and persists the flag so
// other rosters reflect it. Connections are untouched.
func (c *Coordinator) ToggleMute(ctx context.Context) error {
	return c.exec(ctx, func() error {
		if c.cur == nil {
			return ErrNotJoined
		}
		muted := !c.cur.me.Muted
		if c.cur.handle != nil {
			c.cur.handle.SetEnabled(!muted)
		}
		if err := c.cfg.Store.SetMuted(ctx, c.cur.channel, muted); err != nil {
			return err
		}
		c.cur.me.Muted = muted
		return nil
	})
}

// ToggleDeafen persists the flag and pauses remote activity metering.
func (c *Coordinator) ToggleDeafen(ctx context.Context) error {
	return c.exec(ctx, func() error {
		if c.cur == nil {
			return ErrNotJoined
		}
		deafened := !c.cur.me.Deafened
		if c.cur.mesh != nil {
			c.cur.mesh.SetDeafened(deafened)
		}
		if err := c.cfg.Store.SetDeafened(ctx, c.cur.channel, deafened); err != nil {
			return err
		}
		c.cur.me.Deafened = deafened
		return nil
	})
}

// Snapshot returns the current session view.
func (c *Coordinator) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := c.exec(ctx, func() error {
		if c.cur == nil {
			return nil
		}
		states := map[domain.UserID]mesh.LinkState{}
		streams := map[domain.UserID]*mesh.RemoteStream{}
		if c.cur.mesh != nil {
			states = c.cur.mesh.PeerStates()
			streams = c.cur.mesh.RemoteStreams()
		}
		participants := make([]Participant, 0, len(c.cur.roster))
		for uid, row := range c.cur.roster {
			participants = append(participants, Participant{
				VoiceParticipant: row,
				Profile:          c.lookupProfile(uid),
				Connection:       states[uid],
			})
		}
		sort.Slice(participants, func(i, j int) bool {
			return participants[i].UserID < participants[j].UserID
		})
		snap = Snapshot{
			Channel:       c.cur.channel,
			Server:        c.cur.server,
			Muted:         c.cur.me.Muted,
			Deafened:      c.cur.me.Deafened,
			Participants:  participants,
			PeerStates:    states,
			RemoteStreams: streams,
		}
		return nil
	})
	return snap, err
}

func (c *Coordinator) doJoin(ctx context.Context, channel domain.ChannelID, server domain.ServerID) error {
	if c.cur != nil {
		if c.cur.channel == channel {
			return nil
		}
		// Full teardown of the old channel before any new-channel effect:
		// memberships for both must never coexist.
		if err := c.doLeave(ctx); err != nil {
			return err
		}
	}

	// The membership row comes first. Everything after it may fail and the
	// row stays: present with degraded capability beats a rolled-back join.
	me, err := c.cfg.Store.Join(ctx, channel, server, false, false)
	if err != nil {
		return err
	}
	epoch := me.SessionID
	c.log.Info().Str("channel", string(channel)).Str("session", epoch).Msg("joined")

	handle, err := c.cfg.Media.Acquire(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("joining without outbound audio")
		handle = nil
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	cur := &active{
		channel: channel,
		server:  server,
		epoch:   epoch,
		me:      me,
		handle:  handle,
		cancel:  cancel,
		roster:  make(map[domain.UserID]domain.VoiceParticipant),
	}
	c.cur = cur

	if feed, err := c.cfg.Store.Watch(sessCtx, channel); err != nil {
		c.log.Error().Err(err).Msg("roster watch failed")
	} else {
		go c.forwardRoster(epoch, feed)
	}

	bus, err := c.cfg.Buses.Open(ctx, channel)
	if err != nil {
		// Present but unreachable for negotiation. The row stays.
		c.log.Error().Err(err).Msg("signaling open failed, session degraded")
		return nil
	}
	cur.bus = bus

	var localTrack webrtc.TrackLocal
	if handle != nil {
		localTrack = handle.Track()
	}
	cur.mesh = mesh.NewManager(mesh.Config{
		LocalUser:       c.cfg.User,
		ICEServers:      c.cfg.ICEServers,
		LocalTrack:      localTrack,
		MaxPeers:        c.cfg.MaxPeers,
		DisconnectGrace: c.cfg.DisconnectGrace,
		Send: func(msg domain.SignalMessage) {
			if err := bus.Publish(context.Background(), msg); err != nil {
				// At-most-once: log and move on, never retry.
				c.log.Error().Err(err).Str("kind", string(msg.Kind)).Msg("signal delivery failed")
			}
		},
	})

	if sub, err := bus.Subscribe(sessCtx); err != nil {
		c.log.Error().Err(err).Msg("signal subscribe failed, session degraded")
	} else {
		go c.forwardSignals(epoch, sub)
	}

	// Announce is the late-joiner recovery: everyone present offers to us.
	if err := bus.Publish(ctx, domain.NewAnnounce(c.cfg.User)); err != nil {
		c.log.Error().Err(err).Msg("announce delivery failed")
	}
	return nil
}

func (c *Coordinator) doLeave(ctx context.Context) error {
	if c.cur == nil {
		return nil
	}
	cur := c.cur
	c.cur = nil

	if err := c.cfg.Store.Leave(ctx, cur.channel); err != nil {
		c.log.Error().Err(err).Str("channel", string(cur.channel)).Msg("membership delete failed")
	}
	if cur.mesh != nil {
		cur.mesh.Close()
	}
	c.cfg.Media.Release()
	if cur.bus != nil {
		if err := cur.bus.Close(); err != nil {
			c.log.Error().Err(err).Msg("bus close")
		}
	}
	cur.cancel()
	c.log.Info().Str("channel", string(cur.channel)).Msg("left")
	return nil
}

func (c *Coordinator) handleEvent(ev event) {
	if ev.profile != nil {
		// Cache hits outlive sessions; a failed lookup only clears the
		// in-flight marker so a later roster event can retry.
		delete(c.fetching, ev.profile.UserID)
		if ev.profile.Username != "" {
			c.profiles[ev.profile.UserID] = *ev.profile
		}
		return
	}
	if c.cur == nil || ev.epoch != c.cur.epoch {
		return // stale continuation from a session that ended
	}
	switch {
	case ev.roster != nil:
		c.handleRoster(*ev.roster)
	case ev.signal != nil:
		c.handleSignal(*ev.signal)
	}
}

func (c *Coordinator) handleRoster(ev domain.ParticipantEvent) {
	p := ev.Participant
	switch ev.Kind {
	case domain.EventJoined, domain.EventUpdated:
		c.cur.roster[p.UserID] = p
		c.prefetchProfile(p.UserID)
	case domain.EventLeft:
		delete(c.cur.roster, p.UserID)
		if p.UserID == c.cfg.User {
			// Our own row disappeared out from under us: kicked.
			c.log.Warn().Str("channel", string(c.cur.channel)).Msg("membership revoked, leaving")
			_ = c.doLeave(context.Background())
			return
		}
		if c.cur.mesh != nil {
			c.cur.mesh.ClosePeer(p.UserID)
		}
	}
}

func (c *Coordinator) handleSignal(msg domain.SignalMessage) {
	if msg.From == c.cfg.User {
		return
	}
	if msg.To != "" && msg.To != c.cfg.User {
		return // delivered but addressed to someone else
	}
	if c.cur.mesh == nil {
		return
	}
	c.cur.mesh.HandleSignal(msg)
}

func (c *Coordinator) forwardRoster(epoch string, feed <-chan domain.ParticipantEvent) {
	for ev := range feed {
		ev := ev
		select {
		case c.events <- event{epoch: epoch, roster: &ev}:
		case <-c.stopped:
			return
		}
	}
}

func (c *Coordinator) forwardSignals(epoch string, sub <-chan domain.SignalMessage) {
	for msg := range sub {
		msg := msg
		select {
		case c.events <- event{epoch: epoch, signal: &msg}:
		case <-c.stopped:
			return
		}
	}
}

// prefetchProfile resolves an uncached profile off the loop; the result
// comes back as an event. Snapshot never blocks on the lookup service.
func (c *Coordinator) prefetchProfile(uid domain.UserID) {
	if c.cfg.Profiles == nil || c.fetching[uid] {
		return
	}
	if _, ok := c.profiles[uid]; ok {
		return
	}
	c.fetching[uid] = true
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		p, err := c.cfg.Profiles.Lookup(ctx, uid)
		if err != nil {
			c.log.Debug().Err(err).Str("peer", string(uid)).Msg("profile lookup failed")
			p = domain.Profile{UserID: uid}
		}
		select {
		case c.events <- event{profile: &p}:
		case <-c.stopped:
		}
	}()
}

// lookupProfile serves the read model from the cache only; misses render
// as the bare user id until the prefetch lands.
func (c *Coordinator) lookupProfile(uid domain.UserID) domain.Profile {
	if p, ok := c.profiles[uid]; ok {
		return p
	}
	return domain.Profile{UserID: uid, Username: string(uid)}
}
