package relay

import (
	"errors"
	"testing"
	"time"

	"github.com/quorumchat/voicemesh/internal/domain"
	"github.com/quorumchat/voicemesh/internal/realtime"
)

// fakeSub records delivered frames; full models a stalled connection.
type fakeSub struct {
	user   domain.UserID
	frames []realtime.ServerFrame
	full   bool
}

func (f *fakeSub) UserID() domain.UserID { return f.user }

func (f *fakeSub) TrySend(frame realtime.ServerFrame) error {
	if f.full {
		return errors.New("backpressure")
	}
	f.frames = append(f.frames, frame)
	return nil
}

func TestBroadcastChangeIncludesOriginator(t *testing.T) {
	h := NewHub()
	alice := &fakeSub{user: "alice"}
	bob := &fakeSub{user: "bob"}
	h.Watch("general", alice)
	h.Watch("general", bob)

	ev := domain.ParticipantEvent{
		Kind:        domain.EventJoined,
		Participant: domain.VoiceParticipant{ChannelID: "general", UserID: "alice"},
	}
	h.BroadcastChange("general", ev)

	for _, sub := range []*fakeSub{alice, bob} {
		if len(sub.frames) != 1 {
			t.Fatalf("%s frames: want 1, got %d", sub.user, len(sub.frames))
		}
		f := sub.frames[0]
		if f.Kind != realtime.FrameChange || f.Event == nil || f.Event.Kind != domain.EventJoined {
			t.Fatalf("%s frame: %+v", sub.user, f)
		}
	}
}

func TestBroadcastSignalSkipsSender(t *testing.T) {
	h := NewHub()
	alice := &fakeSub{user: "alice"}
	bob := &fakeSub{user: "bob"}
	carol := &fakeSub{user: "carol"}
	h.Subscribe("general", alice)
	h.Subscribe("general", bob)
	h.Subscribe("general", carol)

	h.BroadcastSignal("general", "alice", domain.NewAnnounce("alice"))

	if len(alice.frames) != 0 {
		t.Fatalf("sender got its own signal: %+v", alice.frames)
	}
	for _, sub := range []*fakeSub{bob, carol} {
		if len(sub.frames) != 1 || sub.frames[0].Kind != realtime.FrameSignal {
			t.Fatalf("%s frames: %+v", sub.user, sub.frames)
		}
	}
}

func TestBroadcastToleratesStalledSubscriber(t *testing.T) {
	h := NewHub()
	stalled := &fakeSub{user: "slow", full: true}
	healthy := &fakeSub{user: "bob"}
	h.Subscribe("general", stalled)
	h.Subscribe("general", healthy)

	// At-most-once: the stalled one loses the frame, the healthy one does not.
	h.BroadcastSignal("general", "alice", domain.NewAnnounce("alice"))
	if len(healthy.frames) != 1 {
		t.Fatalf("healthy frames: want 1, got %d", len(healthy.frames))
	}
}

func TestDetachRemovesEverywhere(t *testing.T) {
	h := NewHub()
	alice := &fakeSub{user: "alice"}
	h.Watch("general", alice)
	h.Watch("music", alice)
	h.Subscribe("general", alice)

	h.Detach(alice)

	h.BroadcastChange("general", domain.ParticipantEvent{Kind: domain.EventLeft})
	h.BroadcastChange("music", domain.ParticipantEvent{Kind: domain.EventLeft})
	h.BroadcastSignal("general", "bob", domain.NewAnnounce("bob"))
	if len(alice.frames) != 0 {
		t.Fatalf("detached connection still receives: %+v", alice.frames)
	}
}

func TestUnwatchIsScopedToChannel(t *testing.T) {
	h := NewHub()
	alice := &fakeSub{user: "alice"}
	h.Watch("general", alice)
	h.Watch("music", alice)

	h.Unwatch("general", alice)

	h.BroadcastChange("general", domain.ParticipantEvent{Kind: domain.EventJoined})
	h.BroadcastChange("music", domain.ParticipantEvent{Kind: domain.EventJoined})
	if len(alice.frames) != 1 || alice.frames[0].Channel != "music" {
		t.Fatalf("frames after unwatch: %+v", alice.frames)
	}
}

func TestPublishLimiterWindow(t *testing.T) {
	rl := NewPublishLimiter(3, time.Hour)

	for i := 0; i < 3; i++ {
		if !rl.Allow("alice") {
			t.Fatalf("request %d blocked under the limit", i)
		}
	}
	if rl.Allow("alice") {
		t.Fatal("request over the limit allowed")
	}
	// Per-user windows are independent.
	if !rl.Allow("bob") {
		t.Fatal("other user blocked by alice's window")
	}
	rl.Forget("alice")
	if !rl.Allow("alice") {
		t.Fatal("window survived Forget")
	}
}

func TestPublishLimiterExpiry(t *testing.T) {
	rl := NewPublishLimiter(1, 20*time.Millisecond)
	if !rl.Allow("alice") {
		t.Fatal("first request blocked")
	}
	if rl.Allow("alice") {
		t.Fatal("second request allowed inside window")
	}
	time.Sleep(30 * time.Millisecond)
	if !rl.Allow("alice") {
		t.Fatal("request blocked after window expired")
	}
}
