package signalbus_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quorumchat/voicemesh/internal/domain"
	"github.com/quorumchat/voicemesh/internal/signalbus"
)

func openSubscribed(t *testing.T, e *signalbus.Exchange, user domain.UserID, channel domain.ChannelID) (signalbus.Bus, <-chan domain.SignalMessage) {
	t.Helper()
	ctx := context.Background()
	bus, err := e.Opener(user).Open(ctx, channel)
	if err != nil {
		t.Fatalf("open bus for %s: %v", user, err)
	}
	sub, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe for %s: %v", user, err)
	}
	return bus, sub
}

func recvSignal(t *testing.T, sub <-chan domain.SignalMessage) domain.SignalMessage {
	t.Helper()
	select {
	case msg, ok := <-sub:
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for signal")
	}
	return domain.SignalMessage{}
}

func TestPublishExcludesSender(t *testing.T) {
	e := signalbus.NewExchange()
	busA, subA := openSubscribed(t, e, "alice", "general")
	_, subB := openSubscribed(t, e, "bob", "general")
	_, subC := openSubscribed(t, e, "carol", "general")

	if err := busA.Publish(context.Background(), domain.NewAnnounce("alice")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for _, sub := range []<-chan domain.SignalMessage{subB, subC} {
		msg := recvSignal(t, sub)
		if msg.Kind != domain.KindAnnounce || msg.From != "alice" {
			t.Fatalf("unexpected message: %+v", msg)
		}
	}
	select {
	case msg := <-subA:
		t.Fatalf("sender received its own message: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublishScopedToChannel(t *testing.T) {
	e := signalbus.NewExchange()
	busA, _ := openSubscribed(t, e, "alice", "general")
	_, other := openSubscribed(t, e, "bob", "music")

	if err := busA.Publish(context.Background(), domain.NewAnnounce("alice")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-other:
		t.Fatalf("message crossed channels: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublishRejectsInvalidMessage(t *testing.T) {
	e := signalbus.NewExchange()
	bus, _ := openSubscribed(t, e, "alice", "general")

	if err := bus.Publish(context.Background(), domain.SignalMessage{Kind: "bogus", From: "alice"}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
	if err := bus.Publish(context.Background(), domain.SignalMessage{Kind: domain.KindAnnounce}); err == nil {
		t.Fatal("expected error for missing sender")
	}
}

func TestClosedBusDelivery(t *testing.T) {
	e := signalbus.NewExchange()
	bus, _ := openSubscribed(t, e, "alice", "general")
	_, subB := openSubscribed(t, e, "bob", "general")

	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("repeated close: %v", err)
	}
	if err := bus.Publish(context.Background(), domain.NewAnnounce("alice")); !errors.Is(err, signalbus.ErrDelivery) {
		t.Fatalf("publish after close: want ErrDelivery, got %v", err)
	}
	select {
	case msg := <-subB:
		if msg.From != "" { // zero value arrives only via close
			t.Fatalf("unexpected delivery from closed bus: %+v", msg)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTopicNaming(t *testing.T) {
	if got := signalbus.Topic("general"); got != "room:general" {
		t.Fatalf("topic: want room:general, got %s", got)
	}
}
