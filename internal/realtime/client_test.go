package realtime_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/quorumchat/voicemesh/internal/config"
	"github.com/quorumchat/voicemesh/internal/domain"
	"github.com/quorumchat/voicemesh/internal/membership"
	"github.com/quorumchat/voicemesh/internal/realtime"
	"github.com/quorumchat/voicemesh/internal/relay"
)

func startRelay(t *testing.T, publishLimit int) (httpURL, wsURL string) {
	t.Helper()
	store, err := relay.OpenStore(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctl := relay.NewController(store, relay.NewHub(), relay.NewPublishLimiter(publishLimit, time.Minute))
	router := relay.SetupRouter(context.Background(), &config.Config{Mode: "release"}, ctl)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return srv.URL, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, wsURL string, user domain.UserID) *realtime.Client {
	t.Helper()
	c, err := realtime.Dial(context.Background(), wsURL, user, string(user))
	if err != nil {
		t.Fatalf("dial %s: %v", user, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func nextEvent(t *testing.T, feed <-chan domain.ParticipantEvent) domain.ParticipantEvent {
	t.Helper()
	select {
	case ev, ok := <-feed:
		if !ok {
			t.Fatal("change feed closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for change event")
	}
	return domain.ParticipantEvent{}
}

func TestMembershipOverWire(t *testing.T) {
	_, wsURL := startRelay(t, 100)
	ctx := context.Background()
	alice := dial(t, wsURL, "alice")
	bob := dial(t, wsURL, "bob")

	me, err := alice.Join(ctx, "general", "srv-1", true, false)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if me.UserID != "alice" || !me.Muted || me.SessionID == "" {
		t.Fatalf("join ack row: %+v", me)
	}
	if _, err := alice.Join(ctx, "general", "srv-1", false, false); !errors.Is(err, membership.ErrConflict) {
		t.Fatalf("duplicate join: want ErrConflict, got %v", err)
	}

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	feed, err := alice.Watch(watchCtx, "general")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	// Snapshot first: the watcher converges on the current roster.
	ev := nextEvent(t, feed)
	if ev.Kind != domain.EventJoined || ev.Participant.UserID != "alice" {
		t.Fatalf("snapshot event: %+v", ev)
	}

	if _, err := bob.Join(ctx, "general", "srv-1", false, false); err != nil {
		t.Fatalf("bob join: %v", err)
	}
	ev = nextEvent(t, feed)
	if ev.Kind != domain.EventJoined || ev.Participant.UserID != "bob" {
		t.Fatalf("bob joined event: %+v", ev)
	}

	if err := bob.SetMuted(ctx, "general", true); err != nil {
		t.Fatalf("set muted: %v", err)
	}
	ev = nextEvent(t, feed)
	if ev.Kind != domain.EventUpdated || !ev.Participant.Muted {
		t.Fatalf("updated event: %+v", ev)
	}

	if err := bob.Leave(ctx, "general"); err != nil {
		t.Fatalf("bob leave: %v", err)
	}
	ev = nextEvent(t, feed)
	if ev.Kind != domain.EventLeft || ev.Participant.UserID != "bob" {
		t.Fatalf("left event: %+v", ev)
	}
	// Idempotent over the wire too.
	if err := bob.Leave(ctx, "general"); err != nil {
		t.Fatalf("repeated leave: %v", err)
	}
}

func TestSignalBroadcastOverWire(t *testing.T) {
	_, wsURL := startRelay(t, 100)
	ctx := context.Background()
	alice := dial(t, wsURL, "alice")
	bob := dial(t, wsURL, "bob")

	busA, err := alice.Open(ctx, "general")
	if err != nil {
		t.Fatalf("open bus: %v", err)
	}
	subA, err := busA.Subscribe(ctx)
	if err != nil {
		t.Fatalf("alice subscribe: %v", err)
	}
	busB, err := bob.Open(ctx, "general")
	if err != nil {
		t.Fatalf("open bus: %v", err)
	}
	if _, err := busB.Subscribe(ctx); err != nil {
		t.Fatalf("bob subscribe: %v", err)
	}

	if err := busB.Publish(ctx, domain.NewAnnounce("bob")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-subA:
		if msg.Kind != domain.KindAnnounce || msg.From != "bob" {
			t.Fatalf("received signal: %+v", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("signal never arrived")
	}

	// From must match the connection's user.
	err = busB.Publish(ctx, domain.NewAnnounce("alice"))
	if err == nil {
		t.Fatal("spoofed sender accepted")
	}

	if err := busB.Close(); err != nil {
		t.Fatalf("bus close: %v", err)
	}
}

func TestPublishRateLimited(t *testing.T) {
	_, wsURL := startRelay(t, 2)
	ctx := context.Background()
	alice := dial(t, wsURL, "alice")
	bob := dial(t, wsURL, "bob")

	bus, err := alice.Open(ctx, "general")
	if err != nil {
		t.Fatalf("open bus: %v", err)
	}
	if _, err := bus.Subscribe(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	busB, err := bob.Open(ctx, "general")
	if err != nil {
		t.Fatalf("open bus: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := busB.Publish(ctx, domain.NewAnnounce("bob")); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	err = busB.Publish(ctx, domain.NewAnnounce("bob"))
	if err == nil || !strings.Contains(err.Error(), realtime.CodeRateLimited) {
		t.Fatalf("third publish: want rate limit error, got %v", err)
	}
}

func TestDisconnectDropsPresence(t *testing.T) {
	_, wsURL := startRelay(t, 100)
	ctx := context.Background()
	alice := dial(t, wsURL, "alice")
	bob := dial(t, wsURL, "bob")

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	feed, err := alice.Watch(watchCtx, "general")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	if _, err := bob.Join(ctx, "general", "srv-1", false, false); err != nil {
		t.Fatalf("bob join: %v", err)
	}
	if ev := nextEvent(t, feed); ev.Kind != domain.EventJoined {
		t.Fatalf("joined event: %+v", ev)
	}

	// A dead socket is a leave: the relay deletes the rows itself.
	_ = bob.Close()
	ev := nextEvent(t, feed)
	if ev.Kind != domain.EventLeft || ev.Participant.UserID != "bob" {
		t.Fatalf("left event after disconnect: %+v", ev)
	}
}

func TestProfileEndpoint(t *testing.T) {
	httpURL, wsURL := startRelay(t, 100)
	alice := dial(t, wsURL, "alice") // handshake upserts the profile
	// A request roundtrip guarantees the handshake finished server-side.
	if _, err := alice.Join(context.Background(), "general", "srv-1", false, false); err != nil {
		t.Fatalf("join: %v", err)
	}

	resp, err := http.Get(httpURL + "/api/users/alice")
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("profile status: %d", resp.StatusCode)
	}
	var p domain.Profile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		t.Fatalf("decode profile: %v", err)
	}
	if p.UserID != "alice" || p.Username != "alice" {
		t.Fatalf("profile: %+v", p)
	}

	missing, err := http.Get(httpURL + "/api/users/nobody")
	if err != nil {
		t.Fatalf("get missing profile: %v", err)
	}
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("missing profile status: %d", missing.StatusCode)
	}
}
