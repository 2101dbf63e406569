package relay

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/quorumchat/voicemesh/internal/domain"
	"github.com/quorumchat/voicemesh/internal/membership"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func row(channel domain.ChannelID, user domain.UserID) domain.VoiceParticipant {
	return domain.VoiceParticipant{
		ChannelID: channel,
		ServerID:  "srv-1",
		UserID:    user,
		SessionID: "sess-" + string(user),
	}
}

func TestInsertConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Insert(ctx, row("general", "alice")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Insert(ctx, row("general", "alice")); !errors.Is(err, membership.ErrConflict) {
		t.Fatalf("duplicate insert: want ErrConflict, got %v", err)
	}
	// Same user, other channel: distinct row.
	if err := s.Insert(ctx, row("music", "alice")); err != nil {
		t.Fatalf("insert other channel: %v", err)
	}
}

func TestDeleteReturnsRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.Delete(ctx, "general", "alice"); err != nil || ok {
		t.Fatalf("delete missing row: ok=%v err=%v", ok, err)
	}

	if err := s.Insert(ctx, row("general", "alice")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	p, ok, err := s.Delete(ctx, "general", "alice")
	if err != nil || !ok {
		t.Fatalf("delete: ok=%v err=%v", ok, err)
	}
	if p.UserID != "alice" || p.SessionID != "sess-alice" {
		t.Fatalf("deleted row: %+v", p)
	}
	if _, ok, _ := s.Delete(ctx, "general", "alice"); ok {
		t.Fatal("row deleted twice")
	}
}

func TestDeleteByUser(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Insert(ctx, row("general", "alice")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Insert(ctx, row("music", "alice")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Insert(ctx, row("general", "bob")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	rows, err := s.DeleteByUser(ctx, "alice")
	if err != nil {
		t.Fatalf("delete by user: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("deleted rows: want 2, got %d", len(rows))
	}

	left, err := s.List(ctx, "general")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(left) != 1 || left[0].UserID != "bob" {
		t.Fatalf("general roster after cleanup: %+v", left)
	}
}

func TestRowFansOutOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Insert(ctx, row("general", "alice")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// A leave racing the disconnect cleanup: both delete paths run, but
	// the row comes back from exactly one of them.
	_, ok, err := s.Delete(ctx, "general", "alice")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	rows, err := s.DeleteByUser(ctx, "alice")
	if err != nil {
		t.Fatalf("delete by user: %v", err)
	}
	got := len(rows)
	if ok {
		got++
	}
	if got != 1 {
		t.Fatalf("row returned %d times across delete paths", got)
	}
}

func TestPartialUpdate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Insert(ctx, row("general", "alice")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	muted := true
	p, ok, err := s.Update(ctx, "general", "alice", &muted, nil)
	if err != nil || !ok {
		t.Fatalf("update muted: ok=%v err=%v", ok, err)
	}
	if !p.Muted || p.Deafened {
		t.Fatalf("row after mute: %+v", p)
	}

	deafened := true
	p, ok, err = s.Update(ctx, "general", "alice", nil, &deafened)
	if err != nil || !ok {
		t.Fatalf("update deafened: ok=%v err=%v", ok, err)
	}
	if !p.Muted || !p.Deafened {
		t.Fatalf("row after deafen: %+v", p)
	}

	if _, ok, err := s.Update(ctx, "general", "ghost", &muted, nil); err != nil || ok {
		t.Fatalf("update missing row: ok=%v err=%v", ok, err)
	}
}

func TestListOrdersByUser(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, u := range []domain.UserID{"carol", "alice", "bob"} {
		if err := s.Insert(ctx, row("general", u)); err != nil {
			t.Fatalf("insert %s: %v", u, err)
		}
	}
	roster, err := s.List(ctx, "general")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []domain.UserID{"alice", "bob", "carol"}
	if len(roster) != len(want) {
		t.Fatalf("roster size: want %d, got %d", len(want), len(roster))
	}
	for i, u := range want {
		if roster[i].UserID != u {
			t.Fatalf("roster[%d]: want %s, got %s", i, u, roster[i].UserID)
		}
	}
}

func TestPresenceWipedOnOpen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.db")
	ctx := context.Background()

	s, err := OpenStore(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := s.Insert(ctx, row("general", "alice")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.UpsertUser(ctx, domain.Profile{UserID: "alice", Username: "Alice"}); err != nil {
		t.Fatalf("upsert user: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenStore(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer reopened.Close()

	roster, err := reopened.List(ctx, "general")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(roster) != 0 {
		t.Fatalf("stale presence survived restart: %+v", roster)
	}
	// Profiles are durable, only presence is wiped.
	p, err := reopened.GetUser(ctx, "alice")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if p.Username != "Alice" {
		t.Fatalf("profile after restart: %+v", p)
	}
}

func TestUserProfiles(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetUser(ctx, "alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing user: want ErrNotFound, got %v", err)
	}
	if err := s.UpsertUser(ctx, domain.Profile{UserID: "alice", Username: "Alice"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.UpsertUser(ctx, domain.Profile{UserID: "alice", Username: "Alice2", AvatarURL: "http://a/"}); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	p, err := s.GetUser(ctx, "alice")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if p.Username != "Alice2" || p.AvatarURL != "http://a/" {
		t.Fatalf("profile not refreshed: %+v", p)
	}
}
