// Package relay implements the realtime relay daemon: the durable voice
// participant table, its change fan-out, and per-channel signal broadcast
// over WebSocket.
package relay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/quorumchat/voicemesh/internal/domain"
	"github.com/quorumchat/voicemesh/internal/membership"
	"github.com/rs/zerolog/log"

	_ "modernc.org/sqlite" // pure-Go sqlite driver, registers as "sqlite"
)

var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS voice_participants (
	channel_id TEXT NOT NULL,
	server_id  TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	muted      INTEGER NOT NULL DEFAULT 0,
	deafened   INTEGER NOT NULL DEFAULT 0,
	session_id TEXT NOT NULL,
	PRIMARY KEY (channel_id, user_id)
);
CREATE TABLE IF NOT EXISTS users (
	user_id    TEXT PRIMARY KEY,
	username   TEXT NOT NULL,
	avatar_url TEXT NOT NULL DEFAULT ''
);
`

// Store persists participants and profiles in sqlite.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the database. Presence rows are wiped on
// open: every connection died with the previous process, so leftover rows
// are lies.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if _, err := db.Exec(`DELETE FROM voice_participants`); err != nil {
		return nil, fmt.Errorf("clear stale presence: %w", err)
	}
	log.Info().Str("module", "relay.store").Str("path", path).Msg("database ready")
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Insert adds a presence row; membership.ErrConflict when the (channel,
// user) pair already holds one.
func (s *Store) Insert(ctx context.Context, p domain.VoiceParticipant) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO voice_participants (channel_id, server_id, user_id, muted, deafened, session_id)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.ChannelID, p.ServerID, p.UserID, p.Muted, p.Deafened, p.SessionID)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return membership.ErrConflict
		}
		return err
	}
	return nil
}

// Delete removes one row and returns it for fan-out. ok is false when
// there was nothing to delete. Deleting and reading back is one statement
// so a leave racing the disconnect cleanup fans the row out exactly once.
func (s *Store) Delete(ctx context.Context, channel domain.ChannelID, user domain.UserID) (domain.VoiceParticipant, bool, error) {
	var p domain.VoiceParticipant
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM voice_participants WHERE channel_id = ? AND user_id = ?
		 RETURNING channel_id, server_id, user_id, muted, deafened, session_id`,
		channel, user).
		Scan(&p.ChannelID, &p.ServerID, &p.UserID, &p.Muted, &p.Deafened, &p.SessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.VoiceParticipant{}, false, nil
	}
	if err != nil {
		return domain.VoiceParticipant{}, false, err
	}
	return p, true, nil
}

// DeleteByUser drops every row a user holds (disconnect cleanup) and
// returns them for fan-out.
func (s *Store) DeleteByUser(ctx context.Context, user domain.UserID) ([]domain.VoiceParticipant, error) {
	rows, err := s.db.QueryContext(ctx,
		`DELETE FROM voice_participants WHERE user_id = ?
		 RETURNING channel_id, server_id, user_id, muted, deafened, session_id`, user)
	if err != nil {
		return nil, err
	}
	return scanParticipants(rows)
}

// Update applies a partial mute/deafen update and returns the fresh row.
func (s *Store) Update(ctx context.Context, channel domain.ChannelID, user domain.UserID, muted, deafened *bool) (domain.VoiceParticipant, bool, error) {
	if muted != nil {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE voice_participants SET muted = ? WHERE channel_id = ? AND user_id = ?`,
			*muted, channel, user); err != nil {
			return domain.VoiceParticipant{}, false, err
		}
	}
	if deafened != nil {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE voice_participants SET deafened = ? WHERE channel_id = ? AND user_id = ?`,
			*deafened, channel, user); err != nil {
			return domain.VoiceParticipant{}, false, err
		}
	}
	p, err := s.get(ctx, channel, user)
	if errors.Is(err, ErrNotFound) {
		return domain.VoiceParticipant{}, false, nil
	}
	if err != nil {
		return domain.VoiceParticipant{}, false, err
	}
	return p, true, nil
}

// List returns the channel's roster.
func (s *Store) List(ctx context.Context, channel domain.ChannelID) ([]domain.VoiceParticipant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel_id, server_id, user_id, muted, deafened, session_id
		 FROM voice_participants WHERE channel_id = ? ORDER BY user_id`, channel)
	if err != nil {
		return nil, err
	}
	return scanParticipants(rows)
}

func (s *Store) get(ctx context.Context, channel domain.ChannelID, user domain.UserID) (domain.VoiceParticipant, error) {
	var p domain.VoiceParticipant
	err := s.db.QueryRowContext(ctx,
		`SELECT channel_id, server_id, user_id, muted, deafened, session_id
		 FROM voice_participants WHERE channel_id = ? AND user_id = ?`, channel, user).
		Scan(&p.ChannelID, &p.ServerID, &p.UserID, &p.Muted, &p.Deafened, &p.SessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.VoiceParticipant{}, ErrNotFound
	}
	return p, err
}

func scanParticipants(rows *sql.Rows) ([]domain.VoiceParticipant, error) {
	defer rows.Close()
	var out []domain.VoiceParticipant
	for rows.Next() {
		var p domain.VoiceParticipant
		if err := rows.Scan(&p.ChannelID, &p.ServerID, &p.UserID, &p.Muted, &p.Deafened, &p.SessionID); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertUser refreshes the profile row on connect.
func (s *Store) UpsertUser(ctx context.Context, p domain.Profile) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (user_id, username, avatar_url) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET username = excluded.username, avatar_url = excluded.avatar_url`,
		p.UserID, p.Username, p.AvatarURL)
	return err
}

func (s *Store) GetUser(ctx context.Context, id domain.UserID) (domain.Profile, error) {
	var p domain.Profile
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, username, avatar_url FROM users WHERE user_id = ?`, id).
		Scan(&p.UserID, &p.Username, &p.AvatarURL)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Profile{}, ErrNotFound
	}
	return p, err
}
