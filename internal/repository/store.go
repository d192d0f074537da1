package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Store implements the queries the real-time layer needs.
type Store struct {
	q querier
}

// NewStore creates a store backed by the pool.
func NewStore(db *DB) *Store {
	return &Store{q: db.pool}
}

const sessionColumns = `id, campaign_id, name, description, status, started_at, ended_at,
	game_state, state_version, created_at, updated_at`

const characterColumns = `id, campaign_id, player_id, name, race, class, level,
	hp_current, hp_max, ac, speed, created_at, updated_at`

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	var gameState []byte
	err := row.Scan(
		&s.ID, &s.CampaignID, &s.Name, &s.Description, &s.Status, &s.StartedAt, &s.EndedAt,
		&gameState, &s.StateVersion, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.GameState = gameState
	return &s, nil
}

func scanCharacter(row pgx.Row) (*Character, error) {
	var c Character
	err := row.Scan(
		&c.ID, &c.CampaignID, &c.PlayerID, &c.Name, &c.Race, &c.Class, &c.Level,
		&c.HPCurrent, &c.HPMax, &c.AC, &c.Speed, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func notFound(err error, what string, id uuid.UUID) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return fmt.Errorf("fetch %s %s: %w", what, id, err)
}

// FetchUserByID returns the user's id and display name.
func (s *Store) FetchUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	var u User
	err := s.q.QueryRow(ctx, `SELECT id, username FROM users WHERE id = $1`, id).Scan(&u.ID, &u.Username)
	if err != nil {
		return nil, notFound(err, "user", id)
	}
	return &u, nil
}

// FetchSessionByID returns the session row including its game state blob.
func (s *Store) FetchSessionByID(ctx context.Context, id uuid.UUID) (*Session, error) {
	row := s.q.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if err != nil {
		return nil, notFound(err, "session", id)
	}
	return sess, nil
}

// UpdateSessionGameState writes blob if the stored version still equals
// expectedVersion, and returns the new version. A lost race yields
// ErrVersionConflict; a missing session yields ErrNotFound.
func (s *Store) UpdateSessionGameState(ctx context.Context, id uuid.UUID, blob []byte, updatedAt time.Time, expectedVersion int64) (int64, error) {
	var version int64
	err := s.q.QueryRow(ctx, `
		UPDATE sessions
		SET game_state = $1::jsonb, state_version = state_version + 1, updated_at = $2
		WHERE id = $3 AND state_version = $4
		RETURNING state_version`,
		string(blob), updatedAt, id, expectedVersion,
	).Scan(&version)
	if err == nil {
		return version, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("update game state for session %s: %w", id, err)
	}

	var exists bool
	if err := s.q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM sessions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return 0, fmt.Errorf("check session %s: %w", id, err)
	}
	if !exists {
		return 0, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return 0, ErrVersionConflict
}

// ReplaceSessionGameState writes blob regardless of the stored version and
// returns the new version.
func (s *Store) ReplaceSessionGameState(ctx context.Context, id uuid.UUID, blob []byte, updatedAt time.Time) (int64, error) {
	var version int64
	err := s.q.QueryRow(ctx, `
		UPDATE sessions
		SET game_state = $1::jsonb, state_version = state_version + 1, updated_at = $2
		WHERE id = $3
		RETURNING state_version`,
		string(blob), updatedAt, id,
	).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return 0, fmt.Errorf("replace game state for session %s: %w", id, err)
	}
	return version, nil
}

// IsCampaignDM reports whether userID is the DM of campaignID.
func (s *Store) IsCampaignDM(ctx context.Context, campaignID, userID uuid.UUID) (bool, error) {
	var ok bool
	err := s.q.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM campaigns WHERE id = $1 AND dm_id = $2)`,
		campaignID, userID,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check campaign dm: %w", err)
	}
	return ok, nil
}

// IsSessionDM reports whether userID is the DM of the campaign owning sessionID.
func (s *Store) IsSessionDM(ctx context.Context, sessionID, userID uuid.UUID) (bool, error) {
	var ok bool
	err := s.q.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM sessions s
			INNER JOIN campaigns c ON s.campaign_id = c.id
			WHERE s.id = $1 AND c.dm_id = $2)`,
		sessionID, userID,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check session dm: %w", err)
	}
	return ok, nil
}

// IsSessionMember reports whether userID is the DM or a listed player of the
// campaign owning sessionID.
func (s *Store) IsSessionMember(ctx context.Context, sessionID, userID uuid.UUID) (bool, error) {
	var ok bool
	err := s.q.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM sessions s
			INNER JOIN campaigns c ON s.campaign_id = c.id
			WHERE s.id = $1 AND (
				c.dm_id = $2 OR
				s.campaign_id IN (SELECT campaign_id FROM campaign_players WHERE player_id = $2)))`,
		sessionID, userID,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check session membership: %w", err)
	}
	return ok, nil
}

// CanEditCharacter reports whether userID owns characterID or is DM of its campaign.
func (s *Store) CanEditCharacter(ctx context.Context, characterID, userID uuid.UUID) (bool, error) {
	var ok bool
	err := s.q.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM characters c
			INNER JOIN campaigns cam ON c.campaign_id = cam.id
			WHERE c.id = $1 AND (c.player_id = $2 OR cam.dm_id = $2))`,
		characterID, userID,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check character access: %w", err)
	}
	return ok, nil
}

// FetchCharacterByID returns the character row.
func (s *Store) FetchCharacterByID(ctx context.Context, id uuid.UUID) (*Character, error) {
	row := s.q.QueryRow(ctx, `SELECT `+characterColumns+` FROM characters WHERE id = $1`, id)
	c, err := scanCharacter(row)
	if err != nil {
		return nil, notFound(err, "character", id)
	}
	return c, nil
}

// UpdateCharacterFields applies the non-nil fields of update and returns the row.
func (s *Store) UpdateCharacterFields(ctx context.Context, id uuid.UUID, update CharacterUpdate, updatedAt time.Time) (*Character, error) {
	row := s.q.QueryRow(ctx, `
		UPDATE characters SET
			name = COALESCE($1::text, name),
			race = COALESCE($2::text, race),
			class = COALESCE($3::text, class),
			level = COALESCE($4::int, level),
			hp_current = COALESCE($5::int, hp_current),
			hp_max = COALESCE($6::int, hp_max),
			ac = COALESCE($7::int, ac),
			speed = COALESCE($8::int, speed),
			updated_at = $9
		WHERE id = $10
		RETURNING `+characterColumns,
		update.Name, update.Race, update.Class, update.Level,
		update.HPCurrent, update.HPMax, update.AC, update.Speed,
		updatedAt, id,
	)
	c, err := scanCharacter(row)
	if err != nil {
		return nil, notFound(err, "character", id)
	}
	return c, nil
}

// UpdateCharacterHP sets hp_current and, when hpMax is non-nil, hp_max.
func (s *Store) UpdateCharacterHP(ctx context.Context, id uuid.UUID, hpCurrent int, hpMax *int, updatedAt time.Time) (*Character, error) {
	row := s.q.QueryRow(ctx, `
		UPDATE characters
		SET hp_current = $1, hp_max = COALESCE($2::int, hp_max), updated_at = $3
		WHERE id = $4
		RETURNING `+characterColumns,
		hpCurrent, hpMax, updatedAt, id,
	)
	c, err := scanCharacter(row)
	if err != nil {
		return nil, notFound(err, "character", id)
	}
	return c, nil
}

// InsertEventLog stores entry and returns the persisted row.
func (s *Store) InsertEventLog(ctx context.Context, entry EventLog) (*EventLog, error) {
	var out EventLog
	var data []byte
	err := s.q.QueryRow(ctx, `
		INSERT INTO event_logs (id, session_id, event_type, event_data, created_by, created_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6)
		RETURNING id, session_id, event_type, event_data, created_by, created_at`,
		entry.ID, entry.SessionID, entry.EventType, string(entry.EventData), entry.CreatedBy, entry.CreatedAt,
	).Scan(&out.ID, &out.SessionID, &out.EventType, &data, &out.CreatedBy, &out.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert event log: %w", err)
	}
	out.EventData = data
	return &out, nil
}
