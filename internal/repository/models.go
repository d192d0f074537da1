package repository

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// User is the subset of the users row the real-time layer reads.
type User struct {
	ID       uuid.UUID
	Username string
}

// Session is a row of the sessions table.
type Session struct {
	ID           uuid.UUID
	CampaignID   uuid.UUID
	Name         string
	Description  *string
	Status       string
	StartedAt    *time.Time
	EndedAt      *time.Time
	GameState    json.RawMessage
	StateVersion int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Character is a row of the characters table without the free-form sheets.
type Character struct {
	ID         uuid.UUID
	CampaignID uuid.UUID
	PlayerID   *uuid.UUID
	Name       string
	Race       *string
	Class      *string
	Level      int
	HPCurrent  *int
	HPMax      *int
	AC         *int
	Speed      *int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CharacterUpdate lists the columns a real-time UpdateCharacter may change.
// Nil fields are left untouched.
type CharacterUpdate struct {
	Name      *string
	Race      *string
	Class     *string
	Level     *int
	HPCurrent *int
	HPMax     *int
	AC        *int
	Speed     *int
}

// Empty reports whether no field is set.
func (u CharacterUpdate) Empty() bool {
	return u.Name == nil && u.Race == nil && u.Class == nil && u.Level == nil &&
		u.HPCurrent == nil && u.HPMax == nil && u.AC == nil && u.Speed == nil
}

// EventLog is a row of the event_logs table.
type EventLog struct {
	ID        uuid.UUID
	SessionID uuid.UUID
	EventType string
	EventData json.RawMessage
	CreatedBy *uuid.UUID
	CreatedAt time.Time
}
