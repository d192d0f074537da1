package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/yodatable/yoda-server-go/internal/dice"
	"github.com/yodatable/yoda-server-go/internal/gamestate"
	"github.com/yodatable/yoda-server-go/internal/session"
)

// Outbound variant names. ChatMessage shares its name with the inbound variant.
const (
	TypeSessionJoined     = "SessionJoined"
	TypePlayerJoined      = "PlayerJoined"
	TypePlayerLeft        = "PlayerLeft"
	TypeDiceRolled        = "DiceRolled"
	TypeGameStateUpdated  = "GameStateUpdated"
	TypeCharacterUpdated  = "CharacterUpdated"
	TypeInitiativeUpdated = "InitiativeUpdated"
	TypeTurnChanged       = "TurnChanged"
	TypeHPUpdated         = "HPUpdated"
	TypeEventLogCreated   = "EventLogCreated"
	TypeAIResponse        = "AIResponse"
	TypeError             = "Error"
)

// Outbound is a message sent by the server. The set of implementations is
// closed to this package.
type Outbound interface {
	Kind() string
	outbound()
}

// PlayerInfo describes a session member.
type PlayerInfo struct {
	UserID   uuid.UUID `json:"user_id"`
	Username string    `json:"username"`
	IsDM     bool      `json:"is_dm"`
}

// NewPlayerInfo converts a hub snapshot entry.
func NewPlayerInfo(p session.PlayerInfo) PlayerInfo {
	return PlayerInfo{UserID: p.UserID, Username: p.Username, IsDM: p.IsDM}
}

// NewPlayerList converts a hub member snapshot.
func NewPlayerList(members []session.PlayerInfo) []PlayerInfo {
	players := make([]PlayerInfo, len(members))
	for i, m := range members {
		players[i] = NewPlayerInfo(m)
	}
	return players
}

// CharacterInfo is the character snapshot broadcast after an update.
type CharacterInfo struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Race      *string   `json:"race"`
	Class     *string   `json:"class"`
	Level     int       `json:"level"`
	HPCurrent *int      `json:"hp_current"`
	HPMax     *int      `json:"hp_max"`
	AC        *int      `json:"ac"`
	Speed     *int      `json:"speed"`
}

// DiceResult is the wire form of a dice roll.
type DiceResult struct {
	Dice   string  `json:"dice"`
	Result int     `json:"result"`
	Rolls  []int   `json:"rolls"`
	Reason *string `json:"reason"`
}

// NewDiceResult converts an evaluated roll.
func NewDiceResult(r dice.Result) DiceResult {
	rolls := r.Rolls
	if rolls == nil {
		rolls = []int{}
	}
	return DiceResult{Dice: r.Notation, Result: r.Total, Rolls: rolls, Reason: r.Reason}
}

type SessionJoined struct {
	SessionID uuid.UUID    `json:"session_id"`
	Players   []PlayerInfo `json:"players"`
}

type PlayerJoined struct {
	Player PlayerInfo `json:"player"`
}

type PlayerLeft struct {
	PlayerID uuid.UUID `json:"player_id"`
}

type DiceRolled struct {
	PlayerID uuid.UUID  `json:"player_id"`
	Result   DiceResult `json:"result"`
}

// ChatPosted is the outbound ChatMessage.
type ChatPosted struct {
	PlayerID  uuid.UUID `json:"player_id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type GameStateUpdated struct {
	GameState json.RawMessage `json:"game_state"`
}

type CharacterUpdated struct {
	Character CharacterInfo `json:"character"`
}

type InitiativeUpdated struct {
	SessionID       uuid.UUID                   `json:"session_id"`
	InitiativeOrder []gamestate.InitiativeEntry `json:"initiative_order"`
	CurrentTurn     *uuid.UUID                  `json:"current_turn"`
}

type TurnChanged struct {
	SessionID   uuid.UUID `json:"session_id"`
	CurrentTurn uuid.UUID `json:"current_turn"`
	Round       int       `json:"round"`
}

type HPUpdated struct {
	CharacterID uuid.UUID `json:"character_id"`
	HPCurrent   int       `json:"hp_current"`
	HPMax       int       `json:"hp_max"`
}

type EventLogCreated struct {
	EventID   uuid.UUID       `json:"event_id"`
	EventType string          `json:"event_type"`
	EventData json.RawMessage `json:"event_data"`
	CreatedBy uuid.UUID       `json:"created_by"`
	CreatedAt time.Time       `json:"created_at"`
}

type AIResponse struct {
	Response    string `json:"response"`
	RequestType string `json:"request_type"`
	TokensUsed  *int   `json:"tokens_used"`
	Model       string `json:"model"`
}

// Error reports a failed request to its sender only.
type Error struct {
	Message string `json:"message"`
}

func (SessionJoined) Kind() string     { return TypeSessionJoined }
func (PlayerJoined) Kind() string      { return TypePlayerJoined }
func (PlayerLeft) Kind() string        { return TypePlayerLeft }
func (DiceRolled) Kind() string        { return TypeDiceRolled }
func (ChatPosted) Kind() string        { return TypeChatMessage }
func (GameStateUpdated) Kind() string  { return TypeGameStateUpdated }
func (CharacterUpdated) Kind() string  { return TypeCharacterUpdated }
func (InitiativeUpdated) Kind() string { return TypeInitiativeUpdated }
func (TurnChanged) Kind() string       { return TypeTurnChanged }
func (HPUpdated) Kind() string         { return TypeHPUpdated }
func (EventLogCreated) Kind() string   { return TypeEventLogCreated }
func (AIResponse) Kind() string        { return TypeAIResponse }
func (Error) Kind() string             { return TypeError }

func (SessionJoined) outbound()     {}
func (PlayerJoined) outbound()      {}
func (PlayerLeft) outbound()        {}
func (DiceRolled) outbound()        {}
func (ChatPosted) outbound()        {}
func (GameStateUpdated) outbound()  {}
func (CharacterUpdated) outbound()  {}
func (InitiativeUpdated) outbound() {}
func (TurnChanged) outbound()       {}
func (HPUpdated) outbound()         {}
func (EventLogCreated) outbound()   {}
func (AIResponse) outbound()        {}
func (Error) outbound()             {}

// Encode wraps msg in an envelope and serializes it.
func Encode(msg Outbound) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	frame, err := json.Marshal(Envelope{Type: msg.Kind(), Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", msg.Kind(), err)
	}
	return frame, nil
}
