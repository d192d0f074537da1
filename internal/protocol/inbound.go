// Package protocol defines the JSON frames exchanged over the real-time
// socket. Every frame is an envelope {"type": ..., "data": {...}} whose type
// names exactly one Inbound or Outbound variant.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/yodatable/yoda-server-go/internal/gamestate"
)

var (
	// ErrMalformed is returned for frames that are not a valid envelope or
	// whose payload does not match the variant.
	ErrMalformed = errors.New("malformed frame")
	// ErrUnknownType is returned for envelopes naming no known variant.
	ErrUnknownType = errors.New("unknown message type")
)

// Inbound variant names.
const (
	TypeJoinSession      = "JoinSession"
	TypeLeaveSession     = "LeaveSession"
	TypeDiceRoll         = "DiceRoll"
	TypeChatMessage      = "ChatMessage"
	TypeUpdateGameState  = "UpdateGameState"
	TypePlayerAction     = "PlayerAction"
	TypeUpdateCharacter  = "UpdateCharacter"
	TypeUpdateInitiative = "UpdateInitiative"
	TypeNextTurn         = "NextTurn"
	TypeUpdateHP         = "UpdateHP"
	TypeCreateEventLog   = "CreateEventLog"
	TypeAIRequest        = "AIRequest"
)

// Envelope is the outer shape of every frame.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Inbound is a message sent by a client. The set of implementations is
// closed to this package.
type Inbound interface {
	Kind() string
	inbound()
}

type JoinSession struct {
	SessionID uuid.UUID `json:"session_id"`
}

type LeaveSession struct {
	SessionID uuid.UUID `json:"session_id"`
}

type DiceRoll struct {
	Dice   string  `json:"dice"`
	Reason *string `json:"reason"`
}

type ChatMessage struct {
	Message string `json:"message"`
}

// UpdateGameState carries an arbitrary JSON document chosen by the DM.
type UpdateGameState struct {
	GameState json.RawMessage `json:"game_state"`
}

type PlayerAction struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// UpdateCharacter carries a JSON object of character fields to change.
type UpdateCharacter struct {
	CharacterID uuid.UUID       `json:"character_id"`
	Updates     json.RawMessage `json:"updates"`
}

type UpdateInitiative struct {
	SessionID       uuid.UUID                   `json:"session_id"`
	InitiativeOrder []gamestate.InitiativeEntry `json:"initiative_order"`
}

type NextTurn struct {
	SessionID uuid.UUID `json:"session_id"`
}

type UpdateHP struct {
	CharacterID uuid.UUID `json:"character_id"`
	HPCurrent   int       `json:"hp_current"`
	HPMax       *int      `json:"hp_max"`
}

type CreateEventLog struct {
	SessionID uuid.UUID       `json:"session_id"`
	EventType string          `json:"event_type"`
	EventData json.RawMessage `json:"event_data"`
}

type AIRequest struct {
	Prompt      string  `json:"prompt"`
	RequestType string  `json:"request_type"`
	Context     *string `json:"context"`
}

func (JoinSession) Kind() string      { return TypeJoinSession }
func (LeaveSession) Kind() string     { return TypeLeaveSession }
func (DiceRoll) Kind() string         { return TypeDiceRoll }
func (ChatMessage) Kind() string      { return TypeChatMessage }
func (UpdateGameState) Kind() string  { return TypeUpdateGameState }
func (PlayerAction) Kind() string     { return TypePlayerAction }
func (UpdateCharacter) Kind() string  { return TypeUpdateCharacter }
func (UpdateInitiative) Kind() string { return TypeUpdateInitiative }
func (NextTurn) Kind() string         { return TypeNextTurn }
func (UpdateHP) Kind() string         { return TypeUpdateHP }
func (CreateEventLog) Kind() string   { return TypeCreateEventLog }
func (AIRequest) Kind() string        { return TypeAIRequest }

func (JoinSession) inbound()      {}
func (LeaveSession) inbound()     {}
func (DiceRoll) inbound()         {}
func (ChatMessage) inbound()      {}
func (UpdateGameState) inbound()  {}
func (PlayerAction) inbound()     {}
func (UpdateCharacter) inbound()  {}
func (UpdateInitiative) inbound() {}
func (NextTurn) inbound()         {}
func (UpdateHP) inbound()         {}
func (CreateEventLog) inbound()   {}
func (AIRequest) inbound()        {}

type validator interface {
	validate() error
}

func (m JoinSession) validate() error  { return requireID("session_id", m.SessionID) }
func (m LeaveSession) validate() error { return requireID("session_id", m.SessionID) }
func (m NextTurn) validate() error     { return requireID("session_id", m.SessionID) }
func (m UpdateHP) validate() error     { return requireID("character_id", m.CharacterID) }

func (m DiceRoll) validate() error {
	if m.Dice == "" {
		return fmt.Errorf("%w: dice is required", ErrMalformed)
	}
	return nil
}

func (m UpdateGameState) validate() error {
	if len(m.GameState) == 0 {
		return fmt.Errorf("%w: game_state is required", ErrMalformed)
	}
	return nil
}

func (m UpdateCharacter) validate() error {
	return requireID("character_id", m.CharacterID)
}

func (m UpdateInitiative) validate() error {
	if err := requireID("session_id", m.SessionID); err != nil {
		return err
	}
	if m.InitiativeOrder == nil {
		return fmt.Errorf("%w: initiative_order is required", ErrMalformed)
	}
	return nil
}

func (m CreateEventLog) validate() error {
	if err := requireID("session_id", m.SessionID); err != nil {
		return err
	}
	if m.EventType == "" {
		return fmt.Errorf("%w: event_type is required", ErrMalformed)
	}
	return nil
}

func (m AIRequest) validate() error {
	if m.RequestType == "" {
		return fmt.Errorf("%w: request_type is required", ErrMalformed)
	}
	return nil
}

func requireID(field string, id uuid.UUID) error {
	if id == uuid.Nil {
		return fmt.Errorf("%w: %s is required", ErrMalformed, field)
	}
	return nil
}

type inboundDecoder func(data json.RawMessage) (Inbound, error)

var inboundDecoders = map[string]inboundDecoder{
	TypeJoinSession:      decodeAs[JoinSession],
	TypeLeaveSession:     decodeAs[LeaveSession],
	TypeDiceRoll:         decodeAs[DiceRoll],
	TypeChatMessage:      decodeAs[ChatMessage],
	TypeUpdateGameState:  decodeAs[UpdateGameState],
	TypePlayerAction:     decodeAs[PlayerAction],
	TypeUpdateCharacter:  decodeAs[UpdateCharacter],
	TypeUpdateInitiative: decodeAs[UpdateInitiative],
	TypeNextTurn:         decodeAs[NextTurn],
	TypeUpdateHP:         decodeAs[UpdateHP],
	TypeCreateEventLog:   decodeAs[CreateEventLog],
	TypeAIRequest:        decodeAs[AIRequest],
}

func decodeAs[T Inbound](data json.RawMessage) (Inbound, error) {
	var msg T
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, msg.Kind(), err)
		}
	}
	if v, ok := any(msg).(validator); ok {
		if err := v.validate(); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

// InboundKinds lists every inbound variant name in sorted order.
func InboundKinds() []string {
	kinds := make([]string, 0, len(inboundDecoders))
	for kind := range inboundDecoders {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// Decode parses one client frame.
func Decode(frame []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	decode, ok := inboundDecoders[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	return decode(env.Data)
}
