// Package gamestate models the shared per-session game state and bridges it to
// the persisted session row.
package gamestate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrInvalidState indicates a game state that violates its invariants.
var ErrInvalidState = errors.New("invalid game state")

// InitiativeEntry is one participant in the turn order.
// Initiative is informational; the list order is authoritative.
type InitiativeEntry struct {
	ID          uuid.UUID  `json:"id"`
	Name        string     `json:"name"`
	Initiative  int        `json:"initiative"`
	IsPlayer    bool       `json:"is_player"`
	CharacterID *uuid.UUID `json:"character_id"`
	UserID      *uuid.UUID `json:"user_id"`
	HPCurrent   *int       `json:"hp_current"`
	HPMax       *int       `json:"hp_max"`
	AC          *int       `json:"ac"`
}

// GameState is the JSON document stored in sessions.game_state.
type GameState struct {
	InitiativeOrder []InitiativeEntry `json:"initiative_order"`
	CurrentTurn     *uuid.UUID        `json:"current_turn"`
	Round           int               `json:"round"`
	CombatActive    bool              `json:"combat_active"`
	// Conditions are carried through verbatim.
	Conditions []json.RawMessage `json:"conditions"`
}

// Default returns the empty state used for new sessions and unreadable blobs.
func Default() GameState {
	return GameState{
		InitiativeOrder: []InitiativeEntry{},
		Round:           1,
		Conditions:      []json.RawMessage{},
	}
}

// Clone returns a deep copy so callers can mutate without aliasing.
func (gs GameState) Clone() GameState {
	out := gs
	out.InitiativeOrder = append([]InitiativeEntry(nil), gs.InitiativeOrder...)
	if out.InitiativeOrder == nil {
		out.InitiativeOrder = []InitiativeEntry{}
	}
	if gs.CurrentTurn != nil {
		id := *gs.CurrentTurn
		out.CurrentTurn = &id
	}
	out.Conditions = make([]json.RawMessage, len(gs.Conditions))
	for i, c := range gs.Conditions {
		out.Conditions[i] = append(json.RawMessage(nil), c...)
	}
	return out
}

// IndexOf returns the position of the entry with id, or -1.
func (gs GameState) IndexOf(id uuid.UUID) int {
	for i, entry := range gs.InitiativeOrder {
		if entry.ID == id {
			return i
		}
	}
	return -1
}

// Validate checks the structural invariants of the state.
func (gs GameState) Validate() error {
	if gs.Round < 1 {
		return fmt.Errorf("%w: round must be at least 1", ErrInvalidState)
	}

	seen := make(map[uuid.UUID]struct{}, len(gs.InitiativeOrder))
	for _, entry := range gs.InitiativeOrder {
		if _, dup := seen[entry.ID]; dup {
			return fmt.Errorf("%w: duplicate initiative entry %s", ErrInvalidState, entry.ID)
		}
		seen[entry.ID] = struct{}{}
	}

	if gs.CurrentTurn != nil {
		if _, ok := seen[*gs.CurrentTurn]; !ok {
			return fmt.Errorf("%w: current turn %s is not in the initiative order", ErrInvalidState, *gs.CurrentTurn)
		}
	}
	return nil
}

// Decode parses a stored blob. Missing collections are normalized to empty and
// a zero round to 1; anything that still violates the invariants is an error.
func Decode(blob []byte) (GameState, error) {
	trimmed := bytes.TrimSpace(blob)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Default(), nil
	}

	var gs GameState
	if err := json.Unmarshal(trimmed, &gs); err != nil {
		return GameState{}, fmt.Errorf("decode game state: %w", err)
	}
	if gs.InitiativeOrder == nil {
		gs.InitiativeOrder = []InitiativeEntry{}
	}
	if gs.Conditions == nil {
		gs.Conditions = []json.RawMessage{}
	}
	if gs.Round == 0 {
		gs.Round = 1
	}
	if err := gs.Validate(); err != nil {
		return GameState{}, err
	}
	return gs, nil
}

// DecodeStrict parses blob only if it is shaped like a GameState: it must be a
// JSON object with no fields outside the GameState schema.
func DecodeStrict(blob []byte) (GameState, bool) {
	dec := json.NewDecoder(bytes.NewReader(blob))
	dec.DisallowUnknownFields()

	var gs GameState
	if err := dec.Decode(&gs); err != nil {
		return GameState{}, false
	}
	if gs.InitiativeOrder == nil {
		gs.InitiativeOrder = []InitiativeEntry{}
	}
	if gs.Conditions == nil {
		gs.Conditions = []json.RawMessage{}
	}
	return gs, true
}

// Encode serializes the state for storage.
func Encode(gs GameState) ([]byte, error) {
	data, err := json.Marshal(gs)
	if err != nil {
		return nil, fmt.Errorf("encode game state: %w", err)
	}
	return data, nil
}

// ReplaceInitiative installs a new turn order and marks combat active.
// A current turn that no longer exists in the new order is cleared.
func (gs *GameState) ReplaceInitiative(order []InitiativeEntry) error {
	next := gs.Clone()
	next.InitiativeOrder = append([]InitiativeEntry{}, order...)
	next.CombatActive = true
	if next.CurrentTurn != nil && next.IndexOf(*next.CurrentTurn) < 0 {
		next.CurrentTurn = nil
	}
	if err := next.Validate(); err != nil {
		return err
	}
	*gs = next
	return nil
}
