// Package turn advances the initiative order of a game state.
package turn

import (
	"errors"

	"github.com/yodatable/yoda-server-go/internal/gamestate"
)

// ErrNoInitiativeOrder is returned when there is nobody to hand the turn to.
var ErrNoInitiativeOrder = errors.New("no initiative order set")

// Advance moves current_turn to the next entry in list order. Wrapping past
// the last entry starts a new round. An unset or unknown current turn counts
// as the first entry. combat_active is not touched.
func Advance(gs *gamestate.GameState) error {
	n := len(gs.InitiativeOrder)
	if n == 0 {
		return ErrNoInitiativeOrder
	}

	index := 0
	if gs.CurrentTurn != nil {
		if i := gs.IndexOf(*gs.CurrentTurn); i >= 0 {
			index = i
		}
	}

	next := (index + 1) % n
	id := gs.InitiativeOrder[next].ID
	gs.CurrentTurn = &id
	if next == 0 {
		gs.Round++
	}
	return nil
}
