package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/yodatable/yoda-server-go/internal/apperr"
	"github.com/yodatable/yoda-server-go/internal/dice"
	"github.com/yodatable/yoda-server-go/internal/gamestate"
	"github.com/yodatable/yoda-server-go/internal/generation"
	"github.com/yodatable/yoda-server-go/internal/protocol"
	"github.com/yodatable/yoda-server-go/internal/repository"
	"github.com/yodatable/yoda-server-go/internal/turn"
	"go.uber.org/zap"
)

func (r *Router) joinSession(ctx context.Context, c *Client, m protocol.JoinSession) (protocol.Outbound, error) {
	userID := c.userID()
	if err := r.requireMember(ctx, m.SessionID, userID); err != nil {
		return nil, err
	}

	sess, err := r.store.FetchSessionByID(ctx, m.SessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.NotFound("session not found")
		}
		return nil, apperr.Persistence("fetch session", err)
	}

	isDM, err := r.store.IsCampaignDM(ctx, sess.CampaignID, userID)
	if err != nil {
		return nil, apperr.Persistence("check campaign dm", err)
	}

	if previous, ok := c.CurrentSession(); ok && previous != sess.ID {
		if r.hub.Detach(previous, c.Conn) {
			r.broadcast(previous, protocol.PlayerLeft{PlayerID: userID}, c.Conn)
		}
	}

	player := r.hub.Join(sess.ID, sess.CampaignID, c.Conn, isDM)
	id := sess.ID
	c.current = &id

	r.broadcast(sess.ID, protocol.PlayerJoined{Player: protocol.NewPlayerInfo(player)}, c.Conn)

	return protocol.SessionJoined{
		SessionID: sess.ID,
		Players:   protocol.NewPlayerList(r.hub.ListMembers(sess.ID)),
	}, nil
}

func (r *Router) leaveSession(_ context.Context, c *Client, m protocol.LeaveSession) (protocol.Outbound, error) {
	userID := c.userID()
	if r.hub.Leave(m.SessionID, userID) {
		r.broadcast(m.SessionID, protocol.PlayerLeft{PlayerID: userID}, c.Conn)
	}
	if current, ok := c.CurrentSession(); ok && current == m.SessionID {
		c.current = nil
	}
	return protocol.PlayerLeft{PlayerID: userID}, nil
}

func (r *Router) diceRoll(ctx context.Context, c *Client, m protocol.DiceRoll) (protocol.Outbound, error) {
	sessionID, err := r.joinedSession(c)
	if err != nil {
		return nil, err
	}
	if err := r.requireMember(ctx, sessionID, c.userID()); err != nil {
		return nil, err
	}

	result, err := r.roller.Roll(m.Dice, m.Reason)
	if err != nil {
		if errors.Is(err, dice.ErrInvalidNotation) {
			return nil, apperr.Invalid(err.Error(), err)
		}
		return nil, err
	}

	out := protocol.DiceRolled{PlayerID: c.userID(), Result: protocol.NewDiceResult(result)}
	r.broadcast(sessionID, out, c.Conn)
	return out, nil
}

func (r *Router) chatMessage(ctx context.Context, c *Client, m protocol.ChatMessage) (protocol.Outbound, error) {
	sessionID, err := r.joinedSession(c)
	if err != nil {
		return nil, err
	}
	if err := r.requireMember(ctx, sessionID, c.userID()); err != nil {
		return nil, err
	}

	out := protocol.ChatPosted{PlayerID: c.userID(), Message: m.Message, Timestamp: r.now().UTC()}
	r.broadcast(sessionID, out, c.Conn)
	return out, nil
}

func (r *Router) updateGameState(ctx context.Context, c *Client, m protocol.UpdateGameState) (protocol.Outbound, error) {
	sessionID, err := r.joinedSession(c)
	if err != nil {
		return nil, err
	}
	if err := r.requireSessionDM(ctx, sessionID, c.userID(), "only the DM can update game state"); err != nil {
		return nil, err
	}

	stored, err := r.bridge.ReplaceRaw(ctx, sessionID, m.GameState)
	if err != nil {
		return nil, err
	}

	out := protocol.GameStateUpdated{GameState: stored}
	r.broadcast(sessionID, out, c.Conn)
	return out, nil
}

func (r *Router) playerAction(_ context.Context, c *Client, m protocol.PlayerAction) (protocol.Outbound, error) {
	r.logger.Debug("player action ignored",
		zap.String("user_id", c.userID().String()),
		zap.String("action", m.Action),
	)
	return protocol.Error{Message: "player actions not yet implemented"}, nil
}

// characterFields is the subset of a character an UpdateCharacter may change.
type characterFields struct {
	Name      *string `json:"name"`
	Race      *string `json:"race"`
	Class     *string `json:"class"`
	Level     *int    `json:"level"`
	HPCurrent *int    `json:"hp_current"`
	HPMax     *int    `json:"hp_max"`
	AC        *int    `json:"ac"`
	Speed     *int    `json:"speed"`
}

// parseCharacterUpdate reads the allow-listed fields of updates. Other keys
// are ignored.
func parseCharacterUpdate(updates json.RawMessage) (repository.CharacterUpdate, error) {
	trimmed := bytes.TrimSpace(updates)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return repository.CharacterUpdate{}, nil
	}
	if trimmed[0] != '{' {
		return repository.CharacterUpdate{}, apperr.Invalid("updates must be a JSON object", nil)
	}

	var f characterFields
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return repository.CharacterUpdate{}, apperr.Invalid("invalid character updates", err)
	}
	if f.Name != nil && strings.TrimSpace(*f.Name) == "" {
		return repository.CharacterUpdate{}, apperr.Invalid("name cannot be empty", nil)
	}
	if f.Level != nil && *f.Level < 1 {
		return repository.CharacterUpdate{}, apperr.Invalid("level must be at least 1", nil)
	}
	if f.HPMax != nil && *f.HPMax < 0 {
		return repository.CharacterUpdate{}, apperr.Invalid("hp_max cannot be negative", nil)
	}

	return repository.CharacterUpdate{
		Name:      f.Name,
		Race:      f.Race,
		Class:     f.Class,
		Level:     f.Level,
		HPCurrent: f.HPCurrent,
		HPMax:     f.HPMax,
		AC:        f.AC,
		Speed:     f.Speed,
	}, nil
}

func characterInfo(c *repository.Character) protocol.CharacterInfo {
	return protocol.CharacterInfo{
		ID:        c.ID,
		Name:      c.Name,
		Race:      c.Race,
		Class:     c.Class,
		Level:     c.Level,
		HPCurrent: c.HPCurrent,
		HPMax:     c.HPMax,
		AC:        c.AC,
		Speed:     c.Speed,
	}
}

func (r *Router) updateCharacter(ctx context.Context, c *Client, m protocol.UpdateCharacter) (protocol.Outbound, error) {
	sessionID, err := r.joinedSession(c)
	if err != nil {
		return nil, err
	}
	if err := r.requireCharacterAccess(ctx, m.CharacterID, c.userID()); err != nil {
		return nil, err
	}

	character, err := r.store.FetchCharacterByID(ctx, m.CharacterID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.NotFound("character not found")
		}
		return nil, apperr.Persistence("fetch character", err)
	}
	if campaignID, ok := r.hub.CampaignID(sessionID); ok && character.CampaignID != campaignID {
		return nil, apperr.Denied("character does not belong to current session's campaign")
	}

	update, err := parseCharacterUpdate(m.Updates)
	if err != nil {
		return nil, err
	}

	updated, err := r.store.UpdateCharacterFields(ctx, m.CharacterID, update, r.now().UTC())
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.NotFound("character not found")
		}
		return nil, apperr.Persistence("update character", err)
	}

	out := protocol.CharacterUpdated{Character: characterInfo(updated)}
	r.broadcast(sessionID, out, c.Conn)
	return out, nil
}

func (r *Router) updateInitiative(ctx context.Context, c *Client, m protocol.UpdateInitiative) (protocol.Outbound, error) {
	if err := r.requireSessionDM(ctx, m.SessionID, c.userID(), "only the DM can update initiative"); err != nil {
		return nil, err
	}

	gs, err := r.bridge.Mutate(ctx, m.SessionID, func(gs *gamestate.GameState) error {
		if err := gs.ReplaceInitiative(m.InitiativeOrder); err != nil {
			return apperr.Invalid(err.Error(), err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := protocol.InitiativeUpdated{
		SessionID:       m.SessionID,
		InitiativeOrder: gs.InitiativeOrder,
		CurrentTurn:     gs.CurrentTurn,
	}
	r.broadcast(m.SessionID, out, c.Conn)
	return out, nil
}

func (r *Router) nextTurn(ctx context.Context, c *Client, m protocol.NextTurn) (protocol.Outbound, error) {
	if err := r.requireSessionDM(ctx, m.SessionID, c.userID(), "only the DM can advance turns"); err != nil {
		return nil, err
	}

	gs, err := r.bridge.Mutate(ctx, m.SessionID, func(gs *gamestate.GameState) error {
		if err := turn.Advance(gs); err != nil {
			return apperr.Invalid(err.Error(), err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := protocol.TurnChanged{
		SessionID:   m.SessionID,
		CurrentTurn: *gs.CurrentTurn,
		Round:       gs.Round,
	}
	r.broadcast(m.SessionID, out, c.Conn)
	return out, nil
}

func (r *Router) updateHP(ctx context.Context, c *Client, m protocol.UpdateHP) (protocol.Outbound, error) {
	if err := r.requireCharacterAccess(ctx, m.CharacterID, c.userID()); err != nil {
		return nil, err
	}
	if m.HPMax != nil && *m.HPMax < 0 {
		return nil, apperr.Invalid("hp_max cannot be negative", nil)
	}

	updated, err := r.store.UpdateCharacterHP(ctx, m.CharacterID, m.HPCurrent, m.HPMax, r.now().UTC())
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.NotFound("character not found")
		}
		return nil, apperr.Persistence("update character hp", err)
	}

	out := protocol.HPUpdated{
		CharacterID: m.CharacterID,
		HPCurrent:   intOrZero(updated.HPCurrent),
		HPMax:       intOrZero(updated.HPMax),
	}
	// Only the owning campaign's table hears about the change.
	if sessionID, ok := c.CurrentSession(); ok {
		if campaignID, known := r.hub.CampaignID(sessionID); known && updated.CampaignID == campaignID {
			r.broadcast(sessionID, out, c.Conn)
		}
	}
	return out, nil
}

func (r *Router) createEventLog(ctx context.Context, c *Client, m protocol.CreateEventLog) (protocol.Outbound, error) {
	userID := c.userID()
	if err := r.requireMember(ctx, m.SessionID, userID); err != nil {
		return nil, err
	}

	data := m.EventData
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		data = json.RawMessage(`{}`)
	}

	entry, err := r.store.InsertEventLog(ctx, repository.EventLog{
		ID:        uuid.New(),
		SessionID: m.SessionID,
		EventType: m.EventType,
		EventData: data,
		CreatedBy: &userID,
		CreatedAt: r.now().UTC(),
	})
	if err != nil {
		return nil, apperr.Persistence("insert event log", err)
	}

	createdBy := userID
	if entry.CreatedBy != nil {
		createdBy = *entry.CreatedBy
	}
	out := protocol.EventLogCreated{
		EventID:   entry.ID,
		EventType: entry.EventType,
		EventData: entry.EventData,
		CreatedBy: createdBy,
		CreatedAt: entry.CreatedAt,
	}
	r.broadcast(m.SessionID, out, c.Conn)
	return out, nil
}

func (r *Router) aiRequest(ctx context.Context, c *Client, m protocol.AIRequest) (protocol.Outbound, error) {
	sessionID, err := r.joinedSession(c)
	if err != nil {
		return nil, err
	}
	userID := c.userID()
	if err := r.requireMember(ctx, sessionID, userID); err != nil {
		return nil, err
	}

	result, err := r.generator.Generate(ctx, generation.Request{
		Prompt:      m.Prompt,
		RequestType: m.RequestType,
		Context:     m.Context,
	})
	if err != nil {
		return nil, fmt.Errorf("generate %s response: %w", m.RequestType, err)
	}

	r.logAIRequest(ctx, sessionID, userID, m, result.Text)

	out := protocol.AIResponse{
		Response:    result.Text,
		RequestType: m.RequestType,
		TokensUsed:  result.TokensUsed,
		Model:       result.Model,
	}
	r.broadcast(sessionID, out, c.Conn)
	return out, nil
}

// logAIRequest records the exchange in the event log. Failures are logged
// and do not fail the request.
func (r *Router) logAIRequest(ctx context.Context, sessionID, userID uuid.UUID, m protocol.AIRequest, response string) {
	data, err := json.Marshal(map[string]string{
		"prompt":       m.Prompt,
		"request_type": m.RequestType,
		"response":     response,
	})
	if err != nil {
		r.logger.Warn("failed to encode ai_request event", zap.Error(err))
		return
	}

	_, err = r.store.InsertEventLog(ctx, repository.EventLog{
		ID:        uuid.New(),
		SessionID: sessionID,
		EventType: "ai_request",
		EventData: data,
		CreatedBy: &userID,
		CreatedAt: r.now().UTC(),
	})
	if err != nil {
		r.logger.Warn("failed to record ai_request event",
			zap.String("session_id", sessionID.String()),
			zap.Error(err),
		)
	}
}

func intOrZero(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}
