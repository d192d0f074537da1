// Package router authorizes and executes inbound real-time messages, one
// message per connection at a time.
package router

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/yodatable/yoda-server-go/internal/apperr"
	"github.com/yodatable/yoda-server-go/internal/dice"
	"github.com/yodatable/yoda-server-go/internal/gamestate"
	"github.com/yodatable/yoda-server-go/internal/generation"
	"github.com/yodatable/yoda-server-go/internal/protocol"
	"github.com/yodatable/yoda-server-go/internal/repository"
	"github.com/yodatable/yoda-server-go/internal/session"
	"go.uber.org/zap"
)

// Store is the persistence surface the router needs.
type Store interface {
	gamestate.SessionStore

	IsCampaignDM(ctx context.Context, campaignID, userID uuid.UUID) (bool, error)
	IsSessionMember(ctx context.Context, sessionID, userID uuid.UUID) (bool, error)
	IsSessionDM(ctx context.Context, sessionID, userID uuid.UUID) (bool, error)
	CanEditCharacter(ctx context.Context, characterID, userID uuid.UUID) (bool, error)
	FetchCharacterByID(ctx context.Context, id uuid.UUID) (*repository.Character, error)
	UpdateCharacterFields(ctx context.Context, id uuid.UUID, update repository.CharacterUpdate, updatedAt time.Time) (*repository.Character, error)
	UpdateCharacterHP(ctx context.Context, id uuid.UUID, hpCurrent int, hpMax *int, updatedAt time.Time) (*repository.Character, error)
	InsertEventLog(ctx context.Context, entry repository.EventLog) (*repository.EventLog, error)
}

// Client is the router's per-connection state. It is only touched by the
// connection's read loop.
type Client struct {
	Conn    *session.Connection
	current *uuid.UUID
}

// NewClient wraps an accepted connection.
func NewClient(conn *session.Connection) *Client {
	return &Client{Conn: conn}
}

// CurrentSession returns the session the client has joined, if any.
func (c *Client) CurrentSession() (uuid.UUID, bool) {
	if c.current == nil {
		return uuid.Nil, false
	}
	return *c.current, true
}

func (c *Client) userID() uuid.UUID {
	return c.Conn.UserID
}

type handler func(ctx context.Context, c *Client, msg protocol.Inbound) (protocol.Outbound, error)

// on adapts a typed handler to the dispatch table.
func on[T protocol.Inbound](fn func(ctx context.Context, c *Client, msg T) (protocol.Outbound, error)) handler {
	return func(ctx context.Context, c *Client, msg protocol.Inbound) (protocol.Outbound, error) {
		return fn(ctx, c, msg.(T))
	}
}

// Router executes inbound messages.
type Router struct {
	store     Store
	hub       *session.Hub
	bridge    *gamestate.Bridge
	roller    *dice.Roller
	generator generation.Generator
	logger    *zap.Logger
	now       func() time.Time

	handlers map[string]handler
}

// New creates a router. It fails if any inbound message kind lacks a handler.
func New(store Store, hub *session.Hub, bridge *gamestate.Bridge, roller *dice.Roller, generator generation.Generator, logger *zap.Logger) (*Router, error) {
	r := &Router{
		store:     store,
		hub:       hub,
		bridge:    bridge,
		roller:    roller,
		generator: generator,
		logger:    logger,
		now:       time.Now,
	}

	r.handlers = map[string]handler{
		protocol.TypeJoinSession:      on(r.joinSession),
		protocol.TypeLeaveSession:     on(r.leaveSession),
		protocol.TypeDiceRoll:         on(r.diceRoll),
		protocol.TypeChatMessage:      on(r.chatMessage),
		protocol.TypeUpdateGameState:  on(r.updateGameState),
		protocol.TypePlayerAction:     on(r.playerAction),
		protocol.TypeUpdateCharacter:  on(r.updateCharacter),
		protocol.TypeUpdateInitiative: on(r.updateInitiative),
		protocol.TypeNextTurn:         on(r.nextTurn),
		protocol.TypeUpdateHP:         on(r.updateHP),
		protocol.TypeCreateEventLog:   on(r.createEventLog),
		protocol.TypeAIRequest:        on(r.aiRequest),
	}

	for _, kind := range protocol.InboundKinds() {
		if _, ok := r.handlers[kind]; !ok {
			return nil, fmt.Errorf("no handler for message type %s", kind)
		}
	}
	return r, nil
}

// Handle decodes one frame from c, executes it and queues the reply on c's
// connection. Failures are answered with an Error frame to c only. The reply
// is returned for callers that want to inspect it.
func (r *Router) Handle(ctx context.Context, c *Client, frame []byte) protocol.Outbound {
	msg, err := protocol.Decode(frame)
	if err != nil {
		r.logger.Debug("invalid message",
			zap.String("user_id", c.userID().String()),
			zap.Error(err),
		)
		return r.reply(c, protocol.Error{Message: "invalid message format"})
	}

	out, err := r.handlers[msg.Kind()](ctx, c, msg)
	if err != nil {
		r.logFailure(c, msg.Kind(), err)
		return r.reply(c, protocol.Error{Message: apperr.PublicMessage(err)})
	}
	if out == nil {
		return nil
	}
	return r.reply(c, out)
}

// Disconnect removes c from its session after its socket closed.
func (r *Router) Disconnect(c *Client) {
	sessionID, ok := c.CurrentSession()
	if !ok {
		return
	}
	c.current = nil
	if r.hub.Detach(sessionID, c.Conn) {
		r.broadcast(sessionID, protocol.PlayerLeft{PlayerID: c.userID()}, c.Conn)
	}
}

func (r *Router) logFailure(c *Client, kind string, err error) {
	fields := []zap.Field{
		zap.String("type", kind),
		zap.String("user_id", c.userID().String()),
		zap.String("kind", apperr.KindOf(err).String()),
		zap.Error(err),
	}
	switch apperr.KindOf(err) {
	case apperr.KindPersistence, apperr.KindUnknown:
		r.logger.Error("message failed", fields...)
	default:
		r.logger.Debug("message rejected", fields...)
	}
}

func (r *Router) reply(c *Client, out protocol.Outbound) protocol.Outbound {
	frame, err := protocol.Encode(out)
	if err != nil {
		r.logger.Error("failed to encode reply", zap.String("type", out.Kind()), zap.Error(err))
		return nil
	}
	if !c.Conn.Send(frame) {
		r.logger.Debug("reply not queued, connection closed", zap.String("user_id", c.userID().String()))
	}
	return out
}

// broadcast fans out to every member of sessionID except the sender, who
// receives the same event as its reply.
func (r *Router) broadcast(sessionID uuid.UUID, out protocol.Outbound, sender *session.Connection) {
	frame, err := protocol.Encode(out)
	if err != nil {
		r.logger.Error("failed to encode broadcast", zap.String("type", out.Kind()), zap.Error(err))
		return
	}
	r.hub.Broadcast(sessionID, frame, sender)
}

// joinedSession returns the client's session or a validation error.
func (r *Router) joinedSession(c *Client) (uuid.UUID, error) {
	sessionID, ok := c.CurrentSession()
	if !ok {
		return uuid.Nil, apperr.Invalid("not in a session", nil)
	}
	return sessionID, nil
}

func (r *Router) requireMember(ctx context.Context, sessionID, userID uuid.UUID) error {
	ok, err := r.store.IsSessionMember(ctx, sessionID, userID)
	if err != nil {
		return apperr.Persistence("check session membership", err)
	}
	if !ok {
		return apperr.Denied("access denied to this session")
	}
	return nil
}

func (r *Router) requireSessionDM(ctx context.Context, sessionID, userID uuid.UUID, denial string) error {
	ok, err := r.store.IsSessionDM(ctx, sessionID, userID)
	if err != nil {
		return apperr.Persistence("check session dm", err)
	}
	if !ok {
		return apperr.Denied(denial)
	}
	return nil
}

func (r *Router) requireCharacterAccess(ctx context.Context, characterID, userID uuid.UUID) error {
	ok, err := r.store.CanEditCharacter(ctx, characterID, userID)
	if err != nil {
		return apperr.Persistence("check character access", err)
	}
	if !ok {
		return apperr.Denied("access denied to this character")
	}
	return nil
}
