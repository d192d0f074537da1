// Package session tracks which connections are attached to which game
// session and fans frames out to them.
package session

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PlayerInfo is a point-in-time copy of a session member.
type PlayerInfo struct {
	UserID   uuid.UUID
	Username string
	IsDM     bool
}

type member struct {
	conn *Connection
	isDM bool
}

// SessionInfo holds the live members of one session.
type SessionInfo struct {
	SessionID  uuid.UUID
	CampaignID uuid.UUID

	members map[uuid.UUID]member
	mu      sync.RWMutex
}

func newSessionInfo(sessionID, campaignID uuid.UUID) *SessionInfo {
	return &SessionInfo{
		SessionID:  sessionID,
		CampaignID: campaignID,
		members:    make(map[uuid.UUID]member),
	}
}

// Snapshot returns the members sorted by username.
func (s *SessionInfo) Snapshot() []PlayerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	players := make([]PlayerInfo, 0, len(s.members))
	for _, m := range s.members {
		players = append(players, PlayerInfo{
			UserID:   m.conn.UserID,
			Username: m.conn.Username,
			IsDM:     m.isDM,
		})
	}
	sort.Slice(players, func(i, j int) bool {
		if players[i].Username != players[j].Username {
			return players[i].Username < players[j].Username
		}
		return players[i].UserID.String() < players[j].UserID.String()
	})
	return players
}

func (s *SessionInfo) connections() []*Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conns := make([]*Connection, 0, len(s.members))
	for _, m := range s.members {
		conns = append(conns, m.conn)
	}
	return conns
}

// Hub owns every live SessionInfo. The session map and each session's member
// set are locked independently so work on one session never blocks another.
type Hub struct {
	sessions map[uuid.UUID]*SessionInfo
	mu       sync.RWMutex
	logger   *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		sessions: make(map[uuid.UUID]*SessionInfo),
		logger:   logger,
	}
}

// Join registers conn as a member of sessionID, creating the session entry on
// first use. A user that is already a member is replaced. Callers must have
// authorized the user.
func (h *Hub) Join(sessionID, campaignID uuid.UUID, conn *Connection, isDM bool) PlayerInfo {
	h.mu.Lock()
	defer h.mu.Unlock()

	info, ok := h.sessions[sessionID]
	if !ok {
		info = newSessionInfo(sessionID, campaignID)
		h.sessions[sessionID] = info
	}

	info.mu.Lock()
	info.members[conn.UserID] = member{conn: conn, isDM: isDM}
	info.mu.Unlock()

	h.logger.Info("player joined session",
		zap.String("session_id", sessionID.String()),
		zap.String("campaign_id", info.CampaignID.String()),
		zap.String("user_id", conn.UserID.String()),
		zap.Bool("is_dm", isDM),
	)

	return PlayerInfo{UserID: conn.UserID, Username: conn.Username, IsDM: isDM}
}

// Leave removes userID from sessionID and reports whether it was a member.
// The session entry is dropped once it has no members.
func (h *Hub) Leave(sessionID, userID uuid.UUID) bool {
	return h.remove(sessionID, userID, nil)
}

// Detach removes conn's user from sessionID only if conn is still the
// registered connection, so a closing stale socket cannot evict a newer one.
func (h *Hub) Detach(sessionID uuid.UUID, conn *Connection) bool {
	return h.remove(sessionID, conn.UserID, conn)
}

func (h *Hub) remove(sessionID, userID uuid.UUID, only *Connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	info, ok := h.sessions[sessionID]
	if !ok {
		return false
	}

	info.mu.Lock()
	m, ok := info.members[userID]
	if ok && only != nil && m.conn != only {
		ok = false
	}
	if ok {
		delete(info.members, userID)
	}
	empty := len(info.members) == 0
	info.mu.Unlock()

	if !ok {
		return false
	}

	h.logger.Info("player left session",
		zap.String("session_id", sessionID.String()),
		zap.String("campaign_id", info.CampaignID.String()),
		zap.String("user_id", userID.String()),
	)

	if empty {
		delete(h.sessions, sessionID)
		h.logger.Debug("session removed", zap.String("session_id", sessionID.String()))
	}
	return true
}

func (h *Hub) get(sessionID uuid.UUID) (*SessionInfo, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	info, ok := h.sessions[sessionID]
	return info, ok
}

// ListMembers returns a copy of the members of sessionID.
func (h *Hub) ListMembers(sessionID uuid.UUID) []PlayerInfo {
	info, ok := h.get(sessionID)
	if !ok {
		return []PlayerInfo{}
	}
	return info.Snapshot()
}

// CampaignID returns the campaign of a live session.
func (h *Hub) CampaignID(sessionID uuid.UUID) (uuid.UUID, bool) {
	info, ok := h.get(sessionID)
	if !ok {
		return uuid.Nil, false
	}
	return info.CampaignID, true
}

// Broadcast queues frame on every member of sessionID except exclude, which
// may be nil. It returns the number of connections the frame was queued on.
// Delivery is best effort.
func (h *Hub) Broadcast(sessionID uuid.UUID, frame []byte, exclude *Connection) int {
	info, ok := h.get(sessionID)
	if !ok {
		return 0
	}

	delivered := 0
	for _, conn := range info.connections() {
		if conn == exclude {
			continue
		}
		if conn.Send(frame) {
			delivered++
			continue
		}
		h.logger.Warn("frame not delivered, connection closed",
			zap.String("session_id", sessionID.String()),
			zap.String("user_id", conn.UserID.String()),
		)
	}
	return delivered
}

// SessionCount returns the number of live sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// CloseAll closes every member connection and forgets all sessions.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[uuid.UUID]*SessionInfo)
	h.mu.Unlock()

	for _, info := range sessions {
		for _, conn := range info.connections() {
			conn.Close()
		}
	}
	h.logger.Info("closed all sessions", zap.Int("sessions", len(sessions)))
}
