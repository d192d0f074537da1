package router

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yodatable/yoda-server-go/internal/repository"
)

// fakeStore is an in-memory Store with the same predicate semantics as the
// PostgreSQL queries.
type fakeStore struct {
	mu sync.Mutex

	campaignDM map[uuid.UUID]uuid.UUID
	players    map[uuid.UUID]map[uuid.UUID]bool
	sessions   map[uuid.UUID]*repository.Session
	characters map[uuid.UUID]*repository.Character
	events     []repository.EventLog

	stateWrites int
	failWith    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		campaignDM: make(map[uuid.UUID]uuid.UUID),
		players:    make(map[uuid.UUID]map[uuid.UUID]bool),
		sessions:   make(map[uuid.UUID]*repository.Session),
		characters: make(map[uuid.UUID]*repository.Character),
	}
}

func (f *fakeStore) addCampaign(dm uuid.UUID, players ...uuid.UUID) uuid.UUID {
	id := uuid.New()
	f.campaignDM[id] = dm
	f.players[id] = make(map[uuid.UUID]bool)
	for _, p := range players {
		f.players[id][p] = true
	}
	return id
}

func (f *fakeStore) addSession(campaignID uuid.UUID, blob string) uuid.UUID {
	id := uuid.New()
	f.sessions[id] = &repository.Session{
		ID:         id,
		CampaignID: campaignID,
		Name:       "Session",
		Status:     "active",
		GameState:  json.RawMessage(blob),
	}
	return id
}

func (f *fakeStore) addCharacter(campaignID uuid.UUID, owner *uuid.UUID, name string) uuid.UUID {
	id := uuid.New()
	hp, hpMax := 10, 10
	f.characters[id] = &repository.Character{
		ID:         id,
		CampaignID: campaignID,
		PlayerID:   owner,
		Name:       name,
		Level:      1,
		HPCurrent:  &hp,
		HPMax:      &hpMax,
	}
	return id
}

func (f *fakeStore) gameState(id uuid.UUID) json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append(json.RawMessage(nil), f.sessions[id].GameState...)
}

func (f *fakeStore) writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stateWrites
}

func (f *fakeStore) eventLogs() []repository.EventLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]repository.EventLog(nil), f.events...)
}

func (f *fakeStore) isMember(campaignID, userID uuid.UUID) bool {
	return f.campaignDM[campaignID] == userID || f.players[campaignID][userID]
}

func (f *fakeStore) FetchSessionByID(_ context.Context, id uuid.UUID) (*repository.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	s, ok := f.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *s
	cp.GameState = append(json.RawMessage(nil), s.GameState...)
	return &cp, nil
}

func (f *fakeStore) UpdateSessionGameState(_ context.Context, id uuid.UUID, blob []byte, updatedAt time.Time, expected int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return 0, repository.ErrNotFound
	}
	if s.StateVersion != expected {
		return 0, repository.ErrVersionConflict
	}
	s.GameState = append(json.RawMessage(nil), blob...)
	s.StateVersion++
	s.UpdatedAt = updatedAt
	f.stateWrites++
	return s.StateVersion, nil
}

func (f *fakeStore) ReplaceSessionGameState(_ context.Context, id uuid.UUID, blob []byte, updatedAt time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return 0, repository.ErrNotFound
	}
	s.GameState = append(json.RawMessage(nil), blob...)
	s.StateVersion++
	s.UpdatedAt = updatedAt
	f.stateWrites++
	return s.StateVersion, nil
}

func (f *fakeStore) IsCampaignDM(_ context.Context, campaignID, userID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return false, f.failWith
	}
	return f.campaignDM[campaignID] == userID, nil
}

func (f *fakeStore) IsSessionMember(_ context.Context, sessionID, userID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return false, f.failWith
	}
	s, ok := f.sessions[sessionID]
	if !ok {
		return false, nil
	}
	return f.isMember(s.CampaignID, userID), nil
}

func (f *fakeStore) IsSessionDM(_ context.Context, sessionID, userID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return false, f.failWith
	}
	s, ok := f.sessions[sessionID]
	if !ok {
		return false, nil
	}
	return f.campaignDM[s.CampaignID] == userID, nil
}

func (f *fakeStore) CanEditCharacter(_ context.Context, characterID, userID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return false, f.failWith
	}
	c, ok := f.characters[characterID]
	if !ok {
		return false, nil
	}
	owner := c.PlayerID != nil && *c.PlayerID == userID
	return owner || f.campaignDM[c.CampaignID] == userID, nil
}

func (f *fakeStore) FetchCharacterByID(_ context.Context, id uuid.UUID) (*repository.Character, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.characters[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeStore) UpdateCharacterFields(_ context.Context, id uuid.UUID, u repository.CharacterUpdate, updatedAt time.Time) (*repository.Character, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.characters[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if u.Name != nil {
		c.Name = *u.Name
	}
	if u.Race != nil {
		c.Race = u.Race
	}
	if u.Class != nil {
		c.Class = u.Class
	}
	if u.Level != nil {
		c.Level = *u.Level
	}
	if u.HPCurrent != nil {
		c.HPCurrent = u.HPCurrent
	}
	if u.HPMax != nil {
		c.HPMax = u.HPMax
	}
	if u.AC != nil {
		c.AC = u.AC
	}
	if u.Speed != nil {
		c.Speed = u.Speed
	}
	c.UpdatedAt = updatedAt
	cp := *c
	return &cp, nil
}

func (f *fakeStore) UpdateCharacterHP(_ context.Context, id uuid.UUID, hpCurrent int, hpMax *int, updatedAt time.Time) (*repository.Character, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.characters[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c.HPCurrent = &hpCurrent
	if hpMax != nil {
		v := *hpMax
		c.HPMax = &v
	}
	c.UpdatedAt = updatedAt
	cp := *c
	return &cp, nil
}

func (f *fakeStore) InsertEventLog(_ context.Context, entry repository.EventLog) (*repository.EventLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	f.events = append(f.events, entry)
	cp := entry
	return &cp, nil
}
