package gamestate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/yodatable/yoda-server-go/internal/apperr"
	"github.com/yodatable/yoda-server-go/internal/repository"
	"go.uber.org/zap"
)

// ErrConcurrentModification is returned when every retry of a mutation lost
// the race against another writer.
var ErrConcurrentModification = errors.New("game state changed concurrently")

// SessionStore is the persistence surface the bridge needs.
type SessionStore interface {
	FetchSessionByID(ctx context.Context, id uuid.UUID) (*repository.Session, error)
	UpdateSessionGameState(ctx context.Context, id uuid.UUID, blob []byte, updatedAt time.Time, expectedVersion int64) (int64, error)
	ReplaceSessionGameState(ctx context.Context, id uuid.UUID, blob []byte, updatedAt time.Time) (int64, error)
}

// Bridge reads, mutates and writes back a session's game state.
type Bridge struct {
	store      SessionStore
	maxRetries int
	logger     *zap.Logger
	now        func() time.Time
}

// NewBridge creates a bridge. maxRetries is the number of extra attempts made
// after a version conflict.
func NewBridge(store SessionStore, maxRetries int, logger *zap.Logger) *Bridge {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Bridge{
		store:      store,
		maxRetries: maxRetries,
		logger:     logger,
		now:        time.Now,
	}
}

// load returns the current state of the session.
func (b *Bridge) load(ctx context.Context, sessionID uuid.UUID) (GameState, error) {
	sess, err := b.fetch(ctx, sessionID)
	if err != nil {
		return GameState{}, err
	}
	return b.decode(sess), nil
}

// Mutate applies fn to the current state and persists the result. The write
// is conditional on the version that was read; on conflict the whole
// read-modify-write is retried. Errors returned by fn abort without writing.
func (b *Bridge) Mutate(ctx context.Context, sessionID uuid.UUID, fn func(*GameState) error) (GameState, error) {
	for attempt := 0; attempt <= b.maxRetries; attempt++ {
		sess, err := b.fetch(ctx, sessionID)
		if err != nil {
			return GameState{}, err
		}

		gs := b.decode(sess)
		if err := fn(&gs); err != nil {
			return GameState{}, err
		}
		if err := gs.Validate(); err != nil {
			return GameState{}, apperr.Invalid(err.Error(), err)
		}

		blob, err := Encode(gs)
		if err != nil {
			return GameState{}, apperr.Persistence("encode game state", err)
		}

		_, err = b.store.UpdateSessionGameState(ctx, sessionID, blob, b.now().UTC(), sess.StateVersion)
		switch {
		case err == nil:
			return gs, nil
		case errors.Is(err, repository.ErrVersionConflict):
			b.logger.Debug("game state version conflict, retrying",
				zap.String("session_id", sessionID.String()),
				zap.Int("attempt", attempt+1),
			)
			continue
		case errors.Is(err, repository.ErrNotFound):
			return GameState{}, apperr.NotFound("session not found")
		default:
			return GameState{}, apperr.Persistence("update game state", err)
		}
	}

	b.logger.Warn("game state update gave up after conflicts",
		zap.String("session_id", sessionID.String()),
		zap.Int("max_retries", b.maxRetries),
	)
	return GameState{}, apperr.Persistence(ErrConcurrentModification.Error(), ErrConcurrentModification)
}

// ReplaceRaw stores a client-supplied blob as the session's game state and
// returns what was stored. Blobs that are shaped like a GameState are stored
// in canonical form. Other JSON objects are stored verbatim, but the
// GameState fields they carry must still be valid and may not move the round
// backwards. A missing round is carried over from the current state.
func (b *Bridge) ReplaceRaw(ctx context.Context, sessionID uuid.UUID, raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return nil, apperr.Invalid("game_state must be valid JSON", nil)
	}

	current, err := b.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	blob, err := replacement(trimmed, current)
	if err != nil {
		return nil, err
	}

	if _, err := b.store.ReplaceSessionGameState(ctx, sessionID, blob, b.now().UTC()); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.NotFound("session not found")
		}
		return nil, apperr.Persistence("replace game state", err)
	}
	return blob, nil
}

// replacement checks blob against current and returns the bytes to store.
func replacement(blob []byte, current GameState) (json.RawMessage, error) {
	if next, ok := DecodeStrict(blob); ok {
		if next.Round == 0 {
			next.Round = current.Round
		}
		if err := next.Validate(); err != nil {
			return nil, apperr.Invalid(err.Error(), err)
		}
		if next.Round < current.Round {
			return nil, apperr.Invalid("round cannot decrease", nil)
		}
		out, err := Encode(next)
		if err != nil {
			return nil, apperr.Persistence("encode game state", err)
		}
		return out, nil
	}

	// Anything but an object reads back as the default state.
	if blob[0] != '{' {
		if current.Round > Default().Round {
			return nil, apperr.Invalid("game_state must be a JSON object once the round has advanced", nil)
		}
		return append(json.RawMessage(nil), blob...), nil
	}

	next, err := Decode(blob)
	if err != nil {
		return nil, apperr.Invalid(err.Error(), err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(blob, &fields); err != nil {
		return nil, apperr.Invalid("game_state must be valid JSON", err)
	}
	if _, ok := fields["round"]; ok {
		if next.Round < current.Round {
			return nil, apperr.Invalid("round cannot decrease", nil)
		}
		return append(json.RawMessage(nil), blob...), nil
	}
	if next.Round >= current.Round {
		return append(json.RawMessage(nil), blob...), nil
	}

	round, err := json.Marshal(current.Round)
	if err != nil {
		return nil, apperr.Persistence("encode round", err)
	}
	fields["round"] = round
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, apperr.Persistence("encode game state", err)
	}
	return out, nil
}

func (b *Bridge) fetch(ctx context.Context, sessionID uuid.UUID) (*repository.Session, error) {
	sess, err := b.store.FetchSessionByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.NotFound("session not found")
		}
		return nil, apperr.Persistence("fetch session", err)
	}
	return sess, nil
}

// decode falls back to the default state when the stored blob is unreadable.
func (b *Bridge) decode(sess *repository.Session) GameState {
	gs, err := Decode(sess.GameState)
	if err != nil {
		b.logger.Warn("unreadable game state, using default",
			zap.String("session_id", sess.ID.String()),
			zap.Error(err),
		)
		return Default()
	}
	return gs
}
