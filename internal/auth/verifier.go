// Package auth resolves the identity behind a real-time connection from the
// same HS256 bearer tokens the REST API issues.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/yodatable/yoda-server-go/internal/config"
	"github.com/yodatable/yoda-server-go/internal/repository"
)

var (
	// ErrMissingToken is returned when the request carries no token.
	ErrMissingToken = errors.New("missing token")
	// ErrInvalidToken is returned for tokens that fail verification.
	ErrInvalidToken = errors.New("invalid token")
	// ErrUnknownUser is returned when the token subject has no account.
	ErrUnknownUser = errors.New("unknown user")
)

// Identity is the authenticated user of a connection.
type Identity struct {
	UserID   uuid.UUID
	Username string
}

// UserLookup resolves display names.
type UserLookup interface {
	FetchUserByID(ctx context.Context, id uuid.UUID) (*repository.User, error)
}

// Verifier checks bearer tokens and loads the matching user.
type Verifier struct {
	secret []byte
	issuer string
	leeway time.Duration
	users  UserLookup
	now    func() time.Time
}

// NewVerifier creates a verifier from the auth configuration.
func NewVerifier(cfg config.AuthConfig, users UserLookup) *Verifier {
	return &Verifier{
		secret: []byte(cfg.JWTSecret),
		issuer: cfg.Issuer,
		leeway: cfg.Leeway,
		users:  users,
		now:    time.Now,
	}
}

// Authenticate extracts the token from r and verifies it.
func (v *Verifier) Authenticate(r *http.Request) (Identity, error) {
	token := TokenFromRequest(r)
	if token == "" {
		return Identity{}, ErrMissingToken
	}
	return v.VerifyToken(r.Context(), token)
}

// VerifyToken validates signature, expiry and issuer, then resolves the
// subject to a user.
func (v *Verifier) VerifyToken(ctx context.Context, token string) (Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: subject is not a user id", ErrInvalidToken)
	}

	user, err := v.users.FetchUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return Identity{}, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
		}
		return Identity{}, fmt.Errorf("load user %s: %w", userID, err)
	}
	return Identity{UserID: user.ID, Username: user.Username}, nil
}

// TokenFromRequest returns the bearer token from the Authorization header,
// falling back to the token query parameter that browsers must use for
// WebSocket upgrades.
func TokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
