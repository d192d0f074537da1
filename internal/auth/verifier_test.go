package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yodatable/yoda-server-go/internal/config"
	"github.com/yodatable/yoda-server-go/internal/repository"
)

const testSecret = "table-secret"

type fakeUsers map[uuid.UUID]string

func (f fakeUsers) FetchUserByID(_ context.Context, id uuid.UUID) (*repository.User, error) {
	name, ok := f[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &repository.User{ID: id, Username: name}, nil
}

func sign(t *testing.T, secret string, claims jwt.RegisteredClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func validClaims(userID uuid.UUID) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   userID.String(),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
}

func newTestVerifier(users fakeUsers) *Verifier {
	return NewVerifier(config.AuthConfig{JWTSecret: testSecret}, users)
}

func TestVerifyTokenResolvesUser(t *testing.T) {
	userID := uuid.New()
	v := newTestVerifier(fakeUsers{userID: "gandalf"})

	id, err := v.VerifyToken(context.Background(), sign(t, testSecret, validClaims(userID)))
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: userID, Username: "gandalf"}, id)
}

func TestVerifyTokenRejections(t *testing.T) {
	userID := uuid.New()
	v := newTestVerifier(fakeUsers{userID: "gandalf"})

	expired := validClaims(userID)
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))

	noExpiry := validClaims(userID)
	noExpiry.ExpiresAt = nil

	badSubject := validClaims(userID)
	badSubject.Subject = "not-a-uuid"

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, validClaims(userID)).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"wrong secret", sign(t, "other", validClaims(userID)), ErrInvalidToken},
		{"expired", sign(t, testSecret, expired), ErrInvalidToken},
		{"no expiry", sign(t, testSecret, noExpiry), ErrInvalidToken},
		{"bad subject", sign(t, testSecret, badSubject), ErrInvalidToken},
		{"alg none", none, ErrInvalidToken},
		{"garbage", "abc.def.ghi", ErrInvalidToken},
		{"unknown user", sign(t, testSecret, validClaims(uuid.New())), ErrUnknownUser},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.VerifyToken(context.Background(), tt.token)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestVerifyTokenIssuer(t *testing.T) {
	userID := uuid.New()
	v := NewVerifier(config.AuthConfig{JWTSecret: testSecret, Issuer: "yoda-api"}, fakeUsers{userID: "frodo"})

	claims := validClaims(userID)
	_, err := v.VerifyToken(context.Background(), sign(t, testSecret, claims))
	assert.ErrorIs(t, err, ErrInvalidToken)

	claims.Issuer = "yoda-api"
	_, err = v.VerifyToken(context.Background(), sign(t, testSecret, claims))
	assert.NoError(t, err)
}

func TestVerifyTokenLeeway(t *testing.T) {
	userID := uuid.New()
	v := NewVerifier(config.AuthConfig{JWTSecret: testSecret, Leeway: time.Minute}, fakeUsers{userID: "sam"})

	claims := validClaims(userID)
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-30 * time.Second))
	_, err := v.VerifyToken(context.Background(), sign(t, testSecret, claims))
	assert.NoError(t, err)
}

func TestAuthenticateExtractsToken(t *testing.T) {
	userID := uuid.New()
	v := newTestVerifier(fakeUsers{userID: "pippin"})
	token := sign(t, testSecret, validClaims(userID))

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	id, err := v.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, userID, id.UserID)

	r = httptest.NewRequest("GET", "/ws?token="+token, nil)
	id, err = v.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "pippin", id.Username)

	r = httptest.NewRequest("GET", "/ws", nil)
	_, err = v.Authenticate(r)
	assert.ErrorIs(t, err, ErrMissingToken)

	r = httptest.NewRequest("GET", "/ws?token="+token, nil)
	r.Header.Set("Authorization", "Basic abc")
	_, err = v.Authenticate(r)
	assert.ErrorIs(t, err, ErrMissingToken)
}
